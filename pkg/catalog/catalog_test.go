package catalog

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(ctx context.Context, state State, args []any) Return {
	return Reply("ok")
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name    string
		def     Definition
		wantErr string
	}{
		{
			name:    "empty type",
			def:     Definition{},
			wantErr: "entity type is required",
		},
		{
			name: "field shadows id",
			def: Definition{
				Type:   "account",
				Fields: []Field{{Name: "id"}},
			},
			wantErr: "shadows the injected identity",
		},
		{
			name: "duplicate field",
			def: Definition{
				Type:   "account",
				Fields: []Field{{Name: "balance"}, {Name: "balance"}},
			},
			wantErr: "duplicate field",
		},
		{
			name: "reserved handler name",
			def: Definition{
				Type:     "account",
				Handlers: map[string]Handler{"__fire__": {NArgs: 1, Fn: noop}},
			},
			wantErr: "reserved for alarm delivery",
		},
		{
			name: "handler without function",
			def: Definition{
				Type:     "account",
				Handlers: map[string]Handler{"get": {NArgs: 0}},
			},
			wantErr: "has no function",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New()
			err := c.Register(tt.def)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRegisterDuplicateType(t *testing.T) {
	c := New()
	def := Definition{Type: "account"}

	require.NoError(t, c.Register(def))
	err := c.Register(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestLookupUnknownType(t *testing.T) {
	c := New()
	_, err := c.Lookup("ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown entity type")
}

func TestRegisterInternsSymbols(t *testing.T) {
	c := New()
	require.NoError(t, c.Register(Definition{
		Type:     "account",
		Fields:   []Field{{Name: "balance", Default: 0}},
		Handlers: map[string]Handler{"deposit": {NArgs: 1, Fn: noop}},
	}))

	assert.True(t, c.Symbols().Known("balance"))
	assert.True(t, c.Symbols().Known("deposit"))
	assert.False(t, c.Symbols().Known("withdraw"))
}

func TestDefaultsAreIndependent(t *testing.T) {
	def := mustDef(t, Definition{
		Type:   "cart",
		Fields: []Field{{Name: "items", Default: map[string]any{}}},
	})

	a := def.Defaults()
	b := def.Defaults()
	a.Map("items")["sku-1"] = 2

	assert.Empty(t, b.Map("items"), "defaults must not share nested maps")
}

func TestMergeDropsUnknownAndFillsDefaults(t *testing.T) {
	def := mustDef(t, Definition{
		Type: "profile",
		Fields: []Field{
			{Name: "name", Default: ""},
			{Name: "visits", Default: 0},
		},
	})

	// Stored document written by an older build: has a dropped field and
	// is missing a newer one.
	stored := State{"name": "ada", "legacy_flag": true}

	doc := def.Merge(stored)
	assert.Equal(t, "ada", doc.String("name"))
	assert.Equal(t, int64(0), doc.Int("visits"))
	assert.False(t, doc.Has("legacy_flag"))
}

func TestProjectExcludesIdentity(t *testing.T) {
	def := mustDef(t, Definition{
		Type:   "profile",
		Fields: []Field{{Name: "name", Default: ""}},
	})

	s := State{"id": "user-1", "name": "ada", "scratch": 42}
	doc := def.Project(s)

	assert.Equal(t, State{"name": "ada"}, doc)
}

func TestHandlerArity(t *testing.T) {
	def := mustDef(t, Definition{
		Type:     "account",
		Handlers: map[string]Handler{"deposit": {NArgs: 1, Fn: noop}},
	})

	_, ok := def.Handler("deposit", 1)
	assert.True(t, ok)

	_, ok = def.Handler("deposit", 2)
	assert.False(t, ok, "wrong arity must not resolve")

	_, ok = def.Handler("withdraw", 1)
	assert.False(t, ok)
}

func TestStateGettersCoerce(t *testing.T) {
	// Simulate a store round trip: numbers come back as float64.
	var s State
	require.NoError(t, json.Unmarshal([]byte(`{"count": 5, "ratio": 0.5, "name": "a", "on": true}`), &s))

	assert.Equal(t, int64(5), s.Int("count"))
	assert.Equal(t, 0.5, s.Float("ratio"))
	assert.Equal(t, "a", s.String("name"))
	assert.True(t, s.Bool("on"))
	assert.Equal(t, int64(0), s.Int("missing"))
}

func TestCloneIsDeep(t *testing.T) {
	s := State{
		"tags":   []any{"a", "b"},
		"nested": map[string]any{"k": 1},
	}

	c := Clone(s)
	c.Map("nested")["k"] = 2
	c.Slice("tags")[0] = "z"

	assert.Equal(t, 1, s.Map("nested")["k"])
	assert.Equal(t, "a", s.Slice("tags")[0])
}

func TestEqualCanonical(t *testing.T) {
	a := State{"count": 5, "nested": map[string]any{"x": 1, "y": 2}}
	b := State{"nested": map[string]any{"y": float64(2), "x": float64(1)}, "count": float64(5)}

	assert.True(t, Equal(a, b), "int and float64 forms of the same document must compare equal")

	b["count"] = float64(6)
	assert.False(t, Equal(a, b))
}

func TestConvertKeysPolicies(t *testing.T) {
	doc := State{
		"prefs": map[string]any{"theme": "dark", "locale": "en"},
	}

	t.Run("strings leaves keys alone", func(t *testing.T) {
		syms := NewSymbolTable()
		assert.NoError(t, ConvertKeys(doc, KeysStrings, syms))
		assert.Zero(t, syms.Len())
	})

	t.Run("existing-symbols rejects unknown keys", func(t *testing.T) {
		syms := NewSymbolTable()
		syms.Intern("theme")
		err := ConvertKeys(doc, KeysExistingSymbols, syms)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "locale")
	})

	t.Run("existing-symbols accepts interned keys", func(t *testing.T) {
		syms := NewSymbolTable()
		syms.Intern("theme", "locale")
		assert.NoError(t, ConvertKeys(doc, KeysExistingSymbols, syms))
	})

	t.Run("create-symbols interns on sight", func(t *testing.T) {
		syms := NewSymbolTable()
		require.NoError(t, ConvertKeys(doc, KeysCreateSymbols, syms))
		assert.True(t, syms.Known("theme"))
		assert.True(t, syms.Known("locale"))
	})

	t.Run("walks into lists", func(t *testing.T) {
		listDoc := State{
			"entries": []any{map[string]any{"hidden": true}},
		}
		syms := NewSymbolTable()
		err := ConvertKeys(listDoc, KeysExistingSymbols, syms)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "hidden")
	})
}

func TestReturnShapes(t *testing.T) {
	r := Reply(7)
	v, ok := r.Value()
	assert.True(t, ok)
	assert.Equal(t, 7, v)
	assert.Nil(t, r.State())
	assert.Nil(t, r.Alarm())
	assert.NoError(t, r.Err())

	next := State{"count": 1}
	r = Update(7, next).Schedule("tick", time.Minute)
	v, ok = r.Value()
	assert.True(t, ok)
	assert.Equal(t, 7, v)
	assert.Equal(t, next, r.State())
	require.NotNil(t, r.Alarm())
	assert.Equal(t, "tick", r.Alarm().Name)
	assert.Equal(t, time.Minute, r.Alarm().Delay)

	r = NoReply(next)
	_, ok = r.Value()
	assert.False(t, ok)
	assert.Equal(t, next, r.State())

	r = Fail(assert.AnError)
	assert.Error(t, r.Err())
	assert.Nil(t, r.State())
}

func mustDef(t *testing.T, def Definition) *Definition {
	t.Helper()
	c := New()
	require.NoError(t, c.Register(def))
	d, err := c.Lookup(def.Type)
	require.NoError(t, err)
	return d
}
