package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/silobase/silo/pkg/types"
)

// HandlerFunc processes one invocation. The state document is a private
// copy; returning it (or a derived document) through Update or NoReply is
// the only way to change the entity's state.
type HandlerFunc func(ctx context.Context, state State, args []any) Return

// AlarmFunc handles a named alarm firing on the entity. A reply value, if
// returned, is discarded; state changes and follow-up alarms apply normally.
type AlarmFunc func(ctx context.Context, state State, name string) Return

// LoadFunc runs once after the initial load, before the instance accepts
// work. State changes persist before the first invocation is handled.
type LoadFunc func(ctx context.Context, state State) Return

// Handler is one named entry point with a fixed argument count.
type Handler struct {
	NArgs int
	Fn    HandlerFunc
}

// Field declares one persistent state field and its default value.
type Field struct {
	Name    string
	Default any
}

// KeyPolicy controls how nested object keys inside field values are treated
// when a document is loaded from the store.
type KeyPolicy string

const (
	// KeysDefault defers to the runtime-wide setting.
	KeysDefault KeyPolicy = ""

	// KeysStrings leaves nested keys untouched.
	KeysStrings KeyPolicy = "strings"

	// KeysExistingSymbols requires every nested key to be a known symbol;
	// an unknown key fails the load.
	KeysExistingSymbols KeyPolicy = "existing-symbols"

	// KeysCreateSymbols interns unseen nested keys as new symbols.
	KeysCreateSymbols KeyPolicy = "create-symbols"
)

// Options tune per-type instance behavior. Zero values defer to the
// runtime-wide configuration.
type Options struct {
	HibernateAfter time.Duration
	ShutdownAfter  time.Duration
	Keys           KeyPolicy
	Mailbox        int
}

// Definition describes one entity type: its persistent fields, its named
// entry points, and optional alarm and load hooks.
type Definition struct {
	Type      string
	Fields    []Field
	Handlers  map[string]Handler
	OnAlarm   AlarmFunc
	AfterLoad LoadFunc
	Options   Options

	fieldSet map[string]int // name -> index into Fields
}

// Handler returns the entry point for name if one exists with the given
// argument count.
func (d *Definition) Handler(name string, nargs int) (Handler, bool) {
	h, ok := d.Handlers[name]
	if !ok || h.NArgs != nargs {
		return Handler{}, false
	}
	return h, true
}

// Declares reports whether name is a declared persistent field.
func (d *Definition) Declares(name string) bool {
	_, ok := d.fieldSet[name]
	return ok
}

// Defaults builds a fresh state document from the declared defaults.
func (d *Definition) Defaults() State {
	doc := make(State, len(d.Fields))
	for _, f := range d.Fields {
		doc[f.Name] = deepCopyValue(f.Default)
	}
	return doc
}

// Merge overlays a stored document onto the declared defaults. Unknown keys
// in the stored document are dropped; declared fields missing from it keep
// their defaults.
func (d *Definition) Merge(stored State) State {
	doc := d.Defaults()
	for name := range d.fieldSet {
		if v, ok := stored[name]; ok {
			doc[name] = deepCopyValue(v)
		}
	}
	return doc
}

// Project reduces a state document to its declared fields, excluding the
// injected identity. This is the persisted shape.
func (d *Definition) Project(s State) State {
	doc := make(State, len(d.Fields))
	for name := range d.fieldSet {
		if v, ok := s[name]; ok {
			doc[name] = v
		}
	}
	return doc
}

// Catalog maps entity types to their definitions. A single process-global
// catalog serves the common case; tests construct their own.
type Catalog struct {
	mu      sync.RWMutex
	defs    map[string]*Definition
	symbols *SymbolTable
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{
		defs:    make(map[string]*Definition),
		symbols: NewSymbolTable(),
	}
}

// Default is the process-global catalog used by package-level Register and
// Lookup.
var Default = New()

// Register adds an entity definition to the default catalog.
func Register(def Definition) error { return Default.Register(def) }

// Lookup resolves an entity type in the default catalog.
func Lookup(typ string) (*Definition, error) { return Default.Lookup(typ) }

// Register validates and adds an entity definition. Structural mistakes
// (a field shadowing the injected id, a reserved handler name, duplicate
// registration) surface here, at definition time, not at first invoke.
func (c *Catalog) Register(def Definition) error {
	if def.Type == "" {
		return fmt.Errorf("entity type is required")
	}

	def.fieldSet = make(map[string]int, len(def.Fields))
	for i, f := range def.Fields {
		if f.Name == "" {
			return fmt.Errorf("entity %q: field %d has no name", def.Type, i)
		}
		if f.Name == IdentityField {
			return fmt.Errorf("entity %q: field %q shadows the injected identity", def.Type, f.Name)
		}
		if _, dup := def.fieldSet[f.Name]; dup {
			return fmt.Errorf("entity %q: duplicate field %q", def.Type, f.Name)
		}
		def.fieldSet[f.Name] = i
	}

	for name, h := range def.Handlers {
		if name == "" {
			return fmt.Errorf("entity %q: handler with empty name", def.Type)
		}
		if name == types.FireHandler {
			return fmt.Errorf("entity %q: handler name %q is reserved for alarm delivery", def.Type, name)
		}
		if h.Fn == nil {
			return fmt.Errorf("entity %q: handler %q has no function", def.Type, name)
		}
		if h.NArgs < 0 {
			return fmt.Errorf("entity %q: handler %q has negative arity", def.Type, name)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, dup := c.defs[def.Type]; dup {
		return fmt.Errorf("entity %q: already registered", def.Type)
	}

	for _, f := range def.Fields {
		c.symbols.Intern(f.Name)
	}
	for name := range def.Handlers {
		c.symbols.Intern(name)
	}

	c.defs[def.Type] = &def
	return nil
}

// Lookup resolves an entity type.
func (c *Catalog) Lookup(typ string) (*Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	def, ok := c.defs[typ]
	if !ok {
		return nil, &types.UnknownTypeError{Type: typ}
	}
	return def, nil
}

// Types lists the registered entity types, sorted.
func (c *Catalog) Types() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.defs))
	for typ := range c.defs {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

// Symbols exposes the catalog's symbol table.
func (c *Catalog) Symbols() *SymbolTable {
	return c.symbols
}

// Reset empties the catalog. Test helper.
func (c *Catalog) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defs = make(map[string]*Definition)
	c.symbols = NewSymbolTable()
}
