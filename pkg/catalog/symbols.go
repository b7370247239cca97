package catalog

import (
	"fmt"
	"sync"
)

// SymbolTable is the set of known object keys. Registration interns every
// declared field and handler name; applications intern additional nested
// keys up front when running under the existing-symbols policy.
type SymbolTable struct {
	mu  sync.RWMutex
	set map[string]struct{}
}

// NewSymbolTable creates an empty symbol table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{set: make(map[string]struct{})}
}

// Intern adds names to the table.
func (t *SymbolTable) Intern(names ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range names {
		t.set[n] = struct{}{}
	}
}

// Known reports whether a name has been interned.
func (t *SymbolTable) Known(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.set[name]
	return ok
}

// Len returns the number of interned symbols.
func (t *SymbolTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.set)
}

// ConvertKeys applies a key policy to every nested object inside the
// document's field values. Top-level keys are declared fields and are not
// subject to conversion. Under existing-symbols an unknown nested key is an
// error and the load fails; under create-symbols it is interned; under
// strings the walk is skipped entirely.
func ConvertKeys(doc State, policy KeyPolicy, syms *SymbolTable) error {
	if policy == KeysStrings || policy == KeysDefault {
		return nil
	}
	for field, v := range doc {
		if err := convertValue(v, policy, syms); err != nil {
			return fmt.Errorf("field %q: %w", field, err)
		}
	}
	return nil
}

func convertValue(v any, policy KeyPolicy, syms *SymbolTable) error {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			switch policy {
			case KeysExistingSymbols:
				if !syms.Known(k) {
					return fmt.Errorf("unknown object key %q", k)
				}
			case KeysCreateSymbols:
				syms.Intern(k)
			}
			if err := convertValue(e, policy, syms); err != nil {
				return err
			}
		}
	case []any:
		for _, e := range t {
			if err := convertValue(e, policy, syms); err != nil {
				return err
			}
		}
	}
	return nil
}
