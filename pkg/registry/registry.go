package registry

import (
	"sync"

	"github.com/silobase/silo/pkg/types"
)

// Instance is the minimal surface the registry needs from a live entity.
type Instance interface {
	Key() types.Key
	Status() types.Status
}

// Local maps entity keys to their single live instance within this
// process. Acquire is the only way in, and it is atomic: when two
// activations race, exactly one caller wins and the loser is handed the
// winner's instance to use instead.
type Local struct {
	mu      sync.RWMutex
	entries map[types.Key]Instance
}

// NewLocal returns an empty registry.
func NewLocal() *Local {
	return &Local{entries: make(map[types.Key]Instance)}
}

// Acquire claims key for inst. It returns the registered instance and
// whether inst is the one that got registered. A false return means
// another instance already holds the key; the caller must discard inst
// and use the returned winner.
func (l *Local) Acquire(key types.Key, inst Instance) (Instance, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if current, ok := l.entries[key]; ok {
		return current, false
	}
	l.entries[key] = inst
	return inst, true
}

// Locate returns the live instance for key, if any.
func (l *Local) Locate(key types.Key) (Instance, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	inst, ok := l.entries[key]
	return inst, ok
}

// Release removes key only while inst is still its holder. It reports
// whether the entry was removed. A stale release (the key was already
// re-acquired by a newer instance) is a no-op.
func (l *Local) Release(key types.Key, inst Instance) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.entries[key]
	if !ok || current != inst {
		return false
	}
	delete(l.entries, key)
	return true
}

// Len returns the number of registered instances.
func (l *Local) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Snapshot copies the current entries. The instances themselves are
// shared, not copied.
func (l *Local) Snapshot() map[types.Key]Instance {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[types.Key]Instance, len(l.entries))
	for k, v := range l.entries {
		out[k] = v
	}
	return out
}

// Range calls fn for each entry until fn returns false. The lock is held
// for the duration, so fn must not call back into the registry.
func (l *Local) Range(fn func(key types.Key, inst Instance) bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for k, v := range l.entries {
		if !fn(k, v) {
			return
		}
	}
}
