package partner

import (
	"sync"

	"github.com/openmx-go/omx/internal/omxerr"
)

// Table is the per-endpoint partner map, keyed by (peer_index,
// endpoint_index) and populated lazily on first interaction.
type Table struct {
	mu       sync.RWMutex
	byKey    map[Key]*Partner
	maxCount int
}

// NewTable creates a table bounded to at most maxCount partners.
func NewTable(maxCount int) *Table {
	return &Table{byKey: make(map[Key]*Partner), maxCount: maxCount}
}

// Lookup returns the partner for key, if already known.
func (t *Table) Lookup(key Key) (*Partner, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.byKey[key]
	return p, ok
}

// GetOrCreate returns the existing partner for key or creates one,
// reporting whether it was newly created. Fails once the table is at
// capacity and key is unknown.
func (t *Table) GetOrCreate(key Key, boardAddr [6]byte) (*Partner, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.byKey[key]; ok {
		return p, false, nil
	}
	if len(t.byKey) >= t.maxCount {
		return nil, false, omxerr.New(omxerr.NoResources)
	}
	p := New(key, boardAddr)
	t.byKey[key] = p
	return p, true, nil
}

// Remove drops a partner, e.g. on endpoint close or disconnect-on-
// timeout.
func (t *Table) Remove(key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byKey, key)
}

// Clear drops every partner, for endpoint close.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byKey = make(map[Key]*Partner)
}

// Each calls fn for every known partner. fn must not call back into the
// table.
func (t *Table) Each(fn func(*Partner)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.byKey {
		fn(p)
	}
}

// Len returns the number of known partners.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byKey)
}
