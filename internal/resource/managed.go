package resource

import (
	"sync"
)

// ManagedSet tracks the ids an owner (an HTTP connection, a database
// connection, a script execution) must release when it is torn down.
// It holds no ownership; the registered objects still own their ids.
type ManagedSet struct {
	table *Table
	mu    sync.Mutex
	ids   map[ID]struct{}
	done  bool
}

// NewManagedSet creates an empty set bound to a table.
func NewManagedSet(t *Table) *ManagedSet {
	return &ManagedSet{
		table: t,
		ids:   make(map[ID]struct{}),
	}
}

// Add registers an id. It returns false when the set was already torn down,
// in which case the id is closed immediately.
func (m *ManagedSet) Add(id ID) bool {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		_ = m.table.TryClose(id)
		return false
	}
	m.ids[id] = struct{}{}
	m.mu.Unlock()
	return true
}

// Remove drops an id after its owner closed it explicitly.
// It reports whether the id was still tracked.
func (m *ManagedSet) Remove(id ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ids[id]; !ok {
		return false
	}
	delete(m.ids, id)
	return true
}

// Contains reports whether id is tracked.
func (m *ManagedSet) Contains(id ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.ids[id]
	return ok
}

// Len returns the number of tracked ids.
func (m *ManagedSet) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ids)
}

// Teardown closes every id still tracked. Calling it again is a no-op.
func (m *ManagedSet) Teardown() {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return
	}
	m.done = true
	ids := make([]ID, 0, len(m.ids))
	for id := range m.ids {
		ids = append(ids, id)
	}
	m.ids = make(map[ID]struct{})
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.table.TryClose(id)
	}
}
