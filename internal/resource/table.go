package resource

import (
	"errors"
	"fmt"
	"sync"

	"tether/internal/operr"
)

type slot struct {
	res   Resource
	gen   uint8
	valid bool
}

// Table is an in-memory slot map of live resources.
type Table struct {
	mu        sync.RWMutex
	slots     []slot
	freeList  []uint32
	closed    bool
	observers []Observer
}

// NewTable creates an empty table. Slots 0-2 are held back for the
// standard streams and are only filled through Reserve.
func NewTable() *Table {
	t := &Table{
		slots:    make([]slot, 3, 64),
		freeList: make([]uint32, 0, 16),
	}
	return t
}

// Add stores a resource and returns its id.
func (t *Table) Add(r Resource) (ID, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, operr.ErrClosed
	}

	var id ID
	if n := len(t.freeList); n > 0 {
		idx := t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
		s := &t.slots[idx]
		s.res = r
		s.valid = true
		id = makeID(idx, s.gen)
	} else {
		if len(t.slots) >= maxSlots {
			t.mu.Unlock()
			return 0, fmt.Errorf("tether: resource table full (%d slots)", maxSlots)
		}
		t.slots = append(t.slots, slot{res: r, valid: true})
		id = makeID(uint32(len(t.slots)-1), 0)
	}
	t.mu.Unlock()

	t.notify(Event{Type: EventCreated, ID: id, Kind: r.Name(), Resource: r})
	return id, nil
}

// Reserve binds a resource to a fixed id in the reserved range (stdio).
func (t *Table) Reserve(id ID, r Resource) error {
	if id.index() > uint32(Stderr) {
		return fmt.Errorf("tether: id %d is not reservable", id)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return operr.ErrClosed
	}
	s := &t.slots[id.index()]
	if s.valid {
		t.mu.Unlock()
		return fmt.Errorf("tether: id %d already bound", id)
	}
	if s.gen != 0 {
		// A closed stdio slot stays closed for the life of the table.
		t.mu.Unlock()
		return &operr.BadResourceError{ID: uint32(id), Op: "reserve"}
	}
	s.res = r
	s.valid = true
	t.mu.Unlock()

	t.notify(Event{Type: EventCreated, ID: id, Kind: r.Name(), Resource: r})
	return nil
}

// lookup returns the slot for id, or nil. Caller holds t.mu.
func (t *Table) lookup(id ID) *slot {
	idx := id.index()
	if int(idx) >= len(t.slots) {
		return nil
	}
	s := &t.slots[idx]
	if !s.valid || s.gen != id.generation() {
		return nil
	}
	return s
}

// Get retrieves a live resource.
func (t *Table) Get(id ID) (Resource, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := t.lookup(id)
	if s == nil {
		return nil, &operr.BadResourceError{ID: uint32(id)}
	}
	return s.res, nil
}

// GetAs retrieves a live resource of the expected concrete type or capability.
func GetAs[T any](t *Table, id ID) (T, error) {
	var zero T
	r, err := t.Get(id)
	if err != nil {
		return zero, err
	}
	v, ok := r.(T)
	if !ok {
		return zero, &operr.BadResourceError{ID: uint32(id)}
	}
	return v, nil
}

// Take removes a resource from the table without closing it.
// Ownership passes to the caller.
func (t *Table) Take(id ID) (Resource, error) {
	t.mu.Lock()
	s := t.lookup(id)
	if s == nil {
		t.mu.Unlock()
		return nil, &operr.BadResourceError{ID: uint32(id)}
	}
	r := t.release(id, s)
	t.mu.Unlock()
	return r, nil
}

// release invalidates a slot and bumps its generation. A slot at the last
// generation is retired: it never returns to the free list. Caller holds t.mu.
func (t *Table) release(id ID, s *slot) Resource {
	r := s.res
	s.res = nil
	s.valid = false
	if s.gen == maxGeneration {
		return r
	}
	s.gen++
	if id.index() > uint32(Stderr) {
		t.freeList = append(t.freeList, id.index())
	}
	return r
}

// Close removes and closes a resource. Closing an unknown or already closed
// id fails with a BadResource classification.
func (t *Table) Close(id ID) error {
	r, err := t.Take(id)
	if err != nil {
		var bre *operr.BadResourceError
		if errors.As(err, &bre) {
			bre.Op = "close"
		}
		return err
	}

	cerr := r.Close()
	t.notify(Event{Type: EventClosed, ID: id, Kind: r.Name(), Resource: r, Err: cerr})
	return cerr
}

// TryClose closes a resource and swallows the already-closed classification.
// Other close failures are still reported.
func (t *Table) TryClose(id ID) error {
	err := t.Close(id)
	if errors.Is(err, operr.ErrBadResource) {
		return nil
	}
	return err
}

// Len returns the number of live resources.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, s := range t.slots {
		if s.valid {
			n++
		}
	}
	return n
}

// Each iterates over live resources until fn returns false.
func (t *Table) Each(fn func(ID, Resource) bool) {
	t.mu.RLock()
	type entry struct {
		id ID
		r  Resource
	}
	entries := make([]entry, 0, len(t.slots))
	for i, s := range t.slots {
		if s.valid {
			entries = append(entries, entry{makeID(uint32(i), s.gen), s.res})
		}
	}
	t.mu.RUnlock()

	for _, e := range entries {
		if !fn(e.id, e.r) {
			return
		}
	}
}

// CloseAll closes every live resource and stops accepting new ones.
// It returns the first close error.
func (t *Table) CloseAll() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	var ids []ID
	t.Each(func(id ID, _ Resource) bool {
		ids = append(ids, id)
		return true
	})

	var first error
	for _, id := range ids {
		if err := t.TryClose(id); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Subscribe adds an observer for lifecycle events.
func (t *Table) Subscribe(o Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, o)
}

func (t *Table) notify(e Event) {
	t.mu.RLock()
	observers := t.observers
	t.mu.RUnlock()
	for _, o := range observers {
		o.OnResourceEvent(e)
	}
}
