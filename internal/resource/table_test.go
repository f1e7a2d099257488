package resource

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tether/internal/operr"
)

type fakeResource struct {
	name   string
	closes int
	mu     sync.Mutex
	err    error
}

func (f *fakeResource) Name() string { return f.name }

func (f *fakeResource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return f.err
}

func (f *fakeResource) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func TestTable_AddGet(t *testing.T) {
	tbl := NewTable()

	r := &fakeResource{name: "fake"}
	id, err := tbl.Add(r)
	require.NoError(t, err)
	assert.Greater(t, uint32(id), uint32(Stderr), "ids for non-stdio resources start after the reserved range")

	got, err := tbl.Get(id)
	require.NoError(t, err)
	assert.Same(t, r, got)
	assert.Equal(t, 1, tbl.Len())
}

func TestTable_CloseTwice(t *testing.T) {
	tbl := NewTable()
	r := &fakeResource{name: "fake"}
	id, err := tbl.Add(r)
	require.NoError(t, err)

	require.NoError(t, tbl.Close(id))
	assert.Equal(t, 1, r.closeCount())

	err = tbl.Close(id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, operr.ErrBadResource))

	assert.NoError(t, tbl.TryClose(id), "try close swallows already closed")
	assert.Equal(t, 1, r.closeCount(), "resource closed exactly once")
}

func TestTable_StaleIDDoesNotAlias(t *testing.T) {
	tbl := NewTable()
	first := &fakeResource{name: "first"}
	id1, err := tbl.Add(first)
	require.NoError(t, err)
	require.NoError(t, tbl.Close(id1))

	second := &fakeResource{name: "second"}
	id2, err := tbl.Add(second)
	require.NoError(t, err)

	assert.Equal(t, id1.index(), id2.index(), "slot is reused")
	assert.NotEqual(t, id1, id2, "generation differs")

	_, err = tbl.Get(id1)
	assert.ErrorIs(t, err, operr.ErrBadResource)

	require.Error(t, tbl.Close(id1))
	assert.Equal(t, 0, second.closeCount())
}

func TestTable_SlotRetiredBeforeGenerationWraps(t *testing.T) {
	tbl := NewTable()
	stale, err := tbl.Add(&fakeResource{name: "first"})
	require.NoError(t, err)
	require.NoError(t, tbl.Close(stale))

	seen := map[ID]bool{stale: true}
	var last *fakeResource
	var lastID ID
	for i := 0; i < 2*(maxGeneration+1); i++ {
		last = &fakeResource{name: "cycle"}
		lastID, err = tbl.Add(last)
		require.NoError(t, err)
		require.False(t, seen[lastID], "id %v handed out twice", lastID)
		seen[lastID] = true
		if i < 2*(maxGeneration+1)-1 {
			require.NoError(t, tbl.Close(lastID))
		}
	}

	_, err = tbl.Get(stale)
	assert.ErrorIs(t, err, operr.ErrBadResource)
	assert.ErrorIs(t, tbl.Close(stale), operr.ErrBadResource)
	assert.Equal(t, 0, last.closeCount(), "stale close must not reach the live resource")
	assert.Equal(t, 1, tbl.Len())
	assert.NotEqual(t, stale.index(), lastID.index(), "exhausted slot is not reused")
}

func TestTable_ReserveStdio(t *testing.T) {
	tbl := NewTable()
	in := &fakeResource{name: "stdin"}
	require.NoError(t, tbl.Reserve(Stdin, in))
	assert.Error(t, tbl.Reserve(Stdin, in), "double reserve")
	assert.Error(t, tbl.Reserve(ID(7), in), "outside reserved range")

	got, err := tbl.Get(Stdin)
	require.NoError(t, err)
	assert.Same(t, in, got)

	require.NoError(t, tbl.Close(Stdin))
	assert.ErrorIs(t, tbl.Close(Stdin), operr.ErrBadResource)
	assert.Error(t, tbl.Reserve(Stdin, in), "closed stdio slot stays closed")
}

func TestTable_GetAs(t *testing.T) {
	tbl := NewTable()
	id, err := tbl.Add(&fakeResource{name: "fake"})
	require.NoError(t, err)

	_, err = GetAs[Reader](tbl, id)
	assert.ErrorIs(t, err, operr.ErrBadResource)

	f, err := GetAs[*fakeResource](tbl, id)
	require.NoError(t, err)
	assert.Equal(t, "fake", f.name)
}

func TestTable_CloseAllAndObservers(t *testing.T) {
	tbl := NewTable()

	var mu sync.Mutex
	counts := map[EventType]int{}
	tbl.Subscribe(ObserverFunc(func(e Event) {
		mu.Lock()
		counts[e.Type]++
		mu.Unlock()
	}))

	resources := make([]*fakeResource, 5)
	for i := range resources {
		resources[i] = &fakeResource{name: "fake"}
		_, err := tbl.Add(resources[i])
		require.NoError(t, err)
	}

	require.NoError(t, tbl.CloseAll())
	for _, r := range resources {
		assert.Equal(t, 1, r.closeCount())
	}
	assert.Equal(t, 0, tbl.Len())

	_, err := tbl.Add(&fakeResource{name: "late"})
	assert.ErrorIs(t, err, operr.ErrClosed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, counts[EventCreated])
	assert.Equal(t, 5, counts[EventClosed])
}

func TestTable_ConcurrentAddClose(t *testing.T) {
	tbl := NewTable()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := tbl.Add(&fakeResource{name: "fake"})
			if err != nil {
				t.Error(err)
				return
			}
			if err := tbl.Close(id); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, tbl.Len())
}

func TestManagedSet_Teardown(t *testing.T) {
	tbl := NewTable()
	set := NewManagedSet(tbl)

	a := &fakeResource{name: "a"}
	b := &fakeResource{name: "b"}
	idA, _ := tbl.Add(a)
	idB, _ := tbl.Add(b)
	set.Add(idA)
	set.Add(idB)

	// a is closed explicitly by its owner first.
	require.NoError(t, tbl.Close(idA))
	assert.True(t, set.Remove(idA))
	assert.False(t, set.Remove(idA))

	set.Teardown()
	set.Teardown()

	assert.Equal(t, 1, a.closeCount())
	assert.Equal(t, 1, b.closeCount())
	assert.Equal(t, 0, set.Len())

	late := &fakeResource{name: "late"}
	idLate, _ := tbl.Add(late)
	assert.False(t, set.Add(idLate), "torn down set rejects new ids")
	assert.Equal(t, 1, late.closeCount())
}
