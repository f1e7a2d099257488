// Package resource implements the table that maps opaque integer ids to live
// native resources.
package resource

import (
	"context"
	"fmt"
)

// ID names a live resource. The low 24 bits select a slot, the high 8 bits
// carry the slot generation so a stale id never aliases a reused slot. A
// slot whose generation is exhausted is retired instead of wrapping.
type ID uint32

const (
	indexBits = 24
	indexMask = 1<<indexBits - 1
	maxSlots  = indexMask + 1

	maxGeneration = 1<<8 - 1
)

func makeID(index uint32, gen uint8) ID {
	return ID(uint32(gen)<<indexBits | index&indexMask)
}

func (id ID) index() uint32 { return uint32(id) & indexMask }

func (id ID) generation() uint8 { return uint8(uint32(id) >> indexBits) }

func (id ID) String() string {
	return fmt.Sprintf("rid:%d", uint32(id))
}

// Well-known ids bound to the process standard streams.
const (
	Stdin  ID = 0
	Stdout ID = 1
	Stderr ID = 2
)

// Resource is a native object owned by the table.
type Resource interface {
	// Name identifies the resource kind, e.g. "fsFile" or "webSocket".
	Name() string
	// Close releases the underlying native object.
	Close() error
}

// Reader is implemented by resources that can be read from.
// A zero count with a nil error on a non-empty buffer means end of stream.
type Reader interface {
	Read(ctx context.Context, p []byte) (int, error)
}

// Writer is implemented by resources that can be written to.
// Writes may be partial.
type Writer interface {
	Write(ctx context.Context, p []byte) (int, error)
}

// SyncReader is implemented by resources whose reads complete without
// waiting on a peer, so they may run as immediate ops.
type SyncReader interface {
	ReadSync(p []byte) (int, error)
}

// SyncWriter is the write-side counterpart of SyncReader.
type SyncWriter interface {
	WriteSync(p []byte) (int, error)
}

// Shutdowner is implemented by resources that support half-close.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Flusher is implemented by buffered writers that can push pending bytes out.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Terminal is implemented by interactive devices.
type Terminal interface {
	IsTerminal() bool
	SetRaw(raw, cbreak bool) error
}

// Sizer is implemented by resources that know their current length.
type Sizer interface {
	Size() (int64, error)
}

// EventType describes a table lifecycle event.
type EventType uint8

const (
	EventCreated EventType = iota
	EventClosed
)

// Event represents a resource lifecycle event.
type Event struct {
	Resource Resource
	ID       ID
	Kind     string
	Type     EventType
	Err      error
}

// Observer receives notifications about resource lifecycle events.
type Observer interface {
	OnResourceEvent(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

// OnResourceEvent implements Observer.
func (f ObserverFunc) OnResourceEvent(e Event) { f(e) }
