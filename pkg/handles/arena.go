package handles

import (
	"errors"
	"sync/atomic"
)

// Arena is the external storage provider contract. Each registry-managed
// payload gets its own arena opened at allocation time; the registry
// closes it when the handle is destroyed. The intent is that any
// resources allocated on behalf of the handle live in its arena so
// teardown releases them in one place.
type Arena interface {
	// Close releases everything the arena owns. Closing twice is an
	// error.
	Close() error

	// Tag identifies the arena for diagnostics, typically the
	// allocation site or type of the owning handle.
	Tag() string
}

// ArenaProvider opens a fresh arena for a handle. The tag identifies the
// owning allocation for diagnostics.
type ArenaProvider func(tag string) (Arena, error)

// ErrArenaClosed indicates a double close of an arena.
var ErrArenaClosed = errors.New("handles: arena already closed")

// HeapArenas is the built-in provider. Go's garbage collector reclaims
// payload memory, so the heap arena only tracks identity and close state.
func HeapArenas(tag string) (Arena, error) {
	return &heapArena{tag: tag}, nil
}

type heapArena struct {
	tag    string
	closed atomic.Bool
}

func (a *heapArena) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return ErrArenaClosed
	}

	return nil
}

func (a *heapArena) Tag() string {
	return a.tag
}
