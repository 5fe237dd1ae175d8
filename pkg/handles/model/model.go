// Package model provides a deliberately simple, in-memory state model of
// the registry's publicly observable behavior.
//
// The model is intentionally easy to audit: it favors clarity over
// performance and ignores implementation details like slot indices,
// sequences, bitmaps, and locking. Operations are keyed by abstract
// integer ids instead of real handles; the test harness maintains the
// mapping between the two.
//
// Because the model is single-threaded it cannot express a blocking
// SetNotReady; draining a referenced handle returns [ErrWouldBlock] and
// the harness is expected to put references back first.
package model

import (
	"errors"

	"github.com/calvinalkan/handle-registry/pkg/handles"
)

// ErrWouldBlock is returned where the real registry would block waiting
// for references to drain.
var ErrWouldBlock = errors.New("model: would block")

// Slot is the observable state of one live handle.
type Slot struct {
	Type     handles.Type
	Ready    bool
	Refcount int
	Parent   int // owning id, or 0
	Deinit   bool
	Deinits  int // times the finalizer ran
}

// Model is the oracle registry. The zero value is not usable; use [New].
type Model struct {
	nextID int
	slots  map[int]*Slot
}

// New returns an empty model.
func New() *Model {
	return &Model{nextID: 1, slots: map[int]*Slot{}}
}

// Alloc reserves an id for a handle of typ. The handle starts not-ready.
// hasDeinit records whether a finalizer was registered.
func (m *Model) Alloc(typ handles.Type, hasDeinit bool) (int, error) {
	if typ.Group() >= handles.MaxGroups {
		return 0, handles.ErrHandleInvalid
	}

	id := m.nextID
	m.nextID++

	m.slots[id] = &Slot{Type: typ, Deinit: hasDeinit}

	return id, nil
}

// SetReady transitions a not-ready handle to ready. One-shot.
func (m *Model) SetReady(id int) error {
	s, ok := m.slots[id]
	if !ok {
		return handles.ErrSeqMismatch
	}

	if s.Ready {
		return handles.ErrHandleReady
	}

	s.Ready = true

	return nil
}

// Get checks the handle out.
func (m *Model) Get(id int) error {
	s, ok := m.slots[id]
	if !ok {
		return handles.ErrSeqMismatch
	}

	if !s.Ready {
		return handles.ErrHandleNotReady
	}

	s.Refcount++

	return nil
}

// Put returns a checkout. Putting id 0 models putting a nil payload and
// is a no-op.
func (m *Model) Put(id int) error {
	if id == 0 {
		return nil
	}

	s, ok := m.slots[id]
	if !ok {
		return handles.ErrSeqMismatch
	}

	if s.Refcount == 0 {
		return handles.ErrInvalidRequest
	}

	s.Refcount--

	return nil
}

// SetNotReady latches teardown. With outstanding references the real
// registry blocks; the model reports [ErrWouldBlock] instead.
func (m *Model) SetNotReady(id int) error {
	s, ok := m.slots[id]
	if !ok {
		return handles.ErrSeqMismatch
	}

	if !s.Ready {
		return handles.ErrHandleNotReady
	}

	if s.Refcount > 0 {
		return ErrWouldBlock
	}

	s.Ready = false

	return nil
}

// SetParent records a one-shot parent association.
func (m *Model) SetParent(child, parent int) error {
	if child == parent {
		return handles.ErrInvalidRequest
	}

	c, ok := m.slots[child]
	if !ok {
		return handles.ErrSeqMismatch
	}

	if _, ok := m.slots[parent]; !ok {
		return handles.ErrSeqMismatch
	}

	if c.Parent != 0 {
		if c.Parent == parent {
			return nil
		}

		return handles.ErrParentAlreadySet
	}

	c.Parent = parent

	return nil
}

// Destroy tears the handle down, cascading into children. Children that
// are still referenced defer the destroy with ErrPendingChildren; the
// handle itself being referenced models the blocking drain as
// [ErrWouldBlock].
func (m *Model) Destroy(id int) error {
	s, ok := m.slots[id]
	if !ok {
		// Destroy of an unknown (already destroyed) id succeeds: the
		// real registry treats a nulled handle as a no-op and a reused
		// slot as stale.
		return nil
	}

	if s.Refcount > 0 {
		return ErrWouldBlock
	}

	// Destroy implies the teardown latch: the handle stops being ready
	// even when the cascade defers on children.
	s.Ready = false

	pending := 0

	for childID, child := range m.slots {
		if child.Parent != id {
			continue
		}

		// Only ready children are visible to the cascade, matching
		// enumeration in the real registry.
		if !child.Ready {
			continue
		}

		if child.Refcount > 0 {
			pending++
			continue
		}

		err := m.Destroy(childID)
		if errors.Is(err, handles.ErrPendingChildren) {
			pending++
		}
	}

	if pending > 0 {
		return handles.ErrPendingChildren
	}

	if s.Deinit {
		s.Deinits++
	}

	delete(m.slots, id)

	return nil
}

// CountType returns the number of live handles of exactly typ.
func (m *Model) CountType(typ handles.Type) int {
	total := 0

	for _, s := range m.slots {
		if s.Type == typ {
			total++
		}
	}

	return total
}

// ReadyOfType returns how many live handles of typ are ready, which is
// what the real registry's per-type enumeration observes.
func (m *Model) ReadyOfType(typ handles.Type) int {
	total := 0

	for _, s := range m.slots {
		if s.Type == typ && s.Ready {
			total++
		}
	}

	return total
}

// Refcount returns the checkout count for id.
func (m *Model) Refcount(id int) (int, error) {
	s, ok := m.slots[id]
	if !ok {
		return 0, handles.ErrSeqMismatch
	}

	return s.Refcount, nil
}

// Live reports whether id still names a live handle.
func (m *Model) Live(id int) bool {
	_, ok := m.slots[id]

	return ok
}

// Len returns the number of live handles.
func (m *Model) Len() int {
	return len(m.slots)
}
