package handles

import "sync/atomic"

// slot is the live state backing one handle instance. All fields other
// than refcount are mutated only under the slot lock; refcount is atomic
// so the SetNotReady drain can poll it without taking the lock.
type slot struct {
	lock     spinlock
	refcount atomic.Uint32

	flags    uint16
	sequence uint16

	parent     Handle
	typ        Type
	childCount uint32

	// managed is set when the registry opened an arena for the payload.
	// Adopted payloads are caller-managed and keep their storage.
	managed bool

	data     Instance
	deinit   DeinitFunc
	describe DescribeFunc

	// Populated only when Options.Debug is set.
	allocSite   string
	lastGetSite string
}

// clear resets every mutable field and closes the payload arena for
// registry-managed payloads. After clear the slot is free for reuse.
// Caller holds the slot lock.
func (s *slot) clear(logf LogFunc) {
	s.flags = 0
	s.sequence = 0
	s.refcount.Store(0)
	s.parent = NullHandle
	s.typ = 0
	s.childCount = 0
	s.allocSite = ""
	s.lastGetSite = ""

	if s.managed && s.data != nil {
		arena := s.data.base().arena
		if arena != nil {
			err := arena.Close()
			if err != nil {
				logf("handles: closing arena %q: %v", arena.Tag(), err)
			}
		}
	}

	s.managed = false
	s.data = nil
	s.deinit = nil
	s.describe = nil
}
