package handles

import "fmt"

// Enumeration is cursor-based: pass the null handle to start and the
// previously returned handle to continue; [ErrEnumEnd] signals the end.
// Each result is a snapshot per slot, not across slots: a handle seen by
// an enumeration may be destroyed by the time the caller uses it.

// Enum returns the next ready handle after cursor, across all groups.
func (r *Registry) Enum(cursor Handle) (Handle, error) {
	return r.enumNext(cursor, func(s *slot) bool {
		return s.flags&FlagReady != 0
	})
}

// EnumChildren returns the next ready handle after cursor whose parent
// is parent.
func (r *Registry) EnumChildren(parent, cursor Handle) (Handle, error) {
	return r.enumNext(cursor, func(s *slot) bool {
		return s.flags&FlagReady != 0 && s.parent == parent
	})
}

// enumNext scans all groups starting at the cursor's position for a slot
// matching match. Slots whose lock cannot be taken immediately are
// skipped; enumeration is a best-effort snapshot.
func (r *Registry) enumNext(cursor Handle, match func(s *slot) bool) (Handle, error) {
	slotStart := uint32(cursor.Slot())

	for groupIndex := uint32(cursor.Group()); groupIndex < MaxGroups; groupIndex++ {
		g := &r.groups[groupIndex]

		if g.allocated() {
			h, ok := r.enumGroup(g, slotStart, match)
			if ok {
				return h, nil
			}
		}

		slotStart = 0
	}

	return NullHandle, ErrEnumEnd
}

// enumGroup scans one group starting just past slotStart.
func (r *Registry) enumGroup(g *group, slotStart uint32, match func(s *slot) bool) (Handle, bool) {
	for slotIndex := slotStart + 1; slotIndex < MaxSlots; slotIndex = g.nextAllocatedSlot(slotIndex) {
		s := &g.slots[slotIndex]

		if !r.tryLockSlot(s) {
			continue
		}

		if match(s) {
			h := MakeHandle(s.typ, s.sequence, uint16(slotIndex))
			r.unlockSlot(s)

			return h, true
		}

		r.unlockSlot(s)
	}

	return NullHandle, false
}

// EnumType returns the next ready handle of exactly typ after cursor.
// The scan is confined to the type's group.
func (r *Registry) EnumType(typ Type, cursor Handle) (Handle, error) {
	g, err := r.groupForType(typ)
	if err != nil {
		return NullHandle, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if !g.allocated() {
		return NullHandle, ErrEnumEnd
	}

	h, ok := r.enumGroup(g, uint32(cursor.Slot()), func(s *slot) bool {
		return s.typ == typ && s.flags&FlagReady != 0
	})
	if !ok {
		return NullHandle, ErrEnumEnd
	}

	return h, nil
}

// Count returns the number of allocated slots of exactly typ, ready or
// not.
func (r *Registry) Count(typ Type) uint32 {
	g, err := r.groupForType(typ)
	if err != nil || !g.allocated() {
		return 0
	}

	total := uint32(0)

	for slotIndex := uint32(1); slotIndex < MaxSlots; slotIndex = g.nextAllocatedSlot(slotIndex) {
		s := &g.slots[slotIndex]

		if !r.tryLockSlot(s) {
			continue
		}

		if s.typ == typ && s.flags&FlagAllocated != 0 {
			total++
		}

		r.unlockSlot(s)
	}

	return total
}

// Refcount reads the handle's outstanding checkout count under the slot
// lock.
func (r *Registry) Refcount(h Handle) (uint32, error) {
	_, _, s, err := r.lookupAllocated(h.Type(), h, true, FlagAllocated)
	if err != nil {
		return 0, err
	}

	refcount := s.refcount.Load()

	r.unlockSlot(s)

	return refcount, nil
}

// Valid reports whether h currently names a live allocated slot.
func (r *Registry) Valid(h Handle) bool {
	_, err := r.Refcount(h)

	return err == nil
}

// Describe renders a textual description of the handle through its
// describe callback, holding a transient checkout for the duration.
// Invalid handles render as an error string instead of failing.
func (r *Registry) Describe(h Handle) string {
	if h.IsNull() {
		return "{NULL HANDLE}"
	}

	_, _, s, err := r.lookupAllocated(h.Type(), h, true, FlagReady)
	if err != nil {
		return fmt.Sprintf("invalid handle, get failed: %v", err)
	}

	// Hold a reference while rendering so teardown waits for us.
	s.refcount.Add(1)

	describe := s.describe
	data := s.data

	r.unlockSlot(s)

	desc := defaultDescription(h)
	if describe != nil {
		desc = describe(data)
	}

	s.refcount.Add(^uint32(0))

	return desc
}

// describeSlotLocked renders a slot for internal diagnostics. The caller
// holds the slot lock; readiness is not required.
func (r *Registry) describeSlotLocked(s *slot) string {
	if s.describe != nil && s.data != nil {
		return s.describe(s.data)
	}

	return fmt.Sprintf("type %s", s.typ)
}

func defaultDescription(h Handle) string {
	return fmt.Sprintf("handle %s type %s", h, h.Type())
}

// ArenaOf returns the arena bound to a ready handle, or nil if the
// handle is invalid or its payload is caller-managed.
func (r *Registry) ArenaOf(h Handle) Arena {
	_, _, s, err := r.lookupAllocated(h.Type(), h, true, FlagReady)
	if err != nil {
		return nil
	}

	var arena Arena
	if s.data != nil {
		arena = s.data.base().arena
	}

	r.unlockSlot(s)

	return arena
}
