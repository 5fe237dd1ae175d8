package handles

import (
	"errors"
	"fmt"
	"time"
)

// tryAllocateSlot races to reserve a free slot. Reservation amounts to
// being the first to flip the allocated flag under the slot lock.
func (r *Registry) tryAllocateSlot(s *slot) bool {
	if !r.tryLockSlot(s) {
		return false
	}

	// flags == 0 means un-used.
	if s.flags != 0 {
		r.unlockSlot(s)
		return false
	}

	s.flags |= FlagAllocated

	r.unlockSlot(s)

	return true
}

// reserveSlot walks the group from start looking for a slot to reserve.
// If the scan from the hint finds nothing it restarts at 1. Slot 0 is
// never handed out.
func (r *Registry) reserveSlot(g *group, start uint32) (uint16, *slot, error) {
	if start == 0 {
		start = 1
	}

	for slotIndex := start; slotIndex < MaxSlots; slotIndex++ {
		s := &g.slots[slotIndex]

		if !r.tryAllocateSlot(s) {
			continue
		}

		g.markAllocated(uint16(slotIndex))

		return uint16(slotIndex), s, nil
	}

	if start > 1 {
		return r.reserveSlot(g, 1)
	}

	r.opts.Logf("handles: out of slots")

	return 0, nil, ErrNoMoreSlots
}

// Alloc reserves a slot for typ, opens a fresh arena, and constructs the
// payload with newPayload. The handle is returned in the not-ready state;
// no other caller can use it until [Registry.SetReady]. The payload's
// [Base] is populated with the handle and arena before return.
//
// describe and deinit may be nil. A handle without a deinit callback
// cannot be destroyed while ready; it must go through
// [Registry.SetNotReady] first.
func (r *Registry) Alloc(
	typ Type, newPayload func() Instance, describe DescribeFunc, deinit DeinitFunc,
) (Instance, Handle, error) {
	if newPayload == nil {
		return nil, NullHandle, fmt.Errorf("%w: nil payload factory", ErrInvalidRequest)
	}

	return r.allocSlot(typ, newPayload, nil, describe, deinit)
}

// Adopt reserves a slot for a caller-managed payload. No arena is opened;
// the registry only tracks the payload and leaves its storage to the
// caller. Otherwise identical to [Registry.Alloc].
func (r *Registry) Adopt(
	typ Type, data Instance, describe DescribeFunc, deinit DeinitFunc,
) (Handle, error) {
	if isNilInstance(data) {
		return NullHandle, fmt.Errorf("%w: nil payload", ErrInvalidRequest)
	}

	_, h, err := r.allocSlot(typ, nil, data, describe, deinit)

	return h, err
}

func (r *Registry) allocSlot(
	typ Type, newPayload func() Instance, adopted Instance, describe DescribeFunc, deinit DeinitFunc,
) (Instance, Handle, error) {
	// No allocations in single-threaded mode.
	if !r.initialized.Load() {
		return nil, NullHandle, fmt.Errorf("%w: registry not initialized", ErrInvalidRequest)
	}

	g, err := r.groupForType(typ)
	if err != nil {
		return nil, NullHandle, err
	}

	g.ensureSlots()

	tag := typ.String()
	site := ""

	if r.opts.Debug {
		site = callSite(2)
		tag = site
	}

	// Adopted payloads do not get an arena.
	var arena Arena

	if adopted == nil {
		arena, err = r.opts.Arenas(tag)
		if err != nil {
			return nil, NullHandle, fmt.Errorf("%w: opening arena: %v", ErrNoMem, err)
		}
	}

	slotIndex, s, err := r.reserveSlot(g, g.nextFree.Load())
	if err != nil {
		closeArena(arena, r.opts.Logf)
		return nil, NullHandle, err
	}

	data := adopted
	if data == nil {
		data = newPayload()
	}

	if isNilInstance(data) {
		r.lockSlot(s)
		g.unmarkAllocated(slotIndex)
		s.clear(r.opts.Logf)
		r.unlockSlot(s)
		closeArena(arena, r.opts.Logf)

		return nil, NullHandle, fmt.Errorf("%w: payload factory returned nil", ErrNoMem)
	}

	r.lockSlot(s)

	// Bind the group sequence to this slot instance, flag it not ready,
	// and stash the type so enumeration can re-create the handle.
	s.sequence = g.nextSequence()
	s.flags |= FlagNotReady
	s.typ = typ
	s.managed = adopted == nil
	s.data = data
	s.deinit = deinit
	s.describe = describe
	s.allocSite = site

	h := MakeHandle(typ, s.sequence, slotIndex)

	data.base().handle = h
	data.base().arena = arena

	r.unlockSlot(s)

	return data, h, nil
}

func closeArena(arena Arena, logf LogFunc) {
	if arena == nil {
		return
	}

	err := arena.Close()
	if err != nil {
		logf("handles: closing arena %q: %v", arena.Tag(), err)
	}
}

// SetReady transitions a freshly allocated handle into the ready state,
// allowing checkouts. One-shot; calling it on an already ready handle
// fails with [ErrHandleReady].
func (r *Registry) SetReady(h Handle) error {
	_, _, s, err := r.lookupAllocated(h.Type(), h, true, FlagNotReady)
	if err != nil {
		return err
	}

	s.flags |= FlagReady
	s.flags &^= FlagNotReady

	r.unlockSlot(s)

	return nil
}

// Get validates h and checks the payload out, incrementing its reference
// count. The slot is not locked after return; the payload may be used
// until the matching [Registry.Put]. A type of 0 means "derive the type
// from the handle".
//
// Get fails with [ErrHandleNotReady] as soon as a teardown has latched.
func (r *Registry) Get(typ Type, h Handle) (Instance, error) {
	if typ == 0 {
		typ = h.Type()
	}

	_, _, s, err := r.lookupAllocated(typ, h, true, FlagReady)
	if err != nil {
		return nil, err
	}

	if r.opts.Debug {
		s.lastGetSite = callSite(1)
	}

	s.refcount.Add(1)

	data := s.data

	r.unlockSlot(s)

	return data, nil
}

// Put returns a checked-out payload, decrementing the reference count.
// Put is legal while the slot is allocated, including during a
// SetNotReady drain; that is how the drain makes progress. Putting a nil
// payload is a no-op. A type of 0 derives the type from the payload's
// handle.
func (r *Registry) Put(typ Type, data Instance) error {
	if isNilInstance(data) {
		return nil
	}

	h := data.base().handle

	if typ == 0 {
		typ = h.Type()
	}

	_, _, s, err := r.lookupAllocated(typ, h, true, FlagAllocated)
	if err != nil {
		return err
	}

	if s.refcount.Load() == 0 {
		r.unlockSlot(s)
		return fmt.Errorf("%w: put without matching get", ErrInvalidRequest)
	}

	s.refcount.Add(^uint32(0))

	r.unlockSlot(s)

	return nil
}

// SetNotReady latches the not-ready state, blocks until every
// outstanding checkout has been returned, and hands the payload back to
// the caller for app-level teardown. Checkouts attempted after the latch
// fail immediately with [ErrHandleNotReady].
func (r *Registry) SetNotReady(typ Type, h Handle) (Instance, error) {
	if typ == 0 {
		typ = h.Type()
	}

	// Keep the slot locked while latching so a concurrent SetNotReady
	// errors right away instead of also entering the wait below.
	_, _, s, err := r.lookupAllocated(typ, h, true, FlagReady)
	if err != nil {
		return nil, err
	}

	s.flags |= FlagNotReady
	s.flags &^= FlagReady

	data := s.data

	r.unlockSlot(s)

	r.drainRefs(s, h)

	return data, nil
}

// drainRefs polls until the slot's reference count reaches zero. Past
// the configured ceiling it logs a loud diagnostic naming the last
// checkout site and escalates to a long poll; destruction always
// completes. In single-threaded mode the wait is skipped so the shutdown
// sweep can break reference cycles.
func (r *Registry) drainRefs(s *slot, h Handle) {
	if !r.initialized.Load() {
		return
	}

	waitStart := time.Now()
	poll := r.opts.NotReadyPoll
	logged := false

	for s.refcount.Load() != 0 {
		time.Sleep(poll)

		if !logged && time.Since(waitStart) > r.opts.NotReadyWait {
			r.lockSlot(s)
			desc := r.describeSlotLocked(s)
			lastGet := s.lastGetSite
			r.unlockSlot(s)

			if lastGet != "" {
				r.opts.Logf("handles: hang releasing handle %s (%s), last checkout at %s", h, desc, lastGet)
			} else {
				r.opts.Logf("handles: hang releasing handle %s (%s)", h, desc)
			}

			logged = true
			poll = escalatedNotReadyPoll
		}
	}
}

// Destroy tears a handle down and releases its slot. Passing a null
// handle succeeds trivially. Destroy is idempotent: once the destroy
// flag latches, concurrent and repeated calls return success without
// running the finalizer again. On success the caller's handle is nulled.
//
// A ready handle is torn down implicitly through SetNotReady, which
// requires a deinit callback; destroying a ready handle without one
// panics, since the registry would have no way to run app-level teardown.
//
// If live children still hold references the destroy is deferred with
// [ErrPendingChildren]; retry after they drain.
func (r *Registry) Destroy(h *Handle) error {
	if h == nil {
		return ErrHandleInvalid
	}

	if h.IsNull() {
		return nil
	}

	return r.destroyHandle(h)
}

func (r *Registry) destroyHandle(h *Handle) error {
	typ := h.Type()

	g, slotIndex, s, err := r.lookupAllocated(typ, *h, true, 0)
	if err != nil {
		return err
	}

	// The destroy flag makes destroy idempotent and excludes
	// simultaneous destroyers.
	if s.flags&FlagDestroy != 0 {
		r.unlockSlot(s)

		*h = NullHandle

		return nil
	}

	// A ready handle can only be torn down implicitly when a deinit
	// callback can stand in for the caller's explicit teardown. Checked
	// before latching the destroy flag so the slot is not wedged if the
	// caller recovers.
	if s.flags&FlagNotReady == 0 && s.deinit == nil {
		r.unlockSlot(s)
		panic(fmt.Sprintf("handles: cannot destroy ready handle %s without a deinit callback", *h))
	}

	s.flags |= FlagDestroy

	if s.flags&FlagNotReady == 0 {
		r.unlockSlot(s)

		_, err = r.SetNotReady(typ, *h)
		if err != nil && !errors.Is(err, ErrHandleNotReady) {
			return err
		}
	} else {
		r.unlockSlot(s)

		// An outstanding reference blocks any transition that frees
		// the slot.
		r.drainRefs(s, *h)
	}

	r.lockSlot(s)
	childCount := s.childCount
	r.unlockSlot(s)

	if childCount > 0 {
		err = r.destroyChildren(*h)
		if err != nil {
			// Clear the latch under the lock so a retry can proceed;
			// holding it here closes the race with a concurrent
			// destroy slipping in between clear and return.
			r.lockSlot(s)
			s.flags &^= FlagDestroy
			r.unlockSlot(s)

			return err
		}
	}

	if s.deinit != nil {
		s.deinit(s.data)
	}

	r.lockSlot(s)

	g.unmarkAllocated(slotIndex)
	s.clear(r.opts.Logf)

	// Hint the group at the freed index for the next allocation.
	g.nextFree.Store(uint32(slotIndex))

	r.unlockSlot(s)

	*h = NullHandle

	return nil
}

// destroyChildren enumerates every slot whose parent is parent and
// destroys the ones nobody references. Children that are still checked
// out, or that themselves report pending children, defer the cascade.
func (r *Registry) destroyChildren(parent Handle) error {
	pending := 0
	cursor := NullHandle

	for {
		next, err := r.EnumChildren(parent, cursor)
		if err != nil {
			break
		}

		cursor = next

		refcount, err := r.Refcount(next)
		if err != nil || refcount > 0 {
			pending++
			continue
		}

		child := next

		err = r.destroyHandle(&child)
		if err != nil {
			if errors.Is(err, ErrPendingChildren) {
				pending++
				continue
			}

			return fmt.Errorf("destroying child %s: %w", next, err)
		}
	}

	if pending > 0 {
		return ErrPendingChildren
	}

	return nil
}
