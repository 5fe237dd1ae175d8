package handles

import "fmt"

// SetParent associates child with parent so destroying the parent
// cascades into the child. A child has exactly one parent; assignment is
// one-shot (re-setting the same parent is allowed, a different one fails
// with [ErrParentAlreadySet]). Parents may live in any group.
func (r *Registry) SetParent(child, parent Handle) error {
	if child == parent {
		return fmt.Errorf("%w: handle cannot parent itself", ErrInvalidRequest)
	}

	childGroup, childSeq, childIndex, err := r.validateHandle(child.Type(), child)
	if err != nil {
		return err
	}

	parentGroup, parentSeq, parentIndex, err := r.validateHandle(parent.Type(), parent)
	if err != nil {
		return err
	}

	if !childGroup.allocated() || !parentGroup.allocated() {
		return ErrHandleInvalid
	}

	childSlot := &childGroup.slots[childIndex]
	parentSlot := &parentGroup.slots[parentIndex]

	// Distinct handles naming the same slot means at least one of them
	// is stale.
	if childSlot == parentSlot {
		r.lockSlot(childSlot)
		defer r.unlockSlot(childSlot)

		err = checkSlotLocked(childSlot, child.Type(), childSeq)
		if err != nil {
			return err
		}

		return checkSlotLocked(parentSlot, parent.Type(), parentSeq)
	}

	// Both slot locks are needed; take them in global (group, slot)
	// order so two racing SetParent calls cannot deadlock.
	first, second := childSlot, parentSlot
	if slotOrder(parent, parentIndex) < slotOrder(child, childIndex) {
		first, second = parentSlot, childSlot
	}

	r.lockSlot(first)
	r.lockSlot(second)

	defer func() {
		r.unlockSlot(second)
		r.unlockSlot(first)
	}()

	err = checkSlotLocked(childSlot, child.Type(), childSeq)
	if err != nil {
		return err
	}

	err = checkSlotLocked(parentSlot, parent.Type(), parentSeq)
	if err != nil {
		return err
	}

	if !childSlot.parent.IsNull() {
		if childSlot.parent == parent {
			return nil
		}

		return ErrParentAlreadySet
	}

	childSlot.parent = parent
	parentSlot.childCount++

	return nil
}

// slotOrder gives every slot in the registry a total order for lock
// acquisition.
func slotOrder(h Handle, slotIndex uint16) uint32 {
	return uint32(h.Group())<<16 | uint32(slotIndex)
}

// checkSlotLocked re-validates a slot against a handle once its lock is
// held.
func checkSlotLocked(s *slot, typ Type, sequence uint16) error {
	if s.flags&FlagAllocated == 0 {
		return ErrHandleInvalid
	}

	if s.sequence != sequence {
		return ErrSeqMismatch
	}

	if s.typ != typ {
		return ErrTypeMismatch
	}

	return nil
}

// Parent returns the parent handle recorded on child, or the null handle
// if none was set.
func (r *Registry) Parent(child Handle) (Handle, error) {
	_, _, s, err := r.lookupAllocated(child.Type(), child, true, FlagAllocated)
	if err != nil {
		return NullHandle, err
	}

	parent := s.parent

	r.unlockSlot(s)

	return parent, nil
}
