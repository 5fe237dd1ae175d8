package handles

import (
	"fmt"
	"math/rand"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"
)

// Registry owns the slot groups and tracks every live handle in the
// process. Create one with [New], bring it online with [Registry.Init],
// and tear everything down with [Registry.Shutdown].
//
// All methods are safe for concurrent use between Init and Shutdown.
type Registry struct {
	groups [MaxGroups]group

	// initialized gates multi-threaded mode. While false (during init
	// and shutdown) slot lock acquisition is a no-op; the caller has
	// promised no concurrent access.
	initialized atomic.Bool

	opts Options
}

// New returns a registry configured by opts. The registry is in
// single-threaded mode until [Registry.Init] is called.
func New(opts Options) *Registry {
	return &Registry{opts: opts.withDefaults()}
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// Default returns the process-wide registry shared by code that does not
// carry its own. The caller still owns Init and Shutdown.
func Default() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = New(Options{})
	})

	return defaultRegistry
}

// Init seeds every group's sequence counter with a non-zero pseudorandom
// value and leaves single-threaded mode. Call once before any concurrent
// use.
func (r *Registry) Init() error {
	for i := range r.groups {
		for {
			seed := uint32(uint16(rand.Uint32()))
			if seed != 0 {
				r.groups[i].sequence.Store(seed)
				break
			}
		}
	}

	r.initialized.Store(true)

	return nil
}

// Initialized reports whether the registry is in multi-threaded mode.
func (r *Registry) Initialized() bool {
	return r.initialized.Load()
}

// Shutdown enters single-threaded mode and sweeps every live handle. The
// caller must guarantee no concurrent access from here on.
//
// The sweep runs two passes. The first logs every un-released handle as a
// leak and destroys the ones with no outstanding references and no
// parent. The second destroys whatever remains in whatever order it is
// found, ignoring reference counts to break cycles.
func (r *Registry) Shutdown() {
	r.initialized.Store(false)

	allocated := func(s *slot) bool {
		return s.flags&FlagAllocated != 0
	}

	cursor := NullHandle

	for {
		next, err := r.enumNext(cursor, allocated)
		if err != nil {
			break
		}

		cursor = next

		refcount, err := r.Refcount(next)
		if err != nil {
			continue
		}

		parent, err := r.Parent(next)
		if err != nil {
			continue
		}

		r.logLeak(next)

		if refcount == 0 && parent.IsNull() {
			h := next
			_ = r.Destroy(&h)
		}
	}

	cursor = NullHandle

	for {
		next, err := r.enumNext(cursor, allocated)
		if err != nil {
			break
		}

		cursor = next

		h := next
		_ = r.Destroy(&h)
	}
}

// logLeak reports an un-released handle during shutdown.
func (r *Registry) logLeak(h Handle) {
	_, _, s, err := r.lookupAllocated(h.Type(), h, true, FlagAllocated)
	if err != nil {
		return
	}

	site := s.allocSite
	desc := r.describeSlotLocked(s)
	r.unlockSlot(s)

	if site != "" {
		r.opts.Logf("handles: un-released handle %s (%s) allocated at %s", h, desc, site)
		return
	}

	r.opts.Logf("handles: un-released handle %s (%s)", h, desc)
}

// Slot lock helpers. In single-threaded mode (init/shutdown) locking is
// a no-op per the registry contract.

func (r *Registry) lockSlot(s *slot) {
	if !r.initialized.Load() {
		return
	}

	s.lock.acquire()
}

func (r *Registry) tryLockSlot(s *slot) bool {
	if !r.initialized.Load() {
		return true
	}

	return s.lock.tryAcquire()
}

func (r *Registry) unlockSlot(s *slot) {
	if !r.initialized.Load() {
		return
	}

	s.lock.release()
}

// groupForType validates the group encoded in typ and returns it.
func (r *Registry) groupForType(typ Type) (*group, error) {
	groupID := typ.Group()
	if groupID >= MaxGroups {
		return nil, fmt.Errorf("%w: group %d out of range", ErrHandleInvalid, groupID)
	}

	return &r.groups[groupID], nil
}

// validateHandle decodes h against the expected type and returns the
// group, sequence, and slot index it names. It does not touch the slot.
func (r *Registry) validateHandle(typ Type, h Handle) (*group, uint16, uint16, error) {
	g, err := r.groupForType(typ)
	if err != nil {
		return nil, 0, 0, err
	}

	if h.Type() != typ {
		return nil, 0, 0, ErrTypeMismatch
	}

	slotIndex := h.Slot()
	if slotIndex == 0 {
		return nil, 0, 0, ErrHandleInvalid
	}

	sequence := h.Sequence()
	if sequence == 0 {
		return nil, 0, 0, ErrHandleInvalid
	}

	return g, sequence, slotIndex, nil
}

// requiredFlagsErr maps a failed flag requirement to the error kind the
// caller should see.
func requiredFlagsErr(required, actual uint16) error {
	if required&FlagNotReady != 0 && actual&FlagReady != 0 {
		return ErrHandleReady
	}

	if required&FlagReady != 0 && actual&FlagNotReady != 0 {
		return ErrHandleNotReady
	}

	return ErrHandleInvalid
}

// lookupAllocated validates h, locks its slot, and checks that the slot
// still matches the handle (required flags present, sequence unchanged,
// type unchanged). On success with keepLocked the slot stays locked;
// otherwise it is unlocked before returning. On error the slot is always
// unlocked.
func (r *Registry) lookupAllocated(
	typ Type, h Handle, keepLocked bool, requiredFlags uint16,
) (*group, uint16, *slot, error) {
	g, sequence, slotIndex, err := r.validateHandle(typ, h)
	if err != nil {
		return nil, 0, nil, err
	}

	if !g.allocated() {
		return nil, 0, nil, ErrHandleInvalid
	}

	s := &g.slots[slotIndex]
	r.lockSlot(s)

	// The sequence check runs first so a stale handle always surfaces as
	// stale, never as a state error of whoever reuses the slot.
	if s.sequence != sequence {
		r.unlockSlot(s)
		return nil, 0, nil, ErrSeqMismatch
	}

	if s.typ != typ {
		r.unlockSlot(s)
		return nil, 0, nil, ErrTypeMismatch
	}

	if requiredFlags != 0 && s.flags&requiredFlags == 0 {
		err = requiredFlagsErr(requiredFlags, s.flags)
		r.unlockSlot(s)
		return nil, 0, nil, err
	}

	if !keepLocked {
		r.unlockSlot(s)
	}

	return g, slotIndex, s, nil
}

// callSite renders the caller's file:line for debug metadata. skip is
// relative to callSite's caller.
func callSite(skip int) string {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}

	return fmt.Sprintf("%s:%d", file, line)
}

// isNilInstance reports whether data is nil or a typed nil pointer.
func isNilInstance(data Instance) bool {
	if data == nil {
		return true
	}

	v := reflect.ValueOf(data)

	return v.Kind() == reflect.Pointer && v.IsNil()
}
