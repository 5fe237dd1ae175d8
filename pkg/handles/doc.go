// Package handles provides a process-wide registry of reference-counted,
// opaque 64-bit resource handles backed by a statically partitioned,
// lock-free slot allocator.
//
// A handle abstracts a backing payload pointer behind a number that can be
// validated and checked out on every use, which makes resources safe to
// share across goroutines and even hand out over RPC. The registry tracks
// parent/child ownership so whole trees of resources can be torn down in
// the right order, generically.
//
// # Basic Usage
//
//	reg := handles.New(handles.Options{})
//	reg.Init()
//	defer reg.Shutdown()
//
//	type conn struct {
//	    handles.Base // must be the first field
//	    addr string
//	}
//
//	data, h, err := reg.Alloc(myType, func() handles.Instance { return &conn{} },
//	    nil, func(data handles.Instance) { /* finalizer */ })
//	if err != nil {
//	    return err
//	}
//	data.(*conn).addr = "10.0.0.1"
//	reg.SetReady(h)
//
//	// Check out / check in
//	data, err = reg.Get(myType, h)
//	c := data.(*conn)
//	// ... use c ...
//	reg.Put(myType, data)
//
//	// Tear down
//	reg.Destroy(&h)
//
// # Lifecycle
//
// A slot moves through free -> allocated+not-ready -> allocated+ready ->
// allocated+not-ready -> free. [Registry.Get] is only legal on a ready
// handle; [Registry.Put] is legal while allocated. [Registry.SetNotReady]
// latches the not-ready state and blocks until all outstanding checkouts
// are returned, which gives the caller a safe window to tear down
// app-level state before [Registry.Destroy] releases the slot.
//
// # Concurrency
//
// All registry operations are safe for concurrent use from any number of
// goroutines. Each slot is gated by its own spinlock; reservation of a
// free slot is a single try-lock-and-flip race. During [Registry.Init] and
// [Registry.Shutdown] the registry runs in single-threaded mode where lock
// acquisition is a no-op; callers must guarantee no concurrent access
// during those phases.
//
// # Error Handling
//
// Operations return sentinel errors ([ErrHandleInvalid],
// [ErrSeqMismatch], ...) checked with errors.Is. A stale handle whose slot
// was reused is detected through the per-group sequence stamped into every
// handle. The sequence is 16 bits wide and wraps, so a slot reused under
// the same sequence value after a wrap is not detected. Destroying a ready
// handle that has no deinit callback
// is caller error and panics.
package handles
