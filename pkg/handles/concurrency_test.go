package handles_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/calvinalkan/handle-registry/pkg/handles"
)

const (
	stressWorkers    = 50
	stressIterations = 1000
)

func TestStress_AllocGetPutDestroyLoops(t *testing.T) {
	t.Parallel()

	if testing.Short() {
		t.Skip("stress test")
	}

	reg := newTestRegistry(t, handles.Options{NotReadyPoll: time.Millisecond})

	var deinits atomic.Int64

	deinit := func(handles.Instance) { deinits.Add(1) }

	var wg sync.WaitGroup

	for range stressWorkers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range stressIterations {
				data, h, err := reg.Alloc(typeTest1, newTestPayload, nil, deinit)
				if err != nil {
					t.Errorf("Alloc failed: %v", err)
					return
				}

				_ = data

				if readyErr := reg.SetReady(h); readyErr != nil {
					t.Errorf("SetReady failed: %v", readyErr)
					return
				}

				checkout, getErr := reg.Get(typeTest1, h)
				if getErr != nil {
					t.Errorf("Get failed: %v", getErr)
					return
				}

				if putErr := reg.Put(typeTest1, checkout); putErr != nil {
					t.Errorf("Put failed: %v", putErr)
					return
				}

				if destroyErr := reg.Destroy(&h); destroyErr != nil {
					t.Errorf("Destroy failed: %v", destroyErr)
					return
				}
			}
		}()
	}

	wg.Wait()

	if got := deinits.Load(); got != stressWorkers*stressIterations {
		t.Errorf("deinit ran %d times, want %d", got, stressWorkers*stressIterations)
	}

	// Nothing may be left behind.
	if count := reg.Count(typeTest1); count != 0 {
		t.Errorf("leaked %d slots", count)
	}
}

func TestSetNotReady_WaitsForCheckoutsToDrain(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, handles.Options{NotReadyPoll: time.Millisecond})

	var deinits atomic.Int64

	_, h := mustAlloc(t, reg, typeTest1, &deinits)

	const (
		workers      = 50
		minCheckouts = 100
	)

	var (
		checkouts atomic.Int64
		wg        sync.WaitGroup
	)

	for range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for {
				data, err := reg.Get(typeTest1, h)
				if err != nil {
					// The teardown latched; no new checkouts succeed.
					if !errors.Is(err, handles.ErrHandleNotReady) {
						t.Errorf("Get failed with %v, want ErrHandleNotReady", err)
					}

					return
				}

				checkouts.Add(1)

				if putErr := reg.Put(typeTest1, data); putErr != nil {
					t.Errorf("Put failed: %v", putErr)
					return
				}
			}
		}()
	}

	for checkouts.Load() < minCheckouts {
		time.Sleep(time.Millisecond)
	}

	if _, err := reg.SetNotReady(typeTest1, h); err != nil {
		t.Fatalf("SetNotReady failed: %v", err)
	}

	// SetNotReady returns only once every reference drained.
	refcount, refErr := reg.Refcount(h)
	if refErr != nil {
		t.Fatalf("Refcount failed: %v", refErr)
	}

	if refcount != 0 {
		t.Errorf("refcount after SetNotReady = %d, want 0", refcount)
	}

	observed := checkouts.Load()

	wg.Wait()

	// No checkout may have slipped in after the latch was observed
	// together with a drained refcount.
	if final := checkouts.Load(); final != observed {
		t.Errorf("checkouts rose after SetNotReady returned: %d then %d", observed, final)
	}

	if destroyErr := reg.Destroy(&h); destroyErr != nil {
		t.Fatalf("Destroy failed: %v", destroyErr)
	}

	if got := deinits.Load(); got != 1 {
		t.Errorf("deinit ran %d times, want 1", got)
	}
}

func TestDestroy_ConcurrentDestroyersAgree(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, handles.Options{NotReadyPoll: time.Millisecond})

	var deinits atomic.Int64

	_, h := mustAlloc(t, reg, typeTest1, &deinits)

	const destroyers = 10

	var wg sync.WaitGroup

	for range destroyers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			hCopy := h

			err := reg.Destroy(&hCopy)
			if err != nil && !errors.Is(err, handles.ErrSeqMismatch) &&
				!errors.Is(err, handles.ErrHandleInvalid) {
				t.Errorf("concurrent Destroy = %v", err)
			}
		}()
	}

	wg.Wait()

	if got := deinits.Load(); got != 1 {
		t.Errorf("deinit ran %d times, want 1", got)
	}

	if reg.Valid(h) {
		t.Error("handle survived concurrent destroy")
	}
}

func TestGetPut_ParallelOnSharedHandle(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, handles.Options{})

	_, h := mustAlloc(t, reg, typeTest1, nil)

	const (
		workers = 16
		loops   = 200
	)

	var wg sync.WaitGroup

	for range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range loops {
				data, err := reg.Get(typeTest1, h)
				if err != nil {
					t.Errorf("Get failed: %v", err)
					return
				}

				if putErr := reg.Put(typeTest1, data); putErr != nil {
					t.Errorf("Put failed: %v", putErr)
					return
				}
			}
		}()
	}

	wg.Wait()

	refcount, err := reg.Refcount(h)
	if err != nil {
		t.Fatalf("Refcount failed: %v", err)
	}

	if refcount != 0 {
		t.Errorf("refcount = %d, want 0 after balanced get/put", refcount)
	}
}
