package handles_test

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/calvinalkan/handle-registry/pkg/handles"
)

func TestShutdown_SweepsLeakedHandles(t *testing.T) {
	t.Parallel()

	var (
		logMu sync.Mutex
		logs  []string
	)

	logf := func(format string, args ...any) {
		logMu.Lock()
		defer logMu.Unlock()

		logs = append(logs, fmt.Sprintf(format, args...))
	}

	reg := handles.New(handles.Options{Logf: logf})

	if err := reg.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	var deinits atomic.Int64

	deinit := func(handles.Instance) { deinits.Add(1) }

	// Leak three handles on purpose, one of them never set ready.
	for range 2 {
		_, h, err := reg.Alloc(typeTest1, newTestPayload, nil, deinit)
		if err != nil {
			t.Fatalf("Alloc failed: %v", err)
		}

		if readyErr := reg.SetReady(h); readyErr != nil {
			t.Fatalf("SetReady failed: %v", readyErr)
		}
	}

	if _, _, err := reg.Alloc(typeTest2, newTestPayload, nil, deinit); err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}

	reg.Shutdown()

	if got := deinits.Load(); got != 3 {
		t.Errorf("shutdown ran %d deinits, want 3", got)
	}

	logMu.Lock()
	defer logMu.Unlock()

	leakLogs := 0

	for _, line := range logs {
		if strings.Contains(line, "un-released handle") {
			leakLogs++
		}
	}

	if leakLogs != 3 {
		t.Errorf("shutdown logged %d leaks, want 3 (logs: %v)", leakLogs, logs)
	}
}

func TestShutdown_BreaksReferenceCycles(t *testing.T) {
	t.Parallel()

	reg := handles.New(handles.Options{Logf: t.Logf})

	if err := reg.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	var deinits atomic.Int64

	deinit := func(handles.Instance) { deinits.Add(1) }

	// A handle that is still checked out at shutdown. The second pass
	// must destroy it anyway, ignoring the refcount.
	_, h, err := reg.Alloc(typeTest1, newTestPayload, nil, deinit)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}

	if readyErr := reg.SetReady(h); readyErr != nil {
		t.Fatalf("SetReady failed: %v", readyErr)
	}

	if _, getErr := reg.Get(typeTest1, h); getErr != nil {
		t.Fatalf("Get failed: %v", getErr)
	}

	// Parent and child both leaked; the sweep must take both.
	_, parent, err := reg.Alloc(typeTest2, newTestPayload, nil, deinit)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}

	if readyErr := reg.SetReady(parent); readyErr != nil {
		t.Fatalf("SetReady failed: %v", readyErr)
	}

	_, child, err := reg.Alloc(typeTest3, newTestPayload, nil, deinit)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}

	if readyErr := reg.SetReady(child); readyErr != nil {
		t.Fatalf("SetReady failed: %v", readyErr)
	}

	if parentErr := reg.SetParent(child, parent); parentErr != nil {
		t.Fatalf("SetParent failed: %v", parentErr)
	}

	reg.Shutdown()

	if got := deinits.Load(); got != 3 {
		t.Errorf("shutdown ran %d deinits, want 3", got)
	}

	if reg.Count(typeTest1) != 0 || reg.Count(typeTest2) != 0 || reg.Count(typeTest3) != 0 {
		t.Error("shutdown left live slots behind")
	}
}
