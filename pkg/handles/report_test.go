package handles_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/calvinalkan/handle-registry/pkg/handles"
)

func TestSnapshot_ReportsLiveSlots(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, handles.Options{Debug: true})

	_, h1 := mustAlloc(t, reg, typeTest1, nil)
	_, h2 := mustAlloc(t, reg, typeTest4, nil)

	infos := reg.Snapshot()

	if len(infos) != 2 {
		t.Fatalf("Snapshot returned %d slots, want 2", len(infos))
	}

	byHandle := map[handles.Handle]handles.SlotInfo{}
	for _, info := range infos {
		byHandle[info.Handle] = info
	}

	for _, h := range []handles.Handle{h1, h2} {
		info, ok := byHandle[h]
		if !ok {
			t.Errorf("Snapshot missed handle %s", h)
			continue
		}

		if info.Type != h.Type() {
			t.Errorf("snapshot type = %s, want %s", info.Type, h.Type())
		}

		if info.Flags&handles.FlagReady == 0 {
			t.Errorf("snapshot flags = %d, want ready", info.Flags)
		}

		if info.AllocSite == "" {
			t.Error("debug registry did not record the allocation site")
		}
	}
}

func TestWriteReport_AtomicDump(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, handles.Options{})

	_, h := mustAlloc(t, reg, typeTest1, nil)

	path := filepath.Join(t.TempDir(), "handles.report")

	if err := reg.WriteReport(path); err != nil {
		t.Fatalf("WriteReport failed: %v", err)
	}

	content, readErr := os.ReadFile(path)
	if readErr != nil {
		t.Fatalf("reading report: %v", readErr)
	}

	report := string(content)

	if !strings.Contains(report, "live handles: 1") {
		t.Errorf("report header missing, got:\n%s", report)
	}

	if !strings.Contains(report, h.String()) {
		t.Errorf("report does not mention handle %s, got:\n%s", h, report)
	}
}
