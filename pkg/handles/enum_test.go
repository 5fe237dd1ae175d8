package handles_test

import (
	"errors"
	"testing"

	"github.com/calvinalkan/handle-registry/pkg/handles"
)

// collectType drains EnumType into a slice.
func collectType(t *testing.T, reg *handles.Registry, typ handles.Type) []handles.Handle {
	t.Helper()

	var out []handles.Handle

	cursor := handles.NullHandle

	for {
		next, err := reg.EnumType(typ, cursor)
		if errors.Is(err, handles.ErrEnumEnd) {
			return out
		}

		if err != nil {
			t.Fatalf("EnumType failed: %v", err)
		}

		out = append(out, next)
		cursor = next
	}
}

func TestEnumType_PerTypeCounts(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, handles.Options{})

	_, h1 := mustAlloc(t, reg, typeTest1, nil)
	_, h2 := mustAlloc(t, reg, typeTest2, nil)
	_, h3 := mustAlloc(t, reg, typeTest3, nil)
	_, h41 := mustAlloc(t, reg, typeTest4, nil)
	_, h42 := mustAlloc(t, reg, typeTest4, nil)

	wantCounts := map[handles.Type]int{
		typeTest1: 1,
		typeTest2: 1,
		typeTest3: 1,
		typeTest4: 2,
	}

	for typ, want := range wantCounts {
		got := collectType(t, reg, typ)

		if len(got) != want {
			t.Errorf("EnumType(%s) returned %d handles, want %d", typ, len(got), want)
		}

		for _, h := range got {
			if h.Type() != typ {
				t.Errorf("EnumType(%s) crossed types: got handle of type %s", typ, h.Type())
			}
		}

		if count := reg.Count(typ); int(count) != want {
			t.Errorf("Count(%s) = %d, want %d", typ, count, want)
		}
	}

	for _, h := range []handles.Handle{h1, h2, h3, h41, h42} {
		hCopy := h
		if err := reg.Destroy(&hCopy); err != nil {
			t.Fatalf("Destroy failed: %v", err)
		}
	}

	for typ := range wantCounts {
		_, err := reg.EnumType(typ, handles.NullHandle)
		if !errors.Is(err, handles.ErrEnumEnd) {
			t.Errorf("EnumType(%s) after destroy-all = %v, want ErrEnumEnd", typ, err)
		}
	}
}

func TestEnumType_SkipsNotReady(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, handles.Options{})

	_, h, err := reg.Alloc(typeTest3, newTestPayload, nil, func(handles.Instance) {})
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}

	// Not ready: invisible to enumeration but counted as allocated.
	if got := collectType(t, reg, typeTest3); len(got) != 0 {
		t.Errorf("EnumType saw %d not-ready handles, want 0", len(got))
	}

	if count := reg.Count(typeTest3); count != 1 {
		t.Errorf("Count = %d, want 1", count)
	}

	if readyErr := reg.SetReady(h); readyErr != nil {
		t.Fatalf("SetReady failed: %v", readyErr)
	}

	if got := collectType(t, reg, typeTest3); len(got) != 1 {
		t.Errorf("EnumType saw %d ready handles, want 1", len(got))
	}
}

func TestEnumType_RejectsBadGroup(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, handles.Options{})

	_, err := reg.EnumType(handles.MakeType(handles.MaxGroups, 0), handles.NullHandle)
	if !errors.Is(err, handles.ErrInvalidRequest) {
		t.Errorf("EnumType with bad group = %v, want ErrInvalidRequest", err)
	}
}

func TestEnum_AcrossGroups(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, handles.Options{})

	otherGroup := handles.MakeType(handles.UserGroupStart+1, 1)

	_, h1 := mustAlloc(t, reg, typeTest1, nil)
	_, h2 := mustAlloc(t, reg, otherGroup, nil)

	seen := map[handles.Handle]bool{}
	cursor := handles.NullHandle

	for {
		next, err := reg.Enum(cursor)
		if errors.Is(err, handles.ErrEnumEnd) {
			break
		}

		if err != nil {
			t.Fatalf("Enum failed: %v", err)
		}

		seen[next] = true
		cursor = next
	}

	if !seen[h1] || !seen[h2] {
		t.Errorf("Enum missed handles: saw %v, want both %s and %s", seen, h1, h2)
	}
}

func TestEnumChildren(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, handles.Options{})

	_, parent := mustAlloc(t, reg, typeTest1, nil)
	_, child1 := mustAlloc(t, reg, typeTest2, nil)
	_, child2 := mustAlloc(t, reg, typeTest2, nil)
	_, unrelated := mustAlloc(t, reg, typeTest2, nil)

	if err := reg.SetParent(child1, parent); err != nil {
		t.Fatalf("SetParent failed: %v", err)
	}

	if err := reg.SetParent(child2, parent); err != nil {
		t.Fatalf("SetParent failed: %v", err)
	}

	seen := map[handles.Handle]bool{}
	cursor := handles.NullHandle

	for {
		next, err := reg.EnumChildren(parent, cursor)
		if errors.Is(err, handles.ErrEnumEnd) {
			break
		}

		if err != nil {
			t.Fatalf("EnumChildren failed: %v", err)
		}

		seen[next] = true
		cursor = next
	}

	if len(seen) != 2 || !seen[child1] || !seen[child2] {
		t.Errorf("EnumChildren saw %v, want exactly {%s, %s}", seen, child1, child2)
	}

	if seen[unrelated] {
		t.Error("EnumChildren returned an unrelated handle")
	}
}
