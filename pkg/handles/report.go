package handles

import (
	"fmt"
	"strings"

	"github.com/natefinch/atomic"
)

// SlotInfo is a point-in-time snapshot of one live slot, used for
// diagnostics and leak reports.
type SlotInfo struct {
	Handle    Handle
	Type      Type
	Flags     uint16
	Refcount  uint32
	Parent    Handle
	AllocSite string
}

// Snapshot returns a point-in-time view of every allocated slot. Slots
// whose lock cannot be taken immediately are skipped, like enumeration.
func (r *Registry) Snapshot() []SlotInfo {
	var infos []SlotInfo

	for groupIndex := range r.groups {
		g := &r.groups[groupIndex]

		if !g.allocated() {
			continue
		}

		for slotIndex := uint32(1); slotIndex < MaxSlots; slotIndex = g.nextAllocatedSlot(slotIndex) {
			s := &g.slots[slotIndex]

			if !r.tryLockSlot(s) {
				continue
			}

			if s.flags&FlagAllocated != 0 {
				infos = append(infos, SlotInfo{
					Handle:    MakeHandle(s.typ, s.sequence, uint16(slotIndex)),
					Type:      s.typ,
					Flags:     s.flags,
					Refcount:  s.refcount.Load(),
					Parent:    s.parent,
					AllocSite: s.allocSite,
				})
			}

			r.unlockSlot(s)
		}
	}

	return infos
}

// WriteReport renders a live-handle report and writes it to path
// atomically, so a crash mid-write never leaves a torn report behind.
func (r *Registry) WriteReport(path string) error {
	infos := r.Snapshot()

	var b strings.Builder

	fmt.Fprintf(&b, "live handles: %d\n", len(infos))

	for _, info := range infos {
		fmt.Fprintf(&b, "%s type=%s flags=%d refs=%d", info.Handle, info.Type, info.Flags, info.Refcount)

		if !info.Parent.IsNull() {
			fmt.Fprintf(&b, " parent=%s", info.Parent)
		}

		if info.AllocSite != "" {
			fmt.Fprintf(&b, " allocated at %s", info.AllocSite)
		}

		b.WriteByte('\n')
	}

	err := atomic.WriteFile(path, strings.NewReader(b.String()))
	if err != nil {
		return fmt.Errorf("writing handle report: %w", err)
	}

	return nil
}
