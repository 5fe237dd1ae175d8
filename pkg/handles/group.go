package handles

import (
	"sync"
	"sync/atomic"
)

// group is a statically partitioned container of slots sharing a 16-bit
// id. Groups partition the registry so unrelated subsystems do not
// contend on the same slot scan.
type group struct {
	// lock guards the occupancy bitmaps.
	lock spinlock

	// slots is allocated on first use of the group. A registry with all
	// 20 groups eagerly populated would pin roughly 150 MB; most
	// processes touch one or two groups.
	slots     []slot
	slotsOnce sync.Once

	// Two-level occupancy hint: one chunk bit per 32 slots, one page
	// bit per 32 chunks. Used only to fast-skip empty ranges during
	// enumeration.
	slotChunks [maxSlotChunks]uint32
	slotPages  [maxSlotPages]uint32

	// sequence validates allocated slot instances; stale handles are
	// caught by comparing their sequence against the slot's. Seeded
	// with a non-zero pseudorandom value at Init.
	sequence atomic.Uint32

	// nextFree is set by destroy as it releases slots, giving
	// allocation a hint for where to start scanning.
	nextFree atomic.Uint32
}

// ensureSlots allocates the group's slot array on first use.
func (g *group) ensureSlots() {
	g.slotsOnce.Do(func() {
		g.slots = make([]slot, MaxSlots)
	})
}

// allocated reports whether the group's slot array exists yet. Groups
// that were never touched have nothing to enumerate.
func (g *group) allocated() bool {
	return g.slots != nil
}

// nextSequence returns the next non-zero 16-bit sequence for this group.
// The counter wraps in uint16 space; zero marks a free slot so it is
// skipped.
func (g *group) nextSequence() uint16 {
	for {
		seq := uint16(g.sequence.Add(1))
		if seq != 0 {
			return seq
		}
	}
}

// markAllocated sets the chunk and page occupancy bits for slotIndex.
func (g *group) markAllocated(slotIndex uint16) {
	if slotIndex == 0 {
		return
	}

	g.lock.acquire()

	chunkIndex := int(slotIndex) / slotsPerChunk
	chunkBit := int(slotIndex) % slotsPerChunk
	g.slotChunks[chunkIndex] |= 1 << chunkBit

	pageIndex := chunkIndex / chunksPerPage
	pageBit := chunkIndex % chunksPerPage
	g.slotPages[pageIndex] |= 1 << pageBit

	g.lock.release()
}

// unmarkAllocated clears the chunk bit for slotIndex and the page bit
// once the whole chunk drains.
func (g *group) unmarkAllocated(slotIndex uint16) {
	if slotIndex == 0 {
		return
	}

	g.lock.acquire()

	chunkIndex := int(slotIndex) / slotsPerChunk
	chunkBit := int(slotIndex) % slotsPerChunk
	g.slotChunks[chunkIndex] &^= 1 << chunkBit

	if g.slotChunks[chunkIndex] == 0 {
		pageIndex := chunkIndex / chunksPerPage
		pageBit := chunkIndex % chunksPerPage
		g.slotPages[pageIndex] &^= 1 << pageBit
	}

	g.lock.release()
}

// nextAllocatedSlot returns the next slot index worth examining after
// slotIndex, skipping whole pages (1024 slots) and chunks (32 slots)
// that hold no allocations. Purely a hint; callers still check slot
// state.
func (g *group) nextAllocatedSlot(slotIndex uint32) uint32 {
	g.lock.acquire()

	pageIndex := slotIndex / slotsPerPage
	if int(pageIndex) < len(g.slotPages) && g.slotPages[pageIndex] == 0 {
		g.lock.release()
		return (pageIndex + 1) * slotsPerPage
	}

	chunkIndex := slotIndex / slotsPerChunk
	if int(chunkIndex) < len(g.slotChunks) && g.slotChunks[chunkIndex] == 0 {
		g.lock.release()
		return (chunkIndex + 1) * slotsPerChunk
	}

	g.lock.release()

	return slotIndex + 1
}
