package handles

import "time"

// ABI constants. These values are part of the handle encoding contract:
// a handle minted by one build must decode identically in another.
const (
	// MaxSlots is the number of slot records per group. Slot index 0 is
	// reserved as invalid, so a group holds MaxSlots-1 usable slots.
	MaxSlots = 65535

	// MaxGroups is the total number of groups in a registry.
	MaxGroups = 20

	// UserGroupStart is the first group id available to user code.
	// Groups below it are reserved for the library.
	UserGroupStart = 10
)

// Occupancy bitmap geometry. One chunk bit covers 32 slots, one page bit
// covers 32 chunks (1024 slots). The bitmaps are a fast-skip hint for
// enumeration, never an allocation source of truth.
const (
	slotsPerChunk = 32
	chunksPerPage = 32
	slotsPerPage  = slotsPerChunk * chunksPerPage

	maxSlotChunks = 2048
	maxSlotPages  = 64
)

// Slot flags. Set under the slot lock; they give slots read-lock style
// logical states. The values are part of the contract if handles are
// exchanged between processes.
const (
	// FlagReady marks the handle ready for get operations.
	FlagReady uint16 = 1

	// FlagNotReady marks the handle not ready: freshly allocated, or
	// flagged for teardown.
	FlagNotReady uint16 = 2

	// FlagAllocated marks the slot reserved.
	FlagAllocated uint16 = 4

	// FlagDestroy marks the slot mid-destroy; latched once so destroy
	// is idempotent.
	FlagDestroy uint16 = 8
)

// NotReadyWait is the default wall-clock ceiling a SetNotReady spin waits
// before logging a hung-release diagnostic and escalating its poll
// interval. Override with [Options.NotReadyWait].
const NotReadyWait = 30 * time.Second

const (
	// defaultNotReadyPoll is the sleep between refcount polls while a
	// SetNotReady waits for outstanding checkouts to drain.
	defaultNotReadyPoll = 500 * time.Millisecond

	// escalatedNotReadyPoll is the long poll used once the wait ceiling
	// has been crossed and the hang has been logged.
	escalatedNotReadyPoll = 5 * time.Second
)
