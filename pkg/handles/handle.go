package handles

import "fmt"

// Handle is an opaque 64-bit resource identifier.
//
// Layout, most significant bits first:
//
//	bits 63..48  group id
//	bits 47..32  type index within the group
//	bits 31..16  slot sequence
//	bits 15..0   slot index
//
// The top two words together form the 32-bit [Type]. The value 0 is the
// null handle and is rejected by every operation that consumes a handle.
type Handle uint64

// Type identifies a kind of handle. The high word is the group id, the
// low word is a caller-chosen index unique within the group.
type Type uint32

// NullHandle is the reserved zero handle.
const NullHandle Handle = 0

func makeDword(high, low uint16) uint32 {
	return uint32(high)<<16 | uint32(low)
}

func makeQword(high, low uint32) uint64 {
	return uint64(high)<<32 | uint64(low)
}

// MakeType packs a group id and a type index into a Type.
func MakeType(group, index uint16) Type {
	return Type(makeDword(group, index))
}

// Group returns the group id encoded in the type.
func (t Type) Group() uint16 {
	return uint16(t >> 16)
}

// Index returns the within-group type index encoded in the type.
func (t Type) Index() uint16 {
	return uint16(t)
}

// MakeHandle packs a type, a slot sequence, and a slot index into a Handle.
func MakeHandle(typ Type, sequence, slot uint16) Handle {
	return Handle(makeQword(uint32(typ), makeDword(sequence, slot)))
}

// IsNull reports whether h is the null handle.
func (h Handle) IsNull() bool {
	return h == NullHandle
}

// Type returns the full 32-bit type encoded in the handle.
func (h Handle) Type() Type {
	return Type(h >> 32)
}

// Group returns the group id encoded in the handle.
func (h Handle) Group() uint16 {
	return uint16(h >> 48)
}

// TypeIndex returns the within-group type index encoded in the handle.
func (h Handle) TypeIndex() uint16 {
	return uint16(h >> 32)
}

// Sequence returns the slot sequence encoded in the handle. A sequence of
// zero never appears in a valid handle.
func (h Handle) Sequence() uint16 {
	return uint16(h >> 16)
}

// Slot returns the slot index encoded in the handle. Slot 0 is invalid.
func (h Handle) Slot() uint16 {
	return uint16(h)
}

// String renders the handle as a fixed-width hex value.
func (h Handle) String() string {
	return fmt.Sprintf("%16.16x", uint64(h))
}

// String renders the type as a fixed-width hex value.
func (t Type) String() string {
	return fmt.Sprintf("%8.8x", uint32(t))
}
