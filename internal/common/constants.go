package common

// On-disk format constants. Magic numbers are arbitrary but stable;
// version numbers gate format evolution.
const (
	MagicSubArenaHeader uint32 = 0x504d4152 // "PMAR"
	MagicSegmentFooter  uint32 = 0x53454746 // "SEGF"
	MagicCurrentPointer uint32 = 0x43555252 // "CURR"

	VersionSubArena uint16 = 1
	VersionSegment  uint16 = 1
	VersionCurrent  uint16 = 1

	// SubArenaHeaderSize is the fixed 16-byte header prefacing every
	// sub-arena: [u64 live_count][u64 write_cursor].
	SubArenaHeaderSize = 16

	// FooterRunHandleSize is the encoded size of one run-handle record
	// in a segment footer: [u64 start][u64 last_block_offset][u64 last_block_size].
	FooterRunHandleSize = 24
)

// Value types recorded in the low byte of an internal key's tag.
type ValueType uint8

const (
	// TypeDeletion marks a tombstone.
	TypeDeletion ValueType = 0
	// TypeValue marks a live put.
	TypeValue ValueType = 1
)

// Directory/file name constants for the on-disk layout.
const (
	CurrentFileName          = "CURRENT"
	LockFileName             = "LOCK"
	LeafIndexDirName         = "leaf_index"
	LeafIndexRecoverySentinel = "leafindex_recovery"
	SegmentFileSuffix        = ".seg"
	ScratchSegmentPrefix     = "seg-"
	ScratchSegmentSuffix     = ".tmp"
)
