// Package lie implements the leaf index entry algebra: the small,
// in-memory value attached to each leaf's max-key in the leaf index,
// listing the miniruns that together hold that leaf's data.
//
// A LeafIndexEntry is deliberately a thin, append-mostly slice rather
// than its own ordered container — a leaf rarely holds more than
// EngineConfig.LeafMaxNumMiniRuns runs before a split or a leaf
// compaction folds it back down, so the manifest-style
// append/remove/replace-range operations this lineage already uses
// for level bookkeeping are the right shape here too.
package lie

import "lsmdb/internal/common"

// MiniRunHandle identifies one minirun: a contiguous run of sorted
// entries packed into a byte range of a segment file, located via that
// segment's footer run-handle list.
type MiniRunHandle struct {
	SegmentID  uint64
	RunSeq     int   // index into the segment's footer run-handle list
	DataSize   int64 // on-disk bytes occupied by this run
	NumEntries int64
}

// LeafIndexEntry is the value stored for one leaf: the ordered list of
// miniruns holding its data, oldest first. Lookups within a leaf scan
// newest-to-oldest so a later minirun's entry for a key shadows an
// earlier one, the same precedence L0 segment ordering gives elsewhere
// in this lineage.
type LeafIndexEntry struct {
	Runs []MiniRunHandle
}

// Empty reports whether the leaf currently holds no data at all.
func Empty(lie *LeafIndexEntry) bool {
	return lie == nil || len(lie.Runs) == 0
}

// GetNumMiniRuns returns the number of miniruns backing the leaf.
func GetNumMiniRuns(lie *LeafIndexEntry) int {
	if lie == nil {
		return 0
	}
	return len(lie.Runs)
}

// GetLeafDataSize sums the on-disk size of every minirun backing the
// leaf, the quantity LeafDataSizeThresh is compared against.
func GetLeafDataSize(lie *LeafIndexEntry) int64 {
	if lie == nil {
		return 0
	}
	var total int64
	for _, r := range lie.Runs {
		total += r.DataSize
	}
	return total
}

// AppendMiniRunIndexEntry appends a freshly built minirun to the end of
// the leaf's run list (its newest position).
func AppendMiniRunIndexEntry(lie *LeafIndexEntry, mre MiniRunHandle) {
	lie.Runs = append(lie.Runs, mre)
}

// RemoveMiniRunRange deletes the half-open range [start, end) of
// miniruns from the leaf's run list. No compaction path in this module
// calls it: splits and leaf compactions build a fresh entry instead.
func RemoveMiniRunRange(lie *LeafIndexEntry, start, end int) error {
	if start < 0 || end > len(lie.Runs) || start > end {
		return common.ErrInvalidArgument
	}
	lie.Runs = append(lie.Runs[:start], lie.Runs[end:]...)
	return nil
}

// ReplaceMiniRunRange replaces the half-open range [start, end) of
// miniruns with replacement, preserving run order. Flush compaction
// (when creating new leaves) and GC call it on a one-run range to
// repoint a single run at its new segment; leaf splits and leaf
// compactions build a fresh LeafIndexEntry instead of editing the
// source leaf's list.
func ReplaceMiniRunRange(lie *LeafIndexEntry, start, end int, replacement []MiniRunHandle) error {
	if start < 0 || end > len(lie.Runs) || start > end {
		return common.ErrInvalidArgument
	}
	merged := make([]MiniRunHandle, 0, len(lie.Runs)-(end-start)+len(replacement))
	merged = append(merged, lie.Runs[:start]...)
	merged = append(merged, replacement...)
	merged = append(merged, lie.Runs[end:]...)
	lie.Runs = merged
	return nil
}

// ForEachMiniRunIndexEntry walks the leaf's runs in order (oldest
// first), stopping early if fn returns false.
func ForEachMiniRunIndexEntry(lie *LeafIndexEntry, fn func(i int, mre MiniRunHandle) bool) {
	if lie == nil {
		return
	}
	for i, r := range lie.Runs {
		if !fn(i, r) {
			return
		}
	}
}

// ForEachMiniRunIndexEntryReverse walks the leaf's runs newest first,
// the order point lookups use so a later write shadows an earlier one.
func ForEachMiniRunIndexEntryReverse(lie *LeafIndexEntry, fn func(i int, mre MiniRunHandle) bool) {
	if lie == nil {
		return
	}
	for i := len(lie.Runs) - 1; i >= 0; i-- {
		if !fn(i, lie.Runs[i]) {
			return
		}
	}
}
