package memtable

import (
	"lsmdb/pkg/pmarena"
	"lsmdb/pkg/types"
)

// InternalIterator walks a sorted snapshot of a memtable's entries in
// internal-key order (user key ascending, sequence descending),
// exposing the tag so callers such as the segment builder and the
// leaf store's merging iterator can see tombstones rather than have
// them filtered away. It is the successor to this lineage's
// sortedSet.Sorted(), widened from a one-shot slice into a cursor so
// flush can stream entries instead of holding the whole snapshot
// materialized twice.
type InternalIterator struct {
	sub     *pmarena.SubArena
	entries []indexedEntry
	pos     int
}

// SeekToFirst positions the iterator at the smallest key.
func (it *InternalIterator) SeekToFirst() {
	it.pos = 0
}

// SeekToLast positions the iterator at the largest key.
func (it *InternalIterator) SeekToLast() {
	it.pos = len(it.entries) - 1
}

// Seek positions the iterator at the first entry whose internal key is
// >= target.
func (it *InternalIterator) Seek(target types.InternalKey) {
	lo, hi := 0, len(it.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if types.Less(it.entries[mid].key, target) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	it.pos = lo
}

// Next advances the iterator.
func (it *InternalIterator) Next() {
	it.pos++
}

// Prev moves the iterator backward.
func (it *InternalIterator) Prev() {
	it.pos--
}

// Valid reports whether the iterator currently points at an entry.
func (it *InternalIterator) Valid() bool {
	return it.pos >= 0 && it.pos < len(it.entries)
}

// Key returns the current entry's internal key.
func (it *InternalIterator) Key() types.InternalKey {
	return it.entries[it.pos].key
}

// Value decodes and returns the current entry's value, reading it back
// from PM.
func (it *InternalIterator) Value() (types.Value, error) {
	reader := it.sub.NewReaderFrom(it.entries[it.pos].addr)
	_, value, _, err := reader.ReadEntry()
	return value, err
}

// Len returns the number of entries in the snapshot.
func (it *InternalIterator) Len() int {
	return len(it.entries)
}

// Close releases the snapshot. The underlying sub-arena is unaffected.
func (it *InternalIterator) Close() error {
	it.entries = nil
	return nil
}
