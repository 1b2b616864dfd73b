// Package leafstore implements the Leaf Store: the read path that
// resolves a point lookup or range scan against a leaf's miniruns,
// shadowing older runs with newer ones the same way an LSM tree's
// read path shadows older levels with newer ones.
package leafstore

import (
	"bytes"
	"sort"

	"lsmdb/internal/common"
	"lsmdb/pkg/iterator"
	"lsmdb/pkg/leafindex"
	"lsmdb/pkg/lie"
	"lsmdb/pkg/segment"
	"lsmdb/pkg/types"
)

// LeafStore answers reads against the segments a LeafIndex's entries
// point into.
type LeafStore struct {
	index *leafindex.LeafIndex
	segs  *segment.Manager
}

// New wraps a leaf index and a segment manager into a read path.
func New(index *leafindex.LeafIndex, segs *segment.Manager) *LeafStore {
	return &LeafStore{index: index, segs: segs}
}

// Get resolves userKey against the leaf that owns it, scanning its
// miniruns newest-first so a later run's entry shadows an earlier
// one's. Only versions with sequence <= maxSeq are visible, so a
// lookup taken under an older snapshot ignores later writes.
func (ls *LeafStore) Get(userKey types.Key, maxSeq types.SeqN) (types.Value, bool, error) {
	_, entry, found, err := ls.index.FindLeaf(userKey)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}

	handles, err := ls.handlesFor(entry)
	if err != nil {
		return nil, false, err
	}

	var (
		value    types.Value
		resolved bool
		isDelete bool
		outerErr error
	)
	lie.ForEachMiniRunIndexEntryReverse(entry, func(i int, mre lie.MiniRunHandle) bool {
		handle, ok := handles[i]
		if !ok {
			return true
		}

		maybePresent, err := ls.segs.ProbeRun(mre.SegmentID, handle, userKey)
		if err != nil {
			outerErr = err
			return false
		}
		if !maybePresent {
			return true // filter reports userKey cannot be in this run
		}

		reader, err := ls.segs.OpenForRead(mre.SegmentID, handle)
		if err != nil {
			outerErr = err
			return false
		}
		defer ls.segs.Release(mre.SegmentID)

		val, ik, ok := reader.Get(userKey, maxSeq)
		if !ok {
			return true
		}
		if len(ik) >= 8 {
			vt := common.ValueType(ik[len(ik)-1])
			isDelete = vt == common.TypeDeletion
		}
		value = append(types.Value(nil), val...)
		resolved = true
		return false
	})
	if outerErr != nil {
		return nil, false, outerErr
	}
	if !resolved || isDelete {
		return nil, false, nil
	}
	return value, true, nil
}

// leafEntry pairs a decoded value with its source run's recency rank,
// used to resolve shadowing across runs during a full-leaf scan.
type leafEntry struct {
	key    []byte
	value  []byte
	seq    types.SeqN
	delete bool
	rank   int // higher rank = newer run, wins on duplicate keys
}

// scanLeaf materializes every run in entry into a deduplicated,
// sorted, tombstone-resolved slice of entries. Leaves hold at most
// LeafMaxNumMiniRuns runs, so this is a bounded, cheap operation
// relative to the PM-resident memtable scans elsewhere in this
// lineage.
func (ls *LeafStore) scanLeaf(entry *lie.LeafIndexEntry, segHandles map[int]segment.RunHandle) ([]leafEntry, error) {
	var all []leafEntry
	var outerErr error

	lie.ForEachMiniRunIndexEntry(entry, func(i int, mre lie.MiniRunHandle) bool {
		handle, ok := segHandles[i]
		if !ok {
			return true
		}
		reader, err := ls.segs.OpenForRead(mre.SegmentID, handle)
		if err != nil {
			outerErr = err
			return false
		}
		defer ls.segs.Release(mre.SegmentID)

		for reader.SeekToFirst(); reader.Valid(); reader.Next() {
			ik := reader.Key()
			val := reader.Value()
			if len(ik) < 8 {
				continue
			}
			uk := ik[:len(ik)-8]
			vt := common.ValueType(ik[len(ik)-1])
			all = append(all, leafEntry{
				key:    append([]byte(nil), uk...),
				value:  append([]byte(nil), val...),
				seq:    types.InternalKey(ik).Seq(),
				delete: vt == common.TypeDeletion,
				rank:   i,
			})
		}
		return true
	})
	if outerErr != nil {
		return nil, outerErr
	}

	sort.SliceStable(all, func(i, j int) bool {
		if c := bytes.Compare(all[i].key, all[j].key); c != 0 {
			return c < 0
		}
		return all[i].rank > all[j].rank
	})

	deduped := all[:0]
	var lastKey []byte
	for _, e := range all {
		if lastKey != nil && bytes.Equal(e.key, lastKey) {
			continue // shadowed by a newer run's entry for the same key, already kept
		}
		lastKey = e.key
		deduped = append(deduped, e)
	}
	return deduped, nil
}

// LeafIterator walks the resolved, deduplicated view of one leaf.
// Tombstones are included so a merging iterator across leaves (not
// needed here, since leaves are disjoint key ranges) could still
// shadow across boundaries if ever layered above this one.
type LeafIterator struct {
	entries []leafEntry
	pos     int
}

// NewIteratorForLeaf returns a LeafIterator over leafMaxKey's resolved
// entries, tombstones included.
func (ls *LeafStore) NewIteratorForLeaf(leafMaxKey types.Key) (*LeafIterator, error) {
	entry, found, err := ls.index.Lookup(leafMaxKey, types.MaxSeq)
	if err != nil {
		return nil, err
	}
	if !found {
		return &LeafIterator{}, nil
	}
	handles, err := ls.handlesFor(entry)
	if err != nil {
		return nil, err
	}
	entries, err := ls.scanLeaf(entry, handles)
	if err != nil {
		return nil, err
	}
	return &LeafIterator{entries: entries, pos: -1}, nil
}

// handlesFor resolves each minirun's footer-recorded RunHandle from
// its owning segment.
func (ls *LeafStore) handlesFor(entry *lie.LeafIndexEntry) (map[int]segment.RunHandle, error) {
	out := make(map[int]segment.RunHandle)
	var outerErr error
	lie.ForEachMiniRunIndexEntry(entry, func(i int, mre lie.MiniRunHandle) bool {
		seg := ls.segs.Get(mre.SegmentID)
		if seg == nil {
			outerErr = common.ErrNotFound
			return false
		}
		if mre.RunSeq < 0 || mre.RunSeq >= len(seg.Handles) {
			outerErr = common.ErrCorruption
			return false
		}
		out[i] = seg.Handles[mre.RunSeq]
		return true
	})
	return out, outerErr
}

func (it *LeafIterator) SeekToFirst() { it.pos = 0 }
func (it *LeafIterator) Next()        { it.pos++ }
func (it *LeafIterator) Valid() bool  { return it.pos >= 0 && it.pos < len(it.entries) }
func (it *LeafIterator) Key() []byte  { return it.entries[it.pos].key }
func (it *LeafIterator) Value() []byte {
	return it.entries[it.pos].value
}
func (it *LeafIterator) Deleted() bool    { return it.entries[it.pos].delete }
func (it *LeafIterator) Seq() types.SeqN  { return it.entries[it.pos].seq }

// dbIterator adapts a sequence of per-leaf resolved views into the
// shared pkg/iterator.Iterator contract, hiding tombstones entirely
// since it is the outermost, public-facing view.
type dbIterator struct {
	entries []leafEntry
	pos     int
}

// NewDBIterForLeaf returns a public Iterator over one leaf's live
// (non-deleted) entries.
func (ls *LeafStore) NewDBIterForLeaf(leafMaxKey types.Key) (iterator.Iterator, error) {
	inner, err := ls.NewIteratorForLeaf(leafMaxKey)
	if err != nil {
		return nil, err
	}
	live := make([]leafEntry, 0, len(inner.entries))
	for _, e := range inner.entries {
		if !e.delete {
			live = append(live, e)
		}
	}
	return &dbIterator{entries: live, pos: -1}, nil
}

// NewIterator returns a public Iterator over the whole database: every
// leaf's live entries, concatenated in ascending leaf order. Leaves
// are disjoint, non-overlapping key ranges by construction, so
// concatenation alone (no k-way merge) preserves global order.
func (ls *LeafStore) NewIterator() (iterator.Iterator, error) {
	var all []leafEntry
	var scanErr error
	err := ls.index.ForEachLeaf(func(leafMaxKey types.Key, entry *lie.LeafIndexEntry) bool {
		handles, herr := ls.handlesFor(entry)
		if herr != nil {
			scanErr = herr
			return false
		}
		entries, serr := ls.scanLeaf(entry, handles)
		if serr != nil {
			scanErr = serr
			return false
		}
		for _, e := range entries {
			if !e.delete {
				all = append(all, e)
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return &dbIterator{entries: all, pos: -1}, nil
}

func (it *dbIterator) Seek(target types.Key) {
	lo, hi := 0, len(it.entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(it.entries[mid].key, target) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	it.pos = lo
}
func (it *dbIterator) First()      { it.pos = 0 }
func (it *dbIterator) Last()       { it.pos = len(it.entries) - 1 }
func (it *dbIterator) Next()       { it.pos++ }
func (it *dbIterator) Prev()       { it.pos-- }
func (it *dbIterator) Valid() bool { return it.pos >= 0 && it.pos < len(it.entries) }
func (it *dbIterator) Key() types.Key {
	return it.entries[it.pos].key
}
func (it *dbIterator) Value() types.Value {
	return it.entries[it.pos].value
}
func (it *dbIterator) Close() error { return nil }
