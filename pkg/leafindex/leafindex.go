// Package leafindex implements the Leaf Index: a durable ordered map
// from leaf max-key to that leaf's list of minirun descriptors.
//
// It is a second, smaller instance of the same PM Arena plus Memtable
// machinery pkg/memtable already provides, specialized to store
// serialized lie.LeafIndexEntry values keyed by leaf max-key instead of
// arbitrary user values — the nested "leaf_index" database named in
// the on-disk layout.
package leafindex

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"lsmdb/internal/common"
	"lsmdb/pkg/batch"
	"lsmdb/pkg/clock"
	"lsmdb/pkg/iterator"
	"lsmdb/pkg/lie"
	"lsmdb/pkg/memtable"
	"lsmdb/pkg/pmarena"
	"lsmdb/pkg/types"
)

// LeafIndex is the durable ordered leaf-key -> LeafIndexEntry map.
type LeafIndex struct {
	dir     string
	arena   *pmarena.Arena
	mt      *memtable.Memtable
	seedLog *pmarena.SeedLog
	seq     *clock.AtomicClock

	filterEnabled bool
	filterFPRate  float64
}

// Open creates (or recovers) the leaf index database rooted at dir,
// backed by a PM arena file of the given size. filterEnabled and
// filterFPRate are forwarded to every Memtable generation's dynamic
// bloom filter, mirroring the top-level Store's use_memtable_dynamic_
// filter/memtable_dynamic_filter_fp_rate tunables.
func Open(dir string, arenaSize int64, filterEnabled bool, filterFPRate float64) (*LeafIndex, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("%w: create leaf index directory: %v", common.ErrIOError, err)
	}

	arenaPath := filepath.Join(dir, "nvmleafindex")
	arena, err := pmarena.Open(arenaPath, arenaSize)
	if err != nil {
		return nil, err
	}

	seedLog := pmarena.NewSeedLog(dir)
	li := &LeafIndex{dir: dir, arena: arena, seedLog: seedLog, seq: clock.NewAtomic(0), filterEnabled: filterEnabled, filterFPRate: filterFPRate}

	recoverySentinel := filepath.Join(dir, common.LeafIndexRecoverySentinel)
	if _, err := os.Stat(recoverySentinel); err == nil {
		if err := li.recoverFromSentinel(); err != nil {
			arena.Close()
			return nil, err
		}
		return li, nil
	}

	layout, err := seedLog.Read()
	switch {
	case err == nil:
		if len(layout) != 2 {
			arena.Close()
			return nil, fmt.Errorf("%w: leaf index seed log has unexpected shape", common.ErrCorruption)
		}
		sub, rerr := arena.Reallocate(layout[0], layout[1])
		if rerr != nil {
			arena.Close()
			return nil, rerr
		}
		li.mt = memtable.New(sub, layout[1], li.filterEnabled, li.filterFPRate)
		if err := os.WriteFile(recoverySentinel, []byte{}, 0600); err != nil {
			arena.Close()
			return nil, fmt.Errorf("%w: write leaf index recovery sentinel: %v", common.ErrIOError, err)
		}
		maxSeq, rerr := li.mt.Recovery()
		if rerr != nil {
			arena.Close()
			return nil, rerr
		}
		li.seq = clock.NewAtomic(maxSeq)
		os.Remove(recoverySentinel)

	case err == common.ErrNotFound:
		sub, aerr := arena.Allocate(arenaSize)
		if aerr != nil {
			arena.Close()
			return nil, aerr
		}
		li.mt = memtable.New(sub, arenaSize, li.filterEnabled, li.filterFPRate)
		if _, werr := seedLog.Write([]int64{int64(sub.GetBeginAddress()), sub.Size()}); werr != nil {
			arena.Close()
			return nil, werr
		}

	default:
		arena.Close()
		return nil, err
	}

	return li, nil
}

// recoverFromSentinel is reached when a prior process crashed mid
// recovery; the sentinel means the seed log was trusted but recovery
// replay did not finish, so this repeats it from scratch rather than
// trusting any partially rebuilt index state.
func (li *LeafIndex) recoverFromSentinel() error {
	layout, err := li.seedLog.Read()
	if err != nil {
		return fmt.Errorf("%w: leaf index recovery sentinel present but seed log unreadable: %v", common.ErrCorruption, err)
	}
	if len(layout) != 2 {
		return fmt.Errorf("%w: leaf index seed log has unexpected shape", common.ErrCorruption)
	}
	sub, err := li.arena.Reallocate(layout[0], layout[1])
	if err != nil {
		return err
	}
	li.mt = memtable.New(sub, layout[1], li.filterEnabled, li.filterFPRate)
	maxSeq, err := li.mt.Recovery()
	if err != nil {
		return err
	}
	li.seq = clock.NewAtomic(maxSeq)
	return os.Remove(filepath.Join(li.dir, common.LeafIndexRecoverySentinel))
}

// PutLeaf records (or replaces) the LeafIndexEntry for leafMaxKey.
func (li *LeafIndex) PutLeaf(leafMaxKey types.Key, entry *lie.LeafIndexEntry) error {
	seq := li.seq.Next()
	return li.mt.Add(seq, common.TypeValue, leafMaxKey, encodeEntry(entry))
}

// DeleteLeaf removes the entry for leafMaxKey, used when a split or
// merge retires a leaf boundary.
func (li *LeafIndex) DeleteLeaf(leafMaxKey types.Key) error {
	seq := li.seq.Next()
	return li.mt.Add(seq, common.TypeDeletion, leafMaxKey, nil)
}

// Lookup returns the LeafIndexEntry stored for leafMaxKey that is
// visible at maxSeq (the newest version with sequence <= maxSeq),
// mirroring Memtable.Get's snapshot-filtered lookup.
func (li *LeafIndex) Lookup(leafMaxKey types.Key, maxSeq types.SeqN) (*lie.LeafIndexEntry, bool, error) {
	val, status, err := li.mt.Get(leafMaxKey, maxSeq)
	if err != nil {
		return nil, false, err
	}
	if status != memtable.FoundValue {
		return nil, false, nil
	}
	entry, err := decodeEntry(val)
	if err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

// FindLeaf locates the leaf owning userKey: the leaf whose max-key is
// the smallest recorded max-key not less than userKey.
func (li *LeafIndex) FindLeaf(userKey types.Key) (leafMaxKey types.Key, entry *lie.LeafIndexEntry, found bool, err error) {
	ik, val, ok := li.mt.Ceiling(userKey)
	if !ok {
		return nil, nil, false, nil
	}
	entry, err = decodeEntry(val)
	if err != nil {
		return nil, nil, false, err
	}
	return ik.UserKey(), entry, true, nil
}

// ForEachLeaf visits every leaf in ascending max-key order, stopping
// early if fn returns false. Older shadowed versions and tombstoned
// leaves are skipped.
func (li *LeafIndex) ForEachLeaf(fn func(leafMaxKey types.Key, entry *lie.LeafIndexEntry) bool) error {
	it := li.mt.NewIterator()
	defer it.Close()

	var lastUser types.Key
	for it.SeekToFirst(); it.Valid(); it.Next() {
		ik := it.Key()
		uk := ik.UserKey()
		if lastUser != nil && types.CompareUserKey(uk, lastUser) == 0 {
			continue // an older version of a leaf already visited
		}
		lastUser = uk
		if ik.ValueType() == common.TypeDeletion {
			continue
		}
		val, err := it.Value()
		if err != nil {
			return err
		}
		entry, err := decodeEntry(val)
		if err != nil {
			return err
		}
		if !fn(uk, entry) {
			return nil
		}
	}
	return nil
}

// Write applies every op in wb in batch order: Puts stage a
// caller-encoded lie.LeafIndexEntry value, Deletes stage a tombstone,
// and every op gets a consecutive sequence number. Ops are added one
// at a time, so the batch is not atomic: an error partway through
// leaves the earlier ops applied, and a concurrent reader can observe
// part of a batch. This is the generic counterpart
// to PutLeaf/DeleteLeaf, completing the Put/Get/Delete/Write/
// NewIterator/Snapshot/Release surface the leaf index shares with the
// top-level database.
func (li *LeafIndex) Write(wb batch.WriteBatch) error {
	b, ok := wb.(*batch.Batch)
	if !ok {
		return fmt.Errorf("%w: Write requires a *batch.Batch", common.ErrInvalidArgument)
	}
	return b.ForEach(func(key, value []byte, vt common.ValueType) error {
		seq := li.seq.Next()
		return li.mt.Add(seq, vt, key, value)
	})
}

// leafIndexEntry is one resolved (leafMaxKey, encoded entry) pair
// backing NewIterator's materialized view.
type leafIndexEntry struct {
	key   types.Key
	value []byte
}

// leafIndexIterator walks a resolved, deduplicated snapshot of the
// leaf index's entries in ascending leaf-max-key order.
type leafIndexIterator struct {
	entries []leafIndexEntry
	pos     int
}

// NewIterator returns an Iterator over every live leaf entry, keyed by
// leaf max-key with the caller-facing value being the entry's encoded
// form (the same bytes PutLeaf writes), in ascending order.
func (li *LeafIndex) NewIterator() (iterator.Iterator, error) {
	var entries []leafIndexEntry
	err := li.ForEachLeaf(func(leafMaxKey types.Key, entry *lie.LeafIndexEntry) bool {
		entries = append(entries, leafIndexEntry{
			key:   append(types.Key(nil), leafMaxKey...),
			value: encodeEntry(entry),
		})
		return true
	})
	if err != nil {
		return nil, err
	}
	return &leafIndexIterator{entries: entries, pos: -1}, nil
}

func (it *leafIndexIterator) Seek(target types.Key) {
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
func (it *leafIndexIterator) First()      { it.pos = 0 }
func (it *leafIndexIterator) Last()       { it.pos = len(it.entries) - 1 }
func (it *leafIndexIterator) Next()       { it.pos++ }
func (it *leafIndexIterator) Prev()       { it.pos-- }
func (it *leafIndexIterator) Valid() bool { return it.pos >= 0 && it.pos < len(it.entries) }
func (it *leafIndexIterator) Key() types.Key {
	return it.entries[it.pos].key
}
func (it *leafIndexIterator) Value() types.Value {
	return it.entries[it.pos].value
}
func (it *leafIndexIterator) Close() error { return nil }

// Snapshot is a logical point-in-time token over the leaf index,
// pinning both a sequence number and a reference to the memtable that
// sequence is visible in, mirroring the reference-counted pinning
// Store.Get already does against the active memtable.
type Snapshot struct {
	seq types.SeqN
	mt  *memtable.Memtable
}

// Sequence returns the snapshot's pinned sequence number.
func (s *Snapshot) Sequence() types.SeqN { return s.seq }

// Snapshot pins the leaf index's current sequence number.
func (li *LeafIndex) Snapshot() *Snapshot {
	li.mt.Ref()
	return &Snapshot{seq: li.seq.Val(), mt: li.mt}
}

// Release drops the memtable reference a Snapshot pinned.
func (li *LeafIndex) Release(snap *Snapshot) {
	snap.mt.Unref()
}

// ApproximateMemoryUsage reports the leaf index's current PM footprint.
func (li *LeafIndex) ApproximateMemoryUsage() int64 {
	return li.mt.ApproximateMemoryUsage()
}

// Close unmaps the leaf index's PM arena.
func (li *LeafIndex) Close() error {
	return li.arena.Close()
}
