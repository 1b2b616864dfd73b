// Package memtable implements the ordered DRAM index fronting one
// sub-arena of the PM Arena. Keys are kept in a concurrent skip list
// (github.com/zhangyunhao116/skipmap), ordered by the internal-key
// comparator, and map to the byte address of the entry's physical copy
// in PM; the entry bytes themselves are the durable record, so the
// skip list only needs to be rebuilt, never replayed from a WAL. An
// optional dynamic bloom filter sits beside the skip list, gated by
// use_memtable_dynamic_filter, to short-circuit Get for keys this
// generation never saw.
//
// This is the direct descendant of this repository's original
// memtable: a skipmap.FuncMap CAS-gated against a reserved byte
// budget, the same shape as the size-reservation loop this lineage has
// always used before a table rotation, just pointed at PM-backed
// storage instead of a bare value.
package memtable

import (
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"lsmdb/internal/common"
	"lsmdb/pkg/pmarena"
	"lsmdb/pkg/types"
)

// LookupStatus reports the outcome of a Get.
type LookupStatus int

const (
	NotFound LookupStatus = iota
	FoundValue
	FoundTombstone
)

// Memtable is a single generation of the ordered DRAM index: one
// skip list over a single PM sub-arena. The owning store.Store seals
// it and rotates in a replacement once Add reports
// common.ErrMemtableFull.
type Memtable struct {
	sub      *pmarena.SubArena
	index    *skipmap.FuncMap[types.InternalKey, pmarena.Address]
	capacity int64
	filter   *dynamicFilter // nil when use_memtable_dynamic_filter is off

	size   atomic.Int64
	sealed atomic.Bool

	refcount int32
}

// New wraps a freshly allocated sub-arena in an empty Memtable with the
// given write-buffer capacity, lowered to the sub-arena's entry space
// (its size minus the header) when larger. When filterEnabled is set, Add also
// records the key in a dynamic bloom filter sized from capacityBytes,
// and Get consults it to skip the skip-list scan for keys never
// written to this generation.
func New(sub *pmarena.SubArena, capacityBytes int64, filterEnabled bool, filterFPRate float64) *Memtable {
	m := &Memtable{
		sub:      sub,
		index:    skipmap.NewFunc[types.InternalKey, pmarena.Address](types.Less),
		capacity: capacityBytes,
		refcount: 1,
	}
	if limit := sub.Size() - common.SubArenaHeaderSize; m.capacity > limit {
		m.capacity = limit
	}
	if filterEnabled {
		estimated := int(capacityBytes / estimatedEntryBytes)
		m.filter = newDynamicFilter(estimated, filterFPRate)
	}
	return m
}

// Add encodes (userKey, seq, vt) -> value as one PM entry, reserves its
// byte budget with a CAS loop against the memtable's capacity (so
// concurrent writers never overrun the sub-arena), copies it into PM,
// and indexes it. It returns common.ErrMemtableFull once the reserved
// budget would be exceeded and common.ErrSealed once the memtable has
// been frozen for flush.
func (m *Memtable) Add(seq types.SeqN, vt common.ValueType, userKey types.Key, value types.Value) error {
	if m.sealed.Load() {
		return common.ErrSealed
	}

	ik := types.NewInternalKey(userKey, seq, vt)
	entry := pmarena.EncodeEntry(ik, value)
	need := int64(len(entry))

	for {
		cur := m.size.Load()
		next := cur + need
		if next > m.capacity {
			return common.ErrMemtableFull
		}
		if m.size.CompareAndSwap(cur, next) {
			break
		}
	}

	addr, err := m.sub.Insert(entry)
	if err != nil {
		return err
	}
	m.index.Store(ik, addr)
	if m.filter != nil {
		m.filter.add(userKey)
	}
	return nil
}

// Get resolves the most recent version of userKey visible at
// snapshotSeq (the largest stored sequence number <= snapshotSeq).
//
// The skip list this repository depends on exposes ascending-order
// traversal but no seek-to-key primitive, so a lookup walks entries in
// key order, starting from the smallest key, until it passes the
// target user key: an MVCC lookup is a linear scan of every entry up
// to and including that user key's version run, not an O(log n) seek.
// A version whose PM entry fails to decode is reported as that decode
// error (common.ErrCorruption) rather than as NotFound.
func (m *Memtable) Get(userKey types.Key, snapshotSeq types.SeqN) (types.Value, LookupStatus, error) {
	if m.filter != nil && !m.filter.mayContain(userKey) {
		return nil, NotFound, nil
	}

	var (
		status = NotFound
		value  types.Value
		getErr error
	)

	m.index.Range(func(ik types.InternalKey, addr pmarena.Address) bool {
		cmp := types.CompareUserKey(ik.UserKey(), userKey)
		switch {
		case cmp < 0:
			return true // haven't reached the target key yet
		case cmp > 0:
			return false // passed it without a visible version
		}
		if ik.Seq() > snapshotSeq {
			return true // this version postdates the snapshot, keep scanning
		}

		reader := m.sub.NewReaderFrom(addr)
		_, val, _, err := reader.ReadEntry()
		if err != nil {
			getErr = err
			return false
		}
		if ik.ValueType() == common.TypeDeletion {
			status = FoundTombstone
		} else {
			status = FoundValue
			value = append(types.Value(nil), val...)
		}
		return false
	})

	return value, status, getErr
}

// Ceiling returns the newest visible version of the first key >=
// userKey, skipping shadowed older versions and tombstoned keys
// entirely. This is the successor search the leaf index's "find the
// leaf owning this key" lookup is built from: leaf max-keys are stored
// as ordinary entries here, and locating a key's leaf means finding
// the smallest max-key not less than it.
func (m *Memtable) Ceiling(userKey types.Key) (types.InternalKey, types.Value, bool) {
	var (
		resultKey types.InternalKey
		resultVal types.Value
		found     bool
		lastUser  types.Key
	)

	m.index.Range(func(ik types.InternalKey, addr pmarena.Address) bool {
		uk := ik.UserKey()
		if lastUser != nil && types.CompareUserKey(uk, lastUser) == 0 {
			return true // an older version of a key already resolved
		}
		lastUser = uk
		if types.CompareUserKey(uk, userKey) < 0 {
			return true // still before the target
		}

		reader := m.sub.NewReaderFrom(addr)
		_, val, _, err := reader.ReadEntry()
		if err != nil {
			return true
		}
		if ik.ValueType() == common.TypeDeletion {
			return true // this key was removed; keep looking for the next one
		}

		resultKey = ik
		resultVal = append(types.Value(nil), val...)
		found = true
		return false
	})

	return resultKey, resultVal, found
}

// NewIterator returns an InternalIterator over every entry currently
// indexed, materialized as a sorted snapshot (the same
// Range-and-collect approach this lineage's sorted_set.go already
// uses). Concurrent Adds after the snapshot is taken are not reflected.
func (m *Memtable) NewIterator() *InternalIterator {
	entries := make([]indexedEntry, 0, m.index.Len())
	m.index.Range(func(ik types.InternalKey, addr pmarena.Address) bool {
		entries = append(entries, indexedEntry{key: ik, addr: addr})
		return true
	})
	return &InternalIterator{sub: m.sub, entries: entries, pos: -1}
}

// Recovery replays every complete entry recorded in the sub-arena's
// header (live_count entries, bounded by write_cursor) back into the
// skip list, and reports the highest sequence number observed so the
// caller can resume its sequence-number clock. It is the PM analogue
// of a WAL replay: there is no separate log, the arena's own
// durably-flushed bytes are replayed directly.
func (m *Memtable) Recovery() (maxSeq types.SeqN, err error) {
	liveCount := m.sub.GetCounter()
	cursor := m.sub.GetIndex()

	var consumedTotal uint64
	var n uint64

	for n < liveCount && consumedTotal < cursor {
		addr := m.sub.GetBeginAddress() + pmarena.Address(common.SubArenaHeaderSize) + pmarena.Address(consumedTotal)
		reader := m.sub.NewReaderFrom(addr)
		key, _, consumed, rerr := reader.ReadEntry()
		if rerr != nil {
			return maxSeq, rerr
		}

		ik := types.InternalKey(append(types.Key(nil), key...))
		if !ik.Valid() {
			return maxSeq, common.ErrCorruption
		}
		m.index.Store(ik, addr)
		if m.filter != nil {
			m.filter.add(ik.UserKey())
		}
		if seq := ik.Seq(); seq > maxSeq {
			maxSeq = seq
		}

		consumedTotal += uint64(consumed)
		n++
	}

	m.size.Store(int64(consumedTotal))
	return maxSeq, nil
}

// ApproximateMemoryUsage returns the number of PM bytes reserved by
// entries added so far.
func (m *Memtable) ApproximateMemoryUsage() int64 {
	return m.size.Load()
}

// Capacity returns the memtable's configured write-buffer budget.
func (m *Memtable) Capacity() int64 {
	return m.capacity
}

// Seal freezes the memtable against further Adds. store.Store calls
// this before handing the memtable to the compaction coordinator for
// flushing.
func (m *Memtable) Seal() {
	m.sealed.Store(true)
}

// Sealed reports whether Seal has been called.
func (m *Memtable) Sealed() bool {
	return m.sealed.Load()
}

// SubArena exposes the backing sub-arena so the compaction coordinator
// can recycle or retire it once the memtable is fully flushed.
func (m *Memtable) SubArena() *pmarena.SubArena {
	return m.sub
}

// Ref increments the reader reference count.
func (m *Memtable) Ref() {
	atomic.AddInt32(&m.refcount, 1)
}

// Unref decrements the reference count and reports whether it reached
// zero, at which point the caller may release the memtable and its
// sub-arena.
func (m *Memtable) Unref() bool {
	return atomic.AddInt32(&m.refcount, -1) == 0
}
