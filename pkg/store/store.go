// Package store is the thin wiring façade over the storage engine: it
// owns the PM arena, the active/immutable memtable pair, the segment
// manager, the durable leaf index, the leaf store read path, the
// statistics store, and the compaction coordinator, and exposes the
// handful of operations a caller needs to drive the whole pipeline.
//
// This is the direct descendant of this repository's original Store,
// rewired from a WAL-backed memtable plus level manager onto the
// PM-arena-backed, log-free pipeline the rest of this package tree
// implements; the single-writer rotation shape (seal, enqueue for
// flush, swap in a fresh memtable) is unchanged from the teacher's
// shape in spirit even though every component underneath it is new.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"lsmdb/internal/common"
	"lsmdb/pkg/batch"
	"lsmdb/pkg/clock"
	"lsmdb/pkg/compaction"
	"lsmdb/pkg/config"
	"lsmdb/pkg/iterator"
	"lsmdb/pkg/leafindex"
	"lsmdb/pkg/leafstore"
	"lsmdb/pkg/memtable"
	"lsmdb/pkg/pmarena"
	"lsmdb/pkg/segment"
	"lsmdb/pkg/snapshot"
	"lsmdb/pkg/stats"
	"lsmdb/pkg/types"
)

const segmentsDirName = "segments"

// Store is the top-level handle to an open database directory.
type Store struct {
	cfg     config.Config
	dataDir string

	arena   *pmarena.Arena
	seedLog *pmarena.SeedLog
	segs    *segment.Manager
	index   *leafindex.LeafIndex
	reads   *leafstore.LeafStore
	stats   *stats.Store
	coord   *compaction.Coordinator

	seq *clock.AtomicClock

	mu        sync.Mutex // guards mt and the rotation sequence
	mt        *memtable.Memtable
	flushChan chan *memtable.Memtable

	cancel func()
}

// Open creates (or recovers) a database rooted at cfg.Engine.DataDir.
func Open(cfg config.Config) (*Store, error) {
	dataDir := cfg.Engine.DataDir
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("%w: create data directory: %v", common.ErrIOError, err)
	}

	arenaPath := filepath.Join(dataDir, cfg.Engine.NvmemtableFile)
	arena, err := pmarena.Open(arenaPath, cfg.Engine.NvmemtableSize)
	if err != nil {
		return nil, err
	}

	seedLog := pmarena.NewSeedLog(dataDir)
	mt, maxSeq, err := openActiveMemtable(arena, seedLog, cfg.Engine.WriteBufferSize, cfg.Engine.UseMemtableDynamicFilter, cfg.Engine.MemtableDynamicFilterFPRate)
	if err != nil {
		arena.Close()
		return nil, err
	}

	segDir := filepath.Join(dataDir, segmentsDirName)
	if err := os.MkdirAll(segDir, 0700); err != nil {
		arena.Close()
		return nil, fmt.Errorf("%w: create segment directory: %v", common.ErrIOError, err)
	}
	segs := segment.NewManager(segDir, 256)

	index, err := leafindex.Open(filepath.Join(dataDir, common.LeafIndexDirName), cfg.Engine.NvmLeafIndexSize, cfg.Engine.UseMemtableDynamicFilter, cfg.Engine.MemtableDynamicFilterFPRate)
	if err != nil {
		arena.Close()
		segs.Close()
		return nil, err
	}

	reads := leafstore.New(index, segs)
	st := stats.New()

	s := &Store{
		cfg:       cfg,
		dataDir:   dataDir,
		arena:     arena,
		seedLog:   seedLog,
		segs:      segs,
		index:     index,
		reads:     reads,
		stats:     st,
		seq:       clock.NewAtomic(maxSeq),
		mt:        mt,
		flushChan: make(chan *memtable.Memtable, 1),
	}

	s.coord = compaction.New(s.flushChan, segs, index, reads, st, cfg.Engine, func(imm *memtable.Memtable) {
		imm.Unref()
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.coord.Start(ctx)

	return s, nil
}

// openActiveMemtable recovers the active memtable's sub-arena from the
// seed log, or allocates a fresh one on first open.
func openActiveMemtable(arena *pmarena.Arena, seedLog *pmarena.SeedLog, capacity int64, filterEnabled bool, filterFPRate float64) (*memtable.Memtable, types.SeqN, error) {
	layout, err := seedLog.Read()
	switch {
	case err == nil:
		if len(layout) != 2 {
			return nil, 0, fmt.Errorf("%w: memtable seed log has unexpected shape", common.ErrCorruption)
		}
		sub, rerr := arena.Reallocate(layout[0], layout[1])
		if rerr != nil {
			return nil, 0, rerr
		}
		mt := memtable.New(sub, layout[1], filterEnabled, filterFPRate)
		maxSeq, rerr := mt.Recovery()
		if rerr != nil {
			return nil, 0, rerr
		}
		return mt, maxSeq, nil

	case errors.Is(err, common.ErrNotFound):
		sub, aerr := arena.Allocate(capacity)
		if aerr != nil {
			return nil, 0, aerr
		}
		mt := memtable.New(sub, capacity, filterEnabled, filterFPRate)
		if _, werr := seedLog.Write([]int64{int64(sub.GetBeginAddress()), sub.Size()}); werr != nil {
			return nil, 0, werr
		}
		return mt, 0, nil

	default:
		return nil, 0, err
	}
}

// nextCapacity adapts the next memtable's write-buffer size from total
// segment storage, per the memtbl_to_L0_ratio tunable, bounded by
// max_memtbl_capacity.
func (s *Store) nextCapacity() int64 {
	capacity := s.cfg.Engine.WriteBufferSize
	if s.cfg.Engine.MemtableToL0Ratio > 0 {
		if adaptive := s.segs.ApproximateSize() / s.cfg.Engine.MemtableToL0Ratio; adaptive > capacity {
			capacity = adaptive
		}
	}
	if capacity > s.cfg.Engine.MaxMemtableCapacity {
		capacity = s.cfg.Engine.MaxMemtableCapacity
	}
	return capacity
}

// Put writes key=value at a fresh sequence number.
func (s *Store) Put(key types.Key, value types.Value) error {
	return s.apply(key, common.TypeValue, value)
}

// Delete records a tombstone for key at a fresh sequence number.
func (s *Store) Delete(key types.Key) error {
	return s.apply(key, common.TypeDeletion, nil)
}

func (s *Store) apply(key types.Key, vt common.ValueType, value types.Value) error {
	if err := s.coord.BackgroundError(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrBackgroundError, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.seq.Next()
	err := s.mt.Add(seq, vt, key, value)
	if errors.Is(err, common.ErrMemtableFull) {
		if err := s.rotateLocked(); err != nil {
			return err
		}
		return s.mt.Add(seq, vt, key, value)
	}
	if err == nil {
		s.stats.RecordWrite(key)
	}
	return err
}

// Write applies every op in wb as one unit: all ops are assigned
// consecutive sequence numbers starting at the next free sequence,
// and either every op lands in the active memtable or (on a memtable
// rotation partway through) the batch retries in full against the
// fresh one, so a reader never observes half a batch.
func (s *Store) Write(wb batch.WriteBatch) error {
	b, ok := wb.(*batch.Batch)
	if !ok {
		return fmt.Errorf("%w: Write requires a *batch.Batch", common.ErrInvalidArgument)
	}
	if b.Count() == 0 {
		return nil
	}

	if err := s.coord.BackgroundError(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrBackgroundError, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Reserve one contiguous sequence block for the whole batch up
	// front, so a retry after a mid-batch rotation reapplies the same
	// numbers instead of burning a fresh block.
	first := s.seq.Val() + 1
	for i := 0; i < b.Count(); i++ {
		s.seq.Next()
	}

	applyWith := func(mt *memtable.Memtable) error {
		seq := first
		return b.ForEach(func(key, value []byte, vt common.ValueType) error {
			err := mt.Add(seq, vt, key, value)
			seq++
			return err
		})
	}

	if err := applyWith(s.mt); err != nil {
		if !errors.Is(err, common.ErrMemtableFull) {
			return err
		}
		if err := s.rotateLocked(); err != nil {
			return err
		}
		if err := applyWith(s.mt); err != nil {
			return err
		}
	}

	return b.ForEach(func(key, value []byte, vt common.ValueType) error {
		if vt == common.TypeValue {
			s.stats.RecordWrite(key)
		}
		return nil
	})
}

// rotateLocked seals the active memtable, enqueues it for flush, and
// swaps in a freshly allocated one. Caller holds s.mu.
func (s *Store) rotateLocked() error {
	old := s.mt
	old.Seal()

	sub, err := s.arena.Allocate(s.nextCapacity())
	if err != nil {
		return err
	}
	if _, err := s.seedLog.Write([]int64{int64(sub.GetBeginAddress()), sub.Size()}); err != nil {
		return err
	}
	s.mt = memtable.New(sub, sub.Size(), s.cfg.Engine.UseMemtableDynamicFilter, s.cfg.Engine.MemtableDynamicFilterFPRate)
	s.flushChan <- old
	return nil
}

// Get resolves the version of key visible at snap, checking the
// active memtable before falling back to the durable leaf layer. A
// nil snap reads at the current sequence number, the newest visible
// version.
func (s *Store) Get(key types.Key, snap snapshot.Snapshot) (types.Value, bool, error) {
	s.mu.Lock()
	mt := s.mt
	mt.Ref()
	snapshotSeq := s.seq.Val()
	s.mu.Unlock()
	defer mt.Unref()

	if snap != nil {
		snapshotSeq = snap.Sequence()
	}

	s.stats.RecordRead(key)

	val, status, err := mt.Get(key, snapshotSeq)
	if err != nil {
		return nil, false, err
	}
	switch status {
	case memtable.FoundValue:
		return val, true, nil
	case memtable.FoundTombstone:
		return nil, false, nil
	}

	return s.reads.Get(key, snapshotSeq)
}

// NewIterator returns an iterator over every live key in the durable
// leaf layer. It is a one-shot consistent snapshot, not a live merge
// with the active memtable, matching this lineage's existing
// sorted-snapshot iterator shape rather than a k-way live merge.
func (s *Store) NewIterator() (iterator.Iterator, error) {
	return s.reads.NewIterator()
}

// Snapshot returns a token pinning the current sequence number. A Get
// passed this token sees exactly the writes committed before Snapshot
// was called, regardless of writes made afterward.
func (s *Store) Snapshot() snapshot.Snapshot {
	return &dbSnapshot{seq: s.seq.Val()}
}

// Stats exposes the read-hotness statistics store, consulted by the
// optional HTTP debug surface.
func (s *Store) Stats() *stats.Store {
	return s.stats
}

// Segments exposes the segment manager, consulted by the optional HTTP
// debug surface.
func (s *Store) Segments() *segment.Manager {
	return s.segs
}

type dbSnapshot struct {
	seq types.SeqN
}

func (sn *dbSnapshot) Sequence() types.SeqN { return sn.seq }
func (sn *dbSnapshot) Close() error         { return nil }

// Close stops the background compaction worker and releases the PM
// arena, segment manager, and leaf index.
func (s *Store) Close() error {
	s.cancel()
	s.coord.Stop()

	var firstErr error
	if err := s.index.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.segs.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.arena.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
