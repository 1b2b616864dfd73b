// Package compaction implements the Compaction Coordinator: the single
// background worker that, once a memtable is sealed immutable, runs
// storage-pressure GC, leaf split, and flush compaction in order, then
// publishes the results; plus the periodic hot-leaf self-compaction
// task that lowers lookup latency on the busiest leaves.
//
// The background-worker shape is grounded on this lineage's
// Start(ctx)/Stop() goroutine pairs: a cancelable context, a single
// consumer goroutine reading off a channel, panics only on a
// programmer error, everything else reported through a returned or
// logged error.
package compaction

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"lsmdb/internal/common"
	"lsmdb/pkg/config"
	"lsmdb/pkg/leafindex"
	"lsmdb/pkg/leafstore"
	"lsmdb/pkg/lie"
	"lsmdb/pkg/memtable"
	"lsmdb/pkg/segment"
	"lsmdb/pkg/stats"
	"lsmdb/pkg/types"
)

// gcBatchSize bounds how many of the most-invalidated segments a single
// GarbageCollect pass considers, so one pass stays a bounded unit of
// work rather than walking every segment in the store.
const gcBatchSize = 4

// Coordinator owns the background compaction worker plus the periodic
// hot-leaf task. It holds no lock over reads and writes against
// already-published leaves; it only ever appends new segments and
// swaps leaf index entries, both of which are safe to race against
// readers already in flight (a reader holds its own segment
// references via Manager.Release/OpenForRead).
type Coordinator struct {
	segs  *segment.Manager
	index *leafindex.LeafIndex
	store *leafstore.LeafStore
	stats *stats.Store
	cfg   config.EngineConfig

	in <-chan *memtable.Memtable

	gcMu     sync.Mutex // serializes GC against leaf self-compaction
	leafOpMu sync.Mutex // guards the hot-leaf scheduling flag

	bgError atomic.Value // holds error; set once a phase fails
	cancel  func()
	wg      sync.WaitGroup

	onFlushed func(*memtable.Memtable)
}

// New returns a Coordinator reading immutable memtables to flush off
// in. onFlushed, if non-nil, is called once a memtable's compaction
// cycle completes (success or failure) so the caller can Unref it and
// retire its PM sub-arena.
func New(
	in <-chan *memtable.Memtable,
	segs *segment.Manager,
	index *leafindex.LeafIndex,
	store *leafstore.LeafStore,
	st *stats.Store,
	cfg config.EngineConfig,
	onFlushed func(*memtable.Memtable),
) *Coordinator {
	return &Coordinator{
		segs:      segs,
		index:     index,
		store:     store,
		stats:     st,
		cfg:       cfg,
		in:        in,
		onFlushed: onFlushed,
		cancel:    func() {},
	}
}

// Start launches the flush-consumer goroutine and, if enabled, the
// periodic hot-leaf self-compaction goroutine.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case imm := <-c.in:
				c.runCycle(imm)
			case <-ctx.Done():
				return
			}
		}
	}()

	if c.cfg.EnableLeafReadOpt {
		c.wg.Add(1)
		go c.hotLeafLoop(ctx)
	}
}

// Stop cancels the background goroutines and waits for them to exit.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
}

// BackgroundError reports the error that halted compaction, if any.
// Reads and writes against the memtable and already-durable leaves
// remain available while this is set; only further compaction is
// halted, matching the "bg_error_ set" behavior.
func (c *Coordinator) BackgroundError() error {
	if v := c.bgError.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// runCycle drives the four phases of §4.8 for one sealed memtable.
func (c *Coordinator) runCycle(imm *memtable.Memtable) {
	defer func() {
		if c.onFlushed != nil {
			c.onFlushed(imm)
		}
	}()

	if err := c.BackgroundError(); err != nil {
		return // halted: a prior phase already failed
	}

	// Phase 1: storage pressure GC loop.
	ceiling := int64(float64(c.cfg.MaximumSegmentsStorageSize) * c.cfg.SegmentsStorageSizeGCThreshold)
	for c.segs.ApproximateSize() >= ceiling {
		reclaimed, err := c.GarbageCollect()
		if err != nil {
			c.bgError.Store(err)
			return
		}
		if !reclaimed {
			if err := c.MakeRoomInLeafLayer(true); err != nil {
				c.bgError.Store(err)
				return
			}
			// A forced full compaction bought space; adaptively raise the
			// ceiling so the next cycle doesn't immediately re-trigger.
			c.cfg.MaximumSegmentsStorageSize = c.segs.ApproximateSize() + c.cfg.MaximumSegmentsStorageSize/4
			break
		}
	}

	// Phase 2: leaf split for leaves that have accumulated too many runs.
	if err := c.MakeRoomInLeafLayer(false); err != nil {
		c.bgError.Store(err)
		return
	}

	// Phase 3: flush compaction.
	if err := c.DoCompactionWork(imm); err != nil {
		c.bgError.Store(err)
		return
	}

	// Phase 4 (publication) is implicit: every leaf index write above is
	// already durable through the leaf index's own memtable by the time
	// PutLeaf/DeleteLeaf return. The caller's onFlushed releases imm's
	// sub-arena once this function returns.
}

// leafPut is one pending (leaf max key, entry) write, staged by a
// worker and applied serially by the coordinator once every worker in
// a round has finished, per §4.8's "batches are applied serially"
// rule.
type leafPut struct {
	maxKey types.Key
	entry  *lie.LeafIndexEntry
}

type leafBatch struct {
	deletes []types.Key
	puts    []leafPut
}

// MakeRoomInLeafLayer implements §4.8 phase 2. It collects leaves
// whose run count has crossed the threshold (or every leaf, if force),
// partitions them round-robin across cfg.SplitLeafNumThreads workers,
// and applies each worker's resulting leaf-index batch serially once
// all workers finish.
func (c *Coordinator) MakeRoomInLeafLayer(force bool) error {
	type candidate struct {
		maxKey types.Key
		entry  *lie.LeafIndexEntry
	}
	var candidates []candidate
	err := c.index.ForEachLeaf(func(maxKey types.Key, entry *lie.LeafIndexEntry) bool {
		if force || lie.GetNumMiniRuns(entry) >= c.cfg.LeafMaxNumMiniRuns {
			candidates = append(candidates, candidate{maxKey: append(types.Key(nil), maxKey...), entry: entry})
		}
		return true
	})
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	workers := c.cfg.SplitLeafNumThreads
	if workers < 1 {
		workers = 1
	}
	if workers > len(candidates) {
		workers = len(candidates)
	}

	batches := make([]leafBatch, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := w; i < len(candidates); i += workers {
				cand := candidates[i]
				puts, err := c.splitLeaf(cand.maxKey, cand.entry)
				if err != nil {
					errs[w] = err
					return
				}
				batches[w].deletes = append(batches[w].deletes, cand.maxKey)
				batches[w].puts = append(batches[w].puts, puts...)
			}
		}()
	}
	wg.Wait()

	for _, e := range errs {
		if e != nil {
			return e
		}
	}

	for _, b := range batches {
		for _, d := range b.deletes {
			if err := c.index.DeleteLeaf(d); err != nil {
				return err
			}
			c.stats.Remove(d)
		}
		for _, p := range b.puts {
			if err := c.index.PutLeaf(p.maxKey, p.entry); err != nil {
				return err
			}
			c.stats.SetNumRuns(p.maxKey, lie.GetNumMiniRuns(p.entry))
		}
	}
	return nil
}

// splitLeaf re-emits one leaf's retained (non-tombstoned) keyspace as
// fresh miniruns grouped into at most LeafDataSizeThresh/2 bytes each,
// each group becoming its own new leaf keyed by its last user key.
// Original internal keys (including sequence numbers) of retained
// versions are preserved verbatim.
func (c *Coordinator) splitLeaf(oldMaxKey types.Key, oldEntry *lie.LeafIndexEntry) ([]leafPut, error) {
	entries, err := c.retainedEntries(oldMaxKey)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	groupCap := c.cfg.LeafDataSizeThresh / 2
	if groupCap <= 0 {
		groupCap = 1 << 20
	}

	scratch := c.segs.NewScratchPath()
	builder, err := segment.NewBuilder(scratch, c.cfg.EnableBlockCompression)
	if err != nil {
		return nil, err
	}

	var puts []leafPut
	var pending []retained
	var pendingSize int64
	runSeq := 0

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		builder.StartMiniRun(len(pending), c.cfg.MemtableDynamicFilterFPRate)
		for _, e := range pending {
			ik := types.NewInternalKey(e.userKey, e.seq, common.TypeValue)
			if err := builder.Add(ik, e.value); err != nil {
				return err
			}
		}
		if _, err := builder.FinishMiniRun(); err != nil {
			return err
		}
		entry := &lie.LeafIndexEntry{}
		lie.AppendMiniRunIndexEntry(entry, lie.MiniRunHandle{
			RunSeq:     runSeq,
			DataSize:   builder.GetFinishedRunDataSize(),
			NumEntries: builder.GetFinishedRunNumEntries(),
		})
		puts = append(puts, leafPut{maxKey: append(types.Key(nil), pending[len(pending)-1].userKey...), entry: entry})
		runSeq++
		pending = pending[:0]
		pendingSize = 0
		return nil
	}

	for _, e := range entries {
		size := int64(len(e.userKey) + len(e.value) + 8)
		if pendingSize > 0 && pendingSize+size > groupCap {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		pending = append(pending, e)
		pendingSize += size
	}
	if err := flush(); err != nil {
		return nil, err
	}

	handles, err := builder.Finish()
	if err != nil {
		return nil, err
	}
	seg, err := c.segs.Publish(scratch, handles)
	if err != nil {
		return nil, err
	}
	for _, p := range puts {
		lie.ForEachMiniRunIndexEntry(p.entry, func(i int, mre lie.MiniRunHandle) bool {
			mre.SegmentID = seg.ID
			_ = lie.ReplaceMiniRunRange(p.entry, i, i+1, []lie.MiniRunHandle{mre})
			return true
		})
	}

	for _, mre := range iterateRuns(oldEntry) {
		c.segs.MarkInvalidated(mre.SegmentID, mre.RunSeq, mre.DataSize)
	}
	return puts, nil
}

func iterateRuns(entry *lie.LeafIndexEntry) []lie.MiniRunHandle {
	var out []lie.MiniRunHandle
	lie.ForEachMiniRunIndexEntry(entry, func(_ int, mre lie.MiniRunHandle) bool {
		out = append(out, mre)
		return true
	})
	return out
}

// retained is one surviving (non-tombstoned) key-value pair from a
// leaf scan, with its original sequence number preserved.
type retained struct {
	userKey types.Key
	seq     types.SeqN
	value   types.Value
}

// retainedEntries reads leafMaxKey's resolved view, suppressing
// tombstones, and keeps each surviving entry's original sequence
// number.
func (c *Coordinator) retainedEntries(leafMaxKey types.Key) ([]retained, error) {
	it, err := c.store.NewIteratorForLeaf(leafMaxKey)
	if err != nil {
		return nil, err
	}
	var out []retained
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if it.Deleted() {
			continue
		}
		out = append(out, retained{
			userKey: append(types.Key(nil), it.Key()...),
			seq:     it.Seq(),
			value:   append(types.Value(nil), it.Value()...),
		})
	}
	return out, nil
}

// memEntry is one decoded entry from an immutable memtable's snapshot,
// used by DoCompactionWork to stream entries into leaf-bounded groups.
type memEntry struct {
	userKey types.Key
	seq     types.SeqN
	vt      common.ValueType
	value   types.Value
}

// DoCompactionWork implements §4.8 phase 3: stream the immutable
// memtable's entries into the existing leaf layer, appending one new
// minirun per existing leaf, and group any keys beyond the last
// existing leaf into brand-new leaves sized to ~5% of
// LeafDataSizeThresh each.
func (c *Coordinator) DoCompactionWork(imm *memtable.Memtable) error {
	entries, err := collectMemtableEntries(imm)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	type existingLeaf struct {
		maxKey types.Key
		entry  *lie.LeafIndexEntry
	}
	var leaves []existingLeaf
	if err := c.index.ForEachLeaf(func(maxKey types.Key, entry *lie.LeafIndexEntry) bool {
		leaves = append(leaves, existingLeaf{maxKey: append(types.Key(nil), maxKey...), entry: entry})
		return true
	}); err != nil {
		return err
	}

	// Bucket entries against existing leaf boundaries in one ascending
	// pass (entries and leaves are both sorted by user key).
	buckets := make([][]memEntry, len(leaves))
	ei := 0
	for li, lf := range leaves {
		for ei < len(entries) && types.CompareUserKey(entries[ei].userKey, lf.maxKey) <= 0 {
			buckets[li] = append(buckets[li], entries[ei])
			ei++
		}
	}
	leftover := entries[ei:]

	workers := c.cfg.SplitLeafNumThreads
	if workers < 1 {
		workers = 1
	}
	if workers > len(leaves) && len(leaves) > 0 {
		workers = len(leaves)
	}

	if len(leaves) > 0 {
		puts := make([]leafPut, len(leaves))
		errs := make([]error, workers)
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			w := w
			wg.Add(1)
			go func() {
				defer wg.Done()
				for li := w; li < len(leaves); li += workers {
					if len(buckets[li]) == 0 {
						continue
					}
					p, err := c.appendFlushRun(leaves[li].maxKey, leaves[li].entry, buckets[li])
					if err != nil {
						errs[w] = err
						return
					}
					puts[li] = p
				}
			}()
		}
		wg.Wait()
		for _, e := range errs {
			if e != nil {
				return e
			}
		}
		for _, p := range puts {
			if p.entry == nil {
				continue
			}
			if err := c.index.PutLeaf(p.maxKey, p.entry); err != nil {
				return err
			}
			c.stats.SetNumRuns(p.maxKey, lie.GetNumMiniRuns(p.entry))
		}
	}

	if len(leftover) > 0 {
		if err := c.createNewLeaves(leftover); err != nil {
			return err
		}
	}
	return nil
}

// appendFlushRun writes group as one new minirun in its own segment and
// returns the leaf's updated entry with that run appended.
func (c *Coordinator) appendFlushRun(maxKey types.Key, entry *lie.LeafIndexEntry, group []memEntry) (leafPut, error) {
	scratch := c.segs.NewScratchPath()
	builder, err := segment.NewBuilder(scratch, c.cfg.EnableBlockCompression)
	if err != nil {
		return leafPut{}, err
	}
	builder.StartMiniRun(len(group), c.cfg.MemtableDynamicFilterFPRate)
	for _, e := range group {
		ik := types.NewInternalKey(e.userKey, e.seq, e.vt)
		if err := builder.Add(ik, e.value); err != nil {
			return leafPut{}, err
		}
	}
	if _, err := builder.FinishMiniRun(); err != nil {
		return leafPut{}, err
	}
	handles, err := builder.Finish()
	if err != nil {
		return leafPut{}, err
	}
	seg, err := c.segs.Publish(scratch, handles)
	if err != nil {
		return leafPut{}, err
	}

	updated := &lie.LeafIndexEntry{Runs: append([]lie.MiniRunHandle(nil), entry.Runs...)}
	lie.AppendMiniRunIndexEntry(updated, lie.MiniRunHandle{
		SegmentID:  seg.ID,
		RunSeq:     0,
		DataSize:   builder.GetFinishedRunDataSize(),
		NumEntries: builder.GetFinishedRunNumEntries(),
	})
	return leafPut{maxKey: maxKey, entry: updated}, nil
}

// createNewLeaves groups entries beyond the last existing leaf into
// fresh leaves of roughly LeafSplitGroupFraction*LeafDataSizeThresh
// bytes each, one minirun per leaf.
func (c *Coordinator) createNewLeaves(entries []memEntry) error {
	targetSize := int64(float64(c.cfg.LeafDataSizeThresh) * c.cfg.LeafSplitGroupFraction)
	if targetSize <= 0 {
		targetSize = 64 << 10
	}

	scratch := c.segs.NewScratchPath()
	builder, err := segment.NewBuilder(scratch, c.cfg.EnableBlockCompression)
	if err != nil {
		return err
	}

	var pending []memEntry
	var pendingSize int64
	var puts []leafPut
	runSeq := 0

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		builder.StartMiniRun(len(pending), c.cfg.MemtableDynamicFilterFPRate)
		for _, e := range pending {
			ik := types.NewInternalKey(e.userKey, e.seq, e.vt)
			if err := builder.Add(ik, e.value); err != nil {
				return err
			}
		}
		if _, err := builder.FinishMiniRun(); err != nil {
			return err
		}
		entry := &lie.LeafIndexEntry{}
		lie.AppendMiniRunIndexEntry(entry, lie.MiniRunHandle{
			RunSeq:     runSeq,
			DataSize:   builder.GetFinishedRunDataSize(),
			NumEntries: builder.GetFinishedRunNumEntries(),
		})
		puts = append(puts, leafPut{maxKey: append(types.Key(nil), pending[len(pending)-1].userKey...), entry: entry})
		runSeq++
		pending = pending[:0]
		pendingSize = 0
		return nil
	}

	for _, e := range entries {
		size := int64(len(e.userKey) + len(e.value) + 8)
		if pendingSize > 0 && pendingSize+size > targetSize {
			if err := flush(); err != nil {
				return err
			}
		}
		pending = append(pending, e)
		pendingSize += size
	}
	if err := flush(); err != nil {
		return err
	}

	handles, err := builder.Finish()
	if err != nil {
		return err
	}
	seg, err := c.segs.Publish(scratch, handles)
	if err != nil {
		return err
	}
	for _, p := range puts {
		lie.ForEachMiniRunIndexEntry(p.entry, func(i int, mre lie.MiniRunHandle) bool {
			mre.SegmentID = seg.ID
			_ = lie.ReplaceMiniRunRange(p.entry, i, i+1, []lie.MiniRunHandle{mre})
			return true
		})
		if err := c.index.PutLeaf(p.maxKey, p.entry); err != nil {
			return err
		}
		c.stats.SetNumRuns(p.maxKey, 1)
	}
	return nil
}

func collectMemtableEntries(imm *memtable.Memtable) ([]memEntry, error) {
	it := imm.NewIterator()
	defer it.Close()

	entries := make([]memEntry, 0, it.Len())
	for it.SeekToFirst(); it.Valid(); it.Next() {
		ik := it.Key()
		val, err := it.Value()
		if err != nil {
			return nil, err
		}
		entries = append(entries, memEntry{
			userKey: append(types.Key(nil), ik.UserKey()...),
			seq:     ik.Seq(),
			vt:      ik.ValueType(),
			value:   append(types.Value(nil), val...),
		})
	}
	return entries, nil
}

// GarbageCollect implements §4.9: it picks up to gcBatchSize of the
// most-invalidated segments, copies forward every run still referenced
// by a leaf, rewrites the owning leaf's MRE to point at the copy, and
// deletes the original segment. It reports whether it reclaimed any
// space, so the storage-pressure loop knows whether to escalate to a
// forced full compaction.
func (c *Coordinator) GarbageCollect() (bool, error) {
	c.gcMu.Lock()
	defer c.gcMu.Unlock()

	candidates := c.segs.GetMostInvalidatedSegments(gcBatchSize)
	if len(candidates) == 0 {
		return false, nil
	}

	reclaimedAny := false
	for _, seg := range candidates {
		reclaimed, err := c.gcOneSegment(seg)
		if err != nil {
			return reclaimedAny, err
		}
		if reclaimed {
			reclaimedAny = true
		}
	}
	return reclaimedAny, nil
}

type gcReplacement struct {
	leafMaxKey types.Key
	entry      *lie.LeafIndexEntry
	runIdx     int // position within entry.Runs to replace
	localRun   int // position within the new segment's own handles
	dataSize   int64
	numEntries int64
}

func (c *Coordinator) gcOneSegment(seg *segment.Segment) (bool, error) {
	var scratch string
	var builder *segment.Builder
	var replacements []gcReplacement
	localRunSeq := 0
	anyLive := false
	droppedAny := false // some run was left behind instead of copied forward

	ensureBuilder := func() error {
		if builder != nil {
			return nil
		}
		scratch = c.segs.NewScratchPath()
		var err error
		builder, err = segment.NewBuilder(scratch, c.cfg.EnableBlockCompression)
		return err
	}

	for runIdx, handle := range seg.Handles {
		reader, err := c.segs.OpenForRead(seg.ID, handle)
		if err != nil {
			return false, err
		}

		var lastKey []byte
		count := 0
		for reader.SeekToFirst(); reader.Valid(); reader.Next() {
			lastKey = reader.Key()
			count++
		}
		if lastKey == nil {
			c.segs.Release(seg.ID)
			droppedAny = true
			continue
		}

		probeUserKey := types.InternalKey(lastKey).UserKey()
		leafMaxKey, entry, found, err := c.index.FindLeaf(probeUserKey)
		if err != nil {
			c.segs.Release(seg.ID)
			return false, err
		}
		if !found {
			// No leaf claims a key at or beyond this run's last key; it
			// is stale (the probe-key-from-last-block edge case).
			c.segs.Release(seg.ID)
			droppedAny = true
			continue
		}

		stillLive := false
		ownerIdx := -1
		lie.ForEachMiniRunIndexEntry(entry, func(j int, mre lie.MiniRunHandle) bool {
			if mre.SegmentID == seg.ID && mre.RunSeq == runIdx {
				stillLive = true
				ownerIdx = j
				return false
			}
			return true
		})
		if !stillLive {
			c.segs.Release(seg.ID)
			droppedAny = true
			continue
		}

		if err := ensureBuilder(); err != nil {
			c.segs.Release(seg.ID)
			return false, err
		}
		builder.StartMiniRun(count, c.cfg.MemtableDynamicFilterFPRate)
		for reader.SeekToFirst(); reader.Valid(); reader.Next() {
			if err := builder.Add(reader.Key(), reader.Value()); err != nil {
				c.segs.Release(seg.ID)
				return false, err
			}
		}
		if _, err := builder.FinishMiniRun(); err != nil {
			c.segs.Release(seg.ID)
			return false, err
		}
		c.segs.Release(seg.ID)

		replacements = append(replacements, gcReplacement{
			leafMaxKey: leafMaxKey,
			entry:      entry,
			runIdx:     ownerIdx,
			localRun:   localRunSeq,
			dataSize:   builder.GetFinishedRunDataSize(),
			numEntries: builder.GetFinishedRunNumEntries(),
		})
		localRunSeq++
		anyLive = true
	}

	if anyLive {
		handles, err := builder.Finish()
		if err != nil {
			return false, err
		}
		newSeg, err := c.segs.Publish(scratch, handles)
		if err != nil {
			return false, err
		}
		for _, r := range replacements {
			newMRE := lie.MiniRunHandle{
				SegmentID:  newSeg.ID,
				RunSeq:     r.localRun,
				DataSize:   r.dataSize,
				NumEntries: r.numEntries,
			}
			if err := lie.ReplaceMiniRunRange(r.entry, r.runIdx, r.runIdx+1, []lie.MiniRunHandle{newMRE}); err != nil {
				return false, err
			}
			if err := c.index.PutLeaf(r.leafMaxKey, r.entry); err != nil {
				return false, err
			}
		}
	}

	if err := c.segs.Remove(seg.ID); err != nil {
		return false, fmt.Errorf("gc: remove fully-reclaimed segment: %w", err)
	}
	return droppedAny, nil
}

// hotLeafLoop periodically decays the statistics store and
// self-compacts the leaves with the highest read hotness, per §4.10.
func (c *Coordinator) hotLeafLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runHotLeafPass()
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) runHotLeafPass() {
	c.leafOpMu.Lock()
	defer c.leafOpMu.Unlock()

	c.stats.Decay()
	for _, cand := range c.stats.TopHotLeaves(c.cfg.HotLeafCandidates) {
		if cand.NumRuns < 2 {
			continue
		}
		if err := c.CompactLeaf(cand.LeafMaxKey); err != nil {
			c.bgError.Store(fmt.Errorf("hot leaf compaction: %w", err))
			return
		}
	}
}

// CompactLeaf self-compacts every minirun of leafMaxKey into a single
// new minirun, replacing the leaf's entry, to reduce the number of
// runs a future lookup must consult.
func (c *Coordinator) CompactLeaf(leafMaxKey types.Key) error {
	c.gcMu.Lock()
	defer c.gcMu.Unlock()

	old, found, err := c.index.Lookup(leafMaxKey, types.MaxSeq)
	if err != nil {
		return err
	}
	if !found || lie.GetNumMiniRuns(old) < 2 {
		return nil
	}

	entries, err := c.retainedEntries(leafMaxKey)
	if err != nil {
		return err
	}

	oldRuns := iterateRuns(old)

	scratch := c.segs.NewScratchPath()
	builder, err := segment.NewBuilder(scratch, c.cfg.EnableBlockCompression)
	if err != nil {
		return err
	}
	builder.StartMiniRun(len(entries), c.cfg.MemtableDynamicFilterFPRate)
	for _, e := range entries {
		ik := types.NewInternalKey(e.userKey, e.seq, common.TypeValue)
		if err := builder.Add(ik, e.value); err != nil {
			return err
		}
	}
	if _, err := builder.FinishMiniRun(); err != nil {
		return err
	}
	handles, err := builder.Finish()
	if err != nil {
		return err
	}
	seg, err := c.segs.Publish(scratch, handles)
	if err != nil {
		return err
	}

	newEntry := &lie.LeafIndexEntry{}
	lie.AppendMiniRunIndexEntry(newEntry, lie.MiniRunHandle{
		SegmentID:  seg.ID,
		RunSeq:     0,
		DataSize:   builder.GetFinishedRunDataSize(),
		NumEntries: builder.GetFinishedRunNumEntries(),
	})
	if err := c.index.PutLeaf(leafMaxKey, newEntry); err != nil {
		return err
	}
	c.stats.SetNumRuns(leafMaxKey, 1)

	for _, mre := range oldRuns {
		c.segs.MarkInvalidated(mre.SegmentID, mre.RunSeq, mre.DataSize)
	}
	return nil
}
