package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/zhangyunhao116/skipset"

	"lsmdb/internal/common"
)

// Segment is one published, immutable segment file: an id, its path,
// the RunHandles recorded in its footer, and a live invalidation
// counter the GC phase of compaction watches.
type Segment struct {
	ID      uint64
	Path    string
	Size    int64
	Handles []RunHandle

	invalidated     atomic.Int64 // bytes made unreachable by overwritten/removed miniruns
	invMu           sync.Mutex
	invalidatedRuns map[int]struct{} // run indices already counted toward invalidated, for idempotency
	data            []byte           // mmapped bytes, populated on first read
}

// InvalidatedRatio returns the fraction of this segment's bytes that
// are currently unreachable, the figure GetMostInvalidatedSegments
// ranks candidates by.
func (s *Segment) InvalidatedRatio() float64 {
	if s.Size <= 0 {
		return 0
	}
	return float64(s.invalidated.Load()) / float64(s.Size)
}

// Invalidated reports how many bytes of this segment are currently
// unreachable from any leaf index entry.
func (s *Segment) Invalidated() int64 {
	return s.invalidated.Load()
}

// Manager tracks every published segment file in a database directory:
// allocates fresh ids, atomically publishes scratch files built by
// Builder, and answers GC's "which segments are most worth reclaiming"
// query.
//
// Segment ids live in a skipset.OrderedSet[uint64] purely for ordered
// traversal (ForEachSegment visits ids ascending), the set counterpart
// of the skipmap this repository's memtable and leaf index use, since
// a segment's metadata needs no value beyond
// its id to be looked up in the id table.
type Manager struct {
	dir      string
	nextID   atomic.Uint64
	ids      *skipset.OrderedSet[uint64]
	mu       sync.RWMutex
	segments map[uint64]*Segment
	cache    *mmapCache
}

// NewManager opens (or creates) dir as the segment storage directory.
func NewManager(dir string, mmapCacheSize int) *Manager {
	return &Manager{
		dir:      dir,
		ids:      skipset.New[uint64](),
		segments: make(map[uint64]*Segment),
		cache:    newMmapCache(mmapCacheSize),
	}
}

// NewScratchPath returns a fresh scratch-file path, named
// "seg-<uuid>.tmp", for a Builder to write into before publication.
func (m *Manager) NewScratchPath() string {
	name := common.ScratchSegmentPrefix + uuid.NewString() + common.ScratchSegmentSuffix
	return filepath.Join(m.dir, name)
}

// Publish allocates the next segment id, renames the scratch file at
// scratchPath into "<id>.seg", and registers the segment with its
// footer's run handles. The rename is same-directory so it is atomic
// on every filesystem this repository targets.
func (m *Manager) Publish(scratchPath string, handles []RunHandle) (*Segment, error) {
	id := m.nextID.Add(1)
	finalPath := filepath.Join(m.dir, fmt.Sprintf("%d%s", id, common.SegmentFileSuffix))

	if err := os.Rename(scratchPath, finalPath); err != nil {
		return nil, fmt.Errorf("%w: publish segment %d: %v", common.ErrIOError, id, err)
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return nil, fmt.Errorf("%w: stat published segment %d: %v", common.ErrIOError, id, err)
	}

	seg := &Segment{ID: id, Path: finalPath, Size: info.Size(), Handles: handles}

	m.mu.Lock()
	m.segments[id] = seg
	m.mu.Unlock()
	m.ids.Add(id)

	return seg, nil
}

// Get returns the segment registered under id, or nil.
func (m *Manager) Get(id uint64) *Segment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.segments[id]
}

// OpenForRead mmaps (or reuses a cached mmap of) the segment's file
// and returns a RunReader over the named run. The caller must call
// Release when done.
func (m *Manager) OpenForRead(segID uint64, handle RunHandle) (*RunReader, error) {
	seg := m.Get(segID)
	if seg == nil {
		return nil, common.ErrNotFound
	}
	data, err := m.cache.acquire(segID, seg.Path, seg.Size)
	if err != nil {
		return nil, err
	}
	return OpenRun(data, handle)
}

// Release returns a reference acquired via OpenForRead.
func (m *Manager) Release(segID uint64) {
	m.cache.release(segID)
}

// ProbeRun reports whether userKey might be present in the named run,
// consulting only its serialized bloom filter. It mmaps (or reuses a
// cached mmap of) the segment like OpenForRead does, but releases the
// reference itself rather than requiring a matching Release call,
// since it never hands the caller a RunReader to keep alive.
func (m *Manager) ProbeRun(segID uint64, handle RunHandle, userKey []byte) (bool, error) {
	seg := m.Get(segID)
	if seg == nil {
		return true, common.ErrNotFound
	}
	data, err := m.cache.acquire(segID, seg.Path, seg.Size)
	if err != nil {
		return true, err
	}
	defer m.cache.release(segID)
	return ProbeRun(data, handle, userKey)
}

// MarkInvalidated records that byteCount bytes of a segment's runSeq'th
// minirun are no longer reachable (it was replaced or removed from
// every leaf index entry that referenced it). It is idempotent per
// (segID, runSeq): invalidating the same run more than once does not
// double-count its bytes.
func (m *Manager) MarkInvalidated(segID uint64, runSeq int, byteCount int64) {
	m.mu.RLock()
	seg := m.segments[segID]
	m.mu.RUnlock()
	if seg == nil {
		return
	}

	seg.invMu.Lock()
	if seg.invalidatedRuns == nil {
		seg.invalidatedRuns = make(map[int]struct{})
	}
	if _, already := seg.invalidatedRuns[runSeq]; already {
		seg.invMu.Unlock()
		return
	}
	seg.invalidatedRuns[runSeq] = struct{}{}
	seg.invMu.Unlock()

	seg.invalidated.Add(byteCount)
}

// GetMostInvalidatedSegments returns up to k segments with the
// greatest invalidated/total byte ratio, most invalidated first, the
// candidate pool the storage-pressure GC phase reclaims from.
func (m *Manager) GetMostInvalidatedSegments(k int) []*Segment {
	m.mu.RLock()
	all := make([]*Segment, 0, len(m.segments))
	for _, s := range m.segments {
		all = append(all, s)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].InvalidatedRatio() > all[j].InvalidatedRatio()
	})
	if k < len(all) {
		all = all[:k]
	}
	return all
}

// ForEachSegment visits every registered segment in ascending id
// order, stopping early if fn returns false.
func (m *Manager) ForEachSegment(fn func(*Segment) bool) {
	m.ids.Range(func(id uint64) bool {
		m.mu.RLock()
		seg := m.segments[id]
		m.mu.RUnlock()
		if seg == nil {
			return true
		}
		return fn(seg)
	})
}

// Remove unpublishes and deletes a segment file, used once GC confirms
// none of its miniruns are referenced by any leaf index entry.
func (m *Manager) Remove(segID uint64) error {
	m.mu.Lock()
	seg, ok := m.segments[segID]
	if ok {
		delete(m.segments, segID)
	}
	m.mu.Unlock()
	if !ok {
		return common.ErrNotFound
	}
	m.ids.Remove(segID)
	m.cache.release(segID) // drop this caller's hold; eviction reclaims once refcount allows
	if err := os.Remove(seg.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove segment file %d: %v", common.ErrIOError, segID, err)
	}
	return nil
}

// ApproximateSize returns the combined on-disk size of every
// registered segment file, the figure compared against
// MaximumSegmentsStorageSize to trigger GC.
func (m *Manager) ApproximateSize() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, s := range m.segments {
		total += s.Size
	}
	return total
}

// Close unmaps every cached segment file.
func (m *Manager) Close() error {
	m.cache.closeAll()
	return nil
}
