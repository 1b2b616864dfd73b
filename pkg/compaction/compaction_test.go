package compaction

import (
	"os"
	"path/filepath"
	"testing"

	"lsmdb/internal/common"
	"lsmdb/pkg/config"
	"lsmdb/pkg/leafindex"
	"lsmdb/pkg/leafstore"
	"lsmdb/pkg/lie"
	"lsmdb/pkg/memtable"
	"lsmdb/pkg/pmarena"
	"lsmdb/pkg/segment"
	"lsmdb/pkg/stats"
	"lsmdb/pkg/types"
)

type testEnv struct {
	coord *Coordinator
	index *leafindex.LeafIndex
	segs  *segment.Manager
	store *leafstore.LeafStore
	stats *stats.Store
	arena *pmarena.Arena
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	arenaPath := filepath.Join(dir, "nvmemtable")
	arena, err := pmarena.Open(arenaPath, 8<<20)
	if err != nil {
		t.Fatalf("pmarena.Open failed: %v", err)
	}
	t.Cleanup(func() { arena.Close() })

	index, err := leafindex.Open(filepath.Join(dir, "leaf_index"), 4<<20, true, 0.01)
	if err != nil {
		t.Fatalf("leafindex.Open failed: %v", err)
	}
	t.Cleanup(func() { index.Close() })

	segDir := filepath.Join(dir, "segments")
	if err := os.MkdirAll(segDir, 0700); err != nil {
		t.Fatalf("mkdir segments failed: %v", err)
	}
	segs := segment.NewManager(segDir, 16)
	t.Cleanup(func() { segs.Close() })

	store := leafstore.New(index, segs)
	st := stats.New()

	cfg := config.Default().Engine
	cfg.LeafDataSizeThresh = 1 << 16
	cfg.LeafMaxNumMiniRuns = 2
	cfg.LeafSplitGroupFraction = 0.5
	cfg.SplitLeafNumThreads = 2

	coord := New(nil, segs, index, store, st, cfg, nil)

	return &testEnv{coord: coord, index: index, segs: segs, store: store, stats: st, arena: arena}
}

func (e *testEnv) newMemtable(t *testing.T, capacity int64) *memtable.Memtable {
	t.Helper()
	sub, err := e.arena.Allocate(capacity)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	return memtable.New(sub, capacity, true, 0.01)
}

func TestDoCompactionWork_CreatesNewLeavesFromEmptyIndex(t *testing.T) {
	env := newTestEnv(t)
	mt := env.newMemtable(t, 64<<10)

	for i, k := range []string{"a", "b", "c"} {
		if err := mt.Add(uint64(i+1), common.TypeValue, []byte(k), []byte("v-"+k)); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	if err := env.coord.DoCompactionWork(mt); err != nil {
		t.Fatalf("DoCompactionWork failed: %v", err)
	}

	val, found, err := env.store.Get([]byte("b"), types.MaxSeq)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found || string(val) != "v-b" {
		t.Fatalf("expected to find flushed key b=v-b, found=%v val=%q", found, val)
	}
}

func TestDoCompactionWork_AppendsRunToExistingLeaf(t *testing.T) {
	env := newTestEnv(t)

	// seed one existing leaf directly
	entry := &lie.LeafIndexEntry{}
	if err := env.index.PutLeaf([]byte("z"), entry); err != nil {
		t.Fatalf("PutLeaf failed: %v", err)
	}

	mt := env.newMemtable(t, 64<<10)
	if err := mt.Add(1, common.TypeValue, []byte("m"), []byte("vm")); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if err := env.coord.DoCompactionWork(mt); err != nil {
		t.Fatalf("DoCompactionWork failed: %v", err)
	}

	val, found, err := env.store.Get([]byte("m"), types.MaxSeq)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found || string(val) != "vm" {
		t.Fatalf("expected to find m=vm appended to leaf z, found=%v val=%q", found, val)
	}
}

func TestMakeRoomInLeafLayer_SplitsOverfullLeaf(t *testing.T) {
	env := newTestEnv(t)

	mt := env.newMemtable(t, 64<<10)
	keys := []string{"a", "b", "c", "d", "e"}
	for i, k := range keys {
		if err := mt.Add(uint64(i+1), common.TypeValue, []byte(k), []byte("v-"+k)); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	if err := env.coord.DoCompactionWork(mt); err != nil {
		t.Fatalf("DoCompactionWork failed: %v", err)
	}

	// Drive the leaf's run count above LeafMaxNumMiniRuns with more flushes.
	for round := 0; round < 3; round++ {
		mt := env.newMemtable(t, 64<<10)
		if err := mt.Add(uint64(100+round), common.TypeValue, []byte(keys[0:1][0]), []byte("updated")); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		if err := env.coord.DoCompactionWork(mt); err != nil {
			t.Fatalf("DoCompactionWork failed: %v", err)
		}
	}

	if err := env.coord.MakeRoomInLeafLayer(false); err != nil {
		t.Fatalf("MakeRoomInLeafLayer failed: %v", err)
	}

	for _, k := range keys {
		_, found, err := env.store.Get([]byte(k), types.MaxSeq)
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", k, err)
		}
		if !found {
			t.Fatalf("expected key %s to survive leaf split", k)
		}
	}
}

func TestCompactLeaf_ConsolidatesMultipleRuns(t *testing.T) {
	env := newTestEnv(t)

	for round := 0; round < 3; round++ {
		mt := env.newMemtable(t, 64<<10)
		if err := mt.Add(uint64(round+1), common.TypeValue, []byte("k"), []byte("v")); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		if err := env.coord.DoCompactionWork(mt); err != nil {
			t.Fatalf("DoCompactionWork failed: %v", err)
		}
	}

	entry, found, err := env.index.Lookup([]byte("k"), types.MaxSeq)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if !found || lie.GetNumMiniRuns(entry) < 2 {
		t.Fatalf("expected multiple runs before compaction, got %+v", entry)
	}

	if err := env.coord.CompactLeaf([]byte("k")); err != nil {
		t.Fatalf("CompactLeaf failed: %v", err)
	}

	entry, found, err = env.index.Lookup([]byte("k"), types.MaxSeq)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if !found || lie.GetNumMiniRuns(entry) != 1 {
		t.Fatalf("expected exactly one run after compaction, got %+v", entry)
	}

	val, found, err := env.store.Get([]byte("k"), types.MaxSeq)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found || string(val) != "v" {
		t.Fatalf("expected k=v to survive compaction, found=%v val=%q", found, val)
	}
}

func TestGarbageCollect_RemovesFullyInvalidatedSegment(t *testing.T) {
	env := newTestEnv(t)

	for round := 0; round < 2; round++ {
		mt := env.newMemtable(t, 64<<10)
		if err := mt.Add(uint64(round+1), common.TypeValue, []byte("k"), []byte("v")); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		if err := env.coord.DoCompactionWork(mt); err != nil {
			t.Fatalf("DoCompactionWork failed: %v", err)
		}
	}

	before := 0
	env.segs.ForEachSegment(func(s *segment.Segment) bool { before++; return true })
	if before < 2 {
		t.Fatalf("expected at least 2 segments before GC, got %d", before)
	}

	if err := env.coord.CompactLeaf([]byte("k")); err != nil {
		t.Fatalf("CompactLeaf failed: %v", err)
	}

	reclaimed, err := env.coord.GarbageCollect()
	if err != nil {
		t.Fatalf("GarbageCollect failed: %v", err)
	}
	if !reclaimed {
		t.Fatal("expected GarbageCollect to reclaim the now-stale original segments")
	}

	val, found, err := env.store.Get([]byte("k"), types.MaxSeq)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found || string(val) != "v" {
		t.Fatalf("expected k=v to survive garbage collection, found=%v val=%q", found, val)
	}
}
