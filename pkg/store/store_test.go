package store

import (
	"testing"
	"time"

	"lsmdb/pkg/batch"
	"lsmdb/pkg/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.Default()
	cfg.Engine.DataDir = t.TempDir()
	cfg.Engine.WriteBufferSize = 4 << 10
	cfg.Engine.NvmemtableSize = 8 << 20
	cfg.Engine.NvmLeafIndexSize = 4 << 20

	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_PutGet(t *testing.T) {
	s := newTestStore(t)

	if err := s.Put([]byte("key1"), []byte("value1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	val, found, err := s.Get([]byte("key1"), nil)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found {
		t.Fatal("expected to find key1")
	}
	if string(val) != "value1" {
		t.Fatalf("expected value1, got %q", val)
	}
}

func TestStore_DeleteShadowsPut(t *testing.T) {
	s := newTestStore(t)

	if err := s.Put([]byte("key1"), []byte("value1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Delete([]byte("key1")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	_, found, err := s.Get([]byte("key1"), nil)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if found {
		t.Fatal("expected key1 to be deleted")
	}
}

func TestStore_SequenceMonotonicity(t *testing.T) {
	s := newTestStore(t)

	before := s.Snapshot().Sequence()
	if err := s.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	after := s.Snapshot().Sequence()

	if after <= before {
		t.Fatalf("expected sequence to advance: before=%d after=%d", before, after)
	}
}

func TestStore_SnapshotIsolation(t *testing.T) {
	s := newTestStore(t)

	if err := s.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	snap := s.Snapshot()
	defer snap.Close()

	if err := s.Put([]byte("a"), []byte("2")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	val, found, err := s.Get([]byte("a"), snap)
	if err != nil || !found || string(val) != "1" {
		t.Fatalf("expected a=1 under the old snapshot, found=%v val=%q err=%v", found, val, err)
	}

	val, found, err = s.Get([]byte("a"), nil)
	if err != nil || !found || string(val) != "2" {
		t.Fatalf("expected a=2 at the latest sequence, found=%v val=%q err=%v", found, val, err)
	}
}

func TestStore_WriteAppliesBatchAtomically(t *testing.T) {
	s := newTestStore(t)

	wb := batch.New()
	wb.Put([]byte("a"), []byte("1"))
	wb.Put([]byte("b"), []byte("2"))
	wb.Delete([]byte("c"))

	if err := s.Put([]byte("c"), []byte("old")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Write(wb); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	val, found, err := s.Get([]byte("a"), nil)
	if err != nil || !found || string(val) != "1" {
		t.Fatalf("expected a=1, found=%v val=%q err=%v", found, val, err)
	}
	val, found, err = s.Get([]byte("b"), nil)
	if err != nil || !found || string(val) != "2" {
		t.Fatalf("expected b=2, found=%v val=%q err=%v", found, val, err)
	}
	_, found, err = s.Get([]byte("c"), nil)
	if err != nil || found {
		t.Fatalf("expected c to be deleted by the batch, found=%v err=%v", found, err)
	}
}

func TestStore_RotationAndRecovery(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.DataDir = t.TempDir()
	cfg.Engine.WriteBufferSize = 1 << 10 // small, so a handful of writes rotate the memtable
	cfg.Engine.NvmemtableSize = 4 << 20
	cfg.Engine.NvmLeafIndexSize = 2 << 20

	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	for i := 0; i < 200; i++ {
		key := []byte{byte(i), byte(i >> 8)}
		if err := s.Put(key, []byte("v")); err != nil {
			t.Fatalf("Put %d failed: %v", i, err)
		}
	}

	// give the background compaction worker a chance to flush at least
	// one sealed memtable before closing
	deadline := time.Now().Add(3 * time.Second)
	for s.segs.ApproximateSize() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// recovery: reopening the same directory must still answer Get
	// for a key written before the close, whether it landed in the
	// recovered memtable or a flushed leaf.
	s2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	val, found, err := s2.Get([]byte{0, 0}, nil)
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if !found || string(val) != "v" {
		t.Fatalf("expected key {0,0}=v to survive recovery, found=%v val=%q", found, val)
	}
}
