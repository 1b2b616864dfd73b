package segment

import (
	"os"
	"path/filepath"
	"testing"

	"lsmdb/pkg/types"
)

// internalKey builds a raw internal key: user key followed by an
// 8-byte big-endian tag, matching the shape RunReader.Get expects
// (last 8 bytes stripped off before the user-key comparison).
func internalKey(userKey string, tag uint64) []byte {
	ik := make([]byte, len(userKey)+8)
	copy(ik, userKey)
	for i := 0; i < 8; i++ {
		ik[len(userKey)+i] = byte(tag >> (56 - 8*i))
	}
	return ik
}

func buildOneRunSegment(t *testing.T, path string, pairs [][2]string) RunHandle {
	t.Helper()
	b, err := NewBuilder(path, false)
	if err != nil {
		t.Fatalf("NewBuilder failed: %v", err)
	}
	b.StartMiniRun(len(pairs), 0.01)
	for i, p := range pairs {
		if err := b.Add(internalKey(p[0], uint64(i+1)), []byte(p[1])); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	if _, err := b.FinishMiniRun(); err != nil {
		t.Fatalf("FinishMiniRun failed: %v", err)
	}
	handles, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}
	if len(handles) != 1 {
		t.Fatalf("expected 1 run handle, got %d", len(handles))
	}
	return handles[0]
}

func TestBuilder_SingleRunRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.seg")
	handle := buildOneRunSegment(t, path, [][2]string{
		{"a", "va"},
		{"b", "vb"},
	})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read segment file failed: %v", err)
	}

	reader, err := OpenRun(data, handle)
	if err != nil {
		t.Fatalf("OpenRun failed: %v", err)
	}
	reader.SeekToFirst()
	count := 0
	for reader.Valid() {
		count++
		reader.Next()
	}
	if count != 2 {
		t.Fatalf("expected 2 entries, got %d", count)
	}

	val, ik, found := reader.Get([]byte("b"), types.MaxSeq)
	if !found || string(val) != "vb" {
		t.Fatalf("expected to find b=vb, found=%v val=%q ik=%q", found, val, ik)
	}
}

func TestBuilder_CompressedRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.seg")
	b, err := NewBuilder(path, true)
	if err != nil {
		t.Fatalf("NewBuilder failed: %v", err)
	}
	b.StartMiniRun(1, 0.01)
	// a payload long and repetitive enough that zstd compresses it
	big := make([]byte, 4096)
	for i := range big {
		big[i] = byte(i % 17)
	}
	if err := b.Add(internalKey("k", 1), big); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := b.FinishMiniRun(); err != nil {
		t.Fatalf("FinishMiniRun failed: %v", err)
	}
	handles, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read segment file failed: %v", err)
	}
	reader, err := OpenRun(data, handles[0])
	if err != nil {
		t.Fatalf("OpenRun failed: %v", err)
	}
	val, _, found := reader.Get([]byte("k"), types.MaxSeq)
	if !found || len(val) != len(big) {
		t.Fatalf("expected decompressed value of length %d, got found=%v len=%d", len(big), found, len(val))
	}
}

func TestManager_PublishAndRead(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 8)
	defer m.Close()

	scratchPath := m.NewScratchPath()
	handle := buildOneRunSegment(t, scratchPath, [][2]string{{"k", "v"}})

	seg, err := m.Publish(scratchPath, []RunHandle{handle})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	reader, err := m.OpenForRead(seg.ID, handle)
	if err != nil {
		t.Fatalf("OpenForRead failed: %v", err)
	}
	defer m.Release(seg.ID)

	val, ik, found := reader.Get([]byte("k"), types.MaxSeq)
	if !found || string(val) != "v" {
		t.Fatalf("expected to find k=v, found=%v val=%q ik=%q", found, val, ik)
	}

	if m.ApproximateSize() != seg.Size {
		t.Fatalf("expected approximate size %d, got %d", seg.Size, m.ApproximateSize())
	}
}

func TestManager_InvalidationAndRemoval(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 8)
	defer m.Close()

	scratchPath := m.NewScratchPath()
	handle := buildOneRunSegment(t, scratchPath, [][2]string{{"k", "v"}})
	seg, err := m.Publish(scratchPath, []RunHandle{handle})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	m.MarkInvalidated(seg.ID, 0, 100)
	most := m.GetMostInvalidatedSegments(1)
	if len(most) != 1 || most[0].ID != seg.ID {
		t.Fatalf("expected segment %d to be most invalidated, got %+v", seg.ID, most)
	}

	if err := m.Remove(seg.ID); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if m.Get(seg.ID) != nil {
		t.Fatal("expected segment to be gone after removal")
	}
}

func TestManager_ForEachSegmentAscendingOrder(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 8)
	defer m.Close()

	for i := 0; i < 3; i++ {
		scratchPath := m.NewScratchPath()
		handle := buildOneRunSegment(t, scratchPath, [][2]string{{"k", "v"}})
		if _, err := m.Publish(scratchPath, []RunHandle{handle}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	var ids []uint64
	m.ForEachSegment(func(s *Segment) bool {
		ids = append(ids, s.ID)
		return true
	})
	if len(ids) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(ids))
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("expected ascending ids, got %v", ids)
		}
	}
}
