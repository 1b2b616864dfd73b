package lie

import "testing"

func TestEmpty(t *testing.T) {
	if !Empty(nil) {
		t.Fatal("expected nil entry to be empty")
	}
	if !Empty(&LeafIndexEntry{}) {
		t.Fatal("expected entry with no runs to be empty")
	}
	e := &LeafIndexEntry{Runs: []MiniRunHandle{{SegmentID: 1}}}
	if Empty(e) {
		t.Fatal("expected entry with a run to be non-empty")
	}
}

func TestGetNumMiniRunsAndDataSize(t *testing.T) {
	e := &LeafIndexEntry{Runs: []MiniRunHandle{
		{SegmentID: 1, DataSize: 100},
		{SegmentID: 2, DataSize: 200},
	}}
	if GetNumMiniRuns(e) != 2 {
		t.Fatalf("expected 2 runs, got %d", GetNumMiniRuns(e))
	}
	if GetLeafDataSize(e) != 300 {
		t.Fatalf("expected total size 300, got %d", GetLeafDataSize(e))
	}
	if GetNumMiniRuns(nil) != 0 || GetLeafDataSize(nil) != 0 {
		t.Fatal("expected nil entry to report zero runs and zero size")
	}
}

func TestAppendMiniRunIndexEntry(t *testing.T) {
	e := &LeafIndexEntry{}
	AppendMiniRunIndexEntry(e, MiniRunHandle{SegmentID: 1})
	AppendMiniRunIndexEntry(e, MiniRunHandle{SegmentID: 2})
	if len(e.Runs) != 2 || e.Runs[0].SegmentID != 1 || e.Runs[1].SegmentID != 2 {
		t.Fatalf("unexpected runs after append: %+v", e.Runs)
	}
}

func TestRemoveMiniRunRange(t *testing.T) {
	e := &LeafIndexEntry{Runs: []MiniRunHandle{
		{SegmentID: 1}, {SegmentID: 2}, {SegmentID: 3},
	}}
	if err := RemoveMiniRunRange(e, 1, 2); err != nil {
		t.Fatalf("RemoveMiniRunRange failed: %v", err)
	}
	if len(e.Runs) != 2 || e.Runs[0].SegmentID != 1 || e.Runs[1].SegmentID != 3 {
		t.Fatalf("unexpected runs after removal: %+v", e.Runs)
	}

	if err := RemoveMiniRunRange(e, 5, 6); err == nil {
		t.Fatal("expected an error for an out-of-range removal")
	}
}

func TestReplaceMiniRunRange(t *testing.T) {
	e := &LeafIndexEntry{Runs: []MiniRunHandle{
		{SegmentID: 1}, {SegmentID: 2}, {SegmentID: 3},
	}}
	replacement := []MiniRunHandle{{SegmentID: 99}}
	if err := ReplaceMiniRunRange(e, 0, 2, replacement); err != nil {
		t.Fatalf("ReplaceMiniRunRange failed: %v", err)
	}
	if len(e.Runs) != 2 || e.Runs[0].SegmentID != 99 || e.Runs[1].SegmentID != 3 {
		t.Fatalf("unexpected runs after replace: %+v", e.Runs)
	}
}

func TestForEachMiniRunIndexEntryOrderAndEarlyExit(t *testing.T) {
	e := &LeafIndexEntry{Runs: []MiniRunHandle{
		{SegmentID: 1}, {SegmentID: 2}, {SegmentID: 3},
	}}

	var seen []uint64
	ForEachMiniRunIndexEntry(e, func(i int, mre MiniRunHandle) bool {
		seen = append(seen, mre.SegmentID)
		return mre.SegmentID != 2
	})
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("expected forward walk to stop after segment 2, got %v", seen)
	}

	var rev []uint64
	ForEachMiniRunIndexEntryReverse(e, func(i int, mre MiniRunHandle) bool {
		rev = append(rev, mre.SegmentID)
		return true
	})
	if len(rev) != 3 || rev[0] != 3 || rev[1] != 2 || rev[2] != 1 {
		t.Fatalf("expected reverse walk newest-first, got %v", rev)
	}
}
