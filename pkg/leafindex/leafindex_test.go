package leafindex

import (
	"path/filepath"
	"testing"

	"lsmdb/pkg/lie"
	"lsmdb/pkg/types"
)

func newTestLeafIndex(t *testing.T) *LeafIndex {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "leaf_index")
	li, err := Open(dir, 4<<20, true, 0.01)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { li.Close() })
	return li
}

func TestLeafIndex_PutAndLookup(t *testing.T) {
	li := newTestLeafIndex(t)

	entry := &lie.LeafIndexEntry{Runs: []lie.MiniRunHandle{{SegmentID: 1, RunSeq: 0, DataSize: 10, NumEntries: 1}}}
	if err := li.PutLeaf([]byte("m"), entry); err != nil {
		t.Fatalf("PutLeaf failed: %v", err)
	}

	got, found, err := li.Lookup([]byte("m"), types.MaxSeq)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if !found || len(got.Runs) != 1 || got.Runs[0].SegmentID != 1 {
		t.Fatalf("unexpected lookup result: found=%v got=%+v", found, got)
	}
}

func TestLeafIndex_DeleteLeafHidesIt(t *testing.T) {
	li := newTestLeafIndex(t)

	entry := &lie.LeafIndexEntry{Runs: []lie.MiniRunHandle{{SegmentID: 1}}}
	if err := li.PutLeaf([]byte("m"), entry); err != nil {
		t.Fatalf("PutLeaf failed: %v", err)
	}
	if err := li.DeleteLeaf([]byte("m")); err != nil {
		t.Fatalf("DeleteLeaf failed: %v", err)
	}

	_, found, err := li.Lookup([]byte("m"), types.MaxSeq)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if found {
		t.Fatal("expected leaf to be hidden after deletion")
	}
}

func TestLeafIndex_FindLeafReturnsCeiling(t *testing.T) {
	li := newTestLeafIndex(t)

	for _, k := range []string{"c", "m", "z"} {
		entry := &lie.LeafIndexEntry{Runs: []lie.MiniRunHandle{{SegmentID: 1}}}
		if err := li.PutLeaf([]byte(k), entry); err != nil {
			t.Fatalf("PutLeaf(%s) failed: %v", k, err)
		}
	}

	maxKey, _, found, err := li.FindLeaf([]byte("e"))
	if err != nil {
		t.Fatalf("FindLeaf failed: %v", err)
	}
	if !found || string(maxKey) != "m" {
		t.Fatalf("expected FindLeaf(e) to land on leaf m, got found=%v maxKey=%q", found, maxKey)
	}

	_, _, found, err = li.FindLeaf([]byte("zz"))
	if err != nil {
		t.Fatalf("FindLeaf failed: %v", err)
	}
	if found {
		t.Fatal("expected no leaf to own a key past every max-key")
	}
}

func TestLeafIndex_ForEachLeafAscendingSkipsOlderVersionsAndTombstones(t *testing.T) {
	li := newTestLeafIndex(t)

	if err := li.PutLeaf([]byte("b"), &lie.LeafIndexEntry{Runs: []lie.MiniRunHandle{{SegmentID: 1}}}); err != nil {
		t.Fatalf("PutLeaf failed: %v", err)
	}
	if err := li.PutLeaf([]byte("b"), &lie.LeafIndexEntry{Runs: []lie.MiniRunHandle{{SegmentID: 2}}}); err != nil {
		t.Fatalf("PutLeaf failed: %v", err)
	}
	if err := li.PutLeaf([]byte("a"), &lie.LeafIndexEntry{Runs: []lie.MiniRunHandle{{SegmentID: 3}}}); err != nil {
		t.Fatalf("PutLeaf failed: %v", err)
	}
	if err := li.PutLeaf([]byte("d"), &lie.LeafIndexEntry{Runs: []lie.MiniRunHandle{{SegmentID: 4}}}); err != nil {
		t.Fatalf("PutLeaf failed: %v", err)
	}
	if err := li.DeleteLeaf([]byte("d")); err != nil {
		t.Fatalf("DeleteLeaf failed: %v", err)
	}

	var seen []string
	err := li.ForEachLeaf(func(leafMaxKey []byte, entry *lie.LeafIndexEntry) bool {
		seen = append(seen, string(leafMaxKey))
		return true
	})
	if err != nil {
		t.Fatalf("ForEachLeaf failed: %v", err)
	}
	if len(seen) != 2 || seen[0] != "a" || seen[1] != "b" {
		t.Fatalf("expected ascending leaves [a b] with d tombstoned out, got %v", seen)
	}
}
