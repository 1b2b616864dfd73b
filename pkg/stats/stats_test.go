package stats

import "testing"

func TestStore_RecordReadIncreasesHotness(t *testing.T) {
	s := New()
	s.SetNumRuns([]byte("leaf"), 2)
	s.RecordRead([]byte("leaf"))
	first := s.TopHotLeaves(10)[0].ReadHotness

	s.RecordRead([]byte("leaf"))
	second := s.TopHotLeaves(10)[0].ReadHotness

	if second <= first {
		t.Fatalf("expected read hotness to keep rising toward 1, got first=%v second=%v", first, second)
	}
	if second >= 1 {
		t.Fatalf("expected EWMA to stay strictly below 1, got %v", second)
	}
}

func TestStore_DecayCoolsDownQuietLeaves(t *testing.T) {
	s := New()
	s.SetNumRuns([]byte("leaf"), 2)
	s.RecordRead([]byte("leaf"))
	before := s.TopHotLeaves(10)[0].ReadHotness

	s.Decay()
	after := s.TopHotLeaves(10)[0].ReadHotness

	if after >= before {
		t.Fatalf("expected decay to cool hotness down, before=%v after=%v", before, after)
	}
}

func TestStore_TopHotLeavesExcludesSingleRunLeaves(t *testing.T) {
	s := New()
	s.SetNumRuns([]byte("hot"), 3)
	s.RecordRead([]byte("hot"))
	s.SetNumRuns([]byte("cold"), 1)
	s.RecordRead([]byte("cold"))

	top := s.TopHotLeaves(10)
	if len(top) != 1 || string(top[0].LeafMaxKey) != "hot" {
		t.Fatalf("expected only the multi-run leaf to be a candidate, got %+v", top)
	}
}

func TestStore_TopHotLeavesOrdersByReadHotnessDescending(t *testing.T) {
	s := New()
	s.SetNumRuns([]byte("a"), 2)
	s.SetNumRuns([]byte("b"), 2)

	s.RecordRead([]byte("a"))
	s.RecordRead([]byte("a"))
	s.RecordRead([]byte("a"))
	s.RecordRead([]byte("b"))

	top := s.TopHotLeaves(10)
	if len(top) != 2 || string(top[0].LeafMaxKey) != "a" {
		t.Fatalf("expected leaf a to rank above leaf b, got %+v", top)
	}
}

func TestStore_TopHotLeavesRespectsLimit(t *testing.T) {
	s := New()
	for _, k := range []string{"a", "b", "c"} {
		s.SetNumRuns([]byte(k), 2)
		s.RecordRead([]byte(k))
	}

	top := s.TopHotLeaves(2)
	if len(top) != 2 {
		t.Fatalf("expected TopHotLeaves(2) to return exactly 2 candidates, got %d", len(top))
	}
}

func TestStore_RemoveDropsLeaf(t *testing.T) {
	s := New()
	s.SetNumRuns([]byte("leaf"), 2)
	s.RecordRead([]byte("leaf"))
	s.Remove([]byte("leaf"))

	top := s.TopHotLeaves(10)
	if len(top) != 0 {
		t.Fatalf("expected no candidates after Remove, got %+v", top)
	}
}
