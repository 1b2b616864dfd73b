package batch

import (
	"testing"

	"lsmdb/internal/common"
)

func TestBatch_PutAndDeleteOrderPreserved(t *testing.T) {
	b := New()
	b.Put([]byte("a"), []byte("1"))
	b.Delete([]byte("b"))
	b.Put([]byte("c"), []byte("3"))

	if b.Count() != 3 {
		t.Fatalf("expected 3 staged ops, got %d", b.Count())
	}

	var keys []string
	var types []common.ValueType
	err := b.ForEach(func(key, value []byte, vt common.ValueType) error {
		keys = append(keys, string(key))
		types = append(types, vt)
		return nil
	})
	if err != nil {
		t.Fatalf("ForEach failed: %v", err)
	}
	if len(keys) != 3 || keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("expected ops in staged order, got %v", keys)
	}
	if types[0] != common.TypeValue || types[1] != common.TypeDeletion || types[2] != common.TypeValue {
		t.Fatalf("unexpected value types: %v", types)
	}
}

func TestBatch_ClearResetsOps(t *testing.T) {
	b := New()
	b.Put([]byte("a"), []byte("1"))
	b.Clear()
	if b.Count() != 0 {
		t.Fatalf("expected 0 ops after Clear, got %d", b.Count())
	}
}

func TestBatch_PutCopiesKeyAndValue(t *testing.T) {
	b := New()
	key := []byte("a")
	value := []byte("1")
	b.Put(key, value)
	key[0] = 'z'
	value[0] = 'z'

	var gotKey, gotValue []byte
	_ = b.ForEach(func(k, v []byte, vt common.ValueType) error {
		gotKey, gotValue = k, v
		return nil
	})
	if string(gotKey) != "a" || string(gotValue) != "1" {
		t.Fatalf("expected batch to hold its own copy, got key=%q value=%q", gotKey, gotValue)
	}
}
