package pmarena

import (
	"errors"
	"path/filepath"
	"testing"

	"lsmdb/internal/common"
)

func TestArena_AllocateAndInsert(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arena.bin")
	arena, err := Open(path, 1<<20)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer arena.Close()

	sub, err := arena.Allocate(4096)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	entry := EncodeEntry([]byte("internal-key-1"), []byte("value-1"))
	addr, err := sub.Insert(entry)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	reader := sub.NewReaderFrom(addr)
	key, value, consumed, err := reader.ReadEntry()
	if err != nil {
		t.Fatalf("ReadEntry failed: %v", err)
	}
	if string(key) != "internal-key-1" || string(value) != "value-1" {
		t.Fatalf("unexpected entry: key=%q value=%q", key, value)
	}
	if consumed != len(entry) {
		t.Fatalf("expected to consume %d bytes, consumed %d", len(entry), consumed)
	}

	if sub.GetCounter() != 1 {
		t.Fatalf("expected live count 1, got %d", sub.GetCounter())
	}
}

func TestArena_InsertPastCapacityFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arena.bin")
	arena, err := Open(path, 1<<20)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer arena.Close()

	sub, err := arena.Allocate(common.SubArenaHeaderSize + 8)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	_, err = sub.Insert(make([]byte, 64))
	if err == nil {
		t.Fatal("expected an out-of-memory error for an oversized insert")
	}
}

func TestArena_ReallocateRecoversSameRegion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arena.bin")
	arena, err := Open(path, 1<<20)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer arena.Close()

	sub, err := arena.Allocate(4096)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	entry := EncodeEntry([]byte("k"), []byte("v"))
	if _, err := sub.Insert(entry); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	recovered, err := arena.Reallocate(int64(sub.GetBeginAddress()), sub.Size())
	if err != nil {
		t.Fatalf("Reallocate failed: %v", err)
	}
	if recovered.GetCounter() != 1 {
		t.Fatalf("expected recovered live count 1, got %d", recovered.GetCounter())
	}
}

func TestSeedLog_WriteAndRead(t *testing.T) {
	dir := t.TempDir()
	sl := NewSeedLog(dir)

	layout := []int64{0, 4096, 4096, 8192}
	seed, err := sl.Write(layout)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if seed == 0 {
		t.Fatal("expected a nonzero seed")
	}

	got, err := sl.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(got) != len(layout) {
		t.Fatalf("expected layout %v, got %v", layout, got)
	}
	for i := range layout {
		if got[i] != layout[i] {
			t.Fatalf("expected layout %v, got %v", layout, got)
		}
	}
}

func TestSeedLog_ReadWithoutCurrentIsNotFound(t *testing.T) {
	dir := t.TempDir()
	sl := NewSeedLog(dir)

	_, err := sl.Read()
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected ErrNotFound when CURRENT is absent, got %v", err)
	}
}
