package pmarena

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"lsmdb/internal/common"
)

// SubArena is an append-only byte buffer carved out of an Arena. Its
// first common.SubArenaHeaderSize bytes hold a header of
// [u64 live_count][u64 write_cursor]; entries are packed densely after
// that. The header is updated on every Insert so that, on crash
// recovery, replaying exactly live_count complete entries from the base
// up to write_cursor reconstructs the memtable's DRAM index.
type SubArena struct {
	arena *Arena
	base  int64 // absolute offset into the arena's backing file
	size  int64 // total capacity of this sub-arena, header included

	refcount int32
}

// Address is a stable offset into the arena's backing file identifying
// one entry's start. It survives remapping because it is a byte offset,
// not a pointer.
type Address int64

// GetBeginAddress returns the sub-arena's base offset: the start of its
// header, which recovery uses to locate it. Entries begin
// common.SubArenaHeaderSize bytes after this address.
func (s *SubArena) GetBeginAddress() Address {
	return Address(s.base)
}

// Size returns the sub-arena's total capacity, header included.
func (s *SubArena) Size() int64 {
	return s.size
}

func (s *SubArena) writeHeader(liveCount, writeCursor uint64) {
	s.arena.writeHeaderField(s.base, headerLiveCountOffset, liveCount)
	s.arena.writeHeaderField(s.base, headerWriteCursorOffset, writeCursor)
}

// GetCounter returns the header's live-entry count.
func (s *SubArena) GetCounter() uint64 {
	return s.arena.readHeaderField(s.base, headerLiveCountOffset)
}

// UpdateCounter overwrites the header's live-entry count.
func (s *SubArena) UpdateCounter(n uint64) {
	s.arena.writeHeaderField(s.base, headerLiveCountOffset, n)
}

// GetIndex returns the header's write-cursor field, i.e. the number of
// entry bytes appended since the sub-arena was last reset (not counting
// the header itself).
func (s *SubArena) GetIndex() uint64 {
	return s.arena.readHeaderField(s.base, headerWriteCursorOffset)
}

// UpdateIndex overwrites the header's write-cursor field.
func (s *SubArena) UpdateIndex(offset uint64) {
	s.arena.writeHeaderField(s.base, headerWriteCursorOffset, offset)
}

// Insert copies entry into the sub-arena at the current write cursor,
// bumps the cursor and live-entry counter in the header, and returns the
// entry's stable address. The header update happens after the payload
// bytes are in place, so a reader that observes live_count == N can trust
// that N complete entries exist.
func (s *SubArena) Insert(entry []byte) (Address, error) {
	cursor := s.GetIndex()
	offset := int64(common.SubArenaHeaderSize) + int64(cursor)
	if offset+int64(len(entry)) > s.size {
		return 0, fmt.Errorf("%w: sub-arena full (cursor=%d needed=%d capacity=%d)",
			common.ErrOutOfMemory, cursor, len(entry), s.size)
	}

	dst := s.arena.bytesAt(s.base+offset, int64(len(entry)))
	copy(dst, entry)

	addr := Address(s.base + offset)

	s.UpdateIndex(cursor + uint64(len(entry)))
	s.UpdateCounter(s.GetCounter() + 1)

	return addr, nil
}

// ReadEntryAt reads back exactly n bytes starting at addr. Callers that
// know the varint-prefixed entry format should use Reader instead.
func (s *SubArena) ReadEntryAt(addr Address, n int64) []byte {
	return s.arena.bytesAt(int64(addr), n)
}

// Reader exposes a cursor-based view for decoding varint-length-prefixed
// entries without copying, used by Recovery and by the memtable when
// re-reading entries by address.
type Reader struct {
	data []byte
}

// NewReaderFrom constructs a Reader beginning at the given absolute
// address and extending through the remainder of the arena's mapped
// region. The memtable decodes one entry's worth and stops.
func (s *SubArena) NewReaderFrom(addr Address) *Reader {
	return &Reader{data: s.arena.bytesAt(int64(addr), s.arena.size-int64(addr))}
}

// ReadEntry decodes one [varint klen][key][varint vlen][value] entry
// starting at the reader's current position, returning the key, value,
// and total bytes consumed.
func (r *Reader) ReadEntry() (key, value []byte, consumed int, err error) {
	klen, n1 := binary.Uvarint(r.data)
	if n1 <= 0 {
		return nil, nil, 0, fmt.Errorf("%w: malformed key length varint", common.ErrCorruption)
	}
	off := n1
	if off+int(klen) > len(r.data) {
		return nil, nil, 0, fmt.Errorf("%w: truncated internal key", common.ErrCorruption)
	}
	key = r.data[off : off+int(klen)]
	off += int(klen)

	vlen, n2 := binary.Uvarint(r.data[off:])
	if n2 <= 0 {
		return nil, nil, 0, fmt.Errorf("%w: malformed value length varint", common.ErrCorruption)
	}
	off += n2
	if off+int(vlen) > len(r.data) {
		return nil, nil, 0, fmt.Errorf("%w: truncated value", common.ErrCorruption)
	}
	value = r.data[off : off+int(vlen)]
	off += int(vlen)

	return key, value, off, nil
}

// EncodeEntry packs an internal key and value into the PM entry wire
// format: [varint klen][key][varint vlen][value].
func EncodeEntry(internalKey, value []byte) []byte {
	buf := make([]byte, 0, binary.MaxVarintLen64*2+len(internalKey)+len(value))
	var tmp [binary.MaxVarintLen64]byte

	n := binary.PutUvarint(tmp[:], uint64(len(internalKey)))
	buf = append(buf, tmp[:n]...)
	buf = append(buf, internalKey...)

	n = binary.PutUvarint(tmp[:], uint64(len(value)))
	buf = append(buf, tmp[:n]...)
	buf = append(buf, value...)

	return buf
}

// Ref increments the sub-arena's reference count. Called by readers
// (under the owning memtable's mutex, per the concurrency model) before
// using the arena so it is not freed out from under them.
func (s *SubArena) Ref() {
	atomic.AddInt32(&s.refcount, 1)
}

// Unref decrements the reference count and reports whether it reached
// zero, at which point the caller (the owning memtable) should release
// the sub-arena. This repository does not physically reclaim PM bytes on
// Unref (the arena is append-only for its whole lifetime) — Unref here
// only signals that no Memtable retains this SubArena for reads, so
// higher layers may drop their reference to the in-memory handle.
func (s *SubArena) Unref() bool {
	return atomic.AddInt32(&s.refcount, -1) == 0
}

// RefCount returns the current reference count, for tests and
// diagnostics.
func (s *SubArena) RefCount() int32 {
	return atomic.LoadInt32(&s.refcount)
}
