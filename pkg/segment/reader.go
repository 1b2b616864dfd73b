package segment

import (
	"bytes"
	"container/list"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sys/unix"

	"lsmdb/internal/common"
	"lsmdb/pkg/types"
)

// mmapCache lazily mmaps segment files for reading and bounds how many
// stay mapped at once, the same refcounted LRU shape this lineage's
// example pack uses for its own segment key files.
type mmapCache struct {
	mu      sync.Mutex
	maxSize int
	lru     *list.List
	entries map[uint64]*mmapCacheEntry
}

type mmapCacheEntry struct {
	id       uint64
	data     []byte
	refcount int32
	elem     *list.Element
}

func newMmapCache(maxSize int) *mmapCache {
	if maxSize <= 0 {
		maxSize = 128
	}
	return &mmapCache{
		maxSize: maxSize,
		lru:     list.New(),
		entries: make(map[uint64]*mmapCacheEntry),
	}
}

func (c *mmapCache) acquire(id uint64, path string, size int64) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[id]; ok {
		c.lru.MoveToFront(e.elem)
		atomic.AddInt32(&e.refcount, 1)
		return e.data, nil
	}

	c.evictLocked()

	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open segment file: %v", common.ErrIOError, err)
	}
	defer unix.Close(fd)

	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap segment file: %v", common.ErrIOError, err)
	}

	e := &mmapCacheEntry{id: id, data: data, refcount: 1}
	e.elem = c.lru.PushFront(e)
	c.entries[id] = e
	return data, nil
}

func (c *mmapCache) release(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		atomic.AddInt32(&e.refcount, -1)
	}
}

func (c *mmapCache) evictLocked() {
	for len(c.entries) >= c.maxSize {
		evicted := false
		for elem := c.lru.Back(); elem != nil; elem = elem.Prev() {
			e := elem.Value.(*mmapCacheEntry)
			if atomic.LoadInt32(&e.refcount) == 0 {
				c.removeLocked(e)
				evicted = true
				break
			}
		}
		if !evicted {
			return
		}
	}
}

func (c *mmapCache) removeLocked(e *mmapCacheEntry) {
	unix.Munmap(e.data)
	c.lru.Remove(e.elem)
	delete(c.entries, e.id)
}

func (c *mmapCache) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		unix.Munmap(e.data)
	}
	c.entries = make(map[uint64]*mmapCacheEntry)
	c.lru = list.New()
}

// RunReader decodes one minirun's entries given its RunHandle and the
// mmapped bytes of the segment file it lives in.
type RunReader struct {
	entries [][2][]byte // [internalKey, value]
	bloom   *bloomFilter
	pos     int
}

// OpenRun validates the segment file's common header, then decodes the
// data block and index block named by handle out of the segment file
// bytes.
func OpenRun(fileData []byte, handle RunHandle) (*RunReader, error) {
	if len(fileData) < segmentHeaderSize {
		return nil, fmt.Errorf("%w: segment file shorter than common header", common.ErrCorruption)
	}
	magic, version, err := readCommonHeader(bytes.NewReader(fileData[:segmentHeaderSize]))
	if err != nil {
		return nil, fmt.Errorf("%w: read segment header: %v", common.ErrCorruption, err)
	}
	if magic != common.MagicSegmentFooter || version != common.VersionSegment {
		return nil, fmt.Errorf("%w: segment file header mismatch", common.ErrCorruption)
	}

	if handle.LastBlockOffset+handle.LastBlockSize > uint64(len(fileData)) {
		return nil, fmt.Errorf("%w: run index block out of bounds", common.ErrCorruption)
	}
	indexBlock := fileData[handle.LastBlockOffset : handle.LastBlockOffset+handle.LastBlockSize]

	bloom, off, err := decodeBloomSection(indexBlock)
	if err != nil {
		return nil, err
	}

	count, n2 := binary.Uvarint(indexBlock[off:])
	if n2 <= 0 {
		return nil, fmt.Errorf("%w: malformed index block entry count", common.ErrCorruption)
	}
	off += n2

	if handle.Start >= uint64(len(fileData)) {
		return nil, fmt.Errorf("%w: run data block out of bounds", common.ErrCorruption)
	}
	flag := fileData[handle.Start]
	dataPayload := fileData[handle.Start+1 : handle.LastBlockOffset]
	if flag == compressionZstd {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("%w: init zstd decoder: %v", common.ErrIOError, err)
		}
		defer dec.Close()
		decoded, err := dec.DecodeAll(dataPayload, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: decompress run data block: %v", common.ErrCorruption, err)
		}
		dataPayload = decoded
	}

	entries := make([][2][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		keyLen, kn := binary.Uvarint(indexBlock[off:])
		if kn <= 0 {
			return nil, fmt.Errorf("%w: malformed index entry key length", common.ErrCorruption)
		}
		off += kn
		if off+int(keyLen) > len(indexBlock) {
			return nil, fmt.Errorf("%w: truncated index entry key", common.ErrCorruption)
		}
		off += int(keyLen)

		dataOffset, dn := binary.Uvarint(indexBlock[off:])
		if dn <= 0 {
			return nil, fmt.Errorf("%w: malformed index entry offset", common.ErrCorruption)
		}
		off += dn

		if int(dataOffset) >= len(dataPayload) {
			return nil, fmt.Errorf("%w: index entry offset out of bounds", common.ErrCorruption)
		}
		kLen, kn2 := binary.Uvarint(dataPayload[dataOffset:])
		if kn2 <= 0 {
			return nil, fmt.Errorf("%w: malformed entry key length", common.ErrCorruption)
		}
		p := int(dataOffset) + kn2
		key := dataPayload[p : p+int(kLen)]
		p += int(kLen)
		vLen, vn := binary.Uvarint(dataPayload[p:])
		if vn <= 0 {
			return nil, fmt.Errorf("%w: malformed entry value length", common.ErrCorruption)
		}
		p += vn
		value := dataPayload[p : p+int(vLen)]

		entries = append(entries, [2][]byte{key, value})
	}

	return &RunReader{entries: entries, bloom: bloom, pos: -1}, nil
}

// decodeBloomSection reads the varint-length-prefixed bloom filter
// bytes fronting a run's index block, returning the decoded filter and
// the offset of the first byte following it.
func decodeBloomSection(indexBlock []byte) (*bloomFilter, int, error) {
	bloomLen, n := binary.Uvarint(indexBlock)
	if n <= 0 {
		return nil, 0, fmt.Errorf("%w: malformed index block bloom length", common.ErrCorruption)
	}
	off := n + int(bloomLen)
	if off > len(indexBlock) {
		return nil, 0, fmt.Errorf("%w: truncated index block bloom", common.ErrCorruption)
	}
	return unmarshalBloom(indexBlock[n:off]), off, nil
}

// ProbeRun reports whether userKey might be present in the run named
// by handle, consulting only the run's serialized bloom filter without
// decoding its entries. A false result means userKey is definitely
// absent; a true result (or an error, fail open) means the run is
// still worth opening.
func ProbeRun(fileData []byte, handle RunHandle, userKey []byte) (bool, error) {
	if len(fileData) < segmentHeaderSize {
		return true, fmt.Errorf("%w: segment file shorter than common header", common.ErrCorruption)
	}
	if handle.LastBlockOffset+handle.LastBlockSize > uint64(len(fileData)) {
		return true, fmt.Errorf("%w: run index block out of bounds", common.ErrCorruption)
	}
	indexBlock := fileData[handle.LastBlockOffset : handle.LastBlockOffset+handle.LastBlockSize]
	bloom, _, err := decodeBloomSection(indexBlock)
	if err != nil {
		return true, err
	}
	return bloom.mayContain(userKey), nil
}

// SeekToFirst positions the run reader at its first entry.
func (r *RunReader) SeekToFirst() { r.pos = 0 }

// Next advances the run reader.
func (r *RunReader) Next() { r.pos++ }

// Valid reports whether the run reader currently points at an entry.
func (r *RunReader) Valid() bool { return r.pos >= 0 && r.pos < len(r.entries) }

// Key returns the current entry's raw internal key bytes.
func (r *RunReader) Key() []byte { return r.entries[r.pos][0] }

// Value returns the current entry's value.
func (r *RunReader) Value() []byte { return r.entries[r.pos][1] }

// Get performs a linear scan of the run for the given user key,
// returning the newest entry whose sequence number is <= maxSeq.
// Entries within a run sort user-key ascending then sequence
// descending, so the first matching entry at or below maxSeq is
// already the newest visible version. Miniruns are small (leaf
// sized), so this is cheap relative to a PM sub-arena scan and avoids
// requiring a second binary-search index format.
func (r *RunReader) Get(userKey []byte, maxSeq types.SeqN) (value []byte, internalKey []byte, found bool) {
	for _, e := range r.entries {
		ik := e[0]
		if len(ik) < 8 {
			continue
		}
		if !bytes.Equal(ik[:len(ik)-8], userKey) {
			continue
		}
		if types.InternalKey(ik).Seq() > maxSeq {
			continue
		}
		return e[1], ik, true
	}
	return nil, nil, false
}
