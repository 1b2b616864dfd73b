// Package pmarena implements the PM Arena: a fixed-size persistent-memory
// region, file-backed and memory-mapped, carved into fixed-size
// sub-arenas that memtables use as their append-only entry store.
//
// The mapping itself is grounded on the read-only mmap cache used
// elsewhere in this lineage for segment key files; here it is widened to
// a single long-lived writable MAP_SHARED mapping, since the PM Arena
// backs live writes rather than a read cache.
package pmarena

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"lsmdb/internal/common"
)

// Arena owns one memory-mapped backing file and carves it into
// contiguous, non-overlapping sub-arenas.
type Arena struct {
	mu sync.Mutex

	path string
	file *os.File
	data []byte // the whole mmapped region
	size int64

	cursor int64 // next free byte offset for allocate()
}

// Open creates (or reuses) the backing file at path, sized to size bytes,
// and maps it PROT_READ|PROT_WRITE, MAP_SHARED.
func Open(path string, size int64) (*Arena, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("%w: open PM backing file: %v", common.ErrIOError, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat PM backing file: %v", common.ErrIOError, err)
	}
	if info.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: grow PM backing file: %v", common.ErrIOError, err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap PM backing file: %v", common.ErrIOError, err)
	}

	return &Arena{
		path: path,
		file: f,
		data: data,
		size: size,
	}, nil
}

// Close unmaps the region and closes the backing file. It does not
// delete the file: the whole point of PM is that its contents survive.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	if a.data != nil {
		if err := unix.Munmap(a.data); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: munmap: %v", common.ErrIOError, err)
		}
		a.data = nil
	}
	if a.file != nil {
		if err := a.file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: close PM backing file: %v", common.ErrIOError, err)
		}
		a.file = nil
	}
	return firstErr
}

// Allocate carves a fresh sub-arena of size bytes starting at the
// arena's current write cursor, initializing its header to zero.
func (a *Arena) Allocate(size int64) (*SubArena, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cursor+size > a.size {
		return nil, fmt.Errorf("%w: PM arena exhausted (cursor=%d size=%d capacity=%d)",
			common.ErrOutOfMemory, a.cursor, size, a.size)
	}

	base := a.cursor
	a.cursor += size

	sub := &SubArena{
		arena: a,
		base:  base,
		size:  size,
	}
	sub.writeHeader(0, 0)
	return sub, nil
}

// Reallocate reattaches a SubArena view over an already-populated region
// of the backing file, for use during recovery. It does not reset the
// header.
func (a *Arena) Reallocate(base, size int64) (*SubArena, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if base < 0 || base+size > a.size {
		return nil, fmt.Errorf("%w: sub-arena region out of bounds", common.ErrCorruption)
	}
	if base+size > a.cursor {
		a.cursor = base + size
	}

	return &SubArena{
		arena: a,
		base:  base,
		size:  size,
	}, nil
}

// GetNvmInfo returns an ASCII comma-separated snapshot of the arena's
// current sub-arena layout, matching the "<seed>.log" record format:
// "n,base_1,len_1,base_2,len_2,...,base_n,len_n".
func (a *Arena) GetNvmInfo(subArenas []*SubArena) []byte {
	out := fmt.Sprintf("%d", len(subArenas))
	for _, s := range subArenas {
		out += fmt.Sprintf(",%d,%d", s.base, s.size)
	}
	return []byte(out)
}

// Recovery reattaches sub-arenas for every (base, size) pair and returns
// them in the order given, matching the CSV layout record's order.
func (a *Arena) Recovery(layout []struct{ Base, Size int64 }) ([]*SubArena, error) {
	subs := make([]*SubArena, 0, len(layout))
	for _, l := range layout {
		sub, err := a.Reallocate(l.Base, l.Size)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (a *Arena) bytesAt(off, n int64) []byte {
	return a.data[off : off+n]
}

// headerFieldOffsets within a sub-arena's 16-byte header.
const (
	headerLiveCountOffset   = 0
	headerWriteCursorOffset = 8
)

func (a *Arena) readHeaderField(base int64, fieldOffset int64) uint64 {
	b := a.bytesAt(base+fieldOffset, 8)
	return binary.LittleEndian.Uint64(b)
}

func (a *Arena) writeHeaderField(base int64, fieldOffset int64, v uint64) {
	b := a.bytesAt(base+fieldOffset, 8)
	binary.LittleEndian.PutUint64(b, v)
}
