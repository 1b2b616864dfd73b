// Package segment implements the Segment Manager and the Segment
// (Minirun) Builder: packing sorted runs of entries into append-only
// segment files, and tracking which segments exist and how
// invalidated they are for garbage collection.
//
// The on-disk shape (a common magic+version header, length-prefixed
// blocks, and a trailing footer of fixed-size handle records) is the
// same one this repository's pack already uses for its own index
// files; the per-run index block borrows the older generation's
// linear-scan bloom filter design directly.
package segment

import (
	"encoding/binary"
	"fmt"
	"io"

	"lsmdb/internal/common"
)

// RunHandle locates one minirun within a segment file: the byte offset
// the run's data block starts at, and the offset/size of the run's
// trailing index block (which itself embeds the run's bloom filter).
type RunHandle struct {
	Start           uint64
	LastBlockOffset uint64
	LastBlockSize   uint64
}

func writeRunHandle(w io.Writer, h RunHandle) error {
	var buf [common.FooterRunHandleSize]byte
	binary.LittleEndian.PutUint64(buf[0:8], h.Start)
	binary.LittleEndian.PutUint64(buf[8:16], h.LastBlockOffset)
	binary.LittleEndian.PutUint64(buf[16:24], h.LastBlockSize)
	_, err := w.Write(buf[:])
	return err
}

func readRunHandle(b []byte) (RunHandle, error) {
	if len(b) < common.FooterRunHandleSize {
		return RunHandle{}, fmt.Errorf("%w: truncated run handle", common.ErrCorruption)
	}
	return RunHandle{
		Start:           binary.LittleEndian.Uint64(b[0:8]),
		LastBlockOffset: binary.LittleEndian.Uint64(b[8:16]),
		LastBlockSize:   binary.LittleEndian.Uint64(b[16:24]),
	}, nil
}

// segmentHeaderSize is the encoded size of the common magic+version
// header every segment file leads with.
const segmentHeaderSize = 6

// writeCommonHeader writes the 6-byte magic+version prefacing a
// segment file.
func writeCommonHeader(w io.Writer, magic uint32, version uint16) error {
	if err := binary.Write(w, binary.LittleEndian, magic); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, version)
}

func readCommonHeader(r io.Reader) (magic uint32, version uint16, err error) {
	if err = binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return
	}
	err = binary.Read(r, binary.LittleEndian, &version)
	return
}

const (
	compressionNone byte = 0
	compressionZstd byte = 1
)
