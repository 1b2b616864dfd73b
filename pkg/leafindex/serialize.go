package leafindex

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"lsmdb/internal/common"
	"lsmdb/pkg/lie"
)

// encodeEntry serializes a LeafIndexEntry as
// [varint runCount]{[varint segmentID][varint runSeq][varint dataSize][varint numEntries]}*
// the value stored under a leaf's max-key in the leaf index's memtable.
func encodeEntry(e *lie.LeafIndexEntry) []byte {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte

	n := binary.PutUvarint(tmp[:], uint64(len(e.Runs)))
	buf.Write(tmp[:n])
	for _, r := range e.Runs {
		n = binary.PutUvarint(tmp[:], r.SegmentID)
		buf.Write(tmp[:n])
		n = binary.PutUvarint(tmp[:], uint64(r.RunSeq))
		buf.Write(tmp[:n])
		n = binary.PutUvarint(tmp[:], uint64(r.DataSize))
		buf.Write(tmp[:n])
		n = binary.PutUvarint(tmp[:], uint64(r.NumEntries))
		buf.Write(tmp[:n])
	}
	return buf.Bytes()
}

func decodeEntry(data []byte) (*lie.LeafIndexEntry, error) {
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, fmt.Errorf("%w: malformed leaf index entry run count", common.ErrCorruption)
	}
	off := n

	runs := make([]lie.MiniRunHandle, 0, count)
	for i := uint64(0); i < count; i++ {
		segID, n1 := binary.Uvarint(data[off:])
		if n1 <= 0 {
			return nil, fmt.Errorf("%w: malformed leaf index entry segment id", common.ErrCorruption)
		}
		off += n1

		runSeq, n2 := binary.Uvarint(data[off:])
		if n2 <= 0 {
			return nil, fmt.Errorf("%w: malformed leaf index entry run sequence", common.ErrCorruption)
		}
		off += n2

		dataSize, n3 := binary.Uvarint(data[off:])
		if n3 <= 0 {
			return nil, fmt.Errorf("%w: malformed leaf index entry data size", common.ErrCorruption)
		}
		off += n3

		numEntries, n4 := binary.Uvarint(data[off:])
		if n4 <= 0 {
			return nil, fmt.Errorf("%w: malformed leaf index entry entry count", common.ErrCorruption)
		}
		off += n4

		runs = append(runs, lie.MiniRunHandle{
			SegmentID:  segID,
			RunSeq:     int(runSeq),
			DataSize:   int64(dataSize),
			NumEntries: int64(numEntries),
		})
	}

	return &lie.LeafIndexEntry{Runs: runs}, nil
}
