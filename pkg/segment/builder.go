package segment

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"

	"lsmdb/internal/common"
	"lsmdb/pkg/types"
)

// Builder accumulates one or more miniruns into a single append-only
// segment file, in the shape "[run data][run index]..." followed by a
// footer of RunHandle records. Callers drive it with
// StartMiniRun/Add/FinishMiniRun per run, then Finish once to
// publish the footer.
type Builder struct {
	file   *os.File
	w      *bufio.Writer
	cursor int64

	compress bool
	enc      *zstd.Encoder

	handles []RunHandle

	// state for the run currently being built
	building     bool
	dataBuf      bytes.Buffer
	indexEntries []runIndexEntry
	bloom        *bloomFilter

	// accessors for the most recently finished run
	finishedIndex     []byte
	finishedFilter    []byte
	finishedDataSize  int64
	finishedNumEntries int64
}

type runIndexEntry struct {
	key    []byte
	offset uint64
}

// NewBuilder opens path (typically a scratch file) for writing and
// returns a Builder over it. enableCompression wires the optional
// zstd block compression.
func NewBuilder(path string, enableCompression bool) (*Builder, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("%w: create segment scratch file: %v", common.ErrIOError, err)
	}

	b := &Builder{
		file:     f,
		w:        bufio.NewWriter(f),
		compress: enableCompression,
	}
	if enableCompression {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: init zstd encoder: %v", common.ErrIOError, err)
		}
		b.enc = enc
	}
	if err := writeCommonHeader(b.w, common.MagicSegmentFooter, common.VersionSegment); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: write segment header: %v", common.ErrIOError, err)
	}
	b.cursor = segmentHeaderSize
	return b, nil
}

// StartMiniRun begins accumulating a fresh run, sized to hold
// approximately expectedEntries for the run's bloom filter.
func (b *Builder) StartMiniRun(expectedEntries int, fpRate float64) {
	b.building = true
	b.dataBuf.Reset()
	b.indexEntries = b.indexEntries[:0]
	b.bloom = newBloomFilter(expectedEntries, fpRate)
}

// Add encodes one internal key and its value as
// [varint klen][internal_key][varint vlen][value] (the same wire shape
// pmarena.EncodeEntry produces) and appends it to the run currently
// being built. The run's bloom filter records the entry's user key,
// the key ProbeRun is asked about.
func (b *Builder) Add(internalKey, value []byte) error {
	if !b.building {
		return fmt.Errorf("%w: Add called without StartMiniRun", common.ErrInvalidArgument)
	}

	offset := uint64(b.dataBuf.Len())

	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(internalKey)))
	b.dataBuf.Write(tmp[:n])
	b.dataBuf.Write(internalKey)
	n = binary.PutUvarint(tmp[:], uint64(len(value)))
	b.dataBuf.Write(tmp[:n])
	b.dataBuf.Write(value)

	b.indexEntries = append(b.indexEntries, runIndexEntry{key: append([]byte(nil), internalKey...), offset: offset})
	b.bloom.add(types.InternalKey(internalKey).UserKey())
	return nil
}

// FinishMiniRun writes the accumulated run's data block and index
// block to the segment file and records its RunHandle. After it
// returns, GetFinishedIndexBlock/GetFinishedFilterBlock/
// GetFinishedRunDataSize describe the run just written.
func (b *Builder) FinishMiniRun() (RunHandle, error) {
	if !b.building {
		return RunHandle{}, fmt.Errorf("%w: FinishMiniRun called without StartMiniRun", common.ErrInvalidArgument)
	}
	b.building = false

	logicalSize := int64(b.dataBuf.Len())
	payload := b.dataBuf.Bytes()
	flag := compressionNone
	if b.compress && len(payload) > 0 {
		compressed := b.enc.EncodeAll(payload, nil)
		if len(compressed) < len(payload) {
			payload = compressed
			flag = compressionZstd
		}
	}

	dataStart := b.cursor
	if err := b.w.WriteByte(flag); err != nil {
		return RunHandle{}, fmt.Errorf("%w: write data block flag: %v", common.ErrIOError, err)
	}
	if _, err := b.w.Write(payload); err != nil {
		return RunHandle{}, fmt.Errorf("%w: write data block: %v", common.ErrIOError, err)
	}
	b.cursor += 1 + int64(len(payload))

	indexBlock := b.buildIndexBlock()
	indexStart := b.cursor
	if _, err := b.w.Write(indexBlock); err != nil {
		return RunHandle{}, fmt.Errorf("%w: write index block: %v", common.ErrIOError, err)
	}
	b.cursor += int64(len(indexBlock))

	handle := RunHandle{
		Start:           uint64(dataStart),
		LastBlockOffset: uint64(indexStart),
		LastBlockSize:   uint64(len(indexBlock)),
	}
	b.handles = append(b.handles, handle)

	b.finishedIndex = indexBlock
	b.finishedFilter = b.bloom.marshal()
	b.finishedDataSize = logicalSize
	b.finishedNumEntries = int64(len(b.indexEntries))

	return handle, nil
}

func (b *Builder) buildIndexBlock() []byte {
	var buf bytes.Buffer
	bloomBytes := b.bloom.marshal()
	var tmp [binary.MaxVarintLen64]byte

	n := binary.PutUvarint(tmp[:], uint64(len(bloomBytes)))
	buf.Write(tmp[:n])
	buf.Write(bloomBytes)

	n = binary.PutUvarint(tmp[:], uint64(len(b.indexEntries)))
	buf.Write(tmp[:n])
	for _, e := range b.indexEntries {
		n = binary.PutUvarint(tmp[:], uint64(len(e.key)))
		buf.Write(tmp[:n])
		buf.Write(e.key)
		n = binary.PutUvarint(tmp[:], e.offset)
		buf.Write(tmp[:n])
	}
	return buf.Bytes()
}

// GetFinishedIndexBlock returns the index block (bloom filter plus
// key/offset list) of the most recently finished run.
func (b *Builder) GetFinishedIndexBlock() []byte { return b.finishedIndex }

// GetFinishedFilterBlock returns the bloom filter bytes embedded in the
// most recently finished run's index block.
func (b *Builder) GetFinishedFilterBlock() []byte { return b.finishedFilter }

// GetFinishedRunDataSize returns the uncompressed data size of the most
// recently finished run, the figure lie.MiniRunHandle.DataSize tracks.
func (b *Builder) GetFinishedRunDataSize() int64 { return b.finishedDataSize }

// GetFinishedRunNumEntries returns the entry count of the most recently
// finished run.
func (b *Builder) GetFinishedRunNumEntries() int64 { return b.finishedNumEntries }

// Finish flushes buffered writes, writes the segment footer (every run
// handle plus its trailing length), fsyncs, and closes the file. It
// returns every RunHandle written, in call order.
func (b *Builder) Finish() ([]RunHandle, error) {
	footerStart := b.cursor
	for _, h := range b.handles {
		if err := writeRunHandle(b.w, h); err != nil {
			return nil, fmt.Errorf("%w: write footer handle: %v", common.ErrIOError, err)
		}
	}
	footerLen := uint64(len(b.handles)) * common.FooterRunHandleSize
	if err := binary.Write(b.w, binary.LittleEndian, footerLen); err != nil {
		return nil, fmt.Errorf("%w: write footer length: %v", common.ErrIOError, err)
	}
	_ = footerStart

	if err := b.w.Flush(); err != nil {
		return nil, fmt.Errorf("%w: flush segment file: %v", common.ErrIOError, err)
	}
	if err := b.file.Sync(); err != nil {
		return nil, fmt.Errorf("%w: fsync segment file: %v", common.ErrIOError, err)
	}
	if err := b.file.Close(); err != nil {
		return nil, fmt.Errorf("%w: close segment file: %v", common.ErrIOError, err)
	}

	return b.handles, nil
}
