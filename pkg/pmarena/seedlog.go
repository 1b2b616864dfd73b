package pmarena

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"lukechampine.com/blake3"

	"lsmdb/internal/common"
)

// SeedLog manages the CURRENT pointer and the numbered "<seed>.log"
// records that capture a sub-arena layout snapshot, per the on-disk
// layout in the specification's external interfaces section.
//
// CURRENT holds two lines: the seed number, and a hex BLAKE3 digest of
// the record it names. The digest is this repository's resolution of an
// open ambiguity in the original design (SPEC_FULL.md §3): a corrupt seed
// log is detected on recovery instead of being silently replayed.
type SeedLog struct {
	mu  sync.Mutex
	dir string
}

// NewSeedLog returns a SeedLog rooted at dir (the database directory).
func NewSeedLog(dir string) *SeedLog {
	return &SeedLog{dir: dir}
}

// Write appends a new seed record describing layout and atomically
// republishes CURRENT to point at it. Layout is a flat
// [base_1, len_1, base_2, len_2, ...] slice in last-immutable...active
// order.
func (l *SeedLog) Write(layout []int64) (seed uint64, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seed, err = l.nextSeed()
	if err != nil {
		return 0, err
	}

	record := encodeLayout(layout)
	logPath := filepath.Join(l.dir, fmt.Sprintf("%d.log", seed))
	if err := os.WriteFile(logPath, record, 0600); err != nil {
		return 0, fmt.Errorf("%w: write seed log: %v", common.ErrIOError, err)
	}

	digest := blake3.Sum256(record)
	currentContents := fmt.Sprintf("%d\n%x\n", seed, digest[:])

	tmp := filepath.Join(l.dir, common.CurrentFileName+".tmp")
	if err := os.WriteFile(tmp, []byte(currentContents), 0600); err != nil {
		return 0, fmt.Errorf("%w: write CURRENT tmp: %v", common.ErrIOError, err)
	}
	if err := os.Rename(tmp, filepath.Join(l.dir, common.CurrentFileName)); err != nil {
		return 0, fmt.Errorf("%w: publish CURRENT: %v", common.ErrIOError, err)
	}
	if err := syncDir(l.dir); err != nil {
		return 0, err
	}

	return seed, nil
}

// Read loads CURRENT, verifies the named record's digest, and returns
// the decoded layout. It returns common.ErrNotFound if no CURRENT file
// exists yet (a brand-new database directory).
func (l *SeedLog) Read() ([]int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	currentPath := filepath.Join(l.dir, common.CurrentFileName)
	data, err := os.ReadFile(currentPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("%w: read CURRENT: %v", common.ErrIOError, err)
	}

	lines := strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)
	if len(lines) != 2 {
		return nil, fmt.Errorf("%w: malformed CURRENT", common.ErrCorruption)
	}
	seed, err := strconv.ParseUint(lines[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed CURRENT seed: %v", common.ErrCorruption, err)
	}
	wantDigestHex := strings.TrimSpace(lines[1])

	logPath := filepath.Join(l.dir, fmt.Sprintf("%d.log", seed))
	record, err := os.ReadFile(logPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read seed log %d: %v", common.ErrCorruption, seed, err)
	}

	gotDigest := blake3.Sum256(record)
	if fmt.Sprintf("%x", gotDigest[:]) != wantDigestHex {
		return nil, fmt.Errorf("%w: seed log %d digest mismatch", common.ErrCorruption, seed)
	}

	return decodeLayout(record)
}

func (l *SeedLog) nextSeed() (uint64, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0, fmt.Errorf("%w: list database directory: %v", common.ErrIOError, err)
	}
	maxSeed := uint64(1) // seeds start at 1; 0 is never handed out
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".log") {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(name, ".log"), 10, 64)
		if err != nil {
			continue
		}
		if n >= maxSeed {
			maxSeed = n + 1
		}
	}
	return maxSeed, nil
}

// encodeLayout renders "n,base_1,len_1,...,base_n,len_n".
func encodeLayout(layout []int64) []byte {
	n := len(layout) / 2
	parts := make([]string, 0, 1+len(layout))
	parts = append(parts, strconv.Itoa(n))
	for _, v := range layout {
		parts = append(parts, strconv.FormatInt(v, 10))
	}
	return []byte(strings.Join(parts, ","))
}

func decodeLayout(record []byte) ([]int64, error) {
	fields := strings.Split(strings.TrimSpace(string(record)), ",")
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty seed log record", common.ErrCorruption)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, fmt.Errorf("%w: malformed seed log count: %v", common.ErrCorruption, err)
	}
	if len(fields) != 1+2*n {
		return nil, fmt.Errorf("%w: seed log field count mismatch", common.ErrCorruption)
	}
	layout := make([]int64, 2*n)
	for i := 0; i < 2*n; i++ {
		v, err := strconv.ParseInt(fields[1+i], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed seed log field: %v", common.ErrCorruption, err)
		}
		layout[i] = v
	}
	return layout, nil
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("%w: open directory for fsync: %v", common.ErrIOError, err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: fsync directory: %v", common.ErrIOError, err)
	}
	return nil
}
