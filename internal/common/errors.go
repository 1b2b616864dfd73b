// Package common holds sentinel errors and small constants shared across
// the storage engine's packages.
package common

import "errors"

var (
	// ErrNotFound reports that a named record is absent: no CURRENT seed
	// pointer yet, or a segment id the segment manager does not know.
	// Store.Get reports a key with no visible version as found == false
	// with a nil error, not as ErrNotFound.
	ErrNotFound = errors.New("lsmdb: not found")

	// ErrCorruption is returned when an on-disk or in-PM structure fails
	// to decode: a malformed tag, a torn footer, a bad magic number.
	ErrCorruption = errors.New("lsmdb: corruption")

	// ErrInvalidArgument is returned for invalid ranges or options.
	ErrInvalidArgument = errors.New("lsmdb: invalid argument")

	// ErrIOError wraps failures from the file or PM layer.
	ErrIOError = errors.New("lsmdb: io error")

	// ErrOutOfMemory is returned when the leaf index's PM sub-arena is
	// exhausted. Fatal: the caller should stop issuing writes.
	ErrOutOfMemory = errors.New("lsmdb: out of memory")

	// ErrClosed is the sentinel for an operation on a closed component.
	// No component in this module checks for closure or returns it.
	ErrClosed = errors.New("lsmdb: closed")

	// ErrBackgroundError is returned by writes/compaction triggers once a
	// background worker has recorded a fatal error; cleared only by
	// explicit recovery.
	ErrBackgroundError = errors.New("lsmdb: background compaction error")

	// ErrUnsupportedOperation replaces the "exceptions as control flow"
	// path in the original C++ source (e.g. Prev on an iterator that
	// cannot support it).
	ErrUnsupportedOperation = errors.New("lsmdb: unsupported operation")

	// ErrMemtableFull is returned by Memtable.Add once the write would
	// exceed the memtable's reserved capacity. The caller (store.Store)
	// seals the memtable and rotates in a fresh one; it is not a fatal
	// error.
	ErrMemtableFull = errors.New("lsmdb: memtable full")

	// ErrSealed is returned by Memtable.Add once the memtable has been
	// sealed for flushing and no longer accepts writes.
	ErrSealed = errors.New("lsmdb: memtable sealed")
)
