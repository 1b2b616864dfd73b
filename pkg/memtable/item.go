package memtable

import (
	"lsmdb/pkg/pmarena"
	"lsmdb/pkg/types"
)

// indexedEntry pairs an internal key with the PM address of its
// physical entry. It is the element type of the sorted snapshot
// NewIterator materializes, the direct descendant of this lineage's
// Item value stored alongside every skip-list key.
type indexedEntry struct {
	key  types.InternalKey
	addr pmarena.Address
}
