// Package batch implements WriteBatch: a sequence of puts and deletes
// applied together as one atomic unit, the only multi-key transaction
// shape this repository supports (per-key writes beyond a single batch
// are not atomic with each other).
package batch

import "lsmdb/internal/common"

// Key and Value are narrowed to []byte here rather than importing
// pkg/types, since a batch is pure data with no sequence number of its
// own yet — Store.Write assigns consecutive sequence numbers to each
// op as it applies the batch.
type op struct {
	key   []byte
	value []byte
	vt    common.ValueType
}

// WriteBatch groups multiple mutations applied together as one unit.
type WriteBatch interface {
	Put(key, value []byte)
	Delete(key []byte)
	Clear()
	Count() int
}

// Batch is the concrete WriteBatch implementation: an ordered list of
// ops, replayed in order by Store.Write.
type Batch struct {
	ops []op
}

// New returns an empty batch.
func New() *Batch {
	return &Batch{}
}

// Put stages a value write. key and value are copied.
func (b *Batch) Put(key, value []byte) {
	b.ops = append(b.ops, op{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
		vt:    common.TypeValue,
	})
}

// Delete stages a tombstone write. key is copied.
func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, op{
		key: append([]byte(nil), key...),
		vt:  common.TypeDeletion,
	})
}

// Clear discards every staged op, letting the batch be reused.
func (b *Batch) Clear() {
	b.ops = b.ops[:0]
}

// Count returns the number of staged ops.
func (b *Batch) Count() int {
	return len(b.ops)
}

// ForEach visits every staged op in batch order, stopping early if fn
// returns an error.
func (b *Batch) ForEach(fn func(key, value []byte, vt common.ValueType) error) error {
	for _, o := range b.ops {
		if err := fn(o.key, o.value, o.vt); err != nil {
			return err
		}
	}
	return nil
}
