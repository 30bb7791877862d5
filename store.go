package docstore

import "context"

// Entry is a (key, value) pair returned by range queries.
type Entry[K comparable, V any] struct {
	Key   K
	Value V
}

// RangeOptions tweaks range and index-range queries. A nil *RangeOptions
// is valid and means defaults.
type RangeOptions struct {
	// Reverse flips the emitted order without changing the inclusive
	// bounds.
	Reverse bool
	// Limit caps the number of results; 0 means unlimited.
	Limit int
}

func (o *RangeOptions) reverse() bool {
	return o != nil && o.Reverse
}

func (o *RangeOptions) limit() int {
	if o == nil {
		return 0
	}
	return o.Limit
}

// Store is the uniform contract implemented by every backend. All range
// bounds are inclusive on both ends, ordered by the canonical composite
// key ordering. Absent records are never errors: Get reports absence via
// its bool, BatchGet omits absent keys, deletes of absent keys are no-ops.
//
// Backends are safe for concurrent use across different keys. Concurrent
// writes to the same key are last-writer-wins where the backend's native
// primitives are atomic (see the backend docs). Batch operations provide
// no cross-key atomicity; a concurrent reader may observe a partially
// applied batch.
type Store[K comparable, V any] interface {
	// Put upserts the record at key, fully overwriting any previous value.
	Put(ctx context.Context, key K, value V) error

	// BatchPut applies Put for every entry, with no cross-key atomicity.
	BatchPut(ctx context.Context, items map[K]V) error

	// Get retrieves the record at key; ok is false when absent.
	Get(ctx context.Context, key K) (value V, ok bool, err error)

	// BatchGet retrieves the given keys; absent keys are omitted from the
	// result, which is keyed by the caller's own key values.
	BatchGet(ctx context.Context, keys []K) (map[K]V, error)

	// GetRange returns the records whose keys fall in [start, end].
	GetRange(ctx context.Context, start, end K, opts *RangeOptions) ([]Entry[K, V], error)

	// GetRangeIterator is the lazy counterpart of GetRange. The iterator
	// is finite and not restartable; a fresh call re-executes the query.
	GetRangeIterator(ctx context.Context, start, end K, opts *RangeOptions) (*Iterator[Entry[K, V]], error)

	// GetByIndex returns, in no particular order, every value whose
	// fields match the projection named by the index key's schema.
	GetByIndex(ctx context.Context, indexKey any) ([]V, error)

	// GetByIndexRange returns every value whose projected index tuple
	// falls in [start, end], ordered by that tuple.
	GetByIndexRange(ctx context.Context, start, end any, opts *RangeOptions) ([]V, error)

	// GetIndexRangeIterator is the lazy counterpart of GetByIndexRange.
	GetIndexRangeIterator(ctx context.Context, start, end any, opts *RangeOptions) (*Iterator[V], error)

	// Delete removes the record at key, if any.
	Delete(ctx context.Context, key K) error

	// DeleteRange removes every record whose key falls in [start, end].
	DeleteRange(ctx context.Context, start, end K) error

	// CreateTable ensures the backing container exists. Idempotent.
	CreateTable(ctx context.Context) error

	// DropTable removes the backing container and all records in it.
	DropTable(ctx context.Context) error

	// Close releases backend handles. Safe to call multiple times.
	Close() error
}

// Iterator yields elements one at a time:
//
//	for it.Next() {
//		use(it.Item())
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator[T any] struct {
	fetch func() (T, bool, error)
	item  T
	err   error
	done  bool
}

func newIterator[T any](fetch func() (T, bool, error)) *Iterator[T] {
	return &Iterator[T]{fetch: fetch}
}

// mapIterator defers per-element decoding until the element is requested.
func mapIterator[S, T any](items []S, f func(S) (T, error)) *Iterator[T] {
	var i int
	return newIterator(func() (T, bool, error) {
		var zero T
		if i >= len(items) {
			return zero, false, nil
		}
		v, err := f(items[i])
		i++
		if err != nil {
			return zero, false, err
		}
		return v, true, nil
	})
}

func (it *Iterator[T]) Next() bool {
	if it.done {
		return false
	}
	item, ok, err := it.fetch()
	if err != nil {
		it.err = err
		it.done = true
		return false
	}
	if !ok {
		it.done = true
		return false
	}
	it.item = item
	return true
}

// Item returns the element produced by the last successful Next.
func (it *Iterator[T]) Item() T {
	return it.item
}

func (it *Iterator[T]) Err() error {
	return it.err
}
