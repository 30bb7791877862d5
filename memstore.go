package docstore

import (
	"bytes"
	"context"
	"maps"
	"sort"
	"sync"
)

// MemoryStore keeps records in a slice sorted by encoded key. It is meant
// for tests and ephemeral caches; every operation holds a single mutex, so
// it is safe for concurrent use but does not scale across cores.
type MemoryStore[K comparable, V any] struct {
	binding[K, V]
	mut   sync.Mutex
	items []memItem
}

type memItem struct {
	enc    []byte
	tup    Tuple
	fields map[string]any
}

func NewMemory[K comparable, V any]() *MemoryStore[K, V] {
	return &MemoryStore[K, V]{binding: newBinding[K, V]()}
}

// find returns the position of enc in the sorted slice, or the position
// where it would be inserted.
func (s *MemoryStore[K, V]) find(enc []byte) (int, bool) {
	i := sort.Search(len(s.items), func(i int) bool {
		return bytes.Compare(s.items[i].enc, enc) >= 0
	})
	return i, i < len(s.items) && bytes.Equal(s.items[i].enc, enc)
}

func (s *MemoryStore[K, V]) put(key K, value V) {
	enc := s.encodeKey(key)
	item := memItem{enc, s.keyTuple(key), maps.Clone(s.fields(value))}
	i, found := s.find(enc)
	if found {
		s.items[i] = item
		return
	}
	s.items = append(s.items, memItem{})
	copy(s.items[i+1:], s.items[i:])
	s.items[i] = item
}

func (s *MemoryStore[K, V]) Put(ctx context.Context, key K, value V) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.put(key, value)
	return nil
}

func (s *MemoryStore[K, V]) BatchPut(ctx context.Context, items map[K]V) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	for key, value := range items {
		s.put(key, value)
	}
	return nil
}

func (s *MemoryStore[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	i, found := s.find(s.encodeKey(key))
	if !found {
		var zero V
		return zero, false, nil
	}
	return s.value(maps.Clone(s.items[i].fields), key), true, nil
}

func (s *MemoryStore[K, V]) BatchGet(ctx context.Context, keys []K) (map[K]V, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	result := make(map[K]V, len(keys))
	for _, key := range keys {
		if i, found := s.find(s.encodeKey(key)); found {
			result[key] = s.value(maps.Clone(s.items[i].fields), key)
		}
	}
	return result, nil
}

// matchRange snapshots the items whose encoded keys fall in [lo, hi],
// already ordered and truncated per opts.
func (s *MemoryStore[K, V]) matchRange(lo, hi []byte, opts *RangeOptions) []memItem {
	s.mut.Lock()
	defer s.mut.Unlock()
	i := sort.Search(len(s.items), func(i int) bool {
		return bytes.Compare(s.items[i].enc, lo) >= 0
	})
	j := sort.Search(len(s.items), func(i int) bool {
		return bytes.Compare(s.items[i].enc, hi) > 0
	})
	if j < i {
		j = i
	}
	matched := make([]memItem, j-i)
	copy(matched, s.items[i:j])
	if opts.reverse() {
		reverseSlice(matched)
	}
	return truncate(matched, opts.limit())
}

func (s *MemoryStore[K, V]) entry(item memItem) Entry[K, V] {
	key := s.reconstructKey(item.tup)
	return Entry[K, V]{key, s.value(maps.Clone(item.fields), key)}
}

func (s *MemoryStore[K, V]) GetRange(ctx context.Context, start, end K, opts *RangeOptions) ([]Entry[K, V], error) {
	matched := s.matchRange(s.encodeKey(start), s.encodeKey(end), opts)
	entries := make([]Entry[K, V], len(matched))
	for i, item := range matched {
		entries[i] = s.entry(item)
	}
	return entries, nil
}

func (s *MemoryStore[K, V]) GetRangeIterator(ctx context.Context, start, end K, opts *RangeOptions) (*Iterator[Entry[K, V]], error) {
	matched := s.matchRange(s.encodeKey(start), s.encodeKey(end), opts)
	return mapIterator(matched, func(item memItem) (Entry[K, V], error) {
		return s.entry(item), nil
	}), nil
}

// matchIndex snapshots the items whose projected index tuples fall in
// [lo, hi], ordered by projected tuple (ties by primary key) per opts.
func (s *MemoryStore[K, V]) matchIndex(attrs []string, lo, hi []byte, opts *RangeOptions) []memItem {
	s.mut.Lock()
	defer s.mut.Unlock()
	type projected struct {
		item memItem
		enc  []byte
	}
	var matched []projected
	for _, item := range s.items {
		enc := encodeTuple(nil, projectIndex(item.fields, attrs))
		if bytes.Compare(enc, lo) >= 0 && bytes.Compare(enc, hi) <= 0 {
			matched = append(matched, projected{item, enc})
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return bytes.Compare(matched[i].enc, matched[j].enc) < 0
	})
	items := make([]memItem, len(matched))
	for i, p := range matched {
		items[i] = p.item
	}
	if opts.reverse() {
		reverseSlice(items)
	}
	return truncate(items, opts.limit())
}

func (s *MemoryStore[K, V]) indexValues(matched []memItem) []V {
	values := make([]V, len(matched))
	for i, item := range matched {
		values[i] = s.value(maps.Clone(item.fields), s.reconstructKey(item.tup))
	}
	return values
}

func (s *MemoryStore[K, V]) GetByIndex(ctx context.Context, indexKey any) ([]V, error) {
	attrs, tup := indexTuple(indexKey)
	enc := encodeTuple(nil, tup)
	return s.indexValues(s.matchIndex(attrs, enc, enc, nil)), nil
}

func (s *MemoryStore[K, V]) GetByIndexRange(ctx context.Context, start, end any, opts *RangeOptions) ([]V, error) {
	attrs, lo := indexTuple(start)
	hi := tupleOf(end, attrs)
	matched := s.matchIndex(attrs, encodeTuple(nil, lo), encodeTuple(nil, hi), opts)
	return s.indexValues(matched), nil
}

func (s *MemoryStore[K, V]) GetIndexRangeIterator(ctx context.Context, start, end any, opts *RangeOptions) (*Iterator[V], error) {
	attrs, lo := indexTuple(start)
	hi := tupleOf(end, attrs)
	matched := s.matchIndex(attrs, encodeTuple(nil, lo), encodeTuple(nil, hi), opts)
	return mapIterator(matched, func(item memItem) (V, error) {
		return s.value(maps.Clone(item.fields), s.reconstructKey(item.tup)), nil
	}), nil
}

func (s *MemoryStore[K, V]) Delete(ctx context.Context, key K) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	if i, found := s.find(s.encodeKey(key)); found {
		s.items = append(s.items[:i], s.items[i+1:]...)
	}
	return nil
}

func (s *MemoryStore[K, V]) DeleteRange(ctx context.Context, start, end K) error {
	lo, hi := s.encodeKey(start), s.encodeKey(end)
	s.mut.Lock()
	defer s.mut.Unlock()
	i := sort.Search(len(s.items), func(i int) bool {
		return bytes.Compare(s.items[i].enc, lo) >= 0
	})
	j := sort.Search(len(s.items), func(i int) bool {
		return bytes.Compare(s.items[i].enc, hi) > 0
	})
	if j > i {
		s.items = append(s.items[:i], s.items[j:]...)
	}
	return nil
}

func (s *MemoryStore[K, V]) CreateTable(ctx context.Context) error {
	return nil
}

func (s *MemoryStore[K, V]) DropTable(ctx context.Context) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.items = nil
	return nil
}

func (s *MemoryStore[K, V]) Close() error {
	return nil
}

func reverseSlice[T any](items []T) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
