package docstore

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// FlatStore persists each record as one bbolt key/value pair: the key is
// the binary encoding of the full composite key tuple, the value is the
// msgpack encoding of the record's field map. Because the key encoding is
// order-preserving, range queries map directly onto bbolt cursor scans.
type FlatStore[K comparable, V any] struct {
	binding[K, V]
	db        *bbolt.DB
	bucket    []byte
	ownsDB    bool
	closeOnce sync.Once
	closeErr  error
}

// OpenFlat opens (creating if necessary) a bbolt database file and returns
// a FlatStore over the named bucket. Close closes the underlying database.
func OpenFlat[K comparable, V any](path, table string) (*FlatStore[K, V], error) {
	db, err := bbolt.Open(path, 0o644, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, err
	}
	store := NewFlat[K, V](db, table)
	store.ownsDB = true
	if err := store.CreateTable(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	slog.Debug("docstore: opened flat store", "path", path, "table", table)
	return store, nil
}

// NewFlat wraps an existing bbolt database, which the caller remains
// responsible for closing.
func NewFlat[K comparable, V any](db *bbolt.DB, table string) *FlatStore[K, V] {
	return &FlatStore[K, V]{binding: newBinding[K, V](), db: db, bucket: []byte(table)}
}

func (s *FlatStore[K, V]) Put(ctx context.Context, key K, value V) error {
	enc := s.encodeKey(key)
	raw := encodeMsgpack(s.fields(value))
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucket)
		if err != nil {
			return err
		}
		return b.Put(enc, raw)
	})
}

func (s *FlatStore[K, V]) BatchPut(ctx context.Context, items map[K]V) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucket)
		if err != nil {
			return err
		}
		for key, value := range items {
			if err := b.Put(s.encodeKey(key), encodeMsgpack(s.fields(value))); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *FlatStore[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	var zero V
	var raw []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		if v := b.Get(s.encodeKey(key)); v != nil {
			raw = bytes.Clone(v)
		}
		return nil
	})
	if err != nil || raw == nil {
		return zero, false, err
	}
	fields, err := decodeFields(raw)
	if err != nil {
		return zero, false, err
	}
	return s.value(fields, key), true, nil
}

func (s *FlatStore[K, V]) BatchGet(ctx context.Context, keys []K) (map[K]V, error) {
	raws := make(map[K][]byte, len(keys))
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		for _, key := range keys {
			if v := b.Get(s.encodeKey(key)); v != nil {
				raws[key] = bytes.Clone(v)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	result := make(map[K]V, len(raws))
	for key, raw := range raws {
		fields, err := decodeFields(raw)
		if err != nil {
			return nil, err
		}
		result[key] = s.value(fields, key)
	}
	return result, nil
}

type kvPair struct {
	k, v []byte
}

// scanRange copies the pairs whose keys fall in [lo, hi] out of a read
// transaction, walking the cursor backwards when reverse is set and
// stopping early once limit pairs are collected.
func (s *FlatStore[K, V]) scanRange(lo, hi []byte, reverse bool, limit int) ([]kvPair, error) {
	var pairs []kvPair
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		if reverse {
			for k, v := seekLast(c, hi); k != nil && bytes.Compare(k, lo) >= 0; k, v = c.Prev() {
				pairs = append(pairs, kvPair{bytes.Clone(k), bytes.Clone(v)})
				if limit > 0 && len(pairs) == limit {
					break
				}
			}
			return nil
		}
		for k, v := c.Seek(lo); k != nil && bytes.Compare(k, hi) <= 0; k, v = c.Next() {
			pairs = append(pairs, kvPair{bytes.Clone(k), bytes.Clone(v)})
			if limit > 0 && len(pairs) == limit {
				break
			}
		}
		return nil
	})
	return pairs, err
}

// seekLast positions the cursor on the last key <= max.
func seekLast(c *bbolt.Cursor, max []byte) ([]byte, []byte) {
	k, v := c.Seek(max)
	if k == nil {
		return c.Last()
	}
	if bytes.Compare(k, max) > 0 {
		return c.Prev()
	}
	return k, v
}

func (s *FlatStore[K, V]) entry(p kvPair) (Entry[K, V], error) {
	tup, err := decodeTuple(p.k)
	if err != nil {
		return Entry[K, V]{}, err
	}
	fields, err := decodeFields(p.v)
	if err != nil {
		return Entry[K, V]{}, err
	}
	key := s.reconstructKey(tup)
	return Entry[K, V]{key, s.value(fields, key)}, nil
}

func (s *FlatStore[K, V]) GetRange(ctx context.Context, start, end K, opts *RangeOptions) ([]Entry[K, V], error) {
	pairs, err := s.scanRange(s.encodeKey(start), s.encodeKey(end), opts.reverse(), opts.limit())
	if err != nil {
		return nil, err
	}
	entries := make([]Entry[K, V], len(pairs))
	for i, p := range pairs {
		if entries[i], err = s.entry(p); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func (s *FlatStore[K, V]) GetRangeIterator(ctx context.Context, start, end K, opts *RangeOptions) (*Iterator[Entry[K, V]], error) {
	pairs, err := s.scanRange(s.encodeKey(start), s.encodeKey(end), opts.reverse(), opts.limit())
	if err != nil {
		return nil, err
	}
	return mapIterator(pairs, s.entry), nil
}

type projectedFields struct {
	enc    []byte
	fields map[string]any
	key    Tuple
}

// scanIndex walks the whole bucket and keeps the records whose projected
// index tuples fall in [lo, hi], ordered by projected tuple with ties
// broken by primary key.
func (s *FlatStore[K, V]) scanIndex(attrs []string, lo, hi []byte, opts *RangeOptions) ([]projectedFields, error) {
	var matched []projectedFields
	var scanErr error
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			fields, err := decodeFields(bytes.Clone(v))
			if err != nil {
				scanErr = err
				return err
			}
			enc := encodeTuple(nil, projectIndex(fields, attrs))
			if bytes.Compare(enc, lo) < 0 || bytes.Compare(enc, hi) > 0 {
				return nil
			}
			tup, err := decodeTuple(k)
			if err != nil {
				scanErr = err
				return err
			}
			matched = append(matched, projectedFields{enc, fields, tup})
			return nil
		})
	})
	if scanErr != nil {
		return nil, scanErr
	}
	if err != nil {
		return nil, err
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return bytes.Compare(matched[i].enc, matched[j].enc) < 0
	})
	if opts.reverse() {
		reverseSlice(matched)
	}
	return truncate(matched, opts.limit()), nil
}

func (s *FlatStore[K, V]) indexValues(matched []projectedFields) []V {
	values := make([]V, len(matched))
	for i, m := range matched {
		values[i] = s.value(m.fields, s.reconstructKey(m.key))
	}
	return values
}

func (s *FlatStore[K, V]) GetByIndex(ctx context.Context, indexKey any) ([]V, error) {
	attrs, tup := indexTuple(indexKey)
	enc := encodeTuple(nil, tup)
	matched, err := s.scanIndex(attrs, enc, enc, nil)
	if err != nil {
		return nil, err
	}
	return s.indexValues(matched), nil
}

func (s *FlatStore[K, V]) GetByIndexRange(ctx context.Context, start, end any, opts *RangeOptions) ([]V, error) {
	attrs, lo := indexTuple(start)
	hi := tupleOf(end, attrs)
	matched, err := s.scanIndex(attrs, encodeTuple(nil, lo), encodeTuple(nil, hi), opts)
	if err != nil {
		return nil, err
	}
	return s.indexValues(matched), nil
}

func (s *FlatStore[K, V]) GetIndexRangeIterator(ctx context.Context, start, end any, opts *RangeOptions) (*Iterator[V], error) {
	attrs, lo := indexTuple(start)
	hi := tupleOf(end, attrs)
	matched, err := s.scanIndex(attrs, encodeTuple(nil, lo), encodeTuple(nil, hi), opts)
	if err != nil {
		return nil, err
	}
	return mapIterator(matched, func(m projectedFields) (V, error) {
		return s.value(m.fields, s.reconstructKey(m.key)), nil
	}), nil
}

func (s *FlatStore[K, V]) Delete(ctx context.Context, key K) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		return b.Delete(s.encodeKey(key))
	})
}

func (s *FlatStore[K, V]) DeleteRange(ctx context.Context, start, end K) error {
	lo, hi := s.encodeKey(start), s.encodeKey(end)
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		var doomed [][]byte
		c := b.Cursor()
		for k, _ := c.Seek(lo); k != nil && bytes.Compare(k, hi) <= 0; k, _ = c.Next() {
			doomed = append(doomed, bytes.Clone(k))
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *FlatStore[K, V]) CreateTable(ctx context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	})
}

func (s *FlatStore[K, V]) DropTable(ctx context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		err := tx.DeleteBucket(s.bucket)
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

func (s *FlatStore[K, V]) Close() error {
	s.closeOnce.Do(func() {
		if s.ownsDB {
			s.closeErr = s.db.Close()
		}
	})
	return s.closeErr
}
