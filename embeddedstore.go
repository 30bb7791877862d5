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

// EmbeddedStore groups the records of a partition into one bbolt pair: the
// key is the binary encoding of the partition tuple, the value is a msgpack
// document holding every record of that partition alongside its encoded
// sort tuple. Point writes rewrite the whole partition document inside a
// single update transaction, so a record is either fully replaced or fully
// appended and concurrent writers never duplicate a sort key.
//
// Range queries and range deletes are scoped to the partition of the start
// key; only index queries cross partitions.
type EmbeddedStore[K comparable, V any] struct {
	binding[K, V]
	db        *bbolt.DB
	bucket    []byte
	ownsDB    bool
	closeOnce sync.Once
	closeErr  error
}

type embItem struct {
	SK     []byte         `msgpack:"sk"`
	Fields map[string]any `msgpack:"d"`
}

type embDoc struct {
	Items []embItem `msgpack:"items"`
}

// OpenEmbedded opens (creating if necessary) a bbolt database file and
// returns an EmbeddedStore over the named bucket.
func OpenEmbedded[K comparable, V any](path, table string) (*EmbeddedStore[K, V], error) {
	db, err := bbolt.Open(path, 0o644, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, err
	}
	store := NewEmbedded[K, V](db, table)
	store.ownsDB = true
	if err := store.CreateTable(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	slog.Debug("docstore: opened embedded store", "path", path, "table", table)
	return store, nil
}

// NewEmbedded wraps an existing bbolt database, which the caller remains
// responsible for closing.
func NewEmbedded[K comparable, V any](db *bbolt.DB, table string) *EmbeddedStore[K, V] {
	return &EmbeddedStore[K, V]{binding: newBinding[K, V](), db: db, bucket: []byte(table)}
}

func (s *EmbeddedStore[K, V]) keyParts(key any) (pk, sk []byte) {
	return encodeTuple(nil, s.partitionTuple(key)), encodeTuple(nil, s.sortTuple(key))
}

func loadDoc(b *bbolt.Bucket, pk []byte) (embDoc, error) {
	var doc embDoc
	raw := b.Get(pk)
	if raw == nil {
		return doc, nil
	}
	err := decodeMsgpack(bytes.Clone(raw), &doc)
	return doc, err
}

func (s *EmbeddedStore[K, V]) putItem(b *bbolt.Bucket, pk, sk []byte, fields map[string]any) error {
	doc, err := loadDoc(b, pk)
	if err != nil {
		return err
	}
	replaced := false
	for i := range doc.Items {
		if bytes.Equal(doc.Items[i].SK, sk) {
			doc.Items[i].Fields = fields
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Items = append(doc.Items, embItem{sk, fields})
	}
	return b.Put(pk, encodeMsgpack(doc))
}

func (s *EmbeddedStore[K, V]) Put(ctx context.Context, key K, value V) error {
	pk, sk := s.keyParts(key)
	fields := s.fields(value)
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucket)
		if err != nil {
			return err
		}
		return s.putItem(b, pk, sk, fields)
	})
}

func (s *EmbeddedStore[K, V]) BatchPut(ctx context.Context, items map[K]V) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucket)
		if err != nil {
			return err
		}
		for key, value := range items {
			pk, sk := s.keyParts(key)
			if err := s.putItem(b, pk, sk, s.fields(value)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *EmbeddedStore[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	var zero V
	pk, sk := s.keyParts(key)
	var fields map[string]any
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		doc, err := loadDoc(b, pk)
		if err != nil {
			return err
		}
		for _, item := range doc.Items {
			if bytes.Equal(item.SK, sk) {
				fields, found = item.Fields, true
				return nil
			}
		}
		return nil
	})
	if err != nil || !found {
		return zero, false, err
	}
	return s.value(fields, key), true, nil
}

func (s *EmbeddedStore[K, V]) BatchGet(ctx context.Context, keys []K) (map[K]V, error) {
	fieldsByKey := make(map[K]map[string]any, len(keys))
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		docs := make(map[string]embDoc)
		for _, key := range keys {
			pk, sk := s.keyParts(key)
			doc, ok := docs[string(pk)]
			if !ok {
				var err error
				if doc, err = loadDoc(b, pk); err != nil {
					return err
				}
				docs[string(pk)] = doc
			}
			for _, item := range doc.Items {
				if bytes.Equal(item.SK, sk) {
					fieldsByKey[key] = item.Fields
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	result := make(map[K]V, len(fieldsByKey))
	for key, fields := range fieldsByKey {
		result[key] = s.value(fields, key)
	}
	return result, nil
}

type embMatch struct {
	full   []byte
	fields map[string]any
}

// scanPartition loads the start key's partition document and keeps the
// items whose full encoded keys fall in [loFull, hiFull], sorted by key.
func (s *EmbeddedStore[K, V]) scanPartition(pk, loFull, hiFull []byte, opts *RangeOptions) ([]embMatch, error) {
	var matched []embMatch
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		doc, err := loadDoc(b, pk)
		if err != nil {
			return err
		}
		for _, item := range doc.Items {
			full := appendRaw(bytes.Clone(pk), item.SK)
			if bytes.Compare(full, loFull) >= 0 && bytes.Compare(full, hiFull) <= 0 {
				matched = append(matched, embMatch{full, item.Fields})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(matched, func(i, j int) bool {
		return bytes.Compare(matched[i].full, matched[j].full) < 0
	})
	if opts.reverse() {
		reverseSlice(matched)
	}
	return truncate(matched, opts.limit()), nil
}

func (s *EmbeddedStore[K, V]) entry(m embMatch) (Entry[K, V], error) {
	tup, err := decodeTuple(m.full)
	if err != nil {
		return Entry[K, V]{}, err
	}
	key := s.reconstructKey(tup)
	return Entry[K, V]{key, s.value(m.fields, key)}, nil
}

func (s *EmbeddedStore[K, V]) GetRange(ctx context.Context, start, end K, opts *RangeOptions) ([]Entry[K, V], error) {
	pk, _ := s.keyParts(start)
	matched, err := s.scanPartition(pk, s.encodeKey(start), s.encodeKey(end), opts)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry[K, V], len(matched))
	for i, m := range matched {
		if entries[i], err = s.entry(m); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func (s *EmbeddedStore[K, V]) GetRangeIterator(ctx context.Context, start, end K, opts *RangeOptions) (*Iterator[Entry[K, V]], error) {
	pk, _ := s.keyParts(start)
	matched, err := s.scanPartition(pk, s.encodeKey(start), s.encodeKey(end), opts)
	if err != nil {
		return nil, err
	}
	return mapIterator(matched, s.entry), nil
}

// scanIndex walks every partition document; index queries are the only
// cross-partition reads in this layout.
func (s *EmbeddedStore[K, V]) scanIndex(attrs []string, lo, hi []byte, opts *RangeOptions) ([]projectedFields, error) {
	var matched []projectedFields
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(pk, raw []byte) error {
			var doc embDoc
			if err := decodeMsgpack(bytes.Clone(raw), &doc); err != nil {
				return err
			}
			for _, item := range doc.Items {
				enc := encodeTuple(nil, projectIndex(item.Fields, attrs))
				if bytes.Compare(enc, lo) < 0 || bytes.Compare(enc, hi) > 0 {
					continue
				}
				full := appendRaw(bytes.Clone(pk), item.SK)
				tup, err := decodeTuple(full)
				if err != nil {
					return err
				}
				matched = append(matched, projectedFields{enc, item.Fields, tup})
			}
			return nil
		})
	})
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

func (s *EmbeddedStore[K, V]) indexValues(matched []projectedFields) []V {
	values := make([]V, len(matched))
	for i, m := range matched {
		values[i] = s.value(m.fields, s.reconstructKey(m.key))
	}
	return values
}

func (s *EmbeddedStore[K, V]) GetByIndex(ctx context.Context, indexKey any) ([]V, error) {
	attrs, tup := indexTuple(indexKey)
	enc := encodeTuple(nil, tup)
	matched, err := s.scanIndex(attrs, enc, enc, nil)
	if err != nil {
		return nil, err
	}
	return s.indexValues(matched), nil
}

func (s *EmbeddedStore[K, V]) GetByIndexRange(ctx context.Context, start, end any, opts *RangeOptions) ([]V, error) {
	attrs, lo := indexTuple(start)
	hi := tupleOf(end, attrs)
	matched, err := s.scanIndex(attrs, encodeTuple(nil, lo), encodeTuple(nil, hi), opts)
	if err != nil {
		return nil, err
	}
	return s.indexValues(matched), nil
}

func (s *EmbeddedStore[K, V]) GetIndexRangeIterator(ctx context.Context, start, end any, opts *RangeOptions) (*Iterator[V], error) {
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

// deleteMatching rewrites the partition document without the items keep
// rejects, deleting the bbolt pair when the partition becomes empty.
func deleteMatching(b *bbolt.Bucket, pk []byte, keep func(embItem) bool) error {
	doc, err := loadDoc(b, pk)
	if err != nil {
		return err
	}
	kept := doc.Items[:0]
	for _, item := range doc.Items {
		if keep(item) {
			kept = append(kept, item)
		}
	}
	if len(kept) == len(doc.Items) {
		return nil
	}
	if len(kept) == 0 {
		return b.Delete(pk)
	}
	doc.Items = kept
	return b.Put(pk, encodeMsgpack(doc))
}

func (s *EmbeddedStore[K, V]) Delete(ctx context.Context, key K) error {
	pk, sk := s.keyParts(key)
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		return deleteMatching(b, pk, func(item embItem) bool {
			return !bytes.Equal(item.SK, sk)
		})
	})
}

func (s *EmbeddedStore[K, V]) DeleteRange(ctx context.Context, start, end K) error {
	pk, _ := s.keyParts(start)
	lo, hi := s.encodeKey(start), s.encodeKey(end)
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		return deleteMatching(b, pk, func(item embItem) bool {
			full := appendRaw(bytes.Clone(pk), item.SK)
			return bytes.Compare(full, lo) < 0 || bytes.Compare(full, hi) > 0
		})
	})
}

func (s *EmbeddedStore[K, V]) CreateTable(ctx context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	})
}

func (s *EmbeddedStore[K, V]) DropTable(ctx context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		err := tx.DeleteBucket(s.bucket)
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

func (s *EmbeddedStore[K, V]) Close() error {
	s.closeOnce.Do(func() {
		if s.ownsDB {
			s.closeErr = s.db.Close()
		}
	})
	return s.closeErr
}
