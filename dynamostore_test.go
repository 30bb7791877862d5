package docstore

import (
	"context"
	"encoding/hex"
	"maps"
	"sort"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamo is an in-memory DynamoAPI good enough for the request shapes
// DynamoStore emits. It paginates Query and Scan in pages of two items to
// exercise the paginator loops.
type fakeDynamo struct {
	mu     sync.Mutex
	tables map[string]map[string]map[string]map[string]types.AttributeValue
}

const fakePageSize = 2

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{tables: make(map[string]map[string]map[string]map[string]types.AttributeValue)}
}

func (f *fakeDynamo) table(name *string) (map[string]map[string]map[string]types.AttributeValue, error) {
	tbl := f.tables[aws.ToString(name)]
	if tbl == nil {
		return nil, &types.ResourceNotFoundException{Message: aws.String("table not found")}
	}
	return tbl, nil
}

func strAttr(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func (f *fakeDynamo) CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(params.TableName)
	if f.tables[name] != nil {
		return nil, &types.ResourceInUseException{Message: aws.String("table exists")}
	}
	f.tables[name] = make(map[string]map[string]map[string]types.AttributeValue)
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeDynamo) DeleteTable(ctx context.Context, params *dynamodb.DeleteTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(params.TableName)
	if f.tables[name] == nil {
		return nil, &types.ResourceNotFoundException{Message: aws.String("table not found")}
	}
	delete(f.tables, name)
	return &dynamodb.DeleteTableOutput{}, nil
}

func (f *fakeDynamo) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tbl, err := f.table(params.TableName)
	if err != nil {
		return nil, err
	}
	pk, sk := strAttr(params.Item["pk"]), strAttr(params.Item["sk"])
	if tbl[pk] == nil {
		tbl[pk] = make(map[string]map[string]types.AttributeValue)
	}
	tbl[pk][sk] = maps.Clone(params.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tbl, err := f.table(params.TableName)
	if err != nil {
		return nil, err
	}
	pk, sk := strAttr(params.Key["pk"]), strAttr(params.Key["sk"])
	item := tbl[pk][sk]
	if item == nil {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: maps.Clone(item)}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tbl, err := f.table(params.TableName)
	if err != nil {
		return nil, err
	}
	pk, sk := strAttr(params.Key["pk"]), strAttr(params.Key["sk"])
	if tbl[pk] != nil {
		delete(tbl[pk], sk)
		if len(tbl[pk]) == 0 {
			delete(tbl, pk)
		}
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tbl, err := f.table(params.TableName)
	if err != nil {
		return nil, err
	}
	vals := params.ExpressionAttributeValues
	pk, lo, hi := strAttr(vals[":pk"]), strAttr(vals[":lo"]), strAttr(vals[":hi"])

	var sks []string
	for sk := range tbl[pk] {
		if sk >= lo && sk <= hi {
			sks = append(sks, sk)
		}
	}
	sort.Strings(sks)
	if params.ScanIndexForward != nil && !*params.ScanIndexForward {
		reverseSlice(sks)
	}
	if params.ExclusiveStartKey != nil {
		after := strAttr(params.ExclusiveStartKey["sk"])
		for i, sk := range sks {
			if sk == after {
				sks = sks[i+1:]
				break
			}
		}
	}

	out := &dynamodb.QueryOutput{}
	page := sks
	if len(page) > fakePageSize {
		page = page[:fakePageSize]
		out.LastEvaluatedKey = map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: pk},
			"sk": &types.AttributeValueMemberS{Value: page[len(page)-1]},
		}
	}
	for _, sk := range page {
		out.Items = append(out.Items, maps.Clone(tbl[pk][sk]))
	}
	return out, nil
}

func (f *fakeDynamo) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tbl, err := f.table(params.TableName)
	if err != nil {
		return nil, err
	}
	type fullKey struct{ pk, sk string }
	var keys []fullKey
	for pk, part := range tbl {
		for sk := range part {
			keys = append(keys, fullKey{pk, sk})
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].pk != keys[j].pk {
			return keys[i].pk < keys[j].pk
		}
		return keys[i].sk < keys[j].sk
	})
	if params.ExclusiveStartKey != nil {
		after := fullKey{strAttr(params.ExclusiveStartKey["pk"]), strAttr(params.ExclusiveStartKey["sk"])}
		for i, k := range keys {
			if k == after {
				keys = keys[i+1:]
				break
			}
		}
	}

	out := &dynamodb.ScanOutput{}
	page := keys
	if len(page) > fakePageSize {
		page = page[:fakePageSize]
		last := page[len(page)-1]
		out.LastEvaluatedKey = map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: last.pk},
			"sk": &types.AttributeValueMemberS{Value: last.sk},
		}
	}
	for _, k := range page {
		out.Items = append(out.Items, maps.Clone(tbl[k.pk][k.sk]))
	}
	return out, nil
}

func TestDynamoKeyAttrs(t *testing.T) {
	s := NewDynamo[NoteKey, Note](newFakeDynamo(), "t")
	pk, sk := s.keyAttrs(NoteKey{"u1", "n1"})
	if pk != hex.EncodeToString(encodeTuple(nil, Tuple{"u1"})) {
		t.Errorf("** pk = %q", pk)
	}
	if sk != hex.EncodeToString(encodeTuple(nil, Tuple{"n1"})) {
		t.Errorf("** sk = %q", sk)
	}

	// Keys without sort attributes use the sentinel range key.
	ts := NewDynamo[TagIndex, map[string]any](newFakeDynamo(), "t")
	_, sk = ts.keyAttrs(TagIndex{Tag: "x"})
	if sk != emptySortKey {
		t.Errorf("** empty sort tuple sk = %q, wanted %q", sk, emptySortKey)
	}
}

func TestDynamoSentinelOrdersFirst(t *testing.T) {
	// "-" must sort before every hex-encoded sort tuple so that records
	// without sort attributes come first in their partition.
	if emptySortKey >= "00" {
		t.Fatalf("sentinel %q does not precede hex digits", emptySortKey)
	}
}

func TestDynamoHexPreservesByteOrder(t *testing.T) {
	tuples := []Tuple{{int64(-5)}, {int64(2)}, {int64(10)}, {"a"}, {"ab"}}
	var prev string
	for i, tup := range tuples {
		h := hex.EncodeToString(encodeTuple(nil, tup))
		if i > 0 && !(prev < h) {
			t.Errorf("** hex order broken between %s and %s", tuples[i-1], tup)
		}
		prev = h
	}
}

func TestDynamoItemAttributes(t *testing.T) {
	ctx := context.Background()
	fake := newFakeDynamo()
	s := NewDynamo[NoteKey, Note](fake, "notes")
	noerr(t, s.CreateTable(ctx))

	n := note("u1", "n1", "a", "home", 2)
	noerr(t, s.Put(ctx, n.Key, n))

	pk, sk := s.keyAttrs(n.Key)
	item := fake.tables["notes"][pk][sk]
	if item == nil {
		t.Fatalf("item not stored under pk=%q sk=%q", pk, sk)
	}
	if _, ok := item["d"].(*types.AttributeValueMemberB); !ok {
		t.Errorf("** d attribute is %T, wanted binary", item["d"])
	}
	if strAttr(item["pk"]) != pk || strAttr(item["sk"]) != sk {
		t.Errorf("** key attributes not mirrored into the item")
	}
}

func TestDynamoRangePagination(t *testing.T) {
	ctx := context.Background()
	s := NewDynamo[NoteKey, Note](newFakeDynamo(), "notes")
	noerr(t, s.CreateTable(ctx))

	var want []NoteKey
	for _, id := range []string{"n1", "n2", "n3", "n4", "n5"} {
		n := note("u1", id, id, "", 0)
		noerr(t, s.Put(ctx, n.Key, n))
		want = append(want, n.Key)
	}

	// Five items at two per page forces three Query pages.
	entries, err := s.GetRange(ctx, NoteKey{"u1", "n1"}, NoteKey{"u1", "n5"}, nil)
	noerr(t, err)
	deepEqual(t, rangeKeys(entries), want)

	entries, err = s.GetRange(ctx, NoteKey{"u1", "n1"}, NoteKey{"u1", "n5"}, &RangeOptions{Reverse: true})
	noerr(t, err)
	reverseSlice(want)
	deepEqual(t, rangeKeys(entries), want)
}

func TestDynamoScanPagination(t *testing.T) {
	ctx := context.Background()
	s := NewDynamo[NoteKey, Note](newFakeDynamo(), "notes")
	noerr(t, s.CreateTable(ctx))

	for _, id := range []string{"n1", "n2", "n3", "n4", "n5"} {
		n := note("u"+id, id, id, "shared", 0)
		noerr(t, s.Put(ctx, n.Key, n))
	}

	got, err := s.GetByIndex(ctx, TagIndex{Tag: "shared"})
	noerr(t, err)
	if len(got) != 5 {
		t.Fatalf("GetByIndex across scan pages = %d records, wanted 5", len(got))
	}
}

func TestDynamoMissingTable(t *testing.T) {
	ctx := context.Background()
	s := NewDynamo[NoteKey, Note](newFakeDynamo(), "nope")
	if err := s.Put(ctx, NoteKey{"u", "n"}, Note{}); err == nil {
		t.Fatalf("Put without a table should fail")
	}
	if _, err := s.GetRange(ctx, NoteKey{"u", "a"}, NoteKey{"u", "b"}, nil); err == nil {
		t.Fatalf("GetRange without a table should fail")
	}
}
