package docstore

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// emptySortKey is the sk attribute value for keys without sort attributes;
// DynamoDB requires a non-empty range key value. It sorts before every hex
// string.
const emptySortKey = "-"

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
// It is satisfied by *dynamodb.Client and by test fakes.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DeleteTable(ctx context.Context, params *dynamodb.DeleteTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error)
}

// DynamoStore keeps each record as one DynamoDB item. The partition and
// sort tuples are stored as lowercase hex of their binary encodings in the
// string attributes pk and sk; hex preserves byte order, so DynamoDB's
// native range-key ordering matches the canonical key ordering. The field
// map is stored as a msgpack blob in the d attribute.
//
// Range queries and range deletes are scoped to the partition of the start
// key (a single Query); index queries scan the whole table and verify
// matches in-process.
type DynamoStore[K comparable, V any] struct {
	binding[K, V]
	client DynamoAPI
	table  string
}

type dynamoItem struct {
	PK     string `dynamodbav:"pk"`
	SK     string `dynamodbav:"sk"`
	Fields []byte `dynamodbav:"d"`
}

// NewDynamo wraps an existing client. The table is not created implicitly;
// call CreateTable or point the store at an existing table.
func NewDynamo[K comparable, V any](client DynamoAPI, table string) *DynamoStore[K, V] {
	return &DynamoStore[K, V]{binding: newBinding[K, V](), client: client, table: table}
}

// OpenDynamo builds a client from the ambient AWS configuration (environment,
// shared config files, instance roles) and returns a store over table.
func OpenDynamo[K comparable, V any](ctx context.Context, table string, optFns ...func(*config.LoadOptions) error) (*DynamoStore[K, V], error) {
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, err
	}
	return NewDynamo[K, V](dynamodb.NewFromConfig(cfg), table), nil
}

func (s *DynamoStore[K, V]) keyAttrs(key any) (pk, sk string) {
	pk = hex.EncodeToString(encodeTuple(nil, s.partitionTuple(key)))
	st := s.sortTuple(key)
	if len(st) == 0 {
		return pk, emptySortKey
	}
	return pk, hex.EncodeToString(encodeTuple(nil, st))
}

func (s *DynamoStore[K, V]) keyAV(key K) map[string]types.AttributeValue {
	pk, sk := s.keyAttrs(key)
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
		"sk": &types.AttributeValueMemberS{Value: sk},
	}
}

func (s *DynamoStore[K, V]) Put(ctx context.Context, key K, value V) error {
	pk, sk := s.keyAttrs(key)
	av, err := attributevalue.MarshalMap(dynamoItem{pk, sk, encodeMsgpack(s.fields(value))})
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	})
	return err
}

func (s *DynamoStore[K, V]) BatchPut(ctx context.Context, items map[K]V) error {
	for key, value := range items {
		if err := s.Put(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *DynamoStore[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	var zero V
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       s.keyAV(key),
	})
	if err != nil || len(out.Item) == 0 {
		return zero, false, err
	}
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return zero, false, err
	}
	fields, err := decodeFields(item.Fields)
	if err != nil {
		return zero, false, err
	}
	return s.value(fields, key), true, nil
}

func (s *DynamoStore[K, V]) BatchGet(ctx context.Context, keys []K) (map[K]V, error) {
	result := make(map[K]V, len(keys))
	for _, key := range keys {
		value, ok, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			result[key] = value
		}
	}
	return result, nil
}

// queryPartition runs a single-partition key-condition query and returns
// the raw items, already ordered and truncated per opts.
func (s *DynamoStore[K, V]) queryPartition(ctx context.Context, pk, loSK, hiSK string, opts *RangeOptions, projection string) ([]dynamoItem, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("pk = :pk AND sk BETWEEN :lo AND :hi"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk},
			":lo": &types.AttributeValueMemberS{Value: loSK},
			":hi": &types.AttributeValueMemberS{Value: hiSK},
		},
		ScanIndexForward: aws.Bool(!opts.reverse()),
	}
	if projection != "" {
		input.ProjectionExpression = aws.String(projection)
	}
	if limit := opts.limit(); limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}
	var items []dynamoItem
	p := dynamodb.NewQueryPaginator(s.client, input)
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		var page []dynamoItem
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, err
		}
		items = append(items, page...)
		if limit := opts.limit(); limit > 0 && len(items) >= limit {
			items = items[:limit]
			break
		}
	}
	return items, nil
}

// rangeBounds resolves the sk bounds of a [start, end] key range within
// start's partition.
func (s *DynamoStore[K, V]) rangeBounds(start, end K) (pk, loSK, hiSK string) {
	pk, loSK = s.keyAttrs(start)
	_, hiSK = s.keyAttrs(end)
	return pk, loSK, hiSK
}

func (s *DynamoStore[K, V]) entry(item dynamoItem) (Entry[K, V], error) {
	tup, err := s.decodeKeyAttrs(item.PK, item.SK)
	if err != nil {
		return Entry[K, V]{}, err
	}
	fields, err := decodeFields(item.Fields)
	if err != nil {
		return Entry[K, V]{}, err
	}
	key := s.reconstructKey(tup)
	return Entry[K, V]{key, s.value(fields, key)}, nil
}

func (s *DynamoStore[K, V]) decodeKeyAttrs(pk, sk string) (Tuple, error) {
	raw, err := hex.DecodeString(pk)
	if err != nil {
		return nil, dataErrf([]byte(pk), err, "malformed pk attribute")
	}
	if sk != emptySortKey {
		skRaw, err := hex.DecodeString(sk)
		if err != nil {
			return nil, dataErrf([]byte(sk), err, "malformed sk attribute")
		}
		raw = appendRaw(raw, skRaw)
	}
	return decodeTuple(raw)
}

func (s *DynamoStore[K, V]) GetRange(ctx context.Context, start, end K, opts *RangeOptions) ([]Entry[K, V], error) {
	pk, lo, hi := s.rangeBounds(start, end)
	items, err := s.queryPartition(ctx, pk, lo, hi, opts, "")
	if err != nil {
		return nil, err
	}
	entries := make([]Entry[K, V], len(items))
	for i, item := range items {
		if entries[i], err = s.entry(item); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func (s *DynamoStore[K, V]) GetRangeIterator(ctx context.Context, start, end K, opts *RangeOptions) (*Iterator[Entry[K, V]], error) {
	pk, lo, hi := s.rangeBounds(start, end)
	items, err := s.queryPartition(ctx, pk, lo, hi, opts, "")
	if err != nil {
		return nil, err
	}
	return mapIterator(items, s.entry), nil
}

// scanIndex scans the whole table and verifies index matches in-process, so
// correctness does not depend on server-side filtering.
func (s *DynamoStore[K, V]) scanIndex(ctx context.Context, attrs []string, lo, hi []byte, opts *RangeOptions) ([]projectedFields, error) {
	var matched []projectedFields
	p := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName: aws.String(s.table),
	})
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		var page []dynamoItem
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, err
		}
		for _, item := range page {
			fields, err := decodeFields(item.Fields)
			if err != nil {
				return nil, err
			}
			enc := encodeTuple(nil, projectIndex(fields, attrs))
			if bytes.Compare(enc, lo) < 0 || bytes.Compare(enc, hi) > 0 {
				continue
			}
			tup, err := s.decodeKeyAttrs(item.PK, item.SK)
			if err != nil {
				return nil, err
			}
			matched = append(matched, projectedFields{enc, fields, tup})
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return bytes.Compare(matched[i].enc, matched[j].enc) < 0
	})
	if opts.reverse() {
		reverseSlice(matched)
	}
	return truncate(matched, opts.limit()), nil
}

func (s *DynamoStore[K, V]) indexValues(matched []projectedFields) []V {
	values := make([]V, len(matched))
	for i, m := range matched {
		values[i] = s.value(m.fields, s.reconstructKey(m.key))
	}
	return values
}

func (s *DynamoStore[K, V]) GetByIndex(ctx context.Context, indexKey any) ([]V, error) {
	attrs, tup := indexTuple(indexKey)
	enc := encodeTuple(nil, tup)
	matched, err := s.scanIndex(ctx, attrs, enc, enc, nil)
	if err != nil {
		return nil, err
	}
	return s.indexValues(matched), nil
}

func (s *DynamoStore[K, V]) GetByIndexRange(ctx context.Context, start, end any, opts *RangeOptions) ([]V, error) {
	attrs, lo := indexTuple(start)
	hi := tupleOf(end, attrs)
	matched, err := s.scanIndex(ctx, attrs, encodeTuple(nil, lo), encodeTuple(nil, hi), opts)
	if err != nil {
		return nil, err
	}
	return s.indexValues(matched), nil
}

func (s *DynamoStore[K, V]) GetIndexRangeIterator(ctx context.Context, start, end any, opts *RangeOptions) (*Iterator[V], error) {
	attrs, lo := indexTuple(start)
	hi := tupleOf(end, attrs)
	matched, err := s.scanIndex(ctx, attrs, encodeTuple(nil, lo), encodeTuple(nil, hi), opts)
	if err != nil {
		return nil, err
	}
	return mapIterator(matched, func(m projectedFields) (V, error) {
		return s.value(m.fields, s.reconstructKey(m.key)), nil
	}), nil
}

func (s *DynamoStore[K, V]) Delete(ctx context.Context, key K) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       s.keyAV(key),
	})
	return err
}

func (s *DynamoStore[K, V]) DeleteRange(ctx context.Context, start, end K) error {
	pk, lo, hi := s.rangeBounds(start, end)
	items, err := s.queryPartition(ctx, pk, lo, hi, nil, "pk, sk")
	if err != nil {
		return err
	}
	for _, item := range items {
		_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.table),
			Key: map[string]types.AttributeValue{
				"pk": &types.AttributeValueMemberS{Value: item.PK},
				"sk": &types.AttributeValueMemberS{Value: item.SK},
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *DynamoStore[K, V]) CreateTable(ctx context.Context) error {
	_, err := s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(s.table),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("pk"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("sk"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("pk"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("sk"), KeyType: types.KeyTypeRange},
		},
	})
	var inUse *types.ResourceInUseException
	if errors.As(err, &inUse) {
		slog.Debug("docstore: table already exists", "table", s.table)
		return nil
	}
	return err
}

func (s *DynamoStore[K, V]) DropTable(ctx context.Context) error {
	_, err := s.client.DeleteTable(ctx, &dynamodb.DeleteTableInput{
		TableName: aws.String(s.table),
	})
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return nil
	}
	return err
}

func (s *DynamoStore[K, V]) Close() error {
	return nil
}
