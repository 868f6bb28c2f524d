package callcache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI captures the subset of DynamoDB client methods used by the store.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

const (
	dynamoEnsureTableMaxAttempts = 20
	dynamoEnsureTableRetryDelay  = 150 * time.Millisecond
	dynamoMaxCASAttempts         = 16
	dynamoBatchWriteLimit        = 25
)

// Item attributes: k key, v scalar bytes, l list of binary values, ea expiry in unix millis.
const (
	dynamoAttrKey    = "k"
	dynamoAttrValue  = "v"
	dynamoAttrList   = "l"
	dynamoAttrExpiry = "ea"
)

type dynamoStore struct {
	client DynamoAPI
	table  string
	prefix string
}

func newDynamoStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	if cfg.DynamoClient == nil {
		client, err := newDynamoClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		cfg.DynamoClient = client
	}
	if err := ensureDynamoTable(ctx, cfg.DynamoClient, cfg.DynamoTable); err != nil {
		return nil, err
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &dynamoStore{
		client: cfg.DynamoClient,
		table:  cfg.DynamoTable,
		prefix: prefix,
	}, nil
}

func newDynamoClient(ctx context.Context, cfg StoreConfig) (*dynamodb.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.DynamoRegion)}
	if cfg.DynamoEndpoint != "" {
		// Local endpoints (dynamodb-local, localstack) accept any static credentials.
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("dummy", "dummy", "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	if cfg.DynamoEndpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: cfg.DynamoEndpoint, HostnameImmutable: true}, nil
		})
		awsCfg.EndpointResolverWithOptions = resolver
	}
	return dynamodb.NewFromConfig(awsCfg), nil
}

func (s *dynamoStore) Driver() Driver { return DriverDynamo }

func (s *dynamoStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	item, err := s.load(ctx, key)
	if err != nil || item == nil {
		return nil, false, err
	}
	if _, isList := item[dynamoAttrList]; isList {
		return nil, false, fmt.Errorf("dynamodb key %q holds a list", key)
	}
	v, ok := item[dynamoAttrValue].(*types.AttributeValueMemberB)
	if !ok {
		return nil, false, errors.New("dynamodb item missing binary value")
	}
	return cloneBytes(v.Value), true, nil
}

func (s *dynamoStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      s.scalarItem(key, value, expiresAt(ttl)),
	})
	return err
}

// Increment is a read followed by a conditional put on the previous value.
func (s *dynamoStore) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	for attempt := 0; attempt < dynamoMaxCASAttempts; attempt++ {
		out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(s.table),
			Key:            s.keyAttr(key),
			ConsistentRead: aws.Bool(true),
		})
		if err != nil {
			return 0, err
		}

		input := &dynamodb.PutItemInput{TableName: aws.String(s.table)}
		current, ea := int64(0), int64(0)
		if out.Item == nil {
			input.ConditionExpression = aws.String("attribute_not_exists(k)")
		} else {
			if _, isList := out.Item[dynamoAttrList]; isList {
				return 0, fmt.Errorf("dynamodb key %q: %w", key, ErrNotNumeric)
			}
			prev, ok := out.Item[dynamoAttrValue].(*types.AttributeValueMemberB)
			if !ok {
				return 0, errors.New("dynamodb item missing binary value")
			}
			ea = dynamoExpiry(out.Item)
			if isExpired(ea) {
				ea = 0
			} else {
				current, err = strconv.ParseInt(string(prev.Value), 10, 64)
				if err != nil {
					return 0, fmt.Errorf("dynamodb key %q: %w", key, ErrNotNumeric)
				}
			}
			input.ConditionExpression = aws.String("v = :prev")
			input.ExpressionAttributeValues = map[string]types.AttributeValue{
				":prev": &types.AttributeValueMemberB{Value: prev.Value},
			}
		}

		next := current + delta
		input.Item = s.scalarItem(key, []byte(strconv.FormatInt(next, 10)), ea)
		_, err = s.client.PutItem(ctx, input)
		if err == nil {
			return next, nil
		}
		var cce *types.ConditionalCheckFailedException
		if errors.As(err, &cce) {
			continue
		}
		return 0, err
	}
	return 0, errors.New("dynamodb increment exceeded retry limit")
}

func (s *dynamoStore) Append(ctx context.Context, key string, value []byte) (int64, error) {
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 s.keyAttr(key),
		UpdateExpression:    aws.String("SET l = list_append(if_not_exists(l, :empty), :item)"),
		ConditionExpression: aws.String("attribute_not_exists(v)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":empty": &types.AttributeValueMemberL{Value: []types.AttributeValue{}},
			":item": &types.AttributeValueMemberL{Value: []types.AttributeValue{
				&types.AttributeValueMemberB{Value: cloneBytes(value)},
			}},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		var cce *types.ConditionalCheckFailedException
		if errors.As(err, &cce) {
			return 0, fmt.Errorf("dynamodb key %q does not hold a list", key)
		}
		return 0, err
	}
	list, ok := out.Attributes[dynamoAttrList].(*types.AttributeValueMemberL)
	if !ok {
		return 0, errors.New("dynamodb append returned no list")
	}
	return int64(len(list.Value)), nil
}

func (s *dynamoStore) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	item, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return [][]byte{}, nil
	}
	list, ok := item[dynamoAttrList].(*types.AttributeValueMemberL)
	if !ok {
		return nil, fmt.Errorf("dynamodb key %q does not hold a list", key)
	}
	values := make([][]byte, 0, len(list.Value))
	for _, av := range list.Value {
		b, ok := av.(*types.AttributeValueMemberB)
		if !ok {
			return nil, fmt.Errorf("dynamodb key %q holds a non-binary list element", key)
		}
		values = append(values, b.Value)
	}
	return sliceRange(values, start, stop), nil
}

func (s *dynamoStore) Flush(ctx context.Context) error {
	var lastEvaluatedKey map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:            aws.String(s.table),
			ProjectionExpression: aws.String("k"),
			FilterExpression:     aws.String("begins_with(k, :scope)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":scope": &types.AttributeValueMemberS{Value: s.prefix + ":"},
			},
			ExclusiveStartKey: lastEvaluatedKey,
		})
		if err != nil {
			return err
		}
		if err := s.deleteItems(ctx, out.Items); err != nil {
			return err
		}
		if len(out.LastEvaluatedKey) == 0 {
			return nil
		}
		lastEvaluatedKey = out.LastEvaluatedKey
	}
}

func (s *dynamoStore) Close() error {
	return nil
}

func (s *dynamoStore) deleteItems(ctx context.Context, items []map[string]types.AttributeValue) error {
	for len(items) > 0 {
		n := len(items)
		if n > dynamoBatchWriteLimit {
			n = dynamoBatchWriteLimit
		}
		writes := make([]types.WriteRequest, 0, n)
		for _, item := range items[:n] {
			kv, ok := item[dynamoAttrKey].(*types.AttributeValueMemberS)
			if !ok || !strings.HasPrefix(kv.Value, s.prefix+":") {
				continue
			}
			writes = append(writes, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{
					Key: map[string]types.AttributeValue{dynamoAttrKey: &types.AttributeValueMemberS{Value: kv.Value}},
				},
			})
		}
		items = items[n:]
		if len(writes) == 0 {
			continue
		}
		if _, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{s.table: writes},
		}); err != nil {
			return err
		}
	}
	return nil
}

// load returns the live item for key or nil when it is missing or expired.
func (s *dynamoStore) load(ctx context.Context, key string) (map[string]types.AttributeValue, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       s.keyAttr(key),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil || isExpired(dynamoExpiry(out.Item)) {
		return nil, nil
	}
	return out.Item, nil
}

func (s *dynamoStore) scalarItem(key string, value []byte, ea int64) map[string]types.AttributeValue {
	if value == nil {
		value = []byte{}
	}
	item := map[string]types.AttributeValue{
		dynamoAttrKey:   &types.AttributeValueMemberS{Value: s.storeKey(key)},
		dynamoAttrValue: &types.AttributeValueMemberB{Value: cloneBytes(value)},
	}
	if ea > 0 {
		item[dynamoAttrExpiry] = &types.AttributeValueMemberN{Value: strconv.FormatInt(ea, 10)}
	}
	return item
}

func (s *dynamoStore) keyAttr(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{dynamoAttrKey: &types.AttributeValueMemberS{Value: s.storeKey(key)}}
}

func (s *dynamoStore) storeKey(key string) string {
	return s.prefix + ":" + key
}

func dynamoExpiry(item map[string]types.AttributeValue) int64 {
	av, ok := item[dynamoAttrExpiry].(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	ea, err := strconv.ParseInt(av.Value, 10, 64)
	if err != nil {
		return 0
	}
	return ea
}

func ensureDynamoTable(ctx context.Context, client DynamoAPI, table string) error {
	var lastErr error
	for attempt := 1; attempt <= dynamoEnsureTableMaxAttempts; attempt++ {
		_, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)})
		if err == nil {
			return nil
		}

		var rnfe *types.ResourceNotFoundException
		if errors.As(err, &rnfe) {
			_, createErr := client.CreateTable(ctx, &dynamodb.CreateTableInput{
				TableName: aws.String(table),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String(dynamoAttrKey), KeyType: types.KeyTypeHash},
				},
				AttributeDefinitions: []types.AttributeDefinition{
					{AttributeName: aws.String(dynamoAttrKey), AttributeType: types.ScalarAttributeTypeS},
				},
				BillingMode: types.BillingModePayPerRequest,
			})
			if createErr == nil {
				return nil
			}
			var inUse *types.ResourceInUseException
			if errors.As(createErr, &inUse) {
				return nil
			}
			if !isDynamoStartupRetryable(createErr) {
				return createErr
			}
			lastErr = createErr
		} else {
			if !isDynamoStartupRetryable(err) {
				return err
			}
			lastErr = err
		}

		if attempt == dynamoEnsureTableMaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(dynamoEnsureTableRetryDelay):
		}
	}
	if lastErr == nil {
		lastErr = errors.New("dynamo table ensure failed")
	}
	return fmt.Errorf("ensure dynamo table %q: %w", table, lastErr)
}

func isDynamoStartupRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "request send failed") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "eof")
}
