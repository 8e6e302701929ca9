package viewcache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI captures the subset of DynamoDB client methods used by the store.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

const (
	dynamoEnsureTableMaxAttempts = 20
	dynamoEnsureTableRetryDelay  = 150 * time.Millisecond
	// BatchWriteItem accepts at most 25 requests per call.
	dynamoBatchLimit = 25
)

type dynamoStore struct {
	client     DynamoAPI
	table      string
	prefix     string
	defaultTTL time.Duration
}

func newDynamoStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	client := cfg.DynamoClient
	if client == nil {
		built, err := newDynamoClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		client = built
	}
	if err := ensureDynamoTable(ctx, client, cfg.DynamoTable); err != nil {
		return nil, err
	}
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &dynamoStore{client: client, table: cfg.DynamoTable, prefix: cfg.Prefix, defaultTTL: ttl}, nil
}

func newDynamoClient(ctx context.Context, cfg StoreConfig) (*dynamodb.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.DynamoRegion)}
	if cfg.DynamoEndpoint != "" {
		// Local endpoints (dynamodb-local) accept any static credentials.
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("local", "local", "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.DynamoEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoEndpoint)
		}
	}), nil
}

func (s *dynamoStore) Driver() Driver { return DriverDynamo }

func (s *dynamoStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       s.itemKey(key),
	})
	if err != nil {
		return nil, false, err
	}
	if out.Item == nil {
		return nil, false, nil
	}
	if dynamoExpired(out.Item, time.Now()) {
		_ = s.Delete(ctx, key)
		return nil, false, nil
	}
	v, ok := out.Item["v"].(*types.AttributeValueMemberB)
	if !ok {
		return nil, false, errors.New("dynamodb item missing binary value")
	}
	return cloneBytes(v.Value), true, nil
}

func (s *dynamoStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	item := s.itemKey(key)
	item["v"] = &types.AttributeValueMemberB{Value: cloneBytes(value)}
	item["ea"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().Add(ttl).UnixMilli(), 10)}
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.table), Item: item})
	return err
}

func (s *dynamoStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       s.itemKey(key),
	})
	return err
}

func (s *dynamoStore) DeleteMany(ctx context.Context, keys ...string) error {
	return s.deleteRaw(ctx, s.rawKeys(keys))
}

// DeleteMatching scans the table and deletes the keys in the store scope
// whose signature contains pattern.
func (s *dynamoStore) DeleteMatching(ctx context.Context, pattern string) (int, error) {
	return s.scanDelete(ctx, func(key string) bool {
		return strings.Contains(key, pattern)
	})
}

func (s *dynamoStore) Flush(ctx context.Context) error {
	_, err := s.scanDelete(ctx, func(string) bool { return true })
	return err
}

func (s *dynamoStore) scanDelete(ctx context.Context, match func(key string) bool) (int, error) {
	var start map[string]types.AttributeValue
	scope := s.cacheKey("")
	removed := 0
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:            aws.String(s.table),
			ProjectionExpression: aws.String("k"),
			ExclusiveStartKey:    start,
		})
		if err != nil {
			return removed, err
		}
		raw := make([]string, 0, len(out.Items))
		for _, item := range out.Items {
			kv, ok := item["k"].(*types.AttributeValueMemberS)
			if ok && strings.HasPrefix(kv.Value, scope) && match(strings.TrimPrefix(kv.Value, scope)) {
				raw = append(raw, kv.Value)
			}
		}
		if err := s.deleteRaw(ctx, raw); err != nil {
			return removed, err
		}
		removed += len(raw)
		if len(out.LastEvaluatedKey) == 0 {
			return removed, nil
		}
		start = out.LastEvaluatedKey
	}
}

func (s *dynamoStore) deleteRaw(ctx context.Context, raw []string) error {
	for len(raw) > 0 {
		n := min(len(raw), dynamoBatchLimit)
		writes := make([]types.WriteRequest, 0, n)
		for _, k := range raw[:n] {
			writes = append(writes, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{
					Key: map[string]types.AttributeValue{"k": &types.AttributeValueMemberS{Value: k}},
				},
			})
		}
		if _, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{s.table: writes},
		}); err != nil {
			return err
		}
		raw = raw[n:]
	}
	return nil
}

func (s *dynamoStore) rawKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.cacheKey(k))
	}
	return out
}

func (s *dynamoStore) itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"k": &types.AttributeValueMemberS{Value: s.cacheKey(key)}}
}

func (s *dynamoStore) cacheKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}

func dynamoExpired(item map[string]types.AttributeValue, now time.Time) bool {
	av, ok := item["ea"].(*types.AttributeValueMemberN)
	if !ok {
		return false
	}
	exp, err := strconv.ParseInt(av.Value, 10, 64)
	if err != nil {
		return false
	}
	return now.UnixMilli() > exp
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
			_, err = client.CreateTable(ctx, &dynamodb.CreateTableInput{
				TableName: aws.String(table),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("k"), KeyType: types.KeyTypeHash},
				},
				AttributeDefinitions: []types.AttributeDefinition{
					{AttributeName: aws.String("k"), AttributeType: types.ScalarAttributeTypeS},
				},
				BillingMode: types.BillingModePayPerRequest,
			})
			var inUse *types.ResourceInUseException
			if err == nil || errors.As(err, &inUse) {
				return nil
			}
		}
		if !isDynamoStartupRetryable(err) {
			return fmt.Errorf("ensure dynamo table %q: %w", table, err)
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(dynamoEnsureTableRetryDelay):
		}
	}
	return fmt.Errorf("ensure dynamo table %q: %w", table, lastErr)
}

func isDynamoStartupRetryable(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"request send failed", "connection reset by peer", "connection refused", "timeout", "eof"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
