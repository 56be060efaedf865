package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	appconfig "github.com/epw80/cataglory/pkg/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// maxTransactItems is the DynamoDB limit of actions per transaction
const maxTransactItems = 100

// DynamoDBStore implements KeyStore using AWS DynamoDB
type DynamoDBStore struct {
	client *dynamodb.Client
	table  string
	logger *slog.Logger
	tracer trace.Tracer
}

// LoadAWSConfig builds the SDK configuration shared by the DynamoDB and
// DynamoDB Streams clients.
func LoadAWSConfig(ctx context.Context, cfg *appconfig.Config) (aws.Config, error) {
	// If using local DynamoDB endpoint, configure with static credentials
	if cfg.DynamoDBEndpoint != "" {
		return config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.DynamoDBRegion),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AWSAccessKey,
				cfg.AWSSecretKey,
				"",
			)),
		)
	}
	// Use default AWS credentials chain for production
	return config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.DynamoDBRegion),
	)
}

// NewDynamoDBClient creates a DynamoDB client honouring the local endpoint override
func NewDynamoDBClient(awsCfg aws.Config, cfg *appconfig.Config) *dynamodb.Client {
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.DynamoDBEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoDBEndpoint)
		}
	})
}

// NewDynamoDBStore creates a new DynamoDB-backed key store
func NewDynamoDBStore(ctx context.Context, cfg *appconfig.Config, logger *slog.Logger) (*DynamoDBStore, error) {
	awsCfg, err := LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	store := &DynamoDBStore{
		client: NewDynamoDBClient(awsCfg, cfg),
		table:  GetTableSchema(cfg.TableName).TableName,
		logger: logger,
		tracer: otel.Tracer("github.com/epw80/cataglory/pkg/storage"),
	}

	// Verify connection with health check
	if err := store.HealthCheck(ctx); err != nil {
		return nil, err
	}

	logger.Info("DynamoDB store initialized",
		slog.String("region", cfg.DynamoDBRegion),
		slog.String("endpoint", cfg.DynamoDBEndpoint),
		slog.String("table", store.table))

	return store, nil
}

// Put upserts one row
func (s *DynamoDBStore) Put(ctx context.Context, row any) (err error) {
	ctx, span := s.startSpan(ctx, "Put")
	defer func() { endSpan(span, err) }()

	item, err := MarshalRow(row)
	if err != nil {
		return err
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		s.logger.Error("failed to put row",
			slog.String("error", err.Error()),
			slog.String("sortKey", SortKeyOf(item)))
		return classify("put", err)
	}

	s.logger.Debug("row saved",
		slog.String("partitionKey", KeyOf(item).PartitionKey),
		slog.String("sortKey", SortKeyOf(item)))

	return nil
}

// Insert puts a row guarded by attribute_not_exists on the partition key
func (s *DynamoDBStore) Insert(ctx context.Context, row any) (err error) {
	ctx, span := s.startSpan(ctx, "Insert")
	defer func() { endSpan(span, err) }()

	item, err := MarshalRow(row)
	if err != nil {
		return err
	}

	expr, err := expression.NewBuilder().
		WithCondition(expression.AttributeNotExists(expression.Name(AttrPartitionKey))).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build condition expression: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.table),
		Item:                     item,
		ConditionExpression:      expr.Condition(),
		ExpressionAttributeNames: expr.Names(),
	})
	if err != nil {
		err = classify("insert", err)
		if !errors.Is(err, ErrConditionFailed) {
			s.logger.Error("failed to insert row",
				slog.String("error", err.Error()),
				slog.String("sortKey", SortKeyOf(item)))
		}
		return err
	}

	s.logger.Debug("row inserted",
		slog.String("partitionKey", KeyOf(item).PartitionKey),
		slog.String("sortKey", SortKeyOf(item)))

	return nil
}

// Query drains every page of a key-condition query
func (s *DynamoDBStore) Query(ctx context.Context, index Index, partition, sortKeyPrefix string) (items []Item, err error) {
	ctx, span := s.startSpan(ctx, "Query")
	defer func() { endSpan(span, err) }()

	pkName, skName := keyAttributes(index)
	keyCond := expression.Key(pkName).Equal(expression.Value(partition))
	if sortKeyPrefix != "" {
		keyCond = keyCond.And(expression.Key(skName).BeginsWith(sortKeyPrefix))
	}

	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build query expression: %w", err)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}
	if index == GSIIndex {
		input.IndexName = aws.String(IndexGsi)
	}

	items = make([]Item, 0)
	paginator := dynamodb.NewQueryPaginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			s.logger.Error("failed to query rows",
				slog.String("error", err.Error()),
				slog.String("partition", partition),
				slog.String("prefix", sortKeyPrefix))
			return nil, classify("query", err)
		}
		items = append(items, page.Items...)
	}

	s.logger.Debug("queried rows",
		slog.String("partition", partition),
		slog.String("prefix", sortKeyPrefix),
		slog.Int("count", len(items)))

	return items, nil
}

// TransactPut writes all rows in one transaction
func (s *DynamoDBStore) TransactPut(ctx context.Context, rows ...any) (err error) {
	ctx, span := s.startSpan(ctx, "TransactPut")
	defer func() { endSpan(span, err) }()

	actions := make([]types.TransactWriteItem, 0, len(rows))
	for _, row := range rows {
		item, err := MarshalRow(row)
		if err != nil {
			return err
		}
		actions = append(actions, types.TransactWriteItem{
			Put: &types.Put{TableName: aws.String(s.table), Item: item},
		})
	}

	return s.transact(ctx, "transact put", actions)
}

// ReplaceKey moves one row to a new key (or rewrites it in place)
func (s *DynamoDBStore) ReplaceKey(ctx context.Context, old Key, newRow any, expect ...Attribute) error {
	return s.ReplaceKeys(ctx, []Key{old}, []any{newRow}, expect...)
}

// ReplaceKeys deletes every old row and writes every new row atomically
func (s *DynamoDBStore) ReplaceKeys(ctx context.Context, olds []Key, newRows []any, expect ...Attribute) (err error) {
	ctx, span := s.startSpan(ctx, "ReplaceKeys")
	defer func() { endSpan(span, err) }()

	if len(olds) != len(newRows) {
		return fmt.Errorf("replace keys: %d old keys for %d new rows", len(olds), len(newRows))
	}

	cond, err := conditionExpression(expect)
	if err != nil {
		return err
	}

	actions := make([]types.TransactWriteItem, 0, 2*len(olds))
	for i, old := range olds {
		item, err := MarshalRow(newRows[i])
		if err != nil {
			return err
		}

		// DynamoDB rejects two actions on one key in a transaction, so a
		// rewrite in place is a single conditional put.
		if KeyOf(item) == old {
			actions = append(actions, types.TransactWriteItem{Put: &types.Put{
				TableName:                 aws.String(s.table),
				Item:                      item,
				ConditionExpression:       cond.Condition(),
				ExpressionAttributeNames:  cond.Names(),
				ExpressionAttributeValues: cond.Values(),
			}})
			continue
		}

		actions = append(actions,
			types.TransactWriteItem{Delete: &types.Delete{
				TableName:                 aws.String(s.table),
				Key:                       keyItem(old),
				ConditionExpression:       cond.Condition(),
				ExpressionAttributeNames:  cond.Names(),
				ExpressionAttributeValues: cond.Values(),
			}},
			types.TransactWriteItem{Put: &types.Put{
				TableName: aws.String(s.table),
				Item:      item,
			}},
		)
	}

	return s.transact(ctx, "replace keys", actions)
}

// BulkUpdate sets attributes on several rows of a partition atomically
func (s *DynamoDBStore) BulkUpdate(ctx context.Context, partition string, sortKeys []string, set []Attribute, expect ...Attribute) (err error) {
	ctx, span := s.startSpan(ctx, "BulkUpdate")
	defer func() { endSpan(span, err) }()

	if len(set) == 0 {
		return errors.New("bulk update: no attributes to set")
	}

	update := expression.Set(expression.Name(set[0].Name), expression.Value(set[0].Value))
	for _, attr := range set[1:] {
		update = update.Set(expression.Name(attr.Name), expression.Value(attr.Value))
	}

	expr, err := expression.NewBuilder().
		WithUpdate(update).
		WithCondition(condition(expect)).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build update expression: %w", err)
	}

	actions := make([]types.TransactWriteItem, 0, len(sortKeys))
	for _, sortKey := range sortKeys {
		actions = append(actions, types.TransactWriteItem{Update: &types.Update{
			TableName:                 aws.String(s.table),
			Key:                       keyItem(Key{PartitionKey: partition, SortKey: sortKey}),
			UpdateExpression:          expr.Update(),
			ConditionExpression:       expr.Condition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		}})
	}

	return s.transact(ctx, "bulk update", actions)
}

// AppendToList appends values to a list attribute of an existing row
func (s *DynamoDBStore) AppendToList(ctx context.Context, partition, sortKey, attr string, values []string) (err error) {
	ctx, span := s.startSpan(ctx, "AppendToList")
	defer func() { endSpan(span, err) }()

	name := expression.Name(attr)
	update := expression.Set(name, expression.ListAppend(
		expression.IfNotExists(name, expression.Value([]string{})),
		expression.Value(values),
	))

	expr, err := expression.NewBuilder().
		WithUpdate(update).
		WithCondition(condition(nil)).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build append expression: %w", err)
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       keyItem(Key{PartitionKey: partition, SortKey: sortKey}),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		s.logger.Error("failed to append to list",
			slog.String("error", err.Error()),
			slog.String("sortKey", sortKey),
			slog.String("attribute", attr))
		return classify("append", err)
	}

	return nil
}

// StreamARN returns the ARN of the table's latest change stream
func (s *DynamoDBStore) StreamARN(ctx context.Context) (string, error) {
	out, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	})
	if err != nil {
		return "", classify("describe table", err)
	}
	if out.Table == nil || out.Table.LatestStreamArn == nil {
		return "", fmt.Errorf("table %s has no stream enabled", s.table)
	}
	return aws.ToString(out.Table.LatestStreamArn), nil
}

// HealthCheck verifies DynamoDB is accessible
func (s *DynamoDBStore) HealthCheck(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	})
	if err != nil {
		return fmt.Errorf("DynamoDB health check failed: %w", err)
	}

	return nil
}

// Close releases resources (DynamoDB client doesn't need explicit cleanup)
func (s *DynamoDBStore) Close() error {
	s.logger.Info("DynamoDB store closed")
	return nil
}

func (s *DynamoDBStore) transact(ctx context.Context, op string, actions []types.TransactWriteItem) error {
	if len(actions) == 0 {
		return nil
	}
	if len(actions) > maxTransactItems {
		return fmt.Errorf("%s: %d actions exceed the transaction limit of %d", op, len(actions), maxTransactItems)
	}

	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: actions,
	})
	if err != nil {
		err = classify(op, err)
		if errors.Is(err, ErrConditionFailed) {
			s.logger.Debug("transaction condition failed", slog.String("op", op))
		} else {
			s.logger.Error("transaction failed",
				slog.String("op", op),
				slog.String("error", err.Error()))
		}
		return err
	}

	s.logger.Debug("transaction committed",
		slog.String("op", op),
		slog.Int("actions", len(actions)))

	return nil
}

func (s *DynamoDBStore) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "storage."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "dynamodb"),
			attribute.String("db.name", s.table),
		))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// condition asserts the row exists and every expectation holds on it
func condition(expect []Attribute) expression.ConditionBuilder {
	cond := expression.AttributeExists(expression.Name(AttrPartitionKey))
	for _, attr := range expect {
		cond = cond.And(expression.Name(attr.Name).Equal(expression.Value(attr.Value)))
	}
	return cond
}

func conditionExpression(expect []Attribute) (expression.Expression, error) {
	expr, err := expression.NewBuilder().WithCondition(condition(expect)).Build()
	if err != nil {
		return expression.Expression{}, fmt.Errorf("failed to build condition expression: %w", err)
	}
	return expr, nil
}

func keyItem(k Key) Item {
	return Item{
		AttrPartitionKey: &types.AttributeValueMemberS{Value: k.PartitionKey},
		AttrSortKey:      &types.AttributeValueMemberS{Value: k.SortKey},
	}
}

// classify maps SDK errors onto ErrConditionFailed or *StoreError
func classify(op string, err error) error {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return ErrConditionFailed
	}

	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for _, reason := range tce.CancellationReasons {
			if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
				return ErrConditionFailed
			}
		}
	}

	return storeErr(op, err)
}
