// Package stream tails the table's DynamoDB stream and hands every row
// change to a handler, in shard order.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
	"github.com/cenkalti/backoff/v5"

	appconfig "github.com/epw80/cataglory/pkg/config"
	"github.com/epw80/cataglory/pkg/storage"
)

const (
	// discoveryTimeout bounds how long Run keeps retrying the first DescribeStream
	discoveryTimeout = 30 * time.Second

	// maxAttempts is how many times a record is handed to the handler before
	// it is dropped
	maxAttempts = 3
)

// API is the subset of the DynamoDB Streams client the poller uses
type API interface {
	DescribeStream(ctx context.Context, in *dynamodbstreams.DescribeStreamInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.DescribeStreamOutput, error)
	GetShardIterator(ctx context.Context, in *dynamodbstreams.GetShardIteratorInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, in *dynamodbstreams.GetRecordsInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetRecordsOutput, error)
}

// Handler consumes one change. A record whose handler fails is redelivered on
// the next poll, up to maxAttempts times, so handlers must be idempotent.
type Handler func(ctx context.Context, c storage.Change) error

// NewStreamsClient creates a DynamoDB Streams client honouring the local endpoint override
func NewStreamsClient(awsCfg aws.Config, cfg *appconfig.Config) *dynamodbstreams.Client {
	return dynamodbstreams.NewFromConfig(awsCfg, func(o *dynamodbstreams.Options) {
		if cfg.DynamoDBEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoDBEndpoint)
		}
	})
}

type shard struct {
	parent   string
	iterator *string
	// where reading started, reused when no record has been delivered yet
	start types.ShardIteratorType
	// last sequence number delivered, used to resume after an expired iterator
	last string
	// consecutive failures of the record at the head of the shard
	failures int
}

// Poller reads every open shard of one stream. It is not safe for
// concurrent use; Run owns it.
type Poller struct {
	api      API
	arn      string
	handler  Handler
	interval time.Duration
	logger   *slog.Logger

	shards  map[string]*shard
	closed  map[string]bool
	started bool
}

// New creates a poller for the stream at streamARN
func New(api API, streamARN string, handler Handler, interval time.Duration, logger *slog.Logger) *Poller {
	return &Poller{
		api:      api,
		arn:      streamARN,
		handler:  handler,
		interval: interval,
		logger:   logger,
		shards:   make(map[string]*shard),
		closed:   make(map[string]bool),
	}
}

// Run polls until ctx is cancelled. Shards open at start are read from their
// tip; shards that appear later are read from their beginning.
func (p *Poller) Run(ctx context.Context) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, p.refresh(ctx)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(discoveryTimeout))
	if err != nil {
		return fmt.Errorf("failed to describe stream: %w", err)
	}

	p.logger.Info("stream poller started",
		slog.String("streamArn", p.arn),
		slog.Int("shards", len(p.shards)))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("stream poller stopped")
			return nil
		case <-ticker.C:
			if err := p.Poll(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("stream poll failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Poll refreshes the shard list and reads one batch from every readable shard
func (p *Poller) Poll(ctx context.Context) error {
	if err := p.refresh(ctx); err != nil {
		return err
	}

	var errs []error
	for id, s := range p.shards {
		if s.parent != "" && p.shards[s.parent] != nil {
			// children wait until their parent is drained
			continue
		}
		if err := p.read(ctx, id, s); err != nil {
			errs = append(errs, fmt.Errorf("shard %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Shards returns how many shards are being tracked
func (p *Poller) Shards() int {
	return len(p.shards)
}

func (p *Poller) refresh(ctx context.Context) error {
	iteratorType := types.ShardIteratorTypeTrimHorizon
	if !p.started {
		iteratorType = types.ShardIteratorTypeLatest
	}

	var start *string
	for {
		out, err := p.api.DescribeStream(ctx, &dynamodbstreams.DescribeStreamInput{
			StreamArn:             aws.String(p.arn),
			ExclusiveStartShardId: start,
		})
		if err != nil {
			return err
		}
		if out.StreamDescription == nil {
			break
		}

		for _, sh := range out.StreamDescription.Shards {
			id := aws.ToString(sh.ShardId)
			if id == "" || p.shards[id] != nil || p.closed[id] {
				continue
			}
			parent := aws.ToString(sh.ParentShardId)
			if p.closed[parent] {
				parent = ""
			}
			p.shards[id] = &shard{parent: parent, start: iteratorType}
			if err := p.acquire(ctx, id, p.shards[id]); err != nil {
				delete(p.shards, id)
				return err
			}
		}

		start = out.StreamDescription.LastEvaluatedShardId
		if start == nil {
			break
		}
	}

	p.started = true
	return nil
}

// acquire positions s just after its last delivered record, or at its
// starting point when nothing has been delivered
func (p *Poller) acquire(ctx context.Context, id string, s *shard) error {
	in := &dynamodbstreams.GetShardIteratorInput{
		StreamArn:         aws.String(p.arn),
		ShardId:           aws.String(id),
		ShardIteratorType: s.start,
	}
	if s.last != "" {
		in.ShardIteratorType = types.ShardIteratorTypeAfterSequenceNumber
		in.SequenceNumber = aws.String(s.last)
	}

	out, err := p.api.GetShardIterator(ctx, in)
	if err != nil {
		return fmt.Errorf("failed to get shard iterator: %w", err)
	}
	s.iterator = out.ShardIterator
	return nil
}

func (p *Poller) read(ctx context.Context, id string, s *shard) error {
	out, err := p.api.GetRecords(ctx, &dynamodbstreams.GetRecordsInput{
		ShardIterator: s.iterator,
	})
	var expired *types.ExpiredIteratorException
	if errors.As(err, &expired) {
		p.logger.Debug("shard iterator expired", slog.String("shardId", id))
		return p.acquire(ctx, id, s)
	}
	if err != nil {
		return err
	}

	for _, record := range out.Records {
		c, err := toChange(record)
		if err != nil {
			p.logger.Error("failed to decode stream record",
				slog.String("shardId", id),
				slog.String("error", err.Error()))
			continue
		}
		if err := p.handler(ctx, c); err != nil {
			s.failures++
			if s.failures < maxAttempts {
				p.logger.Warn("failed to handle stream record, will retry",
					slog.String("shardId", id),
					slog.String("event", c.EventName),
					slog.Int("attempt", s.failures),
					slog.String("error", err.Error()))
				return p.rewind(ctx, id, s)
			}
			p.logger.Error("dropping stream record after repeated failures",
				slog.String("shardId", id),
				slog.String("event", c.EventName),
				slog.Int("attempts", s.failures),
				slog.String("error", err.Error()))
		}
		s.failures = 0
		if record.Dynamodb != nil && record.Dynamodb.SequenceNumber != nil {
			s.last = *record.Dynamodb.SequenceNumber
		}
	}

	s.iterator = out.NextShardIterator
	if s.iterator == nil {
		p.logger.Debug("shard closed", slog.String("shardId", id))
		delete(p.shards, id)
		p.closed[id] = true
	}
	return nil
}

// rewind positions the shard so the next read starts at the first record that
// was not handled
func (p *Poller) rewind(ctx context.Context, id string, s *shard) error {
	if s.last == "" {
		// nothing handled yet; the current iterator still points at the batch
		return nil
	}
	return p.acquire(ctx, id, s)
}

func toChange(record types.Record) (storage.Change, error) {
	c := storage.Change{EventName: string(record.EventName)}
	if record.Dynamodb == nil {
		return c, nil
	}

	var err error
	if record.Dynamodb.OldImage != nil {
		if c.Old, err = attributevalue.FromDynamoDBStreamsMap(record.Dynamodb.OldImage); err != nil {
			return c, fmt.Errorf("old image: %w", err)
		}
	}
	if record.Dynamodb.NewImage != nil {
		if c.New, err = attributevalue.FromDynamoDBStreamsMap(record.Dynamodb.NewImage); err != nil {
			return c, fmt.Errorf("new image: %w", err)
		}
	}
	return c, nil
}
