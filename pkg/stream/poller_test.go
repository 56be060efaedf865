package stream

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"

	"github.com/epw80/cataglory/pkg/storage"
)

type page struct {
	records []types.Record
	next    *string
	err     error
}

// mockStreams serves a fixed shard list and scripted GetRecords pages keyed
// by iterator
type mockStreams struct {
	mu        sync.Mutex
	shards    []types.Shard
	pages     map[string]page
	iterators []*dynamodbstreams.GetShardIteratorInput
	describes int
	reads     []string
}

func newMockStreams(shards ...types.Shard) *mockStreams {
	return &mockStreams{shards: shards, pages: make(map[string]page)}
}

func (m *mockStreams) DescribeStream(_ context.Context, in *dynamodbstreams.DescribeStreamInput, _ ...func(*dynamodbstreams.Options)) (*dynamodbstreams.DescribeStreamOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.describes++
	return &dynamodbstreams.DescribeStreamOutput{
		StreamDescription: &types.StreamDescription{Shards: m.shards},
	}, nil
}

func (m *mockStreams) GetShardIterator(_ context.Context, in *dynamodbstreams.GetShardIteratorInput, _ ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetShardIteratorOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iterators = append(m.iterators, in)
	it := aws.ToString(in.ShardId) + "/" + string(in.ShardIteratorType) + aws.ToString(in.SequenceNumber)
	return &dynamodbstreams.GetShardIteratorOutput{ShardIterator: aws.String(it)}, nil
}

func (m *mockStreams) GetRecords(_ context.Context, in *dynamodbstreams.GetRecordsInput, _ ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetRecordsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := aws.ToString(in.ShardIterator)
	m.reads = append(m.reads, it)
	p, ok := m.pages[it]
	if !ok {
		// idle open shard
		return &dynamodbstreams.GetRecordsOutput{NextShardIterator: in.ShardIterator}, nil
	}
	if p.err != nil {
		return nil, p.err
	}
	return &dynamodbstreams.GetRecordsOutput{Records: p.records, NextShardIterator: p.next}, nil
}

func (m *mockStreams) serve(iterator string, p page) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[iterator] = p
}

func (m *mockStreams) addShard(s types.Shard) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shards = append(m.shards, s)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func shardOf(id, parent string) types.Shard {
	s := types.Shard{ShardId: aws.String(id)}
	if parent != "" {
		s.ParentShardId = aws.String(parent)
	}
	return s
}

func record(name types.OperationType, seq, sortKey string, old bool) types.Record {
	image := map[string]types.AttributeValue{
		storage.AttrPartitionKey: &types.AttributeValueMemberS{Value: "g1"},
		storage.AttrSortKey:      &types.AttributeValueMemberS{Value: sortKey},
		"Strikes":                &types.AttributeValueMemberL{Value: []types.AttributeValue{&types.AttributeValueMemberS{Value: "b"}}},
	}
	r := types.Record{
		EventName: name,
		Dynamodb:  &types.StreamRecord{SequenceNumber: aws.String(seq), NewImage: image},
	}
	if old {
		r.Dynamodb.OldImage = map[string]types.AttributeValue{
			storage.AttrPartitionKey: &types.AttributeValueMemberS{Value: "g1"},
			storage.AttrSortKey:      &types.AttributeValueMemberS{Value: sortKey},
		}
	}
	return r
}

// collector records every change. fail holds, per sort key, how many more
// deliveries should fail; a negative count fails forever.
type collector struct {
	mu      sync.Mutex
	changes []storage.Change
	fail    map[string]int
}

func (c *collector) handle(_ context.Context, change storage.Change) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, change)

	key := storage.SortKeyOf(change.New)
	n, ok := c.fail[key]
	if !ok || n == 0 {
		return nil
	}
	if n > 0 {
		c.fail[key] = n - 1
	}
	return errors.New("boom")
}

func (c *collector) keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.changes))
	for _, change := range c.changes {
		keys = append(keys, storage.SortKeyOf(change.New))
	}
	return keys
}

func TestPoller_DeliversChanges(t *testing.T) {
	api := newMockStreams(shardOf("s1", ""))
	api.serve("s1/LATEST", page{
		records: []types.Record{
			record(types.OperationTypeInsert, "1", "ANSWER#1#1#a", false),
			record(types.OperationTypeModify, "2", "ANSWER#1#1#a", true),
		},
		next: aws.String("s1/next"),
	})

	sink := &collector{}
	p := New(api, "arn", sink.handle, time.Second, newTestLogger())
	if err := p.Poll(context.Background()); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}

	if len(sink.changes) != 2 {
		t.Fatalf("got %d changes, want 2", len(sink.changes))
	}
	insert, modify := sink.changes[0], sink.changes[1]
	if insert.EventName != storage.EventInsert || insert.Old != nil {
		t.Errorf("insert = %+v", insert)
	}
	if modify.EventName != storage.EventModify || modify.Old == nil {
		t.Errorf("modify = %+v", modify)
	}
	if storage.SortKeyOf(modify.New) != "ANSWER#1#1#a" {
		t.Errorf("sort key = %q", storage.SortKeyOf(modify.New))
	}
	rows, err := storage.UnmarshalRows[struct{ Strikes []string }]([]storage.Item{modify.New})
	if err != nil || len(rows[0].Strikes) != 1 {
		t.Errorf("new image did not convert: %+v, %v", rows, err)
	}
}

func TestPoller_LaterShardsReadFromStart(t *testing.T) {
	api := newMockStreams(shardOf("s1", ""))
	p := New(api, "arn", (&collector{}).handle, time.Second, newTestLogger())
	ctx := context.Background()

	if err := p.Poll(ctx); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	api.addShard(shardOf("s2", ""))
	if err := p.Poll(ctx); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}

	if len(api.iterators) != 2 {
		t.Fatalf("got %d iterator requests, want 2", len(api.iterators))
	}
	if api.iterators[0].ShardIteratorType != types.ShardIteratorTypeLatest {
		t.Errorf("first shard iterator = %s, want LATEST", api.iterators[0].ShardIteratorType)
	}
	if api.iterators[1].ShardIteratorType != types.ShardIteratorTypeTrimHorizon {
		t.Errorf("new shard iterator = %s, want TRIM_HORIZON", api.iterators[1].ShardIteratorType)
	}
}

func TestPoller_ChildWaitsForParent(t *testing.T) {
	api := newMockStreams(shardOf("parent", ""), shardOf("child", "parent"))
	api.serve("parent/LATEST", page{
		records: []types.Record{record(types.OperationTypeModify, "1", "GAME#g1", true)},
		next:    aws.String("parent/more"),
	})
	api.serve("parent/more", page{})

	p := New(api, "arn", (&collector{}).handle, time.Second, newTestLogger())
	ctx := context.Background()

	if err := p.Poll(ctx); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	for _, it := range api.reads {
		if it == "child/LATEST" {
			t.Fatal("child read before parent closed")
		}
	}

	// second poll drains the parent, third reads the child
	p.Poll(ctx)
	p.Poll(ctx)

	if p.Shards() != 1 {
		t.Errorf("tracking %d shards, want 1", p.Shards())
	}
	found := false
	for _, it := range api.reads {
		found = found || it == "child/LATEST"
	}
	if !found {
		t.Errorf("child never read, reads = %v", api.reads)
	}
}

func TestPoller_ClosedShardsAreNotRediscovered(t *testing.T) {
	api := newMockStreams(shardOf("s1", ""))
	api.serve("s1/LATEST", page{})

	p := New(api, "arn", (&collector{}).handle, time.Second, newTestLogger())
	ctx := context.Background()
	p.Poll(ctx)
	p.Poll(ctx)

	if p.Shards() != 0 {
		t.Errorf("tracking %d shards, want 0", p.Shards())
	}
	if len(api.iterators) != 1 {
		t.Errorf("closed shard re-acquired %d times", len(api.iterators)-1)
	}
}

func TestPoller_ExpiredIteratorResumesAfterLastRecord(t *testing.T) {
	api := newMockStreams(shardOf("s1", ""))
	api.serve("s1/LATEST", page{
		records: []types.Record{record(types.OperationTypeInsert, "41", "GAME#g1", false)},
		next:    aws.String("s1/stale"),
	})
	api.serve("s1/stale", page{err: &types.ExpiredIteratorException{Message: aws.String("expired")}})

	sink := &collector{}
	p := New(api, "arn", sink.handle, time.Second, newTestLogger())
	ctx := context.Background()
	p.Poll(ctx)
	if err := p.Poll(ctx); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}

	last := api.iterators[len(api.iterators)-1]
	if last.ShardIteratorType != types.ShardIteratorTypeAfterSequenceNumber || aws.ToString(last.SequenceNumber) != "41" {
		t.Errorf("re-acquired with %s %s", last.ShardIteratorType, aws.ToString(last.SequenceNumber))
	}
	if len(sink.changes) != 1 {
		t.Errorf("got %d changes, want 1", len(sink.changes))
	}
}

func TestPoller_ExpiredIteratorBeforeAnyRecordKeepsStartingPoint(t *testing.T) {
	tests := []struct {
		name  string
		later bool
		want  types.ShardIteratorType
	}{
		{"shard open at start", false, types.ShardIteratorTypeLatest},
		{"shard discovered later", true, types.ShardIteratorTypeTrimHorizon},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newMockStreams()
			if !tt.later {
				api.addShard(shardOf("s1", ""))
			}
			expired := page{err: &types.ExpiredIteratorException{Message: aws.String("expired")}}
			api.serve("s1/LATEST", expired)
			api.serve("s1/TRIM_HORIZON", expired)

			sink := &collector{}
			p := New(api, "arn", sink.handle, time.Second, newTestLogger())
			ctx := context.Background()
			if tt.later {
				p.Poll(ctx)
				api.addShard(shardOf("s1", ""))
			}
			if err := p.Poll(ctx); err != nil {
				t.Fatalf("Poll() error = %v", err)
			}

			if len(api.iterators) != 2 {
				t.Fatalf("got %d iterator requests, want 2", len(api.iterators))
			}
			last := api.iterators[1]
			if last.ShardIteratorType != tt.want || last.SequenceNumber != nil {
				t.Errorf("re-acquired with %s %s, want %s", last.ShardIteratorType, aws.ToString(last.SequenceNumber), tt.want)
			}
			if len(sink.changes) != 0 {
				t.Errorf("got %d changes, want 0", len(sink.changes))
			}
		})
	}
}

func TestPoller_RetriesFailedRecord(t *testing.T) {
	api := newMockStreams(shardOf("s1", ""))
	api.serve("s1/LATEST", page{
		records: []types.Record{
			record(types.OperationTypeModify, "1", "GAME#a", true),
			record(types.OperationTypeModify, "2", "GAME#b", true),
		},
		next: aws.String("s1/next"),
	})

	sink := &collector{fail: map[string]int{"GAME#a": 1}}
	p := New(api, "arn", sink.handle, time.Second, newTestLogger())
	ctx := context.Background()

	if err := p.Poll(ctx); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if err := p.Poll(ctx); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}

	want := []string{"GAME#a", "GAME#a", "GAME#b"}
	if got := sink.keys(); !slices.Equal(got, want) {
		t.Errorf("deliveries = %v, want %v", got, want)
	}
	if got := api.reads[len(api.reads)-1]; got != "s1/LATEST" {
		t.Errorf("second read used %q, want the same batch again", got)
	}
}

func TestPoller_RetryResumesAfterHandledRecords(t *testing.T) {
	api := newMockStreams(shardOf("s1", ""))
	api.serve("s1/LATEST", page{
		records: []types.Record{
			record(types.OperationTypeModify, "7", "GAME#a", true),
			record(types.OperationTypeModify, "8", "GAME#b", true),
		},
		next: aws.String("s1/next"),
	})
	api.serve("s1/AFTER_SEQUENCE_NUMBER7", page{
		records: []types.Record{record(types.OperationTypeModify, "8", "GAME#b", true)},
		next:    aws.String("s1/next"),
	})

	sink := &collector{fail: map[string]int{"GAME#b": 1}}
	p := New(api, "arn", sink.handle, time.Second, newTestLogger())
	ctx := context.Background()
	p.Poll(ctx)
	p.Poll(ctx)

	want := []string{"GAME#a", "GAME#b", "GAME#b"}
	if got := sink.keys(); !slices.Equal(got, want) {
		t.Errorf("deliveries = %v, want %v", got, want)
	}
}

func TestPoller_DropsRecordAfterRepeatedFailures(t *testing.T) {
	api := newMockStreams(shardOf("s1", ""))
	api.serve("s1/LATEST", page{
		records: []types.Record{
			record(types.OperationTypeModify, "1", "GAME#poison", true),
			record(types.OperationTypeModify, "2", "GAME#b", true),
		},
		next: aws.String("s1/next"),
	})

	sink := &collector{fail: map[string]int{"GAME#poison": -1}}
	p := New(api, "arn", sink.handle, time.Second, newTestLogger())
	ctx := context.Background()
	for i := 0; i < maxAttempts+1; i++ {
		if err := p.Poll(ctx); err != nil {
			t.Fatalf("Poll() error = %v", err)
		}
	}

	poisoned := 0
	for _, key := range sink.keys() {
		if key == "GAME#poison" {
			poisoned++
		}
	}
	if poisoned != maxAttempts {
		t.Errorf("poison record delivered %d times, want %d", poisoned, maxAttempts)
	}
	if got := api.reads[len(api.reads)-1]; got != "s1/next" {
		t.Errorf("last read used %q, want the shard to move on", got)
	}
}

func TestPoller_ReadErrorIsReported(t *testing.T) {
	api := newMockStreams(shardOf("s1", ""))
	api.serve("s1/LATEST", page{err: errors.New("throttled")})

	p := New(api, "arn", (&collector{}).handle, time.Second, newTestLogger())
	if err := p.Poll(context.Background()); err == nil {
		t.Error("expected read error")
	}
	if p.Shards() != 1 {
		t.Errorf("shard dropped after a transient error")
	}
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	api := newMockStreams(shardOf("s1", ""))
	p := New(api, "arn", (&collector{}).handle, 10*time.Millisecond, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if api.describes < 2 {
		t.Errorf("stream described %d times, want repeated polling", api.describes)
	}
}
