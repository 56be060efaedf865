package storage

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Item is one raw row of the table.
type Item = map[string]types.AttributeValue

// Index selects which key pair a query runs against.
type Index int

const (
	// PrimaryIndex queries (PartitionKey, SortKey).
	PrimaryIndex Index = iota
	// GSIIndex queries (Gsi, GsiSortKey).
	GSIIndex
)

// Key addresses a single row by its primary key.
type Key struct {
	PartitionKey string
	SortKey      string
}

// Attribute is a name/value pair used for updates and conditions.
type Attribute struct {
	Name  string
	Value any
}

// Change event names, mirroring DynamoDB Streams operation types.
const (
	EventInsert = "INSERT"
	EventModify = "MODIFY"
	EventRemove = "REMOVE"
)

// Change is one row mutation as seen by a change-capture consumer.
// Old is nil for inserts, New is nil for removals.
type Change struct {
	EventName string
	Old       Item
	New       Item
}

// KeyStore defines the single-table access patterns the game is built on.
// Implementations should be safe for concurrent use. No operation retries
// internally; transport failures are returned as *StoreError and failed
// expectations as ErrConditionFailed.
type KeyStore interface {
	// Put unconditionally upserts one row.
	Put(ctx context.Context, row any) error

	// Insert writes one row only when no row exists at its primary key,
	// failing with ErrConditionFailed otherwise.
	Insert(ctx context.Context, row any) error

	// Query returns every row whose partition value matches on the given
	// index, optionally filtered by a sort key prefix. The result is never nil.
	Query(ctx context.Context, index Index, partition, sortKeyPrefix string) ([]Item, error)

	// TransactPut inserts or replaces all rows, or none of them.
	TransactPut(ctx context.Context, rows ...any) error

	// ReplaceKey atomically removes the row at old and writes newRow.
	// Every expect attribute must hold on the old row.
	ReplaceKey(ctx context.Context, old Key, newRow any, expect ...Attribute) error

	// ReplaceKeys is ReplaceKey for several rows in one atomic unit.
	// olds and newRows are paired by position.
	ReplaceKeys(ctx context.Context, olds []Key, newRows []any, expect ...Attribute) error

	// BulkUpdate sets the same attributes on existing rows of one partition
	// without moving their keys. Every expect attribute must hold on every row.
	BulkUpdate(ctx context.Context, partition string, sortKeys []string, set []Attribute, expect ...Attribute) error

	// AppendToList appends values to a list attribute of an existing row,
	// creating the list when the attribute is absent.
	AppendToList(ctx context.Context, partition, sortKey, attribute string, values []string) error
}

// MarshalRow converts a typed row (or an Item) to its raw form.
func MarshalRow(row any) (Item, error) {
	if item, ok := row.(Item); ok {
		return item, nil
	}
	item, err := attributevalue.MarshalMap(row)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal row: %w", err)
	}
	return item, nil
}

// UnmarshalRows decodes raw rows into a slice of typed rows.
func UnmarshalRows[T any](items []Item) ([]T, error) {
	out := make([]T, 0, len(items))
	for _, item := range items {
		var row T
		if err := attributevalue.UnmarshalMap(item, &row); err != nil {
			return nil, fmt.Errorf("failed to unmarshal row: %w", err)
		}
		out = append(out, row)
	}
	return out, nil
}

// KeyOf extracts the primary key of a raw row.
func KeyOf(item Item) Key {
	return Key{
		PartitionKey: stringAttr(item, AttrPartitionKey),
		SortKey:      stringAttr(item, AttrSortKey),
	}
}

// SortKeyOf returns the sort key of a raw row, or "" when it has none.
func SortKeyOf(item Item) string {
	return stringAttr(item, AttrSortKey)
}

func stringAttr(item Item, name string) string {
	if s, ok := item[name].(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}
