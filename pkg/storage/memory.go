package storage

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// MemoryStore is an in-process KeyStore with the same atomicity and condition
// semantics as DynamoDBStore. Every committed mutation is reported to the
// subscribers as a Change, which stands in for the table stream.
type MemoryStore struct {
	mu          sync.Mutex
	rows        map[Key]Item
	subscribers []func(context.Context, Change)
	logger      *slog.Logger
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	return &MemoryStore{
		rows:   make(map[Key]Item),
		logger: logger,
	}
}

// Subscribe registers fn to receive every committed change. Subscribers are
// called synchronously after the store lock is released, in commit order.
func (m *MemoryStore) Subscribe(fn func(context.Context, Change)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Len returns the number of stored rows
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// Get returns a copy of the row at k
func (m *MemoryStore) Get(k Key) (Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.rows[k]
	if !ok {
		return nil, false
	}
	return maps.Clone(item), true
}

func (m *MemoryStore) Put(ctx context.Context, row any) error {
	item, err := MarshalRow(row)
	if err != nil {
		return err
	}
	return m.commit(ctx, func(tx *memTx) error {
		tx.put(item)
		return nil
	})
}

func (m *MemoryStore) Insert(ctx context.Context, row any) error {
	item, err := MarshalRow(row)
	if err != nil {
		return err
	}
	return m.commit(ctx, func(tx *memTx) error {
		if _, ok := tx.rows[KeyOf(item)]; ok {
			return ErrConditionFailed
		}
		tx.put(item)
		return nil
	})
}

func (m *MemoryStore) Query(_ context.Context, index Index, partition, sortKeyPrefix string) ([]Item, error) {
	pkName, skName := keyAttributes(index)

	m.mu.Lock()
	items := make([]Item, 0)
	for _, item := range m.rows {
		if stringAttr(item, pkName) != partition {
			continue
		}
		if _, ok := item[skName]; !ok {
			continue
		}
		if !strings.HasPrefix(stringAttr(item, skName), sortKeyPrefix) {
			continue
		}
		items = append(items, maps.Clone(item))
	}
	m.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return stringAttr(items[i], skName) < stringAttr(items[j], skName)
	})
	return items, nil
}

func (m *MemoryStore) TransactPut(ctx context.Context, rows ...any) error {
	items := make([]Item, 0, len(rows))
	for _, row := range rows {
		item, err := MarshalRow(row)
		if err != nil {
			return err
		}
		items = append(items, item)
	}
	return m.commit(ctx, func(tx *memTx) error {
		for _, item := range items {
			tx.put(item)
		}
		return nil
	})
}

func (m *MemoryStore) ReplaceKey(ctx context.Context, old Key, newRow any, expect ...Attribute) error {
	return m.ReplaceKeys(ctx, []Key{old}, []any{newRow}, expect...)
}

func (m *MemoryStore) ReplaceKeys(ctx context.Context, olds []Key, newRows []any, expect ...Attribute) error {
	if len(olds) != len(newRows) {
		return fmt.Errorf("replace keys: %d old keys for %d new rows", len(olds), len(newRows))
	}
	items := make([]Item, 0, len(newRows))
	for _, row := range newRows {
		item, err := MarshalRow(row)
		if err != nil {
			return err
		}
		items = append(items, item)
	}
	want, err := marshalAttributes(expect)
	if err != nil {
		return err
	}

	return m.commit(ctx, func(tx *memTx) error {
		for _, old := range olds {
			if err := tx.check(old, want); err != nil {
				return err
			}
		}
		for i, old := range olds {
			if KeyOf(items[i]) != old {
				tx.remove(old)
			}
			tx.put(items[i])
		}
		return nil
	})
}

func (m *MemoryStore) BulkUpdate(ctx context.Context, partition string, sortKeys []string, set []Attribute, expect ...Attribute) error {
	values, err := marshalAttributes(set)
	if err != nil {
		return err
	}
	want, err := marshalAttributes(expect)
	if err != nil {
		return err
	}

	return m.commit(ctx, func(tx *memTx) error {
		keys := make([]Key, 0, len(sortKeys))
		for _, sk := range sortKeys {
			k := Key{PartitionKey: partition, SortKey: sk}
			if err := tx.check(k, want); err != nil {
				return err
			}
			keys = append(keys, k)
		}
		for _, k := range keys {
			updated := maps.Clone(tx.rows[k])
			maps.Copy(updated, values)
			tx.put(updated)
		}
		return nil
	})
}

func (m *MemoryStore) AppendToList(ctx context.Context, partition, sortKey, attr string, values []string) error {
	return m.commit(ctx, func(tx *memTx) error {
		k := Key{PartitionKey: partition, SortKey: sortKey}
		if err := tx.check(k, nil); err != nil {
			return err
		}

		updated := maps.Clone(tx.rows[k])
		var list []types.AttributeValue
		if existing, ok := updated[attr].(*types.AttributeValueMemberL); ok {
			list = append(list, existing.Value...)
		}
		for _, v := range values {
			list = append(list, &types.AttributeValueMemberS{Value: v})
		}
		updated[attr] = &types.AttributeValueMemberL{Value: list}
		tx.put(updated)
		return nil
	})
}

// commit runs fn against the row map under the lock and publishes the
// resulting changes. A failing fn leaves the store untouched.
func (m *MemoryStore) commit(ctx context.Context, fn func(tx *memTx) error) error {
	m.mu.Lock()
	tx := &memTx{rows: m.rows, staged: make(map[Key]Item), removed: make(map[Key]bool)}
	if err := fn(tx); err != nil {
		m.mu.Unlock()
		return err
	}

	changes := tx.apply()
	subscribers := append([]func(context.Context, Change){}, m.subscribers...)
	m.mu.Unlock()

	for _, change := range changes {
		for _, fn := range subscribers {
			fn(ctx, change)
		}
	}
	return nil
}

type memTx struct {
	rows    map[Key]Item
	staged  map[Key]Item
	removed map[Key]bool
	order   []Key
}

func (tx *memTx) put(item Item) {
	k := KeyOf(item)
	if _, seen := tx.staged[k]; !seen && !tx.removed[k] {
		tx.order = append(tx.order, k)
	}
	delete(tx.removed, k)
	tx.staged[k] = item
}

func (tx *memTx) remove(k Key) {
	if _, seen := tx.staged[k]; !seen && !tx.removed[k] {
		tx.order = append(tx.order, k)
	}
	delete(tx.staged, k)
	tx.removed[k] = true
}

// check fails with ErrConditionFailed unless the committed row exists and
// carries every wanted value.
func (tx *memTx) check(k Key, want Item) error {
	item, ok := tx.rows[k]
	if !ok {
		return ErrConditionFailed
	}
	for name, value := range want {
		if !attributeEqual(item[name], value) {
			return ErrConditionFailed
		}
	}
	return nil
}

func (tx *memTx) apply() []Change {
	changes := make([]Change, 0, len(tx.order))
	for _, k := range tx.order {
		old, existed := tx.rows[k]
		if tx.removed[k] {
			if existed {
				delete(tx.rows, k)
				changes = append(changes, Change{EventName: EventRemove, Old: old})
			}
			continue
		}
		item := tx.staged[k]
		tx.rows[k] = item
		if existed {
			changes = append(changes, Change{EventName: EventModify, Old: maps.Clone(old), New: maps.Clone(item)})
		} else {
			changes = append(changes, Change{EventName: EventInsert, New: maps.Clone(item)})
		}
	}
	return changes
}

func marshalAttributes(attrs []Attribute) (Item, error) {
	out := make(Item, len(attrs))
	for _, attr := range attrs {
		av, err := attributevalue.Marshal(attr.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal attribute %s: %w", attr.Name, err)
		}
		out[attr.Name] = av
	}
	return out, nil
}

func attributeEqual(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		return ok && av.Value == bv.Value
	}
	return reflect.DeepEqual(a, b)
}
