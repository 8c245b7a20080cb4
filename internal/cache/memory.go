package cache

import (
	"context"
	"fmt"
	"slices"

	"github.com/hashicorp/go-memdb"
)

const entriesTable = "entries"

type entry struct {
	Key   string
	Value []byte
}

var memorySchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		entriesTable: {
			Name: entriesTable,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Key"},
				},
			},
		},
	},
}

// Memory is an in-process [Store] backed by go-memdb. It is the default when
// no persistent backend is configured.
type Memory struct {
	db *memdb.MemDB
}

func NewMemory() (*Memory, error) {
	db, err := memdb.NewMemDB(memorySchema)
	if err != nil {
		return nil, fmt.Errorf("create memdb: %w", err)
	}
	return &Memory{db: db}, nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(entriesTable, "id", key)
	if err != nil {
		return nil, false, fmt.Errorf("memdb lookup %s: %w", key, err)
	}
	if raw == nil {
		return nil, false, nil
	}
	return slices.Clone(raw.(*entry).Value), true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	if err := txn.Insert(entriesTable, &entry{Key: key, Value: slices.Clone(value)}); err != nil {
		return fmt.Errorf("memdb insert %s: %w", key, err)
	}
	txn.Commit()
	return nil
}

// Keys lists every stored key in index order.
func (m *Memory) Keys(_ context.Context) ([]string, error) {
	txn := m.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(entriesTable, "id")
	if err != nil {
		return nil, fmt.Errorf("memdb scan: %w", err)
	}
	var keys []string
	for obj := it.Next(); obj != nil; obj = it.Next() {
		keys = append(keys, obj.(*entry).Key)
	}
	return keys, nil
}
