package docstore

import (
	"context"

	"replidb/pkg/types"

	"github.com/zhangyunhao116/skipmap"
)

// Backend holds document records, tombstones included, keyed by _id.
// Range visits records in ascending id order.
type Backend interface {
	Load(ctx context.Context, id string) (types.Document, bool, error)
	Store(ctx context.Context, doc types.Document) error
	Range(ctx context.Context, fn func(types.Document) bool) error
	Close() error
}

type concurrentSet = skipmap.FuncMap[string, types.Document]

// MemoryBackend keeps records in a concurrent skip list.
type MemoryBackend struct {
	records *concurrentSet
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records: skipmap.NewFunc[string, types.Document](func(a, b string) bool {
			return a < b
		}),
	}
}

func (m *MemoryBackend) Load(ctx context.Context, id string) (types.Document, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	doc, ok := m.records.Load(id)
	return doc, ok, nil
}

func (m *MemoryBackend) Store(ctx context.Context, doc types.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.records.Store(doc.ID(), doc)
	return nil
}

func (m *MemoryBackend) Range(ctx context.Context, fn func(types.Document) bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.records.Range(func(_ string, doc types.Document) bool {
		return fn(doc)
	})
	return nil
}

// Len returns the number of records, tombstones included.
func (m *MemoryBackend) Len() int {
	return m.records.Len()
}

func (m *MemoryBackend) Close() error { return nil }
