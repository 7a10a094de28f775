package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"replidb/pkg/docstore"
	"replidb/pkg/network"
	"replidb/pkg/oplog"
	"replidb/pkg/types"
)

// LogFactory opens the operation log of a store.
type LogFactory func(name string, opts ...oplog.Option) (*oplog.Log, error)

// StoreFactory opens the materialized view of a store.
type StoreFactory func(name string, opts ...docstore.Option) (DocumentStore, error)

// Validator is an extra check run on every document before a mutation.
type Validator func(doc types.Document) error

type Options struct {
	// Network exchanges log blocks. A private in-memory exchange is used
	// when nil.
	Network      network.Network
	LogFactory   LogFactory
	StoreFactory StoreFactory
	Validator    Validator
	Logger       *slog.Logger
	// Indexes are created on the materialized view at open.
	Indexes []string
}

func (o Options) withDefaults() Options {
	if o.Network == nil {
		o.Network = network.NewMemory()
	}
	if o.LogFactory == nil {
		o.LogFactory = DefaultLogFactory
	}
	if o.StoreFactory == nil {
		o.StoreFactory = DefaultStoreFactory
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// DefaultLogFactory keeps the log in memory only.
func DefaultLogFactory(name string, opts ...oplog.Option) (*oplog.Log, error) {
	return oplog.New(name, opts...)
}

// DefaultStoreFactory keeps documents in memory only.
func DefaultStoreFactory(_ string, opts ...docstore.Option) (DocumentStore, error) {
	return docstore.New(docstore.NewMemoryBackend(), opts...)
}

// JournalLogFactory journals every log under dir/<name>.
func JournalLogFactory(dir string) LogFactory {
	return func(name string, opts ...oplog.Option) (*oplog.Log, error) {
		journal := filepath.Join(dir, fileName(name))
		return oplog.New(name, append(opts, oplog.WithJournal(journal))...)
	}
}

// BoltStoreFactory keeps every store in dir/<name>.db.
func BoltStoreFactory(dir string) StoreFactory {
	return func(name string, opts ...docstore.Option) (DocumentStore, error) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		backend, err := docstore.OpenBoltBackend(filepath.Join(dir, fileName(name)+".db"))
		if err != nil {
			return nil, err
		}
		s, err := docstore.New(backend, opts...)
		if err != nil {
			_ = backend.Close()
			return nil, err
		}
		return s, nil
	}
}

func fileName(name string) string {
	return strings.NewReplacer("/", "_", ":", "_", string(os.PathSeparator), "_").Replace(name)
}
