package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"replidb/pkg/types"

	bolt "go.etcd.io/bbolt"
)

var documentsBucket = []byte("documents")

// BoltBackend stores JSON encoded records in a single bbolt bucket. bbolt
// keeps keys sorted bytewise, which is the id order Range needs.
type BoltBackend struct {
	db *bolt.DB
}

func OpenBoltBackend(path string) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt backend %s: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(documentsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create documents bucket: %w", err)
	}

	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) Load(ctx context.Context, id string) (types.Document, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var doc types.Document
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(documentsBucket).Get([]byte(id))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &doc)
	})
	if err != nil {
		return nil, false, fmt.Errorf("load %s: %w", id, err)
	}
	return doc, doc != nil, nil
}

func (b *BoltBackend) Store(ctx context.Context, doc types.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", doc.ID(), err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(documentsBucket).Put([]byte(doc.ID()), raw)
	})
}

func (b *BoltBackend) Range(ctx context.Context, fn func(types.Document) bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(documentsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var doc types.Document
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			if !fn(doc) {
				return nil
			}
		}
		return nil
	})
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}
