// Package vectorindex persists OCR text and its embedding vector for later
// semantic search (spec §4.6, §6 "data/vector_db/"). It supplements the
// spec's "opaque embedding store": the actual embedding is produced by an
// out-of-scope Embedder oracle, so Index itself has no opinion on
// dimensionality — it only stores whatever bytes it is given.
package vectorindex

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

var screenshotsBucket = []byte("screenshots")

// Document is one screenshot's recognized text and (optional) embedding.
type Document struct {
	ScreenshotID int64
	Text         string
	Embedding    []float32
}

// Index is a bbolt-backed key-value store keyed by screenshot id.
type Index struct {
	db *bbolt.DB
}

// Open opens (creating if needed) the vector index at path.
func Open(path string) (*Index, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open vector index: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(screenshotsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create vector index bucket: %w", err)
	}
	return &Index{db: db}, nil
}

// Close closes the underlying bbolt database.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Upsert writes doc, keyed by its ScreenshotID. bbolt's Put overwrites any
// existing value for the key, so this is idempotent by construction.
func (idx *Index) Upsert(ctx context.Context, doc Document) error {
	buf, err := msgpack.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal vector index document: %w", err)
	}
	return idx.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(screenshotsBucket)
		return b.Put(key(doc.ScreenshotID), buf)
	})
}

// Get returns the stored document for screenshotID, if any.
func (idx *Index) Get(ctx context.Context, screenshotID int64) (*Document, error) {
	var doc Document
	found := false
	err := idx.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(screenshotsBucket)
		v := b.Get(key(screenshotID))
		if v == nil {
			return nil
		}
		found = true
		return msgpack.Unmarshal(v, &doc)
	})
	if err != nil {
		return nil, fmt.Errorf("get vector index document: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &doc, nil
}

// Delete removes the stored document for screenshotID, if any.
func (idx *Index) Delete(ctx context.Context, screenshotID int64) error {
	return idx.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(screenshotsBucket)
		return b.Delete(key(screenshotID))
	})
}

func key(screenshotID int64) []byte {
	return []byte(fmt.Sprintf("%020d", screenshotID))
}
