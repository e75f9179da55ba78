package migrate

import (
	"context"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// BoltStore is a Source and Target backed by a single bbolt bucket,
// the concrete case `migrate database <from> <to>` runs against when
// both sides are fleet data directories.
type BoltStore struct {
	db     *bolt.DB
	bucket []byte
}

// OpenBoltStore opens (creating if necessary) the database file at
// path and ensures bucket exists.
func OpenBoltStore(path, bucket string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("migrate: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: create bucket %s: %w", bucket, err)
	}
	return &BoltStore{db: db, bucket: []byte(bucket)}, nil
}

// Close closes the underlying database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// ReadChunk reads up to limit documents starting at the offset-th key
// in byte-sorted order, leaving the database unmodified.
func (s *BoltStore) ReadChunk(_ context.Context, offset, limit int) ([]Document, error) {
	var docs []Document
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		i := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if i < offset {
				i++
				continue
			}
			if len(docs) >= limit {
				break
			}
			docs = append(docs, Document{Key: string(k), Value: append([]byte(nil), v...)})
			i++
		}
		return nil
	})
	return docs, err
}

// Insert writes every document into the bucket, keyed by Document.Key.
func (s *BoltStore) Insert(_ context.Context, docs []Document) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		for _, doc := range docs {
			if err := b.Put([]byte(doc.Key), doc.Value); err != nil {
				return fmt.Errorf("migrate: insert %s: %w", doc.Key, err)
			}
		}
		return nil
	})
}
