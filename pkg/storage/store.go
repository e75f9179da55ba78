// Package storage implements the bbolt-backed persistence layer for
// cluster runtime state that is too high-churn or too security
// sensitive for the one-file-per-entity JSON layout pkg/config uses
// for hand-authored tasks and groups: service instance snapshots (for
// warm restart of a node's last-known service roster) and join
// tokens (for node admission, so a token survives a head restart).
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/hearthnet/fleet/pkg/types"
)

var (
	bucketSnapshots  = []byte("snapshots")
	bucketJoinTokens = []byte("join_tokens")
)

// DatabaseFile is the bbolt file name created under a node's data
// directory.
const DatabaseFile = "fleet.db"

// Store is the bbolt-backed persistence handle. A Store is safe for
// concurrent use; bbolt itself serializes writers and allows
// concurrent readers.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the database file under dataDir, creating
// every bucket this package owns if it doesn't already exist.
func Open(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, DatabaseFile)

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketSnapshots, bucketJoinTokens} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("storage: create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func snapshotKey(id types.ServiceID) []byte {
	return []byte(id.UniqueID)
}

// SaveSnapshot persists a service instance's current snapshot,
// overwriting any prior record for the same service unique ID.
func (s *Store) SaveSnapshot(snap types.ServiceInfoSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("storage: marshal snapshot %s: %w", snap.ServiceID.Name(), err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put(snapshotKey(snap.ServiceID), data)
	})
}

// GetSnapshot reads back a service's last persisted snapshot. The
// bool is false when nothing has ever been saved for that ID.
func (s *Store) GetSnapshot(id types.ServiceID) (types.ServiceInfoSnapshot, bool, error) {
	var snap types.ServiceInfoSnapshot
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSnapshots).Get(snapshotKey(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &snap)
	})
	return snap, found, err
}

// ListSnapshots returns every persisted service snapshot, in no
// particular order.
func (s *Store) ListSnapshots() ([]types.ServiceInfoSnapshot, error) {
	var out []types.ServiceInfoSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(k, v []byte) error {
			var snap types.ServiceInfoSnapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return fmt.Errorf("storage: unmarshal snapshot %s: %w", k, err)
			}
			out = append(out, snap)
			return nil
		})
	})
	return out, err
}

// DeleteSnapshot removes a service's persisted snapshot, e.g. once it
// has passed through the C8 GC delay after deletion.
func (s *Store) DeleteSnapshot(id types.ServiceID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Delete(snapshotKey(id))
	})
}

// IssueJoinToken persists a newly minted join token so it survives a
// head restart between being issued and being redeemed.
func (s *Store) IssueJoinToken(token types.JoinToken) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("storage: marshal join token: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJoinTokens).Put([]byte(token.Token), data)
	})
}

// RedeemJoinToken looks up a presented token string, deletes it so it
// cannot be reused, and reports whether it was valid and unexpired as
// of now.
func (s *Store) RedeemJoinToken(tokenStr string, now time.Time) (types.JoinToken, bool, error) {
	var token types.JoinToken
	var ok bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJoinTokens)
		data := b.Get([]byte(tokenStr))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &token); err != nil {
			return fmt.Errorf("storage: unmarshal join token: %w", err)
		}
		if err := b.Delete([]byte(tokenStr)); err != nil {
			return err
		}
		ok = !token.ExpiresAt.Before(now)
		return nil
	})
	return token, ok, err
}

// ListJoinTokens returns every outstanding (unredeemed) join token.
func (s *Store) ListJoinTokens() ([]types.JoinToken, error) {
	var out []types.JoinToken
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJoinTokens).ForEach(func(k, v []byte) error {
			var token types.JoinToken
			if err := json.Unmarshal(v, &token); err != nil {
				return fmt.Errorf("storage: unmarshal join token %s: %w", k, err)
			}
			out = append(out, token)
			return nil
		})
	})
	return out, err
}

// PruneExpiredJoinTokens deletes every issued-but-never-redeemed token
// whose ExpiresAt is before now, returning the count removed.
func (s *Store) PruneExpiredJoinTokens(now time.Time) (int, error) {
	var removed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJoinTokens)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var token types.JoinToken
			if err := json.Unmarshal(v, &token); err != nil {
				return fmt.Errorf("storage: unmarshal join token %s: %w", k, err)
			}
			if token.ExpiresAt.Before(now) {
				expired = append(expired, bytes.Clone(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
