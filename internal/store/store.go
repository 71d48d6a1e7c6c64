// Package store provides the opaque, content-addressed digest→bytes map
// shared by a node's Primary and Workers, backed by goleveldb, grounded on
// dexon-consensus's core/db/level-db.go wrapper.
package store

import (
	"errors"
	"fmt"
	"sync"

	ncrypto "github.com/PearTNhat/narwhal/internal/crypto"

	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
)

// ErrNotFound is returned when a digest has no corresponding entry. Named
// the way kwil-db's core/types.ErrNotFound is, so call sites can use
// errors.Is the same way.
var ErrNotFound = errors.New("store: not found")

// Store is the persistent key-value map from Digest to serialised payload.
// Concurrent readers and writers are safe; writes are idempotent by key
// (spec §3 "Ownership", §5 "Shared resources").
type Store struct {
	db *leveldb.DB

	mu     sync.Mutex
	closed bool
}

// Open opens (creating if absent) a LevelDB store rooted at dir.
func Open(dir string) (*Store, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Put writes value under digest. Idempotent: writing the same digest twice
// is a no-op at the storage layer (LevelDB overwrites in place with
// identical bytes).
func (s *Store) Put(digest ncrypto.Digest, value []byte) error {
	if err := s.db.Put(digest[:], value, nil); err != nil {
		return fmt.Errorf("store: put %s: %w", digest, err)
	}
	return nil
}

// Get reads the value stored under digest, or ErrNotFound.
func (s *Store) Get(digest ncrypto.Digest) ([]byte, error) {
	v, err := s.db.Get(digest[:], nil)
	if err != nil {
		if errors.Is(err, ldberrors.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get %s: %w", digest, err)
	}
	return v, nil
}

// Has reports whether digest is present without reading its value.
func (s *Store) Has(digest ncrypto.Digest) (bool, error) {
	ok, err := s.db.Has(digest[:], nil)
	if err != nil {
		return false, fmt.Errorf("store: has %s: %w", digest, err)
	}
	return ok, nil
}

// Delete removes digest's entry, if any. Consensus garbage collection
// prunes only its in-memory DAG and does not call Delete.
func (s *Store) Delete(digest ncrypto.Digest) error {
	if err := s.db.Delete(digest[:], nil); err != nil {
		return fmt.Errorf("store: delete %s: %w", digest, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
