// Package kvstore implements the opaque flat-string-key persisted wallet
// state (wallet_<id>_lastScannedHeight, wallet_<id>_utxos,
// address_book_v1_<id>) on top of github.com/syndtr/goleveldb, a single
// local key space with no second database engine.
package kvstore

import (
	"errors"

	"github.com/syndtr/goleveldb/leveldb"
)

// ErrNotFound is returned when a key has never been written.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a flat string-keyed byte-value store; callers own key
// namespacing (the wallet and address-book prefixes above are conventions,
// not enforced here).
type Store struct {
	db *leveldb.DB
}

// Open opens (or creates) the on-disk store at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the raw bytes stored under key.
func (s *Store) Get(key string) ([]byte, error) {
	v, err := s.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Put writes value under key.
func (s *Store) Put(key string, value []byte) error {
	return s.db.Put([]byte(key), value, nil)
}

// Delete removes key, if present.
func (s *Store) Delete(key string) error {
	return s.db.Delete([]byte(key), nil)
}
