// Package db defines the key-value database interface used by the relay
// storage layers. Backends live in subpackages: pebbledb for the on-disk
// production store and inmemory for tests.
package db

import "errors"

var (
	// ErrKeyNotFound is returned by Get when the key does not exist.
	ErrKeyNotFound = errors.New("key not found")
	// ErrConflict is returned by Commit when a concurrent write invalidated
	// the transaction.
	ErrConflict = errors.New("transaction conflict")
	// ErrTxDone is returned when using a transaction that was already
	// committed or discarded.
	ErrTxDone = errors.New("transaction already committed or discarded")
)

// Options holds the configuration for opening a database.
type Options struct {
	Path string
}

// Reader is the read-only interface shared by databases and transactions.
type Reader interface {
	// Get retrieves the value for the given key, or ErrKeyNotFound.
	Get(key []byte) ([]byte, error)
	// Iterate walks all keys with the given prefix in lexicographic order,
	// calling callback for each pair until it returns false.
	Iterate(prefix []byte, callback func(key, value []byte) bool) error
}

// WriteTx is a read-write transaction. It must end with either Commit or
// Discard. Discard after Commit is a no-op, so `defer tx.Discard()` is safe.
type WriteTx interface {
	Reader
	Set(key, value []byte) error
	Delete(key []byte) error
	Commit() error
	Discard()
}

// Database is a complete key-value database with transaction support.
type Database interface {
	Reader
	WriteTx() WriteTx
	Close() error
}
