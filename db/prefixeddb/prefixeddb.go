// Package prefixeddb wraps a db.Database so that all keys are transparently
// namespaced under a fixed prefix. Each storage artifact type gets its own
// prefix, allowing them to share a single underlying database.
package prefixeddb

import (
	"github.com/aibtcdev/x402-sponsor-relay-sub001/db"
)

// PrefixedDatabase implements db.Database over a parent database, prepending
// a fixed prefix to every key.
type PrefixedDatabase struct {
	parent db.Database
	prefix []byte
}

// NewPrefixedDatabase returns a db.Database view of parent under prefix.
func NewPrefixedDatabase(parent db.Database, prefix []byte) *PrefixedDatabase {
	return &PrefixedDatabase{parent: parent, prefix: prefix}
}

// NewPrefixedReader returns a read-only view of parent under prefix.
func NewPrefixedReader(parent db.Database, prefix []byte) db.Reader {
	return &PrefixedDatabase{parent: parent, prefix: prefix}
}

func (d *PrefixedDatabase) pkey(key []byte) []byte {
	out := make([]byte, 0, len(d.prefix)+len(key))
	out = append(out, d.prefix...)
	return append(out, key...)
}

func (d *PrefixedDatabase) Get(key []byte) ([]byte, error) {
	return d.parent.Get(d.pkey(key))
}

func (d *PrefixedDatabase) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	full := d.pkey(prefix)
	return d.parent.Iterate(full, func(k, v []byte) bool {
		// Strip our namespace so callers see their own keys.
		return callback(k[len(d.prefix):], v)
	})
}

func (d *PrefixedDatabase) WriteTx() db.WriteTx {
	return &prefixedTx{parent: d.parent.WriteTx(), prefix: d.prefix}
}

// Close is a no-op: the parent database owns the underlying handle.
func (d *PrefixedDatabase) Close() error { return nil }

type prefixedTx struct {
	parent db.WriteTx
	prefix []byte
}

func (tx *prefixedTx) pkey(key []byte) []byte {
	out := make([]byte, 0, len(tx.prefix)+len(key))
	out = append(out, tx.prefix...)
	return append(out, key...)
}

func (tx *prefixedTx) Get(key []byte) ([]byte, error) {
	return tx.parent.Get(tx.pkey(key))
}

func (tx *prefixedTx) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	full := tx.pkey(prefix)
	return tx.parent.Iterate(full, func(k, v []byte) bool {
		return callback(k[len(tx.prefix):], v)
	})
}

func (tx *prefixedTx) Set(key, value []byte) error {
	return tx.parent.Set(tx.pkey(key), value)
}

func (tx *prefixedTx) Delete(key []byte) error {
	return tx.parent.Delete(tx.pkey(key))
}

func (tx *prefixedTx) Commit() error { return tx.parent.Commit() }

func (tx *prefixedTx) Discard() { tx.parent.Discard() }
