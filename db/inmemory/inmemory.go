// Package inmemory implements an ephemeral db.Database backed by a map.
// It is used by tests and by deployments that do not need persistence.
package inmemory

import (
	"bytes"
	"slices"
	"sync"

	"github.com/aibtcdev/x402-sponsor-relay-sub001/db"
)

// InMemoryDB implements an ephemeral in-memory db.Database.
type InMemoryDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ db.Database = (*InMemoryDB)(nil)

// New returns a new in-memory database. Options are ignored.
func New(_ db.Options) (*InMemoryDB, error) {
	return &InMemoryDB{data: make(map[string][]byte)}, nil
}

func (d *InMemoryDB) Close() error { return nil }

func (d *InMemoryDB) Get(key []byte) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.data[string(key)]
	if !ok {
		return nil, db.ErrKeyNotFound
	}
	return bytes.Clone(v), nil
}

func (d *InMemoryDB) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	d.mu.RLock()
	entries := make(map[string][]byte, len(d.data))
	for k, v := range d.data {
		if !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		entries[k] = bytes.Clone(v)
	}
	d.mu.RUnlock()
	return iterateEntries(entries, callback)
}

func (d *InMemoryDB) WriteTx() db.WriteTx {
	return &writeTx{
		db:     d,
		writes: make(map[string]*[]byte),
	}
}

// writeTx buffers writes until Commit. A nil pending value marks a delete.
type writeTx struct {
	db     *InMemoryDB
	writes map[string]*[]byte
	done   bool
}

var _ db.WriteTx = (*writeTx)(nil)

func (tx *writeTx) Get(key []byte) ([]byte, error) {
	if pending, ok := tx.writes[string(key)]; ok {
		if pending == nil {
			return nil, db.ErrKeyNotFound
		}
		return bytes.Clone(*pending), nil
	}
	return tx.db.Get(key)
}

func (tx *writeTx) Iterate(prefix []byte, callback func(k, v []byte) bool) error {
	tx.db.mu.RLock()
	entries := make(map[string][]byte, len(tx.db.data))
	for k, v := range tx.db.data {
		if !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		entries[k] = bytes.Clone(v)
	}
	tx.db.mu.RUnlock()

	for k, v := range tx.writes {
		if !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		if v == nil {
			delete(entries, k)
			continue
		}
		entries[k] = bytes.Clone(*v)
	}
	return iterateEntries(entries, callback)
}

func (tx *writeTx) Set(key, value []byte) error {
	if tx.done {
		return db.ErrTxDone
	}
	v := bytes.Clone(value)
	tx.writes[string(key)] = &v
	return nil
}

func (tx *writeTx) Delete(key []byte) error {
	if tx.done {
		return db.ErrTxDone
	}
	tx.writes[string(key)] = nil
	return nil
}

func (tx *writeTx) Commit() error {
	if tx.done {
		return db.ErrTxDone
	}
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	for k, v := range tx.writes {
		if v == nil {
			delete(tx.db.data, k)
			continue
		}
		tx.db.data[k] = bytes.Clone(*v)
	}
	tx.done = true
	return nil
}

func (tx *writeTx) Discard() {
	tx.writes = map[string]*[]byte{}
	tx.done = true
}

func iterateEntries(entries map[string][]byte, callback func(key, value []byte) bool) error {
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		if !callback([]byte(key), entries[key]) {
			break
		}
	}
	return nil
}
