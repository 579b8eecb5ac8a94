// Package pebbledb implements db.Database on top of cockroachdb/pebble.
// This is the production backend for the relay persistent state.
package pebbledb

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/aibtcdev/x402-sponsor-relay-sub001/db"
)

// PebbleDB implements db.Database over a pebble store.
type PebbleDB struct {
	pdb *pebble.DB
}

var _ db.Database = (*PebbleDB)(nil)

// New opens (or creates) a pebble database at opts.Path.
func New(opts db.Options) (*PebbleDB, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("pebbledb requires a path")
	}
	pdb, err := pebble.Open(opts.Path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("could not open pebble db: %w", err)
	}
	return &PebbleDB{pdb: pdb}, nil
}

func (d *PebbleDB) Close() error {
	return d.pdb.Close()
}

func (d *PebbleDB) Get(key []byte) ([]byte, error) {
	v, closer, err := d.pdb.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, db.ErrKeyNotFound
		}
		return nil, err
	}
	out := bytes.Clone(v)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *PebbleDB) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	iter, err := d.pdb.NewIter(iterOptions(prefix))
	if err != nil {
		return err
	}
	defer func() { _ = iter.Close() }()
	for iter.First(); iter.Valid(); iter.Next() {
		if !callback(bytes.Clone(iter.Key()), bytes.Clone(iter.Value())) {
			break
		}
	}
	return iter.Error()
}

func (d *PebbleDB) WriteTx() db.WriteTx {
	return &writeTx{batch: d.pdb.NewIndexedBatch()}
}

type writeTx struct {
	batch *pebble.Batch
	done  bool
}

var _ db.WriteTx = (*writeTx)(nil)

func (tx *writeTx) Get(key []byte) ([]byte, error) {
	v, closer, err := tx.batch.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, db.ErrKeyNotFound
		}
		return nil, err
	}
	out := bytes.Clone(v)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (tx *writeTx) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	iter, err := tx.batch.NewIter(iterOptions(prefix))
	if err != nil {
		return err
	}
	defer func() { _ = iter.Close() }()
	for iter.First(); iter.Valid(); iter.Next() {
		if !callback(bytes.Clone(iter.Key()), bytes.Clone(iter.Value())) {
			break
		}
	}
	return iter.Error()
}

func (tx *writeTx) Set(key, value []byte) error {
	if tx.done {
		return db.ErrTxDone
	}
	return tx.batch.Set(key, value, nil)
}

func (tx *writeTx) Delete(key []byte) error {
	if tx.done {
		return db.ErrTxDone
	}
	return tx.batch.Delete(key, nil)
}

func (tx *writeTx) Commit() error {
	if tx.done {
		return db.ErrTxDone
	}
	tx.done = true
	return tx.batch.Commit(pebble.Sync)
}

func (tx *writeTx) Discard() {
	if tx.done {
		return
	}
	tx.done = true
	_ = tx.batch.Close()
}

// iterOptions builds the bounds for a prefix scan. The upper bound is the
// prefix with its last byte incremented, carrying overflow leftwards.
func iterOptions(prefix []byte) *pebble.IterOptions {
	if len(prefix) == 0 {
		return &pebble.IterOptions{}
	}
	upper := bytes.Clone(prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return &pebble.IterOptions{LowerBound: prefix, UpperBound: upper[:i+1]}
		}
	}
	// Prefix was all 0xff: no upper bound.
	return &pebble.IterOptions{LowerBound: prefix}
}
