/*
Package storage provides the persistent state of the relay over a key-value
database with prefixed namespaces:

  - r/   : receiptID → PaymentReceipt (TTL 30 days)
  - d/   : payload fingerprint → DedupEntry (TTL 300 s)
  - pid/ : client payment identifier → DedupEntry (TTL 300 s)
  - ak/  : sha256(apiKey) → APIKeyRecord
  - akl/ : sha256(apiKey) + UTC date → APIKeyLedger (daily counters)

The stats aggregator and the nonce coordinator own their own prefixes on the
same database; see the stats and coordinator packages.
*/
package storage

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aibtcdev/x402-sponsor-relay-sub001/db"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/db/prefixeddb"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/log"
)

var (
	ErrNotFound = errors.New("not found")

	receiptPrefix      = []byte("r/")
	dedupHashPrefix    = []byte("d/")
	dedupIDPrefix      = []byte("pid/")
	apiKeyPrefix       = []byte("ak/")
	apiKeyLedgerPrefix = []byte("akl/")
)

const (
	// ReceiptTTL is how long receipts stay retrievable.
	ReceiptTTL = 30 * 24 * time.Hour
	// DedupTTL is the idempotency window.
	DedupTTL = 300 * time.Second

	cleanupInterval  = 60 * time.Second
	receiptCacheSize = 1000
)

// Storage manages the relay's keyed persistent state.
type Storage struct {
	db         db.Database
	globalLock sync.Mutex // serializes read-modify-write cycles
	cache      *lru.Cache[string, *PaymentReceipt]

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Storage instance over the given database and starts the
// TTL cleanup monitor.
func New(database db.Database) *Storage {
	cache, err := lru.New[string, *PaymentReceipt](receiptCacheSize)
	if err != nil {
		log.Fatalf("failed to create receipt cache: %v", err)
	}
	s := &Storage{
		db:     database,
		cache:  cache,
		stopCh: make(chan struct{}),
	}
	s.monitorExpired()
	return s
}

// Close stops the cleanup monitor and closes the database.
func (s *Storage) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if err := s.db.Close(); err != nil {
		log.Warnw("failed to close storage", "error", err)
	}
}

// setArtifact stores an encoded artifact under prefix/key.
func (s *Storage) setArtifact(prefix, key []byte, artifact any) error {
	data, err := EncodeArtifact(artifact)
	if err != nil {
		return err
	}
	wTx := prefixeddb.NewPrefixedDatabase(s.db, prefix).WriteTx()
	defer wTx.Discard()
	if err := wTx.Set(key, data); err != nil {
		return err
	}
	return wTx.Commit()
}

// getArtifact retrieves and decodes an artifact, or ErrNotFound.
func (s *Storage) getArtifact(prefix, key []byte, out any) error {
	data, err := prefixeddb.NewPrefixedReader(s.db, prefix).Get(key)
	if err != nil {
		return ErrNotFound
	}
	return DecodeArtifact(data, out)
}

// deleteArtifact removes an artifact. Missing keys are not an error.
func (s *Storage) deleteArtifact(prefix, key []byte) error {
	wTx := prefixeddb.NewPrefixedDatabase(s.db, prefix).WriteTx()
	defer wTx.Discard()
	if err := wTx.Delete(key); err != nil {
		return err
	}
	return wTx.Commit()
}
