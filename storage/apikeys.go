package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/aibtcdev/x402-sponsor-relay-sub001/log"
)

// APIKeyTier bundles the quota attached to an API key.
type APIKeyTier struct {
	Name              string `cbor:"name" json:"name"`
	RequestsPerMinute int    `cbor:"requestsPerMinute" json:"requestsPerMinute"`
	RequestsPerDay    int    `cbor:"requestsPerDay" json:"requestsPerDay"`
	// DailyFeeBudget caps the sponsor fees (microunits) a key may consume
	// per UTC day. Zero means unlimited.
	DailyFeeBudget uint64 `cbor:"dailyFeeBudget" json:"dailyFeeBudget"`
}

// Built-in tiers. Keys created without an explicit tier get TierStandard.
var (
	TierStandard = APIKeyTier{Name: "standard", RequestsPerMinute: 10, RequestsPerDay: 1000, DailyFeeBudget: 50_000_000}
	TierPremium  = APIKeyTier{Name: "premium", RequestsPerMinute: 60, RequestsPerDay: 20000, DailyFeeBudget: 0}
)

// APIKeyRecord is the stored form of an API key. Only the SHA-256 hash of
// the plaintext key is kept.
type APIKeyRecord struct {
	KeyHash   string     `cbor:"keyHash" json:"keyHash"`
	Label     string     `cbor:"label" json:"label"`
	Tier      APIKeyTier `cbor:"tier" json:"tier"`
	CreatedAt time.Time  `cbor:"createdAt" json:"createdAt"`
	Disabled  bool       `cbor:"disabled" json:"disabled"`
}

// APIKeyLedger tracks one key's consumption for one UTC day.
type APIKeyLedger struct {
	Date     string `cbor:"date"`
	Requests int    `cbor:"requests"`
	FeeSpent uint64 `cbor:"feeSpent"`
}

// HashAPIKey derives the storage key for a plaintext API key.
func HashAPIKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// CreateAPIKey mints a new key under the given tier and returns the
// plaintext exactly once. Only the hash is persisted.
func (s *Storage) CreateAPIKey(label string, tier APIKeyTier) (string, *APIKeyRecord, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("could not generate api key: %w", err)
	}
	plaintext := "rk_" + hex.EncodeToString(raw)
	rec := &APIKeyRecord{
		KeyHash:   HashAPIKey(plaintext),
		Label:     label,
		Tier:      tier,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.setArtifact(apiKeyPrefix, []byte(rec.KeyHash), rec); err != nil {
		return "", nil, err
	}
	log.Infow("api key created", "label", label, "tier", tier.Name)
	return plaintext, rec, nil
}

// APIKey resolves a plaintext key to its record, or ErrNotFound.
func (s *Storage) APIKey(plaintext string) (*APIKeyRecord, error) {
	rec := &APIKeyRecord{}
	if err := s.getArtifact(apiKeyPrefix, []byte(HashAPIKey(plaintext)), rec); err != nil {
		return nil, err
	}
	if rec.Disabled {
		return nil, ErrNotFound
	}
	return rec, nil
}

// ledgerFor loads the key's ledger row for the given UTC date, starting a
// fresh one at the day boundary. Caller holds globalLock.
func (s *Storage) ledgerFor(rec *APIKeyRecord, date string) (*APIKeyLedger, []byte) {
	key := []byte(rec.KeyHash + ":" + date)
	ledger := &APIKeyLedger{Date: date}
	if err := s.getArtifact(apiKeyLedgerPrefix, key, ledger); err != nil || ledger.Date != date {
		ledger = &APIKeyLedger{Date: date}
	}
	return ledger, key
}

// AuthorizeAPIKeyRequest counts one request against the key's daily ledger
// and enforces the tier's daily quotas, including an already-exhausted fee
// budget. The ledger is only updated on success.
func (s *Storage) AuthorizeAPIKeyRequest(rec *APIKeyRecord) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	date := time.Now().UTC().Format("2006-01-02")
	ledger, key := s.ledgerFor(rec, date)
	if rec.Tier.RequestsPerDay > 0 && ledger.Requests >= rec.Tier.RequestsPerDay {
		return fmt.Errorf("daily request quota exhausted for tier %s", rec.Tier.Name)
	}
	if rec.Tier.DailyFeeBudget > 0 && ledger.FeeSpent >= rec.Tier.DailyFeeBudget {
		return fmt.Errorf("daily fee budget exhausted for tier %s", rec.Tier.Name)
	}
	ledger.Requests++
	return s.setArtifact(apiKeyLedgerPrefix, key, ledger)
}

// RecordAPIKeyFee adds a spent sponsor fee to the key's daily ledger. The
// fee was already paid on chain, so no quota can reject it here; the
// budget gate happens in AuthorizeAPIKeyRequest on the next request.
func (s *Storage) RecordAPIKeyFee(rec *APIKeyRecord, fee uint64) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	date := time.Now().UTC().Format("2006-01-02")
	ledger, key := s.ledgerFor(rec, date)
	ledger.FeeSpent += fee
	return s.setArtifact(apiKeyLedgerPrefix, key, ledger)
}
