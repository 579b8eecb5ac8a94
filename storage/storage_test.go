package storage

import (
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/aibtcdev/x402-sponsor-relay-sub001/db"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/db/inmemory"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/types"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	database, err := inmemory.New(db.Options{})
	qt.Assert(t, err, qt.IsNil)
	s := New(database)
	t.Cleanup(s.Close)
	return s
}

func TestPayloadDedup(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)
	fp := Fingerprint([]byte("raw transaction bytes"))

	outcome, _, err := s.CheckPayload(fp)
	c.Assert(err, qt.IsNil)
	c.Assert(outcome, qt.Equals, DedupMiss)

	body := []byte(`{"success":true,"txid":"0xabc"}`)
	c.Assert(s.RecordPayload(fp, body), qt.IsNil)

	outcome, replay, err := s.CheckPayload(fp)
	c.Assert(err, qt.IsNil)
	c.Assert(outcome, qt.Equals, DedupHit)
	c.Assert(replay, qt.DeepEquals, body)

	// A different payload hashes to a different entry.
	outcome, _, err = s.CheckPayload(Fingerprint([]byte("other bytes")))
	c.Assert(err, qt.IsNil)
	c.Assert(outcome, qt.Equals, DedupMiss)
}

func TestIdentifierDedup(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)
	id := "payment-abc-00000001"
	fp := Fingerprint([]byte("payload one"))

	outcome, _, err := s.CheckIdentifier(id, fp)
	c.Assert(err, qt.IsNil)
	c.Assert(outcome, qt.Equals, DedupMiss)

	body := []byte(`{"success":true}`)
	c.Assert(s.RecordIdentifier(id, fp, body), qt.IsNil)

	// Same identifier, same payload: replay.
	outcome, replay, err := s.CheckIdentifier(id, fp)
	c.Assert(err, qt.IsNil)
	c.Assert(outcome, qt.Equals, DedupHit)
	c.Assert(replay, qt.DeepEquals, body)

	// Same identifier, different payload: conflict.
	outcome, _, err = s.CheckIdentifier(id, Fingerprint([]byte("payload two")))
	c.Assert(err, qt.IsNil)
	c.Assert(outcome, qt.Equals, DedupConflict)

	_, _, err = s.CheckIdentifier("bad id!", fp)
	c.Assert(err, qt.IsNotNil)
}

func TestDedupKeyspacesAreIndependent(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	// The same 64-char hex string is a valid key in both tables; recording
	// it in one must not leak into the other.
	key := Fingerprint([]byte("shared"))
	c.Assert(s.RecordPayload(key, []byte("payload response")), qt.IsNil)

	outcome, _, err := s.CheckIdentifier(key, key)
	c.Assert(err, qt.IsNil)
	c.Assert(outcome, qt.Equals, DedupMiss)
}

func TestDedupEntriesExpire(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)
	fp := Fingerprint([]byte("old"))

	stale := &DedupEntry{
		Fingerprint: fp,
		Response:    []byte("{}"),
		RecordedAt:  time.Now().UTC().Add(-2 * DedupTTL),
	}
	c.Assert(s.setArtifact(dedupHashPrefix, []byte(fp), stale), qt.IsNil)
	c.Assert(s.setArtifact(dedupIDPrefix, []byte("payment-stale-000001"), stale), qt.IsNil)

	outcome, _, err := s.CheckPayload(fp)
	c.Assert(err, qt.IsNil)
	c.Assert(outcome, qt.Equals, DedupMiss)
	outcome, _, err = s.CheckIdentifier("payment-stale-000001", fp)
	c.Assert(err, qt.IsNil)
	c.Assert(outcome, qt.Equals, DedupMiss)
}

func TestValidPaymentIdentifier(t *testing.T) {
	c := qt.New(t)
	c.Assert(ValidPaymentIdentifier(strings.Repeat("a", 16)), qt.IsTrue)
	c.Assert(ValidPaymentIdentifier(strings.Repeat("a", 128)), qt.IsTrue)
	c.Assert(ValidPaymentIdentifier("AZaz09_-AZaz09_-"), qt.IsTrue)

	c.Assert(ValidPaymentIdentifier(""), qt.IsFalse)
	c.Assert(ValidPaymentIdentifier(strings.Repeat("a", 15)), qt.IsFalse)
	c.Assert(ValidPaymentIdentifier(strings.Repeat("a", 129)), qt.IsFalse)
	c.Assert(ValidPaymentIdentifier("has space padding"), qt.IsFalse)
	c.Assert(ValidPaymentIdentifier("unicode-héllo-123456"), qt.IsFalse)
}

func TestReceiptLifecycle(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	r := &PaymentReceipt{
		Txid:       "0xdeadbeef",
		Network:    "testnet",
		Sender:     "ST1SENDER",
		Recipient:  "ST2RECIPIENT",
		Amount:     types.NewBigInt(5000),
		TokenType:  types.TokenNative,
		SponsorFee: 2000,
		Resource:   "https://api.example.com/premium",
		Method:     "GET",
	}
	c.Assert(s.StoreReceipt(r), qt.IsNil)
	c.Assert(r.ReceiptID, qt.Not(qt.Equals), "")
	c.Assert(r.CreatedAt.IsZero(), qt.IsFalse)
	c.Assert(r.ExpiresAt, qt.Equals, r.CreatedAt.Add(ReceiptTTL))

	got, err := s.Receipt(r.ReceiptID)
	c.Assert(err, qt.IsNil)
	c.Assert(got.Txid, qt.Equals, "0xdeadbeef")
	c.Assert(got.Consumed, qt.IsFalse)

	consumed, err := s.ConsumeReceipt(r.ReceiptID)
	c.Assert(err, qt.IsNil)
	c.Assert(consumed.Consumed, qt.IsTrue)
	c.Assert(consumed.AccessCount, qt.Equals, 1)
	// Consumption preserves the original expiry.
	c.Assert(consumed.ExpiresAt.Equal(r.ExpiresAt), qt.IsTrue)

	again, err := s.ConsumeReceipt(r.ReceiptID)
	c.Assert(err, qt.IsNil)
	c.Assert(again.AccessCount, qt.Equals, 2)

	_, err = s.Receipt("no-such-receipt")
	c.Assert(err, qt.ErrorIs, ErrNotFound)
}

func TestReceiptSurvivesCacheEviction(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	r := &PaymentReceipt{Txid: "0x01", Network: "testnet", Amount: types.NewBigInt(1)}
	c.Assert(s.StoreReceipt(r), qt.IsNil)

	s.cache.Purge()
	got, err := s.Receipt(r.ReceiptID)
	c.Assert(err, qt.IsNil)
	c.Assert(got.Txid, qt.Equals, "0x01")
}

func TestExpiredReceiptNotFound(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	now := time.Now().UTC()
	r := &PaymentReceipt{
		ReceiptID: "expired-receipt",
		CreatedAt: now.Add(-ReceiptTTL - time.Hour),
		ExpiresAt: now.Add(-time.Hour),
		Txid:      "0x02",
	}
	c.Assert(s.setArtifact(receiptPrefix, []byte(r.ReceiptID), r), qt.IsNil)

	_, err := s.Receipt(r.ReceiptID)
	c.Assert(err, qt.ErrorIs, ErrNotFound)
	_, err = s.ConsumeReceipt(r.ReceiptID)
	c.Assert(err, qt.ErrorIs, ErrNotFound)
}

func TestAPIKeyLifecycle(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	plaintext, rec, err := s.CreateAPIKey("agent-7", TierStandard)
	c.Assert(err, qt.IsNil)
	c.Assert(strings.HasPrefix(plaintext, "rk_"), qt.IsTrue)
	c.Assert(rec.KeyHash, qt.Equals, HashAPIKey(plaintext))
	c.Assert(rec.Tier.Name, qt.Equals, "standard")

	got, err := s.APIKey(plaintext)
	c.Assert(err, qt.IsNil)
	c.Assert(got.Label, qt.Equals, "agent-7")

	_, err = s.APIKey("rk_unknown")
	c.Assert(err, qt.ErrorIs, ErrNotFound)

	// Disabling a key makes it unresolvable.
	rec.Disabled = true
	c.Assert(s.setArtifact(apiKeyPrefix, []byte(rec.KeyHash), rec), qt.IsNil)
	_, err = s.APIKey(plaintext)
	c.Assert(err, qt.ErrorIs, ErrNotFound)
}

func TestAPIKeyDailyRequestQuota(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	tier := APIKeyTier{Name: "tiny", RequestsPerMinute: 100, RequestsPerDay: 2}
	_, rec, err := s.CreateAPIKey("quota-test", tier)
	c.Assert(err, qt.IsNil)

	c.Assert(s.AuthorizeAPIKeyRequest(rec), qt.IsNil)
	c.Assert(s.AuthorizeAPIKeyRequest(rec), qt.IsNil)
	c.Assert(s.AuthorizeAPIKeyRequest(rec), qt.IsNotNil)
}

func TestAPIKeyFeeBudgetGate(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	tier := APIKeyTier{Name: "capped", RequestsPerDay: 1000, DailyFeeBudget: 5_000}
	_, rec, err := s.CreateAPIKey("budget-test", tier)
	c.Assert(err, qt.IsNil)

	// Under budget: requests pass.
	c.Assert(s.AuthorizeAPIKeyRequest(rec), qt.IsNil)
	c.Assert(s.RecordAPIKeyFee(rec, 4_999), qt.IsNil)
	c.Assert(s.AuthorizeAPIKeyRequest(rec), qt.IsNil)

	// The fee that crosses the budget is still recorded; the next request
	// is the one that gets rejected.
	c.Assert(s.RecordAPIKeyFee(rec, 2), qt.IsNil)
	c.Assert(s.AuthorizeAPIKeyRequest(rec), qt.IsNotNil)

	// Unlimited budget never gates.
	_, free, err := s.CreateAPIKey("uncapped", TierPremium)
	c.Assert(err, qt.IsNil)
	c.Assert(s.RecordAPIKeyFee(free, 1_000_000_000), qt.IsNil)
	c.Assert(s.AuthorizeAPIKeyRequest(free), qt.IsNil)
}

func TestSweepExpiredRemovesStaleEntries(t *testing.T) {
	c := qt.New(t)
	s := newTestStorage(t)

	now := time.Now().UTC()
	stale := &DedupEntry{Fingerprint: "x", Response: []byte("{}"), RecordedAt: now.Add(-2 * DedupTTL)}
	fresh := &DedupEntry{Fingerprint: "y", Response: []byte("{}"), RecordedAt: now}
	c.Assert(s.setArtifact(dedupHashPrefix, []byte("stale-fp"), stale), qt.IsNil)
	c.Assert(s.setArtifact(dedupHashPrefix, []byte("fresh-fp"), fresh), qt.IsNil)

	expiredReceipt := &PaymentReceipt{
		ReceiptID: "old",
		CreatedAt: now.Add(-ReceiptTTL - time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	}
	c.Assert(s.setArtifact(receiptPrefix, []byte("old"), expiredReceipt), qt.IsNil)

	s.sweepExpired()

	err := s.getArtifact(dedupHashPrefix, []byte("stale-fp"), &DedupEntry{})
	c.Assert(err, qt.ErrorIs, ErrNotFound)
	err = s.getArtifact(dedupHashPrefix, []byte("fresh-fp"), &DedupEntry{})
	c.Assert(err, qt.IsNil)
	err = s.getArtifact(receiptPrefix, []byte("old"), &PaymentReceipt{})
	c.Assert(err, qt.ErrorIs, ErrNotFound)
}
