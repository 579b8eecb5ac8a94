package storage

import (
	"time"

	"github.com/google/uuid"

	"github.com/aibtcdev/x402-sponsor-relay-sub001/log"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/types"
)

// PaymentReceipt is the durable proof of a settled sponsored payment. It is
// handed out as a bearer token; holders redeem it against the resource it
// names.
type PaymentReceipt struct {
	ReceiptID string    `cbor:"receiptId" json:"receiptId"`
	CreatedAt time.Time `cbor:"createdAt" json:"createdAt"`
	ExpiresAt time.Time `cbor:"expiresAt" json:"expiresAt"`

	Txid        string          `cbor:"txid" json:"txid"`
	Network     string          `cbor:"network" json:"network"`
	Sender      string          `cbor:"sender" json:"sender"`
	Recipient   string          `cbor:"recipient" json:"recipient"`
	Amount      *types.BigInt   `cbor:"amount" json:"amount"`
	TokenType   types.TokenType `cbor:"tokenType" json:"tokenType"`
	SponsorFee  uint64          `cbor:"sponsorFee" json:"sponsorFee"`
	Resource    string          `cbor:"resource,omitempty" json:"resource,omitempty"`
	Method      string          `cbor:"method,omitempty" json:"method,omitempty"`
	BlockHeight uint64          `cbor:"blockHeight,omitempty" json:"blockHeight,omitempty"`

	Consumed    bool `cbor:"consumed" json:"consumed"`
	AccessCount int  `cbor:"accessCount" json:"accessCount"`
}

// Valid reports whether the receipt is still within its TTL.
func (r *PaymentReceipt) Valid(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}

// StoreReceipt persists a new receipt. An empty ReceiptID gets a fresh UUID
// and the TTL window is stamped from now.
func (s *Storage) StoreReceipt(r *PaymentReceipt) error {
	if r.ReceiptID == "" {
		r.ReceiptID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.ExpiresAt.IsZero() {
		r.ExpiresAt = r.CreatedAt.Add(ReceiptTTL)
	}
	if err := s.setArtifact(receiptPrefix, []byte(r.ReceiptID), r); err != nil {
		return err
	}
	s.cache.Add(r.ReceiptID, r)
	return nil
}

// Receipt retrieves a receipt by id. Expired receipts report ErrNotFound.
func (s *Storage) Receipt(receiptID string) (*PaymentReceipt, error) {
	if r, ok := s.cache.Get(receiptID); ok {
		if !r.Valid(time.Now()) {
			return nil, ErrNotFound
		}
		return r, nil
	}
	r := &PaymentReceipt{}
	if err := s.getArtifact(receiptPrefix, []byte(receiptID), r); err != nil {
		return nil, err
	}
	if !r.Valid(time.Now()) {
		return nil, ErrNotFound
	}
	s.cache.Add(receiptID, r)
	return r, nil
}

// ConsumeReceipt marks the receipt consumed and bumps its access counter,
// preserving the original expiry. Returns the updated receipt.
func (s *Storage) ConsumeReceipt(receiptID string) (*PaymentReceipt, error) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	r := &PaymentReceipt{}
	if err := s.getArtifact(receiptPrefix, []byte(receiptID), r); err != nil {
		return nil, err
	}
	if !r.Valid(time.Now()) {
		return nil, ErrNotFound
	}
	r.Consumed = true
	r.AccessCount++
	if err := s.setArtifact(receiptPrefix, []byte(receiptID), r); err != nil {
		return nil, err
	}
	s.cache.Add(receiptID, r)
	log.Debugw("receipt consumed", "receiptId", receiptID, "accessCount", r.AccessCount)
	return r, nil
}
