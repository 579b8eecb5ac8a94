package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/aibtcdev/x402-sponsor-relay-sub001/coordinator"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/fees"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/stackstx"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/stats"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/types"
)

// SponsorRequest is the body of the API-key-gated sponsor surface.
type SponsorRequest struct {
	Transaction types.HexBytes `json:"transaction"`
	Auth        *AuthEnvelope  `json:"auth,omitempty"`
}

// SponsorResponse is the success body of the sponsor surface.
type SponsorResponse struct {
	Success     bool           `json:"success"`
	RequestID   string         `json:"requestId"`
	Txid        string         `json:"txid"`
	ExplorerURL string         `json:"explorerUrl"`
	Fee         uint64         `json:"fee"`
	SponsoredTx types.HexBytes `json:"sponsoredTx"`
}

// Sponsor signs and broadcasts a sponsor-pending transaction without
// payment verification. Access control is the API key gate in front of
// this surface; the relay pays the fee for whatever the key holder
// submits. Returns as soon as the broadcast is accepted, without waiting
// for confirmation.
func (p *Pipeline) Sponsor(ctx context.Context, req *SponsorRequest) (*SponsorResponse, error) {
	tx, err := stackstx.Parse(req.Transaction)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	if err := tx.RequireSponsorPending(); err != nil {
		return nil, err
	}
	if req.Auth != nil {
		if err := p.verifyAuth(req.Auth, "sponsor", tx.OriginAddress()); err != nil {
			return nil, err
		}
	}

	fee := p.fees.EstimateFor(ctx, tx.Classify(), fees.PriorityMedium)
	assignment, err := p.coord.AssignNonce(ctx)
	if err != nil {
		var limit *coordinator.ErrChainingLimit
		if errors.As(err, &limit) {
			return nil, &RateLimitError{RetryAfter: limit.RetryAfter(), Reason: "sponsor mempool full"}
		}
		return nil, err
	}
	if err := p.coord.SignSponsor(tx, assignment.WalletIndex, assignment.Nonce, fee); err != nil {
		p.coord.Release(assignment.Nonce, assignment.WalletIndex, "", 0)
		return nil, fmt.Errorf("sponsor signing: %w", err)
	}
	txid := tx.Txid()
	sponsoredBytes := tx.Serialize()

	if err := p.broadcast(ctx, sponsoredBytes, txid, assignment, fee); err != nil {
		return nil, err
	}
	p.coord.Release(assignment.Nonce, assignment.WalletIndex, txid, fee)

	p.pool.Submit(func() {
		p.stats.RecordTransaction(stats.Record{
			Endpoint: "sponsor",
			Success:  true,
			Fee:      fee,
			HasFee:   true,
			Txid:     txid,
			Sender:   tx.OriginAddress().String(),
			Status:   "broadcast",
		})
	})

	return &SponsorResponse{
		Success:     true,
		RequestID:   uuid.NewString(),
		Txid:        txid,
		ExplorerURL: p.network.ExplorerURL(txid),
		Fee:         fee,
		SponsoredTx: sponsoredBytes,
	}, nil
}
