package stackstx

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/aibtcdev/x402-sponsor-relay-sub001/types"
)

// ErrAmbiguousPayment is returned when zero or more than one transfer event
// matches the declared recipient, leaving settlement undecidable.
var ErrAmbiguousPayment = errors.New("ambiguous payment: zero or multiple matching transfer events")

// PaymentEvent is the single transfer relevant to settlement verification.
type PaymentEvent struct {
	// Native is true for native token transfers; otherwise Asset identifies
	// the fungible token.
	Native    bool
	Asset     AssetInfo
	Amount    *types.BigInt
	Sender    Address
	Recipient Address
}

// transferEvents lists every token movement the transaction declares, from
// the payload itself and corroborated by post-conditions.
func (tx *Transaction) transferEvents() []PaymentEvent {
	origin := tx.OriginAddress()
	var events []PaymentEvent

	if p := tx.TokenTransfer; p != nil {
		events = append(events, PaymentEvent{
			Native:    true,
			Amount:    (*types.BigInt)(new(big.Int).SetUint64(p.Amount)),
			Sender:    origin,
			Recipient: p.Recipient,
		})
	}

	if p := tx.ContractCall; p != nil && isTransferCall(p) {
		ev := PaymentEvent{
			Asset: AssetInfo{
				ContractAddress: p.ContractAddress,
				ContractName:    p.ContractName,
			},
			Amount:    (*types.BigInt)(new(big.Int).Set(p.Args[0].Uint)),
			Sender:    p.Args[1].Principal,
			Recipient: p.Args[2].Principal,
		}
		// Post-conditions carry the asset name the call itself omits.
		for _, pc := range tx.PostConditions {
			if pc.Type == PostConditionFungible &&
				pc.Asset.ContractAddress == p.ContractAddress &&
				pc.Asset.ContractName == p.ContractName {
				ev.Asset.AssetName = pc.Asset.AssetName
				break
			}
		}
		events = append(events, ev)
	}

	return events
}

// isTransferCall recognizes a SIP-010 style transfer invocation:
// (transfer amount sender recipient memo?).
func isTransferCall(p *ContractCallPayload) bool {
	if p.FunctionName != "transfer" || len(p.Args) < 3 {
		return false
	}
	return p.Args[0].Type == ArgUint &&
		p.Args[1].Type == ArgPrincipal &&
		p.Args[2].Type == ArgPrincipal
}

// ExtractPayment returns the single transfer event whose recipient matches
// expectedRecipient. If the transaction declares zero or more than one
// matching event, it fails with ErrAmbiguousPayment.
func (tx *Transaction) ExtractPayment(expectedRecipient string) (*PaymentEvent, error) {
	want, err := ParseAddress(expectedRecipient)
	if err != nil {
		return nil, fmt.Errorf("invalid expected recipient: %w", err)
	}
	var match *PaymentEvent
	for _, ev := range tx.transferEvents() {
		if ev.Recipient.Hash160 != want.Hash160 {
			continue
		}
		if match != nil {
			return nil, ErrAmbiguousPayment
		}
		ev := ev
		match = &ev
	}
	if match == nil {
		return nil, ErrAmbiguousPayment
	}
	return match, nil
}

// Kind is the fee-estimation classification of a transaction.
type Kind string

const (
	KindTokenTransfer Kind = "token_transfer"
	KindContractCall  Kind = "contract_call"
	KindSmartContract Kind = "smart_contract"
)

// Classify returns the fee-estimation kind of the payload.
func (tx *Transaction) Classify() Kind {
	switch {
	case tx.ContractCall != nil:
		return KindContractCall
	case tx.SmartContract != nil:
		return KindSmartContract
	default:
		return KindTokenTransfer
	}
}
