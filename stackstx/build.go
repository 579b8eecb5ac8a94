package stackstx

import (
	"crypto/ecdsa"
	"crypto/sha512"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// NewTokenTransfer builds an unsigned standard (origin-only) native token
// transfer. The coordinator uses it for gap-fill self transfers.
func NewTokenTransfer(version byte, chainID uint32, recipient Address, amount, fee, nonce uint64, memo string) *Transaction {
	tx := &Transaction{
		Version:  version,
		ChainID:  chainID,
		AuthType: AuthTypeStandard,
		Origin: SpendingCondition{
			HashMode:    HashModeP2PKH,
			Nonce:       nonce,
			Fee:         fee,
			KeyEncoding: KeyEncodingCompressed,
		},
		AnchorMode:        AnchorModeAny,
		PostConditionMode: PostConditionModeDeny,
		TokenTransfer: &TokenTransferPayload{
			Recipient: recipient,
			Amount:    amount,
		},
	}
	copy(tx.TokenTransfer.Memo[:], memo)
	return tx
}

// OriginSign signs the origin slot of a standard transaction with the given
// key: digest over the serialization with the origin signature zeroed.
func (tx *Transaction) OriginSign(key *ecdsa.PrivateKey) error {
	copy(tx.Origin.Signer[:], PubkeyHash160(&key.PublicKey))

	clone := *tx
	sc := clone.Origin
	sc.Signature = [signatureLen]byte{}
	clone.Origin = sc
	digest := sha512.Sum512_256(clone.Serialize())

	sig, err := ethcrypto.Sign(digest[:], key)
	if err != nil {
		return fmt.Errorf("origin signature failed: %w", err)
	}
	tx.Origin.Signature[0] = sig[64]
	copy(tx.Origin.Signature[1:], sig[:64])
	return nil
}
