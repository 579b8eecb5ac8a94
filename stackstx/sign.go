package stackstx

import (
	"crypto/ecdsa"
	"crypto/sha512"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Txid returns the deterministic transaction id: SHA-512/256 over the full
// serialization, hex encoded without prefix. It is computable before
// broadcast, which lets the relay hand out the txid while still polling.
func (tx *Transaction) Txid() string {
	sum := sha512.Sum512_256(tx.Serialize())
	return hex.EncodeToString(sum[:])
}

// presignHash computes the digest a sponsor signs: the serialization with
// the sponsor nonce and fee at their final values and the sponsor signature
// bytes zeroed.
func (tx *Transaction) presignHash() [32]byte {
	clone := *tx
	if tx.Sponsor != nil {
		sc := *tx.Sponsor
		sc.Signature = [signatureLen]byte{}
		clone.Sponsor = &sc
	}
	return sha512.Sum512_256(clone.Serialize())
}

// SponsorSign fills the fee-payer slot: it sets the sponsor nonce and fee,
// signs the presign hash with the sponsor key and writes the recoverable
// signature (v || r || s) plus the sponsor's hash160 into the slot. The
// receiver is mutated and ends in sponsor-signed auth mode.
func (tx *Transaction) SponsorSign(key *ecdsa.PrivateKey, nonce, fee uint64) error {
	if tx.AuthType != AuthTypeSponsored || tx.Sponsor == nil {
		return ErrNotSponsored
	}
	tx.Sponsor.HashMode = HashModeP2PKH
	tx.Sponsor.KeyEncoding = KeyEncodingCompressed
	tx.Sponsor.Nonce = nonce
	tx.Sponsor.Fee = fee
	copy(tx.Sponsor.Signer[:], PubkeyHash160(&key.PublicKey))

	digest := tx.presignHash()
	sig, err := ethcrypto.Sign(digest[:], key)
	if err != nil {
		return fmt.Errorf("sponsor signature failed: %w", err)
	}
	// go-ethereum returns r||s||v; the wire format wants v||r||s.
	tx.Sponsor.Signature[0] = sig[64]
	copy(tx.Sponsor.Signature[1:], sig[:64])
	return nil
}

// VerifySponsorSignature recovers the signer from the sponsor slot and
// checks it matches the embedded hash160. Used by tests and diagnostics.
func (tx *Transaction) VerifySponsorSignature() error {
	if tx.AuthMode() != AuthSponsorSigned {
		return fmt.Errorf("transaction is not sponsor-signed")
	}
	digest := tx.presignHash()
	sig := make([]byte, signatureLen)
	copy(sig[:64], tx.Sponsor.Signature[1:])
	sig[64] = tx.Sponsor.Signature[0]
	pub, err := ethcrypto.SigToPub(digest[:], sig)
	if err != nil {
		return fmt.Errorf("could not recover sponsor pubkey: %w", err)
	}
	var signer [20]byte
	copy(signer[:], PubkeyHash160(pub))
	if signer != tx.Sponsor.Signer {
		return fmt.Errorf("sponsor signature does not match signer hash")
	}
	return nil
}

// PubkeyHash160 computes hash160 (ripemd160 of sha256) over the compressed
// public key, the signer hash embedded in spending conditions.
func PubkeyHash160(pub *ecdsa.PublicKey) []byte {
	return btcutil.Hash160(ethcrypto.CompressPubkey(pub))
}
