package relay

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/aibtcdev/x402-sponsor-relay-sub001/stackstx"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/types"
)

// AuthMessage is the structured-data payload a caller signs to authorize
// an action on their behalf.
type AuthMessage struct {
	Action string `json:"action"`
	Nonce  string `json:"nonce"`
	// Expiry is a unix timestamp in seconds after which the signature is
	// rejected.
	Expiry int64 `json:"expiry"`
}

// AuthEnvelope carries the message plus its recoverable signature.
type AuthEnvelope struct {
	Signature types.HexBytes `json:"signature"`
	Message   AuthMessage    `json:"message"`
}

// verifyAuth checks a domain-bound structured-data signature: the action
// must match, the message must not be expired, and the recovered signer
// must be the transaction origin. The digest binds the network's auth
// domain so signatures cannot be replayed across networks or apps.
func (p *Pipeline) verifyAuth(env *AuthEnvelope, action string, origin stackstx.Address) error {
	if env.Message.Action != action {
		return fmt.Errorf("%w: action %q, want %q", ErrAuthInvalid, env.Message.Action, action)
	}
	if env.Message.Expiry <= time.Now().Unix() {
		return ErrAuthExpired
	}
	if len(env.Signature) != 65 {
		return fmt.Errorf("%w: signature must be 65 bytes, got %d", ErrAuthInvalid, len(env.Signature))
	}
	digest := p.authDigest(&env.Message)
	// Recoverable signatures arrive r||s||v; tolerate v in both the 0/1
	// and 27/28 conventions.
	sig := make([]byte, 65)
	copy(sig, env.Signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(digest[:], sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthInvalid, err)
	}
	var signer [20]byte
	copy(signer[:], stackstx.PubkeyHash160(pub))
	if signer != origin.Hash160 {
		return fmt.Errorf("%w: signer does not match transaction origin", ErrAuthInvalid)
	}
	return nil
}

// authDigest hashes the domain tuple and the message into the signing
// digest: sha256(domainHash || messageHash).
func (p *Pipeline) authDigest(msg *AuthMessage) [32]byte {
	d := p.network.AuthDomain
	domain := sha256.New()
	domain.Write([]byte(d.Name))
	domain.Write([]byte{0})
	domain.Write([]byte(d.Version))
	domain.Write([]byte{0})
	_ = binary.Write(domain, binary.BigEndian, d.ChainID)

	message := sha256.New()
	message.Write([]byte(msg.Action))
	message.Write([]byte{0})
	message.Write([]byte(msg.Nonce))
	message.Write([]byte{0})
	_ = binary.Write(message, binary.BigEndian, msg.Expiry)

	return sha256.Sum256(append(domain.Sum(nil), message.Sum(nil)...))
}
