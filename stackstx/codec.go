// Package stackstx implements the chain's sponsor-mode transaction wire
// format: deserialization, serialization, sponsor signing, txid computation,
// payment-event extraction and sponsor wallet derivation. The codec is
// pure; it holds no state beyond the parsed transaction itself.
package stackstx

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
)

// Auth types.
const (
	AuthTypeStandard  byte = 0x04
	AuthTypeSponsored byte = 0x05
)

// Spending condition constants.
const (
	HashModeP2PKH          byte = 0x00
	KeyEncodingCompressed  byte = 0x00
	AnchorModeAny          byte = 0x03
	PostConditionModeAllow byte = 0x01
	PostConditionModeDeny  byte = 0x02
)

// Payload types.
const (
	PayloadTokenTransfer byte = 0x00
	PayloadContractCall  byte = 0x02
	PayloadSmartContract byte = 0x06
)

// Post-condition types and codes.
const (
	PostConditionNative    byte = 0x00
	PostConditionFungible  byte = 0x01
	PrincipalStandard      byte = 0x02
	ConditionCodeSentEqual byte = 0x01
	ConditionCodeSentGE    byte = 0x03
)

// Clarity-lite argument type tags for contract calls.
const (
	ArgUint      byte = 0x00
	ArgPrincipal byte = 0x05
	ArgNone      byte = 0x09
	ArgString    byte = 0x0d
)

const (
	signatureLen = 65
	memoLen      = 34
)

// AuthMode describes how far along the sponsorship lifecycle a transaction
// is.
type AuthMode int

const (
	// AuthOriginOnly is a standard, non-sponsored transaction.
	AuthOriginOnly AuthMode = iota
	// AuthSponsorPending is a sponsored transaction whose fee-payer slot is
	// still the placeholder: origin signed, sponsor not yet.
	AuthSponsorPending
	// AuthSponsorSigned is a fully-signed sponsored transaction.
	AuthSponsorSigned
)

func (m AuthMode) String() string {
	switch m {
	case AuthOriginOnly:
		return "origin-only"
	case AuthSponsorPending:
		return "sponsor-pending"
	case AuthSponsorSigned:
		return "sponsor-signed"
	}
	return "unknown"
}

var (
	// ErrNotSponsored is returned when an operation requires a
	// sponsor-pending transaction and gets something else.
	ErrNotSponsored = errors.New("transaction is not in sponsor-pending mode")
	// ErrMalformed wraps any wire-format violation found while parsing.
	ErrMalformed = errors.New("malformed transaction")
)

// SpendingCondition is one fee-payer slot of the authorization: the origin's
// or the sponsor's.
type SpendingCondition struct {
	HashMode    byte
	Signer      [20]byte
	Nonce       uint64
	Fee         uint64
	KeyEncoding byte
	Signature   [signatureLen]byte
}

func (sc *SpendingCondition) sigIsZero() bool {
	return sc.Signature == [signatureLen]byte{}
}

// ClarityValue is a contract call argument in the clarity-lite encoding.
type ClarityValue struct {
	Type      byte
	Uint      *big.Int // ArgUint: unsigned 128-bit
	Principal Address  // ArgPrincipal
	Str       string   // ArgString
}

// PostCondition constrains a token movement of the transaction.
type PostCondition struct {
	Type          byte // PostConditionNative | PostConditionFungible
	Principal     Address
	Asset         AssetInfo // fungible only
	ConditionCode byte
	Amount        uint64
}

// AssetInfo identifies a fungible token asset on chain.
type AssetInfo struct {
	ContractAddress Address
	ContractName    string
	AssetName       string
}

// TokenTransferPayload moves native tokens to a recipient.
type TokenTransferPayload struct {
	Recipient Address
	Amount    uint64
	Memo      [memoLen]byte
}

// ContractCallPayload invokes a public contract function.
type ContractCallPayload struct {
	ContractAddress Address
	ContractName    string
	FunctionName    string
	Args            []ClarityValue
}

// SmartContractPayload deploys a contract.
type SmartContractPayload struct {
	Name string
	Code []byte
}

// Transaction is the decoded form of the chain's transaction wire format.
// Exactly one of the payload fields is non-nil.
type Transaction struct {
	Version           byte
	ChainID           uint32
	AuthType          byte
	Origin            SpendingCondition
	Sponsor           *SpendingCondition // sponsored auth only
	AnchorMode        byte
	PostConditionMode byte
	PostConditions    []PostCondition
	TokenTransfer     *TokenTransferPayload
	ContractCall      *ContractCallPayload
	SmartContract     *SmartContractPayload
}

// AuthMode derives the sponsorship lifecycle stage from the auth type and
// the sponsor slot contents.
func (tx *Transaction) AuthMode() AuthMode {
	if tx.AuthType != AuthTypeSponsored || tx.Sponsor == nil {
		return AuthOriginOnly
	}
	if tx.Sponsor.sigIsZero() && tx.Sponsor.Signer == [20]byte{} {
		return AuthSponsorPending
	}
	return AuthSponsorSigned
}

// OriginAddress returns the origin principal, using the transaction's
// version byte to select the address version.
func (tx *Transaction) OriginAddress() Address {
	return Address{Version: addressVersionFor(tx.Version), Hash160: tx.Origin.Signer}
}

// SponsorAddress returns the sponsor principal, or the zero address while
// sponsor-pending.
func (tx *Transaction) SponsorAddress() Address {
	if tx.Sponsor == nil {
		return Address{}
	}
	return Address{Version: addressVersionFor(tx.Version), Hash160: tx.Sponsor.Signer}
}

// Fee returns the effective fee field: the sponsor's when sponsored, the
// origin's otherwise.
func (tx *Transaction) Fee() uint64 {
	if tx.Sponsor != nil {
		return tx.Sponsor.Fee
	}
	return tx.Origin.Fee
}

// OriginSignaturePresent reports whether the origin slot carries a
// signature.
func (tx *Transaction) OriginSignaturePresent() bool {
	return !tx.Origin.sigIsZero()
}

// RequireSponsorPending fails with ErrNotSponsored unless the transaction
// is sponsored with an unfilled fee-payer slot.
func (tx *Transaction) RequireSponsorPending() error {
	if tx.AuthMode() != AuthSponsorPending {
		return fmt.Errorf("%w: auth mode is %s", ErrNotSponsored, tx.AuthMode())
	}
	return nil
}

// addressVersionFor maps a transaction version byte to the single-sig
// address version of its network.
func addressVersionFor(txVersion byte) byte {
	if txVersion&0x80 != 0 {
		return 26 // testnet
	}
	return 22 // mainnet
}

// Parse decodes a serialized transaction.
func Parse(raw []byte) (*Transaction, error) {
	r := bytes.NewReader(raw)
	tx := &Transaction{}

	hdr := make([]byte, 6)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("%w: short header", ErrMalformed)
	}
	tx.Version = hdr[0]
	tx.ChainID = binary.BigEndian.Uint32(hdr[1:5])
	tx.AuthType = hdr[5]

	switch tx.AuthType {
	case AuthTypeStandard:
	case AuthTypeSponsored:
	default:
		return nil, fmt.Errorf("%w: unknown auth type 0x%02x", ErrMalformed, tx.AuthType)
	}

	if err := readSpendingCondition(r, &tx.Origin); err != nil {
		return nil, fmt.Errorf("%w: origin condition: %v", ErrMalformed, err)
	}
	if tx.AuthType == AuthTypeSponsored {
		tx.Sponsor = &SpendingCondition{}
		if err := readSpendingCondition(r, tx.Sponsor); err != nil {
			return nil, fmt.Errorf("%w: sponsor condition: %v", ErrMalformed, err)
		}
	}

	var err error
	if tx.AnchorMode, err = readByte(r); err != nil {
		return nil, fmt.Errorf("%w: anchor mode", ErrMalformed)
	}
	if tx.PostConditionMode, err = readByte(r); err != nil {
		return nil, fmt.Errorf("%w: post condition mode", ErrMalformed)
	}

	var pcCount uint32
	if err := binary.Read(r, binary.BigEndian, &pcCount); err != nil {
		return nil, fmt.Errorf("%w: post condition count", ErrMalformed)
	}
	if pcCount > 64 {
		return nil, fmt.Errorf("%w: too many post conditions (%d)", ErrMalformed, pcCount)
	}
	for range pcCount {
		pc, err := readPostCondition(r)
		if err != nil {
			return nil, fmt.Errorf("%w: post condition: %v", ErrMalformed, err)
		}
		tx.PostConditions = append(tx.PostConditions, pc)
	}

	if err := readPayload(r, tx); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, r.Len())
	}
	return tx, nil
}

// Serialize encodes the transaction back into wire bytes. Parse∘Serialize
// is the identity on all observable fields.
func (tx *Transaction) Serialize() []byte {
	var buf bytes.Buffer
	buf.WriteByte(tx.Version)
	_ = binary.Write(&buf, binary.BigEndian, tx.ChainID)
	buf.WriteByte(tx.AuthType)
	writeSpendingCondition(&buf, &tx.Origin)
	if tx.AuthType == AuthTypeSponsored && tx.Sponsor != nil {
		writeSpendingCondition(&buf, tx.Sponsor)
	}
	buf.WriteByte(tx.AnchorMode)
	buf.WriteByte(tx.PostConditionMode)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(tx.PostConditions)))
	for i := range tx.PostConditions {
		writePostCondition(&buf, &tx.PostConditions[i])
	}
	writePayload(&buf, tx)
	return buf.Bytes()
}

func readByte(r *bytes.Reader) (byte, error) {
	return r.ReadByte()
}

func readSpendingCondition(r *bytes.Reader, sc *SpendingCondition) error {
	var err error
	if sc.HashMode, err = readByte(r); err != nil {
		return err
	}
	if sc.HashMode != HashModeP2PKH {
		return fmt.Errorf("unsupported hash mode 0x%02x", sc.HashMode)
	}
	if _, err := io.ReadFull(r, sc.Signer[:]); err != nil {
		return err
	}
	if err := binary.Read(r, binary.BigEndian, &sc.Nonce); err != nil {
		return err
	}
	if err := binary.Read(r, binary.BigEndian, &sc.Fee); err != nil {
		return err
	}
	if sc.KeyEncoding, err = readByte(r); err != nil {
		return err
	}
	if _, err := io.ReadFull(r, sc.Signature[:]); err != nil {
		return err
	}
	return nil
}

func writeSpendingCondition(buf *bytes.Buffer, sc *SpendingCondition) {
	buf.WriteByte(sc.HashMode)
	buf.Write(sc.Signer[:])
	_ = binary.Write(buf, binary.BigEndian, sc.Nonce)
	_ = binary.Write(buf, binary.BigEndian, sc.Fee)
	buf.WriteByte(sc.KeyEncoding)
	buf.Write(sc.Signature[:])
}

func readAddress(r *bytes.Reader) (Address, error) {
	var a Address
	var err error
	if a.Version, err = readByte(r); err != nil {
		return a, err
	}
	if _, err := io.ReadFull(r, a.Hash160[:]); err != nil {
		return a, err
	}
	return a, nil
}

func writeAddress(buf *bytes.Buffer, a Address) {
	buf.WriteByte(a.Version)
	buf.Write(a.Hash160[:])
}

func readShortString(r *bytes.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func writeShortString(buf *bytes.Buffer, s string) {
	if len(s) > 255 {
		s = s[:255]
	}
	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)
}

func readPostCondition(r *bytes.Reader) (PostCondition, error) {
	var pc PostCondition
	var err error
	if pc.Type, err = readByte(r); err != nil {
		return pc, err
	}
	if pc.Type != PostConditionNative && pc.Type != PostConditionFungible {
		return pc, fmt.Errorf("unknown post condition type 0x%02x", pc.Type)
	}
	ptype, err := readByte(r)
	if err != nil {
		return pc, err
	}
	if ptype != PrincipalStandard {
		return pc, fmt.Errorf("unsupported principal type 0x%02x", ptype)
	}
	if pc.Principal, err = readAddress(r); err != nil {
		return pc, err
	}
	if pc.Type == PostConditionFungible {
		if pc.Asset.ContractAddress, err = readAddress(r); err != nil {
			return pc, err
		}
		if pc.Asset.ContractName, err = readShortString(r); err != nil {
			return pc, err
		}
		if pc.Asset.AssetName, err = readShortString(r); err != nil {
			return pc, err
		}
	}
	if pc.ConditionCode, err = readByte(r); err != nil {
		return pc, err
	}
	if err := binary.Read(r, binary.BigEndian, &pc.Amount); err != nil {
		return pc, err
	}
	return pc, nil
}

func writePostCondition(buf *bytes.Buffer, pc *PostCondition) {
	buf.WriteByte(pc.Type)
	buf.WriteByte(PrincipalStandard)
	writeAddress(buf, pc.Principal)
	if pc.Type == PostConditionFungible {
		writeAddress(buf, pc.Asset.ContractAddress)
		writeShortString(buf, pc.Asset.ContractName)
		writeShortString(buf, pc.Asset.AssetName)
	}
	buf.WriteByte(pc.ConditionCode)
	_ = binary.Write(buf, binary.BigEndian, pc.Amount)
}

func readPayload(r *bytes.Reader, tx *Transaction) error {
	ptype, err := readByte(r)
	if err != nil {
		return err
	}
	switch ptype {
	case PayloadTokenTransfer:
		p := &TokenTransferPayload{}
		if p.Recipient, err = readAddress(r); err != nil {
			return err
		}
		if err := binary.Read(r, binary.BigEndian, &p.Amount); err != nil {
			return err
		}
		if _, err := io.ReadFull(r, p.Memo[:]); err != nil {
			return err
		}
		tx.TokenTransfer = p
	case PayloadContractCall:
		p := &ContractCallPayload{}
		if p.ContractAddress, err = readAddress(r); err != nil {
			return err
		}
		if p.ContractName, err = readShortString(r); err != nil {
			return err
		}
		if p.FunctionName, err = readShortString(r); err != nil {
			return err
		}
		var argCount uint32
		if err := binary.Read(r, binary.BigEndian, &argCount); err != nil {
			return err
		}
		if argCount > 64 {
			return fmt.Errorf("too many contract call arguments (%d)", argCount)
		}
		for range argCount {
			arg, err := readClarityValue(r)
			if err != nil {
				return err
			}
			p.Args = append(p.Args, arg)
		}
		tx.ContractCall = p
	case PayloadSmartContract:
		p := &SmartContractPayload{}
		if p.Name, err = readShortString(r); err != nil {
			return err
		}
		var codeLen uint32
		if err := binary.Read(r, binary.BigEndian, &codeLen); err != nil {
			return err
		}
		if codeLen > 2<<20 {
			return fmt.Errorf("contract code too large (%d bytes)", codeLen)
		}
		p.Code = make([]byte, codeLen)
		if _, err := io.ReadFull(r, p.Code); err != nil {
			return err
		}
		tx.SmartContract = p
	default:
		return fmt.Errorf("unknown payload type 0x%02x", ptype)
	}
	return nil
}

func writePayload(buf *bytes.Buffer, tx *Transaction) {
	switch {
	case tx.TokenTransfer != nil:
		buf.WriteByte(PayloadTokenTransfer)
		writeAddress(buf, tx.TokenTransfer.Recipient)
		_ = binary.Write(buf, binary.BigEndian, tx.TokenTransfer.Amount)
		buf.Write(tx.TokenTransfer.Memo[:])
	case tx.ContractCall != nil:
		buf.WriteByte(PayloadContractCall)
		writeAddress(buf, tx.ContractCall.ContractAddress)
		writeShortString(buf, tx.ContractCall.ContractName)
		writeShortString(buf, tx.ContractCall.FunctionName)
		_ = binary.Write(buf, binary.BigEndian, uint32(len(tx.ContractCall.Args)))
		for i := range tx.ContractCall.Args {
			writeClarityValue(buf, &tx.ContractCall.Args[i])
		}
	case tx.SmartContract != nil:
		buf.WriteByte(PayloadSmartContract)
		writeShortString(buf, tx.SmartContract.Name)
		_ = binary.Write(buf, binary.BigEndian, uint32(len(tx.SmartContract.Code)))
		buf.Write(tx.SmartContract.Code)
	}
}

func readClarityValue(r *bytes.Reader) (ClarityValue, error) {
	var cv ClarityValue
	var err error
	if cv.Type, err = readByte(r); err != nil {
		return cv, err
	}
	switch cv.Type {
	case ArgUint:
		raw := make([]byte, 16)
		if _, err := io.ReadFull(r, raw); err != nil {
			return cv, err
		}
		cv.Uint = new(big.Int).SetBytes(raw)
	case ArgPrincipal:
		if cv.Principal, err = readAddress(r); err != nil {
			return cv, err
		}
	case ArgString:
		if cv.Str, err = readShortString(r); err != nil {
			return cv, err
		}
	case ArgNone:
	default:
		return cv, fmt.Errorf("unknown clarity value type 0x%02x", cv.Type)
	}
	return cv, nil
}

func writeClarityValue(buf *bytes.Buffer, cv *ClarityValue) {
	buf.WriteByte(cv.Type)
	switch cv.Type {
	case ArgUint:
		raw := make([]byte, 16)
		cv.Uint.FillBytes(raw)
		buf.Write(raw)
	case ArgPrincipal:
		writeAddress(buf, cv.Principal)
	case ArgString:
		writeShortString(buf, cv.Str)
	case ArgNone:
	}
}
