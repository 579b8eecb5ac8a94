package stackstx

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"

	"github.com/aibtcdev/x402-sponsor-relay-sub001/types"
)

// MaxWalletCount caps the sponsor wallet fleet size.
const MaxWalletCount = 10

// purposeCoinType is the SLIP-44 coin type of the chain, used in the
// derivation path m/44'/5757'/account'/0/index.
const purposeCoinType = 5757

// Wallet is one sponsor wallet: a derived key pair plus its stable address.
// Private keys never leave the coordinator that owns the wallet set.
type Wallet struct {
	Index   int
	Address Address
	Key     *ecdsa.PrivateKey
}

// DeriveWallets derives count sponsor wallets from a BIP-39 mnemonic at
// account accountIndex, path m/44'/5757'/account'/0/i. Addresses are stable
// for the lifetime of the process.
func DeriveWallets(mnemonic string, accountIndex, count int, addressVersion byte) ([]Wallet, error) {
	if count < 1 || count > MaxWalletCount {
		return nil, fmt.Errorf("wallet count %d out of range [1,%d]", count, MaxWalletCount)
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("could not derive master key: %w", err)
	}

	// m/44'/5757'/account'/0
	branch := master
	for _, step := range []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + purposeCoinType,
		hdkeychain.HardenedKeyStart + uint32(accountIndex),
		0,
	} {
		if branch, err = branch.Derive(step); err != nil {
			return nil, fmt.Errorf("could not derive path step %d: %w", step, err)
		}
	}

	wallets := make([]Wallet, 0, count)
	for i := range count {
		child, err := branch.Derive(uint32(i))
		if err != nil {
			return nil, fmt.Errorf("could not derive wallet %d: %w", i, err)
		}
		btcKey, err := child.ECPrivKey()
		if err != nil {
			return nil, fmt.Errorf("could not extract key for wallet %d: %w", i, err)
		}
		key, err := ethcrypto.ToECDSA(btcKey.Serialize())
		if err != nil {
			return nil, fmt.Errorf("could not convert key for wallet %d: %w", i, err)
		}
		wallets = append(wallets, newWallet(i, key, addressVersion))
	}
	return wallets, nil
}

// WalletFromHex builds the single wallet 0 from a raw hex private key. Raw
// keys only support wallet index 0; fleets require a mnemonic.
func WalletFromHex(hexKey string, addressVersion byte) (Wallet, error) {
	b, err := types.HexStringToHexBytes(hexKey)
	if err != nil {
		return Wallet{}, fmt.Errorf("invalid private key hex: %w", err)
	}
	// Tolerate the trailing 0x01 compression marker some tools append.
	if len(b) == 33 && b[32] == 0x01 {
		b = b[:32]
	}
	key, err := ethcrypto.ToECDSA(b)
	if err != nil {
		return Wallet{}, fmt.Errorf("invalid private key: %w", err)
	}
	return newWallet(0, key, addressVersion), nil
}

func newWallet(index int, key *ecdsa.PrivateKey, addressVersion byte) Wallet {
	var a Address
	a.Version = addressVersion
	copy(a.Hash160[:], PubkeyHash160(&key.PublicKey))
	return Wallet{Index: index, Address: a, Key: key}
}
