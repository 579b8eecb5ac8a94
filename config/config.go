// Package config holds the per-network constants of the relay: chain API
// base URLs, explorer URLs, address versions, token asset identifiers and
// the domain bound into structured-data signatures.
package config

import (
	"fmt"

	"github.com/aibtcdev/x402-sponsor-relay-sub001/types"
)

// AvailableNetworks lists the networks the relay can run against.
var AvailableNetworks = []string{"mainnet", "testnet"}

// AssetInfo identifies a SIP-010 fungible token by its contract and asset
// name.
type AssetInfo struct {
	ContractAddress string
	ContractName    string
	AssetName       string
}

// Network groups every network-dependent constant.
type Network struct {
	Name           string
	ChainAPIBase   string
	ExplorerTxBase string
	// TransactionVersion is the leading byte of serialized transactions.
	TransactionVersion byte
	ChainID            uint32
	// AddressVersion is the single-sig c32check version byte.
	AddressVersion byte
	// GapFillRecipient receives the 1-unit self transfers used to occupy
	// gap nonces. Stable per network.
	GapFillRecipient string
	// AuthDomain is bound into structured-data signatures so they cannot be
	// replayed across networks or applications.
	AuthDomain AuthDomain
	// Tokens maps the supported settlement tokens to their asset info. The
	// native token maps to a zero AssetInfo.
	Tokens map[types.TokenType]AssetInfo
}

// AuthDomain is the domain tuple hashed into structured-data signatures.
type AuthDomain struct {
	Name    string
	Version string
	ChainID uint32
}

var networks = map[string]Network{
	"mainnet": {
		Name:               "mainnet",
		ChainAPIBase:       "https://api.hiro.so",
		ExplorerTxBase:     "https://explorer.hiro.so/txid",
		TransactionVersion: 0x00,
		ChainID:            0x00000001,
		AddressVersion:     22, // 'P'
		GapFillRecipient:   "SP000000000000000000002Q6VF78",
		AuthDomain:         AuthDomain{Name: "sponsor-relay", Version: "1.0.0", ChainID: 1},
		Tokens: map[types.TokenType]AssetInfo{
			types.TokenNative: {},
			types.TokenWrappedBTC: {
				ContractAddress: "SM3VDXK3WZZSA84XXFKAFAF15NNZX32CTSG82JFQ4",
				ContractName:    "sbtc-token",
				AssetName:       "sbtc-token",
			},
			types.TokenAIBTC: {
				ContractAddress: "SP1AY6K3PQV5MRT6R4S671NWW2FRVPKM0BR162CT6",
				ContractName:    "aibtc-token",
				AssetName:       "aibtc",
			},
		},
	},
	"testnet": {
		Name:               "testnet",
		ChainAPIBase:       "https://api.testnet.hiro.so",
		ExplorerTxBase:     "https://explorer.hiro.so/txid",
		TransactionVersion: 0x80,
		ChainID:            0x80000000,
		AddressVersion:     26, // 'T'
		GapFillRecipient:   "ST000000000000000000002AMW42H",
		AuthDomain:         AuthDomain{Name: "sponsor-relay", Version: "1.0.0", ChainID: 2147483648},
		Tokens: map[types.TokenType]AssetInfo{
			types.TokenNative: {},
			types.TokenWrappedBTC: {
				ContractAddress: "ST1F7QA2MDF17S807EPA36TSS8AMEFY4KA9TVGWXT",
				ContractName:    "sbtc-token",
				AssetName:       "sbtc-token",
			},
			types.TokenAIBTC: {
				ContractAddress: "ST1AY6K3PQV5MRT6R4S671NWW2FRVPKM0BR162CT6",
				ContractName:    "aibtc-token",
				AssetName:       "aibtc",
			},
		},
	},
}

// NetworkConfig returns the constants for the named network.
func NetworkConfig(name string) (Network, error) {
	n, ok := networks[name]
	if !ok {
		return Network{}, fmt.Errorf("unknown network %q, available: %v", name, AvailableNetworks)
	}
	return n, nil
}

// ExplorerURL builds the public explorer URL for a transaction id.
func (n Network) ExplorerURL(txid string) string {
	return fmt.Sprintf("%s/0x%s?chain=%s", n.ExplorerTxBase, txid, n.Name)
}
