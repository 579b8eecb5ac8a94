package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/aibtcdev/x402-sponsor-relay-sub001/config"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/internal"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/stackstx"
)

const (
	defaultNetwork     = "testnet"
	defaultAPIHost     = "0.0.0.0"
	defaultAPIPort     = 8080
	defaultWalletCount = 3
	defaultLogLevel    = "info"
	defaultLogOutput   = "stdout"
	defaultDatadir     = ".sponsor-relay" // Will be prefixed with user's home directory
)

// Version is the build version, set at build time with -ldflags
var Version = internal.Version

// Config holds the application configuration
type Config struct {
	Network string
	Wallet  WalletConfig
	Chain   ChainConfig
	API     APIConfig
	Log     LogConfig
	Datadir string
}

// WalletConfig holds the sponsor wallet fleet configuration. Either a
// BIP-39 mnemonic (deriving count wallets at the given account index) or
// a single raw private key must be provided.
type WalletConfig struct {
	Mnemonic string `mapstructure:"mnemonic"`
	Account  int    `mapstructure:"account"`
	Count    int    `mapstructure:"count"`
	Key      string `mapstructure:"key"`
}

// ChainConfig holds the chain API client configuration
type ChainConfig struct {
	APIKey string `mapstructure:"apikey"`
}

// APIConfig holds the API-specific configuration
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Output string `mapstructure:"output"`
}

// loadConfig loads configuration from flags, environment variables, and defaults
func loadConfig() (*Config, error) {
	v := viper.New()

	// Get user's home directory for default datadir
	userHomeDir, err := os.UserHomeDir()
	if err != nil {
		userHomeDir = "."
	}
	defaultDatadirPath := filepath.Join(userHomeDir, defaultDatadir)

	v.SetDefault("network", defaultNetwork)
	v.SetDefault("wallet.account", 0)
	v.SetDefault("wallet.count", defaultWalletCount)
	v.SetDefault("api.host", defaultAPIHost)
	v.SetDefault("api.port", defaultAPIPort)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.output", defaultLogOutput)
	v.SetDefault("datadir", defaultDatadirPath)

	// Configure flags
	flag.StringP("network", "n", defaultNetwork, fmt.Sprintf("network to use %v", config.AvailableNetworks))
	flag.StringP("wallet.mnemonic", "m", "", "BIP-39 mnemonic for the sponsor wallet fleet")
	flag.Int("wallet.account", 0, "derivation account index")
	flag.IntP("wallet.count", "c", defaultWalletCount,
		fmt.Sprintf("number of sponsor wallets to derive [1,%d]", stackstx.MaxWalletCount))
	flag.StringP("wallet.key", "k", "", "single sponsor private key in hex (alternative to a mnemonic)")
	flag.String("chain.apikey", "", "chain API key, sent as the X-Api-Key header")
	flag.StringP("api.host", "a", defaultAPIHost, "API host")
	flag.IntP("api.port", "p", defaultAPIPort, "API port")
	flag.StringP("log.level", "l", defaultLogLevel, "log level (debug, info, warn, error, fatal)")
	flag.StringP("log.output", "o", defaultLogOutput, "log output (stdout, stderr or filepath)")
	flag.StringP("datadir", "d", defaultDatadirPath, "data directory for database files")

	// Configure usage information
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "sponsor-relay v%s\n\n", Version)
		fmt.Fprintf(os.Stderr, "Usage: sponsor-relay [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables are also available with the same name as flags,\n")
		fmt.Fprintf(os.Stderr, "  except for dashes (-) and dots (.) which are replaced by underscores (_).\n")
		fmt.Fprintf(os.Stderr, "  For example, RELAY_WALLET_MNEMONIC or RELAY_API_PORT\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Start on testnet with a three-wallet fleet\n")
		fmt.Fprintf(os.Stderr, "  sponsor-relay --wallet.mnemonic=\"abandon abandon ...\" --wallet.count=3\n\n")
		fmt.Fprintf(os.Stderr, "  # Start on mainnet with a single raw key\n")
		fmt.Fprintf(os.Stderr, "  sponsor-relay -n mainnet --wallet.key=0123ab...\n")
	}

	// Parse flags
	flag.CommandLine.SortFlags = false
	flag.Parse()

	// Configure Viper to use environment variables
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind flags to Viper
	if err := v.BindPFlags(flag.CommandLine); err != nil {
		return nil, fmt.Errorf("error binding flags: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return cfg, nil
}

// validateConfig validates the loaded configuration
func validateConfig(cfg *Config) error {
	if cfg.Wallet.Mnemonic == "" && cfg.Wallet.Key == "" {
		return fmt.Errorf("sponsor credentials are required " +
			"(use --wallet.mnemonic / RELAY_WALLET_MNEMONIC or --wallet.key / RELAY_WALLET_KEY)")
	}
	if cfg.Wallet.Mnemonic != "" && cfg.Wallet.Key != "" {
		return fmt.Errorf("wallet.mnemonic and wallet.key are mutually exclusive")
	}
	if cfg.Wallet.Mnemonic != "" &&
		(cfg.Wallet.Count < 1 || cfg.Wallet.Count > stackstx.MaxWalletCount) {
		return fmt.Errorf("wallet count %d out of range [1,%d]", cfg.Wallet.Count, stackstx.MaxWalletCount)
	}
	if _, err := config.NetworkConfig(cfg.Network); err != nil {
		return err
	}
	if cfg.API.Port < 1 || cfg.API.Port > 65535 {
		return fmt.Errorf("invalid API port %d", cfg.API.Port)
	}
	return nil
}

// sponsorWallets derives the fleet from the configured credentials.
func sponsorWallets(cfg *Config, network config.Network) ([]stackstx.Wallet, error) {
	if cfg.Wallet.Key != "" {
		w, err := stackstx.WalletFromHex(cfg.Wallet.Key, network.AddressVersion)
		if err != nil {
			return nil, fmt.Errorf("invalid wallet key: %w", err)
		}
		return []stackstx.Wallet{w}, nil
	}
	wallets, err := stackstx.DeriveWallets(cfg.Wallet.Mnemonic, cfg.Wallet.Account,
		cfg.Wallet.Count, network.AddressVersion)
	if err != nil {
		return nil, fmt.Errorf("could not derive sponsor wallets: %w", err)
	}
	return wallets, nil
}
