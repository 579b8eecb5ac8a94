package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aibtcdev/x402-sponsor-relay-sub001/api"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/chain"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/config"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/coordinator"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/db"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/db/pebbledb"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/fees"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/log"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/relay"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/stats"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/storage"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/workers"
)

const shutdownTimeout = 10 * time.Second

// Services holds all the running services
type Services struct {
	Storage     *storage.Storage
	Stats       *stats.Aggregator
	Coordinator *coordinator.Coordinator
	Workers     *workers.Pool
	API         *api.API
}

func main() {
	// Load configuration
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logging
	log.Init(cfg.Log.Level, cfg.Log.Output)
	log.Infow("starting sponsor-relay", "version", Version)

	// Validate configuration
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	network, err := config.NetworkConfig(cfg.Network)
	if err != nil {
		log.Fatalf("Invalid network: %v", err)
	}

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup services
	services, err := setupServices(ctx, cfg, network)
	if err != nil {
		log.Fatalf("Failed to setup services: %v", err)
	}
	defer shutdownServices(services)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Infow("received signal, shutting down", "signal", sig.String())
}

// setupServices wires the storage, coordinator, settlement pipeline and
// HTTP API and starts the background loops.
func setupServices(ctx context.Context, cfg *Config, network config.Network) (*Services, error) {
	wallets, err := sponsorWallets(cfg, network)
	if err != nil {
		return nil, err
	}
	for _, w := range wallets {
		log.Infow("sponsor wallet ready", "index", w.Index, "address", w.Address.String())
	}

	// All components share one key-value database under distinct prefixes.
	dbPath := filepath.Join(cfg.Datadir, cfg.Network)
	database, err := pebbledb.New(db.Options{Path: dbPath})
	if err != nil {
		return nil, fmt.Errorf("could not open database at %s: %w", dbPath, err)
	}
	log.Infow("database open", "path", dbPath)

	services := &Services{}
	services.Storage = storage.New(database)
	services.Stats = stats.New(database)
	services.Stats.Start(ctx)

	chainClient := chain.New(network, cfg.Chain.APIKey)

	services.Coordinator, err = coordinator.New(network, chainClient, wallets,
		coordinator.NewStateStore(database))
	if err != nil {
		return nil, err
	}
	services.Coordinator.Start(ctx)

	services.Workers = workers.New(0, 0)
	estimator := fees.New(chainClient)

	pipeline := relay.New(relay.Config{
		Network:     network,
		Chain:       chainClient,
		Coordinator: services.Coordinator,
		Stats:       services.Stats,
		Storage:     services.Storage,
		Fees:        estimator,
		Workers:     services.Workers,
	})

	services.API, err = api.New(&api.APIConfig{
		Host:        cfg.API.Host,
		Port:        cfg.API.Port,
		Network:     network,
		Pipeline:    pipeline,
		Coordinator: services.Coordinator,
		Stats:       services.Stats,
		Storage:     services.Storage,
		Fees:        estimator,
	})
	if err != nil {
		return nil, fmt.Errorf("could not start API: %w", err)
	}
	return services, nil
}

// shutdownServices stops the background loops and flushes storage.
func shutdownServices(services *Services) {
	if services == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if services.Coordinator != nil {
		services.Coordinator.Stop()
	}
	if services.Workers != nil {
		services.Workers.Stop(ctx)
	}
	if services.Storage != nil {
		services.Storage.Close()
	}
	log.Infow("shutdown complete")
}
