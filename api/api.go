/*
Package api exposes the relay over HTTP: the relay/sponsor surfaces, the
facilitator verify/settle pair, receipt retrieval and redemption, fee
estimates and configuration, and the diagnostic endpoints. It also owns
the request-side rate limiting and the API key gate.
*/
package api

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/aibtcdev/x402-sponsor-relay-sub001/config"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/coordinator"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/fees"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/log"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/ratelimit"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/relay"
	"github.com/aibtcdev/x402-sponsor-relay-sub001/stats"
	stg "github.com/aibtcdev/x402-sponsor-relay-sub001/storage"
)

const (
	maxRequestBodyLog  = 512     // maximum length of request body to log
	maxRequestBodySize = 1 << 20 // request bodies above 1 MiB are rejected

	requestTimeout = 90 * time.Second
)

// APIConfig represents the configuration for the API HTTP server.
type APIConfig struct {
	Host        string
	Port        int
	Network     config.Network
	Pipeline    *relay.Pipeline
	Coordinator *coordinator.Coordinator
	Stats       *stats.Aggregator
	Storage     *stg.Storage
	Fees        *fees.Estimator
}

// API is the HTTP server fronting the relay.
type API struct {
	router  *chi.Mux
	network config.Network
	relay   *relay.Pipeline
	coord   *coordinator.Coordinator
	stats   *stats.Aggregator
	storage *stg.Storage
	fees    *fees.Estimator

	// Per-tier request windows for API-key holders, created lazily.
	keyWindows   map[string]*ratelimit.Window
	keyWindowsMu sync.Mutex
}

// New creates the API and starts the HTTP server.
func New(conf *APIConfig) (*API, error) {
	if conf == nil {
		return nil, fmt.Errorf("missing API configuration")
	}
	if conf.Pipeline == nil || conf.Coordinator == nil || conf.Storage == nil {
		return nil, fmt.Errorf("missing API collaborators")
	}
	a := &API{
		network:    conf.Network,
		relay:      conf.Pipeline,
		coord:      conf.Coordinator,
		stats:      conf.Stats,
		storage:    conf.Storage,
		fees:       conf.Fees,
		keyWindows: make(map[string]*ratelimit.Window),
	}
	a.initRouter()
	go func() {
		log.Infow("starting API server", "host", conf.Host, "port", conf.Port)
		if err := http.ListenAndServe(fmt.Sprintf("%s:%d", conf.Host, conf.Port), a.router); err != nil {
			log.Fatalf("failed to start the API server: %v", err)
		}
	}()
	return a, nil
}

// NewRouterOnly builds the API without binding a listener, for tests.
func NewRouterOnly(conf *APIConfig) (*API, error) {
	if conf == nil || conf.Pipeline == nil || conf.Coordinator == nil || conf.Storage == nil {
		return nil, fmt.Errorf("missing API configuration")
	}
	a := &API{
		network:    conf.Network,
		relay:      conf.Pipeline,
		coord:      conf.Coordinator,
		stats:      conf.Stats,
		storage:    conf.Storage,
		fees:       conf.Fees,
		keyWindows: make(map[string]*ratelimit.Window),
	}
	a.initRouter()
	return a, nil
}

// Router returns the chi router, for tests.
func (a *API) Router() *chi.Mux {
	return a.router
}

// initRouter creates the router with all the routes and middleware.
func (a *API) initRouter() {
	a.router = chi.NewRouter()
	a.router.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Api-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)
	a.router.Use(loggingMiddleware(maxRequestBodyLog))
	a.router.Use(middleware.Recoverer)
	a.router.Use(middleware.Throttle(100))
	a.router.Use(middleware.Timeout(requestTimeout))

	a.registerHandlers()
}

// registerHandlers registers all the HTTP handlers for the API endpoints.
func (a *API) registerHandlers() {
	log.Infow("register handler", "endpoint", RelayEndpoint, "method", "POST")
	a.router.Post(RelayEndpoint, a.handleRelay)
	log.Infow("register handler", "endpoint", SponsorEndpoint, "method", "POST")
	a.router.Post(SponsorEndpoint, a.withAPIKey(a.handleSponsor))

	// facilitator endpoints
	log.Infow("register handler", "endpoint", SettleEndpoint, "method", "POST")
	a.router.Post(SettleEndpoint, a.handleSettle)
	log.Infow("register handler", "endpoint", VerifyEndpoint, "method", "POST")
	a.router.Post(VerifyEndpoint, a.handleVerify)
	log.Infow("register handler", "endpoint", SupportedEndpoint, "method", "GET")
	a.router.Get(SupportedEndpoint, a.handleSupported)

	// receipt endpoints
	log.Infow("register handler", "endpoint", VerifyReceiptEndpoint, "method", "GET")
	a.router.Get(VerifyReceiptEndpoint, a.handleVerifyReceipt)
	log.Infow("register handler", "endpoint", AccessEndpoint, "method", "POST")
	a.router.Post(AccessEndpoint, a.handleAccess)

	// fee endpoints
	log.Infow("register handler", "endpoint", FeesEndpoint, "method", "GET")
	a.router.Get(FeesEndpoint, a.handleFees)
	log.Infow("register handler", "endpoint", FeesConfigEndpoint, "method", "POST")
	a.router.Post(FeesConfigEndpoint, a.withAPIKey(a.handleFeesConfig))

	// diagnostics
	log.Infow("register handler", "endpoint", HealthEndpoint, "method", "GET")
	a.router.Get(HealthEndpoint, a.handleHealth)
	log.Infow("register handler", "endpoint", StatsEndpoint, "method", "GET")
	a.router.Get(StatsEndpoint, a.handleStats)
	log.Infow("register handler", "endpoint", StatsDailyEndpoint, "method", "GET")
	a.router.Get(StatsDailyEndpoint, a.handleStatsDaily)
	log.Infow("register handler", "endpoint", StatsHourlyEndpoint, "method", "GET")
	a.router.Get(StatsHourlyEndpoint, a.handleStatsHourly)
	log.Infow("register handler", "endpoint", StatsLogEndpoint, "method", "GET")
	a.router.Get(StatsLogEndpoint, a.handleStatsLog)
	log.Infow("register handler", "endpoint", NonceStatsEndpoint, "method", "GET")
	a.router.Get(NonceStatsEndpoint, a.handleNonceStats)
	log.Infow("register handler", "endpoint", NonceResetEndpoint, "method", "POST")
	a.router.Post(NonceResetEndpoint, a.withAPIKey(a.handleNonceReset))
}
