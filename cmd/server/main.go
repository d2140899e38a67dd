package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/selunlabs/selun-engine/internal/clients/fetch"
	"github.com/selunlabs/selun-engine/internal/clients/markets"
	"github.com/selunlabs/selun-engine/internal/config"
	"github.com/selunlabs/selun-engine/internal/events"
	"github.com/selunlabs/selun-engine/internal/modules/aaa"
	"github.com/selunlabs/selun-engine/internal/modules/macro"
	"github.com/selunlabs/selun-engine/internal/modules/macroreview"
	"github.com/selunlabs/selun-engine/internal/modules/payments"
	"github.com/selunlabs/selun-engine/internal/modules/policy"
	"github.com/selunlabs/selun-engine/internal/modules/portfolio"
	"github.com/selunlabs/selun-engine/internal/modules/pricing"
	"github.com/selunlabs/selun-engine/internal/modules/screening"
	"github.com/selunlabs/selun-engine/internal/modules/shortlist"
	"github.com/selunlabs/selun-engine/internal/modules/sourceintel"
	"github.com/selunlabs/selun-engine/internal/modules/universe"
	"github.com/selunlabs/selun-engine/internal/modules/x402"
	"github.com/selunlabs/selun-engine/internal/orchestrator"
	"github.com/selunlabs/selun-engine/internal/scheduler"
	"github.com/selunlabs/selun-engine/internal/server"
	"github.com/selunlabs/selun-engine/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		println("failed to load configuration:", err.Error())
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Msg("Starting Selun allocation engine")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("Cannot create data directory")
	}

	// Shared clients and registries.
	fetcher := fetch.New(log)
	gecko := markets.NewCoinGecko(fetcher, cfg.Phase3CoinGeckoMinInterval, log)
	cmc := markets.NewCoinMarketCap(fetcher, cfg.CoinMarketCapAPIKey, log)

	intel := sourceintel.NewRegistry(log)
	if err := intel.Load(cfg.SourceIntelligenceFile); err != nil {
		log.Warn().Err(err).Msg("Source intelligence starts empty")
	}
	snapshots := macro.NewSnapshotStore(cfg.MacroSnapshotFile, log)
	collectors := macro.NewCollectors(fetcher, gecko, cmc, intel, cfg.MessariAPIKey, macro.DefaultConfig(), log)

	// Agent identity; runs read-only when no private key is configured.
	identity := payments.NewIdentityManager(cfg.AgentIdentityFile, cfg.NetworkID, cfg.AgentPrivateKey, log)

	// Phase engines.
	macroEngine := macroreview.NewEngine(collectors, snapshots, intel, cfg.SourceIntelligenceFile, identity, macroreview.Config{
		MaxUsableDataAttempts: cfg.Phase1MaxUsableDataAttempts,
		RetryDelay:            cfg.Phase1RetryDelay,
		MaxRetryDelay:         cfg.Phase1MaxRetryDelay,
		SnapshotMaxAge:        cfg.Phase1SnapshotMaxAge,
	}, log)
	policyEngine := policy.NewEngine(log)
	universeEngine := universe.NewEngine(gecko, cmc, intel, cfg.Phase3TargetUniverseSize, log)
	screeningEngine := screening.NewEngine(cfg.Phase4AllowMemeTokens, log)
	shortlistEngine := shortlist.NewEngine(nil, cfg.Phase5ScoringProvider, cfg.Phase5MaxSelectedStables, log)
	portfolioEngine := portfolio.NewEngine(log)

	// Events, downstream forwarder, orchestrator.
	bus := events.NewBus()
	eventManager := events.NewManager(bus, log)
	forwarder := aaa.New(cfg.AAABaseURL, cfg.SelunBaseURL, cfg.AAAHMACSecret, cfg.AAAAllocateTimeout, log)
	orch := orchestrator.New(orchestrator.Engines{
		Macro:     macroEngine,
		Policy:    policyEngine,
		Universe:  universeEngine,
		Screening: screeningEngine,
		Shortlist: shortlistEngine,
		Portfolio: portfolioEngine,
	}, forwarder, eventManager, log)

	// Payment gate state.
	store := x402.New(cfg.X402StateFile, cfg.X402RetentionDays, log)
	ledger := pricing.NewLedger(cfg.PromoLedgerFile, log)
	pricingEngine, err := pricing.NewEngine(
		cfg.StructuredAllocationPriceUSDC,
		cfg.CertifiedDecisionRecordFeeUSDC,
		cfg.FreeCodesJSON,
		cfg.FreeCodesCSV,
		ledger,
		log,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid pricing configuration")
	}

	// On-chain gateway; absent RPC means promo-only payments.
	var verifier server.PaymentVerifier
	if cfg.BaseRPC != "" {
		client, dialErr := ethclient.Dial(cfg.BaseRPC)
		if dialErr != nil {
			log.Warn().Err(dialErr).Msg("Chain RPC unreachable; on-chain payments disabled")
		} else {
			var key *ecdsa.PrivateKey
			if cfg.AgentPrivateKey != "" {
				key, err = crypto.HexToECDSA(strings.TrimPrefix(strings.ToLower(cfg.AgentPrivateKey), "0x"))
				if err != nil {
					log.Warn().Err(err).Msg("Agent key unusable; anchoring disabled")
					key = nil
				}
			}
			agentAddr, engageErr := identity.Engage(context.Background())
			if engageErr != nil {
				log.Warn().Err(engageErr).Msg("Agent identity is read-only")
			}
			if agentAddr == "" {
				log.Warn().Msg("No agent wallet resolved; on-chain payments disabled")
			} else {
				verifier = payments.NewGateway(client, cfg.USDCContractAddress, agentAddr, key, payments.Config{
					Network:       cfg.NetworkID,
					Confirmations: cfg.PaymentConfirmations,
					Timeout:       cfg.PaymentTimeout,
					PollInterval:  cfg.PaymentPollInterval,
				}, log)
			}
		}
	}

	// Background jobs.
	sched := scheduler.New(log)
	if err := sched.AddJob("0 0 3 * * *", scheduler.NewMaintenanceJob(store, intel, cfg.SourceIntelligenceFile, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register daily_maintenance job")
	}
	if err := sched.AddJob("0 0 * * * *", scheduler.NewSnapshotWatchJob(snapshots, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register snapshot_watch job")
	}
	sched.Start()

	srv := server.New(server.Config{
		Log:          log,
		Port:         cfg.Port,
		DevMode:      cfg.DevMode,
		Network:      cfg.NetworkID,
		DataDir:      cfg.DataDir,
		Orchestrator: orch,
		Pricing:      pricingEngine,
		Gateway:      verifier,
		Store:        store,
		Identity:     identity,
		Events:       eventManager,
		Scheduler:    sched,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Str("network", cfg.NetworkID).Msg("Server started")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	sched.Stop()
	if err := intel.Persist(cfg.SourceIntelligenceFile); err != nil {
		log.Warn().Err(err).Msg("Final source intelligence persist failed")
	}

	log.Info().Msg("Server stopped")
}
