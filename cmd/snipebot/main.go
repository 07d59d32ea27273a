package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/snipebot/snipebot/internal/analyzer"
	"github.com/snipebot/snipebot/internal/bridge"
	"github.com/snipebot/snipebot/internal/config"
	"github.com/snipebot/snipebot/internal/connection"
	"github.com/snipebot/snipebot/internal/endpoint"
	"github.com/snipebot/snipebot/internal/evm"
	"github.com/snipebot/snipebot/internal/executor"
	"github.com/snipebot/snipebot/internal/gas"
	"github.com/snipebot/snipebot/internal/health"
	"github.com/snipebot/snipebot/internal/honeypot"
	"github.com/snipebot/snipebot/internal/mempool"
	"github.com/snipebot/snipebot/internal/modules"
	"github.com/snipebot/snipebot/internal/observability"
	"github.com/snipebot/snipebot/internal/retry"
	"github.com/snipebot/snipebot/internal/risk"
)

func main() {
	// 1. Parse flags.
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	forceDryRun := flag.Bool("dry-run", false, "Simulate trades without broadcasting")
	flag.Parse()

	// 2. Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}
	if *forceDryRun {
		cfg.General.DryRun = true
	}

	// 3. Setup logging.
	setupLogging(cfg.General)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Configuration validation failed")
	}
	dryRun := cfg.General.DryRun
	chainID := cfg.Chain.ChainID
	router := common.HexToAddress(cfg.Chain.Router)
	factory := common.HexToAddress(cfg.Chain.Factory)
	weth := common.HexToAddress(cfg.Chain.WETH)

	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Uint64("chain_id", chainID).
		Bool("dry_run", dryRun).
		Str("router", router.Hex()).
		Str("max_amount_in", cfg.Snipe.MaxAmountIn).
		Float64("max_risk", cfg.Snipe.MaxRiskScore).
		Str("min_liquidity", cfg.Snipe.MinLiquidity).
		Msg("snipebot starting")

	// 4. Endpoints: configured list first, then whatever was persisted.
	eps := endpoint.NewManager(endpoint.Config{
		FailureThreshold:  cfg.Health.FailureThreshold,
		Cooldown:          cfg.Health.Cooldown,
		RecoverySuccesses: cfg.Health.RecoverySuccesses,
	})
	if err := addEndpoints(eps, cfg); err != nil {
		log.Fatal().Err(err).Msg("Invalid endpoint configuration")
	}
	if cfg.Chain.EndpointsFile != "" {
		persisted, err := endpoint.LoadFile(cfg.Chain.EndpointsFile)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.Chain.EndpointsFile).Msg("Failed to load persisted endpoints")
		} else if added, err := eps.Merge(persisted); err != nil {
			log.Warn().Err(err).Msg("Failed to merge persisted endpoints")
		} else if added > 0 {
			log.Info().Int("added", added).Msg("Restored persisted endpoints")
		}
	}
	eps.OnRotate(func(chain uint64, from, to string) {
		log.Warn().Uint64("chain_id", chain).Str("from", from).Str("to", to).Msg("Primary endpoint rotated")
	})

	// 5. Connection pool with retry and failover.
	policy := retry.NewPolicy(retry.Config{
		MaxRetries:     cfg.Retry.MaxRetries,
		InitialDelay:   cfg.Retry.InitialDelay,
		MaxDelay:       cfg.Retry.MaxDelay,
		BackoffFactor:  cfg.Retry.BackoffFactor,
		RateLimitFloor: cfg.Retry.RateLimitFloor,
	})
	conns := connection.NewManager(connection.Config{
		MaxConnections: cfg.Connection.MaxConnections,
		ConnectTimeout: cfg.Connection.ConnectTimeout,
		IdleTTL:        cfg.Connection.IdleTTL,
		RequestTimeout: cfg.Connection.RequestTimeout,
		RateLimitRPS:   cfg.Connection.RateLimitRPS,
	}, eps, policy, evm.NewDialer(cfg.Connection.RequestTimeout))
	conns.Start()
	defer conns.Stop()

	metrics := observability.NewMetrics(cfg.Metrics.Namespace)
	prober := health.NewProber(health.ProberConfigFrom(cfg.Health), eps, conns)
	conns.AddObserver(prober)
	conns.AddObserver(metrics)

	// 6. Gas optimizer.
	optimizer := gas.NewOptimizer(gas.Config{
		ChainID:             chainID,
		Ceiling:             gasCeiling(cfg),
		BumpPct:             cfg.Snipe.GasBumpPct,
		CongestionThreshold: cfg.Risk.CongestionThreshold,
	}, conns)

	// 7. Wallet.
	wallet, err := loadWallet(cfg.Wallet, dryRun)
	if err != nil {
		log.Fatal().Err(err).Msg("Wallet setup failed")
	}
	log.Info().Str("address", wallet.Address().Hex()).Msg("Wallet loaded")

	// 8. Analyzer with its persistent store.
	anCfg, err := analyzer.ConfigFrom(chainID, cfg.Analyzer)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid analyzer configuration")
	}
	store, err := openStore(cfg.Cache, anCfg.CacheTTL)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Cache.Backend).Msg("Analyzer store setup failed")
	}
	backend := analyzer.NewConnBackend(conns, chainID)
	tokenAnalyzer := analyzer.NewAnalyzer(anCfg, backend,
		analyzer.NewAMMSimulator(backend, factory, router, weth), store)

	// 9. Mempool watcher, one websocket source per endpoint that has one.
	watcher := mempool.NewWatcher(mempool.Config{
		ChainID:     chainID,
		Targets:     []common.Address{router, factory},
		BaseTokens:  []common.Address{weth},
		QueueDepth:  cfg.Mempool.QueueDepth,
		DedupWindow: cfg.Mempool.DedupWindow,
		Resolvers:   4,
	}, mempool.NewResolver(conns, chainID))
	for _, ep := range eps.Endpoints(chainID) {
		if ep.WSURL == "" {
			continue
		}
		url := ep.URL
		watcher.AddSource(mempool.NewWSSource(mempool.WSConfig{
			Name: ep.Name,
			URL:  ep.WSURL,
			IsActive: func() bool {
				cur, ok := eps.Get(url)
				return ok && cur.Enabled && cur.Status == endpoint.StatusActive
			},
		}))
	}

	// 10. Risk engine and executor.
	riskEngine := risk.New(risk.ConfigFrom(cfg.Risk))
	execCfg := executor.DefaultConfig()
	execCfg.ChainID = chainID
	execCfg.Router = router
	execCfg.WETH = weth
	execCfg.DryRun = dryRun
	exec := executor.New(execCfg, conns, wallet, optimizer)
	signatures := honeypot.NewTracker(honeypot.DefaultConfig(), backend)

	// 11. Module registry and trade pipeline.
	mods, err := modules.New(modules.ConfigFrom(cfg))
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid module configuration")
	}
	for id, handle := range map[modules.ID]any{
		modules.Watcher:  watcher,
		modules.Analyzer: tokenAnalyzer,
		modules.Risk:     riskEngine,
		modules.Executor: exec,
		modules.Gas:      optimizer,
		modules.Policy:   signatures,
	} {
		if err := mods.Register(id, handle); err != nil {
			log.Fatal().Err(err).Str("module", string(id)).Msg("Module registration failed")
		}
	}
	mods.Subscribe(metrics.Observe)
	mods.Subscribe(signatures.Observe)
	log.Info().Msg(mods.CheckModuleIntegration())

	// 12. Optional bridge relay.
	var relay *bridge.Client
	if cfg.Bridge.Enabled {
		relay, err = bridge.NewClient(bridge.ConfigFrom(cfg.Bridge))
		if err != nil {
			log.Fatal().Err(err).Msg("Bridge setup failed")
		}
		log.Info().Str("relay", cfg.Bridge.RelayURL).Msg("Bridge relay enabled")
	}

	// 13. Health monitor and scrape-time stats.
	monitor := health.NewMonitor(cfg.Health.Interval)
	monitor.Register("endpoints", prober.EndpointCheck())
	monitor.Register("pipeline", pipelineCheck(mods))

	stats := observability.NewStatsCollector(cfg.Metrics.Namespace)
	stats.Add("executor", observability.FromStats(exec.Stats))
	stats.Add("analyzer", observability.FromStats(tokenAnalyzer.Stats))
	stats.Add("mempool", observability.FromStats(watcher.Stats))
	stats.Add("gas", observability.FromStats(optimizer.Stats))
	stats.Add("connections", observability.FromStats(conns.Stats))
	stats.Add("modules", observability.FromStats(mods.Stats))
	stats.Add("prober", observability.FromStats(prober.Stats))
	stats.Add("honeypot", observability.FromStats(signatures.Stats))
	if relay != nil {
		stats.Add("bridge", observability.FromStats(relay.Stats))
	}
	metrics.Registry().MustRegister(stats)

	srv := &server{
		cfg:       cfg,
		endpoints: eps,
		monitor:   monitor,
		modules:   mods,
		risk:      riskEngine,
		executor:  exec,
		analyzer:  tokenAnalyzer,
		watcher:   watcher,
		gas:       optimizer,
		prober:    prober,
		honeypot:  signatures,
		bridge:    relay,
		metrics:   metrics,
	}

	// 14. Setup context.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	// 15. Start services.
	var wg sync.WaitGroup
	run := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
			log.Debug().Str("service", name).Msg("service stopped")
		}()
	}

	run("gas", func() { optimizer.Start(ctx) })
	run("analyzer", func() { tokenAnalyzer.Run(ctx) })
	run("prober", func() { prober.Run(ctx) })
	run("honeypot", func() { signatures.Run(ctx) })
	run("monitor", func() { monitor.Start(ctx) })
	run("watcher", func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Watcher error")
		}
	})
	run("pipeline", func() {
		if err := mods.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Pipeline error")
			cancel()
		}
	})
	run("http", func() {
		addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		httpServer := &http.Server{
			Addr:              addr,
			Handler:           srv.routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		log.Info().Str("addr", addr).Msg("HTTP server started (health + stats + control + metrics)")

		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server error")
		}
	})

	// Periodic stats logging and endpoint gauges.
	run("stats", func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.UpdateEndpoints(eps)
				es := exec.Stats()
				ms := mods.Stats()
				as := tokenAnalyzer.Stats()
				log.Info().
					Uint64("dispatched", ms.Dispatched).
					Uint64("gated", ms.Gated).
					Uint64("submitted", ms.Submitted).
					Uint64("confirmed", es.Confirmed).
					Uint64("failed", es.Failed).
					Uint64("dropped", ms.Dropped).
					Int("cache_len", as.CacheLen).
					Bool("paused", watcher.Paused()).
					Bool("killed", riskEngine.Killed()).
					Msg("[STATS]")
			}
		}
	})

	log.Info().Msg("snipebot running: mempool -> analyzer -> risk gate -> executor")

	// 16. Block until shutdown.
	<-ctx.Done()
	log.Info().Msg("Shutting down...")
	optimizer.Stop()
	monitor.Stop()
	wg.Wait()

	// Receipts still in their grace window get a bounded wait.
	graceCtx, graceCancel := context.WithTimeout(context.Background(), cfg.Snipe.ReceiptGrace)
	if err := exec.WaitGrace(graceCtx); err != nil {
		log.Warn().Err(err).Msg("Grace receipts still pending at exit")
	}
	graceCancel()

	if cfg.Chain.EndpointsFile != "" {
		if err := eps.SaveFile(cfg.Chain.EndpointsFile); err != nil {
			log.Error().Err(err).Msg("Failed to persist endpoints")
		}
	}
	if err := tokenAnalyzer.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close analyzer store")
	}

	final := exec.Stats()
	log.Info().
		Uint64("snipes", final.Snipes).
		Uint64("confirmed", final.Confirmed).
		Uint64("failed", final.Failed).
		Uint64("refused", final.Refused).
		Uint64("grace_resolved", final.GraceResolved).
		Uint64("grace_expired", final.GraceExpired).
		Msg("snipebot final statistics")
	log.Info().Msg("snipebot shutdown complete")
}

// addEndpoints registers the chain's primary URL above any configured fallbacks.
func addEndpoints(eps *endpoint.Manager, cfg *config.Config) error {
	primary := endpoint.Endpoint{
		Name:     "primary",
		URL:      cfg.Chain.RPCURL,
		WSURL:    cfg.Chain.WSURL,
		ChainID:  cfg.Chain.ChainID,
		Priority: 1000,
		Enabled:  true,
	}
	if err := eps.Add(primary); err != nil {
		return err
	}
	for i, ec := range cfg.Chain.Endpoints {
		name := ec.Name
		if name == "" {
			name = fmt.Sprintf("fallback-%d", i+1)
		}
		if err := eps.Add(endpoint.Endpoint{
			Name:     name,
			URL:      ec.URL,
			WSURL:    ec.WSURL,
			ChainID:  cfg.Chain.ChainID,
			Priority: ec.Priority,
			Enabled:  ec.IsEnabled(),
		}); err != nil {
			return err
		}
	}
	return nil
}

// pipelineCheck reports missing core modules as unhealthy and a paused or
// killed pipeline as degraded.
func pipelineCheck(mods *modules.Manager) health.Check {
	return func(context.Context) health.ComponentHealth {
		h := health.ComponentHealth{Status: health.StatusHealthy, Details: map[string]any{}}
		for _, st := range mods.Status() {
			if st.Required && !st.Present {
				h.Status = health.StatusUnhealthy
				h.Message = "missing module " + string(st.ID)
				return h
			}
			if st.Note != "" {
				h.Details[string(st.ID)] = st.Note
				if h.Status == health.StatusHealthy && st.Note != "dry-run" {
					h.Status = health.StatusDegraded
					h.Message = string(st.ID) + ": " + st.Note
				}
			}
		}
		return h
	}
}

func gasCeiling(cfg *config.Config) *big.Int {
	switch {
	case cfg.Snipe.GasPriceCeiling > 0:
		return new(big.Int).SetUint64(cfg.Snipe.GasPriceCeiling)
	case cfg.Chain.MaxGasPrice > 0:
		return new(big.Int).SetUint64(cfg.Chain.MaxGasPrice)
	}
	return nil
}

// loadWallet uses the configured key; dry runs without one get a throwaway key.
func loadWallet(cfg config.WalletConfig, dryRun bool) (*evm.Wallet, error) {
	if cfg.PrivateKey != "" {
		return evm.NewWallet(cfg.PrivateKey)
	}
	if !dryRun {
		return nil, fmt.Errorf("wallet.private_key is required unless dry_run is set")
	}
	log.Warn().Msg("No private key configured: using an ephemeral dry-run wallet")
	return evm.GenerateWallet()
}

func openStore(cfg config.CacheConfig, ttl time.Duration) (analyzer.Store, error) {
	switch cfg.Backend {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client, err := analyzer.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		return analyzer.NewRedisStore(client, cfg.RedisPrefix, ttl), nil
	case "memory":
		return nil, nil
	default:
		return analyzer.OpenFileStore(cfg.Path, ttl)
	}
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", "snipebot").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "snipebot").
			Str("instance", general.InstanceID).Logger()
	}
}
