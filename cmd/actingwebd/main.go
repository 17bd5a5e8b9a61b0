package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/actingweb/actingweb-sub002/internal/actor"
	"github.com/actingweb/actingweb-sub002/internal/callback"
	"github.com/actingweb/actingweb-sub002/internal/config"
	"github.com/actingweb/actingweb-sub002/internal/fanout"
	"github.com/actingweb/actingweb-sub002/internal/httpapi"
	"github.com/actingweb/actingweb-sub002/internal/limits"
	"github.com/actingweb/actingweb-sub002/internal/monitoring"
	"github.com/actingweb/actingweb-sub002/internal/proxy"
	"github.com/actingweb/actingweb-sub002/internal/store"
	"github.com/actingweb/actingweb-sub002/internal/subscription"
	"github.com/actingweb/actingweb-sub002/internal/trust"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	// Bootstrap logger for the window before config decides level and format.
	boot := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json", Service: "actingwebd"})

	cfg, err := config.Load(&boot)
	if err != nil {
		boot.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "actingwebd",
	})
	monitoring.InitGlobalLogger(monitoring.LoggerConfig{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "actingwebd",
	})
	cfg.LogConfig(logger)

	// automaxprocs already clamped GOMAXPROCS to the container CPU limit.
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime configured")

	st, err := store.Open(cfg.DBDriver, cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("Failed to open store")
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	actors := actor.NewRegistry(st, logger)
	trusts := trust.NewManager(st, logger)
	peers := proxy.New(cfg.ProxyConnectTimeout, cfg.ProxyReadTimeout, logger)

	caps, err := trust.NewCapabilityCache(trusts, peers, cfg.CapabilityTTL, cfg.CapabilityCacheSize, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build capability cache")
	}

	fanReg := fanout.NewRegistry(fanout.Config{
		MaxConcurrent:        cfg.MaxConcurrentDeliveries,
		MaxHighPayloadBytes:  cfg.MaxHighGranularityBytes,
		BreakerThreshold:     cfg.BreakerFailureThreshold,
		BreakerCooldown:      cfg.BreakerCooldown,
		PersistBreakers:      true,
		RequestTimeout:       cfg.DeliveryTimeout,
		EnableCompression:    cfg.CompressionEnabled,
		CompressionThreshold: cfg.CompressionThreshold,
		Root:                 cfg.Root(),
	}, st, trusts, caps, peers, logger)

	guard := limits.NewGuard(limits.GuardConfig{
		MemoryLimit:        cfg.MemoryLimit,
		CPURejectThreshold: cfg.CPURejectThreshold,
		CPUPauseThreshold:  cfg.CPUPauseThreshold,
		MaxGoroutines:      cfg.MaxGoroutines,
	}, logger)
	guard.StartMonitoring(runCtx, 2*time.Second)

	pool := fanout.NewDispatchPool(cfg.DispatchWorkers, cfg.DispatchQueueSize, logger)
	pool.SetPauser(guard)
	pool.Start(runCtx)

	engine := subscription.NewEngine(subscription.EngineDeps{
		Store:    st,
		Trusts:   trusts,
		Caps:     caps,
		Dispatch: fanReg,
		Pool:     pool,
		Peers:    peers,
		Baseline: func(ctx context.Context, actorID, target, subtarget string) map[string]any {
			props, err := actors.GetProperties(ctx, actorID)
			if err != nil {
				logger.Warn().Err(err).Str("actor_id", actorID).Msg("Baseline snapshot failed")
				return map[string]any{}
			}
			if subtarget != "" {
				if v, ok := props[subtarget]; ok {
					return map[string]any{subtarget: v}
				}
				return map[string]any{}
			}
			return props
		},
		Sync:   cfg.SyncCallbacks,
		Logger: logger,
	})

	sink := subscription.NewSink(st, cfg.PendingQueueBound, logger)
	hooks := callback.NewHooks(logger)
	processor := callback.NewProcessor(sink, trusts, peers, hooks, logger)

	limiter := limits.NewCallbackRateLimiter(limits.RateLimiterConfig{
		PeerRate:    cfg.CallbackRatePerPeer,
		PeerBurst:   cfg.CallbackBurstPerPeer,
		GlobalRate:  cfg.CallbackRateGlobal,
		GlobalBurst: cfg.CallbackBurstGlobal,
	}, logger)

	collector := monitoring.NewCollector(cfg.MetricsInterval, pool, sink, guard, cfg.MemoryLimit)
	collector.Start()

	server := httpapi.New(httpapi.Deps{
		Config:    cfg,
		Actors:    actors,
		Trusts:    trusts,
		Caps:      caps,
		Engine:    engine,
		Sink:      sink,
		Processor: processor,
		Fanout:    fanReg,
		Peers:     peers,
		Guard:     guard,
		Limiter:   limiter,
		Logger:    logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-runCtx.Done():
		logger.Info().Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("HTTP server failed")
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP shutdown did not complete cleanly")
	}

	pool.Stop()
	limiter.Stop()
	collector.Stop()
	if err := st.Close(); err != nil {
		logger.Error().Err(err).Msg("Closing store failed")
	}
	logger.Info().Msg("Shutdown complete")
}
