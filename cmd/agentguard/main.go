package main

import (
	"context"
	stderrors "errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/NikhilSetiya/agentguard/internal/admin"
	"github.com/NikhilSetiya/agentguard/internal/coordinator"
	"github.com/NikhilSetiya/agentguard/internal/ledger"
	"github.com/NikhilSetiya/agentguard/internal/ratelimit"
	"github.com/NikhilSetiya/agentguard/internal/store"
	"github.com/NikhilSetiya/agentguard/internal/upstream"
	"github.com/NikhilSetiya/agentguard/pkg/config"
	"github.com/NikhilSetiya/agentguard/pkg/errors"
	"github.com/NikhilSetiya/agentguard/pkg/health"
	"github.com/NikhilSetiya/agentguard/pkg/logging"
	"github.com/NikhilSetiya/agentguard/pkg/metrics"
	"github.com/NikhilSetiya/agentguard/pkg/resilience"
	"github.com/NikhilSetiya/agentguard/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     cfg.Tracing.ServiceVersion,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("agentguard exited with error")
	}
	logger.Info("agentguard stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(&metrics.Config{
		Namespace: cfg.Metrics.Namespace,
		Enabled:   cfg.Metrics.Enabled,
	}, registry)

	tracer, err := tracing.NewTracingService(&tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: cfg.Tracing.ServiceVersion,
		Environment:    cfg.Tracing.Environment,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Failed to flush traces")
		}
	}()

	policies, err := config.NewPolicyStore(cfg.Policy.Path)
	if err != nil {
		return err
	}

	// Counting store
	var (
		countingStore store.CountingStore
		redisClient   *store.RedisClient
	)
	switch cfg.Store.Backend {
	case "redis":
		redisClient, err = store.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			return err
		}
		// the store owns the client from here on
		countingStore = store.NewRedisStore(redisClient.Client())
		logger.Info("Redis counting store connected", "addr", cfg.Redis.Addr())
	default:
		countingStore = store.NewMemoryStore(cfg.Store.SweepInterval)
		logger.Warn("Using in-memory counting store; quotas are not shared between processes")
	}
	defer countingStore.Close()

	degradation := resilience.NewDegradationManager(resilience.WithDegradationLogger(logger))
	alerts := resilience.NewAlertManager(logger, 20, time.Hour)
	alerts.AddHandler(resilience.NewLoggingAlertHandler(logger))

	breakers := resilience.NewBreakerRegistry(resilience.PolicyBreakerConfig(policies),
		resilience.WithRegistryLogger(logger),
		resilience.WithStateChangeHook(breakerHook(m, resilience.BreakerAlertHook(alerts))),
	)

	limiter := ratelimit.NewLimiter(countingStore, ratelimit.NewConfigPolicySource(policies),
		ratelimit.WithLogger(logger),
		ratelimit.WithMetrics(m),
		ratelimit.WithDegradation(degradation),
		ratelimit.WithTracing(tracer),
		ratelimit.WithKeyPrefix(cfg.Store.KeyPrefix),
		ratelimit.WithConcurrencyTTL(cfg.Store.ConcurrencyTTL),
		ratelimit.WithOpTimeout(cfg.Store.OpTimeout),
	)

	// Execution ledger
	var (
		recorder ledger.Recorder = ledger.NopRecorder{}
		reader   ledger.Reader   = ledger.NopRecorder{}
		db       *ledger.DB
	)
	if cfg.Database.Enabled {
		if cfg.Database.MigrateOnStart {
			if err := migrateLedger(&cfg.Database, logger); err != nil {
				return err
			}
		}

		db, err = ledger.Open(ctx, &cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()

		pg := ledger.NewPostgresRecorder(db, 2*time.Second)
		recorder, reader = pg, pg
	}

	exec := coordinator.New(limiter, breakers,
		coordinator.WithRetryPolicy(resilience.PolicyRetry(policies)),
		coordinator.WithRecorder(recorder),
		coordinator.WithAlerts(resilience.NewErrorAlertGenerator(alerts, errors.SeverityHigh, logger)),
		coordinator.WithLogger(logger),
		coordinator.WithMetrics(m),
		coordinator.WithTracing(tracer),
		coordinator.WithDefaultTimeout(cfg.Execution.DefaultTimeout),
	)

	upstreams, err := upstream.NewClient(&cfg.Execution, nil)
	if err != nil {
		return err
	}

	// Health
	healthService := health.NewService(logger, &health.Config{
		Timeout:  5 * time.Second,
		Metadata: map[string]string{"version": cfg.Tracing.ServiceVersion, "store": cfg.Store.Backend},
	})
	if redisClient != nil {
		healthService.RegisterChecker("store", health.NewStoreChecker(countingStore, redisClient, "store"))
	} else {
		healthService.RegisterChecker("store", health.NewStoreChecker(countingStore, nil, "store"))
	}
	if db != nil {
		healthService.RegisterChecker("ledger", health.NewDatabaseChecker(db, "ledger"))
	}
	healthService.RegisterChecker("breakers", health.NewBreakerChecker(breakers, "breakers"))
	healthService.RegisterChecker("degradation", health.NewDegradationChecker(degradation, "degradation"))

	router := admin.NewRouter(admin.Dependencies{
		Quotas:    limiter,
		Breakers:  breakers,
		Executor:  exec,
		Upstreams: upstreams,
		Ledger:    reader,
		Health:    healthService,
		Metrics:   m,
		Tracer:    tracer,
		Logger:    logger,
	}, admin.Options{
		Debug:        cfg.Logging.Level == "debug",
		CORSOrigins:  cfg.Server.CORSOrigins,
		MaxBodyBytes: cfg.Execution.MaxBodyBytes,
	})

	server := &http.Server{
		Addr:         cfg.ServerAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	collector := metrics.NewMetricsCollector(m, 15*time.Second, gaugeCollectors(redisClient, db, breakers)...)
	monitor := resilience.NewSystemHealthMonitor(alerts, degradation, 30*time.Second, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting admin server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down admin server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		collector.Start(gctx)
		return nil
	})

	g.Go(func() error {
		return monitor.Run(gctx)
	})

	g.Go(func() error {
		watchPolicyReloads(gctx, policies, logger)
		return nil
	})

	return g.Wait()
}

// migrateLedger brings the ledger schema up to date before the pool opens
func migrateLedger(cfg *config.DatabaseConfig, logger *logging.Logger) error {
	migrator, err := ledger.NewMigrator(cfg)
	if err != nil {
		return err
	}
	defer migrator.Close()

	if err := migrator.Up(); err != nil {
		return err
	}
	version, dirty, err := migrator.Version()
	if err != nil {
		return err
	}
	logger.Info("Ledger schema ready", "version", version, "dirty", dirty)
	return nil
}

// watchPolicyReloads re-reads the policy file on SIGHUP. Limits and retry
// settings apply at once; breakers keep their settings until reset.
func watchPolicyReloads(ctx context.Context, policies *config.PolicyStore, logger *logging.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := policies.Reload(); err != nil {
				logger.LogError(ctx, err, "Policy reload failed, keeping previous policy", nil)
				continue
			}
			logger.Info("Policy reloaded", "version", policies.Version())
		}
	}
}

// breakerHook meters every transition and alerts on it
func breakerHook(m *metrics.Metrics, alert func(name string, from, to resilience.CircuitState)) func(name string, from, to resilience.CircuitState) {
	return func(name string, from, to resilience.CircuitState) {
		m.RecordBreakerTransition(name, from.String(), to.String(), int(to))
		alert(name, from, to)
	}
}

func gaugeCollectors(redisClient *store.RedisClient, db *ledger.DB, breakers *resilience.BreakerRegistry) []metrics.CollectFunc {
	collect := []metrics.CollectFunc{
		func(m *metrics.Metrics) {
			snapshots, err := breakers.Metrics("")
			if err != nil {
				return
			}
			for _, s := range snapshots {
				m.SetBreakerState(s.Name, int(s.State))
			}
		},
	}
	if redisClient != nil {
		collect = append(collect, func(m *metrics.Metrics) {
			stats := redisClient.Stats()
			m.UpdateStoreConnections(int(stats.TotalConns), int(stats.IdleConns), int(stats.StaleConns))
		})
	}
	if db != nil {
		collect = append(collect, func(m *metrics.Metrics) {
			stats := db.Stats()
			m.UpdateDatabaseConnections(stats.OpenConnections, stats.Idle, stats.MaxOpenConnections)
		})
	}
	return collect
}
