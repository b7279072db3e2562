package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/patrickwarner/popgate/internal/analytics"
	"github.com/patrickwarner/popgate/internal/api"
	"github.com/patrickwarner/popgate/internal/clock"
	"github.com/patrickwarner/popgate/internal/config"
	"github.com/patrickwarner/popgate/internal/db"
	"github.com/patrickwarner/popgate/internal/geoip"
	"github.com/patrickwarner/popgate/internal/logic"
	"github.com/patrickwarner/popgate/internal/logic/ratelimit"
	"github.com/patrickwarner/popgate/internal/middleware"
	"github.com/patrickwarner/popgate/internal/models"
	"github.com/patrickwarner/popgate/internal/observability"
	"github.com/patrickwarner/popgate/internal/triggers"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	logger, err := observability.InitLogger(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	defer func() {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to sync logger: %v\n", err)
		}
	}()

	if err := run(logger, cfg); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdown, err := observability.InitTracing(ctx, logger, observability.TracingConfig{
			ServiceName: cfg.ServiceName,
			Environment: cfg.Env,
			Endpoint:    cfg.TempoEndpoint,
			SampleRate:  cfg.TracingSampleRate,
		})
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer shutdown()
	}

	metricsRegistry := observability.NewPrometheusRegistry()
	clk := clock.New()

	pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		return fmt.Errorf("failed to connect postgres: %w", err)
	}
	defer pg.Close()

	var (
		store db.CounterStore
		rdb   *redis.Client
	)
	switch cfg.CounterBackend {
	case "memory":
		mem := db.NewMemoryStore(clk)
		mem.StartSweeper(ctx, cfg.SweepInterval, logger)
		store = mem
		logger.Warn("using in-process counter store; caps are not shared between instances")
	default:
		rs, err := db.InitRedis(ctx, cfg.RedisAddr, cfg.CounterTimeout)
		if err != nil {
			return fmt.Errorf("failed to connect redis: %w", err)
		}
		defer rs.Close()
		store = rs
		rdb = rs.Client
	}

	var sink logic.DisplaySink
	if cfg.AnalyticsEnabled {
		analyticsSvc, err := analytics.InitClickHouse(cfg.ClickHouseDSN, metricsRegistry, cfg.CHMaxOpenConns, cfg.CHMaxIdleConns, cfg.CHConnMaxLifetime, cfg.CHConnMaxIdleTime)
		if err != nil {
			return fmt.Errorf("failed to connect clickhouse: %w", err)
		}
		defer analyticsSvc.Close()
		sink = analyticsSvc
	}

	catalog := models.NewInMemoryCatalog()
	caps := logic.NewFrequencyCapService(store, clk, logic.CapConfig{
		SessionTTL: cfg.SessionTTL,
		Timeout:    cfg.CounterTimeout,
		Policy:     logic.ParseFailurePolicy(cfg.CapFailurePolicy),
	}, logger, metricsRegistry)

	opts := []logic.DeciderOption{
		logic.WithClock(clk),
		logic.WithTriggerWait(cfg.MaxTriggerWait),
		logic.WithConfirmWindow(cfg.TokenTTL),
	}
	if sink != nil {
		opts = append(opts, logic.WithDisplaySink(sink))
	}
	decider, err := logic.NewDecider(caps, triggers.NewManager(logger, metricsRegistry), catalog, logger, metricsRegistry, opts...)
	if err != nil {
		return fmt.Errorf("init decider: %w", err)
	}

	limiter := ratelimit.NewVisitorLimiter(ratelimit.Config{
		Capacity:   cfg.RateLimitCapacity,
		RefillRate: cfg.RateLimitRefillRate,
		Enabled:    cfg.RateLimitEnabled,
	}, clk, metricsRegistry)

	srvDeps := api.NewServer(logger, decider, catalog, pg, limiter, rdb, []byte(cfg.TokenSecret), cfg.TokenTTL, metricsRegistry, cfg)
	if cfg.GeoIPDB != "" {
		loc, err := geoip.Open(cfg.GeoIPDB)
		if err != nil {
			return fmt.Errorf("failed to open geoip database: %w", err)
		}
		defer func() { _ = loc.Close() }()
		srvDeps.GeoIP = loc
	}
	if _, err := srvDeps.Reload(ctx); err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	go srvDeps.ListenForUpdates(ctx)

	r := mux.NewRouter()
	r.Use(middleware.WithTraceLogger(logger))
	r.HandleFunc("/decide", srvDeps.DecideHandler).Methods("POST")
	r.HandleFunc("/display", srvDeps.DisplayBeaconHandler).Methods("GET")
	r.HandleFunc("/display", srvDeps.RecordDisplayHandler).Methods("POST")
	r.HandleFunc("/frequency", srvDeps.FrequencyStatusHandler).Methods("GET")
	r.HandleFunc("/health", srvDeps.HealthHandler).Methods("GET")
	r.HandleFunc("/reload", srvDeps.ReloadHandler).Methods("POST")

	r.Handle("/metrics", promhttp.Handler())

	addr := ":" + cfg.Port

	srv := &http.Server{
		Addr:         addr,
		Handler:      otelhttp.NewHandler(r, "popgate"),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	logger.Info("Decision server running",
		zap.String("addr", addr),
		zap.String("counter_backend", cfg.CounterBackend),
		zap.String("failure_policy", string(caps.Policy())))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()

	if cfg.ReloadInterval > 0 {
		ticker := time.NewTicker(cfg.ReloadInterval)
		go func() {
			for {
				select {
				case <-ticker.C:
					if _, err := srvDeps.Reload(ctx); err != nil {
						logger.Error("auto reload", zap.Error(err))
					}
					if n := limiter.Prune(); n > 0 {
						logger.Debug("pruned idle rate limit buckets", zap.Int("removed", n))
					}
				case <-ctx.Done():
					ticker.Stop()
					return
				}
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	srvDeps.Sampler.LogStats(logger)

	return nil
}
