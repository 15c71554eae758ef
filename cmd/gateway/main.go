// x402 Gateway - verifies agent payment evidence and risk before forwarding
// x402 verify/settle calls to a facilitator.
// Designed for Cloud Run deployment; session state is in-process unless REDIS_ADDR is set.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"x402-gateway/internal/audit"
	"x402-gateway/internal/config"
	"x402-gateway/internal/evidence"
	"x402-gateway/internal/facilitator"
	"x402-gateway/internal/gateway"
	"x402-gateway/internal/handler"
	"x402-gateway/internal/mandate"
	"x402-gateway/internal/middleware"
	"x402-gateway/internal/risk"
	"x402-gateway/internal/telemetry"
	"x402-gateway/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; real environment variables win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}

	logger := initLogger()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.Bool("local_risk", cfg.Risk.Local),
		slog.Bool("settle_risk", cfg.Gateway.SettleRiskEnabled),
		slog.String("verify_url", cfg.Upstream.VerifyURL),
		slog.String("settle_url", cfg.Upstream.SettleURL),
		slog.String("mandate_store", cfg.Mandate.Store),
	)

	shutdownTracer, err := telemetry.InitTracer("x402-gateway", cfg.Tracing.Exporter, logger)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(flushCtx)
	}()
	metrics := telemetry.NewMetrics()

	// Risk: sessions and the evaluator share one backend.
	sessions, evaluator, closeRisk, err := buildRisk(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRisk()

	mandates, closeMandates, err := buildMandates(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeMandates()

	auditLog, err := audit.Open(ctx, cfg.Audit.Path, cfg.Audit.Retain)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer auditLog.Close()

	recorder := gateway.NewRecorder(gateway.RecorderConfig{
		Audit:   auditLog,
		Metrics: metrics,
		Logger:  logger,
	})

	upstream, err := facilitator.New(facilitator.Config{
		VerifyURL:      cfg.Upstream.VerifyURL,
		SettleURL:      cfg.Upstream.SettleURL,
		Timeout:        cfg.UpstreamTimeout(),
		TLSFingerprint: cfg.Upstream.TLSFingerprint,
		DialRetries:    2,
		Logger:         logger,
		Observe:        recorder.Observe,
	})
	if err != nil {
		return fmt.Errorf("creating facilitator client: %w", err)
	}

	gw, err := gateway.New(gateway.Config{
		Validator:  evidence.NewValidator(evidence.Config{ChainIDs: cfg.Gateway.ChainIDs}),
		Mandates:   mandates,
		Evaluator:  evaluator,
		Upstream:   upstream,
		Recorder:   recorder,
		SettleRisk: cfg.Gateway.SettleRiskEnabled,
		VerifyURL:  cfg.Upstream.VerifyURL,
		SettleURL:  cfg.Upstream.SettleURL,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	h := handler.New(handler.Config{
		Gateway:        gw,
		Sessions:       sessions,
		Evaluator:      evaluator,
		Mandates:       mandates,
		SessionLimiter: middleware.NewRateLimiter(cfg.Risk.SessionRateLimit, cfg.Risk.SessionRateBurst),
		Metrics:        metrics,
		DebugEnabled:   cfg.Gateway.DebugEnabled,
		DebugEvents:    cfg.Gateway.DebugEvents,
		Logger:         logger,
	})

	// Apply middleware chain: recovery → request id → logging → tracing → routes
	// Recovery must be outermost to catch panics from logging middleware
	httpHandler := middleware.Chain(
		middleware.Recovery(logger, metrics),
		middleware.RequestID(),
		middleware.Logging(logger),
	)(otelhttp.NewHandler(h.Routes(), "x402-gateway"))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      httpHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.UpstreamTimeout() + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)

	go func() {
		logger.Info("server starting",
			slog.String("port", cfg.Port),
			slog.String("addr", server.Addr),
		)
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-shutdown:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
		// Stops the session sweeper.
		stop()

		// Give outstanding requests time to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			// Force close if graceful shutdown fails
			server.Close()
			return fmt.Errorf("shutdown error: %w", err)
		}
	}

	logger.Info("server stopped")
	return nil
}

// buildRisk selects the local stub or the remote engine from PROXY_LOCAL_RISK.
func buildRisk(ctx context.Context, cfg *config.Config, logger *slog.Logger) (risk.Sessions, risk.Evaluator, func(), error) {
	noop := func() {}

	if !cfg.Risk.Local {
		remote, err := risk.NewRemoteEvaluator(risk.RemoteConfig{
			URL:        cfg.Risk.EngineURL,
			Token:      cfg.Risk.InternalToken,
			JWTSecret:  cfg.Risk.JWTSecret,
			Compat:     risk.CompatEnabled(cfg.Risk.Compat),
			MaxRetries: cfg.Risk.MaxRetries,
			Logger:     logger,
		})
		if err != nil {
			return nil, nil, noop, fmt.Errorf("creating risk engine client: %w", err)
		}
		logger.Info("risk evaluator: remote", slog.String("engine_url", cfg.Risk.EngineURL))
		return remote, remote, noop, nil
	}

	var (
		store   risk.Store
		closeFn = noop
	)
	if cfg.Redis.Addr != "" {
		rs, err := risk.NewRedisStore(ctx, risk.RedisStoreConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, nil, noop, fmt.Errorf("connecting session store: %w", err)
		}
		store = rs
		closeFn = func() { _ = rs.Close() }
	} else {
		var eviction risk.EvictionPolicy = risk.LazyEviction{}
		if cfg.Risk.SweepIntervalS > 0 {
			eviction = risk.SweepEviction{Interval: time.Duration(cfg.Risk.SweepIntervalS) * time.Second}
		}
		ms := risk.NewMemoryStore(risk.MemoryStoreConfig{
			Eviction:   eviction,
			MaxEntries: cfg.Risk.MaxEntries,
			Logger:     logger,
		})
		ms.Start(ctx)
		store = ms
	}

	schema, err := risk.NewTraceValidator()
	if err != nil {
		return nil, nil, closeFn, fmt.Errorf("compiling trace schema: %w", err)
	}
	rules, err := risk.CompileRules(cfg.Risk.Rules)
	if err != nil {
		return nil, nil, closeFn, fmt.Errorf("compiling risk rules: %w", err)
	}

	sessions := risk.NewService(risk.ServiceConfig{
		Store:  store,
		TTL:    cfg.SessionTTL(),
		Schema: schema,
		Logger: logger,
	})
	logger.Info("risk evaluator: local",
		slog.Bool("redis", cfg.Redis.Addr != ""),
		slog.Int("rules", rules.Len()),
	)
	return sessions, risk.NewLocalStubEvaluator(sessions, rules, logger), closeFn, nil
}

// buildMandates wires the blob store and the SSRF-guarded fetcher.
func buildMandates(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*mandate.Service, func(), error) {
	noop := func() {}

	var (
		store   mandate.BlobStore
		closeFn = noop
	)
	switch cfg.Mandate.Store {
	case "fs":
		fs, err := mandate.NewFSStore(cfg.Mandate.Dir)
		if err != nil {
			return nil, noop, fmt.Errorf("opening mandate dir: %w", err)
		}
		store = fs
	case "s3":
		s3, err := mandate.NewS3Store(ctx, mandate.S3StoreConfig{
			Bucket:   cfg.Mandate.Bucket,
			Region:   cfg.Mandate.Region,
			Endpoint: cfg.Mandate.Endpoint,
			Prefix:   cfg.Mandate.Prefix,
		})
		if err != nil {
			return nil, noop, fmt.Errorf("creating S3 mandate store: %w", err)
		}
		store = s3
	case "gcs":
		gcs, err := mandate.NewGCSStore(ctx, mandate.GCSStoreConfig{
			Bucket: cfg.Mandate.Bucket,
			Prefix: cfg.Mandate.Prefix,
		})
		if err != nil {
			return nil, noop, fmt.Errorf("creating GCS mandate store: %w", err)
		}
		store = gcs
		closeFn = func() { _ = gcs.Close() }
	default:
		store = mandate.NewMemoryStore()
	}

	guardCfg := transport.GuardConfig{AllowedHosts: cfg.Mandate.AllowedHosts}
	if cfg.Mandate.DNSServer != "" {
		guardCfg.Resolver = transport.NewDNSResolver(cfg.Mandate.DNSServer, 0)
	}
	if len(cfg.Mandate.AllowedHosts) == 0 {
		logger.Warn("mandate allowlist empty: any public https host may be fetched")
	}

	fetcher := mandate.NewFetcher(mandate.FetcherConfig{
		Guard:         transport.NewGuard(guardCfg),
		AllowRedirect: cfg.Mandate.AllowRedirect,
		CacheTTL:      cfg.MandateCacheTTL(),
		Logger:        logger,
	})
	return mandate.NewService(mandate.ServiceConfig{
		Store:   store,
		Fetcher: fetcher,
		Logger:  logger,
	}), closeFn, nil
}

// initLogger creates a structured logger configured for the environment.
// Production uses JSON format for GCP Cloud Logging compatibility.
// Development uses text format for readability.
func initLogger() *slog.Logger {
	return newLogger(os.Stdout, os.Getenv("LOG_LEVEL"), os.Getenv("ENVIRONMENT"))
}

func newLogger(w io.Writer, levelName, environment string) *slog.Logger {
	var level slog.Level
	switch levelName {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
		// Add source location in debug mode
		AddSource: level == slog.LevelDebug,
	}

	// JSON for production (Cloud Logging compatible), text for development
	if environment == "production" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
