// Package main is the entry point for the ledger API server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/auditledger/internal/api"
	"github.com/onnwee/auditledger/internal/archive"
	"github.com/onnwee/auditledger/internal/audit"
	"github.com/onnwee/auditledger/internal/auth"
	"github.com/onnwee/auditledger/internal/broadcast"
	"github.com/onnwee/auditledger/internal/config"
	"github.com/onnwee/auditledger/internal/health"
	"github.com/onnwee/auditledger/internal/jobs"
	"github.com/onnwee/auditledger/internal/middleware"
	"github.com/onnwee/auditledger/internal/storage"
	"github.com/onnwee/auditledger/internal/tracing"
)

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", "", "optional YAML config file; environment variables take precedence")
	flag.Parse()

	if *help {
		fmt.Println("Audit Ledger API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "config:", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// app is a fully wired server instance.
type app struct {
	handler     http.Handler
	ledger      *audit.Ledger
	broadcaster *broadcast.Broadcaster
	verifier    *audit.VerificationJob
	closers     []func() error
}

// Close releases every resource newApp acquired, in reverse order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// newApp wires storage, the ledger and the HTTP stack from cfg.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	ledgerMetrics := audit.NewMetrics()
	jobMetrics := jobs.NewMetrics()
	httpMetrics := middleware.NewMetrics()
	for _, m := range []interface{ Register(prometheus.Registerer) error }{ledgerMetrics, jobMetrics, httpMetrics} {
		if err := m.Register(reg); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	store, pool, err := storage.OpenConfigured(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if pool != nil {
		a.closers = append(a.closers, pool.Close)
	}

	ledgerCfg := audit.LedgerConfig{
		Store:                 store,
		Metrics:               ledgerMetrics,
		Logger:                logger,
		AppendTimeout:         cfg.AppendTimeout(),
		DefaultComplianceMode: audit.ComplianceMode(cfg.DefaultComplianceMode),
	}

	healthCfg := api.HealthHandlersConfig{MetricsEnabled: cfg.MetricsEnabled}
	if pool != nil {
		healthCfg.DBChecker = health.NewDBChecker(pool)
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		a.closers = append(a.closers, client.Close)
		ledgerCfg.Cache = audit.NewRedisStreamCache(client, 0)
		healthCfg.RedisChecker = health.NewRedisChecker(client)
	}

	policy := audit.DefaultRedactionPolicy()
	if cfg.RedactionPolicyFile != "" {
		if policy, err = audit.LoadRedactionPolicy(cfg.RedactionPolicyFile); err != nil {
			return nil, err
		}
	}
	holder := audit.NewPolicyHolder(policy)
	ledgerCfg.Redactor = holder
	if cfg.RedactionPolicyFile != "" {
		watcher, err := audit.WatchPolicyFile(cfg.RedactionPolicyFile, holder, logger, jobMetrics)
		if err != nil {
			return nil, fmt.Errorf("watch redaction policy: %w", err)
		}
		a.closers = append(a.closers, watcher.Close)
	}

	ledger, err := audit.NewLedger(ledgerCfg)
	if err != nil {
		return nil, err
	}
	a.ledger = ledger

	a.broadcaster = broadcast.NewBroadcaster(broadcast.DefaultBufferSize, logger)
	ledger.OnCommit(a.broadcaster.Broadcast)

	handlersCfg := api.LedgerHandlersConfig{
		Ledger:      ledger,
		Broadcaster: a.broadcaster,
		Metrics:     httpMetrics,
		Logger:      logger,
	}
	if cfg.ArchiveEnabled() {
		svc, err := archive.NewService(archive.Config{
			Bucket:          cfg.ArchiveBucket,
			AccessKeyID:     cfg.ArchiveAccessKeyID,
			SecretAccessKey: cfg.ArchiveSecretAccessKey,
			Endpoint:        cfg.ArchiveEndpoint,
			Metrics:         jobMetrics,
		}, ledger)
		if err != nil {
			return nil, fmt.Errorf("create archive service: %w", err)
		}
		handlersCfg.Archiver = svc
		logger.Info("archival enabled", "bucket", svc.BucketName())
	}

	if cfg.VerifyIntervalMinutes > 0 {
		a.verifier = audit.NewVerificationJob(audit.VerificationJobConfig{
			Ledger:        ledger,
			Logger:        logger,
			Metrics:       jobMetrics,
			RatePerSecond: cfg.VerifyRatePerSecond,
		})
		healthCfg.Sweeps = a.verifier
	}

	var jwtService *auth.JWTService
	if cfg.JWTPreviousSecret != "" {
		jwtService = auth.NewJWTServiceWithRotation(cfg.JWTSecret, cfg.JWTPreviousSecret)
		logger.Info("JWT secret rotation active; accepting tokens signed with the previous secret")
	} else {
		jwtService = auth.NewJWTService(cfg.JWTSecret)
	}

	routerCfg := api.RouterConfig{
		Ledger:      api.NewLedgerHandlers(handlersCfg),
		Health:      api.NewHealthHandlers(healthCfg),
		Auth:        jwtService,
		AuthMetrics: httpMetrics,
		Version:     tracing.ServiceVersion,
	}
	if cfg.MetricsEnabled {
		routerCfg.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	// Apply middleware: Tracing -> RequestID -> Logging -> HTTPMetrics
	var handler http.Handler = api.NewRouter(routerCfg)
	if cfg.MetricsEnabled {
		handler = middleware.HTTPMetrics(httpMetrics)(handler)
	}
	handler = middleware.Logging(logger)(handler)
	handler = middleware.RequestID(handler)
	if cfg.TracingEnabled {
		handler = middleware.Tracing(api.ServiceName)(handler)
	}
	a.handler = handler

	return a, nil
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("loaded configuration", "config", cfg.LogSummary())

	tp, err := tracing.NewProvider(context.Background(), tracing.Config{
		ServiceName:  api.ServiceName,
		Enabled:      cfg.TracingEnabled,
		Environment:  cfg.Env,
		ExporterType: cfg.TracingExporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SamplingRate: cfg.TracingSampleRate,
		InsecureMode: !cfg.IsProduction(),
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("failed to flush traces", "error", err)
		}
	}()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("failed to release resources", "error", err)
		}
	}()

	if a.verifier != nil {
		go a.verifier.RunPeriodic(ctx, cfg.VerifyInterval())
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      a.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	// Hijacked tail connections are not tracked by Shutdown.
	server.RegisterOnShutdown(a.broadcaster.Close)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", cfg.Port, "storage_driver", cfg.StorageDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-serverErr:
		return err
	case <-quit:
	}

	logger.Info("shutting down server...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
