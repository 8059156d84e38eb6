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
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"jobescrow/config"
	"jobescrow/core/events"
	"jobescrow/core/state"
	"jobescrow/native/currency"
	"jobescrow/native/jobs"
	"jobescrow/native/payments"
	"jobescrow/native/roles"
	"jobescrow/native/skills"
	"jobescrow/observability"
	"jobescrow/observability/logging"
	telemetry "jobescrow/observability/otel"
	"jobescrow/services/escrowd/auth"
	escrowmw "jobescrow/services/escrowd/middleware"
	"jobescrow/services/escrowd/models"
	"jobescrow/services/escrowd/server"
	"jobescrow/services/escrowd/stream"
	"jobescrow/storage"
	"jobescrow/storage/sqlstore"
)

const (
	idempotencyRetention = 24 * time.Hour
	purgeInterval        = time.Hour
	shutdownTimeout      = 10 * time.Second
)

func main() {
	configFile := flag.String("config", "./escrowd.toml", "Path to the configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configFile); err != nil {
		fmt.Fprintf(os.Stderr, "escrowd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser := logging.SetupWithOptions(logging.Options{
		Service: "escrowd",
		Env:     cfg.Environment,
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
	})
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("prepare data directory: %w", err)
	}
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	mgr := state.NewManager(db)

	roleLib, err := roles.NewLibrary(mgr)
	if err != nil {
		return fmt.Errorf("roles: %w", err)
	}
	roleLib.SetLogger(logger)
	if path := strings.TrimSpace(cfg.RolesPolicyFile); path != "" {
		policy, err := roles.LoadPolicy(path)
		if err != nil {
			return err
		}
		if err := roleLib.Apply(policy); err != nil {
			return fmt.Errorf("apply roles policy: %w", err)
		}
		logger.Info("roles policy applied", slog.String("path", path), slog.Int("roots", len(policy.Roots)))
	}

	hub := stream.NewHub(logger)
	fanout := events.NewFanout(observability.Events(), hub)
	if strings.TrimSpace(cfg.AuditDBPath) != "" {
		audit, err := sqlstore.NewAuditLog(cfg.AuditPath())
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer audit.Close()
		audit.SetLogger(logger)
		fanout.Add(audit)
		return serve(ctx, cfg, logger, mgr, roleLib, fanout, hub, audit)
	}
	return serve(ctx, cfg, logger, mgr, roleLib, fanout, hub, nil)
}

func openDatabase(cfg *config.Config) (storage.Database, error) {
	switch cfg.Storage {
	case config.StorageMemory:
		return storage.NewMemDB(), nil
	case config.StorageLevelDB:
		db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
		if err != nil {
			return nil, fmt.Errorf("open leveldb: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage)
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, mgr *state.Manager, roleLib *roles.Library, fanout *events.Fanout, hub *stream.Hub, audit *sqlstore.AuditLog) error {
	processor := payments.NewProcessor(mgr, roleLib, fanout)
	if err := processor.ApplyServiceMode(cfg.ServiceMode); err != nil {
		return fmt.Errorf("apply service mode: %w", err)
	}
	skillLib := skills.NewLibrary(mgr, roleLib)
	registry := currency.NewRegistry(mgr)
	for _, symbol := range cfg.Currencies {
		if err := registry.Add(symbol); err != nil {
			return fmt.Errorf("register currency %q: %w", symbol, err)
		}
	}

	engine := jobs.NewEngine(mgr, jobs.Config{
		Authorization:         roleLib,
		Payments:              processor,
		Skills:                skillLib,
		Currencies:            registry,
		Emitter:               fanout,
		Observer:              observability.Jobs(),
		Logger:                logger.With(slog.String("component", "jobs")),
		WorkflowAuthorization: cfg.WorkflowAuthorization,
	})

	idemDB, err := models.Open(cfg.IdempotencyDriver, cfg.IdempotencyPath())
	if err != nil {
		return err
	}
	if sqlDB, err := idemDB.DB(); err == nil {
		defer sqlDB.Close()
	}

	authn, err := auth.NewAuthenticator(auth.Options{
		HMACSecret: cfg.Auth.HMACSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
	})
	if err != nil {
		return err
	}

	db := mgr.Database()
	srv := server.New(server.Config{
		Engine:      engine,
		Payments:    processor,
		Skills:      skillLib,
		Currencies:  registry,
		Roles:       roleLib,
		Auth:        authn,
		Idempotency: idemDB,
		Hub:         hub,
		Audit:       audit,
		RateLimit: escrowmw.RateLimit{
			RequestsPerMinute: float64(cfg.RateLimit.RequestsPerMinute),
			Burst:             int(cfg.RateLimit.Burst),
		},
		Logger: logger,
		Ready: func(context.Context) error {
			_, err := db.Has([]byte("jobs/meta/count"))
			return err
		},
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go purgeIdempotency(ctx, srv, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("escrowd listening",
			slog.String("addr", cfg.ListenAddress),
			slog.String("storage", cfg.Storage),
			slog.Bool("service_mode", cfg.ServiceMode),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("escrowd shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func purgeIdempotency(ctx context.Context, srv *server.Server, logger *slog.Logger) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := srv.PurgeIdempotency(idempotencyRetention)
			if err != nil {
				logger.Warn("idempotency purge failed", slog.Any("error", err))
				continue
			}
			if purged > 0 {
				logger.Debug("idempotency records purged", slog.Int64("count", purged))
			}
		}
	}
}
