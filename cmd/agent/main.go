package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/knowledge-agent/internal/backend"
	"github.com/p-blackswan/knowledge-agent/internal/config"
	"github.com/p-blackswan/knowledge-agent/internal/health"
	"github.com/p-blackswan/knowledge-agent/internal/metrics"
	"github.com/p-blackswan/knowledge-agent/internal/server"
	"github.com/p-blackswan/knowledge-agent/internal/store"
	"github.com/p-blackswan/knowledge-agent/internal/tenant"
	"github.com/p-blackswan/knowledge-agent/internal/tenantconfig"
	"github.com/p-blackswan/knowledge-agent/pkg/kvstore"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("listen_addr", cfg.ListenAddr).
		Str("backend", cfg.BackendURL).
		Bool("debug_mode", cfg.DebugMode).
		Msg("starting knowledge agent")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	db, err := store.New(cfg.DatabasePath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer db.Close()

	// Tenant settings: the optional YAML file wins over the database.
	var settings kvstore.Layered
	if cfg.TenantConfigFile != "" {
		file, err := kvstore.LoadFile(cfg.TenantConfigFile)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.TenantConfigFile).Msg("failed to load tenant config file")
		}
		settings = append(settings, file)
	}
	settings = append(settings, db)

	m := metrics.New()
	deps := tenant.Deps{
		Config:    cfg,
		Settings:  tenantconfig.NewManager(settings),
		Backend:   backend.NewHTTPClient(cfg.BackendURL, logger, backend.WithToken(cfg.BackendToken), backend.WithTimeout(cfg.BackendTimeout)),
		Exchanges: db,
		Metrics:   m,
		Logger:    logger,
	}
	registry := tenant.NewRegistry(deps)

	checker := health.NewChecker(logger)
	checker.Register("store", health.PingCheck(db))

	var wg sync.WaitGroup

	if cfg.DebugMode {
		debugApp, err := tenant.NewDebug(ctx, deps)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create debug slack app")
		}
		registry.Preload(debugApp)
		checker.Register("tenant_apps", health.MinimumCheck(registry.Count, 1))

		if cfg.DebugSocketEnabled() {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := debugApp.RunSocket(ctx); err != nil {
					logger.Error().Err(err).Msg("slack socket mode error")
				}
			}()
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		db.RetentionLoop(ctx, cfg.RetentionInterval, cfg.ExchangeRetention)
	}()

	srv := server.New(ctx, server.Config{ListenAddr: cfg.ListenAddr}, server.FromRegistry(registry), checker, m, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	// Cancel context to signal all goroutines
	cancel()

	if err := srv.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("http server shutdown error")
	}
	registry.StopAll()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("knowledge agent stopped")
}
