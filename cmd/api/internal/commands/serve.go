package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"riskmate/api/internal/app"
	"riskmate/api/internal/config"
	"riskmate/api/internal/logger"
	"riskmate/api/internal/reconcile"
	"riskmate/api/internal/store"
	"riskmate/api/internal/telemetry"
)

type ServeCmd struct {
	Listen          string        `help:"HTTP listen address, overrides API_ADDR" default:"" env:"RISKMATE_LISTEN"`
	AutoMigrate     bool          `help:"apply database migrations on startup" default:"true" negatable:"" env:"RISKMATE_AUTO_MIGRATE"`
	ShutdownTimeout time.Duration `help:"grace period for in-flight requests on shutdown" default:"15s"`
}

func (s *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	addr := cfg.Addr
	if s.Listen != "" {
		addr = s.Listen
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, log, cfg.OTLPEndpoint, serviceName, globals.Version)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			log.Error().Err(err).Msg("failed to flush telemetry")
		}
	}()

	if s.AutoMigrate {
		log.Info().Msg("applying database migrations")
		if err := store.Migrate(cfg.DatabaseURL, "up"); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
	}

	rt, err := newRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	service := app.New(*cfg, rt.store, rt.options(), log)
	server := configureHTTPServer(addr, app.NewHTTPServer(service, cfg.CORSOrigin, rt.limiter, log).Handler())

	if rt.reconciler != nil {
		if scheduler := reconcile.NewScheduler(rt.reconciler, cfg.ReconcileInterval, log); scheduler != nil {
			log.Info().Dur("interval", cfg.ReconcileInterval).Msg("in-process reconciliation enabled")
			go scheduler.Start(ctx)
		}
	}

	if rt.meili != nil {
		go func() {
			if _, err := rt.search.Reindex(ctx); err != nil {
				log.Warn().Err(err).Msg("audit search reindex failed")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("version", globals.Version).Msg("riskmate api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}
