// cmd/memberboard/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"memberboard/internal/app"
	"memberboard/internal/community"
	"memberboard/internal/config"
	"memberboard/internal/telemetry"
	"memberboard/internal/tiered"
)

func main() {
	if err := run(); err != nil {
		slog.Error("memberboard stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := cfg.Logger(os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	adminKey, err := community.NewAdminKey(cfg.AdminAPIKey)
	if err != nil {
		return err
	}

	stack, err := app.Build(ctx, app.Options{
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.SQLitePath,
		Breaker:     tiered.BreakerSettings{Failures: cfg.BreakerFailures, Cooldown: cfg.BreakerCooldown},
		Reconcile: tiered.ReconcilerOptions{
			Interval: cfg.ReconcileInterval,
			Batch:    cfg.ReconcileBatch,
		},
		Logger:         logger,
		TracerProvider: otel.GetTracerProvider(),
		MeterProvider:  otel.GetMeterProvider(),
	})
	if err != nil {
		return err
	}
	defer stack.Close()

	svc := stack.Service(community.Options{
		CodeTTL:     cfg.CodeTTL,
		SubmitRate:  rate.Limit(cfg.SubmitRatePerMinute / 60),
		SubmitBurst: cfg.SubmitBurst,
		Logger:      logger,
	})

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(30 * time.Second))
	router.Mount("/", community.NewHandler(svc, adminKey).Routes())

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		ExposedHeaders: []string{community.DurabilityHeader},
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           corsHandler.Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := stack.Reconciler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("reconciler stopped", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("memberboard listening", "addr", cfg.HTTPAddr,
			"primary", cfg.DatabaseURL != "", "sqlite", cfg.SQLitePath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Last attempt to hand held writes to the primary before exit.
	if err := stack.Reconciler.Drain(shutdownCtx); err != nil {
		logger.Warn("journal not fully drained, entries are kept for the next start", "error", err)
	}
	return nil
}
