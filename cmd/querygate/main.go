package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	qghttp "github.com/Strob0t/querygate/internal/adapter/http"
	"github.com/Strob0t/querygate/internal/adapter/litellm"
	qgotel "github.com/Strob0t/querygate/internal/adapter/otel"
	"github.com/Strob0t/querygate/internal/config"
	"github.com/Strob0t/querygate/internal/logger"
	"github.com/Strob0t/querygate/internal/middleware"
	"github.com/Strob0t/querygate/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"store", cfg.Store.Driver,
		"backends", len(cfg.Backends),
		"tools", len(cfg.Tools),
		"cache", cfg.Cache.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---

	shutdownTelemetry, err := qgotel.Init(ctx, cfg.Telemetry, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()
	metrics, err := qgotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---

	stores, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.close()

	auditSvc, closeAudit, err := openAudit(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeAudit()

	resultCache, err := newResultCache(cfg, stores, metrics)
	if err != nil {
		return err
	}

	resolver, err := newResolver(ctx, cfg)
	if err != nil {
		return err
	}

	// --- Services ---

	breakers, llmBreaker := newBreakers(cfg, metrics)
	catalog, err := newCatalog(cfg)
	if err != nil {
		return err
	}

	dispatcher := service.NewDispatcher(newTargets(cfg), breakers, resultCache, metrics)
	confirmations := service.NewConfirmationManager(stores.confirmations, dispatcher, catalog, auditSvc, metrics,
		cfg.Confirmation.TTL, cfg.Confirmation.PollInterval)

	model := litellm.NewClient(cfg.LiteLLM.URL, cfg.LiteLLM.MasterKey, cfg.LiteLLM.Model)
	model.SetBreaker(llmBreaker)

	sessions := service.NewSessionService(model, dispatcher, confirmations, catalog, metrics, service.SessionConfig{
		Heartbeat: cfg.Server.HeartbeatInterval,
		RowLimit:  cfg.Dispatcher.RowLimit,
	})

	// --- HTTP ---

	handlers := &qghttp.Handlers{
		Sessions:      sessions,
		Confirmations: confirmations,
		Breakers:      breakers,
		Audit:         auditSvc,
		WSOrigins:     originPatterns(cfg.Server.CORSOrigin),
	}

	r := chi.NewRouter()
	r.Use(qghttp.SecurityHeaders)
	r.Use(qghttp.CORS(cfg.Server.CORSOrigin))
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(qgotel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(qghttp.Logger)
	r.Use(chimw.Recoverer)

	qghttp.MountRoutes(r, handlers, qghttp.Access{
		Resolver:   resolver,
		Audit:      auditSvc,
		QueryRoles: cfg.Auth.RequiredRole,
		AuditRoles: cfg.Auth.AuditRoles,
	})

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// No read/write timeout: query streams and WebSockets stay open
		// for as long as the session runs. Heartbeats keep proxies alive.
		IdleTimeout: 120 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("graceful shutdown incomplete", "error", err)
		return srv.Close()
	}
	return nil
}
