// Command sessiondemo is the composition root for the session layer:
// it wires the credential store, session state machine, request
// wrapper, activity monitor and audit channel together, standing in
// for the UI shell. With MOCK_BACKEND_ADDR set it also serves the fake
// lending backend so the whole loop runs locally.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lendkit/sessionkit/internal/config"
	"github.com/lendkit/sessionkit/internal/metrics"
	"github.com/lendkit/sessionkit/internal/mockapi"
	"github.com/lendkit/sessionkit/pkg/activity"
	"github.com/lendkit/sessionkit/pkg/audit"
	"github.com/lendkit/sessionkit/pkg/credstore"
	"github.com/lendkit/sessionkit/pkg/domain"
	"github.com/lendkit/sessionkit/pkg/httpclient"
	"github.com/lendkit/sessionkit/pkg/session"
)

func main() {
	// Load .env file if present (ignore error if not found)
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	collectors := metrics.New(registry)

	// Credential store, optionally encrypted at rest.
	var storeOpts []credstore.Option
	if key := cfg.EncryptionKey(); key != nil {
		storeOpts = append(storeOpts, credstore.WithEncryptionKey(key))
	}
	store, err := credstore.New(cfg.CredentialFile, storeOpts...)
	if err != nil {
		logger.Error("failed to open credential store", "error", err)
		os.Exit(1)
	}

	// Audit channel with an optional remote sink.
	var sink audit.Sink
	switch {
	case cfg.AuditDSN != "":
		db, err := sql.Open("postgres", cfg.AuditDSN)
		if err != nil {
			logger.Error("failed to open audit database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		sink = audit.NewPostgresSink(db)
		logger.Info("audit sink enabled", "kind", "postgres")
	case cfg.AuditEndpoint != "":
		sink = audit.NewHTTPSink(cfg.AuditEndpoint)
		logger.Info("audit sink enabled", "kind", "http")
	}
	auditLog := audit.NewLogger(audit.Config{
		Capacity: cfg.AuditCapacity,
		Sink:     sink,
		Logger:   logger,
	})

	// Optional in-process fake backend, plus /metrics.
	var backendServer *http.Server
	if addr := os.Getenv("MOCK_BACKEND_ADDR"); addr != "" {
		backend := mockapi.New(mockapi.Config{
			JWTSecret: []byte("sessiondemo-local-secret"),
			Logger:    logger,
		})
		mux := http.NewServeMux()
		mux.Handle("/", backend.Router())
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		backendServer = &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			logger.Info("starting mock backend", "addr", addr)
			if err := backendServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("mock backend error", "error", err)
				os.Exit(1)
			}
		}()
	}

	// Request wrapper and session state machine.
	client := httpclient.New(
		&httpclient.HTTPTransport{Timeout: cfg.RequestTimeout},
		store, nil, nil,
		httpclient.Config{
			BaseDelay:  cfg.BaseDelay,
			MaxRetries: cfg.MaxRetries,
			Logger:     logger,
			Metrics:    collectors,
		},
	)
	manager := session.NewManager(store, httpclient.NewAuthAPI(client, cfg.APIBaseURL), auditLog, session.Config{
		InactivityWindow: cfg.InactivityWindow,
		RefreshLead:      cfg.RefreshLead,
		RefreshMargin:    cfg.RefreshMargin,
		Logger:           logger,
		Metrics:          collectors,
	})
	client.SetAuthHandler(manager)

	unsubscribe := manager.Subscribe(func(e domain.Event) {
		logger.Info("session event", "type", e.Type, "at", e.At)
	})
	defer unsubscribe()

	// Activity monitor; a real UI shell would adapt its event system to
	// the source. The demo emits a synthetic signal per minute.
	source := activity.NewChannelSource()
	monitor := activity.NewMonitor(source)
	stopMonitor := monitor.Start(manager.RecordActivity)
	defer stopMonitor()

	if manager.Resume() {
		logger.Info("session resumed", "remaining", manager.RemainingTime())
	} else if email := os.Getenv("DEMO_EMAIL"); email != "" {
		creds := domain.Credentials{Email: email, Password: os.Getenv("DEMO_PASSWORD")}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := manager.Login(ctx, creds); err != nil {
			logger.Error("login failed", "error", err)
		} else {
			logger.Info("logged in", "remaining", manager.RemainingTime())
		}
		cancel()
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	go func() {
		for range ticker.C {
			source.Emit(activity.Signal{Kind: activity.SignalClick})
			logger.Info("session status", "status", manager.Status(), "remaining", manager.RemainingTime())
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	manager.Logout()
	auditLog.Wait()

	if backendServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := backendServer.Shutdown(ctx); err != nil {
			logger.Error("mock backend shutdown error", "error", err)
		}
	}

	logger.Info("stopped")
}
