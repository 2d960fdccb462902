// Package sessionkit provides the session lifecycle and resilient
// request layer for a lending front end: credential persistence,
// inactivity and proactive-refresh timers, retry/backoff on outbound
// calls, and a local audit channel.
//
// Basic usage:
//
//	kit, err := sessionkit.New(sessionkit.Config{
//	    BaseURL:        "https://api.example.com",
//	    CredentialFile: filepath.Join(stateDir, "credentials.json"),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	unsubscribe := kit.Manager.Subscribe(func(e domain.Event) {
//	    if e.Type == domain.EventSessionTimeout {
//	        navigateToLogin()
//	    }
//	})
//	defer unsubscribe()
//
//	err = kit.Manager.Login(ctx, domain.Credentials{Email: email, Password: password})
//
// Every outbound call goes through kit.Client.Send, which attaches the
// current bearer token, retries transient failures and tears the
// session down on a 401.
package sessionkit

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lendkit/sessionkit/internal/metrics"
	"github.com/lendkit/sessionkit/pkg/audit"
	"github.com/lendkit/sessionkit/pkg/credstore"
	"github.com/lendkit/sessionkit/pkg/httpclient"
	"github.com/lendkit/sessionkit/pkg/session"
)

// Config holds everything the composition root needs. Only BaseURL and
// CredentialFile are required; the rest defaults to production policy
// (30-minute inactivity window, 55-minute refresh lead, 3 retries with
// a 1-second base delay).
type Config struct {
	// BaseURL of the lending backend.
	BaseURL string
	// CredentialFile is the persistent credential store path.
	CredentialFile string
	// EncryptionKey (32 bytes) enables at-rest encryption of the store.
	EncryptionKey []byte

	// Session timers; zero values take the package defaults.
	InactivityWindow time.Duration
	RefreshLead      time.Duration
	RefreshMargin    time.Duration

	// Retry policy; zero values take the package defaults.
	BaseDelay  time.Duration
	MaxRetries int

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
	// RequestTimeout bounds a single attempt.
	RequestTimeout time.Duration

	// Notifier receives user-facing side effects (toasts, navigation).
	// Nil logs them instead.
	Notifier httpclient.Notifier

	// AuditSink receives error/critical audit entries, best-effort.
	AuditSink audit.Sink
	// AuditCapacity of the local ring buffer.
	AuditCapacity int

	// Registry registers the Prometheus collectors; nil disables metrics.
	Registry prometheus.Registerer

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Kit is the wired session layer.
type Kit struct {
	Store   *credstore.Store
	Client  *httpclient.Client
	Manager *session.Manager
	Audit   *audit.Logger
}

// New wires the session layer together. The manager owns all credential
// store writes; the client reads tokens from the store and delegates
// 401 teardown back to the manager.
func New(cfg Config) (*Kit, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var collectors *metrics.Metrics
	if cfg.Registry != nil {
		collectors = metrics.New(cfg.Registry)
	}

	var storeOpts []credstore.Option
	if cfg.EncryptionKey != nil {
		storeOpts = append(storeOpts, credstore.WithEncryptionKey(cfg.EncryptionKey))
	}
	store, err := credstore.New(cfg.CredentialFile, storeOpts...)
	if err != nil {
		return nil, err
	}

	auditLog := audit.NewLogger(audit.Config{
		Capacity: cfg.AuditCapacity,
		Sink:     cfg.AuditSink,
		Logger:   cfg.Logger,
	})

	client := httpclient.New(
		&httpclient.HTTPTransport{Client: cfg.HTTPClient, Timeout: cfg.RequestTimeout},
		store, nil, cfg.Notifier,
		httpclient.Config{
			BaseDelay:  cfg.BaseDelay,
			MaxRetries: cfg.MaxRetries,
			Logger:     cfg.Logger,
			Metrics:    collectors,
		},
	)

	manager := session.NewManager(store, httpclient.NewAuthAPI(client, cfg.BaseURL), auditLog, session.Config{
		InactivityWindow: cfg.InactivityWindow,
		RefreshLead:      cfg.RefreshLead,
		RefreshMargin:    cfg.RefreshMargin,
		Logger:           cfg.Logger,
		Metrics:          collectors,
	})
	client.SetAuthHandler(manager)

	return &Kit{
		Store:   store,
		Client:  client,
		Manager: manager,
		Audit:   auditLog,
	}, nil
}
