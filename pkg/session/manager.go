// Package session owns the canonical session state and the two
// competing timers: inactivity timeout and proactive token refresh.
//
// All credential store writes go through the manager; the request
// wrapper delegates 401-driven teardown here instead of clearing the
// store itself, so there is a single mutation path.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lendkit/sessionkit/internal/metrics"
	"github.com/lendkit/sessionkit/pkg/audit"
	"github.com/lendkit/sessionkit/pkg/credstore"
	"github.com/lendkit/sessionkit/pkg/domain"
)

// Default timer policy. The refresh lead assumes a 60-minute access
// token lifetime and renews 5 minutes early; when the access token is
// a JWT carrying an exp claim, the deadline is derived from it instead.
const (
	DefaultInactivityWindow = 30 * time.Minute
	DefaultRefreshLead      = 55 * time.Minute
	DefaultRefreshMargin    = 5 * time.Minute
	DefaultRefreshTimeout   = 30 * time.Second
)

// API is the authentication endpoint surface the manager drives. The
// httpclient package provides the production implementation.
type API interface {
	Login(ctx context.Context, creds domain.Credentials) (*domain.LoginResult, error)
	Refresh(ctx context.Context, refreshToken string) (*domain.TokenPair, error)
}

// Config holds session manager configuration.
type Config struct {
	// InactivityWindow forces expiry after this long without user
	// interaction. Defaults to DefaultInactivityWindow.
	InactivityWindow time.Duration
	// RefreshLead schedules the proactive refresh this long after token
	// issuance when the token carries no exp claim. Defaults to
	// DefaultRefreshLead.
	RefreshLead time.Duration
	// RefreshMargin is how long before a JWT exp claim the refresh
	// fires. Defaults to DefaultRefreshMargin.
	RefreshMargin time.Duration
	// RefreshTimeout bounds the timer-driven refresh call. Defaults to
	// DefaultRefreshTimeout.
	RefreshTimeout time.Duration
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// Metrics collectors, optional.
	Metrics *metrics.Metrics
}

// Manager is the session state machine.
type Manager struct {
	mu    sync.Mutex
	cfg   Config
	store *credstore.Store
	api   API
	audit *audit.Logger
	log   *slog.Logger

	status domain.SessionStatus
	user   domain.User

	// epoch increments whenever the session as a whole is replaced or
	// torn down (login, logout, expiry). An in-flight refresh compares
	// its captured epoch on completion and discards a stale result.
	epoch uint64

	// Each timer carries a sequence number; re-arming bumps it, so a
	// callback that fired under an earlier arming is a no-op even if it
	// was already past Stop.
	inactivitySeq   uint64
	refreshSeq      uint64
	inactivityTimer *time.Timer
	refreshTimer    *time.Timer

	subs      map[int]func(domain.Event)
	nextSubID int

	now func() time.Time
}

// NewManager creates a session manager in the Anonymous state.
func NewManager(store *credstore.Store, api API, auditLog *audit.Logger, cfg Config) *Manager {
	if cfg.InactivityWindow <= 0 {
		cfg.InactivityWindow = DefaultInactivityWindow
	}
	if cfg.RefreshLead <= 0 {
		cfg.RefreshLead = DefaultRefreshLead
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = DefaultRefreshMargin
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultRefreshTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		store:  store,
		api:    api,
		audit:  auditLog,
		log:    cfg.Logger,
		status: domain.StatusAnonymous,
		subs:   make(map[int]func(domain.Event)),
		now:    time.Now,
	}
}

// Status returns the current session state.
func (m *Manager) Status() domain.SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// User returns the profile associated with the current tokens.
func (m *Manager) User() (domain.User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != domain.StatusAuthenticated && m.status != domain.StatusRefreshing {
		return domain.User{}, false
	}
	return m.user, true
}

// Subscribe registers an observer for session events. Each event is
// delivered at most once per subscriber per transition. The returned
// function unsubscribes and is safe to call more than once.
func (m *Manager) Subscribe(fn func(domain.Event)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Login exchanges credentials for a session. Valid from any state;
// logging in over an existing session replaces it.
func (m *Manager) Login(ctx context.Context, creds domain.Credentials) error {
	result, err := m.api.Login(ctx, creds)
	if err != nil {
		m.auditAuth("login_failed", creds.Email, audit.SeverityWarning, map[string]any{"error": err.Error()})
		return err
	}

	m.mu.Lock()
	from := m.status
	m.epoch++
	m.disarmTimersLocked()

	if err := m.store.Save(result.Tokens.AccessToken, result.Tokens.RefreshToken); err != nil {
		m.log.Error("persisting tokens failed", "error", err)
	}
	if err := m.store.SaveUser(result.User); err != nil {
		m.log.Error("persisting user failed", "error", err)
	}
	if err := m.store.SaveLastActivity(m.now()); err != nil {
		m.log.Error("persisting activity failed", "error", err)
	}

	m.status = domain.StatusAuthenticated
	m.user = result.User
	m.armInactivityLocked(m.cfg.InactivityWindow)
	m.armRefreshLocked(m.refreshDelay(result.Tokens.AccessToken))
	pending := m.eventLocked(domain.EventLoggedIn)
	m.mu.Unlock()

	m.cfg.Metrics.ObserveTransition(string(from), string(domain.StatusAuthenticated))
	m.auditAuth("login_success", result.User.Email, audit.SeverityInfo, nil)
	pending.deliver()
	return nil
}

// Logout tears the session down explicitly. Idempotent: a second call
// is a no-op and publishes no duplicate event.
func (m *Manager) Logout() {
	m.mu.Lock()
	if m.status == domain.StatusAnonymous {
		m.mu.Unlock()
		return
	}
	from := m.status
	email := m.user.Email
	m.epoch++
	m.disarmTimersLocked()
	if err := m.store.Clear(); err != nil {
		m.log.Error("clearing credential store failed", "error", err)
	}
	m.status = domain.StatusAnonymous
	m.user = domain.User{}

	var pending pendingEvent
	if from == domain.StatusAuthenticated || from == domain.StatusRefreshing {
		pending = m.eventLocked(domain.EventLoggedOut)
	}
	m.mu.Unlock()

	m.cfg.Metrics.ObserveTransition(string(from), string(domain.StatusAnonymous))
	if from == domain.StatusAuthenticated || from == domain.StatusRefreshing {
		m.auditAuth("logout", email, audit.SeverityInfo, nil)
	}
	pending.deliver()
}

// HandleAuthFailure is the request wrapper's 401 teardown path. It is
// idempotent; a stale-timer refresh racing with it is discarded by the
// epoch check.
func (m *Manager) HandleAuthFailure() {
	m.mu.Lock()
	pending := m.expireLocked("auth_failure", nil)
	m.mu.Unlock()
	pending.deliver()
}

// RecordActivity notes user interaction, persisting the timestamp and
// re-arming the inactivity timer from now.
func (m *Manager) RecordActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != domain.StatusAuthenticated && m.status != domain.StatusRefreshing {
		return
	}
	if err := m.store.SaveLastActivity(m.now()); err != nil {
		m.log.Error("persisting activity failed", "error", err)
	}
	if m.inactivityTimer != nil {
		m.inactivityTimer.Stop()
	}
	m.armInactivityLocked(m.cfg.InactivityWindow)
}

// RemainingTime is a pure query: time until the inactivity deadline,
// derived from the persisted activity timestamp so it survives reload.
func (m *Manager) RemainingTime() time.Duration {
	last, ok := m.store.LastActivity()
	if !ok {
		return 0
	}
	remaining := last.Add(m.cfg.InactivityWindow).Sub(m.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Resume restores a persisted session after a process restart. Returns
// true if a live session was restored; a stale or absent record is
// cleared and the manager stays Anonymous.
func (m *Manager) Resume() bool {
	m.mu.Lock()
	if m.status != domain.StatusAnonymous {
		m.mu.Unlock()
		return false
	}

	rec := m.store.Get()
	remaining := m.remainingLocked()
	if rec.AccessToken == "" || rec.RefreshToken == "" || remaining <= 0 {
		m.mu.Unlock()
		if err := m.store.Clear(); err != nil {
			m.log.Error("clearing stale credential store failed", "error", err)
		}
		return false
	}

	user, _ := m.store.GetUser()
	m.epoch++
	m.status = domain.StatusAuthenticated
	m.user = user
	m.armInactivityLocked(remaining)
	m.armRefreshLocked(m.refreshDelay(rec.AccessToken))
	m.mu.Unlock()

	m.cfg.Metrics.ObserveTransition(string(domain.StatusAnonymous), string(domain.StatusAuthenticated))
	m.auditAuth("session_resumed", user.Email, audit.SeverityInfo, nil)
	return true
}

// Refresh performs an explicit, caller-initiated token refresh. Only
// one refresh may be in flight; a concurrent attempt returns
// ErrRefreshInFlight.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	if m.status == domain.StatusRefreshing {
		m.mu.Unlock()
		return domain.ErrRefreshInFlight
	}
	if m.status != domain.StatusAuthenticated {
		m.mu.Unlock()
		return domain.ErrNotAuthenticated
	}
	epoch, refreshToken := m.beginRefreshLocked()
	m.mu.Unlock()

	tokens, err := m.api.Refresh(ctx, refreshToken)
	return m.completeRefresh(epoch, tokens, err)
}

// beginRefreshLocked moves to Refreshing and captures what the network
// call needs. Caller holds the lock and has verified the state.
func (m *Manager) beginRefreshLocked() (epoch uint64, refreshToken string) {
	m.cfg.Metrics.ObserveTransition(string(m.status), string(domain.StatusRefreshing))
	m.status = domain.StatusRefreshing
	return m.epoch, m.store.Get().RefreshToken
}

// completeRefresh applies the outcome of a refresh call. A result
// arriving after logout or expiry is discarded.
func (m *Manager) completeRefresh(epoch uint64, tokens *domain.TokenPair, err error) error {
	m.mu.Lock()
	if m.epoch != epoch || m.status != domain.StatusRefreshing {
		// The session was replaced or torn down while the call was in
		// flight (logout, or the refresh's own 401 already expired it).
		// The result is discarded either way.
		m.mu.Unlock()
		m.log.Debug("discarding stale refresh result")
		if err != nil {
			return domain.ErrRefreshFailed
		}
		return nil
	}

	if err != nil {
		// Expired refresh token and network down are the same outcome
		// here; the cause survives only in the audit detail.
		pending := m.expireLocked("refresh_failed", err)
		m.mu.Unlock()
		pending.deliver()
		return domain.ErrRefreshFailed
	}

	if saveErr := m.store.Save(tokens.AccessToken, tokens.RefreshToken); saveErr != nil {
		m.log.Error("persisting refreshed tokens failed", "error", saveErr)
	}
	if saveErr := m.store.SaveLastActivity(m.now()); saveErr != nil {
		m.log.Error("persisting activity failed", "error", saveErr)
	}
	m.status = domain.StatusAuthenticated
	// Both timers re-arm from the new issuance time so refresh
	// deadlines do not accumulate drift.
	if m.inactivityTimer != nil {
		m.inactivityTimer.Stop()
	}
	m.armInactivityLocked(m.cfg.InactivityWindow)
	m.armRefreshLocked(m.refreshDelay(tokens.AccessToken))
	pending := m.eventLocked(domain.EventRefreshed)
	m.mu.Unlock()

	m.cfg.Metrics.ObserveTransition(string(domain.StatusRefreshing), string(domain.StatusAuthenticated))
	if m.audit != nil {
		m.audit.SecurityEvent("token_refreshed", audit.SeverityInfo, nil)
	}
	pending.deliver()
	return nil
}

// onInactivityTimer fires when the inactivity window elapses.
func (m *Manager) onInactivityTimer(seq uint64) {
	m.mu.Lock()
	if seq != m.inactivitySeq {
		m.mu.Unlock()
		return
	}
	if m.status != domain.StatusAuthenticated && m.status != domain.StatusRefreshing {
		m.mu.Unlock()
		return
	}
	// The persisted activity timestamp is the source of truth; if it
	// moved since this timer was armed, wait out the remainder.
	if remaining := m.remainingLocked(); remaining > 0 {
		m.armInactivityLocked(remaining)
		m.mu.Unlock()
		return
	}
	pending := m.expireLocked("inactivity_timeout", nil)
	m.mu.Unlock()
	pending.deliver()
}

// onRefreshTimer fires at the proactive refresh deadline.
func (m *Manager) onRefreshTimer(seq uint64) {
	m.mu.Lock()
	if seq != m.refreshSeq {
		m.mu.Unlock()
		return
	}
	if m.status == domain.StatusRefreshing {
		// Single-flight: coalesced, not queued.
		m.mu.Unlock()
		return
	}
	if m.status != domain.StatusAuthenticated {
		m.mu.Unlock()
		return
	}
	epoch, refreshToken := m.beginRefreshLocked()
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RefreshTimeout)
	defer cancel()
	tokens, err := m.api.Refresh(ctx, refreshToken)
	_ = m.completeRefresh(epoch, tokens, err)
}

// expireLocked is the single teardown path for timeouts, refresh
// failures and 401s. Idempotent: repeated triggers publish no
// duplicate sessionTimeout event. Caller holds the lock.
func (m *Manager) expireLocked(reason string, cause error) pendingEvent {
	if m.status == domain.StatusExpired || m.status == domain.StatusAnonymous {
		return pendingEvent{}
	}
	from := m.status
	m.epoch++
	m.disarmTimersLocked()
	if err := m.store.Clear(); err != nil {
		m.log.Error("clearing credential store failed", "error", err)
	}
	m.status = domain.StatusExpired
	m.user = domain.User{}

	m.cfg.Metrics.ObserveTransition(string(from), string(domain.StatusExpired))
	details := map[string]any{"reason": reason}
	if cause != nil {
		details["detail"] = cause.Error()
	}
	if m.audit != nil {
		m.audit.SecurityEvent("session_timeout", audit.SeverityWarning, details)
	}
	return m.eventLocked(domain.EventSessionTimeout)
}

func (m *Manager) armInactivityLocked(d time.Duration) {
	m.inactivitySeq++
	seq := m.inactivitySeq
	m.inactivityTimer = time.AfterFunc(d, func() { m.onInactivityTimer(seq) })
}

func (m *Manager) armRefreshLocked(d time.Duration) {
	m.refreshSeq++
	seq := m.refreshSeq
	m.refreshTimer = time.AfterFunc(d, func() { m.onRefreshTimer(seq) })
}

func (m *Manager) disarmTimersLocked() {
	m.inactivitySeq++
	m.refreshSeq++
	if m.inactivityTimer != nil {
		m.inactivityTimer.Stop()
		m.inactivityTimer = nil
	}
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
}

func (m *Manager) remainingLocked() time.Duration {
	last, ok := m.store.LastActivity()
	if !ok {
		return 0
	}
	remaining := last.Add(m.cfg.InactivityWindow).Sub(m.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// refreshDelay derives the proactive refresh deadline. A JWT exp claim
// wins (decoded unverified; the client holds no signing key); otherwise
// the configured lead applies.
func (m *Manager) refreshDelay(accessToken string) time.Duration {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, &claims); err == nil && claims.ExpiresAt != nil {
		d := claims.ExpiresAt.Time.Sub(m.now()) - m.cfg.RefreshMargin
		if d > 0 {
			return d
		}
		// Token is at or past the margin already: refresh promptly.
		return time.Second
	}
	return m.cfg.RefreshLead
}

// pendingEvent is an event plus the subscriber snapshot taken at
// transition time, delivered after the lock is released.
type pendingEvent struct {
	event domain.Event
	fns   []func(domain.Event)
}

// eventLocked snapshots the current subscribers. Caller holds the lock.
func (m *Manager) eventLocked(t domain.EventType) pendingEvent {
	fns := make([]func(domain.Event), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	return pendingEvent{event: domain.Event{Type: t, At: m.now()}, fns: fns}
}

func (p pendingEvent) deliver() {
	for _, fn := range p.fns {
		fn(p.event)
	}
}

func (m *Manager) auditAuth(action, identifier string, severity audit.Severity, details map[string]any) {
	if m.audit == nil {
		return
	}
	m.audit.AuthEvent(action, identifier, severity, details)
}
