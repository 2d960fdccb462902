package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/lendkit/sessionkit/pkg/audit"
	"github.com/lendkit/sessionkit/pkg/credstore"
	"github.com/lendkit/sessionkit/pkg/domain"
)

type fakeAPI struct {
	mu           sync.Mutex
	loginResult  *domain.LoginResult
	loginErr     error
	refreshPair  *domain.TokenPair
	refreshErr   error
	refreshGate  chan struct{} // if set, Refresh blocks until closed
	loginCalls   int
	refreshCalls int
}

func (f *fakeAPI) Login(ctx context.Context, creds domain.Credentials) (*domain.LoginResult, error) {
	f.mu.Lock()
	f.loginCalls++
	result, err := f.loginResult, f.loginErr
	f.mu.Unlock()
	return result, err
}

func (f *fakeAPI) Refresh(ctx context.Context, refreshToken string) (*domain.TokenPair, error) {
	f.mu.Lock()
	f.refreshCalls++
	gate := f.refreshGate
	pair, err := f.refreshPair, f.refreshErr
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return pair, err
}

func (f *fakeAPI) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

func defaultLoginResult() *domain.LoginResult {
	return &domain.LoginResult{
		Tokens: domain.TokenPair{AccessToken: "access-1", RefreshToken: "refresh-1", TokenType: "Bearer"},
		User:   domain.User{ID: "u1", Email: "jane@example.com"},
	}
}

func newTestManager(t *testing.T, api *fakeAPI, cfg Config) (*Manager, *credstore.Store) {
	t.Helper()
	store, err := credstore.New(filepath.Join(t.TempDir(), "creds.json"))
	if err != nil {
		t.Fatalf("credstore.New failed: %v", err)
	}
	if cfg.RefreshTimeout == 0 {
		cfg.RefreshTimeout = 2 * time.Second
	}
	m := NewManager(store, api, audit.NewLogger(audit.Config{Capacity: 100}), cfg)
	return m, store
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *eventRecorder) record(e domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) count(t domain.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func TestLogin_EstablishesSession(t *testing.T) {
	api := &fakeAPI{loginResult: defaultLoginResult()}
	m, store := newTestManager(t, api, Config{InactivityWindow: time.Hour, RefreshLead: time.Hour})

	rec := &eventRecorder{}
	unsub := m.Subscribe(rec.record)
	defer unsub()

	if err := m.Login(context.Background(), domain.Credentials{Email: "jane@example.com", Password: "pw"}); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	if m.Status() != domain.StatusAuthenticated {
		t.Errorf("Status = %q, want %q", m.Status(), domain.StatusAuthenticated)
	}
	if !store.IsPresent() {
		t.Error("credential store should hold tokens after login")
	}
	user, ok := m.User()
	if !ok || user.ID != "u1" {
		t.Errorf("User() = %+v, %v; want u1, true", user, ok)
	}
	if rec.count(domain.EventLoggedIn) != 1 {
		t.Errorf("EventLoggedIn delivered %d times, want 1", rec.count(domain.EventLoggedIn))
	}

	remaining := m.RemainingTime()
	if remaining <= 59*time.Minute || remaining > time.Hour {
		t.Errorf("RemainingTime = %v, want just under 1h", remaining)
	}
}

func TestLogin_FailureStaysAnonymous(t *testing.T) {
	api := &fakeAPI{loginErr: errors.New("invalid credentials")}
	m, store := newTestManager(t, api, Config{InactivityWindow: time.Hour, RefreshLead: time.Hour})

	if err := m.Login(context.Background(), domain.Credentials{Email: "jane@example.com"}); err == nil {
		t.Fatal("Login should fail")
	}
	if m.Status() != domain.StatusAnonymous {
		t.Errorf("Status = %q, want %q", m.Status(), domain.StatusAnonymous)
	}
	if store.IsPresent() {
		t.Error("credential store should stay empty after failed login")
	}
}

func TestInactivityExpiry(t *testing.T) {
	api := &fakeAPI{loginResult: defaultLoginResult()}
	m, store := newTestManager(t, api, Config{InactivityWindow: 50 * time.Millisecond, RefreshLead: time.Hour})

	rec := &eventRecorder{}
	unsub := m.Subscribe(rec.record)
	defer unsub()

	if err := m.Login(context.Background(), domain.Credentials{}); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	if !waitFor(t, time.Second, func() bool { return m.Status() == domain.StatusExpired }) {
		t.Fatalf("session did not expire, status = %q", m.Status())
	}
	if store.IsPresent() {
		t.Error("credential store should be cleared on expiry")
	}
	if rec.count(domain.EventSessionTimeout) != 1 {
		t.Errorf("EventSessionTimeout delivered %d times, want 1", rec.count(domain.EventSessionTimeout))
	}
	if m.RemainingTime() != 0 {
		t.Errorf("RemainingTime = %v after expiry, want 0", m.RemainingTime())
	}
}

func TestActivityResetExtendsSession(t *testing.T) {
	api := &fakeAPI{loginResult: defaultLoginResult()}
	m, _ := newTestManager(t, api, Config{InactivityWindow: 200 * time.Millisecond, RefreshLead: time.Hour})

	if err := m.Login(context.Background(), domain.Credentials{}); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	// Activity at half the window pushes the deadline out.
	time.Sleep(100 * time.Millisecond)
	m.RecordActivity()

	// Past the original deadline the session must still be live.
	time.Sleep(150 * time.Millisecond)
	if m.Status() != domain.StatusAuthenticated {
		t.Fatalf("session expired at the original deadline despite activity, status = %q", m.Status())
	}

	// And it expires once the new window elapses.
	if !waitFor(t, time.Second, func() bool { return m.Status() == domain.StatusExpired }) {
		t.Errorf("session did not expire after the extended window, status = %q", m.Status())
	}
}

func TestTimerIndependence_InactivityWinsWithoutActivity(t *testing.T) {
	api := &fakeAPI{
		loginResult: defaultLoginResult(),
		refreshPair: &domain.TokenPair{AccessToken: "access-2", RefreshToken: "refresh-2"},
	}
	m, _ := newTestManager(t, api, Config{InactivityWindow: 50 * time.Millisecond, RefreshLead: 300 * time.Millisecond})

	if err := m.Login(context.Background(), domain.Credentials{}); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	if !waitFor(t, time.Second, func() bool { return m.Status() == domain.StatusExpired }) {
		t.Fatalf("session did not expire via inactivity")
	}

	// The refresh deadline passes while expired; the path must stay cold.
	time.Sleep(350 * time.Millisecond)
	if n := api.refreshCount(); n != 0 {
		t.Errorf("refresh called %d times, want 0 (inactivity must win)", n)
	}
}

func TestRefreshTimer_RotatesTokens(t *testing.T) {
	// The rotated access token is a JWT expiring in an hour, so the
	// re-armed refresh timer lands far in the future and the rotation
	// happens exactly once during the test.
	claims := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	rotated, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("signing test token failed: %v", err)
	}

	api := &fakeAPI{
		loginResult: defaultLoginResult(),
		refreshPair: &domain.TokenPair{AccessToken: rotated, RefreshToken: "refresh-2"},
	}
	m, store := newTestManager(t, api, Config{InactivityWindow: time.Hour, RefreshLead: 50 * time.Millisecond})

	rec := &eventRecorder{}
	unsub := m.Subscribe(rec.record)
	defer unsub()

	if err := m.Login(context.Background(), domain.Credentials{}); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	ok := waitFor(t, time.Second, func() bool {
		return m.Status() == domain.StatusAuthenticated && store.Get().AccessToken == rotated
	})
	if !ok {
		t.Fatalf("tokens were not rotated, store = %+v", store.Get())
	}
	if n := api.refreshCount(); n != 1 {
		t.Errorf("refresh called %d times, want 1", n)
	}
	if rec.count(domain.EventRefreshed) != 1 {
		t.Errorf("EventRefreshed delivered %d times, want 1", rec.count(domain.EventRefreshed))
	}
}

func TestRefreshFailure_ExpiresSession(t *testing.T) {
	api := &fakeAPI{
		loginResult: defaultLoginResult(),
		refreshErr:  errors.New("refresh token revoked"),
	}
	m, store := newTestManager(t, api, Config{InactivityWindow: time.Hour, RefreshLead: 30 * time.Millisecond})

	rec := &eventRecorder{}
	unsub := m.Subscribe(rec.record)
	defer unsub()

	if err := m.Login(context.Background(), domain.Credentials{}); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	if !waitFor(t, time.Second, func() bool { return m.Status() == domain.StatusExpired }) {
		t.Fatalf("refresh failure did not expire the session, status = %q", m.Status())
	}
	if store.IsPresent() {
		t.Error("credential store should be cleared on refresh failure")
	}
	if rec.count(domain.EventSessionTimeout) != 1 {
		t.Errorf("EventSessionTimeout delivered %d times, want 1", rec.count(domain.EventSessionTimeout))
	}
}

func TestStaleTimerGuard_LogoutCancelsScheduledRefresh(t *testing.T) {
	api := &fakeAPI{
		loginResult: defaultLoginResult(),
		refreshPair: &domain.TokenPair{AccessToken: "access-2", RefreshToken: "refresh-2"},
	}
	m, _ := newTestManager(t, api, Config{InactivityWindow: time.Hour, RefreshLead: 100 * time.Millisecond})

	if err := m.Login(context.Background(), domain.Credentials{}); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	m.Logout()

	// Wait past the scheduled refresh deadline.
	time.Sleep(250 * time.Millisecond)
	if n := api.refreshCount(); n != 0 {
		t.Errorf("refresh called %d times after logout, want 0", n)
	}
	if m.Status() != domain.StatusAnonymous {
		t.Errorf("Status = %q, want %q", m.Status(), domain.StatusAnonymous)
	}
}

func TestLogout_Idempotent(t *testing.T) {
	api := &fakeAPI{loginResult: defaultLoginResult()}
	m, store := newTestManager(t, api, Config{InactivityWindow: time.Hour, RefreshLead: time.Hour})

	rec := &eventRecorder{}
	unsub := m.Subscribe(rec.record)
	defer unsub()

	if err := m.Login(context.Background(), domain.Credentials{}); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	m.Logout()
	m.Logout() // must be a no-op

	if m.Status() != domain.StatusAnonymous {
		t.Errorf("Status = %q, want %q", m.Status(), domain.StatusAnonymous)
	}
	if store.IsPresent() {
		t.Error("credential store should be cleared after logout")
	}
	if rec.count(domain.EventLoggedOut) != 1 {
		t.Errorf("EventLoggedOut delivered %d times, want 1", rec.count(domain.EventLoggedOut))
	}
}

func TestHandleAuthFailure_Idempotent(t *testing.T) {
	api := &fakeAPI{loginResult: defaultLoginResult()}
	m, store := newTestManager(t, api, Config{InactivityWindow: time.Hour, RefreshLead: time.Hour})

	rec := &eventRecorder{}
	unsub := m.Subscribe(rec.record)
	defer unsub()

	if err := m.Login(context.Background(), domain.Credentials{}); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	m.HandleAuthFailure()
	m.HandleAuthFailure() // repeated teardown triggers must coalesce

	if m.Status() != domain.StatusExpired {
		t.Errorf("Status = %q, want %q", m.Status(), domain.StatusExpired)
	}
	if store.IsPresent() {
		t.Error("credential store should be cleared after auth failure")
	}
	if rec.count(domain.EventSessionTimeout) != 1 {
		t.Errorf("EventSessionTimeout delivered %d times, want 1", rec.count(domain.EventSessionTimeout))
	}
}

func TestRefresh_SingleFlight(t *testing.T) {
	gate := make(chan struct{})
	api := &fakeAPI{
		loginResult: defaultLoginResult(),
		refreshPair: &domain.TokenPair{AccessToken: "access-2", RefreshToken: "refresh-2"},
		refreshGate: gate,
	}
	m, _ := newTestManager(t, api, Config{InactivityWindow: time.Hour, RefreshLead: time.Hour})

	if err := m.Login(context.Background(), domain.Credentials{}); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- m.Refresh(context.Background()) }()

	if !waitFor(t, time.Second, func() bool { return m.Status() == domain.StatusRefreshing }) {
		t.Fatalf("first refresh did not start")
	}

	if err := m.Refresh(context.Background()); !errors.Is(err, domain.ErrRefreshInFlight) {
		t.Errorf("second Refresh error = %v, want ErrRefreshInFlight", err)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Errorf("first Refresh failed: %v", err)
	}
	if m.Status() != domain.StatusAuthenticated {
		t.Errorf("Status = %q, want %q", m.Status(), domain.StatusAuthenticated)
	}
}

func TestRefresh_NotAuthenticated(t *testing.T) {
	api := &fakeAPI{}
	m, _ := newTestManager(t, api, Config{InactivityWindow: time.Hour, RefreshLead: time.Hour})

	if err := m.Refresh(context.Background()); !errors.Is(err, domain.ErrNotAuthenticated) {
		t.Errorf("Refresh error = %v, want ErrNotAuthenticated", err)
	}
}

func TestRemainingTime_NoSession(t *testing.T) {
	api := &fakeAPI{}
	m, _ := newTestManager(t, api, Config{InactivityWindow: time.Hour, RefreshLead: time.Hour})

	if got := m.RemainingTime(); got != 0 {
		t.Errorf("RemainingTime = %v, want 0", got)
	}
}

func TestResume_RestoresLiveSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	store, err := credstore.New(path)
	if err != nil {
		t.Fatalf("credstore.New failed: %v", err)
	}
	if err := store.Save("access-1", "refresh-1"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.SaveUser(domain.User{ID: "u1", Email: "jane@example.com"}); err != nil {
		t.Fatalf("SaveUser failed: %v", err)
	}
	if err := store.SaveLastActivity(time.Now()); err != nil {
		t.Fatalf("SaveLastActivity failed: %v", err)
	}

	m := NewManager(store, &fakeAPI{}, nil, Config{InactivityWindow: time.Hour, RefreshLead: time.Hour})
	if !m.Resume() {
		t.Fatal("Resume should restore a live session")
	}
	if m.Status() != domain.StatusAuthenticated {
		t.Errorf("Status = %q, want %q", m.Status(), domain.StatusAuthenticated)
	}
	user, ok := m.User()
	if !ok || user.ID != "u1" {
		t.Errorf("User() = %+v, %v; want u1, true", user, ok)
	}
}

func TestResume_StaleSessionIsCleared(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	store, err := credstore.New(path)
	if err != nil {
		t.Fatalf("credstore.New failed: %v", err)
	}
	if err := store.Save("access-1", "refresh-1"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.SaveLastActivity(time.Now().Add(-2 * time.Hour)); err != nil {
		t.Fatalf("SaveLastActivity failed: %v", err)
	}

	m := NewManager(store, &fakeAPI{}, nil, Config{InactivityWindow: time.Hour, RefreshLead: time.Hour})
	if m.Resume() {
		t.Fatal("Resume should reject a session past its inactivity deadline")
	}
	if m.Status() != domain.StatusAnonymous {
		t.Errorf("Status = %q, want %q", m.Status(), domain.StatusAnonymous)
	}
	if store.IsPresent() {
		t.Error("stale credentials should be cleared")
	}
}

func TestRefreshDelay_FromJWTExp(t *testing.T) {
	api := &fakeAPI{}
	m, _ := newTestManager(t, api, Config{
		InactivityWindow: time.Hour,
		RefreshLead:      55 * time.Minute,
		RefreshMargin:    5 * time.Minute,
	})

	claims := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(20 * time.Minute))}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("signing test token failed: %v", err)
	}

	d := m.refreshDelay(token)
	if d < 14*time.Minute || d > 15*time.Minute {
		t.Errorf("refreshDelay = %v, want ~15m (exp - margin)", d)
	}

	// Opaque tokens fall back to the configured lead.
	if d := m.refreshDelay("opaque-token"); d != 55*time.Minute {
		t.Errorf("refreshDelay(opaque) = %v, want 55m", d)
	}
}

func TestSubscribe_UnsubscribeIsIdempotent(t *testing.T) {
	api := &fakeAPI{loginResult: defaultLoginResult()}
	m, _ := newTestManager(t, api, Config{InactivityWindow: time.Hour, RefreshLead: time.Hour})

	rec := &eventRecorder{}
	unsub := m.Subscribe(rec.record)
	unsub()
	unsub()

	if err := m.Login(context.Background(), domain.Credentials{}); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if rec.count(domain.EventLoggedIn) != 0 {
		t.Errorf("unsubscribed observer received %d events, want 0", rec.count(domain.EventLoggedIn))
	}
}
