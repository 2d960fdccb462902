// Package mockapi is a fake lending backend for tests and the demo
// shell: password login, refresh-token rotation, and a canned loans
// endpoint behind bearer auth. It can be told to fail requests to
// exercise the client's retry path.
package mockapi

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/lendkit/sessionkit/pkg/domain"
)

// Config holds mock backend configuration.
type Config struct {
	// JWTSecret signs access tokens. Required.
	JWTSecret []byte
	// AccessTokenTTL defaults to one hour.
	AccessTokenTTL time.Duration
	// RateLimit per minute per IP on auth endpoints; 0 disables.
	RateLimit int
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Server is the mock backend state.
type Server struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	accounts map[string]string // email -> password
	sessions map[string]string // refresh token -> user id
	failNext int
}

// New creates a mock backend with a single demo account.
func New(cfg Config) *Server {
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		accounts: map[string]string{"demo@lendkit.dev": "demo-password"},
		sessions: make(map[string]string),
	}
}

// AddAccount registers an additional login.
func (s *Server) AddAccount(email, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[email] = password
}

// FailNext makes the next n requests (any endpoint) return 503.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// RevokeAll invalidates every refresh token, so the next refresh fails.
func (s *Server) RevokeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]string)
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.flaky)

	r.Route("/auth", func(r chi.Router) {
		if s.cfg.RateLimit > 0 {
			r.Use(httprate.LimitByIP(s.cfg.RateLimit, time.Minute))
		}
		r.Post("/login", s.handleLogin)
		r.Post("/refresh", s.handleRefresh)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireBearer)
		r.Get("/loans", s.handleLoans)
	})

	return r
}

// flaky returns 503 while a FailNext budget remains.
func (s *Server) flaky(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		fail := s.failNext > 0
		if fail {
			s.failNext--
		}
		s.mu.Unlock()

		if fail {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "temporarily unavailable"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds domain.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	s.mu.Lock()
	password, ok := s.accounts[creds.Email]
	s.mu.Unlock()
	if !ok || password != creds.Password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}

	userID := uuid.NewSHA1(uuid.NameSpaceOID, []byte(creds.Email)).String()
	tokens, err := s.issueTokens(userID, creds.Email)
	if err != nil {
		s.log.Error("issuing tokens failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, domain.LoginResult{
		Tokens: *tokens,
		User:   domain.User{ID: userID, Email: creds.Email, FullName: "Demo Borrower"},
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	s.mu.Lock()
	userID, ok := s.sessions[body.RefreshToken]
	if ok {
		// Rotation: the old refresh token is single-use.
		delete(s.sessions, body.RefreshToken)
	}
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid refresh token"})
		return
	}

	tokens, err := s.issueTokens(userID, "")
	if err != nil {
		s.log.Error("issuing tokens failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (s *Server) handleLoans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"loans": []map[string]any{
			{"id": "loan-001", "principal": 250000.00, "rate": 5.125, "term_months": 360},
			{"id": "loan-002", "principal": 18000.00, "rate": 7.9, "term_months": 60},
		},
	})
}

// requireBearer validates the JWT access token.
func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing authorization"})
			return
		}

		token, err := jwt.ParseWithClaims(parts[1], &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return s.cfg.JWTSecret, nil
		})
		if err != nil || !token.Valid {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or expired token"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// issueTokens mints a signed access token and an opaque refresh token.
func (s *Server) issueTokens(userID, email string) (*domain.TokenPair, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTokenTTL)

	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		Issuer:    "mockapi",
		ID:        uuid.New().String(),
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.JWTSecret)
	if err != nil {
		return nil, err
	}

	refreshToken, err := newOpaqueToken(32)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.sessions[refreshToken] = userID
	s.mu.Unlock()

	return &domain.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresAt:    expiresAt,
	}, nil
}

func newOpaqueToken(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
