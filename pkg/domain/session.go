package domain

import "time"

// SessionStatus is the canonical session state.
type SessionStatus string

const (
	StatusAnonymous     SessionStatus = "anonymous"
	StatusAuthenticated SessionStatus = "authenticated"
	StatusRefreshing    SessionStatus = "refreshing"
	StatusExpired       SessionStatus = "expired"
)

// TokenPair represents the access and refresh token pair.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// Credentials are the opaque login credentials collected by the UI shell.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResult is what a successful login returns: the token pair plus
// the profile associated 1:1 with it.
type LoginResult struct {
	Tokens TokenPair `json:"tokens"`
	User   User      `json:"user"`
}
