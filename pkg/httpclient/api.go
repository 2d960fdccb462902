package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/lendkit/sessionkit/pkg/domain"
)

// AuthAPI wraps the authentication endpoints of the lending backend.
// These are the only endpoints the session layer knows about; all
// other calls go through Client.Send directly.
type AuthAPI struct {
	client  *Client
	baseURL string
}

// NewAuthAPI creates the auth endpoint wrapper.
func NewAuthAPI(client *Client, baseURL string) *AuthAPI {
	return &AuthAPI{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

// Login exchanges credentials for a token pair and user profile.
func (a *AuthAPI) Login(ctx context.Context, creds domain.Credentials) (*domain.LoginResult, error) {
	body, err := json.Marshal(creds)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Send(ctx, &Request{
		Method: http.MethodPost,
		URL:    a.baseURL + "/auth/login",
		Header: jsonHeader(),
		Body:   body,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrLoginFailed, err)
	}

	var result domain.LoginResult
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %w", domain.ErrLoginFailed, err)
	}
	return &result, nil
}

// Refresh exchanges the refresh token for a new token pair. Any
// failure, transport or business, is a refresh failure; the cause is
// preserved in the wrapped error for audit detail only.
func (a *AuthAPI) Refresh(ctx context.Context, refreshToken string) (*domain.TokenPair, error) {
	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Send(ctx, &Request{
		Method: http.MethodPost,
		URL:    a.baseURL + "/auth/refresh",
		Header: jsonHeader(),
		Body:   body,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrRefreshFailed, err)
	}

	var tokens domain.TokenPair
	if err := json.Unmarshal(resp.Body, &tokens); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %w", domain.ErrRefreshFailed, err)
	}
	return &tokens, nil
}

func jsonHeader() http.Header {
	h := make(http.Header, 1)
	h.Set("Content-Type", "application/json")
	return h
}
