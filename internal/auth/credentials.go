package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// Credential schemes attached to outbound requests.
const (
	SchemeBearer = "Bearer"
	SchemeAPIKey = "ApiKey"
)

// ErrAuthUnavailable means every credential source failed: the cached token
// is invalid, refresh did not produce a new one, and no API key is
// configured. Code AUTH_UNAVAILABLE.
var ErrAuthUnavailable = errors.New("AUTH_UNAVAILABLE: no usable credentials")

// Credentials is the resolved credential for one outbound request.
type Credentials struct {
	Scheme string
	Token  string
}

// Apply sets the credential header on an outbound request.
func (c Credentials) Apply(req *http.Request) {
	switch c.Scheme {
	case SchemeAPIKey:
		req.Header.Set("X-API-Key", c.Token)
	default:
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
}

// Refresher exchanges a stale token for a fresh one.
type Refresher interface {
	Refresh(ctx context.Context, staleToken string) (string, error)
}

// Provider resolves outbound credentials through a fallback chain: the
// cached token while it verifies, then a refreshed token, then the static
// API key. Uploads should degrade to the weakest working credential rather
// than fail outright.
type Provider struct {
	jwt       *JWTService
	refresher Refresher
	apiKey    string
	logger    *zap.Logger

	mu    sync.Mutex
	token string
}

// NewProvider creates a credential provider. refresher and apiKey are both
// optional; with neither, an invalid token is terminal.
func NewProvider(jwt *JWTService, refresher Refresher, apiKey string, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{jwt: jwt, refresher: refresher, apiKey: apiKey, logger: logger}
}

// SetToken replaces the cached token.
func (p *Provider) SetToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = token
}

// Invalidate drops the cached token so the next resolution refreshes. Called
// after a remote 401 on a request that carried the token.
func (p *Provider) Invalidate() {
	p.SetToken("")
}

// Credentials resolves a usable credential or returns ErrAuthUnavailable.
func (p *Provider) Credentials(ctx context.Context) (Credentials, error) {
	p.mu.Lock()
	token := p.token
	p.mu.Unlock()

	if token != "" {
		if _, err := p.jwt.Validate(token); err == nil {
			return Credentials{Scheme: SchemeBearer, Token: token}, nil
		}
	}

	if p.refresher != nil {
		fresh, err := p.refresher.Refresh(ctx, token)
		if err == nil && fresh != "" {
			p.SetToken(fresh)
			return Credentials{Scheme: SchemeBearer, Token: fresh}, nil
		}
		if err != nil {
			p.logger.Warn("token refresh failed", zap.Error(err))
		}
	}

	if p.apiKey != "" {
		p.logger.Info("falling back to API key credentials")
		return Credentials{Scheme: SchemeAPIKey, Token: p.apiKey}, nil
	}

	return Credentials{}, ErrAuthUnavailable
}

// RefreshClient refreshes tokens against an HTTP refresh endpoint.
type RefreshClient struct {
	endpoint string
	http     *http.Client
}

// NewRefreshClient creates a refresh client for the given endpoint.
func NewRefreshClient(endpoint string, httpClient *http.Client) *RefreshClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &RefreshClient{endpoint: endpoint, http: httpClient}
}

// Refresh posts the stale token and returns the replacement.
func (c *RefreshClient) Refresh(ctx context.Context, staleToken string) (string, error) {
	body, _ := json.Marshal(map[string]string{"token": staleToken})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("refresh token: unexpected status %d", resp.StatusCode)
	}

	var payload struct {
		Token string `json:"token"`
		Data  struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode refresh response: %w", err)
	}
	if payload.Token != "" {
		return payload.Token, nil
	}
	if payload.Data.Token != "" {
		return payload.Data.Token, nil
	}
	return "", errors.New("refresh response missing token")
}
