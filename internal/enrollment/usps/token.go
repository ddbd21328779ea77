package usps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"idproof/internal/platform/config"
)

// TokenManager owns the vendor bearer token and its expiry. The token is never
// persisted; a restarted process refreshes lazily on first use. Concurrent
// callers needing a refresh share a single in-flight token request instead of
// each issuing their own.
type TokenManager struct {
	cfg    config.USPS
	client *http.Client

	mu        sync.RWMutex
	token     string
	expiresAt time.Time

	group singleflight.Group
	now   func() time.Time
}

func NewTokenManager(cfg config.USPS, client *http.Client) *TokenManager {
	return &TokenManager{
		cfg:    cfg,
		client: client,
		now:    time.Now,
	}
}

// Header returns a valid "type token" Authorization value, refreshing first
// when the cached token is absent or not strictly in the future. A failed
// refresh surfaces as ErrVendorUnavailable and leaves the cached state
// untouched: stale-but-known is better than a half-written token.
func (m *TokenManager) Header(ctx context.Context) (string, error) {
	if token, ok := m.cached(); ok {
		return token, nil
	}

	v, err, _ := m.group.Do("token", func() (interface{}, error) {
		// A refresh that finished while we queued counts.
		if token, ok := m.cached(); ok {
			return token, nil
		}
		// One refresh serves every queued waiter, so it must not die with the
		// first caller's context. The HTTP client timeout still bounds it.
		return m.refresh(context.WithoutCancel(ctx))
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *TokenManager) cached() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token != "" && m.expiresAt.After(m.now()) {
		return m.token, true
	}
	return "", false
}

func (m *TokenManager) refresh(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{
		"username":      m.cfg.Username,
		"password":      m.cfg.Password,
		"grant_type":    "implicit",
		"response_type": "token",
		"client_id":     m.cfg.ClientID,
		"scope":         "ivs.ippaas.apis",
	})
	if err != nil {
		return "", fmt.Errorf("marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.cfg.RootURL+"/oauth/authenticate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token request: %v", ErrVendorUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: token endpoint returned %d", ErrVendorUnavailable, resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("%w: malformed token response: %v", ErrVendorUnavailable, err)
	}
	if tok.AccessToken == "" || tok.TokenType == "" || tok.ExpiresIn <= 0 {
		return "", fmt.Errorf("%w: incomplete token response", ErrVendorUnavailable)
	}

	header := tok.TokenType + " " + tok.AccessToken

	m.mu.Lock()
	m.token = header
	m.expiresAt = m.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	m.mu.Unlock()

	return header, nil
}
