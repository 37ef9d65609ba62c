// Package apiclient is the configurable HTTP client for the backend API.
// Besides request execution it owns credential configuration, transparent
// token refresh, and the single session-health subscription through which
// server-side "inactive" and "locked" conditions reach the auth service.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelvault/kestrel/api/schemas"
	"github.com/kestrelvault/kestrel/internal/config"
)

// SessionEventType enumerates the async session-health pushes.
type SessionEventType string

const (
	SessionInactive  SessionEventType = "inactive"
	SessionLocked    SessionEventType = "locked"
	SessionRefreshed SessionEventType = "refreshed"
)

// RefreshData carries the rotated tokens of a refresh event.
type RefreshData struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	RefreshTime  int64  `json:"refreshTime"`
}

// SessionEvent is delivered to the single active subscriber.
type SessionEvent struct {
	Type    SessionEventType
	Refresh RefreshData
}

// Credentials configure the client for an authenticated session.
type Credentials struct {
	UID          string
	AccessToken  string
	RefreshToken string
}

// Error is a structured API failure.
type Error struct {
	Status int
	Code   string
	Detail string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Detail)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Detail)
}

// IsAuthFailure reports a 401/403, which callers treat as fatal during
// login validation.
func IsAuthFailure(err error) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden
	}
	return false
}

// LockInfo is the server's view of the session lock.
type LockInfo struct {
	Registered bool  `json:"registered"`
	Locked     bool  `json:"locked"`
	TTL        int64 `json:"ttl"`
}

// SessionData is the session payload returned by fork consumption.
type SessionData struct {
	UserID       string `json:"userId"`
	UID          string `json:"uid"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	RefreshTime  int64  `json:"refreshTime"`
	KeyPassword  string `json:"keyPassword,omitempty"`
}

// ForkPayload is the short-lived authorization artifact exchanged for a
// full session.
type ForkPayload struct {
	Selector string `json:"selector"`
	State    string `json:"state"`
	Key      string `json:"key,omitempty"`
}

// Client executes API requests with the configured credentials. Exactly
// one session-health subscriber may be active at a time.
type Client struct {
	base *url.URL
	http *http.Client
	log  *zap.Logger

	mu      sync.RWMutex
	creds   Credentials
	handler func(SessionEvent)

	refreshMu sync.Mutex
}

// New builds a client from configuration.
func New(cfg config.APIConfig, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	log := logger.Named("apiclient")
	return &Client{
		base: base,
		http: &http.Client{
			Transport: newTransport(TransportConfig{
				IgnoreTLSErrors: cfg.IgnoreTLSErrors,
				UseHTTP3:        cfg.UseHTTP3,
				Logger:          log,
			}),
			Timeout: cfg.Timeout,
		},
		log: log,
	}, nil
}

// Configure installs session credentials for subsequent requests.
func (c *Client) Configure(creds Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = creds
}

// Reset drops the configured credentials.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = Credentials{}
}

// Subscribe installs the session-health event handler, replacing any
// previous subscription.
func (c *Client) Subscribe(fn func(SessionEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

// Unsubscribe removes the active subscription. Idempotent.
func (c *Client) Unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = nil
}

func (c *Client) emit(ev SessionEvent) {
	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()
	if handler != nil {
		handler(ev)
	}
}

func (c *Client) credentials() Credentials {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds
}

// do executes one JSON round trip, decoding into out when non-nil. A 401
// triggers a single refresh attempt before the error escalates; refresh
// failure emits an "inactive" session event. A 423 emits "locked".
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	err := c.roundTrip(ctx, method, path, in, out)

	var apiErr *Error
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusUnauthorized:
			if refreshErr := c.refresh(ctx); refreshErr != nil {
				c.log.Info("token refresh failed, session inactive", zap.Error(refreshErr))
				c.emit(SessionEvent{Type: SessionInactive})
				return err
			}
			return c.roundTrip(ctx, method, path, in, out)
		case http.StatusLocked:
			c.emit(SessionEvent{Type: SessionLocked})
		}
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	pathOnly, query, _ := strings.Cut(path, "?")
	u := c.base.JoinPath(pathOnly)
	u.RawQuery = query
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	creds := c.credentials()
	if creds.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
		req.Header.Set("X-Session-Uid", creds.UID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &Error{Status: resp.StatusCode}
		var payload struct {
			Code   string `json:"code"`
			Detail string `json:"error"`
		}
		if decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&payload); decodeErr == nil {
			apiErr.Code = payload.Code
			apiErr.Detail = payload.Detail
		}
		return apiErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// refresh rotates the session tokens, serialized so concurrent 401s
// produce a single refresh call. The refreshed tokens are emitted as a
// session event so the auth service can persist them.
func (c *Client) refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	creds := c.credentials()
	if creds.RefreshToken == "" {
		return errors.New("no refresh token configured")
	}

	var data RefreshData
	err := c.roundTrip(ctx, http.MethodPost, "/auth/v1/refresh", map[string]string{
		"uid":          creds.UID,
		"refreshToken": creds.RefreshToken,
	}, &data)
	if err != nil {
		return err
	}
	if data.RefreshTime == 0 {
		data.RefreshTime = time.Now().Unix()
	}

	c.mu.Lock()
	c.creds.AccessToken = data.AccessToken
	c.creds.RefreshToken = data.RefreshToken
	c.mu.Unlock()

	c.emit(SessionEvent{Type: SessionRefreshed, Refresh: data})
	return nil
}

// CheckLock queries (and server-side extends) the session lock state.
func (c *Client) CheckLock(ctx context.Context) (LockInfo, error) {
	var info LockInfo
	err := c.do(ctx, http.MethodGet, "/auth/v1/lock", nil, &info)
	return info, err
}

// Unlock exchanges a lock secret for a fresh lock token.
func (c *Client) Unlock(ctx context.Context, secret string) (string, error) {
	var out struct {
		LockToken string `json:"lockToken"`
	}
	err := c.do(ctx, http.MethodPost, "/auth/v1/lock/unlock", map[string]string{"secret": secret}, &out)
	return out.LockToken, err
}

// ConsumeFork exchanges a fork payload for a full session.
func (c *Client) ConsumeFork(ctx context.Context, payload ForkPayload) (SessionData, error) {
	var session SessionData
	err := c.do(ctx, http.MethodPost, "/auth/v1/fork/consume", payload, &session)
	return session, err
}

// Revoke invalidates the current session server-side. Best effort.
func (c *Client) Revoke(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/auth/v1/session", nil, nil)
}

// ListLogins fetches the login items registered for a domain.
func (c *Client) ListLogins(ctx context.Context, domain string) ([]schemas.LoginItem, error) {
	var out struct {
		Items []schemas.LoginItem `json:"items"`
	}
	path := "/vault/v1/logins?" + url.Values{"domain": {domain}}.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}
