// File: internal/mocks/mocks.go
package mocks

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/kestrelvault/kestrel/api/schemas"
	"github.com/kestrelvault/kestrel/internal/apiclient"
)

// -- API Client Mock --

// MockAPI mocks the backend API surface consumed by the auth service.
type MockAPI struct {
	mock.Mock

	mu      sync.Mutex
	handler func(apiclient.SessionEvent)
}

func (m *MockAPI) Configure(creds apiclient.Credentials) {
	m.Called(creds)
}

func (m *MockAPI) Reset() {
	m.Called()
}

// Subscribe records the handler so tests can inject session events.
func (m *MockAPI) Subscribe(fn func(apiclient.SessionEvent)) {
	m.mu.Lock()
	m.handler = fn
	m.mu.Unlock()
}

func (m *MockAPI) Unsubscribe() {
	m.mu.Lock()
	m.handler = nil
	m.mu.Unlock()
}

// Emit feeds a session event to the recorded subscriber.
func (m *MockAPI) Emit(ev apiclient.SessionEvent) {
	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

func (m *MockAPI) CheckLock(ctx context.Context) (apiclient.LockInfo, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return apiclient.LockInfo{}, args.Error(1)
	}
	return args.Get(0).(apiclient.LockInfo), args.Error(1)
}

func (m *MockAPI) Unlock(ctx context.Context, secret string) (string, error) {
	args := m.Called(ctx, secret)
	return args.String(0), args.Error(1)
}

func (m *MockAPI) ConsumeFork(ctx context.Context, payload apiclient.ForkPayload) (apiclient.SessionData, error) {
	args := m.Called(ctx, payload)
	if args.Get(0) == nil {
		return apiclient.SessionData{}, args.Error(1)
	}
	return args.Get(0).(apiclient.SessionData), args.Error(1)
}

func (m *MockAPI) Revoke(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockAPI) ListLogins(ctx context.Context, domain string) ([]schemas.LoginItem, error) {
	args := m.Called(ctx, domain)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.LoginItem), args.Error(1)
}

// -- Vault Lookup Mock --

// MockVaultLookup mocks the autosave engine's vault dependency.
type MockVaultLookup struct {
	mock.Mock
}

func (m *MockVaultLookup) LoginsForDomain(ctx context.Context, domain string) ([]schemas.LoginItem, error) {
	args := m.Called(ctx, domain)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.LoginItem), args.Error(1)
}

// -- Connection Mock --

// MockConnection is a registry connection that records everything sent to
// it. SendErr, when set, makes every Send fail.
type MockConnection struct {
	ConnName     string
	ConnEndpoint schemas.ClientEndpoint
	ConnTabID    int64
	SendErr      error

	mu   sync.Mutex
	sent []schemas.Message
}

func (c *MockConnection) Name() string                     { return c.ConnName }
func (c *MockConnection) Endpoint() schemas.ClientEndpoint { return c.ConnEndpoint }
func (c *MockConnection) TabID() int64                     { return c.ConnTabID }

func (c *MockConnection) Send(msg schemas.Message) error {
	if c.SendErr != nil {
		return c.SendErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

// Sent snapshots the messages delivered so far.
func (c *MockConnection) Sent() []schemas.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]schemas.Message(nil), c.sent...)
}
