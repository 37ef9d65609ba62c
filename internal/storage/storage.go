// Package storage implements the key-partitioned storage collaborator: a
// durable scope surviving worker restarts and a volatile scope that lives
// for one session. Callers tolerate failure; errors are absorbed into a
// "storage full" flag rather than thrown back up the stack.
package storage

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Scope is one key/value partition.
type Scope interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// Service pairs the two scopes and absorbs write failures. A failed write
// flips the Full flag so the UI can surface the condition, but callers
// proceed as fire-and-forget.
type Service struct {
	Local   Scope // durable
	Session Scope // volatile, cleared on logout

	log  *zap.Logger
	full atomic.Bool
}

// NewService wraps the two scopes.
func NewService(local, session Scope, logger *zap.Logger) *Service {
	return &Service{Local: local, Session: session, log: logger.Named("storage")}
}

// TrySet writes to a scope, swallowing errors into the full flag.
func (s *Service) TrySet(ctx context.Context, scope Scope, key, value string) {
	if err := scope.Set(ctx, key, value); err != nil {
		s.log.Warn("storage write failed", zap.String("key", key), zap.Error(err))
		s.full.Store(true)
		return
	}
	s.full.Store(false)
}

// TryDelete removes a key, logging failures.
func (s *Service) TryDelete(ctx context.Context, scope Scope, key string) {
	if err := scope.Delete(ctx, key); err != nil {
		s.log.Warn("storage delete failed", zap.String("key", key), zap.Error(err))
	}
}

// TryClear wipes a scope, logging failures.
func (s *Service) TryClear(ctx context.Context, scope Scope) {
	if err := scope.Clear(ctx); err != nil {
		s.log.Warn("storage clear failed", zap.Error(err))
	}
}

// Full reports whether the last write was rejected by the backend.
func (s *Service) Full() bool { return s.full.Load() }

// MemoryScope is the in-process scope used for the volatile partition and
// in tests.
type MemoryScope struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryScope creates an empty in-memory scope.
func NewMemoryScope() *MemoryScope {
	return &MemoryScope{data: make(map[string]string)}
}

func (m *MemoryScope) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemoryScope) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MemoryScope) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryScope) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]string)
	return nil
}
