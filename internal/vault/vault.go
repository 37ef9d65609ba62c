// Package vault resolves login items for a domain, with a short-lived
// cache in front of the API so repeated autosave evaluations on the same
// page do not hammer the backend.
package vault

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelvault/kestrel/api/schemas"
)

const cacheTTL = 30 * time.Second

// ItemSource is the backend query the service caches over.
type ItemSource interface {
	ListLogins(ctx context.Context, domain string) ([]schemas.LoginItem, error)
}

type cached struct {
	items   []schemas.LoginItem
	fetched time.Time
}

// Service caches per-domain login items.
type Service struct {
	source ItemSource
	log    *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cached
}

// NewService wraps the item source.
func NewService(source ItemSource, logger *zap.Logger) *Service {
	return &Service{
		source: source,
		log:    logger.Named("vault"),
		now:    time.Now,
		cache:  make(map[string]cached),
	}
}

// LoginsForDomain returns the login items for a domain, served from cache
// when fresh.
func (s *Service) LoginsForDomain(ctx context.Context, domain string) ([]schemas.LoginItem, error) {
	s.mu.Lock()
	entry, ok := s.cache[domain]
	s.mu.Unlock()
	if ok && s.now().Sub(entry.fetched) < cacheTTL {
		return entry.items, nil
	}

	items, err := s.source.ListLogins(ctx, domain)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[domain] = cached{items: items, fetched: s.now()}
	s.mu.Unlock()

	s.log.Debug("vault items fetched",
		zap.String("domain", domain), zap.Int("count", len(items)))
	return items, nil
}

// Invalidate drops the whole cache. Called on logout and lock.
func (s *Service) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]cached)
}
