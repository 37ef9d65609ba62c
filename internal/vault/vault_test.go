package vault

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kestrelvault/kestrel/api/schemas"
	"github.com/kestrelvault/kestrel/internal/mocks"
)

func TestLoginsForDomainCaches(t *testing.T) {
	api := &mocks.MockAPI{}
	items := []schemas.LoginItem{{ItemID: "i1", Domain: "example.com"}}
	api.On("ListLogins", mock.Anything, "example.com").Return(items, nil)

	svc := NewService(api, zap.NewNop())
	now := time.Unix(1_700_000_000, 0)
	svc.now = func() time.Time { return now }

	ctx := context.Background()
	got, err := svc.LoginsForDomain(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, items, got)

	// Served from cache while fresh.
	_, err = svc.LoginsForDomain(ctx, "example.com")
	require.NoError(t, err)
	api.AssertNumberOfCalls(t, "ListLogins", 1)

	t.Run("expires after the TTL", func(t *testing.T) {
		now = now.Add(cacheTTL + time.Second)
		_, err := svc.LoginsForDomain(ctx, "example.com")
		require.NoError(t, err)
		api.AssertNumberOfCalls(t, "ListLogins", 2)
	})

	t.Run("invalidate drops the cache", func(t *testing.T) {
		svc.Invalidate()
		_, err := svc.LoginsForDomain(ctx, "example.com")
		require.NoError(t, err)
		api.AssertNumberOfCalls(t, "ListLogins", 3)
	})
}

func TestLoginsForDomainDoesNotCacheFailures(t *testing.T) {
	api := &mocks.MockAPI{}
	api.On("ListLogins", mock.Anything, "down.test").
		Return(nil, assert.AnError).Twice()

	svc := NewService(api, zap.NewNop())
	ctx := context.Background()

	_, err := svc.LoginsForDomain(ctx, "down.test")
	require.Error(t, err)
	_, err = svc.LoginsForDomain(ctx, "down.test")
	require.Error(t, err)
	api.AssertNumberOfCalls(t, "ListLogins", 2)
}
