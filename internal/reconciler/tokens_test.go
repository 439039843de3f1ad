package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Conductor/internal/models"
)

func TestTokenCacheReusesUntilExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	registry := &mockRegistry{expiresAt: now.Add(time.Hour)}
	cache := NewTokenCache(registry, func() time.Time { return now }, nil)

	first, err := cache.Get(context.Background(), "app")
	require.NoError(t, err)
	second, err := cache.Get(context.Background(), "app")
	require.NoError(t, err)

	assert.Equal(t, 1, registry.tokenCalls)
	assert.Equal(t, first, second)

	now = now.Add(time.Hour) // expiry is exclusive
	registry.expiresAt = now.Add(time.Hour)
	_, err = cache.Get(context.Background(), "app")
	require.NoError(t, err)
	assert.Equal(t, 2, registry.tokenCalls)

	_, err = cache.Get(context.Background(), "lib")
	require.NoError(t, err)
	assert.Equal(t, 3, registry.tokenCalls, "tokens are per repository")
}

func TestReconcilerSharesTokenAcrossSlots(t *testing.T) {
	f := newFixture(t)
	f.registry.runners["lib"] = nil

	_, err := f.rec.Reconcile(context.Background(), []models.RepoConfig{
		ciRepo(2),
		{Repo: "lib", Count: 1, NamePrefix: "ci"},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, f.registry.tokenCalls, "one token per repository")
	for _, req := range f.installer.requests {
		assert.Equal(t, "token-"+req.Repo, req.Token)
	}
}
