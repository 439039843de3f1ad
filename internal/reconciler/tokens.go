package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"Conductor/internal/metrics"
	"Conductor/internal/models"
)

// TokenSource mints runner registration tokens.
type TokenSource interface {
	CreateRegistrationToken(ctx context.Context, repo string) (models.Token, error)
}

// TokenCache hands out one registration token per repository for as long as
// it stays valid.
type TokenCache struct {
	source  TokenSource
	now     func() time.Time
	metrics *metrics.Metrics

	mu     sync.Mutex
	tokens map[string]models.Token
}

// NewTokenCache creates an empty cache. A nil now uses time.Now.
func NewTokenCache(source TokenSource, now func() time.Time, m *metrics.Metrics) *TokenCache {
	if now == nil {
		now = time.Now
	}
	return &TokenCache{
		source:  source,
		now:     now,
		metrics: m,
		tokens:  make(map[string]models.Token),
	}
}

// Get returns the cached token for repo if it expires strictly after now,
// otherwise requests and caches a fresh one.
func (c *TokenCache) Get(ctx context.Context, repo string) (models.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if token, ok := c.tokens[repo]; ok && token.ValidAt(c.now()) {
		if c.metrics != nil {
			c.metrics.TokenCacheHit.Inc()
		}
		return token, nil
	}

	if c.metrics != nil {
		c.metrics.TokenRequests.Inc()
	}
	token, err := c.source.CreateRegistrationToken(ctx, repo)
	if err != nil {
		return models.Token{}, fmt.Errorf("registration token for %s: %w", repo, err)
	}

	c.tokens[repo] = token
	return token, nil
}
