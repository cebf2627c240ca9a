package auth

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"promptchain/internal/logging"
)

// RefreshWindow is how long before expiry a cached token is replaced.
const RefreshWindow = 90 * time.Second

// Cache hands out the current session token and refreshes it through its
// Fetcher once it is within RefreshWindow of expiring. Concurrent callers
// share a single fetch.
type Cache struct {
	fetcher Fetcher
	clock   clock.Clock
	logger  *logging.Logger

	mu       sync.Mutex
	current  Token
	inflight *fetchCall
}

type fetchCall struct {
	done  chan struct{}
	token Token
	err   error
}

type CacheOption func(*Cache)

func WithClock(c clock.Clock) CacheOption {
	return func(cache *Cache) {
		if c != nil {
			cache.clock = c
		}
	}
}

func WithLogger(logger *logging.Logger) CacheOption {
	return func(cache *Cache) {
		cache.logger = logger
	}
}

func NewCache(fetcher Fetcher, opts ...CacheOption) *Cache {
	cache := &Cache{fetcher: fetcher, clock: clock.New()}
	for _, opt := range opts {
		opt(cache)
	}
	return cache
}

// Token returns a token valid for at least RefreshWindow.
func (c *Cache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.fresh(c.clock.Now()) {
		value := c.current.Value
		c.mu.Unlock()
		return value, nil
	}
	if call := c.inflight; call != nil {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.token.Value, call.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	call := &fetchCall{done: make(chan struct{})}
	c.inflight = call
	c.mu.Unlock()

	token, err := c.fetcher.Fetch(ctx)
	now := c.clock.Now()
	if err == nil && token.ExpiresAt.IsZero() {
		token.ExpiresAt = now.Add(DefaultStaticLifetime)
	}

	c.mu.Lock()
	if err == nil {
		c.current = token
	}
	c.inflight = nil
	c.mu.Unlock()

	call.token, call.err = token, err
	close(call.done)

	if err != nil {
		c.logger.Warn("session token refresh failed", map[string]string{"error": err.Error()})
		return "", err
	}
	c.logger.Debug("session token refreshed", map[string]string{
		"token":      token.Value,
		"expires_in": token.ExpiresAt.Sub(now).Round(time.Second).String(),
	})
	return token.Value, nil
}

// Invalidate forces the next Token call to fetch.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.current = Token{}
	c.mu.Unlock()
}

func (c *Cache) fresh(now time.Time) bool {
	if c.current.Value == "" {
		return false
	}
	return now.Add(RefreshWindow).Before(c.current.ExpiresAt)
}
