package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"portfolio-copilot/internal/logging"
	"portfolio-copilot/internal/models"
)

// HoldingsSource is anything that can fetch live holdings.
type HoldingsSource interface {
	Holdings(ctx context.Context) ([]models.Holding, error)
}

// CachedSource decorates a HoldingsSource with a last-known snapshot.
// Successful fetches are written to the cache; a failed fetch is answered
// from the cache when one exists. Ticks are never cached.
type CachedSource struct {
	next   HoldingsSource
	cache  HoldingsCache
	name   string
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	stale    bool
	cachedAt time.Time
}

// NewCachedSource wraps next. name keys the snapshot so different sources
// never read each other's holdings.
func NewCachedSource(next HoldingsSource, cache HoldingsCache, name string, logger zerolog.Logger) *CachedSource {
	return &CachedSource{
		next:   next,
		cache:  cache,
		name:   name,
		logger: logging.WithComponent(logger, "holdings-cache"),
		now:    time.Now,
	}
}

// Holdings fetches from the wrapped source, falling back to the cache.
func (c *CachedSource) Holdings(ctx context.Context) ([]models.Holding, error) {
	holdings, err := c.next.Holdings(ctx)
	if err == nil {
		at := c.now()
		if serr := c.cache.SaveHoldings(ctx, c.name, holdings, at); serr != nil {
			c.logger.Warn().Err(serr).Msg("Failed to cache holdings")
		}
		c.mu.Lock()
		c.stale = false
		c.cachedAt = at
		c.mu.Unlock()
		return holdings, nil
	}

	cached, at, cerr := c.cache.LoadHoldings(ctx, c.name)
	if cerr != nil {
		c.logger.Debug().Err(cerr).Msg("No cached holdings to fall back on")
		return nil, err
	}

	c.logger.Warn().
		Err(err).
		Time("cached_at", at).
		Int("holdings", len(cached)).
		Msg("Holdings fetch failed, using cached snapshot")

	c.mu.Lock()
	c.stale = true
	c.cachedAt = at
	c.mu.Unlock()
	return cached, nil
}

// Stale reports whether the last answer came from the cache, and when that
// snapshot was taken.
func (c *CachedSource) Stale() (bool, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale, c.cachedAt
}
