// Package polymarket resolves up/down prediction-market windows to their
// outcome tokens and reads their prices over the public REST APIs.
package polymarket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/pulsefeed/internal/domain"
	"golang.org/x/time/rate"
)

// Config holds the discovery endpoints and limits.
type Config struct {
	GammaURL   string
	ClobURL    string
	CacheTTL   time.Duration
	RatePerSec float64
	Timeout    time.Duration
}

type cacheEntry struct {
	market  domain.Market
	fetched time.Time
}

// Discovery answers which tokens trade a given window. Results are cached
// by slug; a current-window entry older than CacheTTL only has its prices
// refreshed from the CLOB.
type Discovery struct {
	gamma  *GammaClient
	clob   domain.TokenPricer
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

var _ domain.Discovery = (*Discovery)(nil)

// NewDiscovery builds Gamma and CLOB clients sharing one rate limiter.
func NewDiscovery(cfg Config, logger *slog.Logger) *Discovery {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		burst := int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return &Discovery{
		gamma:  NewGammaClient(cfg.GammaURL, cfg.Timeout, limiter),
		clob:   NewClobClient(cfg.ClobURL, cfg.Timeout, limiter),
		ttl:    cfg.CacheTTL,
		logger: logger.With(slog.String("component", "discovery")),
		now:    time.Now,
		cache:  make(map[string]cacheEntry),
	}
}

// Pricer returns the CLOB price reader.
func (d *Discovery) Pricer() domain.TokenPricer { return d.clob }

// GetMarket returns the window of asset/tf that is open now, with up/down
// prices.
func (d *Discovery) GetMarket(ctx context.Context, asset string, tf domain.Timeframe) (domain.Market, error) {
	asset = strings.ToLower(asset)
	now := d.now()
	start := tf.WindowStart(now)
	slug := BuildSlug(asset, tf, start)

	d.mu.Lock()
	d.pruneLocked(now)
	e, cached := d.cache[slug]
	d.mu.Unlock()

	if cached {
		if now.Sub(e.fetched) < d.ttl {
			return e.market, nil
		}
		up, down, err := d.prices(ctx, e.market.Tokens)
		if err == nil {
			e.market.UpPrice, e.market.DownPrice = up, down
			e.fetched = now
			d.store(slug, e)
		}
		return e.market, nil
	}

	m, err := d.fetch(ctx, slug, asset, tf, start)
	if err != nil {
		return domain.Market{}, err
	}
	if m.UpPrice == 0 || m.DownPrice == 0 {
		if up, down, err := d.prices(ctx, m.Tokens); err == nil {
			if m.UpPrice == 0 {
				m.UpPrice = up
			}
			if m.DownPrice == 0 {
				m.DownPrice = down
			}
		}
	}
	d.store(slug, cacheEntry{market: m, fetched: now})
	return m, nil
}

// GetNextMarket returns the window of asset/tf starting at windowStart.
// Once found it is served from cache until the window closes.
func (d *Discovery) GetNextMarket(ctx context.Context, asset string, tf domain.Timeframe, windowStart time.Time) (domain.Market, error) {
	asset = strings.ToLower(asset)
	slug := BuildSlug(asset, tf, windowStart)

	d.mu.Lock()
	e, cached := d.cache[slug]
	d.mu.Unlock()
	if cached {
		return e.market, nil
	}

	m, err := d.fetch(ctx, slug, asset, tf, windowStart)
	if err != nil {
		return domain.Market{}, err
	}
	d.store(slug, cacheEntry{market: m, fetched: d.now()})
	return m, nil
}

func (d *Discovery) fetch(ctx context.Context, slug, asset string, tf domain.Timeframe, start time.Time) (domain.Market, error) {
	em, err := d.gamma.EventMarket(ctx, slug)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			d.logger.Warn("market lookup failed", slog.String("slug", slug), slog.String("error", err.Error()))
		}
		return domain.Market{}, fmt.Errorf("polymarket: discover %s: %w", slug, err)
	}
	return domain.Market{
		Slug:        slug,
		Asset:       asset,
		Timeframe:   tf,
		WindowStart: start.UTC(),
		Tokens:      em.Tokens,
		ConditionID: em.ConditionID,
		Question:    em.Question,
		UpPrice:     em.UpPrice,
		DownPrice:   em.DownPrice,
	}, nil
}

// prices reads both token mids; it fails unless both are available.
func (d *Discovery) prices(ctx context.Context, tokens domain.TokenPair) (float64, float64, error) {
	up, err := d.clob.TokenMidPrice(ctx, tokens.Up)
	if err != nil {
		return 0, 0, err
	}
	down, err := d.clob.TokenMidPrice(ctx, tokens.Down)
	if err != nil {
		return 0, 0, err
	}
	return up, down, nil
}

func (d *Discovery) store(slug string, e cacheEntry) {
	d.mu.Lock()
	d.cache[slug] = e
	d.mu.Unlock()
}

// pruneLocked drops windows that have closed.
func (d *Discovery) pruneLocked(now time.Time) {
	for slug, e := range d.cache {
		if !e.market.WindowEnd().After(now) {
			delete(d.cache, slug)
		}
	}
}
