// Package capture samples every tracked market on a fixed tick and emits
// one row per market combining the aggregated exchange price with the
// outcome token prices.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/pulsefeed/internal/aggregate"
	"github.com/alanyoungcy/pulsefeed/internal/domain"
	"github.com/alanyoungcy/pulsefeed/internal/metrics"
	"github.com/alanyoungcy/pulsefeed/internal/platform/polymarket"
	"github.com/alanyoungcy/pulsefeed/internal/rollover"
	"github.com/robfig/cron/v3"
)

// PriceFeed is the aggregated exchange price of one asset.
type PriceFeed interface {
	Latest() (domain.AggregatedResult, bool)
	Healthy() bool
	Restart(ctx context.Context) (bool, error)
}

var _ PriceFeed = (*aggregate.Feed)(nil)

// Markets hands out the outcome feed serving each market key.
type Markets interface {
	Active(key string) (rollover.BookFeed, domain.Market, bool)
}

var _ Markets = (*rollover.Orchestrator)(nil)

// EventFeedRestart is the notifier event type of watchdog restarts.
const EventFeedRestart = "price_feed_restart"

// Alerter delivers operator alerts.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Target is one tracked market.
type Target struct {
	Asset     string
	Timeframe domain.Timeframe
}

// Key returns the market key of t.
func (t Target) Key() string { return domain.MarketKey(t.Asset, t.Timeframe) }

// Config tunes the capture loop.
type Config struct {
	Tick                 time.Duration
	PriceMaxAge          time.Duration
	HTTPFallbackInterval time.Duration
	HTTPTimeout          time.Duration
	WatchdogInterval     time.Duration
	CoverageCron         string
	CoverageThreshold    float64
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Tick:                 500 * time.Millisecond,
		PriceMaxAge:          2 * time.Second,
		HTTPFallbackInterval: 30 * time.Second,
		HTTPTimeout:          3 * time.Second,
		WatchdogInterval:     10 * time.Second,
		CoverageCron:         "*/15 * * * *",
		CoverageThreshold:    95,
	}
}

type windowState struct {
	start time.Time
	open  float64
	rows  int

	lastHTTP    time.Time
	httpFetch   bool
	httpUp      float64
	httpDown    float64
	httpPending bool
}

// Capturer owns the per-market window state. Rows go to every sink in
// order; a failing sink is logged and does not stop the others.
type Capturer struct {
	cfg       Config
	targets   []Target
	feeds     map[string]PriceFeed
	markets   Markets
	discovery domain.Discovery
	sinks     []domain.RowSink
	alerter   Alerter
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	windows   map[string]*windowState
	coverage  *Coverage
	unhealthy map[string]bool
	restart   map[string]bool
	rows      uint64
	sinkErrs  uint64
	spot      domain.SpotPricer
	spots     map[string]*spotState

	wg sync.WaitGroup
}

// New returns a capturer for targets. feeds is keyed by asset. discovery
// and alerter may be nil.
func New(cfg Config, targets []Target, feeds map[string]PriceFeed, markets Markets,
	discovery domain.Discovery, sinks []domain.RowSink, alerter Alerter, logger *slog.Logger) *Capturer {
	def := DefaultConfig()
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.PriceMaxAge <= 0 {
		cfg.PriceMaxAge = def.PriceMaxAge
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = def.HTTPTimeout
	}
	return &Capturer{
		cfg:       cfg,
		targets:   targets,
		feeds:     feeds,
		markets:   markets,
		discovery: discovery,
		sinks:     sinks,
		alerter:   alerter,
		logger:    logger.With(slog.String("component", "capture")),
		now:       time.Now,
		windows:   make(map[string]*windowState),
		coverage:  NewCoverage(cfg.Tick, cfg.CoverageThreshold),
		unhealthy: make(map[string]bool),
		restart:   make(map[string]bool),
		spots:     make(map[string]*spotState),
	}
}

// SetSpotFallback makes the capturer use sp, polled at most once per
// HTTPFallbackInterval, for assets whose aggregated price is stale.
func (c *Capturer) SetSpotFallback(sp domain.SpotPricer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spot = sp
}

// Coverage returns the coverage tracker.
func (c *Capturer) Coverage() *Coverage { return c.coverage }

// Run captures on every tick until ctx is done. The watchdog and the
// coverage check run on their own schedules.
func (c *Capturer) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Tick)
	defer ticker.Stop()

	var watchdog <-chan time.Time
	if c.cfg.WatchdogInterval > 0 {
		t := time.NewTicker(c.cfg.WatchdogInterval)
		defer t.Stop()
		watchdog = t.C
	}

	if c.cfg.CoverageCron != "" {
		sched := cron.New()
		if _, err := sched.AddFunc(c.cfg.CoverageCron, func() { c.CheckCoverage(ctx) }); err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()
	}

	c.logger.Info("capture started", slog.Int("markets", len(c.targets)), slog.Duration("tick", c.cfg.Tick))
	defer c.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("capture stopped", slog.Uint64("rows", c.RowCount()))
			return nil
		case <-watchdog:
			c.Watchdog(ctx)
		case <-ticker.C:
			rows := c.CaptureOnce(ctx)
			c.emit(ctx, rows)
		}
	}
}

func (c *Capturer) emit(ctx context.Context, rows []domain.CaptureRow) {
	if len(rows) == 0 {
		return
	}
	for _, s := range c.sinks {
		if err := s.WriteRows(ctx, rows); err != nil {
			c.mu.Lock()
			c.sinkErrs++
			c.mu.Unlock()
			c.logger.Warn("sink write failed", slog.String("error", err.Error()))
		}
	}
	for _, r := range rows {
		metrics.CaptureRow(r.MarketKey, string(r.PriceSource))
	}
}

type exchangeSample struct {
	price   float64
	sources int
	div     float64
}

// CaptureOnce samples every target once and returns the rows built. A
// market with neither an exchange price nor an up price yields no row.
func (c *Capturer) CaptureOnce(ctx context.Context) []domain.CaptureRow {
	now := c.now()

	samples := make(map[string]exchangeSample, len(c.feeds))
	for asset, f := range c.feeds {
		res, ok := f.Latest()
		if !ok || now.Sub(res.Timestamp) > c.cfg.PriceMaxAge {
			if price, ok := c.spotPrice(ctx, asset, now); ok {
				samples[asset] = exchangeSample{price: price}
			}
			continue
		}
		samples[asset] = exchangeSample{price: res.Price, sources: res.SourceCount, div: res.DivergencePct}
	}

	rows := make([]domain.CaptureRow, 0, len(c.targets))
	for _, t := range c.targets {
		if row, ok := c.captureTarget(ctx, t, samples[t.Asset], now); ok {
			rows = append(rows, row)
		}
	}
	return rows
}

func (c *Capturer) captureTarget(ctx context.Context, t Target, ex exchangeSample, now time.Time) (domain.CaptureRow, bool) {
	key := t.Key()
	start := t.Timeframe.WindowStart(now)

	c.mu.Lock()
	ws, ok := c.windows[key]
	if !ok {
		ws = &windowState{}
		c.windows[key] = ws
	}
	if !ws.start.Equal(start) {
		if ws.rows > 0 {
			c.coverage.Record(key, t.Timeframe, ws.rows)
			c.logger.Info("window complete", slog.String("market", key), slog.Int("rows", ws.rows))
		}
		ws.start = start
		ws.open = 0
		ws.rows = 0
		ws.httpPending = false
	}
	if ws.open == 0 && ex.price > 0 {
		ws.open = ex.price
		c.logger.Info("window open", slog.String("market", key), slog.Float64("price", ex.price))
	}
	open := ws.open
	c.mu.Unlock()

	var up, down float64
	source := domain.PriceSourceNone
	// a feed still serving the previous window is treated as absent
	if feed, m, ok := c.markets.Active(key); ok && m.WindowStart.Equal(start) && feed.Connected() {
		if u, d, ok := feed.Prices(); ok {
			up, down, source = u, d, domain.PriceSourceWS
		}
	}
	if source == domain.PriceSourceNone {
		if u, d, ok := c.httpPrices(ctx, t, ws, now); ok {
			up, down, source = u, d, domain.PriceSourceHTTP
		}
	}

	if ex.price <= 0 && up <= 0 {
		return domain.CaptureRow{}, false
	}

	row := domain.CaptureRow{
		Timestamp:     now,
		MarketKey:     key,
		MarketSlug:    polymarket.BuildSlug(t.Asset, t.Timeframe, start),
		ExchangePrice: ex.price,
		ExchangeOpen:  open,
		UpPrice:       up,
		DownPrice:     down,
		TimeRemaining: start.Add(t.Timeframe.Duration()).Sub(now).Seconds(),
		SourceCount:   ex.sources,
		Divergence:    ex.div,
		PriceSource:   source,
	}
	if open > 0 && ex.price > 0 {
		row.Momentum = aggregate.Momentum(ex.price, open)
	}
	if up > 0 && down > 0 {
		row.Spread = up + down - 1
	}

	c.mu.Lock()
	ws.rows++
	c.rows++
	c.mu.Unlock()
	return row, true
}

// httpPrices returns an HTTP price fetched since the previous tick, and
// starts a new fetch at most once per HTTPFallbackInterval. The lookup
// runs off the tick.
func (c *Capturer) httpPrices(ctx context.Context, t Target, ws *windowState, now time.Time) (float64, float64, bool) {
	if c.discovery == nil {
		return 0, 0, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if ws.httpPending {
		ws.httpPending = false
		return ws.httpUp, ws.httpDown, true
	}
	if ws.httpFetch || now.Sub(ws.lastHTTP) <= c.cfg.HTTPFallbackInterval {
		return 0, 0, false
	}
	ws.lastHTTP = now
	ws.httpFetch = true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fctx, cancel := context.WithTimeout(ctx, c.cfg.HTTPTimeout)
		defer cancel()
		m, err := c.discovery.GetMarket(fctx, t.Asset, t.Timeframe)

		c.mu.Lock()
		defer c.mu.Unlock()
		ws.httpFetch = false
		if err != nil || m.UpPrice <= 0 || m.DownPrice <= 0 {
			return
		}
		ws.httpUp, ws.httpDown, ws.httpPending = m.UpPrice, m.DownPrice, true
	}()
	return 0, 0, false
}

type spotState struct {
	price    float64
	at       time.Time
	lastPoll time.Time
	polling  bool
}

// spotPrice returns the last spot fallback price if it is younger than two
// fallback intervals, and starts a refresh when one is due.
func (c *Capturer) spotPrice(ctx context.Context, asset string, now time.Time) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.spot == nil {
		return 0, false
	}
	st, ok := c.spots[asset]
	if !ok {
		st = &spotState{}
		c.spots[asset] = st
	}
	if !st.polling && now.Sub(st.lastPoll) > c.cfg.HTTPFallbackInterval {
		st.polling = true
		st.lastPoll = now
		sp := c.spot
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			fctx, cancel := context.WithTimeout(ctx, c.cfg.HTTPTimeout)
			defer cancel()
			price, err := sp.SpotPrice(fctx, asset)

			c.mu.Lock()
			defer c.mu.Unlock()
			st.polling = false
			if err != nil || price <= 0 {
				return
			}
			st.price, st.at = price, now
		}()
	}
	if st.price > 0 && now.Sub(st.at) <= 2*c.cfg.HTTPFallbackInterval {
		return st.price, true
	}
	return 0, false
}

// Watchdog restarts an asset's price feed once it has been unhealthy on
// two consecutive checks.
func (c *Capturer) Watchdog(ctx context.Context) {
	for asset, f := range c.feeds {
		healthy := f.Healthy()

		c.mu.Lock()
		wasUnhealthy := c.unhealthy[asset]
		c.unhealthy[asset] = !healthy
		due := !healthy && wasUnhealthy && !c.restart[asset]
		if due {
			c.restart[asset] = true
		}
		c.mu.Unlock()

		if !due {
			continue
		}
		c.logger.Warn("price feed unhealthy, restarting", slog.String("asset", asset))
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			ok, err := f.Restart(ctx)
			c.mu.Lock()
			c.restart[asset] = false
			c.unhealthy[asset] = false
			c.mu.Unlock()
			if err != nil {
				c.logger.Error("price feed restart failed", slog.String("asset", asset), slog.String("error", err.Error()))
				return
			}
			c.logger.Info("price feed restarted", slog.String("asset", asset), slog.Bool("healthy", ok))
			if c.alerter != nil {
				msg := fmt.Sprintf("%s price feed restarted (healthy=%t)", asset, ok)
				if err := c.alerter.Notify(ctx, EventFeedRestart, "Price feed restart", msg); err != nil {
					c.logger.Warn("restart alert failed", slog.String("error", err.Error()))
				}
			}
		}()
	}
}

// CheckCoverage alerts on markets whose coverage dropped.
func (c *Capturer) CheckCoverage(ctx context.Context) {
	for _, a := range c.coverage.Check() {
		c.logger.Warn("capture coverage dropped", slog.String("market", a.Key),
			slog.Float64("coverage", a.Coverage), slog.Float64("previous", a.Previous))
		if c.alerter == nil {
			continue
		}
		if err := c.alerter.Notify(ctx, EventCoverage, "Capture coverage", a.Message()); err != nil {
			c.logger.Warn("coverage alert failed", slog.String("error", err.Error()))
		}
	}
}

// RowCount returns the number of rows captured.
func (c *Capturer) RowCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rows
}
