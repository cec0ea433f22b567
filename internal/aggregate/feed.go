package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/pulsefeed/internal/domain"
	"github.com/alanyoungcy/pulsefeed/internal/metrics"
	"github.com/alanyoungcy/pulsefeed/internal/venue"
	"golang.org/x/sync/errgroup"
)

// Source is a streaming price connector as seen by the feed.
type Source interface {
	Name() string
	Start(ctx context.Context, onUpdate venue.UpdateFunc) error
	Stop()
	State() domain.ConnectionState
}

var _ Source = (*venue.Connector)(nil)

// SourceFactory builds a fresh set of sources. It is called on every Start
// because stopped connectors cannot be reused.
type SourceFactory func() ([]Source, error)

// VenueSources returns a factory building one connector per venue name.
// Unknown venues fail the factory; venues that do not list the asset are
// skipped.
func VenueSources(names []string, asset string, opts venue.Options, logger *slog.Logger) SourceFactory {
	return func() ([]Source, error) {
		out := make([]Source, 0, len(names))
		for _, name := range names {
			s, err := venue.New(name, asset)
			if errors.Is(err, domain.ErrUnsupportedAsset) {
				logger.Info("venue skipped", slog.String("venue", name), slog.String("asset", asset))
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, venue.NewConnector(s, opts, logger))
		}
		return out, nil
	}
}

// FeedConfig configures a Feed.
type FeedConfig struct {
	FeedID             string
	HealthySources     int
	WarningDivergence  float64
	CriticalDivergence float64
}

// Listener receives every successful aggregation.
type Listener func(domain.AggregatedResult)

// Feed runs a set of venue connectors for one asset and re-aggregates on
// every price update. Inserting a snapshot and re-aggregating happen under
// one lock.
type Feed struct {
	cfg     FeedConfig
	engine  *Engine
	factory SourceFactory
	logger  *slog.Logger

	mu        sync.Mutex
	sources   []Source
	snapshots map[string]domain.Snapshot
	last      domain.AggregatedResult
	report    domain.PriceReport
	hasLast   bool
	listeners []Listener
	running   bool
}

// NewFeed creates a feed. Sources are built on Start.
func NewFeed(cfg FeedConfig, engine *Engine, factory SourceFactory, logger *slog.Logger) *Feed {
	if cfg.HealthySources < 1 {
		cfg.HealthySources = 2
	}
	return &Feed{
		cfg:       cfg,
		engine:    engine,
		factory:   factory,
		logger:    logger.With(slog.String("component", "aggregate"), slog.String("feed", cfg.FeedID)),
		snapshots: make(map[string]domain.Snapshot),
	}
}

// FeedID returns the report id, e.g. "BTC-USD".
func (f *Feed) FeedID() string { return f.cfg.FeedID }

// FeedIDFor builds the conventional feed id for asset.
func FeedIDFor(asset string) string { return strings.ToUpper(asset) + "-USD" }

// OnUpdate registers fn for every successful aggregation.
func (f *Feed) OnUpdate(fn Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

// Start connects every source in parallel and reports whether enough came
// up to be healthy. Sources that miss their connect window keep retrying in
// the background. Only factory misconfiguration returns an error.
func (f *Feed) Start(ctx context.Context) (bool, error) {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return f.Healthy(), nil
	}
	sources, err := f.factory()
	if err != nil {
		f.mu.Unlock()
		return false, fmt.Errorf("aggregate: start: %w", err)
	}
	f.sources = sources
	f.running = true
	f.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sources {
		g.Go(func() error {
			if err := s.Start(gctx, f.onSnapshot); err != nil {
				f.logger.Warn("venue not connected", slog.String("venue", s.Name()), slog.String("error", err.Error()))
			}
			return nil
		})
	}
	_ = g.Wait()

	up := f.connectedCount()
	healthy := up >= f.cfg.HealthySources
	if healthy {
		f.logger.Info("feed active", slog.Int("connected", up), slog.Int("total", len(sources)))
	} else {
		f.logger.Warn("feed degraded", slog.Int("connected", up), slog.Int("total", len(sources)))
	}
	return healthy, nil
}

// Stop stops every source. It is safe to call more than once.
func (f *Feed) Stop() {
	f.mu.Lock()
	sources := f.sources
	f.sources = nil
	f.running = false
	f.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Stop()
		}()
	}
	wg.Wait()
}

// Restart replaces every source with a freshly built set.
func (f *Feed) Restart(ctx context.Context) (bool, error) {
	f.Stop()
	return f.Start(ctx)
}

func (f *Feed) onSnapshot(s domain.Snapshot) {
	f.mu.Lock()
	f.snapshots[s.Venue] = s
	res, ok := f.engine.Aggregate(f.snapshots)
	if ok {
		f.last = res
		f.report = NewReport(f.cfg.FeedID, res)
		f.hasLast = true
	}
	listeners := f.listeners
	f.mu.Unlock()

	if !ok {
		return
	}
	metrics.ObserveAggregate(f.cfg.FeedID, res.SourceCount, res.DivergencePct, res.Confidence)
	for _, fn := range listeners {
		fn(res)
	}
}

// Latest returns the most recent aggregation result.
func (f *Feed) Latest() (domain.AggregatedResult, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last, f.hasLast
}

// Report returns the most recent published report.
func (f *Feed) Report() (domain.PriceReport, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.report, f.hasLast
}

// Price returns the latest aggregated price if it is younger than maxAge.
// A zero maxAge accepts any age.
func (f *Feed) Price(maxAge time.Duration) (float64, bool) {
	res, ok := f.Latest()
	if !ok {
		return 0, false
	}
	if maxAge > 0 && time.Since(res.Timestamp) > maxAge {
		return 0, false
	}
	return res.Price, true
}

// Age is the time since the last aggregation.
func (f *Feed) Age() (time.Duration, bool) {
	res, ok := f.Latest()
	if !ok {
		return 0, false
	}
	return time.Since(res.Timestamp), true
}

// DivergenceWarning reports divergence above the warning threshold.
func (f *Feed) DivergenceWarning() bool {
	res, ok := f.Latest()
	return ok && res.DivergencePct > f.cfg.WarningDivergence
}

// DivergenceCritical reports divergence above the critical threshold.
func (f *Feed) DivergenceCritical() bool {
	res, ok := f.Latest()
	return ok && res.DivergencePct > f.cfg.CriticalDivergence
}

// Healthy reports whether at least HealthySources are connected.
func (f *Feed) Healthy() bool {
	return f.connectedCount() >= f.cfg.HealthySources
}

func (f *Feed) connectedCount() int {
	n := 0
	for _, st := range f.States() {
		if st.Connected() {
			n++
		}
	}
	return n
}

// States returns the connection state of every source, sorted by venue.
func (f *Feed) States() []domain.ConnectionState {
	f.mu.Lock()
	sources := f.sources
	f.mu.Unlock()

	out := make([]domain.ConnectionState, 0, len(sources))
	for _, s := range sources {
		out = append(out, s.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Venue < out[j].Venue })
	return out
}

// Status is a point-in-time summary for the query API.
type Status struct {
	FeedID         string                   `json:"feed_id"`
	Healthy        bool                     `json:"healthy"`
	Connected      int                      `json:"connected"`
	Total          int                      `json:"total"`
	Price          float64                  `json:"price"`
	SourceCount    int                      `json:"source_count"`
	DivergencePct  float64                  `json:"divergence_pct"`
	Confidence     float64                  `json:"confidence"`
	USDTPremiumPct float64                  `json:"usdt_premium_pct"`
	Warning        bool                     `json:"warning"`
	Critical       bool                     `json:"critical"`
	Venues         []domain.ConnectionState `json:"venues"`
}

// Status summarizes the feed.
func (f *Feed) Status() Status {
	states := f.States()
	st := Status{FeedID: f.cfg.FeedID, Total: len(states), Venues: states}
	for _, s := range states {
		if s.Connected() {
			st.Connected++
		}
	}
	st.Healthy = st.Connected >= f.cfg.HealthySources
	if res, ok := f.Latest(); ok {
		st.Price = res.Price
		st.SourceCount = res.SourceCount
		st.DivergencePct = res.DivergencePct
		st.Confidence = res.Confidence
		st.USDTPremiumPct = res.USDTPremiumPct
		st.Warning = res.DivergencePct > f.cfg.WarningDivergence
		st.Critical = res.DivergencePct > f.cfg.CriticalDivergence
	}
	return st
}
