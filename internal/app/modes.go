package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/pulsefeed/internal/aggregate"
	"github.com/alanyoungcy/pulsefeed/internal/cache/redis"
	"github.com/alanyoungcy/pulsefeed/internal/capture"
	"github.com/alanyoungcy/pulsefeed/internal/domain"
	"github.com/alanyoungcy/pulsefeed/internal/oracle"
	"github.com/alanyoungcy/pulsefeed/internal/outcome"
	"github.com/alanyoungcy/pulsefeed/internal/platform/polymarket"
	"github.com/alanyoungcy/pulsefeed/internal/rollover"
	"github.com/alanyoungcy/pulsefeed/internal/server"
	"github.com/alanyoungcy/pulsefeed/internal/server/handler"
	"github.com/alanyoungcy/pulsefeed/internal/server/ws"
	"github.com/alanyoungcy/pulsefeed/internal/venue"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// captureChannel is the hub channel capture rows are pushed on.
func captureChannel(key string) string { return "pulse:capture:" + key }

// FeedMode streams every configured venue for one asset and publishes the
// aggregated reports. No prediction-market connections are made.
func (a *App) FeedMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting feed mode", slog.String("asset", a.cfg.Venues.Asset))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	feeds := a.buildFeeds([]string{a.cfg.Venues.Asset})
	hub := a.newHub(deps, feeds)
	a.publishReports(ctx, g, deps, hub, feeds)
	if err := a.startFeeds(ctx, g, feeds); err != nil {
		return abort(cancel, g, fmt.Errorf("feed mode: %w", err))
	}

	poller := a.startOracle(ctx, g)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, hub, server.Handlers{
			Health: handler.NewHealthHandler(a.cfg.Mode, deps.Checks),
			Price:  handler.NewPriceHandler(priceViews(feeds), deps.PriceCache, a.cfg.Venues.Asset, a.logger),
			Oracle: a.oracleHandler(poller, feeds),
		})
	}

	return g.Wait()
}

// CaptureMode runs one aggregate feed per asset, keeps one outcome feed per
// tracked market across window boundaries and samples every market into
// the configured sinks.
func (a *App) CaptureMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting capture mode",
		slog.Any("assets", a.cfg.Rollover.Assets),
		slog.Any("timeframes", a.cfg.Rollover.Timeframes),
	)

	var targets []capture.Target
	for _, asset := range a.cfg.Rollover.Assets {
		for _, raw := range a.cfg.Rollover.Timeframes {
			tf, err := domain.ParseTimeframe(raw)
			if err != nil {
				return fmt.Errorf("capture mode: %w", err)
			}
			targets = append(targets, capture.Target{Asset: strings.ToLower(asset), Timeframe: tf})
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	feeds := a.buildFeeds(a.cfg.Rollover.Assets)
	hub := a.newHub(deps, feeds)
	a.publishReports(ctx, g, deps, hub, feeds)
	if err := a.startFeeds(ctx, g, feeds); err != nil {
		return abort(cancel, g, fmt.Errorf("capture mode: %w", err))
	}

	poller := a.startOracle(ctx, g)

	// Discovery and rollover.
	disc := polymarket.NewDiscovery(polymarket.Config{
		GammaURL:   a.cfg.Discovery.GammaURL,
		ClobURL:    a.cfg.Discovery.ClobURL,
		CacheTTL:   a.cfg.Discovery.CacheTTL.Duration,
		RatePerSec: a.cfg.Discovery.RatePerSec,
		Timeout:    a.cfg.Discovery.Timeout.Duration,
	}, a.logger)

	outcomeOpts := outcome.DefaultOptions()
	outcomeOpts.URL = a.cfg.Outcome.WSURL
	setDuration(&outcomeOpts.Resubscribe, a.cfg.Outcome.Resubscribe.Duration)
	setDuration(&outcomeOpts.BackoffMax, a.cfg.Outcome.ReconnectMax.Duration)
	setDuration(&outcomeOpts.ConnectTimeout, a.cfg.Outcome.ConnectTimeout.Duration)

	rollCfg := rollover.DefaultConfig()
	setDuration(&rollCfg.Tick, a.cfg.Rollover.Tick.Duration)
	setDuration(&rollCfg.Lead, a.cfg.Rollover.Lead.Duration)
	setDuration(&rollCfg.LazyWindow, a.cfg.Rollover.LazyWindow.Duration)
	setDuration(&rollCfg.PreconnectTimeout, a.cfg.Rollover.PreconnectTimeout.Duration)
	setDuration(&rollCfg.DownGrace, a.cfg.Rollover.DownGrace.Duration)
	setDuration(&rollCfg.StaleAfter, a.cfg.Rollover.StaleAfter.Duration)
	rollCfg.PreconnectWorkers = a.cfg.Rollover.PreconnectWorkers
	rollCfg.BackgroundWorkers = a.cfg.Rollover.BackgroundWorkers

	orch := rollover.New(rollCfg, disc, func() rollover.BookFeed {
		return outcome.NewFeed(outcomeOpts, nil, a.logger)
	}, a.logger)

	for _, t := range targets {
		orch.Track(t.Asset, t.Timeframe)
	}
	orch.Bootstrap(ctx)
	g.Go(func() error {
		defer orch.Close()
		return orch.Run(ctx)
	})

	// Sinks, in write order.
	var sinks []domain.RowSink
	if deps.CaptureStore != nil {
		sinks = append(sinks, deps.CaptureStore)
	}
	if deps.SignalBus != nil && a.cfg.Capture.Stream != "" {
		sinks = append(sinks, capture.NewStreamSink(deps.SignalBus, a.cfg.Capture.Stream))
	}
	var archive *capture.Archive
	if deps.BlobWriter != nil {
		archive = capture.NewArchive(deps.BlobWriter, a.cfg.Capture.ArchivePrefix, a.logger)
		sinks = append(sinks, archive)
	}
	sinks = append(sinks, hubSink{hub: hub})

	capCfg := capture.DefaultConfig()
	setDuration(&capCfg.Tick, a.cfg.Capture.Tick.Duration)
	setDuration(&capCfg.HTTPFallbackInterval, a.cfg.Capture.HTTPFallbackInterval.Duration)
	setDuration(&capCfg.WatchdogInterval, a.cfg.Capture.WatchdogInterval.Duration)
	capCfg.CoverageCron = a.cfg.Capture.CoverageCron
	capCfg.CoverageThreshold = a.cfg.Capture.CoverageThreshold
	capCfg.PriceMaxAge = time.Duration(a.cfg.Aggregate.StalenessMs) * time.Millisecond

	capFeeds := make(map[string]capture.PriceFeed, len(feeds))
	for asset, f := range feeds {
		capFeeds[asset] = f
	}
	capturer := capture.New(capCfg, targets, capFeeds, orch, disc, sinks, deps.Notifier, a.logger)
	if poller != nil {
		capturer.SetSpotFallback(poller)
	}
	g.Go(func() error {
		err := capturer.Run(ctx)
		if archive != nil {
			flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			archive.Close(flushCtx)
			cancel()
		}
		return err
	})

	if err := a.startRetention(ctx, g, deps); err != nil {
		return abort(cancel, g, fmt.Errorf("capture mode: %w", err))
	}

	if a.cfg.Server.Enabled {
		var rows handler.RecentRows
		if deps.CaptureStore != nil {
			rows = deps.CaptureStore
		}
		a.startHTTPServer(ctx, g, deps, hub, server.Handlers{
			Health:  handler.NewHealthHandler(a.cfg.Mode, deps.Checks),
			Price:   handler.NewPriceHandler(priceViews(feeds), deps.PriceCache, a.cfg.Rollover.Assets[0], a.logger),
			Markets: handler.NewMarketHandler(orch, rows, a.cfg.Outcome.StaleAfter.Duration, a.logger),
			Oracle:  a.oracleHandler(poller, feeds),
		})
	}

	return g.Wait()
}

// buildFeeds returns one unstarted aggregate feed per asset, keyed by the
// lower-cased asset.
func (a *App) buildFeeds(assets []string) map[string]*aggregate.Feed {
	engCfg := aggregate.DefaultConfig()
	engCfg.Staleness = time.Duration(a.cfg.Aggregate.StalenessMs) * time.Millisecond
	engCfg.MinSources = a.cfg.Aggregate.MinSources
	engCfg.USDOnly = a.cfg.Aggregate.USDOnly
	engCfg.MaxDeviationPct = a.cfg.Aggregate.MaxDeviationPct
	if len(a.cfg.Aggregate.USDExchanges) > 0 {
		engCfg.USDExchanges = a.cfg.Aggregate.USDExchanges
	}
	if len(a.cfg.Aggregate.USDTExchanges) > 0 {
		engCfg.USDTExchanges = a.cfg.Aggregate.USDTExchanges
	}

	venueOpts := venue.DefaultOptions()
	setDuration(&venueOpts.BackoffMin, a.cfg.Venues.BackoffMin.Duration)
	setDuration(&venueOpts.BackoffMax, a.cfg.Venues.BackoffMax.Duration)
	setDuration(&venueOpts.ConnectTimeout, a.cfg.Venues.ConnectTimeout.Duration)
	setDuration(&venueOpts.PingInterval, a.cfg.Venues.PingInterval.Duration)
	if a.cfg.Venues.BackoffFactor >= 1 {
		venueOpts.BackoffFactor = a.cfg.Venues.BackoffFactor
	}

	feeds := make(map[string]*aggregate.Feed, len(assets))
	for _, asset := range assets {
		asset = strings.ToLower(asset)
		feeds[asset] = aggregate.NewFeed(aggregate.FeedConfig{
			FeedID:             aggregate.FeedIDFor(asset),
			HealthySources:     a.cfg.Aggregate.HealthySources,
			WarningDivergence:  a.cfg.Aggregate.WarningDivergence,
			CriticalDivergence: a.cfg.Aggregate.CriticalDivergence,
		}, aggregate.NewEngine(engCfg),
			aggregate.VenueSources(a.cfg.Venues.Enabled, asset, venueOpts, a.logger),
			a.logger)
	}
	return feeds
}

// startFeeds starts every feed and adds its stop to g. A feed with no venue
// connected yet keeps retrying in the background; only a factory error is
// fatal.
func (a *App) startFeeds(ctx context.Context, g *errgroup.Group, feeds map[string]*aggregate.Feed) error {
	for asset, f := range feeds {
		connected, err := f.Start(ctx)
		if err != nil {
			f.Stop()
			return fmt.Errorf("start %s feed: %w", asset, err)
		}
		if !connected {
			a.logger.WarnContext(ctx, "no venue connected yet", slog.String("feed_id", f.FeedID()))
		}
		g.Go(func() error {
			<-ctx.Done()
			f.Stop()
			return nil
		})
	}
	return nil
}

// abort cancels everything already started in g, waits for it and returns
// err.
func abort(cancel context.CancelFunc, g *errgroup.Group, err error) error {
	cancel()
	_ = g.Wait()
	return err
}

// publishReports caches every new report and pushes it to websocket
// clients, through the bus when one is wired. Publishing runs on its own
// goroutine so venue read loops never wait on Redis; reports are dropped
// when it falls behind.
func (a *App) publishReports(ctx context.Context, g *errgroup.Group, deps *Dependencies, hub *ws.Hub, feeds map[string]*aggregate.Feed) {
	reports := make(chan domain.PriceReport, 256)
	for _, f := range feeds {
		feedID := f.FeedID()
		f.OnUpdate(func(res domain.AggregatedResult) {
			select {
			case reports <- aggregate.NewReport(feedID, res):
			default:
			}
		})
	}

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case report := <-reports:
				a.publishReport(ctx, deps, hub, report)
			}
		}
	})
}

func (a *App) publishReport(ctx context.Context, deps *Dependencies, hub *ws.Hub, report domain.PriceReport) {
	if deps.PriceCache != nil {
		if err := deps.PriceCache.SetReport(ctx, report); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Debug("cache report failed", slog.String("feed_id", report.FeedID), slog.String("error", err.Error()))
		}
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return
	}
	channel := redis.PriceChannel(report.FeedID)
	if deps.SignalBus != nil {
		if err := deps.SignalBus.Publish(ctx, channel, payload); err == nil {
			return
		}
	}
	hub.Publish(channel, payload)
}

// newHub returns the websocket hub. With a bus, price channels are relayed
// from it so every replica's clients see the same stream.
func (a *App) newHub(deps *Dependencies, feeds map[string]*aggregate.Feed) *ws.Hub {
	var channels []string
	if deps.SignalBus != nil {
		for _, f := range feeds {
			channels = append(channels, redis.PriceChannel(f.FeedID()))
		}
	}
	return ws.NewHub(deps.SignalBus, ws.Config{Mode: a.cfg.Mode, BusChannels: channels}, a.logger)
}

// startOracle launches the reference poller when enabled and returns it,
// or nil.
func (a *App) startOracle(ctx context.Context, g *errgroup.Group) *oracle.Poller {
	if !a.cfg.Oracle.Enabled {
		return nil
	}
	p := oracle.NewPoller(a.cfg.Oracle.URL, a.cfg.Oracle.Pair, a.cfg.Oracle.PollInterval.Duration, a.logger)
	g.Go(func() error {
		return p.Run(ctx)
	})
	return p
}

func (a *App) oracleHandler(p *oracle.Poller, feeds map[string]*aggregate.Feed) *handler.OracleHandler {
	if p == nil {
		return nil
	}
	asset := a.cfg.Venues.Asset
	if a.cfg.Mode == "capture" && len(a.cfg.Rollover.Assets) > 0 {
		asset = a.cfg.Rollover.Assets[0]
	}
	return handler.NewOracleHandler(p, priceViews(feeds), strings.ToLower(asset))
}

// startRetention schedules the retention job when rows are stored and a
// retention period is set.
func (a *App) startRetention(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	if deps.CaptureStore == nil || a.cfg.Capture.RetentionDays <= 0 || a.cfg.Capture.RetentionCron == "" {
		return nil
	}
	keep := time.Duration(a.cfg.Capture.RetentionDays) * 24 * time.Hour
	ret := capture.NewRetention(deps.CaptureStore, deps.BlobWriter, a.cfg.Capture.ArchivePrefix, keep, a.logger)

	sched := cron.New()
	run := func(ctx context.Context) error {
		n, err := ret.Run(ctx)
		if err != nil {
			return err
		}
		a.logger.InfoContext(ctx, "retention run complete", slog.Int64("deleted", n))
		return nil
	}
	if _, err := sched.AddFunc(a.cfg.Capture.RetentionCron, func() {
		var err error
		if deps.JobLock != nil {
			var ran bool
			ran, err = deps.JobLock.Exclusive(ctx, "retention", run)
			if err == nil && !ran {
				a.logger.DebugContext(ctx, "retention skipped, another replica holds the lock")
			}
		} else {
			err = run(ctx)
		}
		if err != nil {
			a.logger.WarnContext(ctx, "retention run failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("retention cron %q: %w", a.cfg.Capture.RetentionCron, err)
	}
	sched.Start()
	g.Go(func() error {
		<-ctx.Done()
		<-sched.Stop().Done()
		return nil
	})
	return nil
}

// startHTTPServer adds the hub and the API server to g. The server is shut
// down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, hub *ws.Hub, h server.Handlers) {
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RatePerSec:  a.cfg.Server.RatePerSec,
		RateBurst:   a.cfg.Server.RateBurst,
	}, h, hub, a.logger)

	g.Go(func() error {
		return hub.Run(ctx)
	})
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// hubSink pushes capture rows to websocket clients.
type hubSink struct {
	hub *ws.Hub
}

func (s hubSink) WriteRows(_ context.Context, rows []domain.CaptureRow) error {
	for _, r := range rows {
		payload, err := json.Marshal(r)
		if err != nil {
			return err
		}
		s.hub.Publish(captureChannel(r.MarketKey), payload)
	}
	return nil
}

func priceViews(feeds map[string]*aggregate.Feed) map[string]handler.PriceFeed {
	out := make(map[string]handler.PriceFeed, len(feeds))
	for asset, f := range feeds {
		out[asset] = f
	}
	return out
}

// setDuration overwrites dst when v is set.
func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}
