// Package rollover keeps exactly one live outcome feed per market key and
// hands each key over to the next window's feed at the boundary.
package rollover

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/pulsefeed/internal/domain"
	"github.com/alanyoungcy/pulsefeed/internal/metrics"
	"github.com/alanyoungcy/pulsefeed/internal/outcome"
	"golang.org/x/sync/errgroup"
)

// BookFeed is the outcome feed surface the orchestrator manages and hands
// to readers.
type BookFeed interface {
	Start(ctx context.Context, tokens domain.TokenPair) error
	Stop()
	Tokens() domain.TokenPair
	Done() <-chan struct{}
	Connected() bool
	Prices() (up, down float64, ok bool)
	Book(tokenID string) (domain.OutcomeBookState, bool)
	ExpectedFill(tokenID string, side domain.Side, size float64) (domain.FillEstimate, bool)
	IsStale(maxAge time.Duration) bool
}

var _ BookFeed = (*outcome.Feed)(nil)

// Hand-off paths, used in logs and metric labels.
const (
	pathBootstrap = "bootstrap"
	pathPending   = "pending"
	pathLazy      = "lazy"
	pathReconnect = "reconnect"
	pathDown      = "down"
	pathStale     = "stale"
)

// FeedFactory returns a new, unstarted feed.
type FeedFactory func() BookFeed

// Config holds the hand-off schedule.
type Config struct {
	Tick              time.Duration
	Lead              time.Duration
	LazyWindow        time.Duration
	PreconnectWorkers int
	PreconnectTimeout time.Duration
	BackgroundWorkers int
	// ConnectTimeout bounds bootstrap and lazy reconnects.
	ConnectTimeout time.Duration
	// DownGrace is how long an active feed may stay disconnected before it
	// is replaced. StaleAfter replaces a connected feed whose books have not
	// moved for that long.
	DownGrace  time.Duration
	StaleAfter time.Duration
}

// DefaultConfig returns the production schedule.
func DefaultConfig() Config {
	return Config{
		Tick:              5 * time.Second,
		Lead:              30 * time.Second,
		LazyWindow:        15 * time.Second,
		PreconnectWorkers: 8,
		PreconnectTimeout: 2 * time.Second,
		BackgroundWorkers: 2,
		ConnectTimeout:    5 * time.Second,
		DownGrace:         15 * time.Second,
		StaleAfter:        time.Minute,
	}
}

// slot is the per-key state. All fields are guarded by Orchestrator.mu.
type slot struct {
	key   string
	asset string
	tf    domain.Timeframe

	active       BookFeed
	market       domain.Market
	gen          uint64
	confirmedFor time.Time // window whose tokens were confirmed by lookup
	activeSince  time.Time
	downSince    time.Time

	pending       BookFeed
	pendingMarket domain.Market
	preconnecting bool
	busy          bool
}

// Orchestrator owns every outcome feed it creates. A key never has more
// than one active feed; a replaced feed is stopped only after the swap.
type Orchestrator struct {
	cfg       Config
	discovery domain.Discovery
	newFeed   FeedFactory
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	slots  map[string]*slot
	closed bool

	bg   errgroup.Group
	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

// New creates an orchestrator with no tracked keys.
func New(cfg Config, discovery domain.Discovery, newFeed FeedFactory, logger *slog.Logger) *Orchestrator {
	def := DefaultConfig()
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.PreconnectWorkers < 1 {
		cfg.PreconnectWorkers = def.PreconnectWorkers
	}
	if cfg.BackgroundWorkers < 1 {
		cfg.BackgroundWorkers = def.BackgroundWorkers
	}
	if cfg.PreconnectTimeout <= 0 {
		cfg.PreconnectTimeout = def.PreconnectTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.DownGrace <= 0 {
		cfg.DownGrace = def.DownGrace
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	o := &Orchestrator{
		cfg:       cfg,
		discovery: discovery,
		newFeed:   newFeed,
		logger:    logger.With(slog.String("component", "rollover")),
		now:       time.Now,
		slots:     make(map[string]*slot),
		stop:      make(chan struct{}),
	}
	o.bg.SetLimit(cfg.BackgroundWorkers)
	return o
}

// Track registers asset/tf and returns its market key. Tracking a key twice
// is a no-op.
func (o *Orchestrator) Track(asset string, tf domain.Timeframe) string {
	key := domain.MarketKey(asset, tf)
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.slots[key]; !ok {
		o.slots[key] = &slot{key: key, asset: asset, tf: tf}
	}
	return key
}

// Keys returns the tracked keys in sorted order.
func (o *Orchestrator) Keys() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	keys := make([]string, 0, len(o.slots))
	for k := range o.slots {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Active returns the feed currently serving key and the market it serves.
// A pre-connected feed whose window has started is swapped in first, so a
// caller never sees the previous window once the boundary has passed.
func (o *Orchestrator) Active(key string) (BookFeed, domain.Market, bool) {
	o.mu.Lock()
	s, ok := o.slots[key]
	if !ok {
		o.mu.Unlock()
		return nil, domain.Market{}, false
	}
	var retired []BookFeed
	if !o.closed {
		retired, _ = o.promoteLocked(s, o.now())
	}
	feed, m := s.active, s.market
	o.mu.Unlock()

	for _, f := range retired {
		f.Stop()
	}
	if feed == nil {
		return nil, domain.Market{}, false
	}
	return feed, m, true
}

// Bootstrap looks up and connects the current window of every tracked key
// in parallel. Keys that fail are retried by later refreshes.
func (o *Orchestrator) Bootstrap(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(o.cfg.PreconnectWorkers)
	for _, key := range o.Keys() {
		g.Go(func() error {
			o.reconnect(ctx, key, pathBootstrap, 0)
			return nil
		})
	}
	_ = g.Wait()
}

// Run drives Preconnect and Refresh on the tick until ctx ends. Pre-connect
// rounds run off the tick so a slow lookup never delays a refresh.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.stop:
			return nil
		case <-ticker.C:
			// Add must not race with the Wait in Close.
			o.mu.Lock()
			if o.closed {
				o.mu.Unlock()
				return nil
			}
			o.wg.Add(1)
			o.mu.Unlock()
			go func() {
				defer o.wg.Done()
				o.Preconnect(ctx)
			}()
			o.Refresh(ctx)
		}
	}
}

// Preconnect opens feeds for the next window of every key whose current
// window ends within Lead. Attempts run in parallel, bounded by
// PreconnectWorkers and PreconnectTimeout each. It returns once every
// attempt has finished.
func (o *Orchestrator) Preconnect(ctx context.Context) {
	now := o.now()
	type job struct {
		key   string
		asset string
		tf    domain.Timeframe
		next  time.Time
	}

	var jobs []job
	var discard []BookFeed
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	for _, s := range o.slots {
		if s.preconnecting || o.cfg.Lead <= 0 || s.tf.Remaining(now) >= o.cfg.Lead {
			continue
		}
		next := s.tf.WindowStart(now).Add(s.tf.Duration())
		if s.pending != nil {
			if s.pendingMarket.WindowStart.Equal(next) {
				continue
			}
			// left over from a window that was never promoted
			discard = append(discard, s.pending)
			s.pending = nil
		}
		s.preconnecting = true
		jobs = append(jobs, job{key: s.key, asset: s.asset, tf: s.tf, next: next})
	}
	o.mu.Unlock()

	for _, f := range discard {
		f.Stop()
	}

	var g errgroup.Group
	g.SetLimit(o.cfg.PreconnectWorkers)
	for _, j := range jobs {
		g.Go(func() error {
			o.preconnectOne(ctx, j.key, j.asset, j.tf, j.next)
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) preconnectOne(ctx context.Context, key, asset string, tf domain.Timeframe, next time.Time) {
	defer func() {
		o.mu.Lock()
		if s, ok := o.slots[key]; ok {
			s.preconnecting = false
		}
		o.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.PreconnectTimeout)
	defer cancel()

	m, err := o.discovery.GetNextMarket(ctx, asset, tf, next)
	if err != nil || !m.Tokens.Valid() {
		metrics.RolloverFailure(key, "preconnect_lookup")
		o.logger.Debug("next market not available", slog.String("market", key), slog.Any("error", err))
		return
	}
	if m.WindowStart.IsZero() {
		m.WindowStart = next
	}

	feed := o.newFeed()
	if err := feed.Start(ctx, m.Tokens); err != nil {
		feed.Stop()
		metrics.RolloverFailure(key, "preconnect_connect")
		o.logger.Warn("pre-connect failed", slog.String("market", key), slog.String("error", err.Error()))
		return
	}

	o.mu.Lock()
	s, ok := o.slots[key]
	if o.closed || !ok || s.pending != nil {
		o.mu.Unlock()
		feed.Stop()
		return
	}
	s.pending = feed
	s.pendingMarket = m
	o.mu.Unlock()
	o.logger.Info("pre-connected next window", slog.String("market", key), slog.String("slug", m.Slug))
}

// Refresh performs hand-offs that are due. A ready pending feed for the
// current window is swapped in immediately. Otherwise, early in a window,
// when a key has no live feed or when the active feed has been down or
// silent too long, a lookup and reconnect is queued on the background pool.
// Refresh itself never blocks on I/O.
func (o *Orchestrator) Refresh(ctx context.Context) {
	now := o.now()
	var retired []BookFeed

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	for _, s := range o.slots {
		windowStart := s.tf.WindowStart(now)

		if s.active != nil && isDone(s.active) {
			o.logger.Warn("active feed exited, dropping", slog.String("market", s.key))
			metrics.RolloverFailure(s.key, "watchdog")
			retired = append(retired, s.active)
			s.active = nil
			s.market = domain.Market{}
			s.gen++
		}

		out, promoted := o.promoteLocked(s, now)
		retired = append(retired, out...)
		if promoted || s.busy {
			continue
		}

		if reason := o.unhealthyLocked(s, now); reason != "" {
			o.logger.Warn("active feed unhealthy, replacing", slog.String("market", s.key), slog.String("reason", reason))
			metrics.RolloverFailure(s.key, "watchdog_"+reason)
			o.queueLocked(ctx, s, reason)
			continue
		}

		confirmed := s.confirmedFor.Equal(windowStart)
		inLazyWindow := now.Sub(windowStart) < o.cfg.LazyWindow
		behind := !s.market.WindowStart.IsZero() && s.market.WindowStart.Before(windowStart)
		if s.active != nil && (confirmed || !(inLazyWindow || behind)) {
			continue
		}
		path := pathLazy
		if s.active == nil {
			path = pathReconnect
		}
		o.queueLocked(ctx, s, path)
	}
	o.mu.Unlock()

	for _, f := range retired {
		f.Stop()
	}
}

// promoteLocked swaps in a pending feed whose window has started and returns
// the feeds the caller must stop once o.mu is released.
func (o *Orchestrator) promoteLocked(s *slot, now time.Time) ([]BookFeed, bool) {
	if s.pending == nil || s.pendingMarket.WindowStart.After(now) {
		return nil, false
	}
	if s.active != nil && s.pending.Tokens() == s.market.Tokens {
		// the lazy path already connected these tokens
		retired := []BookFeed{s.pending}
		s.pending, s.pendingMarket = nil, domain.Market{}
		return retired, false
	}
	feed, m := s.pending, s.pendingMarket
	s.pending, s.pendingMarket = nil, domain.Market{}
	var retired []BookFeed
	if old := o.installLocked(s, feed, m); old != nil {
		retired = append(retired, old)
	}
	metrics.RolloverSwap(s.key, pathPending)
	o.logger.Info("rolled over", slog.String("market", s.key), slog.String("slug", m.Slug), slog.String("path", pathPending))
	return retired, true
}

// installLocked makes feed the active feed of s and returns the one it
// replaced.
func (o *Orchestrator) installLocked(s *slot, feed BookFeed, m domain.Market) BookFeed {
	old := s.active
	s.active, s.market = feed, m
	s.confirmedFor = m.WindowStart
	s.activeSince = o.now()
	s.downSince = time.Time{}
	s.gen++
	return old
}

// unhealthyLocked returns why the active feed of s should be replaced, or
// "" while it is healthy. The feed's own reconnect loop gets DownGrace to
// recover before it is replaced.
func (o *Orchestrator) unhealthyLocked(s *slot, now time.Time) string {
	if s.active == nil {
		return ""
	}
	if s.active.Connected() {
		s.downSince = time.Time{}
	} else if s.downSince.IsZero() {
		s.downSince = now
	} else if now.Sub(s.downSince) >= o.cfg.DownGrace {
		return pathDown
	}
	if now.Sub(s.activeSince) >= o.cfg.StaleAfter && s.active.IsStale(o.cfg.StaleAfter) {
		return pathStale
	}
	return ""
}

// queueLocked hands a reconnect of s to the background pool. A full pool
// leaves s for the next tick.
func (o *Orchestrator) queueLocked(ctx context.Context, s *slot, path string) {
	key, gen := s.key, s.gen
	s.busy = true
	if !o.bg.TryGo(func() error {
		o.reconnect(ctx, key, path, gen)
		return nil
	}) {
		s.busy = false
	}
}

// reconnect looks up the current window of key and, when its tokens differ
// from the active feed's or the active feed is unhealthy, connects a
// replacement and swaps it in. gen is
// the slot generation observed when the job was queued; a swap that raced
// with another hand-off is abandoned.
func (o *Orchestrator) reconnect(ctx context.Context, key, path string, gen uint64) {
	o.mu.Lock()
	s, ok := o.slots[key]
	if !ok || o.closed {
		o.mu.Unlock()
		return
	}
	asset, tf := s.asset, s.tf
	if path == pathBootstrap {
		gen = s.gen
	}
	o.mu.Unlock()

	if path != pathBootstrap {
		defer func() {
			o.mu.Lock()
			s.busy = false
			o.mu.Unlock()
		}()
	}

	lookupCtx, cancel := context.WithTimeout(ctx, o.cfg.ConnectTimeout)
	m, err := o.discovery.GetMarket(lookupCtx, asset, tf)
	cancel()
	if err != nil || !m.Tokens.Valid() {
		metrics.RolloverFailure(key, path+"_lookup")
		o.logger.Warn("market lookup failed", slog.String("market", key), slog.String("path", path), slog.Any("error", err))
		return
	}
	if m.WindowStart.IsZero() {
		m.WindowStart = tf.WindowStart(o.now())
	}

	// an unhealthy feed is replaced even when its tokens are still current
	replace := path == pathDown || path == pathStale
	o.mu.Lock()
	if !replace && s.active != nil && s.market.Tokens == m.Tokens {
		s.confirmedFor = m.WindowStart
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	feed := o.newFeed()
	connectCtx, cancel := context.WithTimeout(ctx, o.cfg.ConnectTimeout)
	err = feed.Start(connectCtx, m.Tokens)
	cancel()
	if err != nil {
		feed.Stop()
		metrics.RolloverFailure(key, path+"_connect")
		o.logger.Warn("connect failed", slog.String("market", key), slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	o.mu.Lock()
	if o.closed || s.gen != gen {
		o.mu.Unlock()
		feed.Stop()
		return
	}
	old := o.installLocked(s, feed, m)
	o.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	metrics.RolloverSwap(key, path)
	o.logger.Info("connected market", slog.String("market", key), slog.String("slug", m.Slug), slog.String("path", path))
}

// Close stops the loop, waits for in-flight work and stops every feed.
func (o *Orchestrator) Close() {
	o.once.Do(func() { close(o.stop) })

	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.wg.Wait()
	_ = o.bg.Wait()

	o.mu.Lock()
	var feeds []BookFeed
	for _, s := range o.slots {
		if s.active != nil {
			feeds = append(feeds, s.active)
		}
		if s.pending != nil {
			feeds = append(feeds, s.pending)
		}
		s.active, s.pending = nil, nil
	}
	o.mu.Unlock()

	for _, f := range feeds {
		f.Stop()
	}
}

// MarketStatus summarizes one key for the query API.
type MarketStatus struct {
	Key           string        `json:"key"`
	Market        domain.Market `json:"market"`
	Active        bool          `json:"active"`
	Connected     bool          `json:"connected"`
	Pending       bool          `json:"pending"`
	PendingWindow time.Time     `json:"pending_window,omitempty"`
}

// Status returns the state of every key, sorted.
func (o *Orchestrator) Status() []MarketStatus {
	o.mu.Lock()
	out := make([]MarketStatus, 0, len(o.slots))
	feeds := make([]BookFeed, 0, len(o.slots))
	for _, s := range o.slots {
		st := MarketStatus{Key: s.key, Market: s.market, Active: s.active != nil, Pending: s.pending != nil}
		if s.pending != nil {
			st.PendingWindow = s.pendingMarket.WindowStart
		}
		out = append(out, st)
		feeds = append(feeds, s.active)
	}
	o.mu.Unlock()

	for i, f := range feeds {
		if f != nil {
			out[i].Connected = f.Connected()
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func isDone(f BookFeed) bool {
	select {
	case <-f.Done():
		return true
	default:
		return false
	}
}
