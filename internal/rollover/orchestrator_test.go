package rollover

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alanyoungcy/pulsefeed/internal/domain"
	"github.com/alanyoungcy/pulsefeed/internal/outcome"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFeed struct {
	failStart bool

	mu      sync.Mutex
	tokens  domain.TokenPair
	stopped bool
	stale   bool
	done    chan struct{}
	once    sync.Once
}

func newFakeFeed(fail bool) *fakeFeed {
	return &fakeFeed{failStart: fail, done: make(chan struct{})}
}

func (f *fakeFeed) Start(_ context.Context, tokens domain.TokenPair) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = tokens
	if f.failStart {
		return domain.ErrConnectTimeout
	}
	return nil
}

func (f *fakeFeed) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	f.die()
}

func (f *fakeFeed) die() { f.once.Do(func() { close(f.done) }) }

func (f *fakeFeed) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func (f *fakeFeed) Tokens() domain.TokenPair {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens
}

func (f *fakeFeed) Done() <-chan struct{}            { return f.done }
func (f *fakeFeed) Connected() bool                  { return !f.isStopped() }
func (f *fakeFeed) Prices() (float64, float64, bool) { return 0.5, 0.5, true }
func (f *fakeFeed) IsStale(time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stale
}

func (f *fakeFeed) Book(string) (domain.OutcomeBookState, bool) {
	return domain.OutcomeBookState{}, false
}
func (f *fakeFeed) ExpectedFill(string, domain.Side, float64) (domain.FillEstimate, bool) {
	return domain.FillEstimate{}, false
}

type fakeDiscovery struct {
	mu      sync.Mutex
	current domain.Market
	next    domain.Market
	err     error
	calls   int
}

func (d *fakeDiscovery) GetMarket(context.Context, string, domain.Timeframe) (domain.Market, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return domain.Market{}, d.err
	}
	return d.current, nil
}

func (d *fakeDiscovery) GetNextMarket(_ context.Context, _ string, _ domain.Timeframe, start time.Time) (domain.Market, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil || !d.next.WindowStart.Equal(start) {
		return domain.Market{}, domain.ErrNotFound
	}
	return d.next, nil
}

func (d *fakeDiscovery) set(fn func(d *fakeDiscovery)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d)
}

func (d *fakeDiscovery) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// base is aligned to a 15m window.
var base = time.Unix(900*2000000, 0).UTC()

func market(window time.Time, up, down string) domain.Market {
	return domain.Market{
		Slug:        "btc-updown-15m",
		Asset:       "btc",
		Timeframe:   domain.Timeframe15m,
		WindowStart: window,
		Tokens:      domain.TokenPair{Up: up, Down: down},
	}
}

type harness struct {
	o     *Orchestrator
	disc  *fakeDiscovery
	key   string
	clock time.Time

	mu      sync.Mutex
	feeds   []*fakeFeed
	failing bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		disc:  &fakeDiscovery{current: market(base, "a-up", "a-down")},
		clock: base.Add(100 * time.Second),
	}
	factory := func() BookFeed {
		h.mu.Lock()
		defer h.mu.Unlock()
		f := newFakeFeed(h.failing)
		h.feeds = append(h.feeds, f)
		return f
	}
	h.o = New(DefaultConfig(), h.disc, factory, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.o.now = func() time.Time {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.clock
	}
	h.key = h.o.Track("btc", domain.Timeframe15m)
	t.Cleanup(h.o.Close)
	return h
}

func (h *harness) at(offset time.Duration) {
	h.mu.Lock()
	h.clock = base.Add(offset)
	h.mu.Unlock()
}

func (h *harness) feed(i int) *fakeFeed {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.feeds[i]
}

func (h *harness) created() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.feeds)
}

func (h *harness) activeTokens() domain.TokenPair {
	f, _, ok := h.o.Active(h.key)
	if !ok {
		return domain.TokenPair{}
	}
	return f.Tokens()
}

func TestBootstrapConnectsCurrentWindow(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, "btc_15m", h.key)
	assert.Equal(t, []string{"btc_15m"}, h.o.Keys())

	h.o.Bootstrap(context.Background())

	f, m, ok := h.o.Active(h.key)
	require.True(t, ok)
	assert.Equal(t, domain.TokenPair{Up: "a-up", Down: "a-down"}, f.Tokens())
	assert.Equal(t, base, m.WindowStart)

	st := h.o.Status()
	require.Len(t, st, 1)
	assert.True(t, st[0].Active)
	assert.True(t, st[0].Connected)
	assert.False(t, st[0].Pending)
}

func TestPendingFeedSwapsAtBoundary(t *testing.T) {
	h := newHarness(t)
	h.o.Bootstrap(context.Background())
	next := base.Add(15 * time.Minute)
	h.disc.set(func(d *fakeDiscovery) { d.next = market(next, "b-up", "b-down") })

	// outside the lead nothing is pre-connected
	h.o.Preconnect(context.Background())
	assert.Equal(t, 1, h.created())

	h.at(880 * time.Second)
	h.o.Preconnect(context.Background())
	require.Equal(t, 2, h.created())
	st := h.o.Status()
	assert.True(t, st[0].Pending)
	assert.Equal(t, next, st[0].PendingWindow)

	// a second round does not open another feed for the same window
	h.o.Preconnect(context.Background())
	assert.Equal(t, 2, h.created())

	// still inside the old window: no swap
	h.o.Refresh(context.Background())
	assert.Equal(t, "a-up", h.activeTokens().Up)

	h.at(901 * time.Second)
	h.o.Refresh(context.Background())
	assert.Equal(t, "b-up", h.activeTokens().Up)
	assert.True(t, h.feed(0).isStopped())
	assert.False(t, h.feed(1).isStopped())
	assert.False(t, h.o.Status()[0].Pending)

	// the swap confirmed the new window, so no lazy lookup follows
	calls := h.disc.callCount()
	h.o.Refresh(context.Background())
	assert.Equal(t, calls, h.disc.callCount())
}

func TestActiveServesNewWindowAfterBoundary(t *testing.T) {
	h := newHarness(t)
	h.o.Bootstrap(context.Background())
	next := base.Add(15 * time.Minute)
	h.disc.set(func(d *fakeDiscovery) { d.next = market(next, "b-up", "b-down") })

	h.at(880 * time.Second)
	h.o.Preconnect(context.Background())
	require.Equal(t, 2, h.created())

	// before the boundary the old window is still served
	_, m, ok := h.o.Active(h.key)
	require.True(t, ok)
	assert.Equal(t, base, m.WindowStart)

	// no Refresh runs between the boundary and the query
	h.at(903 * time.Second)
	f, m, ok := h.o.Active(h.key)
	require.True(t, ok)
	assert.Equal(t, domain.TokenPair{Up: "b-up", Down: "b-down"}, f.Tokens())
	assert.Equal(t, next, m.WindowStart)
	assert.True(t, h.feed(0).isStopped())
	assert.False(t, h.feed(1).isStopped())
	assert.False(t, h.o.Status()[0].Pending)

	// the next refresh has nothing left to swap
	h.o.Refresh(context.Background())
	assert.Equal(t, "b-up", h.activeTokens().Up)
	assert.Equal(t, 2, h.created())
}

func TestLazyReconnectEarlyInWindow(t *testing.T) {
	h := newHarness(t)
	h.o.Bootstrap(context.Background())

	h.at(903 * time.Second)
	h.disc.set(func(d *fakeDiscovery) { d.current = market(base.Add(15*time.Minute), "b-up", "b-down") })
	h.o.Refresh(context.Background())

	require.Eventually(t, func() bool { return h.activeTokens().Up == "b-up" }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.feed(0).isStopped() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.created())
}

func TestLookupFailureKeepsOldFeed(t *testing.T) {
	h := newHarness(t)
	h.o.Bootstrap(context.Background())
	before := h.disc.callCount()

	h.disc.set(func(d *fakeDiscovery) { d.err = errors.New("gamma down") })
	h.at(903 * time.Second)
	h.o.Refresh(context.Background())

	require.Eventually(t, func() bool { return h.disc.callCount() > before }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "a-up", h.activeTokens().Up)
	assert.False(t, h.feed(0).isStopped())
	assert.Equal(t, 1, h.created())
}

func TestFailedPreconnectIsStopped(t *testing.T) {
	h := newHarness(t)
	h.o.Bootstrap(context.Background())
	next := base.Add(15 * time.Minute)
	h.disc.set(func(d *fakeDiscovery) { d.next = market(next, "b-up", "b-down") })

	h.mu.Lock()
	h.failing = true
	h.mu.Unlock()

	h.at(880 * time.Second)
	h.o.Preconnect(context.Background())
	require.Equal(t, 2, h.created())
	assert.True(t, h.feed(1).isStopped())
	assert.False(t, h.o.Status()[0].Pending)
	assert.Equal(t, "a-up", h.activeTokens().Up)
}

func TestWatchdogReplacesDeadFeed(t *testing.T) {
	h := newHarness(t)
	h.o.Bootstrap(context.Background())
	dead := h.feed(0)
	dead.die()

	h.at(300 * time.Second)
	h.o.Refresh(context.Background())

	require.Eventually(t, func() bool {
		f, _, ok := h.o.Active(h.key)
		return ok && f != BookFeed(dead)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "a-up", h.activeTokens().Up)
}

func TestSilentFeedIsReplaced(t *testing.T) {
	h := newHarness(t)
	h.o.Bootstrap(context.Background())
	silent := h.feed(0)
	silent.mu.Lock()
	silent.stale = true
	silent.mu.Unlock()

	// a fresh feed gets StaleAfter before it is judged
	h.at(130 * time.Second)
	h.o.Refresh(context.Background())
	assert.Equal(t, 1, h.created())

	h.at(100*time.Second + time.Minute)
	h.o.Refresh(context.Background())
	require.Eventually(t, func() bool {
		f, _, ok := h.o.Active(h.key)
		return ok && f != BookFeed(silent)
	}, time.Second, 5*time.Millisecond)
	assert.True(t, silent.isStopped())
	assert.Equal(t, "a-up", h.activeTokens().Up)
}

// bookServer is a market websocket endpoint that can drop its sessions and
// refuse new ones.
type bookServer struct {
	*httptest.Server
	refuse atomic.Bool

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newBookServer(t *testing.T) *bookServer {
	t.Helper()
	b := &bookServer{}
	upgrader := websocket.Upgrader{}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.refuse.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns = append(b.conns, conn)
		b.mu.Unlock()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(b.Close)
	t.Cleanup(b.dropAll)
	return b
}

func (b *bookServer) wsURL() string { return "ws" + strings.TrimPrefix(b.URL, "http") }

func (b *bookServer) dropAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		c.Close()
	}
	b.conns = nil
}

func TestDisconnectedFeedIsReplaced(t *testing.T) {
	srv := newBookServer(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	opts := outcome.DefaultOptions()
	opts.URL = srv.wsURL()
	opts.ConnectTimeout = time.Second
	opts.StopTimeout = time.Second
	// keep the feed's own retries out of the way
	opts.BackoffMin = time.Minute
	opts.BackoffMax = time.Minute

	cfg := DefaultConfig()
	cfg.DownGrace = 10 * time.Second
	disc := &fakeDiscovery{current: market(base, "a-up", "a-down")}
	o := New(cfg, disc, func() BookFeed { return outcome.NewFeed(opts, nil, logger) }, logger)

	var clockMu sync.Mutex
	clock := base.Add(100 * time.Second)
	o.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return clock
	}
	advance := func(d time.Duration) {
		clockMu.Lock()
		clock = clock.Add(d)
		clockMu.Unlock()
	}
	key := o.Track("btc", domain.Timeframe15m)
	t.Cleanup(o.Close)

	o.Bootstrap(context.Background())
	first, _, ok := o.Active(key)
	require.True(t, ok)
	require.True(t, first.Connected())

	srv.refuse.Store(true)
	srv.dropAll()
	require.Eventually(t, func() bool { return !first.Connected() }, 2*time.Second, 10*time.Millisecond)

	// inside the grace period the feed is left to its own retries
	o.Refresh(context.Background())
	advance(5 * time.Second)
	o.Refresh(context.Background())
	got, _, ok := o.Active(key)
	require.True(t, ok)
	assert.Same(t, first, got)

	srv.refuse.Store(false)
	advance(10 * time.Second)
	o.Refresh(context.Background())
	require.Eventually(t, func() bool {
		f, _, ok := o.Active(key)
		return ok && f != first && f.Connected()
	}, 3*time.Second, 10*time.Millisecond)

	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("replaced feed was not stopped")
	}
	st := o.Status()
	require.Len(t, st, 1)
	assert.True(t, st[0].Connected)
	assert.Equal(t, domain.TokenPair{Up: "a-up", Down: "a-down"}, st[0].Market.Tokens)
}

func TestCloseDuringRun(t *testing.T) {
	h := newHarness(t)
	h.o.cfg.Tick = time.Millisecond
	h.o.Bootstrap(context.Background())

	ran := make(chan error, 1)
	go func() { ran <- h.o.Run(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	h.o.Close()

	select {
	case err := <-ran:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.True(t, h.feed(0).isStopped())
}

func TestCloseStopsEveryFeed(t *testing.T) {
	h := newHarness(t)
	h.o.Bootstrap(context.Background())
	h.disc.set(func(d *fakeDiscovery) { d.next = market(base.Add(15*time.Minute), "b-up", "b-down") })
	h.at(880 * time.Second)
	h.o.Preconnect(context.Background())
	require.Equal(t, 2, h.created())

	h.o.Close()
	assert.True(t, h.feed(0).isStopped())
	assert.True(t, h.feed(1).isStopped())
	_, _, ok := h.o.Active(h.key)
	assert.False(t, ok)

	// closed orchestrators ignore further ticks
	h.o.Refresh(context.Background())
	h.o.Preconnect(context.Background())
	assert.Equal(t, 2, h.created())
}
