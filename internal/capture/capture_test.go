package capture

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/pulsefeed/internal/domain"
	"github.com/alanyoungcy/pulsefeed/internal/rollover"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakePriceFeed struct {
	mu       sync.Mutex
	res      domain.AggregatedResult
	ok       bool
	healthy  bool
	restarts int
}

func (f *fakePriceFeed) set(price float64, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.res = domain.AggregatedResult{Price: price, SourceCount: 3, DivergencePct: 0.02, Timestamp: at}
	f.ok = true
}

func (f *fakePriceFeed) Latest() (domain.AggregatedResult, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.res, f.ok
}

func (f *fakePriceFeed) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakePriceFeed) Restart(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	f.healthy = true
	return true, nil
}

type fakeBook struct {
	up, down  float64
	connected bool
}

func (b *fakeBook) Start(context.Context, domain.TokenPair) error { return nil }
func (b *fakeBook) Stop()                                        {}
func (b *fakeBook) Tokens() domain.TokenPair                     { return domain.TokenPair{Up: "u", Down: "d"} }
func (b *fakeBook) Done() <-chan struct{}                        { return nil }
func (b *fakeBook) Connected() bool                              { return b.connected }
func (b *fakeBook) IsStale(time.Duration) bool                   { return false }
func (b *fakeBook) Prices() (float64, float64, bool) {
	return b.up, b.down, b.up > 0 && b.down > 0
}
func (b *fakeBook) Book(string) (domain.OutcomeBookState, bool) {
	return domain.OutcomeBookState{}, false
}
func (b *fakeBook) ExpectedFill(string, domain.Side, float64) (domain.FillEstimate, bool) {
	return domain.FillEstimate{}, false
}

type fakeMarkets struct {
	feeds map[string]rollover.BookFeed
	// start is the window the feeds serve; zero means the test window.
	start time.Time
}

func (m fakeMarkets) Active(key string) (rollover.BookFeed, domain.Market, bool) {
	f, ok := m.feeds[key]
	start := m.start
	if start.IsZero() {
		start = window
	}
	return f, domain.Market{WindowStart: start}, ok
}

type fakeDiscovery struct {
	mu    sync.Mutex
	calls int
}

func (d *fakeDiscovery) GetMarket(context.Context, string, domain.Timeframe) (domain.Market, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return domain.Market{UpPrice: 0.6, DownPrice: 0.41}, nil
}

func (d *fakeDiscovery) GetNextMarket(context.Context, string, domain.Timeframe, time.Time) (domain.Market, error) {
	return domain.Market{}, domain.ErrNotFound
}

func (d *fakeDiscovery) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type memSink struct {
	mu   sync.Mutex
	rows []domain.CaptureRow
}

func (s *memSink) WriteRows(_ context.Context, rows []domain.CaptureRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, rows...)
	return nil
}

var window = time.Unix(900*2000000, 0).UTC()

func newCapturer(feed *fakePriceFeed, markets Markets, disc domain.Discovery) (*Capturer, *time.Time) {
	now := window.Add(60 * time.Second)
	c := New(DefaultConfig(), []Target{{Asset: "btc", Timeframe: domain.Timeframe15m}},
		map[string]PriceFeed{"btc": feed}, markets, disc, nil, nil, discard())
	c.now = func() time.Time { return now }
	return c, &now
}

func TestCaptureOnceUsesWebsocketPrices(t *testing.T) {
	feed := &fakePriceFeed{}
	book := &fakeBook{up: 0.55, down: 0.46, connected: true}
	c, now := newCapturer(feed, fakeMarkets{feeds: map[string]rollover.BookFeed{"btc_15m": book}}, nil)

	feed.set(100000, *now)
	rows := c.CaptureOnce(context.Background())
	require.Len(t, rows, 1)
	r := rows[0]
	assert.Equal(t, "btc_15m", r.MarketKey)
	assert.Equal(t, "btc-updown-15m-1800000000", r.MarketSlug)
	assert.Equal(t, domain.PriceSourceWS, r.PriceSource)
	assert.Equal(t, 100000.0, r.ExchangeOpen)
	assert.Zero(t, r.Momentum)
	assert.InDelta(t, 0.01, r.Spread, 1e-9)
	assert.Equal(t, 840.0, r.TimeRemaining)
	assert.Equal(t, 3, r.SourceCount)

	*now = now.Add(10 * time.Second)
	feed.set(101000, *now)
	r = c.CaptureOnce(context.Background())[0]
	assert.Equal(t, 100000.0, r.ExchangeOpen)
	assert.InDelta(t, 1.0, r.Momentum, 1e-9)

	// a new window takes a new open price and records the old row count
	*now = window.Add(15*time.Minute + time.Second)
	feed.set(99000, *now)
	r = c.CaptureOnce(context.Background())[0]
	assert.Equal(t, 99000.0, r.ExchangeOpen)
	assert.Equal(t, "btc-updown-15m-1800000900", r.MarketSlug)
	assert.Contains(t, c.Coverage().Report(), "btc_15m")
	assert.Equal(t, uint64(3), c.RowCount())
}

func TestCaptureSkipsStalePriceAndEmptyMarket(t *testing.T) {
	feed := &fakePriceFeed{}
	c, now := newCapturer(feed, fakeMarkets{}, nil)

	feed.set(100000, now.Add(-10*time.Second))
	assert.Empty(t, c.CaptureOnce(context.Background()))
}

func TestCaptureHTTPFallback(t *testing.T) {
	feed := &fakePriceFeed{}
	disc := &fakeDiscovery{}
	book := &fakeBook{connected: false}
	c, now := newCapturer(feed, fakeMarkets{feeds: map[string]rollover.BookFeed{"btc_15m": book}}, disc)
	feed.set(100000, *now)

	r := c.CaptureOnce(context.Background())[0]
	assert.Equal(t, domain.PriceSourceNone, r.PriceSource)
	require.Eventually(t, func() bool { return disc.count() == 1 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		r = c.CaptureOnce(context.Background())[0]
		return r.PriceSource == domain.PriceSourceHTTP
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0.6, r.UpPrice)
	assert.InDelta(t, 0.01, r.Spread, 1e-9)

	// the HTTP price is used once and not fetched again inside the interval
	r = c.CaptureOnce(context.Background())[0]
	assert.Equal(t, domain.PriceSourceNone, r.PriceSource)
	c.wg.Wait()
	assert.Equal(t, 1, disc.count())
}

func TestCaptureIgnoresFeedForPreviousWindow(t *testing.T) {
	feed := &fakePriceFeed{}
	disc := &fakeDiscovery{}
	book := &fakeBook{up: 0.9, down: 0.11, connected: true}
	markets := fakeMarkets{
		feeds: map[string]rollover.BookFeed{"btc_15m": book},
		start: window.Add(-15 * time.Minute),
	}
	c, now := newCapturer(feed, markets, disc)
	feed.set(100000, *now)

	r := c.CaptureOnce(context.Background())[0]
	assert.Equal(t, "btc-updown-15m-1800000000", r.MarketSlug)
	assert.Equal(t, domain.PriceSourceNone, r.PriceSource)
	assert.Zero(t, r.UpPrice)
	require.Eventually(t, func() bool { return disc.count() == 1 }, time.Second, 5*time.Millisecond)
	c.wg.Wait()
}

type fakeSpot struct {
	mu    sync.Mutex
	calls int
}

func (s *fakeSpot) SpotPrice(context.Context, string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return 99500, nil
}

func (s *fakeSpot) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestCaptureSpotFallbackForStaleAggregate(t *testing.T) {
	feed := &fakePriceFeed{}
	spot := &fakeSpot{}
	c, now := newCapturer(feed, fakeMarkets{}, nil)
	c.SetSpotFallback(spot)
	feed.set(100000, now.Add(-10*time.Second))

	assert.Empty(t, c.CaptureOnce(context.Background()))
	require.Eventually(t, func() bool { return spot.count() == 1 }, time.Second, 5*time.Millisecond)
	c.wg.Wait()

	rows := c.CaptureOnce(context.Background())
	require.Len(t, rows, 1)
	assert.Equal(t, 99500.0, rows[0].ExchangePrice)
	assert.Zero(t, rows[0].SourceCount)
	assert.Equal(t, 1, spot.count())
}

func TestWatchdogRestartsAfterTwoChecks(t *testing.T) {
	feed := &fakePriceFeed{healthy: false}
	c, _ := newCapturer(feed, fakeMarkets{}, nil)

	c.Watchdog(context.Background())
	c.wg.Wait()
	assert.Equal(t, 0, feed.restarts)

	c.Watchdog(context.Background())
	c.wg.Wait()
	assert.Equal(t, 1, feed.restarts)
	assert.True(t, feed.Healthy())
}

func TestRunWritesToSinks(t *testing.T) {
	feed := &fakePriceFeed{}
	sink := &memSink{}
	cfg := DefaultConfig()
	cfg.Tick = 5 * time.Millisecond
	cfg.CoverageCron = ""
	c := New(cfg, []Target{{Asset: "btc", Timeframe: domain.Timeframe5m}}, map[string]PriceFeed{"btc": feed},
		fakeMarkets{}, nil, []domain.RowSink{sink}, nil, discard())
	feed.set(100, time.Now().Add(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- c.Run(ctx) }()
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.rows) >= 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestCoverageCheck(t *testing.T) {
	cov := NewCoverage(500*time.Millisecond, 95)
	cov.Record("btc_15m", domain.Timeframe15m, 1800)
	assert.Empty(t, cov.Check())
	assert.Equal(t, 100.0, cov.Report()["btc_15m"])

	cov.Record("btc_15m", domain.Timeframe15m, 900)
	alerts := cov.Check()
	require.Len(t, alerts, 1)
	assert.Equal(t, 75.0, alerts[0].Coverage)
	assert.Equal(t, 100.0, alerts[0].Previous)
	assert.Equal(t, "btc_15m: 75% (was 100%)", alerts[0].Message())

	// no repeat alert without a further drop
	assert.Empty(t, cov.Check())
}

type alertRecorder struct {
	mu     sync.Mutex
	events []string
}

func (a *alertRecorder) Notify(_ context.Context, event, _, msg string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event+":"+msg)
	return nil
}

func TestCheckCoverageNotifies(t *testing.T) {
	rec := &alertRecorder{}
	c := New(DefaultConfig(), nil, nil, fakeMarkets{}, nil, nil, rec, discard())
	c.Coverage().Record("eth_15m", domain.Timeframe15m, 100)
	c.CheckCoverage(context.Background())
	require.Len(t, rec.events, 1)
	assert.True(t, strings.HasPrefix(rec.events[0], EventCoverage+":eth_15m"))
}

type memBlob struct {
	mu      sync.Mutex
	objects map[string]string
}

func (b *memBlob) Put(_ context.Context, path string, data io.Reader, _ string) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = string(raw)
	return nil
}

func (b *memBlob) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return b.Put(ctx, path, data, "")
}

func TestArchiveUploadsPerWindow(t *testing.T) {
	blob := &memBlob{objects: map[string]string{}}
	a := NewArchive(blob, "captures", discard())

	row := func(slug string, sec int64) domain.CaptureRow {
		return domain.CaptureRow{
			Timestamp: time.Unix(sec, 0), MarketKey: "btc_15m", MarketSlug: slug,
			ExchangePrice: 100, UpPrice: 0.5, DownPrice: 0.5, PriceSource: domain.PriceSourceWS,
		}
	}
	require.NoError(t, a.WriteRows(context.Background(), []domain.CaptureRow{row("w1", 1), row("w1", 2)}))
	require.NoError(t, a.WriteRows(context.Background(), []domain.CaptureRow{row("w2", 3)}))
	a.Close(context.Background())

	require.Len(t, blob.objects, 2)
	w1 := blob.objects[a.ObjectPath("btc_15m", "w1")]
	lines := strings.Split(strings.TrimSpace(w1), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Join(CSVHeader, ","), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "1,1970-01-01 00:00:01.000,w1,100.00,,,0.5000,0.5000,0.0000,"))
	assert.True(t, strings.HasPrefix(a.ObjectPath("btc_15m", "w1"), "captures/btc_15m/w1-"))
}

type memBus struct {
	mu      sync.Mutex
	entries map[string][][]byte
}

func (b *memBus) Publish(context.Context, string, []byte) error { return nil }
func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, nil
}
func (b *memBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[stream] = append(b.entries[stream], payload)
	return nil
}
func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestStreamSink(t *testing.T) {
	bus := &memBus{entries: map[string][][]byte{}}
	s := NewStreamSink(bus, "capture:rows")
	require.NoError(t, s.WriteRows(context.Background(), []domain.CaptureRow{{MarketKey: "btc_15m"}}))
	require.Len(t, bus.entries["capture:rows"], 1)
	assert.True(t, bytes.Contains(bus.entries["capture:rows"][0], []byte(`"market_key":"btc_15m"`)))
}
