package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/pulsefeed/internal/config"
	"github.com/alanyoungcy/pulsefeed/internal/domain"
	"github.com/alanyoungcy/pulsefeed/internal/server/ws"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testApp(mutate func(*config.Config)) *App {
	cfg := config.Defaults()
	if mutate != nil {
		mutate(&cfg)
	}
	return New(&cfg, testLogger())
}

type memCache struct {
	mu      sync.Mutex
	reports map[string]domain.PriceReport
}

func (c *memCache) SetReport(_ context.Context, r domain.PriceReport) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reports == nil {
		c.reports = make(map[string]domain.PriceReport)
	}
	c.reports[r.FeedID] = r
	return nil
}

func (c *memCache) GetReport(_ context.Context, feedID string) (domain.PriceReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.reports[feedID]
	if !ok {
		return domain.PriceReport{}, domain.ErrNotFound
	}
	return r, nil
}

type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	fail      bool
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return errors.New("bus down")
	}
	if b.published == nil {
		b.published = make(map[string][][]byte)
	}
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}
func (b *memBus) StreamAppend(context.Context, string, []byte) error { return nil }
func (b *memBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

var _ domain.SignalBus = (*memBus)(nil)

func startHub(t *testing.T) (*ws.Hub, *websocket.Conn) {
	t.Helper()
	hub := ws.NewHub(nil, ws.Config{Mode: "capture"}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	return hub, conn
}

// readChannel returns the data of the first frame on channel.
func readChannel(t *testing.T, conn *websocket.Conn, channel string) json.RawMessage {
	t.Helper()
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var env ws.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		if env.Channel == channel {
			return env.Data
		}
	}
}

func TestWireWithBackendsDisabled(t *testing.T) {
	cfg := config.Defaults()
	cfg.Notify.DiscordWebhookURL = "http://127.0.0.1:1/hook"

	deps, cleanup, err := Wire(context.Background(), &cfg, testLogger())
	require.NoError(t, err)
	defer cleanup()

	assert.Nil(t, deps.CaptureStore)
	assert.Nil(t, deps.PriceCache)
	assert.Nil(t, deps.SignalBus)
	assert.Nil(t, deps.BlobWriter)
	assert.Nil(t, deps.JobLock)
	assert.Empty(t, deps.Checks)
	require.NotNil(t, deps.Notifier)
	assert.True(t, deps.Notifier.Enabled())
}

func TestRunRejectsUnknownMode(t *testing.T) {
	a := testApp(func(c *config.Config) { c.Mode = "trade" })
	defer a.Close()
	err := a.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unsupported mode "trade"`)
}

func TestHubSinkPushesRows(t *testing.T) {
	hub, conn := startHub(t)
	row := domain.CaptureRow{MarketKey: "btc_15m", MarketSlug: "btc-updown-15m-1700000100", UpPrice: 0.55}

	require.NoError(t, hubSink{hub: hub}.WriteRows(context.Background(), []domain.CaptureRow{row}))
	data := readChannel(t, conn, captureChannel("btc_15m"))

	var got domain.CaptureRow
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "btc-updown-15m-1700000100", got.MarketSlug)
	assert.Equal(t, 0.55, got.UpPrice)
}

func TestFeedModeUnknownVenueStopsEverything(t *testing.T) {
	a := testApp(func(c *config.Config) {
		c.Mode = "feed"
		c.Server.Enabled = false
		c.Oracle.Enabled = false
		c.Venues.Enabled = []string{"nowhere"}
	})
	defer a.Close()

	done := make(chan error, 1)
	go func() { done <- a.FeedMode(context.Background(), &Dependencies{}) }()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "feed mode")
	case <-time.After(2 * time.Second):
		t.Fatal("FeedMode did not return after a start failure")
	}
}

func TestCaptureModeRejectsTimeframeBeforeStarting(t *testing.T) {
	a := testApp(func(c *config.Config) {
		c.Mode = "capture"
		c.Server.Enabled = false
		c.Rollover.Timeframes = []string{"15m", "7m"}
		// any venue start would fail loudly here
		c.Venues.Enabled = []string{"nowhere"}
	})
	defer a.Close()

	err := a.CaptureMode(context.Background(), &Dependencies{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capture mode")
	assert.NotContains(t, err.Error(), "nowhere")
}

func TestAbortWaitsForStartedWork(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	stopped := make(chan struct{})
	g.Go(func() error {
		<-ctx.Done()
		close(stopped)
		return nil
	})

	err := abort(cancel, g, errors.New("boom"))
	assert.EqualError(t, err, "boom")
	select {
	case <-stopped:
	default:
		t.Fatal("abort returned before started work finished")
	}
}

func TestPublishReportCachesAndUsesBus(t *testing.T) {
	a := testApp(nil)
	cache := &memCache{}
	bus := &memBus{}
	deps := &Dependencies{PriceCache: cache, SignalBus: bus}
	hub := ws.NewHub(nil, ws.Config{}, testLogger())

	report := domain.PriceReport{FeedID: "BTC-USD", Price: 100000, SequenceID: 3}
	a.publishReport(context.Background(), deps, hub, report)

	got, err := cache.GetReport(context.Background(), "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.SequenceID)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	require.Len(t, bus.published["pulse:prices:BTC-USD"], 1)
	assert.Contains(t, string(bus.published["pulse:prices:BTC-USD"][0]), `"sequence_id":3`)
}

func TestPublishReportFallsBackToHub(t *testing.T) {
	a := testApp(nil)
	hub, conn := startHub(t)
	deps := &Dependencies{SignalBus: &memBus{fail: true}}

	report := domain.PriceReport{FeedID: "ETH-USD", Price: 3000}
	a.publishReport(context.Background(), deps, hub, report)
	data := readChannel(t, conn, "pulse:prices:ETH-USD")
	assert.Contains(t, string(data), `"feed_id":"ETH-USD"`)
}

func TestBuildFeedsKeysByLowerAsset(t *testing.T) {
	a := testApp(nil)
	feeds := a.buildFeeds([]string{"BTC", "eth"})
	require.Len(t, feeds, 2)
	assert.Equal(t, "BTC-USD", feeds["btc"].FeedID())
	assert.Equal(t, "ETH-USD", feeds["eth"].FeedID())
}

func TestSetDuration(t *testing.T) {
	d := 5 * time.Second
	setDuration(&d, 0)
	assert.Equal(t, 5*time.Second, d)
	setDuration(&d, time.Second)
	assert.Equal(t, time.Second, d)
}
