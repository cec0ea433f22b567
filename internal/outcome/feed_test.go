package outcome

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/pulsefeed/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pair = domain.TokenPair{Up: "tok-up", Down: "tok-down"}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions(url string) Options {
	return Options{
		URL:            url,
		Resubscribe:    time.Minute,
		BackoffMin:     10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
		BackoffFactor:  1.5,
		ConnectTimeout: 2 * time.Second,
		PingInterval:   time.Second,
		StopTimeout:    time.Second,
	}
}

// marketServer records the subscription, writes frames and then records
// any later text frames while subs has room.
func marketServer(t *testing.T, subs chan<- string, frames ...string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, sub, err := conn.ReadMessage()
		if err != nil {
			return
		}
		subs <- string(sub)
		for _, fr := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(fr)); err != nil {
				return
			}
		}
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case subs <- string(msg):
			default:
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string { return "ws" + strings.TrimPrefix(srv.URL, "http") }

const bookUp = `{"event_type":"book","asset_id":"tok-up",
	"bids":[{"price":"0.50","size":"10"},{"price":"0.52","size":"5"}],
	"asks":[{"price":"0.56","size":"10"},{"price":"0.54","size":"10"}]}`

const bookDown = `[{"event_type":"book","asset_id":"tok-down",
	"bids":[{"price":"0.44","size":"20"}],
	"asks":[{"price":"0.46","size":"20"}]}]`

func TestFeedAppliesBooksAndChanges(t *testing.T) {
	subs := make(chan string, 1)
	srv := marketServer(t, subs,
		`[]`,
		`not json`,
		bookUp,
		bookDown,
		`{"event_type":"book","asset_id":"tok-unknown","bids":[{"price":"0.1","size":"1"}],"asks":[{"price":"0.2","size":"1"}]}`,
		`{"event_type":"book","asset_id":"tok-up","bids":[],"asks":[{"price":"0.9","size":"1"}]}`,
		`{"event_type":"price_change","price_changes":[{"asset_id":"tok-down","best_bid":"0.45","best_ask":"0.47"},{"asset_id":"tok-up","best_bid":"0.53"}]}`,
	)
	defer srv.Close()

	var mu sync.Mutex
	var changes []string
	f := NewFeed(testOptions(wsURL(srv)), func(token string, bid, ask float64) {
		mu.Lock()
		changes = append(changes, token)
		mu.Unlock()
	}, testLogger())
	defer f.Stop()

	require.NoError(t, f.Start(context.Background(), pair))
	assert.JSONEq(t, `{"assets_ids":["tok-up","tok-down"],"type":"market"}`, <-subs)

	require.Eventually(t, func() bool { return f.Stats().Messages == 7 }, 2*time.Second, 10*time.Millisecond)

	up, ok := f.Book("tok-up")
	require.True(t, ok)
	assert.Equal(t, 0.52, up.BestBid)
	assert.Equal(t, 0.54, up.BestAsk)
	assert.Equal(t, 0.52, up.Bids[0].Price)
	assert.Equal(t, 0.54, up.Asks[0].Price)

	down, _ := f.Book("tok-down")
	assert.Equal(t, 0.45, down.BestBid)
	assert.Equal(t, 0.47, down.BestAsk)
	// ladders survive a top-of-book change
	assert.Len(t, down.Bids, 1)

	upMid, downMid, ok := f.Prices()
	require.True(t, ok)
	assert.InDelta(t, 0.53, upMid, 1e-9)
	assert.InDelta(t, 0.46, downMid, 1e-9)

	spread, ok := f.Spread("tok-up")
	require.True(t, ok)
	assert.InDelta(t, 0.02, spread, 1e-9)

	assert.False(t, f.IsStale(5*time.Second))
	assert.Equal(t, uint64(1), f.Stats().Errors)

	mu.Lock()
	assert.Equal(t, []string{"tok-up", "tok-down", "tok-down"}, changes)
	mu.Unlock()
}

func TestFeedStopIsTerminal(t *testing.T) {
	subs := make(chan string, 1)
	srv := marketServer(t, subs)
	defer srv.Close()

	f := NewFeed(testOptions(wsURL(srv)), nil, testLogger())
	require.NoError(t, f.Start(context.Background(), pair))
	assert.True(t, f.Connected())

	f.Stop()
	f.Stop()
	select {
	case <-f.Done():
	default:
		t.Fatal("loop still running after Stop")
	}
	assert.False(t, f.Connected())
	assert.ErrorIs(t, f.Start(context.Background(), pair), domain.ErrStopped)
}

func TestFeedStartTimesOut(t *testing.T) {
	opts := testOptions("ws://127.0.0.1:1/ws")
	opts.ConnectTimeout = 100 * time.Millisecond
	f := NewFeed(opts, nil, testLogger())
	defer f.Stop()

	err := f.Start(context.Background(), pair)
	assert.ErrorIs(t, err, domain.ErrConnectTimeout)
	assert.True(t, f.IsStale(time.Hour))
	_, _, ok := f.Prices()
	assert.False(t, ok)
}

func TestFeedRejectsInvalidPair(t *testing.T) {
	f := NewFeed(testOptions("ws://unused"), nil, testLogger())
	defer f.Stop()
	assert.Error(t, f.Start(context.Background(), domain.TokenPair{Up: "a"}))
}

func testBook() domain.OutcomeBookState {
	s, _ := withLadders(domain.OutcomeBookState{TokenID: "t"},
		[]domain.PriceLevel{{Price: 0.48, Size: 50}, {Price: 0.50, Size: 100}},
		[]domain.PriceLevel{{Price: 0.54, Size: 50}, {Price: 0.52, Size: 100}},
		time.Now())
	return s
}

func TestExpectedFill(t *testing.T) {
	b := testBook()

	est, ok := expectedFill(b, domain.SideBuy, 100)
	require.True(t, ok)
	assert.InDelta(t, 0.52, est.AvgPrice, 1e-9)
	assert.InDelta(t, 0, est.Slippage, 1e-9)

	est, ok = expectedFill(b, domain.SideBuy, 150)
	require.True(t, ok)
	assert.InDelta(t, 79.0, est.TotalCost, 1e-9)
	assert.InDelta(t, 79.0/150, est.AvgPrice, 1e-9)
	assert.InDelta(t, 79.0/150-0.52, est.Slippage, 1e-9)
	assert.Equal(t, 0.52, est.BestPrice)

	est, ok = expectedFill(b, domain.SideSell, 120)
	require.True(t, ok)
	assert.InDelta(t, (50+20*0.48)/120, est.AvgPrice, 1e-9)

	_, ok = expectedFill(b, domain.SideBuy, 151)
	assert.False(t, ok)

	_, ok = expectedFill(domain.OutcomeBookState{}, domain.SideBuy, 1)
	assert.False(t, ok)
}

func TestLiquidity(t *testing.T) {
	b := testBook()
	assert.Equal(t, 150.0, liquidity(b, domain.SideBuy, 0))
	assert.Equal(t, 100.0, liquidity(b, domain.SideBuy, 0.53))
	assert.Equal(t, 100.0, liquidity(b, domain.SideSell, 0.49))
	assert.Equal(t, 150.0, liquidity(b, domain.SideSell, 0))
}

func TestWithLaddersRequiresBothSides(t *testing.T) {
	prev := testBook()
	next, ok := withLadders(prev, nil, []domain.PriceLevel{{Price: 0.9, Size: 1}}, time.Now())
	assert.False(t, ok)
	assert.Equal(t, prev.BestAsk, next.BestAsk)
}

func TestWithLaddersMergesAndDropsEmptyLevels(t *testing.T) {
	s, ok := withLadders(domain.OutcomeBookState{TokenID: "t"},
		[]domain.PriceLevel{{Price: 0.50, Size: 10}, {Price: 0.49, Size: 0}, {Price: 0.50, Size: 5}, {Price: 0.47, Size: 2}},
		[]domain.PriceLevel{{Price: 0.55, Size: 1}, {Price: 0.53, Size: 4}, {Price: 0.55, Size: 2}, {Price: 0.54, Size: -1}},
		time.Now())
	require.True(t, ok)

	assert.Equal(t, []domain.PriceLevel{{Price: 0.50, Size: 15}, {Price: 0.47, Size: 2}}, s.Bids)
	assert.Equal(t, []domain.PriceLevel{{Price: 0.53, Size: 4}, {Price: 0.55, Size: 3}}, s.Asks)
	assert.Equal(t, 0.50, s.BestBid)
	assert.Equal(t, 0.53, s.BestAsk)
	assert.Equal(t, 17.0, liquidity(s, domain.SideSell, 0))

	// a side with only empty levels leaves the previous book in place
	_, ok = withLadders(s, []domain.PriceLevel{{Price: 0.5, Size: 0}}, s.Asks, time.Now())
	assert.False(t, ok)
}

func TestFeedResubscribesOnInterval(t *testing.T) {
	subs := make(chan string, 16)
	srv := marketServer(t, subs)
	defer srv.Close()

	opts := testOptions(wsURL(srv))
	opts.Resubscribe = 50 * time.Millisecond
	f := NewFeed(opts, nil, testLogger())
	defer f.Stop()
	require.NoError(t, f.Start(context.Background(), pair))

	want := `{"assets_ids":["tok-up","tok-down"],"type":"market"}`
	assert.JSONEq(t, want, <-subs)
	require.Eventually(t, func() bool { return len(subs) >= 2 }, 2*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, want, <-subs)
	assert.JSONEq(t, want, <-subs)

	// every frame arrived on the first connection
	assert.Equal(t, uint64(0), f.Stats().Reconnects)
}
