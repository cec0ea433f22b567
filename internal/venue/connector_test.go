package venue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alanyoungcy/pulsefeed/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStrategy struct {
	url string
	sub []byte
	err error
}

func (f *fakeStrategy) Name() string { return "fake" }

func (f *fakeStrategy) Endpoint(context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.url, nil
}

func (f *fakeStrategy) Subscribe() ([]byte, error) { return f.sub, nil }

func (f *fakeStrategy) Parse(msg []byte) (Quote, error) {
	r, err := parseJSON(msg)
	if err != nil {
		return Quote{}, err
	}
	return Quote{Price: r.Get("p").Float(), Bid: r.Get("b").Float()}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastOptions() Options {
	return Options{
		BackoffMin:     10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
		BackoffFactor:  1.5,
		ConnectTimeout: 2 * time.Second,
		PingInterval:   time.Second,
		StopTimeout:    time.Second,
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// serveFrames upgrades each request, records the subscribe frame, writes
// frames and then holds the connection open until the client leaves.
func serveFrames(t *testing.T, subs chan<- string, frames ...string) *httptest.Server {
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
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestConnectorDeliversPositivePricesOnly(t *testing.T) {
	subs := make(chan string, 1)
	srv := serveFrames(t, subs, `{"p":100.5,"b":100.4}`, `not json`, `{"p":0,"b":100.45}`, `{"p":101}`)
	defer srv.Close()

	c := NewConnector(&fakeStrategy{url: wsURL(srv), sub: []byte(`{"op":"sub"}`)}, fastOptions(), testLogger())
	defer c.Stop()

	got := make(chan domain.Snapshot, 8)
	require.NoError(t, c.Start(context.Background(), func(s domain.Snapshot) { got <- s }))
	assert.Equal(t, `{"op":"sub"}`, <-subs)

	first := <-got
	second := <-got
	assert.Equal(t, "fake", first.Venue)
	assert.Equal(t, 100.5, first.Price)
	assert.Equal(t, 100.4, first.Bid)
	assert.Equal(t, 101.0, second.Price)
	// the zero-price frame still moved the bid
	assert.Equal(t, 100.45, second.Bid)

	require.Eventually(t, func() bool { return c.State().Messages == 4 }, time.Second, 10*time.Millisecond)
	st := c.State()
	assert.Equal(t, uint64(1), st.Errors)
	assert.True(t, st.Connected())

	snap, ok := c.Latest()
	require.True(t, ok)
	assert.Equal(t, 101.0, snap.Price)
}

func TestConnectorStopIsTerminal(t *testing.T) {
	subs := make(chan string, 1)
	srv := serveFrames(t, subs)
	defer srv.Close()

	var calls atomic.Int32
	c := NewConnector(&fakeStrategy{url: wsURL(srv)}, fastOptions(), testLogger())
	require.NoError(t, c.Start(context.Background(), func(domain.Snapshot) { calls.Add(1) }))

	c.Stop()
	c.Stop()
	assert.Equal(t, domain.ConnStopped, c.State().Status)

	err := c.Start(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrStopped)
	assert.Zero(t, calls.Load())
}

func TestConnectorReconnectsAfterDrop(t *testing.T) {
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := conns.Add(1)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"p":50}`))
		if n == 1 {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := NewConnector(&fakeStrategy{url: wsURL(srv)}, fastOptions(), testLogger())
	defer c.Stop()
	require.NoError(t, c.Start(context.Background(), func(domain.Snapshot) {}))

	require.Eventually(t, func() bool {
		st := c.State()
		return conns.Load() >= 2 && st.Connected() && st.Reconnects >= 1
	}, 2*time.Second, 10*time.Millisecond)
	// a successful connect resets the backoff
	assert.Equal(t, 10*time.Millisecond, c.State().Backoff)
}

func TestConnectorStartTimesOut(t *testing.T) {
	opts := fastOptions()
	opts.ConnectTimeout = 100 * time.Millisecond
	c := NewConnector(&fakeStrategy{err: errors.New("no route")}, opts, testLogger())
	defer c.Stop()

	err := c.Start(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrConnectTimeout)
	require.Eventually(t, func() bool { return c.State().Reconnects >= 1 }, time.Second, 10*time.Millisecond)
}

func TestNextBackoff(t *testing.T) {
	d := time.Second
	var seen []time.Duration
	for i := 0; i < 10; i++ {
		d = nextBackoff(d, 1.5, 30*time.Second)
		seen = append(seen, d)
	}
	assert.Equal(t, 1500*time.Millisecond, seen[0])
	assert.Equal(t, 2250*time.Millisecond, seen[1])
	assert.Equal(t, 30*time.Second, seen[len(seen)-1])
}
