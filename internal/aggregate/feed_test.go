package aggregate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/pulsefeed/internal/domain"
	"github.com/alanyoungcy/pulsefeed/internal/venue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	name    string
	startOK bool

	mu      sync.Mutex
	fn      venue.UpdateFunc
	status  domain.ConnStatus
	stopped int
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Start(_ context.Context, fn venue.UpdateFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fn = fn
	if !f.startOK {
		f.status = domain.ConnConnecting
		return domain.ErrConnectTimeout
	}
	f.status = domain.ConnConnected
	return nil
}

func (f *fakeSource) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	f.status = domain.ConnStopped
}

func (f *fakeSource) State() domain.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return domain.ConnectionState{Venue: f.name, Status: f.status}
}

func (f *fakeSource) push(price float64) {
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	fn(domain.Snapshot{Venue: f.name, Price: price, Time: time.Now()})
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestFeed(sources ...*fakeSource) *Feed {
	factory := func() ([]Source, error) {
		out := make([]Source, len(sources))
		for i, s := range sources {
			out[i] = s
		}
		return out, nil
	}
	cfg := FeedConfig{FeedID: "BTC-USD", HealthySources: 2, WarningDivergence: 0.3, CriticalDivergence: 0.5}
	return NewFeed(cfg, NewEngine(DefaultConfig()), factory, discard())
}

func TestFeedAggregatesOnEveryUpdate(t *testing.T) {
	cb := &fakeSource{name: "coinbase", startOK: true}
	kr := &fakeSource{name: "kraken", startOK: true}
	gm := &fakeSource{name: "gemini", startOK: false}
	f := newTestFeed(cb, kr, gm)

	var mu sync.Mutex
	var seen []uint64
	f.OnUpdate(func(r domain.AggregatedResult) {
		mu.Lock()
		seen = append(seen, r.Sequence)
		mu.Unlock()
	})

	healthy, err := f.Start(context.Background())
	require.NoError(t, err)
	assert.True(t, healthy)

	_, ok := f.Latest()
	assert.False(t, ok)

	cb.push(100)
	kr.push(101)

	res, ok := f.Latest()
	require.True(t, ok)
	assert.InDelta(t, 100.5, res.Price, 1e-9)
	assert.Equal(t, 2, res.SourceCount)

	report, ok := f.Report()
	require.True(t, ok)
	assert.Equal(t, "BTC-USD", report.FeedID)
	assert.True(t, VerifyReport(report))

	mu.Lock()
	assert.Equal(t, []uint64{1, 2}, seen)
	mu.Unlock()

	// 1/100.5 is just under 1% divergence
	assert.True(t, f.DivergenceWarning())
	assert.True(t, f.DivergenceCritical())

	st := f.Status()
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.Connected)
	assert.Equal(t, "coinbase", st.Venues[0].Venue)

	f.Stop()
	f.Stop()
	assert.Equal(t, 1, cb.stopped)
	assert.Equal(t, 1, gm.stopped)
}

func TestFeedDegradedBelowHealthySources(t *testing.T) {
	f := newTestFeed(&fakeSource{name: "coinbase", startOK: true}, &fakeSource{name: "kraken"})
	healthy, err := f.Start(context.Background())
	require.NoError(t, err)
	assert.False(t, healthy)
	assert.False(t, f.Healthy())
}

func TestFeedFactoryErrorPropagates(t *testing.T) {
	boom := errors.New("bad venue")
	f := NewFeed(FeedConfig{FeedID: "BTC-USD"}, NewEngine(DefaultConfig()),
		func() ([]Source, error) { return nil, boom }, discard())
	_, err := f.Start(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestVenueSourcesFactory(t *testing.T) {
	factory := VenueSources([]string{"kraken", "gemini"}, "xrp", venue.DefaultOptions(), discard())
	sources, err := factory()
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, "kraken_xrp", sources[0].Name())

	_, err = VenueSources([]string{"mtgox"}, "btc", venue.DefaultOptions(), discard())()
	assert.ErrorIs(t, err, domain.ErrUnknownVenue)
}
