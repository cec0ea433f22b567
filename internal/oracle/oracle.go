// Package oracle polls a slow reference price and measures how far the
// real-time aggregate runs ahead of it.
package oracle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/pulsefeed/internal/domain"
	"github.com/tidwall/gjson"
)

// DefaultURL is the public Kraken ticker endpoint.
const DefaultURL = "https://api.kraken.com/0/public/Ticker"

var krakenPairs = map[string]string{
	"btc": "XBTUSD",
	"eth": "ETHUSD",
	"sol": "SOLUSD",
	"xrp": "XRPUSD",
}

// Poller keeps the latest reference price for one pair. It is best effort:
// failed polls are logged and the previous price stays in place.
type Poller struct {
	url        string
	pair       string
	interval   time.Duration
	httpClient *http.Client
	logger     *slog.Logger

	mu      sync.RWMutex
	price   float64
	updated time.Time
}

var _ domain.SpotPricer = (*Poller)(nil)

// NewPoller returns a poller for pair, e.g. "XBTUSD".
func NewPoller(baseURL, pair string, interval time.Duration, logger *slog.Logger) *Poller {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{
		url:        baseURL,
		pair:       pair,
		interval:   interval,
		httpClient: &http.Client{Timeout: 2 * time.Second},
		logger:     logger.With(slog.String("component", "oracle"), slog.String("pair", pair)),
	}
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	price, err := p.fetch(ctx, p.pair)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Debug("poll failed", slog.String("error", err.Error()))
		}
		return
	}
	p.mu.Lock()
	p.price = price
	p.updated = time.Now()
	p.mu.Unlock()
}

// Price returns the last polled price.
func (p *Poller) Price() (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.price, p.price > 0
}

// Age returns the time since the last successful poll.
func (p *Poller) Age() (time.Duration, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.updated.IsZero() {
		return time.Duration(math.MaxInt64), false
	}
	return time.Since(p.updated), true
}

// SpotPrice fetches the current last-trade price for asset directly.
func (p *Poller) SpotPrice(ctx context.Context, asset string) (float64, error) {
	pair, ok := krakenPairs[strings.ToLower(asset)]
	if !ok {
		return 0, fmt.Errorf("oracle: spot price: %w: %s", domain.ErrUnsupportedAsset, asset)
	}
	return p.fetch(ctx, pair)
}

// fetch reads the last trade price ("c"[0]) of the first ticker in the
// response. Kraken renames pairs (XBTUSD becomes XXBTZUSD), so the result
// key is not matched.
func (p *Poller) fetch(ctx context.Context, pair string) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url+"?pair="+url.QueryEscape(pair), nil)
	if err != nil {
		return 0, fmt.Errorf("oracle: create request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("oracle: http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("oracle: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("oracle: HTTP %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return 0, fmt.Errorf("oracle: invalid json")
	}
	if errs := gjson.GetBytes(body, "error").Array(); len(errs) > 0 {
		return 0, fmt.Errorf("oracle: %s", errs[0].String())
	}

	var price float64
	gjson.GetBytes(body, "result").ForEach(func(_, v gjson.Result) bool {
		price = v.Get("c.0").Float()
		return false
	})
	if price <= 0 {
		return 0, fmt.Errorf("oracle: %w", domain.ErrNoPrice)
	}
	return price, nil
}

// Signal is the direction implied by the oracle lag.
type Signal string

const (
	SignalLong    Signal = "LONG"
	SignalShort   Signal = "SHORT"
	SignalNeutral Signal = "NEUTRAL"
)

// Lag compares a real-time price with the oracle price.
type Lag struct {
	DivergencePct float64 `json:"divergence_pct"`
	DivergenceBps float64 `json:"divergence_bps"`
	Signal        Signal  `json:"signal"`
	Strength      float64 `json:"strength"`
}

// ComputeLag returns how far realtime sits above or below oracle. The
// signal triggers beyond 5bps and strength saturates at 50bps. A
// non-positive oracle price yields a neutral zero lag.
func ComputeLag(realtime, oracle float64) Lag {
	if oracle <= 0 {
		return Lag{Signal: SignalNeutral}
	}
	pct := (realtime - oracle) / oracle * 100
	bps := pct * 100

	sig := SignalNeutral
	switch {
	case pct > 0.05:
		sig = SignalLong
	case pct < -0.05:
		sig = SignalShort
	}
	return Lag{
		DivergencePct: pct,
		DivergenceBps: bps,
		Signal:        sig,
		Strength:      math.Min(1, math.Abs(bps)/50),
	}
}
