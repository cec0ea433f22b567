// Package aggregate reconciles per-venue price snapshots into a single
// price with divergence and confidence scores.
package aggregate

import (
	"math"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/pulsefeed/internal/domain"
)

// Config holds the aggregation thresholds. Percentages are in percent units
// (0.1 means 0.1%).
type Config struct {
	Staleness     time.Duration
	MinSources    int
	USDOnly       bool
	USDExchanges  []string
	USDTExchanges []string

	// TightSpreadPct is the stdev/median ratio at or below which confidence is 1.
	TightSpreadPct float64
	// CriticalSpreadPct is the ratio at which confidence bottoms out at 0.5.
	CriticalSpreadPct float64

	// MaxDeviationPct drops normalized prices further than this from the
	// preliminary median. Zero disables rejection.
	MaxDeviationPct float64
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		Staleness:         2 * time.Second,
		MinSources:        1,
		USDExchanges:      []string{"coinbase", "kraken", "gemini"},
		USDTExchanges:     []string{"binance", "okx", "bybit", "kucoin", "gateio"},
		TightSpreadPct:    0.1,
		CriticalSpreadPct: 0.5,
	}
}

type denomination int

const (
	denomOther denomination = iota
	denomUSD
	denomUSDT
)

// Engine runs aggregation passes. The sequence counter belongs to the
// instance and only moves forward.
type Engine struct {
	cfg Config
	seq atomic.Uint64
}

// NewEngine returns an engine with cfg. A MinSources below 1 is raised to 1.
func NewEngine(cfg Config) *Engine {
	if cfg.MinSources < 1 {
		cfg.MinSources = 1
	}
	return &Engine{cfg: cfg}
}

// Sequence returns the id of the last successful aggregation.
func (e *Engine) Sequence() uint64 { return e.seq.Load() }

// Aggregate reconciles snaps as of now. It returns false when no snapshot is
// fresh and positive, or fewer than MinSources contribute.
func (e *Engine) Aggregate(snaps map[string]domain.Snapshot) (domain.AggregatedResult, bool) {
	return e.AggregateAt(snaps, time.Now())
}

// AggregateAt is Aggregate with an explicit clock.
func (e *Engine) AggregateAt(snaps map[string]domain.Snapshot, now time.Time) (domain.AggregatedResult, bool) {
	raw := make(map[string]float64, len(snaps))
	for venue, s := range snaps {
		if s.Price <= 0 || s.Age(now) >= e.cfg.Staleness {
			continue
		}
		raw[venue] = s.Price
	}
	if len(raw) == 0 {
		return domain.AggregatedResult{}, false
	}

	classes := make(map[string]denomination, len(raw))
	var usd, usdt []float64
	for venue, p := range raw {
		c := e.classify(venue)
		classes[venue] = c
		switch c {
		case denomUSD:
			usd = append(usd, p)
		case denomUSDT:
			usdt = append(usdt, p)
		}
	}

	premium := 0.0
	if len(usd) > 0 && len(usdt) > 0 {
		usdMid := median(usd)
		premium = (median(usdt) - usdMid) / usdMid * 100
	}

	normalized := make(map[string]float64, len(raw))
	for venue, p := range raw {
		if classes[venue] == denomUSDT && premium != 0 {
			p = p / (1 + premium/100)
		}
		normalized[venue] = p
	}

	if e.cfg.MaxDeviationPct > 0 && len(normalized) >= 3 {
		e.rejectOutliers(raw, normalized)
	}

	var final []float64
	if e.cfg.USDOnly {
		for venue, p := range raw {
			if classes[venue] == denomUSD {
				final = append(final, p)
			}
		}
	}
	if len(final) == 0 {
		final = values(normalized)
	}
	if len(final) < e.cfg.MinSources {
		return domain.AggregatedResult{}, false
	}

	price := median(final)
	lo, hi := minMax(values(normalized))

	return domain.AggregatedResult{
		Price:            price,
		RawPrices:        raw,
		NormalizedPrices: normalized,
		SourceCount:      len(final),
		DivergencePct:    (hi - lo) / price * 100,
		Confidence:       e.confidence(final, price),
		USDTPremiumPct:   premium,
		Sequence:         e.seq.Add(1),
		Timestamp:        now,
	}, true
}

// classify matches venue ids by name or by "<name>_" prefix.
func (e *Engine) classify(venue string) denomination {
	if matchesAny(venue, e.cfg.USDExchanges) {
		return denomUSD
	}
	if matchesAny(venue, e.cfg.USDTExchanges) {
		return denomUSDT
	}
	return denomOther
}

func matchesAny(venue string, names []string) bool {
	for _, n := range names {
		if venue == n || strings.HasPrefix(venue, n+"_") {
			return true
		}
	}
	return false
}

// rejectOutliers removes venues whose normalized price sits further than
// MaxDeviationPct from the median of all normalized prices.
func (e *Engine) rejectOutliers(raw, normalized map[string]float64) {
	mid := median(values(normalized))
	var drop []string
	for venue, p := range normalized {
		if math.Abs(p-mid)/mid*100 > e.cfg.MaxDeviationPct {
			drop = append(drop, venue)
		}
	}
	if len(drop) == len(normalized) {
		return
	}
	for _, venue := range drop {
		delete(normalized, venue)
		delete(raw, venue)
	}
}

// confidence maps the sample standard deviation, as a percent of the
// median, onto [0.5, 1].
func (e *Engine) confidence(prices []float64, mid float64) float64 {
	if len(prices) < 2 || mid <= 0 {
		return 1.0
	}
	spread := stdev(prices) / mid * 100
	switch {
	case spread <= e.cfg.TightSpreadPct:
		return 1.0
	case spread >= e.cfg.CriticalSpreadPct:
		return 0.5
	}
	excess := spread - e.cfg.TightSpreadPct
	return 1.0 - excess/(e.cfg.CriticalSpreadPct-e.cfg.TightSpreadPct)*0.5
}

// Momentum is the percent change from start to current. A non-positive
// baseline yields 0.
func Momentum(current, start float64) float64 {
	if start <= 0 {
		return 0
	}
	return (current - start) / start * 100
}

func median(xs []float64) float64 {
	s := make([]float64, len(xs))
	copy(s, xs)
	sort.Float64s(s)
	n := len(s)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// stdev is the sample (n-1) standard deviation.
func stdev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return math.Sqrt(sq / float64(len(xs)-1))
}

func minMax(xs []float64) (float64, float64) {
	lo, hi := xs[0], xs[0]
	for _, x := range xs[1:] {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	return lo, hi
}

func values(m map[string]float64) []float64 {
	out := make([]float64, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
