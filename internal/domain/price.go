package domain

import (
	"sort"
	"time"
)

// Snapshot is one venue's latest price observation. A new Snapshot replaces
// the previous one for the same venue; snapshots are never mutated.
type Snapshot struct {
	Venue string
	Price float64
	Bid   float64
	Ask   float64
	Time  time.Time
}

// Age reports how old the snapshot is relative to now.
func (s Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.Time)
}

// AggregatedResult is the output of one aggregation pass.
type AggregatedResult struct {
	Price            float64
	RawPrices        map[string]float64
	NormalizedPrices map[string]float64
	SourceCount      int
	DivergencePct    float64
	Confidence       float64
	USDTPremiumPct   float64
	Sequence         uint64
	Timestamp        time.Time
}

// Sources returns the contributing venue ids in sorted order.
func (r AggregatedResult) Sources() []string {
	out := make([]string, 0, len(r.RawPrices))
	for v := range r.RawPrices {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// PriceReport is the signed-off, externally published form of an
// AggregatedResult. PriceInt is the price in 1e-8 units.
type PriceReport struct {
	FeedID      string   `json:"feed_id"`
	Price       float64  `json:"price"`
	PriceInt    int64    `json:"price_int"`
	TimestampMs int64    `json:"timestamp_ms"`
	SequenceID  uint64   `json:"sequence_id"`
	SourceCount int      `json:"source_count"`
	Sources     []string `json:"sources"`
	Confidence  float64  `json:"confidence"`
	Divergence  float64  `json:"divergence"`
	Hash        string   `json:"hash"`
}
