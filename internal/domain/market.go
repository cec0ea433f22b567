package domain

import (
	"fmt"
	"time"
)

// Timeframe is the duration class of a prediction-market window.
type Timeframe string

const (
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1hr"
)

var timeframeDurations = map[Timeframe]time.Duration{
	Timeframe5m:  5 * time.Minute,
	Timeframe15m: 15 * time.Minute,
	Timeframe1h:  time.Hour,
}

// ParseTimeframe validates s as a known timeframe.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := timeframeDurations[tf]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTimeframe, s)
	}
	return tf, nil
}

// Duration returns the window length, or zero for an unknown timeframe.
func (t Timeframe) Duration() time.Duration {
	return timeframeDurations[t]
}

// WindowStart returns the start of the window containing ts. Windows are
// aligned to multiples of the timeframe since the unix epoch.
func (t Timeframe) WindowStart(ts time.Time) time.Time {
	d := int64(t.Duration() / time.Second)
	if d == 0 {
		return ts.Truncate(time.Second)
	}
	sec := ts.Unix()
	return time.Unix(sec-sec%d, 0).UTC()
}

// Remaining returns the time left in the window containing ts.
func (t Timeframe) Remaining(ts time.Time) time.Duration {
	return t.WindowStart(ts).Add(t.Duration()).Sub(ts)
}

// MarketKey identifies a tracked market slot, e.g. "btc_15m".
func MarketKey(asset string, tf Timeframe) string {
	return asset + "_" + string(tf)
}

// TokenPair is the UP/DOWN outcome token ids of one window.
type TokenPair struct {
	Up   string `json:"up"`
	Down string `json:"down"`
}

// Valid reports whether both ids are set.
func (p TokenPair) Valid() bool {
	return p.Up != "" && p.Down != ""
}

// Market is one prediction-market window supplied by discovery.
type Market struct {
	Slug        string    `json:"slug"`
	Asset       string    `json:"asset"`
	Timeframe   Timeframe `json:"timeframe"`
	WindowStart time.Time `json:"window_start"`
	Tokens      TokenPair `json:"tokens"`
	ConditionID string    `json:"condition_id,omitempty"`
	Question    string    `json:"question,omitempty"`
	UpPrice     float64   `json:"up_price,omitempty"`
	DownPrice   float64   `json:"down_price,omitempty"`
}

// Key returns the market slot key.
func (m Market) Key() string {
	return MarketKey(m.Asset, m.Timeframe)
}

// WindowEnd returns the instant the window closes.
func (m Market) WindowEnd() time.Time {
	return m.WindowStart.Add(m.Timeframe.Duration())
}
