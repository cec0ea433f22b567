package capture

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/pulsefeed/internal/domain"
)

// EventCoverage is the notifier event type of coverage alerts.
const EventCoverage = "capture_coverage"

// coverageWindows is how many completed windows the average spans.
const coverageWindows = 16

// Coverage tracks rows captured per completed window as a percentage of
// the rows a full window at the capture tick would hold.
type Coverage struct {
	tick      time.Duration
	threshold float64

	mu        sync.Mutex
	history   map[string][]float64
	lastAlert map[string]float64
}

// NewCoverage returns a tracker for the given tick and alert threshold.
func NewCoverage(tick time.Duration, threshold float64) *Coverage {
	return &Coverage{
		tick:      tick,
		threshold: threshold,
		history:   make(map[string][]float64),
		lastAlert: make(map[string]float64),
	}
}

// Record stores the row count of a completed window.
func (c *Coverage) Record(key string, tf domain.Timeframe, rows int) {
	expected := float64(tf.Duration()) / float64(c.tick)
	if expected <= 0 {
		return
	}
	pct := math.Min(100, float64(rows)/expected*100)

	c.mu.Lock()
	defer c.mu.Unlock()
	h := append(c.history[key], pct)
	if len(h) > coverageWindows {
		h = h[len(h)-coverageWindows:]
	}
	c.history[key] = h
}

// Report returns the average coverage per key over the recent windows.
func (c *Coverage) Report() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(c.history))
	for k, h := range c.history {
		var sum float64
		for _, v := range h {
			sum += v
		}
		out[k] = math.Round(sum/float64(len(h))*10) / 10
	}
	return out
}

// Alert describes a coverage drop.
type Alert struct {
	Key      string
	Coverage float64
	Previous float64
}

// Message renders a for a notifier.
func (a Alert) Message() string {
	return fmt.Sprintf("%s: %.0f%% (was %.0f%%)", a.Key, a.Coverage, a.Previous)
}

// Check compares the current report with the value seen at the previous
// check. It alerts when coverage fell by more than five points, or when it
// crossed below the threshold.
func (c *Coverage) Check() []Alert {
	report := c.Report()

	c.mu.Lock()
	defer c.mu.Unlock()
	var alerts []Alert
	for key, cov := range report {
		last, ok := c.lastAlert[key]
		if !ok {
			last = 100
		}
		if cov < last-5 || (cov < c.threshold && last >= c.threshold) {
			alerts = append(alerts, Alert{Key: key, Coverage: cov, Previous: last})
		}
		c.lastAlert[key] = cov
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].Key < alerts[j].Key })
	return alerts
}
