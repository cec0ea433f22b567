package aggregate

import (
	"testing"
	"time"

	"github.com/alanyoungcy/pulsefeed/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestNewReport(t *testing.T) {
	res := domain.AggregatedResult{
		Price:         97000.12345678,
		RawPrices:     map[string]float64{"kraken": 1, "coinbase": 1},
		SourceCount:   2,
		Confidence:    0.9,
		DivergencePct: 0.05,
		Sequence:      42,
		Timestamp:     time.UnixMilli(1_700_000_000_123),
	}
	r := NewReport("BTC-USD", res)

	assert.Equal(t, int64(9700012345678), r.PriceInt)
	assert.Equal(t, int64(1_700_000_000_123), r.TimestampMs)
	assert.Equal(t, []string{"coinbase", "kraken"}, r.Sources)
	assert.Len(t, r.Hash, 16)
	assert.True(t, VerifyReport(r))

	r.SequenceID++
	assert.False(t, VerifyReport(r))
}

func TestReportHashIsDeterministic(t *testing.T) {
	a := ReportHash("BTC-USD", 9700000000000, 1_700_000_000_000, 1, 3)
	b := ReportHash("BTC-USD", 9700000000000, 1_700_000_000_000, 1, 3)
	c := ReportHash("ETH-USD", 9700000000000, 1_700_000_000_000, 1, 3)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
