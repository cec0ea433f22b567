package aggregate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/pulsefeed/internal/domain"
	"github.com/shopspring/decimal"
)

// priceScale is the number of decimal places carried by PriceReport.PriceInt.
const priceScale = 8

// NewReport turns an aggregation result into a publishable report.
func NewReport(feedID string, r domain.AggregatedResult) domain.PriceReport {
	priceInt := decimal.NewFromFloat(r.Price).Shift(priceScale).IntPart()
	tsMs := r.Timestamp.UnixMilli()
	return domain.PriceReport{
		FeedID:      feedID,
		Price:       r.Price,
		PriceInt:    priceInt,
		TimestampMs: tsMs,
		SequenceID:  r.Sequence,
		SourceCount: r.SourceCount,
		Sources:     r.Sources(),
		Confidence:  r.Confidence,
		Divergence:  r.DivergencePct,
		Hash:        ReportHash(feedID, priceInt, tsMs, r.Sequence, r.SourceCount),
	}
}

// ReportHash is the first 16 hex characters of the SHA-256 of the report's
// identity fields, serialized as key-sorted JSON with ", " and ": "
// separators.
func ReportHash(feedID string, priceInt, tsMs int64, seq uint64, sources int) string {
	id, _ := json.Marshal(feedID)
	canonical := fmt.Sprintf(`{"feed_id": %s, "price_int": %d, "sequence_id": %d, "source_count": %d, "timestamp_ms": %d}`,
		id, priceInt, seq, sources, tsMs)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])[:16]
}

// VerifyReport recomputes the hash of r.
func VerifyReport(r domain.PriceReport) bool {
	return r.Hash == ReportHash(r.FeedID, r.PriceInt, r.TimestampMs, r.SequenceID, r.SourceCount)
}
