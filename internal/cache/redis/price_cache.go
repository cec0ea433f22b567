package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/pulsefeed/internal/domain"
	"github.com/redis/go-redis/v9"
)

// DefaultReportTTL bounds how long a report outlives its feed.
const DefaultReportTTL = time.Minute

// PriceCache stores the latest report of each feed as JSON under
// "pulse:report:{feedID}" and publishes it on "pulse:prices:{feedID}".
type PriceCache struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ domain.PriceCache = (*PriceCache)(nil)

// NewPriceCache returns a cache whose entries expire after ttl; zero uses
// DefaultReportTTL.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	if ttl <= 0 {
		ttl = DefaultReportTTL
	}
	return &PriceCache{rdb: c.Underlying(), ttl: ttl}
}

func reportKey(feedID string) string { return "pulse:report:" + feedID }

// PriceChannel is the pub/sub channel carrying a feed's reports.
func PriceChannel(feedID string) string { return "pulse:prices:" + feedID }

// SetReport stores report and publishes it in one pipeline.
func (pc *PriceCache) SetReport(ctx context.Context, report domain.PriceReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("redis: encode report %s: %w", report.FeedID, err)
	}
	pipe := pc.rdb.TxPipeline()
	pipe.Set(ctx, reportKey(report.FeedID), data, pc.ttl)
	pipe.Publish(ctx, PriceChannel(report.FeedID), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set report %s: %w", report.FeedID, err)
	}
	return nil
}

// GetReport returns domain.ErrNotFound when no live report exists.
func (pc *PriceCache) GetReport(ctx context.Context, feedID string) (domain.PriceReport, error) {
	data, err := pc.rdb.Get(ctx, reportKey(feedID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.PriceReport{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.PriceReport{}, fmt.Errorf("redis: get report %s: %w", feedID, err)
	}
	return decodeReport(feedID, data)
}

func decodeReport(feedID string, data []byte) (domain.PriceReport, error) {
	var r domain.PriceReport
	if err := json.Unmarshal(data, &r); err != nil {
		return domain.PriceReport{}, fmt.Errorf("redis: decode report %s: %w", feedID, err)
	}
	return r, nil
}
