package domain

import "context"

// PriceCache provides fast access to the latest aggregated reports.
type PriceCache interface {
	SetReport(ctx context.Context, report PriceReport) error
	GetReport(ctx context.Context, feedID string) (PriceReport, error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
