package domain

import (
	"context"
	"time"
)

// RowSink accepts finished capture rows.
type RowSink interface {
	WriteRows(ctx context.Context, rows []CaptureRow) error
}

// CaptureStore persists capture rows and answers coverage queries.
type CaptureStore interface {
	RowSink
	CountBetween(ctx context.Context, marketKey string, from, to time.Time) (int64, error)
	ListRecent(ctx context.Context, marketKey string, limit int) ([]CaptureRow, error)
}
