package capture

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/alanyoungcy/pulsefeed/internal/domain"
)

// RetentionStore is the slice of the row store the retention job needs.
type RetentionStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.CaptureRow, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Retention moves rows older than Keep out of the row store. Rows are
// exported as one CSV per market key before deletion; nothing is deleted
// unless every export succeeded. A nil blob writer deletes without export.
type Retention struct {
	store  RetentionStore
	blob   domain.BlobWriter
	prefix string
	keep   time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func NewRetention(store RetentionStore, blob domain.BlobWriter, prefix string, keep time.Duration, logger *slog.Logger) *Retention {
	return &Retention{
		store:  store,
		blob:   blob,
		prefix: prefix,
		keep:   keep,
		logger: logger.With(slog.String("component", "retention")),
		now:    time.Now,
	}
}

// Run performs one pass and returns the number of rows deleted.
func (r *Retention) Run(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.keep).UTC().Truncate(time.Hour)

	if r.blob != nil {
		rows, err := r.store.ListBefore(ctx, cutoff)
		if err != nil {
			return 0, fmt.Errorf("capture: retention list: %w", err)
		}
		for key, group := range groupByKey(rows) {
			var buf bytes.Buffer
			if err := WriteCSV(&buf, group); err != nil {
				return 0, fmt.Errorf("capture: retention encode %s: %w", key, err)
			}
			object := path.Join(r.prefix, "retention", key, cutoff.Format("2006-01-02T15")+".csv")
			if err := r.blob.PutMultipart(ctx, object, &buf, 0); err != nil {
				return 0, fmt.Errorf("capture: retention upload %s: %w", key, err)
			}
			r.logger.Info("rows exported", slog.String("object", object), slog.Int("rows", len(group)))
		}
	}

	n, err := r.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("capture: retention delete: %w", err)
	}
	r.logger.Info("retention pass complete", slog.Time("cutoff", cutoff), slog.Int64("deleted", n))
	return n, nil
}

func groupByKey(rows []domain.CaptureRow) map[string][]domain.CaptureRow {
	out := make(map[string][]domain.CaptureRow)
	for _, row := range rows {
		out[row.MarketKey] = append(out[row.MarketKey], row)
	}
	return out
}
