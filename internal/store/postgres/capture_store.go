package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/pulsefeed/internal/domain"
)

// CaptureStore implements domain.CaptureStore.
type CaptureStore struct {
	pool *pgxpool.Pool
}

var _ domain.CaptureStore = (*CaptureStore)(nil)

func NewCaptureStore(pool *pgxpool.Pool) *CaptureStore {
	return &CaptureStore{pool: pool}
}

const captureSelectCols = `ts, market_key, market_slug, exchange_price, exchange_open,
	momentum, up_price, down_price, spread, time_remaining, source_count,
	divergence, price_source`

const insertCaptureRow = `
	INSERT INTO capture_rows (
		ts, market_key, market_slug, exchange_price, exchange_open,
		momentum, up_price, down_price, spread, time_remaining,
		source_count, divergence, price_source
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

// WriteRows inserts rows in one batch.
func (s *CaptureStore) WriteRows(ctx context.Context, rows []domain.CaptureRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertCaptureRow, rowArgs(r)...)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := range rows {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert capture batch item %d: %w", i, err)
		}
	}
	return nil
}

// CountBetween counts rows of marketKey with from <= ts < to.
func (s *CaptureStore) CountBetween(ctx context.Context, marketKey string, from, to time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM capture_rows WHERE market_key = $1 AND ts >= $2 AND ts < $3`,
		marketKey, from, to,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count capture rows: %w", err)
	}
	return n, nil
}

// ListRecent returns the newest rows of marketKey, newest first.
func (s *CaptureStore) ListRecent(ctx context.Context, marketKey string, limit int) ([]domain.CaptureRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+captureSelectCols+` FROM capture_rows WHERE market_key = $1 ORDER BY ts DESC LIMIT $2`,
		marketKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list capture rows: %w", err)
	}
	defer rows.Close()

	out, err := scanCaptureRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan capture rows: %w", err)
	}
	return out, nil
}

// DeleteBefore removes rows older than before and returns how many went.
func (s *CaptureStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM capture_rows WHERE ts < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete capture rows: %w", err)
	}
	return tag.RowsAffected(), nil
}

// rowArgs maps unknown prices to NULL.
func rowArgs(r domain.CaptureRow) []any {
	var momentum, spread *float64
	if r.ExchangeOpen > 0 && r.ExchangePrice > 0 {
		momentum = &r.Momentum
	}
	if r.UpPrice > 0 && r.DownPrice > 0 {
		spread = &r.Spread
	}
	return []any{
		r.Timestamp.UTC(), r.MarketKey, r.MarketSlug,
		nullPositive(r.ExchangePrice), nullPositive(r.ExchangeOpen), momentum,
		nullPositive(r.UpPrice), nullPositive(r.DownPrice), spread,
		r.TimeRemaining, r.SourceCount, r.Divergence, string(r.PriceSource),
	}
}

func nullPositive(v float64) *float64 {
	if v <= 0 {
		return nil
	}
	return &v
}

func scanCaptureRows(rows pgx.Rows) ([]domain.CaptureRow, error) {
	var out []domain.CaptureRow
	for rows.Next() {
		var (
			r                                      domain.CaptureRow
			exPrice, exOpen, mom, up, down, spread *float64
			source                                 string
		)
		if err := rows.Scan(
			&r.Timestamp, &r.MarketKey, &r.MarketSlug, &exPrice, &exOpen,
			&mom, &up, &down, &spread, &r.TimeRemaining, &r.SourceCount,
			&r.Divergence, &source,
		); err != nil {
			return nil, err
		}
		r.ExchangePrice = deref(exPrice)
		r.ExchangeOpen = deref(exOpen)
		r.Momentum = deref(mom)
		r.UpPrice = deref(up)
		r.DownPrice = deref(down)
		r.Spread = deref(spread)
		r.PriceSource = domain.PriceSource(source)
		out = append(out, r)
	}
	return out, rows.Err()
}

func deref(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

// ListBefore returns every row older than before, oldest first.
func (s *CaptureStore) ListBefore(ctx context.Context, before time.Time) ([]domain.CaptureRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+captureSelectCols+` FROM capture_rows WHERE ts < $1 ORDER BY market_key, ts`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list capture rows before: %w", err)
	}
	defer rows.Close()
	return scanCaptureRows(rows)
}
