package capture

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/alanyoungcy/pulsefeed/internal/domain"
)

// CSVHeader is the column order of exported capture files.
var CSVHeader = []string{
	"timestamp", "datetime", "market_slug",
	"exchange_price", "exchange_open", "momentum",
	"up_price", "down_price", "spread",
	"time_remaining", "source_count", "divergence", "price_source",
}

// WriteCSV writes rows with a header. Unknown values are left empty.
func WriteCSV(w io.Writer, rows []domain.CaptureRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}
	for _, r := range rows {
		momentum := ""
		if r.ExchangeOpen > 0 && r.ExchangePrice > 0 {
			momentum = strconv.FormatFloat(r.Momentum, 'f', 4, 64)
		}
		spread := ""
		if r.UpPrice > 0 && r.DownPrice > 0 {
			spread = strconv.FormatFloat(r.Spread, 'f', 4, 64)
		}
		rec := []string{
			strconv.FormatInt(r.Timestamp.Unix(), 10),
			r.Datetime(),
			r.MarketSlug,
			positive(r.ExchangePrice, 2),
			positive(r.ExchangeOpen, 2),
			momentum,
			positive(r.UpPrice, 4),
			positive(r.DownPrice, 4),
			spread,
			strconv.FormatFloat(r.TimeRemaining, 'f', 0, 64),
			strconv.Itoa(r.SourceCount),
			strconv.FormatFloat(r.Divergence, 'f', 4, 64),
			string(r.PriceSource),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func positive(v float64, prec int) string {
	if v <= 0 {
		return ""
	}
	return strconv.FormatFloat(v, 'f', prec, 64)
}
