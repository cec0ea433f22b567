package domain

import "time"

// PriceSource records where a capture row's exchange price came from.
type PriceSource string

const (
	PriceSourceWS   PriceSource = "WS"
	PriceSourceHTTP PriceSource = "HTTP"
	PriceSourceNone PriceSource = "none"
)

// CaptureRow is one sampled observation of a market window.
type CaptureRow struct {
	Timestamp     time.Time   `json:"timestamp"`
	MarketKey     string      `json:"market_key"`
	MarketSlug    string      `json:"market_slug"`
	ExchangePrice float64     `json:"exchange_price"`
	ExchangeOpen  float64     `json:"exchange_open"`
	Momentum      float64     `json:"momentum"`
	UpPrice       float64     `json:"up_price"`
	DownPrice     float64     `json:"down_price"`
	Spread        float64     `json:"spread"`
	TimeRemaining float64     `json:"time_remaining"`
	SourceCount   int         `json:"source_count"`
	Divergence    float64     `json:"divergence"`
	PriceSource   PriceSource `json:"price_source"`
}

// Datetime formats the row timestamp the way exported CSVs carry it.
func (r CaptureRow) Datetime() string {
	return r.Timestamp.UTC().Format("2006-01-02 15:04:05.000")
}
