package domain

import "time"

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Side selects which ladder a fill walks.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OutcomeBookState is the reconstructed book for one outcome token. Bids are
// sorted by price descending, asks ascending. A zero BestBid or BestAsk means
// the side is unknown.
type OutcomeBookState struct {
	TokenID   string
	BestBid   float64
	BestAsk   float64
	Bids      []PriceLevel
	Asks      []PriceLevel
	UpdatedAt time.Time
}

// Mid returns the mid price, defined only when both sides are known.
func (s OutcomeBookState) Mid() (float64, bool) {
	if s.BestBid <= 0 || s.BestAsk <= 0 {
		return 0, false
	}
	return (s.BestBid + s.BestAsk) / 2, true
}

// Spread returns best ask minus best bid when both sides are known.
func (s OutcomeBookState) Spread() (float64, bool) {
	if s.BestBid <= 0 || s.BestAsk <= 0 {
		return 0, false
	}
	return s.BestAsk - s.BestBid, true
}

// FillEstimate is the outcome of walking a ladder for a given size.
type FillEstimate struct {
	AvgPrice    float64 `json:"avg_price"`
	TotalCost   float64 `json:"total_cost"`
	Slippage    float64 `json:"slippage"`
	BestPrice   float64 `json:"best_price"`
	SlippagePct float64 `json:"slippage_pct"`
}
