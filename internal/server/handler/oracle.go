package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/pulsefeed/internal/oracle"
)

// OracleSource is the reference price poller.
type OracleSource interface {
	Price() (float64, bool)
	Age() (time.Duration, bool)
}

var _ OracleSource = (*oracle.Poller)(nil)

// OracleHandler serves GET /api/oracle.
type OracleHandler struct {
	oracle OracleSource
	feeds  map[string]PriceFeed
	asset  string
}

// NewOracleHandler compares the oracle with the feed of asset. A nil
// oracle answers 503.
func NewOracleHandler(src OracleSource, feeds map[string]PriceFeed, asset string) *OracleHandler {
	return &OracleHandler{oracle: src, feeds: feeds, asset: asset}
}

type oracleResponse struct {
	OraclePrice   float64     `json:"oracle_price"`
	OracleAge     float64     `json:"oracle_age_seconds"`
	RealtimePrice float64     `json:"realtime_price,omitempty"`
	Lag           *oracle.Lag `json:"lag,omitempty"`
}

func (h *OracleHandler) GetOracle(w http.ResponseWriter, _ *http.Request) {
	if h.oracle == nil {
		writeError(w, http.StatusServiceUnavailable, "oracle disabled")
		return
	}
	price, ok := h.oracle.Price()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no oracle price yet")
		return
	}
	resp := oracleResponse{OraclePrice: price}
	if age, ok := h.oracle.Age(); ok {
		resp.OracleAge = age.Seconds()
	}
	if f, ok := h.feeds[h.asset]; ok {
		if rep, ok := f.Report(); ok {
			lag := oracle.ComputeLag(rep.Price, price)
			resp.RealtimePrice = rep.Price
			resp.Lag = &lag
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
