package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/pulsefeed/internal/aggregate"
	"github.com/alanyoungcy/pulsefeed/internal/domain"
)

// PriceFeed is the per-asset aggregate the price endpoints read.
type PriceFeed interface {
	Report() (domain.PriceReport, bool)
	Status() aggregate.Status
}

var _ PriceFeed = (*aggregate.Feed)(nil)

// PriceHandler serves /api/price and /api/venues.
type PriceHandler struct {
	feeds  map[string]PriceFeed
	cache  domain.PriceCache
	asset  string
	logger *slog.Logger
}

// NewPriceHandler returns a handler over feeds keyed by asset. cache may be
// nil; when set it answers for assets that have no live report.
func NewPriceHandler(feeds map[string]PriceFeed, cache domain.PriceCache, defaultAsset string, logger *slog.Logger) *PriceHandler {
	return &PriceHandler{feeds: feeds, cache: cache, asset: defaultAsset, logger: logger}
}

// GetPrice returns the latest report.
// GET /api/price?asset=btc
func (h *PriceHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	asset := queryAsset(r, h.asset)
	if f, ok := h.feeds[asset]; ok {
		if rep, ok := f.Report(); ok {
			writeJSON(w, http.StatusOK, rep)
			return
		}
	}
	if h.cache == nil {
		writeError(w, http.StatusServiceUnavailable, "no price available")
		return
	}
	rep, err := h.cache.GetReport(r.Context(), aggregate.FeedIDFor(asset))
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusServiceUnavailable, "no price available")
	case err != nil:
		h.logger.ErrorContext(r.Context(), "handler: cached report failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read price")
	default:
		writeJSON(w, http.StatusOK, rep)
	}
}

// GetVenues returns feed status with per-venue connection state.
// GET /api/venues?asset=btc
func (h *PriceHandler) GetVenues(w http.ResponseWriter, r *http.Request) {
	f, ok := h.feeds[queryAsset(r, h.asset)]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown asset")
		return
	}
	writeJSON(w, http.StatusOK, f.Status())
}
