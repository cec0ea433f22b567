package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/pulsefeed/internal/domain"
	"github.com/alanyoungcy/pulsefeed/internal/rollover"
)

// Markets is the rollover view the market endpoints read.
type Markets interface {
	Status() []rollover.MarketStatus
	Active(key string) (rollover.BookFeed, domain.Market, bool)
}

var _ Markets = (*rollover.Orchestrator)(nil)

// RecentRows lists stored capture rows.
type RecentRows interface {
	ListRecent(ctx context.Context, marketKey string, limit int) ([]domain.CaptureRow, error)
}

// MarketHandler serves the /api/markets endpoints.
type MarketHandler struct {
	markets  Markets
	rows     RecentRows
	staleAge time.Duration
	logger   *slog.Logger
}

// NewMarketHandler returns a handler; rows may be nil.
func NewMarketHandler(markets Markets, rows RecentRows, staleAge time.Duration, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{markets: markets, rows: rows, staleAge: staleAge, logger: logger}
}

// ListMarkets returns every tracked key.
// GET /api/markets
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"markets": h.markets.Status()})
}

type bookTop struct {
	TokenID   string    `json:"token_id"`
	BestBid   float64   `json:"best_bid"`
	BestAsk   float64   `json:"best_ask"`
	Mid       float64   `json:"mid,omitempty"`
	Spread    float64   `json:"spread,omitempty"`
	Levels    int       `json:"levels"`
	UpdatedAt time.Time `json:"updated_at"`
}

type marketResponse struct {
	Market    domain.Market       `json:"market"`
	Connected bool                `json:"connected"`
	Stale     bool                `json:"stale"`
	UpPrice   float64             `json:"up_price,omitempty"`
	DownPrice float64             `json:"down_price,omitempty"`
	Up        *bookTop            `json:"up,omitempty"`
	Down      *bookTop            `json:"down,omitempty"`
	Rows      []domain.CaptureRow `json:"rows,omitempty"`
}

// GetMarket returns the active window of key with both books' tops.
// GET /api/markets/{key}?rows=20
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	feed, m, ok := h.markets.Active(key)
	if !ok {
		writeError(w, http.StatusNotFound, "market not active")
		return
	}

	resp := marketResponse{
		Market:    m,
		Connected: feed.Connected(),
		Stale:     feed.IsStale(h.staleAge),
		Up:        top(feed, m.Tokens.Up),
		Down:      top(feed, m.Tokens.Down),
	}
	if up, down, ok := feed.Prices(); ok {
		resp.UpPrice, resp.DownPrice = up, down
	}
	if n := queryInt(r, "rows", 0, 500); n > 0 && h.rows != nil {
		rows, err := h.rows.ListRecent(r.Context(), key, n)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "handler: list rows failed",
				slog.String("market", key),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to list rows")
			return
		}
		resp.Rows = rows
	}
	writeJSON(w, http.StatusOK, resp)
}

func top(feed rollover.BookFeed, token string) *bookTop {
	st, ok := feed.Book(token)
	if !ok {
		return nil
	}
	t := &bookTop{
		TokenID:   st.TokenID,
		BestBid:   st.BestBid,
		BestAsk:   st.BestAsk,
		Levels:    len(st.Bids) + len(st.Asks),
		UpdatedAt: st.UpdatedAt,
	}
	t.Mid, _ = st.Mid()
	t.Spread, _ = st.Spread()
	return t
}

// GetFill estimates a fill against the active book.
// GET /api/markets/{key}/fill?token=up&side=BUY&size=100
// token is "up", "down" or a token id.
func (h *MarketHandler) GetFill(w http.ResponseWriter, r *http.Request) {
	feed, m, ok := h.markets.Active(r.PathValue("key"))
	if !ok {
		writeError(w, http.StatusNotFound, "market not active")
		return
	}

	q := r.URL.Query()
	token := q.Get("token")
	switch strings.ToLower(token) {
	case "up":
		token = m.Tokens.Up
	case "down":
		token = m.Tokens.Down
	}
	if token != m.Tokens.Up && token != m.Tokens.Down {
		writeError(w, http.StatusBadRequest, "token must be up, down or a market token id")
		return
	}

	side := domain.Side(strings.ToUpper(q.Get("side")))
	if side == "" {
		side = domain.SideBuy
	}
	if side != domain.SideBuy && side != domain.SideSell {
		writeError(w, http.StatusBadRequest, "side must be BUY or SELL")
		return
	}
	size, err := strconv.ParseFloat(q.Get("size"), 64)
	if err != nil || size <= 0 {
		writeError(w, http.StatusBadRequest, "size must be a positive number")
		return
	}

	est, ok := feed.ExpectedFill(token, side, size)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, domain.ErrInsufficientLiquidity.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token_id": token,
		"side":     side,
		"size":     size,
		"estimate": est,
	})
}
