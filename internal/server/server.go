// Package server exposes the read-only query API, Prometheus metrics and
// the WebSocket push endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/pulsefeed/internal/metrics"
	"github.com/alanyoungcy/pulsefeed/internal/server/handler"
	"github.com/alanyoungcy/pulsefeed/internal/server/middleware"
	"github.com/alanyoungcy/pulsefeed/internal/server/ws"
)

// Config holds the HTTP server settings.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables auth
	RatePerSec  float64
	RateBurst   int
}

// Handlers groups the endpoint handlers. Markets and Oracle may be nil in
// feed mode.
type Handlers struct {
	Health  *handler.HealthHandler
	Price   *handler.PriceHandler
	Markets *handler.MarketHandler
	Oracle  *handler.OracleHandler
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and builds the middleware chain.
func NewServer(cfg Config, h Handlers, hub *ws.Hub, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      Routes(cfg, h, hub, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Routes returns the full handler tree.
func Routes(cfg Config, h Handlers, hub *ws.Hub, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	mux.HandleFunc("GET /api/price", h.Price.GetPrice)
	mux.HandleFunc("GET /api/venues", h.Price.GetVenues)
	if h.Markets != nil {
		mux.HandleFunc("GET /api/markets", h.Markets.ListMarkets)
		mux.HandleFunc("GET /api/markets/{key}", h.Markets.GetMarket)
		mux.HandleFunc("GET /api/markets/{key}/fill", h.Markets.GetFill)
	}
	if h.Oracle != nil {
		mux.HandleFunc("GET /api/oracle", h.Oracle.GetOracle)
	}
	mux.Handle("GET /metrics", metrics.Handler())
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var out http.Handler = mux
	out = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(out)
	out = middleware.RateLimit(cfg.RatePerSec, cfg.RateBurst)(out)
	out = metrics.InstrumentHandler(out)
	out = middleware.Logging(logger)(out)
	out = middleware.CORS(cfg.CORSOrigins)(out)
	return out
}

// Start blocks serving until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
