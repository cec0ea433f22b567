package polymarket

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alanyoungcy/pulsefeed/internal/domain"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// ClobClient reads public order book data from the CLOB REST API.
type ClobClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

var _ domain.TokenPricer = (*ClobClient)(nil)

// NewClobClient creates a CLOB client.
//
// baseURL is the API root, e.g. "https://clob.polymarket.com".
func NewClobClient(baseURL string, timeout time.Duration, limiter *rate.Limiter) *ClobClient {
	return &ClobClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
	}
}

// TokenMidPrice returns the mid of the first bid and first ask of the
// token's book. A book missing either side is domain.ErrNoPrice.
func (c *ClobClient) TokenMidPrice(ctx context.Context, tokenID string) (float64, error) {
	body, err := getJSON(ctx, c.httpClient, c.limiter, c.baseURL+"/book?token_id="+url.QueryEscape(tokenID))
	if err != nil {
		return 0, fmt.Errorf("polymarket/clob: get book: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return 0, fmt.Errorf("polymarket/clob: decode book: invalid json")
	}

	bid := gjson.GetBytes(body, "bids.0.price")
	ask := gjson.GetBytes(body, "asks.0.price")
	if !bid.Exists() || !ask.Exists() {
		return 0, fmt.Errorf("polymarket/clob: %w: empty side for token %s", domain.ErrNoPrice, tokenID)
	}
	return (bid.Float() + ask.Float()) / 2, nil
}
