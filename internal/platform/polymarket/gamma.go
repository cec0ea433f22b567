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

// GammaClient is the REST client for the Gamma API, which resolves event
// slugs to markets and their outcome tokens.
type GammaClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewGammaClient creates a Gamma client.
//
// baseURL is the API root, e.g. "https://gamma-api.polymarket.com".
// limiter may be shared with other clients; nil disables limiting.
func NewGammaClient(baseURL string, timeout time.Duration, limiter *rate.Limiter) *GammaClient {
	return &GammaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
	}
}

// EventMarket is the first market of a Gamma event with its outcome
// tokens mapped to up/down. Prices are zero when the API omits them.
type EventMarket struct {
	Tokens      domain.TokenPair
	UpPrice     float64
	DownPrice   float64
	ConditionID string
	Question    string
	Volume      float64
	Liquidity   float64
}

// EventMarket looks up the event with slug and returns its first market.
// An unknown slug or a market without both outcome tokens is
// domain.ErrNotFound.
func (g *GammaClient) EventMarket(ctx context.Context, slug string) (EventMarket, error) {
	body, err := getJSON(ctx, g.httpClient, g.limiter, g.baseURL+"/events?slug="+url.QueryEscape(slug))
	if err != nil {
		return EventMarket{}, fmt.Errorf("polymarket/gamma: get event %s: %w", slug, err)
	}
	if !gjson.ValidBytes(body) {
		return EventMarket{}, fmt.Errorf("polymarket/gamma: decode event %s: invalid json", slug)
	}

	market := gjson.GetBytes(body, "0.markets.0")
	if !market.Exists() {
		return EventMarket{}, fmt.Errorf("polymarket/gamma: %w: slug=%s", domain.ErrNotFound, slug)
	}

	out := EventMarket{
		ConditionID: market.Get("conditionId").String(),
		Question:    market.Get("question").String(),
		Volume:      market.Get("volume").Float(),
		Liquidity:   market.Get("liquidity").Float(),
	}

	ids := listField(market.Get("clobTokenIds"))
	outcomes := listField(market.Get("outcomes"))
	prices := listField(market.Get("outcomePrices"))

	if len(ids) >= 2 && len(outcomes) >= 2 {
		for i, o := range outcomes {
			if i >= len(ids) {
				break
			}
			var price float64
			if i < len(prices) {
				price = prices[i].Float()
			}
			switch strings.ToUpper(o.String()) {
			case "UP":
				out.Tokens.Up, out.UpPrice = ids[i].String(), price
			case "DOWN":
				out.Tokens.Down, out.DownPrice = ids[i].String(), price
			}
		}
	} else {
		for _, t := range market.Get("tokens").Array() {
			switch strings.ToUpper(t.Get("outcome").String()) {
			case "UP":
				out.Tokens.Up = t.Get("token_id").String()
			case "DOWN":
				out.Tokens.Down = t.Get("token_id").String()
			}
		}
	}

	if !out.Tokens.Valid() {
		return EventMarket{}, fmt.Errorf("polymarket/gamma: %w: no up/down tokens for slug=%s", domain.ErrNotFound, slug)
	}
	return out, nil
}

// listField reads an array that the API may also send as a JSON-encoded
// string.
func listField(r gjson.Result) []gjson.Result {
	if r.Type == gjson.String {
		r = gjson.Parse(r.Str)
	}
	if !r.IsArray() {
		return nil
	}
	return r.Array()
}
