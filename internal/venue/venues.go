package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/pulsefeed/internal/domain"
	"github.com/tidwall/gjson"
)

// ---------------------------------------------------------------------------
// Binance (US endpoint, subscription implied by URL)
// ---------------------------------------------------------------------------

type binance struct {
	id  string
	url string
}

func newBinance(asset string) (Strategy, error) {
	return &binance{
		id:  VenueID("binance", asset),
		url: fmt.Sprintf("wss://stream.binance.us:9443/ws/%susdt@ticker", asset),
	}, nil
}

func (b *binance) Name() string                             { return b.id }
func (b *binance) Endpoint(context.Context) (string, error) { return b.url, nil }
func (b *binance) Subscribe() ([]byte, error)               { return nil, nil }

func (b *binance) Parse(msg []byte) (Quote, error) {
	r, err := parseJSON(msg)
	if err != nil {
		return Quote{}, err
	}
	return quoteAt(r, "c", "b", "a")
}

// ---------------------------------------------------------------------------
// Coinbase
// ---------------------------------------------------------------------------

type coinbase struct {
	id      string
	product string
}

func newCoinbase(asset string) (Strategy, error) {
	return &coinbase{id: VenueID("coinbase", asset), product: strings.ToUpper(asset) + "-USD"}, nil
}

func (c *coinbase) Name() string { return c.id }

func (c *coinbase) Endpoint(context.Context) (string, error) {
	return "wss://ws-feed.exchange.coinbase.com", nil
}

func (c *coinbase) Subscribe() ([]byte, error) {
	return json.Marshal(map[string]any{
		"type": "subscribe",
		"channels": []map[string]any{
			{"name": "ticker", "product_ids": []string{c.product}},
		},
	})
}

func (c *coinbase) Parse(msg []byte) (Quote, error) {
	r, err := parseJSON(msg)
	if err != nil {
		return Quote{}, err
	}
	if r.Get("type").String() != "ticker" {
		return Quote{}, nil
	}
	return quoteAt(r, "price", "best_bid", "best_ask")
}

// ---------------------------------------------------------------------------
// Kraken (v2 API, plain symbols rather than XBT)
// ---------------------------------------------------------------------------

type kraken struct {
	id   string
	pair string
}

func newKraken(asset string) (Strategy, error) {
	return &kraken{id: VenueID("kraken", asset), pair: strings.ToUpper(asset) + "/USD"}, nil
}

func (k *kraken) Name() string                             { return k.id }
func (k *kraken) Endpoint(context.Context) (string, error) { return "wss://ws.kraken.com/v2", nil }

func (k *kraken) Subscribe() ([]byte, error) {
	return json.Marshal(map[string]any{
		"method": "subscribe",
		"params": map[string]any{"channel": "ticker", "symbol": []string{k.pair}},
	})
}

func (k *kraken) Parse(msg []byte) (Quote, error) {
	r, err := parseJSON(msg)
	if err != nil {
		return Quote{}, err
	}
	if r.Get("channel").String() != "ticker" {
		return Quote{}, nil
	}
	t := r.Get("data.0")
	if !t.IsObject() {
		return Quote{}, nil
	}
	return quoteAt(t, "last", "bid", "ask")
}

// ---------------------------------------------------------------------------
// OKX
// ---------------------------------------------------------------------------

type okx struct {
	id     string
	instID string
}

func newOKX(asset string) (Strategy, error) {
	return &okx{id: VenueID("okx", asset), instID: strings.ToUpper(asset) + "-USDT"}, nil
}

func (o *okx) Name() string { return o.id }

func (o *okx) Endpoint(context.Context) (string, error) {
	return "wss://ws.okx.com:8443/ws/v5/public", nil
}

func (o *okx) Subscribe() ([]byte, error) {
	return json.Marshal(map[string]any{
		"op":   "subscribe",
		"args": []map[string]string{{"channel": "tickers", "instId": o.instID}},
	})
}

func (o *okx) Parse(msg []byte) (Quote, error) {
	r, err := parseJSON(msg)
	if err != nil {
		return Quote{}, err
	}
	t := r.Get("data.0")
	if !t.IsObject() {
		return Quote{}, nil
	}
	return quoteAt(t, "last", "bidPx", "askPx")
}

// ---------------------------------------------------------------------------
// Bybit (v5 spot)
// ---------------------------------------------------------------------------

type bybit struct {
	id    string
	topic string
}

func newBybit(asset string) (Strategy, error) {
	return &bybit{id: VenueID("bybit", asset), topic: "tickers." + strings.ToUpper(asset) + "USDT"}, nil
}

func (b *bybit) Name() string { return b.id }

func (b *bybit) Endpoint(context.Context) (string, error) {
	return "wss://stream.bybit.com/v5/public/spot", nil
}

func (b *bybit) Subscribe() ([]byte, error) {
	return json.Marshal(map[string]any{"op": "subscribe", "args": []string{b.topic}})
}

func (b *bybit) Parse(msg []byte) (Quote, error) {
	r, err := parseJSON(msg)
	if err != nil {
		return Quote{}, err
	}
	if !strings.HasPrefix(r.Get("topic").String(), "tickers.") {
		return Quote{}, nil
	}
	d := r.Get("data")
	return quoteAt(d, "lastPrice", "bid1Price", "ask1Price")
}

// ---------------------------------------------------------------------------
// Gemini (v1 market data, no XRP listing)
// ---------------------------------------------------------------------------

type gemini struct {
	id  string
	url string
}

func newGemini(asset string) (Strategy, error) {
	if asset == "xrp" {
		return nil, fmt.Errorf("venue: gemini: %w: %s", domain.ErrUnsupportedAsset, asset)
	}
	return &gemini{
		id:  VenueID("gemini", asset),
		url: fmt.Sprintf("wss://api.gemini.com/v1/marketdata/%susd", asset),
	}, nil
}

func (g *gemini) Name() string                             { return g.id }
func (g *gemini) Endpoint(context.Context) (string, error) { return g.url, nil }
func (g *gemini) Subscribe() ([]byte, error)               { return nil, nil }

// Parse reads trade prices. Change events only move bid/ask.
func (g *gemini) Parse(msg []byte) (Quote, error) {
	r, err := parseJSON(msg)
	if err != nil {
		return Quote{}, err
	}
	switch r.Get("type").String() {
	case "trade":
		return quoteAt(r, "price", "", "")
	case "change":
		switch r.Get("side").String() {
		case "bid":
			return quoteAt(r, "", "price", "")
		case "ask":
			return quoteAt(r, "", "", "price")
		}
		return Quote{}, nil
	}
	var (
		q    Quote
		qerr error
	)
	r.Get("events").ForEach(func(_, ev gjson.Result) bool {
		if ev.Get("type").String() == "trade" {
			q, qerr = quoteAt(ev, "price", "", "")
			return false
		}
		return true
	})
	return q, qerr
}

// ---------------------------------------------------------------------------
// Gate.io (v4)
// ---------------------------------------------------------------------------

type gateio struct {
	id   string
	pair string
}

func newGateIO(asset string) (Strategy, error) {
	return &gateio{id: VenueID("gateio", asset), pair: strings.ToUpper(asset) + "_USDT"}, nil
}

func (g *gateio) Name() string                             { return g.id }
func (g *gateio) Endpoint(context.Context) (string, error) { return "wss://api.gateio.ws/ws/v4/", nil }

func (g *gateio) Subscribe() ([]byte, error) {
	return json.Marshal(map[string]any{
		"time":    time.Now().Unix(),
		"channel": "spot.tickers",
		"event":   "subscribe",
		"payload": []string{g.pair},
	})
}

func (g *gateio) Parse(msg []byte) (Quote, error) {
	r, err := parseJSON(msg)
	if err != nil {
		return Quote{}, err
	}
	if r.Get("channel").String() != "spot.tickers" || r.Get("event").String() != "update" {
		return Quote{}, nil
	}
	res := r.Get("result")
	return quoteAt(res, "last", "highest_bid", "lowest_ask")
}
