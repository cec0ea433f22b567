// Package venue streams ticker prices from spot exchanges.
//
// Each exchange is a Strategy: it knows its endpoint, its subscribe payload
// and how to read a price out of a frame. A Connector drives any Strategy
// through the shared dial, subscribe, read and reconnect loop.
package venue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/pulsefeed/internal/domain"
	"github.com/tidwall/gjson"
)

// Quote is what a single frame contributes. Zero fields were not present.
type Quote struct {
	Price float64
	Bid   float64
	Ask   float64
}

// Strategy is the venue-specific half of a connector.
type Strategy interface {
	// Name is the venue id used in snapshots, e.g. "kraken" or "kraken_eth".
	Name() string
	// Endpoint resolves the websocket URL. It may perform network I/O.
	Endpoint(ctx context.Context) (string, error)
	// Subscribe returns the payload sent after connecting, or nil when the
	// URL already selects the stream.
	Subscribe() ([]byte, error)
	// Parse extracts a quote from one frame. Frames that carry no price
	// return a zero Quote and nil; only malformed frames return an error.
	Parse(msg []byte) (Quote, error)
}

// keepAliver is implemented by venues that need an application-level ping
// in addition to websocket control pings.
type keepAliver interface {
	KeepAlive() (time.Duration, []byte)
}

var errMalformed = errors.New("malformed frame")

func parseJSON(msg []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(msg) {
		return gjson.Result{}, errMalformed
	}
	return gjson.ParseBytes(msg), nil
}

// number reads a price field. Absent, null and empty fields read as zero;
// anything that is neither a number nor a numeric string is malformed.
func number(r gjson.Result) (float64, error) {
	switch r.Type {
	case gjson.Null:
		return 0, nil
	case gjson.Number:
		return r.Num, nil
	case gjson.String:
		if r.Str == "" {
			return 0, nil
		}
		v, err := strconv.ParseFloat(r.Str, 64)
		if err != nil {
			return 0, errMalformed
		}
		return v, nil
	}
	return 0, errMalformed
}

// quoteAt reads price, bid and ask from the given paths of r. An empty path
// leaves that field zero.
func quoteAt(r gjson.Result, price, bid, ask string) (Quote, error) {
	var q Quote
	for _, f := range []struct {
		path string
		dst  *float64
	}{{price, &q.Price}, {bid, &q.Bid}, {ask, &q.Ask}} {
		if f.path == "" {
			continue
		}
		v, err := number(r.Get(f.path))
		if err != nil {
			return Quote{}, fmt.Errorf("%w: %s", err, f.path)
		}
		*f.dst = v
	}
	return q, nil
}

// VenueID names a venue stream: the bare venue for BTC, "<venue>_<asset>"
// otherwise.
func VenueID(name, asset string) string {
	asset = strings.ToLower(asset)
	if asset == "" || asset == "btc" {
		return name
	}
	return name + "_" + asset
}

// BaseName strips the asset suffix from a venue id.
func BaseName(id string) string {
	if i := strings.IndexByte(id, '_'); i > 0 {
		return id[:i]
	}
	return id
}

type constructor func(asset string) (Strategy, error)

var registry = map[string]constructor{
	"binance":  newBinance,
	"coinbase": newCoinbase,
	"kraken":   newKraken,
	"okx":      newOKX,
	"bybit":    newBybit,
	"gemini":   newGemini,
	"kucoin":   newKuCoin,
	"gateio":   newGateIO,
}

// New builds the strategy for venue name streaming asset. Unknown venues
// return domain.ErrUnknownVenue.
func New(name, asset string) (Strategy, error) {
	ctor, ok := registry[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("venue: %w: %q", domain.ErrUnknownVenue, name)
	}
	if asset == "" {
		asset = "btc"
	}
	return ctor(strings.ToLower(asset))
}

// Names lists every supported venue.
func Names() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
