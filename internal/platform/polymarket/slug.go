package polymarket

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/pulsefeed/internal/domain"
)

var assetFullNames = map[string]string{
	"btc": "bitcoin",
	"eth": "ethereum",
	"sol": "solana",
	"xrp": "xrp",
}

// hourly slugs are written in Eastern time; the site uses a fixed UTC-5.
var eastern = time.FixedZone("ET", -5*60*60)

// BuildSlug returns the event slug of the asset/tf window starting at
// windowStart, e.g. "btc-updown-15m-1769521500" or
// "bitcoin-up-or-down-january-27-8am-et".
func BuildSlug(asset string, tf domain.Timeframe, windowStart time.Time) string {
	asset = strings.ToLower(asset)
	if tf != domain.Timeframe1h {
		return fmt.Sprintf("%s-updown-%s-%d", asset, tf, windowStart.Unix())
	}

	et := windowStart.In(eastern)
	hour := et.Hour()
	var h string
	switch {
	case hour == 0:
		h = "12am"
	case hour < 12:
		h = fmt.Sprintf("%dam", hour)
	case hour == 12:
		h = "12pm"
	default:
		h = fmt.Sprintf("%dpm", hour-12)
	}

	name, ok := assetFullNames[asset]
	if !ok {
		name = asset
	}
	return fmt.Sprintf("%s-up-or-down-%s-%d-%s-et", name, strings.ToLower(et.Month().String()), et.Day(), h)
}
