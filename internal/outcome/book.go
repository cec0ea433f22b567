package outcome

import (
	"math"
	"sort"
	"time"

	"github.com/alanyoungcy/pulsefeed/internal/domain"
)

// Book states are immutable once published: every event builds a new
// value and readers hold whichever pointer they loaded.

// withLadders returns a state holding a full snapshot. Levels are copied,
// empty levels dropped and equal prices merged, so bids end strictly
// descending and asks strictly ascending. Either side ending up empty
// leaves prev unchanged.
func withLadders(prev domain.OutcomeBookState, bids, asks []domain.PriceLevel, now time.Time) (domain.OutcomeBookState, bool) {
	b := ladder(bids, func(x, y float64) bool { return x > y })
	a := ladder(asks, func(x, y float64) bool { return x < y })
	if len(b) == 0 || len(a) == 0 {
		return prev, false
	}

	return domain.OutcomeBookState{
		TokenID:   prev.TokenID,
		BestBid:   b[0].Price,
		BestAsk:   a[0].Price,
		Bids:      b,
		Asks:      a,
		UpdatedAt: now,
	}, true
}

// ladder returns the positive levels of in ordered by better, one level per
// price.
func ladder(in []domain.PriceLevel, better func(x, y float64) bool) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(in))
	for _, l := range in {
		if l.Price > 0 && l.Size > 0 {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return better(out[i].Price, out[j].Price) })

	merged := out[:0]
	for _, l := range out {
		if n := len(merged); n > 0 && merged[n-1].Price == l.Price {
			merged[n-1].Size += l.Size
			continue
		}
		merged = append(merged, l)
	}
	return merged
}

// withTop moves the top of book without touching the ladders.
func withTop(prev domain.OutcomeBookState, bid, ask float64, now time.Time) domain.OutcomeBookState {
	next := prev
	next.BestBid = bid
	next.BestAsk = ask
	next.UpdatedAt = now
	return next
}

// expectedFill walks asks for a buy or bids for a sell until size is
// filled. It fails when the ladder cannot absorb size.
func expectedFill(s domain.OutcomeBookState, side domain.Side, size float64) (domain.FillEstimate, bool) {
	ladder, best := s.Asks, s.BestAsk
	if side == domain.SideSell {
		ladder, best = s.Bids, s.BestBid
	}
	if size <= 0 || len(ladder) == 0 || best <= 0 {
		return domain.FillEstimate{}, false
	}

	remaining := size
	cost := 0.0
	for _, lvl := range ladder {
		if remaining <= 0 {
			break
		}
		fill := math.Min(remaining, lvl.Size)
		cost += fill * lvl.Price
		remaining -= fill
	}
	if remaining > 1e-12 {
		return domain.FillEstimate{}, false
	}

	avg := cost / size
	slip := math.Abs(avg - best)
	return domain.FillEstimate{
		AvgPrice:    avg,
		TotalCost:   cost,
		Slippage:    slip,
		BestPrice:   best,
		SlippagePct: slip / best * 100,
	}, true
}

// liquidity sums size at or better than limit: asks priced <= limit for a
// buy, bids priced >= limit for a sell. A non-positive limit sums the whole
// ladder.
func liquidity(s domain.OutcomeBookState, side domain.Side, limit float64) float64 {
	total := 0.0
	if side == domain.SideSell {
		for _, lvl := range s.Bids {
			if limit <= 0 || lvl.Price >= limit {
				total += lvl.Size
			}
		}
		return total
	}
	for _, lvl := range s.Asks {
		if limit <= 0 || lvl.Price <= limit {
			total += lvl.Size
		}
	}
	return total
}
