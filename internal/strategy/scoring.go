// Package strategy computes target quotes and reward-score estimates for the
// liquidity program. The exchange apportions each market's daily pool by a
// per-sample Q-min score across participants; everything here mirrors that
// published formula so the scanner can rank markets and the engine can report
// an expected reward share.
package strategy

import (
	"math"

	"polymarket-rewards/pkg/types"
)

const (
	// twoSidedDivisor is the c constant in the published scoring rule: inside
	// the interior price regime a one-sided book still earns up to Q/c.
	twoSidedDivisor = 3.0

	// extremeLow/extremeHigh bound the interior midpoint regime. Outside it,
	// single-sided liquidity pays nothing.
	extremeLow  = 0.10
	extremeHigh = 0.90

	// competitionDamping and competitionFloor shape the reward-share estimate:
	// share = own / (own + damping×competition + floor).
	competitionDamping = 0.5
	competitionFloor   = 50.0
)

// OrderScore is the per-order scoring function S(v, s, b):
//
//	S = ((v − s)/v)² × b
//
// where v is the market's max spread, s the distance from midpoint, and b the
// order size in shares. Zero outside 0 ≤ s < v or for non-positive size.
func OrderScore(maxSpread, distance, size float64) float64 {
	if maxSpread <= 0 || size <= 0 {
		return 0
	}
	if distance < 0 || distance >= maxSpread {
		return 0
	}
	ratio := (maxSpread - distance) / maxSpread
	return ratio * ratio * size
}

// QMin combines the two directional scores for a market sample.
//
// Q₁ aggregates bids on the primary token plus asks on the complement; Q₂ the
// reverse. In the interior regime a single-sided book still earns Q/c; at
// extreme midpoints only the two-sided minimum pays.
func QMin(q1, q2, midpoint float64) float64 {
	minQ := math.Min(q1, q2)
	if midpoint < extremeLow || midpoint > extremeHigh {
		return minQ
	}
	maxQ := math.Max(q1, q2)
	return math.Max(minQ, maxQ/twoSidedDivisor)
}

// QuoteSetScore computes Q-min for our own quote set on a market.
// Quotes are all on the two complementary tokens; a BUY on the primary token
// counts toward Q₁, a BUY on the complement toward Q₂ (a bid for the
// complement is economically an ask on the primary).
func QuoteSetScore(m *types.Market, quotes []types.Quote, mids map[string]float64) float64 {
	primary := m.Tokens[0].ID

	var q1, q2 float64
	for _, q := range quotes {
		mid, ok := mids[q.TokenID]
		if !ok {
			continue
		}
		s := OrderScore(m.MaxSpread, math.Abs(q.Price-mid), q.Size)
		sameSideAsPrimary := (q.TokenID == primary) == (q.Side == types.BUY)
		if sameSideAsPrimary {
			q1 += s
		} else {
			q2 += s
		}
	}

	mid, ok := mids[primary]
	if !ok {
		return 0
	}
	return QMin(q1, q2, mid)
}

// CompetitionUSD is the scoring-weighted sum of every resting order within
// maxSpread of the midpoint, both sides of one book. Used as the denominator
// signal for market ranking and reward-share estimation.
func CompetitionUSD(snap *types.BookSnapshot, maxSpread float64) float64 {
	if snap == nil || snap.Midpoint <= 0 {
		return 0
	}

	var total float64
	for _, lvl := range snap.Bids {
		total += OrderScore(maxSpread, math.Abs(snap.Midpoint-lvl.Price), lvl.Size)
	}
	for _, lvl := range snap.Asks {
		total += OrderScore(maxSpread, math.Abs(lvl.Price-snap.Midpoint), lvl.Size)
	}
	return total
}

// EstimateDailyReward is the order-of-magnitude share estimate used for
// ranking and reporting:
//
//	share = Qmin_own / (Qmin_own + 0.5×competition + 50) × dailyRate
func EstimateDailyReward(qminOwn, competitionUSD, dailyRate float64) float64 {
	if qminOwn <= 0 || dailyRate <= 0 {
		return 0
	}
	return qminOwn / (qminOwn + competitionDamping*competitionUSD + competitionFloor) * dailyRate
}
