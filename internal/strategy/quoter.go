package strategy

import (
	"math"

	"polymarket-rewards/pkg/types"
)

const (
	// minTicksFromMid keeps the bid at least one tick below the midpoint even
	// for very tight spread ratios.
	minTicksFromMid = 1

	// budgetOvershoot caps the share count at 1.2× the nominal budget so a
	// min-size bump cannot silently double exposure.
	budgetOvershoot = 1.2

	// budgetFloorPad is the 10% padding on the per-side minimum budget
	// (minSize × mid × 1.1) so a scoring order survives small price drift.
	budgetFloorPad = 1.1

	// Extreme-price regime bounds: outside the interior band single-sided
	// quoting earns nothing, so both legs must be quoted.
	quoteExtremeLow  = 0.1
	quoteExtremeHigh = 0.9
)

// QuoteParams carries the per-tick sizing inputs for the quote engine.
type QuoteParams struct {
	OrderSizeUSD float64 // per-token USD budget base
	SpreadRatio  float64 // placement distance from mid as a fraction of the band
	SingleSided  bool    // quote only the cheaper leg in the interior regime
}

// TargetQuotes produces the ordered set of target bids for one market.
// The core strategy only ever buys: resting bids inside the scoring band earn
// rewards, and complementary bids on both legs keep Q-min balanced.
//
// books must hold the current snapshot per token; tokens with no consistent
// book emit no quote.
func TargetQuotes(m *types.Market, books map[string]*types.BookSnapshot, p QuoteParams) []types.Quote {
	mid0, ok0 := snapshotMid(books, m.Tokens[0].ID)
	mid1, ok1 := snapshotMid(books, m.Tokens[1].ID)
	if !ok0 && !ok1 {
		return nil
	}

	extreme := isExtreme(mid0, mid1, ok0, ok1)

	// Allocate the combined two-sided budget proportionally to each leg's
	// price so share counts stay roughly equal across the pair.
	budget0, budget1 := splitBudget(m, mid0, mid1, ok0, ok1, p.OrderSizeUSD)

	sides := []struct {
		token  types.Token
		mid    float64
		ok     bool
		budget float64
	}{
		{m.Tokens[0], mid0, ok0, budget0},
		{m.Tokens[1], mid1, ok1, budget1},
	}

	if p.SingleSided && !extreme {
		// Quote only the cheaper leg.
		if ok0 && ok1 {
			if mid0 <= mid1 {
				sides = sides[:1]
			} else {
				sides = sides[1:]
			}
		}
	}

	var quotes []types.Quote
	for _, side := range sides {
		if !side.ok {
			continue
		}
		snap := books[side.token.ID]
		q, ok := buildBid(m, snap, side.mid, side.budget, p.SpreadRatio)
		if ok {
			q.TokenID = side.token.ID
			quotes = append(quotes, q)
		}
	}
	return quotes
}

// buildBid computes one target bid for a token, or reports false when no
// valid scoring quote exists at the current book.
func buildBid(m *types.Market, snap *types.BookSnapshot, mid, budgetUSD, spreadRatio float64) (types.Quote, bool) {
	tick := m.TickSize.Float()

	price := roundDownToTick(mid-m.MaxSpread*spreadRatio, tick)

	// Keep clear of the midpoint, don't cross the book, stay inside the
	// scoring band, stay positive.
	if price+minTicksFromMid*tick > mid {
		price = roundDownToTick(mid-minTicksFromMid*tick, tick)
	}
	if snap.BestAsk > 0 && price >= snap.BestAsk-tick {
		price = roundDownToTick(snap.BestAsk-tick, tick)
	}
	if price <= 0 {
		return types.Quote{}, false
	}
	if mid-price >= m.MaxSpread {
		return types.Quote{}, false
	}

	if budgetUSD <= 0 {
		return types.Quote{}, false
	}
	// The per-side floor lifts the budget to minSize × mid × 1.1; the cap
	// below stays relative to the nominal budget.
	floored := math.Max(budgetUSD, m.MinSize*mid*budgetFloorPad)
	shares := floored / price
	if shares < m.MinSize {
		shares = m.MinSize
	}
	maxShares := budgetOvershoot * budgetUSD / price
	if shares > maxShares {
		shares = maxShares
	}
	if shares < m.MinSize {
		return types.Quote{}, false
	}
	shares = math.Floor(shares*100) / 100

	return types.Quote{
		Side:  types.BUY,
		Price: price,
		Size:  shares,
		Level: 0,
	}, true
}

// splitBudget allocates the nominal 2×orderSize across the pair proportionally
// to each leg's midpoint (m₀+m₁ ≈ 1); a lone leg gets orderSize. buildBid
// applies the minSize×midᵢ×1.1 floor per side.
func splitBudget(m *types.Market, mid0, mid1 float64, ok0, ok1 bool, orderSize float64) (float64, float64) {
	combined := 2 * orderSize

	switch {
	case ok0 && ok1:
		total := mid0 + mid1
		if total <= 0 {
			return 0, 0
		}
		b0 := combined * mid0 / total
		b1 := combined * mid1 / total
		return b0, b1
	case ok0:
		return orderSize, 0
	case ok1:
		return 0, orderSize
	default:
		return 0, 0
	}
}

func isExtreme(mid0, mid1 float64, ok0, ok1 bool) bool {
	if ok0 && (mid0 > quoteExtremeHigh || mid0 < quoteExtremeLow) {
		return true
	}
	if ok1 && (mid1 > quoteExtremeHigh || mid1 < quoteExtremeLow) {
		return true
	}
	return false
}

func snapshotMid(books map[string]*types.BookSnapshot, tokenID string) (float64, bool) {
	snap := books[tokenID]
	if snap == nil || snap.Midpoint <= 0 || snap.Midpoint >= 1 {
		return 0, false
	}
	return snap.Midpoint, true
}

func roundDownToTick(v, tick float64) float64 {
	if tick <= 0 {
		return v
	}
	steps := math.Floor(v/tick + 1e-9)
	// Re-quantize to kill float drift from the division.
	return math.Round(steps*tick*1e6) / 1e6
}
