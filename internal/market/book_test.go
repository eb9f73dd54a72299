package market

import (
	"math"
	"testing"

	"polymarket-rewards/pkg/types"
)

func rawBook(asset string, bids, asks []types.PriceLevel) *types.BookResponse {
	return &types.BookResponse{AssetID: asset, Bids: bids, Asks: asks}
}

func TestParseBookLadderOrientation(t *testing.T) {
	t.Parallel()

	// Bids ascending, asks descending — the best of each side is LAST.
	snap := ParseBook(rawBook("tok",
		[]types.PriceLevel{{Price: "0.50", Size: "10"}, {Price: "0.55", Size: "100"}, {Price: "0.57", Size: "50"}},
		[]types.PriceLevel{{Price: "0.70", Size: "10"}, {Price: "0.65", Size: "20"}, {Price: "0.63", Size: "50"}},
	))
	if snap == nil {
		t.Fatal("ParseBook returned nil for a populated book")
	}
	if snap.BestBid != 0.57 {
		t.Errorf("best bid = %v, want 0.57", snap.BestBid)
	}
	if snap.BestAsk != 0.63 {
		t.Errorf("best ask = %v, want 0.63", snap.BestAsk)
	}
	if got := snap.Midpoint; math.Abs(got-0.60) > 1e-9 {
		t.Errorf("midpoint = %v, want 0.60", got)
	}
}

func TestParseBookRejectsInconsistent(t *testing.T) {
	t.Parallel()

	// Empty side.
	if snap := ParseBook(rawBook("tok", nil, []types.PriceLevel{{Price: "0.6", Size: "1"}})); snap != nil {
		t.Error("expected nil snapshot for empty bid side")
	}

	// Crossed book (best bid above best ask).
	crossed := ParseBook(rawBook("tok",
		[]types.PriceLevel{{Price: "0.70", Size: "1"}},
		[]types.PriceLevel{{Price: "0.60", Size: "1"}},
	))
	if crossed != nil {
		t.Error("expected nil snapshot for crossed book")
	}
}

func TestApplyAuthoritativeMidAgreement(t *testing.T) {
	t.Parallel()

	snap := ParseBook(rawBook("tok",
		[]types.PriceLevel{{Price: "0.57", Size: "10"}},
		[]types.PriceLevel{{Price: "0.63", Size: "10"}},
	))
	ApplyAuthoritativeMid(snap, 0.61)

	if snap.Midpoint != 0.61 {
		t.Errorf("midpoint = %v, want the authoritative 0.61", snap.Midpoint)
	}
	if snap.BestBid != 0.57 || snap.BestAsk != 0.63 {
		t.Errorf("agreeing mid must not invert the ladder: bid %v ask %v", snap.BestBid, snap.BestAsk)
	}
}

func TestApplyAuthoritativeMidInversion(t *testing.T) {
	t.Parallel()

	// Local mid 0.20, authoritative 0.70: the neg-risk ladder is oriented for
	// the complement token and must be flipped x ↦ 1−x.
	snap := ParseBook(rawBook("tok",
		[]types.PriceLevel{{Price: "0.18", Size: "10"}},
		[]types.PriceLevel{{Price: "0.22", Size: "10"}},
	))
	ApplyAuthoritativeMid(snap, 0.70)

	if snap.Midpoint != 0.70 {
		t.Errorf("midpoint = %v, want 0.70", snap.Midpoint)
	}
	if math.Abs(snap.BestBid-0.78) > 1e-9 {
		t.Errorf("inverted best bid = %v, want 0.78 (1 − 0.22)", snap.BestBid)
	}
	if math.Abs(snap.BestAsk-0.82) > 1e-9 {
		t.Errorf("inverted best ask = %v, want 0.82 (1 − 0.18)", snap.BestAsk)
	}
	if len(snap.Bids) != 1 || math.Abs(snap.Bids[0].Price-0.78) > 1e-9 {
		t.Errorf("bid ladder not inverted: %+v", snap.Bids)
	}
}

func TestBidDepthUSD(t *testing.T) {
	t.Parallel()

	snap := &types.BookSnapshot{
		Bids: []types.Level{{Price: 0.5, Size: 100}, {Price: 0.4, Size: 50}},
	}
	if got := BidDepthUSD(snap); math.Abs(got-70.0) > 1e-9 {
		t.Errorf("BidDepthUSD = %v, want 70", got)
	}
}

func TestPriceMap(t *testing.T) {
	t.Parallel()

	pm := NewPriceMap()

	if _, ok := pm.Mid("missing"); ok {
		t.Error("Mid should report missing tokens")
	}

	pm.Set(&types.BookSnapshot{AssetID: "tok", Midpoint: 0.55, BestBid: 0.54, BestAsk: 0.56})
	if mid, ok := pm.Mid("tok"); !ok || mid != 0.55 {
		t.Errorf("Mid = %v/%v, want 0.55/true", mid, ok)
	}

	// A feed update overwrites the top of book but keeps the entry.
	pm.SetTopOfBook("tok", 0.60, 0.62, 0.61)
	if mid, _ := pm.Mid("tok"); mid != 0.61 {
		t.Errorf("mid after top-of-book update = %v, want 0.61", mid)
	}

	pm.Drop("tok")
	if _, ok := pm.Mid("tok"); ok {
		t.Error("Mid should miss after Drop")
	}
}
