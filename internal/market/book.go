// Package market provides book parsing and reward-market discovery.
//
// ParseBook turns a raw CLOB ladder into a BookSnapshot with derived
// midpoint and top of book. The wire encoding lists bids ascending and asks
// descending, so the best of each side is the LAST element of its ladder.
//
// Neg-risk markets arrive with the ladder oriented opposite to the token the
// engine is quoting; ApplyAuthoritativeMid detects the disagreement against
// the exchange-computed midpoint and flips the snapshot.
package market

import (
	"strconv"
	"sync"
	"time"

	"polymarket-rewards/pkg/types"
)

// negRiskDivergence is the midpoint disagreement beyond which the local
// ladder is considered inverted.
const negRiskDivergence = 0.3

// ParseBook converts a raw book response into a parsed snapshot.
// Returns nil when the ladder is empty on either side.
func ParseBook(resp *types.BookResponse) *types.BookSnapshot {
	bids := parseLevels(resp.Bids)
	asks := parseLevels(resp.Asks)
	if len(bids) == 0 || len(asks) == 0 {
		return nil
	}

	bestBid := bids[len(bids)-1].Price
	bestAsk := asks[len(asks)-1].Price
	if bestBid <= 0 || bestAsk <= bestBid || bestAsk >= 1 {
		return nil
	}

	return &types.BookSnapshot{
		AssetID:   resp.AssetID,
		Midpoint:  (bestBid + bestAsk) / 2,
		BestBid:   bestBid,
		BestAsk:   bestAsk,
		Bids:      bids,
		Asks:      asks,
		Timestamp: time.Now(),
	}
}

// ApplyAuthoritativeMid reconciles the parsed snapshot with the exchange's
// batched midpoint. When the two disagree by more than negRiskDivergence the
// local ladder is oriented for the complement token: bid/ask are swapped and
// mapped x ↦ 1−x, level ladders included. The authoritative midpoint always
// wins.
func ApplyAuthoritativeMid(snap *types.BookSnapshot, trueMid float64) {
	if snap == nil || trueMid <= 0 || trueMid >= 1 {
		return
	}

	diff := trueMid - snap.Midpoint
	if diff < 0 {
		diff = -diff
	}
	if diff > negRiskDivergence {
		invert(snap)
	}
	snap.Midpoint = trueMid
}

func invert(snap *types.BookSnapshot) {
	snap.BestBid, snap.BestAsk = 1-snap.BestAsk, 1-snap.BestBid
	newBids := invertLevels(snap.Asks)
	newAsks := invertLevels(snap.Bids)
	snap.Bids, snap.Asks = newBids, newAsks
}

func invertLevels(levels []types.Level) []types.Level {
	out := make([]types.Level, len(levels))
	for i, lvl := range levels {
		out[i] = types.Level{Price: 1 - lvl.Price, Size: lvl.Size}
	}
	return out
}

// BidDepthUSD sums the notional resting on the bid side.
func BidDepthUSD(snap *types.BookSnapshot) float64 {
	var depth float64
	for _, lvl := range snap.Bids {
		depth += lvl.Price * lvl.Size
	}
	return depth
}

func parseLevels(raw []types.PriceLevel) []types.Level {
	out := make([]types.Level, 0, len(raw))
	for _, lvl := range raw {
		price, err1 := strconv.ParseFloat(lvl.Price, 64)
		size, err2 := strconv.ParseFloat(lvl.Size, 64)
		if err1 != nil || err2 != nil || price <= 0 || size <= 0 {
			continue
		}
		out = append(out, types.Level{Price: price, Size: size})
	}
	return out
}

// PriceMap holds the last observed snapshot per token. Written by both the
// feed path and the tick path; readers tolerate missing or mildly stale
// entries.
type PriceMap struct {
	mu    sync.RWMutex
	books map[string]*types.BookSnapshot
}

// NewPriceMap creates an empty price map.
func NewPriceMap() *PriceMap {
	return &PriceMap{books: make(map[string]*types.BookSnapshot)}
}

// Get returns the snapshot for a token, or nil.
func (pm *PriceMap) Get(tokenID string) *types.BookSnapshot {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.books[tokenID]
}

// Set stores a snapshot.
func (pm *PriceMap) Set(snap *types.BookSnapshot) {
	if snap == nil {
		return
	}
	pm.mu.Lock()
	pm.books[snap.AssetID] = snap
	pm.mu.Unlock()
}

// SetTopOfBook updates only the derived fields from a feed mid update,
// preserving any ladder from the last REST refresh.
func (pm *PriceMap) SetTopOfBook(tokenID string, bid, ask, mid float64) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	snap := pm.books[tokenID]
	if snap == nil {
		snap = &types.BookSnapshot{AssetID: tokenID}
		pm.books[tokenID] = snap
	}
	snap.BestBid = bid
	snap.BestAsk = ask
	snap.Midpoint = mid
	snap.Timestamp = time.Now()
}

// Mid returns the tracked midpoint for a token.
func (pm *PriceMap) Mid(tokenID string) (float64, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	snap := pm.books[tokenID]
	if snap == nil || snap.Midpoint <= 0 {
		return 0, false
	}
	return snap.Midpoint, true
}

// Drop removes tokens from the map.
func (pm *PriceMap) Drop(tokenIDs ...string) {
	pm.mu.Lock()
	for _, id := range tokenIDs {
		delete(pm.books, id)
	}
	pm.mu.Unlock()
}
