package engine

import (
	"context"
	"testing"
	"time"

	"polymarket-rewards/pkg/types"
)

func TestRefreshPlacesBuysAsGTDPostOnly(t *testing.T) {
	t.Parallel()

	gw := newMockGateway()
	e := newTestEngine(t, gw)
	m, ms := addQuotingMarket(e)

	placeQuotes(e, m, ms)

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.placed) != 2 {
		t.Fatalf("placed %d orders, want 2", len(gw.placed))
	}
	for _, spec := range gw.placed {
		if spec.Side != types.BUY {
			t.Errorf("side = %v, want BUY", spec.Side)
		}
		if spec.OrderType != types.OrderTypeGTD {
			t.Errorf("order type = %v, want GTD", spec.OrderType)
		}
		if !spec.PostOnly {
			t.Error("placement not post-only")
		}
		if spec.Expiration <= time.Now().Unix() {
			t.Errorf("GTD expiration %v not in the future", spec.Expiration)
		}
	}
}

func TestRefreshKeepsMatchingOrders(t *testing.T) {
	t.Parallel()

	gw := newMockGateway()
	e := newTestEngine(t, gw)
	m, ms := addQuotingMarket(e)

	placeQuotes(e, m, ms)
	firstIDs := append([]string(nil), ms.ActiveOrderIDs...)

	// Unchanged books → identical targets → nothing cancelled or re-placed.
	placeQuotes(e, m, ms)

	gw.mu.Lock()
	placedCount := len(gw.placed)
	gw.mu.Unlock()
	if placedCount != 2 {
		t.Errorf("re-placed matching orders: %d placements total, want 2", placedCount)
	}
	if len(ms.ActiveOrderIDs) != len(firstIDs) {
		t.Errorf("active set changed size: %d → %d", len(firstIDs), len(ms.ActiveOrderIDs))
	}
	if calls := gw.callsMatching("cancel_orders"); len(calls) != 0 {
		t.Errorf("matching orders were cancelled: %v", calls)
	}
}

func TestRefreshCancelsStaleOrders(t *testing.T) {
	t.Parallel()

	gw := newMockGateway()
	e := newTestEngine(t, gw)
	m, ms := addQuotingMarket(e)

	placeQuotes(e, m, ms)

	// Books shift well beyond the 1.5-tick match tolerance.
	e.prices.Set(&types.BookSnapshot{
		AssetID: "yes", Midpoint: 0.70, BestBid: 0.67, BestAsk: 0.73,
	})
	e.prices.Set(&types.BookSnapshot{
		AssetID: "no", Midpoint: 0.30, BestBid: 0.27, BestAsk: 0.33,
	})
	placeQuotes(e, m, ms)

	if calls := gw.callsMatching("cancel_orders"); len(calls) != 1 {
		t.Errorf("stale orders not batch-cancelled: %v", calls)
	}
	gw.mu.Lock()
	placedCount := len(gw.placed)
	gw.mu.Unlock()
	if placedCount != 4 {
		t.Errorf("placements = %d, want 4 (2 original + 2 re-quotes)", placedCount)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, o := range e.state.Orders {
		if o.Status == types.OrderCancelled {
			continue
		}
		if o.Status != types.OrderLive {
			t.Errorf("unexpected order status %v", o.Status)
		}
	}
}

func TestDetectFillsViaTrades(t *testing.T) {
	t.Parallel()

	gw := newMockGateway()
	e := newTestEngine(t, gw)
	m, ms := addQuotingMarket(e)
	placeQuotes(e, m, ms)

	orderID := ms.ActiveOrderIDs[0]
	e.mu.Lock()
	order := e.state.Orders[orderID]
	e.mu.Unlock()

	// The yes order vanishes and the trade history explains it; the other
	// order stays resting.
	gw.mu.Lock()
	gw.openOrders = nil
	for _, id := range ms.ActiveOrderIDs {
		if id == orderID {
			continue
		}
		o := e.state.Orders[id]
		gw.openOrders = append(gw.openOrders, types.OpenOrder{
			ID: id, AssetID: o.TokenID, Market: m.ConditionID,
			Side: string(o.Side), SizeMatched: "0",
		})
	}
	gw.trades = []types.Trade{{
		ID:      "t1",
		AssetID: order.TokenID,
		Side:    "BUY",
		Price:   "0.5575",
		Size:    "150",
		Status:  "CONFIRMED",
		MakerOrders: []types.MakerOrder{
			{OrderID: orderID, MatchedSize: "150", Price: "0.5575"},
		},
	}}
	gw.mu.Unlock()

	fills := e.detectFills(context.Background())

	var hit *detectedFill
	for i := range fills {
		if fills[i].order.ID == orderID {
			hit = &fills[i]
		}
	}
	if hit == nil {
		t.Fatalf("trade-explained order %s not reported as filled", orderID)
	}
	if hit.size != 150 {
		t.Errorf("fill size = %v, want 150", hit.size)
	}

	// Trade matching succeeded, so the chain must not have been consulted.
	if calls := gw.callsMatching("conditional_balance:"); len(calls) != 0 {
		t.Errorf("on-chain verification ran despite a trade match: %v", calls)
	}
}

func TestDetectFillsOnChainFallback(t *testing.T) {
	t.Parallel()

	gw := newMockGateway()
	e := newTestEngine(t, gw)
	m, ms := addQuotingMarket(e)
	placeQuotes(e, m, ms)

	orderID := ms.ActiveOrderIDs[0]
	e.mu.Lock()
	order := e.state.Orders[orderID]
	e.mu.Unlock()

	// No open orders, no trades — but the chain shows the shares arrived.
	gw.mu.Lock()
	gw.openOrders = nil
	gw.trades = nil
	gw.condBalances[order.TokenID] = order.OriginalSize
	gw.mu.Unlock()

	fills := e.detectFills(context.Background())

	found := false
	for _, f := range fills {
		if f.order.ID == orderID {
			found = true
			if f.size != order.OriginalSize {
				t.Errorf("on-chain fill size = %v, want %v", f.size, order.OriginalSize)
			}
		}
	}
	if !found {
		t.Error("on-chain balance delta did not confirm the fill")
	}
}

func TestDetectFillsMarksExternalCancels(t *testing.T) {
	t.Parallel()

	gw := newMockGateway()
	e := newTestEngine(t, gw)
	m, ms := addQuotingMarket(e)
	placeQuotes(e, m, ms)
	_ = m

	// Orders vanish with no trace anywhere: externally cancelled.
	gw.mu.Lock()
	gw.openOrders = nil
	gw.trades = nil
	gw.mu.Unlock()

	fills := e.detectFills(context.Background())
	if len(fills) != 0 {
		t.Errorf("phantom fills detected: %+v", fills)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ms.ActiveOrderIDs {
		if o := e.state.Orders[id]; o.Status != types.OrderCancelled {
			t.Errorf("order %s status = %v, want cancelled", id, o.Status)
		}
	}
}

func TestDetectFillsPartial(t *testing.T) {
	t.Parallel()

	gw := newMockGateway()
	e := newTestEngine(t, gw)
	m, ms := addQuotingMarket(e)
	placeQuotes(e, m, ms)

	orderID := ms.ActiveOrderIDs[0]
	e.mu.Lock()
	order := e.state.Orders[orderID]
	e.mu.Unlock()

	// Both orders still resting; one shows partial progress.
	gw.mu.Lock()
	for _, id := range ms.ActiveOrderIDs {
		o := e.state.Orders[id]
		sizeMatched := "0"
		if id == orderID {
			sizeMatched = "40"
		}
		gw.openOrders = append(gw.openOrders, types.OpenOrder{
			ID: id, AssetID: o.TokenID, Market: m.ConditionID,
			Side: string(o.Side), SizeMatched: sizeMatched,
		})
	}
	gw.mu.Unlock()

	fills := e.detectFills(context.Background())
	if len(fills) != 1 {
		t.Fatalf("partial fills detected = %d, want 1", len(fills))
	}
	if fills[0].order.ID != orderID || fills[0].size != 40 {
		t.Errorf("partial fill = %+v, want 40 on %s", fills[0], orderID)
	}
	_ = order
}
