package engine

import (
	"context"
	"testing"
	"time"

	"polymarket-rewards/pkg/types"
)

func TestDuplicateFillSuppression(t *testing.T) {
	t.Parallel()

	gw := newMockGateway()
	e := newTestEngine(t, gw)
	m, ms := addQuotingMarket(e)
	placeQuotes(e, m, ms)

	orderID := ms.ActiveOrderIDs[0]
	e.mu.Lock()
	order := e.state.Orders[orderID]
	order.OriginalSize = 150 // a 150-share bid, filled in full
	e.state.Orders[orderID] = order
	e.mu.Unlock()
	gw.mu.Lock()
	gw.condBalances["yes"] = 150 // settlement succeeds immediately
	gw.mu.Unlock()

	// The same fill arrives via the feed and again via REST detection.
	e.applyFill(orderID, 0.5575, 150)
	e.applyFill(orderID, 0.5575, 150)

	// One job queued, one dropped.
	if got := len(e.fillCh); got != 1 {
		t.Fatalf("fill queue depth = %d, want 1 (duplicate suppressed)", got)
	}

	job := <-e.fillCh
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	e.handleFill(ctx, job)

	e.mu.Lock()
	defer e.mu.Unlock()
	if n := len(e.state.FillHistory); n != 1 {
		t.Errorf("fill events recorded = %d, want 1", n)
	}
}

func TestAccidentalFillFlow(t *testing.T) {
	t.Parallel()

	gw := newMockGateway()
	e := newTestEngine(t, gw)
	m, ms := addQuotingMarket(e)
	placeQuotes(e, m, ms)

	orderID := ms.ActiveOrderIDs[0]
	gw.mu.Lock()
	gw.condBalances["yes"] = 150
	gw.mu.Unlock()

	e.applyFill(orderID, 0.5575, 150)
	job := <-e.fillCh

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	e.handleFill(ctx, job)

	// The market's remaining orders were pulled.
	if n := len(gw.callsMatching("cancel_market:" + m.ConditionID)); n == 0 {
		t.Error("accidental fill did not cancel the market's orders")
	}

	// Position recorded at the fill price: the exit at 0.57 realizes
	// (0.57 − 0.5575) × 150 against that entry.
	e.mu.Lock()
	pos := e.state.Positions["yes"]
	phase := ms.Phase
	e.mu.Unlock()
	if want := (0.57 - 0.5575) * 150; pos.RealizedPnL-want > 1e-9 || want-pos.RealizedPnL > 1e-9 {
		t.Errorf("realized pnl = %v, want %v (entry at 0.5575)", pos.RealizedPnL, want)
	}

	// The settle-poll found the balance and a FAK sell went out at best bid.
	var sell *types.OrderSpec
	gw.mu.Lock()
	for i := range gw.placed {
		if gw.placed[i].Side == types.SELL {
			sell = &gw.placed[i]
		}
	}
	gw.mu.Unlock()
	if sell == nil {
		t.Fatal("no exit sell submitted")
	}
	if sell.OrderType != types.OrderTypeFAK {
		t.Errorf("exit order type = %v, want FAK", sell.OrderType)
	}
	if sell.Price != 0.57 {
		t.Errorf("exit price = %v, want the best bid 0.57", sell.Price)
	}
	if sell.Size != 150 {
		t.Errorf("exit size = %v, want the settled balance 150", sell.Size)
	}

	// Exit complete: cooldown regardless of outcome, fill record cleared.
	if phase != types.PhaseCooldown {
		t.Errorf("phase after exit = %v, want cooldown", phase)
	}
	e.mu.Lock()
	if ms.AccidentalFill != nil {
		t.Error("accidental-fill record not cleared after exit")
	}
	shares := e.state.Positions["yes"].Shares
	e.mu.Unlock()
	if shares != 0 {
		t.Errorf("position shares after exit = %v, want 0", shares)
	}
}

func TestExitingAccumulatesFollowUpFills(t *testing.T) {
	t.Parallel()

	gw := newMockGateway()
	e := newTestEngine(t, gw)
	m, ms := addQuotingMarket(e)
	placeQuotes(e, m, ms)
	_ = m

	// Two partial fills on the same order: the second arrives while the
	// market is already exiting for this token.
	orderID := ms.ActiveOrderIDs[0]
	e.mu.Lock()
	ms.Phase = types.PhaseExiting
	ms.EnteredExitingAt = time.Now()
	ms.AccidentalFill = &types.AccidentalFill{
		TokenID: "yes", Shares: 100, EntryPrice: 0.5575, FilledAt: time.Now(), Stage: 3,
	}
	e.mu.Unlock()

	e.applyFill(orderID, 0.5575, 50)
	job := <-e.fillCh
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.handleFill(ctx, job)

	e.mu.Lock()
	defer e.mu.Unlock()
	if ms.Phase != types.PhaseExiting {
		t.Errorf("phase = %v, want exiting preserved", ms.Phase)
	}
	if ms.AccidentalFill == nil || ms.AccidentalFill.Shares != 150 {
		t.Errorf("accumulated shares = %+v, want 150", ms.AccidentalFill)
	}
}

func TestFillForUnknownMarketIgnoredSafely(t *testing.T) {
	t.Parallel()

	gw := newMockGateway()
	e := newTestEngine(t, gw)

	// Track an order for a market that is no longer active.
	e.mu.Lock()
	e.state.Orders["stray"] = types.TrackedOrder{
		ID: "stray", TokenID: "ghost", ConditionID: "gone",
		Side: types.BUY, Price: 0.5, OriginalSize: 100, Status: types.OrderLive,
	}
	e.mu.Unlock()

	e.applyFill("stray", 0.5, 100)
	job := <-e.fillCh
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.handleFill(ctx, job)

	// Position is still recorded; nothing else happens.
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Positions["ghost"].Shares != 100 {
		t.Errorf("stray fill position = %v, want 100", e.state.Positions["ghost"].Shares)
	}
	if n := len(gw.callsMatching("cancel_market:")); n != 0 {
		t.Errorf("unknown-market fill triggered cancels: %d", n)
	}
}

func TestSellFillRealizesPnL(t *testing.T) {
	t.Parallel()

	gw := newMockGateway()
	e := newTestEngine(t, gw)
	m, _ := addQuotingMarket(e)

	e.mu.Lock()
	e.state.Positions["yes"] = types.Position{
		ConditionID: m.ConditionID, TokenID: "yes", Shares: 100, AvgPrice: 0.50,
	}
	e.state.Orders["sell-1"] = types.TrackedOrder{
		ID: "sell-1", TokenID: "yes", ConditionID: m.ConditionID,
		Side: types.SELL, Price: 0.57, OriginalSize: 100, Status: types.OrderLive,
	}
	e.mu.Unlock()

	e.applyFill("sell-1", 0.57, 100)
	job := <-e.fillCh
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.handleFill(ctx, job)

	e.mu.Lock()
	defer e.mu.Unlock()
	if got := e.state.Positions["yes"].Shares; got != 0 {
		t.Errorf("shares after sell = %v, want 0", got)
	}
	wantPnL := (0.57 - 0.50) * 100
	if diff := e.state.DailyPnL - wantPnL; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("daily pnl = %v, want %v", e.state.DailyPnL, wantPnL)
	}
}
