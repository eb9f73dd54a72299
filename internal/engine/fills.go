// fills.go drives fill handling: every detected fill — WebSocket or REST —
// funnels through one serialized queue into the accidental-fill state
// machine. A fill against a resting bid is an economic loss here, so the
// response is to pull the market's remaining orders and liquidate the
// inventory immediately.
package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"polymarket-rewards/internal/exchange"
	"polymarket-rewards/internal/market"
	"polymarket-rewards/pkg/types"
)

const (
	processedFillsCap   = 100
	processedFillsPrune = 50

	fillHandlerTimeout = 60 * time.Second

	settlePollAttempts = 6
	settledFraction    = 0.9 // balance must reach this share of the expected fill

	sellRetries   = 3
	sellRetryWait = 2 * time.Second

	minSellPrice = 0.01

	// exitingWatchdog bounds how long a market may sit in the exiting phase
	// with no liquidation record before being forced to cooldown.
	exitingWatchdog = 60 * time.Second
)

// fillJob is one fill handed to the serialized consumer.
type fillJob struct {
	orderID     string
	tokenID     string
	conditionID string
	side        types.Side
	price       float64
	size        float64
}

// applyFill folds a detected fill into the tracked order and enqueues it for
// handling. Deduplication keys on (orderID, cumulative filled size) so the
// same fill arriving via both the feed and REST detection is processed once.
func (e *Engine) applyFill(orderID string, price, size float64) {
	if size <= 0 {
		return
	}

	e.mu.Lock()
	order, ok := e.state.Orders[orderID]
	if !ok {
		e.mu.Unlock()
		e.logger.Debug("fill for unknown order", "order", orderID)
		return
	}

	newFilled := order.FilledSize + size
	if newFilled > order.OriginalSize {
		newFilled = order.OriginalSize
	}

	key := fmt.Sprintf("%s|%.2f", orderID, newFilled)
	if e.processedFills[key] {
		e.mu.Unlock()
		return
	}
	e.processedFills[key] = true
	e.processedOrder = append(e.processedOrder, key)
	if len(e.processedOrder) > processedFillsCap {
		drop := e.processedOrder[:len(e.processedOrder)-processedFillsPrune]
		for _, k := range drop {
			delete(e.processedFills, k)
		}
		e.processedOrder = append([]string(nil), e.processedOrder[len(e.processedOrder)-processedFillsPrune:]...)
	}

	order.FilledSize = newFilled
	if order.FilledSize >= order.OriginalSize-1e-9 {
		order.Status = types.OrderFilled
	}
	e.state.Orders[orderID] = order

	if price <= 0 {
		price = order.Price
	}
	job := fillJob{
		orderID:     orderID,
		tokenID:     order.TokenID,
		conditionID: order.ConditionID,
		side:        order.Side,
		price:       price,
		size:        size,
	}
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.Fills.Inc()
	}

	select {
	case e.fillCh <- job:
	default:
		e.logger.Error("fill queue full, handling inline", "order", orderID)
		ctx, cancel := context.WithTimeout(context.Background(), fillHandlerTimeout)
		e.handleFill(ctx, job)
		cancel()
	}
}

// runFillQueue is the single consumer: one fill is driven to completion
// before the next is read, bounded by a per-fill timeout so a stuck handler
// cannot block the feed.
func (e *Engine) runFillQueue(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-e.fillCh:
			jobCtx, cancel := context.WithTimeout(ctx, fillHandlerTimeout)
			e.handleFill(jobCtx, job)
			cancel()
		}
	}
}

// handleFill is the accidental-fill entry point.
func (e *Engine) handleFill(ctx context.Context, job fillJob) {
	e.logger.Warn("fill detected",
		"order", job.orderID,
		"token", job.tokenID,
		"side", job.side,
		"price", job.price,
		"size", job.size,
	)

	e.mu.Lock()
	m, haveMarket := e.markets[job.conditionID]
	ms := e.state.MarketStates[job.conditionID]

	e.updatePositionLocked(job)
	e.state.FillHistory = append(e.state.FillHistory, types.FillEvent{
		OrderID:     job.orderID,
		TokenID:     job.tokenID,
		ConditionID: job.conditionID,
		Side:        job.side,
		Price:       job.price,
		Size:        job.size,
		Timestamp:   time.Now(),
	})

	if !haveMarket || ms == nil {
		e.mu.Unlock()
		e.logger.Warn("fill for untracked market, position recorded only", "market", job.conditionID)
		return
	}

	if job.side == types.SELL {
		// An exit sell landing; the position update above already realized it.
		e.saveStateLocked()
		e.mu.Unlock()
		return
	}

	if ms.Phase == types.PhaseExiting && ms.AccidentalFill != nil &&
		ms.AccidentalFill.TokenID == job.tokenID {
		ms.AccidentalFill.Shares += job.size
		e.saveStateLocked()
		e.mu.Unlock()
		return
	}

	// Fresh accidental BUY: suspend quoting and liquidate. The phase write
	// happens here, before any RPC below is awaited.
	e.clearDangerTriggers(m)
	ms.Phase = types.PhaseExiting
	ms.ActiveOrderIDs = nil
	ms.EnteredExitingAt = time.Now()
	af := &types.AccidentalFill{
		TokenID:    job.tokenID,
		Shares:     job.size,
		EntryPrice: job.price,
		FilledAt:   time.Now(),
		Stage:      3, // straight to the aggressive exit
	}
	if e.cfg.Strategy.UseStagedExit {
		af.Stage = 1
	}
	ms.AccidentalFill = af
	e.saveStateLocked()
	e.mu.Unlock()

	if _, err := e.gw.CancelMarketOrders(ctx, job.conditionID); err != nil {
		e.logger.Error("cancel after fill failed", "market", job.conditionID, "error", err)
	}

	if e.cfg.Strategy.UseStagedExit {
		// The staged ladder is driven from the tick; nothing more to do now.
		return
	}

	e.immediateSell(ctx, m, job.tokenID)
}

// updatePositionLocked folds one fill into the per-token position.
// Caller holds e.mu.
func (e *Engine) updatePositionLocked(job fillJob) {
	pos, ok := e.state.Positions[job.tokenID]
	if !ok {
		outcome := ""
		if m, exists := e.markets[job.conditionID]; exists {
			for _, tok := range m.Tokens {
				if tok.ID == job.tokenID {
					outcome = tok.Outcome
				}
			}
		}
		pos = types.Position{
			ConditionID: job.conditionID,
			TokenID:     job.tokenID,
			Outcome:     outcome,
		}
	}

	if job.side == types.BUY {
		total := pos.AvgPrice*pos.Shares + job.price*job.size
		pos.Shares += job.size
		if pos.Shares > 0 {
			pos.AvgPrice = total / pos.Shares
		}
	} else {
		sold := math.Min(job.size, pos.Shares)
		pnl := (job.price - pos.AvgPrice) * sold
		pos.RealizedPnL += pnl
		e.state.DailyPnL += pnl
		e.state.TotalPnL += pnl
		pos.Shares -= job.size
		if pos.Shares <= 1e-9 {
			pos.Shares = 0
			pos.AvgPrice = 0
		}
	}
	e.state.Positions[job.tokenID] = pos
}

// immediateSell liquidates accidental inventory: wait for the fill to settle
// on-chain, then FAK-sell the full balance into the best bid. Whatever the
// outcome, the market drops to cooldown — a failed sell leaves the position
// on-chain for manual recovery rather than blocking the engine.
func (e *Engine) immediateSell(ctx context.Context, m types.Market, tokenID string) {
	defer e.finishExit(m.ConditionID)

	e.mu.Lock()
	ms := e.state.MarketStates[m.ConditionID]
	var expected float64
	if ms != nil && ms.AccidentalFill != nil {
		expected = ms.AccidentalFill.Shares
	}
	e.mu.Unlock()
	if expected <= 0 {
		return
	}

	balance, ok := e.awaitSettlement(ctx, tokenID, expected)
	if !ok {
		e.logger.Error("fill never settled on-chain, leaving position for manual recovery",
			"token", tokenID, "expected", expected)
		return
	}

	bestBid := e.currentBestBid(ctx, tokenID)
	price := math.Max(minSellPrice, bestBid)

	for attempt := 1; attempt <= sellRetries; attempt++ {
		result, err := e.gw.CreateAndPostOrder(ctx, types.OrderSpec{
			TokenID:   tokenID,
			Price:     price,
			Size:      balance,
			Side:      types.SELL,
			OrderType: types.OrderTypeFAK,
		}, types.MarketParams{TickSize: m.TickSize, NegRisk: m.NegRisk})
		if err == nil {
			e.logger.Info("accidental inventory sold",
				"token", tokenID, "size", balance, "price", price, "order", result.OrderID)
			e.applySell(m.ConditionID, tokenID, price, balance, result.OrderID)
			return
		}
		if exchange.KindOf(err) != exchange.ErrInsufficientBalance || attempt == sellRetries {
			e.logger.Error("immediate sell failed",
				"token", tokenID, "attempt", attempt, "error", err)
			return
		}
		// Balance/allowance lag: the settlement race loses occasionally.
		select {
		case <-ctx.Done():
			return
		case <-time.After(sellRetryWait):
		}
	}
}

// awaitSettlement polls the conditional balance until it covers the expected
// fill: up to six attempts, 2s before the second, 3s between the rest.
func (e *Engine) awaitSettlement(ctx context.Context, tokenID string, expected float64) (float64, bool) {
	for attempt := 0; attempt < settlePollAttempts; attempt++ {
		if attempt > 0 {
			wait := 3 * time.Second
			if attempt == 1 {
				wait = 2 * time.Second
			}
			select {
			case <-ctx.Done():
				return 0, false
			case <-time.After(wait):
			}
		}

		balance, err := e.gw.GetConditionalBalance(ctx, tokenID)
		if err != nil {
			e.logger.Warn("settlement poll failed", "token", tokenID, "error", err)
			continue
		}
		if balance >= settledFraction*expected {
			return balance, true
		}
	}
	return 0, false
}

// currentBestBid reads the tracked book for the token, refreshing over REST
// when the price map has nothing. The ladder is ascending, so the best bid
// is the last element.
func (e *Engine) currentBestBid(ctx context.Context, tokenID string) float64 {
	if snap := e.prices.Get(tokenID); snap != nil && snap.BestBid > 0 {
		return snap.BestBid
	}

	resp, err := e.gw.GetOrderBook(ctx, tokenID)
	if err != nil {
		e.logger.Warn("book fetch for exit failed", "token", tokenID, "error", err)
		return 0
	}
	snap := market.ParseBook(resp)
	if snap == nil {
		return 0
	}
	e.prices.Set(snap)
	return snap.BestBid
}

// applySell realizes an exit sell in the position ledger.
func (e *Engine) applySell(conditionID, tokenID string, price, size float64, orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.updatePositionLocked(fillJob{
		orderID:     orderID,
		tokenID:     tokenID,
		conditionID: conditionID,
		side:        types.SELL,
		price:       price,
		size:        size,
	})
	if ms := e.state.MarketStates[conditionID]; ms != nil && ms.AccidentalFill != nil {
		ms.AccidentalFill.SellOrderID = orderID
	}
}

// finishExit drops the market to cooldown regardless of the sell outcome.
func (e *Engine) finishExit(conditionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ms := e.state.MarketStates[conditionID]
	if ms == nil {
		return
	}
	ms.Phase = types.PhaseCooldown
	ms.CooldownUntil = time.Now().Add(e.cfg.Strategy.Cooldown)
	ms.AccidentalFill = nil
	ms.ActiveOrderIDs = nil
	e.saveStateLocked()
}

// driveStagedExit advances the operator-selectable gradual exit ladder.
// Called from the tick while a market sits in the exiting phase with
// UseStagedExit enabled. Stages by time since the fill:
//
//	stage 1: limit SELL at the midpoint
//	stage 2: limit SELL at best bid + one tick
//	stage 3: FAK at best bid, floored at entry × MinSellPriceRatio
//	stage 4: redeem when resolved, otherwise alert for manual intervention
func (e *Engine) driveStagedExit(ctx context.Context, m types.Market, ms *types.MarketState) {
	af := ms.AccidentalFill
	if af == nil {
		return
	}

	elapsed := time.Since(af.FilledAt)
	timeouts := e.cfg.Strategy.AccidentalFillTimeouts
	stage := 1
	switch {
	case elapsed > time.Duration(timeouts[2])*time.Minute:
		stage = 4
	case elapsed > time.Duration(timeouts[1])*time.Minute:
		stage = 3
	case elapsed > time.Duration(timeouts[0])*time.Minute:
		stage = 2
	}
	if stage < af.Stage {
		stage = af.Stage
	}

	mid, _ := e.prices.Mid(af.TokenID)
	bestBid := e.currentBestBid(ctx, af.TokenID)
	tick := m.TickSize.Float()

	switch stage {
	case 1, 2:
		target := mid
		if stage == 2 {
			target = bestBid + tick
		}
		if target <= 0 {
			return
		}
		if af.SellOrderID != "" && af.Stage == stage {
			return // resting sell for this stage already out
		}
		if af.SellOrderID != "" {
			if _, err := e.gw.CancelOrders(ctx, []string{af.SellOrderID}); err != nil {
				e.logger.Warn("cancel staged sell failed", "order", af.SellOrderID, "error", err)
			}
		}
		result, err := e.gw.CreateAndPostOrder(ctx, types.OrderSpec{
			TokenID:   af.TokenID,
			Price:     target,
			Size:      af.Shares,
			Side:      types.SELL,
			OrderType: types.OrderTypeGTC,
			PostOnly:  true,
		}, types.MarketParams{TickSize: m.TickSize, NegRisk: m.NegRisk})
		if err != nil {
			e.logger.Warn("staged sell placement failed", "stage", stage, "error", err)
			return
		}
		e.mu.Lock()
		af.SellOrderID = result.OrderID
		af.Stage = stage
		e.mu.Unlock()

	case 3:
		floor := af.EntryPrice * e.cfg.Strategy.MinSellPriceRatio
		price := math.Max(bestBid, floor)
		if price <= 0 {
			return
		}
		if af.SellOrderID != "" {
			if _, err := e.gw.CancelOrders(ctx, []string{af.SellOrderID}); err != nil {
				e.logger.Warn("cancel staged sell failed", "order", af.SellOrderID, "error", err)
			}
		}
		result, err := e.gw.CreateAndPostOrder(ctx, types.OrderSpec{
			TokenID:   af.TokenID,
			Price:     price,
			Size:      af.Shares,
			Side:      types.SELL,
			OrderType: types.OrderTypeFAK,
		}, types.MarketParams{TickSize: m.TickSize, NegRisk: m.NegRisk})
		if err != nil {
			e.mu.Lock()
			af.Stage = 3
			e.mu.Unlock()
			e.logger.Warn("staged FAK sell failed", "error", err)
			return
		}
		e.applySell(m.ConditionID, af.TokenID, price, af.Shares, result.OrderID)
		e.finishExit(m.ConditionID)

	case 4:
		if _, err := e.gw.Redeem(ctx, m.ConditionID, []uint64{1, 2}, m.NegRisk); err != nil {
			e.logger.Error("staged exit exhausted, manual intervention required",
				"market", m.ConditionID, "token", af.TokenID, "shares", af.Shares, "error", err)
		}
		e.finishExit(m.ConditionID)
	}
}
