// danger.go is the cancel-before-fill core: per-token cancel thresholds are
// pre-computed whenever a market's live orders change, so the WebSocket hot
// path is one map lookup and one comparison. The REST tick re-evaluates the
// same thresholds as a fallback for feed gaps.
//
// With a live BUY at price p and dangerSpread = maxSpread × dangerSpreadRatio,
// the trigger is cancelBelowMid = p + dangerSpread: the market enters cooldown
// the moment the observed midpoint drifts down to the trigger. Because the
// placement ratio exceeds the danger ratio by configuration, the midpoint at
// which a bid is placed sits (spreadRatio − dangerSpreadRatio) × maxSpread
// above that bid's trigger.
package engine

import (
	"context"
	"sync"
	"time"

	"polymarket-rewards/pkg/types"
)

// TriggerMap holds the per-token cancel thresholds. Written from the tick
// path on placement, refresh, and cooldown entry; read on the feed hot path.
type TriggerMap struct {
	mu sync.RWMutex
	m  map[string]types.DangerTrigger
}

// NewTriggerMap creates an empty trigger map.
func NewTriggerMap() *TriggerMap {
	return &TriggerMap{m: make(map[string]types.DangerTrigger)}
}

// Get returns the trigger for a token.
func (tm *TriggerMap) Get(tokenID string) (types.DangerTrigger, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	t, ok := tm.m[tokenID]
	return t, ok
}

// Set installs a trigger for a token.
func (tm *TriggerMap) Set(tokenID string, t types.DangerTrigger) {
	tm.mu.Lock()
	tm.m[tokenID] = t
	tm.mu.Unlock()
}

// Drop removes triggers for the given tokens.
func (tm *TriggerMap) Drop(tokenIDs ...string) {
	tm.mu.Lock()
	for _, id := range tokenIDs {
		delete(tm.m, id)
	}
	tm.mu.Unlock()
}

// Len returns the number of installed triggers.
func (tm *TriggerMap) Len() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.m)
}

// updateDangerTriggersLocked rebuilds this market's token triggers from its live
// BUY orders. Outside the quoting phase a market keeps no triggers. When
// several orders rest on one token the highest threshold wins — the most
// conservative cancel point.
//
// Caller holds e.mu.
func (e *Engine) updateDangerTriggersLocked(m types.Market, ms *types.MarketState) {
	e.triggers.Drop(m.TokenIDs()...)
	if ms.Phase != types.PhaseQuoting {
		return
	}

	dangerSpread := m.MaxSpread * e.cfg.Strategy.DangerSpreadRatio
	for _, id := range ms.ActiveOrderIDs {
		order, ok := e.state.Orders[id]
		if !ok || order.Status != types.OrderLive || order.Side != types.BUY {
			continue
		}
		threshold := order.Price + dangerSpread
		if existing, ok := e.triggers.Get(order.TokenID); ok && existing.CancelBelowMid >= threshold {
			continue
		}
		e.triggers.Set(order.TokenID, types.DangerTrigger{
			CancelBelowMid: threshold,
			ConditionID:    m.ConditionID,
		})
	}
}

// clearDangerTriggers removes every trigger for a market's tokens.
func (e *Engine) clearDangerTriggers(m types.Market) {
	e.triggers.Drop(m.TokenIDs()...)
}

// onMidUpdate is the feed hot path. It must not traverse the market set:
// one lookup, one comparison, then either return or hand off to cooldown.
func (e *Engine) onMidUpdate(u types.MidUpdate) {
	e.prices.SetTopOfBook(u.AssetID, u.BestBid, u.BestAsk, u.Mid)

	trigger, ok := e.triggers.Get(u.AssetID)
	if !ok || u.Mid > trigger.CancelBelowMid {
		return
	}

	e.mu.Lock()
	m, haveMarket := e.markets[trigger.ConditionID]
	ms := e.state.MarketStates[trigger.ConditionID]
	if !haveMarket || ms == nil || ms.Phase != types.PhaseQuoting {
		// Late trigger on a market that already left quoting. Silent.
		e.mu.Unlock()
		return
	}
	e.enterCooldownLocked(m, ms, "feed")
	e.mu.Unlock()
}

// restDangerFiredLocked is the tick-side fallback over the same thresholds.
// Fires conservatively: a token with live orders but no trigger, or no
// midpoint at all, is treated as triggered.
//
// Caller holds e.mu.
func (e *Engine) restDangerFiredLocked(m types.Market, ms *types.MarketState) bool {
	hasLiveOrder := func(tokenID string) bool {
		for _, id := range ms.ActiveOrderIDs {
			if o, ok := e.state.Orders[id]; ok && o.Status == types.OrderLive && o.TokenID == tokenID {
				return true
			}
		}
		return false
	}

	for _, tokenID := range m.TokenIDs() {
		if !hasLiveOrder(tokenID) {
			continue
		}
		trigger, ok := e.triggers.Get(tokenID)
		if !ok {
			return true
		}
		mid, haveMid := e.prices.Mid(tokenID)
		if !haveMid {
			return true
		}
		if mid <= trigger.CancelBelowMid {
			return true
		}
	}
	return false
}

// enterCooldownLocked performs the synchronous half of a danger-zone exit:
// the phase, deadline, and order set are written before any RPC is awaited,
// so a second concurrent trigger observes phase ≠ quoting and returns.
// The cancel RPC itself runs asynchronously afterwards.
//
// Caller holds e.mu.
func (e *Engine) enterCooldownLocked(m types.Market, ms *types.MarketState, source string) {
	orderIDs := append([]string(nil), ms.ActiveOrderIDs...)

	ms.Phase = types.PhaseCooldown
	ms.CooldownUntil = time.Now().Add(e.cfg.Strategy.Cooldown)
	ms.ActiveOrderIDs = nil
	ms.ConsecutiveCooldowns++
	ms.AccidentalFill = nil

	ms.LastCooldownMids = make(map[string]float64, 2)
	for _, tokenID := range m.TokenIDs() {
		if mid, ok := e.prices.Mid(tokenID); ok {
			ms.LastCooldownMids[tokenID] = mid
		}
	}

	e.clearDangerTriggers(m)
	e.saveStateLocked()

	if e.metrics != nil {
		e.metrics.Cooldowns.Inc()
	}
	e.logger.Warn("danger zone triggered, entering cooldown",
		"market", m.ConditionID,
		"source", source,
		"consecutive", ms.ConsecutiveCooldowns,
		"until", ms.CooldownUntil,
	)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if _, err := e.gw.CancelMarketOrders(ctx, m.ConditionID); err != nil {
			e.logger.Error("cooldown cancel failed", "market", m.ConditionID, "error", err)
		}
		e.mu.Lock()
		for _, id := range orderIDs {
			if o, ok := e.state.Orders[id]; ok && o.Status == types.OrderLive {
				o.Status = types.OrderCancelled
				e.state.Orders[id] = o
			}
		}
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.Cancels.Inc()
		}
	}()
}

// applyPostCooldownLocked handles an expired cooldown deadline: three
// consecutive cooldowns blacklist the market and trigger a replacement
// rescan; otherwise the market rejoins quoting if the scanner still ranks it.
//
// Caller holds e.mu.
func (e *Engine) applyPostCooldownLocked(m types.Market, ms *types.MarketState) {
	if ms.ConsecutiveCooldowns >= maxConsecutiveCooldowns {
		e.logger.Warn("market paused after repeated cooldowns",
			"market", m.ConditionID,
			"cooldowns", ms.ConsecutiveCooldowns,
		)
		e.pauseMarketLocked(m.ConditionID)
		e.needRescan = true
		return
	}

	e.needRescan = true
	ms.Phase = types.PhaseQuoting
	ms.OrdersPlacedAt = time.Time{} // next tick places fresh quotes
}
