// ops.go is the engine's operator command surface: status snapshots and the
// manual interventions exposed over the control API — pause/resume, rescan,
// redeem, and the unconditional sell-all sweep.
package engine

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"polymarket-rewards/internal/config"
	"polymarket-rewards/pkg/types"
)

// sellAllDust is the on-chain balance below which a token isn't worth a
// sell transaction.
const sellAllDust = 0.01

// Status is the operator-facing snapshot of the engine.
type Status struct {
	Running           bool                   `json:"running"`
	StartedAt         time.Time              `json:"started_at"`
	KillSwitch        bool                   `json:"kill_switch_triggered"`
	DayPaused         bool                   `json:"day_paused"`
	Balance           float64                `json:"balance"`
	PeakBalance       float64                `json:"peak_balance"`
	PositionValue     float64                `json:"position_value"`
	UnrealizedPnL     float64                `json:"unrealized_pnl"`
	DailyPnL          float64                `json:"daily_pnl"`
	TotalPnL          float64                `json:"total_pnl"`
	LiveOrders        int                    `json:"live_orders"`
	ScoringOrders     int                    `json:"scoring_orders"`
	RewardEstimate    float64                `json:"reward_estimate_usd_per_day"`
	ActiveMarkets     []string               `json:"active_markets"`
	PausedMarkets     []string               `json:"paused_markets"`
	MarketPhases      map[string]types.Phase `json:"market_phases"`
	Positions         []types.Position       `json:"positions"`
	ErrorCount        int                    `json:"error_count"`
	LastScanAt        time.Time              `json:"last_scan_at"`
	LastRefreshAt     time.Time              `json:"last_refresh_at"`
	Config            config.StrategyConfig  `json:"strategy_config"`
	OrderSize         float64                `json:"order_size"`
	MaxCapitalPerMkt  float64                `json:"max_capital_per_market"`
	ConsecutiveErrors int                    `json:"consecutive_gateway_errors"`
}

// GetStatus builds the full operator snapshot.
func (e *Engine) GetStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{
		Running:           e.running,
		StartedAt:         e.state.StartedAt,
		KillSwitch:        e.state.KillSwitchTriggered,
		DayPaused:         e.state.DayPaused,
		Balance:           e.state.Balance,
		PeakBalance:       e.state.PeakBalance,
		DailyPnL:          e.state.DailyPnL,
		TotalPnL:          e.state.TotalPnL,
		RewardEstimate:    e.rewardEstimate,
		PausedMarkets:     append([]string(nil), e.state.PausedMarketIDs...),
		MarketPhases:      make(map[string]types.Phase, len(e.state.MarketStates)),
		ErrorCount:        e.state.ErrorCount,
		LastScanAt:        e.state.LastScanAt,
		LastRefreshAt:     e.state.LastRefreshAt,
		Config:            e.cfg.Strategy,
		OrderSize:         e.orderSize,
		MaxCapitalPerMkt:  e.maxCapitalPerMarket,
		ConsecutiveErrors: e.gw.ConsecutiveErrors(),
	}

	for id := range e.markets {
		st.ActiveMarkets = append(st.ActiveMarkets, id)
	}
	sort.Strings(st.ActiveMarkets)

	for id, ms := range e.state.MarketStates {
		st.MarketPhases[id] = ms.Phase
	}

	for _, o := range e.state.Orders {
		if o.Status != types.OrderLive {
			continue
		}
		st.LiveOrders++
		if o.Scoring {
			st.ScoringOrders++
		}
	}

	for _, pos := range e.state.Positions {
		if pos.Shares <= 0 {
			continue
		}
		st.Positions = append(st.Positions, pos)
		if mid, ok := e.prices.Mid(pos.TokenID); ok {
			st.PositionValue += pos.Shares * mid
			st.UnrealizedPnL += pos.Shares * (mid - pos.AvgPrice)
		} else {
			st.PositionValue += pos.Shares * pos.AvgPrice
		}
	}

	return st
}

// ActiveMarkets returns the current active set, highest score first.
func (e *Engine) ActiveMarkets() []types.Market {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]types.Market, 0, len(e.markets))
	for _, m := range e.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// RewardHistory returns the archived reward days plus today's running estimate.
func (e *Engine) RewardHistory() ([]types.RewardDay, float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.RewardDay(nil), e.state.RewardHistory...), e.rewardEstimate
}

// PauseMarket blacklists a market by condition ID or by index into the
// score-ordered active list.
func (e *Engine) PauseMarket(idOrIndex string) error {
	conditionID, err := e.resolveMarketRef(idOrIndex)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.pauseMarketLocked(conditionID)
	e.needRescan = true
	e.mu.Unlock()

	e.logger.Info("market paused by operator", "market", conditionID)
	return nil
}

// ResumeMarket removes a market from the blacklist; the next rescan may
// select it again.
func (e *Engine) ResumeMarket(conditionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.state.PausedMarketIDs[:0]
	found := false
	for _, id := range e.state.PausedMarketIDs {
		if id == conditionID {
			found = true
			continue
		}
		kept = append(kept, id)
	}
	if !found {
		return fmt.Errorf("market %s is not paused", conditionID)
	}
	e.state.PausedMarketIDs = kept
	e.needRescan = true
	e.saveStateLocked()
	return nil
}

// Rescan forces a scan on the next tick.
func (e *Engine) Rescan() {
	e.mu.Lock()
	e.needRescan = true
	e.mu.Unlock()
}

// RedeemCondition settles a resolved condition on-chain.
func (e *Engine) RedeemCondition(ctx context.Context, conditionID string) (string, error) {
	e.mu.Lock()
	negRisk := false
	if m, ok := e.markets[conditionID]; ok {
		negRisk = m.NegRisk
	}
	e.mu.Unlock()

	return e.gw.Redeem(ctx, conditionID, []uint64{1, 2}, negRisk)
}

// SellAll is the unconditional sweep: stop trading, cancel everything, then
// FAK-sell every token the account holds — state positions and remote
// orphans alike. Safe to re-invoke; tokens already flat are skipped.
func (e *Engine) SellAll(ctx context.Context) error {
	e.mu.Lock()
	wasRunning := e.running
	e.mu.Unlock()
	if wasRunning {
		e.Stop()
	}

	if _, err := e.gw.CancelAll(ctx); err != nil {
		e.logger.Warn("sell-all cancel failed", "error", err)
	}

	// Union of state-tracked and remotely reported holdings.
	holdings := make(map[string]float64)
	e.mu.Lock()
	for tokenID, pos := range e.state.Positions {
		if pos.Shares > 0 {
			holdings[tokenID] = pos.Shares
		}
	}
	e.mu.Unlock()

	remote, err := e.gw.GetUserPositions(ctx)
	if err != nil {
		e.logger.Warn("remote position query failed, selling state positions only", "error", err)
	}
	for _, p := range remote {
		if p.Size > holdings[p.AssetID] {
			holdings[p.AssetID] = p.Size
		}
	}

	var firstErr error
	for tokenID := range holdings {
		balance, berr := e.gw.GetConditionalBalance(ctx, tokenID)
		if berr != nil {
			e.logger.Warn("balance check failed during sell-all", "token", tokenID, "error", berr)
			if firstErr == nil {
				firstErr = berr
			}
			continue
		}
		if balance <= sellAllDust {
			continue
		}
		if serr := e.forceSellToken(ctx, tokenID, balance); serr != nil && firstErr == nil {
			firstErr = serr
		}
	}

	if err := e.refreshBalanceAndSizing(ctx); err != nil {
		e.logger.Warn("balance refresh after sell-all failed", "error", err)
	}
	e.mu.Lock()
	e.saveStateLocked()
	e.mu.Unlock()
	return firstErr
}

// liquidateAll sells every state-tracked position. Used on stop/kill when
// the liquidation flags are set.
func (e *Engine) liquidateAll(ctx context.Context) error {
	e.mu.Lock()
	tokens := make(map[string]float64)
	for tokenID, pos := range e.state.Positions {
		if pos.Shares > sellAllDust {
			tokens[tokenID] = pos.Shares
		}
	}
	e.mu.Unlock()

	var firstErr error
	for tokenID, shares := range tokens {
		if err := e.forceSellToken(ctx, tokenID, shares); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// sellOrphanPositions force-sells positions whose condition is no longer in
// the active set. Runs at startup before stale positions are pruned, so the
// sale is still possible. A failed sale retains the position for the next
// attempt.
func (e *Engine) sellOrphanPositions(ctx context.Context) {
	e.mu.Lock()
	var orphans []types.Position
	for _, pos := range e.state.Positions {
		if pos.Shares <= sellAllDust {
			continue
		}
		if _, active := e.markets[pos.ConditionID]; !active {
			orphans = append(orphans, pos)
		}
	}
	e.mu.Unlock()

	for _, pos := range orphans {
		e.logger.Info("selling orphan position",
			"token", pos.TokenID, "condition", pos.ConditionID, "shares", pos.Shares)
		if err := e.forceSellToken(ctx, pos.TokenID, pos.Shares); err != nil {
			e.logger.Warn("orphan sell failed, retaining position",
				"token", pos.TokenID, "error", err)
		}
	}
}

// forceSellToken FAK-sells a token at the best bid. The market's tick size
// is used when known; orphans fall back to the standard grid.
func (e *Engine) forceSellToken(ctx context.Context, tokenID string, shares float64) error {
	bestBid := e.currentBestBid(ctx, tokenID)
	price := math.Max(minSellPrice, bestBid)

	tickSize := types.Tick001
	negRisk := false
	conditionID := ""
	e.mu.Lock()
	if pos, ok := e.state.Positions[tokenID]; ok {
		conditionID = pos.ConditionID
	}
	if m, ok := e.markets[conditionID]; ok {
		tickSize = m.TickSize
		negRisk = m.NegRisk
	}
	e.mu.Unlock()

	result, err := e.gw.CreateAndPostOrder(ctx, types.OrderSpec{
		TokenID:   tokenID,
		Price:     price,
		Size:      shares,
		Side:      types.SELL,
		OrderType: types.OrderTypeFAK,
	}, types.MarketParams{TickSize: tickSize, NegRisk: negRisk})
	if err != nil {
		return fmt.Errorf("force sell %s: %w", tokenID, err)
	}

	e.mu.Lock()
	e.updatePositionLocked(fillJob{
		orderID:     result.OrderID,
		tokenID:     tokenID,
		conditionID: conditionID,
		side:        types.SELL,
		price:       price,
		size:        shares,
	})
	e.mu.Unlock()

	e.logger.Info("position sold", "token", tokenID, "shares", shares, "price", price)
	return nil
}

// resolveMarketRef accepts a condition ID or a numeric index into the
// score-ordered active list.
func (e *Engine) resolveMarketRef(idOrIndex string) (string, error) {
	e.mu.Lock()
	_, direct := e.markets[idOrIndex]
	e.mu.Unlock()
	if direct {
		return idOrIndex, nil
	}

	var idx int
	if _, err := fmt.Sscanf(idOrIndex, "%d", &idx); err == nil {
		active := e.ActiveMarkets()
		if idx >= 0 && idx < len(active) {
			return active[idx].ConditionID, nil
		}
		return "", fmt.Errorf("market index %d out of range (have %d)", idx, len(active))
	}
	return "", fmt.Errorf("unknown market %q", idOrIndex)
}
