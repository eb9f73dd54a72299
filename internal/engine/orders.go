// orders.go reconciles intended quotes against live orders and detects fills
// through three progressively more expensive sources: the open-order list,
// the trade history, and finally the on-chain balance. On-chain verification
// is a ground-truth fallback only — it runs solely for orders the trade
// history could not explain, so flaky pagination cannot synthesize fills.
package engine

import (
	"context"
	"math"
	"strconv"
	"time"

	"polymarket-rewards/internal/exchange"
	"polymarket-rewards/pkg/types"
)

const (
	// priceMatchTicks is the tolerance for matching a live order to a target
	// quote, in tick multiples.
	priceMatchTicks = 1.5

	// gtdLifetime is the resting lifetime for BUY placements. The exchange
	// enforces a 60s security buffer, so the effective lifetime is ~5min.
	gtdLifetime = 360 * time.Second

	// Fuzzy trade matching tolerances for orders with no direct ID match.
	tradePriceTolerance = 0.01 // 1 cent
	tradeSizeTolerance  = 1.0  // 1 share

	// onChainFillFraction is the share of the expected fill the on-chain
	// balance delta must cover before a fill is declared.
	onChainFillFraction = 0.5
)

// refreshMarketOrders converges this market's resting orders onto targets:
// matched live orders are kept, stale ones cancelled, missing targets placed.
// Returns all live order IDs after convergence and the count of new
// placements.
//
// Caller holds e.mu.
func (e *Engine) refreshMarketOrdersLocked(ctx context.Context, m types.Market, targets []types.Quote) ([]string, int) {
	live := e.state.LiveOrders(m.ConditionID)
	tick := m.TickSize.Float()

	matched := make(map[string]bool) // order ID → kept
	unmet := make([]types.Quote, 0, len(targets))

	for _, target := range targets {
		found := ""
		for _, o := range live {
			if matched[o.ID] {
				continue
			}
			if o.TokenID != target.TokenID || o.Side != target.Side {
				continue
			}
			if math.Abs(o.Price-target.Price) <= priceMatchTicks*tick {
				found = o.ID
				break
			}
		}
		if found != "" {
			matched[found] = true
		} else {
			unmet = append(unmet, target)
		}
	}

	var toCancel []string
	for _, o := range live {
		if !matched[o.ID] {
			toCancel = append(toCancel, o.ID)
		}
	}

	if len(toCancel) > 0 {
		if resp, err := e.gw.CancelOrders(ctx, toCancel); err != nil {
			e.logger.Error("cancel stale orders failed", "market", m.ConditionID, "error", err)
		} else {
			for _, id := range resp.Canceled {
				if o, ok := e.state.Orders[id]; ok {
					o.Status = types.OrderCancelled
					e.state.Orders[id] = o
				}
			}
			if e.metrics != nil {
				e.metrics.Cancels.Inc()
			}
		}
	}

	placed := 0
	allLive := make([]string, 0, len(matched)+len(unmet))
	for id := range matched {
		allLive = append(allLive, id)
	}
	for _, target := range unmet {
		if order := e.placeOrderLocked(ctx, m, target); order != nil {
			allLive = append(allLive, order.ID)
			placed++
		}
	}

	return allLive, placed
}

// placeOrderLocked submits one target quote. BUY orders rest as GTD with a
// ~5 minute lifetime; SELL orders rest as GTC. Everything is post-only.
// Benign rejections (post-only crossed, balance) are logged and swallowed;
// anything else counts toward the tick error budget.
//
// Caller holds e.mu.
func (e *Engine) placeOrderLocked(ctx context.Context, m types.Market, q types.Quote) *types.TrackedOrder {
	spec := types.OrderSpec{
		TokenID:  q.TokenID,
		Price:    q.Price,
		Size:     q.Size,
		Side:     q.Side,
		PostOnly: true,
	}
	if q.Side == types.BUY {
		spec.OrderType = types.OrderTypeGTD
		spec.Expiration = time.Now().Add(gtdLifetime).Unix()
	} else {
		spec.OrderType = types.OrderTypeGTC
	}

	result, err := e.gw.CreateAndPostOrder(ctx, spec, types.MarketParams{
		TickSize: m.TickSize,
		NegRisk:  m.NegRisk,
	})
	if err != nil {
		if exchange.IsBenignRejection(err) {
			e.logger.Info("placement rejected",
				"market", m.ConditionID,
				"token", q.TokenID,
				"price", q.Price,
				"kind", exchange.KindOf(err).String(),
			)
		} else {
			e.logger.Error("placement failed",
				"market", m.ConditionID, "token", q.TokenID, "error", err)
			e.state.ErrorCount++
		}
		return nil
	}

	mid, _ := e.prices.Mid(q.TokenID)
	order := types.TrackedOrder{
		ID:           result.OrderID,
		TokenID:      q.TokenID,
		ConditionID:  m.ConditionID,
		Side:         q.Side,
		Price:        q.Price,
		OriginalSize: q.Size,
		Status:       types.OrderLive,
		PlacedAt:     time.Now(),
		Level:        q.Level,
		Scoring:      mid > 0 && math.Abs(mid-q.Price) < m.MaxSpread && q.Size >= m.MinSize,
	}
	e.state.Orders[order.ID] = order

	if e.metrics != nil {
		e.metrics.Placements.Inc()
	}
	e.logger.Info("order placed",
		"market", m.ConditionID,
		"token", q.TokenID,
		"side", q.Side,
		"price", q.Price,
		"size", order.OriginalSize,
		"type", spec.OrderType,
	)
	return &order
}

// detectedFill is one fill surfaced by REST reconciliation.
type detectedFill struct {
	order types.TrackedOrder
	size  float64
}

// detectFills reconciles tracked live orders against the exchange.
//
//  1. The open-order list is authoritative for liveness.
//  2. Disappeared orders are explained by the trade history: taker ID, maker
//     ID, or a fuzzy (token, side, price, size) match.
//  3. Orders the trades cannot explain are checked against the on-chain
//     conditional balance; a delta of at least half the expected fill
//     confirms it, sized by the actual delta.
//  4. Whatever remains disappeared with no evidence of a fill was cancelled
//     externally.
//  5. Orders still resting may carry partial fills via size_matched.
func (e *Engine) detectFills(ctx context.Context) []detectedFill {
	open, err := e.gw.GetOpenOrders(ctx)
	if err != nil {
		e.logger.Warn("open-order fetch failed, skipping fill detection", "error", err)
		return nil
	}

	stillOpen := make(map[string]types.OpenOrder, len(open))
	for _, o := range open {
		stillOpen[o.ID] = o
	}

	e.mu.Lock()
	tracked := e.state.LiveOrders("")
	e.mu.Unlock()

	var disappeared []types.TrackedOrder
	for _, o := range tracked {
		if _, ok := stillOpen[o.ID]; !ok {
			disappeared = append(disappeared, o)
		}
	}

	var fills []detectedFill
	var unexplained []types.TrackedOrder

	if len(disappeared) > 0 {
		trades, terr := e.gw.GetTrades(ctx)
		if terr != nil {
			e.logger.Warn("trade fetch failed during fill detection", "error", terr)
		}
		for _, o := range disappeared {
			if size, ok := matchTrade(o, trades); ok {
				fills = append(fills, detectedFill{order: o, size: size})
			} else {
				unexplained = append(unexplained, o)
			}
		}
	}

	for _, o := range unexplained {
		if size, ok := e.verifyFillOnChain(ctx, o); ok {
			fills = append(fills, detectedFill{order: o, size: size})
		} else {
			e.mu.Lock()
			if cur, exists := e.state.Orders[o.ID]; exists && cur.Status == types.OrderLive {
				cur.Status = types.OrderCancelled
				e.state.Orders[o.ID] = cur
			}
			e.mu.Unlock()
			e.logger.Info("order cancelled externally", "order", o.ID)
		}
	}

	// Partial fills on orders still resting.
	for _, o := range tracked {
		exch, ok := stillOpen[o.ID]
		if !ok {
			continue
		}
		sizeMatched, _ := strconv.ParseFloat(exch.SizeMatched, 64)
		if delta := sizeMatched - o.FilledSize; delta > 1e-9 {
			fills = append(fills, detectedFill{order: o, size: delta})
		}
	}

	return fills
}

// matchTrade searches the trade history for evidence that a disappeared
// order filled, returning the fill size.
func matchTrade(o types.TrackedOrder, trades []types.Trade) (float64, bool) {
	for _, t := range trades {
		if t.TakerOrderID == o.ID {
			size, _ := strconv.ParseFloat(t.Size, 64)
			return size, size > 0
		}
		for _, maker := range t.MakerOrders {
			if maker.OrderID == o.ID {
				size, _ := strconv.ParseFloat(maker.MatchedSize, 64)
				if size == 0 {
					size, _ = strconv.ParseFloat(t.Size, 64)
				}
				return size, size > 0
			}
		}
	}

	// Fuzzy fallback: same token and side, price within a cent, size within
	// a share.
	for _, t := range trades {
		if t.AssetID != o.TokenID || t.Side != string(o.Side) {
			continue
		}
		price, _ := strconv.ParseFloat(t.Price, 64)
		size, _ := strconv.ParseFloat(t.Size, 64)
		if math.Abs(price-o.Price) <= tradePriceTolerance &&
			math.Abs(size-o.Remaining()) <= tradeSizeTolerance {
			return size, size > 0
		}
	}
	return 0, false
}

// verifyFillOnChain compares the on-chain conditional balance against the
// state-tracked position. A BUY that filled shows more shares than tracked;
// a SELL shows fewer. The actual fill is the absolute delta.
func (e *Engine) verifyFillOnChain(ctx context.Context, o types.TrackedOrder) (float64, bool) {
	onChain, err := e.gw.GetConditionalBalance(ctx, o.TokenID)
	if err != nil {
		e.logger.Warn("on-chain balance check failed", "token", o.TokenID, "error", err)
		return 0, false
	}

	e.mu.Lock()
	tracked := e.state.Positions[o.TokenID].Shares
	e.mu.Unlock()

	expected := o.Remaining()
	delta := onChain - tracked
	if o.Side == types.SELL {
		delta = -delta
	}
	if delta >= onChainFillFraction*expected && delta > 0 {
		e.logger.Warn("fill confirmed on-chain",
			"order", o.ID, "token", o.TokenID, "delta", delta)
		return math.Abs(delta), true
	}
	return 0, false
}
