// Package engine is the orchestrator of the liquidity-reward bot.
//
// One logical worker drives a 5-second tick over the per-market phase
// machines; two WebSocket consumers feed it midpoint updates (danger-zone
// hot path) and fills (serialized queue). The loop:
//
//  1. Scanner ranks reward markets; the top K become the active set.
//  2. Each quoting market rests post-only bids inside the scoring band.
//  3. A midpoint drifting down to a pre-computed trigger pulls the market's
//     orders and opens a cooldown — cancel-before-fill is the whole game.
//  4. A fill that lands anyway flips the market to exiting and the inventory
//     is liquidated immediately.
//
// Lifecycle: New() → Start() → [runs until Stop or kill] → Stop().
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"polymarket-rewards/internal/config"
	"polymarket-rewards/internal/exchange"
	"polymarket-rewards/internal/market"
	"polymarket-rewards/internal/metrics"
	"polymarket-rewards/internal/risk"
	"polymarket-rewards/internal/store"
	"polymarket-rewards/internal/strategy"
	"polymarket-rewards/pkg/types"
)

const (
	maxConsecutiveCooldowns = 3
	maxEmptyQuoteTicks      = 6
	maxConsecutiveTickErrs  = 5

	orderRefreshAge     = 5 * time.Minute
	stateSaveInterval   = 30 * time.Second
	scoringCheckEvery   = time.Minute
	balanceRefreshEvery = 5 * time.Minute
	earningsFetchEvery  = time.Hour

	// shutdownGrace lets in-flight placements land before the final
	// cancel-all so they are caught by it rather than orphaned.
	shutdownGrace = 2 * time.Second

	killLiquidationRetries = 3
	killLiquidationWait    = 5 * time.Second
)

// Engine wires the scanner, quote engine, order manager, danger-zone
// detector, and fill handler over one shared state document.
type Engine struct {
	cfg     config.Config
	gw      Gateway
	scanner *market.Scanner
	riskMgr *risk.Manager
	store   *store.Store
	logger  *slog.Logger
	metrics *metrics.Metrics

	// Feeds are nil when running headless (tests drive the engine directly).
	mktFeed *exchange.WSFeed
	usrFeed *exchange.WSFeed

	prices   *market.PriceMap
	triggers *TriggerMap

	// mu guards state, markets, sizing, and the dedup set. Phase transitions
	// happen under it, before any related RPC is awaited.
	mu                  sync.Mutex
	state               *store.State
	markets             map[string]types.Market // active set by condition ID
	orderSize           float64
	maxCapitalPerMarket float64
	rewardEstimate      float64
	needRescan          bool

	processedFills map[string]bool
	processedOrder []string
	fillCh         chan fillJob

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	tickWg sync.WaitGroup // the in-flight tick, awaited on shutdown

	running bool

	lastSaveAt      time.Time
	lastScoringAt   time.Time
	lastBalanceAt   time.Time
	lastEarningsAt  time.Time
	consecutiveErrs int
}

// New creates the engine around an initialized gateway and its collaborators.
func New(
	cfg config.Config,
	gw Gateway,
	scanner *market.Scanner,
	riskMgr *risk.Manager,
	st *store.Store,
	mktFeed, usrFeed *exchange.WSFeed,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:            cfg,
		gw:             gw,
		scanner:        scanner,
		riskMgr:        riskMgr,
		store:          st,
		logger:         logger.With("component", "engine"),
		metrics:        m,
		mktFeed:        mktFeed,
		usrFeed:        usrFeed,
		prices:         market.NewPriceMap(),
		triggers:       NewTriggerMap(),
		state:          store.NewState(), // replaced by the loaded snapshot in Start
		markets:        make(map[string]types.Market),
		processedFills: make(map[string]bool),
		fillCh:         make(chan fillJob, 64),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start runs the startup sequence and launches the background loops.
func (e *Engine) Start() error {
	if err := e.gw.Init(e.ctx); err != nil {
		return fmt.Errorf("gateway init: %w", err)
	}

	state, err := e.store.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	e.mu.Lock()
	e.state = state
	e.state.Running = true
	e.state.StartedAt = time.Now()
	e.state.KillSwitchTriggered = false
	if e.state.DailyDate == "" {
		e.state.DailyDate = utcDate(time.Now())
	}
	e.running = true
	e.mu.Unlock()

	if err := e.refreshBalanceAndSizing(e.ctx); err != nil {
		return fmt.Errorf("initial balance: %w", err)
	}

	// Drop any orders a previous process left resting before tracking starts.
	if _, err := e.gw.CancelAll(e.ctx); err != nil {
		e.logger.Warn("startup cancel-all failed", "error", err)
	}
	e.mu.Lock()
	for id, o := range e.state.Orders {
		if o.Status == types.OrderLive {
			o.Status = types.OrderCancelled
			e.state.Orders[id] = o
		}
	}
	e.mu.Unlock()

	if err := e.performRescan(e.ctx); err != nil {
		return fmt.Errorf("initial scan: %w", err)
	}

	// Orphans are sold before pruning so the sale is still possible.
	e.sellOrphanPositions(e.ctx)
	e.mu.Lock()
	e.pruneStalePositionsLocked()
	e.saveStateLocked()
	e.mu.Unlock()

	e.startBackground()

	// Initial quotes for every quoting market.
	e.mu.Lock()
	e.refreshAllBooksLocked(e.ctx)
	for id, m := range e.markets {
		if ms := e.state.MarketStates[id]; ms != nil && ms.Phase == types.PhaseQuoting {
			e.quoteMarketLocked(e.ctx, m, ms)
		}
	}
	e.saveStateLocked()
	e.mu.Unlock()

	e.logger.Info("engine started",
		"markets", len(e.markets),
		"order_size", e.orderSize,
		"max_capital_per_market", e.maxCapitalPerMarket,
	)
	return nil
}

func (e *Engine) startBackground() {
	if e.mktFeed != nil {
		e.wg.Add(2)
		go func() {
			defer e.wg.Done()
			if err := e.mktFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("market feed error", "error", err)
			}
		}()
		go func() {
			defer e.wg.Done()
			e.consumeMidUpdates()
		}()
	}
	if e.usrFeed != nil {
		e.wg.Add(2)
		go func() {
			defer e.wg.Done()
			if err := e.usrFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("user feed error", "error", err)
			}
		}()
		go func() {
			defer e.wg.Done()
			e.consumeTradeEvents()
		}()
	}

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.runFillQueue(e.ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.runTicker()
	}()
}

// Stop shuts down in an order that cannot orphan orders: the in-flight tick
// is awaited (not cancelled), feeds stop, a short grace period lets any
// placements land, then one final cancel-all sweeps the book.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.state.Running = false
	e.mu.Unlock()

	e.tickWg.Wait()
	e.cancel()

	if e.mktFeed != nil {
		e.mktFeed.Close()
	}
	if e.usrFeed != nil {
		e.usrFeed.Close()
	}

	e.mu.Lock()
	for _, m := range e.markets {
		e.clearDangerTriggers(m)
	}
	e.mu.Unlock()

	time.Sleep(shutdownGrace)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := e.gw.CancelAll(ctx); err != nil {
		e.logger.Error("shutdown cancel-all failed", "error", err)
	}

	if e.cfg.Strategy.LiquidateOnStop {
		e.liquidateAll(ctx)
	}

	e.wg.Wait()

	e.mu.Lock()
	e.saveStateLocked()
	e.mu.Unlock()

	e.logger.Info("shutdown complete")
}

// EmergencyKill is Stop plus the persistent kill flag and stubborn
// liquidation retries.
func (e *Engine) EmergencyKill(reason string) {
	e.logger.Error("EMERGENCY KILL", "reason", reason)

	e.mu.Lock()
	e.state.KillSwitchTriggered = true
	e.mu.Unlock()

	e.Stop()

	if !e.cfg.Strategy.LiquidateOnKill {
		return
	}
	for attempt := 1; attempt <= killLiquidationRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		err := e.liquidateAll(ctx)
		cancel()
		if err == nil {
			return
		}
		e.logger.Error("kill liquidation attempt failed", "attempt", attempt, "error", err)
		time.Sleep(killLiquidationWait)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Background loops
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) runTicker() {
	ticker := time.NewTicker(e.cfg.Strategy.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			running := e.running
			e.mu.Unlock()
			if !running {
				return
			}
			e.tickWg.Add(1)
			e.tick(e.ctx)
			e.tickWg.Done()
		}
	}
}

func (e *Engine) consumeMidUpdates() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case u := <-e.mktFeed.MidUpdates():
			e.onMidUpdate(u)
		}
	}
}

func (e *Engine) consumeTradeEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case evt := <-e.usrFeed.TradeEvents():
			e.onTradeEvent(evt)
		}
	}
}

// onTradeEvent maps a user-channel trade onto a tracked order and enqueues
// the fill. The feed already filtered to first-notification MATCHED events.
func (e *Engine) onTradeEvent(evt types.WSTradeEvent) {
	price := parseFloat(evt.Price)
	size := parseFloat(evt.Size)

	e.mu.Lock()
	var orderID string
	if _, ok := e.state.Orders[evt.TakerOrderID]; ok {
		orderID = evt.TakerOrderID
	} else {
		for _, maker := range evt.MakerOrders {
			if _, ok := e.state.Orders[maker.OrderID]; ok {
				orderID = maker.OrderID
				if s := parseFloat(maker.MatchedSize); s > 0 {
					size = s
				}
				if p := parseFloat(maker.Price); p > 0 {
					price = p
				}
				break
			}
		}
	}
	e.mu.Unlock()

	if orderID == "" {
		e.logger.Debug("trade event for unknown orders", "trade", evt.ID)
		return
	}
	e.applyFill(orderID, price, size)
}

// ————————————————————————————————————————————————————————————————————————
// The tick
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tick panic", "panic", r)
			e.noteTickError()
		}
	}()

	if e.metrics != nil {
		e.metrics.Ticks.Inc()
	}

	e.rolloverDayIfNeeded()

	e.mu.Lock()
	killed := e.state.KillSwitchTriggered
	paused := e.state.DayPaused
	e.mu.Unlock()
	if killed || paused {
		return
	}

	e.mu.Lock()
	errsBefore := e.state.ErrorCount
	e.mu.Unlock()

	tickErr := e.refreshBooks(ctx)

	for _, f := range e.detectFills(ctx) {
		e.applyFill(f.order.ID, f.order.Price, f.size)
	}

	e.dispatchPhases(ctx)
	e.runRiskChecks()
	e.runPeriodicTasks(ctx)

	e.mu.Lock()
	clean := tickErr == nil && e.state.ErrorCount == errsBefore
	e.mu.Unlock()
	if !clean {
		e.noteTickError()
	} else {
		e.mu.Lock()
		e.consecutiveErrs = 0
		e.state.ErrorCount = 0
		e.mu.Unlock()
	}

	e.mu.Lock()
	e.state.LastRefreshAt = time.Now()
	if time.Since(e.lastSaveAt) > stateSaveInterval {
		e.saveStateLocked()
	}
	if e.metrics != nil {
		e.metrics.ActiveMarkets.Set(float64(len(e.markets)))
		e.metrics.LiveOrders.Set(float64(len(e.state.LiveOrders(""))))
	}
	e.mu.Unlock()
}

func (e *Engine) noteTickError() {
	e.mu.Lock()
	e.consecutiveErrs++
	e.state.ErrorCount++
	errs := e.consecutiveErrs
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.TickErrors.Inc()
	}
	if errs > maxConsecutiveTickErrs {
		e.logger.Error("too many consecutive tick errors, cancelling all orders", "errors", errs)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if _, err := e.gw.CancelAll(ctx); err != nil {
			e.logger.Error("defensive cancel-all failed", "error", err)
		}
	}
}

// refreshBooks pulls every active token's ladder and the batched midpoints
// concurrently, then reconciles them into the price map. The batched
// midpoint is authoritative; a large divergence on a neg-risk market means
// the local ladder is inverted.
func (e *Engine) refreshBooks(ctx context.Context) error {
	e.mu.Lock()
	tokens := make([]string, 0, len(e.markets)*2)
	negRisk := make(map[string]bool)
	for _, m := range e.markets {
		for _, id := range m.TokenIDs() {
			tokens = append(tokens, id)
			negRisk[id] = m.NegRisk
		}
	}
	e.mu.Unlock()

	if len(tokens) == 0 {
		return nil
	}

	var (
		books []types.BookResponse
		mids  map[string]float64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		books, err = e.gw.GetOrderBooks(gctx, tokens)
		return err
	})
	g.Go(func() error {
		var err error
		mids, err = e.gw.GetMidpoints(gctx, tokens)
		if err != nil {
			// Books alone still serve the non-neg-risk markets.
			e.logger.Warn("batched midpoints failed", "error", err)
			mids = nil
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("refresh books: %w", err)
	}

	for i := range books {
		resp := books[i]
		snap := market.ParseBook(&resp)
		if snap == nil {
			continue
		}
		trueMid, haveMid := mids[snap.AssetID]
		if !haveMid && negRisk[snap.AssetID] {
			// Without the authoritative midpoint the orientation of a
			// neg-risk ladder is unknowable; skip this book this tick.
			continue
		}
		if haveMid {
			market.ApplyAuthoritativeMid(snap, trueMid)
		}
		e.prices.Set(snap)
	}
	return nil
}

// dispatchPhases walks a snapshot of the active set so in-loop rescans and
// pauses cannot disturb iteration.
func (e *Engine) dispatchPhases(ctx context.Context) {
	e.mu.Lock()
	snapshot := make([]types.Market, 0, len(e.markets))
	for _, m := range e.markets {
		snapshot = append(snapshot, m)
	}
	e.mu.Unlock()

	for _, m := range snapshot {
		e.mu.Lock()
		ms := e.state.MarketStates[m.ConditionID]
		if ms == nil {
			e.mu.Unlock()
			continue
		}

		switch ms.Phase {
		case types.PhaseQuoting:
			e.tickQuotingLocked(ctx, m, ms)
			e.mu.Unlock()

		case types.PhaseCooldown:
			if time.Now().After(ms.CooldownUntil) {
				e.applyPostCooldownLocked(m, ms)
				if ms.Phase == types.PhaseQuoting {
					e.quoteMarketLocked(ctx, m, ms)
				}
			}
			e.mu.Unlock()

		case types.PhaseExiting:
			staged := e.cfg.Strategy.UseStagedExit && ms.AccidentalFill != nil
			stuck := ms.AccidentalFill == nil && time.Since(ms.EnteredExitingAt) > exitingWatchdog
			if stuck {
				e.logger.Warn("exiting phase stuck without fill record, forcing cooldown",
					"market", m.ConditionID)
				ms.Phase = types.PhaseCooldown
				ms.CooldownUntil = time.Now().Add(e.cfg.Strategy.Cooldown)
			}
			e.mu.Unlock()
			if staged {
				e.driveStagedExit(ctx, m, ms)
			}

		default:
			e.mu.Unlock()
		}
	}
}

// tickQuotingLocked handles one quoting market: danger fallback first, then
// refresh when orders aged out or are missing, then the stability reset.
//
// Caller holds e.mu.
func (e *Engine) tickQuotingLocked(ctx context.Context, m types.Market, ms *types.MarketState) {
	if e.restDangerFiredLocked(m, ms) {
		e.enterCooldownLocked(m, ms, "rest")
		return
	}

	if len(ms.ActiveOrderIDs) == 0 || time.Since(ms.OrdersPlacedAt) > orderRefreshAge {
		e.quoteMarketLocked(ctx, m, ms)
	}

	if ms.ConsecutiveCooldowns > 0 &&
		!ms.OrdersPlacedAt.IsZero() &&
		time.Since(ms.OrdersPlacedAt) > e.cfg.Strategy.StabilityReset {
		// Survived a full interval without a cooldown: proof of stability.
		ms.ConsecutiveCooldowns = 0
	}
}

// quoteMarketLocked computes targets and converges resting orders onto them.
//
// Caller holds e.mu.
func (e *Engine) quoteMarketLocked(ctx context.Context, m types.Market, ms *types.MarketState) {
	books := map[string]*types.BookSnapshot{
		m.Tokens[0].ID: e.prices.Get(m.Tokens[0].ID),
		m.Tokens[1].ID: e.prices.Get(m.Tokens[1].ID),
	}
	targets := strategy.TargetQuotes(&m, books, strategy.QuoteParams{
		OrderSizeUSD: e.orderSize,
		SpreadRatio:  e.cfg.Strategy.SpreadRatio,
		SingleSided:  e.cfg.Strategy.SingleSided,
	})

	if len(targets) == 0 {
		ms.EmptyQuoteTicks++
		if ms.EmptyQuoteTicks >= maxEmptyQuoteTicks {
			e.logger.Warn("no valid quotes for too long, pausing market",
				"market", m.ConditionID, "ticks", ms.EmptyQuoteTicks)
			e.pauseMarketLocked(m.ConditionID)
			e.needRescan = true
		}
		return
	}
	ms.EmptyQuoteTicks = 0

	ids, placed := e.refreshMarketOrdersLocked(ctx, m, targets)
	ms.ActiveOrderIDs = ids
	if placed > 0 || ms.OrdersPlacedAt.IsZero() {
		ms.OrdersPlacedAt = time.Now()
	}
	e.updateDangerTriggersLocked(m, ms)
}

// ————————————————————————————————————————————————————————————————————————
// Risk and periodic tasks
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) runRiskChecks() {
	e.mu.Lock()
	snap := risk.Snapshot{
		Balance:           e.state.Balance,
		PeakBalance:       e.state.PeakBalance,
		DailyPnL:          e.state.DailyPnL,
		ConsecutiveErrors: e.gw.ConsecutiveErrors(),
	}
	e.mu.Unlock()

	verdict, reason := e.riskMgr.Check(snap)
	switch verdict {
	case risk.Kill:
		go e.EmergencyKill(reason)
	case risk.DayPause:
		e.mu.Lock()
		alreadyPaused := e.state.DayPaused
		e.state.DayPaused = true
		e.saveStateLocked()
		e.mu.Unlock()
		if !alreadyPaused {
			e.logger.Warn("daily loss limit hit, pausing for the day", "reason", reason)
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if _, err := e.gw.CancelAll(ctx); err != nil {
				e.logger.Error("day-pause cancel-all failed", "error", err)
			}
		}
	}
}

func (e *Engine) runPeriodicTasks(ctx context.Context) {
	now := time.Now()

	if now.Sub(e.lastScoringAt) > scoringCheckEvery {
		e.lastScoringAt = now
		e.updateRewardEstimate()
	}

	if now.Sub(e.lastBalanceAt) > balanceRefreshEvery {
		e.lastBalanceAt = now
		if err := e.refreshBalanceAndSizing(ctx); err != nil {
			e.logger.Warn("balance refresh failed", "error", err)
		}
	}

	e.mu.Lock()
	rescan := e.needRescan
	e.needRescan = false
	e.mu.Unlock()
	if rescan || e.scanner.ShouldRescan() {
		if err := e.performRescan(ctx); err != nil {
			e.logger.Warn("rescan failed", "error", err)
		}
	}

	if now.Sub(e.lastEarningsAt) > earningsFetchEvery {
		e.lastEarningsAt = now
		e.fetchYesterdayEarnings(ctx)
	}
}

// updateRewardEstimate recomputes the expected daily reward share across the
// active set from the currently resting scoring orders.
func (e *Engine) updateRewardEstimate() {
	e.mu.Lock()
	defer e.mu.Unlock()

	var total float64
	for id, m := range e.markets {
		ms := e.state.MarketStates[id]
		if ms == nil || ms.Phase != types.PhaseQuoting {
			continue
		}

		mids := make(map[string]float64, 2)
		for _, tokenID := range m.TokenIDs() {
			if mid, ok := e.prices.Mid(tokenID); ok {
				mids[tokenID] = mid
			}
		}

		var quotes []types.Quote
		for _, orderID := range ms.ActiveOrderIDs {
			o, ok := e.state.Orders[orderID]
			if !ok || o.Status != types.OrderLive {
				continue
			}
			quotes = append(quotes, types.Quote{
				TokenID: o.TokenID,
				Side:    o.Side,
				Price:   o.Price,
				Size:    o.Remaining(),
			})
		}

		qmin := strategy.QuoteSetScore(&m, quotes, mids)
		competition := strategy.CompetitionUSD(e.prices.Get(m.Tokens[0].ID), m.MaxSpread)
		total += strategy.EstimateDailyReward(qmin, competition, m.DailyRate)
	}

	e.rewardEstimate = total
	if e.metrics != nil {
		e.metrics.RewardPerDay.Set(total)
	}
}

// refreshBalanceAndSizing pulls the collateral balance and recomputes the
// derived capital figures plus the peak-balance watermark.
func (e *Engine) refreshBalanceAndSizing(ctx context.Context) error {
	balance, err := e.gw.GetCollateralBalance(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.state.Balance = balance
	if balance > e.state.PeakBalance {
		e.state.PeakBalance = balance
	}
	e.applySizingLocked()
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.Balance.Set(balance)
	}
	return nil
}

// applySizingLocked derives order size and per-market capital from the
// balance net of the configured reserve.
// Caller holds e.mu.
func (e *Engine) applySizingLocked() {
	usable := e.state.Balance * (1 - e.cfg.Strategy.ReserveRatio)
	e.orderSize = maxf(1, usable*e.cfg.Strategy.OrderSizeRatio)
	e.maxCapitalPerMarket = maxf(1, usable*e.cfg.Strategy.DeployRatio)
}

func (e *Engine) fetchYesterdayEarnings(ctx context.Context) {
	yesterday := utcDate(time.Now().UTC().AddDate(0, 0, -1))
	actual, err := e.gw.GetDailyEarnings(ctx, yesterday)
	if err != nil {
		e.logger.Debug("earnings fetch failed", "date", yesterday, "error", err)
		return
	}

	e.mu.Lock()
	for i := range e.state.RewardHistory {
		if e.state.RewardHistory[i].Date == yesterday {
			e.state.RewardHistory[i].ActualUSD = actual
			break
		}
	}
	e.mu.Unlock()
}

// rolloverDayIfNeeded archives the finished UTC day and resets daily state.
func (e *Engine) rolloverDayIfNeeded() {
	today := utcDate(time.Now())

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.DailyDate == today {
		return
	}

	e.state.AppendRewardDay(types.RewardDay{
		Date:         e.state.DailyDate,
		EstimatedUSD: e.rewardEstimate,
	})
	e.logger.Info("day rollover",
		"closed", e.state.DailyDate,
		"daily_pnl", e.state.DailyPnL,
		"reward_estimate", e.rewardEstimate,
	)

	e.state.DailyDate = today
	e.state.DailyPnL = 0
	e.state.DayPaused = false
	e.pruneStalePositionsLocked()
	e.state.PruneFillHistory(time.Now())
	e.saveStateLocked()
}

// ————————————————————————————————————————————————————————————————————————
// Active-set management
// ————————————————————————————————————————————————————————————————————————

// performRescan refreshes the ranked list and reconciles the active set.
func (e *Engine) performRescan(ctx context.Context) error {
	e.mu.Lock()
	maxCapital := e.maxCapitalPerMarket
	e.mu.Unlock()

	if _, err := e.scanner.Scan(ctx, maxCapital); err != nil {
		return err
	}

	e.mu.Lock()
	excluded := make(map[string]bool, len(e.state.PausedMarketIDs))
	for _, id := range e.state.PausedMarketIDs {
		excluded[id] = true
	}
	selected := e.scanner.SelectActiveMarkets(excluded)

	desired := make(map[string]types.Market, len(selected))
	for _, m := range selected {
		desired[m.ConditionID] = m
	}

	var droppedTokens, addedTokens []string
	var droppedConds, addedConds []string

	for id, m := range e.markets {
		if _, keep := desired[id]; keep {
			continue
		}
		// Markets mid-exit keep their state until the liquidation completes.
		if ms := e.state.MarketStates[id]; ms != nil && ms.Phase == types.PhaseExiting {
			desired[id] = m
			continue
		}
		e.clearDangerTriggers(m)
		delete(e.markets, id)
		delete(e.state.MarketStates, id)
		droppedTokens = append(droppedTokens, m.TokenIDs()...)
		droppedConds = append(droppedConds, id)
		go func(conditionID string) {
			cctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if _, err := e.gw.CancelMarketOrders(cctx, conditionID); err != nil {
				e.logger.Warn("cancel on market drop failed", "market", conditionID, "error", err)
			}
		}(id)
	}

	for id, m := range desired {
		if _, exists := e.markets[id]; exists {
			continue
		}
		e.markets[id] = m
		if e.state.MarketStates[id] == nil {
			e.state.MarketStates[id] = &types.MarketState{
				ConditionID: id,
				Phase:       types.PhaseQuoting,
			}
		}
		addedTokens = append(addedTokens, m.TokenIDs()...)
		addedConds = append(addedConds, id)
	}

	e.state.ActiveMarketIDs = e.state.ActiveMarketIDs[:0]
	for id := range e.markets {
		e.state.ActiveMarketIDs = append(e.state.ActiveMarketIDs, id)
	}
	e.state.LastScanAt = time.Now()
	e.saveStateLocked()
	e.mu.Unlock()

	e.updateSubscriptions(addedTokens, droppedTokens, addedConds, droppedConds)

	e.logger.Info("active set reconciled",
		"active", len(desired),
		"added", len(addedConds),
		"dropped", len(droppedConds),
	)
	return nil
}

func (e *Engine) updateSubscriptions(addTokens, dropTokens, addConds, dropConds []string) {
	if e.mktFeed != nil {
		if len(dropTokens) > 0 {
			e.mktFeed.Unsubscribe(e.ctx, dropTokens)
			e.prices.Drop(dropTokens...)
		}
		if len(addTokens) > 0 {
			e.mktFeed.Subscribe(e.ctx, addTokens)
		}
	}
	if e.usrFeed != nil {
		if len(dropConds) > 0 {
			e.usrFeed.Unsubscribe(e.ctx, dropConds)
		}
		if len(addConds) > 0 {
			e.usrFeed.Subscribe(e.ctx, addConds)
		}
	}
}

// pauseMarketLocked blacklists a market and tears down its local state.
// Caller holds e.mu.
func (e *Engine) pauseMarketLocked(conditionID string) {
	m, ok := e.markets[conditionID]
	if ok {
		e.clearDangerTriggers(m)
		delete(e.markets, conditionID)
	}
	delete(e.state.MarketStates, conditionID)

	for _, id := range e.state.PausedMarketIDs {
		if id == conditionID {
			e.saveStateLocked()
			return
		}
	}
	e.state.PausedMarketIDs = append(e.state.PausedMarketIDs, conditionID)
	e.saveStateLocked()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if _, err := e.gw.CancelMarketOrders(ctx, conditionID); err != nil {
			e.logger.Warn("cancel on pause failed", "market", conditionID, "error", err)
		}
	}()
}

// pruneStalePositionsLocked garbage-collects zero-share positions.
// Caller holds e.mu.
func (e *Engine) pruneStalePositionsLocked() {
	for tokenID, pos := range e.state.Positions {
		if pos.Shares <= 1e-9 {
			delete(e.state.Positions, tokenID)
		}
	}
}

// refreshAllBooksLocked is the synchronous startup variant of refreshBooks.
// Caller holds e.mu (released and re-taken around the network calls).
func (e *Engine) refreshAllBooksLocked(ctx context.Context) {
	e.mu.Unlock()
	if err := e.refreshBooks(ctx); err != nil {
		e.logger.Warn("initial book refresh failed", "error", err)
	}
	e.mu.Lock()
}

// saveStateLocked persists the snapshot, best effort.
// Caller holds e.mu.
func (e *Engine) saveStateLocked() {
	if err := e.store.Save(e.state); err != nil {
		e.logger.Error("state save failed", "error", err)
		return
	}
	e.lastSaveAt = time.Now()
}

func utcDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
