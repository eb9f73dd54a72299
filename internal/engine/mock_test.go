package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"polymarket-rewards/internal/config"
	"polymarket-rewards/internal/exchange"
	"polymarket-rewards/internal/market"
	"polymarket-rewards/internal/risk"
	"polymarket-rewards/internal/store"
	"polymarket-rewards/pkg/types"
)

// mockGateway is a scripted Gateway recording every call in order.
// It also satisfies market.Gateway so the same instance backs the scanner.
type mockGateway struct {
	mu    sync.Mutex
	calls []string

	balance       float64
	condBalances  map[string]float64
	midpoints     map[string]float64
	books         map[string]*types.BookResponse
	openOrders    []types.OpenOrder
	trades        []types.Trade
	userPositions []types.UserPosition
	rewardConfigs []types.RewardConfig
	details       map[string]*exchange.MarketDetail

	placeDelay time.Duration
	placeErr   error
	nextID     int
	placed     []types.OrderSpec
	liveOrders map[string]bool // IDs placed and not yet swept by a cancel
}

func newMockGateway() *mockGateway {
	return &mockGateway{
		balance:      1000,
		condBalances: map[string]float64{},
		midpoints:    map[string]float64{},
		books:        map[string]*types.BookResponse{},
		details:      map[string]*exchange.MarketDetail{},
		liveOrders:   map[string]bool{},
	}
}

func (g *mockGateway) record(call string) {
	g.mu.Lock()
	g.calls = append(g.calls, call)
	g.mu.Unlock()
}

// callsMatching returns recorded calls with the given prefix.
func (g *mockGateway) callsMatching(prefix string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for _, c := range g.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			out = append(out, c)
		}
	}
	return out
}

func (g *mockGateway) Init(ctx context.Context) error { g.record("init"); return nil }

func (g *mockGateway) GetCollateralBalance(ctx context.Context) (float64, error) {
	g.record("collateral_balance")
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balance, nil
}

func (g *mockGateway) GetConditionalBalance(ctx context.Context, tokenID string) (float64, error) {
	g.record("conditional_balance:" + tokenID)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.condBalances[tokenID], nil
}

func (g *mockGateway) GetMidpoint(ctx context.Context, tokenID string) (float64, error) {
	g.record("midpoint:" + tokenID)
	g.mu.Lock()
	defer g.mu.Unlock()
	mid, ok := g.midpoints[tokenID]
	if !ok {
		return 0, errors.New("no midpoint")
	}
	return mid, nil
}

func (g *mockGateway) GetMidpoints(ctx context.Context, tokenIDs []string) (map[string]float64, error) {
	g.record("midpoints")
	g.mu.Lock()
	defer g.mu.Unlock()
	out := map[string]float64{}
	for _, id := range tokenIDs {
		if mid, ok := g.midpoints[id]; ok {
			out[id] = mid
		}
	}
	return out, nil
}

func (g *mockGateway) GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error) {
	g.record("book:" + tokenID)
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.books[tokenID]
	if !ok {
		return nil, errors.New("no book")
	}
	return b, nil
}

func (g *mockGateway) GetOrderBooks(ctx context.Context, tokenIDs []string) ([]types.BookResponse, error) {
	g.record("books")
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []types.BookResponse
	for _, id := range tokenIDs {
		if b, ok := g.books[id]; ok {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (g *mockGateway) GetOpenOrders(ctx context.Context) ([]types.OpenOrder, error) {
	g.record("open_orders")
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.openOrders, nil
}

func (g *mockGateway) GetTrades(ctx context.Context) ([]types.Trade, error) {
	g.record("trades")
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.trades, nil
}

func (g *mockGateway) GetUserPositions(ctx context.Context) ([]types.UserPosition, error) {
	g.record("user_positions")
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.userPositions, nil
}

func (g *mockGateway) GetDailyEarnings(ctx context.Context, date string) (float64, error) {
	g.record("earnings:" + date)
	return 0, nil
}

func (g *mockGateway) CreateAndPostOrder(ctx context.Context, spec types.OrderSpec, params types.MarketParams) (*types.PlaceResult, error) {
	if g.placeDelay > 0 {
		time.Sleep(g.placeDelay)
	}
	g.mu.Lock()
	if g.placeErr != nil {
		err := g.placeErr
		g.mu.Unlock()
		g.record("place_rejected:" + spec.TokenID)
		return nil, err
	}
	g.nextID++
	id := fmt.Sprintf("ord-%d", g.nextID)
	g.placed = append(g.placed, spec)
	g.liveOrders[id] = true
	g.mu.Unlock()
	g.record(fmt.Sprintf("place:%s:%s:%s", spec.TokenID, spec.Side, spec.OrderType))
	return &types.PlaceResult{OrderID: id, Success: true, Status: "live"}, nil
}

func (g *mockGateway) CancelOrders(ctx context.Context, orderIDs []string) (*types.CancelResponse, error) {
	g.record("cancel_orders")
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range orderIDs {
		delete(g.liveOrders, id)
	}
	return &types.CancelResponse{Canceled: orderIDs}, nil
}

func (g *mockGateway) CancelMarketOrders(ctx context.Context, conditionID string) (*types.CancelResponse, error) {
	g.record("cancel_market:" + conditionID)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.liveOrders = map[string]bool{}
	return &types.CancelResponse{}, nil
}

func (g *mockGateway) CancelAll(ctx context.Context) (*types.CancelResponse, error) {
	g.record("cancel_all")
	g.mu.Lock()
	defer g.mu.Unlock()
	g.liveOrders = map[string]bool{}
	return &types.CancelResponse{}, nil
}

func (g *mockGateway) Redeem(ctx context.Context, conditionID string, indexSets []uint64, negRisk bool) (string, error) {
	g.record("redeem:" + conditionID)
	return "0xmock", nil
}

func (g *mockGateway) ConsecutiveErrors() int { return 0 }

// GetRewardConfigs / GetMarket satisfy market.Gateway for the scanner.
func (g *mockGateway) GetRewardConfigs(ctx context.Context) ([]types.RewardConfig, error) {
	g.record("reward_configs")
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rewardConfigs, nil
}

func (g *mockGateway) GetMarket(ctx context.Context, conditionID string) (*exchange.MarketDetail, error) {
	g.record("market:" + conditionID)
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.details[conditionID]
	if !ok {
		return nil, errors.New("no such market")
	}
	return d, nil
}

func (g *mockGateway) liveOrderCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.liveOrders)
}

// ————————————————————————————————————————————————————————————————————————
// Test fixtures
// ————————————————————————————————————————————————————————————————————————

func testConfig() config.Config {
	return config.Config{
		Strategy: config.StrategyConfig{
			DeployRatio:            0.95,
			OrderSizeRatio:         0.25,
			SpreadRatio:            0.85,
			DangerSpreadRatio:      0.55,
			Cooldown:               time.Minute,
			RefreshInterval:        5 * time.Second,
			StabilityReset:         5 * time.Minute,
			AccidentalFillTimeouts: [4]int{5, 15, 30, 60},
			MinSellPriceRatio:      0.5,
		},
		Risk: config.RiskConfig{
			MaxDrawdownPercent: 20,
			MaxDailyLoss:       50,
		},
		Scanner: config.ScannerConfig{
			MinRewardRate:        10,
			MaxConcurrentMarkets: 3,
			TopCandidates:        30,
			ScanInterval:         30 * time.Minute,
		},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testMarket() types.Market {
	return types.Market{
		ConditionID: "cond-1",
		Question:    "will it?",
		Tokens: [2]types.Token{
			{ID: "yes", Outcome: "Yes", ComplementID: "no"},
			{ID: "no", Outcome: "No", ComplementID: "yes"},
		},
		MaxSpread: 0.05,
		MinSize:   100,
		DailyRate: 30,
		TickSize:  types.Tick00001,
		Active:    true,
	}
}

// newTestEngine wires an engine around the mock with no feeds and state
// pre-initialized, as if Start had run.
func newTestEngine(t *testing.T, gw *mockGateway) *Engine {
	t.Helper()

	cfg := testConfig()
	st, err := store.Open(t.TempDir() + "/state.json")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	scanner := market.NewScanner(gw, cfg.Scanner, quietLogger())
	riskMgr := risk.NewManager(cfg.Risk, quietLogger())

	e := New(cfg, gw, scanner, riskMgr, st, nil, nil, nil, quietLogger())
	e.state = store.NewState()
	e.state.Balance = gw.balance
	e.state.PeakBalance = gw.balance
	e.state.DailyDate = utcDate(time.Now())
	e.running = true
	e.applySizingLocked()
	return e
}

// addQuotingMarket installs an active market in the quoting phase with a
// seeded book: yes mid 0.60 (0.57/0.63), no mid 0.40 (0.37/0.43).
func addQuotingMarket(e *Engine) (types.Market, *types.MarketState) {
	m := testMarket()
	ms := &types.MarketState{ConditionID: m.ConditionID, Phase: types.PhaseQuoting}
	e.markets[m.ConditionID] = m
	e.state.MarketStates[m.ConditionID] = ms
	e.state.ActiveMarketIDs = append(e.state.ActiveMarketIDs, m.ConditionID)

	e.prices.Set(&types.BookSnapshot{
		AssetID: "yes", Midpoint: 0.60, BestBid: 0.57, BestAsk: 0.63,
		Bids: []types.Level{{Price: 0.55, Size: 100}, {Price: 0.57, Size: 100}},
		Asks: []types.Level{{Price: 0.65, Size: 100}, {Price: 0.63, Size: 100}},
	})
	e.prices.Set(&types.BookSnapshot{
		AssetID: "no", Midpoint: 0.40, BestBid: 0.37, BestAsk: 0.43,
		Bids: []types.Level{{Price: 0.35, Size: 100}, {Price: 0.37, Size: 100}},
		Asks: []types.Level{{Price: 0.45, Size: 100}, {Price: 0.43, Size: 100}},
	})
	return m, ms
}

// placeQuotes runs one quoting pass for the market under the engine lock.
func placeQuotes(e *Engine, m types.Market, ms *types.MarketState) {
	e.mu.Lock()
	e.quoteMarketLocked(context.Background(), m, ms)
	e.mu.Unlock()
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
