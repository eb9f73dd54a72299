package market

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"polymarket-rewards/internal/config"
	"polymarket-rewards/internal/exchange"
	"polymarket-rewards/internal/strategy"
	"polymarket-rewards/pkg/types"
)

// Scanner discovers reward-sponsored markets in two phases to bound API cost:
// the cheap rewards listing prunes to the top candidates by daily rate, then
// only those candidates pay for full metadata and an order book. Accepted
// candidates are ranked by
//
//	score = (dailyRate × boost × √(maxSpread/0.03)) / (competition + 50) / (requiredCapital + 1)
//
// favouring rich pools with wide bands, little resting competition, and low
// capital requirements.

const (
	twoSidedBoost    = 3.0
	spreadBaseline   = 0.03 // √ normalization anchor for max spread
	competitionShift = 50.0
	capitalShift     = 1.0

	extremePriceLow  = 0.02
	extremePriceHigh = 0.98

	candidateConcurrency = 8
)

// Gateway is the slice of the exchange client the scanner needs.
type Gateway interface {
	GetRewardConfigs(ctx context.Context) ([]types.RewardConfig, error)
	GetMarket(ctx context.Context, conditionID string) (*exchange.MarketDetail, error)
	GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error)
}

// Scanner ranks reward-eligible markets and caches the result between scans.
type Scanner struct {
	gw     Gateway
	cfg    config.ScannerConfig
	logger *slog.Logger

	mu       sync.RWMutex
	ranked   []types.Market
	lastScan time.Time
}

// NewScanner creates a market scanner.
func NewScanner(gw Gateway, cfg config.ScannerConfig, logger *slog.Logger) *Scanner {
	return &Scanner{
		gw:     gw,
		cfg:    cfg,
		logger: logger.With("component", "scanner"),
	}
}

// Scan runs both phases and caches the ranked candidate list.
// maxCapitalPerMarket is the current per-market deployment cap; markets whose
// minimum scoring order costs more are rejected outright.
func (s *Scanner) Scan(ctx context.Context, maxCapitalPerMarket float64) ([]types.Market, error) {
	configs, err := s.gw.GetRewardConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("reward configs: %w", err)
	}

	candidates := s.topCandidates(configs)

	var (
		acceptMu sync.Mutex
		accepted []types.Market
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(candidateConcurrency)
	for _, rc := range candidates {
		g.Go(func() error {
			m, ok := s.evaluate(gctx, rc, maxCapitalPerMarket)
			if ok {
				acceptMu.Lock()
				accepted = append(accepted, m)
				acceptMu.Unlock()
			}
			return nil // a bad candidate never fails the scan
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(accepted, func(i, j int) bool {
		return accepted[i].Score > accepted[j].Score
	})

	s.mu.Lock()
	s.ranked = accepted
	s.lastScan = time.Now()
	s.mu.Unlock()

	s.logger.Info("scan complete",
		"reward_markets", len(configs),
		"candidates", len(candidates),
		"accepted", len(accepted),
	)
	return accepted, nil
}

// topCandidates filters by minimum daily rate and keeps the richest N pools.
func (s *Scanner) topCandidates(configs []types.RewardConfig) []types.RewardConfig {
	eligible := make([]types.RewardConfig, 0, len(configs))
	for _, rc := range configs {
		if rc.DailyRate() >= s.cfg.MinRewardRate {
			eligible = append(eligible, rc)
		}
	}

	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].DailyRate() > eligible[j].DailyRate()
	})

	n := s.cfg.TopCandidates
	if n <= 0 {
		n = 30
	}
	if len(eligible) > n {
		eligible = eligible[:n]
	}
	return eligible
}

// evaluate fetches full metadata and one book for a candidate and applies the
// hard filters. Returns the scored market when it survives.
func (s *Scanner) evaluate(ctx context.Context, rc types.RewardConfig, maxCapital float64) (types.Market, bool) {
	detail, err := s.gw.GetMarket(ctx, rc.ConditionID)
	if err != nil {
		s.logger.Debug("candidate metadata fetch failed", "condition", rc.ConditionID, "error", err)
		return types.Market{}, false
	}

	if !detail.Active || detail.Closed || !detail.AcceptingOrders {
		return types.Market{}, false
	}
	if !detail.EndDate.IsZero() && detail.EndDate.Before(time.Now()) {
		return types.Market{}, false
	}
	if len(detail.Tokens) < 2 {
		return types.Market{}, false
	}

	p0, p1 := detail.Tokens[0].Price, detail.Tokens[1].Price
	if bothExtreme(p0, p1) {
		return types.Market{}, false
	}

	maxSpread := rc.MaxSpreadCents / 100.0
	if s.cfg.MinMaxSpread > 0 && maxSpread < s.cfg.MinMaxSpread {
		return types.Market{}, false
	}

	requiredCapital := rc.MinSize * (p0 + p1)
	if requiredCapital > maxCapital {
		return types.Market{}, false
	}

	bookResp, err := s.gw.GetOrderBook(ctx, detail.Tokens[0].TokenID)
	if err != nil {
		s.logger.Debug("candidate book fetch failed", "condition", rc.ConditionID, "error", err)
		return types.Market{}, false
	}
	snap := ParseBook(bookResp)
	if snap == nil {
		return types.Market{}, false
	}
	if s.cfg.MinBidDepthUSD > 0 && BidDepthUSD(snap) < s.cfg.MinBidDepthUSD {
		return types.Market{}, false
	}

	competition := strategy.CompetitionUSD(snap, maxSpread)
	score := rc.DailyRate() * twoSidedBoost * math.Sqrt(maxSpread/spreadBaseline)
	score /= competition + competitionShift
	score /= requiredCapital + capitalShift

	m := types.Market{
		ConditionID: rc.ConditionID,
		Question:    detail.Question,
		Tokens: [2]types.Token{
			{
				ID:           detail.Tokens[0].TokenID,
				Outcome:      detail.Tokens[0].Outcome,
				ComplementID: detail.Tokens[1].TokenID,
			},
			{
				ID:           detail.Tokens[1].TokenID,
				Outcome:      detail.Tokens[1].Outcome,
				ComplementID: detail.Tokens[0].TokenID,
			},
		},
		MaxSpread: maxSpread,
		MinSize:   rc.MinSize,
		DailyRate: rc.DailyRate(),
		TickSize:  types.TickSizeFromFloat(detail.TickSize),
		NegRisk:   detail.NegRisk,
		Active:    true,
		EndDate:   detail.EndDate,
		Score:     score,
	}
	return m, true
}

func bothExtreme(p0, p1 float64) bool {
	extreme := func(p float64) bool {
		return p > 0 && (p < extremePriceLow || p > extremePriceHigh)
	}
	return extreme(p0) && extreme(p1)
}

// SelectActiveMarkets returns the highest-scoring prefix of the cached
// ranking, skipping excluded conditions, capped at MaxConcurrentMarkets.
func (s *Scanner) SelectActiveMarkets(excluded map[string]bool) []types.Market {
	s.mu.RLock()
	defer s.mu.RUnlock()

	selected := make([]types.Market, 0, s.cfg.MaxConcurrentMarkets)
	for _, m := range s.ranked {
		if excluded[m.ConditionID] {
			continue
		}
		selected = append(selected, m)
		if len(selected) >= s.cfg.MaxConcurrentMarkets {
			break
		}
	}
	return selected
}

// Ranked returns the cached scan result.
func (s *Scanner) Ranked() []types.Market {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Market, len(s.ranked))
	copy(out, s.ranked)
	return out
}

// ShouldRescan reports whether the cached ranking has aged out.
func (s *Scanner) ShouldRescan() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	interval := s.cfg.ScanInterval
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return time.Since(s.lastScan) > interval
}

// LastScanAt returns the time of the last completed scan.
func (s *Scanner) LastScanAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastScan
}
