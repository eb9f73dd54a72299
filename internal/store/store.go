// Package store provides crash-safe persistence for the engine state.
//
// The whole state is one JSON document, atomically rewritten (write to .tmp,
// then rename) so a crash mid-save never leaves a torn file. Loading is
// forward-compatible: missing keys keep their defaults, unknown keys are
// ignored, so older snapshots survive schema growth.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"polymarket-rewards/pkg/types"
)

const (
	fillHistoryWindow = 2 * time.Hour
	rewardHistoryCap  = 90 // days
)

// State is the persisted engine document.
type State struct {
	Running             bool                          `json:"running"`
	StartedAt           time.Time                     `json:"started_at"`
	Balance             float64                       `json:"balance"`
	PeakBalance         float64                       `json:"peak_balance"`
	DailyPnL            float64                       `json:"daily_pnl"`
	DailyDate           string                        `json:"daily_date"` // YYYY-MM-DD UTC
	TotalPnL            float64                       `json:"total_pnl"`
	Positions           map[string]types.Position     `json:"positions"` // by token ID
	Orders              map[string]types.TrackedOrder `json:"orders"`    // by order ID
	ActiveMarketIDs     []string                      `json:"active_market_ids"`
	PausedMarketIDs     []string                      `json:"paused_market_ids"`
	ErrorCount          int                           `json:"error_count"`
	LastRefreshAt       time.Time                     `json:"last_refresh_at"`
	LastScanAt          time.Time                     `json:"last_scan_at"`
	KillSwitchTriggered bool                          `json:"kill_switch_triggered"`
	DayPaused           bool                          `json:"day_paused"`
	RewardHistory       []types.RewardDay             `json:"reward_history"`
	FillHistory         []types.FillEvent             `json:"fill_history"`
	MarketStates        map[string]*types.MarketState `json:"market_states"`
}

// NewState returns a state with all maps initialized.
func NewState() *State {
	return &State{
		Positions:    make(map[string]types.Position),
		Orders:       make(map[string]types.TrackedOrder),
		MarketStates: make(map[string]*types.MarketState),
	}
}

// LiveOrders returns the tracked orders currently believed live, optionally
// restricted to one market.
func (s *State) LiveOrders(conditionID string) []types.TrackedOrder {
	var out []types.TrackedOrder
	for _, o := range s.Orders {
		if o.Status != types.OrderLive {
			continue
		}
		if conditionID != "" && o.ConditionID != conditionID {
			continue
		}
		out = append(out, o)
	}
	return out
}

// PruneFillHistory drops fill records older than the rolling window.
func (s *State) PruneFillHistory(now time.Time) {
	cutoff := now.Add(-fillHistoryWindow)
	kept := s.FillHistory[:0]
	for _, f := range s.FillHistory {
		if f.Timestamp.After(cutoff) {
			kept = append(kept, f)
		}
	}
	s.FillHistory = kept
}

// AppendRewardDay archives a day and trims the history to the cap.
func (s *State) AppendRewardDay(day types.RewardDay) {
	s.RewardHistory = append(s.RewardHistory, day)
	if len(s.RewardHistory) > rewardHistoryCap {
		s.RewardHistory = s.RewardHistory[len(s.RewardHistory)-rewardHistoryCap:]
	}
}

// Store persists the state document to one JSON file.
// All file operations are mutex-protected.
type Store struct {
	path string
	mu   sync.Mutex
}

// Open creates a store backed by the given file path, creating the parent
// directory if needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{path: path}, nil
}

// Load restores the state from disk. Returns a fresh default state when no
// snapshot exists. Unknown keys in the file are ignored; missing keys keep
// their defaults, so old snapshots load under newer schemas.
func (s *Store) Load() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := NewState()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return state, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}

	// Re-initialize maps a hand-edited or ancient snapshot may have nulled.
	if state.Positions == nil {
		state.Positions = make(map[string]types.Position)
	}
	if state.Orders == nil {
		state.Orders = make(map[string]types.TrackedOrder)
	}
	if state.MarketStates == nil {
		state.MarketStates = make(map[string]*types.MarketState)
	}
	return state, nil
}

// Save atomically persists the state: write to a .tmp sibling, then rename
// over the target.
func (s *Store) Save(state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return os.Rename(tmp, s.path)
}
