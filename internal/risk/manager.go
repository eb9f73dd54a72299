// Package risk evaluates account-level safety limits on every engine tick.
//
// Three limits, three severities:
//
//   - Drawdown from the peak-balance watermark beyond MaxDrawdownPercent is
//     fatal: the kill switch fires, orders are cancelled, the loop exits.
//   - A run of consecutive gateway errors is treated the same way — if the
//     exchange is unreachable the safest book is an empty one.
//   - Daily loss beyond MaxDailyLoss pauses trading until the next UTC day.
package risk

import (
	"fmt"
	"log/slog"

	"polymarket-rewards/internal/config"
)

// Verdict is the outcome of one risk evaluation.
type Verdict int

const (
	OK Verdict = iota
	DayPause
	Kill
)

func (v Verdict) String() string {
	switch v {
	case DayPause:
		return "day_pause"
	case Kill:
		return "kill"
	default:
		return "ok"
	}
}

// maxConsecutiveGatewayErrors is the circuit-breaker threshold on
// back-to-back failed exchange calls.
const maxConsecutiveGatewayErrors = 3

// Snapshot is the engine-supplied input for one evaluation.
type Snapshot struct {
	Balance           float64
	PeakBalance       float64
	DailyPnL          float64
	ConsecutiveErrors int
}

// Manager evaluates risk limits. Stateless between calls; all inputs arrive
// with the tick.
type Manager struct {
	cfg    config.RiskConfig
	logger *slog.Logger
}

// NewManager creates a risk manager.
func NewManager(cfg config.RiskConfig, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger.With("component", "risk"),
	}
}

// Check evaluates the snapshot and returns the most severe verdict with a
// human-readable reason.
func (rm *Manager) Check(snap Snapshot) (Verdict, string) {
	if snap.ConsecutiveErrors >= maxConsecutiveGatewayErrors {
		reason := fmt.Sprintf("%d consecutive gateway errors", snap.ConsecutiveErrors)
		rm.logger.Error("KILL SWITCH", "reason", reason)
		return Kill, reason
	}

	if snap.PeakBalance > 0 && rm.cfg.MaxDrawdownPercent > 0 {
		drawdownPct := (snap.PeakBalance - snap.Balance) / snap.PeakBalance * 100
		if drawdownPct > rm.cfg.MaxDrawdownPercent {
			reason := fmt.Sprintf("drawdown %.1f%% exceeds %.1f%% limit",
				drawdownPct, rm.cfg.MaxDrawdownPercent)
			rm.logger.Error("KILL SWITCH", "reason", reason)
			return Kill, reason
		}
	}

	if rm.cfg.MaxDailyLoss > 0 && snap.DailyPnL < -rm.cfg.MaxDailyLoss {
		reason := fmt.Sprintf("daily loss %.2f exceeds %.2f limit",
			-snap.DailyPnL, rm.cfg.MaxDailyLoss)
		rm.logger.Warn("day paused", "reason", reason)
		return DayPause, reason
	}

	return OK, ""
}
