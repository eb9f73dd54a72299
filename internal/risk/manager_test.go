package risk

import (
	"log/slog"
	"os"
	"testing"

	"polymarket-rewards/internal/config"
)

func testManager() *Manager {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewManager(config.RiskConfig{
		MaxDrawdownPercent: 20,
		MaxDailyLoss:       50,
	}, logger)
}

func TestCheckOK(t *testing.T) {
	t.Parallel()
	rm := testManager()

	verdict, _ := rm.Check(Snapshot{
		Balance:     950,
		PeakBalance: 1000,
		DailyPnL:    -10,
	})
	if verdict != OK {
		t.Errorf("verdict = %v, want OK for a healthy snapshot", verdict)
	}
}

func TestCheckDrawdownKills(t *testing.T) {
	t.Parallel()
	rm := testManager()

	// 25% below the watermark with a 20% limit.
	verdict, reason := rm.Check(Snapshot{
		Balance:     750,
		PeakBalance: 1000,
	})
	if verdict != Kill {
		t.Fatalf("verdict = %v (%s), want Kill on drawdown breach", verdict, reason)
	}
}

func TestCheckDailyLossPauses(t *testing.T) {
	t.Parallel()
	rm := testManager()

	verdict, _ := rm.Check(Snapshot{
		Balance:     960,
		PeakBalance: 1000,
		DailyPnL:    -51,
	})
	if verdict != DayPause {
		t.Errorf("verdict = %v, want DayPause on daily loss breach", verdict)
	}
}

func TestCheckGatewayErrorsKill(t *testing.T) {
	t.Parallel()
	rm := testManager()

	verdict, _ := rm.Check(Snapshot{
		Balance:           1000,
		PeakBalance:       1000,
		ConsecutiveErrors: 3,
	})
	if verdict != Kill {
		t.Errorf("verdict = %v, want Kill after 3 consecutive gateway errors", verdict)
	}

	verdict, _ = rm.Check(Snapshot{
		Balance:           1000,
		PeakBalance:       1000,
		ConsecutiveErrors: 2,
	})
	if verdict != OK {
		t.Errorf("verdict = %v, want OK below the error threshold", verdict)
	}
}

func TestKillOutranksDayPause(t *testing.T) {
	t.Parallel()
	rm := testManager()

	// Both limits breached: the fatal one wins.
	verdict, _ := rm.Check(Snapshot{
		Balance:     700,
		PeakBalance: 1000,
		DailyPnL:    -300,
	})
	if verdict != Kill {
		t.Errorf("verdict = %v, want Kill to outrank DayPause", verdict)
	}
}
