package types

import "testing"

func TestTickSizeDecimals(t *testing.T) {
	t.Parallel()

	cases := []struct {
		tick     TickSize
		decimals int
		amount   int
		value    float64
	}{
		{Tick01, 1, 3, 0.1},
		{Tick001, 2, 4, 0.01},
		{Tick0001, 3, 5, 0.001},
		{Tick00001, 4, 6, 0.0001},
		{TickSize("bogus"), 2, 4, 0.01}, // unknown falls back to the standard grid
	}
	for _, tc := range cases {
		if got := tc.tick.Decimals(); got != tc.decimals {
			t.Errorf("%s.Decimals() = %d, want %d", tc.tick, got, tc.decimals)
		}
		if got := tc.tick.AmountDecimals(); got != tc.amount {
			t.Errorf("%s.AmountDecimals() = %d, want %d", tc.tick, got, tc.amount)
		}
		if got := tc.tick.Float(); got != tc.value {
			t.Errorf("%s.Float() = %v, want %v", tc.tick, got, tc.value)
		}
	}
}

func TestTickSizeFromFloat(t *testing.T) {
	t.Parallel()

	if got := TickSizeFromFloat(0.001); got != Tick0001 {
		t.Errorf("TickSizeFromFloat(0.001) = %v, want %v", got, Tick0001)
	}
	if got := TickSizeFromFloat(0.42); got != Tick001 {
		t.Errorf("TickSizeFromFloat(0.42) = %v, want the default %v", got, Tick001)
	}
}

func TestTrackedOrderRemaining(t *testing.T) {
	t.Parallel()

	o := TrackedOrder{OriginalSize: 150, FilledSize: 40}
	if got := o.Remaining(); got != 110 {
		t.Errorf("Remaining() = %v, want 110", got)
	}
}

func TestRewardConfigDailyRate(t *testing.T) {
	t.Parallel()

	rc := RewardConfig{TotalDailyRate: 30, NativeDailyRate: 10}
	if got := rc.DailyRate(); got != 30 {
		t.Errorf("DailyRate() = %v, want the total rate 30", got)
	}
	rc = RewardConfig{NativeDailyRate: 10}
	if got := rc.DailyRate(); got != 10 {
		t.Errorf("DailyRate() = %v, want the native fallback 10", got)
	}
}

func TestMarketTokenHelpers(t *testing.T) {
	t.Parallel()

	m := Market{Tokens: [2]Token{{ID: "a"}, {ID: "b"}}}
	ids := m.TokenIDs()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("TokenIDs() = %v", ids)
	}
	if !m.HasToken("a") || !m.HasToken("b") || m.HasToken("c") {
		t.Error("HasToken misclassified a leg")
	}
}
