package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Wallet: WalletConfig{
			PrivateKey: "0xabc",
			ChainID:    137,
		},
		API: APIConfig{
			CLOBBaseURL: "https://clob.example.com",
		},
		Strategy: StrategyConfig{
			DeployRatio:            0.95,
			OrderSizeRatio:         0.25,
			ReserveRatio:           0.05,
			SpreadRatio:            0.85,
			DangerSpreadRatio:      0.55,
			Cooldown:               2 * time.Minute,
			RefreshInterval:        5 * time.Second,
			StabilityReset:         5 * time.Minute,
			AccidentalFillTimeouts: [4]int{5, 15, 30, 60},
			MinSellPriceRatio:      0.5,
		},
		Scanner: ScannerConfig{
			MaxConcurrentMarkets: 5,
		},
	}
}

func TestValidateAccepts(t *testing.T) {
	t.Parallel()
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing private key", func(c *Config) { c.Wallet.PrivateKey = "" }},
		{"missing chain id", func(c *Config) { c.Wallet.ChainID = 0 }},
		{"bad signature type", func(c *Config) { c.Wallet.SignatureType = 7 }},
		{"proxy without funder", func(c *Config) { c.Wallet.SignatureType = 1 }},
		{"missing clob url", func(c *Config) { c.API.CLOBBaseURL = "" }},
		{"deploy ratio too low", func(c *Config) { c.Strategy.DeployRatio = 0.3 }},
		{"order size ratio too high", func(c *Config) { c.Strategy.OrderSizeRatio = 0.7 }},
		{"spread ratio out of range", func(c *Config) { c.Strategy.SpreadRatio = 0.95 }},
		{"danger ratio out of range", func(c *Config) { c.Strategy.DangerSpreadRatio = 0.01 }},
		{"danger not below spread", func(c *Config) {
			c.Strategy.SpreadRatio = 0.5
			c.Strategy.DangerSpreadRatio = 0.5
		}},
		{"cooldown too short", func(c *Config) { c.Strategy.Cooldown = 10 * time.Second }},
		{"refresh too fast", func(c *Config) { c.Strategy.RefreshInterval = time.Second }},
		{"sell ratio out of range", func(c *Config) { c.Strategy.MinSellPriceRatio = 0.99 }},
		{"timeouts not increasing", func(c *Config) { c.Strategy.AccidentalFillTimeouts = [4]int{5, 5, 30, 60} }},
		{"too many markets", func(c *Config) { c.Scanner.MaxConcurrentMarkets = 100 }},
	}

	for _, tc := range cases {
		cfg := validConfig()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate accepted a bad config", tc.name)
		}
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
dry_run: true
wallet:
  private_key: "0xdeadbeef"
  chain_id: 137
api:
  clob_base_url: "https://clob.example.com"
strategy:
  spread_ratio: 0.7
  danger_spread_ratio: 0.4
scanner:
  max_concurrent_markets: 7
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.DryRun {
		t.Error("dry_run not loaded")
	}
	if cfg.Strategy.SpreadRatio != 0.7 || cfg.Strategy.DangerSpreadRatio != 0.4 {
		t.Errorf("strategy ratios = %v/%v, want 0.7/0.4",
			cfg.Strategy.SpreadRatio, cfg.Strategy.DangerSpreadRatio)
	}
	if cfg.Scanner.MaxConcurrentMarkets != 7 {
		t.Errorf("max markets = %d, want 7", cfg.Scanner.MaxConcurrentMarkets)
	}
	// Unset keys fall back to defaults.
	if cfg.Strategy.DeployRatio != 0.95 {
		t.Errorf("deploy ratio default = %v, want 0.95", cfg.Strategy.DeployRatio)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("logging level default = %q, want info", cfg.Logging.Level)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
wallet:
  chain_id: 137
api:
  clob_base_url: "https://clob.example.com"
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("POLY_PRIVATE_KEY", "0xfromenv")
	t.Setenv("POLY_API_KEY", "env-key")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Wallet.PrivateKey != "0xfromenv" {
		t.Errorf("private key = %q, want the env override", cfg.Wallet.PrivateKey)
	}
	if cfg.API.ApiKey != "env-key" {
		t.Errorf("api key = %q, want the env override", cfg.API.ApiKey)
	}
}
