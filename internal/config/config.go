// Package config defines all configuration for the liquidity-reward bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via POLY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun   bool           `mapstructure:"dry_run"`
	Wallet   WalletConfig   `mapstructure:"wallet"`
	API      APIConfig      `mapstructure:"api"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Scanner  ScannerConfig  `mapstructure:"scanner"`
	Store    StoreConfig    `mapstructure:"store"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Operator OperatorConfig `mapstructure:"operator"`
}

// WalletConfig holds the Ethereum wallet used for signing orders.
// PrivateKey signs L1 (EIP-712) auth and derives L2 API keys.
// FunderAddress is the on-chain address that funds orders (may differ from signer if using a proxy).
type WalletConfig struct {
	PrivateKey      string `mapstructure:"private_key"`
	SignatureType   int    `mapstructure:"signature_type"`
	FunderAddress   string `mapstructure:"funder_address"`
	ChainID         int    `mapstructure:"chain_id"`
	RPCURL          string `mapstructure:"rpc_url"`
	CTFAddress      string `mapstructure:"ctf_address"`      // Conditional Tokens contract
	USDCAddress     string `mapstructure:"usdc_address"`     // collateral ERC-20
	NegRiskAdapter  string `mapstructure:"neg_risk_adapter"` // redeem target for neg-risk markets
	CollateralUnion string `mapstructure:"collateral_union"`
}

// APIConfig holds Polymarket API endpoints and optional pre-derived L2 credentials.
// If ApiKey/Secret/Passphrase are empty, the bot derives them via L1 auth on startup.
type APIConfig struct {
	CLOBBaseURL string `mapstructure:"clob_base_url"`
	DataBaseURL string `mapstructure:"data_base_url"`
	WSMarketURL string `mapstructure:"ws_market_url"`
	WSUserURL   string `mapstructure:"ws_user_url"`
	ApiKey      string `mapstructure:"api_key"`
	Secret      string `mapstructure:"secret"`
	Passphrase  string `mapstructure:"passphrase"`
}

// StrategyConfig tunes quote placement and the cancel-before-fill loop.
//
//   - DeployRatio: fraction of balance deployable per market.
//   - OrderSizeRatio: fraction of balance used as per-token order USD budget.
//   - ReserveRatio: fraction of balance held back entirely.
//   - SpreadRatio: bid distance from mid as a fraction of the reward band.
//   - DangerSpreadRatio: cancel-trigger distance from mid as a fraction of the
//     band. Must be strictly below SpreadRatio so bids rest beyond the trigger.
//   - Cooldown: unquoted period after a danger-zone trigger.
//   - RefreshInterval: main tick cadence.
//   - StabilityReset: uninterrupted quoting time after which the
//     consecutive-cooldown counter resets.
//   - AccidentalFillTimeouts: staged-exit boundaries in minutes (t1..t4).
//   - MinSellPriceRatio: price floor as a fraction of entry for staged exits.
//   - SingleSided: quote only the cheaper leg except in extreme-price markets.
//   - UseStagedExit: run the gradual exit ladder instead of immediate sell.
type StrategyConfig struct {
	DeployRatio       float64       `mapstructure:"deploy_ratio"`
	OrderSizeRatio    float64       `mapstructure:"order_size_ratio"`
	ReserveRatio      float64       `mapstructure:"reserve_ratio"`
	SpreadRatio       float64       `mapstructure:"spread_ratio"`
	DangerSpreadRatio float64       `mapstructure:"danger_spread_ratio"`
	Cooldown          time.Duration `mapstructure:"cooldown"`
	RefreshInterval   time.Duration `mapstructure:"refresh_interval"`
	StabilityReset    time.Duration `mapstructure:"stability_reset"`

	AccidentalFillTimeouts [4]int  `mapstructure:"accidental_fill_timeouts"` // minutes
	MinSellPriceRatio      float64 `mapstructure:"min_sell_price_ratio"`
	SingleSided            bool    `mapstructure:"single_sided"`
	UseStagedExit          bool    `mapstructure:"use_staged_exit"`
	LiquidateOnStop        bool    `mapstructure:"liquidate_on_stop"`
	LiquidateOnKill        bool    `mapstructure:"liquidate_on_kill"`
}

// RiskConfig sets hard limits that trigger the kill switch or a day pause.
type RiskConfig struct {
	MaxDrawdownPercent float64 `mapstructure:"max_drawdown_percent"`
	MaxDailyLoss       float64 `mapstructure:"max_daily_loss"`
}

// ScannerConfig controls reward-market discovery and ranking.
type ScannerConfig struct {
	MinRewardRate        float64       `mapstructure:"min_reward_rate"`
	MinBidDepthUSD       float64       `mapstructure:"min_bid_depth_usd"`
	MinMaxSpread         float64       `mapstructure:"min_max_spread"` // price units; 0 disables
	MinDailyVolume       float64       `mapstructure:"min_daily_volume"`
	MaxConcurrentMarkets int           `mapstructure:"max_concurrent_markets"`
	TopCandidates        int           `mapstructure:"top_candidates"`
	ScanInterval         time.Duration `mapstructure:"scan_interval"`
}

// StoreConfig sets where the engine state snapshot is persisted.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// OperatorConfig controls the operator command HTTP server.
type OperatorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: POLY_PRIVATE_KEY, POLY_API_KEY, POLY_API_SECRET, POLY_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("POLY_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("POLY_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("POLY_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if os.Getenv("POLY_DRY_RUN") == "true" || os.Getenv("POLY_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("strategy.deploy_ratio", 0.95)
	v.SetDefault("strategy.order_size_ratio", 0.25)
	v.SetDefault("strategy.reserve_ratio", 0.05)
	v.SetDefault("strategy.spread_ratio", 0.85)
	v.SetDefault("strategy.danger_spread_ratio", 0.55)
	v.SetDefault("strategy.cooldown", 2*time.Minute)
	v.SetDefault("strategy.refresh_interval", 5*time.Second)
	v.SetDefault("strategy.stability_reset", 5*time.Minute)
	v.SetDefault("strategy.accidental_fill_timeouts", []int{5, 15, 30, 60})
	v.SetDefault("strategy.min_sell_price_ratio", 0.5)
	v.SetDefault("scanner.min_reward_rate", 10.0)
	v.SetDefault("scanner.max_concurrent_markets", 5)
	v.SetDefault("scanner.top_candidates", 30)
	v.SetDefault("scanner.scan_interval", 30*time.Minute)
	v.SetDefault("risk.max_drawdown_percent", 20.0)
	v.SetDefault("risk.max_daily_loss", 50.0)
	v.SetDefault("store.path", "data/state.json")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("operator.port", 8080)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set POLY_PRIVATE_KEY)")
	}
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required (137 for mainnet)")
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
	}
	if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
		return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}

	s := c.Strategy
	if s.DeployRatio < 0.5 || s.DeployRatio > 1.0 {
		return fmt.Errorf("strategy.deploy_ratio must be in [0.5, 1.0], got %v", s.DeployRatio)
	}
	if s.OrderSizeRatio < 0.1 || s.OrderSizeRatio > 0.5 {
		return fmt.Errorf("strategy.order_size_ratio must be in [0.1, 0.5], got %v", s.OrderSizeRatio)
	}
	if s.ReserveRatio < 0 || s.ReserveRatio > 0.5 {
		return fmt.Errorf("strategy.reserve_ratio must be in [0, 0.5], got %v", s.ReserveRatio)
	}
	if s.SpreadRatio < 0.1 || s.SpreadRatio > 0.9 {
		return fmt.Errorf("strategy.spread_ratio must be in [0.1, 0.9], got %v", s.SpreadRatio)
	}
	if s.DangerSpreadRatio < 0.05 || s.DangerSpreadRatio > 0.8 {
		return fmt.Errorf("strategy.danger_spread_ratio must be in [0.05, 0.8], got %v", s.DangerSpreadRatio)
	}
	if s.DangerSpreadRatio >= s.SpreadRatio {
		return fmt.Errorf("strategy.danger_spread_ratio (%v) must be below strategy.spread_ratio (%v)",
			s.DangerSpreadRatio, s.SpreadRatio)
	}
	if s.Cooldown < 30*time.Second || s.Cooldown > 10*time.Minute {
		return fmt.Errorf("strategy.cooldown must be in [30s, 10m], got %v", s.Cooldown)
	}
	if s.RefreshInterval < 5*time.Second {
		return fmt.Errorf("strategy.refresh_interval must be at least 5s, got %v", s.RefreshInterval)
	}
	if s.MinSellPriceRatio < 0.1 || s.MinSellPriceRatio > 0.95 {
		return fmt.Errorf("strategy.min_sell_price_ratio must be in [0.1, 0.95], got %v", s.MinSellPriceRatio)
	}
	for i := 1; i < len(s.AccidentalFillTimeouts); i++ {
		if s.AccidentalFillTimeouts[i] <= s.AccidentalFillTimeouts[i-1] {
			return fmt.Errorf("strategy.accidental_fill_timeouts must be strictly increasing, got %v",
				s.AccidentalFillTimeouts)
		}
	}

	if c.Scanner.MaxConcurrentMarkets < 1 || c.Scanner.MaxConcurrentMarkets > 50 {
		return fmt.Errorf("scanner.max_concurrent_markets must be in [1, 50], got %d", c.Scanner.MaxConcurrentMarkets)
	}
	return nil
}
