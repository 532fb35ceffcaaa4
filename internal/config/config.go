package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Vortex.
type Config struct {
	General   GeneralConfig          `yaml:"general"`
	Trading   TradingConfig          `yaml:"trading"`
	Risk      RiskConfig             `yaml:"risk"`
	Execution ExecutionConfig        `yaml:"execution"`
	Venues    map[string]VenueConfig `yaml:"venues"`
	Streaming StreamingConfig        `yaml:"streaming"`
	Relay     RelayConfig            `yaml:"relay"`
	Sink      SinkConfig             `yaml:"sink"`
	Server    ServerConfig           `yaml:"server"`
	Tokens    []TokenConfig          `yaml:"tokens"`
	Pools     []PoolConfig           `yaml:"pools"`
	Wallet    WalletConfig           `yaml:"wallet"`
}

type GeneralConfig struct {
	InstanceID string `yaml:"instance_id"`
	DryRun     bool   `yaml:"dry_run"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"` // json|text
}

type TradingConfig struct {
	MinProfitUSD           decimal.Decimal `yaml:"min_profit_usd"`
	MinProfitBps           uint32          `yaml:"min_profit_bps"`
	MaxSlippageBps         uint32          `yaml:"max_slippage_bps"`
	MaxPositionUSD         decimal.Decimal `yaml:"max_position_usd"`
	MinNotionalUSD         decimal.Decimal `yaml:"min_notional_usd"`
	DetectThresholdBps     uint32          `yaml:"detect_threshold_bps"`
	MaxVolatility          float64         `yaml:"max_volatility"`
	DropCandidatesDegraded *bool           `yaml:"drop_candidates_on_degraded"`

	ConfidenceVolatility float64 `yaml:"confidence_volatility_weight"`
	ConfidenceRouteLen   float64 `yaml:"confidence_route_len_weight"`
	ConfidenceDegraded   float64 `yaml:"confidence_degraded_weight"`
}

type RiskConfig struct {
	DailyLossLimitUSD           decimal.Decimal `yaml:"daily_loss_limit_usd"`
	MaxConcurrentPlans          int             `yaml:"max_concurrent_plans"`
	ConsecutiveFailureThreshold int             `yaml:"consecutive_failure_threshold"`
	CooldownSeconds             int             `yaml:"cooldown_seconds"`
	MinConfidence               float64         `yaml:"min_confidence"`
	KellyWinRate                float64         `yaml:"kelly_win_rate"`
	KellyFractionCap            float64         `yaml:"kelly_fraction_cap"`
}

type ExecutionConfig struct {
	OpportunityTTLMs      int     `yaml:"opportunity_ttl_ms"`
	SlotBudget            uint64  `yaml:"slot_budget"`
	PriorityFeeBase       uint64  `yaml:"priority_fee_base"`
	PriorityFeeMultiplier float64 `yaml:"priority_fee_multiplier"`
	ComputeUnitLimit      uint32  `yaml:"compute_unit_limit"`
	TipLamports           uint64  `yaml:"tip_lamports"`
	RetryEnabled          *bool   `yaml:"retry_enabled"`

	FlashLoanProviders []FlashLoanProviderConfig `yaml:"flash_loan_providers"`
}

type FlashLoanProviderConfig struct {
	Name      string `yaml:"name"`
	ProgramID string `yaml:"program_id"`
	Pool      string `yaml:"pool"`
	Vault     string `yaml:"vault"`
	FeeBps    uint16 `yaml:"fee_bps"`
	Enabled   bool   `yaml:"enabled"`
}

type VenueConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Priority int    `yaml:"priority"`
	Curve    string `yaml:"curve"` // constant_product|concentrated|bins
}

type StreamingConfig struct {
	Endpoint       string `yaml:"endpoint"`
	ReconnectMaxMs int    `yaml:"reconnect_max_ms"`
	MaxReconnects  int    `yaml:"max_reconnects"`
}

type RelayConfig struct {
	Endpoint       string `yaml:"endpoint"`
	TimeoutMs      int    `yaml:"timeout_ms"`
	BundlesEnabled bool   `yaml:"bundles_enabled"`
	BlockEngineURL string `yaml:"block_engine_url"`
}

type SinkConfig struct {
	ClickHouseDSN string `yaml:"clickhouse_dsn"`
	Buffer        int    `yaml:"buffer"`
	BatchSize     int    `yaml:"batch_size"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type TokenConfig struct {
	Mint     string          `yaml:"mint"`
	Symbol   string          `yaml:"symbol"`
	Decimals uint8           `yaml:"decimals"`
	USDPrice decimal.Decimal `yaml:"usd_price"` // reference pricing per whole token
}

type PoolConfig struct {
	ID        string `yaml:"id"`
	Venue     string `yaml:"venue"`
	TokenA    string `yaml:"token_a"`
	TokenB    string `yaml:"token_b"`
	FeeBps    uint16 `yaml:"fee_bps"`
	ProgramID string `yaml:"program_id"`
	VaultA    string `yaml:"vault_a"`
	VaultB    string `yaml:"vault_b"`
	Authority string `yaml:"authority"`
}

type WalletConfig struct {
	Keypair       string            `yaml:"keypair"` // base58, env-expanded
	TokenAccounts map[string]string `yaml:"token_accounts"` // mint -> token account
	Inventory     map[string]uint64 `yaml:"inventory"`      // mint -> owned base units
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables for secrets.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "vortex-1"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}

	if cfg.Trading.MinProfitUSD.IsZero() {
		cfg.Trading.MinProfitUSD = decimal.NewFromInt(1)
	}
	if cfg.Trading.MaxSlippageBps == 0 {
		cfg.Trading.MaxSlippageBps = 100
	}
	if cfg.Trading.MaxPositionUSD.IsZero() {
		cfg.Trading.MaxPositionUSD = decimal.NewFromInt(10_000)
	}
	if cfg.Trading.MinNotionalUSD.IsZero() {
		cfg.Trading.MinNotionalUSD = decimal.NewFromInt(10)
	}
	if cfg.Trading.DetectThresholdBps == 0 {
		cfg.Trading.DetectThresholdBps = 10
	}
	if cfg.Trading.DropCandidatesDegraded == nil {
		v := true
		cfg.Trading.DropCandidatesDegraded = &v
	}

	if cfg.Risk.DailyLossLimitUSD.IsZero() {
		cfg.Risk.DailyLossLimitUSD = decimal.NewFromInt(500)
	}
	if cfg.Risk.MaxConcurrentPlans == 0 {
		cfg.Risk.MaxConcurrentPlans = 8
	}
	if cfg.Risk.ConsecutiveFailureThreshold == 0 {
		cfg.Risk.ConsecutiveFailureThreshold = 3
	}
	if cfg.Risk.CooldownSeconds == 0 {
		cfg.Risk.CooldownSeconds = 60
	}
	if cfg.Risk.MinConfidence == 0 {
		cfg.Risk.MinConfidence = 0.3
	}
	if cfg.Risk.KellyWinRate == 0 {
		cfg.Risk.KellyWinRate = 0.55
	}
	if cfg.Risk.KellyFractionCap == 0 {
		cfg.Risk.KellyFractionCap = 0.25
	}

	if cfg.Execution.OpportunityTTLMs == 0 {
		cfg.Execution.OpportunityTTLMs = 400
	}
	if cfg.Execution.SlotBudget == 0 {
		cfg.Execution.SlotBudget = 2
	}
	if cfg.Execution.PriorityFeeBase == 0 {
		cfg.Execution.PriorityFeeBase = 10_000
	}
	if cfg.Execution.PriorityFeeMultiplier == 0 {
		cfg.Execution.PriorityFeeMultiplier = 0.5
	}
	if cfg.Execution.ComputeUnitLimit == 0 {
		cfg.Execution.ComputeUnitLimit = 600_000
	}
	if cfg.Execution.TipLamports == 0 {
		cfg.Execution.TipLamports = 100_000
	}
	if cfg.Execution.RetryEnabled == nil {
		v := true
		cfg.Execution.RetryEnabled = &v
	}

	if cfg.Streaming.Endpoint == "" {
		cfg.Streaming.Endpoint = "wss://api.mainnet-beta.solana.com"
	}
	if cfg.Streaming.ReconnectMaxMs == 0 {
		cfg.Streaming.ReconnectMaxMs = 30_000
	}
	if cfg.Relay.Endpoint == "" {
		cfg.Relay.Endpoint = "https://api.mainnet-beta.solana.com"
	}
	if cfg.Relay.TimeoutMs == 0 {
		cfg.Relay.TimeoutMs = 2_000
	}
	if cfg.Sink.Buffer == 0 {
		cfg.Sink.Buffer = 1024
	}
	if cfg.Sink.BatchSize == 0 {
		cfg.Sink.BatchSize = 500
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
}

// Validate checks startup invariants. Failures here exit with code 4.
func (c *Config) Validate() error {
	enabled := 0
	for name, v := range c.Venues {
		if !v.Enabled {
			continue
		}
		enabled++
		switch v.Curve {
		case "constant_product", "concentrated", "bins":
		default:
			return fmt.Errorf("venue %s: unknown curve %q", name, v.Curve)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("no venues enabled")
	}
	if len(c.Pools) == 0 {
		return fmt.Errorf("no pools configured")
	}
	if len(c.Tokens) == 0 {
		return fmt.Errorf("no tokens configured")
	}
	for _, p := range c.Pools {
		v, ok := c.Venues[p.Venue]
		if !ok {
			return fmt.Errorf("pool %s: unknown venue %q", p.ID, p.Venue)
		}
		if !v.Enabled {
			return fmt.Errorf("pool %s: venue %q is disabled", p.ID, p.Venue)
		}
	}
	if c.Trading.MinProfitUSD.IsNegative() {
		return fmt.Errorf("trading.min_profit_usd must not be negative")
	}
	if c.Trading.MaxSlippageBps >= 10_000 {
		return fmt.Errorf("trading.max_slippage_bps must be below 10000")
	}
	return nil
}

// OpportunityTTL returns the execution TTL as a duration.
func (c *Config) OpportunityTTL() time.Duration {
	return time.Duration(c.Execution.OpportunityTTLMs) * time.Millisecond
}

// Cooldown returns the risk cooldown as a duration.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Risk.CooldownSeconds) * time.Second
}
