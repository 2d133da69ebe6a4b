// Package config defines all configuration for the arbitrage engine.
// Engine config is loaded from an optional YAML file with POLY_* environment
// variable overrides; per-account credentials come from key=value .env files
// passed via repeated --env flags (one file per trading account).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the top-level engine configuration shared by every strategy
// runtime in the process. Account credentials are deliberately kept out of
// it; see Account.
type Config struct {
	DryRun   bool           `mapstructure:"dry_run"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	API      APIConfig      `mapstructure:"api"`
	Timeouts TimeoutConfig  `mapstructure:"timeouts"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Store    StoreConfig    `mapstructure:"store"`
	Logging  LoggingConfig  `mapstructure:"logging"`

	Extreme       ExtremeConfig       `mapstructure:"extreme_price"`
	Calendar      CalendarConfig      `mapstructure:"calendar_arbitrage"`
	CrossPlatform CrossPlatformConfig `mapstructure:"cross_platform"`
	Spread        SpreadConfig        `mapstructure:"spread_arbitrage"`
	Arbitrage     ArbitrageConfig     `mapstructure:"arbitrage"`
}

// StrategyConfig holds knobs common to every detector.
//
//   - Name: registry key selected by --strategy.
//   - ScanInterval: cold-scan cadence.
//   - EstimatedFee: conservative per-leg fee/slippage upper bound. The
//     real schedule depends on maker/taker role; this is deliberately a
//     caller-supplied ceiling.
//   - PairSize: contracts per leg for two-leg strategies. The calendar
//     detector caps it by top-of-book depth at scan time; cross_platform
//     uses it uncapped.
type StrategyConfig struct {
	Name         string        `mapstructure:"name"`
	ScanInterval time.Duration `mapstructure:"scan_interval"`
	EstimatedFee float64       `mapstructure:"estimated_fee"`
	PairSize     float64       `mapstructure:"pair_size"`
}

// APIConfig holds venue endpoints. The defaults point at production; tests
// and dry runs override them.
type APIConfig struct {
	CLOBBaseURL      string `mapstructure:"clob_base_url"`
	CatalogBaseURL   string `mapstructure:"catalog_base_url"`
	WSMarketURL      string `mapstructure:"ws_market_url"`
	SecondaryBaseURL string `mapstructure:"secondary_base_url"`
	RPCURL           string `mapstructure:"rpc_url"`

	// Collateral token contract read by the on-chain balance fallback.
	CollateralContract string `mapstructure:"collateral_contract"`
	CollateralDecimals int    `mapstructure:"collateral_decimals"`

	LLMBaseURL string `mapstructure:"llm_base_url"`
	LLMModel   string `mapstructure:"llm_model"`
}

// TimeoutConfig collects every tunable deadline in one place.
type TimeoutConfig struct {
	HTTPRead      time.Duration `mapstructure:"http_read"`
	Balance       time.Duration `mapstructure:"balance"`
	WSConnect     time.Duration `mapstructure:"ws_connect"`
	StreamSilence time.Duration `mapstructure:"stream_silence"`
	ScanBackoff   time.Duration `mapstructure:"scan_backoff"`
}

// RiskConfig sets hard limits enforced by the capital gate.
type RiskConfig struct {
	MaxOpenPositions int     `mapstructure:"max_open_positions"`
	MaxDailyLoss     float64 `mapstructure:"max_daily_loss"`
}

// StoreConfig sets where position data is persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Rotation string `mapstructure:"rotation"` // "size" or "time"
}

// ExtremeConfig tunes the extreme-price detector.
type ExtremeConfig struct {
	BuyThreshold       float64 `mapstructure:"buy_threshold"`
	SellMultiplier     float64 `mapstructure:"sell_multiplier"`
	MinHoursUntilClose float64 `mapstructure:"min_hours_until_close"`
	PortfolioPercent   float64 `mapstructure:"portfolio_percent"`
	MinPositionUSD     float64 `mapstructure:"min_position_usd"`
	MinSizeUnits       float64 `mapstructure:"min_size_units"`
}

// CalendarConfig tunes the calendar (logical-subset) detector.
type CalendarConfig struct {
	MinProfitThreshold  float64 `mapstructure:"min_profit_threshold"`
	EarlyExitThreshold  float64 `mapstructure:"early_exit_threshold"`
	MaxLossTolerance    float64 `mapstructure:"max_loss_tolerance"`
	MinAnnualizedROI    float64 `mapstructure:"min_annualized_roi"`
	MaxPairs            int     `mapstructure:"max_pairs"`
	CheckInvalidRisk    bool    `mapstructure:"check_invalid_risk"`
	UseEmbeddings       bool    `mapstructure:"use_embeddings"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	UseLLM              bool    `mapstructure:"use_llm"`
}

// CrossPlatformConfig tunes the two-venue detector.
type CrossPlatformConfig struct {
	MinProfitThreshold float64 `mapstructure:"min_profit_threshold"`
	MaxPositions       int     `mapstructure:"max_positions"`
	MaxLLMMatches      int     `mapstructure:"max_llm_matches"`
	UseLLM             bool    `mapstructure:"use_llm"`
	KeywordMinOverlap  int     `mapstructure:"keyword_min_overlap"`
}

// SpreadConfig tunes the wide-spread detector.
type SpreadConfig struct {
	MinSpread    float64 `mapstructure:"min_spread"`
	MaxPrice     float64 `mapstructure:"max_price"`
	MinVolume    float64 `mapstructure:"min_volume"`
	TargetProfit float64 `mapstructure:"target_profit"`
	Size         float64 `mapstructure:"size"`
}

// ArbitrageConfig tunes the intra-event discrepancy detector.
type ArbitrageConfig struct {
	MinProfitPct       float64 `mapstructure:"min_profit_pct"`
	MaxHoursUntilClose float64 `mapstructure:"max_hours_until_close"`
	Size               float64 `mapstructure:"size"`
}

// Load reads engine config from an optional YAML file with env overrides
// and applies --strategy-args JSON overrides last. Every key has a
// default, so a missing file is not an error.
func Load(path string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if len(overrides) > 0 {
		if err := v.MergeConfigMap(overrides); err != nil {
			return nil, fmt.Errorf("merge strategy args: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if os.Getenv("POLY_DRY_RUN") == "true" || os.Getenv("POLY_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dry_run", false)

	v.SetDefault("strategy.name", "extreme_price")
	v.SetDefault("strategy.scan_interval", "300s")
	v.SetDefault("strategy.estimated_fee", 0.01)
	v.SetDefault("strategy.pair_size", 10.0)

	v.SetDefault("api.clob_base_url", "https://clob.polymarket.com")
	v.SetDefault("api.catalog_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("api.ws_market_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("api.secondary_base_url", "https://api.kalshi.com/trade-api/v2")
	v.SetDefault("api.rpc_url", "https://polygon-rpc.com")
	v.SetDefault("api.collateral_contract", "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174")
	v.SetDefault("api.collateral_decimals", 6)
	v.SetDefault("api.llm_base_url", "https://generativelanguage.googleapis.com/v1beta")
	v.SetDefault("api.llm_model", "gemini-2.0-flash")

	v.SetDefault("timeouts.http_read", "30s")
	v.SetDefault("timeouts.balance", "10s")
	v.SetDefault("timeouts.ws_connect", "15s")
	v.SetDefault("timeouts.stream_silence", "90s")
	v.SetDefault("timeouts.scan_backoff", "60s")

	v.SetDefault("risk.max_open_positions", 25)
	v.SetDefault("risk.max_daily_loss", 100.0)

	v.SetDefault("store.data_dir", "data")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.rotation", "size")

	v.SetDefault("extreme_price.buy_threshold", 0.004)
	v.SetDefault("extreme_price.sell_multiplier", 2.0)
	v.SetDefault("extreme_price.min_hours_until_close", 1.0)
	v.SetDefault("extreme_price.portfolio_percent", 0.005)
	v.SetDefault("extreme_price.min_position_usd", 1.0)
	v.SetDefault("extreme_price.min_size_units", 5.0)

	v.SetDefault("calendar_arbitrage.min_profit_threshold", 0.02)
	v.SetDefault("calendar_arbitrage.early_exit_threshold", 0.005)
	v.SetDefault("calendar_arbitrage.max_loss_tolerance", 0.02)
	v.SetDefault("calendar_arbitrage.min_annualized_roi", 0.15)
	v.SetDefault("calendar_arbitrage.max_pairs", 1000)
	v.SetDefault("calendar_arbitrage.check_invalid_risk", true)
	v.SetDefault("calendar_arbitrage.use_embeddings", true)
	v.SetDefault("calendar_arbitrage.similarity_threshold", 0.85)
	v.SetDefault("calendar_arbitrage.use_llm", false)

	v.SetDefault("cross_platform.min_profit_threshold", 0.02)
	v.SetDefault("cross_platform.max_positions", 10)
	v.SetDefault("cross_platform.max_llm_matches", 50)
	v.SetDefault("cross_platform.use_llm", true)
	v.SetDefault("cross_platform.keyword_min_overlap", 3)

	v.SetDefault("spread_arbitrage.min_spread", 0.40)
	v.SetDefault("spread_arbitrage.max_price", 0.10)
	v.SetDefault("spread_arbitrage.min_volume", 1000.0)
	v.SetDefault("spread_arbitrage.target_profit", 0.10)
	v.SetDefault("spread_arbitrage.size", 100.0)

	v.SetDefault("arbitrage.min_profit_pct", 2.0)
	v.SetDefault("arbitrage.max_hours_until_close", 24.0)
	v.SetDefault("arbitrage.size", 10.0)
}

// Validate checks value ranges that would otherwise fail deep inside a
// scan loop.
func (c *Config) Validate() error {
	if c.Strategy.Name == "" {
		return fmt.Errorf("strategy.name is required")
	}
	if c.Strategy.ScanInterval <= 0 {
		return fmt.Errorf("strategy.scan_interval must be > 0")
	}
	if c.Strategy.EstimatedFee < 0 || c.Strategy.EstimatedFee >= 0.5 {
		return fmt.Errorf("strategy.estimated_fee must be in [0, 0.5)")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.API.CatalogBaseURL == "" {
		return fmt.Errorf("api.catalog_base_url is required")
	}
	if c.Risk.MaxOpenPositions <= 0 {
		return fmt.Errorf("risk.max_open_positions must be > 0")
	}
	if c.Extreme.BuyThreshold <= 0 || c.Extreme.BuyThreshold >= 1 {
		return fmt.Errorf("extreme_price.buy_threshold must be in (0, 1)")
	}
	if c.Calendar.MinProfitThreshold <= 0 {
		return fmt.Errorf("calendar_arbitrage.min_profit_threshold must be > 0")
	}
	return nil
}

// Account holds one trading account's credentials, loaded from a
// key=value .env file. FUNDER_ADDRESS selects proxy-wallet signing when
// present; without it the engine signs as a plain EOA.
type Account struct {
	APIKey        string
	APISecret     string
	APIPassphrase string
	PrivateKey    string
	FunderAddress string
	CLOBUrl       string
	ChainID       int

	SecondaryVenueAPIKey string
	GeminiAPIKey         string
	DefaultSlippage      float64
}

// LoadAccount parses a credential file. An empty path falls back to the
// process environment, matching single-account container deployments.
func LoadAccount(path string) (*Account, error) {
	var vals map[string]string
	if path != "" {
		var err error
		vals, err = godotenv.Read(path)
		if err != nil {
			return nil, fmt.Errorf("read credential file %s: %w", path, err)
		}
	} else {
		vals = map[string]string{}
		for _, key := range []string{
			"API_KEY", "API_SECRET", "API_PASSPHRASE", "PRIVATE_KEY",
			"FUNDER_ADDRESS", "CLOB_URL", "CHAIN_ID",
			"SECONDARY_VENUE_API_KEY", "GEMINI_API_KEY", "OPENAI_API_KEY",
			"DEFAULT_SLIPPAGE",
		} {
			if v := os.Getenv(key); v != "" {
				vals[key] = v
			}
		}
	}

	acct := &Account{
		APIKey:               vals["API_KEY"],
		APISecret:            vals["API_SECRET"],
		APIPassphrase:        vals["API_PASSPHRASE"],
		PrivateKey:           vals["PRIVATE_KEY"],
		FunderAddress:        vals["FUNDER_ADDRESS"],
		CLOBUrl:              vals["CLOB_URL"],
		SecondaryVenueAPIKey: vals["SECONDARY_VENUE_API_KEY"],
		GeminiAPIKey:         vals["GEMINI_API_KEY"],
	}
	if acct.GeminiAPIKey == "" {
		acct.GeminiAPIKey = vals["OPENAI_API_KEY"]
	}

	if raw := vals["CHAIN_ID"]; raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("CHAIN_ID %q: %w", raw, err)
		}
		acct.ChainID = id
	} else {
		acct.ChainID = 137
	}

	if raw := vals["DEFAULT_SLIPPAGE"]; raw != "" {
		s, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("DEFAULT_SLIPPAGE %q: %w", raw, err)
		}
		acct.DefaultSlippage = s
	}

	return acct, nil
}

// Validate checks that the account can sign and trade.
func (a *Account) Validate(dryRun bool) error {
	if dryRun {
		return nil // dry-run uses only public endpoints
	}
	if a.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}
	if a.ChainID == 0 {
		return fmt.Errorf("CHAIN_ID is required (137 for Polygon mainnet)")
	}
	return nil
}

// SignatureMode reports proxy vs EOA signing, selected by the presence of
// a funder address.
func (a *Account) SignatureMode() string {
	if a.FunderAddress != "" {
		return "proxy"
	}
	return "eoa"
}
