// Package config defines all configuration for the intelligence service.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via CASCADIAN_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"cascadian/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	OLAP      OLAPConfig      `mapstructure:"olap"`
	API       APIConfig       `mapstructure:"api"`
	CopyTrade CopyTradeConfig `mapstructure:"copy_trade"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Stores    StoresConfig    `mapstructure:"stores"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
}

// OLAPConfig holds the analytics database connection.
type OLAPConfig struct {
	DSN string `mapstructure:"dsn"`
}

// APIConfig holds the external market endpoints.
type APIConfig struct {
	GammaBaseURL  string `mapstructure:"gamma_base_url"`
	WSActivityURL string `mapstructure:"ws_activity_url"`
}

// CopyTradeConfig tunes the consensus engine.
//
//   - Wallets: source wallets to watch (hex addresses, any case).
//   - ConsensusMode: any | two_agree | n_of_m | all.
//   - NRequired: wallet count for n_of_m mode.
//   - MinSourceNotionalUsd: drop source trades below this notional.
//   - MaxCopyPerTradeUsd: per-execution notional cap.
//   - AllowedConditions: optional condition-id allow-list.
//   - EnableDecisionLog: persist filtered/skipped decisions too.
type CopyTradeConfig struct {
	Wallets              []string `mapstructure:"wallets"`
	ConsensusMode        string   `mapstructure:"consensus_mode"`
	NRequired            int      `mapstructure:"n_required"`
	MinSourceNotionalUsd float64  `mapstructure:"min_source_notional_usd"`
	MaxCopyPerTradeUsd   float64  `mapstructure:"max_copy_per_trade_usd"`
	AllowedConditions    []string `mapstructure:"allowed_conditions"`
	EnableDecisionLog    bool     `mapstructure:"enable_decision_log"`
	LiveEnabled          bool     `mapstructure:"-"` // set only via ENABLE_LIVE_COPY_TRADE
}

// MonitorConfig tunes the paper-position price monitor.
type MonitorConfig struct {
	PollInterval          time.Duration `mapstructure:"poll_interval"`
	DefaultPriceTargetPct float64       `mapstructure:"default_price_target_pct"`
	DefaultStopLossPct    float64       `mapstructure:"default_stop_loss_pct"`
	FollowWalletExits     bool          `mapstructure:"follow_wallet_exits"`
}

// StoresConfig sizes the in-memory ring buffers.
type StoresConfig struct {
	LogCapacity   int `mapstructure:"log_capacity"`
	AlertCapacity int `mapstructure:"alert_capacity"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig controls the HTTP API server.
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	CronSecret     string   `mapstructure:"-"` // set only via CRON_SECRET
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: CASCADIAN_OLAP_DSN, CRON_SECRET,
// ENABLE_LIVE_COPY_TRADE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("CASCADIAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if dsn := os.Getenv("CASCADIAN_OLAP_DSN"); dsn != "" {
		cfg.OLAP.DSN = dsn
	}
	cfg.Server.CronSecret = os.Getenv("CRON_SECRET")
	// Live execution requires the literal "true"; anything else stays off.
	cfg.CopyTrade.LiveEnabled = os.Getenv("ENABLE_LIVE_COPY_TRADE") == "true"
	if os.Getenv("CASCADIAN_DRY_RUN") == "true" || os.Getenv("CASCADIAN_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.OLAP.DSN == "" {
		return fmt.Errorf("olap.dsn is required (set CASCADIAN_OLAP_DSN)")
	}
	if len(c.CopyTrade.Wallets) == 0 {
		return fmt.Errorf("copy_trade.wallets must list at least one wallet")
	}
	for _, w := range c.CopyTrade.Wallets {
		if _, err := types.NormalizeWallet(w); err != nil {
			return fmt.Errorf("copy_trade.wallets: %w", err)
		}
	}
	switch c.CopyTrade.ConsensusMode {
	case "any", "two_agree", "all":
	case "n_of_m":
		if c.CopyTrade.NRequired < 1 {
			return fmt.Errorf("copy_trade.n_required must be >= 1 for n_of_m mode")
		}
	default:
		return fmt.Errorf("copy_trade.consensus_mode must be one of: any, two_agree, n_of_m, all")
	}
	if c.CopyTrade.MinSourceNotionalUsd < 0 {
		return fmt.Errorf("copy_trade.min_source_notional_usd must be >= 0")
	}
	if c.CopyTrade.MaxCopyPerTradeUsd < 0 {
		return fmt.Errorf("copy_trade.max_copy_per_trade_usd must be >= 0")
	}
	if c.API.GammaBaseURL == "" {
		return fmt.Errorf("api.gamma_base_url is required")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}
