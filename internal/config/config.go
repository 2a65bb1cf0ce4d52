package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"gridtrader/internal/logger"
	"gridtrader/internal/models"
)

// Mode selects the execution backend.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// ExchangeConfig holds live-gateway connection settings. API credentials
// come from the environment, never from the config file, and never leave
// the process: they are excluded from every JSON rendering of the config.
type ExchangeConfig struct {
	APIKey         string        `mapstructure:"-" json:"-"`
	SecretKey      string        `mapstructure:"-" json:"-"`
	UseTestnet     bool          `mapstructure:"use_testnet" json:"use_testnet"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" json:"request_timeout"`
}

// RiskConfig holds the risk manager's thresholds.
type RiskConfig struct {
	DailyLossLimit     float64       `mapstructure:"daily_loss_limit" json:"daily_loss_limit"`
	MaxDrawdownPercent float64       `mapstructure:"max_drawdown_percent" json:"max_drawdown_percent"`
	MaxExposure        float64       `mapstructure:"max_exposure" json:"max_exposure"`
	AlertCooldown      time.Duration `mapstructure:"alert_cooldown" json:"alert_cooldown"`
	AlertHistoryCap    int           `mapstructure:"alert_history_cap" json:"alert_history_cap"`
}

// RebalanceConfig holds the rebalancer's policy knobs.
type RebalanceConfig struct {
	MinInterval    time.Duration `mapstructure:"min_interval" json:"min_interval"`
	ClosePositions bool          `mapstructure:"close_positions" json:"close_positions"`
}

// ServerConfig holds the control-surface listen settings.
type ServerConfig struct {
	Port int `mapstructure:"port" json:"port"`
}

// Config is the full application configuration.
type Config struct {
	Mode           Mode              `mapstructure:"mode" json:"mode"`
	InitialBalance float64           `mapstructure:"initial_balance" json:"initial_balance"`
	DBPath         string            `mapstructure:"db_path" json:"db_path"`
	Grid           models.GridConfig `mapstructure:"grid" json:"grid"`
	Exchange       ExchangeConfig    `mapstructure:"exchange" json:"exchange"`
	Risk           RiskConfig        `mapstructure:"risk" json:"risk"`
	Rebalance      RebalanceConfig   `mapstructure:"rebalance" json:"rebalance"`
	Server         ServerConfig      `mapstructure:"server" json:"server"`
	Log            logger.Config     `mapstructure:"log" json:"log"`
}

// Load reads configs/config.yaml (or the file at path when non-empty),
// applies defaults and environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("configs")
		v.SetConfigName("config")
	}

	setDefaults(v)

	v.SetEnvPrefix("GRIDTRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No file is fine; defaults plus env still make a runnable paper setup.
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Exchange.APIKey = v.GetString("BINANCE_API_KEY")
	cfg.Exchange.SecretKey = v.GetString("BINANCE_SECRET_KEY")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", string(ModePaper))
	v.SetDefault("initial_balance", 10000.0)
	v.SetDefault("db_path", "data/gridtrader")
	v.SetDefault("grid.profit_per_level_percent", 0.5)
	v.SetDefault("grid.fee_percent", 0.1)
	v.SetDefault("exchange.request_timeout", 10*time.Second)
	v.SetDefault("risk.alert_cooldown", 5*time.Minute)
	v.SetDefault("risk.alert_history_cap", 100)
	v.SetDefault("risk.max_drawdown_percent", 20.0)
	v.SetDefault("rebalance.min_interval", 5*time.Minute)
	v.SetDefault("rebalance.close_positions", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.output", "console")
}

// Validate rejects configurations the engine could not run with. Nothing is
// partially applied on failure.
func (c *Config) Validate() error {
	if c.Mode != ModePaper && c.Mode != ModeLive {
		return fmt.Errorf("invalid mode %q: must be %q or %q", c.Mode, ModePaper, ModeLive)
	}
	if err := ValidateGrid(c.Grid); err != nil {
		return err
	}
	if c.Mode == ModeLive && (c.Exchange.APIKey == "" || c.Exchange.SecretKey == "") {
		return fmt.Errorf("live mode requires GRIDTRADER_BINANCE_API_KEY and GRIDTRADER_BINANCE_SECRET_KEY")
	}
	return nil
}

// ValidateGrid checks the grid parameters shared by config load and the
// engine's Initialize.
func ValidateGrid(g models.GridConfig) error {
	if g.Symbol == "" {
		return fmt.Errorf("grid symbol must not be empty")
	}
	if g.NumLevels <= 0 {
		return fmt.Errorf("grid num_levels must be positive, got %d", g.NumLevels)
	}
	if g.RangePercent <= 0 {
		return fmt.Errorf("grid range_percent must be positive, got %f", g.RangePercent)
	}
	if g.TotalCapital <= 0 {
		return fmt.Errorf("grid total_capital must be positive, got %f", g.TotalCapital)
	}
	if g.FeePercent < 0 {
		return fmt.Errorf("grid fee_percent must not be negative, got %f", g.FeePercent)
	}
	return nil
}
