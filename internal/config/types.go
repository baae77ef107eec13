package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Campaign CampaignConfig `mapstructure:"campaign"`
	Stats    StatsConfig    `mapstructure:"stats"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ExchangeConfig 描述 Alpha 网页接口的连接与会话信息。
type ExchangeConfig struct {
	BaseURL       string            `mapstructure:"base_url"`
	AssetURL      string            `mapstructure:"asset_url"`
	CSRFToken     string            `mapstructure:"csrf_token"`
	Cookie        string            `mapstructure:"cookie"`
	QuoteAsset    string            `mapstructure:"quote_asset"`
	Timeout       time.Duration     `mapstructure:"timeout"`
	ExtraHeaders  map[string]string `mapstructure:"extra_headers"`
	PriceSources  []string          `mapstructure:"price_sources"`
	Retry         RetryConfig       `mapstructure:"retry"`
	UserAgent     string            `mapstructure:"user_agent"`
	HistoryStatus []string          `mapstructure:"history_status"`
	DryRun        bool              `mapstructure:"dry_run"`
}

// RetryConfig 统一控制单次 HTTP 调用的重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// TradingConfig 控制下单金额、精度与手续费。
type TradingConfig struct {
	DesignatedSymbol   string             `mapstructure:"designated_symbol"`
	DesignatedNotional float64            `mapstructure:"designated_notional"`
	DesignatedDecimals int32              `mapstructure:"designated_decimals"`
	DefaultNotional    float64            `mapstructure:"default_notional"`
	DefaultDecimals    int32              `mapstructure:"default_decimals"`
	FeeRate            float64            `mapstructure:"fee_rate"`
	PriceTick          float64            `mapstructure:"price_tick"`
	PriceDecimals      int32              `mapstructure:"price_decimals"`
	Instruments        []InstrumentConfig `mapstructure:"instruments"`
}

// InstrumentConfig 描述一个可交易的 Alpha 代币。
type InstrumentConfig struct {
	Symbol      string `mapstructure:"symbol"`
	DisplayName string `mapstructure:"display_name"`
	WalletAsset string `mapstructure:"wallet_asset"`
}

// PolicyConfig 集中管理订单生命周期中的重试次数与等待区间。
type PolicyConfig struct {
	MaxSubmitAttempts  int           `mapstructure:"max_submit_attempts"`
	MaxPollChecks      int           `mapstructure:"max_poll_checks"`
	MaxPartialRechecks int           `mapstructure:"max_partial_rechecks"`
	MaxRepriceAttempts int           `mapstructure:"max_reprice_attempts"`
	MaxResubmits       int           `mapstructure:"max_resubmits"`
	MaxPriceAttempts   int           `mapstructure:"max_price_attempts"`
	SubmitJitterMin    time.Duration `mapstructure:"submit_jitter_min"`
	SubmitJitterMax    time.Duration `mapstructure:"submit_jitter_max"`
	PollIntervalMin    time.Duration `mapstructure:"poll_interval_min"`
	PollIntervalMax    time.Duration `mapstructure:"poll_interval_max"`
	CancelSettle       time.Duration `mapstructure:"cancel_settle"`
	CleanupSettle      time.Duration `mapstructure:"cleanup_settle"`
}

// CampaignConfig 控制批量循环的节奏。
type CampaignConfig struct {
	Cycles         int           `mapstructure:"cycles"`
	PacingMin      time.Duration `mapstructure:"pacing_min"`
	PacingMax      time.Duration `mapstructure:"pacing_max"`
	EmptyBackoff   time.Duration `mapstructure:"empty_backoff"`
	ErrorBackoff   time.Duration `mapstructure:"error_backoff"`
	DemoteCooldown time.Duration `mapstructure:"demote_cooldown"`
}

// StatsConfig 控制统计数据的日切与当日损耗上限。
type StatsConfig struct {
	ResetHour int `mapstructure:"reset_hour"`
	// MaxDailyLoss 为当日累计损耗上限，0 表示不限制。
	MaxDailyLoss float64 `mapstructure:"max_daily_loss"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// MonitorConfig 控制监控接口。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Exchange.BaseURL == "" {
		err = multierr.Append(err, errors.New("exchange.base_url 不能为空"))
	}
	if c.Exchange.AssetURL == "" {
		err = multierr.Append(err, errors.New("exchange.asset_url 不能为空"))
	}
	if c.Exchange.QuoteAsset == "" {
		err = multierr.Append(err, errors.New("exchange.quote_asset 不能为空"))
	}
	if c.Exchange.Timeout <= 0 {
		err = multierr.Append(err, errors.New("exchange.timeout 必须大于0"))
	}
	if len(c.Exchange.PriceSources) == 0 {
		err = multierr.Append(err, errors.New("exchange.price_sources 至少包含一个价格来源"))
	}
	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
	}
	if c.Exchange.Retry.MinDelay <= 0 || c.Exchange.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.delay 必须为正"))
	}
	if c.Exchange.Retry.MinDelay > c.Exchange.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchange.retry.min_delay 不能大于 max_delay"))
	}
	if !c.Exchange.DryRun && (c.Exchange.CSRFToken == "" || c.Exchange.Cookie == "") {
		err = multierr.Append(err, errors.New("exchange.csrf_token 与 exchange.cookie 必须配置"))
	}

	if c.Trading.DesignatedNotional <= 0 || c.Trading.DefaultNotional <= 0 {
		err = multierr.Append(err, errors.New("trading.*_notional 必须大于0"))
	}
	if c.Trading.DesignatedDecimals < 0 || c.Trading.DefaultDecimals < 0 || c.Trading.PriceDecimals <= 0 {
		err = multierr.Append(err, errors.New("trading 精度配置无效"))
	}
	if c.Trading.FeeRate < 0 || c.Trading.FeeRate >= 0.01 {
		err = multierr.Append(err, errors.New("trading.fee_rate 应位于[0,0.01)"))
	}
	if c.Trading.PriceTick <= 0 {
		err = multierr.Append(err, errors.New("trading.price_tick 必须大于0"))
	}
	for i, inst := range c.Trading.Instruments {
		if strings.TrimSpace(inst.Symbol) == "" {
			err = multierr.Append(err, fmt.Errorf("trading.instruments[%d].symbol 不能为空", i))
		}
	}

	if c.Policy.MaxSubmitAttempts <= 0 {
		err = multierr.Append(err, errors.New("policy.max_submit_attempts 必须大于0"))
	}
	if c.Policy.MaxPollChecks <= 0 {
		err = multierr.Append(err, errors.New("policy.max_poll_checks 必须大于0"))
	}
	if c.Policy.MaxPartialRechecks < 0 || c.Policy.MaxRepriceAttempts < 0 {
		err = multierr.Append(err, errors.New("policy 重试次数不能为负"))
	}
	if c.Policy.MaxResubmits <= 0 {
		err = multierr.Append(err, errors.New("policy.max_resubmits 必须大于0"))
	}
	if c.Policy.MaxPriceAttempts <= 0 {
		err = multierr.Append(err, errors.New("policy.max_price_attempts 必须大于0"))
	}
	if c.Policy.SubmitJitterMin > c.Policy.SubmitJitterMax {
		err = multierr.Append(err, errors.New("policy.submit_jitter_min 不能大于 submit_jitter_max"))
	}
	if c.Policy.PollIntervalMin > c.Policy.PollIntervalMax {
		err = multierr.Append(err, errors.New("policy.poll_interval_min 不能大于 poll_interval_max"))
	}

	if c.Campaign.Cycles < 0 {
		err = multierr.Append(err, errors.New("campaign.cycles 不能为负"))
	}
	if c.Campaign.PacingMin > c.Campaign.PacingMax {
		err = multierr.Append(err, errors.New("campaign.pacing_min 不能大于 pacing_max"))
	}
	if c.Campaign.EmptyBackoff <= 0 || c.Campaign.ErrorBackoff <= 0 {
		err = multierr.Append(err, errors.New("campaign 退避时间必须大于0"))
	}

	if c.Stats.ResetHour < 0 || c.Stats.ResetHour > 23 {
		err = multierr.Append(err, errors.New("stats.reset_hour 必须位于[0,23]"))
	}
	if c.Stats.MaxDailyLoss < 0 {
		err = multierr.Append(err, errors.New("stats.max_daily_loss 不能为负"))
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 无效"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
