package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	defaultEnvFile    = ".env"
	envPrefix         = "alphafarm"
)

// Load 读取配置文件并结合环境变量返回 Config。
// 工作目录下的 .env 会在读取环境变量前加载，已存在的环境变量不会被覆盖。
func Load(path string) (*Config, error) {
	if err := loadDotEnv(defaultEnvFile); err != nil {
		return nil, err
	}

	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("检查 %s 失败: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("加载 %s 失败: %w", path, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("exchange.base_url", "https://www.binance.com/bapi/defi/v1")
	v.SetDefault("exchange.asset_url", "https://www.binance.com/bapi/asset/v2/private/asset-service/wallet/asset")
	v.SetDefault("exchange.csrf_token", "")
	v.SetDefault("exchange.cookie", "")
	v.SetDefault("exchange.quote_asset", "USDT")
	v.SetDefault("exchange.timeout", "10s")
	v.SetDefault("exchange.price_sources", []string{"agg_trades", "klines"})
	v.SetDefault("exchange.retry.max_attempts", 3)
	v.SetDefault("exchange.retry.min_delay", "500ms")
	v.SetDefault("exchange.retry.max_delay", "2s")
	v.SetDefault("exchange.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/140.0.0.0 Safari/537.36")
	v.SetDefault("exchange.dry_run", false)
	v.SetDefault("exchange.history_status", []string{"FILLED", "PARTIALLY_FILLED", "EXPIRED", "CANCELED", "REJECTED"})

	v.SetDefault("trading.designated_symbol", "ALPHA_22USDT")
	v.SetDefault("trading.designated_notional", 1025)
	v.SetDefault("trading.designated_decimals", 4)
	v.SetDefault("trading.default_notional", 1030)
	v.SetDefault("trading.default_decimals", 2)
	v.SetDefault("trading.fee_rate", 0.0001)
	v.SetDefault("trading.price_tick", 0.0000001)
	v.SetDefault("trading.price_decimals", 8)

	v.SetDefault("policy.max_submit_attempts", 5)
	v.SetDefault("policy.max_poll_checks", 5)
	v.SetDefault("policy.max_partial_rechecks", 5)
	v.SetDefault("policy.max_reprice_attempts", 5)
	v.SetDefault("policy.max_resubmits", 10)
	v.SetDefault("policy.max_price_attempts", 3)
	v.SetDefault("policy.submit_jitter_min", "0s")
	v.SetDefault("policy.submit_jitter_max", "1s")
	v.SetDefault("policy.poll_interval_min", "1s")
	v.SetDefault("policy.poll_interval_max", "2s")
	v.SetDefault("policy.cancel_settle", "2s")
	v.SetDefault("policy.cleanup_settle", "1s")

	v.SetDefault("campaign.cycles", 1)
	v.SetDefault("campaign.pacing_min", "10s")
	v.SetDefault("campaign.pacing_max", "15s")
	v.SetDefault("campaign.empty_backoff", "15s")
	v.SetDefault("campaign.error_backoff", "5s")
	v.SetDefault("campaign.demote_cooldown", "10m")

	v.SetDefault("stats.reset_hour", 0)
	v.SetDefault("stats.max_daily_loss", 0)

	v.SetDefault("database.path", "data/alphafarm.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.port", 9108)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
