package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"trade-bot-radar/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Ethereum   EthereumConfig   `mapstructure:"ethereum"`
	PriceFeed  PriceFeedConfig  `mapstructure:"pricefeed"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Publisher  PublisherConfig  `mapstructure:"publisher"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Snapshot   SnapshotConfig   `mapstructure:"snapshot"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// EthereumConfig covers on-chain data access and the registry contract.
type EthereumConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	WSURL           string        `mapstructure:"ws_url"`
	RegistryAddress string        `mapstructure:"registry_address"`
	AnalyzerKey     string        `mapstructure:"analyzer_key"`
	ChainID         int64         `mapstructure:"chain_id"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	BackfillChunk   uint64        `mapstructure:"backfill_chunk"`
	CheckpointPath  string        `mapstructure:"checkpoint_path"`
}

// PriceFeedConfig parameterises the oracle push stream.
type PriceFeedConfig struct {
	WSURL          string        `mapstructure:"ws_url"`
	Instruments    []string      `mapstructure:"instruments"`
	BufferSize     int           `mapstructure:"buffer_size"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ClassifierConfig tunes scoring thresholds. The good/bad boundary is
// deliberately configurable rather than hard-coded.
type ClassifierConfig struct {
	GoodBotThreshold  int           `mapstructure:"good_bot_threshold"`
	BadBotThreshold   int           `mapstructure:"bad_bot_threshold"`
	CriticalThreshold int           `mapstructure:"critical_threshold"`
	HighThreshold     int           `mapstructure:"high_threshold"`
	HistoryLimit      int           `mapstructure:"history_limit"`
	HistoryWindow     time.Duration `mapstructure:"history_window"`
	OffHoursStart     int           `mapstructure:"off_hours_start"`
	OffHoursEnd       int           `mapstructure:"off_hours_end"`
	RegularityCeiling float64       `mapstructure:"regularity_ceiling"`
	QueueDepth        int           `mapstructure:"queue_depth"`
}

// PublisherConfig governs on-chain flag batching.
type PublisherConfig struct {
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
}

// AlertingConfig defines alert routing for committed flags.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	MinRisk  string         `mapstructure:"min_risk"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// SnapshotConfig drives periodic persistence of classification state.
type SnapshotConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToStart    bool          `mapstructure:"align_to_start"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BOTRADAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "botradar")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("ethereum.request_timeout", "10s")
	v.SetDefault("ethereum.backfill_chunk", uint64(2000))
	v.SetDefault("ethereum.checkpoint_path", "backfill.ckpt")

	v.SetDefault("pricefeed.buffer_size", 20)
	v.SetDefault("pricefeed.stale_after", "5m")
	v.SetDefault("pricefeed.request_timeout", "10s")

	v.SetDefault("classifier.good_bot_threshold", 40)
	v.SetDefault("classifier.bad_bot_threshold", 60)
	v.SetDefault("classifier.critical_threshold", 85)
	v.SetDefault("classifier.high_threshold", 70)
	v.SetDefault("classifier.history_limit", 500)
	v.SetDefault("classifier.history_window", "720h")
	v.SetDefault("classifier.off_hours_start", 22)
	v.SetDefault("classifier.off_hours_end", 6)
	v.SetDefault("classifier.regularity_ceiling", 0.05)
	v.SetDefault("classifier.queue_depth", 1024)

	v.SetDefault("publisher.flush_interval", "5s")
	v.SetDefault("publisher.batch_size", 50)
	v.SetDefault("publisher.startup_delay", "0s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.min_risk", "HIGH")
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("snapshot.interval", "1h")
	v.SetDefault("snapshot.align_to_start", true)
	v.SetDefault("snapshot.startup_delay", "30s")
	v.SetDefault("snapshot.advisory_lock_key", int64(740031))

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
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

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.PriceFeed.BufferSize <= 0 {
		return fmt.Errorf("pricefeed.buffer_size must be greater than zero")
	}
	if c.Classifier.BadBotThreshold <= c.Classifier.GoodBotThreshold {
		return fmt.Errorf("classifier.bad_bot_threshold must exceed good_bot_threshold")
	}
	if c.Classifier.CriticalThreshold < c.Classifier.HighThreshold {
		return fmt.Errorf("classifier.critical_threshold must be at least high_threshold")
	}
	if c.Classifier.OffHoursStart < 0 || c.Classifier.OffHoursStart > 23 {
		return fmt.Errorf("classifier.off_hours_start must be an hour of day")
	}
	if c.Classifier.OffHoursEnd < 0 || c.Classifier.OffHoursEnd > 23 {
		return fmt.Errorf("classifier.off_hours_end must be an hour of day")
	}
	if c.Classifier.QueueDepth <= 0 {
		return fmt.Errorf("classifier.queue_depth must be greater than zero")
	}
	if c.Publisher.FlushInterval <= 0 {
		return fmt.Errorf("publisher.flush_interval must be greater than zero")
	}
	if c.Snapshot.Interval <= 0 {
		return fmt.Errorf("snapshot.interval must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
