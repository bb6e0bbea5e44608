package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"whalewatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Server   ServerConfig   `mapstructure:"server"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Pricing  PricingConfig  `mapstructure:"pricing"`
	Rules    RulesConfig    `mapstructure:"rules"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig controls the inbound HTTP listener.
type ServerConfig struct {
	BindAddr        string        `mapstructure:"bind_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

// WebhookConfig guards and bounds chainhook event intake.
type WebhookConfig struct {
	AuthToken     string        `mapstructure:"auth_token"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	MaxPending    int           `mapstructure:"max_pending"`
	EventTimeout  time.Duration `mapstructure:"event_timeout"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig points at the queue backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// QueueConfig governs delivery workers and retry policy.
type QueueConfig struct {
	Workers     int           `mapstructure:"workers"`
	Attempts    int           `mapstructure:"attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
	JobTimeout  time.Duration `mapstructure:"job_timeout"`
}

// PricingConfig selects and tunes the BTC/USD quote source.
type PricingConfig struct {
	Source          string          `mapstructure:"source"`
	TTL             time.Duration   `mapstructure:"ttl"`
	Timeout         time.Duration   `mapstructure:"timeout"`
	FallbackRate    float64         `mapstructure:"fallback_rate"`
	RefreshInterval time.Duration   `mapstructure:"refresh_interval"`
	CoinGecko       CoinGeckoConfig `mapstructure:"coingecko"`
	Chainlink       ChainlinkConfig `mapstructure:"chainlink"`
}

// CoinGeckoConfig covers the HTTP quote API.
type CoinGeckoConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// ChainlinkConfig covers the on-chain BTC/USD aggregator.
type ChainlinkConfig struct {
	RPCURL     string `mapstructure:"rpc_url"`
	Aggregator string `mapstructure:"aggregator"`
}

// RulesConfig holds rule-creation constraints.
type RulesConfig struct {
	MinThresholdBTC float64 `mapstructure:"min_threshold_btc"`
}

// NotifyConfig defines channel transports and default recipients.
type NotifyConfig struct {
	ExplorerURL    string         `mapstructure:"explorer_url"`
	DefaultEmail   string         `mapstructure:"default_email"`
	DefaultChatID  string         `mapstructure:"default_chat_id"`
	ChannelTimeout time.Duration  `mapstructure:"channel_timeout"`
	Telegram       TelegramConfig `mapstructure:"telegram"`
	SMTP           SMTPConfig     `mapstructure:"smtp"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	APIBase  string `mapstructure:"api_base"`
}

// SMTPConfig describes the outbound mail relay.
type SMTPConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WHALEWATCH")
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
	v.SetDefault("app.name", "whalewatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("server.bind_addr", "0.0.0.0:8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.max_body_bytes", int64(10<<20))

	v.SetDefault("webhook.auth_token", "")
	v.SetDefault("webhook.max_concurrent", 8)
	v.SetDefault("webhook.max_pending", 64)
	v.SetDefault("webhook.event_timeout", "30s")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "whalewatch:notifications")

	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.attempts", 3)
	v.SetDefault("queue.backoff", "2s")
	v.SetDefault("queue.poll_timeout", "2s")
	v.SetDefault("queue.job_timeout", "30s")

	v.SetDefault("pricing.source", "coingecko")
	v.SetDefault("pricing.ttl", "60s")
	v.SetDefault("pricing.timeout", "5s")
	v.SetDefault("pricing.fallback_rate", 50000.0)
	v.SetDefault("pricing.refresh_interval", "1m")
	v.SetDefault("pricing.coingecko.base_url", "https://api.coingecko.com/api/v3")

	v.SetDefault("rules.min_threshold_btc", 0.1)

	v.SetDefault("notify.explorer_url", "https://blockstream.info/tx/%s")
	v.SetDefault("notify.channel_timeout", "10s")
	v.SetDefault("notify.telegram.enabled", false)
	v.SetDefault("notify.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("notify.smtp.enabled", false)
	v.SetDefault("notify.smtp.port", 587)
	v.SetDefault("notify.smtp.from", "noreply@whalewatch.local")

	v.SetDefault("export.max_data_points", 10000)
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
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue.workers must be greater than zero")
	}
	if c.Queue.Attempts <= 0 {
		return fmt.Errorf("queue.attempts must be greater than zero")
	}
	if c.Queue.Backoff < 0 {
		return fmt.Errorf("queue.backoff cannot be negative")
	}
	if c.Webhook.MaxConcurrent <= 0 {
		return fmt.Errorf("webhook.max_concurrent must be greater than zero")
	}
	if c.Webhook.MaxPending < 0 {
		return fmt.Errorf("webhook.max_pending cannot be negative")
	}
	if c.Pricing.TTL <= 0 {
		return fmt.Errorf("pricing.ttl must be greater than zero")
	}
	if c.Pricing.RefreshInterval <= 0 {
		return fmt.Errorf("pricing.refresh_interval must be greater than zero")
	}
	if c.Pricing.FallbackRate <= 0 {
		return fmt.Errorf("pricing.fallback_rate must be greater than zero")
	}
	switch strings.ToLower(c.Pricing.Source) {
	case "coingecko":
	case "chainlink":
		if c.Pricing.Chainlink.RPCURL == "" || c.Pricing.Chainlink.Aggregator == "" {
			return fmt.Errorf("pricing.chainlink.rpc_url and pricing.chainlink.aggregator are required for the chainlink source")
		}
	default:
		return fmt.Errorf("pricing.source %q is not supported", c.Pricing.Source)
	}
	if c.Rules.MinThresholdBTC < 0 {
		return fmt.Errorf("rules.min_threshold_btc cannot be negative")
	}
	if c.Notify.Telegram.Enabled && c.Notify.Telegram.BotToken == "" {
		return fmt.Errorf("notify.telegram.bot_token 必须配置")
	}
	if c.Notify.SMTP.Enabled && c.Notify.SMTP.Host == "" {
		return fmt.Errorf("notify.smtp.host must be set when smtp is enabled")
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
