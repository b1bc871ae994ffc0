// Package config loads engine configuration from YAML with environment
// overrides (OTCENGINE_ prefix).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full engine configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	Engine      EngineConfig      `mapstructure:"engine"`
	Fees        FeeConfig         `mapstructure:"fees"`
	Limits      LimitsConfig      `mapstructure:"limits"`
	Negotiation NegotiationConfig `mapstructure:"negotiation"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
}

// EngineConfig holds matching loop settings.
type EngineConfig struct {
	Assets             []string      `mapstructure:"assets"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	SnapshotDepth      int           `mapstructure:"snapshot_depth"`
	TimePriorityWeight float64       `mapstructure:"time_priority_weight"`
}

// FeeConfig holds the tiered fee schedule. Rates are fractions of notional.
type FeeConfig struct {
	InstitutionalNotional float64 `mapstructure:"institutional_notional"`
	ProfessionalNotional  float64 `mapstructure:"professional_notional"`
	InstitutionalRate     float64 `mapstructure:"institutional_rate"`
	ProfessionalRate      float64 `mapstructure:"professional_rate"`
	RetailRate            float64 `mapstructure:"retail_rate"`
	MinimumFee            float64 `mapstructure:"minimum_fee"`
}

// LimitsConfig holds order sizing bounds.
type LimitsConfig struct {
	StandardMinOrder  float64 `mapstructure:"standard_min_order"`
	OTCBlockMinOrder  float64 `mapstructure:"otc_block_min_order"`
	DefaultMaxOrder   float64 `mapstructure:"default_max_order"`
	DefaultDailyLimit float64 `mapstructure:"default_daily_limit"`
}

// NegotiationConfig holds block trade negotiation settings.
type NegotiationConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	Moderators []string      `mapstructure:"moderators"`
}

// MetricsConfig holds the Prometheus listener settings.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// RedisConfig holds the price feed source. Empty Addr disables Redis and
// falls back to the static feed.
type RedisConfig struct {
	Addr           string        `mapstructure:"addr"`
	PriceKeyPrefix string        `mapstructure:"price_key_prefix"`
	PriceCacheTTL  time.Duration `mapstructure:"price_cache_ttl"`
}

// KafkaConfig holds the audit sink target. Empty Brokers disables Kafka and
// audit records go to the process log.
type KafkaConfig struct {
	Brokers    []string `mapstructure:"brokers"`
	AuditTopic string   `mapstructure:"audit_topic"`
}

// Load reads configuration from the given file path (optional) plus
// environment variables, applies defaults, and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("OTCENGINE")

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("engine.assets", []string{"BTC", "ETH", "USDC"})
	v.SetDefault("engine.sweep_interval", time.Second)
	v.SetDefault("engine.snapshot_depth", 25)
	v.SetDefault("engine.time_priority_weight", 10)

	v.SetDefault("fees.institutional_notional", 1_000_000)
	v.SetDefault("fees.professional_notional", 100_000)
	v.SetDefault("fees.institutional_rate", 0.0005)
	v.SetDefault("fees.professional_rate", 0.001)
	v.SetDefault("fees.retail_rate", 0.002)
	v.SetDefault("fees.minimum_fee", 1)

	v.SetDefault("limits.standard_min_order", 10)
	v.SetDefault("limits.otc_block_min_order", 10_000)
	v.SetDefault("limits.default_max_order", 1_000_000)
	v.SetDefault("limits.default_daily_limit", 5_000_000)

	v.SetDefault("negotiation.timeout", 30*time.Minute)
	v.SetDefault("negotiation.moderators", []string{"desk-1"})

	v.SetDefault("metrics.listen_addr", ":9100")

	v.SetDefault("redis.price_key_prefix", "price:")
	v.SetDefault("redis.price_cache_ttl", 250*time.Millisecond)

	v.SetDefault("kafka.audit_topic", "otc.audit")
}

func (c *Config) validate() error {
	if len(c.Engine.Assets) == 0 {
		return fmt.Errorf("engine.assets must not be empty")
	}
	if c.Engine.SweepInterval <= 0 {
		return fmt.Errorf("engine.sweep_interval must be positive")
	}
	if c.Negotiation.Timeout <= 0 {
		return fmt.Errorf("negotiation.timeout must be positive")
	}
	if c.Limits.OTCBlockMinOrder <= c.Limits.StandardMinOrder {
		return fmt.Errorf("limits.otc_block_min_order must exceed limits.standard_min_order")
	}
	if c.Fees.InstitutionalRate > c.Fees.ProfessionalRate || c.Fees.ProfessionalRate > c.Fees.RetailRate {
		return fmt.Errorf("fee rates must decrease with notional tier")
	}
	return nil
}
