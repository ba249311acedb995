package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 编排器全量配置，进程启动时读取一次，此后不变。
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Store      StoreConfig      `mapstructure:"store"`
	Redis      RedisConfig      `mapstructure:"redis"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	PostHog    PostHogConfig    `mapstructure:"posthog"`
	Quota      QuotaConfig      `mapstructure:"quota"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Router     RouterConfig     `mapstructure:"router"`
	Providers  []ProviderConfig `mapstructure:"providers"`
}

// ServerConfig HTTP服务配置
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// StoreConfig 配额/限流计数存储
// backend: memory（单实例）或 redis（多实例共享）
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ClickHouseConfig 尝试记录落库配置（可选）
type ClickHouseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Debug    bool   `mapstructure:"debug"`
}

// TracingConfig 追踪配置
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Endpoint     string  `mapstructure:"endpoint"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
	Environment  string  `mapstructure:"environment"`
}

// PostHogConfig PostHog特性标志配置（A/B实验可选后端）
type PostHogConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
	Host    string `mapstructure:"host"`
}

// QuotaConfig 用户日配额配置
type QuotaConfig struct {
	// Timezone 日界线所用时区，如 "UTC"、"Europe/Berlin"
	Timezone string `mapstructure:"timezone"`
	// DailyLimits 按用户等级的每日上限，0 表示不限
	DailyLimits map[string]int64 `mapstructure:"daily_limits"`
}

// BreakerConfig 熔断器配置（所有提供商共用同一组参数）
type BreakerConfig struct {
	FailureThreshold  int64         `mapstructure:"failure_threshold"`
	Window            time.Duration `mapstructure:"window"`
	Cooldown          time.Duration `mapstructure:"cooldown"`
	MaxCooldown       time.Duration `mapstructure:"max_cooldown"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	ProbeFraction     float64       `mapstructure:"probe_fraction"`
	SuccessThreshold  int64         `mapstructure:"success_threshold"`
}

// RouterConfig 路由器配置
type RouterConfig struct {
	// ComplexityThreshold 复杂度超过该阈值时要求 advanced 等级
	ComplexityThreshold float64          `mapstructure:"complexity_threshold"`
	// AttemptWindow 评分用的滚动尝试窗口大小（每个提供商）
	AttemptWindow       int              `mapstructure:"attempt_window"`
	Experiment          ExperimentConfig `mapstructure:"experiment"`
}

// ExperimentConfig 路由A/B实验配置
type ExperimentConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Name 实验标识，参与分桶哈希
	Name string `mapstructure:"name"`
	// Fraction 进入备选排序的流量比例 [0,1)
	Fraction float64 `mapstructure:"fraction"`
	// Assigner 分配策略：hash 或 posthog
	Assigner string `mapstructure:"assigner"`
}

// ProviderConfig 提供商目录条目
type ProviderConfig struct {
	ID               string        `mapstructure:"id"`
	Family           string        `mapstructure:"family"`
	Model            string        `mapstructure:"model"`
	Tier             string        `mapstructure:"tier"`
	Quality          float64       `mapstructure:"quality"`
	CostPer1KTokens  float64       `mapstructure:"cost_per_1k_tokens"`
	NominalLatencyMs int64         `mapstructure:"nominal_latency_ms"`
	RatePerMinute    int64         `mapstructure:"rate_per_minute"`
	Timeout          time.Duration `mapstructure:"timeout"`
	Priority         int           `mapstructure:"priority"`
	Endpoint         string        `mapstructure:"endpoint"`
	APIKeyEnv        string        `mapstructure:"api_key_env"`
	Enabled          bool          `mapstructure:"enabled"`
}

// Load 从本地YAML加载配置，环境变量（QUOTEGEN_前缀）可覆盖标量项。
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	v.SetEnvPrefix("QUOTEGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":9010")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("store.backend", "memory")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("clickhouse.port", 9000)
	v.SetDefault("clickhouse.database", "quote_orchestrator")
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.sampling_rate", 1.0)
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("quota.timezone", "UTC")
	v.SetDefault("quota.daily_limits", map[string]int64{"free": 50, "premium": 0})
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.window", "60s")
	v.SetDefault("breaker.cooldown", "30s")
	v.SetDefault("breaker.max_cooldown", "5m")
	v.SetDefault("breaker.backoff_multiplier", 2.0)
	v.SetDefault("breaker.probe_fraction", 0.34)
	v.SetDefault("breaker.success_threshold", 1)
	v.SetDefault("router.complexity_threshold", 0.6)
	v.SetDefault("router.attempt_window", 50)
	v.SetDefault("router.experiment.assigner", "hash")
}

// Validate 校验配置的基本一致性
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("config: at least one provider is required")
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("config: providers[%d] missing id", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("config: duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true

		if p.Tier != "basic" && p.Tier != "advanced" {
			return fmt.Errorf("config: provider %s has invalid tier %q", p.ID, p.Tier)
		}
		if p.Quality < 0 || p.Quality > 1 {
			return fmt.Errorf("config: provider %s quality must be in [0,1]", p.ID)
		}
		if p.CostPer1KTokens <= 0 {
			return fmt.Errorf("config: provider %s cost_per_1k_tokens must be positive", p.ID)
		}
		if p.RatePerMinute <= 0 {
			return fmt.Errorf("config: provider %s rate_per_minute must be positive", p.ID)
		}
	}

	if c.Store.Backend != "memory" && c.Store.Backend != "redis" {
		return fmt.Errorf("config: store.backend must be memory or redis, got %q", c.Store.Backend)
	}

	if _, err := time.LoadLocation(c.Quota.Timezone); err != nil {
		return fmt.Errorf("config: invalid quota.timezone %q: %w", c.Quota.Timezone, err)
	}

	if f := c.Router.Experiment.Fraction; f < 0 || f >= 1 {
		if c.Router.Experiment.Enabled {
			return fmt.Errorf("config: router.experiment.fraction must be in [0,1)")
		}
	}

	return nil
}
