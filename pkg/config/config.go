// Package config 提供 TOML 配置加载、环境变量覆盖与 schema 校验
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config 引擎服务配置
type Config struct {
	// 服务名称
	ServiceName string `mapstructure:"service_name"`
	// 服务版本
	Version string `mapstructure:"version"`
	// 环境：dev, staging, prod
	Environment string `mapstructure:"environment"`
	// HTTP 服务配置
	HTTP HTTPConfig `mapstructure:"http"`
	// 数据库配置
	Database DatabaseConfig `mapstructure:"database"`
	// Kafka 配置
	Kafka KafkaConfig `mapstructure:"kafka"`
	// 日志配置
	Logger LoggerConfig `mapstructure:"logger"`
	// 指标配置
	Metrics MetricsConfig `mapstructure:"metrics"`
	// 撮合与执行引擎配置
	Engine EngineConfig `mapstructure:"engine"`
	// KYC 准入配置
	KYC KYCConfig `mapstructure:"kyc"`
}

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	// 监听地址
	Host string `mapstructure:"host"`
	// 监听端口
	Port int `mapstructure:"port"`
	// 读超时（秒）
	ReadTimeout int `mapstructure:"read_timeout"`
	// 写超时（秒）
	WriteTimeout int `mapstructure:"write_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动：mysql
	Driver string `mapstructure:"driver"`
	// 数据源名称
	DSN string `mapstructure:"dsn"`
	// 最大连接数
	MaxOpenConns int `mapstructure:"max_open_conns"`
	// 最大空闲连接数
	MaxIdleConns int `mapstructure:"max_idle_conns"`
	// 连接最大生命周期（秒）
	ConnMaxLifetime int `mapstructure:"conn_max_lifetime"`
	// 是否启用日志
	LogEnabled bool `mapstructure:"log_enabled"`
	// 慢查询阈值（毫秒）
	SlowQueryThreshold int `mapstructure:"slow_query_threshold"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	// Broker 地址列表
	Brokers []string `mapstructure:"brokers"`
	// 最大重试次数
	MaxRetries int `mapstructure:"max_retries"`
	// 重试退避（毫秒）
	RetryBackoff int `mapstructure:"retry_backoff"`
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
	WithCaller bool   `mapstructure:"with_caller"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	// 是否启用
	Enabled bool `mapstructure:"enabled"`
	// Prometheus 监听端口
	Port int `mapstructure:"port"`
	// 指标路径
	Path string `mapstructure:"path"`
}

// EngineConfig 撮合与 TWAP 执行配置
type EngineConfig struct {
	// 支持的代币符号
	SupportedTokens []string `mapstructure:"supported_tokens"`
	// 每个交易对撮合队列深度
	QueueDepth int `mapstructure:"queue_depth"`
	// TWAP 最小切片间隔（分钟）
	MinSliceIntervalMinutes int `mapstructure:"min_slice_interval_minutes"`
	// TWAP 最大切片数量
	MaxSliceCount int `mapstructure:"max_slice_count"`
	// 切片释放时间抖动比例（0~1，相对于切片间隔）
	SliceJitterFraction float64 `mapstructure:"slice_jitter_fraction"`
	// 切片入场失败最大重试次数
	SliceRetryAttempts int `mapstructure:"slice_retry_attempts"`
	// 切片重试初始退避（毫秒）
	SliceRetryBackoff int `mapstructure:"slice_retry_backoff"`
	// 订阅者事件缓冲区大小
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

// KYCConfig 各认证等级的名义金额上限（报价币计价），0 表示不限
type KYCConfig struct {
	Tier0Limit float64 `mapstructure:"tier0_limit"`
	Tier1Limit float64 `mapstructure:"tier1_limit"`
	Tier2Limit float64 `mapstructure:"tier2_limit"`
	Tier3Limit float64 `mapstructure:"tier3_limit"`
}

// Load 从 TOML 文件加载配置，支持环境变量覆盖
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvPrefix("APP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate 验证配置的有效性
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.Environment == "" {
		c.Environment = "dev"
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN is required for %s driver", c.Database.Driver)
	}
	if c.Engine.MinSliceIntervalMinutes <= 0 {
		return fmt.Errorf("engine.min_slice_interval_minutes must be positive")
	}
	if c.Engine.MaxSliceCount <= 0 {
		return fmt.Errorf("engine.max_slice_count must be positive")
	}
	if c.Engine.SliceJitterFraction < 0 || c.Engine.SliceJitterFraction >= 1 {
		return fmt.Errorf("engine.slice_jitter_fraction must be in [0, 1)")
	}
	return nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 30)
	v.SetDefault("http.write_timeout", 30)

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("database.log_enabled", false)
	v.SetDefault("database.slow_query_threshold", 1000)

	v.SetDefault("kafka.max_retries", 3)
	v.SetDefault("kafka.retry_backoff", 100)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.file_path", "logs/app.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 10)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.with_caller", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("engine.supported_tokens", []string{"SOL", "USDC", "USDT", "BONK"})
	v.SetDefault("engine.queue_depth", 4096)
	v.SetDefault("engine.min_slice_interval_minutes", 1)
	v.SetDefault("engine.max_slice_count", 60)
	v.SetDefault("engine.slice_jitter_fraction", 0.3)
	v.SetDefault("engine.slice_retry_attempts", 3)
	v.SetDefault("engine.slice_retry_backoff", 200)
	v.SetDefault("engine.subscriber_buffer", 256)

	v.SetDefault("kyc.tier0_limit", 10000)
	v.SetDefault("kyc.tier1_limit", 100000)
	v.SetDefault("kyc.tier2_limit", 1000000)
	v.SetDefault("kyc.tier3_limit", 0)
}
