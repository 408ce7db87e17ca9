// Package config loads application configuration from YAML files and
// environment variables, and owns logger initialization.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Database   DatabaseConfig   `mapstructure:"database"`
	MarketData MarketDataConfig `mapstructure:"market_data"`
	NATS       NATSConfig       `mapstructure:"nats"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Backtest   BacktestConfig   `mapstructure:"backtest"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // json or console
}

// DatabaseConfig contains PostgreSQL settings for the candle store.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// MarketDataConfig contains upstream exchange API settings.
type MarketDataConfig struct {
	Exchange          string `mapstructure:"exchange"` // "binance"
	Testnet           bool   `mapstructure:"testnet"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	FetchBatchSize    int    `mapstructure:"fetch_batch_size"`
}

// NATSConfig contains NATS messaging settings.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	Enabled       bool   `mapstructure:"enabled"`
}

// LLMConfig contains LLM gateway settings for the optimizer.
type LLMConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Timeout     int     `mapstructure:"timeout"` // milliseconds
	MaxRetries  int     `mapstructure:"max_retries"`
}

// RegistryConfig contains result storage settings.
type RegistryConfig struct {
	BasePath       string `mapstructure:"base_path"`
	MaxStorageSize int64  `mapstructure:"max_storage_size"` // bytes
	RetentionDays  int    `mapstructure:"retention_days"`
}

// SchedulerConfig contains the qualification loop settings.
type SchedulerConfig struct {
	Symbol                     string             `mapstructure:"symbol"`
	StrategyName               string             `mapstructure:"strategy_name"`
	ScheduleIntervalSeconds    int                `mapstructure:"schedule_interval_seconds"`
	BacktestDurationDays       int                `mapstructure:"backtest_duration_days"`
	MaxIterationsPerCycle      int                `mapstructure:"max_iterations_per_cycle"`
	MaxOverlapPercentage       float64            `mapstructure:"max_overlap_percentage"`
	KPIs                       map[string]float64 `mapstructure:"kpis"`
	AutoResetMemory            bool               `mapstructure:"auto_reset_memory"`
	InitialBalance             float64            `mapstructure:"initial_balance"`
	Leverage                   float64            `mapstructure:"leverage"`
	BacktestsPerPeriod         int                `mapstructure:"backtests_per_period"`
	MinPassedBacktestsPerP     int                `mapstructure:"min_passed_backtests_per_period"`
	IncrementalBacktestPeriods []int              `mapstructure:"incremental_backtest_periods"`
}

// BacktestConfig contains backtest engine settings.
type BacktestConfig struct {
	MaxConcurrent int      `mapstructure:"max_concurrent"`
	MakerFee      float64  `mapstructure:"maker_fee"`
	TakerFee      float64  `mapstructure:"taker_fee"`
	MaxNotional   float64  `mapstructure:"max_notional"`
	Timeframes    []string `mapstructure:"timeframes"`
}

// MonitoringConfig contains metrics settings.
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("STRATQUAL")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "StratQual")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "stratqual")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	// Market data defaults
	v.SetDefault("market_data.exchange", "binance")
	v.SetDefault("market_data.testnet", false)
	v.SetDefault("market_data.requests_per_minute", 1200)
	v.SetDefault("market_data.fetch_batch_size", 1000)

	// NATS defaults
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject_prefix", "stratqual.agents.")
	v.SetDefault("nats.enabled", false)

	// LLM defaults
	v.SetDefault("llm.endpoint", "http://localhost:8080/v1/chat/completions")
	v.SetDefault("llm.model", "gpt-4-turbo")
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.max_tokens", 2048)
	v.SetDefault("llm.timeout", 30000)
	v.SetDefault("llm.max_retries", 3)

	// Registry defaults
	v.SetDefault("registry.base_path", "data/registry")
	v.SetDefault("registry.max_storage_size", int64(10)*1024*1024*1024)
	v.SetDefault("registry.retention_days", 90)

	// Scheduler defaults
	v.SetDefault("scheduler.symbol", "BTCUSDT")
	v.SetDefault("scheduler.strategy_name", "carga_descarga")
	v.SetDefault("scheduler.schedule_interval_seconds", 3600)
	v.SetDefault("scheduler.backtest_duration_days", 30)
	v.SetDefault("scheduler.max_iterations_per_cycle", 5)
	v.SetDefault("scheduler.max_overlap_percentage", 20.0)
	v.SetDefault("scheduler.auto_reset_memory", true)
	v.SetDefault("scheduler.initial_balance", 2500.0)
	v.SetDefault("scheduler.leverage", 100.0)
	v.SetDefault("scheduler.backtests_per_period", 10)
	v.SetDefault("scheduler.min_passed_backtests_per_period", 10)
	v.SetDefault("scheduler.incremental_backtest_periods", []int{1, 7, 30, 90})

	// Backtest defaults
	v.SetDefault("backtest.max_concurrent", 1)
	v.SetDefault("backtest.maker_fee", 0.0002)
	v.SetDefault("backtest.taker_fee", 0.0005)
	v.SetDefault("backtest.max_notional", 50000.0)
	v.SetDefault("backtest.timeframes", []string{"1m", "15m", "1h"})

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)
}

// Validate checks the loaded configuration for consistency.
func (c *Config) Validate() error {
	switch c.App.Environment {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("invalid environment %q", c.App.Environment)
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("invalid database port %d", c.Database.Port)
	}
	if c.Database.PoolSize <= 0 {
		return fmt.Errorf("database pool_size must be positive, got %d", c.Database.PoolSize)
	}
	if c.Scheduler.ScheduleIntervalSeconds < 60 || c.Scheduler.ScheduleIntervalSeconds > 86400 {
		return fmt.Errorf("scheduler.schedule_interval_seconds must be in 60-86400, got %d", c.Scheduler.ScheduleIntervalSeconds)
	}
	if d := c.Scheduler.BacktestDurationDays; d != 0 && (d < 1 || d > 365) {
		return fmt.Errorf("scheduler.backtest_duration_days must be in 1-365, got %d", d)
	}
	if c.Scheduler.MaxOverlapPercentage < 0 || c.Scheduler.MaxOverlapPercentage > 100 {
		return fmt.Errorf("scheduler.max_overlap_percentage must be in 0-100, got %f", c.Scheduler.MaxOverlapPercentage)
	}
	if len(c.Scheduler.IncrementalBacktestPeriods) == 0 && c.Scheduler.BacktestDurationDays <= 0 {
		return fmt.Errorf("scheduler needs incremental_backtest_periods or backtest_duration_days")
	}
	for i, d := range c.Scheduler.IncrementalBacktestPeriods {
		if d <= 0 {
			return fmt.Errorf("scheduler.incremental_backtest_periods[%d] must be positive, got %d", i, d)
		}
	}
	if c.Backtest.MaxConcurrent <= 0 {
		return fmt.Errorf("backtest.max_concurrent must be positive, got %d", c.Backtest.MaxConcurrent)
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("llm.timeout must be positive, got %d", c.LLM.Timeout)
	}
	if c.Registry.RetentionDays < 1 || c.Registry.RetentionDays > 365 {
		return fmt.Errorf("registry.retention_days must be in 1-365, got %d", c.Registry.RetentionDays)
	}
	return nil
}

// GetDSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetTimeout returns the LLM timeout as a time.Duration.
func (c *LLMConfig) GetTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Millisecond
}
