// Package config handles configuration loading and validation for the
// mining orchestrator.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the orchestrator.
type Config struct {
	Network    NetworkConfig    `mapstructure:"network"`
	Mining     MiningConfig     `mapstructure:"mining"`
	Wallet     WalletConfig     `mapstructure:"wallet"`
	DevFee     DevFeeConfig     `mapstructure:"dev_fee"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	OpStats    OpStatsConfig    `mapstructure:"opstats"`
	API        APIConfig        `mapstructure:"api"`
	Security   SecurityConfig   `mapstructure:"security"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Profiling  ProfilingConfig  `mapstructure:"profiling"`
	NewRelic   NewRelicConfig   `mapstructure:"newrelic"`
	Log        LogConfig        `mapstructure:"log"`
}

// UpstreamConfig is one configured challenge/submission endpoint.
type UpstreamConfig struct {
	Name    string        `mapstructure:"name"`
	URL     string        `mapstructure:"url"`
	Weight  int           `mapstructure:"weight"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// NetworkConfig defines the upstream challenge/submission API.
type NetworkConfig struct {
	URL                 string           `mapstructure:"url"`
	Upstreams           []UpstreamConfig `mapstructure:"upstreams"`
	Timeout             time.Duration    `mapstructure:"timeout"`
	HealthCheckInterval time.Duration    `mapstructure:"health_check_interval"`
	HealthCheckTimeout  time.Duration    `mapstructure:"health_check_timeout"`
	MaxFailures         int              `mapstructure:"max_failures"`
	RecoveryThreshold   int              `mapstructure:"recovery_threshold"`
}

// MiningConfig defines the mining orchestrator's tunables.
type MiningConfig struct {
	WorkerThreads         int           `mapstructure:"worker_threads"`
	BatchSize             int           `mapstructure:"batch_size"`
	PollInterval          time.Duration `mapstructure:"poll_interval"`
	MaxSubmissionFailures int           `mapstructure:"max_submission_failures"`
	DevFeeEnabled         bool          `mapstructure:"dev_fee_enabled"`
	DevFeeRatio           int           `mapstructure:"dev_fee_ratio"`
	HourlyResetEnabled    bool          `mapstructure:"hourly_reset_enabled"`
}

// WalletConfig defines the address-source collaborator the Coordinator
// delegates registration and signing to.
type WalletConfig struct {
	URL      string        `mapstructure:"url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
}

// DevFeeConfig defines the developer-fee address pool source.
type DevFeeConfig struct {
	URL          string        `mapstructure:"url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	PrewarmCount int           `mapstructure:"prewarm_count"`
}

// LedgerConfig defines the durable receipt/error log.
type LedgerConfig struct {
	Path string `mapstructure:"path"`
}

// OpStatsConfig defines the Redis-backed operator-stats cache.
type OpStatsConfig struct {
	URL            string        `mapstructure:"url"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db"`
	HashrateWindow time.Duration `mapstructure:"hashrate_window"`
}

// APIConfig defines the operator REST + event-stream server.
type APIConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Bind        string        `mapstructure:"bind"`
	StatsCache  time.Duration `mapstructure:"stats_cache"`
	CORSOrigins []string      `mapstructure:"cors_origins"`
}

// SecurityConfig defines the poll-failure circuit breaker.
type SecurityConfig struct {
	PollFailureThreshold int           `mapstructure:"poll_failure_threshold"`
	PollFailureWindow    time.Duration `mapstructure:"poll_failure_window"`
	RecoveryThreshold    int           `mapstructure:"recovery_threshold"`
}

// NotifyConfig defines optional webhook alerting on solutions and
// upstream health, fired off internal/events rather than called
// directly by the miner that observed them.
type NotifyConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	DiscordURL   string `mapstructure:"discord_url"`
	TelegramBot  string `mapstructure:"telegram_bot"`
	TelegramChat string `mapstructure:"telegram_chat"`
	MinerName    string `mapstructure:"miner_name"`
}

// ProfilingConfig defines the optional pprof endpoint.
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// NewRelicConfig defines the optional APM agent.
type NewRelicConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	AppName string `mapstructure:"app_name"`
	License string `mapstructure:"license"`
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from file and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/tos-miner")
	}

	v.SetEnvPrefix("TOS_MINER")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("network.timeout", "10s")
	v.SetDefault("network.health_check_interval", "5s")
	v.SetDefault("network.health_check_timeout", "3s")
	v.SetDefault("network.max_failures", 3)
	v.SetDefault("network.recovery_threshold", 2)

	v.SetDefault("mining.worker_threads", 11)
	v.SetDefault("mining.batch_size", 300)
	v.SetDefault("mining.poll_interval", "2s")
	v.SetDefault("mining.max_submission_failures", 6)
	v.SetDefault("mining.dev_fee_enabled", true)
	v.SetDefault("mining.dev_fee_ratio", 24)
	v.SetDefault("mining.hourly_reset_enabled", true)

	v.SetDefault("wallet.timeout", "10s")

	v.SetDefault("dev_fee.timeout", "10s")
	v.SetDefault("dev_fee.prewarm_count", 10)

	v.SetDefault("ledger.path", "tos-miner.ledger.jsonl")

	v.SetDefault("opstats.url", "127.0.0.1:6379")
	v.SetDefault("opstats.db", 0)
	v.SetDefault("opstats.hashrate_window", "5m")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.bind", "0.0.0.0:8080")
	v.SetDefault("api.stats_cache", "10s")
	v.SetDefault("api.cors_origins", []string{"*"})

	v.SetDefault("security.poll_failure_threshold", 6)
	v.SetDefault("security.poll_failure_window", "5m")
	v.SetDefault("security.recovery_threshold", 1)

	v.SetDefault("notify.enabled", false)

	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.bind", "127.0.0.1:6060")

	v.SetDefault("newrelic.enabled", false)
	v.SetDefault("newrelic.app_name", "tos-miner")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Network.URL == "" && len(c.Network.Upstreams) == 0 {
		return fmt.Errorf("network.url or network.upstreams is required")
	}

	if c.Mining.WorkerThreads < 1 || c.Mining.WorkerThreads > 32 {
		return fmt.Errorf("mining.worker_threads must be between 1 and 32")
	}

	if c.Mining.BatchSize < 50 || c.Mining.BatchSize > 1000 {
		return fmt.Errorf("mining.batch_size must be between 50 and 1000")
	}

	if c.Mining.MaxSubmissionFailures < 1 {
		return fmt.Errorf("mining.max_submission_failures must be positive")
	}

	if c.Mining.DevFeeEnabled && c.Mining.DevFeeRatio < 1 {
		return fmt.Errorf("mining.dev_fee_ratio must be >= 1 when dev_fee_enabled")
	}

	if c.Wallet.URL == "" {
		return fmt.Errorf("wallet.url is required")
	}

	if c.Mining.DevFeeEnabled && c.DevFee.URL == "" {
		return fmt.Errorf("dev_fee.url is required when dev_fee_enabled")
	}

	if c.Ledger.Path == "" {
		return fmt.Errorf("ledger.path is required")
	}

	return nil
}
