// Package config loads the ingestor's configuration via viper onto a typed
// Config struct.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ConfigError wraps a load/validation failure.
type ConfigError struct {
	Key string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Key, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Config holds every tunable the ingestor reads at startup.
type Config struct {
	Upstream struct {
		Endpoint   string `mapstructure:"endpoint"`
		Token      string `mapstructure:"token"`
		Commitment string `mapstructure:"commitment"`
	} `mapstructure:"upstream"`

	Programs struct {
		BondingCurve string `mapstructure:"bonding_curve"`
		AmmPool      string `mapstructure:"amm_pool"`
	} `mapstructure:"programs"`

	Monitor struct {
		SaveAllTokens      bool    `mapstructure:"save_all_tokens"`
		BCSaveThresholdUSD  float64 `mapstructure:"bc_save_threshold_usd"`
		AMMSaveThresholdUSD float64 `mapstructure:"amm_save_threshold_usd"`
	} `mapstructure:"monitor"`

	Supervisor struct {
		FailureThreshold     int `mapstructure:"failure_threshold"`
		RecoveryTimeoutMS    int `mapstructure:"recovery_timeout_ms"`
		HalfOpenRequests     int `mapstructure:"half_open_requests"`
		MonitoringWindowMS   int `mapstructure:"monitoring_window_ms"`
		CheckpointIntervalMS int `mapstructure:"checkpoint_interval_ms"`
		MaxRecoveryAttempts  int `mapstructure:"max_recovery_attempts"`
		RecoveryBackoffMS    int `mapstructure:"recovery_backoff_ms"`
	} `mapstructure:"supervisor"`

	Batcher struct {
		MinBatch     int `mapstructure:"min_batch"`
		MaxBatch     int `mapstructure:"max_batch"`
		BatchTimeoutMS int `mapstructure:"batch_timeout_ms"`
		MaxQueueSize int `mapstructure:"max_queue_size"`
	} `mapstructure:"batcher"`

	Cache struct {
		MaxBytes              int64  `mapstructure:"max_bytes"`
		DefaultTTLMS          int    `mapstructure:"default_ttl_ms"`
		CompressionThreshold  int    `mapstructure:"compression_threshold"`
		EvictionPolicy        string `mapstructure:"eviction_policy"`
	} `mapstructure:"cache"`

	Oracle struct {
		Endpoint       string `mapstructure:"endpoint"`
		PollIntervalMS int    `mapstructure:"poll_interval_ms"`
		TimeoutMS      int    `mapstructure:"timeout_ms"`
		FallbackUSD    float64 `mapstructure:"fallback_usd"`
	} `mapstructure:"oracle"`

	Persistence struct {
		ConnectionString string `mapstructure:"connection_string"`
		PoolSize         int    `mapstructure:"pool_size"`
	} `mapstructure:"persistence"`

	Reconciler struct {
		PollIntervalMS int `mapstructure:"poll_interval_ms"`
	} `mapstructure:"reconciler"`
}

// Load reads configuration from the defaults set by applyDefaults, the file
// at path (if non-empty), and environment variables prefixed INGESTOR_
// (nested keys joined by "_"), in that ascending precedence order. An
// environment variable is only read for a key that also has a default or
// appears in the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	applyDefaults(v)
	v.SetEnvPrefix("INGESTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, &ConfigError{Key: path, Err: err}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &ConfigError{Key: "unmarshal", Err: err}
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("upstream.commitment", "confirmed")
	v.SetDefault("monitor.save_all_tokens", false)
	v.SetDefault("supervisor.failure_threshold", 5)
	v.SetDefault("supervisor.recovery_timeout_ms", 30_000)
	v.SetDefault("supervisor.half_open_requests", 3)
	v.SetDefault("supervisor.monitoring_window_ms", 60_000)
	v.SetDefault("supervisor.checkpoint_interval_ms", 10_000)
	v.SetDefault("supervisor.max_recovery_attempts", 10)
	v.SetDefault("supervisor.recovery_backoff_ms", 1_000)
	v.SetDefault("batcher.min_batch", 10)
	v.SetDefault("batcher.max_batch", 500)
	v.SetDefault("batcher.batch_timeout_ms", 1_000)
	v.SetDefault("batcher.max_queue_size", 50_000)
	v.SetDefault("cache.max_bytes", 256*1024*1024)
	v.SetDefault("cache.default_ttl_ms", 60_000)
	v.SetDefault("cache.compression_threshold", 1024)
	v.SetDefault("cache.eviction_policy", "lru")
	v.SetDefault("oracle.poll_interval_ms", 30_000)
	v.SetDefault("oracle.timeout_ms", 5_000)
	v.SetDefault("oracle.fallback_usd", 150.0)
	v.SetDefault("persistence.pool_size", 10)
	v.SetDefault("reconciler.poll_interval_ms", 60_000)
}

func validate(cfg *Config) error {
	if cfg.Upstream.Endpoint == "" {
		return &ConfigError{Key: "upstream.endpoint", Err: fmt.Errorf("required")}
	}
	if cfg.Programs.BondingCurve == "" {
		return &ConfigError{Key: "programs.bonding_curve", Err: fmt.Errorf("required")}
	}
	if cfg.Programs.AmmPool == "" {
		return &ConfigError{Key: "programs.amm_pool", Err: fmt.Errorf("required")}
	}
	if cfg.Persistence.ConnectionString == "" {
		return &ConfigError{Key: "persistence.connection_string", Err: fmt.Errorf("required")}
	}
	return nil
}

// Millis converts a millisecond integer config field to a time.Duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
