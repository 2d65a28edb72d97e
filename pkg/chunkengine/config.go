package chunkengine

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds the recognized configuration keys for the engine.
type Config struct {
	RetentionDays                int     `mapstructure:"retention_days"`
	ChunkSizeMB                  int     `mapstructure:"chunk_size_mb"`
	RSDataShards                  int     `mapstructure:"rs_k"`
	RSParityShards                int     `mapstructure:"rs_m"`
	LRCGroupSize                  int     `mapstructure:"lrc_group_size"`
	RPCTimeoutSeconds             int     `mapstructure:"rpc_timeout_seconds"`
	MaxConnectionRetries          int     `mapstructure:"max_connection_retries"`
	ConnectionRetryDelaySeconds   int     `mapstructure:"connection_retry_delay_seconds"`
	MaxMessageSize                int     `mapstructure:"max_message_size"`
	MinReliabilityScore           float64 `mapstructure:"min_reliability_score"`
	MaxReplicationRetries         int     `mapstructure:"max_retries"`
	ReplicationBatchSize          int     `mapstructure:"batch_size"`
	CleanupIntervalHours          int     `mapstructure:"cleanup_interval_hours"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		RetentionDays:               30,
		ChunkSizeMB:                 10,
		RSDataShards:                6,
		RSParityShards:              4,
		LRCGroupSize:                2,
		RPCTimeoutSeconds:           30,
		MaxConnectionRetries:        3,
		ConnectionRetryDelaySeconds: 5,
		MaxMessageSize:              10 * 1024 * 1024,
		MinReliabilityScore:         0.5,
		MaxReplicationRetries:       3,
		ReplicationBatchSize:        10,
		CleanupIntervalHours:        6,
	}
}

// LoadConfig reads configuration from the given file path (if non-empty),
// environment variables prefixed CHUNKENGINE_, and falls back to
// DefaultConfig for anything unset. Callers may still override individual
// fields after loading, so flag-based CLIs can layer on top.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetEnvPrefix("CHUNKENGINE")
	v.AutomaticEnv()

	v.SetDefault("retention_days", cfg.RetentionDays)
	v.SetDefault("chunk_size_mb", cfg.ChunkSizeMB)
	v.SetDefault("rs_k", cfg.RSDataShards)
	v.SetDefault("rs_m", cfg.RSParityShards)
	v.SetDefault("lrc_group_size", cfg.LRCGroupSize)
	v.SetDefault("rpc_timeout_seconds", cfg.RPCTimeoutSeconds)
	v.SetDefault("max_connection_retries", cfg.MaxConnectionRetries)
	v.SetDefault("connection_retry_delay_seconds", cfg.ConnectionRetryDelaySeconds)
	v.SetDefault("max_message_size", cfg.MaxMessageSize)
	v.SetDefault("min_reliability_score", cfg.MinReliabilityScore)
	v.SetDefault("max_retries", cfg.MaxReplicationRetries)
	v.SetDefault("batch_size", cfg.ReplicationBatchSize)
	v.SetDefault("cleanup_interval_hours", cfg.CleanupIntervalHours)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, &ConfigurationError{Key: path, Reason: err.Error()}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, &ConfigurationError{Key: "unmarshal", Reason: err.Error()}
	}

	if cfg.RSDataShards+cfg.RSParityShards > 255 {
		return cfg, &ConfigurationError{Key: "rs_k+rs_m", Reason: "must not exceed 255"}
	}
	if cfg.RSDataShards <= 0 || cfg.RSParityShards < 0 {
		return cfg, &ConfigurationError{Key: "rs_k/rs_m", Reason: "rs_k must be positive, rs_m non-negative"}
	}
	if cfg.LRCGroupSize <= 0 {
		return cfg, &ConfigurationError{Key: "lrc_group_size", Reason: "must be positive"}
	}

	return cfg, nil
}

// RetentionWindow returns the configured retention as a time.Duration.
func (c Config) RetentionWindow() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// CleanupInterval returns the configured GC interval as a time.Duration.
func (c Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalHours) * time.Hour
}

// RPCTimeout returns the configured base RPC timeout as a time.Duration.
func (c Config) RPCTimeout() time.Duration {
	return time.Duration(c.RPCTimeoutSeconds) * time.Second
}

// ConnectionRetryDelay returns the configured base backoff as a time.Duration.
func (c Config) ConnectionRetryDelay() time.Duration {
	return time.Duration(c.ConnectionRetryDelaySeconds) * time.Second
}
