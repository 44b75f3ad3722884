package internal

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config carries every engine tunable. There are no process-wide flags;
// whether logging is enabled travels in here to the components that care.
type Config struct {
	Storage struct {
		PoolSize   int  `mapstructure:"pool_size"`
		BucketSize int  `mapstructure:"bucket_size"`
		DirectIO   bool `mapstructure:"direct_io"`
	} `mapstructure:"storage"`
	Log struct {
		Enabled    bool          `mapstructure:"enabled"`
		BufferSize int           `mapstructure:"buffer_size"`
		Timeout    time.Duration `mapstructure:"timeout"`
	} `mapstructure:"log"`
	Txn struct {
		Strict2PL bool `mapstructure:"strict_2pl"`
	} `mapstructure:"txn"`
}

// DefaultConfig is the configuration used when no file overrides anything:
// logging on, non-strict 2PL.
func DefaultConfig() Config {
	var cfg Config
	cfg.Storage.PoolSize = 128
	cfg.Storage.BucketSize = 64
	cfg.Log.Enabled = true
	cfg.Log.BufferSize = 64 * 1024
	cfg.Log.Timeout = time.Second
	return cfg
}

// LoadConfig reads a petradb yaml config file.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("storage.pool_size", 128)
	v.SetDefault("storage.bucket_size", 64)
	v.SetDefault("storage.direct_io", false)
	v.SetDefault("log.enabled", true)
	v.SetDefault("log.buffer_size", 64*1024)
	v.SetDefault("log.timeout", time.Second)
	v.SetDefault("txn.strict_2pl", false)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
