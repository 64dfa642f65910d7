package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LoadConfig builds the configuration in priority order: defaults, then
// the config file at path (optional; empty path skips the file), then
// LEDGERD_ environment variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("LEDGERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "ledgerd.db")
	v.SetDefault("database.max_open_conns", 16)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("engine.receipt_cache_size", 4096)
	v.SetDefault("engine.lock_ttl", 30*time.Second)

	v.SetDefault("recon.interval", 15*time.Minute)
	v.SetDefault("recon.parallelism", 4)

	v.SetDefault("repair.stale_cutoff", 5*time.Minute)
	v.SetDefault("repair.sweep_interval", time.Minute)
	v.SetDefault("repair.purge_interval", time.Hour)

	v.SetDefault("queue.enabled", false)
	v.SetDefault("queue.exchange", "ledgerd.events")
	v.SetDefault("queue.queue", "ledgerd.inbound")
	v.SetDefault("queue.prefetch", 32)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.lease", 30*time.Second)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.backend", "pebble")
	v.SetDefault("archive.compression", "lz4")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}
