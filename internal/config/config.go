// Package config loads the daemon configuration: defaults, then an
// optional config file, then LEDGERD_ environment variables, validated
// as a whole.
package config

import (
	"fmt"
	"time"
)

// ServerConfig is the HTTP listener section.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig selects and tunes the ledger store.
type DatabaseConfig struct {
	// Driver is sqlite or postgres.
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// EngineConfig tunes the posting engine.
type EngineConfig struct {
	ReceiptCacheSize int           `mapstructure:"receipt_cache_size"`
	LockTTL          time.Duration `mapstructure:"lock_ttl"`
}

// ReconConfig tunes reconciliation.
type ReconConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Parallelism int           `mapstructure:"parallelism"`
}

// RepairConfig tunes the stale-record sweeper.
type RepairConfig struct {
	StaleCutoff   time.Duration `mapstructure:"stale_cutoff"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

// QueueConfig wires the AMQP consumer and publisher. Disabled by
// default; the daemon is complete without a broker.
type QueueConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
	Queue    string `mapstructure:"queue"`
	Prefetch int    `mapstructure:"prefetch"`
}

// RedisConfig enables distributed scope locks.
type RedisConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Addr    string        `mapstructure:"addr"`
	Lease   time.Duration `mapstructure:"lease"`
}

// ArchiveConfig wires the cold event archive.
type ArchiveConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Backend is pebble, leveldb, or memory.
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
	// Compression is none or lz4.
	Compression string `mapstructure:"compression"`
}

// LogConfig selects the logger shape.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the complete daemon configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Recon    ReconConfig    `mapstructure:"recon"`
	Repair   RepairConfig   `mapstructure:"repair"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Log      LogConfig      `mapstructure:"log"`
}

// Validate checks cross-field consistency. Defaults make the zero-file
// configuration valid.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver %q: want sqlite or postgres", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.Archive.Backend {
	case "memory", "pebble", "leveldb":
	default:
		return fmt.Errorf("archive.backend %q: want memory, pebble, or leveldb", c.Archive.Backend)
	}
	if c.Archive.Enabled && c.Archive.Backend != "memory" && c.Archive.Path == "" {
		return fmt.Errorf("archive.path is required for the %s backend", c.Archive.Backend)
	}
	switch c.Archive.Compression {
	case "none", "lz4":
	default:
		return fmt.Errorf("archive.compression %q: want none or lz4", c.Archive.Compression)
	}
	if c.Queue.Enabled && c.Queue.URL == "" {
		return fmt.Errorf("queue.url is required when the queue is enabled")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.Recon.Parallelism < 0 {
		return fmt.Errorf("recon.parallelism must not be negative")
	}
	return nil
}
