package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "ledgerd.db", cfg.Database.DSN)
	assert.Equal(t, 4096, cfg.Engine.ReceiptCacheSize)
	assert.Equal(t, 15*time.Minute, cfg.Recon.Interval)
	assert.Equal(t, 5*time.Minute, cfg.Repair.StaleCutoff)
	assert.False(t, cfg.Queue.Enabled)
	assert.False(t, cfg.Archive.Enabled)
	assert.Equal(t, "pebble", cfg.Archive.Backend)
	assert.Equal(t, "lz4", cfg.Archive.Compression)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestConfigFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledgerd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
addr = ":9090"

[database]
driver = "postgres"
dsn = "postgres://ledgerd@localhost/ledgerd?sslmode=disable"

[recon]
parallelism = 8

[log]
level = "debug"
format = "console"
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 8, cfg.Recon.Parallelism)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Untouched sections keep their defaults.
	assert.Equal(t, 32, cfg.Queue.Prefetch)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LEDGERD_SERVER_ADDR", ":7070")
	t.Setenv("LEDGERD_DATABASE_DSN", "/var/lib/ledgerd/ledger.db")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "/var/lib/ledgerd/ledger.db", cfg.Database.DSN)
}

func TestMissingFileFails(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := LoadConfig("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }, "database.driver"},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }, "database.dsn"},
		{"unknown backend", func(c *Config) { c.Archive.Backend = "rocks" }, "archive.backend"},
		{"archive without path", func(c *Config) { c.Archive.Enabled = true }, "archive.path"},
		{"unknown compression", func(c *Config) { c.Archive.Compression = "zstd" }, "archive.compression"},
		{"queue without url", func(c *Config) { c.Queue.Enabled = true }, "queue.url"},
		{"redis without addr", func(c *Config) { c.Redis.Enabled = true }, "redis.addr"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
