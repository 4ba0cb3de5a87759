package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keys = []string{
	"CONFIG_FILE", "DATABASE_URL", "PG_DSN", "PGHOST", "PGPORT", "PGUSER", "PGPASSWORD", "PGDATABASE", "PGSSLMODE",
	"PG_POOL_SIZE", "GTFS_IMPORT_NAME", "REDIS_URL", "NATS_URL", "NATS_USER", "NATS_PASSWORD", "NATS_CLIENT_NAME",
	"MATCHING_CONSUMER_DURABLE_NAME", "SOLLFAHRT_CONSUMER_DURABLE_NAME", "PUBLISH_FORMAT", "LOG_NATS_SUBJECTS",
	"MATCHING_CONCURRENCY", "VDV_STORAGE_TTL", "MATCHING_CACHING_TTL", "STATION_WEIGHT_CACHING_TTL",
	"MATCHING_CACHING", "ANCHOR_WINDOW_SIZE", "ANCHOR_SNAP_RANGE", "METRICS_ADDR", "LOG_LEVEL", "LOG_PRETTY",
}

// clearEnv unsets all keys for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("PGDATABASE", "gtfs")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://postgres@127.0.0.1:5432/gtfs?sslmode=disable", cfg.DatabaseURL)
	assert.Equal(t, 30, cfg.DBPoolSize)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATSURL)
	assert.Regexp(t, `^gtfs-rt-1-[0-9a-f]{8}$`, cfg.NATSClientName)
	assert.Regexp(t, `^AUS_ISTFAHRT_1_[0-9a-f]{8}$`, cfg.IstFahrtDurable)
	assert.Regexp(t, `^REF_AUS_SOLLFAHRT_1_[0-9a-f]{8}$`, cfg.SollFahrtDurable)
	assert.Equal(t, "protojson", cfg.PublishFormat)
	assert.Equal(t, runtime.NumCPU()+1, cfg.MatchingConcurrency)
	assert.Equal(t, 32*time.Hour, cfg.VDVStorageTTL)
	assert.Equal(t, 24*time.Hour, cfg.MatchCacheTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.StationWeightTTL)
	assert.True(t, cfg.MatchCaching)
	assert.Equal(t, 3, cfg.AnchorWindowSize)
	assert.Equal(t, 5, cfg.AnchorSnapRange)
	assert.Empty(t, cfg.MetricsAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.LogPretty)
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("PGUSER", "matcher")
	t.Setenv("PGPASSWORD", "p@ss:word")
	t.Setenv("PGHOST", "db")
	t.Setenv("GTFS_IMPORT_NAME", "vbb")
	t.Setenv("NATS_URL", "nats://a:4222,nats://b:4222")
	t.Setenv("MATCHING_CONSUMER_DURABLE_NAME", "matcher")
	t.Setenv("PUBLISH_FORMAT", "ProtoBuf")
	t.Setenv("MATCHING_CACHING", "false")
	t.Setenv("MATCHING_CACHING_TTL", "90.5")
	t.Setenv("LOG_PRETTY", "yes")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://matcher:p%40ss%3Aword@db:5432/postgres?sslmode=disable", cfg.DatabaseURL)
	assert.Equal(t, "vbb", cfg.GTFSImportName)
	assert.Equal(t, "nats://a:4222,nats://b:4222", cfg.NATSURL)
	assert.Equal(t, "matcher", cfg.IstFahrtDurable)
	assert.Equal(t, "protobuf", cfg.PublishFormat)
	assert.False(t, cfg.MatchCaching)
	assert.Equal(t, 90500*time.Millisecond, cfg.MatchCacheTTL)
	assert.True(t, cfg.LogPretty)
}

func TestLoadConfigFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "matcher.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
DATABASE_URL: postgres://file@db/gtfs
MATCHING_CONCURRENCY: 4
ANCHOR_SNAP_RANGE: 0
LOG_NATS_SUBJECTS: true
LOG_LEVEL: debug
`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://file@db/gtfs", cfg.DatabaseURL)
	assert.Equal(t, 4, cfg.MatchingConcurrency)
	assert.Equal(t, 0, cfg.AnchorSnapRange)
	assert.True(t, cfg.LogNATSSubjects)
	// environment variables take precedence
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		env  map[string]string
		err  string
	}{
		{"no database", map[string]string{}, "PGDATABASE or DATABASE_URL must be set"},
		{"bad int", map[string]string{"PG_POOL_SIZE": "many"}, "invalid PG_POOL_SIZE"},
		{"bad ttl", map[string]string{"VDV_STORAGE_TTL": "-1"}, "invalid VDV_STORAGE_TTL"},
		{"zero concurrency", map[string]string{"MATCHING_CONCURRENCY": "0"}, "MatchingConcurrency"},
		{"bad format", map[string]string{"PUBLISH_FORMAT": "xml"}, "PublishFormat"},
		{"bad log level", map[string]string{"LOG_LEVEL": "verbose"}, "LogLevel"},
		{"bad redis url", map[string]string{"REDIS_URL": "localhost"}, "RedisURL"},
		{"missing file", map[string]string{"CONFIG_FILE": "/nonexistent/matcher.yaml"}, "read CONFIG_FILE"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			if tc.name != "no database" {
				t.Setenv("DATABASE_URL", "postgres://localhost/gtfs")
			}
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.ErrorContains(t, err, tc.err)
		})
	}
}

func TestReadFileRejectsNestedValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "matcher.yaml")
	require.NoError(t, os.WriteFile(path, []byte("NATS_URL:\n  - nats://a:4222\n"), 0o600))
	_, err := readFile(path)
	assert.ErrorContains(t, err, "NATS_URL must be a scalar")
}
