package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DatabaseURL    string `validate:"required"`
	DBPoolSize     int    `validate:"min=1"`
	GTFSImportName string

	RedisURL string `validate:"required,url"`

	NATSURL             string `validate:"required"`
	NATSUser            string
	NATSPassword        string
	NATSClientName      string `validate:"required"`
	IstFahrtDurable     string `validate:"required"`
	SollFahrtDurable    string `validate:"required"`
	PublishFormat       string `validate:"oneof=protojson protobuf prototext"`
	LogNATSSubjects     bool
	MatchingConcurrency int `validate:"min=1"`

	VDVStorageTTL    time.Duration `validate:"gt=0"`
	MatchCacheTTL    time.Duration `validate:"gt=0"`
	StationWeightTTL time.Duration `validate:"gt=0"`
	MatchCaching     bool

	AnchorWindowSize int `validate:"min=1"`
	AnchorSnapRange  int `validate:"min=0"`

	MetricsAddr string
	LogLevel    string `validate:"oneof=trace debug info warn error"`
	LogPretty   bool
}

// env looks up keys in the environment, then in the CONFIG_FILE values.
type env struct {
	file map[string]string
}

func (e env) get(k string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return e.file[k]
}

func (e env) getDefault(k, def string) string {
	if v := e.get(k); v != "" {
		return v
	}
	return def
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	e := env{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		file, err := readFile(path)
		if err != nil {
			return nil, err
		}
		e.file = file
	}

	cfg := &Config{}

	// Database URL (cluster DSN): prefer DATABASE_URL / PG_DSN, else build from PG* vars
	dsn := firstNonEmpty(e.get("DATABASE_URL"), e.get("PG_DSN"))
	if dsn == "" {
		host := e.getDefault("PGHOST", "127.0.0.1")
		port := e.getDefault("PGPORT", "5432")
		user := e.getDefault("PGUSER", "postgres")
		pass := e.get("PGPASSWORD")
		db := e.get("PGDATABASE")
		// The import's database is resolved via the meta database.
		if db == "" && e.get("GTFS_IMPORT_NAME") != "" {
			db = "postgres"
		}
		if db == "" {
			return nil, errors.New("PGDATABASE or DATABASE_URL must be set (set PGDATABASE=postgres when using GTFS_IMPORT_NAME)")
		}
		sslmode := e.getDefault("PGSSLMODE", "disable")
		if pass != "" {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	} else {
		cfg.DatabaseURL = dsn
	}
	cfg.GTFSImportName = e.get("GTFS_IMPORT_NAME")

	var err error
	if cfg.DBPoolSize, err = intVar(e, "PG_POOL_SIZE", 30); err != nil {
		return nil, err
	}

	cfg.RedisURL = e.getDefault("REDIS_URL", "redis://localhost:6379/0")

	cfg.NATSURL = e.getDefault("NATS_URL", "nats://127.0.0.1:4222")
	cfg.NATSUser = e.get("NATS_USER")
	cfg.NATSPassword = e.get("NATS_PASSWORD")
	cfg.NATSClientName = e.getDefault("NATS_CLIENT_NAME", "gtfs-rt-1-"+randomSuffix())
	cfg.IstFahrtDurable = e.getDefault("MATCHING_CONSUMER_DURABLE_NAME", "AUS_ISTFAHRT_1_"+randomSuffix())
	cfg.SollFahrtDurable = e.getDefault("SOLLFAHRT_CONSUMER_DURABLE_NAME", "REF_AUS_SOLLFAHRT_1_"+randomSuffix())
	cfg.PublishFormat = strings.ToLower(e.getDefault("PUBLISH_FORMAT", "protojson"))
	cfg.LogNATSSubjects = boolVar(e, "LOG_NATS_SUBJECTS", false)

	if cfg.MatchingConcurrency, err = intVar(e, "MATCHING_CONCURRENCY", runtime.NumCPU()+1); err != nil {
		return nil, err
	}

	if cfg.VDVStorageTTL, err = secondsVar(e, "VDV_STORAGE_TTL", 32*time.Hour); err != nil {
		return nil, err
	}
	if cfg.MatchCacheTTL, err = secondsVar(e, "MATCHING_CACHING_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.StationWeightTTL, err = secondsVar(e, "STATION_WEIGHT_CACHING_TTL", 7*24*time.Hour); err != nil {
		return nil, err
	}
	cfg.MatchCaching = boolVar(e, "MATCHING_CACHING", true)

	if cfg.AnchorWindowSize, err = intVar(e, "ANCHOR_WINDOW_SIZE", 3); err != nil {
		return nil, err
	}
	if cfg.AnchorSnapRange, err = intVar(e, "ANCHOR_SNAP_RANGE", 5); err != nil {
		return nil, err
	}

	// Metrics listen address (e.g., ":9102"). Empty disables the ops server.
	cfg.MetricsAddr = e.get("METRICS_ADDR")
	cfg.LogLevel = strings.ToLower(e.getDefault("LOG_LEVEL", "info"))
	cfg.LogPretty = boolVar(e, "LOG_PRETTY", false)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// readFile reads a flat YAML mapping of the environment variable names to
// values.
func readFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CONFIG_FILE: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse CONFIG_FILE %s: %w", path, err)
	}
	file := make(map[string]string, len(raw))
	for k, v := range raw {
		switch v := v.(type) {
		case nil:
		case map[string]any, []any:
			return nil, fmt.Errorf("parse CONFIG_FILE %s: %s must be a scalar", path, k)
		default:
			file[k] = fmt.Sprint(v)
		}
	}
	return file, nil
}

func intVar(e env, k string, def int) (int, error) {
	v := e.get(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return n, nil
}

func secondsVar(e env, k string, def time.Duration) (time.Duration, error) {
	v := e.get(k)
	if v == "" {
		return def, nil
	}
	sec, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || sec <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return time.Duration(sec * float64(time.Second)), nil
}

func boolVar(e env, k string, def bool) bool {
	v := e.get(k)
	if v == "" {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
