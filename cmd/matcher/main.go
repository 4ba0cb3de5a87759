package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"vdv-gtfsrt-matcher/internal/cache"
	"vdv-gtfsrt-matcher/internal/config"
	"vdv-gtfsrt-matcher/internal/db"
	"vdv-gtfsrt-matcher/internal/gtfsrt"
	"vdv-gtfsrt-matcher/internal/match"
	"vdv-gtfsrt-matcher/internal/metrics"
	"vdv-gtfsrt-matcher/internal/pipeline"
	"vdv-gtfsrt-matcher/internal/publisher"
	"vdv-gtfsrt-matcher/internal/vdv"
)

func main() {
	app := &cli.App{
		Name:  "vdv-gtfsrt-matcher",
		Usage: "match VDV-454 IstFahrts with a GTFS Schedule and publish GTFS-RT TripUpdates",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "YAML file with configuration keys, overridden by the environment",
				EnvVars: []string{"CONFIG_FILE"},
			},
		},
		Before: func(c *cli.Context) error {
			if path := c.String("config"); path != "" {
				return os.Setenv("CONFIG_FILE", path)
			}
			return nil
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "consume VDV messages from NATS and publish matched TripUpdates",
				Action: serve,
			},
			{
				Name:      "match",
				Usage:     "match a single IstFahrt JSON file and print the TripUpdate",
				ArgsUsage: "<file>",
				Action:    matchFile,
			},
			{
				Name:   "warm-station-weights",
				Usage:  "write all station weights into the cache",
				Action: warmStationWeights,
			},
			{
				Name:      "cache-dump",
				Usage:     "print cache entries whose key starts with the prefix, e.g. match: or station-weight:",
				ArgsUsage: "<prefix>",
				Action:    cacheDump,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if cfg.LogPretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Str("service", "vdv-gtfsrt-matcher").Logger()
}

// env holds the connections shared by all commands.
type env struct {
	cfg      *config.Config
	log      zerolog.Logger
	metrics  *metrics.Collector
	sqlDB    *sql.DB
	rdb      *redis.Client
	schedule *db.Schedule
	weights  *match.StationWeights
	matcher  *match.Matcher
	closers  []func() error
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i]()
	}
}

func setup(ctx context.Context, withMetrics bool) (*env, error) {
	// Load configuration from .env, CONFIG_FILE and environment
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	e := &env{cfg: cfg, log: newLogger(cfg)}
	if withMetrics && cfg.MetricsAddr != "" {
		e.metrics = metrics.NewCollector(cfg.MatchingConcurrency)
	}

	if err := e.openDB(ctx); err != nil {
		e.Close()
		return nil, err
	}

	e.rdb, err = cache.Connect(ctx, cfg.RedisURL)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.closers = append(e.closers, e.rdb.Close)

	e.schedule = db.NewSchedule(e.sqlDB)
	e.weights = match.NewStationWeights(e.schedule, e.newCache("station-weight", match.StationWeightCachePrefix, cfg.StationWeightTTL), e.log)
	e.matcher = match.NewMatcher(
		e.schedule,
		e.weights,
		e.newCache("match", match.MatchCachePrefix, cfg.MatchCacheTTL),
		match.Options{Anchors: match.AnchorOptions{WindowSize: cfg.AnchorWindowSize, SnapRange: cfg.AnchorSnapRange}},
		e.log,
	)
	return e, nil
}

// openDB connects to the schedule database. With GTFS_IMPORT_NAME set, it is
// the latest successful import of that name, looked up in the cluster's meta
// database.
func (e *env) openDB(ctx context.Context) error {
	dsn := e.cfg.DatabaseURL
	if e.cfg.GTFSImportName != "" {
		rootDSN, err := db.WithDBName(dsn, "postgres")
		if err != nil {
			return fmt.Errorf("invalid base DSN: %w", err)
		}
		metaDB, err := db.Open(rootDSN, 1)
		if err != nil {
			return fmt.Errorf("db open (meta): %w", err)
		}
		defer metaDB.Close()
		if err := db.Ping(ctx, metaDB); err != nil {
			return fmt.Errorf("db ping (meta): %w", err)
		}
		name, err := db.ResolveLatestImportDBName(ctx, metaDB, e.cfg.GTFSImportName)
		if err != nil {
			return fmt.Errorf("resolve latest import %q: %w", e.cfg.GTFSImportName, err)
		}
		if dsn, err = db.WithDBName(dsn, name); err != nil {
			return fmt.Errorf("compose DSN: %w", err)
		}
		e.log.Info().Str("db", name).Str("importName", e.cfg.GTFSImportName).Msg("using latest GTFS import")
	}

	sqlDB, err := db.Open(dsn, e.cfg.DBPoolSize)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	e.sqlDB = sqlDB
	e.closers = append(e.closers, sqlDB.Close)
	if err := db.Ping(ctx, sqlDB); err != nil {
		return fmt.Errorf("db ping %s: %w", db.Redact(dsn), err)
	}
	if err := db.CheckSchema(ctx, sqlDB, "public"); err != nil {
		return err
	}
	name, _ := db.DBName(dsn)
	e.log.Info().Str("db", name).Int("poolSize", e.cfg.DBPoolSize).Msg("connected to schedule database")
	return nil
}

func (e *env) newCache(name, prefix string, ttl time.Duration) *cache.Cache {
	opt := cache.Options{
		Name:      name,
		Prefix:    prefix,
		TTL:       ttl,
		NoCaching: !e.cfg.MatchCaching,
	}
	if e.metrics != nil {
		opt.Metrics = e.metrics
	}
	return cache.New(e.rdb, opt)
}

func serve(c *cli.Context) error {
	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	e, err := setup(ctx, true)
	if err != nil {
		return err
	}
	defer e.Close()
	cfg, log := e.cfg, e.log

	format, err := gtfsrt.ParseFormat(cfg.PublishFormat)
	if err != nil {
		return err
	}

	pm := wrapPublisherMetrics(e.metrics)
	nc, err := publisher.Connect(publisher.ConnectOptions{
		URL:        cfg.NATSURL,
		User:       cfg.NATSUser,
		Password:   cfg.NATSPassword,
		ClientName: cfg.NATSClientName,
	}, pm, log)
	if err != nil {
		return err
	}
	defer nc.Close()
	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("jetstream: %w", err)
	}

	consumers, err := pipeline.Setup(ctx, js, pipeline.ConsumerOptions{
		IstFahrtDurable:  cfg.IstFahrtDurable,
		SollFahrtDurable: cfg.SollFahrtDurable,
		AckWait:          pipeline.DefaultAckWait,
		MaxAckPending:    4 * cfg.MatchingConcurrency,
	}, log)
	if err != nil {
		return err
	}

	// Metrics and health
	if e.metrics != nil {
		srv := e.metrics.Serve(cfg.MetricsAddr, e.healthCheck(nc), log)
		defer func() {
			// Shutdown with timeout
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	pub := publisher.NewTripUpdatePublisher(js, format, cfg.LogNATSSubjects, pm, log)
	store := vdv.NewStore(e.rdb, cfg.VDVStorageTTL, log)
	p := pipeline.New(store, e.matcher, pub, e.metrics, pipeline.Options{
		Concurrency:       cfg.MatchingConcurrency,
		KeepaliveInterval: pipeline.DefaultAckWait / 3,
	}, log)

	deliveries := make(chan pipeline.Delivery)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pipeline.Consume(gctx, consumers.IstFahrt, pipeline.IstFahrt, cfg.MatchingConcurrency, deliveries, log)
	})
	g.Go(func() error {
		return pipeline.Consume(gctx, consumers.SollFahrt, pipeline.SollFahrt, cfg.MatchingConcurrency, deliveries, log)
	})
	g.Go(func() error {
		return p.Run(gctx, deliveries)
	})
	log.Info().Int("concurrency", cfg.MatchingConcurrency).Str("format", format.String()).Msg("matching VDV messages")

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("shutdown complete")
	return nil
}

func (e *env) healthCheck(nc *nats.Conn) metrics.HealthCheck {
	return func(ctx context.Context) error {
		if err := db.Ping(ctx, e.sqlDB); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		if err := e.rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		if !nc.IsConnected() {
			return errors.New("nats: not connected")
		}
		return nil
	}
}

func matchFile(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: match <file>", 2)
	}
	b, err := os.ReadFile(c.Args().First())
	if err != nil {
		return err
	}
	var f vdv.Fahrt
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("decode IstFahrt: %w", err)
	}

	ctx := c.Context
	e, err := setup(ctx, false)
	if err != nil {
		return err
	}
	defer e.Close()

	rt, err := vdv.FormatTripUpdate(&f)
	if err != nil {
		return err
	}
	t0 := time.Now()
	res, err := e.matcher.Match(ctx, rt)
	if err != nil {
		return err
	}
	matchingTime := time.Since(t0)

	out, err := gtfsrt.Encode(res.TripUpdate, gtfsrt.ProtoText)
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if !res.Matched {
		color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, "not matched: %s", res.Outcome)
		fmt.Fprintf(os.Stderr, " (%s)\n", matchingTime.Round(time.Millisecond))
		return cli.Exit("", 3)
	}
	color.New(color.FgGreen, color.Bold).Fprintf(os.Stderr, "matched trip %s", res.TripUpdate.Trip.TripID)
	fmt.Fprintf(os.Stderr, " (%s, cached: %t)\n", matchingTime.Round(time.Millisecond), res.Cached)
	return nil
}

func warmStationWeights(c *cli.Context) error {
	ctx := c.Context
	e, err := setup(ctx, false)
	if err != nil {
		return err
	}
	defer e.Close()

	t0 := time.Now()
	rows, err := e.schedule.AllStationWeights(ctx)
	if err != nil {
		return err
	}
	n, err := match.WarmStationWeights(ctx, e.newCache("station-weight", match.StationWeightCachePrefix, e.cfg.StationWeightTTL), rows)
	if err != nil {
		return err
	}
	e.log.Info().Int("rows", len(rows)).Int("stations", n).Dur("took", time.Since(t0)).Msg("warmed station weights cache")
	return nil
}

func cacheDump(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: cache-dump <prefix>", 2)
	}
	ctx := c.Context
	e, err := setup(ctx, false)
	if err != nil {
		return err
	}
	defer e.Close()

	entries, err := e.newCache("dump", "", 0).GetMany(ctx, c.Args().First())
	if errors.Is(err, cache.ErrTooManyKeys) {
		return cli.Exit(fmt.Sprintf("more than %d keys, use a longer prefix", cache.MaxScan), 2)
	}
	if err != nil {
		return err
	}
	key := color.New(color.FgCyan)
	for _, en := range entries {
		key.Print(en.Key)
		fmt.Printf("\t%s\n", en.Value)
	}
	return nil
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}
