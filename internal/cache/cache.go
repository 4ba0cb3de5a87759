// Package cache is a versioned, namespaced JSON cache on top of Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DataVersion is part of every key. Bumping it orphans entries written in an
// older format; they expire on their own.
const DataVersion = 1

// MaxScan bounds GetMany.
const MaxScan = 100

var Prefix = strconv.Itoa(DataVersion) + ":"

var ErrTooManyKeys = errors.New("too many matching keys")

type Metrics interface {
	CacheRequest(cache string, hit bool)
}

type Options struct {
	// Name labels metrics and logs, e.g. "match".
	Name string
	// Prefix is appended to the version prefix, e.g. "match" gives "1:match".
	Prefix    string
	TTL       time.Duration
	NoCaching bool
	Metrics   Metrics
}

type Cache struct {
	rdb       redis.UniversalClient
	name      string
	prefix    string
	ttl       time.Duration
	noCaching bool
	metrics   Metrics
}

func New(rdb redis.UniversalClient, opt Options) *Cache {
	ttl := opt.TTL
	if ttl <= 0 {
		ttl = 5 * time.Hour
	}
	return &Cache{
		rdb:       rdb,
		name:      opt.Name,
		prefix:    Prefix + opt.Prefix,
		ttl:       ttl,
		noCaching: opt.NoCaching,
		metrics:   opt.Metrics,
	}
}

// Connect parses a redis:// URL and verifies the server is reachable.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func (c *Cache) key(k string) string { return c.prefix + k }

// Get decodes the entry for key into dst. Reading an entry refreshes its TTL.
// It reports false if there is no entry or caching is disabled. Entries that
// cannot be decoded are deleted and reported as missing.
func (c *Cache) Get(ctx context.Context, key string, dst any) (bool, error) {
	if c.noCaching {
		return false, nil
	}
	raw, err := c.rdb.GetEx(ctx, c.key(key), c.ttl).Bytes()
	if errors.Is(err, redis.Nil) {
		c.observe(false)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		if err := c.rdb.Del(ctx, c.key(key)).Err(); err != nil {
			return false, fmt.Errorf("cache delete undecodable %s: %w", key, err)
		}
		c.observe(false)
		return false, nil
	}
	c.observe(true)
	return true, nil
}

func (c *Cache) Put(ctx context.Context, key string, v any) error {
	if c.noCaching {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, c.key(key), b, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache put %s: %w", key, err)
	}
	return nil
}

type Entry struct {
	Key   string
	Value json.RawMessage
}

// GetMany returns all entries whose key starts with prefix, in scan order.
// It fails with ErrTooManyKeys instead of truncating when more than MaxScan
// keys match.
func (c *Cache) GetMany(ctx context.Context, prefix string) ([]Entry, error) {
	if c.noCaching {
		return nil, nil
	}
	pattern := globEscaper.Replace(c.key(prefix)) + "*"

	var keys []string
	iter := c.rdb.Scan(ctx, 0, pattern, MaxScan).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) > MaxScan {
			return nil, fmt.Errorf("cache scan %q: %w (more than %d)", prefix, ErrTooManyKeys, MaxScan)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("cache scan %q: %w", prefix, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("cache mget %q: %w", prefix, err)
	}
	entries := make([]Entry, 0, len(keys))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// expired between SCAN and MGET
			continue
		}
		entries = append(entries, Entry{
			Key:   strings.TrimPrefix(keys[i], c.prefix),
			Value: json.RawMessage(s),
		})
	}
	return entries, nil
}

// PutMany writes all entries in one round trip.
func (c *Cache) PutMany(ctx context.Context, entries map[string]any) error {
	if c.noCaching || len(entries) == 0 {
		return nil
	}
	_, err := c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for k, v := range entries {
			b, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("cache encode %s: %w", k, err)
			}
			p.Set(ctx, c.key(k), b, c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache put many: %w", err)
	}
	return nil
}

func (c *Cache) observe(hit bool) {
	if c.metrics != nil {
		c.metrics.CacheRequest(c.name, hit)
	}
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
