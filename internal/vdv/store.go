package vdv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"vdv-gtfsrt-matcher/internal/cache"
	"vdv-gtfsrt-matcher/internal/failure"
)

const DefaultTTL = 32 * time.Hour

// Storage layout: one Redis hash per trip "instance", at
// <version>:vdv:<Betriebstag>:<FahrtBezeichner>, with the fields
//   - ref_aus_soll: the REF-AUS SollFahrt
//   - aus_komplett: the Komplettfahrt=true AUS IstFahrt
//   - aus_partial:<HaltID>:<dep|arr>:<unix time>: a PartialIstHalt
var KeyPrefix = cache.Prefix + "vdv:"

const (
	fieldSollFahrt     = "ref_aus_soll"
	fieldKomplettfahrt = "aus_komplett"
	fieldPartial       = "aus_partial"
)

var ErrNoFahrtID = errors.New("missing FahrtID.FahrtBezeichner or FahrtID.Betriebstag")

// Store persists VDV messages in Redis. Every write resets the expiry of the
// trip's hash, so fragments live until no message arrived for TTL.
type Store struct {
	rdb redis.UniversalClient
	ttl time.Duration
	log zerolog.Logger
}

func NewStore(rdb redis.UniversalClient, ttl time.Duration, log zerolog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{rdb: rdb, ttl: ttl, log: log.With().Str("component", "vdv-store").Logger()}
}

func storageKey(f *Fahrt) (string, error) {
	key, ok := f.Key()
	if !ok {
		return "", failure.New(failure.InvalidInput, "vdv store", ErrNoFahrtID)
	}
	return KeyPrefix + key, nil
}

func (s *Store) StoreSollFahrt(ctx context.Context, f *Fahrt) error {
	if len(f.SollHalts) == 0 {
		return failure.Newf(failure.InvalidInput, "vdv store", "SollFahrt without SollHalts")
	}
	if err := checkTimes("SollHalts", f.SollHalts); err != nil {
		return err
	}
	return s.storeWhole(ctx, f, fieldSollFahrt)
}

// StoreKomplettIstFahrt stores an IstFahrt flagged Komplettfahrt=true,
// replacing the previously stored one.
func (s *Store) StoreKomplettIstFahrt(ctx context.Context, f *Fahrt) error {
	if !f.IsKomplettfahrt() {
		return failure.Newf(failure.InvalidInput, "vdv store", "IstFahrt is not a Komplettfahrt")
	}
	if len(f.IstHalts) == 0 {
		return failure.Newf(failure.InvalidInput, "vdv store", "IstFahrt without IstHalts")
	}
	if err := checkTimes("IstHalts", f.IstHalts); err != nil {
		return err
	}
	return s.storeWhole(ctx, f, fieldKomplettfahrt)
}

// StoreIstFahrt stores a Komplettfahrt as a whole, and any other IstFahrt
// as one PartialIstHalt per IstHalt.
func (s *Store) StoreIstFahrt(ctx context.Context, f *Fahrt) error {
	if f.IsKomplettfahrt() {
		return s.StoreKomplettIstFahrt(ctx, f)
	}
	if len(f.IstHalts) == 0 {
		return failure.Newf(failure.InvalidInput, "vdv store", "IstFahrt without IstHalts")
	}
	if err := checkTimes("IstHalts", f.IstHalts); err != nil {
		return err
	}
	key, err := storageKey(f)
	if err != nil {
		return err
	}

	sparse := f.sparse()
	fields := make([]any, 0, 2*len(f.IstHalts))
	for i, h := range f.IstHalts {
		field, err := partialField(&h)
		if err != nil {
			return failure.Newf(failure.InvalidInput, "vdv store", "IstHalts[%d]: %v", i, err)
		}
		b, err := json.Marshal(PartialIstHalt{Halt: h, IstFahrt: sparse})
		if err != nil {
			return fmt.Errorf("encode partial IstFahrt: %w", err)
		}
		fields = append(fields, field, b)
	}
	return s.write(ctx, key, fields)
}

// checkTimes rejects halts with unparsable times. Once stored, such a halt
// would fail every later merge of its trip.
func checkTimes(field string, halts []Halt) error {
	for i := range halts {
		h := &halts[i]
		for _, t := range []struct{ name, iso string }{
			{"Abfahrtszeit", h.Abfahrtszeit},
			{"IstAbfahrtPrognose", h.IstAbfahrtPrognose},
			{"Ankunftszeit", h.Ankunftszeit},
			{"IstAnkunftPrognose", h.IstAnkunftPrognose},
		} {
			if _, ok := parseTime(t.iso); t.iso != "" && !ok {
				return failure.Newf(failure.InvalidInput, "vdv store", "%s[%d].%s: invalid time %q", field, i, t.name, t.iso)
			}
		}
	}
	return nil
}

// partialField derives the hash field of a PartialIstHalt from its HaltID
// and its departure, or arrival if it has no departure.
func partialField(h *Halt) (string, error) {
	if h.HaltID == "" {
		return "", errors.New("missing HaltID")
	}
	kind, when := "dep", h.Abfahrtszeit
	if when == "" {
		kind, when = "arr", h.Ankunftszeit
	}
	if when == "" {
		return "", errors.New("neither Abfahrtszeit nor Ankunftszeit")
	}
	t, ok := unixTime(when)
	if !ok {
		return "", fmt.Errorf("invalid time %q", when)
	}
	return strings.Join([]string{fieldPartial, h.HaltID, kind, strconv.FormatInt(t, 10)}, ":"), nil
}

func (s *Store) storeWhole(ctx context.Context, f *Fahrt, field string) error {
	key, err := storageKey(f)
	if err != nil {
		return err
	}
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s: %w", field, err)
	}
	return s.write(ctx, key, []any{field, b})
}

// write sets hash fields and resets the key's expiry atomically.
func (s *Store) write(ctx context.Context, key string, fields []any) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, fields...)
		p.PExpire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return failure.New(failure.Infrastructure, "vdv store", fmt.Errorf("write %s: %w", key, err))
	}
	s.log.Trace().Str("key", key).Int("fields", len(fields)/2).Msg("stored VDV fragments")
	return nil
}

// Load reads all fragments stored for the trip "instance" of f.
func (s *Store) Load(ctx context.Context, f *Fahrt) (*Fragments, error) {
	key, err := storageKey(f)
	if err != nil {
		return nil, err
	}
	hash, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, failure.New(failure.Infrastructure, "vdv load", fmt.Errorf("read %s: %w", key, err))
	}

	names := make([]string, 0, len(hash))
	for name := range hash {
		names = append(names, name)
	}
	// HGETALL order is unspecified, keep partials deterministic before the stable sort in Merge.
	sort.Strings(names)

	fr := &Fragments{}
	for _, name := range names {
		raw := []byte(hash[name])
		kind, _, _ := strings.Cut(name, ":")
		switch kind {
		case fieldSollFahrt:
			var soll Fahrt
			if err := json.Unmarshal(raw, &soll); err != nil {
				return nil, failure.New(failure.Invariant, "vdv load", fmt.Errorf("decode %s: %w", name, err))
			}
			fr.SollFahrt = &soll
		case fieldKomplettfahrt:
			var k Fahrt
			if err := json.Unmarshal(raw, &k); err != nil {
				return nil, failure.New(failure.Invariant, "vdv load", fmt.Errorf("decode %s: %w", name, err))
			}
			fr.Komplettfahrt = &k
		case fieldPartial:
			var p PartialIstHalt
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, failure.New(failure.Invariant, "vdv load", fmt.Errorf("decode %s: %w", name, err))
			}
			fr.Partials = append(fr.Partials, p)
		default:
			s.log.Warn().Str("key", key).Str("field", name).Msg("ignoring unknown VDV storage field")
		}
	}
	return fr, nil
}

// MergeEquivalent loads all fragments of the trip "instance" of f, which
// is expected to have been stored already, and merges them.
func (s *Store) MergeEquivalent(ctx context.Context, f *Fahrt) (*MergeResult, error) {
	fr, err := s.Load(ctx, f)
	if err != nil {
		return nil, err
	}
	res, err := Merge(fr)
	if err != nil {
		return nil, err
	}
	s.log.Trace().
		Str("fahrtId", f.FahrtID.FahrtBezeichner).
		Bool("hasSollFahrt", res.HasSollFahrt).
		Bool("hasKomplettfahrt", res.HasKomplettfahrt).
		Int("partials", len(fr.Partials)).
		Msg("merged VDV fragments")
	return res, nil
}
