package match

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"vdv-gtfsrt-matcher/internal/cache"
	"vdv-gtfsrt-matcher/internal/failure"
	"vdv-gtfsrt-matcher/internal/gtfs"
	"vdv-gtfsrt-matcher/internal/ids"
)

const (
	StationWeightCachePrefix = "station-weight:"
	DefaultStationWeightTTL  = 7 * 24 * time.Hour
)

type StationWeightSource interface {
	StationWeights(ctx context.Context, localStationID string) ([]gtfs.StationWeight, error)
}

// StationWeights looks up the estimated importance of stations, by their
// region-local ID (e.g. 900083201 instead of de:11000:900083201).
type StationWeights struct {
	src   StationWeightSource
	cache *cache.Cache
	log   zerolog.Logger
}

func NewStationWeights(src StationWeightSource, c *cache.Cache, log zerolog.Logger) *StationWeights {
	return &StationWeights{
		src:   src,
		cache: c,
		log:   log.With().Str("component", "station-weights").Logger(),
	}
}

// Weight reports false if no or more than one schedule station matches.
func (w *StationWeights) Weight(ctx context.Context, stationID string) (float64, bool, error) {
	if local, ok := ids.LocalStationID(stationID); ok {
		stationID = local
	}
	log := w.log.With().Str("stationId", stationID).Logger()

	var rows []gtfs.StationWeight
	t0 := time.Now()
	cached, err := w.cache.Get(ctx, stationID, &rows)
	if err != nil {
		return 0, false, failure.New(failure.Infrastructure, "station weight", err)
	}
	if cached {
		log.Debug().Dur("cacheReadTime", time.Since(t0)).Msg("read station weights from cache")
	} else {
		t0 = time.Now()
		rows, err = w.src.StationWeights(ctx, stationID)
		if err != nil {
			return 0, false, failure.New(failure.Infrastructure, "station weight", err)
		}
		dbQueryTime := time.Since(t0)
		if err := w.cache.Put(ctx, stationID, rows); err != nil {
			return 0, false, failure.New(failure.Infrastructure, "station weight", err)
		}
		log = log.With().Dur("dbQueryTime", dbQueryTime).Logger()
	}

	switch len(rows) {
	case 0:
		log.Warn().Bool("isCached", cached).Msg("no matching stations found")
		return 0, false, nil
	case 1:
		log.Trace().Bool("isCached", cached).Str("matchedStation", rows[0].StationID).Msg("found matching station weight")
		return rows[0].Weight, true, nil
	default:
		log.Warn().Bool("isCached", cached).Interface("matchedStations", rows).Msg(">1 matching station, ignoring ambiguous match")
		return 0, false, nil
	}
}

// WarmStationWeights writes cache entries for all given station_weights rows,
// grouped by region-local station ID the way Weight looks them up.
func WarmStationWeights(ctx context.Context, c *cache.Cache, rows []gtfs.StationWeight) (int, error) {
	byLocalID := make(map[string][]gtfs.StationWeight)
	for _, r := range rows {
		local, ok := ids.LocalStationID(r.StationID)
		if !ok {
			continue
		}
		if len(byLocalID[local]) < 2 {
			byLocalID[local] = append(byLocalID[local], r)
		}
	}
	entries := make(map[string]any, len(byLocalID))
	for k, v := range byLocalID {
		entries[k] = v
	}
	if err := c.PutMany(ctx, entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}
