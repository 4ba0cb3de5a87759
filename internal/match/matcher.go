// Package match matches realtime TripUpdates built from VDV data with trip
// "instances" of a GTFS Schedule feed imported by gtfs-via-postgres.
package match

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/rs/zerolog"

	"vdv-gtfsrt-matcher/internal/cache"
	"vdv-gtfsrt-matcher/internal/db"
	"vdv-gtfsrt-matcher/internal/failure"
	schedule "vdv-gtfsrt-matcher/internal/gtfs"
	"vdv-gtfsrt-matcher/internal/gtfsrt"
	"vdv-gtfsrt-matcher/internal/ids"
)

const (
	MatchCachePrefix = "match:"
	DefaultMatchTTL  = 24 * time.Hour
)

type Outcome int

const (
	Matched Outcome = iota
	TooFewStopTimes
	MissingAnchor
	NoMatch
	AmbiguousMatch
)

func (o Outcome) String() string {
	switch o {
	case Matched:
		return "matched"
	case TooFewStopTimes:
		return "too_few_stop_times"
	case MissingAnchor:
		return "missing_anchor"
	case NoMatch:
		return "no_match"
	case AmbiguousMatch:
		return "ambiguous"
	default:
		return "unknown"
	}
}

// Kind classifies unsuccessful outcomes.
func (o Outcome) Kind() failure.Kind {
	switch o {
	case Matched:
		return failure.Unknown
	case AmbiguousMatch:
		return failure.Ambiguous
	default:
		return failure.Unmatched
	}
}

type StopTimesSource interface {
	FindStopTimes(ctx context.Context, routeShortName string, anchors []db.AnchorStopTime) ([]schedule.ScheduleStopTime, error)
}

type MatchResult struct {
	// TripUpdate is the merged TripUpdate if matched, otherwise the input.
	TripUpdate *gtfsrt.TripUpdate
	Matched    bool
	Cached     bool
	Outcome    Outcome
}

type Options struct {
	Anchors AnchorOptions
}

type Matcher struct {
	stopTimes StopTimesSource
	weights   Weigher
	cache     *cache.Cache
	opt       Options
	log       zerolog.Logger
}

func NewMatcher(stopTimes StopTimesSource, weights Weigher, c *cache.Cache, opt Options, log zerolog.Logger) *Matcher {
	return &Matcher{
		stopTimes: stopTimes,
		weights:   weights,
		cache:     c,
		opt:       opt,
		log:       log.With().Str("component", "matcher").Logger(),
	}
}

// anchorStopTime mirrors the schedule stop time the StopTimeUpdate was derived from.
func anchorStopTime(i int, stu *gtfsrt.StopTimeUpdate) db.AnchorStopTime {
	return db.AnchorStopTime{
		Alias:       "st" + strconv.Itoa(i),
		StopID:      stu.StopID,
		Arrival:     stu.Arrival.ScheduledISO8601(),
		Departure:   stu.Departure.ScheduledISO8601(),
		FuzzyStopID: true,
		FuzzyTime:   true,
	}
}

type anchorStopTimeKey struct {
	RouteShortName string              `json:"route_short_name"`
	StopTimes      []db.AnchorStopTime `json:"stop_times"`
}

func (a anchorStopTimeKey) hash() (string, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Match finds the schedule trip "instance" of u and merges its stop times
// into u. Not finding a unique instance is not an error but an Outcome.
func (m *Matcher) Match(ctx context.Context, u *gtfsrt.TripUpdate) (*MatchResult, error) {
	log := m.log.With().
		Str("fahrtId", u.FahrtID).
		Str("umlaufId", u.UmlaufID).
		Str("routeShortName", u.Trip.RouteShortName).
		Logger()
	unmatched := func(o Outcome, cached bool) *MatchResult {
		return &MatchResult{TripUpdate: u, Outcome: o, Cached: cached}
	}

	if len(u.StopTimeUpdates) < 2 {
		log.Warn().Int("stopTimeUpdates", len(u.StopTimeUpdates)).Msg("not trying to match because there are <2 StopTimeUpdates in TripUpdate")
		return unmatched(TooFewStopTimes, false), nil
	}

	i0, iN, ok, err := PickAnchors(ctx, m.weights, u.StopTimeUpdates, m.opt.Anchors, log)
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Warn().Msg("not trying to match because no two StopTimeUpdates could be picked")
		return unmatched(TooFewStopTimes, false), nil
	}
	anchors := []db.AnchorStopTime{
		anchorStopTime(i0, &u.StopTimeUpdates[i0]),
		anchorStopTime(iN, &u.StopTimeUpdates[iN]),
	}
	for i, a := range anchors {
		if a.StopID == "" || (a.Arrival == "" && a.Departure == "") {
			log.Warn().Int("i0", i0).Int("iN", iN).Interface("anchor", a).Msgf("not trying to match because StopTimeUpdate matchingSTU%d lacks a stop ID or time", i)
			return unmatched(MissingAnchor, false), nil
		}
	}
	log = log.With().Interface("stopTimes", anchors).Logger()

	rows, cached, err := m.findStopTimes(ctx, u.Trip.RouteShortName, anchors, &log)
	if err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		log.Warn().Bool("isCached", cached).Msg("no matching GTFS Schedule trip \"instance\" found")
		return unmatched(NoMatch, cached), nil
	}
	st0 := rows[0]
	log = log.With().Str("gtfsTripId", st0.TripID).Str("gtfsDate", st0.Date).Logger()
	for _, st := range rows[1:] {
		if !st.SameInstance(st0) {
			log.Warn().Bool("isCached", cached).Msg(">1 GTFS Schedule trip \"instance\", ignoring ambiguous match")
			return unmatched(AmbiguousMatch, cached), nil
		}
	}
	log.Trace().Bool("isCached", cached).Int("noOfMatchedStopTimes", len(rows)).Msg("found matching GTFS Schedule trip \"instance\"")

	merged := MergeTripUpdates(scheduleTripUpdate(rows), u, MergeOptions{
		StopIDsEqual: ids.StopIDsEqual,
		FuzzyTime:    true,
	})
	return &MatchResult{TripUpdate: merged, Matched: true, Cached: cached, Outcome: Matched}, nil
}

func (m *Matcher) findStopTimes(ctx context.Context, routeShortName string, anchors []db.AnchorStopTime, log *zerolog.Logger) ([]schedule.ScheduleStopTime, bool, error) {
	key, err := anchorStopTimeKey{RouteShortName: routeShortName, StopTimes: anchors}.hash()
	if err != nil {
		return nil, false, failure.New(failure.Invariant, "match", fmt.Errorf("hash anchors: %w", err))
	}

	var rows []schedule.ScheduleStopTime
	t0 := time.Now()
	cached, err := m.cache.Get(ctx, key, &rows)
	if err != nil {
		return nil, false, failure.New(failure.Infrastructure, "match", err)
	}
	*log = log.With().Dur("cacheReadTime", time.Since(t0)).Logger()
	if cached {
		log.Debug().Msg("read matching GTFS Schedule trip \"instance\" from cache")
		return rows, true, nil
	}

	t0 = time.Now()
	rows, err = m.stopTimes.FindStopTimes(ctx, routeShortName, anchors)
	if err != nil {
		return nil, false, failure.New(failure.Infrastructure, "match", err)
	}
	dbQueryTime := time.Since(t0)

	// Empty results are cached as well.
	t1 := time.Now()
	if err := m.cache.Put(ctx, key, rows); err != nil {
		return nil, false, failure.New(failure.Infrastructure, "match", err)
	}
	*log = log.With().Dur("dbQueryTime", dbQueryTime).Dur("cacheWriteTime", time.Since(t1)).Logger()
	return rows, false, nil
}

func scheduleStopTimeEvent(t *time.Time) *gtfsrt.StopTimeEvent {
	if t == nil {
		return nil
	}
	return &gtfsrt.StopTimeEvent{
		Time:                 gtfsrt.Ptr(t.Unix()),
		TimeISO8601:          t.Format(time.RFC3339),
		ScheduledTimeISO8601: t.Format(time.RFC3339),
	}
}

// scheduleTripUpdate builds a TripUpdate without realtime data from the stop
// times of one trip "instance".
func scheduleTripUpdate(rows []schedule.ScheduleStopTime) *gtfsrt.TripUpdate {
	st0 := rows[0]
	rel := gtfs.TripDescriptor_SCHEDULED
	if st0.FrequencyBased() {
		// Frequency-based trips must use UNSCHEDULED instead of SCHEDULED.
		rel = gtfs.TripDescriptor_UNSCHEDULED
	}
	u := &gtfsrt.TripUpdate{
		Trip: gtfsrt.TripDescriptor{
			TripID:               st0.TripID,
			RouteID:              st0.RouteID,
			StartDate:            st0.GTFSRTStartDate(),
			ScheduleRelationship: gtfsrt.Ptr(rel),
		},
		StopTimeUpdates: make([]gtfsrt.StopTimeUpdate, 0, len(rows)),
	}
	if dir, err := strconv.ParseUint(st0.DirectionID, 10, 32); err == nil {
		u.Trip.DirectionID = gtfsrt.Ptr(uint32(dir))
	}
	for _, st := range rows {
		u.StopTimeUpdates = append(u.StopTimeUpdates, gtfsrt.StopTimeUpdate{
			StopSequence:         gtfsrt.Ptr(uint32(st.StopSequence)),
			StopID:               st.StopID,
			ScheduleRelationship: gtfsrt.Ptr(gtfs.TripUpdate_StopTimeUpdate_SCHEDULED),
			Arrival:              scheduleStopTimeEvent(st.Arrival),
			Departure:            scheduleStopTimeEvent(st.Departure),
		})
	}
	return u
}
