package match

import (
	"vdv-gtfsrt-matcher/internal/gtfsrt"
)

// TimeMatchingMaxDeviation applies to fuzzily compared scheduled times, in seconds.
const TimeMatchingMaxDeviation = 60

type MergeOptions struct {
	// StopIDsEqual defaults to string equality.
	StopIDsEqual func(a, b string) bool
	// FuzzyTime treats scheduled times up to TimeMatchingMaxDeviation apart as equal.
	FuzzyTime bool
}

type equivalence struct {
	stopIDsEqual func(a, b string) bool
	timesEqual   func(a, b int64) bool
}

func newEquivalence(opt MergeOptions) equivalence {
	e := equivalence{
		stopIDsEqual: opt.StopIDsEqual,
		timesEqual:   func(a, b int64) bool { return a == b },
	}
	if e.stopIDsEqual == nil {
		e.stopIDsEqual = func(a, b string) bool { return a == b }
	}
	if opt.FuzzyTime {
		e.timesEqual = func(a, b int64) bool {
			d := a - b
			return d >= -TimeMatchingMaxDeviation && d <= TimeMatchingMaxDeviation
		}
	}
	return e
}

func (e equivalence) events(a, b *gtfsrt.StopTimeEvent) bool {
	ta, okA := a.ScheduledTime()
	tb, okB := b.ScheduledTime()
	return okA && okB && e.timesEqual(ta, tb)
}

// stopTimeUpdates reports whether a and b describe the same stop event: equal
// stop_sequence, or equal stop IDs and equal scheduled arrival or departure.
func (e equivalence) stopTimeUpdates(a, b *gtfsrt.StopTimeUpdate) bool {
	if a.StopSequence != nil && b.StopSequence != nil && *a.StopSequence == *b.StopSequence {
		return true
	}
	return e.stopIDsEqual(a.StopID, b.StopID) &&
		(e.events(a.Arrival, b.Arrival) || e.events(a.Departure, b.Departure))
}

func (e equivalence) indexIn(stus []gtfsrt.StopTimeUpdate, stu *gtfsrt.StopTimeUpdate) int {
	for i := range stus {
		if e.stopTimeUpdates(stu, &stus[i]) {
			return i
		}
	}
	return -1
}

func or[T any](rt, sched *T) *T {
	if rt != nil {
		return rt
	}
	return sched
}

func orString(preferred, fallback string) string {
	if preferred != "" {
		return preferred
	}
	return fallback
}

func mergeStopTimeUpdates(sched, rt *gtfsrt.StopTimeUpdate) gtfsrt.StopTimeUpdate {
	return gtfsrt.StopTimeUpdate{
		StopSequence:         or(rt.StopSequence, sched.StopSequence),
		StopID:               orString(sched.StopID, rt.StopID),
		ScheduleRelationship: or(rt.ScheduleRelationship, sched.ScheduleRelationship),
		Arrival:              or(rt.Arrival, sched.Arrival),
		Departure:            or(rt.Departure, sched.Departure),
	}
}

// CombineStopTimeUpdates merges the schedule's StopTimeUpdates with the
// realtime ones. Either side may lack StopTimeUpdates of the other; those
// are kept in order, unmerged.
func CombineStopTimeUpdates(sched, rt []gtfsrt.StopTimeUpdate, opt MergeOptions) []gtfsrt.StopTimeUpdate {
	eq := newEquivalence(opt)
	merged := make([]gtfsrt.StopTimeUpdate, 0, max(len(sched), len(rt)))
	si, ri := 0, 0
	for {
		if ri >= len(rt) {
			merged = append(merged, sched[si:]...)
			break
		}
		if si >= len(sched) {
			merged = append(merged, rt[ri:]...)
			break
		}
		s, r := &sched[si], &rt[ri]

		if eq.stopTimeUpdates(s, r) {
			merged = append(merged, mergeStopTimeUpdates(s, r))
			si++
			ri++
			continue
		}

		iMatchingRt := eq.indexIn(rt[ri:], s)
		iMatchingSched := eq.indexIn(sched[si:], r)
		switch {
		case iMatchingRt > 0:
			// s comes later in rt, so r has no schedule counterpart before it.
			merged = append(merged, *r)
			ri++
		case iMatchingSched > 0:
			merged = append(merged, *s)
			si++
		case iMatchingRt < 0:
			merged = append(merged, *s)
			si++
		case iMatchingSched < 0:
			merged = append(merged, *r)
			ri++
		default:
			// Equivalence is symmetric, so both indices being 0 was handled above.
			merged = append(merged, *s)
			si++
		}
	}
	return merged
}

// MergeTripUpdates merges a TripUpdate built from schedule stop times with a
// realtime one. Realtime values take precedence, except for stop IDs.
func MergeTripUpdates(sched, rt *gtfsrt.TripUpdate, opt MergeOptions) *gtfsrt.TripUpdate {
	u := &gtfsrt.TripUpdate{
		Trip: gtfsrt.TripDescriptor{
			TripID:               orString(rt.Trip.TripID, sched.Trip.TripID),
			RouteID:              orString(rt.Trip.RouteID, sched.Trip.RouteID),
			DirectionID:          or(rt.Trip.DirectionID, sched.Trip.DirectionID),
			StartDate:            orString(rt.Trip.StartDate, sched.Trip.StartDate),
			ScheduleRelationship: or(rt.Trip.ScheduleRelationship, sched.Trip.ScheduleRelationship),
			RouteShortName:       orString(sched.Trip.RouteShortName, rt.Trip.RouteShortName),
		},
		Timestamp: or(rt.Timestamp, sched.Timestamp),
		FahrtID:   orString(rt.FahrtID, sched.FahrtID),
		UmlaufID:  orString(rt.UmlaufID, sched.UmlaufID),
	}
	u.StopTimeUpdates = CombineStopTimeUpdates(sched.StopTimeUpdates, rt.StopTimeUpdates, opt)
	return u
}
