package vdv

import (
	"fmt"
	"math"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"

	"vdv-gtfsrt-matcher/internal/failure"
	"vdv-gtfsrt-matcher/internal/gtfsrt"
	"vdv-gtfsrt-matcher/internal/ids"
)

// FormatTripUpdate converts a (merged) IstFahrt into a realtime TripUpdate
// without schedule identifiers. Its trip carries LinienText as route short
// name for matching.
func FormatTripUpdate(f *Fahrt) (*gtfsrt.TripUpdate, error) {
	u := &gtfsrt.TripUpdate{
		Trip: gtfsrt.TripDescriptor{
			RouteShortName: f.LinienText,
		},
		UmlaufID: f.UmlaufID,
	}
	if f.FahrtID != nil {
		u.FahrtID = f.FahrtID.FahrtBezeichner
	}
	if f.FaelltAus == "true" {
		u.Trip.ScheduleRelationship = gtfsrt.Ptr(gtfs.TripDescriptor_CANCELED)
	}
	if t, ok := parseTime(f.Zst); ok && t.Unix() > 0 {
		u.Timestamp = gtfsrt.Ptr(uint64(t.Unix()))
	}

	halts := f.IstHalts
	if len(halts) == 0 {
		halts = f.SollHalts
	}
	u.StopTimeUpdates = make([]gtfsrt.StopTimeUpdate, 0, len(halts))
	for i := range halts {
		stu, err := formatStopTimeUpdate(&halts[i])
		if err != nil {
			return nil, failure.Newf(failure.InvalidInput, "format trip update", "IstHalts[%d]: %v", i, err)
		}
		u.StopTimeUpdates = append(u.StopTimeUpdates, stu)
	}
	return u, nil
}

func formatStopTimeUpdate(h *Halt) (gtfsrt.StopTimeUpdate, error) {
	stu := gtfsrt.StopTimeUpdate{
		StopID: ids.StripProviderPrefix(h.HaltID),
	}
	var err error
	if stu.Arrival, err = formatStopTimeEvent(h.Ankunftszeit, h.IstAnkunftPrognose); err != nil {
		return stu, fmt.Errorf("arrival: %w", err)
	}
	if stu.Departure, err = formatStopTimeEvent(h.Abfahrtszeit, h.IstAbfahrtPrognose); err != nil {
		return stu, fmt.Errorf("departure: %w", err)
	}
	if h.Durchfahrt == "true" {
		stu.ScheduleRelationship = gtfsrt.Ptr(gtfs.TripUpdate_StopTimeUpdate_SKIPPED)
	}
	return stu, nil
}

// formatStopTimeEvent uses the prognosis as time if present, with the delay
// relative to the planned time. Without a prognosis the delay is unknown.
func formatStopTimeEvent(plannedISO, prognosisISO string) (*gtfsrt.StopTimeEvent, error) {
	if plannedISO == "" {
		return nil, nil
	}
	planned, ok := parseTime(plannedISO)
	if !ok {
		return nil, fmt.Errorf("invalid ISO 8601 time %q", plannedISO)
	}
	e := &gtfsrt.StopTimeEvent{
		Time:                 gtfsrt.Ptr(planned.Unix()),
		TimeISO8601:          plannedISO,
		ScheduledTimeISO8601: plannedISO,
	}
	if prognosisISO == "" {
		return e, nil
	}
	prognosis, ok := parseTime(prognosisISO)
	if !ok {
		return nil, fmt.Errorf("invalid ISO 8601 time %q", prognosisISO)
	}
	delay := math.Round(prognosis.Sub(planned).Seconds())
	e.Time = gtfsrt.Ptr(prognosis.Unix())
	e.Delay = gtfsrt.Ptr(int32(delay))
	e.TimeISO8601 = prognosisISO
	return e, nil
}
