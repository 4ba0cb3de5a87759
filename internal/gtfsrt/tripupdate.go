// Package gtfsrt holds the GTFS Realtime TripUpdate shape used while
// matching, and its conversion to the protobuf bindings.
package gtfsrt

import (
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
)

// StopTimeEvent is an arrival or departure. The ISO 8601 fields are side
// channels for matching and are never encoded.
type StopTimeEvent struct {
	Time  *int64
	Delay *int32

	TimeISO8601          string
	ScheduledTimeISO8601 string
}

// ScheduledTime is Time minus Delay.
func (e *StopTimeEvent) ScheduledTime() (int64, bool) {
	if e == nil || e.Time == nil {
		return 0, false
	}
	t := *e.Time
	if e.Delay != nil {
		t -= int64(*e.Delay)
	}
	return t, true
}

// ScheduledISO8601 prefers the side channel, which keeps the original UTC offset.
func (e *StopTimeEvent) ScheduledISO8601() string {
	if e == nil {
		return ""
	}
	if e.ScheduledTimeISO8601 != "" {
		return e.ScheduledTimeISO8601
	}
	if t, ok := e.ScheduledTime(); ok {
		return time.Unix(t, 0).UTC().Format(time.RFC3339)
	}
	return ""
}

type StopTimeUpdate struct {
	StopSequence         *uint32
	StopID               string
	ScheduleRelationship *gtfs.TripUpdate_StopTimeUpdate_ScheduleRelationship
	Arrival              *StopTimeEvent
	Departure            *StopTimeEvent
}

type TripDescriptor struct {
	TripID               string
	RouteID              string
	DirectionID          *uint32
	StartDate            string
	ScheduleRelationship *gtfs.TripDescriptor_ScheduleRelationship

	// RouteShortName is only used for matching.
	RouteShortName string
}

type TripUpdate struct {
	Trip            TripDescriptor
	StopTimeUpdates []StopTimeUpdate
	Timestamp       *uint64

	// VDV identifiers, for logging.
	FahrtID  string
	UmlaufID string
}

func (u *TripUpdate) AsGTFS() *gtfs.TripUpdate {
	g := new(gtfs.TripUpdate)
	g.Trip = u.Trip.AsGTFS()
	g.Timestamp = u.Timestamp
	g.StopTimeUpdate = make([]*gtfs.TripUpdate_StopTimeUpdate, len(u.StopTimeUpdates))
	for i := range u.StopTimeUpdates {
		g.StopTimeUpdate[i] = u.StopTimeUpdates[i].AsGTFS()
	}
	return g
}

// AsFeedEntity wraps the TripUpdate with the trip ID as entity ID.
func (u *TripUpdate) AsFeedEntity() *gtfs.FeedEntity {
	return &gtfs.FeedEntity{
		Id:         Ptr(u.Trip.TripID),
		TripUpdate: u.AsGTFS(),
	}
}

func (t TripDescriptor) AsGTFS() *gtfs.TripDescriptor {
	g := new(gtfs.TripDescriptor)
	if t.TripID != "" {
		g.TripId = Ptr(t.TripID)
	}
	if t.RouteID != "" {
		g.RouteId = Ptr(t.RouteID)
	}
	if t.StartDate != "" {
		g.StartDate = Ptr(t.StartDate)
	}
	g.DirectionId = t.DirectionID
	g.ScheduleRelationship = t.ScheduleRelationship
	return g
}

func (s *StopTimeUpdate) AsGTFS() *gtfs.TripUpdate_StopTimeUpdate {
	g := new(gtfs.TripUpdate_StopTimeUpdate)
	g.StopSequence = s.StopSequence
	if s.StopID != "" {
		g.StopId = Ptr(s.StopID)
	}
	g.ScheduleRelationship = s.ScheduleRelationship
	g.Arrival = s.Arrival.AsGTFS()
	g.Departure = s.Departure.AsGTFS()
	return g
}

func (e *StopTimeEvent) AsGTFS() *gtfs.TripUpdate_StopTimeEvent {
	if e == nil {
		return nil
	}
	return &gtfs.TripUpdate_StopTimeEvent{
		Time:  e.Time,
		Delay: e.Delay,
	}
}

// Ptr returns a pointer to a copy of v.
func Ptr[T any](v T) *T { return &v }
