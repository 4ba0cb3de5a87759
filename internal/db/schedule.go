package db

import (
	"context"

	"vdv-gtfsrt-matcher/internal/gtfs"
)

// Schedule queries one gtfs-via-postgres import.
type Schedule struct {
	q Querier
}

func NewSchedule(q Querier) *Schedule {
	return &Schedule{q: q}
}

func (s *Schedule) StationWeights(ctx context.Context, localStationID string) ([]gtfs.StationWeight, error) {
	return QueryStationWeights(ctx, s.q, localStationID)
}

func (s *Schedule) AllStationWeights(ctx context.Context) ([]gtfs.StationWeight, error) {
	return AllStationWeights(ctx, s.q)
}

// FindStopTimes returns all stop times of the trip "instances" serving the
// anchors in order, of at most two instances.
func (s *Schedule) FindStopTimes(ctx context.Context, routeShortName string, anchors []AnchorStopTime) ([]gtfs.ScheduleStopTime, error) {
	query, params, err := BuildStopTimesQuery(routeShortName, anchors)
	if err != nil {
		return nil, err
	}
	return QueryStopTimes(ctx, s.q, query, params)
}
