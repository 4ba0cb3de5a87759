package gtfs

import "time"

// ScheduleStopTime is one row of the gtfs-via-postgres arrivals_departures
// view: a stop time of a trip "instance" on a service date. It is also the
// format of matching cache entries.
type ScheduleStopTime struct {
	RouteID     string `json:"route_id"`
	DirectionID string `json:"direction_id,omitempty"`
	TripID      string `json:"trip_id"`
	// FrequenciesRow is >= 0 for trips generated from frequencies.txt.
	FrequenciesRow *int       `json:"frequencies_row,omitempty"`
	Date           string     `json:"date"` // YYYY-MM-DD
	StopSequence   int        `json:"stop_sequence"`
	StopID         string     `json:"stop_id"`
	Arrival        *time.Time `json:"t_arrival,omitempty"`
	Departure      *time.Time `json:"t_departure,omitempty"`
}

func (st ScheduleStopTime) FrequencyBased() bool {
	return st.FrequenciesRow != nil && *st.FrequenciesRow >= 0
}

// SameInstance reports whether both rows belong to the same trip "instance".
func (st ScheduleStopTime) SameInstance(o ScheduleStopTime) bool {
	return st.TripID == o.TripID && st.Date == o.Date
}

// GTFSRTStartDate formats Date as YYYYMMDD.
func (st ScheduleStopTime) GTFSRTStartDate() string {
	if len(st.Date) < 10 {
		return st.Date
	}
	return st.Date[0:4] + st.Date[5:7] + st.Date[8:10]
}

// StationWeight is a row of the station_weights table.
type StationWeight struct {
	StationID string  `json:"station_id"`
	Weight    float64 `json:"weight"`
}
