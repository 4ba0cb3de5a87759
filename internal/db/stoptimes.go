package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"vdv-gtfsrt-matcher/internal/gtfs"
	"vdv-gtfsrt-matcher/internal/ids"
)

// TimeMatchingTolerance is the +/- window applied to fuzzily matched times.
const TimeMatchingTolerance = time.Minute

// AnchorStopTime is a realtime stop time used to look up schedule trip
// "instances". Times are ISO 8601; the departure is used if present.
type AnchorStopTime struct {
	Alias     string `json:"alias"`
	StopID    string `json:"stop_id"`
	Arrival   string `json:"t_arrival,omitempty"`
	Departure string `json:"t_departure,omitempty"`

	// FuzzyStopID also accepts DHID/IFOPT stop and station IDs ending in StopID.
	FuzzyStopID bool `json:"stop_id_allow_fuzzy_ifopt_matching"`
	// FuzzyTime accepts times within TimeMatchingTolerance.
	FuzzyTime bool `json:"time_allow_fuzzy_matching"`
}

type queryBuilder struct {
	b      strings.Builder
	params []any
}

func (q *queryBuilder) param(v any) int {
	q.params = append(q.params, v)
	return len(q.params)
}

func (q *queryBuilder) printf(format string, args ...any) {
	fmt.Fprintf(&q.b, format, args...)
}

// BuildStopTimesQuery builds a query against arrivals_departures returning all
// stop times of the trip "instances" that serve every anchor, in anchor order.
// At most two instances are returned, so that callers can detect ambiguity.
func BuildStopTimesQuery(routeShortName string, anchors []AnchorStopTime) (string, []any, error) {
	if len(anchors) == 0 {
		return "", nil, fmt.Errorf("at least one anchor stop time is required")
	}
	q := &queryBuilder{}
	q.printf("WITH\n")

	genericFilters := ""
	if routeShortName != "" {
		genericFilters = fmt.Sprintf("\t\tAND route_short_name = $%d\n", q.param(routeShortName))
	}

	seen := make(map[string]bool, len(anchors))
	for i, a := range anchors {
		if a.Alias == "" || !isIdent(a.Alias) {
			return "", nil, fmt.Errorf("anchor %d: invalid alias %q", i, a.Alias)
		}
		if seen[a.Alias] {
			return "", nil, fmt.Errorf("anchor %d: duplicate alias %q", i, a.Alias)
		}
		seen[a.Alias] = true
		if a.StopID == "" {
			return "", nil, fmt.Errorf("anchor %s: missing stop ID", a.Alias)
		}

		sep := ""
		if i > 0 {
			sep = ", "
		}
		q.printf("\t%s%s AS NOT MATERIALIZED (\n", sep, a.Alias)
		q.printf("\t\tSELECT\n\t\t\ttrip_id,\n\t\t\t\"date\",\n\t\t\tstop_sequence_consec\n")
		q.printf("\t\tFROM arrivals_departures ad\n\t\tWHERE True\n%s", genericFilters)

		stopIDParam := q.param(a.StopID)
		q.printf("\t\tAND (\n\t\t\tstop_id = $%d\n\t\t\tOR station_id = $%d\n", stopIDParam, stopIDParam)
		if a.FuzzyStopID {
			// DHID/IFOPT: de:12063:900210771 is the station for 900210771.
			escaped := ids.EscapeForLikeOp(a.StopID)
			q.printf("\t\t\tOR station_id LIKE $%d\n", q.param("%:"+escaped))
			q.printf("\t\t\tOR stop_id LIKE $%d\n", q.param("%:"+escaped+"%"))
		}
		q.printf("\t\t)\n")

		col, when := "t_departure", a.Departure
		if when == "" {
			col, when = "t_arrival", a.Arrival
		}
		if when == "" {
			return "", nil, fmt.Errorf("anchor %s: neither arrival nor departure time", a.Alias)
		}
		if a.FuzzyTime {
			t, err := time.Parse(time.RFC3339Nano, when)
			if err != nil {
				return "", nil, fmt.Errorf("anchor %s: %w", a.Alias, err)
			}
			minP := q.param(t.Add(-TimeMatchingTolerance).Format(time.RFC3339Nano))
			maxP := q.param(t.Add(TimeMatchingTolerance).Format(time.RFC3339Nano))
			q.printf("\t\tAND %s >= $%d\n\t\tAND %s <= $%d\n", col, minP, col, maxP)
			// The service date range must be derived from the same bounds as the time range.
			q.printf("\t\tAND \"date\" >= dates_filter_min($%d::timestamp with time zone)\n", minP)
			q.printf("\t\tAND \"date\" <= dates_filter_max($%d::timestamp with time zone)\n", maxP)
		} else {
			p := q.param(when)
			q.printf("\t\tAND %s = $%d\n", col, p)
			q.printf("\t\tAND \"date\" >= dates_filter_min($%d::timestamp with time zone)\n", p)
			q.printf("\t\tAND \"date\" <= dates_filter_max($%d::timestamp with time zone)\n", p)
		}
		q.printf("\t)\n")
	}

	first := anchors[0].Alias
	q.printf("\t, matches AS NOT MATERIALIZED (\n")
	q.printf("\t\tSELECT DISTINCT ON (%s.trip_id, %s.date)\n\t\t\t%s.trip_id,\n\t\t\t%s.\"date\"\n\t\tFROM %s\n", first, first, first, first, first)
	for i := 1; i < len(anchors); i++ {
		cur, prev := anchors[i].Alias, anchors[i-1].Alias
		q.printf("\t\tINNER JOIN %s ON (\n", cur)
		q.printf("\t\t\t%s.trip_id = %s.trip_id\n", cur, prev)
		q.printf("\t\t\tAND %s.date = %s.date\n", cur, prev)
		q.printf("\t\t\tAND %s.stop_sequence_consec > %s.stop_sequence_consec\n", cur, prev)
		q.printf("\t\t)\n")
	}
	q.printf("\t\tLIMIT 2\n\t)\n")

	// Collecting matches with array() first lets PostgreSQL push the filter
	// down into arrivals_departures; the (trip_id, date) pair filter keeps it correct.
	q.b.WriteString(`SELECT
	route_id,
	direction_id::text AS direction_id,
	ad.trip_id,
	frequencies_row,
	(ad.date::date)::text AS "date",
	stop_sequence,
	stop_id,
	t_arrival,
	t_departure
FROM arrivals_departures ad
WHERE True
AND ad.trip_id = ANY(array(SELECT trip_id FROM matches))
AND ad.date = ANY(array(SELECT "date" FROM matches))
AND (ad.trip_id, ad.date) IN (
	SELECT *
	FROM unnest(
		array(SELECT trip_id FROM matches),
		array(SELECT "date" FROM matches)
	) AS t(trip_id, "date")
)
ORDER BY trip_id, "date", stop_sequence_consec
`)
	return q.b.String(), q.params, nil
}

func isIdent(s string) bool {
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// QueryStopTimes runs a query built by BuildStopTimesQuery.
func QueryStopTimes(ctx context.Context, q Querier, query string, params []any) ([]gtfs.ScheduleStopTime, error) {
	rows, err := q.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query arrivals_departures: %w", err)
	}
	defer rows.Close()

	sts := []gtfs.ScheduleStopTime{}
	for rows.Next() {
		var (
			st       gtfs.ScheduleStopTime
			dir      sql.NullString
			freqRow  sql.NullInt64
			arr, dep sql.NullTime
		)
		if err := rows.Scan(&st.RouteID, &dir, &st.TripID, &freqRow, &st.Date, &st.StopSequence, &st.StopID, &arr, &dep); err != nil {
			return nil, fmt.Errorf("scan arrivals_departures: %w", err)
		}
		st.DirectionID = dir.String
		if freqRow.Valid {
			v := int(freqRow.Int64)
			st.FrequenciesRow = &v
		}
		if arr.Valid {
			st.Arrival = &arr.Time
		}
		if dep.Valid {
			st.Departure = &dep.Time
		}
		sts = append(sts, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read arrivals_departures: %w", err)
	}
	return sts, nil
}
