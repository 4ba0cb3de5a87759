package db

import (
	"context"
	"fmt"

	"vdv-gtfsrt-matcher/internal/gtfs"
	"vdv-gtfsrt-matcher/internal/ids"
)

// QueryStationWeights returns up to two station_weights rows whose DHID/IFOPT
// station ID ends in ":"+localStationID, e.g. de:11000:900083201 for 900083201.
func QueryStationWeights(ctx context.Context, q Querier, localStationID string) ([]gtfs.StationWeight, error) {
	rows, err := q.QueryContext(ctx, `
SELECT station_id, weight
FROM station_weights
WHERE station_id LIKE $1
LIMIT 2`, "%:"+ids.EscapeForLikeOp(localStationID))
	if err != nil {
		return nil, fmt.Errorf("query station_weights: %w", err)
	}
	defer rows.Close()
	return scanStationWeights(rows)
}

// AllStationWeights reads the whole station_weights table.
func AllStationWeights(ctx context.Context, q Querier) ([]gtfs.StationWeight, error) {
	rows, err := q.QueryContext(ctx, `SELECT station_id, weight FROM station_weights ORDER BY station_id`)
	if err != nil {
		return nil, fmt.Errorf("query station_weights: %w", err)
	}
	defer rows.Close()
	return scanStationWeights(rows)
}

type scanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanStationWeights(rows scanner) ([]gtfs.StationWeight, error) {
	res := []gtfs.StationWeight{}
	for rows.Next() {
		var w gtfs.StationWeight
		if err := rows.Scan(&w.StationID, &w.Weight); err != nil {
			return nil, fmt.Errorf("scan station_weights: %w", err)
		}
		res = append(res, w)
	}
	return res, rows.Err()
}
