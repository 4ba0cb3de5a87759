package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func Open(dsn string, poolSize int) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if poolSize <= 0 {
		poolSize = 30
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(max(poolSize/4, 1))
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// Columns required from a gtfs-via-postgres import.
var requiredColumns = map[string][]string{
	"arrivals_departures": {
		"trip_id", "date", "stop_sequence", "stop_sequence_consec",
		"stop_id", "station_id", "route_id", "route_short_name",
		"direction_id", "frequencies_row", "t_arrival", "t_departure",
	},
	"station_weights": {"station_id", "weight"},
}

// CheckSchema verifies that the schedule database has the relations and
// columns the matcher queries.
func CheckSchema(ctx context.Context, q Querier, schema string) error {
	tables := make([]string, 0, len(requiredColumns))
	for t := range requiredColumns {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	var missing []string
	for _, table := range tables {
		cols := requiredColumns[table]
		found, err := hasColumns(ctx, q, schema, table, cols...)
		if err != nil {
			return fmt.Errorf("introspect %s columns: %w", table, err)
		}
		for _, c := range cols {
			if !found[c] {
				missing = append(missing, table+"."+c)
			}
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("schedule database lacks %s (not a gtfs-via-postgres import with station weights?)", strings.Join(missing, ", "))
	}
	return nil
}

// hasColumns returns a map of requested column names to existence for the given table or view.
func hasColumns(ctx context.Context, q Querier, schema, table string, cols ...string) (map[string]bool, error) {
	res := make(map[string]bool, len(cols))
	if len(cols) == 0 {
		return res, nil
	}
	for _, c := range cols {
		res[c] = false
	}
	query := `SELECT column_name FROM information_schema.columns
          WHERE table_schema = $1 AND table_name = $2 AND column_name = ANY($3)`
	rows, err := q.QueryContext(ctx, query, schema, table, cols)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res[name] = true
	}
	return res, rows.Err()
}
