package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"vdv-gtfsrt-matcher/internal/ids"
)

// ResolveLatestImportDBName returns the db_name of the most recent import
// recorded by postgis-gtfs-importer in public.latest_successful_imports whose
// name contains importName.
func ResolveLatestImportDBName(ctx context.Context, meta *sql.DB, importName string) (string, error) {
	importName = strings.TrimSpace(importName)
	if importName == "" {
		return "", fmt.Errorf("import name is required")
	}
	// Fully qualified to the public schema (assumes we are connected to the 'postgres' database)
	q := `
SELECT db_name
FROM public.latest_successful_imports
WHERE db_name ILIKE '%' || $1 || '%' ESCAPE '\'
ORDER BY imported_at DESC
LIMIT 1`
	var dbName sql.NullString
	if err := meta.QueryRowContext(ctx, q, ids.EscapeForLikeOp(importName)).Scan(&dbName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("no database found for import like %q", importName)
		}
		return "", fmt.Errorf("query latest_successful_imports: %w", err)
	}
	if !dbName.Valid || dbName.String == "" {
		return "", fmt.Errorf("empty db_name for import like %q", importName)
	}
	return dbName.String, nil
}
