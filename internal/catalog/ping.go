package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"
)

// Ping opens the database read-only and runs a trivial query, returning the
// observed latency. Used by the connection test endpoint to record status
// and latency on the connection row.
func Ping(ctx context.Context, dbPath string) (time.Duration, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return 0, fmt.Errorf("database %s: %w", dbPath, err)
	}
	start := time.Now()
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return 0, err
	}
	defer func() { _ = db.Close() }()
	var one int
	if err := db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}
