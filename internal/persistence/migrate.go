package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations[i] upgrades the schema from user_version i to i+1.
var migrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS positions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			relative_altitude REAL NOT NULL,
			altitude REAL NOT NULL,
			heading REAL NOT NULL,
			device_time_ms INTEGER NOT NULL,
			received_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS positions_received_at_idx ON positions(received_at DESC);`,
	},
}

func schemaVersion() int {
	return len(migrations)
}

func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > schemaVersion() {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, schemaVersion())
	}

	for v := version; v < schemaVersion(); v++ {
		if err := applyMigration(ctx, db, v); err != nil {
			return err
		}
	}

	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, from int) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d tx: %w", from+1, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, stmt := range migrations[from] {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %d: %w", from+1, err)
		}
	}
	// PRAGMA does not accept bound parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, from+1)); err != nil {
		return fmt.Errorf("set schema version %d: %w", from+1, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", from+1, err)
	}

	return nil
}
