package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // register sqlite driver
)

// connPragmas run on every new connection through the driver's _pragma DSN parameter.
var connPragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
}

func trackDSN(path string) string {
	q := url.Values{}
	for _, p := range connPragmas {
		q.Add("_pragma", p)
	}

	return "file:" + path + "?" + q.Encode()
}

// Open opens the track database at path and migrates it to the current schema.
// Missing parent directories are created.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create track db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", trackDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open track db: %w", err)
	}
	// Writes only come from the writer queue.
	db.SetMaxOpenConns(1)

	if err := initialize(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

func initialize(ctx context.Context, db *sql.DB) error {
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping track db: %w", err)
	}

	var mode string
	if err := db.QueryRowContext(ctx, `PRAGMA journal_mode;`).Scan(&mode); err != nil {
		return fmt.Errorf("read journal mode: %w", err)
	}
	if mode != "wal" {
		return fmt.Errorf("track db journal mode is %q, want wal", mode)
	}

	return migrate(ctx, db)
}

// ClearDatabase removes every recorded track point, restarts id numbering and
// folds the WAL back into the main file. It reports how many points were removed.
func ClearDatabase(ctx context.Context, db *sql.DB) (int64, error) {
	if db == nil {
		return 0, fmt.Errorf("database is not initialized")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin track reset: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	//goland:noinspection SqlWithoutWhere
	res, err := tx.ExecContext(ctx, `DELETE FROM positions;`)
	if err != nil {
		return 0, fmt.Errorf("delete track points: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted track points: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sqlite_sequence WHERE name = 'positions';`); err != nil {
		return 0, fmt.Errorf("reset track ids: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit track reset: %w", err)
	}

	var busy, logFrames, checkpointed int
	err = db.QueryRowContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE);`).Scan(&busy, &logFrames, &checkpointed)
	if err != nil {
		return removed, fmt.Errorf("checkpoint track db: %w", err)
	}

	return removed, nil
}
