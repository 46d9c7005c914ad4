package jobstore

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB holds separate write and read database connections.
// The write connection is limited to 1 open conn to serialize writes (SQLite
// requirement). The read pool allows concurrent reads via WAL mode.
type DB struct {
	Write *sql.DB
	Read  *sql.DB
}

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id                TEXT PRIMARY KEY,
	stream_id         TEXT NOT NULL,
	template_id       TEXT NOT NULL,
	change            INTEGER NOT NULL DEFAULT 0,
	schedule_priority INTEGER NOT NULL DEFAULT 0,
	create_time       TEXT NOT NULL,
	update_time       TEXT NOT NULL,
	update_index      INTEGER NOT NULL,
	doc               TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_stream ON jobs (stream_id, create_time DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_update_time ON jobs (update_time);
CREATE INDEX IF NOT EXISTS idx_jobs_dispatch ON jobs (schedule_priority DESC, create_time ASC)
	WHERE schedule_priority > 0;
`

// OpenDB creates or opens the job database at dataDir/foundry.db.
// It configures WAL mode, synchronous=NORMAL, foreign_keys=ON, and runs any
// pending migrations.
func OpenDB(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "foundry.db")

	writeDB, err := openConn(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open write connection: %w", err)
	}
	writeDB.SetMaxOpenConns(1)

	readDB, err := openConn(dbPath)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("open read connection: %w", err)
	}

	db := &DB{Write: writeDB, Read: readDB}
	if err := db.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	slog.Info("job database opened", "path", dbPath)
	return db, nil
}

func openConn(path string) (*sql.DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) migrate() error {
	_, err := db.Write.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%f', 'now'))
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	err = db.Write.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current)
	if err != nil {
		return fmt.Errorf("get current migration version: %w", err)
	}
	if current >= schemaVersion {
		slog.Debug("migrations up to date", "version", current)
		return nil
	}

	tx, err := db.Write.Begin()
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(schema); err != nil {
		return fmt.Errorf("execute migration %d: %w", schemaVersion, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record migration %d: %w", schemaVersion, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", schemaVersion, err)
	}

	slog.Info("applied migration", "version", schemaVersion)
	return nil
}

// Close closes both connections.
func (db *DB) Close() error {
	var firstErr error
	if db.Write != nil {
		if err := db.Write.Close(); err != nil {
			firstErr = err
		}
	}
	if db.Read != nil {
		if err := db.Read.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
