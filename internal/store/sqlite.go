package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the default local backend: one database file under dataDir.
type SQLiteStore struct {
	sqlStore
}

// OpenSQLite opens (creating if needed) the database at path and applies
// pending migrations. WAL keeps readers from blocking the writer.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)",
		url.PathEscape(path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// modernc sqlite is single-writer; one connection avoids SQLITE_BUSY
	// churn under concurrent appends.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db, "sqlite"); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{sqlStore{db: db, dialect: "sqlite"}}, nil
}
