package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore backs sessions with Postgres for shared deployments.
type PostgresStore struct {
	sqlStore
}

// OpenPostgres connects with the given DSN and applies pending migrations.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	if err := runMigrations(db, "postgres"); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{sqlStore{db: db, dialect: "postgres"}}, nil
}
