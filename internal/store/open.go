// Package store persists edge worker state: session records, the envelope
// dedup journal, and the activity audit log. SQLite is the default backend;
// PostgreSQL is used when a DSN is configured.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ceedaragents/cyrus/internal/common/config"
)

const (
	driverSQLite   = "sqlite3"
	driverPostgres = "pgx"

	sqliteBusyTimeout = 5 * time.Second
)

// Open connects to the configured database. An empty DSN selects SQLite at
// the configured path.
func Open(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	if cfg.DSN != "" {
		return openPostgres(cfg.DSN, cfg.MaxConns)
	}
	return openSQLite(cfg.Path)
}

// openSQLite opens a single-writer SQLite connection. WAL mode lets readers
// proceed alongside the writer; MaxOpenConns(1) serializes writes and avoids
// SQLITE_BUSY.
func openSQLite(dbPath string) (*sqlx.DB, error) {
	normalized := normalizeSQLitePath(dbPath)
	if err := ensureSQLiteDir(normalized); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}
	if err := ensureSQLiteFile(normalized); err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		normalized,
		int(sqliteBusyTimeout/time.Millisecond),
	)
	db, err := sqlx.Open(driverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

func openPostgres(dsn string, maxConns int) (*sqlx.DB, error) {
	db, err := sqlx.Open(driverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 25
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 5)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	return db, nil
}

func ensureSQLiteDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func ensureSQLiteFile(dbPath string) error {
	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

func normalizeSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
