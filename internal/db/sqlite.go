package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// MemoryPath selects a private in-memory SQLite database.
const MemoryPath = ":memory:"

const (
	busyTimeout = 5 * time.Second
	readerConns = 4
)

// IsMemoryPath reports whether path names an in-memory database.
func IsMemoryPath(path string) bool {
	return path == MemoryPath
}

// sqliteDSN builds a go-sqlite3 URI. mode is one of rwc, ro or memory.
func sqliteDSN(path, mode string) string {
	q := url.Values{}
	q.Set("mode", mode)
	q.Set("_foreign_keys", "on")
	q.Set("_busy_timeout", strconv.Itoa(int(busyTimeout/time.Millisecond)))
	switch mode {
	case "rwc":
		q.Set("_journal_mode", "WAL")
		q.Set("_synchronous", "NORMAL")
	case "memory":
		q.Set("cache", "shared")
	}
	return "file:" + path + "?" + q.Encode()
}

// OpenSQLite opens the writer connection. Writes go through a single
// connection so concurrent sessions never see SQLITE_BUSY from each other.
func OpenSQLite(path string) (*sql.DB, error) {
	if IsMemoryPath(path) {
		return openSQLiteMemory()
	}
	abs, err := prepareSQLiteFile(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", sqliteDSN(abs, "rwc"))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", abs, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// OpenSQLiteReader opens a read-only pool over WAL snapshots. The writer
// must have opened the file first.
func OpenSQLiteReader(path string) (*sql.DB, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	db, err := sql.Open("sqlite3", sqliteDSN(abs, "ro"))
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only sqlite database %s: %w", abs, err)
	}
	db.SetMaxOpenConns(readerConns)
	db.SetMaxIdleConns(readerConns)
	return db, nil
}

// openSQLiteMemory opens a uniquely named shared-cache database. The idle
// connection keeps it alive until the pool is closed.
func openSQLiteMemory() (*sql.DB, error) {
	db, err := sql.Open("sqlite3", sqliteDSN("betaforge-"+uuid.New().String(), "memory"))
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return db, nil
}

// prepareSQLiteFile resolves path and creates the file and its directory.
func prepareSQLiteFile(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("sqlite database path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve database path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("failed to create database directory: %w", err)
	}
	f, err := os.OpenFile(abs, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create database file: %w", err)
	}
	return abs, f.Close()
}
