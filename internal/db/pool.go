// Package db opens the relational store behind the session repository.
package db

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/betaforge/betaforge/internal/common/config"
	"github.com/betaforge/betaforge/internal/db/dialect"
)

// Pool provides separate read and write connections.
//
// For SQLite the writer is a single connection and the reader is a read-only
// pool working off WAL snapshots. An in-memory SQLite database and PostgreSQL
// share one *sqlx.DB for both.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from separate writer and reader connections.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Open opens the database selected by cfg.Driver.
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		writer, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		if IsMemoryPath(cfg.Path) {
			x := sqlx.NewDb(writer, dialect.SQLite3)
			return NewPool(x, x), nil
		}
		reader, err := OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return NewPool(sqlx.NewDb(writer, dialect.SQLite3), sqlx.NewDb(reader, dialect.SQLite3)), nil
	case "postgres":
		conn, err := OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		x := sqlx.NewDb(conn, dialect.PGX)
		return NewPool(x, x), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// Writer returns the pool used for INSERT, UPDATE, DELETE and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the pool used for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
