package db

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultPostgresMaxConns  = 25
	defaultPostgresIdleConns = 5
	postgresConnLifetime     = 30 * time.Minute
	postgresPingTimeout      = 10 * time.Second
)

var dsnPassword = regexp.MustCompile(`password=\S*`)

// OpenPostgres opens a PostgreSQL database through the pgx stdlib driver
// and verifies it is reachable. Non-positive pool sizes use the defaults.
func OpenPostgres(dsn string, maxConns, minConns int) (*sql.DB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	if maxConns <= 0 {
		maxConns = defaultPostgresMaxConns
	}
	if minConns <= 0 || minConns > maxConns {
		minConns = min(defaultPostgresIdleConns, maxConns)
	}
	conn.SetMaxOpenConns(maxConns)
	conn.SetMaxIdleConns(minConns)
	conn.SetConnMaxLifetime(postgresConnLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), postgresPingTimeout)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("postgres at %s is unreachable: %w", redactDSN(dsn), err)
	}
	return conn, nil
}

func redactDSN(dsn string) string {
	return dsnPassword.ReplaceAllString(dsn, "password=***")
}
