package dialect

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"
)

func TestFragments(t *testing.T) {
	assert.Equal(t, "INTEGER PRIMARY KEY AUTOINCREMENT", AutoIncrement(SQLite3))
	assert.Equal(t, "BIGSERIAL PRIMARY KEY", AutoIncrement(PGX))
	assert.Equal(t, "TEXT", JSONColumn(SQLite3))
	assert.Equal(t, "JSONB", JSONColumn(PGX))
	assert.False(t, IsPostgres(SQLite3))
	assert.True(t, IsPostgres(PGX))
}

func TestInsertSeqSQLite(t *testing.T) {
	db, err := sqlx.Open(SQLite3, "file::memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer func() { _ = db.Close() }()

	_, err = db.Exec(`CREATE TABLE log (seq ` + AutoIncrement(SQLite3) + `, msg TEXT)`)
	require.NoError(t, err)

	ctx := context.Background()
	first, err := InsertSeq(ctx, db, "seq", `INSERT INTO log (msg) VALUES (?)`, "a")
	require.NoError(t, err)
	second, err := InsertSeq(ctx, db, "seq", `INSERT INTO log (msg) VALUES (?)`, "b")
	require.NoError(t, err)

	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(2), second)
}
