package dialect

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Execer is satisfied by both *sqlx.DB and *sqlx.Tx.
type Execer interface {
	sqlx.ExtContext
	DriverName() string
}

// InsertSeq runs an INSERT written with ? placeholders and returns the
// sequence value the database assigned to column. SQLite reports the rowid,
// so there column must be the table's INTEGER PRIMARY KEY.
func InsertSeq(ctx context.Context, db Execer, column, query string, args ...any) (int64, error) {
	if !IsPostgres(db.DriverName()) {
		res, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, err
		}
		return res.LastInsertId()
	}

	var seq int64
	q := db.Rebind(fmt.Sprintf("%s RETURNING %s", query, column))
	if err := db.QueryRowxContext(ctx, q, args...).Scan(&seq); err != nil {
		return 0, fmt.Errorf("insert returning %s: %w", column, err)
	}
	return seq, nil
}
