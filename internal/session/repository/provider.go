package repository

import (
	"github.com/betaforge/betaforge/internal/db"
	"github.com/betaforge/betaforge/internal/session/repository/sqlite"
)

// Ensure the SQL repository implements Repository interface
var _ Repository = (*sqlite.Repository)(nil)

// Provide creates the SQL repository over the pool's writer and reader.
func Provide(pool *db.Pool) (*sqlite.Repository, func() error, error) {
	repo, err := sqlite.NewWithDB(pool.Writer(), pool.Reader())
	if err != nil {
		return nil, nil, err
	}
	return repo, repo.Close, nil
}
