package storage

import (
	"context"
)

// PostgresStore composes the Postgres repositories into a Store
type PostgresStore struct {
	*SnapshotRepository
	*DistributionRepository
	*JobRepository
	db *PostgresDB
}

// NewPostgresStore wires every repository onto one pool
func NewPostgresStore(db *PostgresDB) *PostgresStore {
	return &PostgresStore{
		SnapshotRepository:     NewSnapshotRepository(db),
		DistributionRepository: NewDistributionRepository(db),
		JobRepository:          NewJobRepository(db),
		db:                     db,
	}
}

// Ping checks if the database is reachable
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the pool
func (s *PostgresStore) Close() {
	s.db.Close()
}

var _ Store = (*PostgresStore)(nil)
