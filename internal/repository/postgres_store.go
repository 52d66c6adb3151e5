package repository

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore bundles the attempt and exam repositories over one pool so the
// server can treat PostgreSQL and SQLite interchangeably.
type PostgresStore struct {
	*AttemptRepository
	*ExamRepository
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		AttemptRepository: NewAttemptRepository(pool),
		ExamRepository:    NewExamRepository(pool),
	}
}
