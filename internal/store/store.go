package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"order-workflow/internal/errs"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Postgres error codes
const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
	pqCheckViolation      = "23514"
)

// Store is the Postgres implementation of the status registry and order store.
type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx runs fn in a transaction, committing when fn returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// lockProject serializes registry mutations of one project until the
// transaction ends.
func lockProject(ctx context.Context, tx *sqlx.Tx, projectID int64) error {
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", projectID); err != nil {
		return fmt.Errorf("failed to lock project %d: %w", projectID, err)
	}
	return nil
}

// translateError maps constraint violations onto domain errors.
func translateError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}

	switch pqErr.Code {
	case pqUniqueViolation:
		if pqErr.Constraint == "idx_order_statuses_name" {
			return errs.NewValidationError("name", "a status with this name already exists")
		}
	case pqForeignKeyViolation:
		switch pqErr.Constraint {
		case "order_statuses_timeout_target_fk":
			return errs.NewValidationError("timeout_target_status_id", "status does not exist")
		case "order_statuses_container_fk":
			return errs.NewValidationError("container_id", "container does not exist")
		}
	case pqCheckViolation:
		return errs.NewValidationError(pqErr.Constraint, pqErr.Message)
	}
	return err
}
