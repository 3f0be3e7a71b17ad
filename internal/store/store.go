package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"shop-core/internal/apperrors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

// Store is the PostgreSQL implementation of Repository.
// A Store returned by WithTx shares the transaction with every call made through it.
type Store struct {
	db   *sqlx.DB
	q    sqlx.ExtContext
	inTx bool
}

var _ Repository = (*Store)(nil)

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

	return NewStoreFromDB(db), nil
}

// NewStoreFromDB wraps an existing connection pool
func NewStoreFromDB(db *sqlx.DB) *Store {
	return &Store{db: db, q: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *Store) WithTx(ctx context.Context, fn func(tx Repository) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Store{db: s.db, q: tx, inTx: true}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// get runs a single-row query and maps sql.ErrNoRows to a NotFound error for kind/id.
func (s *Store) get(ctx context.Context, dest any, kind, id, query string, args ...any) error {
	err := sqlx.GetContext(ctx, s.q, dest, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NotFound(kind, id)
	}
	return mapError(err)
}

// mapError converts constraint violations into coded errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return apperrors.Wrap(apperrors.CodeConflict, err, "resource already exists")
		case "23514":
			return apperrors.Wrap(apperrors.CodeValidation, err, "constraint violated: "+pqErr.Constraint)
		case "23503":
			return apperrors.Wrap(apperrors.CodeNotFound, err, "referenced resource does not exist")
		}
	}
	return err
}
