package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/javiergcw/kraken-sas/pkg/db"
	"github.com/javiergcw/kraken-sas/pkg/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct{ DB *pgxpool.Pool }

func New(pool *pgxpool.Pool) *Store { return &Store{DB: pool} }

func (s *Store) Migrate(ctx context.Context) error {
	return db.Migrate(ctx, s.DB, migrations, "migrations")
}

func (s *Store) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return err
}

// uniqueViolation maps a Postgres unique-constraint failure to a ConflictError
// carrying the server's own detail text.
func uniqueViolation(err error, code string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		msg := strings.TrimSpace(pgErr.Detail)
		if msg == "" {
			msg = pgErr.Message
		}
		return &domain.ConflictError{Code: code, Message: msg}
	}
	return err
}

func versionConflict(kind, id string) error {
	return &domain.ConflictError{Code: "VERSION_MISMATCH", Message: fmt.Sprintf("%s %s was modified by another request", kind, id)}
}

func nullable(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}
