// Package postgres implements model.Repository on top of PostgreSQL,
// storing each entity as a JSONB document (spec §6: "JSON-serialized
// entities"). Grounded on the teacher's examples/postgres-agent use of
// database/sql + the lib/pq driver.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	mediator "github.com/layr8/didcomm-mediator"
	"github.com/layr8/didcomm-mediator/internal/model"
)

const (
	pingRetries     = 5
	pingInitialWait = 250 * time.Millisecond
	pingMaxWait     = 4 * time.Second
)

// Open opens a *sql.DB against dsn using the lib/pq driver and waits for
// the server to accept connections, retrying Ping with exponential
// backoff (spec §9: suspending calls to a remote dependency at startup
// SHOULD be wrapped rather than fail on the first transient refusal,
// e.g. a database container still coming up). Callers are expected to
// call EnsureTable for each entity table they use afterward.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	b := mediator.NewBackoff(pingInitialWait, pingMaxWait)
	var pingErr error
	for attempt := 0; attempt <= pingRetries; attempt++ {
		if pingErr = db.Ping(); pingErr == nil {
			return db, nil
		}
		if attempt < pingRetries {
			time.Sleep(b.Next())
		}
	}
	db.Close()
	return nil, fmt.Errorf("ping postgres after %d attempts: %w", pingRetries+1, pingErr)
}

// Store is a JSONB-backed model.Repository[T]. Every row is (id text
// primary key, data jsonb); reads unmarshal the row, writes marshal t.
type Store[T model.Entity] struct {
	db    *sql.DB
	table string
	zero  func() T
}

// New returns a Store writing to the given table. zero must return a fresh
// *T-shaped zero value (e.g. func() *model.Connection { return new(model.Connection) }),
// since Go generics can't allocate T directly when T is an interface-
// constrained pointer type.
func New[T model.Entity](db *sql.DB, table string, zero func() T) *Store[T] {
	return &Store[T]{db: db, table: table, zero: zero}
}

// EnsureTable creates the backing table if it does not already exist.
func (s *Store[T]) EnsureTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, data JSONB NOT NULL)`, s.table))
	if err != nil {
		return model.NewRepositoryError(model.ErrGeneric, err)
	}
	return nil
}

func (s *Store[T]) scanAll(ctx context.Context, query string, args ...any) ([]T, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, model.NewRepositoryError(model.ErrGeneric, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, model.NewRepositoryError(model.ErrGeneric, err)
		}
		t := s.zero()
		if err := json.Unmarshal(raw, t); err != nil {
			return nil, model.NewRepositoryError(model.ErrBsonConversion, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewRepositoryError(model.ErrGeneric, err)
	}
	return out, nil
}

func (s *Store[T]) FindAll(ctx context.Context) ([]T, error) {
	out, err := s.scanAll(ctx, fmt.Sprintf("SELECT data FROM %s", s.table))
	if out == nil {
		out = []T{}
	}
	return out, err
}

func (s *Store[T]) FindOne(ctx context.Context, id string) (T, bool, error) {
	rows, err := s.scanAll(ctx, fmt.Sprintf("SELECT data FROM %s WHERE id = $1", s.table), id)
	var zero T
	if err != nil {
		return zero, false, err
	}
	if len(rows) == 0 {
		return zero, false, nil
	}
	return rows[0], true, nil
}

// FindOneBy and FindAllBy scan the full table and filter in Go. Spec §4.B
// only requires "stable iteration order per store" and an arbitrary
// attribute predicate; it does not require SQL pushdown.
func (s *Store[T]) FindOneBy(ctx context.Context, f model.Filter[T]) (T, bool, error) {
	all, err := s.FindAll(ctx)
	var zero T
	if err != nil {
		return zero, false, err
	}
	for _, t := range all {
		if f(t) {
			return t, true, nil
		}
	}
	return zero, false, nil
}

func (s *Store[T]) FindAllBy(ctx context.Context, f model.Filter[T], limit int) ([]T, error) {
	all, err := s.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []T
	for _, t := range all {
		if f == nil || f(t) {
			out = append(out, t)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store[T]) CountBy(ctx context.Context, f model.Filter[T]) (int, error) {
	all, err := s.FindAllBy(ctx, f, 0)
	if err != nil {
		return 0, err
	}
	return len(all), nil
}

func (s *Store[T]) Store(ctx context.Context, t T) (T, error) {
	var zero T
	if t.GetID() == "" {
		t.SetID(uuid.New().String())
	}

	raw, err := json.Marshal(t)
	if err != nil {
		return zero, model.NewRepositoryError(model.ErrBsonConversion, err)
	}

	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (id, data) VALUES ($1, $2)", s.table),
		t.GetID(), raw)
	if err != nil {
		return zero, model.NewRepositoryError(model.ErrGeneric, err)
	}
	return t, nil
}

func (s *Store[T]) Update(ctx context.Context, t T) (T, error) {
	var zero T
	if t.GetID() == "" {
		return zero, model.NewRepositoryError(model.ErrMissingIdentifier, nil)
	}

	raw, err := json.Marshal(t)
	if err != nil {
		return zero, model.NewRepositoryError(model.ErrBsonConversion, err)
	}

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET data = $2 WHERE id = $1", s.table),
		t.GetID(), raw)
	if err != nil {
		return zero, model.NewRepositoryError(model.ErrGeneric, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return zero, model.NewRepositoryError(model.ErrGeneric, err)
	}
	if n == 0 {
		return zero, model.NewRepositoryError(model.ErrTargetNotFound, nil)
	}
	return t, nil
}

func (s *Store[T]) DeleteOne(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.table), id)
	if err != nil {
		return model.NewRepositoryError(model.ErrGeneric, err)
	}
	return nil // idempotent on already-missing id, per spec §4.B
}
