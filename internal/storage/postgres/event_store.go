// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/consulta-orchestrator/internal/progress"
)

// DefaultEventTable receives job events when no table is configured.
const DefaultEventTable = "job_events"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// EventStoreConfig controls the Postgres connection pool used for event rows.
type EventStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// EventStore archives job lifecycle events in Postgres. It implements
// progress.Sink so the Hub can feed it batches; the in-memory job table stays
// the source of truth for the API.
type EventStore struct {
	pool  execCloser
	table string
	query string
}

// NewEventStore creates a Postgres-backed EventStore using the provided config.
func NewEventStore(ctx context.Context, cfg EventStoreConfig) (*EventStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("progress.postgres_dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewEventStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewEventStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewEventStoreWithPool(pool execCloser, table string) (*EventStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = DefaultEventTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &EventStore{
		pool:  pool,
		table: table,
		query: fmt.Sprintf(`
INSERT INTO %s (
	job_id,
	job_kind,
	cedula,
	event,
	status,
	stage,
	outcome,
	duration_ms,
	note,
	event_ts
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)`, table),
	}, nil
}

// Consume inserts one row per event. The first failing insert aborts the
// batch; the Hub logs it and moves on.
func (s *EventStore) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("event store is not configured")
	}
	for _, evt := range batch {
		args := []any{
			evt.JobID,
			string(evt.JobKind),
			evt.SubjectID,
			string(evt.Kind),
			string(evt.Status),
			string(evt.Stage),
			evt.Outcome,
			evt.Dur.Milliseconds(),
			evt.Note,
			evt.TS,
		}
		if _, err := s.pool.Exec(ctx, s.query, args...); err != nil {
			return fmt.Errorf("insert event %s for job %s: %w", evt.Kind, evt.JobID, err)
		}
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *EventStore) Close(context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
