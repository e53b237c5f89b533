package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id            TEXT PRIMARY KEY,
	event_type    TEXT NOT NULL,
	event_name    TEXT NOT NULL DEFAULT '',
	user_id       TEXT NOT NULL DEFAULT '',
	org_id        TEXT NOT NULL DEFAULT '',
	session_id    TEXT NOT NULL DEFAULT '',
	resource_type TEXT NOT NULL DEFAULT '',
	resource_id   TEXT NOT NULL DEFAULT '',
	field_names   TEXT[] NOT NULL DEFAULT '{}',
	operation     TEXT NOT NULL DEFAULT '',
	success       BOOLEAN NOT NULL,
	error_detail  TEXT NOT NULL DEFAULT '',
	severity      TEXT NOT NULL DEFAULT '',
	reason        TEXT NOT NULL DEFAULT '',
	description   TEXT NOT NULL DEFAULT '',
	key_version   INTEGER NOT NULL DEFAULT 0,
	details       JSONB NOT NULL DEFAULT '{}',
	occurred_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_occurred_at ON audit_events (occurred_at);
CREATE INDEX IF NOT EXISTS idx_audit_events_user_id ON audit_events (user_id, occurred_at);
`

// NewPostgresPool opens and pings a pgx pool.
func NewPostgresPool(ctx context.Context, databaseURL string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// PostgresStore persists events in Postgres through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates the audit table if needed.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Append(ctx context.Context, e Event) error {
	names := e.FieldNames
	if names == nil {
		names = []string{}
	}
	details := e.Details
	if details == nil {
		details = map[string]string{}
	}

	_, err := s.pool.Exec(ctx, `INSERT INTO audit_events (`+eventColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		e.ID, string(e.Type), e.Name, e.UserID, e.OrgID, e.SessionID, e.ResourceType, e.ResourceID,
		names, string(e.Operation), e.Success, e.ErrorDetail, string(e.Severity), e.Reason,
		e.Description, e.KeyVersion, details, e.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("hipaa audit: insert event: %w", err)
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]Event, int, error) {
	where, args := postgresDialect.where(f)

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_events`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("hipaa audit: count events: %w", err)
	}

	limit, args := postgresDialect.page(f, args)
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM audit_events`+where+` ORDER BY occurred_at DESC, id DESC`+limit, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("hipaa audit: query events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		e, err := scanPostgresEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("hipaa audit: read events: %w", err)
	}
	return events, total, nil
}

func scanPostgresEvent(row pgx.Row) (Event, error) {
	var (
		e                       Event
		eventType, op, severity string
	)
	if err := row.Scan(&e.ID, &eventType, &e.Name, &e.UserID, &e.OrgID, &e.SessionID, &e.ResourceType,
		&e.ResourceID, &e.FieldNames, &op, &e.Success, &e.ErrorDetail, &severity, &e.Reason, &e.Description,
		&e.KeyVersion, &e.Details, &e.Timestamp); err != nil {
		return Event{}, fmt.Errorf("hipaa audit: scan event: %w", err)
	}
	e.Type, e.Operation, e.Severity = EventType(eventType), Operation(op), Severity(severity)
	e.Timestamp = e.Timestamp.UTC()
	if len(e.FieldNames) == 0 {
		e.FieldNames = nil
	}
	if len(e.Details) == 0 {
		e.Details = nil
	}
	return e, nil
}

func (s *PostgresStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit_events WHERE occurred_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("hipaa audit: delete expired events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
