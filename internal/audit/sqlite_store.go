package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hengadev/phisafe/internal/audit/migrations"
	"github.com/hengadev/phisafe/internal/sqlitedb"
)

// SQLiteStore persists events in the audit_events table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore applies the audit schema migrations to db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database cannot be nil")
	}
	if err := sqlitedb.ApplyMigrations(db, migrations.Migrations, "audit_schema_migrations"); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, e Event) error {
	fieldNames, details, err := encodeEventCollections(e)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO audit_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), e.Name, e.UserID, e.OrgID, e.SessionID, e.ResourceType, e.ResourceID,
		fieldNames, string(e.Operation), e.Success, e.ErrorDetail, string(e.Severity), e.Reason,
		e.Description, e.KeyVersion, details, e.Timestamp.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Query(ctx context.Context, f Filter) ([]Event, int, error) {
	where, args := sqliteDialect.where(f)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit events: %w", err)
	}

	limit, args := sqliteDialect.page(f, args)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM audit_events`+where+` ORDER BY occurred_at DESC, rowid DESC`+limit, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		var (
			e                       Event
			eventType, op, severity string
			fieldNames, details     string
			occurredAt              int64
		)
		if err := rows.Scan(&e.ID, &eventType, &e.Name, &e.UserID, &e.OrgID, &e.SessionID, &e.ResourceType,
			&e.ResourceID, &fieldNames, &op, &e.Success, &e.ErrorDetail, &severity, &e.Reason, &e.Description,
			&e.KeyVersion, &details, &occurredAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.Type, e.Operation, e.Severity = EventType(eventType), Operation(op), Severity(severity)
		e.Timestamp = time.Unix(0, occurredAt).UTC()
		if err := decodeEventCollections(&e, fieldNames, details); err != nil {
			return nil, 0, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read audit events: %w", err)
	}
	return events, total, nil
}

func (s *SQLiteStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE occurred_at < ?`, cutoff.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired audit events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted audit events: %w", err)
	}
	return int(n), nil
}

func encodeEventCollections(e Event) (string, string, error) {
	names := e.FieldNames
	if names == nil {
		names = []string{}
	}
	fieldNames, err := json.Marshal(names)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode field names: %w", err)
	}
	d := e.Details
	if d == nil {
		d = map[string]string{}
	}
	details, err := json.Marshal(d)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode details: %w", err)
	}
	return string(fieldNames), string(details), nil
}

func decodeEventCollections(e *Event, fieldNames, details string) error {
	if err := json.Unmarshal([]byte(fieldNames), &e.FieldNames); err != nil {
		return fmt.Errorf("failed to decode field names: %w", err)
	}
	if len(e.FieldNames) == 0 {
		e.FieldNames = nil
	}
	if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
		return fmt.Errorf("failed to decode details: %w", err)
	}
	if len(e.Details) == 0 {
		e.Details = nil
	}
	return nil
}
