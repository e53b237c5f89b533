package audit

import (
	"fmt"
	"strings"
	"time"
)

// sqlDialect captures the differences between the SQLite and Postgres stores.
type sqlDialect struct {
	placeholder func(n int) string
	timeArg     func(t time.Time) any
}

var (
	sqliteDialect = sqlDialect{
		placeholder: func(int) string { return "?" },
		timeArg:     func(t time.Time) any { return t.UTC().UnixNano() },
	}
	postgresDialect = sqlDialect{
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
		timeArg:     func(t time.Time) any { return t.UTC() },
	}
)

// where renders the filter as a WHERE clause (empty when nothing filters).
func (d sqlDialect) where(f Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(column string, op string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s %s %s", column, op, d.placeholder(len(args))))
	}

	if f.UserID != "" {
		add("user_id", "=", f.UserID)
	}
	if f.ResourceType != "" {
		add("resource_type", "=", f.ResourceType)
	}
	if f.ResourceID != "" {
		add("resource_id", "=", f.ResourceID)
	}
	if f.Type != "" {
		add("event_type", "=", string(f.Type))
	}
	if f.Operation != "" {
		add("operation", "=", string(f.Operation))
	}
	if f.From != nil {
		add("occurred_at", ">=", d.timeArg(*f.From))
	}
	if f.To != nil {
		add("occurred_at", "<=", d.timeArg(*f.To))
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// page appends LIMIT/OFFSET when the filter is paginated.
func (d sqlDialect) page(f Filter, args []any) (string, []any) {
	if f.Limit <= 0 {
		return "", args
	}
	args = append(args, f.Limit, f.Offset)
	return fmt.Sprintf(" LIMIT %s OFFSET %s", d.placeholder(len(args)-1), d.placeholder(len(args))), args
}

const eventColumns = `id, event_type, event_name, user_id, org_id, session_id, resource_type, resource_id,
	field_names, operation, success, error_detail, severity, reason, description, key_version, details, occurred_at`
