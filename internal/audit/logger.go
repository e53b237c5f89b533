// Package audit records every encryption operation, PHI access and security
// event. Writes fail closed: if an event cannot be committed within the write
// timeout, the caller gets ErrAuditWrite and must not release the data.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hengadev/phisafe/internal/phierr"
)

const (
	DefaultWriteTimeout  = 5 * time.Second
	MinRetentionDays     = 2190 // six years
	DefaultRetentionDays = MinRetentionDays
)

// Logger writes audit events to a Store.
type Logger struct {
	store         Store
	logger        zerolog.Logger
	writeTimeout  time.Duration
	retentionDays int
	rules         RuleConfig
	now           func() time.Time
}

// Option configures a Logger.
type Option func(*Logger)

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Logger) { l.logger = logger }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(l *Logger) {
		if d > 0 {
			l.writeTimeout = d
		}
	}
}

// WithRetentionDays sets how long events are kept. Values below
// MinRetentionDays are rejected by NewLogger.
func WithRetentionDays(days int) Option {
	return func(l *Logger) { l.retentionDays = days }
}

func WithRules(cfg RuleConfig) Option {
	return func(l *Logger) { l.rules = cfg }
}

func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

func NewLogger(store Store, opts ...Option) (*Logger, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: audit store cannot be nil", phierr.ErrInvalidConfiguration)
	}
	l := &Logger{
		store:         store,
		logger:        zerolog.Nop(),
		writeTimeout:  DefaultWriteTimeout,
		retentionDays: DefaultRetentionDays,
		rules:         DefaultRuleConfig(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.retentionDays < MinRetentionDays {
		return nil, fmt.Errorf("%w: audit retention must be at least %d days, got %d",
			phierr.ErrInvalidConfiguration, MinRetentionDays, l.retentionDays)
	}
	l.logger = l.logger.With().Str("component", "audit").Logger()
	return l, nil
}

// RetentionDays returns the configured retention period.
func (l *Logger) RetentionDays() int { return l.retentionDays }

// LogEncryptionOperation records an encrypt or decrypt call.
func (l *Logger) LogEncryptionOperation(ctx context.Context, op EncryptionOperation) (string, error) {
	if op.Operation == "" {
		op.Operation = OpEncrypt
	}
	if op.Operation != OpEncrypt && op.Operation != OpDecrypt {
		return "", phierr.NewAuditWriteError(string(EventEncryptionOperation),
			fmt.Errorf("operation must be encrypt or decrypt, got %q", op.Operation))
	}
	return l.write(ctx, Event{
		Type:         EventEncryptionOperation,
		ResourceType: op.ResourceType,
		ResourceID:   op.ResourceID,
		FieldNames:   op.FieldNames,
		Operation:    op.Operation,
		KeyVersion:   op.KeyVersion,
		Success:      op.Success,
		ErrorDetail:  failureDetail(op.Success, op.ErrorDetail),
	})
}

// LogPHIAccess records an access to PHI. Emergency access requires a reason.
func (l *Logger) LogPHIAccess(ctx context.Context, access PHIAccess) (string, error) {
	if !access.Operation.valid() {
		return "", phierr.NewAuditWriteError(string(EventPHIAccess),
			fmt.Errorf("unknown access operation %q", access.Operation))
	}
	if access.Operation == OpEmergencyAccess && access.Reason == "" {
		return "", phierr.NewAuditWriteError(string(EventPHIAccess),
			fmt.Errorf("emergency access requires a reason"))
	}
	return l.write(ctx, Event{
		Type:         EventPHIAccess,
		ResourceType: access.ResourceType,
		ResourceID:   access.ResourceID,
		FieldNames:   access.FieldNames,
		Operation:    access.Operation,
		Reason:       access.Reason,
		KeyVersion:   access.KeyVersion,
		Success:      access.Success,
		ErrorDetail:  failureDetail(access.Success, access.ErrorDetail),
	})
}

// LogBreakGlass records an emergency access that bypassed normal
// authorization, followed by a high severity security event.
func (l *Logger) LogBreakGlass(ctx context.Context, resourceType, resourceID, reason string, fieldNames []string) (string, error) {
	id, err := l.LogPHIAccess(ctx, PHIAccess{
		ResourceType: resourceType,
		ResourceID:   resourceID,
		FieldNames:   fieldNames,
		Operation:    OpEmergencyAccess,
		Reason:       reason,
		Success:      true,
	})
	if err != nil {
		return "", err
	}

	if _, err := l.LogSecurityEvent(ctx, SecurityEvent{
		Name:         "break_glass_access",
		Severity:     SeverityHigh,
		Description:  "emergency access to PHI",
		ResourceType: resourceType,
		Details:      map[string]string{"access_event_id": id, "resource_id": resourceID},
	}); err != nil {
		return id, err
	}
	return id, nil
}

// LogSecurityEvent records an anomaly or security relevant change.
func (l *Logger) LogSecurityEvent(ctx context.Context, ev SecurityEvent) (string, error) {
	if !ev.Severity.valid() {
		return "", phierr.NewAuditWriteError(string(EventSecurity), fmt.Errorf("unknown severity %q", ev.Severity))
	}
	if ev.Name == "" {
		return "", phierr.NewAuditWriteError(string(EventSecurity), fmt.Errorf("event name is required"))
	}
	return l.write(ctx, Event{
		Type:         EventSecurity,
		Name:         ev.Name,
		Severity:     ev.Severity,
		Description:  ev.Description,
		ResourceType: ev.ResourceType,
		Details:      ev.Details,
		Success:      true,
	})
}

func (l *Logger) write(ctx context.Context, e Event) (string, error) {
	e.ID = uuid.NewString()
	e.Timestamp = l.now().UTC()
	if actor, ok := ActorFromContext(ctx); ok {
		e.UserID, e.OrgID, e.SessionID = actor.UserID, actor.OrgID, actor.SessionID
	}

	wctx, cancel := context.WithTimeout(ctx, l.writeTimeout)
	defer cancel()

	if err := l.store.Append(wctx, e); err != nil {
		l.logger.Error().Err(err).
			Str("event_type", string(e.Type)).
			Str("resource_type", e.ResourceType).
			Msg("audit write failed")
		return "", phierr.NewAuditWriteError(string(e.Type), err)
	}

	l.logger.Debug().
		Str("event_id", e.ID).
		Str("event_type", string(e.Type)).
		Str("operation", string(e.Operation)).
		Str("resource_type", e.ResourceType).
		Bool("success", e.Success).
		Msg("audit event recorded")
	return e.ID, nil
}

// History returns matching events newest first. Limit defaults to 100 and
// is capped at 1000.
func (l *Logger) History(ctx context.Context, f Filter) (Page, error) {
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return Page{}, fmt.Errorf("%w: from is after to", ErrInvalidQuery)
	}
	applyDefaults(&f)

	events, total, err := l.store.Query(ctx, f)
	if err != nil {
		return Page{}, fmt.Errorf("audit history: %w", err)
	}
	if events == nil {
		events = make([]Event, 0)
	}
	return Page{Events: events, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// PurgeExpired deletes events older than the retention period. The purge is
// itself bracketed by security events; if the opening event cannot be
// written nothing is deleted.
func (l *Logger) PurgeExpired(ctx context.Context) (int, error) {
	cutoff := l.now().UTC().AddDate(0, 0, -l.retentionDays)
	details := map[string]string{
		"cutoff":         cutoff.Format(time.RFC3339),
		"retention_days": fmt.Sprint(l.retentionDays),
	}

	if _, err := l.LogSecurityEvent(ctx, SecurityEvent{
		Name:        "audit_retention_purge_started",
		Severity:    SeverityMedium,
		Description: "retention expiry of audit events started",
		Details:     details,
	}); err != nil {
		return 0, err
	}

	deleted, purgeErr := l.store.DeleteBefore(ctx, cutoff)

	done := map[string]string{"deleted": fmt.Sprint(deleted)}
	for k, v := range details {
		done[k] = v
	}
	severity := SeverityMedium
	if purgeErr != nil {
		severity = SeverityHigh
		done["error"] = "purge failed"
	}
	_, logErr := l.LogSecurityEvent(ctx, SecurityEvent{
		Name:        "audit_retention_purge_completed",
		Severity:    severity,
		Description: "retention expiry of audit events finished",
		Details:     done,
	})

	if purgeErr != nil {
		return 0, fmt.Errorf("audit retention purge: %w", purgeErr)
	}
	l.logger.Info().Int("deleted", deleted).Time("cutoff", cutoff).Msg("audit retention purge completed")
	return deleted, logErr
}

func failureDetail(success bool, detail string) string {
	if success {
		return ""
	}
	if detail == "" {
		return "operation failed"
	}
	return detail
}
