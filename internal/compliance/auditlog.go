package compliance

import (
	"time"

	"github.com/hengadev/phisafe/internal/audit"
)

// AuditLogEntry is an audit record as found in an export or a log line.
// Timestamp is kept as text so malformed values can be reported.
type AuditLogEntry struct {
	EventID      string `json:"event_id"`
	EventType    string `json:"event_type"`
	UserID       string `json:"user_id"`
	ResourceType string `json:"resource_type"`
	Operation    string `json:"operation"`
	Timestamp    string `json:"timestamp"`
	PHIAccess    bool   `json:"phi_access"`
	BreakGlass   bool   `json:"break_glass"`
	Reason       string `json:"reason"`
}

// EntryFromEvent converts a stored audit event.
func EntryFromEvent(e audit.Event) AuditLogEntry {
	entry := AuditLogEntry{
		EventID:      e.ID,
		EventType:    string(e.Type),
		UserID:       e.UserID,
		ResourceType: e.ResourceType,
		Operation:    string(e.Operation),
		PHIAccess:    e.Type == audit.EventPHIAccess,
		BreakGlass:   e.Operation == audit.OpEmergencyAccess,
		Reason:       e.Reason,
	}
	if !e.Timestamp.IsZero() {
		entry.Timestamp = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return entry
}

type requiredField struct {
	name  string
	value string
}

type AuditLogValidation struct {
	EventID         string   `json:"event_id"`
	IsCompliant     bool     `json:"is_compliant"`
	ChecksPerformed []string `json:"checks_performed"`
	FailedChecks    []string `json:"failed_checks"`
}

func (v AuditLogValidation) Result() Result {
	return newResult(CategoryAuditLogging, v.EventID, v.ChecksPerformed, v.FailedChecks)
}

// ValidateAuditLogging checks an entry for completeness. Every entry needs
// an id, a type and a timestamp; PHI entries also need the user and the
// resource type, and emergency access needs a reason.
func ValidateAuditLogging(entry AuditLogEntry) AuditLogValidation {
	v := AuditLogValidation{
		EventID:         entry.EventID,
		ChecksPerformed: []string{"required_fields", "timestamp_format", "break_glass_reason"},
		FailedChecks:    []string{},
	}

	required := []requiredField{
		{"event_id", entry.EventID},
		{"event_type", entry.EventType},
		{"timestamp", entry.Timestamp},
	}
	if entry.PHIAccess {
		required = append(required,
			requiredField{"user_id", entry.UserID},
			requiredField{"resource_type", entry.ResourceType},
		)
	}
	for _, f := range required {
		if f.value == "" {
			v.FailedChecks = append(v.FailedChecks, CodeMissingRequiredField+":"+f.name)
		}
	}

	if entry.Timestamp != "" {
		if _, err := time.Parse(time.RFC3339Nano, entry.Timestamp); err != nil {
			v.FailedChecks = append(v.FailedChecks, CodeInvalidTimestamp)
		}
	}

	breakGlass := entry.BreakGlass || entry.Operation == string(audit.OpEmergencyAccess)
	if entry.PHIAccess && breakGlass && entry.Reason == "" {
		v.FailedChecks = append(v.FailedChecks, CodeMissingBreakGlassReason)
	}

	v.IsCompliant = len(v.FailedChecks) == 0
	return v
}
