package audit

import (
	"errors"
	"time"
)

// EventType classifies an audit event.
type EventType string

const (
	EventEncryptionOperation EventType = "ENCRYPTION_OPERATION"
	EventPHIAccess           EventType = "PHI_ACCESS"
	EventSecurity            EventType = "SECURITY_EVENT"
)

// Operation is what was done to the resource.
type Operation string

const (
	OpEncrypt         Operation = "encrypt"
	OpDecrypt         Operation = "decrypt"
	OpView            Operation = "view"
	OpUpdate          Operation = "update"
	OpDelete          Operation = "delete"
	OpEmergencyAccess Operation = "emergency_access"
)

func (o Operation) valid() bool {
	switch o {
	case OpEncrypt, OpDecrypt, OpView, OpUpdate, OpDelete, OpEmergencyAccess:
		return true
	}
	return false
}

// Severity applies to SECURITY_EVENT only.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
	SeverityUrgent Severity = "urgent"
)

func (s Severity) valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityUrgent:
		return true
	}
	return false
}

// ErrInvalidQuery is returned for malformed history or detection requests.
var ErrInvalidQuery = errors.New("invalid audit query")

// Event is one append-only audit record. It never carries plaintext, tokens
// or key material.
type Event struct {
	ID           string            `json:"id"`
	Type         EventType         `json:"type"`
	Name         string            `json:"name,omitempty"`
	UserID       string            `json:"user_id,omitempty"`
	OrgID        string            `json:"org_id,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	ResourceType string            `json:"resource_type,omitempty"`
	ResourceID   string            `json:"resource_id,omitempty"`
	FieldNames   []string          `json:"field_names,omitempty"`
	Operation    Operation         `json:"operation,omitempty"`
	Success      bool              `json:"success"`
	ErrorDetail  string            `json:"error_detail,omitempty"`
	Severity     Severity          `json:"severity,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	Description  string            `json:"description,omitempty"`
	KeyVersion   int               `json:"key_version,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// EncryptionOperation describes one encrypt or decrypt call.
type EncryptionOperation struct {
	ResourceType string
	ResourceID   string
	FieldNames   []string
	Operation    Operation
	KeyVersion   int
	Success      bool
	ErrorDetail  string
}

// PHIAccess describes one access to PHI.
type PHIAccess struct {
	ResourceType string
	ResourceID   string
	FieldNames   []string
	Operation    Operation
	Reason       string
	KeyVersion   int
	Success      bool
	ErrorDetail  string
}

// SecurityEvent describes an anomaly or a security relevant change not tied
// to a single PHI record.
type SecurityEvent struct {
	Name         string
	Severity     Severity
	Description  string
	ResourceType string
	Details      map[string]string
}

// Filter selects events for History. Zero values match everything.
type Filter struct {
	UserID       string     `query:"user_id"`
	ResourceType string     `query:"resource_type"`
	ResourceID   string     `query:"resource_id"`
	Type         EventType  `query:"event_type"`
	Operation    Operation  `query:"operation"`
	From         *time.Time `query:"from"`
	To           *time.Time `query:"to"`
	Limit        int        `query:"limit"`
	Offset       int        `query:"offset"`
}

// Page is one page of History results, newest first.
type Page struct {
	Events []Event `json:"events"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

const (
	DefaultPageLimit = 100
	MaxPageLimit     = 1000
)

func applyDefaults(f *Filter) {
	if f.Limit <= 0 {
		f.Limit = DefaultPageLimit
	}
	if f.Limit > MaxPageLimit {
		f.Limit = MaxPageLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

func matchEvent(e Event, f Filter) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Operation != "" && e.Operation != f.Operation {
		return false
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	return true
}

func cloneEvent(e Event) Event {
	out := e
	out.FieldNames = append([]string(nil), e.FieldNames...)
	if e.Details != nil {
		out.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			out.Details[k] = v
		}
	}
	return out
}
