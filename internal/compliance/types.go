// Package compliance turns key metadata and audit history into pass/fail
// findings. A failed check is a result, not an error: only a validator that
// crashes produces ErrComplianceCheck.
package compliance

// Status of a check or category. Categories start UNKNOWN and move to PASS
// or FAIL once their checks ran. There are no retries.
type Status string

const (
	StatusUnknown Status = "UNKNOWN"
	StatusPass    Status = "PASS"
	StatusFail    Status = "FAIL"
)

type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Category groups related checks in a report.
type Category string

const (
	CategoryEncryption   Category = "encryption"
	CategoryPassword     Category = "password_policy"
	CategoryAuditLogging Category = "audit_logging"
	CategorySession      Category = "session_security"
)

// Failed check codes.
const (
	CodeDataNotEncrypted         = "DATA_NOT_ENCRYPTED"
	CodeEncryptionMethodMismatch = "ENCRYPTION_METHOD_MISMATCH"
	CodeKeyRotation              = "KEY_ROTATION"

	CodePasswordTooShort    = "PASSWORD_TOO_SHORT"
	CodeMissingUppercase    = "MISSING_UPPERCASE"
	CodeMissingLowercase    = "MISSING_LOWERCASE"
	CodeMissingNumbers      = "MISSING_NUMBERS"
	CodeMissingSpecialChars = "MISSING_SPECIAL_CHARS"
	CodePasswordReused      = "PASSWORD_REUSED"

	CodeMissingRequiredField    = "MISSING_REQUIRED_FIELD"
	CodeInvalidTimestamp        = "INVALID_TIMESTAMP"
	CodeMissingBreakGlassReason = "MISSING_BREAK_GLASS_REASON"

	CodeSessionIdleTimeout  = "SESSION_IDLE_TIMEOUT"
	CodeInvalidSessionToken = "INVALID_SESSION_TOKEN"
	CodeSessionTokenExpired = "SESSION_TOKEN_EXPIRED"
	CodeMFANotVerified      = "MFA_NOT_VERIFIED"
)

// Key rotation states.
const (
	RotationCurrent  = "CURRENT"
	RotationRequired = "ROTATION_REQUIRED"
)

// Result is the outcome of one validation, the unit GenerateReport
// aggregates.
type Result struct {
	Category        Category `json:"category"`
	Subject         string   `json:"subject,omitempty"`
	Status          Status   `json:"status"`
	ChecksPerformed []string `json:"checks_performed"`
	FailedChecks    []string `json:"failed_checks"`
	Error           string   `json:"error,omitempty"`
}

func newResult(category Category, subject string, performed, failed []string) Result {
	r := Result{
		Category:        category,
		Subject:         subject,
		Status:          StatusPass,
		ChecksPerformed: performed,
		FailedChecks:    failed,
	}
	if r.FailedChecks == nil {
		r.FailedChecks = []string{}
	}
	if len(failed) > 0 {
		r.Status = StatusFail
	}
	return r
}
