package compliance

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultIdleTimeout is the HIPAA automatic logoff threshold.
const DefaultIdleTimeout = 30 * time.Minute

// Session is the caller's view of an authenticated session.
type Session struct {
	ID           string
	UserID       string
	Token        string
	LastActivity time.Time
	MFAVerified  bool
}

type SessionPolicy struct {
	IdleTimeout time.Duration
	RequireMFA  bool
}

func DefaultSessionPolicy() SessionPolicy {
	return SessionPolicy{IdleTimeout: DefaultIdleTimeout, RequireMFA: true}
}

type SessionValidation struct {
	SessionID       string   `json:"session_id"`
	IsCompliant     bool     `json:"is_compliant"`
	ChecksPerformed []string `json:"checks_performed"`
	FailedChecks    []string `json:"failed_checks"`
}

func (v SessionValidation) Result() Result {
	return newResult(CategorySession, v.SessionID, v.ChecksPerformed, v.FailedChecks)
}

// Validate checks s at instant now. The token is parsed for structure and
// expiry only; its signature is the authentication layer's concern.
func (p SessionPolicy) Validate(s Session, now time.Time) SessionValidation {
	if p.IdleTimeout <= 0 {
		p.IdleTimeout = DefaultIdleTimeout
	}
	v := SessionValidation{
		SessionID:       s.ID,
		ChecksPerformed: []string{"idle_timeout", "token_structure", "token_expiry"},
		FailedChecks:    []string{},
	}

	if s.LastActivity.IsZero() || now.Sub(s.LastActivity) > p.IdleTimeout {
		v.FailedChecks = append(v.FailedChecks, CodeSessionIdleTimeout)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(s.Token, claims); err != nil {
		v.FailedChecks = append(v.FailedChecks, CodeInvalidSessionToken)
	} else if exp, err := claims.GetExpirationTime(); err != nil {
		v.FailedChecks = append(v.FailedChecks, CodeInvalidSessionToken)
	} else if exp != nil && !now.Before(exp.Time) {
		v.FailedChecks = append(v.FailedChecks, CodeSessionTokenExpired)
	}

	if p.RequireMFA {
		v.ChecksPerformed = append(v.ChecksPerformed, "mfa")
		if !s.MFAVerified {
			v.FailedChecks = append(v.FailedChecks, CodeMFANotVerified)
		}
	}

	v.IsCompliant = len(v.FailedChecks) == 0
	return v
}
