package compliance

import (
	"context"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hengadev/phisafe/internal/audit"
	"github.com/hengadev/phisafe/internal/crypto"
	"github.com/hengadev/phisafe/internal/keys"
	"github.com/hengadev/phisafe/internal/phierr"
)

var fastArgon2 = Argon2Params{Memory: 8192, Iterations: 2, Parallelism: 1, SaltLength: 16, KeyLength: 32}

func sampleToken(t *testing.T) string {
	t.Helper()
	key := make([]byte, crypto.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	token, err := crypto.Seal(key, []byte("123-45-6789"), time.Now(), rand.Reader)
	require.NoError(t, err)
	return token
}

func TestValidateDataEncryption(t *testing.T) {
	token := sampleToken(t)

	t.Run("compliant", func(t *testing.T) {
		v := ValidateDataEncryption(token, EncryptionContext{KeyAgeDays: 10})
		assert.True(t, v.IsEncrypted)
		assert.Equal(t, MethodFernet, v.EncryptionMethod)
		assert.Equal(t, RotationCurrent, v.KeyRotationStatus)
		assert.Equal(t, StatusPass, v.ComplianceStatus)
		assert.Empty(t, v.FailedChecks)
		assert.Len(t, v.ChecksPerformed, 3)
	})

	t.Run("key older than rotation period", func(t *testing.T) {
		v := ValidateDataEncryption(token, EncryptionContext{KeyAgeDays: 100})
		assert.Equal(t, RotationRequired, v.KeyRotationStatus)
		assert.Equal(t, StatusFail, v.ComplianceStatus)
		assert.Equal(t, []string{CodeKeyRotation}, v.FailedChecks)
	})

	t.Run("plaintext", func(t *testing.T) {
		v := ValidateDataEncryption("123-45-6789", EncryptionContext{})
		assert.False(t, v.IsEncrypted)
		assert.Equal(t, "none", v.EncryptionMethod)
		assert.Equal(t, []string{CodeDataNotEncrypted}, v.FailedChecks)
	})

	t.Run("method mismatch", func(t *testing.T) {
		v := ValidateDataEncryption(token, EncryptionContext{ExpectedMethod: "aes-256-gcm"})
		assert.Equal(t, []string{CodeEncryptionMethodMismatch}, v.FailedChecks)
		assert.Equal(t, CategoryEncryption, v.Result("ssn").Category)
		assert.Equal(t, StatusFail, v.Result("ssn").Status)
	})
}

func TestPasswordPolicy(t *testing.T) {
	policy := DefaultPasswordPolicy()

	weak, err := policy.Validate("weak", "u1", nil)
	require.NoError(t, err)
	assert.False(t, weak.IsCompliant)
	assert.Equal(t, []string{CodePasswordTooShort, CodeMissingUppercase, CodeMissingNumbers, CodeMissingSpecialChars}, weak.FailedChecks)

	strong, err := policy.Validate("Correct-Horse-42", "u1", nil)
	require.NoError(t, err)
	assert.True(t, strong.IsCompliant)
	assert.Empty(t, strong.FailedChecks)

	lower, err := policy.Validate("ALLUPPERCASE-123", "u1", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{CodeMissingLowercase}, lower.FailedChecks)

	relaxed := PasswordPolicy{MinLength: 4}
	ok, err := relaxed.Validate("weak", "u1", nil)
	require.NoError(t, err)
	assert.True(t, ok.IsCompliant)
}

func TestPasswordPolicy_History(t *testing.T) {
	history, err := NewMemoryPasswordHistory(2, fastArgon2)
	require.NoError(t, err)
	require.NoError(t, history.Record("u1", "First-Password-1"))
	require.NoError(t, history.Record("u1", "Second-Password-2"))
	require.NoError(t, history.Record("u1", "Third-Password-3"))

	r := NewReporter(nil, nil, WithPasswordHistory(history))

	v, err := r.ValidatePasswordPolicy("Third-Password-3", "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{CodePasswordReused}, v.FailedChecks)

	v, err = r.ValidatePasswordPolicy("First-Password-1", "u1")
	require.NoError(t, err)
	assert.True(t, v.IsCompliant, "only the last two passwords are kept")

	v, err = r.ValidatePasswordPolicy("Third-Password-3", "u2")
	require.NoError(t, err)
	assert.True(t, v.IsCompliant)
}

type brokenHistory struct{}

func (brokenHistory) Hashes(string) ([]string, error) { return []string{"$md5$nope"}, nil }

func TestPasswordPolicy_BadHistory(t *testing.T) {
	_, err := DefaultPasswordPolicy().Validate("Correct-Horse-42", "u1", brokenHistory{})
	assert.Error(t, err)
}

func TestHashPassword(t *testing.T) {
	h, err := HashPassword("s3cret!", fastArgon2)
	require.NoError(t, err)
	assert.Contains(t, h, "$argon2id$v=19$m=8192,t=2,p=1$")

	ok, err := VerifyPassword("s3cret!", h)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = VerifyPassword("s3cret?", h)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = HashPassword("x", Argon2Params{})
	assert.Error(t, err)
	_, err = NewMemoryPasswordHistory(0, fastArgon2)
	assert.Error(t, err)
}

func TestValidateAuditLogging(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).Format(time.RFC3339)

	good := ValidateAuditLogging(AuditLogEntry{
		EventID: "e1", EventType: "PHI_ACCESS", UserID: "u1", ResourceType: "patient",
		Timestamp: ts, PHIAccess: true,
	})
	assert.True(t, good.IsCompliant)

	missing := ValidateAuditLogging(AuditLogEntry{EventType: "PHI_ACCESS", Timestamp: ts, PHIAccess: true})
	assert.Equal(t, []string{
		"MISSING_REQUIRED_FIELD:event_id",
		"MISSING_REQUIRED_FIELD:user_id",
		"MISSING_REQUIRED_FIELD:resource_type",
	}, missing.FailedChecks)

	badTime := ValidateAuditLogging(AuditLogEntry{EventID: "e2", EventType: "SECURITY_EVENT", Timestamp: "yesterday"})
	assert.Equal(t, []string{CodeInvalidTimestamp}, badTime.FailedChecks)

	breakGlass := ValidateAuditLogging(AuditLogEntry{
		EventID: "e3", EventType: "PHI_ACCESS", UserID: "u1", ResourceType: "patient",
		Timestamp: ts, PHIAccess: true, Operation: "emergency_access",
	})
	assert.Equal(t, []string{CodeMissingBreakGlassReason}, breakGlass.FailedChecks)

	system := ValidateAuditLogging(EntryFromEvent(audit.Event{
		ID: "e4", Type: audit.EventSecurity, Name: "audit_retention_purge_started", Timestamp: time.Now(),
	}))
	assert.True(t, system.IsCompliant, "system events have no actor")
}

func TestValidateSessionSecurity(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	sign := func(claims jwt.MapClaims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
		require.NoError(t, err)
		return s
	}
	r := NewReporter(nil, nil, WithClock(func() time.Time { return now }))

	good := r.ValidateSessionSecurity(Session{
		ID:           "s1",
		Token:        sign(jwt.MapClaims{"sub": "u1", "exp": now.Add(time.Hour).Unix()}),
		LastActivity: now.Add(-5 * time.Minute),
		MFAVerified:  true,
	})
	assert.True(t, good.IsCompliant)

	bad := r.ValidateSessionSecurity(Session{
		ID:           "s2",
		Token:        sign(jwt.MapClaims{"sub": "u1", "exp": now.Add(-time.Minute).Unix()}),
		LastActivity: now.Add(-45 * time.Minute),
	})
	assert.Equal(t, []string{CodeSessionIdleTimeout, CodeSessionTokenExpired, CodeMFANotVerified}, bad.FailedChecks)

	garbage := r.ValidateSessionSecurity(Session{ID: "s3", Token: "not.a.jwt", LastActivity: now, MFAVerified: true})
	assert.Equal(t, []string{CodeInvalidSessionToken}, garbage.FailedChecks)

	noMFA := SessionPolicy{IdleTimeout: time.Hour}.Validate(Session{
		Token: sign(jwt.MapClaims{"sub": "u1"}), LastActivity: now.Add(-45 * time.Minute),
	}, now)
	assert.True(t, noMFA.IsCompliant)
}

func TestGenerateReport(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	results := []Result{
		newResult(CategoryPassword, "u1", []string{"min_length"}, []string{CodePasswordTooShort}),
		newResult(CategoryPassword, "u2", []string{"min_length"}, nil),
		newResult(CategoryEncryption, "ssn", []string{"key_rotation"}, nil),
		newResult(CategoryPassword, "u3", []string{"min_length"}, []string{CodeMissingNumbers, CodePasswordTooShort}),
	}

	report := GenerateReport(results, "nightly", at)
	assert.Equal(t, StatusFail, report.OverallStatus)
	assert.Equal(t, RiskMedium, report.RiskLevel)
	assert.Equal(t, 4, report.TotalChecks)
	assert.Equal(t, 2, report.FailedChecks)
	require.Len(t, report.Categories, 2)
	assert.Equal(t, CategoryEncryption, report.Categories[0].Category)

	pw, ok := report.Category(CategoryPassword)
	require.True(t, ok)
	assert.Equal(t, StatusFail, pw.Status)
	assert.Equal(t, 1, pw.Passed)
	assert.Equal(t, 2, pw.Failed)
	assert.Equal(t, []string{CodeMissingNumbers, CodePasswordTooShort}, pw.FailedCodes)

	enc, _ := report.Category(CategoryEncryption)
	assert.Equal(t, StatusPass, enc.Status)

	reversed := make([]Result, len(results))
	for i, r := range results {
		reversed[len(results)-1-i] = r
	}
	assert.Equal(t, report, GenerateReport(reversed, "nightly", at), "order independent")

	empty := GenerateReport(nil, "none", at)
	assert.Equal(t, StatusUnknown, empty.OverallStatus)
	assert.Equal(t, RiskLow, empty.RiskLevel)
}

func TestRiskLevel(t *testing.T) {
	assert.Equal(t, RiskLow, riskLevel(nil))
	assert.Equal(t, RiskMedium, riskLevel([]Category{CategorySession}))
	assert.Equal(t, RiskHigh, riskLevel([]Category{CategoryAuditLogging}))
	assert.Equal(t, RiskCritical, riskLevel([]Category{CategorySession, CategoryPassword, CategoryEncryption}))
}

func TestRun_ToleratesBrokenChecks(t *testing.T) {
	r := NewReporter(nil, nil)
	report := r.Run(context.Background(), "test",
		Check{Category: CategorySession, Run: func(ctx context.Context) ([]Result, error) {
			panic("nil session map")
		}},
		Check{Category: CategoryPassword, Run: func(ctx context.Context) ([]Result, error) {
			return nil, errors.New("history offline")
		}},
		Check{Category: CategoryEncryption, Run: func(ctx context.Context) ([]Result, error) {
			return []Result{newResult("", "ssn", []string{"key_rotation"}, nil)}, nil
		}},
	)

	assert.Equal(t, StatusFail, report.OverallStatus)
	session, ok := report.Category(CategorySession)
	require.True(t, ok)
	assert.Equal(t, StatusFail, session.Status)
	require.Len(t, session.Errors, 1)
	assert.Contains(t, session.Errors[0], phierr.ErrComplianceCheck.Error())
	assert.Contains(t, session.Errors[0], "nil session map")

	pw, _ := report.Category(CategoryPassword)
	assert.Contains(t, pw.Errors[0], "history offline")

	enc, ok := report.Category(CategoryEncryption)
	require.True(t, ok, "results without a category take the check's")
	assert.Equal(t, StatusPass, enc.Status)
}

type fixedKeyInfo keys.KeyInfo

func (f fixedKeyInfo) KeyInfo() keys.KeyInfo { return keys.KeyInfo(f) }

func TestScan(t *testing.T) {
	now := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	store := audit.NewMemoryStore()
	al, err := audit.NewLogger(store, audit.WithClock(clock))
	require.NoError(t, err)
	ctx := audit.WithActor(context.Background(), audit.Actor{UserID: "u1"})
	_, err = al.LogPHIAccess(ctx, audit.PHIAccess{ResourceType: "patient", ResourceID: "p1", Operation: audit.OpView, Success: true})
	require.NoError(t, err)
	_, err = al.LogPHIAccess(context.Background(), audit.PHIAccess{ResourceType: "patient", ResourceID: "p2", Operation: audit.OpView, Success: true})
	require.NoError(t, err)

	t.Run("key older than rotation period", func(t *testing.T) {
		info := fixedKeyInfo{Version: 3, HasCurrent: true, AgeDays: 100, RotationPeriodDays: 90}
		r := NewReporter(info, al, WithClock(clock))

		report := r.Scan(context.Background(), "scheduled")
		assert.Equal(t, StatusFail, report.OverallStatus)
		assert.Equal(t, RiskHigh, report.RiskLevel)

		enc, ok := report.Category(CategoryEncryption)
		require.True(t, ok)
		assert.Equal(t, []string{CodeKeyRotation}, enc.FailedCodes)

		logging, ok := report.Category(CategoryAuditLogging)
		require.True(t, ok)
		assert.Equal(t, 1, logging.Passed)
		assert.Equal(t, 1, logging.Failed)
		assert.Equal(t, []string{"MISSING_REQUIRED_FIELD:user_id"}, logging.FailedCodes)
	})

	t.Run("fresh key", func(t *testing.T) {
		info := fixedKeyInfo{Version: 1, HasCurrent: true, AgeDays: 1, RotationPeriodDays: 90}
		empty, err := audit.NewLogger(audit.NewMemoryStore())
		require.NoError(t, err)
		report := NewReporter(info, empty, WithClock(clock)).Scan(context.Background(), "scheduled")
		assert.Equal(t, StatusPass, report.OverallStatus)
		assert.Equal(t, RiskLow, report.RiskLevel)
	})

	t.Run("no dependencies", func(t *testing.T) {
		report := NewReporter(nil, nil).Scan(context.Background(), "scheduled")
		assert.Equal(t, StatusFail, report.OverallStatus)
		assert.Len(t, report.Categories, 2)
	})
}
