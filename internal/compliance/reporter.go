package compliance

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hengadev/phisafe/internal/audit"
	"github.com/hengadev/phisafe/internal/keys"
	"github.com/hengadev/phisafe/internal/phierr"
)

// DefaultScanWindow is how far back Scan reads audit history.
const DefaultScanWindow = 24 * time.Hour

// Check produces results for one category. A returned error or a panic
// marks the category FAIL with an error note.
type Check struct {
	Category Category
	Run      func(ctx context.Context) ([]Result, error)
}

// KeyInfoProvider exposes key metadata.
type KeyInfoProvider interface {
	KeyInfo() keys.KeyInfo
}

// HistoryReader reads audit history.
type HistoryReader interface {
	History(ctx context.Context, f audit.Filter) (audit.Page, error)
}

type Reporter struct {
	keys     KeyInfoProvider
	history  HistoryReader
	password PasswordPolicy
	session  SessionPolicy
	pwHist   PasswordHistory
	window   time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

type Option func(*Reporter)

func WithPasswordPolicy(p PasswordPolicy) Option {
	return func(r *Reporter) { r.password = p }
}

func WithPasswordHistory(h PasswordHistory) Option {
	return func(r *Reporter) { r.pwHist = h }
}

func WithSessionPolicy(p SessionPolicy) Option {
	return func(r *Reporter) { r.session = p }
}

func WithScanWindow(d time.Duration) Option {
	return func(r *Reporter) {
		if d > 0 {
			r.window = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Reporter) { r.logger = logger }
}

// NewReporter builds a reporter. keyInfo and history may be nil when only
// Run and the validators are used.
func NewReporter(keyInfo KeyInfoProvider, history HistoryReader, opts ...Option) *Reporter {
	r := &Reporter{
		keys:     keyInfo,
		history:  history,
		password: DefaultPasswordPolicy(),
		session:  DefaultSessionPolicy(),
		window:   DefaultScanWindow,
		now:      time.Now,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "compliance").Logger()
	return r
}

// ValidatePasswordPolicy applies the configured policy and history.
func (r *Reporter) ValidatePasswordPolicy(password, userID string) (PasswordValidation, error) {
	return r.password.Validate(password, userID, r.pwHist)
}

// ValidateSessionSecurity applies the configured session policy now.
func (r *Reporter) ValidateSessionSecurity(s Session) SessionValidation {
	return r.session.Validate(s, r.now())
}

// GenerateReport aggregates results stamped with the reporter's clock.
func (r *Reporter) GenerateReport(results []Result, scope string) Report {
	return GenerateReport(results, scope, r.now())
}

// Run executes every check and aggregates the results. It never fails: a
// check error or panic becomes an ErrComplianceCheck note on its category.
func (r *Reporter) Run(ctx context.Context, scope string, checks ...Check) Report {
	var results []Result
	for _, c := range checks {
		results = append(results, r.runCheck(ctx, c)...)
	}
	report := r.GenerateReport(results, scope)
	r.logger.Info().
		Str("scope", scope).
		Str("status", string(report.OverallStatus)).
		Str("risk", string(report.RiskLevel)).
		Int("failed_checks", report.FailedChecks).
		Msg("compliance report generated")
	return report
}

func (r *Reporter) runCheck(ctx context.Context, c Check) (results []Result) {
	defer func() {
		if p := recover(); p != nil {
			err := phierr.NewComplianceCheckError(string(c.Category), p)
			r.logger.Error().Str("category", string(c.Category)).Err(err).Msg("compliance check panicked")
			results = []Result{errorResult(c.Category, err)}
		}
	}()

	if c.Run == nil {
		return []Result{errorResult(c.Category, phierr.NewComplianceCheckError(string(c.Category), "check has no function"))}
	}
	out, err := c.Run(ctx)
	if err != nil {
		err = phierr.NewComplianceCheckError(string(c.Category), err)
		r.logger.Error().Str("category", string(c.Category)).Err(err).Msg("compliance check failed to run")
		return append(out, errorResult(c.Category, err))
	}
	for i := range out {
		if out[i].Category == "" {
			out[i].Category = c.Category
		}
	}
	return out
}

func errorResult(category Category, err error) Result {
	return Result{
		Category:        category,
		Status:          StatusFail,
		ChecksPerformed: []string{},
		FailedChecks:    []string{},
		Error:           err.Error(),
	}
}

// Scan checks key rotation and the audit events of the scan window.
func (r *Reporter) Scan(ctx context.Context, scope string) Report {
	return r.Run(ctx, scope, r.KeyCheck(), r.AuditCheck())
}

// KeyCheck validates key presence and age against the rotation period.
func (r *Reporter) KeyCheck() Check {
	return Check{Category: CategoryEncryption, Run: func(ctx context.Context) ([]Result, error) {
		if r.keys == nil {
			return nil, fmt.Errorf("no key manager configured")
		}
		info := r.keys.KeyInfo()

		failed := []string{}
		if !info.HasCurrent {
			failed = append(failed, CodeDataNotEncrypted)
		}
		threshold := info.RotationPeriodDays
		if threshold <= 0 {
			threshold = DefaultRotationThresholdDays
		}
		if info.AgeDays >= threshold {
			failed = append(failed, CodeKeyRotation)
		}
		return []Result{newResult(CategoryEncryption, fmt.Sprintf("key v%d", info.Version),
			[]string{"current_key_present", "key_rotation"}, failed)}, nil
	}}
}

// AuditCheck validates every event of the scan window.
func (r *Reporter) AuditCheck() Check {
	return Check{Category: CategoryAuditLogging, Run: func(ctx context.Context) ([]Result, error) {
		if r.history == nil {
			return nil, fmt.Errorf("no audit history configured")
		}
		to := r.now().UTC()
		from := to.Add(-r.window)

		var results []Result
		for offset := 0; ; {
			page, err := r.history.History(ctx, audit.Filter{From: &from, To: &to, Limit: audit.MaxPageLimit, Offset: offset})
			if err != nil {
				return results, err
			}
			for _, e := range page.Events {
				results = append(results, ValidateAuditLogging(EntryFromEvent(e)).Result())
			}
			offset += len(page.Events)
			if len(page.Events) == 0 || offset >= page.Total {
				break
			}
		}
		if len(results) == 0 {
			results = append(results, newResult(CategoryAuditLogging, "window", []string{"events_present"}, nil))
		}
		return results, nil
	}}
}
