package column

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hengadev/phisafe/internal/audit"
	"github.com/hengadev/phisafe/internal/phierr"
)

// SearchableEnabledEvent is the security event recorded when a searchable
// column is constructed.
const SearchableEnabledEvent = "searchable_column_enabled"

// SecurityAuditor records security events.
type SecurityAuditor interface {
	LogSecurityEvent(ctx context.Context, event audit.SecurityEvent) (string, error)
}

// OptIn is the set of fields allowed to use deterministic encryption.
// Entries are either "field" or "resource_type.field".
type OptIn map[string]struct{}

// ParseOptIn reads a comma separated list, ignoring blanks.
func ParseOptIn(list string) OptIn {
	o := make(OptIn)
	for _, f := range strings.Split(list, ",") {
		if f = strings.TrimSpace(f); f != "" {
			o[f] = struct{}{}
		}
	}
	return o
}

// NewOptIn builds an OptIn from explicit entries.
func NewOptIn(fields ...string) OptIn {
	return ParseOptIn(strings.Join(fields, ","))
}

func (o OptIn) Allows(spec Spec) bool {
	if _, ok := o[spec.FieldName]; ok {
		return true
	}
	_, ok := o[spec.ResourceType+"."+spec.FieldName]
	return ok
}

// Searchable stores deterministic tokens so equal values can be matched by
// equality. Equal plaintexts produce equal tokens, which leaks equality and
// frequency. Use it only where lookup is a hard requirement.
type Searchable struct {
	base
}

var _ Codec = (*Searchable)(nil)

// NewSearchable requires the field to be opted in, then warns and records
// a low severity security event before returning the column.
func NewSearchable(ctx context.Context, engine Engine, auditor SecurityAuditor, spec Spec, optIn OptIn, logger zerolog.Logger) (*Searchable, error) {
	b, err := newBase(engine, spec)
	if err != nil {
		return nil, err
	}
	if auditor == nil {
		return nil, fmt.Errorf("%w: searchable column needs an auditor", phierr.ErrInvalidConfiguration)
	}
	if !optIn.Allows(b.spec) {
		return nil, fmt.Errorf("%w: field %s.%s is not opted in to searchable encryption",
			phierr.ErrInvalidConfiguration, b.spec.ResourceType, b.spec.FieldName)
	}

	logger.Warn().
		Str("component", "column").
		Str("field", b.spec.FieldName).
		Str("resource_type", b.spec.ResourceType).
		Msg("searchable column enabled: deterministic encryption reveals equal values")

	_, err = auditor.LogSecurityEvent(ctx, audit.SecurityEvent{
		Name:         SearchableEnabledEvent,
		Severity:     audit.SeverityLow,
		Description:  "deterministic encryption enabled for field",
		ResourceType: b.spec.ResourceType,
		Details:      map[string]string{"field": b.spec.FieldName},
	})
	if err != nil {
		return nil, err
	}
	return &Searchable{base: b}, nil
}

func (c *Searchable) Searchable() bool { return true }

func (c *Searchable) Encode(ctx context.Context, ref Ref, plaintext *string) (*string, error) {
	if plaintext == nil {
		return nil, nil
	}
	token, err := c.engine.EncryptDeterministic(ctx, *plaintext, c.spec.fieldContext(ref))
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (c *Searchable) Decode(ctx context.Context, ref Ref, ciphertext *string) (*string, error) {
	if ciphertext == nil {
		return nil, nil
	}
	plaintext, err := c.engine.DecryptDeterministic(ctx, *ciphertext, c.spec.fieldContext(ref))
	if err != nil {
		return nil, err
	}
	return &plaintext, nil
}

// SearchToken returns the token to compare stored values against. It
// matches values written under the current master key only.
func (c *Searchable) SearchToken(plaintext string) (string, error) {
	token, err := c.engine.SearchToken(plaintext)
	if err != nil {
		return "", phierr.NewEncryptionError(c.spec.FieldName, err)
	}
	return token, nil
}
