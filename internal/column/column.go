// Package column is the seam between the persistence layer and the crypto
// engine. Call sites store and load tokens through a Codec and never call
// the engine directly.
package column

import (
	"context"
	"fmt"

	"github.com/hengadev/phisafe/internal/crypto"
	"github.com/hengadev/phisafe/internal/phierr"
)

// Classification tags the kind of data a column holds.
type Classification string

const (
	ClassificationPHI Classification = "phi"
	ClassificationPII Classification = "pii"
)

// Ref identifies the record a value belongs to, usually its primary key.
type Ref string

// Spec declares a column.
type Spec struct {
	FieldName      string
	ResourceType   string
	Classification Classification
}

func (s Spec) validate() error {
	if s.FieldName == "" {
		return fmt.Errorf("%w: column field name is required", phierr.ErrInvalidConfiguration)
	}
	if s.ResourceType == "" {
		return fmt.Errorf("%w: column %q needs a resource type", phierr.ErrInvalidConfiguration, s.FieldName)
	}
	switch s.Classification {
	case "", ClassificationPHI, ClassificationPII:
	default:
		return fmt.Errorf("%w: column %q has unknown classification %q", phierr.ErrInvalidConfiguration, s.FieldName, s.Classification)
	}
	return nil
}

func (s Spec) fieldContext(ref Ref) crypto.FieldContext {
	return crypto.FieldContext{FieldName: s.FieldName, ResourceType: s.ResourceType, ResourceID: string(ref)}
}

// Codec encrypts values on write and decrypts them on read. A nil input
// yields a nil output with no cipher call and no audit event.
type Codec interface {
	Encode(ctx context.Context, ref Ref, plaintext *string) (*string, error)
	Decode(ctx context.Context, ref Ref, ciphertext *string) (*string, error)
	Spec() Spec
	Searchable() bool
}

// Engine is the part of the crypto engine columns use.
type Engine interface {
	EncryptField(ctx context.Context, plaintext string, fc crypto.FieldContext) (string, error)
	DecryptField(ctx context.Context, token string, fc crypto.FieldContext) (string, error)
	EncryptJSON(ctx context.Context, v any, fc crypto.FieldContext) (string, error)
	DecryptJSON(ctx context.Context, token string, fc crypto.FieldContext) (any, error)
	DecryptJSONInto(ctx context.Context, token string, fc crypto.FieldContext, out any) error
	EncryptDeterministic(ctx context.Context, plaintext string, fc crypto.FieldContext) (string, error)
	DecryptDeterministic(ctx context.Context, token string, fc crypto.FieldContext) (string, error)
	SearchToken(plaintext string) (string, error)
}

func newBase(engine Engine, spec Spec) (base, error) {
	if engine == nil {
		return base{}, fmt.Errorf("%w: column engine cannot be nil", phierr.ErrInvalidConfiguration)
	}
	if err := spec.validate(); err != nil {
		return base{}, err
	}
	if spec.Classification == "" {
		spec.Classification = ClassificationPHI
	}
	return base{engine: engine, spec: spec}, nil
}

type base struct {
	engine Engine
	spec   Spec
}

func (b base) Spec() Spec { return b.spec }

// String stores a text value as a randomized token.
type String struct {
	base
}

var _ Codec = (*String)(nil)

func NewString(engine Engine, spec Spec) (*String, error) {
	b, err := newBase(engine, spec)
	if err != nil {
		return nil, err
	}
	return &String{base: b}, nil
}

func (c *String) Searchable() bool { return false }

func (c *String) Encode(ctx context.Context, ref Ref, plaintext *string) (*string, error) {
	if plaintext == nil {
		return nil, nil
	}
	token, err := c.engine.EncryptField(ctx, *plaintext, c.spec.fieldContext(ref))
	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (c *String) Decode(ctx context.Context, ref Ref, ciphertext *string) (*string, error) {
	if ciphertext == nil {
		return nil, nil
	}
	plaintext, err := c.engine.DecryptField(ctx, *ciphertext, c.spec.fieldContext(ref))
	if err != nil {
		return nil, err
	}
	return &plaintext, nil
}
