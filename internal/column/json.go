package column

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hengadev/phisafe/internal/phierr"
)

// JSON stores structured values as canonical JSON inside a token.
type JSON struct {
	base
}

var _ Codec = (*JSON)(nil)

func NewJSON(engine Engine, spec Spec) (*JSON, error) {
	b, err := newBase(engine, spec)
	if err != nil {
		return nil, err
	}
	return &JSON{base: b}, nil
}

func (c *JSON) Searchable() bool { return false }

// Encode treats plaintext as a JSON document.
func (c *JSON) Encode(ctx context.Context, ref Ref, plaintext *string) (*string, error) {
	if plaintext == nil {
		return nil, nil
	}
	if !json.Valid([]byte(*plaintext)) {
		return nil, phierr.NewEncryptionError(c.spec.FieldName, fmt.Errorf("value is not valid JSON"))
	}
	return c.EncodeValue(ctx, ref, json.RawMessage(*plaintext))
}

// Decode returns the canonical JSON document.
func (c *JSON) Decode(ctx context.Context, ref Ref, ciphertext *string) (*string, error) {
	if ciphertext == nil {
		return nil, nil
	}
	plaintext, err := c.engine.DecryptField(ctx, *ciphertext, c.spec.fieldContext(ref))
	if err != nil {
		return nil, err
	}
	return &plaintext, nil
}

// EncodeValue serializes v. A nil v is treated as absent.
func (c *JSON) EncodeValue(ctx context.Context, ref Ref, v any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	token, err := c.engine.EncryptJSON(ctx, v, c.spec.fieldContext(ref))
	if err != nil {
		return nil, err
	}
	return &token, nil
}

// DecodeValue returns generic JSON values (maps, slices, float64, bool, nil).
func (c *JSON) DecodeValue(ctx context.Context, ref Ref, ciphertext *string) (any, error) {
	if ciphertext == nil {
		return nil, nil
	}
	return c.engine.DecryptJSON(ctx, *ciphertext, c.spec.fieldContext(ref))
}

// DecodeInto decodes into out and reports whether a value was present.
func (c *JSON) DecodeInto(ctx context.Context, ref Ref, ciphertext *string, out any) (bool, error) {
	if ciphertext == nil {
		return false, nil
	}
	if err := c.engine.DecryptJSONInto(ctx, *ciphertext, c.spec.fieldContext(ref), out); err != nil {
		return false, err
	}
	return true, nil
}
