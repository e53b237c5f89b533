// Package crypto encrypts PHI fields into authenticated tokens and records
// every call in the audit log before returning a result.
package crypto

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/hengadev/phisafe/internal/audit"
	"github.com/hengadev/phisafe/internal/keys"
	"github.com/hengadev/phisafe/internal/monitoring"
	"github.com/hengadev/phisafe/internal/phierr"
	"github.com/hengadev/phisafe/internal/security"
)

// SearchPurpose is the derivation purpose of the deterministic mode key.
const SearchPurpose = "search"

var (
	errInvalidDocument = errors.New("plaintext does not decode into target")
	errTrailingData    = errors.New("trailing data after JSON value")
)

// KeyProvider hands out consistent keyring snapshots.
type KeyProvider interface {
	Snapshot() *keys.Snapshot
}

// Auditor is the subset of the audit logger the engine writes to.
type Auditor interface {
	LogEncryptionOperation(ctx context.Context, op audit.EncryptionOperation) (string, error)
	LogPHIAccess(ctx context.Context, access audit.PHIAccess) (string, error)
}

// FieldContext names what is being encrypted. FieldName and ResourceType
// are required.
type FieldContext struct {
	FieldName    string
	ResourceType string
	ResourceID   string
}

func (fc FieldContext) validate() error {
	if fc.FieldName == "" {
		return fmt.Errorf("field name is required")
	}
	if fc.ResourceType == "" {
		return fmt.Errorf("resource type is required")
	}
	return nil
}

// Engine encrypts and decrypts single fields.
type Engine struct {
	keys          KeyProvider
	auditor       Auditor
	random        io.Reader
	now           func() time.Time
	logger        zerolog.Logger
	observability monitoring.ObservabilityHook
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithObservability(hook monitoring.ObservabilityHook) Option {
	return func(e *Engine) {
		if hook != nil {
			e.observability = hook
		}
	}
}

// WithRandom replaces the IV source.
func WithRandom(r io.Reader) Option {
	return func(e *Engine) { e.random = r }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(kp KeyProvider, auditor Auditor, opts ...Option) (*Engine, error) {
	if kp == nil {
		return nil, fmt.Errorf("%w: key provider cannot be nil", phierr.ErrInvalidConfiguration)
	}
	if auditor == nil {
		return nil, fmt.Errorf("%w: auditor cannot be nil", phierr.ErrInvalidConfiguration)
	}
	e := &Engine{
		keys:          kp,
		auditor:       auditor,
		random:        rand.Reader,
		now:           time.Now,
		logger:        zerolog.Nop(),
		observability: &monitoring.NoOpObservabilityHook{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With().Str("component", "crypto.engine").Logger()
	return e, nil
}

// EncryptField encrypts plaintext with the current master key and records
// one ENCRYPTION_OPERATION event.
func (e *Engine) EncryptField(ctx context.Context, plaintext string, fc FieldContext) (string, error) {
	return e.encrypt(ctx, fc, "encrypt", func(s *keys.Snapshot) (string, error) {
		return Seal(s.Current().Material, []byte(plaintext), e.now(), e.random)
	})
}

// DecryptField opens token with the current key, then the previous one, and
// records one PHI_ACCESS event.
func (e *Engine) DecryptField(ctx context.Context, token string, fc FieldContext) (string, error) {
	plaintext, err := e.decrypt(ctx, fc, "decrypt", func(s *keys.Snapshot) ([]byte, int, error) {
		return openCandidates(s, token)
	})
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// EncryptJSON serializes v canonically (object keys sorted) and encrypts it.
func (e *Engine) EncryptJSON(ctx context.Context, v any, fc FieldContext) (string, error) {
	data, err := canonicalJSON(v)
	if err != nil {
		return "", phierr.NewEncryptionError(fc.FieldName, err)
	}
	return e.EncryptField(ctx, string(data), fc)
}

// DecryptJSON decrypts token and decodes it into generic JSON values.
func (e *Engine) DecryptJSON(ctx context.Context, token string, fc FieldContext) (any, error) {
	var out any
	if err := e.DecryptJSONInto(ctx, token, fc, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DecryptJSONInto decrypts token and decodes it into out, which must be a
// non-nil pointer. A document that does not decode into out is audited as a
// failed access and out is left untouched.
func (e *Engine) DecryptJSONInto(ctx context.Context, token string, fc FieldContext, out any) error {
	target := reflect.ValueOf(out)
	if target.Kind() != reflect.Pointer || target.IsNil() {
		return fmt.Errorf("%w: decode target must be a non-nil pointer", phierr.ErrDecryption)
	}
	decoded := reflect.New(target.Elem().Type())
	_, err := e.decrypt(ctx, fc, "decrypt", func(s *keys.Snapshot) ([]byte, int, error) {
		pt, version, err := openCandidates(s, token)
		if err != nil {
			return nil, version, err
		}
		defer security.ZeroBytes(pt)
		if err := json.Unmarshal(pt, decoded.Interface()); err != nil {
			return nil, version, errInvalidDocument
		}
		return nil, version, nil
	})
	if err != nil {
		return err
	}
	target.Elem().Set(decoded.Elem())
	return nil
}

// EncryptDeterministic produces equal tokens for equal plaintexts under the
// same master key. It leaks equality and is only for opted-in search fields.
func (e *Engine) EncryptDeterministic(ctx context.Context, plaintext string, fc FieldContext) (string, error) {
	return e.encrypt(ctx, fc, "encrypt_deterministic", func(s *keys.Snapshot) (string, error) {
		sk := s.Derive(s.Current(), SearchPurpose)
		defer security.ZeroBytes(sk)
		return SealDeterministic(sk, []byte(plaintext))
	})
}

// DecryptDeterministic opens a deterministic token with the search key of
// the current, then previous, master key.
func (e *Engine) DecryptDeterministic(ctx context.Context, token string, fc FieldContext) (string, error) {
	plaintext, err := e.decrypt(ctx, fc, "decrypt_deterministic", func(s *keys.Snapshot) ([]byte, int, error) {
		for _, k := range s.Candidates() {
			sk := s.Derive(k, SearchPurpose)
			pt, err := Open(sk, token)
			security.ZeroBytes(sk)
			if err == nil {
				return pt, k.Version, nil
			}
		}
		return nil, 0, errInvalidToken
	})
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// SearchToken computes the deterministic token for plaintext without
// auditing it as an encryption of stored data. Used to build equality
// lookups against searchable columns.
func (e *Engine) SearchToken(plaintext string) (string, error) {
	s := e.keys.Snapshot()
	defer s.Wipe()
	sk := s.Derive(s.Current(), SearchPurpose)
	defer security.ZeroBytes(sk)
	return SealDeterministic(sk, []byte(plaintext))
}

func (e *Engine) encrypt(ctx context.Context, fc FieldContext, operation string, seal func(*keys.Snapshot) (string, error)) (result string, err error) {
	if verr := fc.validate(); verr != nil {
		return "", phierr.NewEncryptionError(fc.FieldName, verr)
	}

	start := time.Now()
	metadata := map[string]any{"resource_type": fc.ResourceType, "field": fc.FieldName}
	e.observability.OnProcessStart(ctx, operation, metadata)
	defer func() {
		e.observability.OnProcessComplete(ctx, operation, time.Since(start), err, metadata)
	}()

	s := e.keys.Snapshot()
	defer s.Wipe()
	version := s.Current().Version
	metadata["key_version"] = version

	token, sealErr := seal(s)

	event := audit.EncryptionOperation{
		ResourceType: fc.ResourceType,
		ResourceID:   fc.ResourceID,
		FieldNames:   []string{fc.FieldName},
		Operation:    audit.OpEncrypt,
		KeyVersion:   version,
		Success:      sealErr == nil,
	}
	if sealErr != nil {
		event.ErrorDetail = "encryption failed"
		e.observability.OnError(ctx, operation, sealErr, metadata)
	}

	if _, auditErr := e.auditor.LogEncryptionOperation(ctx, event); auditErr != nil {
		e.logger.Error().Err(auditErr).Str("field", fc.FieldName).Str("resource_type", fc.ResourceType).
			Msg("audit write failed, discarding ciphertext")
		if sealErr != nil {
			return "", errors.Join(phierr.NewEncryptionError(fc.FieldName, sealErr), auditErr)
		}
		return "", auditErr
	}
	if sealErr != nil {
		return "", phierr.NewEncryptionError(fc.FieldName, sealErr)
	}
	return token, nil
}

func (e *Engine) decrypt(ctx context.Context, fc FieldContext, operation string, open func(*keys.Snapshot) ([]byte, int, error)) (result []byte, err error) {
	if verr := fc.validate(); verr != nil {
		return nil, fmt.Errorf("%w: %v", phierr.ErrDecryption, verr)
	}

	start := time.Now()
	metadata := map[string]any{"resource_type": fc.ResourceType, "field": fc.FieldName}
	e.observability.OnProcessStart(ctx, operation, metadata)
	defer func() {
		e.observability.OnProcessComplete(ctx, operation, time.Since(start), err, metadata)
	}()

	s := e.keys.Snapshot()
	plaintext, version, openErr := open(s)
	s.Wipe()

	access := audit.PHIAccess{
		ResourceType: fc.ResourceType,
		ResourceID:   fc.ResourceID,
		FieldNames:   []string{fc.FieldName},
		Operation:    audit.OpDecrypt,
		KeyVersion:   version,
		Success:      openErr == nil,
	}
	if openErr != nil {
		access.ErrorDetail = "decryption failed"
		e.observability.OnError(ctx, operation, phierr.ErrDecryption, metadata)
	}

	if _, auditErr := e.auditor.LogPHIAccess(ctx, access); auditErr != nil {
		e.logger.Error().Err(auditErr).Str("field", fc.FieldName).Str("resource_type", fc.ResourceType).
			Msg("audit write failed, withholding plaintext")
		if openErr != nil {
			return nil, errors.Join(phierr.NewDecryptionError(fc.FieldName), auditErr)
		}
		return nil, auditErr
	}
	if openErr != nil {
		return nil, phierr.NewDecryptionError(fc.FieldName)
	}
	return plaintext, nil
}

// canonicalJSON marshals v with object keys sorted at every level. Numbers
// are carried as json.Number so integers beyond 2^53 keep every digit.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	if err := dec.Decode(new(any)); !errors.Is(err, io.EOF) {
		return nil, errTrailingData
	}
	return json.Marshal(generic)
}

func openCandidates(s *keys.Snapshot, token string) ([]byte, int, error) {
	for _, k := range s.Candidates() {
		if pt, err := Open(k.Material, token); err == nil {
			return pt, k.Version, nil
		}
	}
	return nil, 0, errInvalidToken
}
