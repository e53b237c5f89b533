package keys

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/hengadev/phisafe/internal/phierr"
	"github.com/hengadev/phisafe/internal/security"
)

// KeySize is the length in bytes of every master key.
const KeySize = 32

// KeySource produces master key material and protects it at rest.
//
// Material handed to Wrap is never persisted as-is: the state store and
// backup artifacts only ever see the wrapped form.
type KeySource interface {
	// Name identifies the source in backups and key info ("local", "aws-kms", ...).
	Name() string
	// NewKey returns KeySize fresh random bytes.
	NewKey(ctx context.Context) ([]byte, error)
	// Wrap protects material for storage.
	Wrap(ctx context.Context, material []byte) ([]byte, error)
	// Unwrap reverses Wrap.
	Unwrap(ctx context.Context, wrapped []byte) ([]byte, error)
}

// LocalSource generates keys with crypto/rand and optionally wraps them with
// an AES-256-GCM wrapping key held by the process.
type LocalSource struct {
	wrappingKey []byte
	random      io.Reader
	logger      zerolog.Logger
}

// LocalOption configures a LocalSource.
type LocalOption func(*LocalSource)

// WithWrappingKey sets the AES-256-GCM key used to wrap material at rest.
func WithWrappingKey(key []byte) LocalOption {
	return func(s *LocalSource) {
		s.wrappingKey = security.CopyKey(key)
	}
}

// WithRandom replaces the entropy source. Tests use it to simulate RNG failure.
func WithRandom(r io.Reader) LocalOption {
	return func(s *LocalSource) {
		s.random = r
	}
}

// WithSourceLogger sets the logger.
func WithSourceLogger(logger zerolog.Logger) LocalOption {
	return func(s *LocalSource) {
		s.logger = logger
	}
}

// NewLocalSource builds a LocalSource. Without a wrapping key, material is
// stored unwrapped and a warning is logged once.
func NewLocalSource(opts ...LocalOption) (*LocalSource, error) {
	s := &LocalSource{
		random: rand.Reader,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "keys.local_source").Logger()

	if s.wrappingKey == nil {
		s.logger.Warn().Msg("no wrapping key configured, key material is stored unwrapped")
		return s, nil
	}
	if len(s.wrappingKey) != KeySize {
		return nil, fmt.Errorf("%w: wrapping key must be %d bytes, got %d", phierr.ErrInvalidConfiguration, KeySize, len(s.wrappingKey))
	}
	return s, nil
}

func (s *LocalSource) Name() string { return "local" }

func (s *LocalSource) NewKey(ctx context.Context) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(s.random, key); err != nil {
		return nil, phierr.NewKeyManagerError("generate key", err)
	}
	return key, nil
}

func (s *LocalSource) Wrap(ctx context.Context, material []byte) ([]byte, error) {
	if s.wrappingKey == nil {
		return security.CopyKey(material), nil
	}

	gcm, err := s.aead()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(s.random, nonce); err != nil {
		return nil, phierr.NewKeyManagerError("wrap key", err)
	}
	return gcm.Seal(nonce, nonce, material, nil), nil
}

func (s *LocalSource) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	if s.wrappingKey == nil {
		return security.CopyKey(wrapped), nil
	}

	gcm, err := s.aead()
	if err != nil {
		return nil, err
	}
	if len(wrapped) < gcm.NonceSize() {
		return nil, phierr.NewKeyManagerError("unwrap key", fmt.Errorf("wrapped key too short"))
	}
	nonce, ciphertext := wrapped[:gcm.NonceSize()], wrapped[gcm.NonceSize():]
	material, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, phierr.NewKeyManagerError("unwrap key", err)
	}
	return material, nil
}

func (s *LocalSource) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.wrappingKey)
	if err != nil {
		return nil, phierr.NewKeyManagerError("wrapping cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, phierr.NewKeyManagerError("wrapping cipher", err)
	}
	return gcm, nil
}
