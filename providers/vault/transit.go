// Package vault provides a HashiCorp Vault Transit key source.
//
// Transit never stores phisafe keys. It supplies random bytes for new master
// keys and wraps them, so the state store and backups only ever hold
// "vault:vN:..." ciphertext.
//
// The Transit engine and the wrapping key must exist:
//
//	vault secrets enable transit
//	vault write -f transit/keys/phisafe
package vault

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/hashicorp/vault/api"

	"github.com/hengadev/phisafe/internal/keys"
	"github.com/hengadev/phisafe/internal/phierr"
)

// SourceName identifies this source in persisted state.
const SourceName = "vault-transit"

const defaultMount = "transit"

// logicalWriter is the part of api.Logical the source needs.
type logicalWriter interface {
	WriteWithContext(ctx context.Context, path string, data map[string]interface{}) (*api.Secret, error)
}

// Config selects the Transit key.
type Config struct {
	// KeyName is the Transit key that wraps master keys.
	KeyName string
	// Mount is the Transit mount path. Defaults to "transit".
	Mount string
}

// Source implements keys.KeySource with Vault Transit.
type Source struct {
	logical logicalWriter
	keyName string
	mount   string
}

var _ keys.KeySource = (*Source)(nil)

// New builds a source over an authenticated client.
//
//	client, err := vault.NewClient(ctx, vault.ClientConfigFromEnvironment())
//	src, err := vault.New(client, vault.Config{KeyName: "phisafe"})
func New(client *api.Client, cfg Config) (*Source, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: Vault client cannot be nil", phierr.ErrInvalidConfiguration)
	}
	return newSource(client.Logical(), cfg)
}

func newSource(logical logicalWriter, cfg Config) (*Source, error) {
	if cfg.KeyName == "" {
		return nil, fmt.Errorf("%w: Transit key name cannot be empty", phierr.ErrInvalidConfiguration)
	}
	mount := cfg.Mount
	if mount == "" {
		mount = defaultMount
	}
	return &Source{logical: logical, keyName: cfg.KeyName, mount: mount}, nil
}

func (s *Source) Name() string { return SourceName }

// KeyName returns the Transit key used for wrapping.
func (s *Source) KeyName() string { return s.keyName }

// EnsureKey creates the Transit key if it does not exist. Creating an
// existing key is a no-op in Vault.
func (s *Source) EnsureKey(ctx context.Context) error {
	_, err := s.logical.WriteWithContext(ctx, fmt.Sprintf("%s/keys/%s", s.mount, s.keyName), map[string]interface{}{
		"type": "aes256-gcm96",
	})
	if err != nil {
		return phierr.NewKeyManagerError("create transit key", fmt.Errorf("key %q: %w", s.keyName, err))
	}
	return nil
}

// NewKey asks Transit for random bytes.
func (s *Source) NewKey(ctx context.Context) ([]byte, error) {
	resp, err := s.logical.WriteWithContext(ctx, fmt.Sprintf("%s/random/%d", s.mount, keys.KeySize), map[string]interface{}{
		"format": "base64",
	})
	if err != nil {
		return nil, phierr.NewKeyManagerError("generate key", fmt.Errorf("Transit random: %w", err))
	}
	encoded, err := field(resp, "random_bytes")
	if err != nil {
		return nil, phierr.NewKeyManagerError("generate key", err)
	}
	material, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, phierr.NewKeyManagerError("generate key", fmt.Errorf("decode random bytes: %w", err))
	}
	if len(material) != keys.KeySize {
		return nil, phierr.NewKeyManagerError("generate key",
			fmt.Errorf("Transit returned %d random bytes, want %d", len(material), keys.KeySize))
	}
	return material, nil
}

// Wrap encrypts material with the Transit key.
func (s *Source) Wrap(ctx context.Context, material []byte) ([]byte, error) {
	if len(material) == 0 {
		return nil, phierr.NewKeyManagerError("wrap key", fmt.Errorf("material cannot be empty"))
	}
	resp, err := s.logical.WriteWithContext(ctx, fmt.Sprintf("%s/encrypt/%s", s.mount, s.keyName), map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(material),
	})
	if err != nil {
		return nil, phierr.NewKeyManagerError("wrap key", fmt.Errorf("Transit encrypt with key %q: %w", s.keyName, err))
	}
	ciphertext, err := field(resp, "ciphertext")
	if err != nil {
		return nil, phierr.NewKeyManagerError("wrap key", err)
	}
	return []byte(ciphertext), nil
}

// Unwrap decrypts a "vault:vN:..." blob produced by Wrap.
func (s *Source) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	if len(wrapped) == 0 {
		return nil, phierr.NewKeyManagerError("unwrap key", fmt.Errorf("ciphertext cannot be empty"))
	}
	resp, err := s.logical.WriteWithContext(ctx, fmt.Sprintf("%s/decrypt/%s", s.mount, s.keyName), map[string]interface{}{
		"ciphertext": string(wrapped),
	})
	if err != nil {
		return nil, phierr.NewKeyManagerError("unwrap key", fmt.Errorf("Transit decrypt with key %q: %w", s.keyName, err))
	}
	encoded, err := field(resp, "plaintext")
	if err != nil {
		return nil, phierr.NewKeyManagerError("unwrap key", err)
	}
	material, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, phierr.NewKeyManagerError("unwrap key", fmt.Errorf("decode plaintext: %w", err))
	}
	return material, nil
}

func field(resp *api.Secret, name string) (string, error) {
	if resp == nil || resp.Data == nil {
		return "", fmt.Errorf("no response data from Vault")
	}
	v, ok := resp.Data[name].(string)
	if !ok {
		return "", fmt.Errorf("%s not found in Vault response", name)
	}
	return v, nil
}
