// Package awskms provides an AWS Key Management Service key source.
//
// Master keys are drawn from KMS GenerateRandom and wrapped with a KMS
// symmetric key before they reach the state store or a backup artifact.
// Plaintext material only exists in process memory.
package awskms

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"github.com/hengadev/phisafe/internal/keys"
	"github.com/hengadev/phisafe/internal/phierr"
)

// SourceName identifies this source in persisted state.
const SourceName = "aws-kms"

// encryptionContext binds wrapped keys to their use. KMS refuses to decrypt
// a blob with a different context.
var encryptionContext = map[string]string{"purpose": "phisafe-master-key"}

// kmsClient interface for AWS KMS operations (allows mocking)
type kmsClient interface {
	DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
	GenerateRandom(ctx context.Context, params *kms.GenerateRandomInput, optFns ...func(*kms.Options)) (*kms.GenerateRandomOutput, error)
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Source implements keys.KeySource on top of a KMS key.
type Source struct {
	client kmsClient
	keyID  string
	region string
}

var _ keys.KeySource = (*Source)(nil)

// Config holds configuration for the KMS source.
type Config struct {
	// KeyID is a key id, key ARN, alias name or alias ARN. A bare name is
	// treated as an alias.
	KeyID string

	// Region is the AWS region (e.g., "us-east-1")
	// If empty, uses AWS_REGION environment variable or AWS config file
	Region string

	// AWSConfig is an optional pre-configured AWS config
	// If provided, Region is ignored
	AWSConfig *aws.Config
}

// New loads the AWS configuration and resolves the wrapping key.
//
//	src, err := awskms.New(ctx, awskms.Config{KeyID: "alias/phisafe", Region: "us-east-1"})
func New(ctx context.Context, cfg Config) (*Source, error) {
	var awsConfig aws.Config
	var err error

	if cfg.AWSConfig != nil {
		awsConfig = *cfg.AWSConfig
	} else {
		opts := []func(*config.LoadOptions) error{}
		if cfg.Region != "" {
			opts = append(opts, config.WithRegion(cfg.Region))
		}

		awsConfig, err = config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to load AWS config: %w", phierr.ErrKeyManager, err)
		}
	}

	return newSource(ctx, kms.NewFromConfig(awsConfig), cfg.KeyID, awsConfig.Region)
}

func newSource(ctx context.Context, client kmsClient, keyID, region string) (*Source, error) {
	s := &Source{client: client, region: region}
	id, err := s.resolveKeyID(ctx, keyID)
	if err != nil {
		return nil, err
	}
	s.keyID = id
	return s, nil
}

// resolveKeyID turns an alias into the key id it points to.
func (s *Source) resolveKeyID(ctx context.Context, keyID string) (string, error) {
	if keyID == "" {
		return "", fmt.Errorf("%w: KMS key id cannot be empty", phierr.ErrInvalidConfiguration)
	}

	name := keyID
	if !strings.HasPrefix(keyID, "arn:") && !strings.HasPrefix(keyID, "alias/") && !looksLikeKeyID(keyID) {
		name = "alias/" + keyID
	}

	result, err := s.client.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(name)})
	if err != nil {
		return "", fmt.Errorf("%w: failed to describe KMS key %s: %w", phierr.ErrKeyManager, name, err)
	}
	if result.KeyMetadata == nil || result.KeyMetadata.KeyId == nil {
		return "", fmt.Errorf("%w: no key metadata returned for %s", phierr.ErrKeyManager, name)
	}
	if !result.KeyMetadata.Enabled {
		return "", fmt.Errorf("%w: KMS key %s is disabled", phierr.ErrKeyManager, name)
	}
	return *result.KeyMetadata.KeyId, nil
}

// looksLikeKeyID matches the 36 character UUID form of KMS key ids.
func looksLikeKeyID(s string) bool {
	return len(s) == 36 && strings.Count(s, "-") == 4
}

func (s *Source) Name() string { return SourceName }

// KeyID returns the resolved KMS key id.
func (s *Source) KeyID() string { return s.keyID }

// Region returns the AWS region this source is configured for.
func (s *Source) Region() string { return s.region }

// NewKey draws master key material from the KMS random generator.
func (s *Source) NewKey(ctx context.Context) ([]byte, error) {
	result, err := s.client.GenerateRandom(ctx, &kms.GenerateRandomInput{NumberOfBytes: aws.Int32(keys.KeySize)})
	if err != nil {
		return nil, phierr.NewKeyManagerError("generate key", fmt.Errorf("KMS GenerateRandom: %w", err))
	}
	if len(result.Plaintext) != keys.KeySize {
		return nil, phierr.NewKeyManagerError("generate key",
			fmt.Errorf("KMS returned %d random bytes, want %d", len(result.Plaintext), keys.KeySize))
	}
	return result.Plaintext, nil
}

// Wrap encrypts material under the KMS key. The raw ciphertext blob is
// returned; callers encode it for storage.
func (s *Source) Wrap(ctx context.Context, material []byte) ([]byte, error) {
	if len(material) == 0 {
		return nil, phierr.NewKeyManagerError("wrap key", fmt.Errorf("material cannot be empty"))
	}
	result, err := s.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             aws.String(s.keyID),
		Plaintext:         material,
		EncryptionContext: encryptionContext,
	})
	if err != nil {
		return nil, phierr.NewKeyManagerError("wrap key", fmt.Errorf("KMS Encrypt with key %s: %w", s.keyID, err))
	}
	if result.CiphertextBlob == nil {
		return nil, phierr.NewKeyManagerError("wrap key", fmt.Errorf("no ciphertext returned from KMS"))
	}
	return result.CiphertextBlob, nil
}

// Unwrap decrypts a blob produced by Wrap.
func (s *Source) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	if len(wrapped) == 0 {
		return nil, phierr.NewKeyManagerError("unwrap key", fmt.Errorf("ciphertext cannot be empty"))
	}
	result, err := s.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:             aws.String(s.keyID),
		CiphertextBlob:    wrapped,
		EncryptionContext: encryptionContext,
	})
	if err != nil {
		return nil, phierr.NewKeyManagerError("unwrap key", fmt.Errorf("KMS Decrypt: %w", err))
	}
	if result.Plaintext == nil {
		return nil, phierr.NewKeyManagerError("unwrap key", fmt.Errorf("no plaintext returned from KMS"))
	}
	return result.Plaintext, nil
}
