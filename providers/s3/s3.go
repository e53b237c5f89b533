// Package s3bucket stores key backup artifacts in an S3 bucket.
//
// Objects are written with server-side encryption. The artifacts already
// hold wrapped key material only; SSE keeps them encrypted at rest a
// second time under the bucket's own key.
package s3bucket

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/hengadev/phisafe/internal/keys"
	"github.com/hengadev/phisafe/internal/phierr"
)

const defaultPrefix = "phisafe/backups"

// S3API defines the S3 calls used by the store (allows mocking)
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config holds the bucket settings.
type Config struct {
	Bucket string
	// Prefix is prepended to every object key. Defaults to "phisafe/backups".
	Prefix string
	// KMSKeyID switches SSE from AES256 to aws:kms with this key.
	KMSKeyID string
	Region   string
	// AWSConfig is an optional pre-configured AWS config; Region is then ignored.
	AWSConfig *aws.Config
}

// BackupStore implements keys.BackupStore over S3.
type BackupStore struct {
	client   S3API
	bucket   string
	prefix   string
	kmsKeyID string
	logger   zerolog.Logger
}

var _ keys.BackupStore = (*BackupStore)(nil)

// New loads the AWS configuration and returns a store for the bucket.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*BackupStore, error) {
	var awsConfig aws.Config
	if cfg.AWSConfig != nil {
		awsConfig = *cfg.AWSConfig
	} else {
		opts := []func(*config.LoadOptions) error{}
		if cfg.Region != "" {
			opts = append(opts, config.WithRegion(cfg.Region))
		}
		var err error
		awsConfig, err = config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to load AWS config: %w", phierr.ErrInvalidConfiguration, err)
		}
	}
	return NewWithClient(s3.NewFromConfig(awsConfig), cfg, logger)
}

// NewWithClient builds a store over an existing client.
func NewWithClient(client S3API, cfg Config, logger zerolog.Logger) (*BackupStore, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: S3 client cannot be nil", phierr.ErrInvalidConfiguration)
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: S3 bucket cannot be empty", phierr.ErrInvalidConfiguration)
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &BackupStore{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   prefix,
		kmsKeyID: cfg.KMSKeyID,
		logger:   logger.With().Str("component", "backup.s3").Str("bucket", cfg.Bucket).Logger(),
	}, nil
}

func (b *BackupStore) objectKey(name string) string {
	return b.prefix + "/" + name
}

// location renders s3://bucket/key.
func (b *BackupStore) location(key string) string {
	return "s3://" + b.bucket + "/" + key
}

// keyFor accepts a location from Put or a bare backup name.
func (b *BackupStore) keyFor(location string) (string, error) {
	if rest, ok := strings.CutPrefix(location, "s3://"); ok {
		bucket, key, found := strings.Cut(rest, "/")
		if !found || key == "" {
			return "", fmt.Errorf("invalid S3 location %q", location)
		}
		if bucket != b.bucket {
			return "", fmt.Errorf("%w: %s is not in bucket %s", keys.ErrBackupNotFound, location, b.bucket)
		}
		return key, nil
	}
	if location == "" || strings.Contains(location, "/") {
		return "", fmt.Errorf("invalid backup name %q", location)
	}
	return b.objectKey(location), nil
}

func (b *BackupStore) Put(ctx context.Context, name string, data []byte) (string, error) {
	if name == "" || name != path.Base(name) {
		return "", fmt.Errorf("invalid backup name %q", name)
	}
	key := b.objectKey(name)

	input := &s3.PutObjectInput{
		Bucket:               aws.String(b.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ContentLength:        aws.Int64(int64(len(data))),
		ContentType:          aws.String("application/yaml"),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	}
	if b.kmsKeyID != "" {
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		input.SSEKMSKeyId = aws.String(b.kmsKeyID)
	}

	if _, err := b.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("failed to upload backup to s3: %w", err)
	}
	b.logger.Info().Str("key", key).Int("size", len(data)).Msg("backup uploaded")
	return b.location(key), nil
}

func (b *BackupStore) Get(ctx context.Context, location string) ([]byte, error) {
	key, err := b.keyFor(location)
	if err != nil {
		return nil, err
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(key)})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", keys.ErrBackupNotFound, location)
		}
		return nil, fmt.Errorf("failed to download backup from s3: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup body: %w", err)
	}
	return data, nil
}

// List pages through the prefix and keeps objects named like backups.
func (b *BackupStore) List(ctx context.Context) ([]keys.BackupInfo, error) {
	var (
		infos []keys.BackupInfo
		token *string
	)
	for {
		out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(b.prefix + "/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list backups in s3: %w", err)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			name := path.Base(key)
			label, createdAt, ok := keys.ParseBackupName(name)
			if !ok {
				continue
			}
			infos = append(infos, keys.BackupInfo{
				Name:      name,
				Location:  b.location(key),
				Label:     label,
				CreatedAt: createdAt,
				Size:      aws.ToInt64(obj.Size),
			})
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	keys.SortBackups(infos)
	return infos, nil
}
