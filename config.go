package phisafe

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/hengadev/errsx"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/hengadev/phisafe/internal/audit"
	"github.com/hengadev/phisafe/internal/keys"
	"github.com/hengadev/phisafe/internal/security"
	awskms "github.com/hengadev/phisafe/providers/awskms"
	"github.com/hengadev/phisafe/providers/vault"
)

// EnvPrefix prefixes every environment variable read by LoadConfigFromEnvironment.
const EnvPrefix = "PHISAFE"

const (
	KeySourceLocal = "local"
	KeySourceAWS   = awskms.SourceName
	KeySourceVault = vault.SourceName
)

const (
	DefaultKeyVersion         = 1
	DefaultRotationPeriodDays = 90
	DefaultDBPath             = ".phisafe"
	DefaultKeysDBFilename     = "keys.db"
	DefaultAuditDBFilename    = "audit.db"
	DefaultBackupDir          = ".phisafe-backups"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
)

// Config holds everything needed to build a Service. It carries data only;
// load it from any source and pass it to New.
//
// Example:
//
//	cfg := phisafe.Config{
//	    KeySource: phisafe.KeySourceAWS,
//	    KMSKeyID:  "alias/phisafe",
//	    DBPath:    "/var/lib/phisafe",
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	// MasterKey is an optional base64 or hex encoded 32 byte key installed
	// at KeyVersion when the key store is empty.
	MasterKey  string `mapstructure:"MASTER_KEY"`
	KeyVersion int    `mapstructure:"KEY_VERSION"`

	// KeySource is one of "local", "aws-kms" or "vault-transit".
	KeySource       string `mapstructure:"KEY_SOURCE"`
	KMSKeyID        string `mapstructure:"KMS_KEY_ID"`
	VaultTransitKey string `mapstructure:"VAULT_TRANSIT_KEY"`
	// WrappingKey optionally wraps locally generated keys (base64 or hex,
	// 32 bytes). Ignored by the remote sources.
	WrappingKey string `mapstructure:"WRAPPING_KEY"`

	RotationPeriodDays int `mapstructure:"ROTATION_PERIOD_DAYS"`
	AuditRetentionDays int `mapstructure:"AUDIT_RETENTION_DAYS"`

	// SearchableFields opts fields into deterministic encryption, as
	// "field" or "resource.field".
	SearchableFields []string `mapstructure:"SEARCHABLE_FIELDS"`

	DBPath           string `mapstructure:"DB_PATH"`
	KeysDBFilename   string `mapstructure:"KEYS_DB_FILENAME"`
	AuditDBFilename  string `mapstructure:"AUDIT_DB_FILENAME"`
	AuditDatabaseURL string `mapstructure:"AUDIT_DATABASE_URL"`

	BackupDir      string `mapstructure:"BACKUP_DIR"`
	BackupS3Bucket string `mapstructure:"BACKUP_S3_BUCKET"`

	AuditWriteTimeout time.Duration `mapstructure:"AUDIT_WRITE_TIMEOUT"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
}

// Validate applies defaults to optional fields and reports every invalid
// field at once as an errsx.Map wrapped in ErrInvalidConfiguration.
func (c *Config) Validate() error {
	c.applyDefaults()

	errs := errsx.Map{}
	if c.KeyVersion < 1 {
		errs.Set("key_version", fmt.Errorf("must be at least 1, got %d", c.KeyVersion))
	}
	switch c.KeySource {
	case KeySourceLocal:
	case KeySourceAWS:
		if c.KMSKeyID == "" {
			errs.Set("kms_key_id", fmt.Errorf("required when key source is %s", KeySourceAWS))
		}
	case KeySourceVault:
		if c.VaultTransitKey == "" {
			errs.Set("vault_transit_key", fmt.Errorf("required when key source is %s", KeySourceVault))
		}
	default:
		errs.Set("key_source", fmt.Errorf("unknown key source %q", c.KeySource))
	}
	if c.MasterKey != "" {
		if key, err := DecodeKey(c.MasterKey); err != nil {
			errs.Set("master_key", err)
		} else {
			security.ZeroBytes(key)
		}
	}
	if c.WrappingKey != "" {
		if key, err := DecodeKey(c.WrappingKey); err != nil {
			errs.Set("wrapping_key", err)
		} else {
			security.ZeroBytes(key)
		}
	}
	if c.RotationPeriodDays < 1 {
		errs.Set("rotation_period_days", fmt.Errorf("must be positive, got %d", c.RotationPeriodDays))
	}
	if c.AuditRetentionDays < audit.MinRetentionDays {
		errs.Set("audit_retention_days", fmt.Errorf("must be at least %d, got %d", audit.MinRetentionDays, c.AuditRetentionDays))
	}
	if c.AuditWriteTimeout <= 0 {
		errs.Set("audit_write_timeout", fmt.Errorf("must be positive, got %s", c.AuditWriteTimeout))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs.Set("log_level", err)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		errs.Set("log_format", fmt.Errorf("must be json or console, got %q", c.LogFormat))
	}

	if err := errs.AsError(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.KeyVersion == 0 {
		c.KeyVersion = DefaultKeyVersion
	}
	if c.KeySource == "" {
		c.KeySource = KeySourceLocal
	}
	if c.RotationPeriodDays == 0 {
		c.RotationPeriodDays = DefaultRotationPeriodDays
	}
	if c.AuditRetentionDays == 0 {
		c.AuditRetentionDays = audit.DefaultRetentionDays
	}
	if c.DBPath == "" {
		c.DBPath = DefaultDBPath
	}
	if c.KeysDBFilename == "" {
		c.KeysDBFilename = DefaultKeysDBFilename
	}
	if c.AuditDBFilename == "" {
		c.AuditDBFilename = DefaultAuditDBFilename
	}
	if c.BackupDir == "" {
		c.BackupDir = DefaultBackupDir
	}
	if c.AuditWriteTimeout == 0 {
		c.AuditWriteTimeout = audit.DefaultWriteTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}

	fields := c.SearchableFields[:0]
	for _, f := range c.SearchableFields {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	c.SearchableFields = fields
}

// RotationPeriod returns RotationPeriodDays as a duration.
func (c Config) RotationPeriod() time.Duration {
	return time.Duration(c.RotationPeriodDays) * 24 * time.Hour
}

// DecodeKey accepts a 32 byte key as standard base64, URL-safe base64 or
// hex. An all-zero key is rejected. The caller owns and zeroes the result.
func DecodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	decoders := []func(string) ([]byte, error){
		hex.DecodeString,
		base64.StdEncoding.DecodeString,
		base64.URLEncoding.DecodeString,
		base64.RawStdEncoding.DecodeString,
	}
	for _, decode := range decoders {
		key, err := decode(s)
		if err != nil {
			continue
		}
		if len(key) != keys.KeySize {
			security.ZeroBytes(key)
			continue
		}
		if !keys.ValidateKey(key) {
			return nil, fmt.Errorf("key is all zeros")
		}
		return key, nil
	}
	return nil, fmt.Errorf("key must decode (base64 or hex) to %d bytes", keys.KeySize)
}

var envKeys = []string{
	"MASTER_KEY", "KEY_VERSION", "KEY_SOURCE", "KMS_KEY_ID", "VAULT_TRANSIT_KEY", "WRAPPING_KEY",
	"ROTATION_PERIOD_DAYS", "AUDIT_RETENTION_DAYS", "SEARCHABLE_FIELDS",
	"DB_PATH", "KEYS_DB_FILENAME", "AUDIT_DB_FILENAME", "AUDIT_DATABASE_URL",
	"BACKUP_DIR", "BACKUP_S3_BUCKET", "AUDIT_WRITE_TIMEOUT", "LOG_LEVEL", "LOG_FORMAT",
}

// LoadConfigFromEnvironment reads PHISAFE_* variables, applies defaults and
// validates the result.
//
//	export PHISAFE_KEY_SOURCE=aws-kms
//	export PHISAFE_KMS_KEY_ID=alias/phisafe
//	export PHISAFE_SEARCHABLE_FIELDS=patient.mrn,email
func LoadConfigFromEnvironment() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	for _, k := range envKeys {
		if err := v.BindEnv(k); err != nil {
			return Config{}, fmt.Errorf("bind %s_%s: %w", EnvPrefix, k, err)
		}
	}
	return loadConfig(v)
}

func loadConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: unmarshal config: %w", ErrInvalidConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}
