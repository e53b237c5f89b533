package phisafe

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/hengadev/phisafe/internal/audit"
	"github.com/hengadev/phisafe/internal/column"
	"github.com/hengadev/phisafe/internal/compliance"
	"github.com/hengadev/phisafe/internal/crypto"
	"github.com/hengadev/phisafe/internal/keys"
	"github.com/hengadev/phisafe/internal/monitoring"
	"github.com/hengadev/phisafe/internal/opsapi"
	"github.com/hengadev/phisafe/internal/security"
	"github.com/hengadev/phisafe/internal/sqlitedb"
	awskms "github.com/hengadev/phisafe/providers/awskms"
	s3bucket "github.com/hengadev/phisafe/providers/s3"
	"github.com/hengadev/phisafe/providers/vault"
)

type (
	ColumnSpec  = column.Spec
	Ref         = column.Ref
	Actor       = audit.Actor
	AuditFilter = audit.Filter
	AuditPage   = audit.Page
	AuditEvent  = audit.Event
	Finding     = audit.Finding
	KeyInfo     = keys.KeyInfo
	BackupInfo  = keys.BackupInfo
	Report      = compliance.Report
)

const (
	ClassificationPHI = column.ClassificationPHI
	ClassificationPII = column.ClassificationPII
)

// WithActor attaches the acting user to ctx. Every audit event written
// under ctx is attributed to actor.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return audit.WithActor(ctx, actor)
}

// Security event names recorded for key lifecycle operations.
const (
	EventKeyRotated  = "key_rotated"
	EventKeyBackedUp = "key_backup_created"
	EventKeyRestored = "key_restored"
)

// Service is the assembled PHI protection core.
type Service struct {
	cfg      Config
	logger   zerolog.Logger
	keys     *keys.Manager
	audit    *audit.Logger
	engine   *crypto.Engine
	reporter *compliance.Reporter
	metrics  *monitoring.InMemoryMetricsCollector
	optIn    column.OptIn
	closers  []func() error
}

// New validates cfg and builds every component. Stores default to SQLite
// files under cfg.DBPath; options replace any of them.
func New(ctx context.Context, cfg Config, opts ...Option) (svc *Service, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	s := &Service{
		cfg:     cfg,
		logger:  o.logger.With().Str("component", "phisafe").Logger(),
		metrics: monitoring.NewInMemoryMetricsCollector(),
		optIn:   column.NewOptIn(cfg.SearchableFields...),
	}
	hook := o.observability(
		monitoring.NewMetricsObservabilityHook(s.metrics),
		monitoring.NewLoggingObservabilityHook(o.logger),
	)
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	source, err := s.keySource(ctx, o)
	if err != nil {
		return nil, err
	}
	stateStore, err := s.stateStore(ctx, o)
	if err != nil {
		return nil, err
	}
	backups, err := s.backupStore(ctx, o)
	if err != nil {
		return nil, err
	}

	managerOpts := []keys.Option{
		keys.WithRotationPeriod(cfg.RotationPeriod()),
		keys.WithLogger(o.logger),
		keys.WithObservability(hook),
		keys.WithClock(o.now),
	}
	if cfg.MasterKey != "" {
		master, err := DecodeKey(cfg.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("%w: master key: %w", ErrInvalidConfiguration, err)
		}
		managerOpts = append(managerOpts, keys.WithMasterKey(master, cfg.KeyVersion))
		security.ZeroBytes(master)
	}
	s.keys, err = keys.NewManager(ctx, source, stateStore, backups, managerOpts...)
	if err != nil {
		return nil, err
	}

	auditStore, err := s.auditStore(ctx, o)
	if err != nil {
		return nil, err
	}
	s.audit, err = audit.NewLogger(auditStore,
		audit.WithLogger(o.logger),
		audit.WithWriteTimeout(cfg.AuditWriteTimeout),
		audit.WithRetentionDays(cfg.AuditRetentionDays),
		audit.WithClock(o.now),
	)
	if err != nil {
		return nil, err
	}

	s.engine, err = crypto.NewEngine(s.keys, s.audit,
		crypto.WithLogger(o.logger),
		crypto.WithObservability(hook),
		crypto.WithClock(o.now),
	)
	if err != nil {
		return nil, err
	}

	reporterOpts := append([]compliance.Option{
		compliance.WithLogger(o.logger),
		compliance.WithClock(o.now),
	}, o.compliance...)
	s.reporter = compliance.NewReporter(s.keys, s.audit, reporterOpts...)

	info := s.keys.KeyInfo()
	s.logger.Info().
		Str("key_source", info.Source).
		Int("key_version", info.Version).
		Int("searchable_fields", len(cfg.SearchableFields)).
		Msg("phisafe service ready")
	return s, nil
}

func (s *Service) keySource(ctx context.Context, o options) (keys.KeySource, error) {
	if o.keySource != nil {
		return o.keySource, nil
	}
	switch s.cfg.KeySource {
	case KeySourceAWS:
		return awskms.New(ctx, awskms.Config{KeyID: s.cfg.KMSKeyID})
	case KeySourceVault:
		client, err := vault.NewClient(ctx, vault.ClientConfigFromEnvironment())
		if err != nil {
			return nil, err
		}
		return vault.New(client, vault.Config{KeyName: s.cfg.VaultTransitKey})
	}

	localOpts := []keys.LocalOption{keys.WithSourceLogger(o.logger)}
	if s.cfg.WrappingKey != "" {
		wrapping, err := DecodeKey(s.cfg.WrappingKey)
		if err != nil {
			return nil, fmt.Errorf("%w: wrapping key: %w", ErrInvalidConfiguration, err)
		}
		localOpts = append(localOpts, keys.WithWrappingKey(wrapping))
		security.ZeroBytes(wrapping)
	}
	return keys.NewLocalSource(localOpts...)
}

func (s *Service) openSQLite(ctx context.Context, filename string) (*sql.DB, error) {
	if err := os.MkdirAll(s.cfg.DBPath, 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sqlitedb.Open(ctx, filepath.Join(s.cfg.DBPath, filename))
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, db.Close)
	return db, nil
}

func (s *Service) stateStore(ctx context.Context, o options) (keys.StateStore, error) {
	if o.stateStore != nil {
		return o.stateStore, nil
	}
	db, err := s.openSQLite(ctx, s.cfg.KeysDBFilename)
	if err != nil {
		return nil, wrapErr(ErrKeyManager, "open key database", err)
	}
	store, err := keys.NewSQLiteStateStore(db)
	if err != nil {
		return nil, wrapErr(ErrKeyManager, "prepare key database", err)
	}
	return store, nil
}

func (s *Service) backupStore(ctx context.Context, o options) (keys.BackupStore, error) {
	if o.backupStore != nil {
		return o.backupStore, nil
	}
	if s.cfg.BackupS3Bucket != "" {
		return s3bucket.New(ctx, s3bucket.Config{Bucket: s.cfg.BackupS3Bucket}, o.logger)
	}
	return keys.NewFileBackupStore(s.cfg.BackupDir)
}

func (s *Service) auditStore(ctx context.Context, o options) (audit.Store, error) {
	if o.auditStore != nil {
		return o.auditStore, nil
	}
	if s.cfg.AuditDatabaseURL != "" {
		pool, err := audit.NewPostgresPool(ctx, s.cfg.AuditDatabaseURL, 0)
		if err != nil {
			return nil, wrapErr(ErrAuditWrite, "connect audit database", err)
		}
		s.closers = append(s.closers, func() error { pool.Close(); return nil })
		store, err := audit.NewPostgresStore(ctx, pool)
		if err != nil {
			return nil, wrapErr(ErrAuditWrite, "prepare audit database", err)
		}
		return store, nil
	}
	db, err := s.openSQLite(ctx, s.cfg.AuditDBFilename)
	if err != nil {
		return nil, wrapErr(ErrAuditWrite, "open audit database", err)
	}
	store, err := audit.NewSQLiteStore(db)
	if err != nil {
		return nil, wrapErr(ErrAuditWrite, "prepare audit database", err)
	}
	return store, nil
}

func wrapErr(sentinel error, op string, err error) error {
	return fmt.Errorf("%w: %s: %w", sentinel, op, err)
}

// Column returns a randomized string column.
func (s *Service) Column(spec ColumnSpec) (*column.String, error) {
	return column.NewString(s.engine, spec)
}

// JSONColumn returns a column holding canonical JSON documents.
func (s *Service) JSONColumn(spec ColumnSpec) (*column.JSON, error) {
	return column.NewJSON(s.engine, spec)
}

// SearchableColumn returns a deterministic column. The field must be listed
// in Config.SearchableFields; construction is logged and audited.
func (s *Service) SearchableColumn(ctx context.Context, spec ColumnSpec) (*column.Searchable, error) {
	return column.NewSearchable(ctx, s.engine, s.audit, spec, s.optIn, s.logger)
}

// Registry returns a struct codec over the given columns.
func (s *Service) Registry(codecs ...column.Codec) (*column.Registry, error) {
	r := column.NewRegistry()
	for _, c := range codecs {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Metrics returns the operation counters recorded since New, keyed by
// "name,tag=value,...".
func (s *Service) Metrics() map[string]int64 { return s.metrics.Snapshot() }

// Engine exposes the field engine for callers that manage storage themselves.
func (s *Service) Engine() *crypto.Engine { return s.engine }

func (s *Service) KeyInfo() KeyInfo { return s.keys.KeyInfo() }

func (s *Service) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	return s.keys.ListBackups(ctx)
}

// RotateKey installs a new master key and records a security event. The
// rotation stands even if the event cannot be written; the audit error is
// still returned.
func (s *Service) RotateKey(ctx context.Context) (KeyInfo, error) {
	newKey, oldKey, err := s.keys.RotateKey(ctx)
	if err != nil {
		return KeyInfo{}, err
	}
	security.ZeroAll(newKey.Material, oldKey.Material)

	info := s.keys.KeyInfo()
	_, err = s.audit.LogSecurityEvent(ctx, audit.SecurityEvent{
		Name:        EventKeyRotated,
		Severity:    audit.SeverityMedium,
		Description: "master key rotated",
		Details: map[string]string{
			"new_version": strconv.Itoa(newKey.Version),
			"old_version": strconv.Itoa(oldKey.Version),
			"key_source":  info.Source,
		},
	})
	return info, err
}

func (s *Service) BackupKeys(ctx context.Context, label string) (string, error) {
	location, err := s.keys.BackupKeys(ctx, label)
	if err != nil {
		return "", err
	}
	_, err = s.audit.LogSecurityEvent(ctx, audit.SecurityEvent{
		Name:        EventKeyBackedUp,
		Severity:    audit.SeverityLow,
		Description: "keyring backup written",
		Details:     map[string]string{"location": location, "label": label},
	})
	return location, err
}

// RestoreKeys replaces the live keyring from a backup artifact. A rejected
// artifact leaves the keyring untouched and is audited as a high severity
// event.
func (s *Service) RestoreKeys(ctx context.Context, location string) error {
	restoreErr := s.keys.RestoreKeys(ctx, location)

	ev := audit.SecurityEvent{
		Name:        EventKeyRestored,
		Severity:    audit.SeverityHigh,
		Description: "keyring restored from backup",
		Details:     map[string]string{"location": location},
	}
	if restoreErr != nil {
		ev.Description = "keyring restore rejected"
		ev.Details["result"] = "rejected"
	} else {
		ev.Details["version"] = strconv.Itoa(s.keys.KeyInfo().Version)
	}
	_, auditErr := s.audit.LogSecurityEvent(ctx, ev)
	return errors.Join(restoreErr, auditErr)
}

// DeriveKeyFingerprint derives the purpose key and returns the first 8
// bytes of its SHA-256, hex encoded. The key itself never leaves.
func (s *Service) DeriveKeyFingerprint(purpose string) (string, error) {
	key, err := s.keys.DeriveKey(purpose)
	if err != nil {
		return "", err
	}
	defer security.ZeroBytes(key)
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:8]), nil
}

func (s *Service) AuditHistory(ctx context.Context, f AuditFilter) (AuditPage, error) {
	return s.audit.History(ctx, f)
}

func (s *Service) DetectSuspiciousActivity(ctx context.Context, userID string, windowMinutes int) ([]Finding, error) {
	return s.audit.DetectSuspiciousActivity(ctx, userID, windowMinutes)
}

// PurgeExpiredAudit deletes audit events past the retention period.
func (s *Service) PurgeExpiredAudit(ctx context.Context) (int, error) {
	return s.audit.PurgeExpired(ctx)
}

// LogBreakGlass records emergency access. reason is mandatory.
func (s *Service) LogBreakGlass(ctx context.Context, resourceType, resourceID, reason string, fieldNames []string) (string, error) {
	return s.audit.LogBreakGlass(ctx, resourceType, resourceID, reason, fieldNames)
}

// ComplianceReport scans key state and the recent audit trail.
func (s *Service) ComplianceReport(ctx context.Context, scope string) Report {
	return s.reporter.Scan(ctx, scope)
}

// Reporter exposes the compliance validators.
func (s *Service) Reporter() *compliance.Reporter { return s.reporter }

// OpsServer builds the read-only operations API with readiness checks on
// the keyring, the audit store and the backup store.
func (s *Service) OpsServer(cfg opsapi.Config) (*opsapi.Server, error) {
	health := opsapi.NewHealthChecker()
	checks := []opsapi.HealthCheck{
		{Name: "keys", Critical: true, Check: func(context.Context) error {
			if !s.keys.KeyInfo().HasCurrent {
				return fmt.Errorf("no current key")
			}
			return nil
		}},
		{Name: "audit", Critical: true, Check: func(ctx context.Context) error {
			_, err := s.audit.History(ctx, audit.Filter{Limit: 1})
			return err
		}},
		{Name: "backups", Check: func(ctx context.Context) error {
			_, err := s.keys.ListBackups(ctx)
			return err
		}},
	}
	for _, c := range checks {
		if err := health.RegisterCheck(c); err != nil {
			return nil, err
		}
	}
	return opsapi.New(opsapi.Deps{
		Keys:       s.keys,
		Audit:      s.audit,
		Compliance: s.reporter,
		Health:     health,
		Metrics:    s.metrics,
	}, cfg, s.logger)
}

// Close releases database handles.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}
