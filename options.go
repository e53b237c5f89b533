package phisafe

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/hengadev/phisafe/internal/audit"
	"github.com/hengadev/phisafe/internal/compliance"
	"github.com/hengadev/phisafe/internal/keys"
	"github.com/hengadev/phisafe/internal/monitoring"
)

// Option overrides a component New would otherwise build from Config.
type Option func(*options)

type options struct {
	logger      zerolog.Logger
	hooks       []monitoring.ObservabilityHook
	keySource   keys.KeySource
	stateStore  keys.StateStore
	backupStore keys.BackupStore
	auditStore  audit.Store
	now         func() time.Time
	compliance  []compliance.Option
}

func defaultOptions() options {
	return options{logger: zerolog.Nop(), now: time.Now}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithObservabilityHook adds a hook. Several hooks are combined.
func WithObservabilityHook(hook monitoring.ObservabilityHook) Option {
	return func(o *options) {
		if hook != nil {
			o.hooks = append(o.hooks, hook)
		}
	}
}

// WithMetricsCollector records operation counters and timings in collector.
func WithMetricsCollector(collector monitoring.MetricsCollector) Option {
	return func(o *options) {
		if collector != nil {
			o.hooks = append(o.hooks, monitoring.NewMetricsObservabilityHook(collector))
		}
	}
}

// WithKeySource replaces the source selected by Config.KeySource.
func WithKeySource(source keys.KeySource) Option {
	return func(o *options) { o.keySource = source }
}

// WithStateStore replaces the SQLite key state store.
func WithStateStore(store keys.StateStore) Option {
	return func(o *options) { o.stateStore = store }
}

// WithBackupStore replaces the file or S3 backup store.
func WithBackupStore(store keys.BackupStore) Option {
	return func(o *options) { o.backupStore = store }
}

// WithAuditStore replaces the SQLite or Postgres audit store.
func WithAuditStore(store audit.Store) Option {
	return func(o *options) { o.auditStore = store }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithComplianceOptions passes options to the compliance reporter.
func WithComplianceOptions(opts ...compliance.Option) Option {
	return func(o *options) { o.compliance = append(o.compliance, opts...) }
}

// observability combines the configured hooks with the built-in ones.
func (o options) observability(builtin ...monitoring.ObservabilityHook) monitoring.ObservabilityHook {
	hooks := append(append([]monitoring.ObservabilityHook{}, builtin...), o.hooks...)
	switch len(hooks) {
	case 0:
		return &monitoring.NoOpObservabilityHook{}
	case 1:
		return hooks[0]
	}
	return monitoring.NewCompositeObservabilityHook(hooks...)
}
