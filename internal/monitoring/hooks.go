// Package monitoring provides hooks that observe cipher and key operations
// without touching their outcome. Hooks never receive key material or
// plaintext: metadata carries field names, resource types and key versions.
package monitoring

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// ObservabilityHook receives notifications about encryption and key operations
type ObservabilityHook interface {
	// Called before an operation starts
	OnProcessStart(ctx context.Context, operation string, metadata map[string]any)

	// Called after an operation completes (success or failure)
	OnProcessComplete(ctx context.Context, operation string, duration time.Duration, err error, metadata map[string]any)

	// Called when errors occur
	OnError(ctx context.Context, operation string, err error, metadata map[string]any)

	// Called for key lifecycle events: generate, rotate, backup, restore
	OnKeyOperation(ctx context.Context, operation string, keySource string, keyVersion int, metadata map[string]any)
}

// NoOpObservabilityHook is a no-op implementation of ObservabilityHook
type NoOpObservabilityHook struct{}

func (n *NoOpObservabilityHook) OnProcessStart(ctx context.Context, operation string, metadata map[string]any) {
}
func (n *NoOpObservabilityHook) OnProcessComplete(ctx context.Context, operation string, duration time.Duration, err error, metadata map[string]any) {
}
func (n *NoOpObservabilityHook) OnError(ctx context.Context, operation string, err error, metadata map[string]any) {
}
func (n *NoOpObservabilityHook) OnKeyOperation(ctx context.Context, operation string, keySource string, keyVersion int, metadata map[string]any) {
}

// LoggingObservabilityHook writes operations to a zerolog logger
type LoggingObservabilityHook struct {
	logger zerolog.Logger
}

// NewLoggingObservabilityHook creates a new logging observability hook
func NewLoggingObservabilityHook(logger zerolog.Logger) *LoggingObservabilityHook {
	return &LoggingObservabilityHook{
		logger: logger.With().Str("component", "observability").Logger(),
	}
}

func (l *LoggingObservabilityHook) OnProcessStart(ctx context.Context, operation string, metadata map[string]any) {
	l.logger.Debug().Str("operation", operation).Fields(metadata).Msg("operation started")
}

func (l *LoggingObservabilityHook) OnProcessComplete(ctx context.Context, operation string, duration time.Duration, err error, metadata map[string]any) {
	if err != nil {
		l.logger.Error().Err(err).Str("operation", operation).Dur("duration", duration).Fields(metadata).Msg("operation failed")
		return
	}
	l.logger.Debug().Str("operation", operation).Dur("duration", duration).Fields(metadata).Msg("operation completed")
}

func (l *LoggingObservabilityHook) OnError(ctx context.Context, operation string, err error, metadata map[string]any) {
	l.logger.Error().Err(err).Str("operation", operation).Fields(metadata).Msg("operation error")
}

func (l *LoggingObservabilityHook) OnKeyOperation(ctx context.Context, operation string, keySource string, keyVersion int, metadata map[string]any) {
	l.logger.Info().
		Str("operation", operation).
		Str("key_source", keySource).
		Int("key_version", keyVersion).
		Fields(metadata).
		Msg("key operation")
}

// MetricsObservabilityHook collects metrics for operations
type MetricsObservabilityHook struct {
	collector MetricsCollector
}

// NewMetricsObservabilityHook creates a new metrics observability hook
func NewMetricsObservabilityHook(collector MetricsCollector) *MetricsObservabilityHook {
	if collector == nil {
		collector = &NoOpMetricsCollector{}
	}
	return &MetricsObservabilityHook{
		collector: collector,
	}
}

func (m *MetricsObservabilityHook) OnProcessStart(ctx context.Context, operation string, metadata map[string]any) {
	m.collector.IncrementCounter("phisafe.operation.started", operationTags(operation, metadata))
}

func (m *MetricsObservabilityHook) OnProcessComplete(ctx context.Context, operation string, duration time.Duration, err error, metadata map[string]any) {
	tags := operationTags(operation, metadata)
	if err != nil {
		tags["status"] = "error"
		m.collector.IncrementCounter("phisafe.operation.failed", tags)
	} else {
		tags["status"] = "success"
		m.collector.IncrementCounter("phisafe.operation.succeeded", tags)
	}
	m.collector.RecordTiming("phisafe.operation.duration", duration, tags)
}

func (m *MetricsObservabilityHook) OnError(ctx context.Context, operation string, err error, metadata map[string]any) {
	tags := map[string]string{
		"operation": operation,
		"error":     fmt.Sprintf("%T", err),
	}
	m.collector.IncrementCounter("phisafe.errors", tags)
}

func (m *MetricsObservabilityHook) OnKeyOperation(ctx context.Context, operation string, keySource string, keyVersion int, metadata map[string]any) {
	m.collector.IncrementCounter("phisafe.key_operations", map[string]string{
		"operation":  operation,
		"key_source": keySource,
	})
	m.collector.SetGauge("phisafe.key_version", float64(keyVersion), map[string]string{"key_source": keySource})
}

func operationTags(operation string, metadata map[string]any) map[string]string {
	tags := map[string]string{"operation": operation}
	if rt, ok := metadata["resource_type"].(string); ok {
		tags["resource_type"] = rt
	}
	if v, ok := metadata["key_version"].(int); ok {
		tags["key_version"] = strconv.Itoa(v)
	}
	return tags
}

// CompositeObservabilityHook combines multiple hooks
type CompositeObservabilityHook struct {
	hooks []ObservabilityHook
}

// NewCompositeObservabilityHook creates a new composite hook
func NewCompositeObservabilityHook(hooks ...ObservabilityHook) *CompositeObservabilityHook {
	return &CompositeObservabilityHook{
		hooks: hooks,
	}
}

func (c *CompositeObservabilityHook) OnProcessStart(ctx context.Context, operation string, metadata map[string]any) {
	for _, hook := range c.hooks {
		hook.OnProcessStart(ctx, operation, metadata)
	}
}

func (c *CompositeObservabilityHook) OnProcessComplete(ctx context.Context, operation string, duration time.Duration, err error, metadata map[string]any) {
	for _, hook := range c.hooks {
		hook.OnProcessComplete(ctx, operation, duration, err, metadata)
	}
}

func (c *CompositeObservabilityHook) OnError(ctx context.Context, operation string, err error, metadata map[string]any) {
	for _, hook := range c.hooks {
		hook.OnError(ctx, operation, err, metadata)
	}
}

func (c *CompositeObservabilityHook) OnKeyOperation(ctx context.Context, operation string, keySource string, keyVersion int, metadata map[string]any) {
	for _, hook := range c.hooks {
		hook.OnKeyOperation(ctx, operation, keySource, keyVersion, metadata)
	}
}
