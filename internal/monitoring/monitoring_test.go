package monitoring

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryMetricsCollector(t *testing.T) {
	collector := NewInMemoryMetricsCollector()

	t.Run("counters", func(t *testing.T) {
		tags := map[string]string{"operation": "encrypt"}
		collector.IncrementCounter("test.counter", tags)
		collector.IncrementCounter("test.counter", tags)

		assert.Equal(t, int64(2), collector.GetCounter("test.counter", tags))
		assert.Equal(t, int64(0), collector.GetCounter("test.counter", map[string]string{"operation": "decrypt"}))
	})

	t.Run("gauges", func(t *testing.T) {
		collector.SetGauge("test.gauge", 3, nil)
		collector.SetGauge("test.gauge", 4, nil)
		assert.Equal(t, 4.0, collector.GetGauge("test.gauge", nil))
	})

	t.Run("timings", func(t *testing.T) {
		collector.RecordTiming("test.timing", time.Millisecond, nil)
		collector.RecordTiming("test.timing", 2*time.Millisecond, nil)
		assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, collector.GetTimings("test.timing", nil))
	})

	t.Run("tag order does not matter", func(t *testing.T) {
		collector.IncrementCounter("test.tags", map[string]string{"a": "1", "b": "2"})
		assert.Equal(t, int64(1), collector.GetCounter("test.tags", map[string]string{"b": "2", "a": "1"}))
		assert.Contains(t, collector.Snapshot(), "test.tags,a=1,b=2")
	})
}

func TestInMemoryMetricsCollector_Concurrent(t *testing.T) {
	collector := NewInMemoryMetricsCollector()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.IncrementCounter("concurrent", nil)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), collector.GetCounter("concurrent", nil))
}

func TestMetricsObservabilityHook(t *testing.T) {
	ctx := context.Background()
	collector := NewInMemoryMetricsCollector()
	hook := NewMetricsObservabilityHook(collector)

	meta := map[string]any{"resource_type": "patient"}
	hook.OnProcessStart(ctx, "encrypt", meta)
	hook.OnProcessComplete(ctx, "encrypt", time.Millisecond, nil, meta)
	hook.OnProcessComplete(ctx, "encrypt", time.Millisecond, errors.New("boom"), meta)
	hook.OnKeyOperation(ctx, "rotate", "local", 3, nil)

	assert.Equal(t, int64(1), collector.GetCounter("phisafe.operation.started",
		map[string]string{"operation": "encrypt", "resource_type": "patient"}))
	assert.Equal(t, int64(1), collector.GetCounter("phisafe.operation.succeeded",
		map[string]string{"operation": "encrypt", "resource_type": "patient", "status": "success"}))
	assert.Equal(t, int64(1), collector.GetCounter("phisafe.operation.failed",
		map[string]string{"operation": "encrypt", "resource_type": "patient", "status": "error"}))
	assert.Equal(t, 3.0, collector.GetGauge("phisafe.key_version", map[string]string{"key_source": "local"}))
}

func TestLoggingObservabilityHook(t *testing.T) {
	var buf bytes.Buffer
	hook := NewLoggingObservabilityHook(zerolog.New(&buf))

	hook.OnKeyOperation(context.Background(), "rotate", "local", 2, map[string]any{"label": "nightly"})
	out := buf.String()
	assert.Contains(t, out, `"operation":"rotate"`)
	assert.Contains(t, out, `"key_version":2`)
	assert.Contains(t, out, `"component":"observability"`)
}

func TestCompositeObservabilityHook(t *testing.T) {
	a := NewInMemoryMetricsCollector()
	b := NewInMemoryMetricsCollector()
	hook := NewCompositeObservabilityHook(
		NewMetricsObservabilityHook(a),
		NewMetricsObservabilityHook(b),
		&NoOpObservabilityHook{},
	)

	hook.OnError(context.Background(), "decrypt", errors.New("bad token"), nil)

	tags := map[string]string{"operation": "decrypt", "error": "*errors.errorString"}
	require.Equal(t, int64(1), a.GetCounter("phisafe.errors", tags))
	require.Equal(t, int64(1), b.GetCounter("phisafe.errors", tags))
}
