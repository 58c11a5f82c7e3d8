package observability

import (
	"context"
	"testing"

	"github.com/applicenseserver/licenseserver/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

func TestInitTracing(t *testing.T) {
	t.Run("returns no-op shutdown when disabled", func(t *testing.T) {
		shutdown, err := InitTracing(context.Background(), config.TracingConfig{}, "test")
		require.NoError(t, err)
		require.NotNil(t, shutdown)
		assert.NoError(t, shutdown(context.Background()))
	})

	t.Run("builds a provider with default service name", func(t *testing.T) {
		cfg := config.TracingConfig{
			Enabled:    true,
			Endpoint:   "http://localhost:4318",
			SampleRate: 0.5,
		}
		// The OTLP exporter connects lazily, so creation succeeds offline.
		shutdown, err := InitTracing(context.Background(), cfg, "v1.0.0")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_ = shutdown(ctx)
	})
}

func TestNewResource(t *testing.T) {
	res, err := newResource("licenseserver", "v1.2.3")
	require.NoError(t, err)
	assert.Equal(t, semconv.SchemaURL, res.SchemaURL())

	attrs := map[string]string{}
	for _, kv := range res.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "licenseserver", attrs["service.name"])
	assert.Equal(t, "v1.2.3", attrs["service.version"])
}

func TestClampRatio(t *testing.T) {
	assert.InDelta(t, 0.0, clampRatio(-1), 0)
	assert.InDelta(t, 0.25, clampRatio(0.25), 0)
	assert.InDelta(t, 1.0, clampRatio(7), 0)
}
