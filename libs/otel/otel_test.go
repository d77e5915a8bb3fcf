package otelx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "false")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4317")
	t.Setenv("OTEL_SAMPLING_RATIO", "0.25")

	cfg := ConfigFromEnv("dlq-archiver")
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "dlq-archiver", cfg.ServiceName)
	assert.Equal(t, "collector:4317", cfg.OTLPEndpoint)
	assert.Equal(t, 0.25, cfg.SampleRatio)

	assert.True(t, cfg.Insecure)
	assert.Equal(t, "dev", cfg.ServiceVersion)

	t.Setenv("OTEL_SAMPLING_RATIO", "7")
	assert.Equal(t, 1.0, ConfigFromEnv("x").SampleRatio)
}

func TestResourceAttributes(t *testing.T) {
	attrs := resourceAttributes(Config{ServiceName: "retry-worker", ServiceVersion: "1.2.0", Environment: "prod"})
	got := map[string]string{}
	for _, kv := range attrs {
		got[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, "retry-worker", got["service.name"])
	assert.Equal(t, "1.2.0", got["service.version"])
	assert.Equal(t, "prod", got["deployment.environment"])

	assert.Len(t, resourceAttributes(Config{ServiceName: "x"}), 1)
}

func TestTraceContextStringsRoundTrip(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	assert.Equal(t, context.Background(), ContextWithTraceContext(context.Background(), "", ""))

	const parent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"
	ctx := ContextWithTraceContext(context.Background(), parent, "")
	sc := trace.SpanContextFromContext(ctx)
	require.True(t, sc.IsValid())
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", sc.TraceID().String())

	tp, _ := TraceContextStrings(ctx)
	assert.Equal(t, parent, tp)
}
