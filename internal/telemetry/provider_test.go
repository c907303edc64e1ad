package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInitProviderDisabled(t *testing.T) {
	ctx := context.Background()
	shutdown, err := InitProvider(ctx, DefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	_, span := StartToolSpan(ctx, "echo", "native")
	assert.False(t, span.SpanContext().IsValid(), "disabled tracing yields noop spans")
	span.End()

	assert.NoError(t, shutdown(ctx))
}

func TestInitProviderWithEndpoint(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Endpoint = "127.0.0.1:4318"
	cfg.Insecure = true
	cfg.SampleRate = 0.5

	shutdown, err := InitProvider(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = InitProvider(ctx, DefaultConfig()) })

	_, ok := TracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, ok)

	// Nothing was recorded, so shutting down does not touch the network.
	assert.NoError(t, shutdown(ctx))
}

func TestShutdownAndFlushWithoutProvider(t *testing.T) {
	ctx := context.Background()
	_, err := InitProvider(ctx, DefaultConfig())
	require.NoError(t, err)

	assert.NoError(t, Shutdown(ctx))
	assert.NoError(t, ForceFlush(ctx))
}
