package observability

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/autorenew/internal/config"
	"go.opentelemetry.io/otel"
)

func TestInitTracingDisabled(t *testing.T) {
	tp, err := InitTracing(context.Background(), config.TracingConfig{}, "autorenew")
	require.NoError(t, err)
	assert.Nil(t, tp)
	assert.NoError(t, tp.Shutdown(context.Background()), "nil provider shuts down cleanly")

	// The no-op provider still hands out usable spans.
	ctx, span := StartSpan(context.Background(), "noop")
	AddEvent(ctx, "event", AttrTag.String("x"))
	span.End()
}

func TestInitTracingToFile(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	out := filepath.Join(t.TempDir(), "spans.json")
	ctx := context.Background()
	tp, err := InitTracing(ctx, config.TracingConfig{Enabled: true, Output: out}, "autorenew")
	require.NoError(t, err)
	require.NotNil(t, tp)

	sctx, span := StartSpan(ctx, "stage.navigate")
	span.SetAttributes(AttrRunID.String("run-1"), AttrStage.String("NAVIGATE"))
	AddEvent(sctx, "outcome", AttrOutcome.String("renewed"))
	span.End()

	require.NoError(t, tp.Shutdown(ctx))

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "stage.navigate")
	assert.Contains(t, string(raw), "renew.run_id")
	assert.Contains(t, string(raw), "renewed")
}

func TestInitTracingBadOutput(t *testing.T) {
	_, err := InitTracing(context.Background(), config.TracingConfig{
		Enabled: true,
		Output:  filepath.Join(t.TempDir(), "missing", "spans.json"),
	}, "autorenew")
	assert.Error(t, err)
}
