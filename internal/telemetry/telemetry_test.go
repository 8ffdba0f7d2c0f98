package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSpanLifecycle(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	require.NoError(t, InitWithExporter("skiff-test", "0.0.1", exporter))
	// Later initialisations are no-ops.
	require.NoError(t, InitWithExporter("other", "9.9.9", tracetest.NewInMemoryExporter()))

	ctx, sp := StartSpan(context.Background(), "skiff.get_doc")
	require.NotNil(t, ctx)
	sp.WithAttributes(map[string]string{"path": "users/alice"})
	EndSpan(sp, nil)

	_, sp2 := StartSpan(context.Background(), "skiff.set_doc")
	EndSpan(sp2, errors.New("boom"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	require.Equal(t, "skiff.get_doc", spans[0].Name)
	require.Equal(t, "skiff.set_doc", spans[1].Name)
}

func TestEndSpanNilSafe(t *testing.T) {
	EndSpan(nil, errors.New("ignored"))
	var sp *Span
	sp.SetStatus(nil)
	sp.WithAttributes(map[string]string{"k": "v"})
}
