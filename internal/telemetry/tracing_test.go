package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestMiddlewareRecordsServerSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp, err := InitTracerProvider(context.Background(), Config{ServiceName: "consultad", SampleRatio: 1}, recorder)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	var sawSpan bool
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawSpan = len(TraceFields(r.Context())) == 2
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/lookups", nil))

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.True(t, sawSpan)
	spans := recorder.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "POST /v1/lookups", spans[0].Name())
	require.Equal(t, trace.SpanKindServer, spans[0].SpanKind())
}

func TestZeroRatioDropsRootSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0))),
		sdktrace.WithSpanProcessor(recorder),
	)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := tp.Tracer("test").Start(context.Background(), "root")
	span.End()

	require.Empty(t, TraceFields(ctx))
	require.Empty(t, recorder.Ended())
}

func TestTraceFieldsWithoutSpan(t *testing.T) {
	t.Parallel()

	require.Nil(t, TraceFields(context.Background()))
}
