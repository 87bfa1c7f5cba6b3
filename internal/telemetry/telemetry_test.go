package telemetry

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/ashureev/dsl-copilot/internal/codegen"
)

func TestObserverRecordsRetriedSuccess(t *testing.T) {
	m := NewMetrics()
	obs := m.Observer("csharp")

	obs(codegen.Event{Kind: codegen.EventAttemptStarted, Attempt: 1})
	obs(codegen.Event{Kind: codegen.EventGenerated, Attempt: 1})
	obs(codegen.Event{Kind: codegen.EventValidationFailed, Attempt: 1, Stage: codegen.StageValidate})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inflight))

	obs(codegen.Event{Kind: codegen.EventAttemptStarted, Attempt: 2})
	obs(codegen.Event{Kind: codegen.EventSucceeded, Attempt: 2})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("csharp", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.feedback.WithLabelValues("csharp", "validate")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inflight))
}

func TestObserverRecordsExhaustionAndCancellation(t *testing.T) {
	m := NewMetrics()

	obs := m.Observer("go")
	for i := 1; i <= 3; i++ {
		obs(codegen.Event{Kind: codegen.EventAttemptStarted, Attempt: i})
		obs(codegen.Event{Kind: codegen.EventGenerationFailed, Attempt: i, Stage: codegen.StageGenerate})
	}
	obs(codegen.Event{Kind: codegen.EventExhausted, Attempt: 3})

	cancelled := m.Observer("go")
	cancelled(codegen.Event{Kind: codegen.EventAttemptStarted, Attempt: 1})
	cancelled(codegen.Event{Kind: codegen.EventCancelled, Attempt: 1})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("go", "exhausted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("go", "cancelled")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.feedback.WithLabelValues("go", "generate")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inflight))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := NewMetrics()
	m.Observer("csharp")(codegen.Event{Kind: codegen.EventAttemptStarted, Attempt: 1})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dslcopilot_codegen_inflight_runs 1")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestInitTracingDisabledIsNoop(t *testing.T) {
	shutdown, err := InitTracing(TracingConfig{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitTracingExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	shutdown, err := InitTracing(TracingConfig{Enabled: true, ServiceName: "dsl-copilot", Writer: &buf})
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "codegen.Run")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "codegen.Run")
}
