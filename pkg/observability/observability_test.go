package observability

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMetrics_NilReceiverIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordAgentCall("ralph", 100*time.Millisecond)
	m.RecordAgentError("ralph", "timeout")
	m.SetActiveWorkers("default", 3)
	m.RecordStepExecution("build", "pass", time.Second)
	m.SetPoolOccupancy("default", 2)
	m.SetConflictBatches(1)
	m.RecordMergeAttempt("ok")
	m.RecordServiceRun("svc-1", true, time.Second)
	m.SetCircuitState("svc-1", "open")
	m.RecordHTTPRequest("GET", "/metrics", 200, time.Millisecond)
	require.Nil(t, m.Registry())
}

func TestNewMetrics_DisabledReturnsNil(t *testing.T) {
	m, err := NewMetrics(&MetricsConfig{Enabled: false})
	require.NoError(t, err)
	require.Nil(t, m)
}

func TestNewMetrics_RecordsAgainstRegistry(t *testing.T) {
	m, err := NewMetrics(&MetricsConfig{Enabled: true})
	require.NoError(t, err)
	require.NotNil(t, m)

	m.RecordAgentCall("ralph", 250*time.Millisecond)
	m.RecordStepExecution("build", "pass", time.Second)
	m.RecordMergeAttempt("conflict")
	m.RecordServiceRun("svc-1", false, 3*time.Second)
	m.SetCircuitState("svc-1", "half-open")

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestTracer_NilReceiverIsNoop(t *testing.T) {
	var tr *Tracer
	ctx := context.Background()
	_, span := tr.StartAgentRun(ctx, "task-1", "worker-1", "build", "ralph")
	tr.SetGateResult(span, "pass")
	tr.AddPayload(span, "stdout", "hello")
	tr.RecordError(span, nil)
	require.Nil(t, tr.DebugExporter())
	require.NoError(t, tr.Shutdown(ctx))
}

func TestNewTracer_EmitsSpansToWriter(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()

	tracer, err := NewTracer(ctx, &TracingConfig{ServiceName: "orc-test", SamplingRate: 1.0}, &buf)
	require.NoError(t, err)
	require.NotNil(t, tracer)

	_, span := tracer.StartStepExecution(ctx, "task-1", "build")
	tracer.SetGateResult(span, "pass")
	span.End()

	require.NoError(t, tracer.Shutdown(ctx))
	require.Contains(t, buf.String(), "orc.step_execution")
}

func TestNewTracer_WithDebugExporterCapturesSpans(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	debug := NewDebugExporter()

	tracer, err := NewTracer(ctx, &TracingConfig{ServiceName: "orc-test", SamplingRate: 1.0}, &buf, WithDebugExporter(debug))
	require.NoError(t, err)

	_, span := tracer.StartAgentRun(ctx, "task-42", "worker-1", "build", "ralph")
	span.End()
	require.NoError(t, tracer.Shutdown(ctx))

	found := debug.GetByEventID("task-42")
	require.NotNil(t, found)
	require.Equal(t, SpanAgentRun, found.Name)
}

func TestManager_DisabledConfigIsAllNoop(t *testing.T) {
	ctx := context.Background()
	mgr, err := NewManager(ctx, &Config{})
	require.NoError(t, err)
	require.False(t, mgr.TracingEnabled())
	require.False(t, mgr.MetricsEnabled())
	require.Nil(t, mgr.Tracer())
	require.Nil(t, mgr.Metrics())
	require.NoError(t, mgr.Shutdown(ctx))
}

func TestManager_NilConfigIsSafe(t *testing.T) {
	ctx := context.Background()
	mgr, err := NewManager(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, mgr)
	require.NoError(t, mgr.Shutdown(ctx))
}

func TestManager_EnabledWritesTraceLogFile(t *testing.T) {
	ctx := context.Background()
	logFile := t.TempDir() + "/worker.log"

	mgr, err := NewManager(ctx, &Config{
		Tracing: TracingConfig{Enabled: true, ServiceName: "orc-test", LogFile: logFile, SamplingRate: 1.0},
		Metrics: MetricsConfig{Enabled: true},
	})
	require.NoError(t, err)
	require.True(t, mgr.TracingEnabled())
	require.True(t, mgr.MetricsEnabled())
	require.NotNil(t, mgr.DebugExporter())

	_, span := mgr.Tracer().StartMergeAttempt(ctx, "task-1", 7)
	span.End()

	require.NoError(t, mgr.Shutdown(ctx))

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	require.Contains(t, string(data), SpanMergeAttempt)
}
