package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/skriken/openqueue/ext"
	"github.com/skriken/openqueue/id"
	"github.com/skriken/openqueue/job"
)

// meterName is the instrumentation scope name for lifecycle counters.
const meterName = "github.com/skriken/openqueue/observability"

// Compile-time interface checks.
var (
	_ ext.Extension         = (*MetricsExtension)(nil)
	_ ext.JobEnqueued       = (*MetricsExtension)(nil)
	_ ext.JobCompleted      = (*MetricsExtension)(nil)
	_ ext.JobFailed         = (*MetricsExtension)(nil)
	_ ext.JobRetrying       = (*MetricsExtension)(nil)
	_ ext.JobDLQ            = (*MetricsExtension)(nil)
	_ ext.WorkflowStarted       = (*MetricsExtension)(nil)
	_ ext.WorkflowStepCompleted = (*MetricsExtension)(nil)
	_ ext.WorkflowStepFailed    = (*MetricsExtension)(nil)
	_ ext.WorkflowCompleted     = (*MetricsExtension)(nil)
	_ ext.WorkflowFailed        = (*MetricsExtension)(nil)
	_ ext.CronFired             = (*MetricsExtension)(nil)
)

// MetricsExtension records system-wide lifecycle counters through an OTel
// Meter. Register it as a Dispatch extension to automatically track
// enqueue rates, completion counts, failure rates, retry counts, DLQ
// entries, workflow executions, and cron fires.
type MetricsExtension struct {
	jobEnqueued        metric.Int64Counter
	jobCompleted       metric.Int64Counter
	jobFailed          metric.Int64Counter
	jobRetried         metric.Int64Counter
	jobDLQ             metric.Int64Counter
	workflowStarted    metric.Int64Counter
	workflowStepDone   metric.Int64Counter
	workflowStepFailed metric.Int64Counter
	workflowCompleted  metric.Int64Counter
	workflowFailed     metric.Int64Counter
	cronFired          metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension using the global
// MeterProvider. If none is configured, instruments degrade to noops.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension using the
// provided Meter. This variant allows injecting a specific MeterProvider,
// e.g. one backed by a sdkmetric.ManualReader, for testing.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	m := &MetricsExtension{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.jobEnqueued, "dispatch.job.enqueued", "Total jobs enqueued"},
		{&m.jobCompleted, "dispatch.job.completed", "Total jobs completed"},
		{&m.jobFailed, "dispatch.job.failed", "Total jobs terminally failed"},
		{&m.jobRetried, "dispatch.job.retried", "Total job retry attempts scheduled"},
		{&m.jobDLQ, "dispatch.job.dlq", "Total jobs moved to the dead letter queue"},
		{&m.workflowStarted, "dispatch.workflow.started", "Total workflow invocations started"},
		{&m.workflowStepDone, "dispatch.workflow.step_completed", "Total workflow steps completed, by step_type"},
		{&m.workflowStepFailed, "dispatch.workflow.step_failed", "Total workflow steps failed, by step_type"},
		{&m.workflowCompleted, "dispatch.workflow.completed", "Total workflow invocations completed"},
		{&m.workflowFailed, "dispatch.workflow.failed", "Total workflow invocations terminally failed"},
		{&m.cronFired, "dispatch.cron.fired", "Total cron entries fired"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("{event}"))
		_ = err // noop fallback guaranteed by OTel API contract
		*c.dst = counter
	}
	return m
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ── Job lifecycle hooks ─────────────────────────────

// OnJobEnqueued implements ext.JobEnqueued.
func (m *MetricsExtension) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	m.jobEnqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("job_name", j.Name)))
	return nil
}

// OnJobCompleted implements ext.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(ctx context.Context, j *job.Job, _ time.Duration) error {
	m.jobCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("job_name", j.Name)))
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	m.jobFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("job_name", j.Name)))
	return nil
}

// OnJobRetrying implements ext.JobRetrying.
func (m *MetricsExtension) OnJobRetrying(ctx context.Context, j *job.Job, _ int, _ time.Time) error {
	m.jobRetried.Add(ctx, 1, metric.WithAttributes(attribute.String("job_name", j.Name)))
	return nil
}

// OnJobDLQ implements ext.JobDLQ.
func (m *MetricsExtension) OnJobDLQ(ctx context.Context, j *job.Job, _ error) error {
	m.jobDLQ.Add(ctx, 1, metric.WithAttributes(attribute.String("job_name", j.Name)))
	return nil
}

// ── Workflow lifecycle hooks ────────────────────────

// OnWorkflowStarted implements ext.WorkflowStarted.
func (m *MetricsExtension) OnWorkflowStarted(ctx context.Context, j *job.Job) error {
	m.workflowStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow_name", j.Name)))
	return nil
}

// OnWorkflowStepCompleted implements ext.WorkflowStepCompleted. step_type
// carries the step primitive's name (run, sleep, sleep-until, repeat,
// invoke-wait-for-result), giving per-primitive breakdown in dashboards.
func (m *MetricsExtension) OnWorkflowStepCompleted(ctx context.Context, j *job.Job, _, stepType string, _ time.Duration) error {
	m.workflowStepDone.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow_name", j.Name),
		attribute.String("step_type", stepType),
	))
	return nil
}

// OnWorkflowStepFailed implements ext.WorkflowStepFailed.
func (m *MetricsExtension) OnWorkflowStepFailed(ctx context.Context, j *job.Job, _, stepType string, _ error) error {
	m.workflowStepFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow_name", j.Name),
		attribute.String("step_type", stepType),
	))
	return nil
}

// OnWorkflowCompleted implements ext.WorkflowCompleted.
func (m *MetricsExtension) OnWorkflowCompleted(ctx context.Context, j *job.Job, _ time.Duration) error {
	m.workflowCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow_name", j.Name)))
	return nil
}

// OnWorkflowFailed implements ext.WorkflowFailed.
func (m *MetricsExtension) OnWorkflowFailed(ctx context.Context, j *job.Job, _ error) error {
	m.workflowFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow_name", j.Name)))
	return nil
}

// ── Cron lifecycle hooks ────────────────────────────

// OnCronFired implements ext.CronFired.
func (m *MetricsExtension) OnCronFired(ctx context.Context, entryName string, _ id.JobID) error {
	m.cronFired.Add(ctx, 1, metric.WithAttributes(attribute.String("entry_name", entryName)))
	return nil
}
