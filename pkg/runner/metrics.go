package runner

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// runnerMetrics is the RED instrument set for job execution.
type runnerMetrics struct {
	jobsStarted metric.Int64Counter
	jobsFailed  metric.Int64Counter
	duration    metric.Float64Histogram
	activeJobs  metric.Int64UpDownCounter
}

func newRunnerMetrics() *runnerMetrics {
	meter := otel.Meter("github.com/loomworks/gantry/pkg/runner")

	m := &runnerMetrics{}
	var err error
	if m.jobsStarted, err = meter.Int64Counter("gantry.jobs.started",
		metric.WithDescription("Jobs admitted and started")); err != nil {
		otel.Handle(err)
	}
	if m.jobsFailed, err = meter.Int64Counter("gantry.jobs.failed",
		metric.WithDescription("Jobs that reached failed status")); err != nil {
		otel.Handle(err)
	}
	if m.duration, err = meter.Float64Histogram("gantry.job.duration",
		metric.WithDescription("Job wall time from start to terminal status"),
		metric.WithUnit("s")); err != nil {
		otel.Handle(err)
	}
	if m.activeJobs, err = meter.Int64UpDownCounter("gantry.jobs.active",
		metric.WithDescription("Jobs currently running")); err != nil {
		otel.Handle(err)
	}
	return m
}

func (m *runnerMetrics) started(ctx context.Context, workflowID string) {
	attrs := metric.WithAttributes(attribute.String("workflow_id", workflowID))
	m.jobsStarted.Add(ctx, 1, attrs)
	m.activeJobs.Add(ctx, 1, attrs)
}

func (m *runnerMetrics) finished(ctx context.Context, workflowID string, status Status, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("workflow_id", workflowID),
		attribute.String("status", string(status)),
	)
	m.activeJobs.Add(ctx, -1, metric.WithAttributes(attribute.String("workflow_id", workflowID)))
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
	if status == StatusFailed {
		m.jobsFailed.Add(ctx, 1, attrs)
	}
}
