// Package runner drives the job lifecycle: admission, secret hydration,
// handler invocation, log streaming, method switching, cancellation, and
// replay. It composes the registry, vault, policy engine, metering tracker,
// and artifact store; handlers are opaque functions consuming a StepContext.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomworks/gantry/pkg/artifacts"
	"github.com/loomworks/gantry/pkg/metering"
	"github.com/loomworks/gantry/pkg/policy"
	"github.com/loomworks/gantry/pkg/registry"
	"github.com/loomworks/gantry/pkg/vault"
)

// maxStreamIterations bounds StreamLogs at 10 minutes of 1 Hz polling.
const maxStreamIterations = 600

// methodChannelDepth bounds the per-job method-switch channel. Switches
// beyond a non-draining handler's backlog are dropped; the job field still
// reflects the latest one.
const methodChannelDepth = 8

// Handler executes one workflow invocation. The context carries the job's
// effective deadline and is cancelled on Cancel; handlers check it at their
// suspension points.
type Handler func(ctx context.Context, step *StepContext, input any) (any, error)

// ExecuteOptions carries per-invocation settings.
type ExecuteOptions struct {
	TenantID     string
	Tier         policy.Tier
	MasterKey    []byte
	SessionToken string
	DryRun       bool
	WebhookURL   string
}

// Runner owns jobs and composes the five subsystems around handler execution.
type Runner struct {
	registry  *registry.Registry
	vault     *vault.Vault
	policy    *policy.Engine
	metering  *metering.Tracker
	artifacts *artifacts.Store

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	mu   sync.RWMutex
	jobs map[string]*job

	webhookSecret    string
	verboseArtifacts bool
	lookupEnv        func(string) string
	clock            func() time.Time
	streamInterval   time.Duration
	httpClient       *http.Client
	logger           *slog.Logger
	metrics          *runnerMetrics
	tracer           trace.Tracer
}

// Option configures a Runner.
type Option func(*Runner)

// WithWebhookSecret sets the HMAC key for webhook signatures.
func WithWebhookSecret(secret string) Option {
	return func(r *Runner) { r.webhookSecret = secret }
}

// WithVerboseArtifacts captures artifacts for debug-level logs too.
func WithVerboseArtifacts(v bool) Option {
	return func(r *Runner) { r.verboseArtifacts = v }
}

// WithEnvLookup overrides the fallback provider-key lookup for testing.
func WithEnvLookup(lookup func(string) string) Option {
	return func(r *Runner) { r.lookupEnv = lookup }
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(r *Runner) { r.clock = clock }
}

// WithStreamInterval overrides the 1 Hz streaming cadence for testing.
func WithStreamInterval(d time.Duration) Option {
	return func(r *Runner) { r.streamInterval = d }
}

// WithHTTPClient overrides the webhook HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Runner) { r.httpClient = c }
}

// New creates a Runner over the given subsystems.
func New(reg *registry.Registry, vlt *vault.Vault, pol *policy.Engine, met *metering.Tracker, arts *artifacts.Store, opts ...Option) *Runner {
	r := &Runner{
		registry:       reg,
		vault:          vlt,
		policy:         pol,
		metering:       met,
		artifacts:      arts,
		handlers:       make(map[string]Handler),
		jobs:           make(map[string]*job),
		lookupEnv:      os.Getenv,
		clock:          time.Now,
		streamInterval: time.Second,
		httpClient:     &http.Client{Timeout: webhookTimeout},
		logger:         slog.Default().With("component", "runner"),
		metrics:        newRunnerMetrics(),
		tracer:         otel.Tracer("github.com/loomworks/gantry/pkg/runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterHandler binds a handler to a registered tool id.
func (r *Runner) RegisterHandler(toolID string, h Handler) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.handlers[toolID] = h
}

func (r *Runner) handler(toolID string) (Handler, bool) {
	r.handlersMu.RLock()
	defer r.handlersMu.RUnlock()
	h, ok := r.handlers[toolID]
	return h, ok
}

// Execute admits and starts one workflow invocation. Admission failures
// (unknown workflow, invalid input, policy denial) return an error before any
// job exists. Setup failures (session, secrets) return both the failed job
// and the error. On success the handler runs in the background; the returned
// snapshot is in running state.
func (r *Runner) Execute(ctx context.Context, workflowID string, input any, opts ExecuteOptions) (*Job, error) {
	return r.execute(ctx, workflowID, input, opts, "", 0)
}

func (r *Runner) execute(ctx context.Context, workflowID string, input any, opts ExecuteOptions, parentJobID string, replayFromStep int) (*Job, error) {
	ctx, span := r.tracer.Start(ctx, "runner.Execute", trace.WithAttributes(
		attribute.String("workflow_id", workflowID),
		attribute.String("tenant_id", opts.TenantID),
		attribute.Bool("dry_run", opts.DryRun),
	))
	defer span.End()

	def := r.registry.Get(workflowID)
	if def == nil {
		return nil, r.spanErr(span, fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowID))
	}
	handler, ok := r.handler(workflowID)
	if !ok {
		return nil, r.spanErr(span, fmt.Errorf("%w: %s has no handler", ErrUnknownWorkflow, workflowID))
	}

	normalized, err := r.registry.ValidateInput(workflowID, input)
	if err != nil {
		return nil, r.spanErr(span, err)
	}

	// Dry-runs validate without touching policy counters, metering, or
	// artifacts.
	if !opts.DryRun {
		if err := r.policy.CheckRequest(ctx, opts.TenantID, workflowID, def.EstimatedCostUSD, opts.Tier); err != nil {
			return nil, r.spanErr(span, err)
		}
	}

	now := r.clock().UTC()
	jb := &job{
		id:               uuid.NewString(),
		tenantID:         opts.TenantID,
		workflowID:       workflowID,
		status:           StatusPending,
		input:            normalized,
		createdAt:        now,
		estimatedCostUSD: def.EstimatedCostUSD,
		parentJobID:      parentJobID,
		replayFromStep:   replayFromStep,
		webhookURL:       opts.WebhookURL,
		methodCh:         make(chan MethodSwitch, methodChannelDepth),
		done:             make(chan struct{}),
	}
	span.SetAttributes(attribute.String("job_id", jb.id))

	if opts.DryRun {
		jb.hctx, jb.cancel = context.WithCancel(context.Background())
		jb.cancel()
		jb.status = StatusCompleted
		jb.completedAt = now
		jb.output = map[string]any{"dry_run": true, "validated": true}
		close(jb.done)
		r.storeJob(jb)
		return jb.snapshot(), nil
	}

	deadline := r.effectiveDeadline(def, opts)
	jb.hctx, jb.cancel = context.WithTimeout(context.Background(), deadline)
	r.storeJob(jb)

	secrets, err := r.hydrateSecrets(ctx, jb.tenantID, def, opts)
	if err != nil {
		r.failBeforeStart(jb, err)
		return jb.snapshot(), r.spanErr(span, err)
	}

	jb.transition(StatusRunning, r.clock().UTC())
	r.policy.JobStarted(jb.tenantID)
	r.metering.StartJob(jb.id, jb.tenantID)
	r.metrics.started(ctx, workflowID)
	r.logger.Info("job started",
		"job_id", jb.id, "tenant_id", jb.tenantID, "workflow_id", workflowID,
		"deadline", deadline, "tool_fingerprint", r.registry.Fingerprint(workflowID))

	sc := &StepContext{
		JobID:          jb.id,
		TenantID:       jb.tenantID,
		ToolID:         workflowID,
		ReplayFromStep: replayFromStep,
		runner:         r,
		job:            jb,
		secrets:        secrets,
	}
	go r.run(jb, handler, sc, normalized)

	return jb.snapshot(), nil
}

func (r *Runner) spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// effectiveDeadline is the smaller of the tool timeout and the policy's
// per-job duration ceiling. The policy ceiling is never exceeded.
func (r *Runner) effectiveDeadline(def *registry.Definition, opts ExecuteOptions) time.Duration {
	limits := r.policy.GetPolicy(opts.TenantID, opts.Tier)
	ms := def.TimeoutMS
	if limits.MaxJobDurationMS > 0 && limits.MaxJobDurationMS < ms {
		ms = limits.MaxJobDurationMS
	}
	return time.Duration(ms) * time.Millisecond
}

// hydrateSecrets resolves the tool's required providers: tenant vault records
// first (master key directly or unlocked from a session), then the
// process-wide {PROVIDER}_API_KEY environment fallback. Missing providers are
// fatal only when the caller brought their own master key.
func (r *Runner) hydrateSecrets(ctx context.Context, tenantID string, def *registry.Definition, opts ExecuteOptions) (map[string]string, error) {
	masterKey := opts.MasterKey
	callerKey := len(opts.MasterKey) > 0
	if masterKey == nil && opts.SessionToken != "" {
		mk, err := r.vault.UnlockWithSession(ctx, tenantID, opts.SessionToken)
		if err != nil {
			return nil, err
		}
		masterKey = mk
	}

	secrets := make(map[string]string, len(def.RequiredSecrets))
	var missing []string
	for _, provider := range def.RequiredSecrets {
		if masterKey != nil {
			v, err := r.vault.Retrieve(ctx, tenantID, provider, masterKey, def.ID)
			switch {
			case err == nil:
				secrets[provider] = v
				continue
			case errors.Is(err, vault.ErrSecretNotFound):
				// Fall through to the environment.
			default:
				return nil, err
			}
		}
		if v := r.lookupEnv(envKey(provider)); v != "" {
			secrets[provider] = v
			continue
		}
		missing = append(missing, provider)
	}

	if len(missing) > 0 && callerKey {
		return nil, &MissingSecretsError{Providers: missing}
	}
	return secrets, nil
}

func envKey(provider string) string {
	return strings.ToUpper(strings.ReplaceAll(provider, "-", "_")) + "_API_KEY"
}

// failBeforeStart marks a job failed during setup, before policy or metering
// saw it. Finalization must not run: there is no concurrency slot to release
// and no event log to flush.
func (r *Runner) failBeforeStart(jb *job, cause error) {
	now := r.clock().UTC()
	jb.mu.Lock()
	jb.status = StatusFailed
	jb.errMsg = cause.Error()
	jb.completedAt = now
	jb.mu.Unlock()
	jb.cancel()
	close(jb.done)
	r.logger.Warn("job setup failed", "job_id", jb.id, "tenant_id", jb.tenantID, "error", cause)
}

type handlerResult struct {
	out any
	err error
}

// run supervises one handler invocation until it settles or the job's
// deadline fires. Cancelled jobs were already finalized by Cancel; the
// handler keeps running until it notices, and its result is discarded.
func (r *Runner) run(jb *job, handler Handler, sc *StepContext, input any) {
	defer close(jb.done)

	resultCh := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				resultCh <- handlerResult{err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		out, err := handler(jb.hctx, sc, input)
		resultCh <- handlerResult{out: out, err: err}
	}()

	select {
	case res := <-resultCh:
		r.settle(jb, res)
	case <-jb.hctx.Done():
		if errors.Is(jb.hctx.Err(), context.DeadlineExceeded) {
			r.logger.Warn("job deadline exceeded", "job_id", jb.id, "tenant_id", jb.tenantID)
			r.finalize(jb, StatusFailed, nil, ErrTimeout.Error())
		}
	}
}

// settle turns the handler's result into a terminal state. Output validation
// failure is non-fatal: the job completes with the raw output and an error
// artifact records the drift.
func (r *Runner) settle(jb *job, res handlerResult) {
	ctx := context.Background()

	if errors.Is(jb.hctx.Err(), context.DeadlineExceeded) {
		r.finalize(jb, StatusFailed, nil, ErrTimeout.Error())
		return
	}

	if res.err != nil {
		herr := &HandlerError{Message: res.err.Error(), err: res.err}
		jb.appendLog(LogEntry{
			Timestamp: r.clock().UTC(),
			Level:     "error",
			Message:   "handler failed",
			Data:      map[string]any{"error": res.err.Error()},
		})
		r.captureError(ctx, jb, res.err.Error())
		r.finalize(jb, StatusFailed, nil, herr.Message)
		return
	}

	output := res.out
	if normalized, verr := r.registry.ValidateOutput(jb.workflowID, res.out); verr != nil {
		r.logger.Warn("output validation failed", "job_id", jb.id, "error", verr)
		jb.appendLog(LogEntry{
			Timestamp: r.clock().UTC(),
			Level:     "warn",
			Message:   "output validation failed",
			Data:      map[string]any{"error": verr.Error()},
		})
		r.captureError(ctx, jb, "output validation failed: "+verr.Error())
	} else if normalized != nil {
		output = normalized
	}
	r.finalize(jb, StatusCompleted, output, "")
}

func (r *Runner) captureError(ctx context.Context, jb *job, message string) {
	jb.mu.Lock()
	step, stepName := jb.currentStep, jb.stepName
	jb.mu.Unlock()
	if _, err := r.artifacts.Capture(ctx, jb.id, step, stepName,
		artifacts.TypeError, "text/plain", message); err != nil {
		r.logger.Warn("error artifact capture failed", "job_id", jb.id, "error", err)
	}
}

// finalize performs the one-shot terminal transition for a started job:
// metering flush, cost report to policy, metrics, webhook. Returns false when
// the job was already terminal.
func (r *Runner) finalize(jb *job, to Status, output any, errMsg string) bool {
	now := r.clock().UTC()

	jb.mu.Lock()
	if jb.status.Terminal() {
		jb.mu.Unlock()
		return false
	}
	jb.status = to
	jb.completedAt = now
	if output != nil {
		jb.output = output
	}
	if errMsg != "" {
		jb.errMsg = errMsg
	}
	tenantID, workflowID := jb.tenantID, jb.workflowID
	started := jb.startedAt
	webhookURL := jb.webhookURL
	jb.mu.Unlock()

	ctx := context.Background()
	var actual float64
	if summary, err := r.metering.CompleteJob(ctx, jb.id); err == nil {
		actual = summary.TotalCostUSD
	}

	jb.mu.Lock()
	jb.actualCostUSD = actual
	snapOutput, snapErr := jb.output, jb.errMsg
	jb.mu.Unlock()

	r.policy.JobCompleted(tenantID, actual)
	r.metrics.finished(ctx, workflowID, to, now.Sub(started))
	r.logger.Info("job finished",
		"job_id", jb.id, "tenant_id", tenantID, "workflow_id", workflowID,
		"status", to, "actual_cost_usd", actual)

	if webhookURL != "" {
		r.dispatchWebhook(webhookURL, webhookPayload{
			JobID:           jb.id,
			TenantID:        tenantID,
			WorkflowID:      workflowID,
			ToolFingerprint: r.registry.Fingerprint(workflowID),
			Status:          to,
			Output:          snapOutput,
			Error:           snapErr,
			ActualCostUSD:   actual,
			CompletedAt:     now.Format(time.RFC3339Nano),
		})
	}
	return true
}

func (r *Runner) storeJob(jb *job) {
	r.mu.Lock()
	r.jobs[jb.id] = jb
	r.mu.Unlock()
}

func (r *Runner) lookup(jobID string) *job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.jobs[jobID]
}

// GetJob returns a snapshot, or nil when the id is unknown.
func (r *Runner) GetJob(jobID string) *Job {
	jb := r.lookup(jobID)
	if jb == nil {
		return nil
	}
	return jb.snapshot()
}

// ListJobs returns the tenant's jobs, newest first. limit <= 0 means all.
func (r *Runner) ListJobs(tenantID string, limit int) []*Job {
	r.mu.RLock()
	out := make([]*Job, 0)
	for _, jb := range r.jobs {
		if jb.tenantID == tenantID {
			out = append(out, jb.snapshot())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Cancel advisorily cancels a running job: the status flips, metering is
// finalized, and the handler's context is cancelled, but the handler is not
// forcibly stopped. Late log appends are accepted; the status never changes
// again.
func (r *Runner) Cancel(jobID string) bool {
	jb := r.lookup(jobID)
	if jb == nil {
		return false
	}
	jb.mu.Lock()
	running := jb.status == StatusRunning
	jb.mu.Unlock()
	if !running {
		return false
	}
	if !r.finalize(jb, StatusCancelled, nil, "") {
		return false
	}
	jb.cancel()
	r.logger.Info("job cancelled", "job_id", jobID, "tenant_id", jb.tenantID)
	return true
}

// SwitchMethod requests a late-bound execution-method change on a running
// job. The handler observes it by draining its channel; the runner does not
// interrupt it.
func (r *Runner) SwitchMethod(jobID, method, reason string) bool {
	jb := r.lookup(jobID)
	if jb == nil {
		return false
	}
	jb.mu.Lock()
	if jb.status != StatusRunning {
		jb.mu.Unlock()
		return false
	}
	jb.currentMethod = method
	jb.mu.Unlock()

	now := r.clock().UTC()
	jb.appendLog(LogEntry{
		Timestamp: now,
		Level:     "warn",
		Message:   "execution method switched",
		Data:      map[string]any{"method": method, "reason": reason},
	})
	r.logger.Warn("execution method switched",
		"job_id", jobID, "method", method, "reason", reason)

	select {
	case jb.methodCh <- MethodSwitch{Method: method, Reason: reason, At: now}:
	default:
		// Handler is not draining; the job field still carries the latest.
	}
	return true
}

// GetLogsSince returns log entries strictly after the cursor.
func (r *Runner) GetLogsSince(jobID string, since time.Time) ([]LogEntry, error) {
	jb := r.lookup(jobID)
	if jb == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return jb.logsSince(since), nil
}

// StreamLogs polls the job's log buffer at the streaming cadence and delivers
// new entries until the job reaches a terminal state, the context is done, or
// the iteration cap elapses.
func (r *Runner) StreamLogs(ctx context.Context, jobID string) (<-chan LogEntry, error) {
	jb := r.lookup(jobID)
	if jb == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	ch := make(chan LogEntry, 64)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(r.streamInterval)
		defer ticker.Stop()

		var cursor time.Time
		for i := 0; i < maxStreamIterations; i++ {
			// Observe terminal state before draining so entries appended
			// just before finalization are still delivered.
			jb.mu.Lock()
			terminal := jb.status.Terminal()
			jb.mu.Unlock()

			for _, entry := range jb.logsSince(cursor) {
				cursor = entry.Timestamp
				select {
				case ch <- entry:
				case <-ctx.Done():
					return
				}
			}
			if terminal {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return ch, nil
}

// Replay creates a new job with lineage back to the original and re-executes
// its input. Honoring fromStep is cooperative: the handler reads it from the
// StepContext.
func (r *Runner) Replay(ctx context.Context, jobID string, fromStep int, opts ExecuteOptions) (*Job, error) {
	jb := r.lookup(jobID)
	if jb == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	jb.mu.Lock()
	workflowID, input := jb.workflowID, jb.input
	if opts.TenantID == "" {
		opts.TenantID = jb.tenantID
	}
	jb.mu.Unlock()

	return r.execute(ctx, workflowID, input, opts, jobID, fromStep)
}

// ClearJob drops a terminal job along with its metering log and artifacts.
func (r *Runner) ClearJob(ctx context.Context, jobID string) bool {
	jb := r.lookup(jobID)
	if jb == nil {
		return false
	}
	jb.mu.Lock()
	terminal := jb.status.Terminal()
	jb.mu.Unlock()
	if !terminal {
		return false
	}

	r.mu.Lock()
	delete(r.jobs, jobID)
	r.mu.Unlock()

	r.metering.ClearJob(jobID)
	r.artifacts.DeleteJob(ctx, jobID)
	return true
}

// Wait blocks until the job's supervising goroutine settles, then returns the
// final snapshot. Cancelled jobs settle once their handler notices.
func (r *Runner) Wait(ctx context.Context, jobID string) (*Job, error) {
	jb := r.lookup(jobID)
	if jb == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	select {
	case <-jb.done:
		return jb.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
