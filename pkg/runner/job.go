package runner

import (
	"context"
	"sync"
	"time"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// maxLogEntries caps the per-job log ring buffer. Oldest entries are dropped
// when full; LogsDropped counts them so pollers can detect loss.
const maxLogEntries = 500

// LogEntry is one line in a job's log buffer.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Step      int            `json:"step,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// MethodSwitch is a late-bound execution-method change delivered to the
// handler over its per-job channel.
type MethodSwitch struct {
	Method string    `json:"method"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Job is the caller-visible snapshot of one workflow invocation.
type Job struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	WorkflowID string `json:"workflow_id"`
	Status     Status `json:"status"`

	Input  any    `json:"input"`
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`

	CurrentStep   int    `json:"current_step"`
	TotalSteps    int    `json:"total_steps"`
	StepName      string `json:"step_name,omitempty"`
	CurrentMethod string `json:"current_method,omitempty"`

	Logs        []LogEntry `json:"logs,omitempty"`
	LogsDropped int        `json:"logs_dropped,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	ActualCostUSD    float64 `json:"actual_cost_usd"`

	ParentJobID    string `json:"parent_job_id,omitempty"`
	ReplayFromStep int    `json:"replay_from_step,omitempty"`
}

// job is the runner-owned mutable record. All field access goes through mu so
// API readers see consistent snapshots while the handler goroutine writes.
type job struct {
	mu sync.Mutex

	id         string
	tenantID   string
	workflowID string
	status     Status

	input  any
	output any
	errMsg string

	currentStep   int
	totalSteps    int
	stepName      string
	currentMethod string

	logs        []LogEntry
	logsDropped int
	lastLogTS   time.Time

	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time

	estimatedCostUSD float64
	actualCostUSD    float64

	parentJobID    string
	replayFromStep int
	sawStepUpdate  bool

	webhookURL string

	hctx     context.Context
	cancel   context.CancelFunc
	methodCh chan MethodSwitch
	done     chan struct{}
}

// transition moves the job to a new status, refusing to leave a terminal
// state. Returns false when the job was already terminal.
func (j *job) transition(to Status, now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return false
	}
	j.status = to
	switch {
	case to == StatusRunning:
		j.startedAt = now
	case to.Terminal():
		j.completedAt = now
	}
	return true
}

// appendLog pushes an entry onto the ring buffer, dropping the oldest entry
// when full. Timestamps are forced strictly monotone within the job so
// get-logs-since cursors never skip or repeat entries.
func (j *job) appendLog(entry LogEntry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !entry.Timestamp.After(j.lastLogTS) {
		entry.Timestamp = j.lastLogTS.Add(time.Nanosecond)
	}
	j.lastLogTS = entry.Timestamp
	if entry.Step == 0 {
		entry.Step = j.currentStep
	}
	if len(j.logs) >= maxLogEntries {
		copy(j.logs, j.logs[1:])
		j.logs[len(j.logs)-1] = entry
		j.logsDropped++
		return
	}
	j.logs = append(j.logs, entry)
}

// logsSince returns entries strictly after the cursor, in insertion order.
func (j *job) logsSince(since time.Time) []LogEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	idx := len(j.logs)
	for i, entry := range j.logs {
		if entry.Timestamp.After(since) {
			idx = i
			break
		}
	}
	return append([]LogEntry(nil), j.logs[idx:]...)
}

// snapshot copies the job into its caller-visible form.
func (j *job) snapshot() *Job {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := &Job{
		ID:               j.id,
		TenantID:         j.tenantID,
		WorkflowID:       j.workflowID,
		Status:           j.status,
		Input:            j.input,
		Output:           j.output,
		Error:            j.errMsg,
		CurrentStep:      j.currentStep,
		TotalSteps:       j.totalSteps,
		StepName:         j.stepName,
		CurrentMethod:    j.currentMethod,
		Logs:             append([]LogEntry(nil), j.logs...),
		LogsDropped:      j.logsDropped,
		CreatedAt:        j.createdAt,
		EstimatedCostUSD: j.estimatedCostUSD,
		ActualCostUSD:    j.actualCostUSD,
		ParentJobID:      j.parentJobID,
		ReplayFromStep:   j.replayFromStep,
	}
	if !j.startedAt.IsZero() {
		t := j.startedAt
		out.StartedAt = &t
	}
	if !j.completedAt.IsZero() {
		t := j.completedAt
		out.CompletedAt = &t
	}
	return out
}
