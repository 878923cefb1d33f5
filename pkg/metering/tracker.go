// Package metering provides per-job cost accounting. Events append to a
// per-job log; costs come from a static price table indexed by
// (provider, operation) and roll up per step and per job. Unknown price
// combinations cost zero, never an error.
package metering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrJobNotStarted is returned when recording against an unopened log.
	ErrJobNotStarted = errors.New("metering: job not started")
	// ErrNegativeQuantity is returned when an event has a negative quantity.
	ErrNegativeQuantity = errors.New("metering: quantity must not be negative")
)

// EventType defines the type of metered event.
type EventType string

const (
	EventToolCall  EventType = "tool_call"
	EventAPICall   EventType = "api_call"
	EventLLMTokens EventType = "llm_tokens"
	EventBandwidth EventType = "bandwidth"
	EventStorage   EventType = "storage"
)

// Event is a single metered usage event, append-only per job.
type Event struct {
	ID          string         `json:"id"`
	JobID       string         `json:"job_id"`
	TenantID    string         `json:"tenant_id"`
	StepIndex   int            `json:"step_index"`
	StepName    string         `json:"step_name"`
	ToolID      string         `json:"tool_id"`
	EventType   EventType      `json:"event_type"`
	Provider    string         `json:"provider,omitempty"`
	Operation   string         `json:"operation,omitempty"`
	Quantity    float64        `json:"quantity"`
	Unit        string         `json:"unit"`
	CostUSD     float64        `json:"cost_usd"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	DurationMS  int64          `json:"duration_ms"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// StepCost is the rollup for one step.
type StepCost struct {
	StepIndex  int     `json:"step_index"`
	StepName   string  `json:"step_name"`
	CostUSD    float64 `json:"cost_usd"`
	DurationMS int64   `json:"duration_ms"`
	Events     int     `json:"events"`
}

// Summary is the rollup for a whole job. Total duration sums event durations
// and may exceed wall time when the handler fanned out in parallel.
type Summary struct {
	JobID           string             `json:"job_id"`
	TenantID        string             `json:"tenant_id"`
	TotalCostUSD    float64            `json:"total_cost_usd"`
	TotalDurationMS int64              `json:"total_duration_ms"`
	Breakdown       map[string]float64 `json:"breakdown"` // "provider/event_type" -> cost
	Steps           []int              `json:"steps"`
}

// jobLog owns one job's events. Appends lock the log, not the tracker.
type jobLog struct {
	mu       sync.Mutex
	tenantID string
	events   []Event
}

// Tracker records and aggregates metering events for running jobs.
type Tracker struct {
	mu     sync.RWMutex
	jobs   map[string]*jobLog
	prices PriceTable
	sink   EventSink
	clock  func() time.Time
	logger *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithPriceTable replaces the compiled-in price table.
func WithPriceTable(pt PriceTable) Option {
	return func(t *Tracker) { t.prices = pt }
}

// WithEventSink flushes completed job logs to external storage.
func WithEventSink(sink EventSink) Option {
	return func(t *Tracker) { t.sink = sink }
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) { t.clock = clock }
}

// NewTracker creates a tracker with the default price table.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		jobs:   make(map[string]*jobLog),
		prices: DefaultPriceTable(),
		clock:  time.Now,
		logger: slog.Default().With("component", "metering"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartJob opens the event log for a job.
func (t *Tracker) StartJob(jobID, tenantID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.jobs[jobID]; !exists {
		t.jobs[jobID] = &jobLog{tenantID: tenantID}
	}
}

func (t *Tracker) log(jobID string) (*jobLog, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	jl, ok := t.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotStarted, jobID)
	}
	return jl, nil
}

// Record describes an event to append. CostUSD is computed by the tracker.
type Record struct {
	StepIndex   int
	StepName    string
	ToolID      string
	Provider    string
	Operation   string
	Quantity    float64
	Unit        string
	StartedAt   time.Time
	CompletedAt time.Time
	Metadata    map[string]any
}

// RecordToolCall appends a tool_call event priced from the table.
func (t *Tracker) RecordToolCall(jobID string, rec Record) error {
	return t.append(jobID, EventToolCall, rec)
}

// RecordAPICall appends an api_call event priced from the table.
func (t *Tracker) RecordAPICall(jobID string, rec Record) error {
	return t.append(jobID, EventAPICall, rec)
}

// RecordBandwidth appends a bandwidth event priced from the table.
func (t *Tracker) RecordBandwidth(jobID string, rec Record) error {
	return t.append(jobID, EventBandwidth, rec)
}

// RecordStorage appends a storage event priced from the table.
func (t *Tracker) RecordStorage(jobID string, rec Record) error {
	return t.append(jobID, EventStorage, rec)
}

func (t *Tracker) append(jobID string, et EventType, rec Record) error {
	if rec.Quantity < 0 {
		return ErrNegativeQuantity
	}
	jl, err := t.log(jobID)
	if err != nil {
		return err
	}

	now := t.clock().UTC()
	started, completed := rec.StartedAt, rec.CompletedAt
	if started.IsZero() {
		started = now
	}
	if completed.IsZero() {
		completed = now
	}

	event := Event{
		ID:          uuid.NewString(),
		JobID:       jobID,
		TenantID:    jl.tenantID,
		StepIndex:   rec.StepIndex,
		StepName:    rec.StepName,
		ToolID:      rec.ToolID,
		EventType:   et,
		Provider:    rec.Provider,
		Operation:   rec.Operation,
		Quantity:    rec.Quantity,
		Unit:        rec.Unit,
		CostUSD:     t.prices.Cost(rec.Provider, rec.Operation, rec.Quantity),
		StartedAt:   started,
		CompletedAt: completed,
		DurationMS:  completed.Sub(started).Milliseconds(),
		Metadata:    rec.Metadata,
	}

	jl.mu.Lock()
	jl.events = append(jl.events, event)
	jl.mu.Unlock()
	return nil
}

// LLMTokens describes one LLM exchange. Input and output tokens are priced
// separately through the table's "_input" and "_output" operation variants.
type LLMTokens struct {
	StepIndex    int
	StepName     string
	ToolID       string
	Provider     string
	Model        string
	InputTokens  int64
	OutputTokens int64
	StartedAt    time.Time
	CompletedAt  time.Time
}

// RecordLLMTokens appends an llm_tokens event.
func (t *Tracker) RecordLLMTokens(jobID string, rec LLMTokens) error {
	if rec.InputTokens < 0 || rec.OutputTokens < 0 {
		return ErrNegativeQuantity
	}
	jl, err := t.log(jobID)
	if err != nil {
		return err
	}

	now := t.clock().UTC()
	started, completed := rec.StartedAt, rec.CompletedAt
	if started.IsZero() {
		started = now
	}
	if completed.IsZero() {
		completed = now
	}

	cost := t.prices.Cost(rec.Provider, rec.Model+"_input", float64(rec.InputTokens)) +
		t.prices.Cost(rec.Provider, rec.Model+"_output", float64(rec.OutputTokens))

	event := Event{
		ID:          uuid.NewString(),
		JobID:       jobID,
		TenantID:    jl.tenantID,
		StepIndex:   rec.StepIndex,
		StepName:    rec.StepName,
		ToolID:      rec.ToolID,
		EventType:   EventLLMTokens,
		Provider:    rec.Provider,
		Operation:   rec.Model,
		Quantity:    float64(rec.InputTokens + rec.OutputTokens),
		Unit:        "tokens",
		CostUSD:     cost,
		StartedAt:   started,
		CompletedAt: completed,
		DurationMS:  completed.Sub(started).Milliseconds(),
		Metadata: map[string]any{
			"input_tokens":  rec.InputTokens,
			"output_tokens": rec.OutputTokens,
		},
	}

	jl.mu.Lock()
	jl.events = append(jl.events, event)
	jl.mu.Unlock()
	return nil
}

// GetEvents returns a copy of the job's events in append order.
func (t *Tracker) GetEvents(jobID string) ([]Event, error) {
	jl, err := t.log(jobID)
	if err != nil {
		return nil, err
	}
	jl.mu.Lock()
	defer jl.mu.Unlock()
	return append([]Event(nil), jl.events...), nil
}

// GetStepCosts returns events grouped by step index, ascending.
func (t *Tracker) GetStepCosts(jobID string) ([]StepCost, error) {
	events, err := t.GetEvents(jobID)
	if err != nil {
		return nil, err
	}

	byStep := make(map[int]*StepCost)
	for _, e := range events {
		sc, ok := byStep[e.StepIndex]
		if !ok {
			sc = &StepCost{StepIndex: e.StepIndex, StepName: e.StepName}
			byStep[e.StepIndex] = sc
		}
		sc.CostUSD += e.CostUSD
		sc.DurationMS += e.DurationMS
		sc.Events++
	}

	steps := make([]StepCost, 0, len(byStep))
	for _, sc := range byStep {
		steps = append(steps, *sc)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepIndex < steps[j].StepIndex })
	return steps, nil
}

// GetJobCostSummary aggregates the whole job.
func (t *Tracker) GetJobCostSummary(jobID string) (*Summary, error) {
	jl, err := t.log(jobID)
	if err != nil {
		return nil, err
	}
	jl.mu.Lock()
	events := append([]Event(nil), jl.events...)
	tenantID := jl.tenantID
	jl.mu.Unlock()

	summary := &Summary{
		JobID:     jobID,
		TenantID:  tenantID,
		Breakdown: make(map[string]float64),
	}
	stepSet := make(map[int]struct{})
	for _, e := range events {
		summary.TotalCostUSD += e.CostUSD
		summary.TotalDurationMS += e.DurationMS
		summary.Breakdown[fmt.Sprintf("%s/%s", e.Provider, e.EventType)] += e.CostUSD
		stepSet[e.StepIndex] = struct{}{}
	}
	for step := range stepSet {
		summary.Steps = append(summary.Steps, step)
	}
	sort.Ints(summary.Steps)
	return summary, nil
}

// CompleteJob returns the final summary and flushes the log to the sink. The
// log remains readable until ClearJob.
func (t *Tracker) CompleteJob(ctx context.Context, jobID string) (*Summary, error) {
	summary, err := t.GetJobCostSummary(jobID)
	if err != nil {
		return nil, err
	}
	if t.sink != nil {
		events, _ := t.GetEvents(jobID)
		if err := t.sink.Flush(ctx, jobID, events); err != nil {
			// Sink failures never fail the job.
			t.logger.Error("event sink flush failed", "job_id", jobID, "error", err)
		}
	}
	return summary, nil
}

// ClearJob drops the job's log.
func (t *Tracker) ClearJob(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, jobID)
}
