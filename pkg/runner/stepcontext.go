package runner

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loomworks/gantry/pkg/artifacts"
	"github.com/loomworks/gantry/pkg/metering"
)

// StepContext is the handler's window into the runtime: identity, hydrated
// secrets, logging, progress reporting, metering shortcuts, and the
// cancellation and method-switch channels.
type StepContext struct {
	JobID          string
	TenantID       string
	ToolID         string
	ReplayFromStep int

	runner  *Runner
	job     *job
	secrets map[string]string
}

// Secret returns the hydrated plaintext for a provider.
func (sc *StepContext) Secret(provider string) (string, bool) {
	v, ok := sc.secrets[provider]
	return v, ok
}

// Secrets returns a copy of the secret bag. The snapshot taken at hydration
// never changes mid-job.
func (sc *StepContext) Secrets() map[string]string {
	out := make(map[string]string, len(sc.secrets))
	for k, v := range sc.secrets {
		out[k] = v
	}
	return out
}

// Log appends to the job's log buffer and captures a log artifact. Debug
// entries skip the artifact unless verbose artifacts are enabled, and are
// never mirrored to the terminal at info level.
func (sc *StepContext) Log(level, message string, data map[string]any) {
	now := sc.runner.clock().UTC()
	sc.job.appendLog(LogEntry{
		Timestamp: now,
		Level:     level,
		Message:   message,
		Data:      data,
	})

	logger := sc.runner.logger.With("job_id", sc.JobID, "tenant_id", sc.TenantID)
	attrs := make([]any, 0, 2)
	if len(data) > 0 {
		attrs = append(attrs, "data", data)
	}
	switch level {
	case "debug":
		logger.Debug(message, attrs...)
	case "warn":
		logger.Warn(message, attrs...)
	case "error":
		logger.Error(message, attrs...)
	default:
		logger.Info(message, attrs...)
	}

	if level == "debug" && !sc.runner.verboseArtifacts {
		return
	}
	payload := message
	if len(data) > 0 {
		if encoded, err := json.Marshal(data); err == nil {
			payload = message + " " + string(encoded)
		}
	}
	sc.job.mu.Lock()
	step, stepName := sc.job.currentStep, sc.job.stepName
	sc.job.mu.Unlock()
	// Captures outlive the handler context; late logs on a cancelled job
	// still produce artifacts.
	if _, err := sc.runner.artifacts.Capture(context.Background(), sc.JobID, step, stepName,
		artifacts.TypeLog, "text/plain", payload); err != nil {
		logger.Warn("log artifact capture failed", "error", err)
	}
}

// UpdateStep advances the visible progress counter. totalSteps <= 0 leaves
// the total unchanged. The counter is write-only from the handler's side.
func (sc *StepContext) UpdateStep(stepIndex int, stepName string, totalSteps int) {
	sc.job.mu.Lock()
	first := !sc.job.sawStepUpdate
	sc.job.sawStepUpdate = true
	sc.job.currentStep = stepIndex
	sc.job.stepName = stepName
	if totalSteps > 0 {
		sc.job.totalSteps = totalSteps
	}
	replayFrom := sc.job.replayFromStep
	sc.job.mu.Unlock()

	if first && replayFrom > 0 && stepIndex < replayFrom {
		sc.runner.logger.Info("replayed job restarted below its replay step",
			"job_id", sc.JobID, "replay_from_step", replayFrom, "first_step", stepIndex)
	}
}

// RecordAPICall meters one outbound provider call at the current step.
func (sc *StepContext) RecordAPICall(provider, operation string, quantity float64) {
	sc.job.mu.Lock()
	step, stepName := sc.job.currentStep, sc.job.stepName
	sc.job.mu.Unlock()

	now := sc.runner.clock().UTC()
	err := sc.runner.metering.RecordAPICall(sc.JobID, metering.Record{
		StepIndex:   step,
		StepName:    stepName,
		ToolID:      sc.ToolID,
		Provider:    provider,
		Operation:   operation,
		Quantity:    quantity,
		Unit:        "requests",
		StartedAt:   now,
		CompletedAt: now,
	})
	if err != nil {
		sc.runner.logger.Warn("metering record failed",
			"job_id", sc.JobID, "provider", provider, "error", err)
	}
}

// RecordLLMTokens meters one LLM exchange at the current step.
func (sc *StepContext) RecordLLMTokens(provider, model string, inputTokens, outputTokens int64, duration time.Duration) {
	sc.job.mu.Lock()
	step, stepName := sc.job.currentStep, sc.job.stepName
	sc.job.mu.Unlock()

	now := sc.runner.clock().UTC()
	err := sc.runner.metering.RecordLLMTokens(sc.JobID, metering.LLMTokens{
		StepIndex:    step,
		StepName:     stepName,
		ToolID:       sc.ToolID,
		Provider:     provider,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		StartedAt:    now.Add(-duration),
		CompletedAt:  now,
	})
	if err != nil {
		sc.runner.logger.Warn("metering record failed",
			"job_id", sc.JobID, "provider", provider, "error", err)
	}
}

// Canceled is closed when the job is cancelled or its deadline fires.
// Handlers check it at their suspension points.
func (sc *StepContext) Canceled() <-chan struct{} {
	return sc.job.hctx.Done()
}

// MethodSwitches delivers switch-method requests. The handler drains at its
// own cadence; the runner never interrupts it.
func (sc *StepContext) MethodSwitches() <-chan MethodSwitch {
	return sc.job.methodCh
}
