package runner

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gowebpki/jcs"
)

const webhookTimeout = 10 * time.Second

// webhookPayload is the completion notification body. It is canonicalized
// with JCS before signing so receivers can verify over the exact bytes.
type webhookPayload struct {
	JobID           string  `json:"job_id"`
	TenantID        string  `json:"tenant_id"`
	WorkflowID      string  `json:"workflow_id"`
	ToolFingerprint string  `json:"tool_fingerprint,omitempty"`
	Status          Status  `json:"status"`
	Output          any     `json:"output,omitempty"`
	Error           string  `json:"error,omitempty"`
	ActualCostUSD   float64 `json:"actual_cost_usd"`
	CompletedAt     string  `json:"completed_at"`
}

// dispatchWebhook fires the completion notification in the background.
// Failures are logged and never change the job's outcome.
func (r *Runner) dispatchWebhook(url string, payload webhookPayload) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
		defer cancel()

		logger := r.logger.With("job_id", payload.JobID, "webhook_url", url)

		raw, err := json.Marshal(payload)
		if err != nil {
			logger.Error("webhook payload marshal failed", "error", err)
			return
		}
		body, err := jcs.Transform(raw)
		if err != nil {
			logger.Error("webhook payload canonicalization failed", "error", err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			logger.Error("webhook request build failed", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		if r.webhookSecret != "" {
			mac := hmac.New(sha256.New, []byte(r.webhookSecret))
			mac.Write(body)
			req.Header.Set("X-Gantry-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
		}

		resp, err := r.httpClient.Do(req)
		if err != nil {
			logger.Warn("webhook dispatch failed", "error", err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			logger.Warn("webhook rejected", "status", resp.StatusCode)
			return
		}
		logger.Debug("webhook delivered", "status", resp.StatusCode)
	}()
}
