package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/loomworks/gantry/pkg/observability"
	"github.com/loomworks/gantry/pkg/policy"
	"github.com/loomworks/gantry/pkg/registry"
	"github.com/loomworks/gantry/pkg/runner"
	"github.com/loomworks/gantry/pkg/runtime"
	"github.com/loomworks/gantry/pkg/vault"
)

// Server exposes the runtime over HTTP.
type Server struct {
	rt        *runtime.Runtime
	obs       *observability.Provider
	jwtSecret []byte
	limiter   *RateLimiter
	logger    *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithObservability attaches the RED request tracking.
func WithObservability(p *observability.Provider) ServerOption {
	return func(s *Server) { s.obs = p }
}

// WithRateLimiter replaces the default per-IP limiter.
func WithRateLimiter(rl *RateLimiter) ServerOption {
	return func(s *Server) { s.limiter = rl }
}

// NewServer creates the HTTP surface over a runtime.
func NewServer(rt *runtime.Runtime, jwtSecret []byte, opts ...ServerOption) *Server {
	s := &Server{
		rt:        rt,
		jwtSecret: jwtSecret,
		limiter:   NewRateLimiter(50, 100),
		logger:    slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the routed, authenticated, rate-limited handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/workflows/{id}/execute", s.handleExecute)
	mux.HandleFunc("GET /v1/workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /v1/jobs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /v1/jobs/{id}/switch-method", s.handleSwitchMethod)
	mux.HandleFunc("GET /v1/jobs/{id}/logs", s.handleLogs)
	mux.HandleFunc("GET /v1/jobs/{id}/stream", s.handleStream)
	mux.HandleFunc("POST /v1/jobs/{id}/replay", s.handleReplay)
	mux.HandleFunc("DELETE /v1/jobs/{id}", s.handleClearJob)

	mux.HandleFunc("POST /v1/secrets", s.handleStoreSecret)
	mux.HandleFunc("GET /v1/secrets", s.handleListSecrets)
	mux.HandleFunc("DELETE /v1/secrets/{provider}", s.handleDeleteSecret)
	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("DELETE /v1/sessions", s.handleRevokeSession)

	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/policy", s.handleGetPolicy)
	mux.HandleFunc("PUT /v1/policy", s.handleSetPolicy)

	authed := AuthMiddleware(s.jwtSecret, s.track(mux))

	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	root.Handle("/v1/", authed)

	return s.limiter.Middleware(root)
}

func (s *Server) track(next http.Handler) http.Handler {
	if s.obs == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, finish := s.obs.TrackRequest(r.Context(), r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
		)
		defer finish(nil)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteBadRequest(w, "Malformed JSON body")
		return false
	}
	return true
}

func identity(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
	}
	return id, ok
}

// writeExecuteError maps core error kinds onto HTTP statuses.
func writeExecuteError(w http.ResponseWriter, err error) {
	var (
		verr    *registry.ValidationError
		denial  *policy.Denial
		missing *runner.MissingSecretsError
	)
	switch {
	case errors.Is(err, runner.ErrUnknownWorkflow):
		WriteNotFound(w, err.Error())
	case errors.As(err, &verr):
		WriteValidationError(w, verr.FieldPath, verr.Message)
	case errors.As(err, &denial):
		WritePolicyDenied(w, denial.Reason, denial.RetryAfter.Milliseconds())
	case errors.As(err, &missing):
		WriteUnprocessable(w, err.Error())
	case errors.Is(err, vault.ErrAuth):
		WriteUnauthorized(w, "Decryption failed")
	case errors.Is(err, vault.ErrSessionExpired):
		WriteUnauthorized(w, "Session expired")
	default:
		WriteInternal(w, err)
	}
}

type executeRequest struct {
	Input        any    `json:"input"`
	DryRun       bool   `json:"dry_run,omitempty"`
	Password     string `json:"password,omitempty"`
	SessionToken string `json:"session_token,omitempty"`
	WebhookURL   string `json:"webhook_url,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req executeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	opts := runner.ExecuteOptions{
		TenantID:     id.TenantID,
		Tier:         id.Tier,
		DryRun:       req.DryRun,
		SessionToken: req.SessionToken,
		WebhookURL:   req.WebhookURL,
	}
	if req.Password != "" {
		opts.MasterKey = s.rt.Vault.DeriveMasterKey(id.TenantID, req.Password)
	}

	job, err := s.rt.Runner.Execute(r.Context(), r.PathValue("id"), req.Input, opts)
	if err != nil {
		writeExecuteError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	if _, ok := identity(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.rt.Registry.List())
}

// jobForTenant resolves the path job id and enforces tenant ownership.
// Cross-tenant ids read as not found, never as forbidden.
func (s *Server) jobForTenant(w http.ResponseWriter, r *http.Request, id Identity) (*runner.Job, bool) {
	job := s.rt.Runner.GetJob(r.PathValue("id"))
	if job == nil || job.TenantID != id.TenantID {
		WriteNotFound(w, "Job not found")
		return nil, false
	}
	return job, true
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	job, ok := s.jobForTenant(w, r, id)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			WriteBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.rt.Runner.ListJobs(id.TenantID, limit))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	job, ok := s.jobForTenant(w, r, id)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": s.rt.Runner.Cancel(job.ID)})
}

func (s *Server) handleSwitchMethod(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	job, ok := s.jobForTenant(w, r, id)
	if !ok {
		return
	}
	var req struct {
		Method string `json:"method"`
		Reason string `json:"reason"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Method == "" {
		WriteBadRequest(w, "method must not be empty")
		return
	}
	switched := s.rt.Runner.SwitchMethod(job.ID, req.Method, req.Reason)
	writeJSON(w, http.StatusOK, map[string]bool{"switched": switched})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	job, ok := s.jobForTenant(w, r, id)
	if !ok {
		return
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			WriteBadRequest(w, "since must be RFC 3339")
			return
		}
		since = t
	}

	logs, err := s.rt.Runner.GetLogsSince(job.ID, since)
	if err != nil {
		WriteNotFound(w, "Job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":       job.ID,
		"logs":         logs,
		"logs_dropped": job.LogsDropped,
	})
}

// handleStream serves logs over SSE until the job terminates or the client
// disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	job, ok := s.jobForTenant(w, r, id)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		WriteInternal(w, errors.New("api: response writer does not support streaming"))
		return
	}

	ch, err := s.rt.Runner.StreamLogs(r.Context(), job.ID)
	if err != nil {
		WriteNotFound(w, "Job not found")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for entry := range ch {
		data, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: log\ndata: %s\n\n", data)
		flusher.Flush()
	}

	if final := s.rt.Runner.GetJob(job.ID); final != nil {
		fmt.Fprintf(w, "event: done\ndata: {\"status\":%q}\n\n", final.Status)
		flusher.Flush()
	}
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	job, ok := s.jobForTenant(w, r, id)
	if !ok {
		return
	}
	var req struct {
		FromStep     int    `json:"from_step"`
		DryRun       bool   `json:"dry_run,omitempty"`
		Password     string `json:"password,omitempty"`
		SessionToken string `json:"session_token,omitempty"`
		WebhookURL   string `json:"webhook_url,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	opts := runner.ExecuteOptions{
		TenantID:     id.TenantID,
		Tier:         id.Tier,
		DryRun:       req.DryRun,
		SessionToken: req.SessionToken,
		WebhookURL:   req.WebhookURL,
	}
	if req.Password != "" {
		opts.MasterKey = s.rt.Vault.DeriveMasterKey(id.TenantID, req.Password)
	}

	replayed, err := s.rt.Runner.Replay(r.Context(), job.ID, req.FromStep, opts)
	if err != nil {
		writeExecuteError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, replayed)
}

func (s *Server) handleClearJob(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	job, ok := s.jobForTenant(w, r, id)
	if !ok {
		return
	}
	if !s.rt.Runner.ClearJob(r.Context(), job.ID) {
		WriteBadRequest(w, "Job is still running")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStoreSecret(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req struct {
		Provider  string     `json:"provider"`
		Value     string     `json:"value"`
		Scopes    []string   `json:"scopes,omitempty"`
		ExpiresAt *time.Time `json:"expires_at,omitempty"`
		Password  string     `json:"password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Provider == "" || req.Value == "" || req.Password == "" {
		WriteBadRequest(w, "provider, value, and password are required")
		return
	}

	masterKey := s.rt.Vault.DeriveMasterKey(id.TenantID, req.Password)
	err := s.rt.Vault.Store(r.Context(), id.TenantID, masterKey, vault.StoreInput{
		Provider:  req.Provider,
		Plaintext: req.Value,
		Scopes:    req.Scopes,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		WriteInternal(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	meta, err := s.rt.Vault.List(r.Context(), id.TenantID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	if err := s.rt.Vault.Delete(r.Context(), id.TenantID, r.PathValue("provider")); err != nil {
		WriteInternal(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req struct {
		Password string `json:"password"`
		TTLMS    int64  `json:"ttl_ms,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Password == "" {
		WriteBadRequest(w, "password is required")
		return
	}

	sess, err := s.rt.Vault.CreateSession(r.Context(), id.TenantID,
		req.Password, time.Duration(req.TTLMS)*time.Millisecond)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	if _, ok := identity(w, r); !ok {
		return
	}
	var req struct {
		SessionToken string `json:"session_token"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	s.rt.Vault.RevokeSession(r.Context(), req.SessionToken)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.rt.Policy.GetUsage(id.TenantID))
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.rt.Policy.GetPolicy(id.TenantID, id.Tier))
}

func (s *Server) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var limits policy.Limits
	if !decodeJSON(w, r, &limits) {
		return
	}
	s.rt.Policy.SetPolicy(id.TenantID, limits)
	writeJSON(w, http.StatusOK, limits)
}
