package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/gantry/pkg/api"
	"github.com/loomworks/gantry/pkg/config"
	"github.com/loomworks/gantry/pkg/registry"
	"github.com/loomworks/gantry/pkg/runner"
	"github.com/loomworks/gantry/pkg/runtime"
)

var jwtSecret = []byte("test-jwt-secret")

func newTestServer(t *testing.T) (*httptest.Server, *runtime.Runtime) {
	t.Helper()

	cfg := &config.Config{
		Pepper:       bytes.Repeat([]byte{0x11}, 32),
		ArtifactMode: config.ArtifactMemory,
	}
	rt, err := runtime.New(context.Background(), cfg)
	require.NoError(t, err)

	def := &registry.Definition{
		ID:      "audit-website",
		Version: "1.0.0",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["url"],
			"properties": {"url": {"type": "string"}}
		}`),
		OutputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"score": {"type": "number"}}
		}`),
		Network:          registry.NetworkPolicy{AllowedDomains: []string{"*"}},
		CostClass:        registry.CostCheap,
		EstimatedCostUSD: 0.01,
		Retry:            registry.RetryPolicy{MaxAttempts: 1, BackoffMS: 100, Multiplier: 1},
		TimeoutMS:        10_000,
	}
	require.NoError(t, rt.RegisterWorkflow(def, func(ctx context.Context, sc *runner.StepContext, input any) (any, error) {
		sc.Log("info", "auditing", nil)
		return map[string]any{"score": 0.9}, nil
	}))

	srv := httptest.NewServer(api.NewServer(rt, jwtSecret).Handler())
	t.Cleanup(srv.Close)
	return srv, rt
}

func bearerToken(t *testing.T, tenantID, tier string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, api.Claims{
		TenantID: tenantID,
		Tier:     tier,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString(jwtSecret)
	require.NoError(t, err)
	return signed
}

func doJSON(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/jobs")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
}

func TestHealthzIsPublic(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestExecuteAndPollJob(t *testing.T) {
	srv, rt := newTestServer(t)
	token := bearerToken(t, "T1", "pro")

	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/workflows/audit-website/execute", token,
		map[string]any{"input": map[string]any{"url": "https://example.com"}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	job := decodeBody(t, resp)
	jobID := job["id"].(string)
	require.NotEmpty(t, jobID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := rt.Runner.Wait(ctx, jobID)
	require.NoError(t, err)

	resp = doJSON(t, http.MethodGet, srv.URL+"/v1/jobs/"+jobID, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody(t, resp)
	assert.Equal(t, string(runner.StatusCompleted), got["status"])
	assert.Equal(t, map[string]any{"score": 0.9}, got["output"])
}

func TestExecuteUnknownWorkflow(t *testing.T) {
	srv, _ := newTestServer(t)
	token := bearerToken(t, "T1", "pro")

	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/workflows/nope/execute", token,
		map[string]any{"input": map[string]any{}})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExecuteValidationError(t *testing.T) {
	srv, _ := newTestServer(t)
	token := bearerToken(t, "T1", "pro")

	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/workflows/audit-website/execute", token,
		map[string]any{"input": map[string]any{}})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	problem := decodeBody(t, resp)
	assert.Equal(t, "Validation Error", problem["title"])
}

func TestExecutePolicyDeniedMapsTo429(t *testing.T) {
	srv, rt := newTestServer(t)
	token := bearerToken(t, "T2", "free")

	// Exhaust the free tier's daily cost quota.
	rt.Policy.JobStarted("T2")
	rt.Policy.JobCompleted("T2", 2.00)

	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/workflows/audit-website/execute", token,
		map[string]any{"input": map[string]any{"url": "https://example.com"}})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	problem := decodeBody(t, resp)
	assert.Equal(t, "Daily quota exceeded", problem["detail"])
	assert.Greater(t, problem["retry_after_ms"].(float64), float64(0))
}

func TestJobTenantIsolation(t *testing.T) {
	srv, rt := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/workflows/audit-website/execute",
		bearerToken(t, "T1", "pro"),
		map[string]any{"input": map[string]any{"url": "https://example.com"}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID := decodeBody(t, resp)["id"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := rt.Runner.Wait(ctx, jobID)
	require.NoError(t, err)

	// Another tenant sees not-found, not forbidden.
	resp = doJSON(t, http.MethodGet, srv.URL+"/v1/jobs/"+jobID, bearerToken(t, "T9", "pro"), nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSecretsRoundTripAndSessions(t *testing.T) {
	srv, _ := newTestServer(t)
	token := bearerToken(t, "T3", "pro")

	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/secrets", token, map[string]any{
		"provider": "dataforseo",
		"value":    "super-secret",
		"scopes":   []string{"audit-website"},
		"password": "hunter2",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/v1/secrets", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var meta []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&meta))
	resp.Body.Close()
	require.Len(t, meta, 1)
	assert.Equal(t, "dataforseo", meta[0]["provider"])
	assert.NotContains(t, meta[0], "value")

	resp = doJSON(t, http.MethodPost, srv.URL+"/v1/sessions", token, map[string]any{
		"password": "hunter2",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sess := decodeBody(t, resp)
	assert.NotEmpty(t, sess["session_token"])

	resp = doJSON(t, http.MethodDelete, srv.URL+"/v1/secrets/dataforseo", token, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestUsageAndPolicyEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	token := bearerToken(t, "T4", "starter")

	resp := doJSON(t, http.MethodGet, srv.URL+"/v1/usage", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	usage := decodeBody(t, resp)
	assert.Equal(t, "T4", usage["tenant_id"])

	resp = doJSON(t, http.MethodGet, srv.URL+"/v1/policy", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	limits := decodeBody(t, resp)
	assert.Equal(t, float64(20), limits["reqs_per_minute"])

	limits["max_cost_per_day_usd"] = 42.0
	resp = doJSON(t, http.MethodPut, srv.URL+"/v1/policy", token, limits)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, srv.URL+"/v1/policy", token, nil)
	updated := decodeBody(t, resp)
	assert.Equal(t, 42.0, updated["max_cost_per_day_usd"])
}

func TestStreamLogsSSE(t *testing.T) {
	srv, rt := newTestServer(t)
	token := bearerToken(t, "T5", "pro")

	resp := doJSON(t, http.MethodPost, srv.URL+"/v1/workflows/audit-website/execute", token,
		map[string]any{"input": map[string]any{"url": "https://example.com"}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID := decodeBody(t, resp)["id"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := rt.Runner.Wait(ctx, jobID)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/jobs/"+jobID+"/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()

	require.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	body := new(bytes.Buffer)
	_, err = body.ReadFrom(stream.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), "event: log")
	assert.Contains(t, body.String(), "auditing")
	assert.Contains(t, body.String(), "event: done")
}

func TestInvalidJWTRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	other := jwt.NewWithClaims(jwt.SigningMethodHS256, api.Claims{TenantID: "T1", Tier: "pro"})
	signed, err := other.SignedString([]byte("wrong-secret"))
	require.NoError(t, err)

	resp := doJSON(t, http.MethodGet, srv.URL+"/v1/jobs", signed, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
