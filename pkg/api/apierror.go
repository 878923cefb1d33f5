// Package api is the thin HTTP surface over the runtime: execute, poll,
// stream, cancel, switch-method, replay, plus vault, usage, and policy
// endpoints. Error responses follow RFC 7807 (Problem Details).
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// ProblemDetail implements RFC 7807. All API error responses use this format.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// FieldPath points at the offending input property for validation errors.
	FieldPath string `json:"field_path,omitempty"`
	// RetryAfterMS mirrors the Retry-After header for policy denials.
	RetryAfterMS int64 `json:"retry_after_ms,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, problem *ProblemDetail) {
	problem.Type = fmt.Sprintf("https://gantry.loomworks.dev/errors/%d", problem.Status)
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{Title: title, Status: status, Detail: detail})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteValidationError writes a 400 carrying the offending field path.
func WriteValidationError(w http.ResponseWriter, fieldPath, detail string) {
	writeProblem(w, &ProblemDetail{
		Title:     "Validation Error",
		Status:    http.StatusBadRequest,
		Detail:    detail,
		FieldPath: fieldPath,
	})
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteUnprocessable writes a 422 error response.
func WriteUnprocessable(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusUnprocessableEntity, "Unprocessable Entity", detail)
}

// WritePolicyDenied writes a 429 with the denial reason and, when retrying
// can help, a Retry-After header plus the millisecond hint in the body.
func WritePolicyDenied(w http.ResponseWriter, reason string, retryAfterMS int64) {
	if retryAfterMS > 0 {
		secs := (retryAfterMS + 999) / 1000
		w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
	}
	writeProblem(w, &ProblemDetail{
		Title:        "Policy Denied",
		Status:       http.StatusTooManyRequests,
		Detail:       reason,
		RetryAfterMS: retryAfterMS,
	})
}

// WriteTooManyRequests writes a 429 for the transport-level IP limiter.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests",
		"Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500. The error is logged, never exposed.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error",
		"An unexpected error occurred. Please try again later.")
}
