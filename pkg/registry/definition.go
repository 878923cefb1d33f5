// Package registry is the typed catalog of workflow definitions. Definitions
// are registered at process start and immutable afterwards; lookups and
// validation run lock-free on the hot path.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var (
	// ErrDuplicateTool is returned when a tool id is registered twice.
	ErrDuplicateTool = errors.New("registry: duplicate tool id")
	// ErrUnknownTool is returned when a tool id is not registered.
	ErrUnknownTool = errors.New("registry: unknown tool id")
)

var toolIDPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// CostClass is the coarse cost band of a tool.
type CostClass string

const (
	CostFree      CostClass = "free"
	CostCheap     CostClass = "cheap"
	CostMedium    CostClass = "medium"
	CostExpensive CostClass = "expensive"
)

// RetryPolicy is advisory metadata: handlers apply it to their internal
// outbound operations, the runner never retries the handler itself.
type RetryPolicy struct {
	MaxAttempts    int      `json:"max_attempts"`
	BackoffMS      int      `json:"backoff_ms"`
	Multiplier     float64  `json:"multiplier"`
	RetryableKinds []string `json:"retryable_kinds,omitempty"`
}

// NetworkPolicy describes the outbound domains a tool may reach.
// Patterns are "*", a literal FQDN, or "*.suffix".
type NetworkPolicy struct {
	AllowedDomains []string `json:"allowed_domains"`
	BlockedDomains []string `json:"blocked_domains,omitempty"`
	AllowLocalhost bool     `json:"allow_localhost,omitempty"`
}

// Definition is a registered workflow. Immutable after Register.
type Definition struct {
	ID               string          `json:"id"`
	Version          string          `json:"version"`
	InputSchema      json.RawMessage `json:"input_schema"`
	OutputSchema     json.RawMessage `json:"output_schema"`
	RequiredSecrets  []string        `json:"required_secrets,omitempty"`
	Network          NetworkPolicy   `json:"network_policy"`
	CostClass        CostClass       `json:"cost_class"`
	EstimatedCostUSD float64         `json:"estimated_cost_usd"`
	Retry            RetryPolicy     `json:"retry_policy"`
	TimeoutMS        int             `json:"timeout_ms"`
	Idempotent       bool            `json:"idempotent"`
}

// Validate checks the definition's structural invariants.
func (d *Definition) Validate() error {
	if !toolIDPattern.MatchString(d.ID) {
		return fmt.Errorf("registry: tool id %q must match ^[a-z0-9-]+$", d.ID)
	}
	if _, err := semver.NewVersion(d.Version); err != nil {
		return fmt.Errorf("registry: tool %s version %q: %w", d.ID, d.Version, err)
	}
	if len(d.InputSchema) == 0 || len(d.OutputSchema) == 0 {
		return fmt.Errorf("registry: tool %s: input and output schemas are required", d.ID)
	}
	if d.EstimatedCostUSD < 0 {
		return fmt.Errorf("registry: tool %s: estimated_cost_usd must not be negative", d.ID)
	}
	switch d.CostClass {
	case CostFree, CostCheap, CostMedium, CostExpensive:
	default:
		return fmt.Errorf("registry: tool %s: unknown cost class %q", d.ID, d.CostClass)
	}
	if d.Retry.MaxAttempts < 1 || d.Retry.MaxAttempts > 10 {
		return fmt.Errorf("registry: tool %s: retry max_attempts %d out of [1,10]", d.ID, d.Retry.MaxAttempts)
	}
	if d.Retry.BackoffMS < 100 || d.Retry.BackoffMS > 60_000 {
		return fmt.Errorf("registry: tool %s: retry backoff_ms %d out of [100,60000]", d.ID, d.Retry.BackoffMS)
	}
	if d.Retry.Multiplier < 1 || d.Retry.Multiplier > 4 {
		return fmt.Errorf("registry: tool %s: retry multiplier %g out of [1,4]", d.ID, d.Retry.Multiplier)
	}
	if d.TimeoutMS < 1_000 || d.TimeoutMS > 600_000 {
		return fmt.Errorf("registry: tool %s: timeout_ms %d out of [1000,600000]", d.ID, d.TimeoutMS)
	}
	for _, p := range d.Network.AllowedDomains {
		if err := validateDomainPattern(p); err != nil {
			return fmt.Errorf("registry: tool %s: allowed domain %q: %w", d.ID, p, err)
		}
	}
	for _, p := range d.Network.BlockedDomains {
		if err := validateDomainPattern(p); err != nil {
			return fmt.Errorf("registry: tool %s: blocked domain %q: %w", d.ID, p, err)
		}
	}
	return nil
}

// validateDomainPattern accepts "*", a literal FQDN, or "*.suffix".
func validateDomainPattern(p string) error {
	if p == "" {
		return errors.New("empty pattern")
	}
	if p == "*" {
		return nil
	}
	host := p
	if strings.HasPrefix(p, "*.") {
		host = p[2:]
	}
	if host == "" || strings.ContainsAny(host, "*/ ") {
		return errors.New("pattern must be *, a literal domain, or *.suffix")
	}
	return nil
}
