package registry_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/gantry/pkg/registry"
)

func testDefinition(id string) *registry.Definition {
	return &registry.Definition{
		ID:      id,
		Version: "1.2.0",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["url"],
			"properties": {
				"url": {"type": "string"},
				"depth": {"type": "integer", "default": 2}
			}
		}`),
		OutputSchema: json.RawMessage(`{
			"type": "object",
			"required": ["score"],
			"properties": {"score": {"type": "number"}}
		}`),
		RequiredSecrets: []string{"dataforseo"},
		Network: registry.NetworkPolicy{
			AllowedDomains: []string{"api.dataforseo.com", "*.example.com"},
			BlockedDomains: []string{"internal.example.com"},
		},
		CostClass:        registry.CostMedium,
		EstimatedCostUSD: 0.15,
		Retry:            registry.RetryPolicy{MaxAttempts: 3, BackoffMS: 500, Multiplier: 2},
		TimeoutMS:        60_000,
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := registry.New()
	def := testDefinition("audit-website")

	require.NoError(t, r.Register(def))
	assert.Same(t, def, r.Get("audit-website"))
	assert.Nil(t, r.Get("no-such-tool"))
	assert.NotEmpty(t, r.Fingerprint("audit-website"))
}

func TestRegisterDuplicate(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register(testDefinition("audit-website")))

	err := r.Register(testDefinition("audit-website"))
	assert.ErrorIs(t, err, registry.ErrDuplicateTool)
	assert.Len(t, r.List(), 1)
}

func TestRegisterRejectsInvalidDefinitions(t *testing.T) {
	r := registry.New()

	cases := map[string]func(*registry.Definition){
		"bad id":          func(d *registry.Definition) { d.ID = "Bad_ID" },
		"bad version":     func(d *registry.Definition) { d.Version = "not-semver" },
		"nil schema":      func(d *registry.Definition) { d.InputSchema = nil },
		"negative cost":   func(d *registry.Definition) { d.EstimatedCostUSD = -1 },
		"bad cost class":  func(d *registry.Definition) { d.CostClass = "luxurious" },
		"attempts high":   func(d *registry.Definition) { d.Retry.MaxAttempts = 11 },
		"backoff low":     func(d *registry.Definition) { d.Retry.BackoffMS = 50 },
		"multiplier high": func(d *registry.Definition) { d.Retry.Multiplier = 5 },
		"timeout low":     func(d *registry.Definition) { d.TimeoutMS = 500 },
		"bad pattern":     func(d *registry.Definition) { d.Network.AllowedDomains = []string{"a*b.com"} },
	}
	for name, mutate := range cases {
		def := testDefinition("scan-site")
		mutate(def)
		assert.Error(t, r.Register(def), name)
	}
}

func TestValidateInput(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register(testDefinition("audit-website")))

	normalized, err := r.ValidateInput("audit-website", map[string]any{"url": "https://example.com"})
	require.NoError(t, err)

	obj := normalized.(map[string]any)
	assert.Equal(t, "https://example.com", obj["url"])
	// Absent defaulted property is filled in.
	assert.EqualValues(t, 2, obj["depth"])

	// Idempotence: validating the normalized value succeeds again.
	again, err := r.ValidateInput("audit-website", normalized)
	require.NoError(t, err)
	assert.Equal(t, normalized, again)
}

func TestValidateInputFailure(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register(testDefinition("audit-website")))

	_, err := r.ValidateInput("audit-website", map[string]any{"depth": 3})
	var ve *registry.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.NotEmpty(t, ve.Message)

	_, err = r.ValidateInput("audit-website", map[string]any{"url": 42})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "url", ve.FieldPath)
}

func TestValidateUnknownTool(t *testing.T) {
	r := registry.New()
	_, err := r.ValidateInput("ghost", map[string]any{})
	assert.ErrorIs(t, err, registry.ErrUnknownTool)
}

func TestValidateOutput(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register(testDefinition("audit-website")))

	_, err := r.ValidateOutput("audit-website", map[string]any{"score": 0.92})
	assert.NoError(t, err)

	_, err = r.ValidateOutput("audit-website", map[string]any{})
	assert.Error(t, err)
}

func TestIsDomainAllowed(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register(testDefinition("audit-website")))

	wildcard := testDefinition("open-tool")
	wildcard.Network = registry.NetworkPolicy{AllowedDomains: []string{"*"}}
	require.NoError(t, r.Register(wildcard))

	local := testDefinition("local-tool")
	local.Network = registry.NetworkPolicy{AllowedDomains: []string{"*"}, AllowLocalhost: true}
	require.NoError(t, r.Register(local))

	cases := []struct {
		tool, domain string
		want         bool
	}{
		{"audit-website", "api.dataforseo.com", true},  // literal
		{"audit-website", "sub.example.com", true},     // *.suffix subdomain
		{"audit-website", "example.com", true},         // *.suffix matches suffix itself
		{"audit-website", "internal.example.com", false}, // blocked wins over allowed
		{"audit-website", "evil.com", false},
		{"audit-website", "notexample.com", false}, // suffix must be on a label boundary
		{"open-tool", "anything.at.all", true},
		{"open-tool", "localhost", false}, // wildcard does not imply localhost
		{"local-tool", "localhost", true},
		{"local-tool", "127.0.0.1", true},
		{"unknown-tool", "example.com", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, r.IsDomainAllowed(tc.tool, tc.domain), "%s -> %s", tc.tool, tc.domain)
	}
}
