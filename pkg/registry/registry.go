package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// entry couples a definition with its compiled schemas and extracted
// top-level defaults.
type entry struct {
	def            *Definition
	input          *jsonschema.Schema
	output         *jsonschema.Schema
	inputDefaults  map[string]any
	outputDefaults map[string]any
	fingerprint    string
}

// Registry maps tool ids to definitions. Reads go through an atomic snapshot
// so the hot path (resolve + validate on every request) takes no lock;
// registrations copy the map under a mutex.
type Registry struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[map[string]*entry]
	logger   *slog.Logger
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{logger: slog.Default().With("component", "registry")}
	empty := make(map[string]*entry)
	r.snapshot.Store(&empty)
	return r
}

// Register adds a definition. It fails with ErrDuplicateTool when the id is
// already present and never mutates the registry on any error.
func (r *Registry) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	input, inDefaults, err := compileSchema(def.ID, "input", def.InputSchema)
	if err != nil {
		return err
	}
	output, outDefaults, err := compileSchema(def.ID, "output", def.OutputSchema)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.snapshot.Load()
	if _, exists := old[def.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, def.ID)
	}

	next := make(map[string]*entry, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[def.ID] = &entry{
		def:            def,
		input:          input,
		output:         output,
		inputDefaults:  inDefaults,
		outputDefaults: outDefaults,
		fingerprint:    fingerprint(def),
	}
	r.snapshot.Store(&next)

	r.logger.Info("tool registered",
		"tool_id", def.ID,
		"version", def.Version,
		"cost_class", def.CostClass,
		"fingerprint", next[def.ID].fingerprint,
	)
	return nil
}

// Get returns the definition for id, or nil when absent.
func (r *Registry) Get(id string) *Definition {
	if e, ok := (*r.snapshot.Load())[id]; ok {
		return e.def
	}
	return nil
}

// Fingerprint returns the deterministic hash of the registered definition,
// or "" when the tool is unknown.
func (r *Registry) Fingerprint(id string) string {
	if e, ok := (*r.snapshot.Load())[id]; ok {
		return e.fingerprint
	}
	return ""
}

// List returns all definitions sorted by id.
func (r *Registry) List() []*Definition {
	snap := *r.snapshot.Load()
	defs := make([]*Definition, 0, len(snap))
	for _, e := range snap {
		defs = append(defs, e.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// IsDomainAllowed reports whether the tool's network policy permits an
// outbound request to domain. The blocked list always wins; localhost
// requires an explicit opt-in.
func (r *Registry) IsDomainAllowed(id, domain string) bool {
	e, ok := (*r.snapshot.Load())[id]
	if !ok {
		return false
	}
	np := e.def.Network

	domain = strings.ToLower(strings.TrimSuffix(domain, "."))

	for _, p := range np.BlockedDomains {
		if matchDomain(p, domain) {
			return false
		}
	}
	if isLocalhost(domain) && !np.AllowLocalhost {
		return false
	}
	for _, p := range np.AllowedDomains {
		if p == "*" {
			return true
		}
		if matchDomain(p, domain) {
			return true
		}
	}
	return false
}

// matchDomain implements the pattern vocabulary: "*" any, "*.suffix" matches
// the suffix itself or any subdomain of it, anything else is a literal.
func matchDomain(pattern, domain string) bool {
	pattern = strings.ToLower(pattern)
	if pattern == "*" {
		return true
	}
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return domain == suffix || strings.HasSuffix(domain, "."+suffix)
	}
	return domain == pattern
}

func isLocalhost(domain string) bool {
	switch domain {
	case "localhost", "127.0.0.1", "::1", "[::1]":
		return true
	}
	return strings.HasSuffix(domain, ".localhost")
}
