package agent

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultID is the orchestrator used when neither the caller nor the
// project names one.
const DefaultID = ClaudeCodeID

// Registry is an immutable lookup table of providers.
type Registry struct {
	providers map[string]Provider
	order     []string
}

// NewRegistry registers providers in the given order. A later provider with
// a duplicate id replaces the earlier one in place.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if _, exists := r.providers[p.ID()]; !exists {
			r.order = append(r.order, p.ID())
		}
		r.providers[p.ID()] = p
	}
	return r
}

// DefaultRegistry builds the built-in providers. binaries maps provider ids
// to binary paths that replace the default PATH lookup name.
func DefaultRegistry(binaries map[string]string) *Registry {
	return NewRegistry(
		NewClaudeProvider(binaries[ClaudeCodeID]),
		NewCopilotProvider(binaries[CopilotID]),
		NewOpenCodeProvider(binaries[OpenCodeID]),
		NewGeminiProvider(binaries[GeminiID]),
	)
}

// Get returns the provider registered under id.
func (r *Registry) Get(id string) (Provider, bool) {
	p, ok := r.providers[id]
	return p, ok
}

// All returns providers in registration order.
func (r *Registry) All() []Provider {
	out := make([]Provider, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.providers[id])
	}
	return out
}

// Validate checks that id names a registered provider. Empty is allowed.
func (r *Registry) Validate(id string) error {
	if id == "" {
		return nil
	}
	if _, ok := r.providers[id]; ok {
		return nil
	}
	ids := append([]string(nil), r.order...)
	sort.Strings(ids)
	return fmt.Errorf("invalid orchestrator: %s (valid: %s)", id, strings.Join(ids, ", "))
}
