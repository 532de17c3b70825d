// Package modelcatalog generalizes internal/provider.Registry's concrete
// provider/model listing into a queryable catalog of descriptors with
// capability metadata and availability checks, the way cmd/symb/main.go's
// buildRegistry/resolveProvider wiring only did ad hoc at startup.
package modelcatalog

import (
	"context"
	"sync"

	"github.com/sacenox-fork/agentcore/internal/config"
	"github.com/sacenox-fork/agentcore/internal/provider"
)

// ModelDescriptor describes one queryable model.
type ModelDescriptor struct {
	Name              string
	ContextWindow     int
	SupportsTools     bool
	SupportsReasoning bool
	SupportsImages    bool
}

// ProviderDescriptor describes one registered provider and the models it
// currently reports.
type ProviderDescriptor struct {
	Name         string
	RequiresEnv  string // env var or credential key needed for availability; empty if none
	Models       []ModelDescriptor
	Available    bool
}

// fallback is the hard-coded table used when a provider's ListModels call
// fails or hasn't been refreshed yet, so the catalog never reports zero
// models for a provider the user has configured.
var fallback = map[string][]ModelDescriptor{
	"anthropic": {
		{Name: "claude-opus-4", ContextWindow: 200_000, SupportsTools: true, SupportsReasoning: true, SupportsImages: true},
		{Name: "claude-sonnet-4", ContextWindow: 200_000, SupportsTools: true, SupportsReasoning: true, SupportsImages: true},
	},
	"ollama": {
		{Name: "qwen2.5-coder", ContextWindow: 32_000, SupportsTools: true},
	},
}

// Catalog owns a point-in-time, copy-on-write snapshot of every registered
// provider's descriptor set.
type Catalog struct {
	mu       sync.RWMutex
	registry *provider.Registry
	creds    *config.Credentials
	envReqs  map[string]string // provider name -> required credential key
	snapshot map[string]ProviderDescriptor
}

// New builds a Catalog over an existing provider.Registry. envReqs maps a
// registered provider name to the credential/env key that must be non-empty
// for IsProviderAvailable to report true; a provider absent from envReqs is always
// considered available (e.g. a local Ollama endpoint needs no key).
func New(registry *provider.Registry, creds *config.Credentials, envReqs map[string]string) *Catalog {
	return &Catalog{
		registry: registry,
		creds:    creds,
		envReqs:  envReqs,
		snapshot: make(map[string]ProviderDescriptor),
	}
}

// Refresh queries every registered provider's ListModels and atomically
// replaces the catalog's snapshot. A provider whose ListModels call fails
// falls back to the hard-coded table for that provider name, if any, rather
// than disappearing from the catalog.
func (c *Catalog) Refresh(ctx context.Context) error {
	tagged := c.registry.ListAllModels(ctx, provider.Options{})

	byProvider := make(map[string][]ModelDescriptor)
	for _, t := range tagged {
		byProvider[t.ProviderName] = append(byProvider[t.ProviderName], ModelDescriptor{
			Name:          t.Model.Name,
			ContextWindow: 0, // provider.Model carries no context-window field; left for fallback/config to supply
		})
	}

	next := make(map[string]ProviderDescriptor, len(c.registry.List()))
	for _, name := range c.registry.List() {
		models := byProvider[name]
		if len(models) == 0 {
			models = fallback[name]
		}
		next[name] = ProviderDescriptor{
			Name:        name,
			RequiresEnv: c.envReqs[name],
			Models:      models,
			Available:   c.isAvailable(name),
		}
	}

	c.mu.Lock()
	c.snapshot = next
	c.mu.Unlock()
	return nil
}

func (c *Catalog) isAvailable(providerName string) bool {
	key, needsCred := c.envReqs[providerName]
	if !needsCred || key == "" {
		return true
	}
	if c.creds == nil {
		return false
	}
	return c.creds.GetAPIKey(key) != ""
}

// Providers returns every descriptor in the current snapshot.
func (c *Catalog) Providers() []ProviderDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ProviderDescriptor, 0, len(c.snapshot))
	for _, d := range c.snapshot {
		out = append(out, d)
	}
	return out
}

// Provider returns one descriptor by name.
func (c *Catalog) Provider(name string) (ProviderDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.snapshot[name]
	return d, ok
}

// IsProviderAvailable reports whether a provider's required credential is
// currently set, consulting the live snapshot rather than re-checking
// credentials on every call.
func (c *Catalog) IsProviderAvailable(name string) bool {
	d, ok := c.Provider(name)
	return ok && d.Available
}

// GetContextLimit returns the context window size, in tokens, for a
// provider/model pair, or 0 if the provider or model is unknown to the
// catalog. Callers should treat 0 as "no limit known" rather than "no
// limit enforced".
func (c *Catalog) GetContextLimit(providerName, model string) int {
	d, ok := c.Provider(providerName)
	if !ok {
		return 0
	}
	for _, m := range d.Models {
		if m.Name == model {
			return m.ContextWindow
		}
	}
	return 0
}

// HasModel reports whether a provider currently lists the given model.
func (c *Catalog) HasModel(providerName, model string) bool {
	d, ok := c.Provider(providerName)
	if !ok {
		return false
	}
	for _, m := range d.Models {
		if m.Name == model {
			return true
		}
	}
	return false
}
