// Package modepolicy owns the {mode -> {provider, model}} mapping and the
// two-step provider/model picker, generalizing the single-provider
// resolveProvider logic in cmd/symb/main.go into a per-mode preference
// table that a live session can change with "/model" commands.
package modepolicy

import (
	"fmt"

	"github.com/sacenox-fork/agentcore/internal/modelcatalog"
	"github.com/sacenox-fork/agentcore/internal/session"
)

// ErrUnknownProvider is returned when a requested provider name isn't
// registered in the catalog at all.
var ErrUnknownProvider = fmt.Errorf("unknown provider")

// ErrUnknownModel is returned when a requested model isn't listed for an
// otherwise-known provider.
var ErrUnknownModel = fmt.Errorf("unknown model")

// ErrProviderNotConfigured is returned when a provider is known but its
// required credential/env var is missing.
var ErrProviderNotConfigured = fmt.Errorf("provider not configured")

// Policy tracks the active provider/model per mode for one session, backed
// by a shared modelcatalog.Catalog for validation.
type Policy struct {
	catalog *modelcatalog.Catalog
	prefs   map[session.Mode]session.ModelPreference
}

// New builds a Policy seeded from a session's persisted ModePreferences, so
// switching modes after reopening a session remembers the last pick.
func New(catalog *modelcatalog.Catalog, prefs map[session.Mode]session.ModelPreference) *Policy {
	if prefs == nil {
		prefs = make(map[session.Mode]session.ModelPreference)
	}
	return &Policy{catalog: catalog, prefs: prefs}
}

// PickProvider validates and records a provider choice for a mode. It does
// not also pick a model — PickModel is a required second step, mirroring
// the two-step provider-then-model picker the design calls for instead of
// a single combined dropdown.
func (p *Policy) PickProvider(mode session.Mode, providerName string) error {
	desc, ok := p.catalog.Provider(providerName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, providerName)
	}
	if !desc.Available {
		return fmt.Errorf("%w: %s", ErrProviderNotConfigured, providerName)
	}
	pref := p.prefs[mode]
	pref.Provider = providerName
	pref.Model = "" // force an explicit PickModel before the pair is usable
	p.prefs[mode] = pref
	return nil
}

// PickModel validates and records a model choice for a mode. The mode must
// already have a provider selected via PickProvider.
func (p *Policy) PickModel(mode session.Mode, model string) error {
	pref, ok := p.prefs[mode]
	if !ok || pref.Provider == "" {
		return fmt.Errorf("%w: no provider selected for mode %q", ErrUnknownProvider, mode)
	}
	if !p.catalog.HasModel(pref.Provider, model) {
		return fmt.Errorf("%w: %s/%s", ErrUnknownModel, pref.Provider, model)
	}
	pref.Model = model
	p.prefs[mode] = pref
	return nil
}

// Current returns the active provider/model pair for a mode, and whether
// one has been fully selected (both provider and model non-empty).
func (p *Policy) Current(mode session.Mode) (session.ModelPreference, bool) {
	pref, ok := p.prefs[mode]
	return pref, ok && pref.Provider != "" && pref.Model != ""
}

// Preferences returns the full mode -> preference map for persistence back
// onto session.Session.ModePreferences.
func (p *Policy) Preferences() map[session.Mode]session.ModelPreference {
	out := make(map[session.Mode]session.ModelPreference, len(p.prefs))
	for k, v := range p.prefs {
		out[k] = v
	}
	return out
}
