// Package usage implements the UsageAccountant: per-turn token and cost
// bookkeeping that used to live inline in the TUI's update_llm.go
// (turnInputTokens, totalInputTokens, turnBoundaries) as a standalone,
// UI-independent component.
package usage

import (
	"sync"

	"github.com/sacenox-fork/agentcore/internal/session"
)

// Rate is the per-million-token price for one model.
type Rate struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// Turn is the token/cost delta recorded for one request/response round trip.
type Turn struct {
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	Cost         float64
}

// Accountant accumulates usage for the lifetime of a process, and can
// project a session's persisted totals back out as a breakdown.
type Accountant struct {
	mu    sync.Mutex
	rates map[string]Rate // key "provider/model"

	lifetimeInput  int
	lifetimeOutput int
	lifetimeCost   float64
}

// NewAccountant builds an Accountant seeded with known rates. Unknown
// provider/model pairs are recorded with zero cost rather than rejected —
// token counts are always tracked even when pricing is unknown.
func NewAccountant(rates map[string]Rate) *Accountant {
	if rates == nil {
		rates = make(map[string]Rate)
	}
	return &Accountant{rates: rates}
}

func rateKey(providerName, model string) string {
	return session.CostKey(providerName, model)
}

// SetRate registers or overrides pricing for a provider/model pair.
func (a *Accountant) SetRate(providerName, model string, r Rate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rates[rateKey(providerName, model)] = r
}

// RecordUsage records one turn's token counts against a session, updating
// both the session's persisted CostBreakdown and the process lifetime
// totals. Returns the computed Turn so callers can render it immediately.
func (a *Accountant) RecordUsage(s *session.Session, providerName, model string, inputTokens, outputTokens int) Turn {
	a.mu.Lock()
	rate := a.rates[rateKey(providerName, model)]
	a.mu.Unlock()

	cost := float64(inputTokens)/1_000_000*rate.InputPerMillion + float64(outputTokens)/1_000_000*rate.OutputPerMillion

	if s != nil {
		s.TotalInputTokens += inputTokens
		s.TotalOutputTokens += outputTokens
		if s.CostBreakdown == nil {
			s.CostBreakdown = make(map[string]float64)
		}
		s.CostBreakdown[rateKey(providerName, model)] += cost
	}

	a.mu.Lock()
	a.lifetimeInput += inputTokens
	a.lifetimeOutput += outputTokens
	a.lifetimeCost += cost
	a.mu.Unlock()

	return Turn{Provider: providerName, Model: model, InputTokens: inputTokens, OutputTokens: outputTokens, Cost: cost}
}

// Lifetime returns the running total across every RecordUsage call this
// process has made, independent of any one session.
func (a *Accountant) Lifetime() (inputTokens, outputTokens int, cost float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lifetimeInput, a.lifetimeOutput, a.lifetimeCost
}

// Breakdown returns a copy of a session's per-provider/model cost map,
// suitable for rendering a cost table without risking caller mutation of
// session state.
func Breakdown(s *session.Session) map[string]float64 {
	out := make(map[string]float64, len(s.CostBreakdown))
	for k, v := range s.CostBreakdown {
		out[k] = v
	}
	return out
}
