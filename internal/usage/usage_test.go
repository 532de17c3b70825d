package usage

import (
	"testing"

	"github.com/sacenox-fork/agentcore/internal/session"
)

func TestRecordUsage_UpdatesSessionAndLifetime(t *testing.T) {
	a := NewAccountant(map[string]Rate{
		"anthropic/claude-sonnet-4": {InputPerMillion: 3, OutputPerMillion: 15},
	})
	s := session.New("test")

	turn := a.RecordUsage(&s, "anthropic", "claude-sonnet-4", 1_000_000, 1_000_000)
	wantCost := 3.0 + 15.0
	if turn.Cost != wantCost {
		t.Errorf("Turn.Cost = %v, want %v", turn.Cost, wantCost)
	}
	if s.TotalInputTokens != 1_000_000 || s.TotalOutputTokens != 1_000_000 {
		t.Errorf("session totals not updated: %+v", s)
	}
	if s.CostBreakdown[session.CostKey("anthropic", "claude-sonnet-4")] != wantCost {
		t.Errorf("CostBreakdown = %+v, want %v", s.CostBreakdown, wantCost)
	}

	inTok, outTok, cost := a.Lifetime()
	if inTok != 1_000_000 || outTok != 1_000_000 || cost != wantCost {
		t.Errorf("Lifetime() = %d, %d, %v; want 1000000, 1000000, %v", inTok, outTok, cost, wantCost)
	}
}

func TestRecordUsage_UnknownRateIsZeroCost(t *testing.T) {
	a := NewAccountant(nil)
	s := session.New("test")

	turn := a.RecordUsage(&s, "unknown", "model-x", 500, 500)
	if turn.Cost != 0 {
		t.Errorf("Cost = %v, want 0 for unpriced model", turn.Cost)
	}
	if s.TotalInputTokens != 500 || s.TotalOutputTokens != 500 {
		t.Errorf("token counts should still be tracked: %+v", s)
	}
}

func TestRecordUsage_AccumulatesAcrossTurns(t *testing.T) {
	a := NewAccountant(map[string]Rate{"p/m": {InputPerMillion: 1, OutputPerMillion: 2}})
	s := session.New("test")

	a.RecordUsage(&s, "p", "m", 1_000_000, 0)
	a.RecordUsage(&s, "p", "m", 1_000_000, 0)

	if s.TotalInputTokens != 2_000_000 {
		t.Errorf("TotalInputTokens = %d, want 2000000", s.TotalInputTokens)
	}
	if got := s.CostBreakdown[session.CostKey("p", "m")]; got != 2 {
		t.Errorf("CostBreakdown = %v, want 2", got)
	}
}

func TestSetRate_Overrides(t *testing.T) {
	a := NewAccountant(map[string]Rate{"p/m": {InputPerMillion: 1}})
	a.SetRate("p", "m", Rate{InputPerMillion: 10})
	s := session.New("test")

	turn := a.RecordUsage(&s, "p", "m", 1_000_000, 0)
	if turn.Cost != 10 {
		t.Errorf("Cost = %v, want 10 after SetRate override", turn.Cost)
	}
}

func TestBreakdown_ReturnsCopy(t *testing.T) {
	s := session.New("test")
	s.CostBreakdown["p/m"] = 1.5

	b := Breakdown(&s)
	b["p/m"] = 99

	if s.CostBreakdown["p/m"] != 1.5 {
		t.Errorf("Breakdown mutation leaked into session: %v", s.CostBreakdown["p/m"])
	}
}
