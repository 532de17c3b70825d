package session

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	st, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestNew(t *testing.T) {
	s := New("test session")
	if s.ID == "" {
		t.Fatal("expected non-empty ID")
	}
	if s.Mode != ModeBuild {
		t.Errorf("Mode = %q, want %q", s.Mode, ModeBuild)
	}
	if s.TrustLevel != TrustBalanced {
		t.Errorf("TrustLevel = %q, want %q", s.TrustLevel, TrustBalanced)
	}
	if s.ModePreferences == nil || s.CostBreakdown == nil {
		t.Fatal("expected initialized maps")
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	st := openTestStore(t)
	s := New("round trip")
	s.Provider = "anthropic"
	s.Model = "claude-sonnet-4"
	s.Messages = []Message{
		{
			Role:      RoleUser,
			Timestamp: time.Now(),
			Segments:  []Segment{{Kind: SegmentText, Text: "hello"}},
		},
		{
			Role:      RoleAssistant,
			Timestamp: time.Now(),
			Segments: []Segment{
				{Kind: SegmentText, Text: "let me check"},
				{Kind: SegmentTool, ToolIndex: 0},
			},
			ToolCalls: []ToolCall{
				{ID: "tc1", Name: "Read", State: ToolCallCompleted, ResultPreview: "ok"},
			},
		},
	}
	s.CostBreakdown[CostKey("anthropic", "claude-sonnet-4")] = 0.05

	if err := st.Save(&s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := st.Load(s.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Name != "round trip" || got.Provider != "anthropic" || got.Model != "claude-sonnet-4" {
		t.Errorf("header mismatch: %+v", got)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(got.Messages))
	}
	if got.Messages[0].Text() != "hello" {
		t.Errorf("Messages[0].Text() = %q", got.Messages[0].Text())
	}
	if got.Messages[1].Text() != "let me check" {
		t.Errorf("Messages[1].Text() = %q", got.Messages[1].Text())
	}
	if len(got.Messages[1].ToolCalls) != 1 || got.Messages[1].ToolCalls[0].Name != "Read" {
		t.Errorf("tool calls not preserved: %+v", got.Messages[1].ToolCalls)
	}
	if got.TotalCost() != 0.05 {
		t.Errorf("TotalCost() = %v, want 0.05", got.TotalCost())
	}
}

func TestSave_ReplacesMessages(t *testing.T) {
	st := openTestStore(t)
	s := New("replace")
	s.Messages = []Message{{Role: RoleUser, Segments: []Segment{{Kind: SegmentText, Text: "first"}}}}
	if err := st.Save(&s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	s.Messages = []Message{{Role: RoleUser, Segments: []Segment{{Kind: SegmentText, Text: "second"}}}}
	if err := st.Save(&s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := st.Load(s.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Messages) != 1 || got.Messages[0].Text() != "second" {
		t.Fatalf("expected messages replaced, got %+v", got.Messages)
	}
}

func TestLoad_NotFound(t *testing.T) {
	st := openTestStore(t)
	if _, err := st.Load("nonexistent"); err != ErrNotFound {
		t.Fatalf("Load: got %v, want ErrNotFound", err)
	}
}

func TestList(t *testing.T) {
	st := openTestStore(t)
	a := New("alpha")
	b := New("beta")
	if err := st.Save(&a); err != nil {
		t.Fatalf("Save a: %v", err)
	}
	// updated is stored in whole Unix seconds, so the saves must straddle a second.
	time.Sleep(1100 * time.Millisecond)
	if err := st.Save(&b); err != nil {
		t.Fatalf("Save b: %v", err)
	}

	sums, err := st.List(b.ID)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sums) != 2 {
		t.Fatalf("got %d summaries, want 2", len(sums))
	}
	// Most recently updated first.
	if sums[0].ID != b.ID || !sums[0].IsCurrent {
		t.Errorf("expected %s first and current, got %+v", b.ID, sums[0])
	}
}

func TestDelete(t *testing.T) {
	st := openTestStore(t)
	s := New("to delete")
	if err := st.Save(&s); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := st.Delete(s.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := st.Load(s.ID); err != ErrNotFound {
		t.Fatalf("Load after delete: got %v, want ErrNotFound", err)
	}
	if err := st.Delete(s.ID); err != ErrNotFound {
		t.Fatalf("second Delete: got %v, want ErrNotFound", err)
	}
}

func TestArchivePlan(t *testing.T) {
	st := openTestStore(t)
	s := New("with plan")
	s.CurrentPlanID = "plan-1"
	if err := st.Save(&s); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := st.ArchivePlan(&s, "plan-1"); err != nil {
		t.Fatalf("ArchivePlan: %v", err)
	}
	if s.CurrentPlanID != "" {
		t.Errorf("CurrentPlanID = %q, want empty after archiving the active plan", s.CurrentPlanID)
	}
}

func TestCostKey(t *testing.T) {
	got := CostKey("anthropic", "claude-sonnet-4")
	want := "anthropic/claude-sonnet-4"
	if got != want {
		t.Errorf("CostKey = %q, want %q", got, want)
	}
}

func TestToProviderMessages(t *testing.T) {
	msgs := []Message{
		{
			Role:     RoleAssistant,
			Segments: []Segment{{Kind: SegmentText, Text: "answer"}},
			ToolCalls: []ToolCall{
				{ID: "tc1", Name: "Grep", Args: []byte(`{"pattern":"foo"}`)},
			},
		},
	}
	out := ToProviderMessages(msgs)
	if len(out) != 1 {
		t.Fatalf("got %d messages, want 1", len(out))
	}
	if out[0].Content != "answer" {
		t.Errorf("Content = %q, want %q", out[0].Content, "answer")
	}
	if len(out[0].ToolCalls) != 1 || out[0].ToolCalls[0].Name != "Grep" {
		t.Errorf("ToolCalls not carried over: %+v", out[0].ToolCalls)
	}
}
