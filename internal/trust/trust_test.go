package trust

import "testing"

func TestRequiresApproval_Manual(t *testing.T) {
	p := New(Manual)
	cases := map[SideEffect]bool{
		SideEffectRead:    false,
		SideEffectWrite:   true,
		SideEffectExecute: true,
	}
	for effect, want := range cases {
		if got := p.RequiresApproval(effect, nil); got != want {
			t.Errorf("Manual: RequiresApproval(%s) = %v, want %v", effect, got, want)
		}
	}
}

func TestRequiresApproval_Balanced(t *testing.T) {
	p := New(Balanced)
	cases := map[SideEffect]bool{
		SideEffectRead:    false,
		SideEffectWrite:   true,
		SideEffectExecute: true,
	}
	for effect, want := range cases {
		if got := p.RequiresApproval(effect, nil); got != want {
			t.Errorf("Balanced: RequiresApproval(%s) = %v, want %v", effect, got, want)
		}
	}
}

func TestRequiresApproval_Careful(t *testing.T) {
	p := NewCareful([]string{"/workspace"})

	if p.RequiresApproval(SideEffectRead, nil) {
		t.Error("Careful: read should never require approval")
	}
	if !p.RequiresApproval(SideEffectWrite, []byte(`{"file":"/etc/passwd"}`)) {
		t.Error("Careful: write outside an allow-listed path should require approval")
	}
	if p.RequiresApproval(SideEffectWrite, []byte(`{"file":"/workspace/main.go"}`)) {
		t.Error("Careful: write under an allow-listed path should not require approval")
	}
	if !p.RequiresApproval(SideEffectExecute, []byte(`{"path":"/tmp/run.sh"}`)) {
		t.Error("Careful: execute outside an allow-listed path should require approval")
	}
	if !p.RequiresApproval(SideEffectWrite, nil) {
		t.Error("Careful: a write with no determinable target path should require approval")
	}
}

func TestSetLevel(t *testing.T) {
	p := New(Manual)
	p.SetLevel(Careful)
	if p.Level != Careful {
		t.Errorf("Level = %v, want %v", p.Level, Careful)
	}
	if !p.RequiresApproval(SideEffectWrite, nil) {
		t.Error("expected a write with no allow-listed path to still require approval under Careful")
	}
}
