package modepolicy

import (
	"context"
	"testing"

	"github.com/sacenox-fork/agentcore/internal/modelcatalog"
	"github.com/sacenox-fork/agentcore/internal/provider"
	"github.com/sacenox-fork/agentcore/internal/session"
)

func testCatalog(t *testing.T) *modelcatalog.Catalog {
	t.Helper()
	registry := provider.NewRegistry()
	registry.RegisterFactory("mock", provider.NewMockFactory("mock", "hi"))
	catalog := modelcatalog.New(registry, nil, nil)
	if err := catalog.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	return catalog
}

func TestPickProvider_ThenPickModel(t *testing.T) {
	p := New(testCatalog(t), nil)

	if err := p.PickProvider(session.ModeBuild, "mock"); err != nil {
		t.Fatalf("PickProvider: %v", err)
	}
	if err := p.PickModel(session.ModeBuild, "mock-model"); err != nil {
		t.Fatalf("PickModel: %v", err)
	}

	cur, ok := p.Current(session.ModeBuild)
	if !ok {
		t.Fatal("expected Current to report a fully selected pair")
	}
	if cur.Provider != "mock" || cur.Model != "mock-model" {
		t.Errorf("Current = %+v", cur)
	}
}

func TestPickProvider_Unknown(t *testing.T) {
	p := New(testCatalog(t), nil)
	err := p.PickProvider(session.ModeBuild, "nonexistent")
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestPickModel_WithoutProviderFirst(t *testing.T) {
	p := New(testCatalog(t), nil)
	err := p.PickModel(session.ModeBuild, "mock-model")
	if err == nil {
		t.Fatal("expected error when no provider selected yet")
	}
}

func TestPickModel_UnknownModel(t *testing.T) {
	p := New(testCatalog(t), nil)
	if err := p.PickProvider(session.ModeBuild, "mock"); err != nil {
		t.Fatalf("PickProvider: %v", err)
	}
	if err := p.PickModel(session.ModeBuild, "does-not-exist"); err == nil {
		t.Fatal("expected error for unknown model")
	}
}

func TestPickProvider_ResetsModel(t *testing.T) {
	p := New(testCatalog(t), nil)
	if err := p.PickProvider(session.ModeBuild, "mock"); err != nil {
		t.Fatalf("PickProvider: %v", err)
	}
	if err := p.PickModel(session.ModeBuild, "mock-model"); err != nil {
		t.Fatalf("PickModel: %v", err)
	}
	if err := p.PickProvider(session.ModeBuild, "mock"); err != nil {
		t.Fatalf("second PickProvider: %v", err)
	}
	if _, ok := p.Current(session.ModeBuild); ok {
		t.Fatal("expected Current to report incomplete selection after re-picking provider")
	}
}

func TestPreferences_IsACopy(t *testing.T) {
	p := New(testCatalog(t), nil)
	_ = p.PickProvider(session.ModeBuild, "mock")
	_ = p.PickModel(session.ModeBuild, "mock-model")

	prefs := p.Preferences()
	prefs[session.ModeBuild] = session.ModelPreference{Provider: "tampered"}

	cur, _ := p.Current(session.ModeBuild)
	if cur.Provider != "mock" {
		t.Errorf("Preferences() mutation leaked into Policy: %+v", cur)
	}
}
