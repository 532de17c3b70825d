package modelcatalog

import (
	"context"
	"testing"

	"github.com/sacenox-fork/agentcore/internal/config"
	"github.com/sacenox-fork/agentcore/internal/provider"
)

func TestRefresh_UsesListModels(t *testing.T) {
	registry := provider.NewRegistry()
	registry.RegisterFactory("mock", provider.NewMockFactory("mock", "hi"))

	c := New(registry, nil, nil)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	desc, ok := c.Provider("mock")
	if !ok {
		t.Fatal("expected \"mock\" provider in snapshot")
	}
	if len(desc.Models) != 1 || desc.Models[0].Name != "mock-model" {
		t.Errorf("Models = %+v, want [mock-model]", desc.Models)
	}
	if !desc.Available {
		t.Error("expected mock provider (no required credential) to be available")
	}
}

func TestRefresh_FallsBackWhenNoModelsListed(t *testing.T) {
	registry := provider.NewRegistry()
	registry.RegisterFactory("anthropic", emptyModelsFactory{})

	c := New(registry, nil, nil)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	desc, ok := c.Provider("anthropic")
	if !ok {
		t.Fatal("expected \"anthropic\" in snapshot")
	}
	if len(desc.Models) == 0 {
		t.Fatal("expected fallback models for anthropic")
	}
}

func TestIsAvailable_RequiresCredential(t *testing.T) {
	registry := provider.NewRegistry()
	registry.RegisterFactory("anthropic", provider.NewMockFactory("anthropic", "hi"))

	creds := &config.Credentials{Providers: map[string]config.ProviderCredentials{}}
	c := New(registry, creds, map[string]string{"anthropic": "anthropic"})
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if c.IsProviderAvailable("anthropic") {
		t.Fatal("expected anthropic to be unavailable without a credential set")
	}

	creds.SetAPIKey("anthropic", "sk-test")
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("second Refresh: %v", err)
	}
	if !c.IsProviderAvailable("anthropic") {
		t.Fatal("expected anthropic to become available once a credential is set")
	}
}

func TestHasModel(t *testing.T) {
	registry := provider.NewRegistry()
	registry.RegisterFactory("mock", provider.NewMockFactory("mock", "hi"))
	c := New(registry, nil, nil)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if !c.HasModel("mock", "mock-model") {
		t.Error("expected HasModel to find mock-model")
	}
	if c.HasModel("mock", "nonexistent") {
		t.Error("expected HasModel to reject an unlisted model")
	}
	if c.HasModel("nonexistent", "mock-model") {
		t.Error("expected HasModel to reject an unknown provider")
	}
}

func TestGetContextLimit(t *testing.T) {
	registry := provider.NewRegistry()
	registry.RegisterFactory("anthropic", emptyModelsFactory{})
	c := New(registry, nil, nil)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if got := c.GetContextLimit("anthropic", "claude-sonnet-4"); got != 200_000 {
		t.Errorf("GetContextLimit = %d, want 200000", got)
	}
	if got := c.GetContextLimit("anthropic", "nonexistent"); got != 0 {
		t.Errorf("GetContextLimit(unknown model) = %d, want 0", got)
	}
	if got := c.GetContextLimit("nonexistent", "claude-sonnet-4"); got != 0 {
		t.Errorf("GetContextLimit(unknown provider) = %d, want 0", got)
	}
}

// emptyModelsFactory builds a provider whose ListModels always returns
// nothing, to exercise Refresh's fallback-to-hard-coded-table path.
type emptyModelsFactory struct{}

func (emptyModelsFactory) Name() string { return "anthropic" }
func (emptyModelsFactory) Create(model string, opts provider.Options) provider.Provider {
	return emptyModelsProvider{}
}

type emptyModelsProvider struct{}

func (emptyModelsProvider) Name() string { return "anthropic" }
func (emptyModelsProvider) ChatStream(ctx context.Context, messages []provider.Message, tools []provider.Tool) (<-chan provider.StreamEvent, error) {
	ch := make(chan provider.StreamEvent)
	close(ch)
	return ch, nil
}
func (emptyModelsProvider) ListModels(ctx context.Context) ([]provider.Model, error) {
	return nil, nil
}
func (emptyModelsProvider) Close() error { return nil }
