package llm

import (
	"context"
	"fmt"
	"log"
	"slices"
	"sync"

	"gwi.com/polychat/internal/chaterr"
	"gwi.com/polychat/internal/config"
)

// Registry maps provider names to providers and holds the allow-list of
// provider/model pairs. The allow-list can be swapped while serving.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	allowed   []config.ProviderModels
}

func NewRegistry(allowed []config.ProviderModels) *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		allowed:   allowed,
	}
}

// RegisterProvider adds a provider under its own name.
func (r *Registry) RegisterProvider(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	log.Printf("[LLM] Registered provider: %s", p.Name())
}

func (r *Registry) SetAllowList(allowed []config.ProviderModels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allowed = allowed
	log.Printf("[LLM] Allow-list updated: %d providers", len(allowed))
}

// Allowed returns a copy of the current allow-list.
func (r *Registry) Allowed() []config.ProviderModels {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]config.ProviderModels, len(r.allowed))
	for i, row := range r.allowed {
		out[i] = config.ProviderModels{Provider: row.Provider, Models: slices.Clone(row.Models)}
	}
	return out
}

// ProviderFor returns the first allow-listed provider serving model, or "".
func (r *Registry) ProviderFor(model string) string {
	return ProviderFor(r.Allowed(), model)
}

// Resolve checks the pair against the allow-list and returns the provider that
// serves it. Every failure is a bad_request:model error.
func (r *Registry) Resolve(provider, model string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := CheckAllowed(r.allowed, provider, model); err != nil {
		return nil, err
	}
	p, ok := r.providers[provider]
	if !ok {
		return nil, chaterr.New(chaterr.BadRequest, chaterr.SurfaceModel,
			fmt.Sprintf("Provider %s is not configured", provider))
	}
	return p, nil
}

// CheckAllowed reports whether the provider/model pair is in the allow-list.
func CheckAllowed(allowed []config.ProviderModels, provider, model string) error {
	idx := slices.IndexFunc(allowed, func(row config.ProviderModels) bool { return row.Provider == provider })
	if idx < 0 {
		return chaterr.New(chaterr.BadRequest, chaterr.SurfaceModel, "Invalid provider: "+provider)
	}
	if !slices.Contains(allowed[idx].Models, model) {
		return chaterr.New(chaterr.BadRequest, chaterr.SurfaceModel,
			fmt.Sprintf("Invalid model %s for provider %s", model, provider))
	}
	return nil
}

func ProviderFor(allowed []config.ProviderModels, model string) string {
	for _, row := range allowed {
		if slices.Contains(row.Models, model) {
			return row.Provider
		}
	}
	return ""
}

// RegisterConfigured registers a provider for every API key present in cfg.
// The returned func releases provider clients.
func (r *Registry) RegisterConfigured(ctx context.Context, cfg config.Config) (func(), error) {
	closeFn := func() {}
	if cfg.GeminiAPIKey != "" {
		gemini, err := NewGeminiProvider(ctx, cfg.GeminiAPIKey)
		if err != nil {
			return closeFn, err
		}
		r.RegisterProvider(gemini)
		closeFn = gemini.Close
	}
	if cfg.OpenAIAPIKey != "" {
		r.RegisterProvider(NewOpenAIProvider("openai", cfg.OpenAIBaseURL, cfg.OpenAIAPIKey))
	}
	if cfg.OpenRouterAPIKey != "" {
		r.RegisterProvider(NewOpenAIProvider("openrouter", cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey))
	}
	return closeFn, nil
}
