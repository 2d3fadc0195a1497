package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProviderModels is one allow-list row: a provider and the model ids it may serve.
type ProviderModels struct {
	Provider string   `yaml:"provider"`
	Models   []string `yaml:"models"`
}

// DefaultModel seeds the selection when no preference has been stored.
const DefaultModel = "gemini-2.0-flash"

// DefaultAllowedModels is used when MODELS_FILE is unset.
var DefaultAllowedModels = []ProviderModels{
	{Provider: "openai", Models: []string{"gpt-4o", "gpt-4.1", "o4-mini"}},
	{Provider: "google", Models: []string{"gemini-2.0-flash", "gemini-2.0-flash-lite"}},
	{Provider: "openrouter", Models: []string{
		"deepseek/deepseek-r1-0528:free",
		"google/gemini-2.5-pro-exp-03-25",
		"sarvamai/sarvam-m:free",
	}},
}

type modelsFile struct {
	Allowed []ProviderModels `yaml:"allowed"`
}

// LoadAllowedModels reads an allow-list YAML file of the form
//
//	allowed:
//	  - provider: google
//	    models: [gemini-2.0-flash]
func LoadAllowedModels(path string) ([]ProviderModels, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read models file %s: %w", path, err)
	}
	return ParseAllowedModels(data)
}

func ParseAllowedModels(data []byte) ([]ProviderModels, error) {
	var f modelsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse models file: %w", err)
	}
	if len(f.Allowed) == 0 {
		return nil, fmt.Errorf("models file lists no providers")
	}

	seen := make(map[string]bool)
	for i, row := range f.Allowed {
		name := strings.TrimSpace(row.Provider)
		if name == "" {
			return nil, fmt.Errorf("allowed[%d]: provider is empty", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("allowed[%d]: provider %q listed twice", i, name)
		}
		seen[name] = true
		f.Allowed[i].Provider = name
	}
	return f.Allowed, nil
}
