package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// modelFile is the on-disk YAML shape of a model catalog.
type modelFile struct {
	Models []modelEntry `yaml:"models"`
}

type modelEntry struct {
	Name        string       `yaml:"name"`
	Provider    string       `yaml:"provider"`
	ModelID     string       `yaml:"model_id"`
	Description string       `yaml:"description"`
	Endpoint    string       `yaml:"endpoint"`
	Parameters  []paramEntry `yaml:"parameters"`
}

type paramEntry struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Default     any    `yaml:"default"`
}

// Load reads a YAML model catalog from path. Provider keys are
// normalized on load so downstream lookups never re-case them.
func Load(path string) ([]*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML model catalog. Every model must carry a name,
// a provider, and a model_id.
func Parse(data []byte) ([]*Model, error) {
	var f modelFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	if len(f.Models) == 0 {
		return nil, fmt.Errorf("catalog defines no models")
	}

	models := make([]*Model, 0, len(f.Models))
	for i, e := range f.Models {
		if e.Name == "" {
			return nil, fmt.Errorf("catalog model %d: missing name", i)
		}
		if NormalizeProvider(e.Provider) == "" {
			return nil, fmt.Errorf("catalog model %q: missing provider", e.Name)
		}
		if e.ModelID == "" {
			return nil, fmt.Errorf("catalog model %q: missing model_id", e.Name)
		}

		m := &Model{
			Name:        e.Name,
			Provider:    NormalizeProvider(e.Provider),
			ModelID:     e.ModelID,
			Description: e.Description,
			Endpoint:    e.Endpoint,
		}
		for _, p := range e.Parameters {
			if p.Name == "" {
				return nil, fmt.Errorf("catalog model %q: parameter with empty name", e.Name)
			}
			m.Parameters = append(m.Parameters, Parameter{
				Name:        p.Name,
				Description: p.Description,
				Default:     p.Default,
			})
		}
		models = append(models, m)
	}

	return models, nil
}
