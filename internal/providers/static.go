package providers

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/forgeml/forge/internal/domain/provider"
)

// StaticDeclaration is one provider declared in the static config file.
type StaticDeclaration struct {
	Name   string                `yaml:"name"`
	Type   provider.ProviderType `yaml:"type"`
	Config provider.Config       `yaml:"config"`
}

// StaticConfig is the file-based provider declaration used when no
// database-registered provider matches, typically in single-tenant or dev
// deployments.
type StaticConfig struct {
	Providers []StaticDeclaration `yaml:"providers"`
}

// LoadStaticConfig parses the providers file. A missing path returns an
// empty config rather than an error.
func LoadStaticConfig(path string) (*StaticConfig, error) {
	if path == "" {
		return &StaticConfig{}, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &StaticConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}

	var cfg StaticConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse providers file %s: %w", path, err)
	}
	for _, decl := range cfg.Providers {
		if !decl.Type.Valid() {
			return nil, fmt.Errorf("providers file %s: provider %q has unknown type %q", path, decl.Name, decl.Type)
		}
	}
	return &cfg, nil
}

// Find returns the declaration for name, if present.
func (c *StaticConfig) Find(name string) (StaticDeclaration, bool) {
	for _, decl := range c.Providers {
		if decl.Name == name {
			return decl, true
		}
	}
	return StaticDeclaration{}, false
}
