// Package config loads the plugin host configuration.
package config

import (
	"fmt"

	"github.com/snowmerak/provider.go/lib/logging"
)

// Kind selects the provider implementation of a ProviderConfig.
type Kind string

const (
	KindBuiltin    Kind = "builtin"
	KindExecutable Kind = "executable"
	KindNative     Kind = "native"
)

// Config is the host configuration. Providers are listed in routing order.
type Config struct {
	Log       logging.Config   `yaml:"log"`
	Providers []ProviderConfig `yaml:"providers"`
}

// ProviderConfig describes one provider.
type ProviderConfig struct {
	Kind        Kind     `yaml:"kind"`
	Name        string   `yaml:"name"`
	SearchPaths []string `yaml:"search_paths,omitempty"`
	// Patterns are manifest file name patterns for executable providers.
	Patterns []string `yaml:"patterns,omitempty"`
	MaxDepth int      `yaml:"max_depth,omitempty"`
	// Suffix is the shared object suffix for native providers.
	Suffix string `yaml:"suffix,omitempty"`
}

// Default returns the configuration used when no file is given: the builtin
// registry followed by executables under ./plugins.
func Default() *Config {
	return &Config{
		Log: logging.DefaultConfig(),
		Providers: []ProviderConfig{
			{Kind: KindBuiltin, Name: "builtin"},
			{Kind: KindExecutable, Name: "local", SearchPaths: []string{"./plugins"}},
		},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return err
	}
	if len(c.Providers) == 0 {
		return ErrNoProviders
	}

	names := make(map[string]struct{}, len(c.Providers))
	for i, p := range c.Providers {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("providers[%d]: %w", i, err)
		}
		name := p.DisplayName()
		if _, dup := names[name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateProvider, name)
		}
		names[name] = struct{}{}
	}
	return nil
}

// Validate checks one provider entry.
func (p ProviderConfig) Validate() error {
	switch p.Kind {
	case KindBuiltin:
	case KindExecutable, KindNative:
		if len(p.SearchPaths) == 0 {
			return fmt.Errorf("%w: %s", ErrMissingSearchPaths, p.DisplayName())
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, p.Kind)
	}
	if p.MaxDepth < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMaxDepth, p.MaxDepth)
	}
	return nil
}

// DisplayName is the provider label, defaulting to the kind.
func (p ProviderConfig) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return string(p.Kind)
}

// SearchPaths returns every search path in provider order, without
// duplicates.
func (c *Config) SearchPaths() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range c.Providers {
		for _, path := range p.SearchPaths {
			if _, ok := seen[path]; ok {
				continue
			}
			seen[path] = struct{}{}
			out = append(out, path)
		}
	}
	return out
}
