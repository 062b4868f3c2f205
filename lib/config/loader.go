package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	EnvLogLevel    = "PLUGINHOST_LOG_LEVEL"
	EnvLogFormat   = "PLUGINHOST_LOG_FORMAT"
	EnvSearchPaths = "PLUGINHOST_SEARCH_PATHS"
)

// Load reads the configuration at path, applies environment overrides and
// validates the result. An empty path yields Default with overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		return finish(Default())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from file %s: %w", path, err)
	}
	cfg.resolvePaths(filepath.Dir(path))
	return finish(cfg)
}

// LoadFromReader parses YAML (or JSON) from r over the default log settings,
// applies environment overrides and validates. Search paths are kept as
// written.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration data: %w", err)
	}

	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	return finish(cfg)
}

func parse(data []byte) (*Config, error) {
	cfg := &Config{Log: Default().Log}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigParse, err)
	}
	return cfg, nil
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnv(cfg, os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from the environment. PLUGINHOST_SEARCH_PATHS is a
// list separated by os.PathListSeparator and replaces the search paths of
// every executable provider.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if val, ok := lookup(EnvLogLevel); ok && val != "" {
		cfg.Log.Level = val
	}
	if val, ok := lookup(EnvLogFormat); ok && val != "" {
		cfg.Log.Format = val
	}
	if val, ok := lookup(EnvSearchPaths); ok && val != "" {
		var paths []string
		for _, p := range filepath.SplitList(val) {
			if p = strings.TrimSpace(p); p != "" {
				paths = append(paths, p)
			}
		}
		for i := range cfg.Providers {
			if cfg.Providers[i].Kind == KindExecutable {
				cfg.Providers[i].SearchPaths = paths
			}
		}
	}
}

// resolvePaths makes relative search paths relative to dir.
func (c *Config) resolvePaths(dir string) {
	for i := range c.Providers {
		for j, p := range c.Providers[i].SearchPaths {
			if !filepath.IsAbs(p) {
				c.Providers[i].SearchPaths[j] = filepath.Join(dir, p)
			}
		}
	}
}
