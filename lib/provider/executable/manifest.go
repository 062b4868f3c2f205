package executable

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/snowmerak/provider.go/lib/descriptor"
)

var ErrInvalidManifest = errors.New("invalid plugin manifest")

// Manifest describes one plugin executable and the plugins it serves.
//
//	executable: ./echo
//	args: [--quiet]
//	describe: false
//	plugins:
//	  - id: demo.echo
//	    name: Echo
//	    attributes: {category: demo}
//	    actions:
//	      - {id: shout, label: Shout}
//
// JSON manifests parse too. With describe set, the plugin list is taken from
// the running executable instead.
type Manifest struct {
	Executable string        `yaml:"executable" json:"executable"`
	Args       []string      `yaml:"args,omitempty" json:"args,omitempty"`
	Env        []string      `yaml:"env,omitempty" json:"env,omitempty"`
	Describe   bool          `yaml:"describe,omitempty" json:"describe,omitempty"`
	Plugins    []PluginEntry `yaml:"plugins,omitempty" json:"plugins,omitempty"`

	// Path is the file the manifest was read from.
	Path string `yaml:"-" json:"-"`
}

type PluginEntry struct {
	ID         string            `yaml:"id" json:"id"`
	Name       string            `yaml:"name,omitempty" json:"name,omitempty"`
	Attributes map[string]string `yaml:"attributes,omitempty" json:"attributes,omitempty"`
	Actions    []ActionEntry     `yaml:"actions,omitempty" json:"actions,omitempty"`
}

type ActionEntry struct {
	ID    string `yaml:"id" json:"id"`
	Label string `yaml:"label,omitempty" json:"label,omitempty"`
}

// ParseManifest decodes a YAML or JSON manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadManifest reads and parses the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Path = path
	return m, nil
}

func (m *Manifest) Validate() error {
	if m.Executable == "" {
		return fmt.Errorf("%w: executable is required", ErrInvalidManifest)
	}
	if !m.Describe && len(m.Plugins) == 0 {
		return fmt.Errorf("%w: no plugins listed and describe is off", ErrInvalidManifest)
	}
	if _, err := m.Descriptors(); err != nil {
		return err
	}
	return nil
}

// ExecutablePath resolves the executable relative to the manifest's
// directory.
func (m *Manifest) ExecutablePath() string {
	if filepath.IsAbs(m.Executable) || m.Path == "" {
		return m.Executable
	}
	return filepath.Join(filepath.Dir(m.Path), m.Executable)
}

// Descriptors builds the descriptors listed in the manifest.
func (m *Manifest) Descriptors() ([]*descriptor.Descriptor, error) {
	descs := make([]*descriptor.Descriptor, 0, len(m.Plugins))
	for _, p := range m.Plugins {
		opts := []descriptor.Option{descriptor.WithAttributes(p.Attributes)}
		for _, a := range p.Actions {
			opts = append(opts, descriptor.WithAction(a.ID, a.Label))
		}
		d, err := descriptor.New(p.ID, p.Name, opts...)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
		}
		descs = append(descs, d)
	}
	return descs, nil
}
