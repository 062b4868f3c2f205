// Package executable provides plugins that run as separate executables,
// found through manifest files in a set of search paths.
package executable

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snowmerak/provider.go/lib/descriptor"
	"github.com/snowmerak/provider.go/lib/plugin"
	"github.com/snowmerak/provider.go/lib/process"
	"github.com/snowmerak/provider.go/lib/provider"
)

const (
	DefaultMaxDepth        = 3
	DefaultDescribeTimeout = 10 * time.Second

	// Environment variables set for every launched plugin.
	EnvPluginID = "PLUGINHOST_PLUGIN_ID"
	EnvSerial   = "PLUGINHOST_SERIAL"
)

// DefaultPatterns are the manifest file names matched when none are configured.
var DefaultPatterns = []string{"plugin.yaml", "plugin.yml", "plugin.json"}

// TransportFactory creates the transport used to reach the executable of m
// when loading id.
type TransportFactory func(m *Manifest, id string, serial int) plugin.Transport

// ProcessTransports launches the manifest's executable as a child process.
func ProcessTransports(m *Manifest, id string, serial int) plugin.Transport {
	env := append([]string{
		EnvPluginID + "=" + id,
		EnvSerial + "=" + strconv.Itoa(serial),
	}, m.Env...)

	return plugin.NewProcessTransport(m.ExecutablePath(), process.Options{
		Args:   m.Args,
		Dir:    filepath.Dir(m.ExecutablePath()),
		Env:    env,
		Stderr: os.Stderr,
	})
}

// Provider discovers executables through manifests and loads each plugin as
// its own process.
type Provider struct {
	name            string
	searchPaths     []string
	patterns        []string
	maxDepth        int
	describeTimeout time.Duration
	transports      TransportFactory
	loaderOpts      []plugin.LoaderOption
	logger          zerolog.Logger

	mu     sync.Mutex
	routes map[string]*Manifest
	live   map[*Remote]struct{}
}

type Option func(*Provider)

func WithName(name string) Option {
	return func(p *Provider) {
		p.name = name
	}
}

func WithSearchPaths(paths ...string) Option {
	return func(p *Provider) {
		p.searchPaths = append(p.searchPaths, paths...)
	}
}

// WithPatterns replaces the manifest file name patterns (filepath.Match
// syntax).
func WithPatterns(patterns ...string) Option {
	return func(p *Provider) {
		p.patterns = patterns
	}
}

// WithMaxDepth limits how many directory levels below a search path are
// scanned.
func WithMaxDepth(depth int) Option {
	return func(p *Provider) {
		p.maxDepth = depth
	}
}

// WithDescribeTimeout bounds the catalog query of manifests with describe set.
func WithDescribeTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.describeTimeout = d
		}
	}
}

func WithTransportFactory(f TransportFactory) Option {
	return func(p *Provider) {
		p.transports = f
	}
}

func WithLoaderOptions(opts ...plugin.LoaderOption) Option {
	return func(p *Provider) {
		p.loaderOpts = append(p.loaderOpts, opts...)
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

func New(opts ...Option) *Provider {
	p := &Provider{
		name:            "executable",
		patterns:        DefaultPatterns,
		maxDepth:        DefaultMaxDepth,
		describeTimeout: DefaultDescribeTimeout,
		transports:      ProcessTransports,
		logger:          zerolog.Nop(),
		routes:          make(map[string]*Manifest),
		live:            make(map[*Remote]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string {
	return p.name
}

// SearchPaths returns the configured search paths.
func (p *Provider) SearchPaths() []string {
	return append([]string(nil), p.searchPaths...)
}

// Discover scans the search paths for manifests. Broken manifests are logged
// and skipped; when no search path can be read at all the provider is
// unavailable.
func (p *Provider) Discover(ctx context.Context) ([]*descriptor.Descriptor, error) {
	var manifests []*Manifest
	usable := 0
	for _, root := range p.searchPaths {
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			p.logger.Warn().Err(err).Str("path", root).Msg("skipping plugin search path")
			continue
		}
		usable++

		found, err := p.scanDirectory(ctx, root, 0)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, found...)
	}
	if usable == 0 {
		return nil, fmt.Errorf("%w: no readable search path in %v", provider.ErrProviderUnavailable, p.searchPaths)
	}

	var descs []*descriptor.Descriptor
	routes := make(map[string]*Manifest)
	for _, m := range manifests {
		listed, err := p.describe(ctx, m)
		if err != nil {
			p.logger.Warn().Err(err).Str("manifest", m.Path).Msg("skipping plugin executable")
			continue
		}
		for _, d := range listed {
			for _, id := range d.Identifiers() {
				if _, taken := routes[id]; !taken {
					routes[id] = m
				}
			}
		}
		descs = append(descs, listed...)
	}

	p.mu.Lock()
	p.routes = routes
	p.mu.Unlock()

	p.logger.Debug().Int("manifests", len(manifests)).Int("plugins", len(descs)).Msg("executable plugins discovered")
	return descs, nil
}

func (p *Provider) scanDirectory(ctx context.Context, dir string, depth int) ([]*Manifest, error) {
	if depth > p.maxDepth {
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		p.logger.Warn().Err(err).Str("path", dir).Msg("failed to read plugin directory")
		return nil, nil
	}

	var found []*Manifest
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		fullPath := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			sub, err := p.scanDirectory(ctx, fullPath, depth+1)
			if err != nil {
				return nil, err
			}
			found = append(found, sub...)
			continue
		}
		if !p.matchesPattern(entry.Name()) {
			continue
		}

		m, err := LoadManifest(fullPath)
		if err != nil {
			p.logger.Warn().Err(err).Str("manifest", fullPath).Msg("ignoring plugin manifest")
			continue
		}
		found = append(found, m)
	}
	return found, nil
}

func (p *Provider) matchesPattern(filename string) bool {
	for _, pattern := range p.patterns {
		if matched, err := filepath.Match(pattern, filename); err == nil && matched {
			return true
		}
	}
	return false
}

// describe returns the manifest's descriptors, asking the executable for its
// catalog when the manifest requests it.
func (p *Provider) describe(ctx context.Context, m *Manifest) ([]*descriptor.Descriptor, error) {
	if !m.Describe {
		return m.Descriptors()
	}

	ctx, cancel := context.WithTimeout(ctx, p.describeTimeout)
	defer cancel()

	loader := plugin.NewLoader(m.Path, p.transports(m, "", 0), p.loaderOpts...)
	if err := loader.Load(ctx); err != nil {
		return nil, err
	}
	defer loader.Close()

	listed, err := loader.Describe(ctx)
	if err != nil {
		return nil, err
	}
	return append(listed, p.staticDescriptors(m)...), nil
}

// staticDescriptors returns the plugins listed in m alongside a described
// catalog. An invalid listing is logged and contributes nothing.
func (p *Provider) staticDescriptors(m *Manifest) []*descriptor.Descriptor {
	descs, err := m.Descriptors()
	if err != nil {
		p.logger.Warn().Err(err).Str("manifest", m.Path).Msg("ignoring static plugin entries")
		return nil
	}
	return descs
}

// Load starts the executable that serves id and returns a *Remote.
func (p *Provider) Load(ctx context.Context, id string, pctx *provider.Context) (provider.Instance, error) {
	p.mu.Lock()
	m, ok := p.routes[id]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", provider.ErrPluginNotFound, id)
	}

	serial := provider.SerialOf(pctx)
	loader := plugin.NewLoader(id, p.transports(m, id, serial), p.loaderOpts...)
	if err := loader.Load(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", provider.ErrPluginLoadFailed, m.ExecutablePath(), err)
	}

	_, action, _ := descriptor.SplitActionID(id)
	r := &Remote{id: id, action: action, serial: serial, loader: loader}

	p.mu.Lock()
	p.live[r] = struct{}{}
	p.mu.Unlock()

	p.logger.Debug().Str("plugin", id).Str("executable", m.ExecutablePath()).Int("serial", serial).Msg("plugin process started")
	return r, nil
}

// Unload stops a Remote created by this provider.
func (p *Provider) Unload(ctx context.Context, inst provider.Instance) error {
	r, ok := inst.(*Remote)
	if !ok {
		return fmt.Errorf("%w: %T", provider.ErrUnknownInstance, inst)
	}

	p.mu.Lock()
	_, ok = p.live[r]
	delete(p.live, r)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", provider.ErrUnknownInstance, r.id)
	}

	if err := r.ShutdownPlugin(ctx); err != nil && !errors.Is(err, plugin.ErrLoaderClosed) {
		return fmt.Errorf("failed to stop %s: %w", r.id, err)
	}
	p.logger.Debug().Str("plugin", r.id).Msg("plugin process stopped")
	return nil
}

var _ provider.Provider = (*Provider)(nil)
