// Package native loads plugins from Go shared objects built with
// -buildmode=plugin.
//
// A library exports two symbols:
//
//	func Descriptors() []*descriptor.Descriptor
//	func New(ctx context.Context, req registry.Request) (provider.Instance, error)
package native

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"plugin"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/snowmerak/provider.go/lib/descriptor"
	"github.com/snowmerak/provider.go/lib/provider"
	"github.com/snowmerak/provider.go/lib/provider/registry"
)

const (
	SymbolDescriptors = "Descriptors"
	SymbolNew         = "New"
)

// Library is an opened shared object.
type Library interface {
	Lookup(symbol string) (plugin.Symbol, error)
}

// Opener opens the shared object at path.
type Opener func(path string) (Library, error)

// OpenShared opens path with the Go plugin loader.
func OpenShared(path string) (Library, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	return p, nil
}

type library struct {
	path    string
	catalog func() []*descriptor.Descriptor
	create  func(context.Context, registry.Request) (provider.Instance, error)
}

// Provider discovers shared objects under its search paths. Loaded instances
// are tracked by an internal registry.Registry; a shared object stays mapped
// for the life of the process once opened.
type Provider struct {
	name        string
	searchPaths []string
	suffix      string
	open        Opener
	logger      zerolog.Logger

	mu         sync.Mutex
	libraries  map[string]*library
	registered []string
	builtins   *registry.Registry
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

// WithSuffix changes the file suffix of shared objects (default ".so").
func WithSuffix(suffix string) Option {
	return func(p *Provider) {
		p.suffix = suffix
	}
}

// WithOpener replaces the shared object loader.
func WithOpener(open Opener) Option {
	return func(p *Provider) {
		p.open = open
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

func New(opts ...Option) *Provider {
	p := &Provider{
		name:      "native",
		suffix:    ".so",
		open:      OpenShared,
		logger:    zerolog.Nop(),
		libraries: make(map[string]*library),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.builtins = registry.New(registry.WithName(p.name), registry.WithLogger(p.logger))
	return p
}

func (p *Provider) Name() string {
	return p.name
}

// Discover opens every shared object found below the search paths and
// collects their descriptors. Libraries that fail to open or export the wrong
// symbols are logged and skipped.
func (p *Provider) Discover(ctx context.Context) ([]*descriptor.Descriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var paths []string
	usable := 0
	for _, root := range p.searchPaths {
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			p.logger.Warn().Err(err).Str("path", root).Msg("skipping native plugin path")
			continue
		}
		usable++

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				p.logger.Warn().Err(err).Str("path", path).Msg("failed to scan native plugin path")
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if !d.IsDir() && strings.HasSuffix(d.Name(), p.suffix) {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	if usable == 0 {
		return nil, fmt.Errorf("%w: no readable search path in %v", provider.ErrProviderUnavailable, p.searchPaths)
	}

	for _, id := range p.registered {
		p.builtins.Unregister(id)
	}
	p.registered = p.registered[:0]

	var descs []*descriptor.Descriptor
	for _, path := range paths {
		lib, err := p.library(path)
		if err != nil {
			p.logger.Warn().Err(err).Str("library", path).Msg("skipping native plugin")
			continue
		}

		for _, d := range lib.catalog() {
			if d == nil {
				continue
			}
			if err := d.Validate(); err != nil {
				p.logger.Warn().Err(err).Str("library", path).Msg("skipping invalid descriptor")
				continue
			}
			if p.builtins.Has(d.ID()) {
				p.logger.Warn().Str("plugin", d.ID()).Str("library", path).Msg("plugin already provided by another library")
				continue
			}
			p.builtins.Register(d, lib.create)
			p.registered = append(p.registered, d.ID())
			descs = append(descs, d)
		}
	}

	p.logger.Debug().Int("libraries", len(paths)).Int("plugins", len(descs)).Msg("native plugins discovered")
	return descs, nil
}

func (p *Provider) library(path string) (*library, error) {
	if lib, ok := p.libraries[path]; ok {
		return lib, nil
	}

	handle, err := p.open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	sym, err := handle.Lookup(SymbolDescriptors)
	if err != nil {
		return nil, fmt.Errorf("%s does not export %s: %w", path, SymbolDescriptors, err)
	}
	catalog, ok := sym.(func() []*descriptor.Descriptor)
	if !ok {
		return nil, fmt.Errorf("invalid %s signature in %s: %T", SymbolDescriptors, path, sym)
	}

	sym, err = handle.Lookup(SymbolNew)
	if err != nil {
		return nil, fmt.Errorf("%s does not export %s: %w", path, SymbolNew, err)
	}
	create, ok := sym.(func(context.Context, registry.Request) (provider.Instance, error))
	if !ok {
		return nil, fmt.Errorf("invalid %s signature in %s: %T", SymbolNew, path, sym)
	}

	lib := &library{path: path, catalog: catalog, create: create}
	p.libraries[path] = lib
	return lib, nil
}

// Load creates an instance through the library that exported id.
func (p *Provider) Load(ctx context.Context, id string, pctx *provider.Context) (provider.Instance, error) {
	return p.builtins.Load(ctx, id, pctx)
}

// Unload releases an instance created by Load.
func (p *Provider) Unload(ctx context.Context, inst provider.Instance) error {
	return p.builtins.Unload(ctx, inst)
}

var _ provider.Provider = (*Provider)(nil)
