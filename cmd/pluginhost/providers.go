package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/snowmerak/provider.go/lib/config"
	"github.com/snowmerak/provider.go/lib/descriptor"
	"github.com/snowmerak/provider.go/lib/plugin"
	"github.com/snowmerak/provider.go/lib/provider"
	"github.com/snowmerak/provider.go/lib/provider/executable"
	"github.com/snowmerak/provider.go/lib/provider/native"
	"github.com/snowmerak/provider.go/lib/provider/registry"
)

// buildComposite creates one provider per configuration entry, in order.
func buildComposite(cfg *config.Config, logger zerolog.Logger, version string) (*provider.Composite, error) {
	providers := make([]provider.Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		name := pc.DisplayName()
		plog := logger.With().Str("provider", name).Logger()

		switch pc.Kind {
		case config.KindBuiltin:
			providers = append(providers, builtins(name, plog, version))
		case config.KindExecutable:
			opts := []executable.Option{
				executable.WithName(name),
				executable.WithSearchPaths(pc.SearchPaths...),
				executable.WithLogger(plog),
				executable.WithLoaderOptions(plugin.WithLoaderLogger(plog)),
			}
			if len(pc.Patterns) > 0 {
				opts = append(opts, executable.WithPatterns(pc.Patterns...))
			}
			if pc.MaxDepth > 0 {
				opts = append(opts, executable.WithMaxDepth(pc.MaxDepth))
			}
			providers = append(providers, executable.New(opts...))
		case config.KindNative:
			opts := []native.Option{
				native.WithName(name),
				native.WithSearchPaths(pc.SearchPaths...),
				native.WithLogger(plog),
			}
			if pc.Suffix != "" {
				opts = append(opts, native.WithSuffix(pc.Suffix))
			}
			providers = append(providers, native.New(opts...))
		default:
			return nil, fmt.Errorf("%w: %q", config.ErrUnknownKind, pc.Kind)
		}
	}

	return provider.NewComposite(providers, provider.WithName("pluginhost"), provider.WithLogger(logger)), nil
}

// about is the plugin compiled into the host itself.
type about struct {
	version string
	action  string
}

func (a *about) Describe() string {
	if a.action == "version" {
		return a.version
	}
	return "pluginhost " + a.version
}

func (a *about) ShutdownPlugin(ctx context.Context) error { return nil }

func builtins(name string, logger zerolog.Logger, version string) *registry.Registry {
	r := registry.New(registry.WithName(name), registry.WithLogger(logger))
	r.Register(
		descriptor.MustNew("pluginhost.about", "About",
			descriptor.WithAttribute("category", "host"),
			descriptor.WithAction("version", "Show version"),
		),
		func(ctx context.Context, req registry.Request) (provider.Instance, error) {
			return &about{version: version, action: req.Action}, nil
		},
	)
	return r
}
