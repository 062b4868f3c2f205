// Package hooked wraps a Composite with process-wide setup that has to run
// before any of its providers can discover plugins, such as connecting to a
// message bus.
package hooked

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/snowmerak/provider.go/lib/descriptor"
	"github.com/snowmerak/provider.go/lib/provider"
)

// Hooks are the setup and teardown steps of the wrapped subsystem.
type Hooks struct {
	// Setup runs once, on the first Discover. A failure makes the provider
	// unavailable; Setup is tried again on the next Discover.
	Setup func(ctx context.Context) error
	// Check, when set, runs on every Discover after Setup succeeded.
	Check func(ctx context.Context) error
	// Teardown runs from Close once Setup has succeeded.
	Teardown func(ctx context.Context) error
}

// Provider is a Composite whose discovery is gated by Hooks.
type Provider struct {
	*provider.Composite

	hooks  Hooks
	logger zerolog.Logger

	mu    sync.Mutex
	ready bool
}

type Option func(*Provider)

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

// New wraps base. base is typically built with provider.WithName so it shows
// up under its own label.
func New(base *provider.Composite, hooks Hooks, opts ...Option) *Provider {
	p := &Provider{
		Composite: base,
		hooks:     hooks,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ready reports whether Setup has completed.
func (p *Provider) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

func (p *Provider) prepare(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.ready {
		if p.hooks.Setup != nil {
			if err := p.hooks.Setup(ctx); err != nil {
				return err
			}
		}
		p.ready = true
		p.logger.Debug().Str("provider", p.Name()).Msg("provider setup complete")
		return nil
	}

	if p.hooks.Check != nil {
		return p.hooks.Check(ctx)
	}
	return nil
}

// Discover runs the setup hook, then the wrapped Composite's discovery.
// Collisions and failures inside the composite come back as its
// *provider.DiscoveryError.
func (p *Provider) Discover(ctx context.Context) ([]*descriptor.Descriptor, error) {
	if err := p.prepare(ctx); err != nil {
		p.logger.Warn().Err(err).Str("provider", p.Name()).Msg("provider setup failed")
		return nil, fmt.Errorf("%w: %s: %w", provider.ErrProviderUnavailable, p.Name(), err)
	}
	return p.Composite.Discover(ctx)
}

// Close unloads every instance still running and runs the teardown hook.
func (p *Provider) Close(ctx context.Context) error {
	var errs *multierror.Error
	if err := p.UnloadAll(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ready && p.hooks.Teardown != nil {
		if err := p.hooks.Teardown(ctx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("teardown of %s: %w", p.Name(), err))
		}
	}
	p.ready = false
	return errs.ErrorOrNil()
}

var _ provider.Provider = (*Provider)(nil)
