package provider

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/snowmerak/provider.go/lib/descriptor"
)

// slot is the per-provider record: the provider, its label and the
// identifiers it returned from its last discovery.
type slot struct {
	provider   Provider
	name       string
	discovered map[string]struct{}
}

func (s *slot) claims(id string) bool {
	_, ok := s.discovered[id]
	return ok
}

// instance is the bookkeeping for one live plugin instance.
type instance struct {
	provider     Provider
	providerName string
	pluginID     string
	value        Instance
	loadedAt     time.Time
}

// RunningInstance is a snapshot of one live instance.
type RunningInstance struct {
	Handle   Handle
	PluginID string
	Provider string
	LoadedAt time.Time
}

// Composite routes discovery, load and unload across an ordered list of
// providers and remembers which provider created each live instance.
//
// Provider order is routing priority. A Composite is meant to be driven from a
// single goroutine; it does no locking of its own, so concurrent callers must
// serialize access.
type Composite struct {
	name    string
	slots   []*slot
	running map[Handle]*instance
	order   []Handle

	logger zerolog.Logger
	now    func() time.Time
}

// Option configures a Composite.
type Option func(*Composite)

// WithLogger sets the logger used for discovery and lifecycle events.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Composite) {
		c.logger = logger
	}
}

// WithName sets the label the composite reports when nested in another one.
func WithName(name string) Option {
	return func(c *Composite) {
		c.name = name
	}
}

// WithClock overrides the time source used for load timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Composite) {
		c.now = now
	}
}

// NewComposite creates a composite over providers, in routing order.
func NewComposite(providers []Provider, opts ...Option) *Composite {
	c := &Composite{
		name:    "composite",
		running: make(map[Handle]*instance),
		logger:  zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.SetProviders(providers)
	return c
}

// Name implements Named.
func (c *Composite) Name() string {
	return c.name
}

// SetProviders replaces the provider list. Discovery results are dropped, so
// Discover must run again before Load can route; instances that are already
// running stay tracked and can still be unloaded.
func (c *Composite) SetProviders(providers []Provider) {
	slots := make([]*slot, 0, len(providers))
	for i, p := range providers {
		if p == nil {
			c.logger.Warn().Int("position", i).Msg("ignoring nil plugin provider")
			continue
		}
		slots = append(slots, &slot{provider: p, name: NameOf(p)})
	}
	c.slots = slots
}

// Providers returns the configured providers in routing order.
func (c *Composite) Providers() []Provider {
	out := make([]Provider, len(c.slots))
	for i, s := range c.slots {
		out[i] = s.provider
	}
	return out
}

// Discover asks every provider for its descriptors and rebuilds the routing
// table. Descriptors come back in provider order, then in each provider's own
// order.
//
// A provider that fails contributes nothing for this pass and forgets what it
// reported before. Such failures and identifier collisions are returned as a
// *DiscoveryError next to the descriptors that were found; the descriptors are
// valid whether or not the error is nil.
func (c *Composite) Discover(ctx context.Context) ([]*descriptor.Descriptor, error) {
	var (
		result     []*descriptor.Descriptor
		report     = &DiscoveryError{}
		owners     = make(map[string]*slot)
		collisions = make(map[string]*CollisionError)
		colOrder   []string
	)

	collide := func(id string, first, next *slot) {
		col, ok := collisions[id]
		if !ok {
			col = &CollisionError{PluginID: id, Providers: []string{first.name}}
			collisions[id] = col
			colOrder = append(colOrder, id)
		}
		col.Providers = append(col.Providers, next.name)
	}

	for _, s := range c.slots {
		s.discovered = nil

		descs, err := s.provider.Discover(ctx)
		if err != nil {
			var nested *DiscoveryError
			if !errors.As(err, &nested) {
				failure := &ProviderFailure{Provider: s.name, Err: Unavailable(err)}
				report.add(failure)
				c.logger.Warn().Err(err).Str("provider", s.name).Msg("plugin provider discovery failed")
				continue
			}
			report.merge(nested)
		}

		set := make(map[string]struct{})
		for _, d := range descs {
			if d == nil {
				continue
			}
			for _, id := range d.Identifiers() {
				if _, dup := set[id]; dup {
					collide(id, s, s)
					continue
				}
				set[id] = struct{}{}
				if first, taken := owners[id]; taken {
					collide(id, first, s)
					continue
				}
				owners[id] = s
			}
			result = append(result, d)
		}
		s.discovered = set

		c.logger.Debug().Str("provider", s.name).Int("plugins", len(descs)).Msg("plugin provider discovered")
	}

	for _, id := range colOrder {
		col := collisions[id]
		report.add(col)
		c.logger.Warn().Str("plugin", id).Strs("providers", col.Providers).Msg("plugin identifier reported more than once")
	}

	return result, report.orNil()
}

// Owner reports which provider currently routes id.
func (c *Composite) Owner(id string) (string, bool) {
	if s := c.route(id); s != nil {
		return s.name, true
	}
	return "", false
}

func (c *Composite) route(id string) *slot {
	for _, s := range c.slots {
		if s.claims(id) {
			return s
		}
	}
	return nil
}

// Load implements Provider. The returned Instance is a Handle.
func (c *Composite) Load(ctx context.Context, id string, pctx *Context) (Instance, error) {
	h, err := c.LoadHandle(ctx, id, pctx)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// LoadHandle loads id through the provider that discovered it and starts
// tracking the instance under a fresh handle.
func (c *Composite) LoadHandle(ctx context.Context, id string, pctx *Context) (Handle, error) {
	s := c.route(id)
	if s == nil {
		return Handle{}, NewPluginError(id, "load", "", ErrPluginNotFound)
	}

	value, err := s.provider.Load(ctx, id, pctx)
	if err != nil {
		if !errors.Is(err, ErrPluginNotFound) && !errors.Is(err, ErrPluginLoadFailed) {
			err = fmt.Errorf("%w: %w", ErrPluginLoadFailed, err)
		}
		c.logger.Debug().Err(err).Str("plugin", id).Str("provider", s.name).Msg("plugin load failed")
		return Handle{}, NewPluginError(id, "load", s.name, err)
	}
	if value == nil {
		return Handle{}, NewPluginError(id, "load", s.name, fmt.Errorf("%w: provider returned no instance", ErrPluginLoadFailed))
	}

	h, err := c.mint()
	if err != nil {
		if uerr := s.provider.Unload(ctx, value); uerr != nil {
			err = multierror.Append(err, uerr)
		}
		return Handle{}, NewPluginError(id, "load", s.name, fmt.Errorf("%w: %w", ErrPluginLoadFailed, err))
	}

	c.running[h] = &instance{
		provider:     s.provider,
		providerName: s.name,
		pluginID:     id,
		value:        value,
		loadedAt:     c.now(),
	}
	c.order = append(c.order, h)

	c.logger.Debug().Str("plugin", id).Str("provider", s.name).Stringer("handle", h).Msg("plugin loaded")
	return h, nil
}

func (c *Composite) mint() (Handle, error) {
	for {
		h, err := newHandle()
		if err != nil {
			return Handle{}, err
		}
		if _, taken := c.running[h]; !taken {
			return h, nil
		}
	}
}

// Instance returns the provider's object behind h.
func (c *Composite) Instance(h Handle) (Instance, bool) {
	rec, ok := c.running[h]
	if !ok {
		return nil, false
	}
	return rec.value, true
}

// Unload implements Provider. inst must be a Handle returned by Load or
// LoadHandle. The owning provider is the one that loaded the instance, even if
// it has since been removed with SetProviders. Tracking ends whether or not the
// provider succeeds; a provider failure comes back as an *UnloadWarning.
func (c *Composite) Unload(ctx context.Context, inst Instance) error {
	var h Handle
	switch v := inst.(type) {
	case Handle:
		h = v
	case *Handle:
		if v != nil {
			h = *v
		}
	}

	rec, ok := c.running[h]
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownInstance, inst)
	}

	err := rec.provider.Unload(ctx, rec.value)
	c.forget(h)

	if err != nil {
		warning := &UnloadWarning{Handle: h, PluginID: rec.pluginID, Provider: rec.providerName, Err: err}
		c.logger.Warn().Err(err).Str("plugin", rec.pluginID).Str("provider", rec.providerName).Stringer("handle", h).Msg("plugin unload reported a failure")
		return warning
	}

	c.logger.Debug().Str("plugin", rec.pluginID).Str("provider", rec.providerName).Stringer("handle", h).Msg("plugin unloaded")
	return nil
}

func (c *Composite) forget(h Handle) {
	delete(c.running, h)
	if i := slices.Index(c.order, h); i >= 0 {
		c.order = slices.Delete(c.order, i, i+1)
	}
}

// UnloadAll unloads every running instance, newest first.
func (c *Composite) UnloadAll(ctx context.Context) error {
	var errs *multierror.Error
	for i := len(c.order) - 1; i >= 0; i-- {
		if i >= len(c.order) {
			continue
		}
		if err := c.Unload(ctx, c.order[i]); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// Running lists live instances in load order.
func (c *Composite) Running() []RunningInstance {
	out := make([]RunningInstance, 0, len(c.order))
	for _, h := range c.order {
		rec := c.running[h]
		out = append(out, RunningInstance{
			Handle:   h,
			PluginID: rec.pluginID,
			Provider: rec.providerName,
			LoadedAt: rec.loadedAt,
		})
	}
	return out
}

// LoadPlugin loads id and returns it as a Plugin.
func (c *Composite) LoadPlugin(ctx context.Context, id string, pctx *Context) (Plugin, Handle, error) {
	return LoadAs[Plugin](ctx, c, id, pctx)
}

var _ Provider = (*Composite)(nil)
