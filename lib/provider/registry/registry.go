// Package registry is a provider backed by factories registered in-process.
package registry

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/rs/zerolog"

	"github.com/snowmerak/provider.go/lib/descriptor"
	"github.com/snowmerak/provider.go/lib/provider"
)

// Request is what a Creator receives.
type Request struct {
	// ID is the identifier passed to Load; for actions it is the full action ID.
	ID string
	// Action is the local action name, empty for the plugin itself.
	Action  string
	Context *provider.Context
}

// Creator builds a plugin instance.
type Creator func(ctx context.Context, req Request) (provider.Instance, error)

// liveEntry counts how many loads returned the same instance.
type liveEntry struct {
	id   string
	refs int
}

type entry struct {
	desc    *descriptor.Descriptor
	creator Creator
}

// Registry serves plugins compiled into the host binary.
type Registry struct {
	name   string
	logger zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
	live    map[provider.Instance]*liveEntry
}

// Option configures a Registry.
type Option func(*Registry)

// WithName overrides the provider label.
func WithName(name string) Option {
	return func(r *Registry) {
		r.name = name
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		name:    "builtin",
		logger:  zerolog.Nop(),
		entries: make(map[string]*entry),
		live:    make(map[provider.Instance]*liveEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Name() string {
	return r.name
}

// Register adds a plugin. It panics if desc is nil, creator is nil, or the
// identifier is already registered.
func (r *Registry) Register(desc *descriptor.Descriptor, creator Creator) {
	if desc == nil || creator == nil {
		panic("registry: nil descriptor or creator")
	}
	if err := desc.Validate(); err != nil {
		panic(fmt.Errorf("registry: %w", err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[desc.ID()]; exists {
		panic(fmt.Errorf("plugin already registered: %s", desc.ID()))
	}
	r.entries[desc.ID()] = &entry{desc: desc, creator: creator}
	r.order = append(r.order, desc.ID())
}

// Unregister removes a plugin. Instances it already created stay tracked.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; !exists {
		return
	}
	delete(r.entries, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.entries[id]
	return exists
}

// Discover returns the registered descriptors in registration order.
func (r *Registry) Discover(ctx context.Context) ([]*descriptor.Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descs := make([]*descriptor.Descriptor, 0, len(r.order))
	for _, id := range r.order {
		descs = append(descs, r.entries[id].desc)
	}
	return descs, nil
}

// Load creates an instance of id, which may be a plugin or one of its actions.
// Instances must be comparable so they can be tracked for Unload. A creator
// may return the same instance more than once; it is shut down when the last
// load of it is unloaded.
func (r *Registry) Load(ctx context.Context, id string, pctx *provider.Context) (provider.Instance, error) {
	base, local, isAction := descriptor.SplitActionID(id)

	r.mu.RLock()
	e, ok := r.entries[base]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", provider.ErrPluginNotFound, id)
	}
	if isAction {
		if _, ok := e.desc.Action(id); !ok {
			return nil, fmt.Errorf("%w: %s", provider.ErrPluginNotFound, id)
		}
	}

	inst, err := e.creator(ctx, Request{ID: id, Action: local, Context: pctx})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", provider.ErrPluginLoadFailed, err)
	}
	if inst == nil {
		return nil, fmt.Errorf("%w: creator for %s returned nil", provider.ErrPluginLoadFailed, id)
	}
	if !reflect.TypeOf(inst).Comparable() {
		return nil, fmt.Errorf("%w: instance %T of %s is not comparable", provider.ErrPluginLoadFailed, inst, id)
	}

	r.mu.Lock()
	if le, ok := r.live[inst]; ok {
		le.refs++
	} else {
		r.live[inst] = &liveEntry{id: id, refs: 1}
	}
	r.mu.Unlock()

	r.logger.Debug().Str("plugin", id).Int("serial", provider.SerialOf(pctx)).Msg("builtin plugin created")
	return inst, nil
}

// Unload releases one load of inst. On the last release inst is shut down if
// it implements provider.Plugin and is no longer tracked.
func (r *Registry) Unload(ctx context.Context, inst provider.Instance) error {
	if inst == nil || !reflect.TypeOf(inst).Comparable() {
		return fmt.Errorf("%w: %T", provider.ErrUnknownInstance, inst)
	}

	r.mu.Lock()
	le, ok := r.live[inst]
	if ok {
		le.refs--
		if le.refs == 0 {
			delete(r.live, inst)
		}
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %T", provider.ErrUnknownInstance, inst)
	}
	id := le.id
	if le.refs > 0 {
		r.logger.Debug().Str("plugin", id).Int("refs", le.refs).Msg("builtin plugin still referenced")
		return nil
	}

	if p, ok := inst.(provider.Plugin); ok {
		if err := p.ShutdownPlugin(ctx); err != nil {
			return fmt.Errorf("failed to shut down %s: %w", id, err)
		}
	}

	r.logger.Debug().Str("plugin", id).Msg("builtin plugin released")
	return nil
}

// Live returns the number of distinct instances not yet fully unloaded.
func (r *Registry) Live() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

var _ provider.Provider = (*Registry)(nil)
