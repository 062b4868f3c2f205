// Package provider defines the plugin provider contract and the Composite that
// aggregates several providers behind one discover/load/unload surface.
package provider

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/snowmerak/provider.go/lib/descriptor"
)

// Instance is a live plugin object produced by a provider's Load.
type Instance any

// Provider discovers, loads and unloads plugins through one backing mechanism.
type Provider interface {
	// Discover lists the plugins currently available. It may rescan on every
	// call. An empty result is not an error; ErrProviderUnavailable reports
	// that the backing subsystem cannot be used right now.
	Discover(ctx context.Context) ([]*descriptor.Descriptor, error)

	// Load instantiates a plugin previously reported by Discover.
	// It fails with ErrPluginNotFound or ErrPluginLoadFailed.
	Load(ctx context.Context, id string, pctx *Context) (Instance, error)

	// Unload releases an instance this provider produced.
	// Foreign instances fail with ErrUnknownInstance.
	Unload(ctx context.Context, inst Instance) error
}

// Named is implemented by providers that want a stable label in logs and
// discovery reports.
type Named interface {
	Name() string
}

// Plugin is the capability a typed load expects from an instance.
type Plugin interface {
	ShutdownPlugin(ctx context.Context) error
}

// NameOf returns the provider's label.
func NameOf(p Provider) string {
	if n, ok := p.(Named); ok {
		if name := n.Name(); name != "" {
			return name
		}
	}
	return fmt.Sprintf("%T", p)
}

// Context is the capability bundle a host hands to a provider when loading.
// A nil *Context is valid and carries nothing.
type Context struct {
	// Serial distinguishes several instances of the same plugin.
	Serial int

	logger       *zerolog.Logger
	capabilities map[string]any
}

// NewContext creates a context for the serial'th instance of a plugin.
func NewContext(serial int) *Context {
	return &Context{Serial: serial}
}

// WithCapability registers a host capability under name and returns c.
func (c *Context) WithCapability(name string, value any) *Context {
	if c.capabilities == nil {
		c.capabilities = make(map[string]any)
	}
	c.capabilities[name] = value
	return c
}

// WithLogger attaches a logger plugins may write to and returns c.
func (c *Context) WithLogger(logger zerolog.Logger) *Context {
	c.logger = &logger
	return c
}

// Capability looks up a host capability.
func (c *Context) Capability(name string) (any, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.capabilities[name]
	return v, ok
}

// Logger returns the attached logger or a no-op logger.
func (c *Context) Logger() zerolog.Logger {
	if c == nil || c.logger == nil {
		return zerolog.Nop()
	}
	return *c.logger
}

// SerialOf returns pctx.Serial, or zero for a nil context.
func SerialOf(pctx *Context) int {
	if pctx == nil {
		return 0
	}
	return pctx.Serial
}
