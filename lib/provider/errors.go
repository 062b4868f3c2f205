package provider

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

var (
	// ErrProviderUnavailable reports that a provider cannot discover right now.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrPluginNotFound reports an identifier no provider claims.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrPluginLoadFailed reports a recognised plugin that could not be
	// instantiated, or whose instance has the wrong shape.
	ErrPluginLoadFailed = errors.New("plugin load failed")

	// ErrUnknownInstance reports an instance that is not tracked as running.
	ErrUnknownInstance = errors.New("unknown plugin instance")

	// ErrIdentifierCollision reports an identifier discovered more than once.
	ErrIdentifierCollision = errors.New("plugin identifier collision")
)

// PluginError describes a failed operation on one plugin.
type PluginError struct {
	PluginID  string
	Operation string
	Provider  string
	Err       error
}

func (e *PluginError) Error() string {
	var b strings.Builder
	b.WriteString("plugin ")
	b.WriteString(e.PluginID)
	if e.Provider != "" {
		b.WriteString(" (")
		b.WriteString(e.Provider)
		b.WriteString(")")
	}
	b.WriteString(": ")
	b.WriteString(e.Operation)
	b.WriteString(" failed: ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *PluginError) Unwrap() error {
	return e.Err
}

// NewPluginError wraps err with plugin and operation details.
func NewPluginError(pluginID, operation, provider string, err error) *PluginError {
	return &PluginError{
		PluginID:  pluginID,
		Operation: operation,
		Provider:  provider,
		Err:       err,
	}
}

// Unavailable marks err as ErrProviderUnavailable.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrProviderUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
}

// ProviderFailure is one provider's discovery failure.
type ProviderFailure struct {
	Provider string
	Err      error
}

func (f *ProviderFailure) Error() string {
	return fmt.Sprintf("provider %s: %v", f.Provider, f.Err)
}

func (f *ProviderFailure) Unwrap() error {
	return f.Err
}

// CollisionError reports an identifier claimed by more than one provider, or
// reported twice by the same provider. Providers lists the claimants in
// routing order; the first one wins.
type CollisionError struct {
	PluginID  string
	Providers []string
}

func (c *CollisionError) Error() string {
	return fmt.Sprintf("%v: %s reported by %s", ErrIdentifierCollision, c.PluginID, strings.Join(c.Providers, ", "))
}

func (c *CollisionError) Unwrap() error {
	return ErrIdentifierCollision
}

// DiscoveryError collects the non-fatal conditions of one discovery pass.
// The descriptors returned alongside it are still valid.
type DiscoveryError struct {
	Failures   []*ProviderFailure
	Collisions []*CollisionError

	errs *multierror.Error
}

func (e *DiscoveryError) add(err error) {
	switch v := err.(type) {
	case *ProviderFailure:
		e.Failures = append(e.Failures, v)
	case *CollisionError:
		e.Collisions = append(e.Collisions, v)
	}
	e.errs = multierror.Append(e.errs, err)
	e.errs.ErrorFormat = formatDiscoveryErrors
}

func (e *DiscoveryError) merge(other *DiscoveryError) {
	for _, f := range other.Failures {
		e.add(f)
	}
	for _, c := range other.Collisions {
		e.add(c)
	}
}

func (e *DiscoveryError) orNil() error {
	if e.errs.ErrorOrNil() == nil {
		return nil
	}
	return e
}

func (e *DiscoveryError) Error() string {
	if e.errs == nil {
		return "discovery completed"
	}
	return e.errs.Error()
}

// Unwrap exposes every collected condition to errors.Is and errors.As.
func (e *DiscoveryError) Unwrap() []error {
	if e.errs == nil {
		return nil
	}
	return e.errs.WrappedErrors()
}

func formatDiscoveryErrors(errs []error) string {
	lines := make([]string, len(errs))
	for i, err := range errs {
		lines[i] = err.Error()
	}
	return fmt.Sprintf("discovery finished with %d problem(s): %s", len(errs), strings.Join(lines, "; "))
}

// UnloadWarning reports a provider that failed to release an instance. The
// instance is no longer tracked either way.
type UnloadWarning struct {
	Handle   Handle
	PluginID string
	Provider string
	Err      error
}

func (w *UnloadWarning) Error() string {
	return fmt.Sprintf("plugin %s (%s): unload of %s reported: %v", w.PluginID, w.Provider, w.Handle, w.Err)
}

func (w *UnloadWarning) Unwrap() error {
	return w.Err
}

// IsWarning reports whether err is, or wraps, an UnloadWarning.
func IsWarning(err error) bool {
	var w *UnloadWarning
	return err != nil && errors.As(err, &w)
}
