// Package descriptor defines the catalog record a provider publishes for every
// plugin it can load.
package descriptor

import (
	"errors"
	"fmt"
	"maps"
	"strings"
)

// ActionSeparator joins a plugin identifier and an action's local name.
const ActionSeparator = "#"

var (
	ErrInvalidID       = errors.New("invalid plugin identifier")
	ErrInvalidAction   = errors.New("invalid plugin action")
	ErrDuplicateAction = errors.New("duplicate plugin action")
)

// Action is an alternate entry point of a plugin. Its ID is derived from the
// owning plugin's identifier, see ActionID.
type Action struct {
	ID    string
	Label string
}

// Local returns the part of the action ID after the separator.
func (a Action) Local() string {
	_, local, _ := SplitActionID(a.ID)
	return local
}

// Descriptor identifies one discoverable plugin. It is immutable once built.
type Descriptor struct {
	id         string
	name       string
	attributes map[string]string
	actions    []Action
}

// Option configures a Descriptor under construction.
type Option func(*Descriptor)

// WithAttribute sets a single display attribute.
func WithAttribute(key, value string) Option {
	return func(d *Descriptor) {
		if d.attributes == nil {
			d.attributes = make(map[string]string)
		}
		d.attributes[key] = value
	}
}

// WithAttributes merges attrs into the descriptor's attributes.
func WithAttributes(attrs map[string]string) Option {
	return func(d *Descriptor) {
		if len(attrs) == 0 {
			return
		}
		if d.attributes == nil {
			d.attributes = make(map[string]string, len(attrs))
		}
		maps.Copy(d.attributes, attrs)
	}
}

// WithAction adds an action named local. The action identifier becomes
// ActionID(id, local).
func WithAction(local, label string) Option {
	return func(d *Descriptor) {
		d.actions = append(d.actions, Action{ID: ActionID(d.id, local), Label: label})
	}
}

// New builds and validates a descriptor.
func New(id, name string, opts ...Option) (*Descriptor, error) {
	d := &Descriptor{id: id, name: name}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// MustNew is New that panics on an invalid descriptor. Meant for static
// catalogs declared at package level.
func MustNew(id, name string, opts ...Option) *Descriptor {
	d, err := New(id, name, opts...)
	if err != nil {
		panic(err)
	}
	return d
}

// ID returns the plugin identifier.
func (d *Descriptor) ID() string { return d.id }

// Name returns the display name, falling back to the identifier.
func (d *Descriptor) Name() string {
	if d.name == "" {
		return d.id
	}
	return d.name
}

// Attribute returns a single attribute value.
func (d *Descriptor) Attribute(key string) (string, bool) {
	v, ok := d.attributes[key]
	return v, ok
}

// Attributes returns a copy of every attribute.
func (d *Descriptor) Attributes() map[string]string {
	return maps.Clone(d.attributes)
}

// Actions returns a copy of the action list in declaration order.
func (d *Descriptor) Actions() []Action {
	if len(d.actions) == 0 {
		return nil
	}
	out := make([]Action, len(d.actions))
	copy(out, d.actions)
	return out
}

// Identifiers lists every identifier that loads something from this
// descriptor: the plugin identifier first, then each action identifier.
func (d *Descriptor) Identifiers() []string {
	ids := make([]string, 0, 1+len(d.actions))
	ids = append(ids, d.id)
	for _, a := range d.actions {
		ids = append(ids, a.ID)
	}
	return ids
}

// Action looks up an action by its full identifier.
func (d *Descriptor) Action(id string) (Action, bool) {
	for _, a := range d.actions {
		if a.ID == id {
			return a, true
		}
	}
	return Action{}, false
}

// Validate checks the identifier rules.
func (d *Descriptor) Validate() error {
	if d.id == "" || strings.TrimSpace(d.id) != d.id {
		return fmt.Errorf("%w: %q", ErrInvalidID, d.id)
	}
	if strings.Contains(d.id, ActionSeparator) {
		return fmt.Errorf("%w: %q contains %q", ErrInvalidID, d.id, ActionSeparator)
	}

	seen := make(map[string]struct{}, len(d.actions))
	for _, a := range d.actions {
		base, local, ok := SplitActionID(a.ID)
		if !ok || base != d.id || local == "" {
			return fmt.Errorf("%w: %q of plugin %s", ErrInvalidAction, a.ID, d.id)
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateAction, a.ID)
		}
		seen[a.ID] = struct{}{}
	}
	return nil
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("%s (%s)", d.id, d.Name())
}

// ActionID derives an action identifier from a plugin identifier.
func ActionID(base, local string) string {
	return base + ActionSeparator + local
}

// SplitActionID splits an action identifier into plugin identifier and local
// action name. ok is false for plain plugin identifiers.
func SplitActionID(id string) (base, local string, ok bool) {
	return strings.Cut(id, ActionSeparator)
}
