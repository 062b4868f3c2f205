package provider

import (
	"errors"
	"fmt"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnavailable(t *testing.T) {
	assert.NoError(t, Unavailable(nil))
	assert.Same(t, ErrProviderUnavailable, Unavailable(ErrProviderUnavailable))

	cause := errors.New("no master")
	err := Unavailable(cause)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.ErrorIs(t, err, cause)
}

func TestPluginError(t *testing.T) {
	err := NewPluginError("pkg.alpha", "load", "files", ErrPluginLoadFailed)
	assert.Equal(t, "plugin pkg.alpha (files): load failed: plugin load failed", err.Error())
	assert.ErrorIs(t, err, ErrPluginLoadFailed)

	bare := NewPluginError("pkg.alpha", "load", "", ErrPluginNotFound)
	assert.Equal(t, "plugin pkg.alpha: load failed: plugin not found", bare.Error())
}

func TestDiscoveryError(t *testing.T) {
	report := &DiscoveryError{}
	assert.NoError(t, report.orNil())

	report.add(&ProviderFailure{Provider: "ros", Err: Unavailable(errors.New("no master"))})
	report.add(&CollisionError{PluginID: "pkg.x", Providers: []string{"a", "b"}})

	err := report.orNil()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.ErrorIs(t, err, ErrIdentifierCollision)
	assert.Len(t, report.Failures, 1)
	assert.Len(t, report.Collisions, 1)
	assert.Contains(t, err.Error(), "2 problem(s)")
	assert.Contains(t, err.Error(), "pkg.x reported by a, b")

	outer := &DiscoveryError{}
	outer.merge(report)
	assert.Len(t, outer.Failures, 1)
	assert.Len(t, outer.Collisions, 1)
}

func TestIsWarning(t *testing.T) {
	w := &UnloadWarning{PluginID: "pkg.alpha", Provider: "files", Err: errors.New("stuck")}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain", err: errors.New("boom"), want: false},
		{name: "direct", err: w, want: true},
		{name: "wrapped", err: fmt.Errorf("shutdown: %w", w), want: true},
		{name: "multi", err: multierror.Append(errors.New("other"), w), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsWarning(tt.err))
		})
	}
}
