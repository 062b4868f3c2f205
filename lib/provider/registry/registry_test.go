package registry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowmerak/provider.go/lib/descriptor"
	"github.com/snowmerak/provider.go/lib/provider"
	"github.com/snowmerak/provider.go/lib/provider/registry"
)

type counter struct {
	req      registry.Request
	shutdown int
	failStop bool
}

func (c *counter) ShutdownPlugin(ctx context.Context) error {
	c.shutdown++
	if c.failStop {
		return errors.New("still busy")
	}
	return nil
}

type unhashable struct {
	tags []string
}

func newCounter(ctx context.Context, req registry.Request) (provider.Instance, error) {
	return &counter{req: req}, nil
}

func TestRegistry_DiscoverInRegistrationOrder(t *testing.T) {
	r := registry.New()
	r.Register(descriptor.MustNew("b.second", "Second"), newCounter)
	r.Register(descriptor.MustNew("a.first", "First"), newCounter)

	descs, err := r.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, descs, 2)
	assert.Equal(t, "b.second", descs[0].ID())
	assert.Equal(t, "a.first", descs[1].ID())

	assert.True(t, r.Has("a.first"))
	r.Unregister("b.second")
	assert.False(t, r.Has("b.second"))

	descs, err = r.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, descs, 1)
}

func TestRegistry_RegisterPanics(t *testing.T) {
	r := registry.New()
	r.Register(descriptor.MustNew("pkg.alpha", "Alpha"), newCounter)

	assert.Panics(t, func() {
		r.Register(descriptor.MustNew("pkg.alpha", "Again"), newCounter)
	})
	assert.Panics(t, func() {
		r.Register(nil, newCounter)
	})
	assert.Panics(t, func() {
		r.Register(descriptor.MustNew("pkg.beta", "Beta"), nil)
	})
}

func TestRegistry_LoadAndUnload(t *testing.T) {
	ctx := context.Background()
	r := registry.New(registry.WithName("core"))
	r.Register(descriptor.MustNew("pkg.alpha", "Alpha", descriptor.WithAction("reset", "Reset")), newCounter)
	assert.Equal(t, "core", r.Name())

	inst, err := r.Load(ctx, "pkg.alpha", provider.NewContext(2))
	require.NoError(t, err)
	c := inst.(*counter)
	assert.Equal(t, "pkg.alpha", c.req.ID)
	assert.Empty(t, c.req.Action)
	assert.Equal(t, 2, provider.SerialOf(c.req.Context))

	action, err := r.Load(ctx, "pkg.alpha#reset", nil)
	require.NoError(t, err)
	assert.Equal(t, "reset", action.(*counter).req.Action)
	assert.Equal(t, 2, r.Live())

	require.NoError(t, r.Unload(ctx, inst))
	assert.Equal(t, 1, c.shutdown)
	assert.ErrorIs(t, r.Unload(ctx, inst), provider.ErrUnknownInstance)
	assert.Equal(t, 1, c.shutdown)

	require.NoError(t, r.Unload(ctx, action))
	assert.Zero(t, r.Live())
}

func TestRegistry_LoadErrors(t *testing.T) {
	ctx := context.Background()
	r := registry.New()
	r.Register(descriptor.MustNew("pkg.alpha", "Alpha"), newCounter)
	r.Register(descriptor.MustNew("pkg.broken", "Broken"), func(ctx context.Context, req registry.Request) (provider.Instance, error) {
		return nil, errors.New("missing dependency")
	})
	r.Register(descriptor.MustNew("pkg.empty", "Empty"), func(ctx context.Context, req registry.Request) (provider.Instance, error) {
		return nil, nil
	})
	r.Register(descriptor.MustNew("pkg.slice", "Slice"), func(ctx context.Context, req registry.Request) (provider.Instance, error) {
		return unhashable{tags: []string{"x"}}, nil
	})

	tests := []struct {
		id   string
		want error
	}{
		{id: "pkg.missing", want: provider.ErrPluginNotFound},
		{id: "pkg.alpha#nope", want: provider.ErrPluginNotFound},
		{id: "pkg.broken", want: provider.ErrPluginLoadFailed},
		{id: "pkg.empty", want: provider.ErrPluginLoadFailed},
		{id: "pkg.slice", want: provider.ErrPluginLoadFailed},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			_, err := r.Load(ctx, tt.id, nil)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Zero(t, r.Live())
}

func TestRegistry_UnloadForeign(t *testing.T) {
	ctx := context.Background()
	r := registry.New()

	assert.ErrorIs(t, r.Unload(ctx, &counter{}), provider.ErrUnknownInstance)
	assert.ErrorIs(t, r.Unload(ctx, nil), provider.ErrUnknownInstance)
	assert.ErrorIs(t, r.Unload(ctx, unhashable{}), provider.ErrUnknownInstance)
}

func TestRegistry_ShutdownFailureStillReleases(t *testing.T) {
	ctx := context.Background()
	r := registry.New()
	r.Register(descriptor.MustNew("pkg.stubborn", "Stubborn"), func(ctx context.Context, req registry.Request) (provider.Instance, error) {
		return &counter{failStop: true}, nil
	})

	inst, err := r.Load(ctx, "pkg.stubborn", nil)
	require.NoError(t, err)

	assert.Error(t, r.Unload(ctx, inst))
	assert.Zero(t, r.Live())
}

func TestRegistry_InsideComposite(t *testing.T) {
	ctx := context.Background()
	r := registry.New()
	r.Register(descriptor.MustNew("pkg.alpha", "Alpha"), newCounter)
	c := provider.NewComposite([]provider.Provider{r})

	_, err := c.Discover(ctx)
	require.NoError(t, err)

	p, h, err := c.LoadPlugin(ctx, "pkg.alpha", nil)
	require.NoError(t, err)
	require.NoError(t, c.Unload(ctx, h))
	assert.Equal(t, 1, p.(*counter).shutdown)
}

func TestRegistry_SharedInstanceIsReferenceCounted(t *testing.T) {
	ctx := context.Background()
	shared := &counter{}
	r := registry.New()
	r.Register(descriptor.MustNew("pkg.single", "Single"), func(ctx context.Context, req registry.Request) (provider.Instance, error) {
		return shared, nil
	})
	c := provider.NewComposite([]provider.Provider{r})

	_, err := c.Discover(ctx)
	require.NoError(t, err)

	h1, err := c.LoadHandle(ctx, "pkg.single", nil)
	require.NoError(t, err)
	h2, err := c.LoadHandle(ctx, "pkg.single", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Live())
	assert.Len(t, c.Running(), 2)

	require.NoError(t, c.Unload(ctx, h1))
	assert.Zero(t, shared.shutdown)
	assert.Equal(t, 1, r.Live())
	assert.Len(t, c.Running(), 1)

	require.NoError(t, c.Unload(ctx, h2))
	assert.Equal(t, 1, shared.shutdown)
	assert.Zero(t, r.Live())
	assert.Empty(t, c.Running())

	assert.ErrorIs(t, r.Unload(ctx, shared), provider.ErrUnknownInstance)
}
