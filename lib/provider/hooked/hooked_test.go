package hooked_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowmerak/provider.go/lib/descriptor"
	"github.com/snowmerak/provider.go/lib/provider"
	"github.com/snowmerak/provider.go/lib/provider/hooked"
	"github.com/snowmerak/provider.go/lib/provider/registry"
)

type node struct{ id string }

func newBus(ids ...string) *provider.Composite {
	r := registry.New(registry.WithName("bus-nodes"))
	for _, id := range ids {
		r.Register(descriptor.MustNew(id, id), func(ctx context.Context, req registry.Request) (provider.Instance, error) {
			return &node{id: req.ID}, nil
		})
	}
	return provider.NewComposite([]provider.Provider{r}, provider.WithName("bus"))
}

func TestHooked_SetupRunsOnceBeforeDiscovery(t *testing.T) {
	setups, checks := 0, 0
	p := hooked.New(newBus("bus.talker", "bus.listener"), hooked.Hooks{
		Setup: func(ctx context.Context) error { setups++; return nil },
		Check: func(ctx context.Context) error { checks++; return nil },
	})
	assert.False(t, p.Ready())

	ctx := context.Background()
	descs, err := p.Discover(ctx)
	require.NoError(t, err)
	assert.Len(t, descs, 2)
	assert.True(t, p.Ready())

	_, err = p.Discover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, setups)
	assert.Equal(t, 1, checks)
}

func TestHooked_SetupFailureIsUnavailable(t *testing.T) {
	fail := true
	p := hooked.New(newBus("bus.talker"), hooked.Hooks{
		Setup: func(ctx context.Context) error {
			if fail {
				return errors.New("master not reachable")
			}
			return nil
		},
	})

	ctx := context.Background()
	descs, err := p.Discover(ctx)
	assert.ErrorIs(t, err, provider.ErrProviderUnavailable)
	assert.ErrorContains(t, err, "master not reachable")
	assert.Empty(t, descs)
	assert.False(t, p.Ready())

	fail = false
	descs, err = p.Discover(ctx)
	require.NoError(t, err)
	assert.Len(t, descs, 1)
}

func TestHooked_CheckFailure(t *testing.T) {
	healthy := true
	p := hooked.New(newBus("bus.talker"), hooked.Hooks{
		Check: func(ctx context.Context) error {
			if !healthy {
				return errors.New("connection lost")
			}
			return nil
		},
	})

	ctx := context.Background()
	_, err := p.Discover(ctx)
	require.NoError(t, err)

	healthy = false
	_, err = p.Discover(ctx)
	assert.ErrorIs(t, err, provider.ErrProviderUnavailable)
}

func TestHooked_InsideComposite(t *testing.T) {
	bus := hooked.New(newBus("bus.talker"), hooked.Hooks{
		Setup: func(ctx context.Context) error { return errors.New("offline") },
	})
	local := registry.New()
	local.Register(descriptor.MustNew("local.tool", "Tool"), func(ctx context.Context, req registry.Request) (provider.Instance, error) {
		return &node{id: req.ID}, nil
	})

	c := provider.NewComposite([]provider.Provider{bus, local})
	descs, err := c.Discover(context.Background())
	require.Len(t, descs, 1)
	assert.Equal(t, "local.tool", descs[0].ID())

	var derr *provider.DiscoveryError
	require.ErrorAs(t, err, &derr)
	assert.ErrorIs(t, err, provider.ErrProviderUnavailable)
}

func TestHooked_CloseUnloadsAndTearsDown(t *testing.T) {
	var torn bool
	p := hooked.New(newBus("bus.talker"), hooked.Hooks{
		Teardown: func(ctx context.Context) error { torn = true; return nil },
	})

	ctx := context.Background()
	_, err := p.Discover(ctx)
	require.NoError(t, err)

	h, err := p.LoadHandle(ctx, "bus.talker", nil)
	require.NoError(t, err)
	assert.Len(t, p.Running(), 1)

	require.NoError(t, p.Close(ctx))
	assert.True(t, torn)
	assert.Empty(t, p.Running())
	assert.False(t, p.Ready())
	assert.ErrorIs(t, p.Unload(ctx, h), provider.ErrUnknownInstance)
}

func TestHooked_CloseWithoutSetupSkipsTeardown(t *testing.T) {
	var torn bool
	p := hooked.New(newBus(), hooked.Hooks{
		Teardown: func(ctx context.Context) error { torn = true; return nil },
	})
	require.NoError(t, p.Close(context.Background()))
	assert.False(t, torn)
}
