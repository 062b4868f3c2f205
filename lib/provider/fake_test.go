package provider_test

import (
	"context"
	"fmt"

	"github.com/snowmerak/provider.go/lib/descriptor"
	"github.com/snowmerak/provider.go/lib/provider"
)

// fakePlugin is what fakeProvider hands out.
type fakePlugin struct {
	id       string
	provider string
	shutdown int
}

func (p *fakePlugin) ShutdownPlugin(ctx context.Context) error {
	p.shutdown++
	return nil
}

// notAPlugin is an instance that does not satisfy provider.Plugin.
type notAPlugin struct {
	id string
}

// fakeProvider records every call the composite makes.
type fakeProvider struct {
	name        string
	descs       []*descriptor.Descriptor
	discoverErr error
	loadErr     map[string]error
	unloadErr   error
	raw         bool

	discovers int
	loads     []string
	unloads   []provider.Instance
	live      map[provider.Instance]struct{}
}

func newFake(name string, ids ...string) *fakeProvider {
	f := &fakeProvider{
		name:    name,
		loadErr: make(map[string]error),
		live:    make(map[provider.Instance]struct{}),
	}
	for _, id := range ids {
		f.descs = append(f.descs, descriptor.MustNew(id, id))
	}
	return f
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Discover(ctx context.Context) ([]*descriptor.Descriptor, error) {
	f.discovers++
	if f.discoverErr != nil {
		return nil, f.discoverErr
	}
	return f.descs, nil
}

func (f *fakeProvider) Load(ctx context.Context, id string, pctx *provider.Context) (provider.Instance, error) {
	f.loads = append(f.loads, id)
	if err := f.loadErr[id]; err != nil {
		return nil, err
	}

	var inst provider.Instance = &fakePlugin{id: id, provider: f.name}
	if f.raw {
		inst = &notAPlugin{id: id}
	}
	f.live[inst] = struct{}{}
	return inst, nil
}

func (f *fakeProvider) Unload(ctx context.Context, inst provider.Instance) error {
	f.unloads = append(f.unloads, inst)
	if _, ok := f.live[inst]; !ok {
		return fmt.Errorf("%w: %v", provider.ErrUnknownInstance, inst)
	}
	delete(f.live, inst)
	return f.unloadErr
}

func providers(ps ...*fakeProvider) []provider.Provider {
	out := make([]provider.Provider, len(ps))
	for i, p := range ps {
		out[i] = p
	}
	return out
}

func ids(descs []*descriptor.Descriptor) []string {
	out := make([]string, len(descs))
	for i, d := range descs {
		out[i] = d.ID()
	}
	return out
}
