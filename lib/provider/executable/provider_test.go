package executable_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowmerak/provider.go/lib/descriptor"
	"github.com/snowmerak/provider.go/lib/plugin"
	"github.com/snowmerak/provider.go/lib/provider"
	"github.com/snowmerak/provider.go/lib/provider/executable"
)

type pipeCloser struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (c pipeCloser) Close() error {
	c.w.Close()
	return c.r.Close()
}

// inMemory serves every manifest from a plugin.Module in the test process.
type inMemory struct {
	mu       sync.Mutex
	launched []string
	catalog  []*descriptor.Descriptor
}

func (f *inMemory) factory(m *executable.Manifest, id string, serial int) plugin.Transport {
	f.mu.Lock()
	f.launched = append(f.launched, filepath.Base(m.Executable)+":"+id)
	catalog := f.catalog
	f.mu.Unlock()

	hostR, modW := io.Pipe()
	modR, hostW := io.Pipe()

	mod := plugin.NewModule(modR, modW)
	mod.Handle("whoami", func(ctx context.Context, payload []byte) ([]byte, error) {
		return []byte(id + "/" + strconv.Itoa(serial)), nil
	})
	if m.Describe {
		_ = mod.SetCatalog(catalog)
	}
	go mod.Listen(context.Background())

	return plugin.NewStreamTransport(hostR, hostW, pipeCloser{r: hostR, w: hostW})
}

func (f *inMemory) launches() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.launched...)
}

func writeManifest(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestProvider_DiscoverAndLoad(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "echo"), "plugin.yaml", `
executable: ./echo
plugins:
  - id: demo.echo
    name: Echo
    actions:
      - {id: shout, label: Shout}
`)
	writeManifest(t, filepath.Join(root, "tools", "reverse"), "plugin.json", `{"executable": "./reverse", "plugins": [{"id": "demo.reverse"}]}`)
	writeManifest(t, filepath.Join(root, "broken"), "plugin.yaml", "executable: ./broken\n")
	writeManifest(t, filepath.Join(root, "other"), "README.md", "not a manifest")

	f := &inMemory{}
	p := executable.New(
		executable.WithName("local"),
		executable.WithSearchPaths(root),
		executable.WithTransportFactory(f.factory),
	)
	assert.Equal(t, "local", p.Name())

	ctx := testContext(t)
	descs, err := p.Discover(ctx)
	require.NoError(t, err)

	var got []string
	for _, d := range descs {
		got = append(got, d.Identifiers()...)
	}
	assert.ElementsMatch(t, []string{"demo.echo", "demo.echo#shout", "demo.reverse"}, got)
	assert.Empty(t, f.launches(), "static manifests must not start processes")

	inst, err := p.Load(ctx, "demo.echo#shout", provider.NewContext(7))
	require.NoError(t, err)
	remote, ok := inst.(*executable.Remote)
	require.True(t, ok)
	assert.Equal(t, "demo.echo#shout", remote.ID())
	assert.Equal(t, "shout", remote.Action())
	assert.Equal(t, 7, remote.Serial())
	assert.True(t, remote.Alive())

	out, err := remote.Call(ctx, "whoami", nil)
	require.NoError(t, err)
	assert.Equal(t, "demo.echo#shout/7", string(out))
	assert.Equal(t, []string{"echo:demo.echo#shout"}, f.launches())

	require.NoError(t, p.Unload(ctx, inst))
	assert.False(t, remote.Alive())
	assert.ErrorIs(t, p.Unload(ctx, inst), provider.ErrUnknownInstance)
}

func TestProvider_LoadUnknown(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "plugin.yaml", "executable: ./a\nplugins: [{id: a}]\n")

	f := &inMemory{}
	p := executable.New(executable.WithSearchPaths(root), executable.WithTransportFactory(f.factory))
	ctx := testContext(t)

	_, err := p.Load(ctx, "a", nil)
	assert.ErrorIs(t, err, provider.ErrPluginNotFound, "nothing is routable before discovery")

	_, err = p.Discover(ctx)
	require.NoError(t, err)

	_, err = p.Load(ctx, "b", nil)
	assert.ErrorIs(t, err, provider.ErrPluginNotFound)
	assert.ErrorIs(t, p.Unload(ctx, struct{}{}), provider.ErrUnknownInstance)
}

func TestProvider_NoSearchPath(t *testing.T) {
	p := executable.New(executable.WithSearchPaths(filepath.Join(t.TempDir(), "missing")))
	_, err := p.Discover(context.Background())
	assert.ErrorIs(t, err, provider.ErrProviderUnavailable)

	_, err = executable.New().Discover(context.Background())
	assert.ErrorIs(t, err, provider.ErrProviderUnavailable)
}

func TestProvider_MaxDepthAndPatterns(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "a"), "tool.plugin", "executable: ./a\nplugins: [{id: shallow}]\n")
	writeManifest(t, filepath.Join(root, "a", "b", "c"), "tool.plugin", "executable: ./c\nplugins: [{id: deep}]\n")
	writeManifest(t, root, "plugin.yaml", "executable: ./x\nplugins: [{id: ignored}]\n")

	p := executable.New(
		executable.WithSearchPaths(root),
		executable.WithPatterns("*.plugin"),
		executable.WithMaxDepth(1),
	)
	descs, err := p.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, descs, 1)
	assert.Equal(t, "shallow", descs[0].ID())
}

func TestProvider_DescribeManifest(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "plugin.yaml", "executable: ./bundle\ndescribe: true\n")

	f := &inMemory{catalog: []*descriptor.Descriptor{
		descriptor.MustNew("bundle.one", "One"),
		descriptor.MustNew("bundle.two", "Two", descriptor.WithAction("run", "Run")),
	}}
	p := executable.New(executable.WithSearchPaths(root), executable.WithTransportFactory(f.factory))
	ctx := testContext(t)

	descs, err := p.Discover(ctx)
	require.NoError(t, err)
	require.Len(t, descs, 2)
	assert.Equal(t, "bundle.one", descs[0].ID())
	assert.Equal(t, []string{"bundle.two", "bundle.two#run"}, descs[1].Identifiers())
	assert.Equal(t, []string{"bundle:"}, f.launches())

	inst, err := p.Load(ctx, "bundle.two#run", nil)
	require.NoError(t, err)
	out, err := inst.(*executable.Remote).Call(ctx, "whoami", nil)
	require.NoError(t, err)
	assert.Equal(t, "bundle.two#run/0", string(out))
	require.NoError(t, p.Unload(ctx, inst))
}

func TestProvider_InsideComposite(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "plugin.yaml", "executable: ./echo\nplugins: [{id: demo.echo}]\n")

	f := &inMemory{}
	c := provider.NewComposite([]provider.Provider{
		executable.New(executable.WithSearchPaths(root), executable.WithTransportFactory(f.factory)),
	})
	ctx := testContext(t)

	descs, err := c.Discover(ctx)
	require.NoError(t, err)
	require.Len(t, descs, 1)

	h, err := c.LoadHandle(ctx, "demo.echo", provider.NewContext(3))
	require.NoError(t, err)
	inst, ok := c.Instance(h)
	require.True(t, ok)

	out, err := inst.(*executable.Remote).Call(ctx, "whoami", nil)
	require.NoError(t, err)
	assert.Equal(t, "demo.echo/3", string(out))

	require.NoError(t, c.Unload(ctx, h))
}
