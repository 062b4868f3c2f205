package executable

import (
	"context"
	"sync"

	"github.com/snowmerak/provider.go/lib/plugin"
)

// Remote is a loaded executable plugin.
type Remote struct {
	id     string
	action string
	serial int
	loader *plugin.Loader

	closeOnce sync.Once
	closeErr  error
}

// ID is the identifier the plugin was loaded under.
func (r *Remote) ID() string { return r.id }

// Action is the local action name, empty when the plugin itself was loaded.
func (r *Remote) Action() string { return r.action }

func (r *Remote) Serial() int { return r.serial }

// Alive reports whether the plugin process is still connected.
func (r *Remote) Alive() bool { return r.loader.Alive() }

// Call invokes one of the plugin's services.
func (r *Remote) Call(ctx context.Context, service string, payload []byte) ([]byte, error) {
	return r.loader.Call(ctx, service, payload)
}

// OnNotify subscribes to notifications pushed by the plugin.
func (r *Remote) OnNotify(name string, fn plugin.NotifyFunc) {
	r.loader.OnNotify(name, fn)
}

// ShutdownPlugin asks the plugin process to exit. Later calls return the
// first result.
func (r *Remote) ShutdownPlugin(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.closeErr = r.loader.Close()
	})
	return r.closeErr
}
