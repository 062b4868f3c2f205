package plugin

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/snowmerak/provider.go/lib/process"
)

// Transport opens the byte streams a Loader talks over.
type Transport interface {
	// Open returns the stream to read plugin output from and the stream to
	// write requests to.
	Open(ctx context.Context) (io.Reader, io.Writer, error)
	// Done is closed when the other side is gone.
	Done() <-chan struct{}
	Close() error
}

// ProcessTransport runs the plugin as a child process and uses its stdio.
type ProcessTransport struct {
	path string
	opts process.Options

	mu   sync.Mutex
	proc *process.Process
}

func NewProcessTransport(path string, opts process.Options) *ProcessTransport {
	return &ProcessTransport{path: path, opts: opts}
}

func (t *ProcessTransport) Open(ctx context.Context) (io.Reader, io.Writer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.proc != nil {
		return nil, nil, fmt.Errorf("process %s already started", t.path)
	}
	p, err := process.Spawn(t.path, t.opts)
	if err != nil {
		return nil, nil, err
	}
	t.proc = p
	return p.Stdout(), p.Stdin(), nil
}

func (t *ProcessTransport) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.proc == nil {
		return nil
	}
	return t.proc.Done()
}

func (t *ProcessTransport) Close() error {
	t.mu.Lock()
	p := t.proc
	t.mu.Unlock()

	if p == nil {
		return nil
	}
	return p.Close()
}

// Pid returns the child's process id, or 0 before Open.
func (t *ProcessTransport) Pid() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.proc == nil {
		return 0
	}
	return t.proc.Pid()
}

// StreamTransport talks over streams the caller already has, such as a socket
// or an in-memory pipe.
type StreamTransport struct {
	reader io.Reader
	writer io.Writer
	closer io.Closer

	once sync.Once
	done chan struct{}
	err  error
}

// NewStreamTransport wraps r and w. closer, if not nil, is closed by Close.
func NewStreamTransport(r io.Reader, w io.Writer, closer io.Closer) *StreamTransport {
	return &StreamTransport{
		reader: r,
		writer: w,
		closer: closer,
		done:   make(chan struct{}),
	}
}

func (t *StreamTransport) Open(ctx context.Context) (io.Reader, io.Writer, error) {
	return t.reader, t.writer, nil
}

func (t *StreamTransport) Done() <-chan struct{} {
	return t.done
}

func (t *StreamTransport) Close() error {
	t.once.Do(func() {
		if t.closer != nil {
			t.err = t.closer.Close()
		}
		close(t.done)
	})
	return t.err
}
