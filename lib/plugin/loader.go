package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/snowmerak/provider.go/lib/descriptor"
	"github.com/snowmerak/provider.go/lib/multiplexer"
)

const (
	DefaultReadyTimeout    = 5 * time.Second
	DefaultShutdownTimeout = 2 * time.Second
)

var (
	ErrLoaderClosed = errors.New("loader is closed")
	ErrNotReady     = errors.New("plugin did not signal ready")
)

// RemoteError is an error payload returned by the plugin for a call.
type RemoteError struct {
	Service string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("plugin error for service %s: %s", e.Service, e.Message)
}

// NotifyFunc handles a notification pushed by the plugin.
type NotifyFunc func(ctx context.Context, payload []byte)

// Loader is the host side of one plugin connection.
type Loader struct {
	name      string
	transport Transport
	logger    zerolog.Logger

	readyTimeout    time.Duration
	shutdownTimeout time.Duration

	conn   atomic.Pointer[connection]
	loaded atomic.Bool
	closed atomic.Bool
	wg     sync.WaitGroup

	requestMutex    sync.Mutex
	pendingRequests map[uint32]chan Header

	readyOnce   sync.Once
	readySignal chan struct{}
	ackOnce     sync.Once
	shutdownAck chan struct{}

	notifyMutex sync.RWMutex
	notify      map[string]NotifyFunc
}

// connection is the state Load publishes once the transport is open.
type connection struct {
	node   *multiplexer.Node
	ctx    context.Context
	cancel context.CancelFunc
}

type LoaderOption func(*Loader)

func WithLoaderLogger(logger zerolog.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger
	}
}

// WithReadyTimeout bounds how long Load waits for the ready signal.
func WithReadyTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) {
		if d > 0 {
			l.readyTimeout = d
		}
	}
}

// WithShutdownTimeout bounds how long Close waits for the shutdown ack.
func WithShutdownTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) {
		if d > 0 {
			l.shutdownTimeout = d
		}
	}
}

// NewLoader creates a loader named name over transport. Nothing starts until
// Load.
func NewLoader(name string, transport Transport, opts ...LoaderOption) *Loader {
	l := &Loader{
		name:            name,
		transport:       transport,
		logger:          zerolog.Nop(),
		readyTimeout:    DefaultReadyTimeout,
		shutdownTimeout: DefaultShutdownTimeout,
		pendingRequests: make(map[uint32]chan Header),
		readySignal:     make(chan struct{}),
		shutdownAck:     make(chan struct{}),
		notify:          make(map[string]NotifyFunc),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Loader) Name() string {
	return l.name
}

// Load opens the transport and waits for the plugin's ready signal. The
// connection outlives ctx; it ends with Close or when the plugin goes away.
func (l *Loader) Load(ctx context.Context) error {
	if l.closed.Load() {
		return ErrLoaderClosed
	}
	if !l.loaded.CompareAndSwap(false, true) {
		return fmt.Errorf("plugin %s already loaded", l.name)
	}

	r, w, err := l.transport.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open transport for %s: %w", l.name, err)
	}

	c := &connection{node: multiplexer.NewNode(r, w)}
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))

	recv, err := c.node.ReadMessage(c.ctx)
	if err != nil {
		c.cancel()
		l.transport.Close()
		return fmt.Errorf("failed to read from %s: %w", l.name, err)
	}

	l.wg.Add(2)
	go l.monitorTransport(c)
	go l.handleMessages(c, recv)
	l.conn.Store(c)

	if l.closed.Load() {
		l.teardown(c)
		return fmt.Errorf("%w: %s", ErrLoaderClosed, l.name)
	}
	if err := l.waitForReady(ctx, c); err != nil {
		l.teardown(c)
		return err
	}

	l.logger.Debug().Str("plugin", l.name).Msg("plugin ready")
	return nil
}

// teardown ends c and waits for the loader goroutines to finish.
func (l *Loader) teardown(c *connection) {
	c.cancel()
	l.transport.Close()
	l.awaitGoroutines()
}

func (l *Loader) awaitGoroutines() {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(l.shutdownTimeout):
		l.logger.Warn().Str("plugin", l.name).Msg("plugin goroutines still running after close")
	}
}

func (l *Loader) waitForReady(ctx context.Context, c *connection) error {
	timer := time.NewTimer(l.readyTimeout)
	defer timer.Stop()

	requested := false
	for {
		select {
		case <-l.readySignal:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", ErrNotReady, l.name, ctx.Err())
		case <-c.ctx.Done():
			return fmt.Errorf("%w: %s exited", ErrNotReady, l.name)
		case <-timer.C:
			if requested {
				return fmt.Errorf("%w: %s timed out after %s", ErrNotReady, l.name, 2*l.readyTimeout)
			}
			requested = true
			if err := c.send(ctx, 0, Header{Name: ServiceRequestReady, MessageType: MessageTypeRequest}); err != nil {
				return fmt.Errorf("%w: %s: %w", ErrNotReady, l.name, err)
			}
			timer.Reset(l.readyTimeout)
		}
	}
}

func (l *Loader) monitorTransport(c *connection) {
	defer l.wg.Done()
	select {
	case <-l.transport.Done():
		c.cancel()
	case <-c.ctx.Done():
	}
}

func (l *Loader) handleMessages(c *connection, recv <-chan *multiplexer.Message) {
	defer l.wg.Done()
	// The stream ended or failed; nothing more can be answered.
	defer c.cancel()

	for msg := range recv {
		if msg.Type == multiplexer.MessageHeaderTypeError {
			l.logger.Warn().Str("plugin", l.name).Str("error", string(msg.Data)).Msg("plugin stream error")
			continue
		}
		if msg.Type != multiplexer.MessageHeaderTypeComplete {
			continue
		}

		var header Header
		if err := header.UnmarshalBinary(msg.Data); err != nil {
			l.logger.Warn().Err(err).Str("plugin", l.name).Msg("dropping malformed message")
			continue
		}

		switch {
		case header.Name == ServiceReady:
			l.readyOnce.Do(func() { close(l.readySignal) })
		case header.Name == ServiceShutdownAck:
			l.ackOnce.Do(func() { close(l.shutdownAck) })
		case header.MessageType == MessageTypeResponse || header.MessageType == MessageTypeError:
			l.requestMutex.Lock()
			ch, ok := l.pendingRequests[msg.ID]
			delete(l.pendingRequests, msg.ID)
			l.requestMutex.Unlock()
			if ok {
				ch <- header
			}
		case header.MessageType == MessageTypeNotify:
			l.notifyMutex.RLock()
			fn, ok := l.notify[header.Name]
			l.notifyMutex.RUnlock()
			if ok {
				fn(c.ctx, header.Payload)
			}
		}
	}
}

func (c *connection) send(ctx context.Context, seq uint32, h Header) error {
	data, err := h.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}
	if seq == 0 {
		seq = c.node.NextSequence()
	}
	return c.node.WriteMessageWithSequence(ctx, seq, data)
}

// OnNotify registers fn for notifications named name, replacing any previous
// handler. fn runs on the read loop and must not block.
func (l *Loader) OnNotify(name string, fn NotifyFunc) {
	l.notifyMutex.Lock()
	defer l.notifyMutex.Unlock()
	if fn == nil {
		delete(l.notify, name)
		return
	}
	l.notify[name] = fn
}

// Alive reports whether the plugin is loaded and still connected.
func (l *Loader) Alive() bool {
	c := l.conn.Load()
	return c != nil && c.ctx.Err() == nil && !l.closed.Load()
}

// Call sends payload to the plugin's service name and waits for the response.
// An error payload from the plugin comes back as *RemoteError.
func (l *Loader) Call(ctx context.Context, name string, payload []byte) ([]byte, error) {
	c := l.conn.Load()
	if c == nil || c.ctx.Err() != nil || l.closed.Load() {
		return nil, fmt.Errorf("%w: %s", ErrLoaderClosed, l.name)
	}

	seq := c.node.NextSequence()
	ch := make(chan Header, 1)

	l.requestMutex.Lock()
	l.pendingRequests[seq] = ch
	l.requestMutex.Unlock()

	defer func() {
		l.requestMutex.Lock()
		delete(l.pendingRequests, seq)
		l.requestMutex.Unlock()
	}()

	if err := c.send(ctx, seq, Header{Name: name, MessageType: MessageTypeRequest, Payload: payload}); err != nil {
		return nil, fmt.Errorf("failed to write request %s: %w", name, err)
	}

	select {
	case resp := <-ch:
		if resp.IsError {
			return nil, &RemoteError{Service: name, Message: string(resp.Payload)}
		}
		return resp.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, fmt.Errorf("%w: %s went away during %s", ErrLoaderClosed, l.name, name)
	}
}

// Describe asks the plugin for its descriptor catalog.
func (l *Loader) Describe(ctx context.Context) ([]*descriptor.Descriptor, error) {
	payload, err := l.Call(ctx, ServiceDescribe, nil)
	if err != nil {
		return nil, err
	}
	descs, err := descriptor.Unmarshal(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid catalog from %s: %w", l.name, err)
	}
	return descs, nil
}

// Close asks the plugin to shut down, waits up to the shutdown timeout for
// its acknowledgement and then closes the transport.
func (l *Loader) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrLoaderClosed, l.name)
	}
	c := l.conn.Load()
	if c == nil {
		return nil
	}

	if c.ctx.Err() == nil {
		ctx, cancel := context.WithTimeout(context.Background(), l.shutdownTimeout)
		if err := c.send(ctx, 0, Header{Name: ServiceShutdown, MessageType: MessageTypeRequest}); err == nil {
			select {
			case <-l.shutdownAck:
			case <-c.ctx.Done():
			case <-ctx.Done():
				l.logger.Warn().Str("plugin", l.name).Msg("plugin did not acknowledge shutdown")
			}
		}
		cancel()
	}

	c.cancel()
	closeErr := l.transport.Close()
	l.awaitGoroutines()

	l.logger.Debug().Str("plugin", l.name).Msg("plugin closed")
	return closeErr
}
