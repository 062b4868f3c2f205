package plugin

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/snowmerak/provider.go/lib/descriptor"
	"github.com/snowmerak/provider.go/lib/multiplexer"
)

// moduleSequenceBit marks messages the module starts itself so they never share
// a sequence number with a response to a host request.
const moduleSequenceBit = uint32(1) << 31

// HandlerFunc serves one request. A returned error is sent back to the host
// as an error response.
type HandlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

// Module is the plugin side of the connection: it dispatches host requests to
// registered handlers.
type Module struct {
	node   *multiplexer.Node
	logger zerolog.Logger

	handlerLock sync.RWMutex
	handler     map[string]HandlerFunc
	catalog     []byte

	shutdownOnce sync.Once
	shutdownChan chan struct{}
	activeJobs   sync.WaitGroup
}

type ModuleOption func(*Module)

// WithModuleLogger sets the module's logger. It must not write to the
// module's output stream.
func WithModuleLogger(logger zerolog.Logger) ModuleOption {
	return func(m *Module) {
		m.logger = logger
	}
}

// NewModule creates a module reading requests from reader and writing
// responses to writer. Nil streams default to os.Stdin and os.Stdout.
func NewModule(reader io.Reader, writer io.Writer, opts ...ModuleOption) *Module {
	if reader == nil {
		reader = os.Stdin
	}
	if writer == nil {
		writer = os.Stdout
	}

	m := &Module{
		node:         multiplexer.NewNode(reader, writer),
		logger:       zerolog.Nop(),
		handler:      make(map[string]HandlerFunc),
		shutdownChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Handle registers fn for service name. It panics on a duplicate or reserved
// name.
func (m *Module) Handle(name string, fn HandlerFunc) {
	switch name {
	case ServiceReady, ServiceRequestReady, ServiceShutdown, ServiceShutdownAck, ServiceDescribe:
		panic(fmt.Sprintf("service name %s is reserved", name))
	}

	m.handlerLock.Lock()
	defer m.handlerLock.Unlock()
	if _, exists := m.handler[name]; exists {
		panic(fmt.Sprintf("handler for %s already registered", name))
	}
	m.handler[name] = fn
}

// SetCatalog sets the descriptors returned to describe requests.
func (m *Module) SetCatalog(descs []*descriptor.Descriptor) error {
	data, err := descriptor.Marshal(descs)
	if err != nil {
		return fmt.Errorf("failed to encode catalog: %w", err)
	}
	m.handlerLock.Lock()
	m.catalog = data
	m.handlerLock.Unlock()
	return nil
}

// Notify pushes a notification to the host.
func (m *Module) Notify(ctx context.Context, name string, payload []byte) error {
	return m.write(ctx, 0, Header{Name: name, MessageType: MessageTypeNotify, Payload: payload})
}

// SendReady tells the host the module accepts requests.
func (m *Module) SendReady(ctx context.Context) error {
	return m.write(ctx, 0, Header{Name: ServiceReady, MessageType: MessageTypeNotify})
}

// Shutdown stops accepting requests; Listen returns once running ones finish.
func (m *Module) Shutdown() {
	m.shutdownOnce.Do(func() {
		close(m.shutdownChan)
	})
}

func (m *Module) IsShutdown() bool {
	select {
	case <-m.shutdownChan:
		return true
	default:
		return false
	}
}

func (m *Module) write(ctx context.Context, seq uint32, h Header) error {
	data, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	if seq == 0 {
		seq = m.node.NextSequence() | moduleSequenceBit
	}
	return m.node.WriteMessageWithSequence(ctx, seq, data)
}

func (m *Module) reply(ctx context.Context, seq uint32, name string, payload []byte, isError bool) {
	h := Header{Name: name, MessageType: MessageTypeResponse, Payload: payload}
	if isError {
		h.IsError = true
		h.MessageType = MessageTypeError
	}
	if err := m.write(ctx, seq, h); err != nil {
		m.logger.Warn().Err(err).Str("service", name).Msg("failed to send response")
	}
}

// Listen sends the ready signal and serves requests until the host asks for
// shutdown, the input stream ends or ctx is done. Requests already running
// are allowed to finish.
func (m *Module) Listen(ctx context.Context) error {
	listenCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	recv, err := m.node.ReadMessage(listenCtx)
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}
	if err := m.SendReady(ctx); err != nil {
		return fmt.Errorf("failed to send ready signal: %w", err)
	}

	defer m.activeJobs.Wait()

	for {
		var msg *multiplexer.Message
		select {
		case <-m.shutdownChan:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case next, ok := <-recv:
			if !ok {
				return nil
			}
			msg = next
		}

		if msg.Type != multiplexer.MessageHeaderTypeComplete {
			if msg.Type == multiplexer.MessageHeaderTypeError {
				m.logger.Warn().Str("error", string(msg.Data)).Msg("host stream error")
			}
			continue
		}

		var header Header
		if err := header.UnmarshalBinary(msg.Data); err != nil {
			m.logger.Warn().Err(err).Msg("dropping malformed request")
			continue
		}

		switch header.Name {
		case ServiceShutdown:
			m.logger.Debug().Msg("shutdown requested")
			m.Shutdown()
			m.activeJobs.Wait()
			if err := m.write(ctx, msg.ID, Header{Name: ServiceShutdownAck, MessageType: MessageTypeAck}); err != nil {
				m.logger.Warn().Err(err).Msg("failed to acknowledge shutdown")
			}
			return nil
		case ServiceRequestReady:
			if err := m.SendReady(ctx); err != nil {
				m.logger.Warn().Err(err).Msg("failed to resend ready signal")
			}
			continue
		case ServiceDescribe:
			m.handlerLock.RLock()
			catalog := m.catalog
			m.handlerLock.RUnlock()
			if catalog == nil {
				catalog, _ = descriptor.Marshal(nil)
			}
			m.reply(ctx, msg.ID, header.Name, catalog, false)
			continue
		}

		if m.IsShutdown() {
			m.reply(ctx, msg.ID, header.Name, []byte("service unavailable: shutdown in progress"), true)
			continue
		}

		m.activeJobs.Add(1)
		go func(seq uint32, h Header) {
			defer m.activeJobs.Done()
			m.process(listenCtx, seq, h)
		}(msg.ID, header)
	}
}

func (m *Module) process(ctx context.Context, seq uint32, h Header) {
	m.handlerLock.RLock()
	fn, exists := m.handler[h.Name]
	m.handlerLock.RUnlock()

	if !exists {
		m.reply(ctx, seq, h.Name, []byte("no handler registered for service: "+h.Name), true)
		return
	}

	result, err := m.invoke(ctx, fn, h.Payload)
	if err != nil {
		m.reply(ctx, seq, h.Name, []byte(err.Error()), true)
		return
	}
	m.reply(ctx, seq, h.Name, result, false)
}

func (m *Module) invoke(ctx context.Context, fn HandlerFunc, payload []byte) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("handler panicked")
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return fn(ctx, payload)
}
