// Package multiplexer frames independent messages over one byte stream.
//
// Every frame carries a 9 byte header: the frame type, the message sequence
// and the payload length, both big endian uint32. A message is a Start frame,
// any number of Data frames and an End frame; Abort drops a partial message.
package multiplexer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

const (
	MessageHeaderSize         = 9
	MessageHeaderTypeStart    = uint8(0x01)
	MessageHeaderTypeEnd      = uint8(0x02)
	MessageHeaderTypeData     = uint8(0x03)
	MessageHeaderTypeError    = uint8(0x04) // local read failure, never on the wire
	MessageHeaderTypeComplete = uint8(0x05) // delivered message
	MessageHeaderTypeAbort    = uint8(0x06)
)

const (
	DefaultChunkSize      = 1024
	DefaultMaxMessageSize = 10 * 1024 * 1024
)

var ErrMessageTooLarge = errors.New("message exceeds maximum size")

type Message struct {
	ID   uint32
	Data []byte
	Type uint8
}

// Metrics counts traffic through a Node.
type Metrics struct {
	MessagesWritten uint64
	MessagesRead    uint64
	BytesWritten    uint64
	BytesRead       uint64
}

type Node struct {
	reader io.Reader
	writer io.Writer

	chunkSize      int
	maxMessageSize int

	writerLock sync.Mutex
	readerLock sync.Mutex
	readBuffer map[uint32]*Message

	sequence atomic.Uint32

	messagesWritten atomic.Uint64
	messagesRead    atomic.Uint64
	bytesWritten    atomic.Uint64
	bytesRead       atomic.Uint64
}

type Option func(*Node)

// WithChunkSize sets the largest Data frame payload the node writes.
func WithChunkSize(size int) Option {
	return func(n *Node) {
		if size > 0 {
			n.chunkSize = size
		}
	}
}

// WithMaxMessageSize bounds the size of messages in both directions.
func WithMaxMessageSize(size int) Option {
	return func(n *Node) {
		if size > 0 {
			n.maxMessageSize = size
		}
	}
}

func NewNode(reader io.Reader, writer io.Writer, opts ...Option) *Node {
	n := &Node{
		reader:         reader,
		writer:         writer,
		chunkSize:      DefaultChunkSize,
		maxMessageSize: DefaultMaxMessageSize,
		readBuffer:     make(map[uint32]*Message),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// ReadMessage starts decoding frames and delivers finished messages on the
// returned channel: Complete for a whole message, Abort for a dropped one and
// Error for a protocol problem. The channel closes when the stream ends, a
// read fails or ctx is done.
func (n *Node) ReadMessage(ctx context.Context) (<-chan *Message, error) {
	if n.reader == nil {
		return nil, fmt.Errorf("reader is nil")
	}

	ch := make(chan *Message, 64)
	go func() {
		defer close(ch)

		emit := func(m *Message) bool {
			select {
			case ch <- m:
				return true
			case <-ctx.Done():
				return false
			}
		}
		fail := func(format string, args ...any) bool {
			return emit(&Message{Type: MessageHeaderTypeError, Data: fmt.Appendf(nil, format, args...)})
		}

		header := make([]byte, MessageHeaderSize)
		for ctx.Err() == nil {
			if _, err := io.ReadFull(n.reader, header); err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
					fail("failed to read header: %v", err)
				}
				return
			}

			msgType := header[0]
			frameID := binary.BigEndian.Uint32(header[1:5])
			dataLength := binary.BigEndian.Uint32(header[5:9])

			if int64(dataLength) > int64(n.maxMessageSize) {
				fail("data length %d exceeds maximum %d", dataLength, n.maxMessageSize)
				return
			}

			var payload []byte
			if dataLength > 0 {
				payload = make([]byte, dataLength)
				if _, err := io.ReadFull(n.reader, payload); err != nil {
					fail("failed to read frame %d: %v", frameID, err)
					return
				}
			}

			var ok bool
			switch msgType {
			case MessageHeaderTypeStart:
				ok = n.start(frameID, fail)
			case MessageHeaderTypeData:
				ok = n.append(frameID, payload, fail)
			case MessageHeaderTypeEnd, MessageHeaderTypeAbort:
				m, found := n.take(frameID)
				if !found {
					ok = fail("unknown frame ID: %d", frameID)
					break
				}
				if msgType == MessageHeaderTypeEnd {
					m.Type = MessageHeaderTypeComplete
					n.messagesRead.Add(1)
					n.bytesRead.Add(uint64(len(m.Data)))
				} else {
					m.Type = MessageHeaderTypeAbort
				}
				ok = emit(m)
			default:
				ok = fail("unknown message type: %d", msgType)
			}
			if !ok {
				return
			}
		}
	}()

	return ch, nil
}

func (n *Node) start(frameID uint32, fail func(string, ...any) bool) bool {
	n.readerLock.Lock()
	_, exists := n.readBuffer[frameID]
	if !exists {
		n.readBuffer[frameID] = &Message{ID: frameID, Type: MessageHeaderTypeStart}
	}
	n.readerLock.Unlock()

	if exists {
		return fail("frame ID %d already exists", frameID)
	}
	return true
}

func (n *Node) append(frameID uint32, payload []byte, fail func(string, ...any) bool) bool {
	n.readerLock.Lock()
	m, ok := n.readBuffer[frameID]
	tooLarge := ok && len(m.Data)+len(payload) > n.maxMessageSize
	switch {
	case tooLarge:
		delete(n.readBuffer, frameID)
	case ok:
		m.Data = append(m.Data, payload...)
	}
	n.readerLock.Unlock()

	if !ok {
		return fail("unknown frame ID: %d", frameID)
	}
	if tooLarge {
		return fail("frame %d: %v", frameID, ErrMessageTooLarge)
	}
	return true
}

func (n *Node) take(frameID uint32) (*Message, bool) {
	n.readerLock.Lock()
	defer n.readerLock.Unlock()
	m, ok := n.readBuffer[frameID]
	if ok {
		delete(n.readBuffer, frameID)
	}
	return m, ok
}

func (n *Node) write(msgType uint8, frameID uint32, data []byte) error {
	if n.writer == nil {
		return fmt.Errorf("writer is nil")
	}

	frame := make([]byte, MessageHeaderSize+len(data))
	frame[0] = msgType
	binary.BigEndian.PutUint32(frame[1:5], frameID)
	binary.BigEndian.PutUint32(frame[5:9], uint32(len(data)))
	copy(frame[MessageHeaderSize:], data)

	n.writerLock.Lock()
	defer n.writerLock.Unlock()
	if _, err := n.writer.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// WriteMessageWithSequence sends data as message seq. If ctx is done between
// chunks an Abort frame is sent and ctx.Err is returned.
func (n *Node) WriteMessageWithSequence(ctx context.Context, seq uint32, data []byte) error {
	if len(data) > n.maxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}

	abort := func() error {
		if err := n.write(MessageHeaderTypeAbort, seq, nil); err != nil {
			return fmt.Errorf("failed to write abort message: %w", err)
		}
		return ctx.Err()
	}

	if err := n.write(MessageHeaderTypeStart, seq, nil); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	for rest := data; len(rest) > 0; {
		if ctx.Err() != nil {
			return abort()
		}
		chunk := min(len(rest), n.chunkSize)
		if err := n.write(MessageHeaderTypeData, seq, rest[:chunk]); err != nil {
			return fmt.Errorf("failed to write data chunk: %w", err)
		}
		rest = rest[chunk:]
	}

	if ctx.Err() != nil {
		return abort()
	}
	if err := n.write(MessageHeaderTypeEnd, seq, nil); err != nil {
		return fmt.Errorf("failed to write end message: %w", err)
	}

	n.messagesWritten.Add(1)
	n.bytesWritten.Add(uint64(len(data)))
	return nil
}

// WriteMessage sends a message under the next sequence number and returns it.
func (n *Node) WriteMessage(ctx context.Context, data []byte) (uint32, error) {
	seq := n.NextSequence()
	return seq, n.WriteMessageWithSequence(ctx, seq, data)
}

// NextSequence reserves a sequence number.
func (n *Node) NextSequence() uint32 {
	return n.sequence.Add(1)
}

// PendingMessageCount returns the number of partially received messages.
func (n *Node) PendingMessageCount() int {
	n.readerLock.Lock()
	defer n.readerLock.Unlock()
	return len(n.readBuffer)
}

func (n *Node) Metrics() Metrics {
	return Metrics{
		MessagesWritten: n.messagesWritten.Load(),
		MessagesRead:    n.messagesRead.Load(),
		BytesWritten:    n.bytesWritten.Load(),
		BytesRead:       n.bytesRead.Load(),
	}
}

// Close drops partially received messages.
func (n *Node) Close() error {
	n.readerLock.Lock()
	defer n.readerLock.Unlock()
	clear(n.readBuffer)
	return nil
}
