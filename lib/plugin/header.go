// Package plugin runs plugins as child processes and talks to them over a
// framed request/response protocol on their stdio.
package plugin

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MessageType represents the type of message being sent
type MessageType uint8

const (
	MessageTypeRequest  MessageType = 0x01 // expects a response
	MessageTypeResponse MessageType = 0x02
	MessageTypeNotify   MessageType = 0x03 // no response expected
	MessageTypeAck      MessageType = 0x04
	MessageTypeError    MessageType = 0x05
)

func (mt MessageType) String() string {
	switch mt {
	case MessageTypeRequest:
		return "Request"
	case MessageTypeResponse:
		return "Response"
	case MessageTypeNotify:
		return "Notify"
	case MessageTypeAck:
		return "Ack"
	case MessageTypeError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Services every module answers without registration.
const (
	ServiceReady        = "ready"
	ServiceRequestReady = "request_ready"
	ServiceShutdown     = "shutdown"
	ServiceShutdownAck  = "shutdown_ack"
	ServiceDescribe     = "describe"
)

var ErrMalformedHeader = errors.New("malformed message header")

// Header is the envelope of every message: the service name, the error flag,
// the message type and the payload.
//
// Wire layout, big endian: name length (uint32), name, error flag (1 byte),
// message type (1 byte), payload length (uint32), payload.
type Header struct {
	Name        string
	IsError     bool
	MessageType MessageType
	Payload     []byte
}

const headerFixedSize = 4 + 1 + 1 + 4

func (h *Header) MarshalBinary() ([]byte, error) {
	if uint64(len(h.Name)) > 0xFFFFFFFF || uint64(len(h.Payload)) > 0xFFFFFFFF {
		return nil, fmt.Errorf("%w: field too long", ErrMalformedHeader)
	}

	buf := make([]byte, 0, headerFixedSize+len(h.Name)+len(h.Payload))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(h.Name)))
	buf = append(buf, h.Name...)
	if h.IsError {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, byte(h.MessageType))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(h.Payload)))
	buf = append(buf, h.Payload...)
	return buf, nil
}

func (h *Header) UnmarshalBinary(data []byte) error {
	if len(data) < headerFixedSize {
		return fmt.Errorf("%w: %d bytes", ErrMalformedHeader, len(data))
	}

	nameLen := uint64(binary.BigEndian.Uint32(data))
	data = data[4:]
	if uint64(len(data)) < nameLen+headerFixedSize-4 {
		return fmt.Errorf("%w: name length %d", ErrMalformedHeader, nameLen)
	}
	name := string(data[:nameLen])
	data = data[nameLen:]

	isError := data[0] == 1
	msgType := MessageType(data[1])
	payloadLen := uint64(binary.BigEndian.Uint32(data[2:6]))
	data = data[6:]
	if uint64(len(data)) != payloadLen {
		return fmt.Errorf("%w: payload length %d, have %d", ErrMalformedHeader, payloadLen, len(data))
	}

	h.Name = name
	h.IsError = isError
	h.MessageType = msgType
	h.Payload = append([]byte(nil), data...)
	return nil
}
