package plugin

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Codec converts typed values to and from message payloads.
type Codec[T any] struct {
	Marshal   func(T) ([]byte, error)
	Unmarshal func([]byte) (T, error)
}

func JSONCodec[T any]() Codec[T] {
	return Codec[T]{
		Marshal: func(v T) ([]byte, error) {
			return json.Marshal(v)
		},
		Unmarshal: func(data []byte) (T, error) {
			var v T
			err := json.Unmarshal(data, &v)
			return v, err
		},
	}
}

// ProtoCodec needs newT to return a fresh, non-nil message to decode into.
func ProtoCodec[T proto.Message](newT func() T) Codec[T] {
	return Codec[T]{
		Marshal: func(v T) ([]byte, error) {
			return proto.Marshal(v)
		},
		Unmarshal: func(data []byte) (T, error) {
			v := newT()
			if err := proto.Unmarshal(data, v); err != nil {
				var zero T
				return zero, err
			}
			return v, nil
		},
	}
}

// Caller is the part of a Loader a typed client needs.
type Caller interface {
	Call(ctx context.Context, name string, payload []byte) ([]byte, error)
}

// CallTyped encodes req, calls service name and decodes the response.
func CallTyped[Req, Resp any](ctx context.Context, c Caller, name string, req Req, reqCodec Codec[Req], respCodec Codec[Resp]) (Resp, error) {
	var zero Resp

	payload, err := reqCodec.Marshal(req)
	if err != nil {
		return zero, fmt.Errorf("failed to marshal request for %s: %w", name, err)
	}
	out, err := c.Call(ctx, name, payload)
	if err != nil {
		return zero, err
	}
	resp, err := respCodec.Unmarshal(out)
	if err != nil {
		return zero, fmt.Errorf("failed to unmarshal response for %s: %w", name, err)
	}
	return resp, nil
}

// CallJSON is CallTyped with JSON on both sides.
func CallJSON[Req, Resp any](ctx context.Context, c Caller, name string, req Req) (Resp, error) {
	return CallTyped(ctx, c, name, req, JSONCodec[Req](), JSONCodec[Resp]())
}

// HandleTyped registers a typed handler on m.
func HandleTyped[Req, Resp any](m *Module, name string, reqCodec Codec[Req], respCodec Codec[Resp], fn func(ctx context.Context, req Req) (Resp, error)) {
	m.Handle(name, func(ctx context.Context, payload []byte) ([]byte, error) {
		req, err := reqCodec.Unmarshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal request for %s: %w", name, err)
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		return respCodec.Marshal(resp)
	})
}

// HandleJSON is HandleTyped with JSON on both sides.
func HandleJSON[Req, Resp any](m *Module, name string, fn func(ctx context.Context, req Req) (Resp, error)) {
	HandleTyped(m, name, JSONCodec[Req](), JSONCodec[Resp](), fn)
}
