package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/duplexflow/internal/runtime"
	errspkg "github.com/drblury/duplexflow/internal/runtime/errors"
	jsoncodec "github.com/drblury/duplexflow/internal/runtime/jsoncodec"
)

// ProtoCallHandler answers a call whose body is the protojson form of In.
type ProtoCallHandler[S any, In, Out proto.Message] func(ctx context.Context, req *runtime.Request[S], body In) (Out, error)

// ProtoStreamHandler produces protobuf values for a stream call.
type ProtoStreamHandler[S any, In, Out proto.Message] func(ctx context.Context, req *runtime.Request[S], body In) iter.Seq2[Out, error]

// ProtoOption customises a protobuf handler.
type ProtoOption func(*protoOptions)

type protoOptions struct {
	validate  func(proto.Message) error
	marshal   protojson.MarshalOptions
	unmarshal protojson.UnmarshalOptions
}

// WithValidator checks every outgoing message before it is encoded.
func WithValidator(validate func(proto.Message) error) ProtoOption {
	return func(cfg *protoOptions) {
		cfg.validate = validate
	}
}

// WithDiscardUnknown ignores unknown fields in request bodies.
func WithDiscardUnknown() ProtoOption {
	return func(cfg *protoOptions) {
		cfg.unmarshal.DiscardUnknown = true
	}
}

// WithEmitUnpopulated renders zero-valued fields in responses.
func WithEmitUnpopulated() ProtoOption {
	return func(cfg *protoOptions) {
		cfg.marshal.EmitUnpopulated = true
	}
}

func applyProtoOptions(opts []ProtoOption) protoOptions {
	cfg := protoOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// BuildProtoCall converts a typed protobuf handler into a CallHandler. Bodies
// travel as protojson so both sides keep speaking plain JSON on the wire.
func BuildProtoCall[S any, In, Out proto.Message](prototype In, handler ProtoCallHandler[S, In, Out], opts ...ProtoOption) (runtime.CallHandler[S], error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	prototype, err := EnsureProtoPrototype(prototype)
	if err != nil {
		return nil, err
	}
	cfg := applyProtoOptions(opts)

	return func(ctx context.Context, req *runtime.Request[S]) (any, error) {
		body, err := decodeProto(cfg, prototype, req.Body)
		if err != nil {
			return nil, err
		}
		out, err := handler(ctx, req, body)
		if err != nil {
			return nil, err
		}
		return encodeProto(cfg, out)
	}, nil
}

// BuildProtoStream converts a typed protobuf stream producer into a
// StreamHandler.
func BuildProtoStream[S any, In, Out proto.Message](prototype In, handler ProtoStreamHandler[S, In, Out], opts ...ProtoOption) (runtime.StreamHandler[S], error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	prototype, err := EnsureProtoPrototype(prototype)
	if err != nil {
		return nil, err
	}
	cfg := applyProtoOptions(opts)

	return func(ctx context.Context, req *runtime.Request[S]) iter.Seq2[any, error] {
		body, err := decodeProto(cfg, prototype, req.Body)
		if err != nil {
			return runtime.StreamError(err)
		}
		return func(yield func(any, error) bool) {
			for out, err := range handler(ctx, req, body) {
				if err != nil {
					yield(nil, err)
					return
				}
				raw, err := encodeProto(cfg, out)
				if err != nil {
					yield(nil, err)
					return
				}
				if !yield(raw, nil) {
					return
				}
			}
		}
	}, nil
}

func decodeProto[In proto.Message](cfg protoOptions, prototype In, data json.RawMessage) (In, error) {
	typed, err := clonePrototype(prototype)
	if err != nil {
		return typed, err
	}
	if jsoncodec.IsNull(data) {
		return typed, nil
	}
	if err := cfg.unmarshal.Unmarshal(data, typed); err != nil {
		return typed, fmt.Errorf("failed to unmarshal %T body: %w", prototype, err)
	}
	return typed, nil
}

func encodeProto(cfg protoOptions, msg proto.Message) (json.RawMessage, error) {
	if isNilProto(msg) {
		return nil, nil
	}
	if cfg.validate != nil {
		if err := cfg.validate(msg); err != nil {
			return nil, err
		}
	}
	data, err := cfg.marshal.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T: %w", msg, err)
	}
	return data, nil
}

func clonePrototype[T proto.Message](prototype T) (T, error) {
	if isNilProto(prototype) {
		var zero T
		return zero, errspkg.ErrBodyTypeRequired
	}

	cloned := proto.Clone(prototype)
	proto.Reset(cloned)

	typed, ok := cloned.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected prototype type %T", cloned)
	}

	return typed, nil
}

// EnsureProtoPrototype returns candidate, or a fresh instance of its type
// when candidate is a typed nil pointer.
func EnsureProtoPrototype[T proto.Message](candidate T) (T, error) {
	if !isNilProto(candidate) {
		return candidate, nil
	}

	var zero T
	typ := reflect.TypeOf(candidate)
	if typ == nil {
		return zero, errspkg.ErrBodyTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return zero, errspkg.ErrBodyPointerNeeded
	}

	inst := reflect.New(typ.Elem()).Interface()
	typed, ok := inst.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected prototype type %s", typ)
	}
	return typed, nil
}

func isNilProto(msg proto.Message) bool {
	if msg == nil {
		return true
	}

	val := reflect.ValueOf(msg)
	switch val.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}
