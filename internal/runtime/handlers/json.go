package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"reflect"

	"github.com/drblury/duplexflow/internal/runtime"
	errspkg "github.com/drblury/duplexflow/internal/runtime/errors"
	jsoncodec "github.com/drblury/duplexflow/internal/runtime/jsoncodec"
)

// JSONCallHandler answers a call with its body already decoded into In.
type JSONCallHandler[S, In, Out any] func(ctx context.Context, req *runtime.Request[S], body In) (Out, error)

// JSONStreamHandler produces a stream for a body already decoded into In.
type JSONStreamHandler[S, In, Out any] func(ctx context.Context, req *runtime.Request[S], body In) iter.Seq2[Out, error]

// BuildJSONCall converts a typed JSON handler into a CallHandler. Pointer
// body types get a fresh value per call; an absent body leaves it zero.
func BuildJSONCall[S, In, Out any](handler JSONCallHandler[S, In, Out]) (runtime.CallHandler[S], error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	decode := jsonDecoder[In]()

	return func(ctx context.Context, req *runtime.Request[S]) (any, error) {
		body, err := decode(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal JSON body of %s: %w", req.Path, err)
		}
		return handler(ctx, req, body)
	}, nil
}

// BuildJSONStream converts a typed JSON stream producer into a StreamHandler.
// A body that fails to decode ends the stream with that error.
func BuildJSONStream[S, In, Out any](handler JSONStreamHandler[S, In, Out]) (runtime.StreamHandler[S], error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	decode := jsonDecoder[In]()

	return func(ctx context.Context, req *runtime.Request[S]) iter.Seq2[any, error] {
		body, err := decode(req.Body)
		if err != nil {
			return runtime.StreamError(fmt.Errorf("failed to unmarshal JSON body of %s: %w", req.Path, err))
		}
		return widen(handler(ctx, req, body))
	}, nil
}

func jsonDecoder[In any]() func(json.RawMessage) (In, error) {
	var zero In
	typ := reflect.TypeOf(zero)
	if typ != nil && typ.Kind() == reflect.Ptr {
		elem := typ.Elem()
		return func(data json.RawMessage) (In, error) {
			typed := reflect.New(elem).Interface().(In)
			if jsoncodec.IsNull(data) {
				return typed, nil
			}
			return typed, jsoncodec.Unmarshal(data, typed)
		}
	}
	return func(data json.RawMessage) (In, error) {
		var typed In
		if jsoncodec.IsNull(data) {
			return typed, nil
		}
		err := jsoncodec.Unmarshal(data, &typed)
		return typed, err
	}
}

// widen turns a typed sequence into the untyped one the dispatcher pulls.
// The sequence ends after the first error.
func widen[Out any](seq iter.Seq2[Out, error]) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		if seq == nil {
			return
		}
		for value, err := range seq {
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(value, nil) {
				return
			}
		}
	}
}
