package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"

	jsoncodec "github.com/drblury/duplexflow/internal/runtime/jsoncodec"
)

// Request is what a handler receives for one inbound call or stream. State
// is the connection's State value; use a pointer type when handlers need to
// mutate it.
type Request[S any] struct {
	// Path is the call or stream path as sent by the caller. Pattern handlers
	// use it to tell apart the paths they matched.
	Path   string
	Body   json.RawMessage
	Sender *Sender
	State  S
	Task   *Task
}

// Bind decodes the request body into v. An absent body leaves v untouched.
func (r *Request[S]) Bind(v any) error {
	if jsoncodec.IsNull(r.Body) {
		return nil
	}
	if err := jsoncodec.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode body of %s: %w", r.Path, err)
	}
	return nil
}

// CallHandler answers a call with a single value. The returned value is
// encoded as the response body; a nil value sends no body.
type CallHandler[S any] func(ctx context.Context, req *Request[S]) (any, error)

// StreamHandler produces the values of a stream call. The dispatcher pulls
// the sequence one value at a time. A non-nil error ends the stream with an
// error response. When the caller cancels, ctx is cancelled and the pending
// yield returns false, so deferred cleanup in the producer runs.
type StreamHandler[S any] func(ctx context.Context, req *Request[S]) iter.Seq2[any, error]

// Matcher decides whether a pattern handler accepts a path.
type Matcher func(path string) bool

// DisconnectHook runs once when a connection goes away. Returned errors and
// panics are logged and otherwise ignored.
type DisconnectHook[S any] func(state S, sender *Sender) error

type callPattern[S any] struct {
	name    string
	match   Matcher
	handler CallHandler[S]
}

type streamPattern[S any] struct {
	name    string
	match   Matcher
	handler StreamHandler[S]
}

// PrefixMatcher matches prefix itself and every path below it.
func PrefixMatcher(prefix string) Matcher {
	return func(path string) bool {
		return path == prefix || strings.HasPrefix(path, prefix+"/")
	}
}

// StreamOf adapts a list of values into a stream sequence.
func StreamOf[T any](values ...T) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		for _, v := range values {
			if !yield(v, nil) {
				return
			}
		}
	}
}

// StreamError is a stream that ends immediately with err.
func StreamError(err error) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		yield(nil, err)
	}
}
