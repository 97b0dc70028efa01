package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	errspkg "github.com/drblury/duplexflow/internal/runtime/errors"
	jsoncodec "github.com/drblury/duplexflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/duplexflow/internal/runtime/logging"
	"github.com/drblury/duplexflow/internal/runtime/message"
)

// Receive decodes one frame, a single message or a batch, and dispatches
// every message in order.
func (c *Channel[S]) Receive(ctx context.Context, data []byte, ctrl Controller[S]) error {
	msgs, err := message.Decode(data)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		c.ReceiveOne(ctx, msg, ctrl)
	}
	return nil
}

// ReceiveOne dispatches one message. The first present discriminant decides:
// path, stream, cancel, sub, unsub, topic, then a bare id. Anything else is
// dropped.
//
// Handlers and subscription payloads run on their own goroutines; cancels,
// subscription interest, unsubscribes, events and responses are handled
// before ReceiveOne returns.
func (c *Channel[S]) ReceiveOne(ctx context.Context, msg *message.Message, ctrl Controller[S]) {
	switch {
	case msg.Path != "":
		c.dispatchCall(ctx, msg, ctrl)
	case msg.Stream != "":
		c.dispatchStream(ctx, msg, ctrl)
	case msg.Cancel != nil:
		for _, err := range ctrl.Sender().cancelActive(*msg.Cancel) {
			c.logger.Error("Cancel action failed", err, loggingpkg.LogFields{"id": *msg.Cancel})
		}
	case msg.Sub != "":
		c.dispatchSubscription(ctx, msg, ctrl)
	case msg.Unsub != "":
		ctrl.Unsubscribe(msg.Unsub)
	case msg.Topic != "":
		if msg.ID != nil {
			ctrl.Sender().deliver(msg)
		}
		if !IsEmptyPayload(msg.Body) {
			ctrl.Event(msg.Topic, msg.Body)
		}
	case msg.ID != nil:
		if !ctrl.Sender().deliver(msg) {
			c.logger.Trace("Response without pending request", loggingpkg.LogFields{"id": *msg.ID})
		}
	default:
		c.logger.Debug("Dropping message without discriminant", loggingpkg.LogFields{"message": msg.String()})
	}
}

func (c *Channel[S]) dispatchCall(ctx context.Context, msg *message.Message, ctrl Controller[S]) {
	route, handler := c.lookupCall(msg.Path)
	call := newCallContext(route, msg.Path, RouteCall, msg.ID)
	if handler == nil {
		c.reject(ctx, call, errspkg.ErrAPINotFound, ctrl)
		return
	}

	sender := ctrl.Sender()
	task := newTask(ctx)
	var active *activeCall
	if call.HasID {
		active = &activeCall{task: task, respond: ctrl.Respond}
		sender.trackCall(call.ID, active)
	}
	go c.runCall(call, handler, msg.Body, ctrl, task, active)
}

func (c *Channel[S]) runCall(call CallContext, handler CallHandler[S], body json.RawMessage, ctrl Controller[S], task *Task, active *activeCall) {
	defer task.finish()
	ctx, done := c.begin(task.Context(), call)

	sender := ctrl.Sender()
	result, err := invokeCall(ctx, handler, &Request[S]{
		Path:   call.Path,
		Body:   body,
		Sender: sender,
		State:  ctrl.State(),
		Task:   task,
	})
	var raw json.RawMessage
	if err == nil {
		raw, err = jsoncodec.Raw(result)
	}

	if active == nil {
		if err != nil {
			c.logger.Error("Notification handler failed", err, loggingpkg.LogFields{"path": call.Path})
		}
		done(err)
		return
	}
	if !sender.untrackCall(call.ID, active) {
		// Already answered as cancelled.
		done(errspkg.ErrCancelled)
		return
	}
	if err != nil {
		ctrl.Respond(message.NewError(call.ID, errspkg.Wire(err)))
	} else {
		ctrl.Respond(message.NewResponse(call.ID, raw))
	}
	done(err)
}

func (c *Channel[S]) dispatchStream(ctx context.Context, msg *message.Message, ctrl Controller[S]) {
	route, handler := c.lookupStream(msg.Stream)
	call := newCallContext(route, msg.Stream, RouteStream, msg.ID)
	if handler == nil {
		c.reject(ctx, call, errspkg.ErrAPINotFound, ctrl)
		return
	}
	if !call.HasID {
		c.reject(ctx, call, errspkg.ErrStreamRequiresID, ctrl)
		return
	}

	task := newTask(ctx)
	stream := &activeStream{task: task}
	ctrl.Sender().trackStream(call.ID, stream)
	go c.runStream(call, handler, msg.Body, ctrl, task, stream)
}

// runStream pulls the producer one value at a time. A cancel stops the
// producer, which unwinds its pending yield, and ends the stream with done.
func (c *Channel[S]) runStream(call CallContext, handler StreamHandler[S], body json.RawMessage, ctrl Controller[S], task *Task, stream *activeStream) {
	sender := ctrl.Sender()
	defer task.finish()
	defer sender.untrackStream(call.ID, stream)
	ctx, done := c.begin(task.Context(), call)

	seq, err := invokeStream(ctx, handler, &Request[S]{
		Path:   call.Path,
		Body:   body,
		Sender: sender,
		State:  ctrl.State(),
		Task:   task,
	})
	if err != nil {
		ctrl.Respond(message.NewError(call.ID, errspkg.Wire(err)))
		done(err)
		return
	}

	next, stop := iter.Pull2(seq)
	defer stop()
	for {
		value, err, ok := pullNext(next)
		if task.Cancelled() {
			stop()
			ctrl.Respond(message.NewDone(call.ID))
			done(errspkg.ErrCancelled)
			return
		}
		if !ok {
			ctrl.Respond(message.NewDone(call.ID))
			done(nil)
			return
		}
		if err == nil {
			var raw json.RawMessage
			if raw, err = jsoncodec.Raw(value); err == nil {
				ctrl.Respond(message.NewResponse(call.ID, raw))
				continue
			}
		}
		ctrl.Respond(message.NewError(call.ID, errspkg.Wire(err)))
		done(err)
		return
	}
}

func (c *Channel[S]) dispatchSubscription(ctx context.Context, msg *message.Message, ctrl Controller[S]) {
	sub, ok := c.subscriptions[msg.Sub]
	call := newCallContext(msg.Sub, msg.Sub, RouteSubscription, msg.ID)
	if !ok {
		call.Route = ""
		c.reject(ctx, call, errspkg.ErrSubscriptionNotFound, ctrl)
		return
	}

	var key any
	if !jsoncodec.IsNull(msg.Body) {
		if err := jsoncodec.Unmarshal(msg.Body, &key); err != nil {
			_, done := c.begin(ctx, call)
			c.fail(call, fmt.Errorf("decode subscription key: %w", err), ctrl, done)
			return
		}
	}

	// Interest is recorded before ReceiveOne returns so a later unsub in the
	// same frame applies to it. Only the payload is derived asynchronously.
	topic := sub.Topic(key)
	ctrl.Subscribe(topic, sub)
	go c.runSubscription(ctx, call, sub, key, topic, ctrl)
}

// runSubscription answers a sub call with its initial payload. A failed
// derivation withdraws the interest recorded by dispatchSubscription.
func (c *Channel[S]) runSubscription(ctx context.Context, call CallContext, sub *Subscription, key any, topic string, ctrl Controller[S]) {
	ctx, done := c.begin(ctx, call)

	payload, err := derivePayload(ctx, sub, key)
	var raw json.RawMessage
	if err == nil {
		raw, err = jsoncodec.Raw(payload)
	}
	if err != nil {
		ctrl.Unsubscribe(topic)
		c.fail(call, err, ctrl, done)
		return
	}

	response := &message.Message{Topic: topic, Body: raw}
	if call.HasID {
		response.ID = message.ID(call.ID)
	}
	ctrl.Respond(response)
	done(nil)
}

func (c *Channel[S]) fail(call CallContext, err error, ctrl Controller[S], done func(error)) {
	if call.HasID {
		ctrl.Respond(message.NewError(call.ID, errspkg.Wire(err)))
	}
	done(err)
}

// reject answers a request that never reached a handler.
func (c *Channel[S]) reject(ctx context.Context, call CallContext, err error, ctrl Controller[S]) {
	fields := loggingpkg.LogFields{"path": call.Path, "kind": call.Kind}
	if call.HasID {
		ctrl.Respond(message.NewError(call.ID, errspkg.Wire(err)))
	} else {
		fields["response"] = "none"
	}
	c.logger.Debug("Rejected request: "+err.Error(), fields)
	_, done := c.begin(ctx, call)
	done(err)
}

// begin opens the span, stats and hooks for one request and returns the
// function that closes them.
func (c *Channel[S]) begin(ctx context.Context, call CallContext) (context.Context, func(error)) {
	ctx, span := startSpan(ctx, c.tracer, call)
	call.Context = ctx
	stats := c.stats[routeKey(call.Kind, call.Route)]
	if stats != nil {
		stats.onStart()
	}
	c.hooks.start(call)
	return ctx, func(err error) {
		if stats != nil {
			stats.onFinish(time.Since(call.StartedAt), err)
		}
		c.hooks.finish(call, err)
		endSpan(span, err)
	}
}

func newCallContext(route, path string, kind RouteKind, id *uint64) CallContext {
	call := CallContext{Route: route, Path: path, Kind: kind, StartedAt: time.Now()}
	if id != nil {
		call.ID = *id
		call.HasID = true
	}
	return call
}

func invokeCall[S any](ctx context.Context, handler CallHandler[S], req *Request[S]) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, req)
}

func invokeStream[S any](ctx context.Context, handler StreamHandler[S], req *Request[S]) (seq iter.Seq2[any, error], err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stream handler panicked: %v", r)
		}
	}()
	seq = handler(ctx, req)
	if seq == nil {
		return StreamOf[any](), nil
	}
	return seq, nil
}

// pullNext forwards a producer panic as an error.
func pullNext(next func() (any, error, bool)) (value any, err error, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			value, err, ok = nil, fmt.Errorf("stream producer panicked: %v", r), true
		}
	}()
	return next()
}

func derivePayload(ctx context.Context, sub *Subscription, key any) (payload any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscription body panicked: %v", r)
		}
	}()
	return sub.Payload(ctx, key)
}
