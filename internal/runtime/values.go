package runtime

import (
	"context"
	"encoding/json"
	"iter"
	"sync"

	errspkg "github.com/drblury/duplexflow/internal/runtime/errors"
	jsoncodec "github.com/drblury/duplexflow/internal/runtime/jsoncodec"
	"github.com/drblury/duplexflow/internal/runtime/message"
)

// Values is the consumer side of a stream call. The stream starts on the
// first call to Next; responses that arrive before they are pulled are
// buffered without bound.
type Values struct {
	sender *Sender
	path   string
	body   any

	mu       sync.Mutex
	started  bool
	finished bool
	id       uint64
	local    localRef
	queue    []*message.Message
	wake     chan struct{}
}

// Next returns the next value. ok is false once the stream has completed or
// failed; the failure is returned once as err.
func (v *Values) Next(ctx context.Context) (body json.RawMessage, ok bool, err error) {
	v.mu.Lock()
	if !v.started {
		if err := v.startLocked(); err != nil {
			v.mu.Unlock()
			return nil, false, err
		}
	}
	for {
		if len(v.queue) > 0 {
			msg := v.queue[0]
			v.queue[0] = nil
			v.queue = v.queue[1:]
			if msg.Error != "" || msg.Done {
				v.finished = true
				v.queue = nil
				v.mu.Unlock()
				v.local.settle(v.sender.conn)
				if msg.Error != "" {
					return nil, false, errspkg.Remote(msg.Error)
				}
				return nil, false, nil
			}
			v.mu.Unlock()
			return msg.Body, true, nil
		}
		if v.finished {
			v.mu.Unlock()
			return nil, false, nil
		}
		v.mu.Unlock()

		select {
		case <-v.wake:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
		v.mu.Lock()
	}
}

// Close ends the stream early. If the request has not left the transport it
// is retracted; otherwise the other side receives a cancel. Close is
// idempotent.
func (v *Values) Close() {
	v.mu.Lock()
	if !v.started || v.finished {
		v.started = true
		v.finished = true
		v.mu.Unlock()
		return
	}
	v.finished = true
	v.queue = nil
	id := v.id
	v.mu.Unlock()

	if v.sender.drop(id) {
		if !v.local.retract(v.sender.conn) {
			v.sender.conn.Notify(message.NewCancel(id))
		}
	}
	v.local.settle(v.sender.conn)
}

// All ranges over the stream. Breaking out of the loop closes it.
func (v *Values) All(ctx context.Context) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		defer v.Close()
		for {
			body, ok, err := v.Next(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			if !ok || !yield(body, nil) {
				return
			}
		}
	}
}

func (v *Values) startLocked() error {
	v.started = true
	raw, err := jsoncodec.Raw(v.body)
	if err != nil {
		v.finished = true
		return err
	}
	v.id = v.sender.ids.Next()
	if !v.sender.register(v.id, &pendingRequest{stream: true, deliver: v.deliver}) {
		v.finished = true
		return errspkg.ErrConnectionClosed
	}
	// Send may deliver synchronously on loopback connections, which would
	// need v.mu, so the lock is released around it.
	v.mu.Unlock()
	localID := v.sender.conn.Send(message.NewStreamCall(v.id, v.path, raw))
	v.mu.Lock()
	v.local.assign(v.sender.conn, localID)
	return nil
}

func (v *Values) deliver(msg *message.Message) {
	v.mu.Lock()
	if v.finished {
		v.mu.Unlock()
		return
	}
	v.queue = append(v.queue, msg)
	v.mu.Unlock()

	select {
	case v.wake <- struct{}{}:
	default:
	}
}
