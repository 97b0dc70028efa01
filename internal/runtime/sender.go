package runtime

import (
	"context"
	"encoding/json"
	"sync"

	errspkg "github.com/drblury/duplexflow/internal/runtime/errors"
	idspkg "github.com/drblury/duplexflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/duplexflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/duplexflow/internal/runtime/logging"
	"github.com/drblury/duplexflow/internal/runtime/message"
)

// Sender is the per-connection API for talking to the other side: calls,
// streams, subscriptions. Exactly one Sender exists per connection.
//
// The Sender owns two kinds of tables. The pending table holds the requests
// this side issued and is keyed by request id. The active tables hold the
// calls and streams the other side issued and this side is running.
type Sender struct {
	conn    Connection
	ids     *idspkg.Sequence
	logger  loggingpkg.Logger
	metrics *Metrics

	mu      sync.Mutex
	closed  bool
	pending map[uint64]*pendingRequest
	streams map[uint64]*activeStream
	calls   map[uint64]*activeCall
}

type pendingRequest struct {
	stream  bool
	deliver func(msg *message.Message)
}

type activeStream struct {
	task *Task
}

type activeCall struct {
	task    *Task
	respond func(msg *message.Message)
}

func newSender(conn Connection, seq *idspkg.Sequence, logger loggingpkg.Logger, metrics *Metrics) *Sender {
	return &Sender{
		conn:    conn,
		ids:     seq,
		logger:  logger,
		metrics: metrics,
		pending: make(map[uint64]*pendingRequest),
		streams: make(map[uint64]*activeStream),
		calls:   make(map[uint64]*activeCall),
	}
}

// Connection returns the transport the Sender writes to.
func (s *Sender) Connection() Connection {
	return s.conn
}

// Send calls path and waits for its response. Cancelling ctx cancels the
// request.
func (s *Sender) Send(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return s.Request(path, body).Wait(ctx)
}

// Notify calls path without an id; no response is ever sent back.
func (s *Sender) Notify(path string, body any) error {
	raw, err := jsoncodec.Raw(body)
	if err != nil {
		return err
	}
	s.conn.Notify(message.NewCall(nil, path, raw))
	return nil
}

// Request issues a call and returns a handle that can be awaited or
// cancelled.
func (s *Sender) Request(path string, body any) *Call {
	call := &Call{sender: s, done: make(chan struct{})}
	raw, err := jsoncodec.Raw(body)
	if err != nil {
		call.resolve(nil, err)
		return call
	}

	call.id = s.ids.Next()
	if !s.register(call.id, &pendingRequest{deliver: call.deliver}) {
		call.resolve(nil, errspkg.ErrConnectionClosed)
		return call
	}
	call.local.assign(s.conn, s.conn.Send(message.NewCall(message.ID(call.id), path, raw)))
	return call
}

// Values returns a lazy stream over path. Nothing is sent until the first
// call to Next.
func (s *Sender) Values(path string, body any) *Values {
	return &Values{sender: s, path: path, body: body, wake: make(chan struct{}, 1)}
}

// Subscribe asks the other side for the subscription at path and routes the
// resulting topic's events to onEvent. The returned Cancellable removes the
// listener and, when it was the last one for the topic, unsubscribes.
func (s *Sender) Subscribe(ctx context.Context, path string, body any, onEvent func(body json.RawMessage)) (Cancellable, error) {
	raw, err := jsoncodec.Raw(body)
	if err != nil {
		return nil, err
	}

	type result struct {
		handle *topicHandle
		err    error
	}
	results := make(chan result, 1)

	id := s.ids.Next()
	deliver := func(msg *message.Message) {
		if msg.Error != "" {
			results <- result{err: errspkg.Remote(msg.Error)}
			return
		}
		remove := s.conn.AddTopic(msg.Topic, onEvent)
		results <- result{handle: &topicHandle{sender: s, topic: msg.Topic, remove: remove}}
	}
	if !s.register(id, &pendingRequest{deliver: deliver}) {
		return nil, errspkg.ErrConnectionClosed
	}

	var local localRef
	local.assign(s.conn, s.conn.Send(message.NewSubCall(id, path, raw)))

	select {
	case res := <-results:
		local.settle(s.conn)
		if res.err != nil {
			return nil, res.err
		}
		return res.handle, nil
	case <-ctx.Done():
		local.settle(s.conn)
		if !s.drop(id) {
			// The response is already being delivered.
			if res := <-results; res.handle != nil {
				res.handle.Cancel()
			}
		}
		return nil, ctx.Err()
	}
}

// Stop closes the underlying connection.
func (s *Sender) Stop() {
	s.conn.Stop()
}

// Pending returns the number of outstanding requests issued by this side.
func (s *Sender) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Active returns the number of calls and streams this side is running for
// the other side.
func (s *Sender) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams) + len(s.calls)
}

func (s *Sender) register(id uint64, req *pendingRequest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.pending[id] = req
	s.metrics.pendingChanged(1)
	return true
}

func (s *Sender) drop(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; !ok {
		return false
	}
	delete(s.pending, id)
	s.metrics.pendingChanged(-1)
	return true
}

// deliver correlates a response with the request that caused it. Stream
// requests stay registered until a done or error response arrives.
func (s *Sender) deliver(msg *message.Message) bool {
	id := msg.IDValue()
	s.mu.Lock()
	req, ok := s.pending[id]
	if ok && (!req.stream || msg.Done || msg.Error != "") {
		delete(s.pending, id)
		s.metrics.pendingChanged(-1)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	req.deliver(msg)
	return true
}

func (s *Sender) trackStream(id uint64, stream *activeStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[id] = stream
	s.metrics.streamsChanged(1)
}

func (s *Sender) untrackStream(id uint64, stream *activeStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streams[id] == stream {
		delete(s.streams, id)
		s.metrics.streamsChanged(-1)
	}
}

func (s *Sender) trackCall(id uint64, call *activeCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[id] = call
}

// untrackCall reports whether call was still active, which means the caller
// owns the right to respond.
func (s *Sender) untrackCall(id uint64, call *activeCall) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls[id] != call {
		return false
	}
	delete(s.calls, id)
	return true
}

// cancelActive handles an inbound cancel for id.
func (s *Sender) cancelActive(id uint64) []error {
	s.mu.Lock()
	stream := s.streams[id]
	call := s.calls[id]
	if call != nil {
		delete(s.calls, id)
	}
	s.mu.Unlock()

	var errs []error
	if stream != nil {
		errs = append(errs, stream.task.cancelTask()...)
	}
	if call != nil {
		errs = append(errs, call.task.cancelTask()...)
		call.respond(message.NewError(id, errspkg.Wire(errspkg.ErrCancelled)))
	}
	return errs
}

// teardown cancels everything owned by this connection. Requests still
// waiting for a response fail with ErrCancelled.
func (s *Sender) teardown() []error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := s.pending
	streams := s.streams
	calls := s.calls
	s.pending = make(map[uint64]*pendingRequest)
	s.streams = make(map[uint64]*activeStream)
	s.calls = make(map[uint64]*activeCall)
	s.metrics.pendingChanged(-len(pending))
	s.metrics.streamsChanged(-len(streams))
	s.mu.Unlock()

	var errs []error
	for _, stream := range streams {
		errs = append(errs, stream.task.cancelTask()...)
	}
	for _, call := range calls {
		errs = append(errs, call.task.cancelTask()...)
	}
	for id, req := range pending {
		req.deliver(message.NewError(id, errspkg.Wire(errspkg.ErrCancelled)))
	}
	return errs
}

// Call is an outstanding request issued through Sender.Request.
type Call struct {
	sender *Sender
	id     uint64
	local  localRef

	once sync.Once
	done chan struct{}
	body json.RawMessage
	err  error
}

// ID returns the request id on the wire.
func (c *Call) ID() uint64 {
	return c.id
}

// Done is closed once the call has a result.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks for the response. If ctx ends first the call is cancelled.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.done:
		return c.body, c.err
	case <-ctx.Done():
		c.Cancel()
		<-c.done
		if c.err == errspkg.ErrCancelled {
			return nil, ctx.Err()
		}
		return c.body, c.err
	}
}

// Cancel abandons the call. The request is retracted if it has not left
// the transport yet; otherwise the other side is asked to cancel it.
func (c *Call) Cancel() {
	if !c.sender.drop(c.id) {
		return
	}
	if !c.local.retract(c.sender.conn) {
		c.sender.conn.Notify(message.NewCancel(c.id))
	}
	c.local.settle(c.sender.conn)
	c.resolve(nil, errspkg.ErrCancelled)
}

func (c *Call) deliver(msg *message.Message) {
	c.local.settle(c.sender.conn)
	if msg.Error != "" {
		c.resolve(nil, errspkg.Remote(msg.Error))
		return
	}
	c.resolve(msg.Body, nil)
}

func (c *Call) resolve(body json.RawMessage, err error) {
	c.once.Do(func() {
		c.body = body
		c.err = err
		close(c.done)
	})
}

type topicHandle struct {
	sender *Sender
	topic  string
	remove func() bool
}

// Topic returns the topic the subscription resolved to.
func (h *topicHandle) Topic() string {
	return h.topic
}

func (h *topicHandle) Cancel() {
	if h.remove() {
		h.sender.conn.Notify(message.NewUnsubscribe(h.topic))
	}
}

// localRef tracks the transport-local id of one request. Responses may
// arrive before Connection.Send returns, so settling is deferred until the
// id is known.
type localRef struct {
	mu       sync.Mutex
	id       uint64
	assigned bool
	settled  bool
}

func (r *localRef) assign(conn Connection, id uint64) {
	r.mu.Lock()
	r.id = id
	r.assigned = true
	settled := r.settled
	r.mu.Unlock()
	if settled {
		conn.Sent(id)
	}
}

func (r *localRef) settle(conn Connection) {
	r.mu.Lock()
	if r.settled {
		r.mu.Unlock()
		return
	}
	r.settled = true
	assigned, id := r.assigned, r.id
	r.mu.Unlock()
	if assigned {
		conn.Sent(id)
	}
}

func (r *localRef) retract(conn Connection) bool {
	r.mu.Lock()
	assigned, id := r.assigned, r.id
	r.mu.Unlock()
	return assigned && conn.Cancel(id)
}
