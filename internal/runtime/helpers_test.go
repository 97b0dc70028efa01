package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	idspkg "github.com/drblury/duplexflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/duplexflow/internal/runtime/logging"
	"github.com/drblury/duplexflow/internal/runtime/message"
	"github.com/drblury/duplexflow/transport"
)

const testTimeout = 2 * time.Second

type testState struct {
	mu   sync.Mutex
	name string
}

func (s *testState) setName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
}

func (s *testState) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

type testCounters struct {
	streamCancel atomic.Int32
}

// newTestChannel registers the routes shared by the dispatch, loopback and
// client tests.
func newTestChannel(counters *testCounters, events *Subscription) *Channel[*testState] {
	ch := NewChannel[*testState](WithLogger[*testState](loggingpkg.Nop()))

	ch.HandleCall("hello", func(context.Context, *Request[*testState]) (any, error) {
		return "world", nil
	})
	ch.HandleCall("echo", func(_ context.Context, req *Request[*testState]) (any, error) {
		return req.Body, nil
	})
	ch.HandleCall("empty", func(context.Context, *Request[*testState]) (any, error) {
		return nil, nil
	})
	ch.HandleCall("fail", func(context.Context, *Request[*testState]) (any, error) {
		return nil, errors.New("boom")
	})
	ch.HandleCall("panic", func(context.Context, *Request[*testState]) (any, error) {
		panic("kaboom")
	})
	ch.HandleCall("mirror", func(ctx context.Context, req *Request[*testState]) (any, error) {
		return req.Sender.Send(ctx, "hello", nil)
	})
	ch.HandleCall("auth", func(_ context.Context, req *Request[*testState]) (any, error) {
		var body struct {
			Name string `json:"name"`
		}
		if err := req.Bind(&body); err != nil {
			return nil, err
		}
		req.State.setName(body.Name)
		return body.Name, nil
	})
	ch.HandleCall("auth/name", func(_ context.Context, req *Request[*testState]) (any, error) {
		name := req.State.Name()
		if name == "" {
			return nil, errors.New("unauthorized")
		}
		return name, nil
	})
	ch.HandleCall("disconnect", func(_ context.Context, req *Request[*testState]) (any, error) {
		req.Sender.Stop()
		return nil, nil
	})

	ch.HandleStream("stream/values", func(context.Context, *Request[*testState]) iter.Seq2[any, error] {
		return StreamOf(0, 1, 2)
	})
	ch.HandleStream("stream/fail", func(context.Context, *Request[*testState]) iter.Seq2[any, error] {
		return func(yield func(any, error) bool) {
			if !yield(1, nil) {
				return
			}
			yield(nil, errors.New("stream broke"))
		}
	})
	ch.HandleStream("stream/cancel", func(ctx context.Context, _ *Request[*testState]) iter.Seq2[any, error] {
		return func(yield func(any, error) bool) {
			for i := 0; i < 10; i++ {
				if !yield(i, nil) {
					return
				}
				counters.streamCancel.Add(1)
				select {
				case <-ctx.Done():
					return
				case <-time.After(50 * time.Millisecond):
				}
			}
		}
	})
	ch.HandleStream("mirror/stream", func(ctx context.Context, req *Request[*testState]) iter.Seq2[any, error] {
		return func(yield func(any, error) bool) {
			for body, err := range req.Sender.Values("stream/values", nil).All(ctx) {
				if !yield(body, err) || err != nil {
					return
				}
			}
		}
	})

	if events != nil {
		ch.HandleSubscription("hello", events)
	}
	return ch
}

// recorder is a Controller that captures everything the dispatcher does.
type recorder struct {
	sender    *Sender
	conn      *fakeConnection
	state     *testState
	responses chan *message.Message

	mu     sync.Mutex
	subs   map[string]*Subscription
	unsubs []string
	events []*message.Message
}

func newRecorder(ch *Channel[*testState]) *recorder {
	conn := newFakeConnection()
	return &recorder{
		sender:    ch.NewSender(conn),
		conn:      conn,
		state:     &testState{},
		responses: make(chan *message.Message, 64),
		subs:      make(map[string]*Subscription),
	}
}

func (r *recorder) Respond(msg *message.Message) {
	r.responses <- msg
}

func (r *recorder) Subscribe(topic string, sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[topic] = sub
}

func (r *recorder) Unsubscribe(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubs = append(r.unsubs, topic)
}

func (r *recorder) Event(topic string, body json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, message.NewEvent(topic, body))
}

func (r *recorder) Sender() *Sender {
	return r.sender
}

func (r *recorder) State() *testState {
	return r.state
}

func (r *recorder) next(t *testing.T) *message.Message {
	t.Helper()
	select {
	case msg := <-r.responses:
		return msg
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for a response")
		return nil
	}
}

func (r *recorder) expectSilence(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case msg := <-r.responses:
		t.Fatalf("expected no response, got %s", msg)
	case <-time.After(d):
	}
}

func (r *recorder) subscribed(topic string) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[topic]
}

// fakeConnection is a Connection that records instead of transmitting.
type fakeConnection struct {
	*TopicListeners

	mu          sync.Mutex
	sent        []*message.Message
	notified    []*message.Message
	settled     []uint64
	retractable bool
	stopped     bool
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{TopicListeners: NewTopicListeners()}
}

func (f *fakeConnection) Send(msg *message.Message) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return uint64(len(f.sent))
}

func (f *fakeConnection) Sent(localID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settled = append(f.settled, localID)
}

func (f *fakeConnection) Cancel(uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retractable
}

func (f *fakeConnection) Notify(msg *message.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, msg)
}

func (f *fakeConnection) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeConnection) sentMessages() []*message.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*message.Message(nil), f.sent...)
}

func (f *fakeConnection) notifiedMessages() []*message.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*message.Message(nil), f.notified...)
}

func (f *fakeConnection) settledIDs() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.settled...)
}

func newTestSender(conn Connection) *Sender {
	return newSender(conn, &idspkg.Sequence{}, loggingpkg.Nop(), nil)
}

// fakeClock hands out timers that only fire when the test says so.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *fakeClock) after(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, timer)
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if timer.stopped || timer.fired {
			return false
		}
		timer.stopped = true
		return true
	}
}

// fire runs the oldest armed timer and returns its duration.
func (c *fakeClock) fire(t *testing.T) time.Duration {
	t.Helper()
	c.mu.Lock()
	var timer *fakeTimer
	for _, candidate := range c.timers {
		if !candidate.stopped && !candidate.fired {
			timer = candidate
			break
		}
	}
	if timer == nil {
		c.mu.Unlock()
		t.Fatal("no armed timer")
		return 0
	}
	timer.fired = true
	c.mu.Unlock()

	timer.f()
	return timer.d
}

func (c *fakeClock) armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, timer := range c.timers {
		if !timer.stopped && !timer.fired {
			n++
		}
	}
	return n
}

// frameConn is a transport.Conn that records written frames.
type frameConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (c *frameConn) ReadMessage(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *frameConn) WriteMessage(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *frameConn) Header() http.Header { return http.Header{} }

func (c *frameConn) RemoteAddr() string { return "frames" }

func (c *frameConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *frameConn) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

// decodeFrames flattens frames into the messages they carry.
func decodeFrames(t *testing.T, frames [][]byte) []*message.Message {
	t.Helper()
	var msgs []*message.Message
	for _, frame := range frames {
		decoded, err := message.Decode(frame)
		if err != nil {
			t.Fatalf("decode frame %s: %v", frame, err)
		}
		msgs = append(msgs, decoded...)
	}
	return msgs
}

func mustRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %v: %v", v, err)
	}
	return raw
}
