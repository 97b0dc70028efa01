package runtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/drblury/duplexflow/internal/runtime/message"
)

// Endpoint binds one Connection to a Channel. It is the connection's
// Controller and the Sink its subscriptions publish into.
type Endpoint[S any] struct {
	ch        *Channel[S]
	conn      Connection
	sender    *Sender
	state     S
	listeners *TopicListeners

	mu       sync.RWMutex
	closed   bool
	interest map[string]*Subscription
	sources  map[*Subscription]int

	closeOnce sync.Once
}

// NewEndpoint builds the Sender for conn and binds it to ch. Inbound events
// are handed to listeners, which should be the listener set behind
// conn.AddTopic.
func NewEndpoint[S any](ch *Channel[S], conn Connection, state S, listeners *TopicListeners) *Endpoint[S] {
	if listeners == nil {
		listeners = NewTopicListeners()
	}
	e := &Endpoint[S]{
		ch:        ch,
		conn:      conn,
		state:     state,
		listeners: listeners,
		interest:  make(map[string]*Subscription),
		sources:   make(map[*Subscription]int),
	}
	e.sender = ch.NewSender(conn)
	ch.metrics.connectionsChanged(1)
	return e
}

// Receive dispatches one inbound frame.
func (e *Endpoint[S]) Receive(ctx context.Context, data []byte) error {
	return e.ch.Receive(ctx, data, e)
}

// ReceiveMessage dispatches one decoded message.
func (e *Endpoint[S]) ReceiveMessage(ctx context.Context, msg *message.Message) {
	e.ch.ReceiveOne(ctx, msg, e)
}

func (e *Endpoint[S]) Respond(msg *message.Message) {
	e.conn.Notify(msg)
}

func (e *Endpoint[S]) Subscribe(topic string, sub *Subscription) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if current, ok := e.interest[topic]; ok {
		if current == sub {
			e.mu.Unlock()
			return
		}
		e.releaseLocked(current)
	}
	e.interest[topic] = sub
	e.sources[sub]++
	if e.sources[sub] == 1 {
		sub.AddSink(e)
	}
	e.mu.Unlock()
}

func (e *Endpoint[S]) Unsubscribe(topic string) {
	e.mu.Lock()
	sub, ok := e.interest[topic]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.interest, topic)
	e.releaseLocked(sub)
	e.mu.Unlock()
}

// releaseLocked drops one topic's reference to sub and detaches the sink
// when it was the last.
func (e *Endpoint[S]) releaseLocked(sub *Subscription) {
	e.sources[sub]--
	if e.sources[sub] > 0 {
		return
	}
	delete(e.sources, sub)
	sub.RemoveSink(e)
}

func (e *Endpoint[S]) Event(topic string, body json.RawMessage) {
	e.listeners.Dispatch(topic, body)
}

func (e *Endpoint[S]) Sender() *Sender {
	return e.sender
}

func (e *Endpoint[S]) State() S {
	return e.state
}

// Publish forwards event when the other side is subscribed to its topic.
func (e *Endpoint[S]) Publish(event *message.Message) {
	e.mu.RLock()
	_, interested := e.interest[event.Topic]
	e.mu.RUnlock()
	if interested {
		e.conn.Notify(event)
	}
}

// Topics lists the topics the other side is subscribed to.
func (e *Endpoint[S]) Topics() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return sortedKeys(e.interest)
}

// Close detaches the endpoint from every subscription and runs the
// channel's disconnect handling. Close is idempotent.
func (e *Endpoint[S]) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		subs := make([]*Subscription, 0, len(e.sources))
		for sub := range e.sources {
			subs = append(subs, sub)
		}
		e.interest = make(map[string]*Subscription)
		e.sources = make(map[*Subscription]int)
		e.mu.Unlock()

		for _, sub := range subs {
			sub.RemoveSink(e)
		}
		e.ch.Disconnect(e.state, e.sender)
		e.ch.metrics.connectionsChanged(-1)
	})
}
