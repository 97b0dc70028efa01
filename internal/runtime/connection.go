package runtime

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/drblury/duplexflow/internal/runtime/message"
)

// Connection is what a transport provides to host a Sender.
type Connection interface {
	// Send submits a request that expects a response and returns a
	// transport-local id for it.
	Send(msg *message.Message) uint64
	// Sent marks a request as settled so the transport can forget it.
	Sent(localID uint64)
	// Cancel retracts a request that has not left the local buffer yet.
	Cancel(localID uint64) bool
	// Notify sends a message that expects nothing back.
	Notify(msg *message.Message)
	// AddTopic registers a listener for events on topic. The returned
	// function removes it and reports whether it was the last listener.
	AddTopic(topic string, onEvent func(body json.RawMessage)) (remove func() bool)
	// Stop closes the connection.
	Stop()
}

// Cancellable is returned by Sender.Subscribe.
type Cancellable interface {
	Cancel()
}

// TopicListeners is the local side of topic subscriptions: it maps topics to
// the callbacks that receive their events. Connection implementations embed
// it to satisfy AddTopic.
type TopicListeners struct {
	mu     sync.RWMutex
	next   uint64
	topics map[string]map[uint64]func(json.RawMessage)
}

// NewTopicListeners returns an empty listener set.
func NewTopicListeners() *TopicListeners {
	return &TopicListeners{topics: make(map[string]map[uint64]func(json.RawMessage))}
}

// AddTopic registers onEvent for topic.
func (l *TopicListeners) AddTopic(topic string, onEvent func(body json.RawMessage)) (remove func() bool) {
	l.mu.Lock()
	id := l.next
	l.next++
	listeners, ok := l.topics[topic]
	if !ok {
		listeners = make(map[uint64]func(json.RawMessage))
		l.topics[topic] = listeners
	}
	listeners[id] = onEvent
	l.mu.Unlock()

	var once sync.Once
	return func() bool {
		last := false
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			listeners, ok := l.topics[topic]
			if !ok {
				return
			}
			delete(listeners, id)
			if len(listeners) == 0 {
				delete(l.topics, topic)
				last = true
			}
		})
		return last
	}
}

// Dispatch delivers body to every listener of topic and returns how many
// listeners were called.
func (l *TopicListeners) Dispatch(topic string, body json.RawMessage) int {
	l.mu.RLock()
	listeners := l.topics[topic]
	ids := make([]uint64, 0, len(listeners))
	for id := range listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	callbacks := make([]func(json.RawMessage), 0, len(ids))
	for _, id := range ids {
		callbacks = append(callbacks, listeners[id])
	}
	l.mu.RUnlock()

	for _, cb := range callbacks {
		cb(body)
	}
	return len(callbacks)
}

// Topics lists the topics that currently have listeners.
func (l *TopicListeners) Topics() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	topics := make([]string, 0, len(l.topics))
	for topic := range l.topics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}
