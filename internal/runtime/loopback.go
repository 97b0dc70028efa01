package runtime

import (
	"context"
	"sync/atomic"

	"github.com/drblury/duplexflow/internal/runtime/message"
)

// Process returns a Sender wired straight into ch with no transport in
// between. Requests and responses pass through the same Endpoint, so ch
// answers its own calls. Stopping the Sender closes the Endpoint.
func Process[S any](ch *Channel[S], state S) *Sender {
	conn := &loopback[S]{TopicListeners: NewTopicListeners()}
	conn.endpoint = NewEndpoint(ch, conn, state, conn.TopicListeners)
	return conn.endpoint.Sender()
}

type loopback[S any] struct {
	*TopicListeners
	endpoint *Endpoint[S]
	stopped  atomic.Bool
}

func (l *loopback[S]) Send(msg *message.Message) uint64 {
	l.Notify(msg)
	return 0
}

func (l *loopback[S]) Sent(uint64) {}

func (l *loopback[S]) Cancel(uint64) bool {
	return false
}

func (l *loopback[S]) Notify(msg *message.Message) {
	if l.stopped.Load() {
		return
	}
	l.endpoint.ReceiveMessage(context.Background(), msg)
}

func (l *loopback[S]) Stop() {
	if l.stopped.CompareAndSwap(false, true) {
		l.endpoint.Close()
	}
}
