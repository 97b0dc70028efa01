// Package transport defines the duplex connection contract duplexflow runs
// on. Each binding (websocket, nats, memory) lives in its own sub-package and
// registers itself under a URL scheme.
package transport

import (
	"context"
	"errors"
	"net/http"
)

// ErrClosed is returned by reads and writes on a closed connection.
var ErrClosed = errors.New("transport: connection closed")

// Conn is one message-oriented duplex connection. Every frame is one
// complete JSON document. WriteMessage must be safe for concurrent callers;
// ReadMessage is only ever called from one goroutine.
type Conn interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	// Header returns the metadata presented when the connection was opened.
	Header() http.Header
	RemoteAddr() string
	Close() error
}

// Dialer opens client connections.
type Dialer interface {
	Dial(ctx context.Context, addr string, header http.Header) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, addr string, header http.Header) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, addr string, header http.Header) (Conn, error) {
	return f(ctx, addr, header)
}

// Listener accepts server connections.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() string
	Close() error
}

// ListenFunc opens a Listener on addr.
type ListenFunc func(ctx context.Context, addr string) (Listener, error)

// Binding is what a transport package registers for its schemes.
type Binding struct {
	Dialer Dialer
	Listen ListenFunc
}

// CloneHeader copies h so callers can keep mutating their own map.
func CloneHeader(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}
