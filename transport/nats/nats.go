// Package nats carries duplex connections over NATS subjects. A listener
// answers handshakes on "<subject>.connect". Every accepted session then
// exchanges frames on "<subject>.<session>.up" (client to server) and
// "<subject>.<session>.down" (server to client). Addresses look like
// nats://host:4222/subject.
package nats

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	idspkg "github.com/drblury/duplexflow/internal/runtime/ids"
	"github.com/drblury/duplexflow/transport"
)

// Scheme is the URL scheme this transport registers under.
const Scheme = "nats"

// DefaultSubject is used when an address carries no path.
const DefaultSubject = "duplexflow"

// DefaultHandshakeTimeout bounds a dial whose context has no deadline.
const DefaultHandshakeTimeout = 5 * time.Second

const closeHeader = "Duplexflow-Close"

// ConnectFactory allows overriding how server connections are opened.
var ConnectFactory = func(serverURL string) (*nats.Conn, error) {
	return nats.Connect(serverURL, nats.Name("duplexflow"))
}

func init() {
	transport.Register(Scheme, transport.Binding{Dialer: transport.DialerFunc(Dial), Listen: Listen})
}

// ParseAddr splits a nats:// address into the server URL and the subject
// prefix. Slashes in the path become subject tokens.
func ParseAddr(addr string) (serverURL, subject string, err error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return "", "", fmt.Errorf("nats: parse address: %w", err)
	}
	if parsed.Host == "" {
		return "", "", fmt.Errorf("nats: address %q has no host", addr)
	}
	subject = strings.ReplaceAll(strings.Trim(parsed.Path, "/"), "/", ".")
	if subject == "" {
		subject = DefaultSubject
	}
	server := url.URL{Scheme: Scheme, User: parsed.User, Host: parsed.Host}
	return server.String(), subject, nil
}

// Dial connects to the server in addr and opens a session. The NATS
// connection is closed together with the returned Conn.
func Dial(ctx context.Context, addr string, header http.Header) (transport.Conn, error) {
	serverURL, subject, err := ParseAddr(addr)
	if err != nil {
		return nil, err
	}
	nc, err := ConnectFactory(serverURL)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", serverURL, err)
	}
	conn, err := NewNetwork(nc).Dial(ctx, subject, header)
	if err != nil {
		nc.Close()
		return nil, err
	}
	conn.owned = true
	return conn, nil
}

// Listen connects to the server in addr and accepts sessions on its
// subject. The NATS connection is closed together with the Listener.
func Listen(_ context.Context, addr string) (transport.Listener, error) {
	serverURL, subject, err := ParseAddr(addr)
	if err != nil {
		return nil, err
	}
	nc, err := ConnectFactory(serverURL)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", serverURL, err)
	}
	l, err := NewNetwork(nc).Listen(subject)
	if err != nil {
		nc.Close()
		return nil, err
	}
	l.owned = true
	return l, nil
}

// Network opens sessions over a shared NATS connection.
type Network struct {
	nc *nats.Conn
}

// NewNetwork wraps an established NATS connection. The caller keeps
// ownership of nc.
func NewNetwork(nc *nats.Conn) *Network {
	return &Network{nc: nc}
}

// Dial opens a session with the listener on subject.
func (n *Network) Dial(ctx context.Context, subject string, header http.Header) (*Conn, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultHandshakeTimeout)
		defer cancel()
	}

	session := idspkg.CreateULID()
	conn, err := newConn(n.nc, downSubject(subject, session), upSubject(subject, session), http.Header{}, subject+"/"+session)
	if err != nil {
		return nil, err
	}

	req := nats.NewMsg(connectSubject(subject))
	req.Data = []byte(session)
	for key, values := range header {
		req.Header[key] = append([]string(nil), values...)
	}
	if _, err := n.nc.RequestMsgWithContext(ctx, req); err != nil {
		conn.release()
		return nil, fmt.Errorf("nats: handshake on %s: %w", subject, err)
	}
	return conn, nil
}

// Listen accepts sessions dialed on subject.
func (n *Network) Listen(subject string) (*Listener, error) {
	sub, err := n.nc.SubscribeSync(connectSubject(subject))
	if err != nil {
		return nil, fmt.Errorf("nats: listen on %s: %w", subject, err)
	}
	return &Listener{nc: n.nc, subject: subject, sub: sub}, nil
}

// Listener accepts sessions on one subject.
type Listener struct {
	nc      *nats.Conn
	subject string
	sub     *nats.Subscription
	owned   bool
	once    sync.Once
}

func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	for {
		req, err := l.sub.NextMsgWithContext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", transport.ErrClosed, err)
		}

		session := string(req.Data)
		if !validSession(session) {
			continue
		}
		header := http.Header{}
		for key, values := range req.Header {
			header[key] = append([]string(nil), values...)
		}
		conn, err := newConn(l.nc, upSubject(l.subject, session), downSubject(l.subject, session), header, l.subject+"/"+session)
		if err != nil {
			continue
		}
		if err := req.Respond(nil); err != nil {
			conn.release()
			continue
		}
		return conn, nil
	}
}

func (l *Listener) Addr() string {
	return strings.TrimSuffix(l.nc.ConnectedUrl(), "/") + "/" + l.subject
}

// Close stops accepting. Established sessions stay open unless the
// listener owns the NATS connection.
func (l *Listener) Close() error {
	l.once.Do(func() {
		_ = l.sub.Unsubscribe()
		if l.owned {
			l.nc.Close()
		}
	})
	return nil
}

// Conn is one end of a session.
type Conn struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	send   string
	header http.Header
	remote string
	owned  bool
	once   sync.Once
}

func newConn(nc *nats.Conn, recv, send string, header http.Header, remote string) (*Conn, error) {
	sub, err := nc.SubscribeSync(recv)
	if err != nil {
		return nil, fmt.Errorf("nats: subscribe %s: %w", recv, err)
	}
	if err := sub.SetPendingLimits(-1, -1); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	return &Conn{nc: nc, sub: sub, send: send, header: header, remote: remote}, nil
}

func (c *Conn) ReadMessage(ctx context.Context) ([]byte, error) {
	msg, err := c.sub.NextMsgWithContext(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", transport.ErrClosed, err)
	}
	if msg.Header.Get(closeHeader) != "" {
		c.release()
		return nil, transport.ErrClosed
	}
	return msg.Data, nil
}

func (c *Conn) WriteMessage(_ context.Context, data []byte) error {
	if !c.sub.IsValid() {
		return transport.ErrClosed
	}
	if err := c.nc.Publish(c.send, data); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			return fmt.Errorf("%w: %v", transport.ErrClosed, err)
		}
		return err
	}
	return nil
}

func (c *Conn) Header() http.Header {
	return c.header
}

func (c *Conn) RemoteAddr() string {
	return c.remote
}

// Close tells the peer the session ended and releases the subscription.
func (c *Conn) Close() error {
	if c.sub.IsValid() {
		msg := nats.NewMsg(c.send)
		msg.Header.Set(closeHeader, "1")
		_ = c.nc.PublishMsg(msg)
	}
	c.release()
	return nil
}

func (c *Conn) release() {
	c.once.Do(func() {
		_ = c.sub.Unsubscribe()
		if c.owned {
			_ = c.nc.Flush()
			c.nc.Close()
		}
	})
}

func connectSubject(subject string) string {
	return subject + ".connect"
}

func upSubject(subject, session string) string {
	return subject + "." + session + ".up"
}

func downSubject(subject, session string) string {
	return subject + "." + session + ".down"
}

func validSession(session string) bool {
	return session != "" && !strings.ContainsAny(session, ".*> \t\r\n")
}
