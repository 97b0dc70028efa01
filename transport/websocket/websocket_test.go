package websocket

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/duplexflow/internal/runtime"
	"github.com/drblury/duplexflow/transport"
)

const testTimeout = 5 * time.Second

func startHandler(t *testing.T, opts ...Option) (*Handler, string) {
	t.Helper()
	h := NewHandler(opts...)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		_ = h.Close()
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialPair(t *testing.T, h *Handler, url string, header http.Header) (client, server transport.Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	accepted := make(chan transport.Conn, 1)
	go func() {
		conn, err := h.Accept(ctx)
		if err == nil {
			accepted <- conn
		}
	}()

	client, err := Dial(ctx, url, header)
	require.NoError(t, err)
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatal("connection was never accepted")
	}
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func TestDialAndAccept(t *testing.T) {
	h, url := startHandler(t)
	header := http.Header{}
	header.Set("X-User", "ada")
	client, server := dialPair(t, h, url, header)
	ctx := context.Background()

	assert.Equal(t, "ada", server.Header().Get("X-User"))
	assert.NotEmpty(t, server.RemoteAddr())
	assert.Equal(t, url, client.RemoteAddr())

	require.NoError(t, client.WriteMessage(ctx, []byte(`{"id":1,"path":"hello"}`)))
	data, err := server.ReadMessage(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"path":"hello"}`, string(data))

	require.NoError(t, server.WriteMessage(ctx, []byte(`{"id":1,"body":"world"}`)))
	data, err = client.ReadMessage(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1,"body":"world"}`, string(data))
}

func TestConcurrentWritesArriveWhole(t *testing.T) {
	h, url := startHandler(t)
	client, server := dialPair(t, h, url, nil)
	ctx := context.Background()

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, client.WriteMessage(ctx, []byte(fmt.Sprintf(`{"id":%d}`, i))))
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i := 0; i < writers; i++ {
		data, err := server.ReadMessage(ctx)
		require.NoError(t, err)
		seen[string(data)] = true
	}
	assert.Len(t, seen, writers)
}

func TestCloseReachesPeer(t *testing.T) {
	h, url := startHandler(t)
	client, server := dialPair(t, h, url, nil)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	_, err := server.ReadMessage(ctx)
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.ErrorIs(t, client.WriteMessage(ctx, []byte(`{}`)), transport.ErrClosed)
}

func TestReadHonoursContext(t *testing.T) {
	h, url := startHandler(t)
	client, _ := dialPair(t, h, url, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.ReadMessage(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandlerClose(t *testing.T) {
	h, url := startHandler(t)
	require.NoError(t, h.Close())

	_, err := h.Accept(context.Background())
	assert.ErrorIs(t, err, transport.ErrClosed)

	_, err = Dial(context.Background(), url, nil)
	assert.Error(t, err)
}

func TestCheckOrigin(t *testing.T) {
	_, url := startHandler(t, WithCheckOrigin(func(*http.Request) bool { return false }))

	_, err := Dial(context.Background(), url, nil)
	assert.ErrorContains(t, err, "websocket: dial")
}

func TestListenThroughRegistry(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	l, err := transport.Listen(ctx, "ws://127.0.0.1:0/rpc")
	require.NoError(t, err)
	defer l.Close()
	require.True(t, strings.HasPrefix(l.Addr(), "ws://127.0.0.1:"))
	require.True(t, strings.HasSuffix(l.Addr(), "/rpc"))

	go func() {
		conn, err := l.Accept(ctx)
		if err != nil {
			return
		}
		defer conn.Close()
		data, err := conn.ReadMessage(ctx)
		if err == nil {
			_ = conn.WriteMessage(ctx, data)
		}
	}()

	client, err := transport.Dial(ctx, l.Addr(), nil)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.WriteMessage(ctx, []byte(`"echo"`)))
	data, err := client.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, `"echo"`, string(data))
}

type session struct{ user string }

func TestChannelOverWebSocket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, url := startHandler(t)
	ch := runtime.NewChannel[*session]()
	ch.HandleCall("whoami", func(_ context.Context, req *runtime.Request[*session]) (any, error) {
		return req.State.user, nil
	})
	go func() {
		_ = runtime.Serve(ctx, h, ch, runtime.ServeOptions[*session]{
			State: func(_ context.Context, conn transport.Conn) (*session, error) {
				return &session{user: conn.Header().Get("X-User")}, nil
			},
		})
	}()

	client, err := runtime.Connect(ctx, runtime.NewChannel[*session](), transport.DialerFunc(Dial), url, runtime.ConnectOptions[*session]{
		State: &session{},
		Header: func() http.Header {
			header := http.Header{}
			header.Set("X-User", "grace")
			return header
		},
	})
	require.NoError(t, err)
	defer client.Stop()

	callCtx, callCancel := context.WithTimeout(ctx, testTimeout)
	defer callCancel()
	body, err := client.Sender().Send(callCtx, "whoami", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"grace"`, string(body))
}
