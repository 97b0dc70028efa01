package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/duplexflow/internal/runtime/errors"
)

func TestProcessHello(t *testing.T) {
	sender := Process(newTestChannel(&testCounters{}, nil), &testState{})
	defer sender.Stop()

	body, err := sender.Send(context.Background(), "hello", nil)
	require.NoError(t, err)
	require.JSONEq(t, `"world"`, string(body))
	require.Equal(t, 0, sender.Pending())
}

func TestProcessEcho(t *testing.T) {
	sender := Process(newTestChannel(&testCounters{}, nil), &testState{})
	defer sender.Stop()

	body, err := sender.Send(context.Background(), "echo", map[string]any{"list": []int{1, 2, 3}})
	require.NoError(t, err)
	require.JSONEq(t, `{"list":[1,2,3]}`, string(body))
}

func TestProcessAPINotFound(t *testing.T) {
	sender := Process(newTestChannel(&testCounters{}, nil), &testState{})
	defer sender.Stop()

	_, err := sender.Send(context.Background(), "does/not/exist", nil)
	if !errors.Is(err, errspkg.ErrAPINotFound) {
		t.Fatalf("expected api not found, got %v", err)
	}
}

func TestProcessMirror(t *testing.T) {
	sender := Process(newTestChannel(&testCounters{}, nil), &testState{})
	defer sender.Stop()

	body, err := sender.Send(context.Background(), "mirror", nil)
	require.NoError(t, err)
	require.JSONEq(t, `"world"`, string(body))
}

func TestProcessStream(t *testing.T) {
	sender := Process(newTestChannel(&testCounters{}, nil), &testState{})
	defer sender.Stop()

	for _, path := range []string{"stream/values", "mirror/stream"} {
		t.Run(path, func(t *testing.T) {
			var got []int
			for body, err := range sender.Values(path, nil).All(context.Background()) {
				require.NoError(t, err)
				var n int
				require.NoError(t, json.Unmarshal(body, &n))
				got = append(got, n)
			}
			require.Equal(t, []int{0, 1, 2}, got)
		})
	}
	require.Eventually(t, func() bool { return sender.Pending() == 0 && sender.Active() == 0 }, testTimeout, time.Millisecond)
}

func TestProcessStreamError(t *testing.T) {
	sender := Process(newTestChannel(&testCounters{}, nil), &testState{})
	defer sender.Stop()

	values := sender.Values("stream/fail", nil)
	body, ok, err := values.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `1`, string(body))

	_, ok, err = values.Next(context.Background())
	require.False(t, ok)
	require.EqualError(t, err, "stream broke")

	_, ok, err = values.Next(context.Background())
	require.False(t, ok)
	require.NoError(t, err)
}

func TestProcessStreamCancelStopsProducer(t *testing.T) {
	counters := &testCounters{}
	sender := Process(newTestChannel(counters, nil), &testState{})
	defer sender.Stop()

	var got []int
	for body, err := range sender.Values("stream/cancel", nil).All(context.Background()) {
		require.NoError(t, err)
		var n int
		require.NoError(t, json.Unmarshal(body, &n))
		got = append(got, n)
		if n == 2 {
			break
		}
	}

	require.Equal(t, []int{0, 1, 2}, got)
	require.Eventually(t, func() bool { return sender.Active() == 0 }, testTimeout, time.Millisecond)
	require.Equal(t, int32(3), counters.streamCancel.Load())
}

func TestProcessValuesCloseBeforeStartSendsNothing(t *testing.T) {
	counters := &testCounters{}
	sender := Process(newTestChannel(counters, nil), &testState{})
	defer sender.Stop()

	values := sender.Values("stream/cancel", nil)
	values.Close()
	values.Close()

	_, ok, err := values.Next(context.Background())
	require.False(t, ok)
	require.NoError(t, err)
	require.Equal(t, 0, sender.Active())
	require.Equal(t, int32(0), counters.streamCancel.Load())
}

func TestProcessStateIsPerConnection(t *testing.T) {
	ch := newTestChannel(&testCounters{}, nil)
	alice := Process(ch, &testState{})
	defer alice.Stop()
	anonymous := Process(ch, &testState{})
	defer anonymous.Stop()

	ctx := context.Background()
	_, err := alice.Send(ctx, "auth", map[string]string{"name": "alice"})
	require.NoError(t, err)

	body, err := alice.Send(ctx, "auth/name", nil)
	require.NoError(t, err)
	require.JSONEq(t, `"alice"`, string(body))

	_, err = anonymous.Send(ctx, "auth/name", nil)
	require.EqualError(t, err, "unauthorized")
}

func TestProcessWaitCancelsOnContext(t *testing.T) {
	ch := NewChannel[*testState]()
	observed := make(chan struct{})
	ch.HandleCall("block", func(ctx context.Context, _ *Request[*testState]) (any, error) {
		<-ctx.Done()
		close(observed)
		return "too late", nil
	})
	sender := Process(ch, &testState{})
	defer sender.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sender.Send(ctx, "block", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-observed:
	case <-time.After(testTimeout):
		t.Fatal("handler context was not cancelled")
	}
	require.Eventually(t, func() bool { return sender.Active() == 0 }, testTimeout, time.Millisecond)
	require.Equal(t, 0, sender.Pending())
}

func TestProcessCallCancel(t *testing.T) {
	ch := NewChannel[*testState]()
	started := make(chan struct{})
	ch.HandleCall("block", func(ctx context.Context, _ *Request[*testState]) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, nil
	})
	sender := Process(ch, &testState{})
	defer sender.Stop()

	call := sender.Request("block", nil)
	<-started
	call.Cancel()
	call.Cancel()

	_, err := call.Wait(context.Background())
	require.ErrorIs(t, err, errspkg.ErrCancelled)
}

func TestProcessNotify(t *testing.T) {
	ch := NewChannel[*testState]()
	received := make(chan string, 1)
	ch.HandleCall("log", func(_ context.Context, req *Request[*testState]) (any, error) {
		var line string
		if err := req.Bind(&line); err != nil {
			return nil, err
		}
		received <- line
		return nil, nil
	})
	sender := Process(ch, &testState{})
	defer sender.Stop()

	require.NoError(t, sender.Notify("log", "hi"))
	select {
	case line := <-received:
		require.Equal(t, "hi", line)
	case <-time.After(testTimeout):
		t.Fatal("notification never arrived")
	}
	require.Equal(t, 0, sender.Pending())
}

func TestProcessSubscribeAndUnsubscribe(t *testing.T) {
	events := NewSubscription()
	sender := Process(newTestChannel(&testCounters{}, events), &testState{})
	defer sender.Stop()
	ctx := context.Background()

	got := make(chan string, 8)
	handle, err := sender.Subscribe(ctx, "hello", "1", func(body json.RawMessage) {
		got <- string(body)
	})
	require.NoError(t, err)
	require.Equal(t, "hello/1", handle.(*topicHandle).Topic())
	require.Equal(t, 1, events.Sinks())

	require.NoError(t, events.Send(ctx, "1", "payload"))
	require.NoError(t, events.Send(ctx, "2", "not subscribed"))
	require.JSONEq(t, `"payload"`, <-got)

	handle.Cancel()
	require.Equal(t, 0, events.Sinks())
	require.NoError(t, events.Send(ctx, "1", "after unsubscribe"))

	select {
	case body := <-got:
		t.Fatalf("unexpected event %s", body)
	default:
	}
}

func TestProcessSharedTopicKeepsOtherListeners(t *testing.T) {
	events := NewSubscription()
	sender := Process(newTestChannel(&testCounters{}, events), &testState{})
	defer sender.Stop()
	ctx := context.Background()

	var first, second atomic.Int32
	a, err := sender.Subscribe(ctx, "hello", "room", func(json.RawMessage) { first.Add(1) })
	require.NoError(t, err)
	b, err := sender.Subscribe(ctx, "hello", "room", func(json.RawMessage) { second.Add(1) })
	require.NoError(t, err)

	a.Cancel()
	require.NoError(t, events.Send(ctx, "room", "ping"))
	require.Equal(t, int32(0), first.Load())
	require.Equal(t, int32(1), second.Load())

	b.Cancel()
	require.Equal(t, 0, events.Sinks())
}

func TestProcessSubscribeUnknown(t *testing.T) {
	sender := Process(newTestChannel(&testCounters{}, nil), &testState{})
	defer sender.Stop()

	_, err := sender.Subscribe(context.Background(), "missing", nil, func(json.RawMessage) {})
	require.ErrorIs(t, err, errspkg.ErrSubscriptionNotFound)
}

func TestProcessStopRunsDisconnectHooksOnce(t *testing.T) {
	ch := NewChannel[*testState]()
	var calls atomic.Int32
	ch.OnDisconnect(func(*testState, *Sender) error {
		calls.Add(1)
		return errors.New("hook failed")
	})
	ch.OnDisconnect(func(*testState, *Sender) error {
		calls.Add(1)
		panic("hook panicked")
	})
	ch.OnDisconnect(func(state *testState, _ *Sender) error {
		calls.Add(1)
		state.setName("gone")
		return nil
	})
	started := make(chan struct{})
	unblocked := make(chan struct{})
	ch.HandleCall("block", func(ctx context.Context, _ *Request[*testState]) (any, error) {
		close(started)
		<-ctx.Done()
		close(unblocked)
		return nil, ctx.Err()
	})

	state := &testState{}
	sender := Process(ch, state)
	call := sender.Request("block", nil)
	<-started

	sender.Stop()
	sender.Stop()

	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, "gone", state.Name())

	_, err := call.Wait(context.Background())
	require.ErrorIs(t, err, errspkg.ErrCancelled)
	select {
	case <-unblocked:
	case <-time.After(testTimeout):
		t.Fatal("running handler was not cancelled")
	}

	_, err = sender.Send(context.Background(), "hello", nil)
	require.ErrorIs(t, err, errspkg.ErrConnectionClosed)
}
