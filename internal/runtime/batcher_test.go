package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	loggingpkg "github.com/drblury/duplexflow/internal/runtime/logging"
	"github.com/drblury/duplexflow/internal/runtime/message"
)

func newTestBatcher(cfg BatchConfig, metrics *Metrics) (*batcher, *fakeClock, *frameConn) {
	clock := &fakeClock{}
	b := newBatcher(context.Background(), cfg, loggingpkg.Nop(), metrics)
	b.after = clock.after
	conn := &frameConn{}
	b.attach(conn)
	return b, clock, conn
}

func testCall(path string) *message.Message {
	return message.NewCall(nil, path, nil)
}

func TestBatchConfigDefaults(t *testing.T) {
	cfg := BatchConfig{}.withDefaults()
	require.Equal(t, 10*time.Millisecond, cfg.WarmWindow)
	require.Equal(t, 4000, cfg.Threshold)
	require.Equal(t, time.Millisecond, cfg.FlushDelay)

	custom := BatchConfig{WarmWindow: time.Second, Threshold: 2, FlushDelay: 5 * time.Millisecond}.withDefaults()
	require.Equal(t, time.Second, custom.WarmWindow)
	require.Equal(t, 2, custom.Threshold)
}

func TestBatcherQuietTrafficStaysUnbatched(t *testing.T) {
	b, clock, conn := newTestBatcher(BatchConfig{Threshold: 3}, nil)

	b.send(testCall("a"))
	require.Equal(t, batchWarm, b.currentState())
	b.send(testCall("b"))
	b.send(testCall("c"))
	require.Len(t, conn.written(), 3)

	require.Equal(t, DefaultBatchWarmWindow, clock.fire(t))
	require.Equal(t, batchIdle, b.currentState())

	b.send(testCall("d"))
	require.Len(t, conn.written(), 4)
	require.Equal(t, batchWarm, b.currentState())
}

func TestBatcherBurstCoalescesWrites(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	b, clock, conn := newTestBatcher(BatchConfig{Threshold: 3}, metrics)

	for _, path := range []string{"1", "2", "3", "4"} {
		b.send(testCall(path))
	}
	require.Len(t, conn.written(), 4)
	clock.fire(t)
	require.Equal(t, batchThrottled, b.currentState())

	// The first write after the burst still goes out on its own.
	b.send(testCall("5"))
	require.Len(t, conn.written(), 5)
	require.Equal(t, batchCoalescing, b.currentState())

	b.send(testCall("6"))
	b.send(testCall("7"))
	b.send(testCall("8"))
	require.Len(t, conn.written(), 5)

	require.Equal(t, DefaultBatchFlushDelay, clock.fire(t))
	frames := conn.written()
	require.Len(t, frames, 6)
	require.Equal(t, batchThrottled, b.currentState())

	batch, err := message.Decode(frames[5])
	require.NoError(t, err)
	require.Len(t, batch, 3)

	var paths []string
	for _, msg := range decodeFrames(t, frames) {
		paths = append(paths, msg.Path)
	}
	require.Equal(t, []string{"1", "2", "3", "4", "5", "6", "7", "8"}, paths)
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.batchFlushes))
}

func TestBatcherEmptyFlushReturnsToIdle(t *testing.T) {
	b, clock, conn := newTestBatcher(BatchConfig{Threshold: 1}, nil)

	b.send(testCall("1"))
	b.send(testCall("2"))
	clock.fire(t)
	require.Equal(t, batchThrottled, b.currentState())

	b.send(testCall("3"))
	require.Equal(t, batchCoalescing, b.currentState())
	clock.fire(t)

	require.Equal(t, batchIdle, b.currentState())
	require.Len(t, conn.written(), 3)
}

func TestBatcherDetachDiscardsStaleTimers(t *testing.T) {
	b, clock, conn := newTestBatcher(BatchConfig{Threshold: 1}, nil)

	b.send(testCall("1"))
	b.send(testCall("2"))
	require.Equal(t, 1, clock.armed())

	b.detach()
	require.Equal(t, 0, clock.armed())
	b.send(testCall("dropped"))
	require.Len(t, conn.written(), 2)

	fresh := &frameConn{}
	b.attach(fresh)
	require.Equal(t, batchIdle, b.currentState())
	b.send(testCall("3"))
	require.Len(t, fresh.written(), 1)
}

func TestBatcherIgnoresTimerFromEarlierConnection(t *testing.T) {
	b, clock, _ := newTestBatcher(BatchConfig{Threshold: 1}, nil)

	b.send(testCall("1"))
	b.send(testCall("2"))
	stale := clock.timers[0]

	b.attach(&frameConn{})
	b.send(testCall("3"))
	require.Equal(t, batchWarm, b.currentState())

	// Fire the timer armed before the reattach directly.
	stale.f()
	require.Equal(t, batchWarm, b.currentState())
}

func TestBatcherDisabledWritesEverything(t *testing.T) {
	b, clock, conn := newTestBatcher(BatchConfig{Disabled: true, Threshold: 1}, nil)

	for i := 0; i < 5; i++ {
		b.send(testCall("x"))
	}
	require.Len(t, conn.written(), 5)
	require.Equal(t, 0, clock.armed())
	require.Equal(t, batchIdle, b.currentState())
}

func TestBatchStateString(t *testing.T) {
	require.Equal(t, "idle", batchIdle.String())
	require.Equal(t, "warm", batchWarm.String())
	require.Equal(t, "coalescing", batchCoalescing.String())
	require.Equal(t, "throttled", batchThrottled.String())
	require.Equal(t, "unknown", batchState(42).String())
}
