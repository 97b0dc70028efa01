package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	errspkg "github.com/drblury/duplexflow/internal/runtime/errors"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// RouteKind tells calls, streams and subscriptions apart.
type RouteKind string

const (
	RouteCall         RouteKind = "call"
	RouteStream       RouteKind = "stream"
	RouteSubscription RouteKind = "sub"
)

// RouteInfo describes one registered route.
type RouteInfo struct {
	Name    string      `json:"name"`
	Kind    RouteKind   `json:"kind"`
	Pattern bool        `json:"pattern"`
	Stats   *RouteStats `json:"stats"`
}

// RouteStats accumulates dispatch statistics for one route.
type RouteStats struct {
	mu sync.Mutex `json:"-"`

	Calls               uint64    `json:"calls"`
	Failures            uint64    `json:"failures"`
	InFlight            uint64    `json:"in_flight"`
	MaxInFlight         uint64    `json:"max_in_flight"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastCalledAt        time.Time `json:"last_called_at"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`

	latencyWindow    *latencyWindow    `json:"-"`
	throughputWindow *throughputWindow `json:"-"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
	TotalMessages    uint64  `json:"total_messages"`
}

type ErrorBreakdown struct {
	Routing   uint64 `json:"routing"`
	Cancelled uint64 `json:"cancelled"`
	Handler   uint64 `json:"handler"`
	LastError string `json:"last_error,omitempty"`
}

type ErrorCategory string

const (
	ErrorCategoryNone      ErrorCategory = "ok"
	ErrorCategoryRouting   ErrorCategory = "routing"
	ErrorCategoryCancelled ErrorCategory = "cancelled"
	ErrorCategoryHandler   ErrorCategory = "error"
)

// ClassifyError buckets a dispatch error.
func ClassifyError(err error) ErrorCategory {
	switch {
	case err == nil:
		return ErrorCategoryNone
	case errors.Is(err, errspkg.ErrAPINotFound),
		errors.Is(err, errspkg.ErrSubscriptionNotFound),
		errors.Is(err, errspkg.ErrStreamRequiresID):
		return ErrorCategoryRouting
	case errors.Is(err, errspkg.ErrCancelled), errors.Is(err, context.Canceled):
		return ErrorCategoryCancelled
	default:
		return ErrorCategoryHandler
	}
}

func newRouteStats() *RouteStats {
	return &RouteStats{
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
	}
}

func (r *RouteStats) onStart() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.InFlight++
	if r.InFlight > r.MaxInFlight {
		r.MaxInFlight = r.InFlight
	}
}

func (r *RouteStats) onFinish(duration time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.InFlight > 0 {
		r.InFlight--
	}
	r.Calls++
	if err != nil {
		r.Failures++
	}
	r.TotalProcessingTime += int64(duration)
	r.LastCalledAt = time.Now().UTC()

	if r.latencyWindow != nil {
		r.latencyWindow.Add(duration)
		snapshot := r.latencyWindow.Snapshot()
		snapshot.LastNs = int64(duration)
		if r.Calls > 0 {
			snapshot.AverageNs = r.TotalProcessingTime / int64(r.Calls)
		}
		r.Latency = snapshot
	}

	if r.throughputWindow != nil {
		snapshot := r.throughputWindow.AddAndSnapshot(time.Now())
		r.Throughput.CurrentRPS = snapshot.CurrentRPS
		r.Throughput.WindowSeconds = snapshot.WindowSeconds
		r.Throughput.MessagesInWindow = uint64(snapshot.Count)
	}
	r.Throughput.TotalMessages = r.Calls

	r.Errors.Record(ClassifyError(err), err)
}

func (r *RouteStats) MarshalJSON() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	type Alias RouteStats
	return json.Marshal((*Alias)(r))
}

// Snapshot returns a copy that is safe to read without locking.
func (r *RouteStats) Snapshot() RouteStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RouteStats{
		Calls:               r.Calls,
		Failures:            r.Failures,
		InFlight:            r.InFlight,
		MaxInFlight:         r.MaxInFlight,
		TotalProcessingTime: r.TotalProcessingTime,
		LastCalledAt:        r.LastCalledAt,
		Latency:             r.Latency,
		Throughput:          r.Throughput,
		Errors:              r.Errors,
	}
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		return
	case ErrorCategoryRouting:
		e.Routing++
	case ErrorCategoryCancelled:
		e.Cancelled++
	default:
		e.Handler++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil || len(lw.samples) == 0 {
		return
	}
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	var metrics LatencyMetrics
	if lw == nil {
		return metrics
	}
	if lw.filled == 0 {
		metrics.LastNs = lw.last
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.AverageNs = sum / int64(len(samples))
	metrics.LastNs = lw.last
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	if tw == nil {
		return throughputSnapshot{}
	}
	tw.samples = append(tw.samples, now)
	tw.cleanup(now)
	return tw.snapshot(now)
}

func (tw *throughputWindow) cleanup(now time.Time) {
	if tw == nil || len(tw.samples) == 0 {
		return
	}
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		copy(tw.samples, tw.samples[idx:])
		tw.samples = tw.samples[:len(tw.samples)-idx]
	}
}

func (tw *throughputWindow) snapshot(now time.Time) throughputSnapshot {
	if tw == nil || len(tw.samples) == 0 {
		return throughputSnapshot{}
	}
	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}
