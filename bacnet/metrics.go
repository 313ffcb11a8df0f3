package bacnet

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a thread-safe counter
type Counter struct {
	value atomic.Int64
}

// Inc increments the counter by 1
func (c *Counter) Inc() {
	c.value.Add(1)
}

// Value returns the current counter value
func (c *Counter) Value() int64 {
	return c.value.Load()
}

func (c *Counter) reset() {
	c.value.Store(0)
}

// Gauge is a thread-safe gauge that can go up and down
type Gauge struct {
	value atomic.Int64
}

// Inc increments the gauge by 1
func (g *Gauge) Inc() {
	g.value.Add(1)
}

// Dec decrements the gauge by 1
func (g *Gauge) Dec() {
	g.value.Add(-1)
}

// Value returns the current gauge value
func (g *Gauge) Value() int64 {
	return g.value.Load()
}

// LatencyBuckets are the upper bounds of the latency histogram. They
// cover both LAN round trips and the simulated 300ms-1.2s range.
var LatencyBuckets = []time.Duration{
	5 * time.Millisecond,
	25 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	2500 * time.Millisecond,
	5 * time.Second,
}

// LatencyHistogram tracks request round-trip times
type LatencyHistogram struct {
	mu     sync.Mutex
	count  uint64
	sum    time.Duration
	min    time.Duration
	max    time.Duration
	counts []uint64 // per bucket, last slot is +Inf
}

// NewLatencyHistogram creates an empty histogram over LatencyBuckets
func NewLatencyHistogram() *LatencyHistogram {
	return &LatencyHistogram{counts: make([]uint64, len(LatencyBuckets)+1)}
}

// Record adds one observation
func (h *LatencyHistogram) Record(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 || d < h.min {
		h.min = d
	}
	if d > h.max {
		h.max = d
	}
	h.count++
	h.sum += d

	i := 0
	for i < len(LatencyBuckets) && d > LatencyBuckets[i] {
		i++
	}
	h.counts[i]++
}

// Stats returns a copy of the histogram state
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := LatencyStats{
		Count:   h.count,
		Sum:     h.sum,
		Min:     h.min,
		Max:     h.max,
		Buckets: make([]uint64, len(h.counts)),
	}
	copy(stats.Buckets, h.counts)
	if h.count > 0 {
		stats.Avg = h.sum / time.Duration(h.count)
	}
	return stats
}

func (h *LatencyHistogram) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count, h.sum, h.min, h.max = 0, 0, 0, 0
	clear(h.counts)
}

// LatencyStats contains latency statistics. Buckets holds one
// non-cumulative count per LatencyBuckets bound plus a final +Inf slot.
type LatencyStats struct {
	Count   uint64
	Sum     time.Duration
	Min     time.Duration
	Max     time.Duration
	Avg     time.Duration
	Buckets []uint64
}

// Metrics holds client metrics
type Metrics struct {
	// Connection
	ConnectAttempts Counter
	ConnectFailures Counter
	Resets          Counter

	// Requests
	ReadsSent        Counter
	WritesSent       Counter
	RequestsFailed   Counter
	RequestsTimedOut Counter
	RequestsRejected Counter // refused before reaching the transport

	// Callback contract violations
	DuplicateCallbacks Counter

	// Discovery
	WhoIsSent         Counter
	IAmReceived       Counter
	DevicesDiscovered Counter

	RequestLatency *LatencyHistogram
	ActiveRequests Gauge

	startTime    time.Time
	lastActivity atomic.Int64
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		RequestLatency: NewLatencyHistogram(),
		startTime:      time.Now(),
	}
}

func (m *Metrics) touch() {
	m.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the last request or announcement
func (m *Metrics) LastActivity() time.Time {
	ns := m.lastActivity.Load()
	if ns == 0 {
		return m.startTime
	}
	return time.Unix(0, ns)
}

// Reset zeroes every counter and the histogram
func (m *Metrics) Reset() {
	for _, c := range []*Counter{
		&m.ConnectAttempts, &m.ConnectFailures, &m.Resets,
		&m.ReadsSent, &m.WritesSent, &m.RequestsFailed, &m.RequestsTimedOut, &m.RequestsRejected,
		&m.DuplicateCallbacks,
		&m.WhoIsSent, &m.IAmReceived, &m.DevicesDiscovered,
	} {
		c.reset()
	}
	m.RequestLatency.reset()
	m.lastActivity.Store(0)
}

// Snapshot returns a point-in-time copy of the metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Uptime: time.Since(m.startTime),

		ConnectAttempts: m.ConnectAttempts.Value(),
		ConnectFailures: m.ConnectFailures.Value(),
		Resets:          m.Resets.Value(),

		ReadsSent:        m.ReadsSent.Value(),
		WritesSent:       m.WritesSent.Value(),
		RequestsFailed:   m.RequestsFailed.Value(),
		RequestsTimedOut: m.RequestsTimedOut.Value(),
		RequestsRejected: m.RequestsRejected.Value(),

		DuplicateCallbacks: m.DuplicateCallbacks.Value(),

		WhoIsSent:         m.WhoIsSent.Value(),
		IAmReceived:       m.IAmReceived.Value(),
		DevicesDiscovered: m.DevicesDiscovered.Value(),

		Latency:        m.RequestLatency.Stats(),
		ActiveRequests: m.ActiveRequests.Value(),
		LastActivity:   m.LastActivity(),
	}
}

// MetricsSnapshot is a point-in-time snapshot of metrics
type MetricsSnapshot struct {
	Uptime time.Duration

	ConnectAttempts int64
	ConnectFailures int64
	Resets          int64

	ReadsSent        int64
	WritesSent       int64
	RequestsFailed   int64
	RequestsTimedOut int64
	RequestsRejected int64

	DuplicateCallbacks int64

	WhoIsSent         int64
	IAmReceived       int64
	DevicesDiscovered int64

	Latency        LatencyStats
	ActiveRequests int64

	LastActivity time.Time
}
