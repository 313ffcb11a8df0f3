package bacnet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestLatencyHistogram(t *testing.T) {
	h := NewLatencyHistogram()
	h.Record(2 * time.Millisecond)
	h.Record(300 * time.Millisecond)
	h.Record(10 * time.Second)

	s := h.Stats()
	assert.Equal(t, uint64(3), s.Count)
	assert.Equal(t, 2*time.Millisecond, s.Min)
	assert.Equal(t, 10*time.Second, s.Max)
	assert.Equal(t, (10*time.Second+302*time.Millisecond)/3, s.Avg)
	assert.Len(t, s.Buckets, len(LatencyBuckets)+1)
	assert.Equal(t, uint64(1), s.Buckets[0])
	assert.Equal(t, uint64(1), s.Buckets[4]) // 500ms bound
	assert.Equal(t, uint64(1), s.Buckets[len(LatencyBuckets)])

	// boundaries are inclusive
	h.Record(5 * time.Millisecond)
	assert.Equal(t, uint64(2), h.Stats().Buckets[0])
}

func TestMetricsSnapshotAndReset(t *testing.T) {
	m := NewMetrics()
	before := m.LastActivity()

	m.ReadsSent.Inc()
	m.ReadsSent.Inc()
	m.ActiveRequests.Inc()
	m.RequestLatency.Record(time.Millisecond)
	m.touch()

	s := m.Snapshot()
	assert.Equal(t, int64(2), s.ReadsSent)
	assert.Equal(t, int64(1), s.ActiveRequests)
	assert.Equal(t, uint64(1), s.Latency.Count)
	assert.False(t, s.LastActivity.Before(before))

	m.Reset()
	s = m.Snapshot()
	assert.Zero(t, s.ReadsSent)
	assert.Zero(t, s.Latency.Count)
	// gauges track live state and survive a reset
	assert.Equal(t, int64(1), s.ActiveRequests)
}

func TestClientRecordsRequestMetrics(t *testing.T) {
	spy := &spyTransport{}
	spy.On("ReadProperty", ReadPropertyRequest{ObjectInstance: 1}, mock.Anything).Run(func(args mock.Arguments) {
		readCallback(args)(&ReadAck{Values: []TaggedValue{{Tag: TagNull}}}, nil)
	})
	spy.On("ReadProperty", ReadPropertyRequest{ObjectInstance: 2}, mock.Anything).Run(func(args mock.Arguments) {
		readCallback(args)(nil, ErrTimeout)
	})
	c := connectedClient(t, spy)

	c.ReadPropertyAsync(ReadPropertyRequest{ObjectInstance: 1})
	c.ReadPropertyAsync(ReadPropertyRequest{ObjectInstance: 2})

	s := c.Metrics().Snapshot()
	assert.Equal(t, int64(2), s.ReadsSent)
	assert.Equal(t, int64(1), s.RequestsFailed)
	assert.Equal(t, int64(1), s.RequestsTimedOut)
	assert.Equal(t, uint64(2), s.Latency.Count)
	assert.Zero(t, s.ActiveRequests)
}
