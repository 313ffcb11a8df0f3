package promexport

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgeo-scada/bacnet/bacnet"
)

func TestCollectorExportsSnapshot(t *testing.T) {
	m := bacnet.NewMetrics()
	m.ConnectAttempts.Inc()
	m.ConnectAttempts.Inc()
	m.ConnectFailures.Inc()
	m.ReadsSent.Inc()
	m.ReadsSent.Inc()
	m.WritesSent.Inc()
	m.RequestsFailed.Inc()
	m.RequestsTimedOut.Inc()
	m.RequestLatency.Record(20 * time.Millisecond)
	m.RequestLatency.Record(2 * time.Second)

	c := NewCollector(m, prometheus.Labels{"client": "test"})

	expected := `
# HELP edgeo_bacnet_connects_total Connect attempts by result
# TYPE edgeo_bacnet_connects_total counter
edgeo_bacnet_connects_total{client="test",result="failure"} 1
edgeo_bacnet_connects_total{client="test",result="success"} 1
# HELP edgeo_bacnet_requests_total Property requests handed to the transport
# TYPE edgeo_bacnet_requests_total counter
edgeo_bacnet_requests_total{client="test",op="read"} 2
edgeo_bacnet_requests_total{client="test",op="write"} 1
# HELP edgeo_bacnet_request_failures_total Failed requests by reason
# TYPE edgeo_bacnet_request_failures_total counter
edgeo_bacnet_request_failures_total{client="test",reason="error"} 0
edgeo_bacnet_request_failures_total{client="test",reason="rejected"} 0
edgeo_bacnet_request_failures_total{client="test",reason="timeout"} 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"edgeo_bacnet_connects_total",
		"edgeo_bacnet_requests_total",
		"edgeo_bacnet_request_failures_total",
	))
}

func TestCollectorHistogram(t *testing.T) {
	m := bacnet.NewMetrics()
	m.RequestLatency.Record(20 * time.Millisecond)
	m.RequestLatency.Record(2 * time.Second)

	c := NewCollector(m, nil)
	expected := `
# HELP edgeo_bacnet_request_duration_seconds Round-trip time of property requests
# TYPE edgeo_bacnet_request_duration_seconds histogram
edgeo_bacnet_request_duration_seconds_bucket{le="0.005"} 0
edgeo_bacnet_request_duration_seconds_bucket{le="0.025"} 1
edgeo_bacnet_request_duration_seconds_bucket{le="0.1"} 1
edgeo_bacnet_request_duration_seconds_bucket{le="0.25"} 1
edgeo_bacnet_request_duration_seconds_bucket{le="0.5"} 1
edgeo_bacnet_request_duration_seconds_bucket{le="1"} 1
edgeo_bacnet_request_duration_seconds_bucket{le="2.5"} 2
edgeo_bacnet_request_duration_seconds_bucket{le="5"} 2
edgeo_bacnet_request_duration_seconds_bucket{le="+Inf"} 2
edgeo_bacnet_request_duration_seconds_sum 2.02
edgeo_bacnet_request_duration_seconds_count 2
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"edgeo_bacnet_request_duration_seconds"))
}

func TestCollectorRegisters(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewCollector(bacnet.NewMetrics(), nil)))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 15, n)
}
