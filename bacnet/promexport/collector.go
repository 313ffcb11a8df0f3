// Package promexport exposes bacnet.Metrics to Prometheus.
package promexport

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/edgeo-scada/bacnet/bacnet"
)

const namespace = "edgeo_bacnet"

// Collector reports a metrics snapshot on every scrape
type Collector struct {
	metrics *bacnet.Metrics

	connects       *prometheus.Desc
	resets         *prometheus.Desc
	requests       *prometheus.Desc
	failures       *prometheus.Desc
	duplicates     *prometheus.Desc
	whoIs          *prometheus.Desc
	iAm            *prometheus.Desc
	devices        *prometheus.Desc
	activeRequests *prometheus.Desc
	uptime         *prometheus.Desc
	latency        *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector for m. constLabels are attached to
// every series, e.g. to tell several clients apart.
func NewCollector(m *bacnet.Metrics, constLabels prometheus.Labels) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, constLabels)
	}
	return &Collector{
		metrics:        m,
		connects:       desc("connects_total", "Connect attempts by result", "result"),
		resets:         desc("resets_total", "Transport resets"),
		requests:       desc("requests_total", "Property requests handed to the transport", "op"),
		failures:       desc("request_failures_total", "Failed requests by reason", "reason"),
		duplicates:     desc("duplicate_callbacks_total", "Transport callbacks ignored because the request had already settled"),
		whoIs:          desc("whois_sent_total", "Who-Is requests sent"),
		iAm:            desc("iam_received_total", "I-Am announcements received"),
		devices:        desc("devices_discovered_total", "Distinct devices added to the registry"),
		activeRequests: desc("active_requests", "Requests waiting for a response"),
		uptime:         desc("uptime_seconds", "Seconds since the metrics were created"),
		latency:        desc("request_duration_seconds", "Round-trip time of property requests"),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connects
	ch <- c.resets
	ch <- c.requests
	ch <- c.failures
	ch <- c.duplicates
	ch <- c.whoIs
	ch <- c.iAm
	ch <- c.devices
	ch <- c.activeRequests
	ch <- c.uptime
	ch <- c.latency
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.metrics.Snapshot()

	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	counter(c.connects, s.ConnectAttempts-s.ConnectFailures, "success")
	counter(c.connects, s.ConnectFailures, "failure")
	counter(c.resets, s.Resets)
	counter(c.requests, s.ReadsSent, "read")
	counter(c.requests, s.WritesSent, "write")
	counter(c.failures, s.RequestsFailed-s.RequestsTimedOut, "error")
	counter(c.failures, s.RequestsTimedOut, "timeout")
	counter(c.failures, s.RequestsRejected, "rejected")
	counter(c.duplicates, s.DuplicateCallbacks)
	counter(c.whoIs, s.WhoIsSent)
	counter(c.iAm, s.IAmReceived)
	counter(c.devices, s.DevicesDiscovered)

	ch <- prometheus.MustNewConstMetric(c.activeRequests, prometheus.GaugeValue, float64(s.ActiveRequests))
	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, s.Uptime.Seconds())

	buckets := make(map[float64]uint64, len(bacnet.LatencyBuckets))
	var cumulative uint64
	for i, bound := range bacnet.LatencyBuckets {
		cumulative += s.Latency.Buckets[i]
		buckets[bound.Seconds()] = cumulative
	}
	ch <- prometheus.MustNewConstHistogram(c.latency, s.Latency.Count, s.Latency.Sum.Seconds(), buckets)
}
