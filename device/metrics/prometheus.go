// Package metrics exposes sensor link statistics to Prometheus.
package metrics

import (
	"time"

	"github.com/kabili207/sensorlink/device/link"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sensorlink"

// Source is a link whose counters are exported. *link.Worker satisfies it.
type Source interface {
	Name() string
	Connected() bool
	Counters() link.CountersSnapshot
}

// Metrics contains the Prometheus metrics for the sensor link daemon.
type Metrics struct {
	reg prometheus.Registerer

	// Retrieval metrics
	RecoveryLatency  *prometheus.HistogramVec
	RetrievalExpired *prometheus.CounterVec

	// Liveness metrics
	StaleEvents *prometheus.CounterVec
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		reg: reg,
		RecoveryLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recovery_latency_seconds",
			Help:      "Time from the first retrieval request to the recovered frame",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		}, []string{"link"}),
		RetrievalExpired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrievals_expired_total",
			Help:      "Total number of retrieval requests never answered",
		}, []string{"link"}),
		StaleEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_events_total",
			Help:      "Total number of times a link went silent",
		}, []string{"link"}),
	}
}

// AddLink exports the counters of src.
func (m *Metrics) AddLink(src Source) error {
	return m.reg.Register(newLinkCollector(src))
}

// RecordRecovery records a recovered sample.
func (m *Metrics) RecordRecovery(name string, latency time.Duration) {
	m.RecoveryLatency.WithLabelValues(name).Observe(latency.Seconds())
}

// RecordRetrievalExpired increments the expired retrieval counter.
func (m *Metrics) RecordRetrievalExpired(name string) {
	m.RetrievalExpired.WithLabelValues(name).Inc()
}

// RecordStale increments the stale event counter.
func (m *Metrics) RecordStale(name string) {
	m.StaleEvents.WithLabelValues(name).Inc()
}

// linkCollector reads a link's atomic counters at scrape time.
type linkCollector struct {
	src       Source
	connected *prometheus.Desc
	counters  []counterDesc
}

type counterDesc struct {
	desc  *prometheus.Desc
	value func(link.CountersSnapshot) uint32
}

func newLinkCollector(src Source) *linkCollector {
	labels := prometheus.Labels{"link": src.Name()}
	counter := func(name, help string, value func(link.CountersSnapshot) uint32) counterDesc {
		return counterDesc{
			desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, labels),
			value: value,
		}
	}

	return &linkCollector{
		src: src,
		connected: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "connected"),
			"Whether the link's port is open", nil, labels),
		counters: []counterDesc{
			counter("frames_accepted_total", "Telemetry frames accepted",
				func(s link.CountersSnapshot) uint32 { return s.FramesAccepted }),
			counter("frames_recovered_total", "Retrieve-acknowledge frames accepted",
				func(s link.CountersSnapshot) uint32 { return s.FramesRecovered }),
			counter("duplicates_dropped_total", "Repeated answers for an already delivered sample",
				func(s link.CountersSnapshot) uint32 { return s.DuplicatesDropped }),
			counter("checksum_errors_total", "Frames failing the CRC residue check",
				func(s link.CountersSnapshot) uint32 { return s.ChecksumErrors }),
			counter("malformed_frames_total", "Full-length reads without the terminator",
				func(s link.CountersSnapshot) uint32 { return s.MalformedFrames }),
			counter("truncated_frames_total", "Short reads before the terminator",
				func(s link.CountersSnapshot) uint32 { return s.TruncatedFrames }),
			counter("idle_reads_total", "Reads that timed out with no data",
				func(s link.CountersSnapshot) uint32 { return s.IdleReads }),
			counter("resyncs_total", "Frame boundary scans",
				func(s link.CountersSnapshot) uint32 { return s.Resyncs }),
			counter("retrieval_requests_total", "Retrieval requests sent",
				func(s link.CountersSnapshot) uint32 { return s.RetrievalRequests }),
			counter("commands_sent_total", "Staged commands transmitted",
				func(s link.CountersSnapshot) uint32 { return s.CommandsSent }),
			counter("reconnects_total", "Reconnect attempts after a transport failure",
				func(s link.CountersSnapshot) uint32 { return s.Reconnects }),
		},
	}
}

func (c *linkCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connected
	for _, cd := range c.counters {
		ch <- cd.desc
	}
}

func (c *linkCollector) Collect(ch chan<- prometheus.Metric) {
	connected := 0.0
	if c.src.Connected() {
		connected = 1
	}
	ch <- prometheus.MustNewConstMetric(c.connected, prometheus.GaugeValue, connected)

	snap := c.src.Counters()
	for _, cd := range c.counters {
		ch <- prometheus.MustNewConstMetric(cd.desc, prometheus.CounterValue, float64(cd.value(snap)))
	}
}
