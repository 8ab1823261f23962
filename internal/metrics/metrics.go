package metrics

import (
	"net/http"

	"github.com/NodePath81/rtpqos/internal/tracker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rtpqos"

// Metrics owns a private registry so several captures in one process (and
// tests) never collide on the default registerer. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	packets      prometheus.Counter
	bytes        prometheus.Counter
	decodeErrors prometheus.Counter
	readErrors   prometheus.Counter
	writeErrors  prometheus.Counter
	wraps        prometheus.Counter
	queueDepth   prometheus.Gauge
	sources      prometheus.Gauge

	sessionReceived prometheus.Gauge
	sessionExpected prometheus.Gauge
	sessionLost     prometheus.Gauge
	sessionLossPct  prometheus.Gauge
	intervalLossPct prometheus.Gauge
	throughputBps   prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		packets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Datagrams received on the multicast group.",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Datagram bytes received on the multicast group.",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Datagrams skipped because they could not hold an RTP header.",
		}),
		readErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_errors_total",
			Help:      "Failed socket reads in the receive loop.",
		}),
		writeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_write_errors_total",
			Help:      "Failed line writes in the write-behind logger.",
		}),
		wraps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_wraps_total",
			Help:      "Sequence wraparounds detected in reporting intervals.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "log_queue_depth",
			Help:      "Tasks waiting in the write-behind queue.",
		}),
		sources: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sources",
			Help:      "Distinct source addresses seen in the session.",
		}),
		sessionReceived: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "received_packets",
			Help:      "Packets received in the current session.",
		}),
		sessionExpected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "expected_packets",
			Help:      "Packets expected by sequence number in the current session.",
		}),
		sessionLost: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "lost_packets",
			Help:      "Expected minus received packets in the current session.",
		}),
		sessionLossPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "loss_percent",
			Help:      "Session packet loss percentage.",
		}),
		intervalLossPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "interval",
			Name:      "loss_percent",
			Help:      "Packet loss percentage of the last reporting interval.",
		}),
		throughputBps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "interval",
			Name:      "throughput_bits_per_second",
			Help:      "Received throughput of the last reporting interval.",
		}),
	}
	m.registry.MustRegister(
		m.packets, m.bytes, m.decodeErrors, m.readErrors, m.writeErrors, m.wraps,
		m.queueDepth, m.sources,
		m.sessionReceived, m.sessionExpected, m.sessionLost, m.sessionLossPct,
		m.intervalLossPct, m.throughputBps,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) AddPacket(n int) {
	if m == nil {
		return
	}
	m.packets.Inc()
	if n > 0 {
		m.bytes.Add(float64(n))
	}
}

func (m *Metrics) IncDecodeErrors() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

func (m *Metrics) IncReadErrors() {
	if m == nil {
		return
	}
	m.readErrors.Inc()
}

func (m *Metrics) IncWriteErrors() {
	if m == nil {
		return
	}
	m.writeErrors.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) SetSources(n int) {
	if m == nil {
		return
	}
	m.sources.Set(float64(n))
}

// ObserveTick publishes the values of one reporter tick. hasInterval is
// false when no packet arrived in the interval; interval gauges then keep
// their last value except throughput, which drops to zero.
func (m *Metrics) ObserveTick(session tracker.SessionReport, interval tracker.IntervalReport, hasInterval bool, bitsPerSec float64) {
	if m == nil {
		return
	}
	m.sessionReceived.Set(float64(session.Received))
	m.sessionExpected.Set(float64(session.Expected))
	m.sessionLost.Set(float64(session.Lost))
	if pct, ok := tracker.LossPercent(session.Received, session.Expected); ok {
		m.sessionLossPct.Set(pct)
	}
	if !hasInterval {
		m.throughputBps.Set(0)
		return
	}
	if pct, ok := tracker.LossPercent(interval.Received, interval.Expected); ok {
		m.intervalLossPct.Set(pct)
	}
	m.wraps.Add(float64(interval.Wraps))
	m.throughputBps.Set(bitsPerSec)
}
