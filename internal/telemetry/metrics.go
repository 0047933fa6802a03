package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "drivetel"

// Metrics holds the pipeline collectors on a private registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	framesReceived     *prometheus.CounterVec
	acksSent           prometheus.Counter
	envelopesProcessed *prometheus.CounterVec
	envelopesDiscarded *prometheus.CounterVec
	repositoryOps      *prometheus.CounterVec
	activeConnections  prometheus.Gauge
	queueGaugeOnce     sync.Once
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_received_total",
			Help:      "WebSocket frames read by the ingest handler, by decode result.",
		}, []string{"result"}),
		acksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "acks_sent_total",
			Help:      "Acknowledgment frames written to clients.",
		}),
		envelopesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "envelopes_processed_total",
			Help:      "Envelopes handled by workers, by kind.",
		}, []string{"kind"}),
		envelopesDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "envelopes_discarded_total",
			Help:      "Envelopes dropped by workers without a repository write.",
		}, []string{"kind", "reason"}),
		repositoryOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "repository_ops_total",
			Help:      "Repository operations issued by workers, by outcome.",
		}, []string{"op", "result"}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_connections",
			Help:      "Open WebSocket connections.",
		}),
	}
	m.registry.MustRegister(
		m.framesReceived,
		m.acksSent,
		m.envelopesProcessed,
		m.envelopesDiscarded,
		m.repositoryOps,
		m.activeConnections,
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

// ObserveQueue exports the depth and capacity of q. Only the first queue is
// registered.
func (m *Metrics) ObserveQueue(q WorkQueue) {
	if m == nil || q == nil {
		return
	}
	m.queueGaugeOnce.Do(func() {
		m.registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "queue_depth",
				Help:      "Envelopes waiting in the work queue.",
			}, func() float64 { return float64(q.Depth()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "queue_capacity",
				Help:      "Capacity of the work queue.",
			}, func() float64 { return float64(q.Capacity()) }),
		)
	})
}

func (m *Metrics) FrameReceived(result string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(result).Inc()
}

func (m *Metrics) AckSent() {
	if m == nil {
		return
	}
	m.acksSent.Inc()
}

func (m *Metrics) EnvelopeProcessed(kind Kind) {
	if m == nil {
		return
	}
	m.envelopesProcessed.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) EnvelopeDiscarded(kind Kind, reason string) {
	if m == nil {
		return
	}
	m.envelopesDiscarded.WithLabelValues(string(kind), reason).Inc()
}

func (m *Metrics) RepositoryOp(op, result string) {
	if m == nil {
		return
	}
	m.repositoryOps.WithLabelValues(op, result).Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}
