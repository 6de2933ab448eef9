// Package metrics provides runtime telemetry counters. It wraps Prometheus
// collectors so the embedder can scrape journey, API-client and bridge
// activity from one registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector records runtime metrics.
type Collector interface {
	JourneyStarted()
	JourneyFinished(result string)
	StepEntered(stepID string)
	APIRequest(code string, d time.Duration)
	APIRetry()
	BridgeInbound(kind string)
	BridgeRejected(reason string)
	SnapshotWritten()
}

// PromCollector is the Prometheus-backed Collector.
type PromCollector struct {
	registry *prometheus.Registry

	journeysStarted  prometheus.Counter
	journeysFinished *prometheus.CounterVec
	stepsEntered     prometheus.Counter
	apiRequests      *prometheus.CounterVec
	apiLatency       prometheus.Histogram
	apiRetries       prometheus.Counter
	bridgeInbound    *prometheus.CounterVec
	bridgeRejected   *prometheus.CounterVec
	snapshotWrites   prometheus.Counter
}

// NewCollector creates a Prometheus collector under the given namespace.
func NewCollector(namespace string) *PromCollector {
	if namespace == "" {
		namespace = "journey"
	}

	c := &PromCollector{
		registry: prometheus.NewRegistry(),
		journeysStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "journeys_started_total",
			Help: "Journeys started.",
		}),
		journeysFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "journeys_finished_total",
			Help: "Journeys finished by result.",
		}, []string{"result"}),
		stepsEntered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "steps_entered_total",
			Help: "Journey steps entered.",
		}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "api_requests_total",
			Help: "API client calls by mapped error code (OK for success).",
		}, []string{"code"}),
		apiLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "api_request_seconds",
			Help:    "API call latency.",
			Buckets: prometheus.DefBuckets,
		}),
		apiRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "api_retries_total",
			Help: "API call retry attempts.",
		}),
		bridgeInbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bridge_inbound_total",
			Help: "Inbound bridge messages by kind.",
		}, []string{"kind"}),
		bridgeRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bridge_rejected_total",
			Help: "Rejected bridge messages by reason.",
		}, []string{"reason"}),
		snapshotWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "snapshot_writes_total",
			Help: "Session snapshots written.",
		}),
	}

	c.registry.MustRegister(
		c.journeysStarted, c.journeysFinished, c.stepsEntered,
		c.apiRequests, c.apiLatency, c.apiRetries,
		c.bridgeInbound, c.bridgeRejected, c.snapshotWrites,
	)

	return c
}

// Registry returns the underlying registry for scraping.
func (c *PromCollector) Registry() *prometheus.Registry { return c.registry }

func (c *PromCollector) JourneyStarted()              { c.journeysStarted.Inc() }
func (c *PromCollector) JourneyFinished(result string) {
	c.journeysFinished.WithLabelValues(result).Inc()
}
func (c *PromCollector) StepEntered(string) { c.stepsEntered.Inc() }
func (c *PromCollector) APIRequest(code string, d time.Duration) {
	c.apiRequests.WithLabelValues(code).Inc()
	c.apiLatency.Observe(d.Seconds())
}
func (c *PromCollector) APIRetry()                { c.apiRetries.Inc() }
func (c *PromCollector) BridgeInbound(kind string) { c.bridgeInbound.WithLabelValues(kind).Inc() }
func (c *PromCollector) BridgeRejected(reason string) {
	c.bridgeRejected.WithLabelValues(reason).Inc()
}
func (c *PromCollector) SnapshotWritten() { c.snapshotWrites.Inc() }

// NoOp is a Collector that records nothing. Used in tests and when the
// embedder opts out of telemetry.
type NoOp struct{}

func (NoOp) JourneyStarted()                    {}
func (NoOp) JourneyFinished(string)             {}
func (NoOp) StepEntered(string)                 {}
func (NoOp) APIRequest(string, time.Duration)   {}
func (NoOp) APIRetry()                          {}
func (NoOp) BridgeInbound(string)               {}
func (NoOp) BridgeRejected(string)              {}
func (NoOp) SnapshotWritten()                   {}
