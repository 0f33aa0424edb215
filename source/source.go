// Package source feeds the pipeline with telemetry events. Live sources
// (file tail, HTTP push, MQTT, NATS) and the synthetic fallback generator
// all implement the same run-until-cancelled contract; a Manager runs the
// enabled set into one bounded intake queue and arbitrates between live
// and synthetic data so the generator never shadows a healthy feed.
package source

import (
	"context"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/energysense/errors"
	"github.com/c360/energysense/metric"
	"github.com/c360/energysense/telemetry"
)

// Origin labels stamped on events by the built-in sources. The synthetic
// origin lives in the telemetry package because downstream stream-state
// logic depends on it.
const (
	OriginFile   = "file"
	OriginIngest = "ingest"
	OriginMQTT   = "mqtt"
	OriginNATS   = "nats"
)

// Source produces telemetry events into sink until ctx is cancelled.
// Run blocks for the lifetime of the source; the Manager gives each
// source its own goroutine. A nil return means clean shutdown, any
// error marks the source failed.
type Source interface {
	Name() string
	Run(ctx context.Context, sink chan<- telemetry.Event) error
}

// Metrics holds Prometheus metrics shared by every source and the
// manager queue, labeled by source name.
type Metrics struct {
	events     *prometheus.CounterVec
	malformed  *prometheus.CounterVec
	sourceErrs *prometheus.CounterVec
	drops      *prometheus.CounterVec
	suppressed prometheus.Counter
	queueDepth prometheus.Gauge
	synthetic  prometheus.Gauge
}

// NewMetrics registers the shared source metrics. One instance is passed
// to every source and to the manager; a nil registry disables collection.
func NewMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "source",
			Name:      "events_total",
			Help:      "Events accepted into the intake queue by source",
		}, []string{"source"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "source",
			Name:      "malformed_total",
			Help:      "Events dropped before intake because they failed to parse",
		}, []string{"source"}),
		sourceErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "source",
			Name:      "errors_total",
			Help:      "Connection and read errors by source",
		}, []string{"source"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "source",
			Name:      "queue_dropped_total",
			Help:      "Events evicted from a full queue by owning queue",
		}, []string{"queue"}),
		suppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "source",
			Name:      "synthetic_suppressed_total",
			Help:      "Synthetic events discarded because live data is flowing",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "source",
			Name:      "queue_depth",
			Help:      "Events waiting in the intake queue",
		}),
		synthetic: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "source",
			Name:      "synthetic_active",
			Help:      "1 while the pipeline is fed by the synthetic generator",
		}),
	}

	registry.RegisterCounterVec("source", "events", m.events)
	registry.RegisterCounterVec("source", "malformed", m.malformed)
	registry.RegisterCounterVec("source", "errors", m.sourceErrs)
	registry.RegisterCounterVec("source", "queue_dropped", m.drops)
	registry.RegisterCounter("source", "synthetic_suppressed", m.suppressed)
	registry.RegisterGauge("source", "queue_depth", m.queueDepth)
	registry.RegisterGauge("source", "synthetic_active", m.synthetic)

	return m
}

func (m *Metrics) eventReceived(source string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(source).Inc()
}

func (m *Metrics) malformedDropped(source string) {
	if m == nil {
		return
	}
	m.malformed.WithLabelValues(source).Inc()
}

func (m *Metrics) sourceError(source string) {
	if m == nil {
		return
	}
	m.sourceErrs.WithLabelValues(source).Inc()
}

func (m *Metrics) queueDropped(queue string) {
	if m == nil {
		return
	}
	m.drops.WithLabelValues(queue).Inc()
}

func (m *Metrics) syntheticSuppressed() {
	if m == nil {
		return
	}
	m.suppressed.Inc()
}

func (m *Metrics) depth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) syntheticMode(active bool) {
	if m == nil {
		return
	}
	if active {
		m.synthetic.Set(1)
	} else {
		m.synthetic.Set(0)
	}
}

// decodeEvent parses one JSON event from a broker payload, stamping the
// source origin and a fallback timestamp when the payload omits them.
func decodeEvent(payload []byte, origin string, fallback time.Time) (telemetry.Event, error) {
	var ev telemetry.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return telemetry.Event{}, errors.WrapInvalid(errors.ErrMalformedEvent,
			"Source", "decode", "invalid JSON payload")
	}
	if err := ev.Validate(); err != nil {
		return telemetry.Event{}, err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = fallback
	}
	if ev.Origin == "" {
		ev.Origin = origin
	}
	return ev, nil
}
