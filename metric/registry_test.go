package metric

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/energysense/errors"
)

func newTestCounter(name string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "test",
		Name:      name,
		Help:      "test counter",
	})
}

func TestRegisterAndServe(t *testing.T) {
	r := NewRegistry()

	counter := newTestCounter("events_total")
	require.NoError(t, r.RegisterCounter("pipeline", "events_total", counter))
	counter.Add(3)

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "test",
		Name:      "queue_depth",
		Help:      "test gauge",
	})
	require.NoError(t, r.RegisterGauge("pipeline", "queue_depth", gauge))
	gauge.Set(7)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, body, "energysense_test_events_total 3")
	assert.Contains(t, body, "energysense_test_queue_depth 7")
	assert.True(t, strings.Contains(body, "go_goroutines"), "runtime collectors should be present")
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.RegisterCounter("source", "rows_total", newTestCounter("rows_total")))

	err := r.RegisterCounter("source", "rows_total", newTestCounter("rows_total"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestPrometheusConflictClassifiedInvalid(t *testing.T) {
	r := NewRegistry()

	// Same collector name registered under two registry keys still collides
	// inside Prometheus itself.
	require.NoError(t, r.RegisterCounter("a", "m1", newTestCounter("dup_total")))
	err := r.RegisterCounter("b", "m2", newTestCounter("dup_total"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.RegisterCounter("source", "rows_total", newTestCounter("rows_total")))
	assert.True(t, r.Unregister("source", "rows_total"))
	assert.False(t, r.Unregister("source", "rows_total"))

	// Re-registration after unregister succeeds.
	require.NoError(t, r.RegisterCounter("source", "rows_total", newTestCounter("rows_total")))
}

func TestRegisterVecKinds(t *testing.T) {
	r := NewRegistry()

	cv := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace, Subsystem: "test", Name: "classified_total", Help: "by status",
	}, []string{"status"})
	require.NoError(t, r.RegisterCounterVec("classify", "classified_total", cv))

	gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace, Subsystem: "test", Name: "signal_stale", Help: "by signal",
	}, []string{"signal"})
	require.NoError(t, r.RegisterGaugeVec("sidestream", "signal_stale", gv))

	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace, Subsystem: "test", Name: "publish_seconds", Help: "publish duration",
	})
	require.NoError(t, r.RegisterHistogram("snapshot", "publish_seconds", h))
}
