// Package alert raises and manages operator alerts derived from the
// classified record stream. The engine watches for persistent WASTE per
// block over a sliding window; classification of a single cycle never
// alerts on its own. Alerts deduplicate into one open alert per block
// with an occurrence counter, and stay queryable until resolved.
package alert

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/energysense/errors"
	"github.com/c360/energysense/metric"
	"github.com/c360/energysense/telemetry"
)

// SeverityHigh is the severity assigned to persistence alerts.
const SeverityHigh = "HIGH"

// Alert is one operator-facing incident. LastSeenAt and Count advance each
// time the triggering condition re-fires while the alert is still open.
type Alert struct {
	ID           string    `json:"id"`
	BlockID      string    `json:"block_id"`
	Label        string    `json:"block_label"`
	Severity     string    `json:"severity"`
	Message      string    `json:"message"`
	CreatedAt    time.Time `json:"created_at"`
	LastSeenAt   time.Time `json:"last_seen"`
	Count        int       `json:"count"`
	Acknowledged bool      `json:"acknowledged"`
	AckBy        string    `json:"ack_by,omitempty"`
	Resolved     bool      `json:"resolved"`
	ResolvedBy   string    `json:"resolved_by,omitempty"`
}

// Metrics holds Prometheus metrics for the alert engine.
type Metrics struct {
	raised    prometheus.Counter
	refreshed prometheus.Counter
	open      prometheus.Gauge
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		raised: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "alerts",
			Name:      "raised_total",
			Help:      "New alerts opened",
		}),
		refreshed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "alerts",
			Name:      "refreshed_total",
			Help:      "Occurrence bumps folded into an open alert",
		}),
		open: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "alerts",
			Name:      "open",
			Help:      "Alerts not yet resolved",
		}),
	}

	registry.RegisterCounter("alerts", "raised", m.raised)
	registry.RegisterCounter("alerts", "refreshed", m.refreshed)
	registry.RegisterGauge("alerts", "open", m.open)

	return m
}

// Config bounds the persistence detector and the alert store.
type Config struct {
	// Window is the sliding span over which WASTE occurrences accumulate.
	Window time.Duration `json:"window"`
	// Threshold is the occurrence count inside Window that opens an alert.
	Threshold int `json:"threshold"`
	// MaxAlerts caps the in-memory store; resolved alerts age out first.
	MaxAlerts int `json:"max_alerts"`
}

// DefaultConfig alerts after three WASTE classifications within five
// minutes and retains up to 512 alerts.
func DefaultConfig() Config {
	return Config{
		Window:    5 * time.Minute,
		Threshold: 3,
		MaxAlerts: 512,
	}
}

// Validate checks detector bounds.
func (c *Config) Validate() error {
	if c.Window <= 0 {
		return errors.WrapInvalid(fmt.Errorf("window %v <= 0", c.Window),
			"AlertConfig", "Validate", "window validation")
	}
	if c.Threshold < 1 {
		return errors.WrapInvalid(fmt.Errorf("threshold %d < 1", c.Threshold),
			"AlertConfig", "Validate", "threshold validation")
	}
	if c.MaxAlerts < 1 {
		return errors.WrapInvalid(fmt.Errorf("max alerts %d < 1", c.MaxAlerts),
			"AlertConfig", "Validate", "capacity validation")
	}
	return nil
}

// Deps wires the engine's dependencies.
type Deps struct {
	Config          Config
	MetricsRegistry *metric.Registry
	Logger          *slog.Logger
}

// Engine detects persistent waste and owns the alert store. All methods
// are safe for concurrent use. The engine is passive: the pipeline feeds
// it records synchronously, so it needs no lifecycle of its own.
type Engine struct {
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics

	mu        sync.Mutex
	alerts    map[string]*Alert
	wasteSeen map[string][]time.Time

	now func() time.Time
}

// NewEngine creates an alert engine.
func NewEngine(deps Deps) (*Engine, error) {
	if err := deps.Config.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		cfg:       deps.Config,
		logger:    logger.With("component", "alerts"),
		metrics:   newMetrics(deps.MetricsRegistry),
		alerts:    make(map[string]*Alert),
		wasteSeen: make(map[string][]time.Time),
		now:       time.Now,
	}, nil
}

// Observe feeds one classified record into the persistence detector.
// Only WASTE records advance a block's window; other statuses pass
// through untouched and never shrink an open alert. The returned alert
// is the open alert for the block when this record tripped or refreshed
// it, reported by the second return value.
func (e *Engine) Observe(rec telemetry.ClassifiedRecord) (Alert, bool) {
	if rec.Status != telemetry.StatusWaste {
		return Alert{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ts := rec.UpdatedAt
	if ts.IsZero() {
		ts = e.now()
	}

	seen := append(e.wasteSeen[rec.BlockID], ts)
	cutoff := ts.Add(-e.cfg.Window)
	kept := seen[:0]
	for _, t := range seen {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	e.wasteSeen[rec.BlockID] = kept

	if len(kept) < e.cfg.Threshold {
		return Alert{}, false
	}

	message := fmt.Sprintf("Persistent WASTE detected for %s.", windowLabel(e.cfg.Window))
	return e.raiseLocked(rec.BlockID, rec.Label, SeverityHigh, message), true
}

// raiseLocked folds the occurrence into the block's open alert or opens a
// new one. Callers hold e.mu.
func (e *Engine) raiseLocked(blockID, label, severity, message string) Alert {
	now := e.now()

	for _, a := range e.alerts {
		if a.BlockID != blockID || a.Resolved {
			continue
		}
		a.Count++
		a.LastSeenAt = now
		e.metrics.alertRefreshed()
		return *a
	}

	a := &Alert{
		ID:         uuid.NewString(),
		BlockID:    blockID,
		Label:      label,
		Severity:   severity,
		Message:    message,
		CreatedAt:  now,
		LastSeenAt: now,
		Count:      1,
	}
	e.alerts[a.ID] = a
	e.evictLocked()

	e.metrics.alertRaised(e.openCountLocked())
	e.logger.Warn("Alert raised",
		"alert_id", a.ID,
		"block_id", blockID,
		"severity", severity,
		"message", message)

	return *a
}

// evictLocked trims the store back under MaxAlerts, dropping the oldest
// resolved alerts first and the oldest overall only when every alert is
// still open.
func (e *Engine) evictLocked() {
	for len(e.alerts) > e.cfg.MaxAlerts {
		victim := ""
		victimResolved := false
		var victimAt time.Time

		for id, a := range e.alerts {
			older := victim == "" || a.CreatedAt.Before(victimAt)
			switch {
			case a.Resolved && !victimResolved:
				victim, victimAt, victimResolved = id, a.CreatedAt, true
			case a.Resolved == victimResolved && older:
				victim, victimAt = id, a.CreatedAt
			}
		}
		delete(e.alerts, victim)
	}
}

// Acknowledge marks the alert as seen by an operator. The alert stays
// open and keeps accumulating occurrences.
func (e *Engine) Acknowledge(id, user string) (Alert, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.alerts[id]
	if !ok {
		return Alert{}, errors.Wrap(errors.ErrNotFound, "AlertEngine", "Acknowledge", "alert lookup")
	}
	a.Acknowledged = true
	a.AckBy = user
	return *a, nil
}

// Resolve closes the alert. The block's next persistence episode opens a
// fresh alert instead of reviving this one.
func (e *Engine) Resolve(id, user string) (Alert, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.alerts[id]
	if !ok {
		return Alert{}, errors.Wrap(errors.ErrNotFound, "AlertEngine", "Resolve", "alert lookup")
	}
	a.Resolved = true
	a.ResolvedBy = user
	e.metrics.openChanged(e.openCountLocked())

	e.logger.Info("Alert resolved", "alert_id", a.ID, "block_id", a.BlockID, "user", user)
	return *a, nil
}

// List returns all retained alerts, newest first.
func (e *Engine) List() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Alert, 0, len(e.alerts))
	for _, a := range e.alerts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// OpenCount reports the number of unresolved alerts.
func (e *Engine) OpenCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openCountLocked()
}

func (e *Engine) openCountLocked() int {
	n := 0
	for _, a := range e.alerts {
		if !a.Resolved {
			n++
		}
	}
	return n
}

// windowLabel renders the detector window for alert messages, preferring
// whole minutes so the default reads "5 minutes".
func windowLabel(w time.Duration) string {
	if w >= time.Minute && w%time.Minute == 0 {
		m := int(w / time.Minute)
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	}
	return w.String()
}

func (m *Metrics) alertRaised(open int) {
	if m == nil {
		return
	}
	m.raised.Inc()
	m.open.Set(float64(open))
}

func (m *Metrics) alertRefreshed() {
	if m == nil {
		return
	}
	m.refreshed.Inc()
}

func (m *Metrics) openChanged(open int) {
	if m == nil {
		return
	}
	m.open.Set(float64(open))
}
