package action

import (
	stderrors "errors"
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

// Metrics holds Prometheus metrics for the action manager.
type Metrics struct {
	proposed     *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	cooldownHits prometheus.Counter
	open         prometheus.Gauge
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		proposed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "actions",
			Name:      "proposed_total",
			Help:      "Demand response actions proposed",
		}, []string{"mode"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "actions",
			Name:      "transitions_total",
			Help:      "Action lifecycle transitions",
		}, []string{"status"}),
		cooldownHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "actions",
			Name:      "cooldown_hits_total",
			Help:      "Proposals folded into an open action by the cooldown",
		}),
		open: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "actions",
			Name:      "open",
			Help:      "Actions in PROPOSED or EXECUTED",
		}),
	}

	registry.RegisterCounterVec("actions", "proposed", m.proposed)
	registry.RegisterCounterVec("actions", "transitions", m.transitions)
	registry.RegisterCounter("actions", "cooldown_hits", m.cooldownHits)
	registry.RegisterGauge("actions", "open", m.open)

	return m
}

func (m *Metrics) actionProposed(mode Mode, open int) {
	if m == nil {
		return
	}
	m.proposed.WithLabelValues(string(mode)).Inc()
	m.open.Set(float64(open))
}

func (m *Metrics) actionTransition(status Status, open int) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(status)).Inc()
	m.open.Set(float64(open))
}

func (m *Metrics) cooldownHit() {
	if m == nil {
		return
	}
	m.cooldownHits.Inc()
}

// Config tunes the proposal policy and the bookkeeping bounds.
type Config struct {
	// Cooldown suppresses repeat proposals per block while one is still
	// PROPOSED or EXECUTED.
	Cooldown time.Duration `json:"cooldown"`
	// AutoVerifyAfter is the minimum age of an execution before the next
	// block update verifies it.
	AutoVerifyAfter time.Duration `json:"auto_verify_after"`
	// MaxActions caps the in-memory store; verified and resolved actions
	// age out first.
	MaxActions int `json:"max_actions"`
	// AutoPropose enables policy proposals from the record stream.
	AutoPropose bool `json:"auto_propose"`
	// PossibleWasteOccupancyPct is the occupancy at or below which a
	// POSSIBLE_WASTE record qualifies for a proposal.
	PossibleWasteOccupancyPct float64 `json:"possible_waste_occupancy_pct"`
	// TariffHighINR is the tariff at or above which POSSIBLE_WASTE
	// qualifies regardless of occupancy.
	TariffHighINR float64 `json:"tariff_high_inr"`
}

// DefaultConfig proposes automatically with a five minute per-block
// cooldown and verifies thirty seconds after execution.
func DefaultConfig() Config {
	return Config{
		Cooldown:                  5 * time.Minute,
		AutoVerifyAfter:           30 * time.Second,
		MaxActions:                512,
		AutoPropose:               true,
		PossibleWasteOccupancyPct: 30,
		TariffHighINR:             7.0,
	}
}

// Validate checks policy bounds.
func (c *Config) Validate() error {
	if c.Cooldown <= 0 {
		return errors.WrapInvalid(fmt.Errorf("cooldown %v <= 0", c.Cooldown),
			"ActionConfig", "Validate", "cooldown validation")
	}
	if c.AutoVerifyAfter < 0 {
		return errors.WrapInvalid(fmt.Errorf("auto verify after %v < 0", c.AutoVerifyAfter),
			"ActionConfig", "Validate", "verification delay validation")
	}
	if c.MaxActions < 1 {
		return errors.WrapInvalid(fmt.Errorf("max actions %d < 1", c.MaxActions),
			"ActionConfig", "Validate", "capacity validation")
	}
	return nil
}

// RecordSource supplies the latest classified record for a block.
// Execution captures its pre-action reading from here, and manual
// verification reads the post-action state from here.
type RecordSource interface {
	Latest(blockID string) (telemetry.ClassifiedRecord, bool)
}

// Deps wires the manager's dependencies.
type Deps struct {
	Config          Config
	Records         RecordSource
	MetricsRegistry *metric.Registry
	Logger          *slog.Logger
}

// Manager owns the action store and the ADR policy. All methods are safe
// for concurrent use; like the alert engine it is passive and has no
// lifecycle of its own.
type Manager struct {
	cfg     Config
	records RecordSource
	logger  *slog.Logger
	metrics *Metrics

	mu      sync.Mutex
	actions map[string]*Action

	now func() time.Time
}

// NewManager creates an action manager.
func NewManager(deps Deps) (*Manager, error) {
	if err := deps.Config.Validate(); err != nil {
		return nil, err
	}
	if deps.Records == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig,
			"ActionManager", "NewManager", "record source validation")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		cfg:     deps.Config,
		records: deps.Records,
		logger:  logger.With("component", "actions"),
		metrics: newMetrics(deps.MetricsRegistry),
		actions: make(map[string]*Action),
		now:     time.Now,
	}, nil
}

// OnRecord feeds one classified record through the ADR policy: possibly
// propose for the block, then verify any execution that has had
// AutoVerifyAfter to take effect. The record carries the tariff and
// carbon rates used for the economics.
func (m *Manager) OnRecord(rec telemetry.ClassifiedRecord) {
	if m.cfg.AutoPropose && m.shouldPropose(rec) {
		recommendation, rationale := recommend(rec)
		reduction := proposedReduction(rec.SavingsKWh, rec.BaselineKWh)

		_, err := m.Propose(Proposal{
			BlockID:              rec.BlockID,
			Label:                rec.Label,
			Mode:                 ModeAutomated,
			Recommendation:       recommendation,
			Rationale:            rationale,
			Source:               PolicySource,
			ReductionKWh:         reduction,
			ExpectedINRPerHour:   reduction * rec.TariffINRPerKWh,
			ExpectedCO2KgPerHour: reduction * rec.CarbonKgPerKWh,
		})
		if err != nil && !stderrors.Is(err, errors.ErrCooldownActive) {
			m.logger.Warn("Auto proposal rejected", "block_id", rec.BlockID, "error", err)
		}
	}

	m.autoVerify(rec)
}

func (m *Manager) shouldPropose(rec telemetry.ClassifiedRecord) bool {
	switch rec.Status {
	case telemetry.StatusWaste:
		return true
	case telemetry.StatusPossibleWaste:
		return rec.OccupancyPct <= m.cfg.PossibleWasteOccupancyPct ||
			rec.TariffINRPerKWh >= m.cfg.TariffHighINR
	default:
		return false
	}
}

// Propose opens a new action for the block. While the block already has
// a PROPOSED or EXECUTED action younger than the cooldown, Propose
// returns that open action together with ErrCooldownActive instead of
// stacking a duplicate.
func (m *Manager) Propose(p Proposal) (Action, error) {
	if p.BlockID == "" {
		return Action{}, errors.WrapInvalid(fmt.Errorf("block id required"),
			"ActionManager", "Propose", "proposal validation")
	}
	if p.Label == "" {
		p.Label = p.BlockID
	}
	if p.Mode == "" {
		p.Mode = ModeManual
	}
	if p.Source == "" {
		p.Source = "operator"
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, a := range m.actions {
		if a.BlockID != p.BlockID {
			continue
		}
		if a.Status != StatusProposed && a.Status != StatusExecuted {
			continue
		}
		if now.Sub(a.ProposedAt) <= m.cfg.Cooldown {
			m.metrics.cooldownHit()
			return *a, errors.ErrCooldownActive
		}
	}

	if p.EventCode == "" {
		p.EventCode = "ADR-" + now.UTC().Format("150405")
	}

	a := &Action{
		ID:                   uuid.NewString(),
		BlockID:              p.BlockID,
		Label:                p.Label,
		Mode:                 p.Mode,
		Status:               StatusProposed,
		Recommendation:       p.Recommendation,
		Rationale:            p.Rationale,
		Source:               p.Source,
		EventCode:            p.EventCode,
		ProposedReductionKWh: max(p.ReductionKWh, 0),
		ExpectedINRPerHour:   max(p.ExpectedINRPerHour, 0),
		ExpectedCO2KgPerHour: max(p.ExpectedCO2KgPerHour, 0),
		ProposedAt:           now,
	}
	m.actions[a.ID] = a
	m.evictLocked()

	m.metrics.actionProposed(a.Mode, m.openCountLocked())
	m.logger.Info("Demand response action proposed",
		"action_id", a.ID,
		"block_id", a.BlockID,
		"mode", string(a.Mode),
		"reduction_kwh", a.ProposedReductionKWh)

	return *a, nil
}

// Execute moves a PROPOSED action to EXECUTED and captures the block's
// current energy reading as the pre-action mark.
func (m *Manager) Execute(id, user string) (Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.actions[id]
	if !ok {
		return Action{}, errors.Wrap(errors.ErrNotFound, "ActionManager", "Execute", "action lookup")
	}
	if a.Status != StatusProposed {
		return Action{}, errors.Wrap(errors.ErrInvalidTransition,
			"ActionManager", "Execute", fmt.Sprintf("transition from %s", a.Status))
	}

	a.Status = StatusExecuted
	a.ExecutedAt = m.now()
	a.Operator = user
	if rec, ok := m.records.Latest(a.BlockID); ok {
		pre := rec.EnergyKWh
		a.PreEnergyKWh = &pre
	}

	m.metrics.actionTransition(StatusExecuted, m.openCountLocked())
	m.logger.Info("Demand response action executed",
		"action_id", a.ID, "block_id", a.BlockID, "operator", user)

	return *a, nil
}

// Verify measures the action against the block's latest reading. Allowed
// from EXECUTED, and again from VERIFIED so a later reading can refresh
// the measurement.
func (m *Manager) Verify(id, user string) (Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.actions[id]
	if !ok {
		return Action{}, errors.Wrap(errors.ErrNotFound, "ActionManager", "Verify", "action lookup")
	}
	if a.Status != StatusExecuted && a.Status != StatusVerified {
		return Action{}, errors.Wrap(errors.ErrInvalidTransition,
			"ActionManager", "Verify", fmt.Sprintf("transition from %s", a.Status))
	}

	rec, ok := m.records.Latest(a.BlockID)
	if !ok {
		return Action{}, errors.Wrap(errors.ErrNotFound,
			"ActionManager", "Verify", "block reading lookup")
	}

	m.applyVerificationLocked(a, rec, user)
	return *a, nil
}

// Resolve closes out an action. Terminal and idempotent; resolving an
// already resolved action just refreshes the timestamp.
func (m *Manager) Resolve(id, user string) (Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.actions[id]
	if !ok {
		return Action{}, errors.Wrap(errors.ErrNotFound, "ActionManager", "Resolve", "action lookup")
	}

	a.Status = StatusResolved
	a.ResolvedAt = m.now()
	a.Operator = user

	m.metrics.actionTransition(StatusResolved, m.openCountLocked())
	m.logger.Info("Demand response action resolved",
		"action_id", a.ID, "block_id", a.BlockID, "operator", user)

	return *a, nil
}

// Get returns one action by id.
func (m *Manager) Get(id string) (Action, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.actions[id]
	if !ok {
		return Action{}, false
	}
	return *a, true
}

// List returns retained actions newest first. A positive limit truncates
// the result.
func (m *Manager) List(limit int) []Action {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Action, 0, len(m.actions))
	for _, a := range m.actions {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ProposedAt.Equal(out[j].ProposedAt) {
			return out[i].ProposedAt.After(out[j].ProposedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Summary aggregates the retained actions. Verified figures cover
// VERIFIED and RESOLVED actions still in the store.
func (m *Manager) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Summary
	for _, a := range m.actions {
		switch a.Status {
		case StatusProposed:
			s.OpenActions++
		case StatusExecuted:
			s.OpenActions++
			s.ExecutedActions++
		case StatusVerified, StatusResolved:
			s.VerifiedActions++
			s.VerifiedSavingsKWh += a.VerifiedSavingsKWh
			s.VerifiedSavingsINR += a.VerifiedSavingsINR
			s.VerifiedCO2Kg += a.VerifiedCO2Kg
		}
	}
	s.VerifiedSavingsKWh = round2(s.VerifiedSavingsKWh)
	s.VerifiedSavingsINR = round2(s.VerifiedSavingsINR)
	s.VerifiedCO2Kg = round2(s.VerifiedCO2Kg)
	return s
}

// autoVerify settles executions for the record's block once they are old
// enough, using the record itself as the post-action reading.
func (m *Manager) autoVerify(rec telemetry.ClassifiedRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, a := range m.actions {
		if a.BlockID != rec.BlockID || a.Status != StatusExecuted {
			continue
		}
		if a.ExecutedAt.IsZero() || now.Sub(a.ExecutedAt) < m.cfg.AutoVerifyAfter {
			continue
		}
		m.applyVerificationLocked(a, rec, "")
	}
}

// applyVerificationLocked computes realized savings against the latest
// reading. Falls back to the block baseline when execution never captured
// a pre-action reading. Callers hold m.mu.
func (m *Manager) applyVerificationLocked(a *Action, rec telemetry.ClassifiedRecord, user string) {
	pre := rec.BaselineKWh
	if a.PreEnergyKWh != nil {
		pre = *a.PreEnergyKWh
	}
	post := rec.EnergyKWh
	savings := max(pre-post, 0)

	a.PostEnergyKWh = &post
	a.VerifiedSavingsKWh = round3(savings)
	a.VerifiedSavingsINR = round3(savings * rec.TariffINRPerKWh)
	a.VerifiedCO2Kg = round3(savings * rec.CarbonKgPerKWh)
	a.VerifiedAt = m.now()
	a.Status = StatusVerified
	if user != "" {
		a.Operator = user
	}
	if savings > 0 {
		a.VerificationNote = "Measured post-action drop confirms demand response gain."
	} else {
		a.VerificationNote = "No measurable drop yet; review control execution and context."
	}

	m.metrics.actionTransition(StatusVerified, m.openCountLocked())
	m.logger.Info("Demand response action verified",
		"action_id", a.ID,
		"block_id", a.BlockID,
		"savings_kwh", a.VerifiedSavingsKWh)
}

// evictLocked trims the store back under MaxActions, dropping the oldest
// settled actions first and the oldest overall only when every action is
// still open.
func (m *Manager) evictLocked() {
	for len(m.actions) > m.cfg.MaxActions {
		victim := ""
		victimSettled := false
		var victimAt time.Time

		for id, a := range m.actions {
			settled := a.Status == StatusVerified || a.Status == StatusResolved
			older := victim == "" || a.ProposedAt.Before(victimAt)
			switch {
			case settled && !victimSettled:
				victim, victimAt, victimSettled = id, a.ProposedAt, true
			case settled == victimSettled && older:
				victim, victimAt = id, a.ProposedAt
			}
		}
		delete(m.actions, victim)
	}
}

func (m *Manager) openCountLocked() int {
	n := 0
	for _, a := range m.actions {
		if a.Status == StatusProposed || a.Status == StatusExecuted {
			n++
		}
	}
	return n
}
