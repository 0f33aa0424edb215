package health

import (
	"encoding/json"
	"testing"
)

func TestMonitorUpdateAndGet(t *testing.T) {
	m := NewMonitor()

	m.UpdateHealthy("pipeline", "draining events")

	status, exists := m.Get("pipeline")
	if !exists {
		t.Fatal("expected pipeline status to exist")
	}
	if !status.IsHealthy() {
		t.Errorf("expected healthy, got %s", status.Status)
	}
	if status.Component != "pipeline" {
		t.Errorf("expected component name pipeline, got %s", status.Component)
	}
	if status.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
}

func TestMonitorGetMissing(t *testing.T) {
	m := NewMonitor()

	if _, exists := m.Get("nope"); exists {
		t.Error("expected missing component to report not found")
	}
}

func TestMonitorAggregateHealth(t *testing.T) {
	m := NewMonitor()

	m.UpdateHealthy("sidestream", "signals fresh")
	m.UpdateHealthy("snapshot", "publishing")

	agg := m.AggregateHealth("energysense")
	if !agg.IsHealthy() {
		t.Errorf("expected healthy aggregate, got %s", agg.Status)
	}

	m.UpdateDegraded("source", "running on synthetic fallback")
	agg = m.AggregateHealth("energysense")
	if !agg.IsDegraded() {
		t.Errorf("expected degraded aggregate, got %s", agg.Status)
	}

	m.UpdateUnhealthy("export", "kafka unreachable")
	agg = m.AggregateHealth("energysense")
	if !agg.IsUnhealthy() {
		t.Errorf("expected unhealthy aggregate, got %s", agg.Status)
	}
	if len(agg.SubStatuses) != 4 {
		t.Errorf("expected 4 sub-statuses, got %d", len(agg.SubStatuses))
	}
}

func TestAggregateEmpty(t *testing.T) {
	agg := Aggregate("energysense", nil)
	if !agg.IsHealthy() {
		t.Errorf("empty aggregate should be healthy, got %s", agg.Status)
	}
}

func TestAggregateStableOrder(t *testing.T) {
	subA := []Status{NewHealthy("b", "ok"), NewDegraded("a", "slow")}
	subB := []Status{NewDegraded("a", "slow"), NewHealthy("b", "ok")}

	aggA := Aggregate("sys", subA)
	aggB := Aggregate("sys", subB)

	for i := range aggA.SubStatuses {
		if aggA.SubStatuses[i].Component != aggB.SubStatuses[i].Component {
			t.Fatalf("aggregation order not stable: %v vs %v",
				aggA.SubStatuses[i].Component, aggB.SubStatuses[i].Component)
		}
	}
}

func TestMonitorRemoveAndCount(t *testing.T) {
	m := NewMonitor()

	m.UpdateHealthy("a", "ok")
	m.UpdateHealthy("b", "ok")
	if m.Count() != 2 {
		t.Errorf("expected 2 components, got %d", m.Count())
	}

	m.Remove("a")
	if m.Count() != 1 {
		t.Errorf("expected 1 component after remove, got %d", m.Count())
	}
	if _, exists := m.Get("a"); exists {
		t.Error("removed component should not be found")
	}
}

func TestStatusJSONShape(t *testing.T) {
	status := NewDegraded("source", "synthetic only").WithMetrics(&Metrics{ErrorCount: 2})

	raw, err := json.Marshal(status)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded["status"] != StateDegraded {
		t.Errorf("expected status %q, got %v", StateDegraded, decoded["status"])
	}
	if decoded["healthy"] != false {
		t.Error("degraded status must not serialize as healthy")
	}
}
