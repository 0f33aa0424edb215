package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/energysense/action"
	"github.com/c360/energysense/alert"
	"github.com/c360/energysense/health"
	"github.com/c360/energysense/sidestream"
	"github.com/c360/energysense/snapshot"
	"github.com/c360/energysense/source"
	"github.com/c360/energysense/telemetry"
)

var gwT0 = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	server    *Server
	store     *snapshot.Store
	publisher *snapshot.Publisher
	alerts    *alert.Engine
	actions   *action.Manager
	ingest    *source.Push
	http      *httptest.Server
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()

	store := snapshot.NewStore(snapshot.DefaultConfig())
	publisher := snapshot.NewPublisher(snapshot.PublisherDeps{
		Config:  snapshot.PublisherConfig{Interval: time.Hour, SubscriberBuffer: 8},
		Store:   store,
		Signals: sidestream.NewRegistry(sidestream.DefaultConfig()),
	})

	alerts, err := alert.NewEngine(alert.Deps{Config: alert.DefaultConfig()})
	require.NoError(t, err)

	actions, err := action.NewManager(action.Deps{Config: action.DefaultConfig(), Records: store})
	require.NoError(t, err)

	ingest := source.NewPush(source.PushDeps{Config: source.DefaultPushConfig()})

	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	srv, err := NewServer(Deps{
		Config:    cfg,
		Store:     store,
		Publisher: publisher,
		Alerts:    alerts,
		Actions:   actions,
		Ingest:    ingest,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{
		server:    srv,
		store:     store,
		publisher: publisher,
		alerts:    alerts,
		actions:   actions,
		ingest:    ingest,
		http:      ts,
	}
}

func classifiedRecord(blockID string, status telemetry.Status) telemetry.ClassifiedRecord {
	return telemetry.ClassifiedRecord{
		BlockID:         blockID,
		Label:           "Block " + blockID,
		EnergyKWh:       55.1,
		BaselineKWh:     35.0,
		DeviationPct:    57.4,
		OccupancyPct:    12,
		TemperatureC:    26,
		Status:          status,
		SavingsKWh:      20.1,
		TariffINRPerKWh: 8.0,
		CarbonKgPerKWh:  0.7,
		CostINR:         440.8,
		WasteCostINR:    160.8,
		CO2Kg:           14.07,
		Origin:          "file",
		UpdatedAt:       gwT0,
	}
}

func (f *fixture) getJSON(t *testing.T, path string, into any) int {
	t.Helper()
	resp, err := http.Get(f.http.URL + path)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if into != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp.StatusCode
}

func (f *fixture) postJSON(t *testing.T, path string, body any, into any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(f.http.URL+path, "application/json", &buf)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if into != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp.StatusCode
}

func TestDashboardCurrentBeforeFirstPublish(t *testing.T) {
	f := newFixture(t)
	code := f.getJSON(t, "/api/dashboard/current", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestDashboardCurrentReturnsSnapshot(t *testing.T) {
	f := newFixture(t)
	f.store.Apply(classifiedRecord("B1", telemetry.StatusWaste))
	f.publisher.Publish()

	var snap snapshot.DashboardSnapshot
	code := f.getJSON(t, "/api/dashboard/current", &snap)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, uint64(1), snap.Sequence)
	_, ok := snap.Block("B1")
	assert.True(t, ok)
}

func TestIngestAcceptsValidEvent(t *testing.T) {
	f := newFixture(t)

	code := f.postJSON(t, "/api/ingest", map[string]any{
		"block_id":      "B1",
		"energy_kwh":    42.5,
		"occupancy_pct": 55,
		"temperature_c": 27.5,
	}, nil)
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, 1, f.ingest.Pending())
}

func TestIngestRejectsSchemaViolations(t *testing.T) {
	f := newFixture(t)

	cases := []map[string]any{
		{"energy_kwh": 42.5, "occupancy_pct": 55, "temperature_c": 27.5},        // missing block_id
		{"block_id": "B1", "energy_kwh": -1, "occupancy_pct": 55, "temperature_c": 27.5},   // negative energy
		{"block_id": "B1", "energy_kwh": 42.5, "occupancy_pct": 140, "temperature_c": 27},  // occupancy out of range
		{"block_id": "B1", "energy_kwh": "a lot", "occupancy_pct": 55, "temperature_c": 27}, // wrong type
	}
	for _, payload := range cases {
		code := f.postJSON(t, "/api/ingest", payload, nil)
		assert.Equal(t, http.StatusBadRequest, code, "payload %v", payload)
	}
	assert.Zero(t, f.ingest.Pending())
}

func TestIngestRejectsInvalidJSON(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Post(f.http.URL+"/api/ingest", "application/json",
		strings.NewReader("{not json"))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIngestRateLimited(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.IngestRPS = 1
		c.IngestBurst = 1
	})

	payload := map[string]any{
		"block_id": "B1", "energy_kwh": 1.0, "occupancy_pct": 10, "temperature_c": 25,
	}
	assert.Equal(t, http.StatusAccepted, f.postJSON(t, "/api/ingest", payload, nil))
	assert.Equal(t, http.StatusTooManyRequests, f.postJSON(t, "/api/ingest", payload, nil))
}

func TestIngestDisabledWithoutPushSource(t *testing.T) {
	f := newFixture(t)
	f.server.ingest = nil

	code := f.postJSON(t, "/api/ingest", map[string]any{
		"block_id": "B1", "energy_kwh": 1.0, "occupancy_pct": 10, "temperature_c": 25,
	}, nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestBlockLookup(t *testing.T) {
	f := newFixture(t)
	f.store.Apply(classifiedRecord("B1", telemetry.StatusWaste))

	var rec telemetry.ClassifiedRecord
	code := f.getJSON(t, "/api/blocks/B1", &rec)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "B1", rec.BlockID)
	assert.Equal(t, telemetry.StatusWaste, rec.Status)

	assert.Equal(t, http.StatusNotFound, f.getJSON(t, "/api/blocks/NOPE", nil))
}

func TestBlockHistory(t *testing.T) {
	f := newFixture(t)
	rec := classifiedRecord("B1", telemetry.StatusWaste)
	f.store.Apply(rec)
	rec.UpdatedAt = rec.UpdatedAt.Add(5 * time.Second)
	f.store.Apply(rec)

	var out struct {
		BlockID string                   `json:"block_id"`
		Points  []telemetry.HistoryPoint `json:"points"`
		Count   int                      `json:"count"`
	}
	code := f.getJSON(t, "/api/blocks/B1/history", &out)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "B1", out.BlockID)
	assert.Equal(t, 2, out.Count)

	assert.Equal(t, http.StatusNotFound, f.getJSON(t, "/api/blocks/NOPE/history", nil))
}

func TestAlertWorkflowOverHTTP(t *testing.T) {
	f := newFixture(t)

	// Three WASTE observations inside the window open one alert.
	rec := classifiedRecord("B1", telemetry.StatusWaste)
	for i := 0; i < 3; i++ {
		rec.UpdatedAt = gwT0.Add(time.Duration(i) * 10 * time.Second)
		f.alerts.Observe(rec)
	}

	var listed struct {
		Alerts    []alert.Alert `json:"alerts"`
		OpenCount int           `json:"open_count"`
	}
	code := f.getJSON(t, "/api/alerts", &listed)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, listed.Alerts, 1)
	assert.Equal(t, 1, listed.OpenCount)

	id := listed.Alerts[0].ID

	var acked alert.Alert
	req, err := http.NewRequest(http.MethodPost, f.http.URL+"/api/alerts/"+id+"/ack", nil)
	require.NoError(t, err)
	req.Header.Set("X-User", "asha")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&acked))
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, acked.Acknowledged)
	assert.Equal(t, "asha", acked.AckBy)

	var resolved alert.Alert
	code = f.postJSON(t, "/api/alerts/"+id+"/resolve", nil, &resolved)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resolved.Resolved)
	assert.Equal(t, "operator", resolved.ResolvedBy)

	assert.Equal(t, http.StatusNotFound, f.postJSON(t, "/api/alerts/missing/ack", nil, nil))
}

func TestActionWorkflowOverHTTP(t *testing.T) {
	f := newFixture(t)
	f.store.Apply(classifiedRecord("B1", telemetry.StatusWaste))

	var proposed action.Action
	code := f.postJSON(t, "/api/actions", action.Proposal{
		BlockID:        "B1",
		Recommendation: "Shed plug loads for 15 minutes.",
		ReductionKWh:   5,
	}, &proposed)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, action.StatusProposed, proposed.Status)

	// A repeat proposal for the same block conflicts with the open one.
	var conflict struct {
		Error      string        `json:"error"`
		OpenAction action.Action `json:"open_action"`
	}
	code = f.postJSON(t, "/api/actions", action.Proposal{BlockID: "B1", ReductionKWh: 2}, &conflict)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, proposed.ID, conflict.OpenAction.ID)

	var executed action.Action
	code = f.postJSON(t, "/api/actions/"+proposed.ID+"/execute", nil, &executed)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, action.StatusExecuted, executed.Status)
	require.NotNil(t, executed.PreEnergyKWh)
	assert.InDelta(t, 55.1, *executed.PreEnergyKWh, 0.001)

	// Executing again is an invalid transition.
	assert.Equal(t, http.StatusConflict,
		f.postJSON(t, "/api/actions/"+proposed.ID+"/execute", nil, nil))

	var verified action.Action
	code = f.postJSON(t, "/api/actions/"+proposed.ID+"/verify", nil, &verified)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, action.StatusVerified, verified.Status)

	var listed struct {
		Actions []action.Action `json:"actions"`
		Summary action.Summary  `json:"summary"`
	}
	code = f.getJSON(t, "/api/actions", &listed)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, listed.Actions, 1)
	assert.Equal(t, 1, listed.Summary.VerifiedActions)

	assert.Equal(t, http.StatusNotFound,
		f.postJSON(t, "/api/actions/missing/execute", nil, nil))
}

func TestActionProposeRejectsMalformedBody(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Post(f.http.URL+"/api/actions", "application/json",
		strings.NewReader(`{"block_id": 42}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

type stubReporter struct{ status health.Status }

func (r stubReporter) Health() health.Status { return r.status }

func TestHealthAggregation(t *testing.T) {
	f := newFixture(t)
	f.server.reporters = []HealthReporter{
		stubReporter{health.NewHealthy("pipeline", "processing")},
		stubReporter{health.NewDegraded("source-manager", "synthetic fallback active")},
	}

	var body struct {
		Status     string          `json:"status"`
		Components []health.Status `json:"components"`
	}
	code := f.getJSON(t, "/health", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, health.StateDegraded, body.Status)
	assert.Len(t, body.Components, 2)

	f.server.reporters = append(f.server.reporters,
		stubReporter{health.NewUnhealthy("source-nats", "connection lost")})
	code = f.getJSON(t, "/health", &body)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, health.StateUnhealthy, body.Status)
}

func TestRequestIDHeaderEchoed(t *testing.T) {
	f := newFixture(t)

	req, err := http.NewRequest(http.MethodGet, f.http.URL+"/api/alerts", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "req-123", resp.Header.Get("X-Request-ID"))

	resp2, err := http.Get(f.http.URL + "/api/alerts")
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.NotEmpty(t, resp2.Header.Get("X-Request-ID"), "generated when absent")
}

func TestSSEStreamDeliversSnapshots(t *testing.T) {
	f := newFixture(t)
	f.store.Apply(classifiedRecord("B1", telemetry.StatusNormal))
	f.publisher.Publish()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.http.URL+"/api/dashboard/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	snap := readSSESnapshot(t, reader)
	assert.Equal(t, uint64(1), snap.Sequence)

	// A later publish arrives as a second frame.
	f.store.Apply(classifiedRecord("B2", telemetry.StatusNormal))
	f.publisher.Publish()

	snap = readSSESnapshot(t, reader)
	assert.Equal(t, uint64(2), snap.Sequence)
	_, ok := snap.Block("B2")
	assert.True(t, ok)
}

// readSSESnapshot scans frames until the next snapshot event's data line.
func readSSESnapshot(t *testing.T, reader *bufio.Reader) snapshot.DashboardSnapshot {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var snap snapshot.DashboardSnapshot
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &snap))
		return snap
	}
}

func TestWebSocketStreamDeliversSnapshots(t *testing.T) {
	f := newFixture(t)
	f.store.Apply(classifiedRecord("B1", telemetry.StatusNormal))
	f.publisher.Publish()

	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/dashboard/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	defer func() { _ = resp.Body.Close() }()

	var snap snapshot.DashboardSnapshot
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, uint64(1), snap.Sequence)

	f.publisher.Publish()
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, uint64(2), snap.Sequence)
}

func TestIngestValidatorDirect(t *testing.T) {
	v, err := newIngestValidator()
	require.NoError(t, err)

	assert.NoError(t, v.validate([]byte(`{"block_id":"B1","energy_kwh":10,"occupancy_pct":50,"temperature_c":25}`)))
	assert.Error(t, v.validate([]byte(`{"block_id":"","energy_kwh":10,"occupancy_pct":50,"temperature_c":25}`)))
	assert.Error(t, v.validate([]byte(`{"block_id":"B1","energy_kwh":10,"occupancy_pct":50,"temperature_c":25,"extra":1}`)))
	assert.Error(t, v.validate([]byte(`null`)))
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())

	bad := cfg
	bad.ListenAddr = ""
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.IngestRPS = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.StreamBuffer = 0
	assert.Error(t, bad.Validate())
}
