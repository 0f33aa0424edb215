package gateway

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/c360/energysense/action"
	"github.com/c360/energysense/errors"
	"github.com/c360/energysense/telemetry"
)

// writeJSON serializes v with the standard headers. Encoding failures at
// this point mean the response is already partially written; log and move
// on.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Response encoding failed", "error", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps the errors package taxonomy onto HTTP statuses: not
// found 404, invalid transitions and active cooldowns 409, invalid input
// 400, everything else 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case stderrors.Is(err, errors.ErrNotFound):
		status = http.StatusNotFound
	case stderrors.Is(err, errors.ErrInvalidTransition),
		stderrors.Is(err, errors.ErrCooldownActive):
		status = http.StatusConflict
	case stderrors.Is(err, errors.ErrShuttingDown),
		stderrors.Is(err, errors.ErrQueueFull):
		status = http.StatusServiceUnavailable
	case errors.IsInvalid(err):
		status = http.StatusBadRequest
	}
	s.writeJSON(w, status, errorBody{Error: err.Error()})
}

// decodeBody reads a size-capped JSON request body into v.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestSize)
	defer func() { _, _ = io.Copy(io.Discard, body) }()

	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.WrapInvalid(err, "Gateway", "decodeBody", "decode request body")
	}
	return nil
}

// handleDashboardCurrent is the pull-style snapshot accessor.
func (s *Server) handleDashboardCurrent(w http.ResponseWriter, _ *http.Request) {
	snap := s.publisher.Current()
	if snap == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "no snapshot published yet"})
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// handleIngest accepts one pushed telemetry event.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.ingest == nil {
		s.metrics.ingestRejected("disabled")
		s.writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "push ingest is not enabled"})
		return
	}
	if !s.limiter.Allow() {
		s.metrics.ingestRejected("rate_limited")
		s.writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "ingest rate limit exceeded"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestSize))
	if err != nil {
		s.metrics.ingestRejected("oversized")
		s.writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "request body too large"})
		return
	}

	if err := s.ingestSchema.validate(body); err != nil {
		s.metrics.ingestRejected("schema")
		s.writeError(w, err)
		return
	}

	var ev telemetry.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		s.metrics.ingestRejected("decode")
		s.writeError(w, errors.WrapInvalid(errors.ErrMalformedEvent, "Gateway", "handleIngest", "decode event"))
		return
	}

	if err := s.ingest.Submit(ev); err != nil {
		s.metrics.ingestRejected("queue")
		s.writeError(w, err)
		return
	}

	s.metrics.ingestAccepted(1)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "block_id": ev.BlockID})
}

// handleBlock returns the latest classified record for one block.
func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	blockID := mux.Vars(r)["id"]
	rec, ok := s.store.Latest(blockID)
	if !ok {
		s.writeError(w, errors.Wrap(errors.ErrNotFound, "Gateway", "handleBlock", "block "+blockID))
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

// handleBlockHistory returns the rolling history for one block.
func (s *Server) handleBlockHistory(w http.ResponseWriter, r *http.Request) {
	blockID := mux.Vars(r)["id"]
	if _, ok := s.store.Latest(blockID); !ok {
		s.writeError(w, errors.Wrap(errors.ErrNotFound, "Gateway", "handleBlockHistory", "block "+blockID))
		return
	}
	history := s.store.History(blockID)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"block_id": blockID,
		"points":   history,
		"count":    len(history),
	})
}

func (s *Server) handleAlertList(w http.ResponseWriter, _ *http.Request) {
	alerts := s.alerts.List()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"alerts":     alerts,
		"open_count": s.alerts.OpenCount(),
	})
}

func (s *Server) handleAlertAck(w http.ResponseWriter, r *http.Request) {
	a, err := s.alerts.Acknowledge(mux.Vars(r)["id"], operatorFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAlertResolve(w http.ResponseWriter, r *http.Request) {
	a, err := s.alerts.Resolve(mux.Vars(r)["id"], operatorFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleActionList(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.ActionListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed < limit {
			limit = parsed
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"actions": s.actions.List(limit),
		"summary": s.actions.Summary(),
	})
}

// handleActionPropose accepts a manual DR proposal. A cooldown conflict
// returns 409 together with the action already open for the block.
func (s *Server) handleActionPropose(w http.ResponseWriter, r *http.Request) {
	var p action.Proposal
	if err := s.decodeBody(w, r, &p); err != nil {
		s.writeError(w, err)
		return
	}

	a, err := s.actions.Propose(p)
	if err != nil {
		if stderrors.Is(err, errors.ErrCooldownActive) {
			s.writeJSON(w, http.StatusConflict, map[string]any{
				"error":       err.Error(),
				"open_action": a,
			})
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleActionExecute(w http.ResponseWriter, r *http.Request) {
	a, err := s.actions.Execute(mux.Vars(r)["id"], operatorFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleActionVerify(w http.ResponseWriter, r *http.Request) {
	a, err := s.actions.Verify(mux.Vars(r)["id"], operatorFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleActionResolve(w http.ResponseWriter, r *http.Request) {
	a, err := s.actions.Resolve(mux.Vars(r)["id"], operatorFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

// handleHealth refreshes the monitor from every registered component
// reporter and returns the aggregate. Any unhealthy component makes the
// endpoint answer 503 so load balancers can act on it; degraded stays
// 200 with the detail in the body.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	for _, reporter := range s.reporters {
		st := reporter.Health()
		s.monitor.Update(st.Component, st)
	}
	overall := s.monitor.AggregateHealth("energysense")

	code := http.StatusOK
	if overall.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]any{
		"status":     overall.Status,
		"message":    overall.Message,
		"components": overall.SubStatuses,
	})
}
