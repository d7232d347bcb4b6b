package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"drtdispatch/internal/detour"
	"drtdispatch/internal/dispatch"
	"drtdispatch/internal/insertion"
	"drtdispatch/internal/model"
	"drtdispatch/internal/store"

	"go.uber.org/zap"
)

// PutVehiclesHandler handles POST /v1/vehicles
func (s *Server) PutVehiclesHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Vehicles []model.Vehicle `json:"vehicles"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validateVehicles(req.Vehicles); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid vehicles", err.Error(), r.URL.Path)
		return
	}
	ctx, tenant := s.withTenant(r)
	n, err := s.Store.PutVehicles(ctx, tenant, req.Vehicles)
	if err != nil {
		s.writeError(w, r, "Store vehicles failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"upserted": n})
}

func (s *Server) ListVehiclesHandler(w http.ResponseWriter, r *http.Request) {
	ctx, tenant := s.withTenant(r)
	items, next, err := s.Store.ListVehicles(ctx, tenant, r.URL.Query().Get("cursor"), queryLimit(r))
	if err != nil {
		s.writeError(w, r, "List vehicles failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

func (s *Server) GetVehicleHandler(w http.ResponseWriter, r *http.Request) {
	ctx, tenant := s.withTenant(r)
	v, err := s.Store.GetVehicle(ctx, tenant, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, "Get vehicle failed", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) DeleteVehicleHandler(w http.ResponseWriter, r *http.Request) {
	ctx, tenant := s.withTenant(r)
	if err := s.Store.DeleteVehicle(ctx, tenant, r.PathValue("id")); err != nil {
		s.writeError(w, r, "Delete vehicle failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SlackHandler handles GET /v1/vehicles/{id}/slack?now=
func (s *Server) SlackHandler(w http.ResponseWriter, r *http.Request) {
	var now *float64
	if v := r.URL.Query().Get("now"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || !finite(f) {
			writeProblem(w, http.StatusBadRequest, "Invalid now", "now must be a finite number of seconds", r.URL.Path)
			return
		}
		now = &f
	}
	ctx, tenant := s.withTenant(r)
	out, err := s.Dispatch.Slack(ctx, tenant, r.PathValue("id"), now)
	if err != nil {
		s.writeError(w, r, "Slack failed", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// EvaluateHandler handles POST /v1/insertions/evaluate
func (s *Server) EvaluateHandler(w http.ResponseWriter, r *http.Request) {
	var req model.EvaluateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validateEvaluateRequest(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid evaluate request", err.Error(), r.URL.Path)
		return
	}
	ctx, tenant := s.withTenant(r)
	resp, err := s.Dispatch.Evaluate(ctx, tenant, req)
	if err != nil {
		s.writeError(w, r, "Evaluate failed", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// DispatchHandler handles POST /v1/dispatch
func (s *Server) DispatchHandler(w http.ResponseWriter, r *http.Request) {
	var req model.DispatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validateDispatchRequest(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid dispatch request", err.Error(), r.URL.Path)
		return
	}
	ctx, tenant := s.withTenant(r)
	d, err := s.Dispatch.Dispatch(ctx, tenant, req)
	if err != nil {
		s.writeError(w, r, "Dispatch failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) ListDecisionsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, tenant := s.withTenant(r)
	q := r.URL.Query()
	items, next, err := s.Store.ListDecisions(ctx, tenant, q.Get("requestId"), q.Get("cursor"), queryLimit(r))
	if err != nil {
		s.writeError(w, r, "List decisions failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

func (s *Server) GetDecisionHandler(w http.ResponseWriter, r *http.Request) {
	ctx, tenant := s.withTenant(r)
	d, err := s.Store.GetDecision(ctx, tenant, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, "Get decision failed", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// NotificationsHandler lists the orchestrator outbox, optionally filtered by ?status=
func (s *Server) NotificationsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, tenant := s.withTenant(r)
	q := r.URL.Query()
	items, next, err := s.Store.ListNotifications(ctx, tenant, q.Get("status"), q.Get("cursor"), queryLimit(r))
	if err != nil {
		s.writeError(w, r, "List notifications failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

func (s *Server) NotificationRetryHandler(w http.ResponseWriter, r *http.Request) {
	ctx, tenant := s.withTenant(r)
	if err := s.Store.RetryNotification(ctx, tenant, r.PathValue("id")); err != nil {
		s.writeError(w, r, "Retry notification failed", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": 1})
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// writeError maps domain errors onto problem responses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, title string, err error) {
	status := http.StatusInternalServerError
	// upstream detour faults wrap the same sentinels as bad input, so they go first
	switch {
	case errors.Is(err, detour.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, dispatch.ErrInvalidCandidate), errors.Is(err, insertion.ErrInvalidInsertion),
		errors.Is(err, insertion.ErrNegativeTimeLoss):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dispatch.ErrNoFeasibleInsertion):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status >= 500 {
		s.logger().Error(title, zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeProblem(w, status, title, err.Error(), r.URL.Path)
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return n
}
