package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rickgao/propwatch/internal/connection"
	"github.com/rickgao/propwatch/internal/router"
	"github.com/rickgao/propwatch/internal/subscription"
)

// subscribeRequest is the body of POST /api/v1/subscriptions.
type subscribeRequest struct {
	RequestorID       string `json:"requestor_id"`
	Object            string `json:"object"`
	Property          string `json:"property"`
	Name              string `json:"name"`
	UpdateFrequencyMs int    `json:"update_frequency_ms"`
}

// setValueRequest is the body of PUT /api/v1/subscriptions/{requestor}/value.
type setValueRequest struct {
	Value json.RawMessage `json:"value"`
}

// statsResponse is the body of GET /api/v1/stats.
type statsResponse struct {
	Version string              `json:"version,omitempty"`
	Manager connection.Stats    `json:"manager"`
	Router  *router.RouterStats `json:"router,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.engine.IsReady() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	views, err := s.engine.Subscriptions(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if views == nil {
		views = []subscription.View{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subscriptions": views,
		"count":         len(views),
	})
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.UpdateFrequencyMs < 0 {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "update_frequency_ms must not be negative")
		return
	}

	key := subscription.Key{Object: req.Object, Property: req.Property}
	if err := s.engine.Subscribe(r.Context(), key, req.RequestorID, req.Name, req.UpdateFrequencyMs); err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":       "accepted",
		"requestor_id": req.RequestorID,
	})
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	requestor := chi.URLParam(r, "requestor")
	if err := s.engine.Unsubscribe(r.Context(), requestor); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetValue(w http.ResponseWriter, r *http.Request) {
	requestor := chi.URLParam(r, "requestor")

	var req setValueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Value) == 0 {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "value is required")
		return
	}

	// Forwarded as raw JSON so large integers keep every digit.
	if err := s.engine.SetValue(r.Context(), requestor, req.Value); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleVariables(w http.ResponseWriter, r *http.Request) {
	vars := map[string]any{}
	if s.variables != nil {
		vars = s.variables.Snapshot()
	}
	writeJSON(w, http.StatusOK, map[string]any{"variables": vars})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}

	resp := statsResponse{Version: s.version, Manager: stats}
	if s.router != nil {
		rs := s.router.Stats()
		resp.Router = &rs
	}
	writeJSON(w, http.StatusOK, resp)
}
