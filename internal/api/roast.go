package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/roaster-core/internal/roastlog"
)

// CrackRequest is the body of POST /roast/cracks.
type CrackRequest struct {
	Kind string `json:"kind"`
}

// handleRoastStatus returns the roast timer status.
func (s *Server) handleRoastStatus(w http.ResponseWriter, _ *http.Request) {
	if s.recorder == nil {
		writeUnavailable(w, "roast log is not enabled")
		return
	}
	writeJSON(w, http.StatusOK, s.recorder.Status())
}

// handleRoastToggle starts, pauses or resumes the roast timer.
func (s *Server) handleRoastToggle(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeUnavailable(w, "roast log is not enabled")
		return
	}
	if _, err := s.recorder.Toggle(r.Context()); err != nil {
		s.logger.Error("roast toggle failed", "error", err)
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.recorder.Status())
}

// handleRoastReset ends the current roast.
func (s *Server) handleRoastReset(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeUnavailable(w, "roast log is not enabled")
		return
	}
	if err := s.recorder.Reset(r.Context()); err != nil {
		s.logger.Error("roast reset failed", "error", err)
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.recorder.Status())
}

// handleMarkCrack marks first or second crack on the running roast.
func (s *Server) handleMarkCrack(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeUnavailable(w, "roast log is not enabled")
		return
	}

	var req CrackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	crack, err := roastlog.ParseCrack(req.Kind)
	if err != nil {
		writeDeviceError(w, err)
		return
	}

	if err := s.recorder.MarkCrack(r.Context(), crack); err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.recorder.Status())
}

// handleListRoasts returns recent roasts, newest first.
//
// Query parameters:
//   - limit: maximum roasts to return (default 50, max 500)
func (s *Server) handleListRoasts(w http.ResponseWriter, r *http.Request) {
	if s.roasts == nil {
		writeUnavailable(w, "roast history is not enabled")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	roasts, err := s.roasts.ListRoasts(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list roasts", "error", err)
		writeInternalError(w, "failed to list roasts")
		return
	}
	if roasts == nil {
		roasts = []roastlog.Roast{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"roasts": roasts,
		"count":  len(roasts),
	})
}

// handleGetRoast returns one roast with its events.
func (s *Server) handleGetRoast(w http.ResponseWriter, r *http.Request) {
	if s.roasts == nil {
		writeUnavailable(w, "roast history is not enabled")
		return
	}

	id := chi.URLParam(r, "id")
	roast, err := s.roasts.GetRoast(r.Context(), id)
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	events, err := s.roasts.GetEvents(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to load roast events", "roast_id", id, "error", err)
		writeInternalError(w, "failed to load roast events")
		return
	}
	if events == nil {
		events = []roastlog.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"roast":  roast,
		"events": events,
	})
}

// handleGetRoastSamples returns a roast's samples in elapsed order.
func (s *Server) handleGetRoastSamples(w http.ResponseWriter, r *http.Request) {
	if s.roasts == nil {
		writeUnavailable(w, "roast history is not enabled")
		return
	}

	id := chi.URLParam(r, "id")
	if _, err := s.roasts.GetRoast(r.Context(), id); err != nil {
		writeDeviceError(w, err)
		return
	}
	samples, err := s.roasts.GetSamples(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to load roast samples", "roast_id", id, "error", err)
		writeInternalError(w, "failed to load roast samples")
		return
	}
	if samples == nil {
		samples = []roastlog.Sample{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"roast_id": id,
		"samples":  samples,
		"count":    len(samples),
	})
}

// handleGetRoastEvents returns a roast's timer events and crack marks.
func (s *Server) handleGetRoastEvents(w http.ResponseWriter, r *http.Request) {
	if s.roasts == nil {
		writeUnavailable(w, "roast history is not enabled")
		return
	}

	id := chi.URLParam(r, "id")
	if _, err := s.roasts.GetRoast(r.Context(), id); err != nil {
		writeDeviceError(w, err)
		return
	}
	events, err := s.roasts.GetEvents(r.Context(), id)
	if err != nil {
		writeInternalError(w, "failed to load roast events")
		return
	}
	if events == nil {
		events = []roastlog.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"roast_id": id,
		"events":   events,
	})
}
