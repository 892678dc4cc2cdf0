package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/roaster-core/internal/audit"
	"github.com/nerrad567/roaster-core/internal/bridges/roaster"
)

// CommandRequest is the body of POST /commands.
type CommandRequest struct {
	Command *int `json:"command"`
	Value   *int `json:"value"`
}

// RelayRequest is the body of PUT /relays/{field}.
type RelayRequest struct {
	On *bool `json:"on"`
}

// ValveRequest is the body of PUT /valve.
type ValveRequest struct {
	Percent *int `json:"percent"`
}

// CommandResponse reports a command written to the serial link. The device
// state changes only when the controller reports back.
type CommandResponse struct {
	Status  string `json:"status"`
	Command int    `json:"command"`
	Value   int    `json:"value"`
	Field   string `json:"field,omitempty"`
	On      *bool  `json:"on,omitempty"`
}

// handleGetState returns the last confirmed device state.
func (s *Server) handleGetState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"roaster_id": s.roasterID,
		"connected":  s.device.Connected(),
		"state":      s.device.Snapshot(),
	})
}

// handleSubmitCommand sends a raw command/value pair.
func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Command == nil || req.Value == nil {
		writeBadRequest(w, "command and value are required")
		return
	}

	err := s.device.SubmitCommand(*req.Command, *req.Value)
	s.recordCommand(r, roaster.OutgoingCommand{Command: *req.Command, Value: *req.Value}, "", err)
	if err != nil {
		s.logger.Warn("command failed", "command", *req.Command, "value", *req.Value, "error", err)
		writeDeviceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, CommandResponse{
		Status:  "sent",
		Command: *req.Command,
		Value:   *req.Value,
	})
}

// handleSetRelay switches a relay on or off.
func (s *Server) handleSetRelay(w http.ResponseWriter, r *http.Request) {
	field, ok := parseFieldParam(w, r)
	if !ok {
		return
	}

	var req RelayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.On == nil {
		writeBadRequest(w, "on is required")
		return
	}

	cmd, err := roaster.RelayCommand(field, *req.On)
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	err = s.device.SetRelay(field, *req.On)
	s.recordCommand(r, cmd, field.String(), err)
	if err != nil {
		s.logger.Warn("relay command failed", "field", field, "on", *req.On, "error", err)
		writeDeviceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, CommandResponse{
		Status:  "sent",
		Command: cmd.Command,
		Value:   cmd.Value,
		Field:   field.String(),
		On:      req.On,
	})
}

// handleToggleRelay flips a relay relative to its last confirmed state.
func (s *Server) handleToggleRelay(w http.ResponseWriter, r *http.Request) {
	field, ok := parseFieldParam(w, r)
	if !ok {
		return
	}

	target, err := s.device.ToggleRelay(field)
	if err != nil {
		if cmd, _, resolveErr := roaster.ToggleCommand(s.device.Snapshot(), field); resolveErr == nil {
			s.recordCommand(r, cmd, field.String(), err)
		}
		s.logger.Warn("relay toggle failed", "field", field, "error", err)
		writeDeviceError(w, err)
		return
	}

	cmd, _ := roaster.RelayCommand(field, target) //nolint:errcheck // field already validated by ToggleRelay
	s.recordCommand(r, cmd, field.String(), nil)
	writeJSON(w, http.StatusAccepted, CommandResponse{
		Status:  "sent",
		Command: cmd.Command,
		Value:   cmd.Value,
		Field:   field.String(),
		On:      &target,
	})
}

// handleSetValve sets the gas valve opening.
func (s *Server) handleSetValve(w http.ResponseWriter, r *http.Request) {
	var req ValveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Percent == nil {
		writeBadRequest(w, "percent is required")
		return
	}

	cmd, err := roaster.ValveCommand(*req.Percent)
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	err = s.device.SetValve(*req.Percent)
	s.recordCommand(r, cmd, roaster.FieldValve.String(), err)
	if err != nil {
		s.logger.Warn("valve command failed", "percent", *req.Percent, "error", err)
		writeDeviceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, CommandResponse{
		Status:  "sent",
		Command: cmd.Command,
		Value:   cmd.Value,
	})
}

// parseFieldParam resolves {field} as a relay name or address.
func parseFieldParam(w http.ResponseWriter, r *http.Request) (roaster.FieldID, bool) {
	field, err := roaster.ParseField(chi.URLParam(r, "field"))
	if err != nil {
		writeNotFound(w, err.Error())
		return 0, false
	}
	if !field.IsRelay() {
		writeBadRequest(w, field.String()+" is not a relay")
		return 0, false
	}
	return field, true
}

// recordCommand writes a command log entry. Commands rejected by validation
// never reached the link and are not recorded.
func (s *Server) recordCommand(r *http.Request, cmd roaster.OutgoingCommand, field string, sendErr error) {
	if s.audit == nil || errors.Is(sendErr, roaster.ErrInvalidCommand) {
		return
	}

	entry := &audit.Entry{
		Source:    audit.SourceAPI,
		Command:   cmd.Command,
		Value:     cmd.Value,
		Field:     field,
		Status:    audit.StatusSent,
		RequestID: requestID(r),
	}
	if sendErr != nil {
		entry.Status = audit.StatusFailed
		entry.Error = sendErr.Error()
	}

	if err := s.audit.Create(r.Context(), entry); err != nil {
		s.logger.Warn("failed to record command", "command", cmd.Command, "value", cmd.Value, "error", err)
	}
}

// handleListCommands returns the command log, most recent first.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeUnavailable(w, "command log is not enabled")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Source: q.Get("source"),
		Status: q.Get("status"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeBadRequest(w, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	result, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list commands", "error", err)
		writeInternalError(w, "failed to list commands")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
