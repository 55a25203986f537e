package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/defenderpro/engine-orchestrator/internal/models"
	"github.com/defenderpro/engine-orchestrator/pkg/engine"
	"github.com/defenderpro/engine-orchestrator/pkg/scan"
	"github.com/defenderpro/engine-orchestrator/pkg/status"
	"github.com/defenderpro/engine-orchestrator/pkg/threats"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// RestartPath is offered to callers after a scan conflict
const RestartPath = "/api/v1/scans/restart"

type scanRequest struct {
	Kind string `json:"kind"`
	Path string `json:"path,omitempty"`
}

type activationRequest struct {
	Signal string `json:"signal"`
}

type actionRequest struct {
	Action   string `json:"action"`
	FilePath string `json:"file_path,omitempty"`
}

type bulkActionRequest struct {
	ThreatIDs []models.ThreatID `json:"threat_ids"`
	Action    string            `json:"action"`
}

type errorResponse struct {
	Error string    `json:"error"`
	Retry string    `json:"retry,omitempty"`
	Job   *scan.Job `json:"job,omitempty"`
}

type outcomeResponse struct {
	threats.Outcome
	Threats *models.ThreatSnapshot `json:"threats"`
}

type bulkResponse struct {
	Outcomes []threats.Outcome      `json:"outcomes"`
	Threats  *models.ThreatSnapshot `json:"threats"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Status.View())
}

func (s *Server) handleRefreshStatus(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	refreshed := s.deps.Status.Refresh(r.Context(), force)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"refreshed": refreshed,
		"status":    s.deps.Status.View(),
	})
}

func (s *Server) handleActivation(w http.ResponseWriter, r *http.Request) {
	var req activationRequest
	if !s.decode(w, r, &req) {
		return
	}

	signal, err := status.ParseSignal(req.Signal)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.deps.Status.Activate(r.Context(), signal)
	writeJSON(w, http.StatusOK, s.deps.Status.View())
}

func (s *Server) handleUpdateDefinitions(w http.ResponseWriter, r *http.Request) {
	msg, err := s.deps.Status.UpdateDefinitions(r.Context())
	if err != nil {
		s.engineError(w, "update definitions", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": msg,
		"status":  s.deps.Status.View(),
	})
}

func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request) {
	kind, path, ok := s.decodeScanRequest(w, r)
	if !ok {
		return
	}

	handle, err := s.deps.Scans.Start(r.Context(), kind, path)
	if err != nil {
		s.scanError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, handle.Job())
}

func (s *Server) handleRestartScan(w http.ResponseWriter, r *http.Request) {
	kind, path, ok := s.decodeScanRequest(w, r)
	if !ok {
		return
	}

	handle, err := s.deps.Scans.Restart(r.Context(), kind, path)
	if err != nil {
		s.scanError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, handle.Job())
}

func (s *Server) handleCurrentScan(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Scans.Current())
}

func (s *Server) handleCancelScan(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Scans.Cancel(); err != nil {
		if errors.Is(err, scan.ErrNotRunning) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Scans.Current())
}

func (s *Server) handleScanHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusNotImplemented, "engine backend does not expose scan history")
		return
	}

	history, err := s.deps.History.ScanHistory(r.Context())
	if err != nil {
		s.engineError(w, "scan history", err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleListThreats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Threats.Snapshot())
}

func (s *Server) handleReloadThreats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Threats.Reload(r.Context()))
}

func (s *Server) handleThreatAction(w http.ResponseWriter, r *http.Request) {
	id := models.ThreatID(mux.Vars(r)["id"])

	var req actionRequest
	if !s.decode(w, r, &req) {
		return
	}

	action, err := models.ParseActionKind(req.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	filePath := req.FilePath
	if filePath == "" {
		if threat, ok := s.deps.Threats.Snapshot().Find(id); ok {
			filePath = threat.FilePath
		}
	}

	outcome := s.deps.Actions.Execute(r.Context(), models.ActionRequest{
		ThreatID: id,
		Action:   action,
		FilePath: filePath,
	})

	code := http.StatusOK
	if errors.Is(outcome.Err, threats.ErrActionInProgress) {
		code = http.StatusConflict
	}
	writeJSON(w, code, outcomeResponse{Outcome: outcome, Threats: outcome.Snapshot})
}

func (s *Server) handleBulkAction(w http.ResponseWriter, r *http.Request) {
	var req bulkActionRequest
	if !s.decode(w, r, &req) {
		return
	}

	action, err := models.ParseActionKind(req.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.ThreatIDs) == 0 {
		writeError(w, http.StatusBadRequest, "threat_ids must not be empty")
		return
	}

	outcomes := s.deps.Actions.ExecuteAll(r.Context(), req.ThreatIDs, action)
	writeJSON(w, http.StatusOK, bulkResponse{Outcomes: outcomes, Threats: s.deps.Threats.Snapshot()})
}

func (s *Server) handleClearThreats(w http.ResponseWriter, r *http.Request) {
	msg, snapshot, err := s.deps.Actions.ClearHistory(r.Context())
	if err != nil {
		s.engineError(w, "clear threat history", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": msg,
		"threats": snapshot,
	})
}

func (s *Server) decodeScanRequest(w http.ResponseWriter, r *http.Request) (models.ScanKind, string, bool) {
	var req scanRequest
	if !s.decode(w, r, &req) {
		return "", "", false
	}

	kind, err := models.ParseScanKind(req.Kind)
	if err == nil {
		err = kind.Validate(req.Path)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", "", false
	}
	return kind, req.Path, true
}

func (s *Server) scanError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scan.ErrScanAlreadyRunning):
		job := s.deps.Scans.Current()
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Job: &job})
	case scan.IsConflict(err):
		job := s.deps.Scans.Current()
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Retry: RestartPath, Job: &job})
	default:
		s.engineError(w, "start scan", err)
	}
}

// engineError maps the engine error taxonomy onto HTTP status codes
func (s *Server) engineError(w http.ResponseWriter, operation string, err error) {
	code := http.StatusBadGateway
	var actionErr *engine.ActionError
	switch {
	case engine.IsTimeout(err):
		code = http.StatusGatewayTimeout
	case engine.IsUnavailable(err):
		code = http.StatusServiceUnavailable
	case errors.As(err, &actionErr):
		code = http.StatusUnprocessableEntity
	}

	s.logger.WithFields(logrus.Fields{
		"operation": operation,
		"error":     err.Error(),
	}).Warn("Engine operation failed")

	writeError(w, code, err.Error())
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
