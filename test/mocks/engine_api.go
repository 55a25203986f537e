package mocks

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/defenderpro/engine-orchestrator/internal/models"
	"github.com/gorilla/mux"
)

// MockEngineAPI imitates the REST agent that fronts the antivirus engine
type MockEngineAPI struct {
	Server *httptest.Server

	mu       sync.Mutex
	token    string
	scan     *MockScan
	threats  []models.Threat
	history  []models.ScanHistoryEntry
	enabled  bool
	lastScan *string
	callLog  []APICall
	behavior APIBehavior
}

// MockScan is the scan the mock engine is running or last ran
type MockScan struct {
	Kind      models.ScanKind
	Path      string
	StartTime time.Time
	Polls     int
	Running   bool
	Cancelled bool
}

// APICall logs API calls for verification
type APICall struct {
	Method   string
	Path     string
	Time     time.Time
	Response int
}

// APIBehavior controls mock API behavior
type APIBehavior struct {
	// CompletionPollCount sets how many running polls before a scan ends
	CompletionPollCount int

	// FilesScanned is reported by the summary; zero reports nothing
	FilesScanned uint64

	// NewThreats are added to the list when a scan completes
	NewThreats []models.Threat

	// PartialThreats answer actions with a partial success
	PartialThreats map[models.ThreatID]bool

	// ActionDelay holds every threat action answer
	ActionDelay time.Duration

	// UnavailableRequests makes the next N requests return 503
	UnavailableRequests int
}

// NewMockEngineAPI creates a new mock engine agent. An empty token
// disables the bearer check.
func NewMockEngineAPI(token string) *MockEngineAPI {
	m := &MockEngineAPI{
		token:   token,
		enabled: true,
		behavior: APIBehavior{
			CompletionPollCount: 3,
		},
	}

	r := mux.NewRouter()
	r.Use(m.middleware)
	r.HandleFunc("/api/v1/scans", m.handleStartScan).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/scans/running", m.handleRunning).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/scans/cancel", m.handleCancel).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/scans/summary", m.handleSummary).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/scans/history", m.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/threats", m.handleThreats).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/threats/clear", m.handleClear).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/threats/{id}/actions", m.handleAction).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/status", m.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/definitions/update", m.handleDefinitions).Methods(http.MethodPost)

	m.Server = httptest.NewServer(r)
	return m
}

// Close stops the mock server
func (m *MockEngineAPI) Close() {
	m.Server.Close()
}

// URL returns the mock server URL
func (m *MockEngineAPI) URL() string {
	return m.Server.URL
}

// SetBehavior configures mock API behavior
func (m *MockEngineAPI) SetBehavior(behavior APIBehavior) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.behavior = behavior
}

// SetThreats replaces the engine's detection list
func (m *MockEngineAPI) SetThreats(threats []models.Threat) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threats = append([]models.Threat(nil), threats...)
}

// StartExternalScan simulates a scan started outside the orchestrator
func (m *MockEngineAPI) StartExternalScan(kind models.ScanKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scan = &MockScan{Kind: kind, StartTime: time.Now(), Running: true}
}

// Scan returns a copy of the current or last scan
func (m *MockEngineAPI) Scan() *MockScan {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scan == nil {
		return nil
	}
	s := *m.scan
	return &s
}

// GetCallLog returns all API calls made
func (m *MockEngineAPI) GetCallLog() []APICall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]APICall{}, m.callLog...)
}

// CountCalls returns how many requests hit method and path
func (m *MockEngineAPI) CountCalls(method, path string) int {
	n := 0
	for _, call := range m.GetCallLog() {
		if call.Method == method && call.Path == path {
			n++
		}
	}
	return n
}

func (m *MockEngineAPI) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() { m.logCall(r.Method, r.URL.Path, rec.status) }()

		if m.token != "" && r.Header.Get("Authorization") != "Bearer "+m.token {
			writeError(rec, http.StatusUnauthorized, "unauthorized")
			return
		}

		m.mu.Lock()
		unavailable := m.behavior.UnavailableRequests > 0
		if unavailable {
			m.behavior.UnavailableRequests--
		}
		m.mu.Unlock()
		if unavailable {
			writeError(rec, http.StatusServiceUnavailable, "engine busy")
			return
		}

		next.ServeHTTP(rec, r)
	})
}

func (m *MockEngineAPI) handleStartScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind models.ScanKind `json:"kind"`
		Path string          `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scan != nil && m.scan.Running {
		writeError(w, http.StatusConflict, fmt.Sprintf("%s scan in progress", m.scan.Kind))
		return
	}
	m.scan = &MockScan{Kind: req.Kind, Path: req.Path, StartTime: time.Now(), Running: true}
	w.WriteHeader(http.StatusAccepted)
}

func (m *MockEngineAPI) handleRunning(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	running := m.scan != nil && m.scan.Running
	if running {
		m.scan.Polls++
		if m.scan.Polls >= m.behavior.CompletionPollCount {
			m.finishScan()
			running = false
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"running": running})
}

// finishScan must be called with the lock held
func (m *MockEngineAPI) finishScan() {
	m.scan.Running = false
	label := time.Now().Format("2006-01-02 15:04")
	m.lastScan = &label
	m.threats = append(m.threats, m.behavior.NewThreats...)
	m.history = append(m.history, models.ScanHistoryEntry{
		ScanKind:     string(m.scan.Kind),
		StartTime:    m.scan.StartTime.Format("2006-01-02 15:04:05"),
		EndTime:      time.Now().Format("2006-01-02 15:04:05"),
		ThreatsFound: len(m.behavior.NewThreats),
		FilesScanned: m.behavior.FilesScanned,
	})
}

func (m *MockEngineAPI) handleCancel(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scan != nil && m.scan.Running {
		m.scan.Running = false
		m.scan.Cancelled = true
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "scan cancelled"})
}

func (m *MockEngineAPI) handleSummary(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kind := r.URL.Query().Get("kind")
	summary := models.ScanSummary{ScanKind: kind, LastScanLabel: m.lastScan, FilesScanned: m.behavior.FilesScanned}
	if m.scan != nil && string(m.scan.Kind) == kind {
		summary.ThreatsFound = len(m.behavior.NewThreats)
		summary.DurationLabel = models.FormatScanDuration(time.Since(m.scan.StartTime))
	}
	writeJSON(w, http.StatusOK, summary)
}

func (m *MockEngineAPI) handleHistory(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	history := append([]models.ScanHistoryEntry{}, m.history...)
	writeJSON(w, http.StatusOK, history)
}

func (m *MockEngineAPI) handleThreats(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := models.CountSeverities(m.threats)
	writeJSON(w, http.StatusOK, models.ThreatList{
		TotalThreats:   len(m.threats),
		HighSeverity:   counts.High,
		MediumSeverity: counts.Medium,
		LowSeverity:    counts.Low,
		Threats:        append([]models.Threat{}, m.threats...),
	})
}

func (m *MockEngineAPI) handleClear(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threats = nil
	writeJSON(w, http.StatusOK, map[string]string{"message": "threat history cleared"})
}

func (m *MockEngineAPI) handleAction(w http.ResponseWriter, r *http.Request) {
	id := models.ThreatID(mux.Vars(r)["id"])

	var req struct {
		Action models.ActionKind `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	m.mu.Lock()
	delay := m.behavior.ActionDelay
	m.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, t := range m.threats {
		if t.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		writeError(w, http.StatusNotFound, fmt.Sprintf("threat %s not found", id))
		return
	}

	if m.behavior.PartialThreats[id] {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message": "file is in use, action will complete on restart",
			"partial": true,
		})
		return
	}

	switch req.Action {
	case models.ActionQuarantine:
		m.threats[idx].Status = "Quarantined"
		m.threats[idx].Category = models.CategoryQuarantined
	case models.ActionRestore:
		m.threats[idx].Status = "Active"
		m.threats[idx].Category = models.CategoryActive
	case models.ActionRemove, models.ActionAllow:
		m.threats = append(m.threats[:idx], m.threats[idx+1:]...)
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("threat %s: %s applied", id, strings.ToLower(string(req.Action))),
	})
}

func (m *MockEngineAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	writeJSON(w, http.StatusOK, models.DefenderStatus{IsEnabled: m.enabled, LastScanTime: m.lastScan})
}

func (m *MockEngineAPI) handleDefinitions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "definitions updated"})
}

func (m *MockEngineAPI) logCall(method, path string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callLog = append(m.callLog, APICall{
		Method:   method,
		Path:     path,
		Time:     time.Now(),
		Response: status,
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
