package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/defenderpro/engine-orchestrator/internal/models"
	"github.com/defenderpro/engine-orchestrator/pkg/config"
	"github.com/sirupsen/logrus"
)

// Engine agent endpoints
const (
	ScansEndpoint        = "/api/v1/scans"
	ScanRunningEndpoint  = "/api/v1/scans/running"
	ScanCancelEndpoint   = "/api/v1/scans/cancel"
	ScanSummaryEndpoint  = "/api/v1/scans/summary"
	ScanHistoryEndpoint  = "/api/v1/scans/history"
	ThreatsEndpoint      = "/api/v1/threats"
	ThreatActionEndpoint = "/api/v1/threats/%s/actions"
	ThreatClearEndpoint  = "/api/v1/threats/clear"
	StatusEndpoint       = "/api/v1/status"
	DefinitionsEndpoint  = "/api/v1/definitions/update"
)

type startScanRequest struct {
	Kind models.ScanKind `json:"kind"`
	Path string          `json:"path,omitempty"`
}

type runningResponse struct {
	Running bool `json:"running"`
}

type messageResponse struct {
	Message string `json:"message"`
	Partial bool   `json:"partial"`
}

type actionRequest struct {
	Action   models.ActionKind `json:"action"`
	FilePath string            `json:"file_path,omitempty"`
}

// HTTPGateway talks to a REST agent running next to the engine
type HTTPGateway struct {
	config      *config.Config
	logger      *logrus.Logger
	client      *APIClient
	baseURL     string
	callTimeout time.Duration
}

// NewHTTPGateway creates a gateway for the configured engine agent
func NewHTTPGateway(cfg *config.Config, logger *logrus.Logger) *HTTPGateway {
	g := &HTTPGateway{
		config:      cfg,
		logger:      logger,
		callTimeout: cfg.MustDuration(cfg.Engine.CallTimeout),
	}

	httpCfg := cfg.Engine.HTTP
	if httpCfg == nil {
		return g
	}

	if !httpCfg.TLSVerification() {
		logger.Warn("TLS verification disabled for engine agent - this is insecure!")
	}

	g.baseURL = strings.TrimRight(httpCfg.APIURL, "/")
	g.client = NewAPIClient(httpCfg.Token, httpCfg.TLSVerification(),
		httpCfg.RequestsPerSecond, httpCfg.Burst, httpCfg.MaxRetries, logger)
	return g
}

// Type returns the backend identifier
func (g *HTTPGateway) Type() string {
	return string(config.EngineTypeHTTP)
}

// ValidateConfig validates that the engine agent is properly configured
func (g *HTTPGateway) ValidateConfig() error {
	if g.config.Engine.HTTP == nil || g.client == nil {
		return &ConfigurationError{Field: "engine.http", Message: "configuration is missing"}
	}
	if g.baseURL == "" {
		return &ConfigurationError{Field: "engine.http.api_url", Message: "is required"}
	}
	if _, err := url.ParseRequestURI(g.baseURL); err != nil {
		return &ConfigurationError{Field: "engine.http.api_url", Message: err.Error()}
	}
	return nil
}

// StartScan submits a scan to the agent
func (g *HTTPGateway) StartScan(ctx context.Context, kind models.ScanKind, path string) error {
	if err := kind.Validate(path); err != nil {
		return err
	}

	err := g.call(ctx, "start_scan", http.MethodPost, ScansEndpoint, startScanRequest{Kind: kind, Path: path}, nil, false)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		return &ScanAlreadyRunningError{Message: apiErr.Message}
	}
	return g.classify("start_scan", err)
}

// IsScanRunning reports whether the agent's engine has a scan in progress
func (g *HTTPGateway) IsScanRunning(ctx context.Context) (bool, error) {
	var resp runningResponse
	err := g.call(ctx, "is_scan_running", http.MethodGet, ScanRunningEndpoint, nil, &resp, true)
	if err != nil {
		return false, g.classify("is_scan_running", err)
	}
	return resp.Running, nil
}

// CancelScan asks the agent to stop the current scan
func (g *HTTPGateway) CancelScan(ctx context.Context) error {
	err := g.call(ctx, "cancel_scan", http.MethodPost, ScanCancelEndpoint, nil, nil, false)
	return g.classify("cancel_scan", err)
}

// LastScanSummary returns the agent's report of the last scan of kind
func (g *HTTPGateway) LastScanSummary(ctx context.Context, kind models.ScanKind) (*models.ScanSummary, error) {
	endpoint := ScanSummaryEndpoint + "?kind=" + url.QueryEscape(string(kind))

	var summary models.ScanSummary
	if err := g.call(ctx, "last_scan_summary", http.MethodGet, endpoint, nil, &summary, true); err != nil {
		return nil, g.classify("last_scan_summary", err)
	}
	return &summary, nil
}

// ApplyThreatAction applies a remediation through the agent
func (g *HTTPGateway) ApplyThreatAction(ctx context.Context, id models.ThreatID, action models.ActionKind, filePath string) (string, error) {
	endpoint := fmt.Sprintf(ThreatActionEndpoint, url.PathEscape(string(id)))

	var resp messageResponse
	err := g.call(ctx, "threat_"+string(action), http.MethodPost, endpoint, actionRequest{Action: action, FilePath: filePath}, &resp, false)
	if err != nil {
		return "", g.classify("threat_"+string(action), err)
	}
	if resp.Partial {
		return "partial: " + resp.Message, nil
	}
	return resp.Message, nil
}

// ListThreats returns the agent's full detection list
func (g *HTTPGateway) ListThreats(ctx context.Context) (*models.ThreatList, error) {
	var list models.ThreatList
	if err := g.call(ctx, "list_threats", http.MethodGet, ThreatsEndpoint, nil, &list, true); err != nil {
		return nil, g.classify("list_threats", err)
	}
	return &list, nil
}

// Status returns the engine's protection state
func (g *HTTPGateway) Status(ctx context.Context) (*models.DefenderStatus, error) {
	var status models.DefenderStatus
	if err := g.call(ctx, "status", http.MethodGet, StatusEndpoint, nil, &status, true); err != nil {
		return nil, g.classify("status", err)
	}
	return &status, nil
}

// UpdateDefinitions asks the agent to refresh signatures
func (g *HTTPGateway) UpdateDefinitions(ctx context.Context) (string, error) {
	var resp messageResponse
	if err := g.call(ctx, "update_definitions", http.MethodPost, DefinitionsEndpoint, nil, &resp, false); err != nil {
		return "", g.classify("update_definitions", err)
	}
	return resp.Message, nil
}

// ClearThreatHistory asks the agent to drop all detections
func (g *HTTPGateway) ClearThreatHistory(ctx context.Context) (string, error) {
	var resp messageResponse
	if err := g.call(ctx, "clear_threat_history", http.MethodPost, ThreatClearEndpoint, nil, &resp, false); err != nil {
		return "", g.classify("clear_threat_history", err)
	}
	return resp.Message, nil
}

// ScanHistory lists recent scans
func (g *HTTPGateway) ScanHistory(ctx context.Context) ([]models.ScanHistoryEntry, error) {
	history := []models.ScanHistoryEntry{}
	if err := g.call(ctx, "scan_history", http.MethodGet, ScanHistoryEndpoint, nil, &history, true); err != nil {
		return nil, g.classify("scan_history", err)
	}
	return history, nil
}

// call applies the per-call timeout and logs the exchange
func (g *HTTPGateway) call(ctx context.Context, operation, method, endpoint string, body, out interface{}, retry bool) error {
	if g.client == nil {
		return &ConfigurationError{Field: "engine.http", Message: "configuration is missing"}
	}

	if g.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.callTimeout)
		defer cancel()
	}

	start := time.Now()
	err := g.client.do(ctx, method, g.baseURL+endpoint, body, out, retry)
	if err != nil {
		g.logger.WithFields(logrus.Fields{
			"operation":   operation,
			"endpoint":    endpoint,
			"duration_ms": time.Since(start).Milliseconds(),
			"error":       err.Error(),
			"engine_type": "http",
		}).Debug("Engine agent call failed")
	}
	return err
}

func (g *HTTPGateway) classify(operation string, err error) error {
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return err
	}
	return classifyCallError(operation, g.callTimeout, err)
}
