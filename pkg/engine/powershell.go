package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/defenderpro/engine-orchestrator/internal/models"
	"github.com/defenderpro/engine-orchestrator/pkg/config"
	"github.com/defenderpro/engine-orchestrator/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// Runner executes a PowerShell script and returns its standard output
type Runner func(ctx context.Context, script string) (string, error)

// PowerShellGateway drives Windows Defender through its PowerShell cmdlets
type PowerShellGateway struct {
	config      *config.Config
	logger      *logrus.Logger
	run         Runner
	callTimeout time.Duration
}

// NewPowerShellGateway creates a gateway that shells out to powershell
func NewPowerShellGateway(cfg *config.Config, logger *logrus.Logger) *PowerShellGateway {
	g := &PowerShellGateway{
		config:      cfg,
		logger:      logger,
		callTimeout: cfg.MustDuration(cfg.Engine.CallTimeout),
	}
	g.run = g.execPowerShell
	return g
}

// WithRunner replaces the process runner, used by tests
func (g *PowerShellGateway) WithRunner(run Runner) *PowerShellGateway {
	g.run = run
	return g
}

// Type returns the backend identifier
func (g *PowerShellGateway) Type() string {
	return string(config.EngineTypePowerShell)
}

// ValidateConfig checks that the PowerShell executable is available
func (g *PowerShellGateway) ValidateConfig() error {
	if g.config.Engine.PowerShellPath == "" {
		return &ConfigurationError{Field: "engine.powershell_path", Message: "is required"}
	}
	if _, err := exec.LookPath(g.config.Engine.PowerShellPath); err != nil {
		return fmt.Errorf("PowerShell not found at %s: %w", g.config.Engine.PowerShellPath, err)
	}
	return nil
}

// StartScan launches the scan as a background job and returns once accepted
func (g *PowerShellGateway) StartScan(ctx context.Context, kind models.ScanKind, path string) error {
	script, err := buildStartScanScript(kind, path)
	if err != nil {
		return err
	}

	_, err = g.invoke(ctx, "start_scan", script)
	var actionErr *ActionError
	if errors.As(err, &actionErr) && isRunningMessage(actionErr.Message) {
		return &ScanAlreadyRunningError{Message: strings.TrimSpace(strings.TrimPrefix(actionErr.Message, runningMarker))}
	}
	return err
}

// IsScanRunning reports whether the engine has a scan in progress
func (g *PowerShellGateway) IsScanRunning(ctx context.Context) (bool, error) {
	out, err := g.raw(ctx, "is_scan_running", isScanRunningScript)
	if err != nil {
		return false, err
	}

	switch strings.TrimSpace(out) {
	case "RUNNING":
		return true, nil
	case "IDLE":
		return false, nil
	default:
		return false, &UnavailableError{Operation: "is_scan_running", Err: fmt.Errorf("unexpected output %q", strings.TrimSpace(out))}
	}
}

// CancelScan asks the engine to stop the current scan
func (g *PowerShellGateway) CancelScan(ctx context.Context) error {
	_, err := g.invoke(ctx, "cancel_scan", cancelScanScript)
	return err
}

// LastScanSummary reads the engine's report of the last scan of kind
func (g *PowerShellGateway) LastScanSummary(ctx context.Context, kind models.ScanKind) (*models.ScanSummary, error) {
	out, err := g.raw(ctx, "last_scan_summary", fmt.Sprintf(lastScanSummaryScript, psQuote(string(kind))))
	if err != nil {
		return nil, err
	}
	if outKind, msg := parseScriptOutput(out); outKind == outputError {
		return nil, &ActionError{Operation: "last_scan_summary", Message: msg}
	}

	var summary models.ScanSummary
	if err := decodeJSONOutput(out, &summary); err != nil {
		return nil, &UnavailableError{Operation: "last_scan_summary", Err: err}
	}
	return &summary, nil
}

// ApplyThreatAction applies a remediation and returns the engine's message
func (g *PowerShellGateway) ApplyThreatAction(ctx context.Context, id models.ThreatID, action models.ActionKind, filePath string) (string, error) {
	script, err := buildActionScript(id, action, filePath)
	if err != nil {
		return "", err
	}
	return g.invoke(ctx, "threat_"+string(action), script)
}

// ListThreats returns every detection the engine knows about
func (g *PowerShellGateway) ListThreats(ctx context.Context) (*models.ThreatList, error) {
	out, err := g.raw(ctx, "list_threats", listThreatsScript)
	if err != nil {
		return nil, err
	}

	var list models.ThreatList
	if err := decodeJSONOutput(out, &list); err != nil {
		return nil, &UnavailableError{Operation: "list_threats", Err: err}
	}
	return &list, nil
}

// Status returns the engine's protection state
func (g *PowerShellGateway) Status(ctx context.Context) (*models.DefenderStatus, error) {
	out, err := g.raw(ctx, "status", statusScript)
	if err != nil {
		return nil, err
	}

	var status models.DefenderStatus
	if err := decodeJSONOutput(out, &status); err != nil {
		return nil, &UnavailableError{Operation: "status", Err: err}
	}
	return &status, nil
}

// UpdateDefinitions refreshes the engine's signatures
func (g *PowerShellGateway) UpdateDefinitions(ctx context.Context) (string, error) {
	return g.invoke(ctx, "update_definitions", updateDefinitionsScript)
}

// ClearThreatHistory removes all detections and the engine's history store
func (g *PowerShellGateway) ClearThreatHistory(ctx context.Context) (string, error) {
	return g.invoke(ctx, "clear_threat_history", clearThreatHistoryScript)
}

// ScanHistory lists the last quick and full scans
func (g *PowerShellGateway) ScanHistory(ctx context.Context) ([]models.ScanHistoryEntry, error) {
	out, err := g.raw(ctx, "scan_history", scanHistoryScript)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(out)
	if trimmed == "" || trimmed == "null" {
		return []models.ScanHistoryEntry{}, nil
	}

	var history []models.ScanHistoryEntry
	if err := decodeJSONOutput(out, &history); err != nil {
		return nil, &UnavailableError{Operation: "scan_history", Err: err}
	}
	return history, nil
}

// invoke runs a script that reports through SUCCESS/PARTIAL/ERROR lines
func (g *PowerShellGateway) invoke(ctx context.Context, operation, script string) (string, error) {
	out, err := g.raw(ctx, operation, script)
	if err != nil {
		return "", err
	}

	kind, msg := parseScriptOutput(out)
	switch kind {
	case outputError:
		return "", &ActionError{Operation: operation, Message: msg}
	case outputPartial:
		return "partial: " + msg, nil
	default:
		return msg, nil
	}
}

// raw runs a script under the per-call timeout and classifies failures
func (g *PowerShellGateway) raw(ctx context.Context, operation, script string) (string, error) {
	if g.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.callTimeout)
		defer cancel()
	}

	start := time.Now()
	out, err := g.run(ctx, script)
	duration := time.Since(start)

	err = classifyCallError(operation, g.callTimeout, err)
	outcome := "success"
	if err != nil {
		outcome = "failed"
		if IsTimeout(err) {
			outcome = "timeout"
		}
		g.logger.WithFields(logrus.Fields{
			"operation":   operation,
			"duration_ms": duration.Milliseconds(),
			"error":       err.Error(),
			"engine_type": "powershell",
		}).Debug("PowerShell engine call failed")
	}
	metrics.RecordEngineCall("powershell", operation, outcome, duration.Seconds())

	return out, err
}

// processWaitDelay bounds how long Run waits for output pipes after the
// process is killed; grandchildren holding them open would block it otherwise
const processWaitDelay = 2 * time.Second

func (g *PowerShellGateway) command(ctx context.Context, script string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, g.config.Engine.PowerShellPath,
		"-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass",
		"-Command", scriptPrelude+script)
	cmd.WaitDelay = processWaitDelay
	return cmd
}

// execPowerShell is the default runner
func (g *PowerShellGateway) execPowerShell(ctx context.Context, script string) (string, error) {
	cmd := g.command(ctx, script)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return stdout.String(), ctx.Err()
		}
		return stdout.String(), fmt.Errorf("powershell failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}

	return stdout.String(), nil
}

type outputKind int

const (
	outputSuccess outputKind = iota
	outputPartial
	outputError
)

// parseScriptOutput finds the status line in script output. An ERROR line
// anywhere wins over SUCCESS lines.
func parseScriptOutput(out string) (outputKind, string) {
	var (
		kind    = outputSuccess
		message string
		found   bool
	)

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "ERROR:"):
			return outputError, strings.TrimSpace(strings.TrimPrefix(line, "ERROR:"))
		case strings.HasPrefix(line, "PARTIAL:"):
			kind, message, found = outputPartial, strings.TrimSpace(strings.TrimPrefix(line, "PARTIAL:")), true
		case strings.HasPrefix(line, "SUCCESS:") && !found:
			message, found = strings.TrimSpace(strings.TrimPrefix(line, "SUCCESS:")), true
		}
	}

	if !found {
		message = strings.TrimSpace(out)
	}
	return kind, message
}

// decodeJSONOutput decodes the last JSON document in script output
func decodeJSONOutput(out string, v interface{}) error {
	trimmed := strings.TrimSpace(out)
	if idx := strings.IndexAny(trimmed, "{["); idx > 0 {
		trimmed = trimmed[idx:]
	}
	if trimmed == "" {
		return fmt.Errorf("empty output")
	}
	if err := json.Unmarshal([]byte(trimmed), v); err != nil {
		return fmt.Errorf("failed to parse engine output: %w", err)
	}
	return nil
}

func isRunningMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.HasPrefix(msg, runningMarker) ||
		strings.Contains(lower, "already in progress") ||
		strings.Contains(lower, "already running")
}
