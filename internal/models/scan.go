package models

import (
	"fmt"
	"strings"
	"time"
)

// ScanKind selects which engine scan profile to run
type ScanKind string

const (
	ScanKindQuick  ScanKind = "quick"
	ScanKindFull   ScanKind = "full"
	ScanKindCustom ScanKind = "custom"
)

// ParseScanKind converts a caller supplied string into a ScanKind
func ParseScanKind(s string) (ScanKind, error) {
	switch ScanKind(strings.ToLower(strings.TrimSpace(s))) {
	case ScanKindQuick:
		return ScanKindQuick, nil
	case ScanKindFull:
		return ScanKindFull, nil
	case ScanKindCustom:
		return ScanKindCustom, nil
	default:
		return "", fmt.Errorf("unknown scan kind %q, must be quick, full or custom", s)
	}
}

// Validate checks the kind/path combination of a scan request
func (k ScanKind) Validate(path string) error {
	switch k {
	case ScanKindQuick, ScanKindFull:
		return nil
	case ScanKindCustom:
		if strings.TrimSpace(path) == "" {
			return fmt.Errorf("custom scan requires a target path")
		}
		return nil
	default:
		return fmt.Errorf("unknown scan kind %q", string(k))
	}
}

// ScanState represents the lifecycle state of a scan job
type ScanState string

const (
	ScanStateIdle      ScanState = "idle"
	ScanStateStarting  ScanState = "starting"
	ScanStateRunning   ScanState = "running"
	ScanStateCompleted ScanState = "completed"
	ScanStateCancelled ScanState = "cancelled"
	ScanStateFailed    ScanState = "failed"
)

// IsTerminal returns true if the job has reached a final state
func (s ScanState) IsTerminal() bool {
	return s == ScanStateCompleted || s == ScanStateCancelled || s == ScanStateFailed
}

// IsActive returns true while the job blocks new scans from starting
func (s ScanState) IsActive() bool {
	return s == ScanStateStarting || s == ScanStateRunning
}

// ScanSummary is the engine's report for the most recent scan of a kind
type ScanSummary struct {
	ScanKind      string  `json:"scan_type"`
	LastScanLabel *string `json:"last_scan"`
	ThreatsFound  int     `json:"threats_found"`
	DurationLabel string  `json:"duration"`
	FilesScanned  uint64  `json:"files_scanned"`
}

// ScanResult is attached to a job once it completes
type ScanResult struct {
	FilesScanned  uint64 `json:"files_scanned"`
	ThreatsFound  int    `json:"threats_found"`
	ScanTime      string `json:"scan_time"`
	LastScanLabel string `json:"last_scan,omitempty"`

	// Estimated is set when the engine summary was unavailable and the
	// figures come from the progress estimator and the threat reload.
	Estimated bool `json:"estimated"`

	Duration time.Duration `json:"-"`
}

// ScanHistoryEntry is one row of the engine's scan history
type ScanHistoryEntry struct {
	ScanKind     string `json:"scan_type"`
	StartTime    string `json:"start_time"`
	EndTime      string `json:"end_time"`
	ThreatsFound int    `json:"threats_found"`
	FilesScanned uint64 `json:"files_scanned"`
}

// FormatScanDuration renders a duration the way engine summaries do
func FormatScanDuration(d time.Duration) string {
	d = d.Round(time.Second)
	minutes := int(d / time.Minute)
	seconds := int((d % time.Minute) / time.Second)
	return fmt.Sprintf("%d minutes %d seconds", minutes, seconds)
}
