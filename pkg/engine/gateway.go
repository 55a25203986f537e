package engine

import (
	"context"

	"github.com/defenderpro/engine-orchestrator/internal/models"
)

// Gateway is the only path to the antivirus engine. Every call may fail
// with UnavailableError or TimeoutError.
type Gateway interface {
	// StartScan returns once the engine has accepted the job
	StartScan(ctx context.Context, kind models.ScanKind, path string) error

	// IsScanRunning reports whether the engine still has a scan in progress
	IsScanRunning(ctx context.Context) (bool, error)

	// CancelScan asks the engine to stop the current scan, best effort
	CancelScan(ctx context.Context) error

	// LastScanSummary returns the engine's report for the last scan of kind
	LastScanSummary(ctx context.Context, kind models.ScanKind) (*models.ScanSummary, error)

	// ApplyThreatAction returns the engine's human-readable outcome.
	// Partial success arrives as text, not as an error.
	ApplyThreatAction(ctx context.Context, id models.ThreatID, action models.ActionKind, filePath string) (string, error)

	// ListThreats returns the full current detection set
	ListThreats(ctx context.Context) (*models.ThreatList, error)

	// Status returns the protection state
	Status(ctx context.Context) (*models.DefenderStatus, error)

	// Type returns the backend identifier ("powershell" or "http")
	Type() string

	// ValidateConfig validates that the backend is properly configured
	ValidateConfig() error
}

// Maintenance is implemented by backends that expose housekeeping calls
type Maintenance interface {
	UpdateDefinitions(ctx context.Context) (string, error)
	ClearThreatHistory(ctx context.Context) (string, error)
	ScanHistory(ctx context.Context) ([]models.ScanHistoryEntry, error)
}
