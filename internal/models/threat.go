package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ThreatID is the engine-assigned identifier of a detection. The engine
// emits it as a JSON number; callers treat it as an opaque string.
type ThreatID string

// UnmarshalJSON accepts both numeric and string identifiers
func (id *ThreatID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ThreatID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid threat id %s: %w", string(data), err)
	}
	*id = ThreatID(n.String())
	return nil
}

// Severity of a detection
type Severity string

const (
	SeverityHigh    Severity = "high"
	SeverityMedium  Severity = "medium"
	SeverityLow     Severity = "low"
	SeverityUnknown Severity = "unknown"
)

// ParseSeverity maps engine severity labels onto the known set
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "severe", "critical":
		return SeverityHigh
	case "medium", "moderate":
		return SeverityMedium
	case "low":
		return SeverityLow
	default:
		return SeverityUnknown
	}
}

// UnmarshalJSON normalizes the engine's capitalized labels
func (s *Severity) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = ParseSeverity(raw)
	return nil
}

// ThreatCategory groups detections by remediation state
type ThreatCategory string

const (
	CategoryActive      ThreatCategory = "active"
	CategoryQuarantined ThreatCategory = "quarantined"
	CategoryRemoved     ThreatCategory = "removed"
)

// ParseCategory maps engine category labels onto the known set
func ParseCategory(s string) ThreatCategory {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "quarantined", "quarantine":
		return CategoryQuarantined
	case "removed":
		return CategoryRemoved
	default:
		return CategoryActive
	}
}

// UnmarshalJSON normalizes the engine's category labels
func (c *ThreatCategory) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = ParseCategory(raw)
	return nil
}

// Threat is a detection record exactly as the engine last reported it
type Threat struct {
	ID           ThreatID       `json:"threat_id"`
	Name         string         `json:"threat_name"`
	Severity     Severity       `json:"severity"`
	Status       string         `json:"status"`
	Category     ThreatCategory `json:"category"`
	FilePath     string         `json:"file_path"`
	FileExists   bool           `json:"file_exists"`
	DetectedTime string         `json:"detected_time"`
	ActionTaken  string         `json:"action_taken"`
}

// ThreatList is the engine's raw listing including its own counters.
// The counters are kept only to detect drift; snapshots never use them.
type ThreatList struct {
	TotalThreats   int      `json:"total_threats"`
	HighSeverity   int      `json:"high_severity"`
	MediumSeverity int      `json:"medium_severity"`
	LowSeverity    int      `json:"low_severity"`
	Threats        []Threat `json:"threats"`
}

// ActionKind is a remediation the engine can apply to a threat
type ActionKind string

const (
	ActionQuarantine ActionKind = "quarantine"
	ActionRemove     ActionKind = "remove"
	ActionRestore    ActionKind = "restore"
	ActionAllow      ActionKind = "allow"
)

// ParseActionKind converts a caller supplied string into an ActionKind
func ParseActionKind(s string) (ActionKind, error) {
	switch ActionKind(strings.ToLower(strings.TrimSpace(s))) {
	case ActionQuarantine:
		return ActionQuarantine, nil
	case ActionRemove:
		return ActionRemove, nil
	case ActionRestore:
		return ActionRestore, nil
	case ActionAllow:
		return ActionAllow, nil
	default:
		return "", fmt.Errorf("unknown action %q, must be quarantine, remove, restore or allow", s)
	}
}

// ActionRequest is one remediation call against one threat
type ActionRequest struct {
	ThreatID ThreatID   `json:"threat_id"`
	Action   ActionKind `json:"action"`
	FilePath string     `json:"file_path,omitempty"`
}

// AvailableActions derives the remediations offered for a threat from its
// engine status. A file that no longer exists can only be cleared.
func AvailableActions(t Threat) []ActionKind {
	status := strings.ToLower(t.Status)

	switch {
	case strings.Contains(status, "quarantined"):
		return []ActionKind{ActionRestore, ActionRemove}
	case strings.Contains(status, "removed"):
		return nil
	case strings.Contains(status, "failed"), strings.Contains(status, "active"):
		if !t.FileExists {
			return []ActionKind{ActionRemove}
		}
		return []ActionKind{ActionQuarantine, ActionRemove, ActionAllow}
	}

	// Unrecognized status text, fall back to the category.
	switch t.Category {
	case CategoryQuarantined:
		return []ActionKind{ActionRestore, ActionRemove}
	case CategoryRemoved:
		return nil
	}
	if !t.FileExists {
		return []ActionKind{ActionRemove}
	}
	return []ActionKind{ActionQuarantine, ActionRemove, ActionAllow}
}

// SeverityCounts tallies threats per severity
type SeverityCounts struct {
	High    int `json:"high"`
	Medium  int `json:"medium"`
	Low     int `json:"low"`
	Unknown int `json:"unknown"`
}

// CountSeverities recomputes per-severity tallies from a list
func CountSeverities(threats []Threat) SeverityCounts {
	var c SeverityCounts
	for _, t := range threats {
		switch t.Severity {
		case SeverityHigh:
			c.High++
		case SeverityMedium:
			c.Medium++
		case SeverityLow:
			c.Low++
		default:
			c.Unknown++
		}
	}
	return c
}

// ThreatSnapshot is an immutable view of one engine listing. Total and
// severity counts are always derived from the list itself.
type ThreatSnapshot struct {
	threats   []Threat
	counts    SeverityCounts
	loadedAt  time.Time
	fallback  bool
	loadError string
}

// NewThreatSnapshot builds a snapshot from an engine listing
func NewThreatSnapshot(list *ThreatList, loadedAt time.Time) *ThreatSnapshot {
	var threats []Threat
	if list != nil && len(list.Threats) > 0 {
		threats = make([]Threat, len(list.Threats))
		copy(threats, list.Threats)
	}
	return &ThreatSnapshot{
		threats:  threats,
		counts:   CountSeverities(threats),
		loadedAt: loadedAt,
	}
}

// EmptyThreatSnapshot is the fail-safe snapshot used when the engine
// could not be reached
func EmptyThreatSnapshot(loadedAt time.Time, cause error) *ThreatSnapshot {
	s := &ThreatSnapshot{loadedAt: loadedAt, fallback: true}
	if cause != nil {
		s.loadError = cause.Error()
	}
	return s
}

// Total returns the number of threats in the snapshot
func (s *ThreatSnapshot) Total() int { return len(s.threats) }

// Counts returns the recomputed per-severity tallies
func (s *ThreatSnapshot) Counts() SeverityCounts { return s.counts }

// LoadedAt returns when the snapshot was taken
func (s *ThreatSnapshot) LoadedAt() time.Time { return s.loadedAt }

// IsFallback reports whether this is the empty fail-safe snapshot
func (s *ThreatSnapshot) IsFallback() bool { return s.fallback }

// LoadError returns the reload failure behind a fallback snapshot
func (s *ThreatSnapshot) LoadError() string { return s.loadError }

// Threats returns a copy of the threat list
func (s *ThreatSnapshot) Threats() []Threat {
	out := make([]Threat, len(s.threats))
	copy(out, s.threats)
	return out
}

// Find looks up a threat by id
func (s *ThreatSnapshot) Find(id ThreatID) (Threat, bool) {
	for _, t := range s.threats {
		if t.ID == id {
			return t, true
		}
	}
	return Threat{}, false
}

// ByCategory returns the threats in a category
func (s *ThreatSnapshot) ByCategory(c ThreatCategory) []Threat {
	var out []Threat
	for _, t := range s.threats {
		if t.Category == c {
			out = append(out, t)
		}
	}
	return out
}

type threatView struct {
	Threat
	AvailableActions []ActionKind `json:"available_actions"`
}

type snapshotView struct {
	Total     int            `json:"total_threats"`
	Counts    SeverityCounts `json:"severity_counts"`
	Threats   []threatView   `json:"threats"`
	LoadedAt  time.Time      `json:"loaded_at"`
	Fallback  bool           `json:"fallback"`
	LoadError string         `json:"load_error,omitempty"`
}

// MarshalJSON renders the snapshot for the presentation layer
func (s *ThreatSnapshot) MarshalJSON() ([]byte, error) {
	view := snapshotView{
		Total:     s.Total(),
		Counts:    s.counts,
		Threats:   make([]threatView, 0, len(s.threats)),
		LoadedAt:  s.loadedAt,
		Fallback:  s.fallback,
		LoadError: s.loadError,
	}
	for _, t := range s.threats {
		actions := AvailableActions(t)
		if actions == nil {
			actions = []ActionKind{}
		}
		view.Threats = append(view.Threats, threatView{Threat: t, AvailableActions: actions})
	}
	return json.Marshal(view)
}
