package models

import "time"

// DefenderStatus is the engine's protection state
type DefenderStatus struct {
	IsEnabled    bool    `json:"is_enabled"`
	LastScanTime *string `json:"last_scan"`
}

// StatusView is what the status monitor exposes. Provisional holds a
// locally guessed last-scan label until the next successful refresh.
type StatusView struct {
	Status      *DefenderStatus `json:"status"`
	Provisional *string         `json:"provisional_last_scan,omitempty"`
	RefreshedAt time.Time       `json:"refreshed_at"`
	Error       bool            `json:"error"`
	ErrorText   string          `json:"error_text,omitempty"`
}
