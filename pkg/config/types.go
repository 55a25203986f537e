package config

import "time"

// EngineType selects the gateway backend used to reach the antivirus engine
type EngineType string

const (
	EngineTypePowerShell EngineType = "powershell"
	EngineTypeHTTP       EngineType = "http"
)

// Config represents the complete application configuration
type Config struct {
	LogLevel string        `yaml:"log_level"`
	Server   ServerConfig  `yaml:"server"`
	Engine   EngineConfig  `yaml:"engine"`
	Scan     ScanConfig    `yaml:"scan"`
	Actions  ActionsConfig `yaml:"actions"`
	Status   StatusConfig  `yaml:"status"`
}

// ServerConfig holds control API settings
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     string   `yaml:"read_timeout"`
	WriteTimeout    string   `yaml:"write_timeout"`
	MaxRequestSize  int64    `yaml:"max_request_size"`
	ShutdownTimeout string   `yaml:"shutdown_timeout"`
	APIToken        string   `yaml:"api_token"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

// EngineConfig holds gateway settings
type EngineConfig struct {
	Type           EngineType        `yaml:"type"`
	PowerShellPath string            `yaml:"powershell_path"`
	CallTimeout    string            `yaml:"call_timeout"`
	HTTP           *HTTPEngineConfig `yaml:"http,omitempty"`
}

// HTTPEngineConfig holds settings for a REST agent fronting the engine
type HTTPEngineConfig struct {
	APIURL            string  `yaml:"api_url"`
	Token             string  `yaml:"token"`
	VerifyTLS         *bool   `yaml:"verify_tls"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	MaxRetries        int     `yaml:"max_retries"`
}

// TLSVerification reports whether server certificates are checked.
// Unset means true.
func (h *HTTPEngineConfig) TLSVerification() bool {
	return h.VerifyTLS == nil || *h.VerifyTLS
}

// ScanConfig holds scan controller timings
type ScanConfig struct {
	PollInterval   string `yaml:"poll_interval"`
	PollTimeout    string `yaml:"poll_timeout"`
	StartTimeout   string `yaml:"start_timeout"`
	SummaryTimeout string `yaml:"summary_timeout"`
	CancelTimeout  string `yaml:"cancel_timeout"`
	MaxDuration    string `yaml:"max_duration"`
	RestartTimeout string `yaml:"restart_timeout"`
}

// ActionsConfig holds remediation settings
type ActionsConfig struct {
	Timeout         string `yaml:"timeout"`
	SettleDelay     string `yaml:"settle_delay"`
	BulkConcurrency int    `yaml:"bulk_concurrency"`
}

// StatusConfig holds status monitor settings
type StatusConfig struct {
	RefreshWindow   string `yaml:"refresh_window"`
	RefreshInterval string `yaml:"refresh_interval"`
	CallTimeout     string `yaml:"call_timeout"`
}

// ParseDuration converts string duration to time.Duration
func (c *Config) ParseDuration(s string) (time.Duration, error) {
	return time.ParseDuration(s)
}

// MustDuration parses a duration that Validate has already checked.
// An empty value yields zero.
func (c *Config) MustDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
