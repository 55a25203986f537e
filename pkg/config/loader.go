package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadConfig resolves the config file from the environment, loads it,
// injects mounted secrets and applies environment overrides
func LoadConfig() (*Config, error) {
	env := LoadFromEnv()

	cfg, err := Load(env.ConfigFile)
	if err != nil {
		return nil, err
	}

	secrets, err := LoadSecretsFromFiles(env.SecretsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load secrets: %w", err)
	}
	if err := InjectSecretsIntoConfig(cfg, secrets); err != nil {
		return nil, err
	}

	env.Apply(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Load reads and parses the YAML configuration file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes a YAML document, applies defaults and validates it
func Parse(data []byte) (*Config, error) {
	expanded := expandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv substitutes ${VAR} references but leaves ${FILE:name} secret
// placeholders for InjectSecretsIntoConfig
func expandEnv(s string) string {
	return os.Expand(s, func(key string) string {
		if strings.HasPrefix(key, "FILE:") {
			return "${" + key + "}"
		}
		return os.Getenv(key)
	})
}

// applyDefaults sets default values for unspecified configuration options
func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == "" {
		c.Server.ReadTimeout = "30s"
	}
	if c.Server.WriteTimeout == "" {
		// Action calls may block for the full action timeout.
		c.Server.WriteTimeout = "60s"
	}
	if c.Server.MaxRequestSize == 0 {
		c.Server.MaxRequestSize = 1024 * 1024 // 1MB
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "30s"
	}

	// Engine defaults
	if c.Engine.Type == "" {
		c.Engine.Type = EngineTypePowerShell
	}
	if c.Engine.PowerShellPath == "" {
		c.Engine.PowerShellPath = "powershell"
	}
	if c.Engine.CallTimeout == "" {
		c.Engine.CallTimeout = "2m"
	}
	if c.Engine.Type == EngineTypeHTTP && c.Engine.HTTP != nil {
		if c.Engine.HTTP.RequestsPerSecond == 0 {
			c.Engine.HTTP.RequestsPerSecond = 10
		}
		if c.Engine.HTTP.Burst == 0 {
			c.Engine.HTTP.Burst = 5
		}
		if c.Engine.HTTP.MaxRetries == 0 {
			c.Engine.HTTP.MaxRetries = 3
		}
	}

	// Scan defaults
	if c.Scan.PollInterval == "" {
		c.Scan.PollInterval = "1500ms"
	}
	if c.Scan.PollTimeout == "" {
		c.Scan.PollTimeout = "10s"
	}
	if c.Scan.StartTimeout == "" {
		c.Scan.StartTimeout = "30s"
	}
	if c.Scan.SummaryTimeout == "" {
		c.Scan.SummaryTimeout = "30s"
	}
	if c.Scan.CancelTimeout == "" {
		c.Scan.CancelTimeout = "30s"
	}
	if c.Scan.RestartTimeout == "" {
		c.Scan.RestartTimeout = "30s"
	}

	// Action defaults
	if c.Actions.Timeout == "" {
		c.Actions.Timeout = "30s"
	}
	if c.Actions.SettleDelay == "" {
		c.Actions.SettleDelay = "750ms"
	}
	if c.Actions.BulkConcurrency == 0 {
		c.Actions.BulkConcurrency = 3
	}

	// Status defaults
	if c.Status.RefreshWindow == "" {
		c.Status.RefreshWindow = "1s"
	}
	if c.Status.RefreshInterval == "" {
		c.Status.RefreshInterval = "30s"
	}
	if c.Status.CallTimeout == "" {
		c.Status.CallTimeout = "15s"
	}
}

// Validate checks the configuration for required fields and valid values
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got: %d", c.Server.Port)
	}

	switch c.Engine.Type {
	case EngineTypePowerShell:
		if c.Engine.PowerShellPath == "" {
			return fmt.Errorf("engine.powershell_path is required when engine.type is 'powershell'")
		}
	case EngineTypeHTTP:
		if c.Engine.HTTP == nil {
			return fmt.Errorf("engine.http configuration is required when engine.type is 'http'")
		}
		if c.Engine.HTTP.APIURL == "" {
			return fmt.Errorf("engine.http.api_url is required when engine.type is 'http'")
		}
		if c.Engine.HTTP.RequestsPerSecond < 0 || c.Engine.HTTP.Burst < 0 || c.Engine.HTTP.MaxRetries < 0 {
			return fmt.Errorf("engine.http rate limit and retry settings must not be negative")
		}
	default:
		return fmt.Errorf("engine.type must be 'powershell' or 'http', got: %s", c.Engine.Type)
	}

	if c.Actions.BulkConcurrency < 1 {
		return fmt.Errorf("actions.bulk_concurrency must be at least 1, got: %d", c.Actions.BulkConcurrency)
	}

	// Validate duration strings
	durations := map[string]string{
		"server.read_timeout":     c.Server.ReadTimeout,
		"server.write_timeout":    c.Server.WriteTimeout,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"engine.call_timeout":     c.Engine.CallTimeout,
		"scan.poll_interval":      c.Scan.PollInterval,
		"scan.poll_timeout":       c.Scan.PollTimeout,
		"scan.start_timeout":      c.Scan.StartTimeout,
		"scan.summary_timeout":    c.Scan.SummaryTimeout,
		"scan.cancel_timeout":     c.Scan.CancelTimeout,
		"scan.restart_timeout":    c.Scan.RestartTimeout,
		"actions.timeout":         c.Actions.Timeout,
		"actions.settle_delay":    c.Actions.SettleDelay,
		"status.refresh_window":   c.Status.RefreshWindow,
		"status.refresh_interval": c.Status.RefreshInterval,
		"status.call_timeout":     c.Status.CallTimeout,
	}
	if c.Scan.MaxDuration != "" {
		durations["scan.max_duration"] = c.Scan.MaxDuration
	}

	for name, value := range durations {
		d, err := c.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		if d < 0 {
			return fmt.Errorf("invalid %s: must not be negative", name)
		}
	}

	pollInterval, _ := c.ParseDuration(c.Scan.PollInterval)
	if pollInterval == 0 {
		return fmt.Errorf("scan.poll_interval must be greater than zero")
	}
	pollTimeout, _ := c.ParseDuration(c.Scan.PollTimeout)
	actionTimeout, _ := c.ParseDuration(c.Actions.Timeout)
	if pollTimeout == 0 || actionTimeout == 0 {
		return fmt.Errorf("scan.poll_timeout and actions.timeout must be greater than zero")
	}

	if err := validateLogLevel(c.LogLevel); err != nil {
		return err
	}

	return nil
}

func validateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if strings.EqualFold(level, valid) {
			return nil
		}
	}
	return fmt.Errorf("invalid log_level '%s', must be one of: %s",
		level, strings.Join(validLevels, ", "))
}
