package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// ServiceName is stamped on every entry
const ServiceName = "defender-orchestrator"

// LogLevel represents logging levels
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// serviceHook adds the service name to entries that do not carry one
type serviceHook struct{}

func (serviceHook) Levels() []logrus.Level { return logrus.AllLevels }

func (serviceHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["service"]; !ok {
		entry.Data["service"] = ServiceName
	}
	return nil
}

// NewLogger returns a JSON logger on stdout. Unknown levels fall back to info.
func NewLogger(level LogLevel) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "timestamp",
			logrus.FieldKeyMsg:  "message",
		},
	})
	logger.SetLevel(parseLogLevel(level))
	logger.AddHook(serviceHook{})
	return logger
}

func parseLogLevel(level LogLevel) logrus.Level {
	parsed, err := logrus.ParseLevel(strings.TrimSpace(string(level)))
	if err != nil {
		return logrus.InfoLevel
	}
	return parsed
}

// LogStartup records the version and listen port
func LogStartup(logger *logrus.Logger, version, port string) {
	logger.WithFields(logrus.Fields{
		"event":   "startup",
		"version": version,
		"port":    port,
	}).Info("Defender orchestrator starting")
}

// LogConfigurationLoaded records where the config came from
func LogConfigurationLoaded(logger *logrus.Logger, configPath string, engineType string) {
	logger.WithFields(logrus.Fields{
		"event":       "configuration_loaded",
		"config_path": configPath,
		"engine_type": engineType,
	}).Info("Configuration loaded")
}

func LogShutdownInitiated(logger *logrus.Logger, reason string) {
	logger.WithFields(logrus.Fields{
		"event":  "shutdown_initiated",
		"reason": reason,
	}).Warn("Shutdown initiated")
}

func LogShutdownComplete(logger *logrus.Logger, seconds float64) {
	logger.WithFields(logrus.Fields{
		"event":            "shutdown_complete",
		"duration_seconds": seconds,
	}).Info("Shutdown complete")
}

// LogError logs err with the operation it interrupted and any extra fields
func LogError(logger *logrus.Logger, err error, operation string, fields map[string]interface{}) {
	entry := logger.WithFields(fields).WithFields(logrus.Fields{
		"error":   err.Error(),
		"context": operation,
	})
	entry.Error("Operation failed")
}

// LogWithJobID scopes a logger to one scan job
func LogWithJobID(logger *logrus.Logger, jobID string) *logrus.Entry {
	return logger.WithField("job_id", jobID)
}

// LogWithThreatID scopes a logger to one detection
func LogWithThreatID(logger *logrus.Logger, threatID string) *logrus.Entry {
	return logger.WithField("threat_id", threatID)
}
