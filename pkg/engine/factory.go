package engine

import (
	"fmt"

	"github.com/defenderpro/engine-orchestrator/pkg/config"
	"github.com/sirupsen/logrus"
)

// NewGateway creates the gateway backend selected by configuration
func NewGateway(cfg *config.Config, logger *logrus.Logger) (Gateway, error) {
	engineType := cfg.Engine.Type
	if engineType == "" {
		engineType = config.EngineTypePowerShell
	}

	logger.WithField("engine_type", engineType).Debug("Creating engine gateway")

	var gateway Gateway

	switch engineType {
	case config.EngineTypePowerShell:
		gateway = NewPowerShellGateway(cfg, logger)

	case config.EngineTypeHTTP:
		gateway = NewHTTPGateway(cfg, logger)

	default:
		return nil, fmt.Errorf("unsupported engine type: %s", engineType)
	}

	if err := gateway.ValidateConfig(); err != nil {
		return nil, fmt.Errorf("engine validation failed for type %s: %w", engineType, err)
	}

	logger.WithField("engine_type", gateway.Type()).Info("Engine gateway created and validated")

	return gateway, nil
}
