package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/defenderpro/engine-orchestrator/internal/models"
	"github.com/defenderpro/engine-orchestrator/pkg/api"
	"github.com/defenderpro/engine-orchestrator/pkg/config"
	"github.com/defenderpro/engine-orchestrator/pkg/engine"
	"github.com/defenderpro/engine-orchestrator/pkg/logging"
	"github.com/defenderpro/engine-orchestrator/pkg/progress"
	"github.com/defenderpro/engine-orchestrator/pkg/scan"
	"github.com/defenderpro/engine-orchestrator/pkg/shutdown"
	"github.com/defenderpro/engine-orchestrator/pkg/status"
	"github.com/defenderpro/engine-orchestrator/pkg/threats"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(logging.LogLevel(cfg.LogLevel))
	logging.LogStartup(logger, version, strconv.Itoa(cfg.Server.Port))
	logging.LogConfigurationLoaded(logger, config.LoadFromEnv().ConfigFile, string(cfg.Engine.Type))

	if err := run(cfg, logger); err != nil {
		logging.LogError(logger, err, "run", nil)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	gateway, err := engine.NewGateway(cfg, logger)
	if err != nil {
		return fmt.Errorf("engine gateway: %w", err)
	}
	logger.WithField("engine_type", gateway.Type()).Info("Engine gateway validated")

	store := threats.NewStore(gateway, logger)
	executor := threats.NewExecutor(gateway, store, threats.ExecutorConfig{
		Timeout:         cfg.MustDuration(cfg.Actions.Timeout),
		SettleDelay:     cfg.MustDuration(cfg.Actions.SettleDelay),
		BulkConcurrency: cfg.Actions.BulkConcurrency,
	}, logger)

	controller := scan.NewController(gateway, store, progress.NewEstimator(), scan.Config{
		PollInterval:   cfg.MustDuration(cfg.Scan.PollInterval),
		PollTimeout:    cfg.MustDuration(cfg.Scan.PollTimeout),
		StartTimeout:   cfg.MustDuration(cfg.Scan.StartTimeout),
		SummaryTimeout: cfg.MustDuration(cfg.Scan.SummaryTimeout),
		CancelTimeout:  cfg.MustDuration(cfg.Scan.CancelTimeout),
		RestartTimeout: cfg.MustDuration(cfg.Scan.RestartTimeout),
		MaxDuration:    cfg.MustDuration(cfg.Scan.MaxDuration),
	}, logger)

	monitor := status.NewMonitor(gateway, status.Config{
		Window:      cfg.MustDuration(cfg.Status.RefreshWindow),
		Interval:    cfg.MustDuration(cfg.Status.RefreshInterval),
		CallTimeout: cfg.MustDuration(cfg.Status.CallTimeout),
	}, logger)

	// a finished scan shows up in the status before the engine reports it
	controller.OnTerminal(func(job scan.Job) {
		if job.State != models.ScanStateCompleted || job.Result == nil {
			return
		}
		label := job.Result.LastScanLabel
		if label == "" {
			label = time.Now().Format("2006-01-02 15:04")
		}
		monitor.SetProvisionalLastScan(label)
		go monitor.Refresh(context.Background(), true)
	})

	deps := api.Dependencies{
		Scans:   controller,
		Threats: store,
		Actions: executor,
		Status:  monitor,
	}
	if maintenance, ok := gateway.(engine.Maintenance); ok {
		deps.History = maintenance
	}
	server := api.NewServer(cfg, deps, logger)

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	manager := shutdown.NewManager(cfg.MustDuration(cfg.Server.ShutdownTimeout), logger)
	manager.RegisterHandler("api-server", server.Shutdown)
	manager.RegisterHandler("status-monitor", func(context.Context) error {
		cancel(errors.New("shutting down"))
		return nil
	})
	manager.RegisterHandler("scan-controller", controller.Shutdown)
	manager.RegisterHandler("threat-executor", shutdown.Deadline(executor.Stop))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		store.Reload(gctx)
		return server.Start()
	})
	g.Go(func() error {
		return monitor.Run(gctx)
	})

	shutdownErr := manager.WaitForShutdown(gctx)
	cancel(errors.New("shutting down"))

	return errors.Join(g.Wait(), shutdownErr)
}
