package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/defenderpro/engine-orchestrator/pkg/logging"
	"github.com/sirupsen/logrus"
)

// Handler performs one cleanup step during shutdown
type Handler func(ctx context.Context) error

type step struct {
	name    string
	handler Handler
}

// Manager runs registered stop steps in registration order under a shared
// deadline. Order matters here: the API stops taking requests before the
// scan controller and the action executor are drained.
type Manager struct {
	logger  *logrus.Logger
	signals chan os.Signal
	timeout time.Duration

	mu           sync.Mutex
	steps        []step
	shuttingDown bool
	done         chan struct{}
	err          error
}

// NewManager creates a new shutdown manager
func NewManager(timeout time.Duration, logger *logrus.Logger) *Manager {
	return &Manager{
		logger:  logger,
		signals: make(chan os.Signal, 1),
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// RegisterHandler appends a named step
func (m *Manager) RegisterHandler(name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, step{name: name, handler: handler})
}

// WaitForShutdown blocks until SIGINT, SIGTERM, Trigger or ctx ends, then
// runs the shutdown sequence
func (m *Manager) WaitForShutdown(ctx context.Context) error {
	signal.Notify(m.signals, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(m.signals)

	select {
	case sig := <-m.signals:
		logging.LogShutdownInitiated(m.logger, sig.String())
	case <-ctx.Done():
		logging.LogShutdownInitiated(m.logger, fmt.Sprintf("context: %v", context.Cause(ctx)))
	}

	return m.Shutdown()
}

// Trigger starts a shutdown as if SIGTERM had arrived
func (m *Manager) Trigger() {
	select {
	case m.signals <- syscall.SIGTERM:
	default:
	}
}

// Shutdown runs every step once. Later callers wait for the first run and
// get its result.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		<-m.done
		return m.err
	}
	m.shuttingDown = true
	steps := make([]step, len(m.steps))
	copy(steps, m.steps)
	m.mu.Unlock()

	m.logger.Info("Starting graceful shutdown")
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var errs []error
	for _, s := range steps {
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("%s: skipped, shutdown timeout exceeded", s.name))
			continue
		}
		if err := m.run(ctx, s); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"duration": time.Since(start).Seconds(),
			"errors":   len(errs),
		}).Warn("Shutdown completed with errors")
	} else {
		logging.LogShutdownComplete(m.logger, time.Since(start).Seconds())
	}

	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
	close(m.done)
	return err
}

func (m *Manager) run(ctx context.Context, s step) error {
	logger := m.logger.WithField("handler", s.name)
	logger.Info("Executing shutdown handler")
	start := time.Now()

	err := s.handler(ctx)

	logger = logger.WithField("duration", time.Since(start).Seconds())
	if err != nil {
		logger.WithField("error", err.Error()).Error("Shutdown handler failed")
		return err
	}
	logger.Info("Shutdown handler completed")
	return nil
}

// IsShuttingDown returns true if shutdown has been initiated
func (m *Manager) IsShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shuttingDown
}

// Deadline converts a stop function that takes a plain timeout into a
// Handler bounded by the shutdown context
func Deadline(stop func(time.Duration) error) Handler {
	return func(ctx context.Context) error {
		timeout := time.Second
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		return stop(timeout)
	}
}
