package threats

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/defenderpro/engine-orchestrator/internal/models"
	"github.com/defenderpro/engine-orchestrator/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// Lister is the part of the engine gateway the store needs
type Lister interface {
	ListThreats(ctx context.Context) (*models.ThreatList, error)
}

// Store holds the latest threat snapshot. Reloads are serialized and
// publish by swapping a pointer, so readers never see a partial list.
type Store struct {
	lister Lister
	logger *logrus.Logger
	now    func() time.Time

	reloadMu sync.Mutex
	current  atomic.Pointer[models.ThreatSnapshot]
}

// NewStore creates a store with an empty snapshot
func NewStore(lister Lister, logger *logrus.Logger) *Store {
	s := &Store{
		lister: lister,
		logger: logger,
		now:    time.Now,
	}
	s.current.Store(models.NewThreatSnapshot(nil, time.Time{}))
	return s
}

// Snapshot returns the current snapshot
func (s *Store) Snapshot() *models.ThreatSnapshot {
	return s.current.Load()
}

// Reload fetches the full list from the engine and publishes it. A failed
// fetch publishes an empty fallback snapshot instead of returning an error.
func (s *Store) Reload(ctx context.Context) *models.ThreatSnapshot {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	start := time.Now()
	list, err := s.lister.ListThreats(ctx)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"error":       err.Error(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Warn("Threat reload failed, publishing empty snapshot")

		metrics.RecordThreatReload("fallback")
		snapshot := models.EmptyThreatSnapshot(s.now(), err)
		s.publish(snapshot)
		return snapshot
	}

	snapshot := models.NewThreatSnapshot(list, s.now())
	s.checkDrift(list, snapshot)

	metrics.RecordThreatReload("success")
	s.publish(snapshot)

	s.logger.WithFields(logrus.Fields{
		"total_threats": snapshot.Total(),
		"duration_ms":   time.Since(start).Milliseconds(),
	}).Debug("Threat list reloaded")

	return snapshot
}

func (s *Store) publish(snapshot *models.ThreatSnapshot) {
	s.current.Store(snapshot)
	c := snapshot.Counts()
	metrics.SetThreatsCurrent(c.High, c.Medium, c.Low, c.Unknown)
}

// checkDrift compares the engine's own counters with the recomputed ones.
// The recomputed counts always win.
func (s *Store) checkDrift(list *models.ThreatList, snapshot *models.ThreatSnapshot) {
	c := snapshot.Counts()
	if list.TotalThreats == snapshot.Total() &&
		list.HighSeverity == c.High &&
		list.MediumSeverity == c.Medium &&
		list.LowSeverity == c.Low {
		return
	}

	metrics.RecordThreatCountDrift()
	s.logger.WithFields(logrus.Fields{
		"engine_total":    list.TotalThreats,
		"engine_high":     list.HighSeverity,
		"engine_medium":   list.MediumSeverity,
		"engine_low":      list.LowSeverity,
		"computed_total":  snapshot.Total(),
		"computed_high":   c.High,
		"computed_medium": c.Medium,
		"computed_low":    c.Low,
	}).Warn("Engine threat counters disagree with the list")
}
