package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"chatmux/internal/constants"
)

// RetentionStore deletes old reconciled rows. *database.Database satisfies it.
type RetentionStore interface {
	DeleteMessagesOlderThan(ctx context.Context, retentionDays int) (int64, error)
}

// Scheduler periodically prunes synced messages past the retention window.
// Unsynced rows are never touched, so retention can't lose data the backend
// hasn't seen.
type Scheduler struct {
	store         RetentionStore
	retentionDays int
	intervalHours int
	logger        *logrus.Logger
	stopCh        chan struct{}
}

func NewScheduler(store RetentionStore, retentionDays, intervalHours int, logger *logrus.Logger) *Scheduler {
	if intervalHours <= 0 {
		intervalHours = constants.DefaultCleanupIntervalHours
	}
	return &Scheduler{
		store:         store,
		retentionDays: retentionDays,
		intervalHours: intervalHours,
		logger:        logger,
		stopCh:        make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.intervalHours) * time.Hour)
	defer ticker.Stop()

	s.logger.Info("Starting retention scheduler")

	s.runCleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler context cancelled, stopping")
			return
		case <-s.stopCh:
			s.logger.Info("Scheduler stop signal received, stopping")
			return
		case <-ticker.C:
			s.runCleanup(ctx)
		}
	}
}

func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	s.logger.WithField("retentionDays", s.retentionDays).Info("Running scheduled cleanup")

	deleted, err := s.store.DeleteMessagesOlderThan(ctx, s.retentionDays)
	if err != nil {
		s.logger.WithError(err).Error("Failed to cleanup old messages")
		return
	}
	s.logger.WithField("deleted", deleted).Info("Successfully completed cleanup")
}
