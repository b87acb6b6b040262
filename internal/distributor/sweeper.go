package distributor

import (
	"context"
	"log/slog"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/vaultstream/internal/persistence"
)

const (
	defaultReclaimSchedule = "@every 1m"
)

// Sweeper periodically reclaims ContentQueueItems (and parse Tasks) whose
// lease expired without the holding worker completing them — recovery from
// a crashed or killed worker, per the teacher's internal/cron scheduler
// pattern adapted to a fixed-interval sweep instead of per-row schedules.
type Sweeper struct {
	store  *persistence.Store
	logger *slog.Logger
	cron   *cronlib.Cron
}

// NewSweeper builds a Sweeper firing on schedule (a robfig/cron expression,
// e.g. "@every 1m"); an empty schedule uses the default.
func NewSweeper(store *persistence.Store, logger *slog.Logger, schedule string) *Sweeper {
	if schedule == "" {
		schedule = defaultReclaimSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := cronlib.New()
	s := &Sweeper{store: store, logger: logger, cron: c}
	if _, err := c.AddFunc(schedule, s.sweepOnce); err != nil {
		logger.Error("sweeper: invalid schedule, falling back to default", "schedule", schedule, "error", err)
		c.AddFunc(defaultReclaimSchedule, s.sweepOnce)
	}
	return s
}

// Start begins the cron-driven sweep loop in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("lease reclaim sweeper started")
}

// Stop halts the sweep loop, waiting for any in-flight sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("lease reclaim sweeper stopped")
}

func (s *Sweeper) sweepOnce() {
	ctx := context.Background()
	if n, err := s.store.ReclaimExpiredQueueItems(ctx); err != nil {
		s.logger.Error("reclaim expired queue items failed", "error", err)
	} else if n > 0 {
		s.logger.Info("reclaimed expired queue items", "count", n)
	}
	if n, err := s.store.ReclaimExpiredTasks(ctx); err != nil {
		s.logger.Error("reclaim expired tasks failed", "error", err)
	} else if n > 0 {
		s.logger.Info("reclaimed expired tasks", "count", n)
	}
}
