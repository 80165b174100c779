// Package scheduler runs the daily housekeeping of the arena server, which
// keeps the match history within its retention window.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/arena-project/arena/internal/config"
	"github.com/arena-project/arena/internal/events"
	"github.com/arena-project/arena/internal/util"
)

// Pruner deletes history older than a cutoff.
type Pruner interface {
	Prune(cutoff time.Time) (sessions, rounds int64, err error)
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	store     Pruner
	eventBus  *events.EventBus
	logger    zerolog.Logger
	retention time.Duration
	hour      int
	minute    int

	now func() time.Time
}

// NewScheduler creates a scheduler pruning store. store may be nil, in which
// case Start only waits for ctx.
func NewScheduler(cfg *config.Config, store Pruner, eventBus *events.EventBus, logger zerolog.Logger) *Scheduler {
	app := cfg.GetApplicationData()
	hour, minute, err := config.ParseClock(app.Maintenance.CleanupTime)
	if err != nil {
		hour, minute = 4, 0
	}
	return &Scheduler{
		store:     store,
		eventBus:  eventBus,
		logger:    util.ComponentLogger(logger, "scheduler"),
		retention: time.Duration(app.Database.RetentionDays) * 24 * time.Hour,
		hour:      hour,
		minute:    minute,
		now:       time.Now,
	}
}

// Start runs the history cleaner once a day at the configured time until
// ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s.store == nil || s.retention <= 0 {
		s.logger.Info().Msg("history retention disabled")
		<-ctx.Done()
		return
	}

	s.logger.Info().Dur("retention", s.retention).Msg("scheduler started")
	for {
		next := NextRun(s.now(), s.hour, s.minute)
		s.logger.Debug().Time("next_run", next).Msg("history cleaner scheduled")

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info().Msg("scheduler stopped")
			return
		case <-timer.C:
			if err := s.RunCleanup(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("history cleaner failed")
			}
		}
	}
}

// RunCleanup deletes history older than the retention window.
func (s *Scheduler) RunCleanup(ctx context.Context) error {
	cutoff := s.now().Add(-s.retention)
	sessions, rounds, err := s.store.Prune(cutoff)
	if err != nil {
		return err
	}

	s.logger.Info().
		Int64("sessions", sessions).
		Int64("rounds", rounds).
		Time("cutoff", cutoff).
		Msg("history cleaner completed")

	if s.eventBus != nil {
		s.eventBus.Emit(ctx, events.Event{
			Type:    events.EventHistoryPruned,
			Source:  "scheduler",
			Payload: events.PrunePayload{Before: cutoff, Sessions: sessions, Rounds: rounds},
		})
	}
	return nil
}

// NextRun returns the first hour:minute strictly after now, in now's
// location.
func NextRun(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
