// Package resync periodically re-fetches the notification feed so events
// missed by the push channel still show up.
package resync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/dispatchdesk/console/internal/domain"
)

const (
	jobTimeout  = 2 * time.Minute
	stopTimeout = 5 * time.Second
)

// Resyncer refreshes the feed; trigger labels why
type Resyncer interface {
	Resync(ctx context.Context, trigger string) error
}

// Scheduler runs a Resyncer on a cron schedule
type Scheduler struct {
	cron     *cron.Cron
	target   Resyncer
	logger   *zap.Logger
	schedule string
}

// New creates a scheduler. An empty schedule or "off" disables it.
func New(target Resyncer, schedule string, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		target:   target,
		logger:   logger,
		schedule: schedule,
	}
}

// Enabled reports whether a schedule is configured
func (s *Scheduler) Enabled() bool {
	return s.schedule != "" && s.schedule != "off"
}

// Run schedules the job and blocks until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.Enabled() {
		s.logger.Info("scheduled resync disabled")
		<-ctx.Done()
		return nil
	}

	if _, err := s.cron.AddFunc(s.schedule, func() { s.runOnce(ctx) }); err != nil {
		return fmt.Errorf("invalid resync schedule %q: %w", s.schedule, err)
	}

	s.logger.Info("starting resync scheduler", zap.String("cron", s.schedule))
	s.cron.Start()

	<-ctx.Done()
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(stopTimeout):
	}
	s.logger.Info("resync scheduler stopped")
	return nil
}

func (s *Scheduler) runOnce(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, jobTimeout)
	defer cancel()

	err := s.target.Resync(ctx, "schedule")
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotAuthenticated):
		s.logger.Debug("skipping scheduled resync: not logged in")
	case ctx.Err() != nil:
	default:
		s.logger.Error("scheduled resync failed", zap.Error(err))
	}
}
