package session

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler runs jobs at fixed times of day on trading days.
type Scheduler struct {
	cal  *Calendar
	cron *cron.Cron
	log  zerolog.Logger
	now  func() time.Time
}

// NewScheduler evaluates cron specs in the calendar's zone.
func NewScheduler(cal *Calendar, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cal:  cal,
		cron: cron.New(cron.WithSeconds(), cron.WithLocation(cal.Location())),
		log:  log,
		now:  time.Now,
	}
}

// DailySpec returns the cron spec firing at clock on weekdays.
func DailySpec(at Clock) string {
	return fmt.Sprintf("0 %d %d * * MON-FRI", at.Minute(), at.Hour())
}

// Daily registers fn at clock on weekdays; holidays are skipped when the job fires.
func (s *Scheduler) Daily(name string, at Clock, fn func()) error {
	_, err := s.cron.AddFunc(DailySpec(at), s.guard(name, fn))
	if err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}
	s.log.Debug().Str("job", name).Str("at", at.String()).Msg("scheduled")
	return nil
}

// OnSessionOpen registers fn at the session open.
func (s *Scheduler) OnSessionOpen(fn func()) error {
	return s.Daily("session_open", s.cal.OpenClock(), fn)
}

func (s *Scheduler) guard(name string, fn func()) func() {
	return func() {
		if !s.cal.IsTradingDay(s.now()) {
			s.log.Debug().Str("job", name).Msg("holiday, skipped")
			return
		}
		s.log.Info().Str("job", name).Msg("running scheduled job")
		fn()
	}
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.cron.Entries())).Msg("scheduler started")
}

// Stop stops the scheduler and waits for running jobs or ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	s.log.Info().Msg("scheduler stopped")
}
