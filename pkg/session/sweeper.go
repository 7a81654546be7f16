package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Reaper expires idle sessions and collects expired ones past retention
type Reaper interface {
	ExpireIdleSessions(ctx context.Context, now time.Time) (int, error)
	CollectExpired(ctx context.Context, now time.Time) (int, error)
}

// Sweeper runs a Reaper on a cron schedule
type Sweeper struct {
	reaper   Reaper
	schedule string
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewSweeper creates a sweeper. schedule accepts standard cron specs and
// descriptors such as "@every 30s".
func NewSweeper(reaper Reaper, schedule string, logger zerolog.Logger) *Sweeper {
	if schedule == "" {
		schedule = "@every 30s"
	}
	return &Sweeper{
		reaper:   reaper,
		schedule: schedule,
		logger:   logger.With().Str("component", "session.sweeper").Logger(),
		now:      time.Now,
	}
}

// Start schedules the sweep
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("sweeper is already running")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.schedule, func() { s.RunOnce(context.Background()) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	c.Start()

	s.cron = c
	s.running = true
	s.logger.Info().Str("schedule", s.schedule).Msg("Session sweeper started")
	return nil
}

// Stop stops scheduling and waits for a running sweep to finish
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.running = false
	s.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info().Msg("Session sweeper stopped")
}

// RunOnce performs a single sweep
func (s *Sweeper) RunOnce(ctx context.Context) {
	now := s.now()

	expiredCount, err := s.reaper.ExpireIdleSessions(ctx, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to expire idle sessions")
	}

	collected, err := s.reaper.CollectExpired(ctx, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to collect expired sessions")
	}

	if expiredCount > 0 || collected > 0 {
		s.logger.Info().
			Int("expired", expiredCount).
			Int("collected", collected).
			Msg("Session sweep completed")
	}
}
