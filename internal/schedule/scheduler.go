package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var errMissingCycle = errors.New("schedule: cycle function is required")

// Cycle runs one sync cycle and reports the consecutive failure count observed
// after it settled.
type Cycle func(ctx context.Context) (consecutiveFailures int)

// SchedulerConfig describes the dependencies of a Scheduler.
type SchedulerConfig struct {
	Cycle      Cycle
	Profile    Profile
	Foreground bool
	Logger     *zap.Logger
	// After overrides timer creation; tests use it to drive the loop.
	After func(time.Duration) <-chan time.Time
}

// Scheduler drives sync cycles from a single re-armed timer. Only one cycle
// runs at a time; visibility and profile changes apply on the next re-arm.
type Scheduler struct {
	cycle      Cycle
	profile    atomic.Pointer[Profile]
	foreground atomic.Bool
	trigger    chan struct{}
	after      func(time.Duration) <-chan time.Time
	logger     *zap.Logger
}

// NewScheduler constructs a Scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Cycle == nil {
		return nil, errMissingCycle
	}
	after := cfg.After
	if after == nil {
		after = time.After
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	scheduler := &Scheduler{
		cycle:   cfg.Cycle,
		trigger: make(chan struct{}, 1),
		after:   after,
		logger:  logger,
	}
	profile := NormalizeProfile(cfg.Profile.Input())
	scheduler.profile.Store(&profile)
	scheduler.foreground.Store(cfg.Foreground)
	return scheduler, nil
}

// SetProfile replaces the runtime profile used for subsequent re-arms.
func (s *Scheduler) SetProfile(profile Profile) {
	normalized := NormalizeProfile(profile.Input())
	s.profile.Store(&normalized)
}

// Profile returns the profile currently in effect.
func (s *Scheduler) Profile() Profile {
	return *s.profile.Load()
}

// SetForeground records the current visibility state.
func (s *Scheduler) SetForeground(foreground bool) {
	s.foreground.Store(foreground)
}

// TriggerNow requests an immediate cycle. Requests made while a cycle is in
// flight coalesce into a single follow-up cycle.
func (s *Scheduler) TriggerNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// NextDelay returns the delay before the next cycle given the failure count.
func (s *Scheduler) NextDelay(consecutiveFailures int) time.Duration {
	if consecutiveFailures > 0 {
		return BackoffDelay(consecutiveFailures)
	}
	return IntervalForVisibility(s.foreground.Load(), s.Profile())
}

// Run executes cycles until ctx is cancelled. The first cycle runs immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	delay := time.Duration(0)
	for {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.trigger:
			case <-s.after(delay):
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		failures := s.cycle(ctx)
		delay = s.NextDelay(failures)
		s.logger.Debug("sync cycle re-armed",
			zap.Int("consecutive_failures", failures),
			zap.Duration("delay", delay),
			zap.Bool("foreground", s.foreground.Load()))
		if delay <= 0 {
			delay = IntervalForVisibility(s.foreground.Load(), s.Profile())
		}
	}
}
