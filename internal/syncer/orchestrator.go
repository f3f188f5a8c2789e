// Package syncer runs sync cycles: push the outbox, pull remote pages, apply
// each change locally and fold the outcome into session diagnostics.
package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/solostack/sync/internal/diagnostics"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/schedule"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/store"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/syncmodel"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/transport"
)

var (
	// ErrCycleInFlight is returned when a cycle is requested while one runs.
	ErrCycleInFlight = errors.New("syncer: cycle already in flight")

	errMissingStore     = errors.New("syncer: store is required")
	errMissingTransport = errors.New("syncer: transport is required")
	errMissingDeviceID  = errors.New("syncer: device id is required")
)

// Store is the slice of the local replica a cycle needs.
type Store interface {
	ListPendingChanges(ctx context.Context, limit int) ([]syncmodel.Change, error)
	MarkPushResult(ctx context.Context, accepted []string, rejected map[string]string) error
	GetCursor(ctx context.Context, scope string) (string, error)
	SetCursor(ctx context.Context, scope, cursor string) error
	ApplyIncomingChange(ctx context.Context, change syncmodel.Change) (store.ApplyResult, error)
}

// Config describes the dependencies of an Orchestrator.
type Config struct {
	Store       Store
	Transport   transport.Transport
	DeviceID    string
	CursorScope string
	// Profile returns the runtime profile in effect for the next cycle.
	Profile func() schedule.Profile
	Metrics *diagnostics.Metrics
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Report summarizes one finished cycle.
type Report struct {
	Pushed    int `json:"pushed"`
	Rejected  int `json:"rejected"`
	Pulled    int `json:"pulled"`
	Pages     int `json:"pages"`
	Applied   int `json:"applied"`
	Conflicts int `json:"conflicts"`
	NoOps     int `json:"no_ops"`
}

// Orchestrator runs at most one cycle at a time.
type Orchestrator struct {
	store       Store
	transport   atomic.Pointer[transportHolder]
	deviceID    string
	cursorScope string
	profile     func() schedule.Profile
	metrics     *diagnostics.Metrics
	clock       func() time.Time
	logger      *zap.Logger

	inFlight sync.Mutex
	snapshot atomic.Pointer[diagnostics.Snapshot]
}

type transportHolder struct {
	transport transport.Transport
}

// New constructs an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	deviceID := syncmodel.NormalizeDeviceID(cfg.DeviceID)
	if deviceID == "" {
		return nil, errMissingDeviceID
	}
	profile := cfg.Profile
	if profile == nil {
		profile = schedule.DefaultProfile
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	orchestrator := &Orchestrator{
		store:       cfg.Store,
		deviceID:    deviceID,
		cursorScope: cfg.CursorScope,
		profile:     profile,
		metrics:     cfg.Metrics,
		clock:       clock,
		logger:      logger,
	}
	orchestrator.transport.Store(&transportHolder{transport: cfg.Transport})
	initial := diagnostics.NewSession()
	orchestrator.snapshot.Store(&initial)
	return orchestrator, nil
}

// SetTransport swaps the transport used by subsequent cycles.
func (o *Orchestrator) SetTransport(next transport.Transport) {
	if next == nil {
		return
	}
	o.transport.Store(&transportHolder{transport: next})
}

// Snapshot returns the session diagnostics as of the last finished cycle.
func (o *Orchestrator) Snapshot() diagnostics.Snapshot {
	return *o.snapshot.Load()
}

// Cycle adapts the orchestrator to the scheduler loop.
func (o *Orchestrator) Cycle() schedule.Cycle {
	return func(ctx context.Context) int {
		if _, err := o.RunCycle(ctx); err != nil && !errors.Is(err, ErrCycleInFlight) {
			o.logger.Warn("sync cycle failed", zap.Error(err))
		}
		return o.Snapshot().ConsecutiveFailures
	}
}

// RunCycle performs one push/pull/apply pass. A request made while another
// cycle runs returns ErrCycleInFlight without touching diagnostics.
func (o *Orchestrator) RunCycle(ctx context.Context) (Report, error) {
	if !o.inFlight.TryLock() {
		return Report{}, ErrCycleInFlight
	}
	defer o.inFlight.Unlock()

	startedAt := o.clock()
	report, err := o.runCycle(ctx)
	finishedAt := o.clock()

	outcome := diagnostics.CycleOutcome{
		Outcome:     diagnostics.OutcomeSuccess,
		AttemptedAt: startedAt.UTC(),
		DurationMs:  finishedAt.Sub(startedAt).Milliseconds(),
		HasConflict: report.Conflicts > 0,
	}
	if err != nil {
		outcome.Outcome = diagnostics.OutcomeFailure
	}
	next := diagnostics.Append(o.Snapshot(), outcome)
	o.snapshot.Store(&next)
	o.metrics.Observe(outcome, next)

	fields := []zap.Field{
		zap.String("outcome", string(outcome.Outcome)),
		zap.Int("pushed", report.Pushed),
		zap.Int("rejected", report.Rejected),
		zap.Int("pulled", report.Pulled),
		zap.Int("pages", report.Pages),
		zap.Int("applied", report.Applied),
		zap.Int("conflicts", report.Conflicts),
		zap.Int64("duration_ms", outcome.DurationMs),
	}
	if err != nil {
		o.logger.Warn("sync cycle finished", append(fields, zap.Error(err))...)
	} else {
		o.logger.Info("sync cycle finished", fields...)
	}
	return report, err
}

func (o *Orchestrator) runCycle(ctx context.Context) (Report, error) {
	var report Report
	profile := o.profile()
	current := o.transport.Load().transport

	if err := o.push(ctx, current, profile, &report); err != nil {
		return report, err
	}
	if err := o.pull(ctx, current, profile, &report); err != nil {
		return report, err
	}
	return report, nil
}

func (o *Orchestrator) push(ctx context.Context, current transport.Transport, profile schedule.Profile, report *Report) error {
	pending, err := o.store.ListPendingChanges(ctx, profile.PushLimit)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	result, err := current.Push(ctx, transport.PushRequest{Changes: pending, DeviceID: o.deviceID})
	if err != nil {
		return err
	}
	rejected := make(map[string]string, len(result.Rejected))
	for _, rejection := range result.Rejected {
		rejected[rejection.IdempotencyKey] = rejection.Reason
	}
	if err := o.store.MarkPushResult(ctx, result.Accepted, rejected); err != nil {
		return err
	}
	report.Pushed = len(result.Accepted)
	report.Rejected = len(rejected)
	return nil
}

// pull follows has_more for at most MaxPullPages pages. The cursor is saved
// only after every change of a page was applied.
func (o *Orchestrator) pull(ctx context.Context, current transport.Transport, profile schedule.Profile, report *Report) error {
	cursor, err := o.store.GetCursor(ctx, o.cursorScope)
	if err != nil {
		return err
	}
	for page := 0; page < profile.MaxPullPages; page++ {
		result, err := current.Pull(ctx, transport.PullRequest{Cursor: cursor, Limit: profile.PullLimit, DeviceID: o.deviceID})
		if err != nil {
			return err
		}
		report.Pages++
		for _, change := range result.Changes {
			if syncmodel.NormalizeDeviceID(change.UpdatedByDevice) == o.deviceID {
				continue
			}
			report.Pulled++
			applied, err := o.store.ApplyIncomingChange(ctx, change)
			if err != nil {
				return err
			}
			switch applied.Outcome {
			case store.OutcomeApplied:
				report.Applied++
			case store.OutcomeConflict:
				report.Conflicts++
			default:
				report.NoOps++
			}
		}
		if result.ServerCursor != "" && result.ServerCursor != cursor {
			if err := o.store.SetCursor(ctx, o.cursorScope, result.ServerCursor); err != nil {
				return err
			}
			cursor = result.ServerCursor
		}
		if !result.HasMore {
			return nil
		}
	}
	return nil
}
