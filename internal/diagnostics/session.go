// Package diagnostics folds sync cycle outcomes into a session health snapshot.
package diagnostics

import (
	"math"
	"time"
)

// Outcome classifies a finished cycle.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// CycleOutcome is one input to the fold.
type CycleOutcome struct {
	Outcome     Outcome
	AttemptedAt time.Time
	DurationMs  int64
	HasConflict bool
}

// Snapshot is the process-scoped health view of the sync session.
type Snapshot struct {
	TotalCycles            int        `json:"total_cycles"`
	SuccessfulCycles       int        `json:"successful_cycles"`
	FailedCycles           int        `json:"failed_cycles"`
	ConflictCycles         int        `json:"conflict_cycles"`
	ConsecutiveFailures    int        `json:"consecutive_failures"`
	SuccessRatePercent     int        `json:"success_rate_percent"`
	LastCycleDurationMs    *int64     `json:"last_cycle_duration_ms"`
	AverageCycleDurationMs *int64     `json:"average_cycle_duration_ms"`
	LastAttemptAt          *time.Time `json:"last_attempt_at"`
	LastSuccessAt          *time.Time `json:"last_success_at"`

	totalCycleDurationMs int64
}

// NewSession returns the empty snapshot used at session start.
func NewSession() Snapshot {
	return Snapshot{}
}

// Append folds one cycle outcome into the snapshot and returns the new value.
// The input snapshot is not modified.
func Append(previous Snapshot, cycle CycleOutcome) Snapshot {
	next := previous
	next.TotalCycles++

	switch cycle.Outcome {
	case OutcomeSuccess:
		next.SuccessfulCycles++
		next.ConsecutiveFailures = 0
		successAt := cycle.AttemptedAt
		next.LastSuccessAt = &successAt
	default:
		next.FailedCycles++
		next.ConsecutiveFailures++
	}
	if cycle.HasConflict {
		next.ConflictCycles++
	}

	duration := cycle.DurationMs
	if duration < 0 {
		duration = 0
	}
	next.totalCycleDurationMs = previous.totalCycleDurationMs + duration
	lastDuration := duration
	next.LastCycleDurationMs = &lastDuration
	average := int64(math.Round(float64(next.totalCycleDurationMs) / float64(next.TotalCycles)))
	next.AverageCycleDurationMs = &average

	attemptedAt := cycle.AttemptedAt
	next.LastAttemptAt = &attemptedAt
	next.SuccessRatePercent = int(math.Round(float64(next.SuccessfulCycles) / float64(next.TotalCycles) * 100))
	return next
}
