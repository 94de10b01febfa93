package model

import (
	"time"
)

// Status is the externally visible outcome of a strategy.
type Status string

const (
	StatusPending     Status = "pending"
	StatusComplete    Status = "complete"
	StatusFailed      Status = "failed"
	StatusWriteFailed Status = "write_failed"
)

// IsFinal reports whether the status will not change again.
func (s Status) IsFinal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusWriteFailed
}

// StageState tracks one concurrent stage on a strategy row.
type StageState string

const (
	StagePending StageState = "pending"
	StageRunning StageState = "running"
	StageDone    StageState = "done"
	StageFailed  StageState = "failed"
)

// IsTerminal reports whether the stage has finished, successfully or not.
func (s StageState) IsTerminal() bool {
	return s == StageDone || s == StageFailed
}

// Stage names a completion call in the pipeline.
type Stage string

const (
	StageStrategist   Stage = "strategist"
	StageBriefer      Stage = "briefer"
	StageConsolidator Stage = "consolidator"
)

// Job records that a pipeline was started for a snapshot. Never updated.
type Job struct {
	ID            string    `json:"id"`
	SnapshotID    string    `json:"snapshot_id"`
	CorrelationID string    `json:"correlation_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// Strategy is the per-snapshot pipeline result row.
type Strategy struct {
	ID                   string     `json:"id"`
	SnapshotID           string     `json:"snapshot_id"`
	Phase                Phase      `json:"phase"`
	Status               Status     `json:"status"`
	StrategistOutput     *string    `json:"strategist_output,omitempty"`
	BriefingRef          *string    `json:"briefing_ref,omitempty"`
	ConsolidatedOutput   *string    `json:"consolidated_output,omitempty"`
	Degraded             bool       `json:"degraded"`
	StrategistState      StageState `json:"strategist_state"`
	BrieferState         StageState `json:"briefer_state"`
	StrategistFinishedAt *time.Time `json:"strategist_finished_at,omitempty"`
	BrieferFinishedAt    *time.Time `json:"briefer_finished_at,omitempty"`
	Attempt              int        `json:"attempt"`
	NextRetryAt          *time.Time `json:"next_retry_at,omitempty"`
	ErrorCode            *string    `json:"error_code,omitempty"`
	ErrorMessage         *string    `json:"error_message,omitempty"`
	CorrelationID        string     `json:"correlation_id"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the strategy has reached its final state.
func (s *Strategy) IsTerminal() bool {
	return s.Phase.IsTerminal() || s.Status.IsFinal()
}

// Result returns the servable output: the consolidated output when present,
// otherwise the strategist output.
func (s *Strategy) Result() string {
	if s.ConsolidatedOutput != nil {
		return *s.ConsolidatedOutput
	}
	if s.StrategistOutput != nil {
		return *s.StrategistOutput
	}
	return ""
}

// ShouldSignal reports whether the stage-ready channel should be notified:
// the strategist has a servable output, or both stages have finished.
func (s *Strategy) ShouldSignal() bool {
	if s.StrategistOutput != nil {
		return true
	}
	return s.StrategistState.IsTerminal() && s.BrieferState.IsTerminal()
}

// Readiness describes what the consolidation worker should do with a row.
type Readiness int

const (
	// NotReady means the row should be left alone for now.
	NotReady Readiness = iota
	// ConsolidateWithBriefing runs the consolidator over both stage outputs.
	ConsolidateWithBriefing
	// ConsolidateWithoutBriefing runs the consolidator over the strategist
	// output alone because the briefer did not finish within the grace period.
	ConsolidateWithoutBriefing
	// FinalizeDegraded completes the row with the strategist output as-is.
	FinalizeDegraded
	// FinalizeFailed fails the row because no strategist output exists.
	FinalizeFailed
)

func (r Readiness) String() string {
	switch r {
	case ConsolidateWithBriefing:
		return "consolidate_with_briefing"
	case ConsolidateWithoutBriefing:
		return "consolidate_without_briefing"
	case FinalizeDegraded:
		return "finalize_degraded"
	case FinalizeFailed:
		return "finalize_failed"
	default:
		return "not_ready"
	}
}

// Readiness decides the next consolidation action at time now. grace bounds
// how long a finished strategist waits on a briefer that is still running.
func (s *Strategy) Readiness(now time.Time, grace time.Duration) Readiness {
	if s.IsTerminal() {
		return NotReady
	}

	graceElapsed := s.StrategistFinishedAt != nil && now.Sub(*s.StrategistFinishedAt) >= grace

	if s.StrategistState == StageFailed || (s.StrategistState == StageDone && s.StrategistOutput == nil) {
		if s.BrieferState.IsTerminal() || graceElapsed {
			return FinalizeFailed
		}
		return NotReady
	}
	if s.StrategistOutput == nil {
		return NotReady
	}

	switch {
	case s.BrieferState == StageDone && s.BriefingRef != nil:
		return ConsolidateWithBriefing
	case s.BrieferState == StageFailed:
		return FinalizeDegraded
	case graceElapsed:
		return ConsolidateWithoutBriefing
	default:
		return NotReady
	}
}
