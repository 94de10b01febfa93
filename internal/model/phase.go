package model

import "github.com/rotisserie/eris"

// Phase is the pipeline progress marker on a strategy row.
type Phase string

const (
	PhaseStarting          Phase = "starting"
	PhaseStrategistRunning Phase = "strategist_running"
	PhaseBriefingRunning   Phase = "briefing_running"
	PhaseStrategistDone    Phase = "strategist_done"
	PhaseStrategistFailed  Phase = "strategist_failed"
	PhaseBriefingDone      Phase = "briefing_done"
	PhaseBriefingFailed    Phase = "briefing_failed"
	PhaseConsolidating     Phase = "consolidating"
	PhaseComplete          Phase = "complete"
	PhaseFailed            Phase = "failed"
)

// phaseRank orders phases. Stage phases share a rank because the two stages
// run concurrently and may finish in either order.
var phaseRank = map[Phase]int{
	PhaseStarting:          0,
	PhaseStrategistRunning: 1,
	PhaseBriefingRunning:   1,
	PhaseStrategistDone:    2,
	PhaseStrategistFailed:  2,
	PhaseBriefingDone:      2,
	PhaseBriefingFailed:    2,
	PhaseConsolidating:     3,
	PhaseComplete:          4,
	PhaseFailed:            4,
}

// AllPhases returns every phase in rank order.
func AllPhases() []Phase {
	return []Phase{
		PhaseStarting,
		PhaseStrategistRunning,
		PhaseBriefingRunning,
		PhaseStrategistDone,
		PhaseStrategistFailed,
		PhaseBriefingDone,
		PhaseBriefingFailed,
		PhaseConsolidating,
		PhaseComplete,
		PhaseFailed,
	}
}

// ParsePhase validates s as a known phase.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if _, ok := phaseRank[p]; !ok {
		return "", eris.Errorf("model: unknown phase %q", s)
	}
	return p, nil
}

// IsTerminal reports whether no further transition is possible.
func (p Phase) IsTerminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// CanTransition reports whether a strategy in phase p may move to next.
// Terminal phases never move. Consolidating may only finish. Otherwise
// the phase may move sideways among stage phases or forward.
func (p Phase) CanTransition(next Phase) bool {
	from, ok := phaseRank[p]
	if !ok {
		return false
	}
	to, ok := phaseRank[next]
	if !ok {
		return false
	}
	if p.IsTerminal() {
		return false
	}
	if p == PhaseConsolidating {
		return next.IsTerminal()
	}
	if p == next {
		return false
	}
	return to >= from
}

// AllowedFrom lists the phases from which next may be entered. Stores use it
// to guard phase writes with "phase = ANY($allowed)".
func AllowedFrom(next Phase) []Phase {
	var out []Phase
	for _, p := range AllPhases() {
		if p.CanTransition(next) {
			out = append(out, p)
		}
	}
	return out
}

// PhaseStrings converts phases to their string form for query arguments.
func PhaseStrings(phases []Phase) []string {
	out := make([]string, len(phases))
	for i, p := range phases {
		out[i] = string(p)
	}
	return out
}
