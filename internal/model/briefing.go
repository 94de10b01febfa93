package model

import (
	"encoding/json"
	"time"
)

// Briefing is the structured research output for a snapshot. Written once.
type Briefing struct {
	ID         string          `json:"id"`
	SnapshotID string          `json:"snapshot_id"`
	Summary    string          `json:"summary"`
	Events     json.RawMessage `json:"events,omitempty"`
	Traffic    json.RawMessage `json:"traffic,omitempty"`
	Airport    json.RawMessage `json:"airport,omitempty"`
	Citations  []string        `json:"citations,omitempty"`
	Raw        string          `json:"-"`
	CreatedAt  time.Time       `json:"created_at"`
}

// StrategyView is the read model served to clients: the strategy row plus
// its briefing when one exists.
type StrategyView struct {
	Strategy *Strategy `json:"strategy"`
	Briefing *Briefing `json:"briefing,omitempty"`
	Result   string    `json:"result,omitempty"`
}

// NewStrategyView builds the client view of s and b.
func NewStrategyView(s *Strategy, b *Briefing) *StrategyView {
	v := &StrategyView{Strategy: s, Briefing: b}
	if s != nil && s.IsTerminal() {
		v.Result = s.Result()
	}
	return v
}
