// Package event defines the duel event types shared by the notification
// outbox, the realtime feed and the client effect pool.
package event

import (
	"fmt"
	"time"
)

type Type string

const (
	AttackStarted  Type = "attack_started"
	DefenseNeeded  Type = "defense_needed"
	BattleResolved Type = "battle_resolved"
)

// ranked lists types from most to least actionable. Rank compares by index.
var ranked = []Type{DefenseNeeded, AttackStarted, BattleResolved}

// Rank returns the priority of t, lower is more urgent. Unknown types rank
// after every known type.
func (t Type) Rank() int {
	for i, r := range ranked {
		if r == t {
			return i
		}
	}
	return len(ranked)
}

func (t Type) Valid() bool {
	return t.Rank() < len(ranked)
}

// Outranks reports whether t should be surfaced instead of other.
func (t Type) Outranks(other Type) bool {
	return t.Rank() < other.Rank()
}

func Parse(raw string) (Type, error) {
	t := Type(raw)
	if !t.Valid() {
		return "", fmt.Errorf("unknown event type %q", raw)
	}
	return t, nil
}

// Event is one realtime state change for a battle. WinnerID is only set on
// BattleResolved.
type Event struct {
	Type       Type      `json:"type"`
	BattleID   string    `json:"battle_id"`
	CreatorID  string    `json:"creator_id"`
	OpponentID string    `json:"opponent_id"`
	WinnerID   string    `json:"winner_id,omitempty"`
	Anchor     Anchor    `json:"anchor"`
	At         time.Time `json:"at"`
}

// Anchor is the arena coordinate a battle is pinned to.
type Anchor struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}
