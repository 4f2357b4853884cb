package duel

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"reflexduel/internal/event"
)

const (
	GhostLossThreshold = 3
	GhostDuration      = 24 * time.Hour

	MaxReactionMS = int64(60_000)
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("battle not found")
	ErrAlreadyResolved   = errors.New("battle already resolved")
	ErrIncomplete        = errors.New("battle is missing a participant reaction")
	ErrInvalidTransition = errors.New("invalid battle status transition")
	ErrStaleState        = errors.New("battle changed concurrently")
	ErrNotParticipant    = errors.New("user is not a participant of this battle")
	ErrAlreadyTapped     = errors.New("participant already tapped")
	ErrNotActive         = errors.New("battle is not accepting taps")
)

var battleIDRE = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func ValidateBattleID(id string) error {
	if !battleIDRE.MatchString(id) {
		return fmt.Errorf("%w: malformed battle id %q", ErrValidation, id)
	}
	return nil
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusCountdown Status = "countdown"
	StatusActive    Status = "active"
	StatusResolved  Status = "resolved"
)

var statusOrder = []Status{StatusPending, StatusAccepted, StatusCountdown, StatusActive, StatusResolved}

func (s Status) rank() int {
	for i, v := range statusOrder {
		if v == s {
			return i
		}
	}
	return -1
}

func (s Status) Valid() bool { return s.rank() >= 0 }

func (s Status) Terminal() bool { return s == StatusResolved }

// CanAdvanceTo reports whether a lifecycle step from s to next moves
// strictly forward. Resolution has its own path and is never a plain advance.
func (s Status) CanAdvanceTo(next Status) bool {
	if !s.Valid() || !next.Valid() || s.Terminal() || next.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, raw)
	}
	return s, nil
}

type Role string

const (
	RoleCreator  Role = "creator"
	RoleOpponent Role = "opponent"
)

type Battle struct {
	ID                 string       `json:"id"`
	CreatorID          string       `json:"creator_id"`
	OpponentID         string       `json:"opponent_id"`
	Status             Status       `json:"status"`
	CreatorTappedAt    *time.Time   `json:"creator_tapped_at,omitempty"`
	OpponentTappedAt   *time.Time   `json:"opponent_tapped_at,omitempty"`
	CreatorReactionMS  *int64       `json:"creator_reaction_ms,omitempty"`
	OpponentReactionMS *int64       `json:"opponent_reaction_ms,omitempty"`
	StakeType          string       `json:"stake_type"`
	StakeAmount        int64        `json:"stake_amount"`
	WinnerID           string       `json:"winner_id,omitempty"`
	ResolvedAt         *time.Time   `json:"resolved_at,omitempty"`
	CreatorWon         bool         `json:"creator_won"`
	OpponentWon        bool         `json:"opponent_won"`
	Arena              event.Anchor `json:"arena"`
	CreatedAt          time.Time    `json:"created_at"`
}

func (b Battle) RoleOf(userID string) (Role, bool) {
	switch userID {
	case b.CreatorID:
		return RoleCreator, true
	case b.OpponentID:
		return RoleOpponent, true
	default:
		return "", false
	}
}

func (b Battle) BothTapped() bool {
	return b.CreatorReactionMS != nil && b.OpponentReactionMS != nil
}

func (b Battle) event(t event.Type, at time.Time) event.Event {
	ev := event.Event{
		Type:       t,
		BattleID:   b.ID,
		CreatorID:  b.CreatorID,
		OpponentID: b.OpponentID,
		Anchor:     b.Arena,
		At:         at,
	}
	if t == event.BattleResolved {
		ev.WinnerID = b.WinnerID
	}
	return ev
}

// Tap is one participant's response to the cue.
type Tap struct {
	BattleID   string
	UserID     string
	Role       Role
	TappedAt   time.Time
	ReactionMS int64
}

type Transfer struct {
	ID         string         `json:"id"`
	BattleID   string         `json:"battle_id"`
	FromUserID string         `json:"from_user_id"`
	ToUserID   string         `json:"to_user_id"`
	Type       string         `json:"type"`
	Amount     int64          `json:"amount"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Settlement is everything the store commits atomically when a battle
// resolves.
type Settlement struct {
	BattleID   string
	WinnerID   string
	WinnerRole Role
	ResolvedAt time.Time
	Transfer   Transfer
}

type GhostMode struct {
	UserID            string     `json:"user_id"`
	ConsecutiveLosses int        `json:"consecutive_losses"`
	GhostActive       bool       `json:"ghost_active"`
	GhostUntil        *time.Time `json:"ghost_until,omitempty"`
	LastLossAt        *time.Time `json:"last_loss_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

type AuditEntry struct {
	ID        string         `json:"id"`
	BattleID  string         `json:"battle_id"`
	EventType string         `json:"event_type"`
	ActorID   string         `json:"actor_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Result is what Resolve reports to its caller.
type Result struct {
	BattleID          string `json:"battle_id"`
	WinnerID          string `json:"winner_id"`
	LoserID           string `json:"loser_id"`
	WinnerReactionMS  int64  `json:"winner_reaction_ms"`
	LoserReactionMS   int64  `json:"loser_reaction_ms"`
	TransferredAmount int64  `json:"transferred_amount"`
	StakeType         string `json:"stake_type"`
}

// TransferError wraps a failed settlement. The economic step did not commit
// and the whole Resolve call must be retried.
type TransferError struct {
	BattleID string
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("settle battle %s: %v", e.BattleID, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }
