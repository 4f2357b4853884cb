package duel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"reflexduel/internal/event"
	"reflexduel/internal/notify"

	"github.com/google/uuid"
)

// Store is the persistence boundary of the duel service. Every mutating
// method is self-guarding: it applies only when the row is still in the state
// the caller observed, so concurrent callers converge.
type Store interface {
	GetBattle(ctx context.Context, battleID string) (Battle, error)
	ActiveBattleForUser(ctx context.Context, userID string) (Battle, error)
	// AdvanceBattle moves the battle from -> to, returning ErrStaleState when
	// the stored status is no longer from.
	AdvanceBattle(ctx context.Context, battleID string, from, to Status) (Battle, error)
	// RecordTap stores one participant's reaction while the battle is active
	// and that participant has not tapped yet, else ErrAlreadyTapped or
	// ErrNotActive.
	RecordTap(ctx context.Context, tap Tap) (Battle, error)
	// Settle commits the resolved status, the winner and the transfer in one
	// transaction. It returns ErrAlreadyResolved when the battle is already
	// resolved or a transfer for it exists.
	Settle(ctx context.Context, s Settlement) error
	UpdateGhostMode(ctx context.Context, userID string, fn func(GhostMode) GhostMode) (GhostMode, error)
	GetGhostMode(ctx context.Context, userID string) (GhostMode, error)
	AppendAudit(ctx context.Context, entry AuditEntry) error
	EnqueueNotification(ctx context.Context, intent notify.Intent) (bool, error)
}

// Publisher receives realtime state changes. It must not block.
type Publisher interface {
	Publish(ev event.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(event.Event) {}

type Service struct {
	store Store
	feed  Publisher
	log   *slog.Logger
	clock func() time.Time
	newID func() string
}

func NewService(store Store, feed Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if feed == nil {
		feed = nopPublisher{}
	}
	return &Service{
		store: store,
		feed:  feed,
		log:   logger,
		clock: time.Now,
		newID: uuid.NewString,
	}
}

// WithClock swaps the time source. Tests use it to pin ghost_until.
func (s *Service) WithClock(clock func() time.Time) *Service {
	if clock != nil {
		s.clock = clock
	}
	return s
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

func (s *Service) Get(ctx context.Context, battleID string) (Battle, error) {
	battleID = strings.TrimSpace(battleID)
	if err := ValidateBattleID(battleID); err != nil {
		return Battle{}, err
	}
	return s.store.GetBattle(ctx, battleID)
}

func (s *Service) ActiveForUser(ctx context.Context, userID string) (Battle, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Battle{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	return s.store.ActiveBattleForUser(ctx, userID)
}

func (s *Service) GhostMode(ctx context.Context, userID string) (GhostMode, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return GhostMode{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	return s.store.GetGhostMode(ctx, userID)
}

// Advance moves a battle forward through its lifecycle. Entering countdown
// cues both sides: the creator gets attack_started, the opponent
// defense_needed.
func (s *Service) Advance(ctx context.Context, battleID, actorID string, to Status) (Battle, error) {
	b, err := s.Get(ctx, battleID)
	if err != nil {
		return Battle{}, err
	}
	if _, ok := b.RoleOf(actorID); !ok {
		return Battle{}, ErrNotParticipant
	}
	if !b.Status.CanAdvanceTo(to) {
		return Battle{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, to)
	}

	updated, err := s.store.AdvanceBattle(ctx, b.ID, b.Status, to)
	if err != nil {
		return Battle{}, err
	}
	now := s.now()
	s.audit(ctx, AuditEntry{
		BattleID:  b.ID,
		EventType: "battle_" + string(to),
		ActorID:   actorID,
		Payload:   map[string]any{"from": b.Status, "to": to},
	}, now)

	if to == StatusCountdown {
		s.cue(ctx, updated, now)
	}
	return updated, nil
}

func (s *Service) cue(ctx context.Context, b Battle, now time.Time) {
	intents := []notify.Intent{
		{
			UserID:    b.CreatorID,
			Type:      event.AttackStarted,
			DedupeKey: b.ID + "_attack_started",
			Payload: notify.Payload{
				Title: "Duel starting",
				Body:  fmt.Sprintf("Your %d %s duel is about to start. Get ready to tap.", b.StakeAmount, b.StakeType),
				URL:   battleURL(b.ID),
				Extra: map[string]any{"battle_id": b.ID, "role": RoleCreator},
			},
		},
		{
			UserID:    b.OpponentID,
			Type:      event.DefenseNeeded,
			DedupeKey: b.ID + "_defense_needed",
			Payload: notify.Payload{
				Title: "You are under attack",
				Body:  fmt.Sprintf("Defend %d %s now. Tap when cued.", b.StakeAmount, b.StakeType),
				URL:   battleURL(b.ID),
				Extra: map[string]any{"battle_id": b.ID, "role": RoleOpponent},
			},
		},
	}
	for _, in := range intents {
		s.enqueue(ctx, in)
	}
	s.feed.Publish(b.event(event.AttackStarted, now))
	s.feed.Publish(b.event(event.DefenseNeeded, now))
}

type TapInput struct {
	BattleID   string
	UserID     string
	ReactionMS int64
	TappedAt   time.Time
}

func (s *Service) RecordTap(ctx context.Context, in TapInput) (Battle, error) {
	b, err := s.Get(ctx, in.BattleID)
	if err != nil {
		return Battle{}, err
	}
	role, ok := b.RoleOf(in.UserID)
	if !ok {
		return Battle{}, ErrNotParticipant
	}
	if b.Status != StatusActive {
		return Battle{}, ErrNotActive
	}
	if in.ReactionMS <= 0 || in.ReactionMS > MaxReactionMS {
		return Battle{}, fmt.Errorf("%w: reaction_ms must be in (0, %d]", ErrValidation, MaxReactionMS)
	}
	tappedAt := in.TappedAt
	if tappedAt.IsZero() {
		tappedAt = s.now()
	}
	return s.store.RecordTap(ctx, Tap{
		BattleID:   b.ID,
		UserID:     in.UserID,
		Role:       role,
		TappedAt:   tappedAt.UTC(),
		ReactionMS: in.ReactionMS,
	})
}

// Resolve settles a finished battle exactly once. ErrAlreadyResolved comes
// back together with the stored outcome and is success for callers.
// ErrIncomplete means a participant has not tapped yet. A *TransferError
// means nothing was committed and the call must be retried.
func (s *Service) Resolve(ctx context.Context, battleID string) (Result, error) {
	b, err := s.Get(ctx, battleID)
	if err != nil {
		return Result{}, err
	}
	if b.Status == StatusResolved {
		return s.alreadyResolved(ctx, b), ErrAlreadyResolved
	}
	if !b.BothTapped() {
		return Result{}, ErrIncomplete
	}

	o := decideWinner(b)
	now := s.now()
	settlement := Settlement{
		BattleID:   b.ID,
		WinnerID:   o.winnerID,
		WinnerRole: o.winnerRole,
		ResolvedAt: now,
		Transfer: Transfer{
			ID:         s.newID(),
			BattleID:   b.ID,
			FromUserID: o.loserID,
			ToUserID:   o.winnerID,
			Type:       b.StakeType,
			Amount:     b.StakeAmount,
			Metadata: map[string]any{
				"winner_reaction_ms": o.winnerReactionMS,
				"loser_reaction_ms":  o.loserReactionMS,
			},
			CreatedAt: now,
		},
	}
	if err := s.store.Settle(ctx, settlement); err != nil {
		if errors.Is(err, ErrAlreadyResolved) {
			// Lost the race to a concurrent resolve; report the winner's view.
			if stored, getErr := s.store.GetBattle(ctx, b.ID); getErr == nil {
				return s.alreadyResolved(ctx, stored), ErrAlreadyResolved
			}
			return Result{}, ErrAlreadyResolved
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrIncomplete) {
			return Result{}, err
		}
		return Result{}, &TransferError{BattleID: b.ID, Err: err}
	}

	b.Status = StatusResolved
	b.WinnerID = o.winnerID
	b.ResolvedAt = &now
	res := Result{
		BattleID:          b.ID,
		WinnerID:          o.winnerID,
		LoserID:           o.loserID,
		WinnerReactionMS:  o.winnerReactionMS,
		LoserReactionMS:   o.loserReactionMS,
		TransferredAmount: b.StakeAmount,
		StakeType:         b.StakeType,
	}
	s.log.Info("battle resolved",
		"battle_id", b.ID,
		"winner_id", res.WinnerID,
		"winner_reaction_ms", res.WinnerReactionMS,
		"loser_reaction_ms", res.LoserReactionMS,
		"amount", res.TransferredAmount,
	)

	s.afterSettlement(ctx, b, res, now)
	return res, nil
}

// afterSettlement runs the steps that follow a committed transfer. Failures
// are logged only; the transfer is final once committed.
func (s *Service) afterSettlement(ctx context.Context, b Battle, res Result, now time.Time) {
	if _, err := s.store.UpdateGhostMode(ctx, res.LoserID, func(g GhostMode) GhostMode {
		return g.OnLoss(now)
	}); err != nil {
		s.log.Error("ghost mode loss update failed", "battle_id", b.ID, "user_id", res.LoserID, "err", err)
	}
	if _, err := s.store.UpdateGhostMode(ctx, res.WinnerID, func(g GhostMode) GhostMode {
		return g.OnWin(now)
	}); err != nil {
		s.log.Error("ghost mode win update failed", "battle_id", b.ID, "user_id", res.WinnerID, "err", err)
	}

	s.audit(ctx, AuditEntry{
		BattleID:  b.ID,
		EventType: string(event.BattleResolved),
		ActorID:   res.WinnerID,
		Payload: map[string]any{
			"winner_id":          res.WinnerID,
			"loser_id":           res.LoserID,
			"winner_reaction_ms": res.WinnerReactionMS,
			"loser_reaction_ms":  res.LoserReactionMS,
			"amount":             res.TransferredAmount,
			"stake_type":         res.StakeType,
		},
	}, now)

	s.notifyOutcome(ctx, b.ID, res)

	s.feed.Publish(b.event(event.BattleResolved, now))
}

// alreadyResolved returns the stored outcome and re-offers the outcome
// notifications. The dedupe keys turn this into a no-op when the first
// resolve enqueued them; ghost and audit updates are not repeated.
func (s *Service) alreadyResolved(ctx context.Context, b Battle) Result {
	res := storedOutcome(b)
	if res.WinnerID != "" && res.LoserID != "" {
		s.notifyOutcome(ctx, b.ID, res)
	}
	return res
}

func (s *Service) notifyOutcome(ctx context.Context, battleID string, res Result) {
	s.enqueue(ctx, notify.Intent{
		UserID:    res.WinnerID,
		Type:      event.BattleResolved,
		DedupeKey: battleID + "_resolved_winner",
		Payload: notify.Payload{
			Title: "Victory!",
			Body:  fmt.Sprintf("You won %d %s with a %dms reaction.", res.TransferredAmount, res.StakeType, res.WinnerReactionMS),
			URL:   battleURL(battleID),
			Extra: map[string]any{"battle_id": battleID, "outcome": "win", "reaction_ms": res.WinnerReactionMS},
		},
	})
	s.enqueue(ctx, notify.Intent{
		UserID:    res.LoserID,
		Type:      event.BattleResolved,
		DedupeKey: battleID + "_resolved_loser",
		Payload: notify.Payload{
			Title: "Defeated",
			Body:  fmt.Sprintf("You lost %d %s. Your %dms was beaten by %dms.", res.TransferredAmount, res.StakeType, res.LoserReactionMS, res.WinnerReactionMS),
			URL:   battleURL(battleID),
			Extra: map[string]any{"battle_id": battleID, "outcome": "loss", "reaction_ms": res.LoserReactionMS},
		},
	})
}

func (s *Service) audit(ctx context.Context, entry AuditEntry, now time.Time) {
	entry.ID = s.newID()
	entry.CreatedAt = now
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		s.log.Error("audit append failed", "battle_id", entry.BattleID, "event_type", entry.EventType, "err", err)
	}
}

func (s *Service) enqueue(ctx context.Context, in notify.Intent) {
	if err := in.Validate(); err != nil {
		s.log.Error("notification intent rejected", "dedupe_key", in.DedupeKey, "err", err)
		return
	}
	inserted, err := s.store.EnqueueNotification(ctx, in)
	if err != nil {
		s.log.Error("notification enqueue failed", "dedupe_key", in.DedupeKey, "user_id", in.UserID, "err", err)
		return
	}
	if !inserted {
		s.log.Debug("notification already enqueued", "dedupe_key", in.DedupeKey)
	}
}

func battleURL(battleID string) string {
	return "/battles/" + battleID
}
