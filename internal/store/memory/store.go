// Package memory is an in-process store with the same guard semantics as the
// Postgres store. It backs the service tests and local runs without a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"reflexduel/internal/duel"
	"reflexduel/internal/notify"

	"github.com/google/uuid"
)

type Store struct {
	mu        sync.Mutex
	battles   map[string]duel.Battle
	transfers map[string]duel.Transfer
	ghosts    map[string]duel.GhostMode
	audit     []duel.AuditEntry
	outbox    []notify.Row
	dedupe    map[string]struct{}

	dispatch sync.Mutex
	clock    func() time.Time
}

func New() *Store {
	return &Store{
		battles:   make(map[string]duel.Battle),
		transfers: make(map[string]duel.Transfer),
		ghosts:    make(map[string]duel.GhostMode),
		dedupe:    make(map[string]struct{}),
		clock:     time.Now,
	}
}

// WithClock pins created_at stamps for outbox rows.
func (s *Store) WithClock(clock func() time.Time) *Store {
	if clock != nil {
		s.clock = clock
	}
	return s
}

// PutBattle inserts or replaces a battle as the upstream pairing flow would.
func (s *Store) PutBattle(b duel.Battle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.Status == "" {
		b.Status = duel.StatusPending
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.clock().UTC()
	}
	s.battles[b.ID] = b
}

func (s *Store) PutGhostMode(g duel.GhostMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ghosts[g.UserID] = g
}

func (s *Store) Transfers() []duel.Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]duel.Transfer, 0, len(s.transfers))
	for _, t := range s.transfers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BattleID < out[j].BattleID })
	return out
}

func (s *Store) AuditEntries() []duel.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]duel.AuditEntry(nil), s.audit...)
}

// HasGhostRow reports whether a ghost-mode row exists for userID.
func (s *Store) HasGhostRow(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ghosts[userID]
	return ok
}

func (s *Store) Outbox() []notify.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Row(nil), s.outbox...)
}

// AppendOutboxRow adds a raw row, bypassing intent validation.
func (s *Store) AppendOutboxRow(row notify.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.clock().UTC()
	}
	if row.DedupeKey != "" {
		s.dedupe[row.DedupeKey] = struct{}{}
	}
	s.outbox = append(s.outbox, row)
}

func (s *Store) GetBattle(_ context.Context, battleID string) (duel.Battle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.battles[battleID]
	if !ok {
		return duel.Battle{}, duel.ErrNotFound
	}
	return b, nil
}

func (s *Store) ActiveBattleForUser(_ context.Context, userID string) (duel.Battle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		best  duel.Battle
		found bool
	)
	for _, b := range s.battles {
		if b.Status == duel.StatusResolved {
			continue
		}
		if b.CreatorID != userID && b.OpponentID != userID {
			continue
		}
		if !found || b.CreatedAt.After(best.CreatedAt) {
			best = b
			found = true
		}
	}
	if !found {
		return duel.Battle{}, duel.ErrNotFound
	}
	return best, nil
}

func (s *Store) AdvanceBattle(_ context.Context, battleID string, from, to duel.Status) (duel.Battle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.battles[battleID]
	if !ok {
		return duel.Battle{}, duel.ErrNotFound
	}
	if b.Status != from {
		return duel.Battle{}, duel.ErrStaleState
	}
	b.Status = to
	s.battles[battleID] = b
	return b, nil
}

func (s *Store) RecordTap(_ context.Context, tap duel.Tap) (duel.Battle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.battles[tap.BattleID]
	if !ok {
		return duel.Battle{}, duel.ErrNotFound
	}
	if b.Status != duel.StatusActive {
		return duel.Battle{}, duel.ErrNotActive
	}
	at := tap.TappedAt
	ms := tap.ReactionMS
	switch tap.Role {
	case duel.RoleCreator:
		if b.CreatorReactionMS != nil {
			return duel.Battle{}, duel.ErrAlreadyTapped
		}
		b.CreatorTappedAt, b.CreatorReactionMS = &at, &ms
	case duel.RoleOpponent:
		if b.OpponentReactionMS != nil {
			return duel.Battle{}, duel.ErrAlreadyTapped
		}
		b.OpponentTappedAt, b.OpponentReactionMS = &at, &ms
	default:
		return duel.Battle{}, duel.ErrNotParticipant
	}
	s.battles[tap.BattleID] = b
	return b, nil
}

func (s *Store) Settle(_ context.Context, st duel.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.battles[st.BattleID]
	if !ok {
		return duel.ErrNotFound
	}
	if b.Status == duel.StatusResolved {
		return duel.ErrAlreadyResolved
	}
	if _, exists := s.transfers[st.BattleID]; exists {
		return duel.ErrAlreadyResolved
	}
	if !b.BothTapped() {
		return duel.ErrIncomplete
	}

	resolvedAt := st.ResolvedAt
	b.Status = duel.StatusResolved
	b.WinnerID = st.WinnerID
	b.ResolvedAt = &resolvedAt
	b.CreatorWon = st.WinnerRole == duel.RoleCreator
	b.OpponentWon = st.WinnerRole == duel.RoleOpponent
	s.battles[st.BattleID] = b
	s.transfers[st.BattleID] = st.Transfer
	return nil
}

func (s *Store) UpdateGhostMode(_ context.Context, userID string, fn func(duel.GhostMode) duel.GhostMode) (duel.GhostMode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.ghosts[userID]
	if !ok {
		g = duel.GhostMode{UserID: userID}
	}
	next := fn(g)
	next.UserID = userID
	if next.ConsecutiveLosses < 0 {
		return g, fmt.Errorf("ghost mode for %s: negative loss streak", userID)
	}
	// Rows are created lazily: a never-seen user left in the zero state is
	// not stored.
	if !ok && next.ConsecutiveLosses == 0 && !next.GhostActive {
		return next, nil
	}
	s.ghosts[userID] = next
	return next, nil
}

func (s *Store) GetGhostMode(_ context.Context, userID string) (duel.GhostMode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.ghosts[userID]
	if !ok {
		return duel.GhostMode{UserID: userID}, nil
	}
	return g, nil
}

func (s *Store) AppendAudit(_ context.Context, entry duel.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
	return nil
}

func (s *Store) EnqueueNotification(_ context.Context, in notify.Intent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.dedupe[in.DedupeKey]; dup {
		return false, nil
	}
	s.dedupe[in.DedupeKey] = struct{}{}
	s.outbox = append(s.outbox, notify.Row{
		ID:        uuid.NewString(),
		UserID:    in.UserID,
		Type:      in.Type,
		Payload:   in.Payload,
		DedupeKey: in.DedupeKey,
		CreatedAt: s.clock().UTC(),
	})
	return true, nil
}

func (s *Store) PendingNotifications(_ context.Context, now time.Time, limit int) ([]notify.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := make([]notify.Row, 0, limit)
	for _, r := range s.outbox {
		if !r.Consumed && r.Due(now) {
			pending = append(pending, r)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *Store) MarkConsumed(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	for i := range s.outbox {
		if _, ok := want[s.outbox[i].ID]; ok {
			s.outbox[i].Consumed = true
		}
	}
	return nil
}

func (s *Store) DeferNotifications(_ context.Context, ids []string, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	for i := range s.outbox {
		if _, ok := want[s.outbox[i].ID]; ok && !s.outbox[i].Consumed {
			s.outbox[i].Attempts++
			s.outbox[i].NextAttemptAt = next
		}
	}
	return nil
}

func (s *Store) TryDispatchLock(_ context.Context) (func(), bool, error) {
	if !s.dispatch.TryLock() {
		return nil, false, nil
	}
	return s.dispatch.Unlock, true, nil
}
