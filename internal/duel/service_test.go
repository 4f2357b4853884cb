package duel_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"reflexduel/internal/duel"
	"reflexduel/internal/event"
	"reflexduel/internal/notify"
	"reflexduel/internal/store/memory"
)

var fixedNow = time.Date(2026, 6, 1, 18, 30, 0, 0, time.UTC)

type capturePublisher struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *capturePublisher) Publish(ev event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *capturePublisher) Events() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.Event(nil), c.events...)
}

func reaction(v int64) *int64 { return &v }

func tappedBattle(id string, creatorMS, opponentMS int64) duel.Battle {
	return duel.Battle{
		ID:                 id,
		CreatorID:          "creator",
		OpponentID:         "opponent",
		Status:             duel.StatusActive,
		CreatorReactionMS:  reaction(creatorMS),
		OpponentReactionMS: reaction(opponentMS),
		StakeType:          "coins",
		StakeAmount:        75,
		Arena:              event.Anchor{Lat: 52.52, Lng: 13.405},
	}
}

func newService(store duel.Store, pub duel.Publisher) *duel.Service {
	return duel.NewService(store, pub, nil).WithClock(func() time.Time { return fixedNow })
}

func TestResolveScenarioA(t *testing.T) {
	store := memory.New()
	store.PutBattle(tappedBattle("B1", 320, 410))
	pub := &capturePublisher{}
	svc := newService(store, pub)

	res, err := svc.Resolve(context.Background(), "B1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.WinnerID != "creator" || res.LoserID != "opponent" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.WinnerReactionMS != 320 || res.LoserReactionMS != 410 || res.TransferredAmount != 75 {
		t.Fatalf("unexpected result numbers: %+v", res)
	}

	transfers := store.Transfers()
	if len(transfers) != 1 {
		t.Fatalf("transfers=%d want 1", len(transfers))
	}
	tr := transfers[0]
	if tr.FromUserID != "opponent" || tr.ToUserID != "creator" || tr.Amount != 75 || tr.Type != "coins" {
		t.Fatalf("unexpected transfer: %+v", tr)
	}

	b, err := store.GetBattle(context.Background(), "B1")
	if err != nil {
		t.Fatalf("get battle: %v", err)
	}
	if b.Status != duel.StatusResolved || b.WinnerID != "creator" || !b.CreatorWon || b.OpponentWon {
		t.Fatalf("battle not settled correctly: %+v", b)
	}
	if b.ResolvedAt == nil || !b.ResolvedAt.Equal(fixedNow) {
		t.Fatalf("resolved_at=%v want %v", b.ResolvedAt, fixedNow)
	}

	loser, _ := store.GetGhostMode(context.Background(), "opponent")
	if loser.ConsecutiveLosses != 1 {
		t.Fatalf("loser losses=%d want 1", loser.ConsecutiveLosses)
	}

	outbox := store.Outbox()
	keys := map[string]string{}
	for _, row := range outbox {
		keys[row.DedupeKey] = row.UserID
	}
	if len(outbox) != 2 || keys["B1_resolved_winner"] != "creator" || keys["B1_resolved_loser"] != "opponent" {
		t.Fatalf("unexpected outbox rows: %+v", outbox)
	}

	if n := len(store.AuditEntries()); n != 1 {
		t.Fatalf("audit entries=%d want 1", n)
	}

	events := pub.Events()
	if len(events) != 1 || events[0].Type != event.BattleResolved || events[0].WinnerID != "creator" {
		t.Fatalf("unexpected realtime events: %+v", events)
	}
}

func TestResolveConcurrentCallsSettleOnce(t *testing.T) {
	store := memory.New()
	store.PutBattle(tappedBattle("race", 280, 281))
	svc := newService(store, nil)

	const callers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		already   int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Resolve(context.Background(), "race")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, duel.ErrAlreadyResolved):
				already++
				if res.WinnerID != "creator" {
					t.Errorf("already-resolved result lost the winner: %+v", res)
				}
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 || already != callers-1 {
		t.Fatalf("succeeded=%d already=%d", succeeded, already)
	}
	if n := len(store.Transfers()); n != 1 {
		t.Fatalf("transfers=%d want 1", n)
	}
	if n := len(store.AuditEntries()); n != 1 {
		t.Fatalf("audit entries=%d want 1", n)
	}
	if n := len(store.Outbox()); n != 2 {
		t.Fatalf("outbox rows=%d want 2", n)
	}
}

func TestResolveErrors(t *testing.T) {
	store := memory.New()
	half := tappedBattle("half", 300, 0)
	half.OpponentReactionMS = nil
	store.PutBattle(half)
	svc := newService(store, nil)

	tests := []struct {
		id   string
		want error
	}{
		{id: "", want: duel.ErrValidation},
		{id: "bad id!", want: duel.ErrValidation},
		{id: "missing", want: duel.ErrNotFound},
		{id: "half", want: duel.ErrIncomplete},
	}
	for _, tc := range tests {
		_, err := svc.Resolve(context.Background(), tc.id)
		if !errors.Is(err, tc.want) {
			t.Fatalf("resolve(%q) err=%v want %v", tc.id, err, tc.want)
		}
	}
	if n := len(store.Transfers()); n != 0 {
		t.Fatalf("no transfer expected, got %d", n)
	}
}

func TestResolveTwiceIsIdempotent(t *testing.T) {
	store := memory.New()
	store.PutBattle(tappedBattle("again", 410, 320))
	svc := newService(store, nil)

	first, err := svc.Resolve(context.Background(), "again")
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	second, err := svc.Resolve(context.Background(), "again")
	if !errors.Is(err, duel.ErrAlreadyResolved) {
		t.Fatalf("second resolve err=%v want ErrAlreadyResolved", err)
	}
	if second != first {
		t.Fatalf("stored outcome %+v differs from first %+v", second, first)
	}
	loser, _ := store.GetGhostMode(context.Background(), "creator")
	if loser.ConsecutiveLosses != 1 {
		t.Fatalf("loss counted %d times", loser.ConsecutiveLosses)
	}
}

type flakyStore struct {
	*memory.Store
	settleErr  error
	auditErr   error
	enqueueErr error
	ghostErr   error
}

func (f *flakyStore) Settle(ctx context.Context, s duel.Settlement) error {
	if f.settleErr != nil {
		return f.settleErr
	}
	return f.Store.Settle(ctx, s)
}

func (f *flakyStore) AppendAudit(ctx context.Context, e duel.AuditEntry) error {
	if f.auditErr != nil {
		return f.auditErr
	}
	return f.Store.AppendAudit(ctx, e)
}

func (f *flakyStore) EnqueueNotification(ctx context.Context, in notify.Intent) (bool, error) {
	if f.enqueueErr != nil {
		return false, f.enqueueErr
	}
	return f.Store.EnqueueNotification(ctx, in)
}

func (f *flakyStore) UpdateGhostMode(ctx context.Context, userID string, fn func(duel.GhostMode) duel.GhostMode) (duel.GhostMode, error) {
	if f.ghostErr != nil {
		return duel.GhostMode{}, f.ghostErr
	}
	return f.Store.UpdateGhostMode(ctx, userID, fn)
}

func TestResolveSettlementFailureIsFatal(t *testing.T) {
	mem := memory.New()
	mem.PutBattle(tappedBattle("boom", 300, 400))
	boom := errors.New("connection reset")
	svc := newService(&flakyStore{Store: mem, settleErr: boom}, nil)

	_, err := svc.Resolve(context.Background(), "boom")
	var terr *duel.TransferError
	if !errors.As(err, &terr) || !errors.Is(err, boom) {
		t.Fatalf("err=%v want TransferError wrapping cause", err)
	}
	if n := len(mem.Outbox()); n != 0 {
		t.Fatalf("no notifications expected after failed settlement, got %d", n)
	}

	// The retry after recovery settles normally.
	svc = newService(mem, nil)
	if _, err := svc.Resolve(context.Background(), "boom"); err != nil {
		t.Fatalf("retry resolve: %v", err)
	}
}

func TestResolvePostSettlementFailuresKeepTransfer(t *testing.T) {
	mem := memory.New()
	mem.PutBattle(tappedBattle("post", 300, 400))
	broken := errors.New("downstream unavailable")
	svc := newService(&flakyStore{Store: mem, auditErr: broken, enqueueErr: broken, ghostErr: broken}, nil)

	res, err := svc.Resolve(context.Background(), "post")
	if err != nil {
		t.Fatalf("post-settlement failures must not fail resolve: %v", err)
	}
	if res.WinnerID != "creator" {
		t.Fatalf("winner=%q", res.WinnerID)
	}
	if n := len(mem.Transfers()); n != 1 {
		t.Fatalf("transfer rolled back: %d", n)
	}
}

func TestResolveRetryRestoresLostNotifications(t *testing.T) {
	mem := memory.New()
	mem.PutBattle(tappedBattle("B1", 300, 400))
	broken := errors.New("outbox unavailable")

	if _, err := newService(&flakyStore{Store: mem, enqueueErr: broken}, nil).Resolve(context.Background(), "B1"); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if n := len(mem.Outbox()); n != 0 {
		t.Fatalf("outbox rows=%d want 0 while enqueue is failing", n)
	}

	svc := newService(mem, nil)
	res, err := svc.Resolve(context.Background(), "B1")
	if !errors.Is(err, duel.ErrAlreadyResolved) {
		t.Fatalf("retry err=%v want ErrAlreadyResolved", err)
	}
	if res.WinnerID != "creator" || res.LoserID != "opponent" {
		t.Fatalf("retry result: %+v", res)
	}
	keys := map[string]string{}
	for _, row := range mem.Outbox() {
		keys[row.DedupeKey] = row.UserID
	}
	if len(keys) != 2 || keys["B1_resolved_winner"] != "creator" || keys["B1_resolved_loser"] != "opponent" {
		t.Fatalf("outcome rows not restored: %+v", keys)
	}

	// Further retries stay deduplicated and never recount the loss.
	if _, err := svc.Resolve(context.Background(), "B1"); !errors.Is(err, duel.ErrAlreadyResolved) {
		t.Fatalf("third resolve err=%v", err)
	}
	if n := len(mem.Outbox()); n != 2 {
		t.Fatalf("outbox rows=%d want 2", n)
	}
	loser, _ := mem.GetGhostMode(context.Background(), "opponent")
	if loser.ConsecutiveLosses != 1 {
		t.Fatalf("loss counted %d times", loser.ConsecutiveLosses)
	}
	if n := len(mem.AuditEntries()); n != 1 {
		t.Fatalf("audit entries=%d want 1", n)
	}
}

func TestResolveResetsWinnerGhostMode(t *testing.T) {
	store := memory.New()
	until := fixedNow.Add(12 * time.Hour)
	store.PutGhostMode(duel.GhostMode{UserID: "creator", ConsecutiveLosses: 4, GhostActive: true, GhostUntil: &until})
	store.PutGhostMode(duel.GhostMode{UserID: "opponent", ConsecutiveLosses: 2})
	store.PutBattle(tappedBattle("comeback", 200, 600))
	svc := newService(store, nil)

	if _, err := svc.Resolve(context.Background(), "comeback"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	winner, _ := store.GetGhostMode(context.Background(), "creator")
	if winner.ConsecutiveLosses != 0 || winner.GhostActive || winner.GhostUntil != nil {
		t.Fatalf("winner ghost not reset: %+v", winner)
	}
	loser, _ := store.GetGhostMode(context.Background(), "opponent")
	if loser.ConsecutiveLosses != 3 || !loser.GhostActive || !loser.GhostUntil.Equal(fixedNow.Add(24*time.Hour)) {
		t.Fatalf("loser ghost not armed: %+v", loser)
	}
}

func TestAdvanceToCountdownCuesBothSides(t *testing.T) {
	store := memory.New()
	b := tappedBattle("cue", 0, 0)
	b.Status = duel.StatusAccepted
	b.CreatorReactionMS, b.OpponentReactionMS = nil, nil
	store.PutBattle(b)
	pub := &capturePublisher{}
	svc := newService(store, pub)

	got, err := svc.Advance(context.Background(), "cue", "creator", duel.StatusCountdown)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got.Status != duel.StatusCountdown {
		t.Fatalf("status=%s", got.Status)
	}
	// A repeated cue must not duplicate notifications.
	if _, err := svc.Advance(context.Background(), "cue", "creator", duel.StatusCountdown); !errors.Is(err, duel.ErrInvalidTransition) {
		t.Fatalf("repeat advance err=%v", err)
	}

	byKey := map[string]notify.Row{}
	for _, row := range store.Outbox() {
		byKey[row.DedupeKey] = row
	}
	if row := byKey["cue_attack_started"]; row.UserID != "creator" || row.Type != event.AttackStarted {
		t.Fatalf("attack cue missing: %+v", row)
	}
	if row := byKey["cue_defense_needed"]; row.UserID != "opponent" || row.Type != event.DefenseNeeded {
		t.Fatalf("defense cue missing: %+v", row)
	}
	if n := len(pub.Events()); n != 2 {
		t.Fatalf("realtime events=%d want 2", n)
	}
}

func TestAdvanceRejectsOutsiders(t *testing.T) {
	store := memory.New()
	store.PutBattle(duel.Battle{ID: "p1", CreatorID: "creator", OpponentID: "opponent", Status: duel.StatusPending})
	svc := newService(store, nil)
	if _, err := svc.Advance(context.Background(), "p1", "mallory", duel.StatusAccepted); !errors.Is(err, duel.ErrNotParticipant) {
		t.Fatalf("err=%v want ErrNotParticipant", err)
	}
}

func TestRecordTapGuards(t *testing.T) {
	store := memory.New()
	store.PutBattle(duel.Battle{ID: "tap", CreatorID: "creator", OpponentID: "opponent", Status: duel.StatusActive, StakeType: "coins", StakeAmount: 5})
	svc := newService(store, nil)
	ctx := context.Background()

	if _, err := svc.RecordTap(ctx, duel.TapInput{BattleID: "tap", UserID: "creator", ReactionMS: 0}); !errors.Is(err, duel.ErrValidation) {
		t.Fatalf("zero reaction err=%v", err)
	}
	if _, err := svc.RecordTap(ctx, duel.TapInput{BattleID: "tap", UserID: "mallory", ReactionMS: 200}); !errors.Is(err, duel.ErrNotParticipant) {
		t.Fatalf("outsider err=%v", err)
	}
	b, err := svc.RecordTap(ctx, duel.TapInput{BattleID: "tap", UserID: "creator", ReactionMS: 240})
	if err != nil {
		t.Fatalf("tap: %v", err)
	}
	if b.CreatorReactionMS == nil || *b.CreatorReactionMS != 240 || b.CreatorTappedAt == nil || !b.CreatorTappedAt.Equal(fixedNow) {
		t.Fatalf("tap not stored: %+v", b)
	}
	if _, err := svc.RecordTap(ctx, duel.TapInput{BattleID: "tap", UserID: "creator", ReactionMS: 100}); !errors.Is(err, duel.ErrAlreadyTapped) {
		t.Fatalf("second tap err=%v", err)
	}
	if _, err := svc.Resolve(ctx, "tap"); !errors.Is(err, duel.ErrIncomplete) {
		t.Fatalf("resolve with one tap err=%v", err)
	}
	if _, err := svc.RecordTap(ctx, duel.TapInput{BattleID: "tap", UserID: "opponent", ReactionMS: 260}); err != nil {
		t.Fatalf("opponent tap: %v", err)
	}
	res, err := svc.Resolve(ctx, "tap")
	if err != nil || res.WinnerID != "creator" {
		t.Fatalf("resolve res=%+v err=%v", res, err)
	}
	if _, err := svc.RecordTap(ctx, duel.TapInput{BattleID: "tap", UserID: "opponent", ReactionMS: 100}); !errors.Is(err, duel.ErrNotActive) {
		t.Fatalf("tap after resolve err=%v", err)
	}
}
