package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"reflexduel/internal/db"
	"reflexduel/internal/duel"
	"reflexduel/internal/event"
	"reflexduel/internal/notify"

	"github.com/google/uuid"
)

// openTestStore connects to DUEL_TEST_DATABASE_URL or skips.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("DUEL_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("DUEL_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.Connect(ctx, url, db.DispatcherPool)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	s := New(pool, nil)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func seedTappedBattle(t *testing.T, s *Store, creatorMS, opponentMS int64) duel.Battle {
	t.Helper()
	ctx := context.Background()
	b := duel.Battle{
		ID:          "pg-" + uuid.NewString()[:8],
		CreatorID:   "creator-" + uuid.NewString()[:8],
		OpponentID:  "opponent-" + uuid.NewString()[:8],
		Status:      duel.StatusActive,
		StakeType:   "coins",
		StakeAmount: 50,
	}
	if err := s.InsertBattle(ctx, b); err != nil {
		t.Fatalf("insert battle: %v", err)
	}
	now := time.Now().UTC()
	if _, err := s.RecordTap(ctx, duel.Tap{BattleID: b.ID, UserID: b.CreatorID, Role: duel.RoleCreator, TappedAt: now, ReactionMS: creatorMS}); err != nil {
		t.Fatalf("creator tap: %v", err)
	}
	if _, err := s.RecordTap(ctx, duel.Tap{BattleID: b.ID, UserID: b.OpponentID, Role: duel.RoleOpponent, TappedAt: now, ReactionMS: opponentMS}); err != nil {
		t.Fatalf("opponent tap: %v", err)
	}
	return b
}

func TestConcurrentResolveSettlesOnce(t *testing.T) {
	s := openTestStore(t)
	b := seedTappedBattle(t, s, 320, 410)
	svc := duel.NewService(s, nil, nil)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		resolved int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Resolve(context.Background(), b.ID)
			if err == nil {
				mu.Lock()
				resolved++
				mu.Unlock()
				return
			}
			if !errors.Is(err, duel.ErrAlreadyResolved) {
				t.Errorf("unexpected resolve error: %v", err)
			}
		}()
	}
	wg.Wait()

	if resolved != 1 {
		t.Fatalf("resolved=%d want exactly 1", resolved)
	}
	tr, err := s.TransferForBattle(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("transfer lookup: %v", err)
	}
	if tr.Amount != b.StakeAmount || tr.ToUserID != b.CreatorID || tr.FromUserID != b.OpponentID {
		t.Fatalf("unexpected transfer: %+v", tr)
	}
	audit, err := s.AuditForBattle(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("audit lookup: %v", err)
	}
	if len(audit) != 1 {
		t.Fatalf("audit entries=%d want 1", len(audit))
	}
}

func TestEnqueueDedupesAndDispatchLockIsExclusive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := "pg-" + uuid.NewString() + "_resolved_winner"
	in := notify.Intent{
		UserID:    "u-" + uuid.NewString()[:8],
		Type:      event.BattleResolved,
		DedupeKey: key,
		Payload:   notify.Payload{Title: "t", Body: "b"},
	}
	first, err := s.EnqueueNotification(ctx, in)
	if err != nil || !first {
		t.Fatalf("first enqueue inserted=%v err=%v", first, err)
	}
	second, err := s.EnqueueNotification(ctx, in)
	if err != nil || second {
		t.Fatalf("second enqueue inserted=%v err=%v", second, err)
	}

	release, ok, err := s.TryDispatchLock(ctx)
	if err != nil || !ok {
		t.Fatalf("first lock ok=%v err=%v", ok, err)
	}
	_, ok2, err := s.TryDispatchLock(ctx)
	if err != nil {
		t.Fatalf("second lock err=%v", err)
	}
	if ok2 {
		t.Fatalf("second lock must fail while the first is held")
	}
	release()
}

func TestDeferredOutboxRowsLeaveThePendingSet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	user := "u-" + uuid.NewString()[:8]
	key := "pg-" + uuid.NewString() + "_defense_needed"
	if _, err := s.EnqueueNotification(ctx, notify.Intent{
		UserID:    user,
		Type:      event.DefenseNeeded,
		DedupeKey: key,
		Payload:   notify.Payload{Title: "t", Body: "b"},
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	find := func(now time.Time) (notify.Row, bool) {
		rows, err := s.PendingNotifications(ctx, now, 10000)
		if err != nil {
			t.Fatalf("pending: %v", err)
		}
		for _, r := range rows {
			if r.DedupeKey == key {
				return r, true
			}
		}
		return notify.Row{}, false
	}

	now := time.Now().UTC().Add(time.Second)
	row, ok := find(now)
	if !ok || row.Attempts != 0 {
		t.Fatalf("fresh row pending=%v attempts=%d", ok, row.Attempts)
	}
	next := now.Add(time.Hour)
	if err := s.DeferNotifications(ctx, []string{row.ID}, next); err != nil {
		t.Fatalf("defer: %v", err)
	}
	if _, ok := find(now); ok {
		t.Fatalf("deferred row still pending before its retry time")
	}
	row, ok = find(next)
	if !ok || row.Attempts != 1 {
		t.Fatalf("deferred row pending=%v attempts=%d at retry time", ok, row.Attempts)
	}
}
