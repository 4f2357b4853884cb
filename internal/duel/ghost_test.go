package duel

import (
	"testing"
	"time"
)

func TestGhostModeArmsOnThirdLoss(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := GhostMode{UserID: "u1", ConsecutiveLosses: 2}

	got := g.OnLoss(now)
	if got.ConsecutiveLosses != 3 {
		t.Fatalf("losses=%d want 3", got.ConsecutiveLosses)
	}
	if !got.GhostActive {
		t.Fatalf("expected ghost mode to be active")
	}
	if got.GhostUntil == nil || !got.GhostUntil.Equal(now.Add(24*time.Hour)) {
		t.Fatalf("ghost_until=%v want %v", got.GhostUntil, now.Add(24*time.Hour))
	}
	if !got.InForce(now.Add(time.Hour)) {
		t.Fatalf("expected penalty in force one hour later")
	}
	if got.InForce(now.Add(25 * time.Hour)) {
		t.Fatalf("penalty must self-expire after ghost_until")
	}
}

func TestGhostModeBelowThreshold(t *testing.T) {
	now := time.Now().UTC()
	g := GhostMode{}
	for i := 1; i < GhostLossThreshold; i++ {
		g = g.OnLoss(now)
		if g.GhostActive || g.GhostUntil != nil {
			t.Fatalf("loss %d armed ghost mode early", i)
		}
	}
	if g.LastLossAt == nil || !g.LastLossAt.Equal(now) {
		t.Fatalf("last_loss_at not recorded")
	}
}

func TestGhostModeDoesNotExtendRunningPenalty(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := GhostMode{ConsecutiveLosses: 2}.OnLoss(start)
	firstUntil := *g.GhostUntil

	g = g.OnLoss(start.Add(2 * time.Hour))
	if g.ConsecutiveLosses != 4 {
		t.Fatalf("losses=%d want 4", g.ConsecutiveLosses)
	}
	if !g.GhostUntil.Equal(firstUntil) {
		t.Fatalf("ghost_until extended from %v to %v", firstUntil, *g.GhostUntil)
	}
}

func TestGhostModeRearmsAfterExpiry(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := GhostMode{ConsecutiveLosses: 2}.OnLoss(start)

	later := start.Add(48 * time.Hour)
	g = g.OnLoss(later)
	if !g.InForce(later) {
		t.Fatalf("expected a new penalty after the previous one expired")
	}
	if !g.GhostUntil.Equal(later.Add(GhostDuration)) {
		t.Fatalf("ghost_until=%v want %v", *g.GhostUntil, later.Add(GhostDuration))
	}
}

func TestGhostModeWinResetsEverything(t *testing.T) {
	now := time.Now().UTC()
	until := now.Add(10 * time.Hour)
	cases := []GhostMode{
		{},
		{ConsecutiveLosses: 2},
		{ConsecutiveLosses: 5, GhostActive: true, GhostUntil: &until},
	}
	for _, g := range cases {
		got := g.OnWin(now)
		if got.ConsecutiveLosses != 0 || got.GhostActive || got.GhostUntil != nil {
			t.Fatalf("win did not reset %+v -> %+v", g, got)
		}
		if got.InForce(now) {
			t.Fatalf("penalty still in force after a win")
		}
	}
}
