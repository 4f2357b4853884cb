package duel

import (
	"testing"
	"time"
)

func ms(v int64) *int64 { return &v }

func at(t time.Time) *time.Time { return &t }

func TestDecideWinner(t *testing.T) {
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		battle Battle
		want   string
	}{
		{
			name:   "creator faster",
			battle: Battle{CreatorID: "alice", OpponentID: "bob", CreatorReactionMS: ms(320), OpponentReactionMS: ms(410)},
			want:   "alice",
		},
		{
			name:   "opponent faster",
			battle: Battle{CreatorID: "alice", OpponentID: "bob", CreatorReactionMS: ms(500), OpponentReactionMS: ms(499)},
			want:   "bob",
		},
		{
			name: "tie broken by earlier tap",
			battle: Battle{
				CreatorID: "alice", OpponentID: "bob",
				CreatorReactionMS: ms(300), OpponentReactionMS: ms(300),
				CreatorTappedAt: at(base.Add(5 * time.Millisecond)), OpponentTappedAt: at(base),
			},
			want: "bob",
		},
		{
			name: "full tie broken by smaller user id",
			battle: Battle{
				CreatorID: "zed", OpponentID: "amy",
				CreatorReactionMS: ms(300), OpponentReactionMS: ms(300),
				CreatorTappedAt: at(base), OpponentTappedAt: at(base),
			},
			want: "amy",
		},
		{
			name:   "tie without tap stamps",
			battle: Battle{CreatorID: "amy", OpponentID: "zed", CreatorReactionMS: ms(250), OpponentReactionMS: ms(250)},
			want:   "amy",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := decideWinner(tc.battle)
			if got.winnerID != tc.want {
				t.Fatalf("winner=%q want %q", got.winnerID, tc.want)
			}
			if got.winnerReactionMS > got.loserReactionMS {
				t.Fatalf("winner reaction %d slower than loser %d", got.winnerReactionMS, got.loserReactionMS)
			}
		})
	}
}

func TestStatusCanAdvanceTo(t *testing.T) {
	if !StatusPending.CanAdvanceTo(StatusAccepted) || !StatusAccepted.CanAdvanceTo(StatusActive) {
		t.Fatalf("forward steps must be allowed")
	}
	if StatusActive.CanAdvanceTo(StatusCountdown) {
		t.Fatalf("backward steps must be rejected")
	}
	if StatusActive.CanAdvanceTo(StatusResolved) {
		t.Fatalf("resolution is not a plain advance")
	}
	if StatusResolved.CanAdvanceTo(StatusActive) {
		t.Fatalf("resolved is terminal")
	}
}

func TestValidateBattleID(t *testing.T) {
	for _, id := range []string{"B1", "b_2-x", "0f8fad5b-d9cb-469f-a165-70867728950e"} {
		if err := ValidateBattleID(id); err != nil {
			t.Fatalf("expected %q to be valid: %v", id, err)
		}
	}
	for _, id := range []string{"", "has space", "semi;colon", string(make([]byte, 65))} {
		if err := ValidateBattleID(id); err == nil {
			t.Fatalf("expected %q to be rejected", id)
		}
	}
}
