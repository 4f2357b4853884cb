package duel

import "time"

// InForce reports whether the ghost penalty currently applies. There is no
// sweep job, so the flag alone is not enough: ghost_until must still be ahead.
func (g GhostMode) InForce(now time.Time) bool {
	return g.GhostActive && g.GhostUntil != nil && now.Before(*g.GhostUntil)
}

// OnLoss records one more consecutive loss and arms ghost mode once the
// streak reaches the threshold. An already running penalty is not extended.
func (g GhostMode) OnLoss(now time.Time) GhostMode {
	g.ConsecutiveLosses++
	lossAt := now
	g.LastLossAt = &lossAt
	if g.ConsecutiveLosses >= GhostLossThreshold && !g.InForce(now) {
		until := now.Add(GhostDuration)
		g.GhostActive = true
		g.GhostUntil = &until
	}
	g.UpdatedAt = now
	return g
}

// OnWin clears the streak and any penalty unconditionally.
func (g GhostMode) OnWin(now time.Time) GhostMode {
	g.ConsecutiveLosses = 0
	g.GhostActive = false
	g.GhostUntil = nil
	g.UpdatedAt = now
	return g
}
