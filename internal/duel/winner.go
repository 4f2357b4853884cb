package duel

import "time"

type outcome struct {
	winnerID         string
	loserID          string
	winnerRole       Role
	winnerReactionMS int64
	loserReactionMS  int64
}

// decideWinner picks the strictly faster reaction. Equal reaction times fall
// back to the earlier raw tap, then to the smaller user id, so the result
// never depends on argument order. Both reaction times must be present.
func decideWinner(b Battle) outcome {
	creatorMS := *b.CreatorReactionMS
	opponentMS := *b.OpponentReactionMS

	var creatorWins bool
	switch {
	case creatorMS < opponentMS:
		creatorWins = true
	case creatorMS > opponentMS:
		creatorWins = false
	case tappedEarlier(b.CreatorTappedAt, b.OpponentTappedAt):
		creatorWins = true
	case tappedEarlier(b.OpponentTappedAt, b.CreatorTappedAt):
		creatorWins = false
	default:
		creatorWins = b.CreatorID < b.OpponentID
	}

	if creatorWins {
		return outcome{
			winnerID:         b.CreatorID,
			loserID:          b.OpponentID,
			winnerRole:       RoleCreator,
			winnerReactionMS: creatorMS,
			loserReactionMS:  opponentMS,
		}
	}
	return outcome{
		winnerID:         b.OpponentID,
		loserID:          b.CreatorID,
		winnerRole:       RoleOpponent,
		winnerReactionMS: opponentMS,
		loserReactionMS:  creatorMS,
	}
}

func tappedEarlier(a, b *time.Time) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Before(*b)
}

// storedOutcome rebuilds the result of an already resolved battle.
func storedOutcome(b Battle) Result {
	res := Result{
		BattleID:          b.ID,
		WinnerID:          b.WinnerID,
		TransferredAmount: b.StakeAmount,
		StakeType:         b.StakeType,
	}
	creatorMS, opponentMS := int64(0), int64(0)
	if b.CreatorReactionMS != nil {
		creatorMS = *b.CreatorReactionMS
	}
	if b.OpponentReactionMS != nil {
		opponentMS = *b.OpponentReactionMS
	}
	switch b.WinnerID {
	case b.CreatorID:
		res.LoserID = b.OpponentID
		res.WinnerReactionMS, res.LoserReactionMS = creatorMS, opponentMS
	case b.OpponentID:
		res.LoserID = b.CreatorID
		res.WinnerReactionMS, res.LoserReactionMS = opponentMS, creatorMS
	}
	return res
}
