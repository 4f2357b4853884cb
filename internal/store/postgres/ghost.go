package postgres

import (
	"context"

	"reflexduel/internal/duel"

	"github.com/jackc/pgx/v5"
)

const ghostColumns = `user_id, consecutive_losses, ghost_active, ghost_until, last_loss_at, updated_at`

func scanGhost(row pgx.Row) (duel.GhostMode, error) {
	var g duel.GhostMode
	err := row.Scan(&g.UserID, &g.ConsecutiveLosses, &g.GhostActive, &g.GhostUntil, &g.LastLossAt, &g.UpdatedAt)
	return g, err
}

func (s *Store) GetGhostMode(ctx context.Context, userID string) (duel.GhostMode, error) {
	g, err := scanGhost(s.db.QueryRow(ctx, `SELECT `+ghostColumns+` FROM duel.ghost_modes WHERE user_id = $1`, userID))
	if err == pgx.ErrNoRows {
		return duel.GhostMode{UserID: userID}, nil
	}
	return g, err
}

// UpdateGhostMode applies fn to the row under FOR UPDATE. Rows are created
// lazily: a transition that leaves a never-seen user in the zero state is
// not persisted.
func (s *Store) UpdateGhostMode(ctx context.Context, userID string, fn func(duel.GhostMode) duel.GhostMode) (duel.GhostMode, error) {
	var out duel.GhostMode
	err := s.inTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		lockQuery := `SELECT ` + ghostColumns + ` FROM duel.ghost_modes WHERE user_id = $1 FOR UPDATE`
		current, err := scanGhost(tx.QueryRow(ctx, lockQuery, userID))
		if err == pgx.ErrNoRows {
			initial := fn(duel.GhostMode{UserID: userID})
			if initial.ConsecutiveLosses == 0 && !initial.GhostActive {
				out = initial
				out.UserID = userID
				return nil
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO duel.ghost_modes (user_id) VALUES ($1)
				ON CONFLICT (user_id) DO NOTHING
			`, userID); err != nil {
				return err
			}
			current, err = scanGhost(tx.QueryRow(ctx, lockQuery, userID))
		}
		if err != nil {
			return err
		}

		next := fn(current)
		_, err = tx.Exec(ctx, `
			UPDATE duel.ghost_modes
			SET consecutive_losses = $2,
			    ghost_active = $3,
			    ghost_until = $4,
			    last_loss_at = $5,
			    updated_at = now()
			WHERE user_id = $1
		`, userID, next.ConsecutiveLosses, next.GhostActive, next.GhostUntil, next.LastLossAt)
		if err != nil {
			return err
		}
		out = next
		out.UserID = userID
		return nil
	})
	return out, err
}
