package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"reflexduel/internal/duel"

	"github.com/jackc/pgx/v5"
)

const battleColumns = `
	id, creator_id, opponent_id, status,
	creator_tapped_at, opponent_tapped_at,
	creator_reaction_ms, opponent_reaction_ms,
	stake_type, stake_amount, winner_id, resolved_at,
	creator_won, opponent_won, arena_lat, arena_lng, created_at`

func scanBattle(row pgx.Row) (duel.Battle, error) {
	var (
		b        duel.Battle
		status   string
		winnerID *string
	)
	err := row.Scan(
		&b.ID, &b.CreatorID, &b.OpponentID, &status,
		&b.CreatorTappedAt, &b.OpponentTappedAt,
		&b.CreatorReactionMS, &b.OpponentReactionMS,
		&b.StakeType, &b.StakeAmount, &winnerID, &b.ResolvedAt,
		&b.CreatorWon, &b.OpponentWon, &b.Arena.Lat, &b.Arena.Lng, &b.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return duel.Battle{}, duel.ErrNotFound
		}
		return duel.Battle{}, err
	}
	b.Status = duel.Status(status)
	if winnerID != nil {
		b.WinnerID = *winnerID
	}
	return b, nil
}

// InsertBattle stores a battle created by the upstream pairing flow.
func (s *Store) InsertBattle(ctx context.Context, b duel.Battle) error {
	if b.Status == "" {
		b.Status = duel.StatusPending
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO duel.battles (id, creator_id, opponent_id, status, stake_type, stake_amount, arena_lat, arena_lng)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, b.ID, b.CreatorID, b.OpponentID, string(b.Status), b.StakeType, b.StakeAmount, b.Arena.Lat, b.Arena.Lng)
	return err
}

func (s *Store) GetBattle(ctx context.Context, battleID string) (duel.Battle, error) {
	return scanBattle(s.db.QueryRow(ctx, `SELECT `+battleColumns+` FROM duel.battles WHERE id = $1`, battleID))
}

func (s *Store) ActiveBattleForUser(ctx context.Context, userID string) (duel.Battle, error) {
	return scanBattle(s.db.QueryRow(ctx, `
		SELECT `+battleColumns+`
		FROM duel.battles
		WHERE status <> 'resolved' AND (creator_id = $1 OR opponent_id = $1)
		ORDER BY created_at DESC
		LIMIT 1
	`, userID))
}

func (s *Store) AdvanceBattle(ctx context.Context, battleID string, from, to duel.Status) (duel.Battle, error) {
	b, err := scanBattle(s.db.QueryRow(ctx, `
		UPDATE duel.battles
		SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING `+battleColumns,
		battleID, string(from), string(to)))
	if errors.Is(err, duel.ErrNotFound) {
		if _, getErr := s.GetBattle(ctx, battleID); getErr != nil {
			return duel.Battle{}, getErr
		}
		return duel.Battle{}, duel.ErrStaleState
	}
	return b, err
}

func (s *Store) RecordTap(ctx context.Context, tap duel.Tap) (duel.Battle, error) {
	var query string
	switch tap.Role {
	case duel.RoleCreator:
		query = `
			UPDATE duel.battles
			SET creator_tapped_at = $2, creator_reaction_ms = $3, updated_at = now()
			WHERE id = $1 AND status = 'active' AND creator_reaction_ms IS NULL
			RETURNING ` + battleColumns
	case duel.RoleOpponent:
		query = `
			UPDATE duel.battles
			SET opponent_tapped_at = $2, opponent_reaction_ms = $3, updated_at = now()
			WHERE id = $1 AND status = 'active' AND opponent_reaction_ms IS NULL
			RETURNING ` + battleColumns
	default:
		return duel.Battle{}, duel.ErrNotParticipant
	}

	b, err := scanBattle(s.db.QueryRow(ctx, query, tap.BattleID, tap.TappedAt, tap.ReactionMS))
	if !errors.Is(err, duel.ErrNotFound) {
		return b, err
	}
	current, getErr := s.GetBattle(ctx, tap.BattleID)
	if getErr != nil {
		return duel.Battle{}, getErr
	}
	if current.Status != duel.StatusActive {
		return duel.Battle{}, duel.ErrNotActive
	}
	return duel.Battle{}, duel.ErrAlreadyTapped
}

// Settle is the single serialization point of a battle. The conditional
// status update takes the row lock; a concurrent settle blocks on it and then
// matches zero rows. The transfer insert is guarded by both a NOT EXISTS
// check and the unique battle_id index.
func (s *Store) Settle(ctx context.Context, st duel.Settlement) error {
	meta, err := json.Marshal(st.Transfer.Metadata)
	if err != nil {
		return fmt.Errorf("encode transfer metadata: %w", err)
	}
	return s.inTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE duel.battles
			SET status = 'resolved',
			    winner_id = $2,
			    resolved_at = $3,
			    creator_won = $4,
			    opponent_won = $5,
			    updated_at = now()
			WHERE id = $1
			  AND status <> 'resolved'
			  AND winner_id IS NULL
			  AND creator_reaction_ms IS NOT NULL
			  AND opponent_reaction_ms IS NOT NULL
		`, st.BattleID, st.WinnerID, st.ResolvedAt,
			st.WinnerRole == duel.RoleCreator, st.WinnerRole == duel.RoleOpponent)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return settleMissReason(ctx, tx, st.BattleID)
		}

		tag, err = tx.Exec(ctx, `
			INSERT INTO duel.transfers (id, battle_id, from_user_id, to_user_id, type, amount, metadata, created_at)
			SELECT $1::uuid, $2::text, $3::text, $4::text, $5::text, $6::bigint, $7::jsonb, $8::timestamptz
			WHERE NOT EXISTS (SELECT 1 FROM duel.transfers WHERE battle_id = $2::text)
			ON CONFLICT (battle_id) DO NOTHING
		`, st.Transfer.ID, st.BattleID, st.Transfer.FromUserID, st.Transfer.ToUserID,
			st.Transfer.Type, st.Transfer.Amount, string(meta), st.Transfer.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return duel.ErrAlreadyResolved
			}
			return err
		}
		if tag.RowsAffected() == 0 {
			return duel.ErrAlreadyResolved
		}
		return nil
	})
}

func settleMissReason(ctx context.Context, tx pgx.Tx, battleID string) error {
	var (
		status     string
		bothTapped bool
	)
	err := tx.QueryRow(ctx, `
		SELECT status, creator_reaction_ms IS NOT NULL AND opponent_reaction_ms IS NOT NULL
		FROM duel.battles
		WHERE id = $1
	`, battleID).Scan(&status, &bothTapped)
	switch {
	case err == pgx.ErrNoRows:
		return duel.ErrNotFound
	case err != nil:
		return err
	case duel.Status(status) == duel.StatusResolved:
		return duel.ErrAlreadyResolved
	case !bothTapped:
		return duel.ErrIncomplete
	default:
		return duel.ErrAlreadyResolved
	}
}

func (s *Store) AppendAudit(ctx context.Context, entry duel.AuditEntry) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("encode audit payload: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO duel.audit_log (id, battle_id, event_type, actor_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
	`, entry.ID, entry.BattleID, entry.EventType, entry.ActorID, string(payload), entry.CreatedAt)
	return err
}

func (s *Store) AuditForBattle(ctx context.Context, battleID string) ([]duel.AuditEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id::text, battle_id, event_type, actor_id, payload, created_at
		FROM duel.audit_log
		WHERE battle_id = $1
		ORDER BY created_at, id
	`, battleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []duel.AuditEntry
	for rows.Next() {
		var (
			e   duel.AuditEntry
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.BattleID, &e.EventType, &e.ActorID, &raw, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &e.Payload)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) TransferForBattle(ctx context.Context, battleID string) (duel.Transfer, error) {
	var (
		t   duel.Transfer
		raw []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT id::text, battle_id, from_user_id, to_user_id, type, amount, metadata, created_at
		FROM duel.transfers
		WHERE battle_id = $1
	`, battleID).Scan(&t.ID, &t.BattleID, &t.FromUserID, &t.ToUserID, &t.Type, &t.Amount, &raw, &t.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return duel.Transfer{}, duel.ErrNotFound
		}
		return duel.Transfer{}, err
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &t.Metadata)
	}
	return t, nil
}
