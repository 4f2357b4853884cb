package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"reflexduel/internal/event"
	"reflexduel/internal/notify"
)

// EnqueueNotification inserts one outbox row. A repeated dedupe key is a
// no-op and reports false.
func (s *Store) EnqueueNotification(ctx context.Context, in notify.Intent) (bool, error) {
	payload, err := json.Marshal(in.Payload)
	if err != nil {
		return false, fmt.Errorf("encode payload: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		INSERT INTO duel.notification_outbox (id, target_user_id, type, payload, dedupe_key)
		VALUES (gen_random_uuid(), $1, $2, $3::jsonb, $4)
		ON CONFLICT (dedupe_key) DO NOTHING
	`, in.UserID, string(in.Type), string(payload), in.DedupeKey)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) PendingNotifications(ctx context.Context, now time.Time, limit int) ([]notify.Row, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id::text, target_user_id, type, payload, dedupe_key, consumed, attempts, next_attempt_at, created_at
		FROM duel.notification_outbox
		WHERE NOT consumed AND next_attempt_at <= $1
		ORDER BY created_at, id
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]notify.Row, 0, limit)
	for rows.Next() {
		var (
			r       notify.Row
			typ     string
			payload []byte
		)
		if err := rows.Scan(&r.ID, &r.UserID, &typ, &payload, &r.DedupeKey, &r.Consumed, &r.Attempts, &r.NextAttemptAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Type = event.Type(typ)
		if err := json.Unmarshal(payload, &r.Payload); err != nil {
			// Left empty so the dispatcher skips it as malformed.
			s.log.Warn("outbox payload undecodable", "id", r.ID, "err", err)
			r.Payload = notify.Payload{}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) MarkConsumed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		UPDATE duel.notification_outbox
		SET consumed = true, consumed_at = now()
		WHERE id = ANY($1::uuid[]) AND NOT consumed
	`, ids)
	return err
}

func (s *Store) DeferNotifications(ctx context.Context, ids []string, next time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		UPDATE duel.notification_outbox
		SET attempts = attempts + 1, next_attempt_at = $2
		WHERE id = ANY($1::uuid[]) AND NOT consumed
	`, ids, next)
	return err
}

// TryDispatchLock takes a session advisory lock on a dedicated connection so
// only one dispatcher run is active across all processes.
func (s *Store) TryDispatchLock(ctx context.Context) (func(), bool, error) {
	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, dispatchLockKey).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, err
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	release := func() {
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, dispatchLockKey); err != nil {
			s.log.Error("release dispatch lock", "err", err)
		}
		conn.Release()
	}
	return release, true, nil
}
