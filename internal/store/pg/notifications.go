package pg

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"threads/internal/domain"
	"threads/internal/store"
)

const notificationCols = `
	id, kind, channel, conversation_id, COALESCE(message_id,''), COALESCE(model_id,''), recipient,
	COALESCE(subject,''), body, state, attempts, COALESCE(provider,''), COALESCE(provider_msg_id,''),
	COALESCE(last_error,''), created_at, updated_at
`

func scanNotification(row pgx.Row) (domain.Notification, error) {
	var n domain.Notification
	var kind, channel, state string
	err := row.Scan(&n.ID, &kind, &channel, &n.ConversationID, &n.MessageID, &n.ModelID, &n.Recipient,
		&n.Subject, &n.Body, &state, &n.Attempts, &n.Provider, &n.ProviderMsgID,
		&n.LastError, &n.CreatedAt, &n.UpdatedAt)
	n.Kind = domain.NotificationKind(kind)
	n.Channel = domain.NotificationChannel(channel)
	n.State = domain.NotificationState(state)
	return n, err
}

func (s *Store) ClaimPending(ctx context.Context, limit int, now time.Time) ([]domain.Notification, error) {
	rows, err := s.q.Query(ctx, `
		UPDATE notification_outbox
		SET state='queued', updated_at=$2
		WHERE id IN (
			SELECT id FROM notification_outbox
			WHERE state='pending'
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+notificationCols, limit, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) GetNotification(ctx context.Context, id string) (domain.Notification, bool, error) {
	n, err := scanNotification(s.q.QueryRow(ctx, `SELECT `+notificationCols+` FROM notification_outbox WHERE id=$1`, id))
	return n, found(err), missing(err)
}

// ClaimNotification attempts to move a notification into processing state.
// It allows reclaiming if the notification is still "processing" but stale.
func (s *Store) ClaimNotification(ctx context.Context, id string, now time.Time, staleAfter time.Duration) (bool, error) {
	ct, err := s.q.Exec(ctx, `
		UPDATE notification_outbox
		SET state='processing', updated_at=$2
		WHERE id=$1 AND (state IN ('pending','queued') OR (state='processing' AND updated_at < $3))
	`, id, now, now.Add(-staleAfter))
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) SetNotificationState(ctx context.Context, in store.NotificationStateUpdate) error {
	attempts := 0
	if in.Attempted {
		attempts = 1
	}
	_, err := s.q.Exec(ctx, `
		UPDATE notification_outbox
		SET state=$2, provider=COALESCE($3, provider), provider_msg_id=COALESCE($4, provider_msg_id),
		    last_error=$5, attempts=attempts+$6, updated_at=$7
		WHERE id=$1
	`, in.ID, string(in.State), nullIfEmpty(in.Provider), nullIfEmpty(in.ProviderMsgID), nullIfEmpty(in.LastError), attempts, in.Now)
	return err
}

func (s *Store) UpdateByProviderMsgID(ctx context.Context, in store.ProviderStatusUpdate) (bool, error) {
	ct, err := s.q.Exec(ctx, `
		UPDATE notification_outbox
		SET state=$3, last_error=$4, updated_at=$5
		WHERE provider=$1 AND provider_msg_id=$2
	`, in.Provider, in.ProviderMsgID, string(in.State), nullIfEmpty(in.LastError), in.Now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) RequeueStale(ctx context.Context, cutoff, now time.Time) (int64, error) {
	ct, err := s.q.Exec(ctx, `
		UPDATE notification_outbox
		SET state='pending', updated_at=$2
		WHERE state IN ('queued','processing') AND updated_at < $1
	`, cutoff, now)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}
