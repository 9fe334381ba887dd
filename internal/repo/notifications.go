package repo

import (
	"context"
	"database/sql"

	"greenlight/internal/domain"
)

const notificationColumns = `id,recipient_id,kind,subject,COALESCE(payload_json,''),status,attempts,created_at,sent_at`

func scanNotification(row interface{ Scan(...any) error }) (domain.Notification, error) {
	var n domain.Notification
	var sentAt sql.NullString
	err := row.Scan(&n.ID, &n.RecipientID, &n.Kind, &n.Subject, &n.Payload,
		&n.Status, &n.Attempts, &n.CreatedAt, &sentAt)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	if sentAt.Valid {
		n.SentAt = &sentAt.String
	}
	return n, err
}

// InsertNotificationTx queues a notification intent inside the caller's
// transaction so the intent commits or rolls back with the state change.
func (r Repo) InsertNotificationTx(ctx context.Context, tx *sql.Tx, n domain.Notification) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO notifications(id,recipient_id,kind,subject,payload_json,status,attempts,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		n.ID, n.RecipientID, n.Kind, n.Subject, nullable(n.Payload), domain.NotificationQueued, 0, n.CreatedAt)
	return err
}

func (r Repo) QueuedNotifications(ctx context.Context, limit int) ([]domain.Notification, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE status='queued' ORDER BY created_at, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) MarkNotificationSent(ctx context.Context, id, sentAt string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE notifications SET status='sent', sent_at=?, attempts=attempts+1 WHERE id=?`, sentAt, id)
	return err
}

// MarkNotificationFailed bumps the attempt counter; past maxAttempts the row
// is parked as failed so the dispatcher stops retrying it.
func (r Repo) MarkNotificationFailed(ctx context.Context, id string, maxAttempts int) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE notifications SET attempts=attempts+1, status=CASE WHEN attempts+1>=? THEN 'failed' ELSE 'queued' END WHERE id=?`,
		maxAttempts, id)
	return err
}
