package repo

import (
	"context"
	"database/sql"

	"greenlight/internal/domain"
)

const historyColumns = `id,instance_id,action,actor_id,COALESCE(from_status,''),COALESCE(to_status,''),COALESCE(level,0),step_id,COALESCE(comment,''),COALESCE(payload_json,''),ts`

func scanHistory(row interface{ Scan(...any) error }) (domain.HistoryEntry, error) {
	var h domain.HistoryEntry
	var stepID sql.NullString
	err := row.Scan(&h.ID, &h.InstanceID, &h.Action, &h.ActorID, &h.FromStatus, &h.ToStatus,
		&h.Level, &stepID, &h.Comment, &h.Payload, &h.TS)
	if err == sql.ErrNoRows {
		return h, ErrNotFound
	}
	if stepID.Valid {
		h.StepID = &stepID.String
	}
	return h, err
}

func historyFromRows(rows *sql.Rows) ([]domain.HistoryEntry, error) {
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// HistoryForInstance returns the full audit trail for an instance in append
// order.
func (r Repo) HistoryForInstance(ctx context.Context, instanceID string) ([]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+historyColumns+` FROM workflow_history WHERE instance_id=? ORDER BY id`, instanceID)
	if err != nil {
		return nil, err
	}
	return historyFromRows(rows)
}

// HistoryAfter returns up to limit entries with id greater than cursor, in
// append order. The callback dispatcher tails the log through this.
func (r Repo) HistoryAfter(ctx context.Context, limit int, cursor int64) ([]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+historyColumns+` FROM workflow_history WHERE id>? ORDER BY id LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	return historyFromRows(rows)
}

// RecentHistory returns the newest limit entries across all instances, in
// append order.
func (r Repo) RecentHistory(ctx context.Context, limit int) ([]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT * FROM (SELECT `+historyColumns+` FROM workflow_history ORDER BY id DESC LIMIT ?) ORDER BY id`, limit)
	if err != nil {
		return nil, err
	}
	return historyFromRows(rows)
}

func (r Repo) LatestHistoryID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM workflow_history`).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}
