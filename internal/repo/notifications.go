package repo

import (
	"context"
	"database/sql"
	"strings"

	"resplan/internal/domain"
)

// ClaimNotificationRunTx claims the (tenant, phase, year, month) slot.
// The UNIQUE constraint is the idempotency gate: it reports false when the
// slot is already taken, before any log rows are written.
func (r Repo) ClaimNotificationRunTx(ctx context.Context, tx *sql.Tx, run domain.NotificationRun) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO notification_runs(run_id,tenant_id,phase,year,month,created_at) VALUES (?,?,?,?,?,?)`,
		run.RunID, run.TenantID, run.Phase, run.Year, run.Month, run.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) GetNotificationRun(ctx context.Context, tenantID, phase string, year, month int) (domain.NotificationRun, error) {
	var run domain.NotificationRun
	err := r.DB.QueryRowContext(ctx, `SELECT run_id,tenant_id,phase,year,month,created_at FROM notification_runs
WHERE tenant_id=? AND phase=? AND year=? AND month=?`, tenantID, phase, year, month).
		Scan(&run.RunID, &run.TenantID, &run.Phase, &run.Year, &run.Month, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	return run, err
}

func (r Repo) InsertNotificationLogTx(ctx context.Context, tx *sql.Tx, l domain.NotificationLog) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO notification_logs(id,tenant_id,phase,year,month,recipient_user_id,recipient_email,status,message,run_id,sent_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.TenantID, l.Phase, l.Year, l.Month, l.RecipientUserID, l.RecipientEmail, l.Status, l.Message, l.RunID,
		nullableStringPtr(l.SentAt), l.CreatedAt)
	return err
}

type NotificationLogFilters struct {
	Phase string
	Year  int
	Month int
}

// ListNotificationLogs returns logs for a tenant, newest first.
func (r Repo) ListNotificationLogs(ctx context.Context, tenantID string, f NotificationLogFilters) ([]domain.NotificationLog, error) {
	clauses := []string{"tenant_id=?"}
	args := []any{tenantID}
	if f.Phase != "" {
		clauses = append(clauses, "phase=?")
		args = append(args, f.Phase)
	}
	if f.Year != 0 {
		clauses = append(clauses, "year=?")
		args = append(args, f.Year)
	}
	if f.Month != 0 {
		clauses = append(clauses, "month=?")
		args = append(args, f.Month)
	}
	query := `SELECT id,tenant_id,phase,year,month,recipient_user_id,recipient_email,status,message,run_id,sent_at,created_at
FROM notification_logs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.NotificationLog
	for rows.Next() {
		var l domain.NotificationLog
		var sentAt sql.NullString
		if err := rows.Scan(&l.ID, &l.TenantID, &l.Phase, &l.Year, &l.Month, &l.RecipientUserID, &l.RecipientEmail,
			&l.Status, &l.Message, &l.RunID, &sentAt, &l.CreatedAt); err != nil {
			return nil, err
		}
		if sentAt.Valid {
			l.SentAt = &sentAt.String
		}
		res = append(res, l)
	}
	return res, rows.Err()
}
