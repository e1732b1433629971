package repo

import (
	"context"
	"database/sql"

	"resplan/internal/domain"
)

// Instance and step inserts run inside the caller's transaction so an
// instance is never visible without its steps.

func (r Repo) InsertApprovalInstanceTx(ctx context.Context, tx *sql.Tx, inst domain.ApprovalInstance) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approval_instances(id,tenant_id,subject_type,subject_id,status,created_by,created_at)
VALUES (?,?,?,?,?,?,?)`,
		inst.ID, inst.TenantID, inst.SubjectType, inst.SubjectID, inst.Status, inst.CreatedBy, inst.CreatedAt)
	return err
}

func (r Repo) InsertApprovalStepTx(ctx context.Context, tx *sql.Tx, s domain.ApprovalStep) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approval_steps(id,instance_id,step_order,step_name,approver_id,status,actioned_at,actioned_by,comment)
VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.InstanceID, s.StepOrder, s.StepName, nullableStringPtr(s.ApproverID), s.Status,
		nullableStringPtr(s.ActionedAt), nullableStringPtr(s.ActionedBy), nullableStringPtr(s.Comment))
	return err
}

func (r Repo) InsertApprovalActionTx(ctx context.Context, tx *sql.Tx, a domain.ApprovalAction) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approval_actions(id,tenant_id,instance_id,step_id,action,performed_by,comment,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.TenantID, a.InstanceID, a.StepID, a.Action, a.PerformedBy, nullableStringPtr(a.Comment), a.CreatedAt)
	return err
}

const instanceColumns = `id,tenant_id,subject_type,subject_id,status,created_by,created_at`

func scanInstance(row *sql.Row) (domain.ApprovalInstance, error) {
	var inst domain.ApprovalInstance
	err := row.Scan(&inst.ID, &inst.TenantID, &inst.SubjectType, &inst.SubjectID, &inst.Status, &inst.CreatedBy, &inst.CreatedAt)
	if err == sql.ErrNoRows {
		return inst, ErrNotFound
	}
	return inst, err
}

// GetApprovalInstance loads an instance with its steps ordered by step_order.
func (r Repo) GetApprovalInstance(ctx context.Context, tenantID, id string) (domain.ApprovalInstance, error) {
	inst, err := scanInstance(r.DB.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM approval_instances WHERE id=? AND tenant_id=?`, id, tenantID))
	if err != nil {
		return inst, err
	}
	inst.Steps, err = r.ListApprovalSteps(ctx, inst.ID)
	return inst, err
}

func (r Repo) GetApprovalInstanceTx(ctx context.Context, tx *sql.Tx, tenantID, id string) (domain.ApprovalInstance, error) {
	var inst domain.ApprovalInstance
	err := tx.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM approval_instances WHERE id=? AND tenant_id=?`, id, tenantID).
		Scan(&inst.ID, &inst.TenantID, &inst.SubjectType, &inst.SubjectID, &inst.Status, &inst.CreatedBy, &inst.CreatedAt)
	if err == sql.ErrNoRows {
		return inst, ErrNotFound
	}
	if err != nil {
		return inst, err
	}
	inst.Steps, err = r.listApprovalSteps(ctx, tx, inst.ID)
	return inst, err
}

const stepColumns = `id,instance_id,step_order,step_name,approver_id,status,actioned_at,actioned_by,comment`

type rowQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r Repo) ListApprovalSteps(ctx context.Context, instanceID string) ([]domain.ApprovalStep, error) {
	return r.listApprovalSteps(ctx, r.DB, instanceID)
}

func (r Repo) listApprovalSteps(ctx context.Context, q rowQuerier, instanceID string) ([]domain.ApprovalStep, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+stepColumns+` FROM approval_steps WHERE instance_id=? ORDER BY step_order ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalStep
	for rows.Next() {
		s, err := scanStepRow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func scanStepRow(rows *sql.Rows) (domain.ApprovalStep, error) {
	var s domain.ApprovalStep
	var approverID, actionedAt, actionedBy, comment sql.NullString
	if err := rows.Scan(&s.ID, &s.InstanceID, &s.StepOrder, &s.StepName, &approverID, &s.Status, &actionedAt, &actionedBy, &comment); err != nil {
		return s, err
	}
	if approverID.Valid {
		s.ApproverID = &approverID.String
	}
	if actionedAt.Valid {
		s.ActionedAt = &actionedAt.String
	}
	if actionedBy.Valid {
		s.ActionedBy = &actionedBy.String
	}
	if comment.Valid {
		s.Comment = &comment.String
	}
	return s, nil
}

func (r Repo) GetApprovalStepTx(ctx context.Context, tx *sql.Tx, instanceID, stepID string) (domain.ApprovalStep, error) {
	var s domain.ApprovalStep
	var approverID, actionedAt, actionedBy, comment sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM approval_steps WHERE id=? AND instance_id=?`, stepID, instanceID).
		Scan(&s.ID, &s.InstanceID, &s.StepOrder, &s.StepName, &approverID, &s.Status, &actionedAt, &actionedBy, &comment)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if approverID.Valid {
		s.ApproverID = &approverID.String
	}
	if actionedAt.Valid {
		s.ActionedAt = &actionedAt.String
	}
	if actionedBy.Valid {
		s.ActionedBy = &actionedBy.String
	}
	if comment.Valid {
		s.Comment = &comment.String
	}
	return s, nil
}

// MarkApprovalStepActionedTx moves a step from pending to a terminal status.
// The status guard serializes concurrent actions on the same step: only the
// first caller observes pending, later ones get ErrNotFound from the zero
// row count and the engine reports the step as not pending.
func (r Repo) MarkApprovalStepActionedTx(ctx context.Context, tx *sql.Tx, stepID, status, actionedBy, actionedAt string, comment *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE approval_steps SET status=?, actioned_at=?, actioned_by=?, comment=? WHERE id=? AND status=?`,
		status, actionedAt, actionedBy, nullableStringPtr(comment), stepID, domain.StepPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateApprovalInstanceStatusTx(ctx context.Context, tx *sql.Tx, id, status string) error {
	_, err := tx.ExecContext(ctx, `UPDATE approval_instances SET status=? WHERE id=?`, status, id)
	return err
}

// ListPendingApprovalInstances returns pending instances with steps,
// newest first.
func (r Repo) ListPendingApprovalInstances(ctx context.Context, tenantID string) ([]domain.ApprovalInstance, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+instanceColumns+` FROM approval_instances
WHERE tenant_id=? AND status=? ORDER BY created_at DESC, id DESC`, tenantID, domain.ApprovalPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalInstance
	for rows.Next() {
		var inst domain.ApprovalInstance
		if err := rows.Scan(&inst.ID, &inst.TenantID, &inst.SubjectType, &inst.SubjectID, &inst.Status, &inst.CreatedBy, &inst.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		steps, err := r.ListApprovalSteps(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].Steps = steps
	}
	return res, nil
}

func (r Repo) ListApprovalActions(ctx context.Context, tenantID, instanceID string) ([]domain.ApprovalAction, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,tenant_id,instance_id,step_id,action,performed_by,comment,created_at
FROM approval_actions WHERE tenant_id=? AND instance_id=? ORDER BY created_at ASC, id ASC`, tenantID, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalAction
	for rows.Next() {
		var a domain.ApprovalAction
		var comment sql.NullString
		if err := rows.Scan(&a.ID, &a.TenantID, &a.InstanceID, &a.StepID, &a.Action, &a.PerformedBy, &comment, &a.CreatedAt); err != nil {
			return nil, err
		}
		if comment.Valid {
			a.Comment = &comment.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
