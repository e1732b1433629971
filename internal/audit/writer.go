package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"resplan/internal/domain"
)

// Writer appends audit log rows. Record is fire-and-forget: a failing
// sink must never fail the operation being audited.
type Writer struct {
	DB     *sql.DB
	Logger *zap.Logger
	Now    func() time.Time
}

type Values map[string]any

type Entry struct {
	TenantID   string
	ActorID    string
	Action     string
	EntityType string
	EntityID   string
	OldValues  Values
	NewValues  Values
	Reason     string
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Record writes one audit row outside any caller transaction. Errors are
// logged and swallowed.
func (w Writer) Record(ctx context.Context, e Entry) {
	if err := w.append(ctx, e); err != nil {
		logger := w.Logger
		if logger == nil {
			logger = zap.NewNop()
		}
		logger.Warn("audit sink write failed",
			zap.String("action", e.Action),
			zap.String("entity_type", e.EntityType),
			zap.String("entity_id", e.EntityID),
			zap.Error(err))
	}
}

func (w Writer) append(ctx context.Context, e Entry) error {
	ts := w.now().UTC().Format(time.RFC3339)
	oldJSON, err := marshalValues(e.OldValues)
	if err != nil {
		return err
	}
	newJSON, err := marshalValues(e.NewValues)
	if err != nil {
		return err
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO audit_logs(tenant_id,actor_id,action,entity_type,entity_id,old_values_json,new_values_json,reason,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		e.TenantID, e.ActorID, e.Action, e.EntityType, e.EntityID, oldJSON, newJSON, nullable(e.Reason), ts)
	return err
}

// Latest returns recent audit rows for a tenant, newest first.
func (w Writer) Latest(ctx context.Context, tenantID string, limit int) ([]domain.AuditLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := w.DB.QueryContext(ctx, `SELECT id,tenant_id,actor_id,action,entity_type,entity_id,old_values_json,new_values_json,reason,created_at
FROM audit_logs WHERE tenant_id=? ORDER BY id DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditLog
	for rows.Next() {
		var l domain.AuditLog
		var oldVals, newVals, reason sql.NullString
		if err := rows.Scan(&l.ID, &l.TenantID, &l.ActorID, &l.Action, &l.EntityType, &l.EntityID, &oldVals, &newVals, &reason, &l.CreatedAt); err != nil {
			return nil, err
		}
		if oldVals.Valid {
			l.OldValues = &oldVals.String
		}
		if newVals.Valid {
			l.NewValues = &newVals.String
		}
		if reason.Valid {
			l.Reason = &reason.String
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func marshalValues(v Values) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
