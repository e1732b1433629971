package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"resplan/internal/audit"
	"resplan/internal/config"
	"resplan/internal/domain"
	"resplan/internal/repo"
)

// Engine owns the approval workflow lifecycle: creation on actuals
// sign-off, inbox resolution, and step actioning.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Writer
	Config *config.Config
	Logger *zap.Logger
	Now    func() time.Time
}

// Actor is the authenticated caller, as established upstream.
type Actor struct {
	TenantID string
	ObjectID string
	Role     string
}

func New(db *sql.DB, cfg *config.Config, logger *zap.Logger) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Audit:  audit.Writer{DB: db, Logger: logger},
		Config: cfg,
		Logger: logger,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// SignActuals marks an actual line signed and creates its approval
// instance in the same transaction. This is the subject event that starts
// the workflow.
func (e Engine) SignActuals(ctx context.Context, actor Actor, actualLineID string) (domain.ApprovalInstance, error) {
	line, err := e.Repo.GetActualLine(ctx, actor.TenantID, actualLineID)
	if err != nil {
		return domain.ApprovalInstance{}, err
	}
	if line.Signed {
		return domain.ApprovalInstance{}, validationErr("actuals already signed")
	}
	return e.createApproval(ctx, actor, "actuals", line.ID, line.ResourceID, true)
}

// CreateApproval creates an approval instance for a subject whose actuals
// belong to the given resource. The RO step comes first; the Director step
// is pre-skipped when RO and Director resolve to the same user.
func (e Engine) CreateApproval(ctx context.Context, actor Actor, subjectType, subjectID, resourceID string) (domain.ApprovalInstance, error) {
	return e.createApproval(ctx, actor, subjectType, subjectID, resourceID, false)
}

func (e Engine) createApproval(ctx context.Context, actor Actor, subjectType, subjectID, resourceID string, markSigned bool) (domain.ApprovalInstance, error) {
	approvers, err := e.resolveApprovers(ctx, actor.TenantID, resourceID)
	if err != nil {
		return domain.ApprovalInstance{}, err
	}
	skip := approvers.skipDirector()
	now := e.now().UTC().Format(time.RFC3339)

	inst := domain.ApprovalInstance{
		ID:          uuid.New().String(),
		TenantID:    actor.TenantID,
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Status:      domain.ApprovalPending,
		CreatedBy:   actor.ObjectID,
		CreatedAt:   now,
	}
	roStep := domain.ApprovalStep{
		ID:         uuid.New().String(),
		InstanceID: inst.ID,
		StepOrder:  1,
		StepName:   "RO",
		ApproverID: approvers.RO,
		Status:     domain.StepPending,
	}
	directorStatus := domain.StepPending
	if skip {
		directorStatus = domain.StepSkipped
	}
	directorStep := domain.ApprovalStep{
		ID:         uuid.New().String(),
		InstanceID: inst.ID,
		StepOrder:  2,
		StepName:   "Director",
		ApproverID: approvers.Director,
		Status:     directorStatus,
	}
	inst.Steps = []domain.ApprovalStep{roStep, directorStep}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApprovalInstance{}, err
	}
	defer tx.Rollback()

	if markSigned {
		if err := e.Repo.MarkActualLineSignedTx(ctx, tx, actor.TenantID, subjectID, actor.ObjectID, now); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.ApprovalInstance{}, validationErr("actuals already signed")
			}
			return domain.ApprovalInstance{}, err
		}
	}
	if err := e.Repo.InsertApprovalInstanceTx(ctx, tx, inst); err != nil {
		return domain.ApprovalInstance{}, err
	}
	for _, s := range inst.Steps {
		if err := e.Repo.InsertApprovalStepTx(ctx, tx, s); err != nil {
			return domain.ApprovalInstance{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.ApprovalInstance{}, err
	}

	e.Audit.Record(ctx, audit.Entry{
		TenantID:   actor.TenantID,
		ActorID:    actor.ObjectID,
		Action:     "create",
		EntityType: "ApprovalInstance",
		EntityID:   inst.ID,
		NewValues: audit.Values{
			"subject_type":  subjectType,
			"subject_id":    subjectID,
			"skip_director": skip,
		},
	})
	return inst, nil
}

// GetByID returns an instance with ordered steps, scoped to the actor's
// tenant.
func (e Engine) GetByID(ctx context.Context, actor Actor, instanceID string) (domain.ApprovalInstance, error) {
	inst, err := e.Repo.GetApprovalInstance(ctx, actor.TenantID, instanceID)
	if err != nil {
		return inst, err
	}
	e.enrichActuals(ctx, &inst)
	return inst, nil
}

func (e Engine) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

// enrichActuals fills the display fields of an actuals-backed instance
// from the resource, project and period behind the signed line. Best
// effort: a failed lookup is logged and the instance is returned bare,
// never failing the read.
func (e Engine) enrichActuals(ctx context.Context, inst *domain.ApprovalInstance) {
	if inst.SubjectType != "actuals" {
		return
	}
	line, err := e.Repo.GetActualLine(ctx, inst.TenantID, inst.SubjectID)
	if err != nil {
		e.logger().Warn("approval enrichment skipped, actual line lookup failed",
			zap.String("instance_id", inst.ID),
			zap.String("subject_id", inst.SubjectID),
			zap.Error(err))
		return
	}
	inst.ResourceID = &line.ResourceID
	inst.ProjectID = &line.ProjectID
	if res, err := e.Repo.GetResource(ctx, inst.TenantID, line.ResourceID); err == nil {
		inst.ResourceName = &res.DisplayName
	} else {
		e.logger().Warn("approval enrichment, resource lookup failed",
			zap.String("instance_id", inst.ID), zap.Error(err))
	}
	if proj, err := e.Repo.GetProject(ctx, inst.TenantID, line.ProjectID); err == nil {
		inst.ProjectName = &proj.Name
	} else {
		e.logger().Warn("approval enrichment, project lookup failed",
			zap.String("instance_id", inst.ID), zap.Error(err))
	}
	if per, err := e.Repo.GetPeriod(ctx, inst.TenantID, line.PeriodID); err == nil {
		label := fmt.Sprintf("%s %d", time.Month(per.Month), per.Year)
		inst.PeriodLabel = &label
	} else {
		e.logger().Warn("approval enrichment, period lookup failed",
			zap.String("instance_id", inst.ID), zap.Error(err))
	}
}

// Inbox returns pending instances whose current actionable step (the
// lowest-order pending step) is open to the actor: approver unset or equal
// to the actor's tenant user.
func (e Engine) Inbox(ctx context.Context, actor Actor) ([]domain.ApprovalInstance, error) {
	user, err := e.Repo.GetUserByObjectID(ctx, actor.TenantID, actor.ObjectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return []domain.ApprovalInstance{}, nil
		}
		return nil, err
	}
	instances, err := e.Repo.ListPendingApprovalInstances(ctx, actor.TenantID)
	if err != nil {
		return nil, err
	}
	inbox := []domain.ApprovalInstance{}
	for _, inst := range instances {
		step, ok := currentStep(inst)
		if !ok {
			continue
		}
		if step.ApproverID == nil || *step.ApproverID == user.ID {
			inbox = append(inbox, inst)
		}
	}
	for i := range inbox {
		e.enrichActuals(ctx, &inbox[i])
	}
	return inbox, nil
}

// currentStep returns the lowest-order step still pending. Steps come
// from the repo already ordered by step_order.
func currentStep(inst domain.ApprovalInstance) (domain.ApprovalStep, bool) {
	for _, s := range inst.Steps {
		if s.Status == domain.StepPending {
			return s, true
		}
	}
	return domain.ApprovalStep{}, false
}

// ApproveStep approves a pending step and recomputes the instance status.
// Any pending step is actionable regardless of order.
func (e Engine) ApproveStep(ctx context.Context, actor Actor, instanceID, stepID, comment string) (domain.ApprovalInstance, error) {
	return e.actionStep(ctx, actor, instanceID, stepID, comment, "approve")
}

// RejectStep rejects a pending step. The instance becomes rejected
// unconditionally and absorbs: no further actions succeed.
func (e Engine) RejectStep(ctx context.Context, actor Actor, instanceID, stepID, comment string) (domain.ApprovalInstance, error) {
	return e.actionStep(ctx, actor, instanceID, stepID, comment, "reject")
}

// ProxyApproveDirectorStep lets an RO approve the Director step when the
// Director is unavailable. The comment is mandatory and the action is
// recorded distinctly so the trail shows the proxying.
func (e Engine) ProxyApproveDirectorStep(ctx context.Context, actor Actor, instanceID, stepID, comment string) (domain.ApprovalInstance, error) {
	if strings.TrimSpace(comment) == "" {
		return domain.ApprovalInstance{}, validationErr("comment is required for proxy approval")
	}
	return e.actionStep(ctx, actor, instanceID, stepID, comment, "proxy_approve")
}

func (e Engine) actionStep(ctx context.Context, actor Actor, instanceID, stepID, comment, action string) (domain.ApprovalInstance, error) {
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApprovalInstance{}, err
	}
	defer tx.Rollback()

	inst, err := e.Repo.GetApprovalInstanceTx(ctx, tx, actor.TenantID, instanceID)
	if err != nil {
		return domain.ApprovalInstance{}, err
	}
	// Terminal instances refuse all further actions, even when a sibling
	// step is technically still pending.
	if inst.Status != domain.ApprovalPending {
		return domain.ApprovalInstance{}, validationErr("approval is not pending")
	}
	step, err := e.Repo.GetApprovalStepTx(ctx, tx, instanceID, stepID)
	if err != nil {
		return domain.ApprovalInstance{}, err
	}
	if step.Status != domain.StepPending {
		return domain.ApprovalInstance{}, validationErr("step is not pending")
	}
	if action == "proxy_approve" && step.StepName != "Director" {
		return domain.ApprovalInstance{}, validationErr("proxy approval applies to the Director step only")
	}

	stepStatus := domain.StepApproved
	if action == "reject" {
		stepStatus = domain.StepRejected
	}
	var commentPtr *string
	if comment != "" {
		commentPtr = &comment
	}
	if err := e.Repo.MarkApprovalStepActionedTx(ctx, tx, step.ID, stepStatus, actor.ObjectID, now, commentPtr); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Lost the race with a concurrent action on the same step.
			return domain.ApprovalInstance{}, validationErr("step is not pending")
		}
		return domain.ApprovalInstance{}, err
	}
	if err := e.Repo.InsertApprovalActionTx(ctx, tx, domain.ApprovalAction{
		ID:          uuid.New().String(),
		TenantID:    actor.TenantID,
		InstanceID:  instanceID,
		StepID:      step.ID,
		Action:      action,
		PerformedBy: actor.ObjectID,
		Comment:     commentPtr,
		CreatedAt:   now,
	}); err != nil {
		return domain.ApprovalInstance{}, err
	}

	instStatus := recomputeInstanceStatus(inst.Steps, step.ID, stepStatus)
	if instStatus != inst.Status {
		if err := e.Repo.UpdateApprovalInstanceStatusTx(ctx, tx, instanceID, instStatus); err != nil {
			return domain.ApprovalInstance{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.ApprovalInstance{}, err
	}

	e.Audit.Record(ctx, audit.Entry{
		TenantID:   actor.TenantID,
		ActorID:    actor.ObjectID,
		Action:     action,
		EntityType: "ApprovalStep",
		EntityID:   step.ID,
		Reason:     comment,
	})
	return e.GetByID(ctx, actor, instanceID)
}

// recomputeInstanceStatus applies the instance invariant to the step set
// with one step's status replaced: rejected if any step rejected, approved
// iff every step approved or skipped, pending otherwise.
func recomputeInstanceStatus(steps []domain.ApprovalStep, actionedID, actionedStatus string) string {
	allDone := true
	for _, s := range steps {
		status := s.Status
		if s.ID == actionedID {
			status = actionedStatus
		}
		switch status {
		case domain.StepRejected:
			return domain.ApprovalRejected
		case domain.StepApproved, domain.StepSkipped:
		default:
			allDone = false
		}
	}
	if allDone {
		return domain.ApprovalApproved
	}
	return domain.ApprovalPending
}
