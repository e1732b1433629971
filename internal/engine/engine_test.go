package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"resplan/internal/config"
	"resplan/internal/db"
	"resplan/internal/domain"
	"resplan/internal/engine"
	"resplan/internal/migrate"
	"resplan/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context

	ROActor       engine.Actor
	DirectorActor engine.Actor

	ROUserID       string
	DirectorUserID string
	LineID         string
}

const testTenant = "acme"

// newTestEnv seeds a tenant directory: a department with an RO and a
// Director, a cost center owned by the RO, a resource in that cost
// center, and one unsigned actual line.
func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default(), zap.NewNop())
	eng.Now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	r := eng.Repo
	now := "2026-03-01T00:00:00Z"
	if err := r.InsertTenant(ctx, domain.Tenant{ID: testTenant, Name: "Acme", CreatedAt: now}); err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	deptID := "dept-eng"
	if err := r.InsertDepartment(ctx, domain.Department{ID: deptID, TenantID: testTenant, Name: "Engineering", Code: "ENG"}); err != nil {
		t.Fatalf("seed department: %v", err)
	}
	ro := domain.User{
		ID: "user-ro", TenantID: testTenant, ObjectID: "oid-ro",
		Email: "ro@acme.test", DisplayName: "Rex Owner", Role: domain.RoleRO,
		DepartmentID: &deptID, IsActive: true, CreatedAt: now,
	}
	director := domain.User{
		ID: "user-dir", TenantID: testTenant, ObjectID: "oid-dir",
		Email: "dir@acme.test", DisplayName: "Dana Director", Role: domain.RoleDirector,
		DepartmentID: &deptID, IsActive: true, CreatedAt: now,
	}
	for _, u := range []domain.User{ro, director} {
		if err := r.InsertUser(ctx, u); err != nil {
			t.Fatalf("seed user %s: %v", u.ID, err)
		}
	}
	roID := ro.ID
	if err := r.InsertCostCenter(ctx, domain.CostCenter{
		ID: "cc-1", TenantID: testTenant, Name: "Platform", Code: "CC1",
		DepartmentID: &deptID, ROUserID: &roID,
	}); err != nil {
		t.Fatalf("seed cost center: %v", err)
	}
	ccID := "cc-1"
	if err := r.InsertResource(ctx, domain.Resource{
		ID: "res-1", TenantID: testTenant, DisplayName: "Eve Engineer",
		Email: "eve@acme.test", CostCenterID: &ccID,
	}); err != nil {
		t.Fatalf("seed resource: %v", err)
	}
	if err := r.InsertPeriod(ctx, domain.Period{ID: "per-1", TenantID: testTenant, Year: 2026, Month: 2, Status: "open"}); err != nil {
		t.Fatalf("seed period: %v", err)
	}
	if err := r.InsertProject(ctx, domain.Project{ID: "proj-1", TenantID: testTenant, Name: "Apollo", Code: "AP"}); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	if err := r.InsertActualLine(ctx, domain.ActualLine{
		ID: "line-1", TenantID: testTenant, PeriodID: "per-1",
		ResourceID: "res-1", ProjectID: "proj-1", Hours: 120, CreatedAt: now,
	}); err != nil {
		t.Fatalf("seed actual line: %v", err)
	}

	return testEnv{
		Engine:         eng,
		Ctx:            ctx,
		ROActor:        engine.Actor{TenantID: testTenant, ObjectID: "oid-ro", Role: domain.RoleRO},
		DirectorActor:  engine.Actor{TenantID: testTenant, ObjectID: "oid-dir", Role: domain.RoleDirector},
		ROUserID:       "user-ro",
		DirectorUserID: "user-dir",
		LineID:         "line-1",
	}
}

func stepByName(t *testing.T, inst domain.ApprovalInstance, name string) domain.ApprovalStep {
	t.Helper()
	for _, s := range inst.Steps {
		if s.StepName == name {
			return s
		}
	}
	t.Fatalf("step %s not found", name)
	return domain.ApprovalStep{}
}

func TestSignActualsCreatesApproval(t *testing.T) {
	env := newTestEnv(t)
	inst, err := env.Engine.SignActuals(env.Ctx, env.ROActor, env.LineID)
	if err != nil {
		t.Fatalf("sign actuals: %v", err)
	}
	if inst.Status != domain.ApprovalPending {
		t.Fatalf("expected pending instance, got %s", inst.Status)
	}
	if len(inst.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(inst.Steps))
	}
	ro := stepByName(t, inst, "RO")
	if ro.StepOrder != 1 || ro.Status != domain.StepPending {
		t.Fatalf("RO step: order=%d status=%s", ro.StepOrder, ro.Status)
	}
	if ro.ApproverID == nil || *ro.ApproverID != env.ROUserID {
		t.Fatalf("RO approver = %v", ro.ApproverID)
	}
	director := stepByName(t, inst, "Director")
	if director.StepOrder != 2 || director.Status != domain.StepPending {
		t.Fatalf("Director step: order=%d status=%s", director.StepOrder, director.Status)
	}
	if director.ApproverID == nil || *director.ApproverID != env.DirectorUserID {
		t.Fatalf("Director approver = %v", director.ApproverID)
	}

	line, err := env.Engine.Repo.GetActualLine(env.Ctx, testTenant, env.LineID)
	if err != nil {
		t.Fatalf("get line: %v", err)
	}
	if !line.Signed || line.SignedBy == nil || *line.SignedBy != "oid-ro" {
		t.Fatalf("line not signed by actor: %+v", line)
	}
}

func TestSignActualsTwiceFails(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.SignActuals(env.Ctx, env.ROActor, env.LineID); err != nil {
		t.Fatalf("first sign: %v", err)
	}
	_, err := env.Engine.SignActuals(env.Ctx, env.ROActor, env.LineID)
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDirectorStepSkippedWhenSameUser(t *testing.T) {
	env := newTestEnv(t)
	// Make the department Director the cost center RO as well.
	dirID := env.DirectorUserID
	if _, err := env.Engine.DB.Exec(`UPDATE cost_centers SET ro_user_id=? WHERE id='cc-1'`, dirID); err != nil {
		t.Fatalf("update cost center: %v", err)
	}
	inst, err := env.Engine.SignActuals(env.Ctx, env.ROActor, env.LineID)
	if err != nil {
		t.Fatalf("sign actuals: %v", err)
	}
	director := stepByName(t, inst, "Director")
	if director.Status != domain.StepSkipped {
		t.Fatalf("expected skipped Director step, got %s", director.Status)
	}
	// Approving the single remaining step completes the instance.
	ro := stepByName(t, inst, "RO")
	updated, err := env.Engine.ApproveStep(env.Ctx, env.DirectorActor, inst.ID, ro.ID, "")
	if err != nil {
		t.Fatalf("approve RO step: %v", err)
	}
	if updated.Status != domain.ApprovalApproved {
		t.Fatalf("expected approved instance, got %s", updated.Status)
	}
}

func TestApproveChainCompletesInstance(t *testing.T) {
	env := newTestEnv(t)
	inst, err := env.Engine.SignActuals(env.Ctx, env.ROActor, env.LineID)
	if err != nil {
		t.Fatalf("sign actuals: %v", err)
	}
	ro := stepByName(t, inst, "RO")
	inst, err = env.Engine.ApproveStep(env.Ctx, env.ROActor, inst.ID, ro.ID, "looks good")
	if err != nil {
		t.Fatalf("approve RO: %v", err)
	}
	if inst.Status != domain.ApprovalPending {
		t.Fatalf("instance should stay pending after first step, got %s", inst.Status)
	}
	director := stepByName(t, inst, "Director")
	inst, err = env.Engine.ApproveStep(env.Ctx, env.DirectorActor, inst.ID, director.ID, "")
	if err != nil {
		t.Fatalf("approve Director: %v", err)
	}
	if inst.Status != domain.ApprovalApproved {
		t.Fatalf("expected approved, got %s", inst.Status)
	}

	actions, err := env.Engine.Repo.ListApprovalActions(env.Ctx, testTenant, inst.ID)
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(actions))
	}
	if actions[0].Action != "approve" || actions[0].Comment == nil || *actions[0].Comment != "looks good" {
		t.Fatalf("first action: %+v", actions[0])
	}
}

func TestRejectAbsorbs(t *testing.T) {
	env := newTestEnv(t)
	inst, err := env.Engine.SignActuals(env.Ctx, env.ROActor, env.LineID)
	if err != nil {
		t.Fatalf("sign actuals: %v", err)
	}
	ro := stepByName(t, inst, "RO")
	inst, err = env.Engine.RejectStep(env.Ctx, env.ROActor, inst.ID, ro.ID, "hours wrong")
	if err != nil {
		t.Fatalf("reject RO: %v", err)
	}
	if inst.Status != domain.ApprovalRejected {
		t.Fatalf("expected rejected, got %s", inst.Status)
	}
	// No further action succeeds on a terminal instance.
	director := stepByName(t, inst, "Director")
	_, err = env.Engine.ApproveStep(env.Ctx, env.DirectorActor, inst.ID, director.ID, "")
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDoubleActionOnStepFails(t *testing.T) {
	env := newTestEnv(t)
	inst, err := env.Engine.SignActuals(env.Ctx, env.ROActor, env.LineID)
	if err != nil {
		t.Fatalf("sign actuals: %v", err)
	}
	ro := stepByName(t, inst, "RO")
	if _, err := env.Engine.ApproveStep(env.Ctx, env.ROActor, inst.ID, ro.ID, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	_, err = env.Engine.ApproveStep(env.Ctx, env.ROActor, inst.ID, ro.ID, "")
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestProxyApproveDirectorStep(t *testing.T) {
	env := newTestEnv(t)
	inst, err := env.Engine.SignActuals(env.Ctx, env.ROActor, env.LineID)
	if err != nil {
		t.Fatalf("sign actuals: %v", err)
	}
	ro := stepByName(t, inst, "RO")
	director := stepByName(t, inst, "Director")

	// Comment is mandatory.
	_, err = env.Engine.ProxyApproveDirectorStep(env.Ctx, env.ROActor, inst.ID, director.ID, "  ")
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error for empty comment, got %v", err)
	}

	// Proxy applies only to the Director step.
	_, err = env.Engine.ProxyApproveDirectorStep(env.Ctx, env.ROActor, inst.ID, ro.ID, "director on leave")
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error on RO step, got %v", err)
	}

	if _, err := env.Engine.ApproveStep(env.Ctx, env.ROActor, inst.ID, ro.ID, ""); err != nil {
		t.Fatalf("approve RO: %v", err)
	}
	inst, err = env.Engine.ProxyApproveDirectorStep(env.Ctx, env.ROActor, inst.ID, director.ID, "director on leave")
	if err != nil {
		t.Fatalf("proxy approve: %v", err)
	}
	if inst.Status != domain.ApprovalApproved {
		t.Fatalf("expected approved, got %s", inst.Status)
	}
	actions, err := env.Engine.Repo.ListApprovalActions(env.Ctx, testTenant, inst.ID)
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	last := actions[len(actions)-1]
	if last.Action != "proxy_approve" {
		t.Fatalf("expected proxy_approve action, got %s", last.Action)
	}
	if last.PerformedBy != "oid-ro" {
		t.Fatalf("proxy action performed by %s", last.PerformedBy)
	}
}

func TestInboxFollowsCurrentStep(t *testing.T) {
	env := newTestEnv(t)
	inst, err := env.Engine.SignActuals(env.Ctx, env.ROActor, env.LineID)
	if err != nil {
		t.Fatalf("sign actuals: %v", err)
	}

	roInbox, err := env.Engine.Inbox(env.Ctx, env.ROActor)
	if err != nil {
		t.Fatalf("RO inbox: %v", err)
	}
	if len(roInbox) != 1 || roInbox[0].ID != inst.ID {
		t.Fatalf("RO inbox = %+v", roInbox)
	}
	dirInbox, err := env.Engine.Inbox(env.Ctx, env.DirectorActor)
	if err != nil {
		t.Fatalf("Director inbox: %v", err)
	}
	if len(dirInbox) != 0 {
		t.Fatalf("Director inbox should be empty while RO step pends, got %d", len(dirInbox))
	}

	ro := stepByName(t, inst, "RO")
	if _, err := env.Engine.ApproveStep(env.Ctx, env.ROActor, inst.ID, ro.ID, ""); err != nil {
		t.Fatalf("approve RO: %v", err)
	}
	dirInbox, err = env.Engine.Inbox(env.Ctx, env.DirectorActor)
	if err != nil {
		t.Fatalf("Director inbox: %v", err)
	}
	if len(dirInbox) != 1 {
		t.Fatalf("Director inbox should hold the instance now, got %d", len(dirInbox))
	}

	// A principal with no tenant user gets an empty inbox, not an error.
	ghost := engine.Actor{TenantID: testTenant, ObjectID: "oid-ghost", Role: domain.RoleRO}
	ghostInbox, err := env.Engine.Inbox(env.Ctx, ghost)
	if err != nil {
		t.Fatalf("ghost inbox: %v", err)
	}
	if len(ghostInbox) != 0 {
		t.Fatalf("ghost inbox = %+v", ghostInbox)
	}
}

func TestUnassignedStepOpenToAnyone(t *testing.T) {
	env := newTestEnv(t)
	// Detach the resource from its cost center so no approver resolves.
	if _, err := env.Engine.DB.Exec(`UPDATE resources SET cost_center_id=NULL WHERE id='res-1'`); err != nil {
		t.Fatalf("detach resource: %v", err)
	}
	inst, err := env.Engine.SignActuals(env.Ctx, env.ROActor, env.LineID)
	if err != nil {
		t.Fatalf("sign actuals: %v", err)
	}
	ro := stepByName(t, inst, "RO")
	if ro.ApproverID != nil {
		t.Fatalf("expected unassigned RO step, got %v", *ro.ApproverID)
	}
	// Unassigned steps show up for any tenant user.
	dirInbox, err := env.Engine.Inbox(env.Ctx, env.DirectorActor)
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if len(dirInbox) != 1 {
		t.Fatalf("expected instance in inbox, got %d", len(dirInbox))
	}
}

func TestGetByIDScopedToTenant(t *testing.T) {
	env := newTestEnv(t)
	inst, err := env.Engine.SignActuals(env.Ctx, env.ROActor, env.LineID)
	if err != nil {
		t.Fatalf("sign actuals: %v", err)
	}
	other := engine.Actor{TenantID: "other", ObjectID: "oid-x", Role: domain.RoleAdmin}
	if _, err := env.Engine.GetByID(env.Ctx, other, inst.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found across tenants, got %v", err)
	}
}

func TestLaterStepActionableBeforeEarlier(t *testing.T) {
	env := newTestEnv(t)
	inst, err := env.Engine.SignActuals(env.Ctx, env.ROActor, env.LineID)
	if err != nil {
		t.Fatalf("sign actuals: %v", err)
	}
	director := stepByName(t, inst, "Director")

	// The Director step is actionable while the RO step is still pending.
	inst, err = env.Engine.ApproveStep(env.Ctx, env.DirectorActor, inst.ID, director.ID, "")
	if err != nil {
		t.Fatalf("approve director step first: %v", err)
	}
	if inst.Status != domain.ApprovalPending {
		t.Fatalf("instance should stay pending with RO step open, got %s", inst.Status)
	}
	if s := stepByName(t, inst, "Director"); s.Status != domain.StepApproved {
		t.Fatalf("director step = %s", s.Status)
	}
	if s := stepByName(t, inst, "RO"); s.Status != domain.StepPending {
		t.Fatalf("RO step = %s", s.Status)
	}

	ro := stepByName(t, inst, "RO")
	inst, err = env.Engine.ApproveStep(env.Ctx, env.ROActor, inst.ID, ro.ID, "")
	if err != nil {
		t.Fatalf("approve RO step: %v", err)
	}
	if inst.Status != domain.ApprovalApproved {
		t.Fatalf("expected approved after both steps, got %s", inst.Status)
	}
}

func TestActualsInstanceEnrichedOnRead(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.Engine.SignActuals(env.Ctx, env.ROActor, env.LineID)
	if err != nil {
		t.Fatalf("sign actuals: %v", err)
	}

	inst, err := env.Engine.GetByID(env.Ctx, env.ROActor, created.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if inst.ResourceID == nil || *inst.ResourceID != "res-1" {
		t.Fatalf("resource id = %v", inst.ResourceID)
	}
	if inst.ResourceName == nil || *inst.ResourceName != "Eve Engineer" {
		t.Fatalf("resource name = %v", inst.ResourceName)
	}
	if inst.ProjectID == nil || *inst.ProjectID != "proj-1" {
		t.Fatalf("project id = %v", inst.ProjectID)
	}
	if inst.ProjectName == nil || *inst.ProjectName != "Apollo" {
		t.Fatalf("project name = %v", inst.ProjectName)
	}
	if inst.PeriodLabel == nil || *inst.PeriodLabel != "February 2026" {
		t.Fatalf("period label = %v", inst.PeriodLabel)
	}

	inbox, err := env.Engine.Inbox(env.Ctx, env.ROActor)
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if len(inbox) != 1 || inbox[0].ResourceName == nil || *inbox[0].ResourceName != "Eve Engineer" {
		t.Fatalf("inbox not enriched: %+v", inbox)
	}
}

func TestEnrichmentNeverFailsTheRead(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.Engine.CreateApproval(env.Ctx, env.ROActor, "actuals", "no-such-line", "res-1")
	if err != nil {
		t.Fatalf("create approval: %v", err)
	}

	inst, err := env.Engine.GetByID(env.Ctx, env.ROActor, created.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if inst.ResourceName != nil || inst.ProjectName != nil || inst.PeriodLabel != nil {
		t.Fatalf("expected bare instance when the line is missing, got %+v", inst)
	}
}
