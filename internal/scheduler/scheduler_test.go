package scheduler_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"resplan/internal/config"
	"resplan/internal/db"
	"resplan/internal/domain"
	"resplan/internal/migrate"
	"resplan/internal/repo"
	"resplan/internal/scheduler"
)

const testTenant = "acme"

func newTestScheduler(t *testing.T) (scheduler.Scheduler, context.Context) {
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
	s := scheduler.New(conn, config.Default(), zap.NewNop())
	s.Now = func() time.Time { return time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := s.Repo.InsertTenant(ctx, domain.Tenant{ID: testTenant, Name: "Acme", CreatedAt: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	return s, ctx
}

func seedUser(t *testing.T, r repo.Repo, ctx context.Context, id, role string) {
	t.Helper()
	u := domain.User{
		ID:          id,
		TenantID:    testTenant,
		ObjectID:    "oid-" + id,
		Email:       id + "@acme.test",
		DisplayName: id,
		Role:        role,
		IsActive:    true,
		CreatedAt:   "2026-01-01T00:00:00Z",
	}
	if err := r.InsertUser(ctx, u); err != nil {
		t.Fatalf("seed user %s: %v", id, err)
	}
}

func seedHoliday(t *testing.T, r repo.Repo, ctx context.Context, date string) {
	t.Helper()
	h := domain.Holiday{ID: "hol-" + date, TenantID: testTenant, Date: date, Name: "closed"}
	if err := r.InsertHoliday(ctx, h); err != nil {
		t.Fatalf("seed holiday %s: %v", date, err)
	}
}

func TestCalculateDeadlineWeekdayStays(t *testing.T) {
	s, ctx := newTestScheduler(t)
	// 2026-02-05 is a Thursday.
	deadline, err := s.CalculateDeadline(ctx, testTenant, 2026, 2, 0)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if got := deadline.Format("2006-01-02"); got != "2026-02-05" {
		t.Fatalf("deadline = %s", got)
	}
}

func TestCalculateDeadlineRollsOverWeekend(t *testing.T) {
	s, ctx := newTestScheduler(t)
	// 2026-09-05 is a Saturday; the deadline lands on Monday the 7th.
	deadline, err := s.CalculateDeadline(ctx, testTenant, 2026, 9, 0)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if got := deadline.Format("2006-01-02"); got != "2026-09-07" {
		t.Fatalf("deadline = %s", got)
	}
}

func TestCalculateDeadlineRollsOverHolidays(t *testing.T) {
	s, ctx := newTestScheduler(t)
	// Thursday and Friday are holidays, the weekend follows, so the
	// deadline lands on Monday.
	seedHoliday(t, s.Repo, ctx, "2026-02-05")
	seedHoliday(t, s.Repo, ctx, "2026-02-06")
	deadline, err := s.CalculateDeadline(ctx, testTenant, 2026, 2, 0)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if got := deadline.Format("2006-01-02"); got != "2026-02-09" {
		t.Fatalf("deadline = %s", got)
	}
}

func TestCalculateDeadlineRollBudget(t *testing.T) {
	s, ctx := newTestScheduler(t)
	// Every day from the base day onward is a holiday. The roll budget
	// caps the search and keeps the last candidate.
	for day := 5; day <= 28; day++ {
		seedHoliday(t, s.Repo, ctx, fmt.Sprintf("2026-02-%02d", day))
	}
	deadline, err := s.CalculateDeadline(ctx, testTenant, 2026, 2, 0)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if got := deadline.Format("2006-01-02"); got != "2026-02-15" {
		t.Fatalf("deadline = %s", got)
	}
}

func TestCalculateDeadlineBaseDayOverride(t *testing.T) {
	s, ctx := newTestScheduler(t)
	// 2026-02-10 is a Tuesday.
	deadline, err := s.CalculateDeadline(ctx, testTenant, 2026, 2, 10)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if got := deadline.Format("2006-01-02"); got != "2026-02-10" {
		t.Fatalf("deadline = %s", got)
	}
}

func TestRecipientsFollowPhaseRoles(t *testing.T) {
	s, ctx := newTestScheduler(t)
	seedUser(t, s.Repo, ctx, "pm1", domain.RolePM)
	seedUser(t, s.Repo, ctx, "ro1", domain.RoleRO)
	seedUser(t, s.Repo, ctx, "fin1", domain.RoleFinance)
	seedUser(t, s.Repo, ctx, "emp1", domain.RoleEmployee)

	got, err := s.RecipientsForPhase(ctx, testTenant, domain.PhasePMRO)
	if err != nil {
		t.Fatalf("recipients: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("PM_RO recipients = %d", len(got))
	}
	got, err = s.RecipientsForPhase(ctx, testTenant, domain.PhaseFinance)
	if err != nil {
		t.Fatalf("recipients: %v", err)
	}
	if len(got) != 1 || got[0].Role != domain.RoleFinance {
		t.Fatalf("Finance recipients = %+v", got)
	}
	got, err = s.RecipientsForPhase(ctx, testTenant, "Unknown")
	if err != nil {
		t.Fatalf("recipients: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("unknown phase recipients = %d", len(got))
	}
}

func TestPreviewCarriesDeadlineAndMessage(t *testing.T) {
	s, ctx := newTestScheduler(t)
	seedUser(t, s.Repo, ctx, "emp1", domain.RoleEmployee)
	preview, err := s.PreviewRun(ctx, testTenant, domain.PhaseEmployee, 2026, 2)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if preview.Deadline != "2026-02-05" {
		t.Fatalf("deadline = %s", preview.Deadline)
	}
	if len(preview.Recipients) != 1 {
		t.Fatalf("recipients = %d", len(preview.Recipients))
	}
	want := "Reminder: Please enter your actuals for 02/2026 by 2026-02-05."
	if preview.Message != want {
		t.Fatalf("message = %q", preview.Message)
	}
	// Preview writes nothing.
	logs, err := s.Logs(ctx, testTenant, repo.NotificationLogFilters{})
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(logs) != 0 {
		t.Fatalf("preview wrote %d logs", len(logs))
	}
}

func TestRunIsIdempotentPerPeriod(t *testing.T) {
	s, ctx := newTestScheduler(t)
	seedUser(t, s.Repo, ctx, "pm1", domain.RolePM)
	seedUser(t, s.Repo, ctx, "ro1", domain.RoleRO)

	first, err := s.Run(ctx, "tester", testTenant, domain.PhasePMRO, 2026, 2)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Status != "success" || first.Recipients != 2 {
		t.Fatalf("first run = %+v", first)
	}

	second, err := s.Run(ctx, "tester", testTenant, domain.PhasePMRO, 2026, 2)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Status != "already_run" {
		t.Fatalf("second run status = %s", second.Status)
	}
	if second.RunID != first.RunID {
		t.Fatalf("second run should reference run %s, got %s", first.RunID, second.RunID)
	}

	// A different month is a fresh slot with its own run id.
	third, err := s.Run(ctx, "tester", testTenant, domain.PhasePMRO, 2026, 3)
	if err != nil {
		t.Fatalf("third run: %v", err)
	}
	if third.Status != "success" || third.RunID == first.RunID {
		t.Fatalf("third run = %+v", third)
	}

	logs, err := s.Logs(ctx, testTenant, repo.NotificationLogFilters{Phase: domain.PhasePMRO, Year: 2026, Month: 2})
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 log rows for February, got %d", len(logs))
	}
	for _, l := range logs {
		if l.RunID != first.RunID {
			t.Fatalf("log run id = %s", l.RunID)
		}
	}
}

func TestRunStubModeMarksSent(t *testing.T) {
	s, ctx := newTestScheduler(t)
	seedUser(t, s.Repo, ctx, "fin1", domain.RoleFinance)
	res, err := s.Run(ctx, "tester", testTenant, domain.PhaseFinance, 2026, 2)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Mode != config.NotifyModeStub {
		t.Fatalf("mode = %s", res.Mode)
	}
	logs, err := s.Logs(ctx, testTenant, repo.NotificationLogFilters{Phase: domain.PhaseFinance})
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("logs = %d", len(logs))
	}
	if logs[0].Status != domain.NotificationSent || logs[0].SentAt == nil {
		t.Fatalf("stub log not sent: %+v", logs[0])
	}
}

func TestRunExternalModeLeavesPending(t *testing.T) {
	s, ctx := newTestScheduler(t)
	cfg := config.Default()
	cfg.Notifications.Mode = config.NotifyModeExternal
	s.Config = cfg
	seedUser(t, s.Repo, ctx, "fin1", domain.RoleFinance)
	if _, err := s.Run(ctx, "tester", testTenant, domain.PhaseFinance, 2026, 2); err != nil {
		t.Fatalf("run: %v", err)
	}
	logs, err := s.Logs(ctx, testTenant, repo.NotificationLogFilters{Phase: domain.PhaseFinance})
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Status != domain.NotificationPending || logs[0].SentAt != nil {
		t.Fatalf("external log should pend: %+v", logs[0])
	}
}
