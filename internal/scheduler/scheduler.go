// Package scheduler plans and dispatches month-end actuals reminders.
//
// Deadlines start from a configurable base day of the month and roll
// forward over weekends and tenant holidays. Dispatch is idempotent per
// (tenant, phase, year, month): the first run claims the slot and writes
// one log row per recipient, later runs report the existing run instead.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"resplan/internal/audit"
	"resplan/internal/config"
	"resplan/internal/domain"
	"resplan/internal/repo"
)

// maxDeadlineRolls bounds the roll-forward loop. A tenant calendar dense
// enough to exhaust it keeps the last candidate date.
const maxDeadlineRolls = 10

// phaseRoles maps a reminder phase to the roles that receive it.
var phaseRoles = map[string][]string{
	domain.PhasePMRO:       {domain.RolePM, domain.RoleRO},
	domain.PhaseFinance:    {domain.RoleFinance},
	domain.PhaseEmployee:   {domain.RoleEmployee},
	domain.PhaseRODirector: {domain.RoleRO, domain.RoleDirector},
}

var phaseTemplates = map[string]string{
	domain.PhasePMRO:       "Reminder: Please complete demand and supply planning for %02d/%d by %s.",
	domain.PhaseFinance:    "Reminder: Planning data for %02d/%d is ready for review. Please consolidate by %s.",
	domain.PhaseEmployee:   "Reminder: Please enter your actuals for %02d/%d by %s.",
	domain.PhaseRODirector: "Reminder: Actuals for %02d/%d are awaiting your approval. Please review by %s.",
}

const defaultMessage = "Notification reminder."

type Scheduler struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, logger *zap.Logger) Scheduler {
	return Scheduler{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Audit:  audit.Writer{DB: db, Logger: logger},
		Config: cfg,
		Now:    time.Now,
	}
}

func (s Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// CalculateDeadline resolves the reminder deadline for a period. baseDay 0
// falls back to the configured base day. The candidate rolls forward one day
// at a time while it lands on a Saturday, Sunday or tenant holiday, up to
// maxDeadlineRolls times.
func (s Scheduler) CalculateDeadline(ctx context.Context, tenantID string, year, month, baseDay int) (time.Time, error) {
	if baseDay <= 0 {
		baseDay = s.Config.Notifications.DeadlineBaseDay
	}
	candidate := time.Date(year, time.Month(month), baseDay, 0, 0, 0, 0, time.UTC)
	from := candidate.Format("2006-01-02")
	to := time.Date(year, time.Month(month), 28, 0, 0, 0, 0, time.UTC).Format("2006-01-02")
	dates, err := s.Repo.ListHolidayDatesInRange(ctx, tenantID, from, to)
	if err != nil {
		return time.Time{}, err
	}
	holidays := make(map[string]struct{}, len(dates))
	for _, d := range dates {
		holidays[d] = struct{}{}
	}
	for i := 0; i < maxDeadlineRolls; i++ {
		wd := candidate.Weekday()
		_, holiday := holidays[candidate.Format("2006-01-02")]
		if wd != time.Saturday && wd != time.Sunday && !holiday {
			break
		}
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate, nil
}

// Recipient is one resolved reminder target.
type Recipient struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

// Preview describes what a run for the phase and period would send,
// without writing anything.
type Preview struct {
	Phase      string      `json:"phase"`
	Year       int         `json:"year"`
	Month      int         `json:"month"`
	Deadline   string      `json:"deadline" format:"date"`
	Recipients []Recipient `json:"recipients"`
	Message    string      `json:"message"`
}

// RunResult reports the outcome of Run. RunID always names the run owning
// the (tenant, phase, year, month) slot, whether this call created it or an
// earlier one did.
type RunResult struct {
	Status     string                   `json:"status" enum:"success,already_run"`
	RunID      string                   `json:"run_id"`
	Phase      string                   `json:"phase"`
	Year       int                      `json:"year"`
	Month      int                      `json:"month"`
	Mode       string                   `json:"mode"`
	Recipients int                      `json:"recipients"`
	Logs       []domain.NotificationLog `json:"logs,omitempty"`
}

// RecipientsForPhase resolves the tenant users behind a phase. Unknown
// phases resolve to no recipients.
func (s Scheduler) RecipientsForPhase(ctx context.Context, tenantID, phase string) ([]Recipient, error) {
	users, err := s.Repo.ListActiveUsersByRoles(ctx, tenantID, phaseRoles[phase])
	if err != nil {
		return nil, err
	}
	recipients := make([]Recipient, 0, len(users))
	for _, u := range users {
		recipients = append(recipients, Recipient{
			UserID:      u.ID,
			Email:       u.Email,
			DisplayName: u.DisplayName,
			Role:        u.Role,
		})
	}
	return recipients, nil
}

func (s Scheduler) message(phase string, year, month int, deadline time.Time) string {
	tmpl, ok := phaseTemplates[phase]
	if !ok {
		return defaultMessage
	}
	return fmt.Sprintf(tmpl, month, year, deadline.Format("2006-01-02"))
}

// PreviewRun resolves deadline, recipients and message for a phase and
// period without recording a run.
func (s Scheduler) PreviewRun(ctx context.Context, tenantID, phase string, year, month int) (Preview, error) {
	deadline, err := s.CalculateDeadline(ctx, tenantID, year, month, 0)
	if err != nil {
		return Preview{}, err
	}
	recipients, err := s.RecipientsForPhase(ctx, tenantID, phase)
	if err != nil {
		return Preview{}, err
	}
	return Preview{
		Phase:      phase,
		Year:       year,
		Month:      month,
		Deadline:   deadline.Format("2006-01-02"),
		Recipients: recipients,
		Message:    s.message(phase, year, month, deadline),
	}, nil
}

// Run dispatches reminders for the phase and period. The notification_runs
// slot is claimed inside the same transaction that writes the per-recipient
// log rows, so a duplicate run observes either nothing or the complete
// earlier run.
func (s Scheduler) Run(ctx context.Context, actor string, tenantID, phase string, year, month int) (RunResult, error) {
	if existing, err := s.Repo.GetNotificationRun(ctx, tenantID, phase, year, month); err == nil {
		return s.alreadyRun(existing), nil
	} else if err != repo.ErrNotFound {
		return RunResult{}, err
	}

	deadline, err := s.CalculateDeadline(ctx, tenantID, year, month, 0)
	if err != nil {
		return RunResult{}, err
	}
	recipients, err := s.RecipientsForPhase(ctx, tenantID, phase)
	if err != nil {
		return RunResult{}, err
	}
	message := s.message(phase, year, month, deadline)
	now := s.now().UTC().Format(time.RFC3339)
	run := domain.NotificationRun{
		RunID:     uuid.NewString(),
		TenantID:  tenantID,
		Phase:     phase,
		Year:      year,
		Month:     month,
		CreatedAt: now,
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return RunResult{}, err
	}
	defer tx.Rollback()

	claimed, err := s.Repo.ClaimNotificationRunTx(ctx, tx, run)
	if err != nil {
		return RunResult{}, err
	}
	if !claimed {
		// Lost the claim to a concurrent run.
		existing, err := s.Repo.GetNotificationRun(ctx, tenantID, phase, year, month)
		if err != nil {
			return RunResult{}, err
		}
		return s.alreadyRun(existing), nil
	}

	status := domain.NotificationPending
	var sentAt *string
	if s.Config.Notifications.Mode == config.NotifyModeStub {
		status = domain.NotificationSent
		sentAt = &now
	}
	logs := make([]domain.NotificationLog, 0, len(recipients))
	for _, r := range recipients {
		l := domain.NotificationLog{
			ID:              uuid.NewString(),
			TenantID:        tenantID,
			Phase:           phase,
			Year:            year,
			Month:           month,
			RecipientUserID: r.UserID,
			RecipientEmail:  r.Email,
			Status:          status,
			Message:         message,
			RunID:           run.RunID,
			SentAt:          sentAt,
			CreatedAt:       now,
		}
		if err := s.Repo.InsertNotificationLogTx(ctx, tx, l); err != nil {
			return RunResult{}, err
		}
		logs = append(logs, l)
	}
	if err := tx.Commit(); err != nil {
		return RunResult{}, err
	}

	s.Audit.Record(ctx, audit.Entry{
		TenantID:   tenantID,
		ActorID:    actor,
		Action:     "run_notifications",
		EntityType: "notification_run",
		EntityID:   run.RunID,
		NewValues: audit.Values{
			"phase":      phase,
			"year":       year,
			"month":      month,
			"recipients": len(recipients),
			"deadline":   deadline.Format("2006-01-02"),
		},
	})

	return RunResult{
		Status:     "success",
		RunID:      run.RunID,
		Phase:      phase,
		Year:       year,
		Month:      month,
		Mode:       s.Config.Notifications.Mode,
		Recipients: len(recipients),
		Logs:       logs,
	}, nil
}

func (s Scheduler) alreadyRun(run domain.NotificationRun) RunResult {
	return RunResult{
		Status: "already_run",
		RunID:  run.RunID,
		Phase:  run.Phase,
		Year:   run.Year,
		Month:  run.Month,
		Mode:   s.Config.Notifications.Mode,
	}
}

// Logs lists past notification log rows, newest first.
func (s Scheduler) Logs(ctx context.Context, tenantID string, f repo.NotificationLogFilters) ([]domain.NotificationLog, error) {
	return s.Repo.ListNotificationLogs(ctx, tenantID, f)
}
