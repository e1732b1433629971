package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"resplan/internal/scheduler"
)

const reminderInterval = time.Hour

// reminderDispatcher fires scheduled reminder runs once their configured
// day of month is reached. Dispatch is safe to repeat: the scheduler's run
// gate makes each (tenant, phase, year, month) fire at most once.
type reminderDispatcher struct {
	scheduler scheduler.Scheduler
	logger    *zap.Logger
}

func startReminderDispatcher(s scheduler.Scheduler, logger *zap.Logger) {
	if s.Config == nil || len(s.Config.Notifications.ReminderDays) == 0 {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &reminderDispatcher{scheduler: s, logger: logger}
	go d.run()
}

func (d *reminderDispatcher) run() {
	ticker := time.NewTicker(reminderInterval)
	defer ticker.Stop()
	for {
		d.dispatchDue(time.Now().UTC())
		<-ticker.C
	}
}

func (d *reminderDispatcher) dispatchDue(now time.Time) {
	ctx := context.Background()
	tenants, err := d.scheduler.Repo.ListTenants(ctx)
	if err != nil {
		d.logger.Warn("reminder: list tenants failed", zap.Error(err))
		return
	}
	for _, tenant := range tenants {
		for phase, day := range d.scheduler.Config.Notifications.ReminderDays {
			if now.Day() < day {
				continue
			}
			res, err := d.scheduler.Run(ctx, "scheduler", tenant.ID, phase, now.Year(), int(now.Month()))
			if err != nil {
				d.logger.Warn("reminder: run failed",
					zap.String("tenant", tenant.ID),
					zap.String("phase", phase),
					zap.Error(err))
				continue
			}
			if res.Status == "success" {
				d.logger.Info("reminder: dispatched",
					zap.String("tenant", tenant.ID),
					zap.String("phase", phase),
					zap.String("run_id", res.RunID),
					zap.Int("recipients", res.Recipients))
			}
		}
	}
}
