package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"resplan/internal/app"
	"resplan/internal/config"
	"resplan/internal/db"
	"resplan/internal/domain"
	"resplan/internal/engine"
	"resplan/internal/migrate"
	"resplan/internal/repo"
	"resplan/internal/scheduler"
	"resplan/internal/server"
	resplansdk "resplan/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "rp",
	Short: "Resplan CLI",
	Long: `Resplan tracks monthly resource actuals through sign-off approvals
and calendar-aware reminder runs.
- Workspace: your .resplan directory holding the database; settings live in resplan.yml.
- Tenant: one customer organization owning users, resources and calendars.
- Actuals: hours per resource, project and period; signing them opens an approval.
- Approvals: an RO step then a Director step; the Director step is skipped
  when both resolve to the same person.
- Notifications: phase reminders whose deadline rolls over weekends and
  tenant holidays; each phase fires at most once per month.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("RESPLAN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("tenant", "", "tenant id (defaults to the single tenant)")
	rootCmd.PersistentFlags().String("actor", "local-user", "acting user object id")
	rootCmd.PersistentFlags().String("role", "Admin", "acting role")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
}

func registerCommands() {
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(departmentCmd())
	rootCmd.AddCommand(costCenterCmd())
	rootCmd.AddCommand(resourceCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(periodCmd())
	rootCmd.AddCommand(holidayCmd())
	rootCmd.AddCommand(actualsCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(remindCmd())
	rootCmd.AddCommand(serveCmd())
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tenant", Short: "Manage tenants"}
	cmd.AddCommand(tenantCreateCmd())
	cmd.AddCommand(tenantListCmd())
	return cmd
}

func tenantCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if name == "" {
					name = id
				}
				t := domain.Tenant{ID: id, Name: name, CreatedAt: nowRFC3339()}
				if err := r.InsertTenant(ctx, t); err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "tenant id")
	cmd.Flags().StringVar(&name, "name", "", "tenant name")
	return cmd
}

func tenantListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTenants(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage tenant users"}
	cmd.AddCommand(userCreateCmd())
	cmd.AddCommand(userListCmd())
	return cmd
}

func userCreateCmd() *cobra.Command {
	var objectID, email, name, role, departmentID string
	var inactive bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if objectID == "" || email == "" || role == "" {
				return fmt.Errorf("--object-id, --email and --user-role required")
			}
			return withTenant(cmd.Context(), func(ctx context.Context, r repo.Repo, tenantID string) error {
				u := domain.User{
					ID:           uuid.NewString(),
					TenantID:     tenantID,
					ObjectID:     objectID,
					Email:        email,
					DisplayName:  name,
					Role:         role,
					DepartmentID: optionalString(departmentID),
					IsActive:     !inactive,
					CreatedAt:    nowRFC3339(),
				}
				if err := r.InsertUser(ctx, u); err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&objectID, "object-id", "", "identity provider object id")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "user-role", "", "role (Admin, Finance, PM, RO, Director, Employee)")
	cmd.Flags().StringVar(&departmentID, "department", "", "department id")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "create as inactive")
	return cmd
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenant(cmd.Context(), func(ctx context.Context, r repo.Repo, tenantID string) error {
				items, err := r.ListUsers(ctx, tenantID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Object ID", "Email", "Role", "Department", "Active"})
				for _, u := range items {
					dept := ""
					if u.DepartmentID != nil {
						dept = *u.DepartmentID
					}
					tw.AppendRow(table.Row{u.ID, u.ObjectID, u.Email, u.Role, dept, u.IsActive})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func departmentCmd() *cobra.Command {
	var id, name, code string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create department",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withTenant(cmd.Context(), func(ctx context.Context, r repo.Repo, tenantID string) error {
				if id == "" {
					id = uuid.NewString()
				}
				d := domain.Department{ID: id, TenantID: tenantID, Name: name, Code: code}
				if err := r.InsertDepartment(ctx, d); err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "department id")
	create.Flags().StringVar(&name, "name", "", "department name")
	create.Flags().StringVar(&code, "code", "", "department code")
	cmd := &cobra.Command{Use: "department", Short: "Manage departments"}
	cmd.AddCommand(create)
	return cmd
}

func costCenterCmd() *cobra.Command {
	var id, name, code, departmentID, roUserID string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create cost center",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withTenant(cmd.Context(), func(ctx context.Context, r repo.Repo, tenantID string) error {
				if id == "" {
					id = uuid.NewString()
				}
				cc := domain.CostCenter{
					ID:           id,
					TenantID:     tenantID,
					Name:         name,
					Code:         code,
					DepartmentID: optionalString(departmentID),
					ROUserID:     optionalString(roUserID),
				}
				if err := r.InsertCostCenter(ctx, cc); err != nil {
					return err
				}
				return printJSONOrTable(cc)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "cost center id")
	create.Flags().StringVar(&name, "name", "", "cost center name")
	create.Flags().StringVar(&code, "code", "", "cost center code")
	create.Flags().StringVar(&departmentID, "department", "", "department id")
	create.Flags().StringVar(&roUserID, "ro-user", "", "resource owner user id")
	cmd := &cobra.Command{Use: "cost-center", Short: "Manage cost centers"}
	cmd.AddCommand(create)
	return cmd
}

func resourceCmd() *cobra.Command {
	var id, name, email, userID, costCenterID, employeeID string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create resource",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withTenant(cmd.Context(), func(ctx context.Context, r repo.Repo, tenantID string) error {
				if id == "" {
					id = uuid.NewString()
				}
				res := domain.Resource{
					ID:           id,
					TenantID:     tenantID,
					DisplayName:  name,
					Email:        email,
					UserID:       optionalString(userID),
					CostCenterID: optionalString(costCenterID),
					EmployeeID:   employeeID,
				}
				if err := r.InsertResource(ctx, res); err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "resource id")
	create.Flags().StringVar(&name, "name", "", "display name")
	create.Flags().StringVar(&email, "email", "", "email address")
	create.Flags().StringVar(&userID, "user", "", "linked user id")
	create.Flags().StringVar(&costCenterID, "cost-center", "", "cost center id")
	create.Flags().StringVar(&employeeID, "employee-id", "", "HR employee id")
	cmd := &cobra.Command{Use: "resource", Short: "Manage resources"}
	cmd.AddCommand(create)
	return cmd
}

func projectCmd() *cobra.Command {
	var id, name, code, pmUserID string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withTenant(cmd.Context(), func(ctx context.Context, r repo.Repo, tenantID string) error {
				if id == "" {
					id = uuid.NewString()
				}
				p := domain.Project{
					ID:       id,
					TenantID: tenantID,
					Name:     name,
					Code:     code,
					PMUserID: optionalString(pmUserID),
				}
				if err := r.InsertProject(ctx, p); err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "project id")
	create.Flags().StringVar(&name, "name", "", "project name")
	create.Flags().StringVar(&code, "code", "", "project code")
	create.Flags().StringVar(&pmUserID, "pm-user", "", "project manager user id")
	cmd := &cobra.Command{Use: "project", Short: "Manage projects"}
	cmd.AddCommand(create)
	return cmd
}

func periodCmd() *cobra.Command {
	var year, month int
	create := &cobra.Command{
		Use:   "create",
		Short: "Create period",
		RunE: func(cmd *cobra.Command, args []string) error {
			if year == 0 || month == 0 {
				return fmt.Errorf("--year and --month required")
			}
			return withTenant(cmd.Context(), func(ctx context.Context, r repo.Repo, tenantID string) error {
				p := domain.Period{
					ID:       uuid.NewString(),
					TenantID: tenantID,
					Year:     year,
					Month:    month,
					Status:   "open",
				}
				if err := r.InsertPeriod(ctx, p); err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	create.Flags().IntVar(&year, "year", 0, "period year")
	create.Flags().IntVar(&month, "month", 0, "period month")
	cmd := &cobra.Command{Use: "period", Short: "Manage periods"}
	cmd.AddCommand(create)
	return cmd
}

func holidayCmd() *cobra.Command {
	var date, name string
	var year int
	add := &cobra.Command{
		Use:   "add",
		Short: "Add tenant holiday",
		RunE: func(cmd *cobra.Command, args []string) error {
			if date == "" {
				return fmt.Errorf("--date required (YYYY-MM-DD)")
			}
			if _, err := time.Parse("2006-01-02", date); err != nil {
				return fmt.Errorf("invalid --date: %w", err)
			}
			return withTenant(cmd.Context(), func(ctx context.Context, r repo.Repo, tenantID string) error {
				h := domain.Holiday{ID: uuid.NewString(), TenantID: tenantID, Date: date, Name: name}
				if err := r.InsertHoliday(ctx, h); err != nil {
					return err
				}
				return printJSONOrTable(h)
			})
		},
	}
	add.Flags().StringVar(&date, "date", "", "holiday date (YYYY-MM-DD)")
	add.Flags().StringVar(&name, "name", "", "holiday name")
	list := &cobra.Command{
		Use:   "list",
		Short: "List tenant holidays for a year",
		RunE: func(cmd *cobra.Command, args []string) error {
			if year == 0 {
				year = time.Now().UTC().Year()
			}
			return withTenant(cmd.Context(), func(ctx context.Context, r repo.Repo, tenantID string) error {
				from := fmt.Sprintf("%d-01-01", year)
				to := fmt.Sprintf("%d-12-31", year)
				dates, err := r.ListHolidayDatesInRange(ctx, tenantID, from, to)
				if err != nil {
					return err
				}
				return printJSONOrTable(dates)
			})
		},
	}
	list.Flags().IntVar(&year, "year", 0, "calendar year (default: current)")
	cmd := &cobra.Command{Use: "holiday", Short: "Manage tenant holidays"}
	cmd.AddCommand(add)
	cmd.AddCommand(list)
	return cmd
}

func actualsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "actuals", Short: "Manage actual lines"}
	cmd.AddCommand(actualsAddCmd())
	cmd.AddCommand(actualsSignCmd())
	return cmd
}

func actualsAddCmd() *cobra.Command {
	var id, periodID, resourceID, projectID string
	var hours float64
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an actual line",
		RunE: func(cmd *cobra.Command, args []string) error {
			if periodID == "" || resourceID == "" || projectID == "" {
				return fmt.Errorf("--period, --resource and --project required")
			}
			return withTenant(cmd.Context(), func(ctx context.Context, r repo.Repo, tenantID string) error {
				if id == "" {
					id = uuid.NewString()
				}
				line := domain.ActualLine{
					ID:         id,
					TenantID:   tenantID,
					PeriodID:   periodID,
					ResourceID: resourceID,
					ProjectID:  projectID,
					Hours:      hours,
					CreatedAt:  nowRFC3339(),
				}
				if err := r.InsertActualLine(ctx, line); err != nil {
					return err
				}
				return printJSONOrTable(line)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "line id")
	cmd.Flags().StringVar(&periodID, "period", "", "period id")
	cmd.Flags().StringVar(&resourceID, "resource", "", "resource id")
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().Float64Var(&hours, "hours", 0, "hours")
	return cmd
}

func actualsSignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign <line-id>",
		Short: "Sign an actual line and open its approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				inst, err := e.SignActuals(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	return cmd
}

func approvalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "approval", Short: "Work the approval inbox"}
	cmd.AddCommand(approvalInboxCmd())
	cmd.AddCommand(approvalShowCmd())
	cmd.AddCommand(approvalActionsCmd())
	cmd.AddCommand(approvalActionCmd("approve", "Approve a pending step"))
	cmd.AddCommand(approvalActionCmd("reject", "Reject a pending step"))
	cmd.AddCommand(approvalProxyCmd())
	return cmd
}

func approvalInboxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inbox",
		Short: "Pending approvals actionable by the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				items, err := e.Inbox(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Instance", "Subject", "Status", "Current Step", "Created"})
				for _, inst := range items {
					step := ""
					for _, s := range inst.Steps {
						if s.Status == domain.StepPending {
							step = fmt.Sprintf("%s (%s)", s.StepName, s.ID)
							break
						}
					}
					subject := inst.SubjectType + "/" + inst.SubjectID
					if inst.ResourceName != nil && inst.PeriodLabel != nil {
						subject = fmt.Sprintf("%s, %s (%s)", *inst.ResourceName, *inst.PeriodLabel, inst.SubjectType)
					}
					tw.AppendRow(table.Row{inst.ID, subject, inst.Status, step, inst.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func approvalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <instance-id>",
		Short: "Show an approval instance with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				inst, err := e.GetByID(ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
}

func approvalActionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "actions <instance-id>",
		Short: "Action history of an approval instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				items, err := e.Repo.ListApprovalActions(ctx, actor.TenantID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func approvalActionCmd(action, short string) *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   action + " <instance-id> <step-id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				var inst domain.ApprovalInstance
				var err error
				if action == "reject" {
					inst, err = e.RejectStep(ctx, actor, args[0], args[1], comment)
				} else {
					inst, err = e.ApproveStep(ctx, actor, args[0], args[1], comment)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "action comment")
	return cmd
}

func approvalProxyCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "proxy-approve <instance-id> <step-id>",
		Short: "Approve the Director step on the Director's behalf",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor engine.Actor) error {
				inst, err := e.ProxyApproveDirectorStep(ctx, actor, args[0], args[1], comment)
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "mandatory proxy comment")
	return cmd
}

func notifyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "notify", Short: "Deadlines and reminder runs"}
	cmd.AddCommand(notifyDeadlineCmd())
	cmd.AddCommand(notifyPreviewCmd())
	cmd.AddCommand(notifyRunCmd())
	cmd.AddCommand(notifyLogsCmd())
	return cmd
}

func notifyDeadlineCmd() *cobra.Command {
	var year, month, baseDay int
	cmd := &cobra.Command{
		Use:   "deadline",
		Short: "Resolve the rolled deadline for a period",
		RunE: func(cmd *cobra.Command, args []string) error {
			if year == 0 || month == 0 {
				return fmt.Errorf("--year and --month required")
			}
			return withScheduler(cmd.Context(), func(ctx context.Context, s scheduler.Scheduler, tenantID string) error {
				deadline, err := s.CalculateDeadline(ctx, tenantID, year, month, baseDay)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"tenant_id": tenantID,
					"year":      year,
					"month":     month,
					"deadline":  deadline.Format("2006-01-02"),
				})
			})
		},
	}
	cmd.Flags().IntVar(&year, "year", 0, "period year")
	cmd.Flags().IntVar(&month, "month", 0, "period month")
	cmd.Flags().IntVar(&baseDay, "base-day", 0, "override the configured base day")
	return cmd
}

func notifyPreviewCmd() *cobra.Command {
	var phase string
	var year, month int
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Preview a reminder run without sending",
		RunE: func(cmd *cobra.Command, args []string) error {
			if phase == "" || year == 0 || month == 0 {
				return fmt.Errorf("--phase, --year and --month required")
			}
			return withScheduler(cmd.Context(), func(ctx context.Context, s scheduler.Scheduler, tenantID string) error {
				preview, err := s.PreviewRun(ctx, tenantID, phase, year, month)
				if err != nil {
					return err
				}
				return printJSONOrTable(preview)
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase (PM_RO, Finance, Employee, RO_Director)")
	cmd.Flags().IntVar(&year, "year", 0, "period year")
	cmd.Flags().IntVar(&month, "month", 0, "period month")
	return cmd
}

func notifyRunCmd() *cobra.Command {
	var phase string
	var year, month int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Dispatch reminders for a phase and period",
		RunE: func(cmd *cobra.Command, args []string) error {
			if phase == "" || year == 0 || month == 0 {
				return fmt.Errorf("--phase, --year and --month required")
			}
			return withScheduler(cmd.Context(), func(ctx context.Context, s scheduler.Scheduler, tenantID string) error {
				res, err := s.Run(ctx, viper.GetString("actor"), tenantID, phase, year, month)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase (PM_RO, Finance, Employee, RO_Director)")
	cmd.Flags().IntVar(&year, "year", 0, "period year")
	cmd.Flags().IntVar(&month, "month", 0, "period month")
	return cmd
}

func notifyLogsCmd() *cobra.Command {
	var phase string
	var year, month int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "List past notification logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScheduler(cmd.Context(), func(ctx context.Context, s scheduler.Scheduler, tenantID string) error {
				items, err := s.Logs(ctx, tenantID, repo.NotificationLogFilters{Phase: phase, Year: year, Month: month})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Phase", "Period", "Recipient", "Status", "Run", "Created"})
				for _, l := range items {
					tw.AppendRow(table.Row{l.Phase, fmt.Sprintf("%04d-%02d", l.Year, l.Month), l.RecipientEmail, l.Status, l.RunID, l.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase filter")
	cmd.Flags().IntVar(&year, "year", 0, "year filter")
	cmd.Flags().IntVar(&month, "month", 0, "month filter")
	return cmd
}

// remindCmd drives a running server through the SDK, firing every
// configured phase whose day of month has been reached. The server's run
// gate keeps repeats harmless.
func remindCmd() *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "remind",
		Short: "Fire due reminder runs against a server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			client := resplansdk.New(serverURL)
			client.BearerToken = os.Getenv("RESPLAN_TOKEN")
			if client.BearerToken == "" {
				client.DevTenant = viper.GetString("tenant")
				client.DevRole = viper.GetString("role")
				client.DevUser = viper.GetString("actor")
			}
			now := time.Now().UTC()
			for phase, day := range cfg.Notifications.ReminderDays {
				if now.Day() < day {
					continue
				}
				res, err := client.RunNotifications(cmd.Context(), phase, now.Year(), int(now.Month()))
				if err != nil {
					return fmt.Errorf("phase %s: %w", phase, err)
				}
				fmt.Printf("%s: %s run=%s recipients=%d\n", phase, res.Status, res.RunID, res.Recipients)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "server base URL")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()
			authCfg := server.AuthConfig{
				JWTSecret: os.Getenv("RESPLAN_JWT_SECRET"),
				DevBypass: cfg.Auth.DevBypass,
				Logger:    logger,
			}
			if authCfg.JWTSecret == "" {
				authCfg.JWTSecret = cfg.Auth.JWTSecret
			}
			if authCfg.JWTSecret == "" && !authCfg.DevBypass {
				return fmt.Errorf("RESPLAN_JWT_SECRET is required unless dev bypass is enabled")
			}
			e := engine.New(conn, cfg, logger)
			s := scheduler.New(conn, cfg, logger)
			handler, err := server.New(server.Config{
				Engine:          e,
				Scheduler:       s,
				BasePath:        basePath,
				Auth:            authCfg,
				EnableReminders: true,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Resplan API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsDev() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func withTenant(ctx context.Context, fn func(context.Context, repo.Repo, string) error) error {
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		tenantID, err := app.ResolveTenant(ctx, viper.GetString("tenant"), r)
		if err != nil {
			return err
		}
		return fn(ctx, r, tenantID)
	})
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, engine.Actor) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	tenantID, err := app.ResolveTenant(ctx, viper.GetString("tenant"), r)
	if err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()
	e := engine.New(conn, cfg, logger)
	actor := engine.Actor{
		TenantID: tenantID,
		ObjectID: viper.GetString("actor"),
		Role:     viper.GetString("role"),
	}
	return fn(ctx, e, actor)
}

func withScheduler(ctx context.Context, fn func(context.Context, scheduler.Scheduler, string) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	tenantID, err := app.ResolveTenant(ctx, viper.GetString("tenant"), r)
	if err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()
	s := scheduler.New(conn, cfg, logger)
	return fn(ctx, s, tenantID)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
