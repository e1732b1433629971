package domain

// Approval instance statuses.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// Approval step statuses. Skipped is assigned only at instance creation.
const (
	StepPending  = "pending"
	StepApproved = "approved"
	StepRejected = "rejected"
	StepSkipped  = "skipped"
)

// Notification phases of the monthly planning cycle.
const (
	PhasePMRO       = "PM_RO"
	PhaseFinance    = "Finance"
	PhaseEmployee   = "Employee"
	PhaseRODirector = "RO_Director"
)

// Notification delivery statuses.
const (
	NotificationSent    = "sent"
	NotificationPending = "pending"
)

// User roles within a tenant.
const (
	RoleAdmin    = "Admin"
	RoleFinance  = "Finance"
	RolePM       = "PM"
	RoleRO       = "RO"
	RoleDirector = "Director"
	RoleEmployee = "Employee"
)

type Tenant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type User struct {
	ID           string  `json:"id"`
	TenantID     string  `json:"tenant_id"`
	ObjectID     string  `json:"object_id"`
	Email        string  `json:"email"`
	DisplayName  string  `json:"display_name"`
	Role         string  `json:"role" enum:"Admin,Finance,PM,RO,Director,Employee"`
	DepartmentID *string `json:"department_id,omitempty"`
	IsActive     bool    `json:"is_active"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type Department struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Code     string `json:"code"`
}

type CostCenter struct {
	ID           string  `json:"id"`
	TenantID     string  `json:"tenant_id"`
	Name         string  `json:"name"`
	Code         string  `json:"code"`
	DepartmentID *string `json:"department_id,omitempty"`
	ROUserID     *string `json:"ro_user_id,omitempty"`
}

type Resource struct {
	ID           string  `json:"id"`
	TenantID     string  `json:"tenant_id"`
	DisplayName  string  `json:"display_name"`
	Email        string  `json:"email"`
	UserID       *string `json:"user_id,omitempty"`
	CostCenterID *string `json:"cost_center_id,omitempty"`
	EmployeeID   string  `json:"employee_id,omitempty"`
}

type Project struct {
	ID       string  `json:"id"`
	TenantID string  `json:"tenant_id"`
	Name     string  `json:"name"`
	Code     string  `json:"code"`
	PMUserID *string `json:"pm_user_id,omitempty"`
}

type Period struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Year     int    `json:"year"`
	Month    int    `json:"month"`
	Status   string `json:"status" enum:"open,closed"`
}

// Holiday is a tenant-scoped calendar exception, date in YYYY-MM-DD.
type Holiday struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Date     string `json:"date" format:"date"`
	Name     string `json:"name,omitempty"`
}

type ActualLine struct {
	ID         string  `json:"id"`
	TenantID   string  `json:"tenant_id"`
	PeriodID   string  `json:"period_id"`
	ResourceID string  `json:"resource_id"`
	ProjectID  string  `json:"project_id"`
	Hours      float64 `json:"hours"`
	Signed     bool    `json:"signed"`
	SignedAt   *string `json:"signed_at,omitempty" format:"date-time"`
	SignedBy   *string `json:"signed_by,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

// ApprovalInstance owns its steps as an ordered list by step_order.
type ApprovalInstance struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	SubjectType string         `json:"subject_type"`
	SubjectID   string         `json:"subject_id"`
	Status      string         `json:"status" enum:"pending,approved,rejected"`
	Steps       []ApprovalStep `json:"steps"`
	CreatedBy   string         `json:"created_by"`
	CreatedAt   string         `json:"created_at" format:"date-time"`

	// Display enrichment for actuals-backed instances, filled on read
	// paths when the backing line resolves. Not persisted.
	ResourceID   *string `json:"resource_id,omitempty"`
	ResourceName *string `json:"resource_name,omitempty"`
	ProjectID    *string `json:"project_id,omitempty"`
	ProjectName  *string `json:"project_name,omitempty"`
	PeriodLabel  *string `json:"period_label,omitempty"`
}

type ApprovalStep struct {
	ID         string  `json:"id"`
	InstanceID string  `json:"instance_id"`
	StepOrder  int     `json:"step_order"`
	StepName   string  `json:"step_name"`
	ApproverID *string `json:"approver_id,omitempty"`
	Status     string  `json:"status" enum:"pending,approved,rejected,skipped"`
	ActionedAt *string `json:"actioned_at,omitempty" format:"date-time"`
	ActionedBy *string `json:"actioned_by,omitempty"`
	Comment    *string `json:"comment,omitempty"`
}

// ApprovalAction is the immutable record of one step action.
type ApprovalAction struct {
	ID          string  `json:"id"`
	TenantID    string  `json:"tenant_id"`
	InstanceID  string  `json:"instance_id"`
	StepID      string  `json:"step_id"`
	Action      string  `json:"action" enum:"approve,reject,proxy_approve"`
	PerformedBy string  `json:"performed_by"`
	Comment     *string `json:"comment,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// NotificationRun marks a (tenant, phase, year, month) as processed.
type NotificationRun struct {
	RunID     string `json:"run_id"`
	TenantID  string `json:"tenant_id"`
	Phase     string `json:"phase"`
	Year      int    `json:"year"`
	Month     int    `json:"month"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type NotificationLog struct {
	ID              string  `json:"id"`
	TenantID        string  `json:"tenant_id"`
	Phase           string  `json:"phase"`
	Year            int     `json:"year"`
	Month           int     `json:"month"`
	RecipientUserID string  `json:"recipient_user_id"`
	RecipientEmail  string  `json:"recipient_email"`
	Status          string  `json:"status" enum:"sent,pending"`
	Message         string  `json:"message"`
	RunID           string  `json:"run_id"`
	SentAt          *string `json:"sent_at,omitempty" format:"date-time"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

type AuditLog struct {
	ID         int64   `json:"id"`
	TenantID   string  `json:"tenant_id"`
	ActorID    string  `json:"actor_id"`
	Action     string  `json:"action"`
	EntityType string  `json:"entity_type"`
	EntityID   string  `json:"entity_id"`
	OldValues  *string `json:"old_values_json,omitempty"`
	NewValues  *string `json:"new_values_json,omitempty"`
	Reason     *string `json:"reason,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}
