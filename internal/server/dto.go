package server

import (
	"resplan/internal/domain"
	"resplan/internal/scheduler"
)

// Request payloads

type StepActionRequest struct {
	Comment *string `json:"comment,omitempty"`
}

type ProxyApproveRequest struct {
	Comment string `json:"comment"`
}

type CreateApprovalRequest struct {
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id"`
	ResourceID  string `json:"resource_id"`
}

type RunNotificationsRequest struct {
	Phase string `json:"phase" enum:"PM_RO,Finance,Employee,RO_Director"`
	Year  int    `json:"year" minimum:"2000" maximum:"2100"`
	Month int    `json:"month" minimum:"1" maximum:"12"`
}

// Response payloads

type InboxResponse struct {
	Items []domain.ApprovalInstance `json:"items"`
}

type ActionsResponse struct {
	Items []domain.ApprovalAction `json:"items"`
}

type NotificationLogsResponse struct {
	Items []domain.NotificationLog `json:"items"`
}

type DeadlineResponse struct {
	TenantID string `json:"tenant_id"`
	Year     int    `json:"year"`
	Month    int    `json:"month"`
	BaseDay  int    `json:"base_day"`
	Deadline string `json:"deadline" format:"date"`
}

type ConfigResponse struct {
	Env             string         `json:"env"`
	DevBypass       bool           `json:"dev_bypass"`
	NotifyMode      string         `json:"notify_mode"`
	DeadlineBaseDay int            `json:"deadline_base_day"`
	ReminderDays    map[string]int `json:"reminder_days"`
}

type PreviewResponse = scheduler.Preview

type RunResponse = scheduler.RunResult
