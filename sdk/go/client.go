// Package resplansdk is a minimal Resplan HTTP API client.
package resplansdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a Resplan API server. Either BearerToken or the three
// Dev* fields authenticate a request; the Dev* fields only work against a
// server running with the dev auth bypass.
type Client struct {
	BaseURL     string
	BearerToken string
	DevTenant   string
	DevRole     string
	DevUser     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// ApprovalStep represents one step of an approval chain.
type ApprovalStep struct {
	ID         string  `json:"id"`
	InstanceID string  `json:"instance_id"`
	StepOrder  int     `json:"step_order"`
	StepName   string  `json:"step_name"`
	ApproverID *string `json:"approver_id,omitempty"`
	Status     string  `json:"status"`
	ActionedAt *string `json:"actioned_at,omitempty"`
	ActionedBy *string `json:"actioned_by,omitempty"`
	Comment    *string `json:"comment,omitempty"`
}

// ApprovalInstance represents an approval with its ordered steps.
type ApprovalInstance struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	SubjectType string         `json:"subject_type"`
	SubjectID   string         `json:"subject_id"`
	Status      string         `json:"status"`
	Steps       []ApprovalStep `json:"steps"`
	CreatedBy   string         `json:"created_by"`
	CreatedAt   string         `json:"created_at"`
}

// NotificationRun reports a dispatch outcome.
type NotificationRun struct {
	Status     string            `json:"status"`
	RunID      string            `json:"run_id"`
	Phase      string            `json:"phase"`
	Year       int               `json:"year"`
	Month      int               `json:"month"`
	Mode       string            `json:"mode"`
	Recipients int               `json:"recipients"`
	Logs       []NotificationLog `json:"logs,omitempty"`
}

// NotificationLog is one delivered or pending reminder row.
type NotificationLog struct {
	ID             string  `json:"id"`
	Phase          string  `json:"phase"`
	Year           int     `json:"year"`
	Month          int     `json:"month"`
	RecipientEmail string  `json:"recipient_email"`
	Status         string  `json:"status"`
	Message        string  `json:"message"`
	RunID          string  `json:"run_id"`
	SentAt         *string `json:"sent_at,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SignActuals signs an actual line and opens its approval.
func (c *Client) SignActuals(ctx context.Context, lineID string) (ApprovalInstance, error) {
	var resp ApprovalInstance
	endpoint := fmt.Sprintf("v1/actuals/%s/sign", url.PathEscape(lineID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// Inbox lists approvals actionable by the caller.
func (c *Client) Inbox(ctx context.Context) ([]ApprovalInstance, error) {
	var resp struct {
		Items []ApprovalInstance `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v1/approvals/inbox", nil, &resp)
	return resp.Items, err
}

// GetApproval fetches an approval instance by id.
func (c *Client) GetApproval(ctx context.Context, instanceID string) (ApprovalInstance, error) {
	var resp ApprovalInstance
	endpoint := fmt.Sprintf("v1/approvals/%s", url.PathEscape(instanceID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ApproveStep approves a pending step.
func (c *Client) ApproveStep(ctx context.Context, instanceID, stepID, comment string) (ApprovalInstance, error) {
	return c.stepAction(ctx, instanceID, stepID, "approve", comment)
}

// RejectStep rejects a pending step.
func (c *Client) RejectStep(ctx context.Context, instanceID, stepID, comment string) (ApprovalInstance, error) {
	return c.stepAction(ctx, instanceID, stepID, "reject", comment)
}

// ProxyApproveStep approves the Director step on the Director's behalf.
// The comment is mandatory.
func (c *Client) ProxyApproveStep(ctx context.Context, instanceID, stepID, comment string) (ApprovalInstance, error) {
	var resp ApprovalInstance
	endpoint := fmt.Sprintf("v1/approvals/%s/steps/%s/proxy-approve",
		url.PathEscape(instanceID), url.PathEscape(stepID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"comment": comment}, &resp)
	return resp, err
}

func (c *Client) stepAction(ctx context.Context, instanceID, stepID, action, comment string) (ApprovalInstance, error) {
	body := map[string]any{}
	if comment != "" {
		body["comment"] = comment
	}
	var resp ApprovalInstance
	endpoint := fmt.Sprintf("v1/approvals/%s/steps/%s/%s",
		url.PathEscape(instanceID), url.PathEscape(stepID), action)
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RunNotifications dispatches reminders for a phase and period. Repeating
// a call for the same period reports the earlier run instead of sending
// again.
func (c *Client) RunNotifications(ctx context.Context, phase string, year, month int) (NotificationRun, error) {
	body := map[string]any{
		"phase": phase,
		"year":  year,
		"month": month,
	}
	var resp NotificationRun
	err := c.do(ctx, http.MethodPost, "v1/notifications/run", body, &resp)
	return resp, err
}

// NotificationLogs lists past reminder rows.
func (c *Client) NotificationLogs(ctx context.Context, phase string, year, month int) ([]NotificationLog, error) {
	endpoint := "v1/notifications/logs"
	params := url.Values{}
	if phase != "" {
		params.Set("phase", phase)
	}
	if year > 0 {
		params.Set("year", fmt.Sprintf("%d", year))
	}
	if month > 0 {
		params.Set("month", fmt.Sprintf("%d", month))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp struct {
		Items []NotificationLog `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	} else if c.DevTenant != "" {
		req.Header.Set("X-Dev-Tenant", c.DevTenant)
		req.Header.Set("X-Dev-Role", c.DevRole)
		if c.DevUser != "" {
			req.Header.Set("X-Dev-User", c.DevUser)
		}
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
