package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"resplan/internal/domain"
	"resplan/internal/engine"
	"resplan/internal/repo"
	"resplan/internal/scheduler"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	Scheduler scheduler.Scheduler
	BasePath  string
	Auth      AuthConfig
	// EnableReminders starts the background milestone dispatcher. Off in
	// tests and one-shot commands.
	EnableReminders bool
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_error"`
	Message string         `json:"message" example:"step is not pending"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the resource planning API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Resplan API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerActuals(group, cfg.Engine)
	registerApprovals(group, cfg.Engine)
	registerNotifications(group, cfg.Scheduler)
	registerDevConfig(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	if cfg.EnableReminders {
		startReminderDispatcher(cfg.Scheduler, cfg.Auth.Logger)
	}

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_error", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_error"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Resplan API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerActuals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "sign-actuals",
		Method:        http.MethodPost,
		Path:          "/actuals/{line_id}/sign",
		Summary:       "Sign an actual line and open its approval",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		LineID string `path:"line_id"`
	}) (*struct {
		Body domain.ApprovalInstance `json:"body"`
	}, error) {
		actor, authErr := requireRole(ctx, domain.RolePM, domain.RoleRO)
		if authErr != nil {
			return nil, authErr
		}
		inst, err := e.SignActuals(ctx, actor, input.LineID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ApprovalInstance `json:"body"`
		}{Body: inst}, nil
	})
}

func registerApprovals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-approval",
		Method:        http.MethodPost,
		Path:          "/approvals",
		Summary:       "Create an approval instance for a subject",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateApprovalRequest `json:"body"`
	}) (*struct {
		Body domain.ApprovalInstance `json:"body"`
	}, error) {
		actor, authErr := requireRole(ctx, domain.RolePM, domain.RoleRO)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.SubjectType == "" || input.Body.SubjectID == "" || input.Body.ResourceID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "subject_type, subject_id and resource_id are required", nil)
		}
		inst, err := e.CreateApproval(ctx, actor, input.Body.SubjectType, input.Body.SubjectID, input.Body.ResourceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ApprovalInstance `json:"body"`
		}{Body: inst}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approvals-inbox",
		Method:      http.MethodGet,
		Path:        "/approvals/inbox",
		Summary:     "Pending approvals actionable by the caller",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body InboxResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Inbox(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InboxResponse `json:"body"`
		}{Body: InboxResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-approval",
		Method:      http.MethodGet,
		Path:        "/approvals/{instance_id}",
		Summary:     "Get an approval instance with its steps",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
	}) (*struct {
		Body domain.ApprovalInstance `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inst, err := e.GetByID(ctx, actor, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ApprovalInstance `json:"body"`
		}{Body: inst}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-approval-actions",
		Method:      http.MethodGet,
		Path:        "/approvals/{instance_id}/actions",
		Summary:     "Action history of an approval instance",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
	}) (*struct {
		Body ActionsResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.GetByID(ctx, actor, input.InstanceID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListApprovalActions(ctx, actor.TenantID, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionsResponse `json:"body"`
		}{Body: ActionsResponse{Items: items}}, nil
	})

	registerStepAction(api, e, "approve-step", "approve", "Approve a pending step")
	registerStepAction(api, e, "reject-step", "reject", "Reject a pending step")

	huma.Register(api, huma.Operation{
		OperationID: "proxy-approve-step",
		Method:      http.MethodPost,
		Path:        "/approvals/{instance_id}/steps/{step_id}/proxy-approve",
		Summary:     "Approve the Director step on the Director's behalf",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		InstanceID string              `path:"instance_id"`
		StepID     string              `path:"step_id"`
		Body       ProxyApproveRequest `json:"body"`
	}) (*struct {
		Body domain.ApprovalInstance `json:"body"`
	}, error) {
		actor, authErr := requireRole(ctx, domain.RoleRO)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		inst, err := e.ProxyApproveDirectorStep(ctx, actor, input.InstanceID, input.StepID, input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ApprovalInstance `json:"body"`
		}{Body: inst}, nil
	})
}

func registerStepAction(api huma.API, e engine.Engine, opID, action, summary string) {
	huma.Register(api, huma.Operation{
		OperationID: opID,
		Method:      http.MethodPost,
		Path:        "/approvals/{instance_id}/steps/{step_id}/" + action,
		Summary:     summary,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		InstanceID string            `path:"instance_id"`
		StepID     string            `path:"step_id"`
		Body       StepActionRequest `json:"body"`
	}) (*struct {
		Body domain.ApprovalInstance `json:"body"`
	}, error) {
		actor, authErr := requireRole(ctx, domain.RoleRO, domain.RoleDirector)
		if authErr != nil {
			return nil, authErr
		}
		comment := ""
		if input.Body.Comment != nil {
			comment = *input.Body.Comment
		}
		var inst domain.ApprovalInstance
		var err error
		if action == "reject" {
			inst, err = e.RejectStep(ctx, actor, input.InstanceID, input.StepID, comment)
		} else {
			inst, err = e.ApproveStep(ctx, actor, input.InstanceID, input.StepID, comment)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ApprovalInstance `json:"body"`
		}{Body: inst}, nil
	})
}

func registerNotifications(api huma.API, s scheduler.Scheduler) {
	huma.Register(api, huma.Operation{
		OperationID: "notification-deadline",
		Method:      http.MethodGet,
		Path:        "/notifications/deadline",
		Summary:     "Resolve the rolled deadline for a period",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Year    int `query:"year" minimum:"2000" maximum:"2100"`
		Month   int `query:"month" minimum:"1" maximum:"12"`
		BaseDay int `query:"base_day" minimum:"0" maximum:"28"`
	}) (*struct {
		Body DeadlineResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		deadline, err := s.CalculateDeadline(ctx, actor.TenantID, input.Year, input.Month, input.BaseDay)
		if err != nil {
			return nil, handleError(err)
		}
		baseDay := input.BaseDay
		if baseDay <= 0 {
			baseDay = s.Config.Notifications.DeadlineBaseDay
		}
		return &struct {
			Body DeadlineResponse `json:"body"`
		}{Body: DeadlineResponse{
			TenantID: actor.TenantID,
			Year:     input.Year,
			Month:    input.Month,
			BaseDay:  baseDay,
			Deadline: deadline.Format("2006-01-02"),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "preview-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications/preview",
		Summary:     "Preview a reminder run without sending",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Phase string `query:"phase" enum:"PM_RO,Finance,Employee,RO_Director"`
		Year  int    `query:"year" minimum:"2000" maximum:"2100"`
		Month int    `query:"month" minimum:"1" maximum:"12"`
	}) (*struct {
		Body PreviewResponse `json:"body"`
	}, error) {
		actor, authErr := requireRole(ctx, domain.RoleFinance)
		if authErr != nil {
			return nil, authErr
		}
		preview, err := s.PreviewRun(ctx, actor.TenantID, input.Phase, input.Year, input.Month)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PreviewResponse `json:"body"`
		}{Body: preview}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "run-notifications",
		Method:        http.MethodPost,
		Path:          "/notifications/run",
		Summary:       "Dispatch reminders for a phase and period",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body RunNotificationsRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		actor, authErr := requireRole(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		res, err := s.Run(ctx, actor.ObjectID, actor.TenantID, input.Body.Phase, input.Body.Year, input.Body.Month)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-notification-logs",
		Method:      http.MethodGet,
		Path:        "/notifications/logs",
		Summary:     "List past notification logs",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Phase string `query:"phase"`
		Year  int    `query:"year"`
		Month int    `query:"month"`
	}) (*struct {
		Body NotificationLogsResponse `json:"body"`
	}, error) {
		actor, authErr := requireRole(ctx, domain.RoleFinance)
		if authErr != nil {
			return nil, authErr
		}
		items, err := s.Logs(ctx, actor.TenantID, repo.NotificationLogFilters{
			Phase: input.Phase,
			Year:  input.Year,
			Month: input.Month,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.NotificationLog{}
		}
		return &struct {
			Body NotificationLogsResponse `json:"body"`
		}{Body: NotificationLogsResponse{Items: items}}, nil
	})
}

func registerDevConfig(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-config",
		Method:      http.MethodGet,
		Path:        "/dev/config",
		Summary:     "DEV ONLY: effective configuration",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ConfigResponse `json:"body"`
	}, error) {
		if e.Config == nil || !e.Config.IsDev() {
			return nil, newAPIError(http.StatusNotFound, "not_found", "not available", nil)
		}
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body ConfigResponse `json:"body"`
		}{Body: ConfigResponse{
			Env:             e.Config.Env,
			DevBypass:       e.Config.Auth.DevBypass,
			NotifyMode:      e.Config.Notifications.Mode,
			DeadlineBaseDay: e.Config.Notifications.DeadlineBaseDay,
			ReminderDays:    e.Config.Notifications.ReminderDays,
		}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}
