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
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wipeline/internal/advisor"
	"wipeline/internal/domain"
	"wipeline/internal/engine"
	"wipeline/internal/engine/auth"
	"wipeline/internal/migrate"
	"wipeline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"device_busy"`
	Message string         `json:"message" example:"device already has an active job"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Wipeline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Wipeline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	authSvc := auth.Service{DB: cfg.Engine.DB}

	registerDocs(router, basePath)
	router.Handle("/metrics", promhttp.Handler())
	registerHealth(group, cfg.Engine)
	registerStats(group, cfg.Engine, authSvc)
	registerDevices(group, cfg.Engine, authSvc)
	registerPolicies(group, cfg.Engine, authSvc)
	registerJobs(group, cfg.Engine, authSvc)
	registerCertificates(group, cfg.Engine, authSvc)
	registerVerify(group, cfg.Engine)
	registerEvents(group, cfg.Engine, authSvc)
	registerSuggest(group, cfg.Engine, authSvc)
	registerKeys(group, cfg.Engine, authSvc)
	registerMe(group, authSvc)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var te engine.InvalidTransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": te.From, "to": te.To})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrDeviceBusy):
		return newAPIError(http.StatusConflict, "device_busy", err.Error(), nil)
	case errors.Is(err, engine.ErrProtectedDevice):
		return newAPIError(http.StatusConflict, "device_protected", err.Error(), nil)
	case errors.Is(err, engine.ErrDuplicateSerial):
		return newAPIError(http.StatusConflict, "duplicate_serial", err.Error(), nil)
	case errors.Is(err, engine.ErrJobNotEligible):
		return newAPIError(http.StatusConflict, "not_eligible", err.Error(), nil)
	case errors.Is(err, engine.ErrUnknownPolicy):
		return newAPIError(http.StatusBadRequest, "unknown_policy", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "database is locked") || (strings.Contains(lowered, "sqlite") && strings.Contains(lowered, "busy")) {
		return newAPIError(http.StatusServiceUnavailable, "store_unavailable", "store temporarily unavailable, retry", nil)
	}
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func hasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
}

func requirePermission(ctx context.Context, svc auth.Service, perm string) error {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return authErr
	}
	if hasPermission(principal.Permissions, perm) {
		return nil
	}
	ok, err := svc.ActorHasPermission(ctx, principal.ActorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenError{Permission: perm}
	}
	return nil
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	verifyPrefix := path.Join("/", basePath, "verify") + "/"
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] || strings.HasPrefix(route, verifyPrefix) {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Wipeline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		body := map[string]any{"status": "ok"}
		if v, err := migrate.SchemaVersion(e.DB); err == nil {
			body["schema_version"] = v
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: body}, nil
	})
}

func registerStats(api huma.API, e *engine.Engine, svc auth.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Dashboard counts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Stats `json:"body"`
	}, error) {
		if err := requirePermission(ctx, svc, "job.read"); err != nil {
			return nil, handleError(err)
		}
		s, err := e.Stats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Stats `json:"body"`
		}{Body: s}, nil
	})
}

func registerDevices(api huma.API, e *engine.Engine, svc auth.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-device",
		Method:        http.MethodPost,
		Path:          "/devices",
		Summary:       "Register device",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RegisterDeviceRequest `json:"body"`
	}) (*struct {
		Body domain.Device `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, svc, "device.write"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d := domain.Device{
			Path:   input.Body.Path,
			Type:   input.Body.Type,
			Model:  input.Body.Model,
			Serial: input.Body.Serial,
			Size:   input.Body.Size,
		}
		if input.Body.Status != nil {
			d.Status = *input.Body.Status
		}
		created, err := e.RegisterDevice(ctx, d, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Device `json:"body"`
		}{Body: created}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-devices",
		Method:      http.MethodGet,
		Path:        "/devices",
		Summary:     "List devices",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Device `json:"body"`
	}, error) {
		if err := requirePermission(ctx, svc, "device.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListDevices(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Device{}
		}
		return &struct {
			Body []domain.Device `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-device",
		Method:      http.MethodGet,
		Path:        "/devices/{device_id}",
		Summary:     "Get device",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DeviceID string `path:"device_id"`
	}) (*struct {
		Body domain.Device `json:"body"`
	}, error) {
		if err := requirePermission(ctx, svc, "device.read"); err != nil {
			return nil, handleError(err)
		}
		d, err := e.Repo.GetDevice(ctx, input.DeviceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Device `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-device-status",
		Method:      http.MethodPatch,
		Path:        "/devices/{device_id}",
		Summary:     "Change device status",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DeviceID string                 `path:"device_id"`
		Body     SetDeviceStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Device `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, svc, "device.write"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.SetDeviceStatus(ctx, input.DeviceID, input.Body.Status, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Device `json:"body"`
		}{Body: d}, nil
	})

	actions := []struct {
		name    string
		summary string
		apply   func(ctx context.Context, deviceID, actorID string) (domain.Device, error)
	}{
		{"protect", "Protect device from wiping", func(ctx context.Context, id, actor string) (domain.Device, error) {
			return e.SetDeviceStatus(ctx, id, domain.DeviceProtected, actor)
		}},
		{"unprotect", "Remove device protection", func(ctx context.Context, id, actor string) (domain.Device, error) {
			return e.SetDeviceStatus(ctx, id, domain.DeviceUnmounted, actor)
		}},
		{"mount", "Mark device mounted", func(ctx context.Context, id, actor string) (domain.Device, error) {
			return e.SetMountState(ctx, id, domain.DeviceMounted, actor)
		}},
		{"unmount", "Mark device unmounted", func(ctx context.Context, id, actor string) (domain.Device, error) {
			return e.SetMountState(ctx, id, domain.DeviceUnmounted, actor)
		}},
	}
	for _, act := range actions {
		act := act
		huma.Register(api, huma.Operation{
			OperationID: act.name + "-device",
			Method:      http.MethodPost,
			Path:        "/devices/{device_id}/" + act.name,
			Summary:     act.summary,
			Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *struct {
			DeviceID string `path:"device_id"`
		}) (*struct {
			Body domain.Device `json:"body"`
		}, error) {
			if err := requirePermission(ctx, svc, "device.write"); err != nil {
				return nil, handleError(err)
			}
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			d, err := act.apply(ctx, input.DeviceID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Device `json:"body"`
			}{Body: d}, nil
		})
	}
}

func registerPolicies(api huma.API, e *engine.Engine, svc auth.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-policies",
		Method:      http.MethodGet,
		Path:        "/policies",
		Summary:     "List wipe policies",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.WipePolicy `json:"body"`
	}, error) {
		if err := requirePermission(ctx, svc, "job.read"); err != nil {
			return nil, handleError(err)
		}
		out := make([]domain.WipePolicy, 0, len(e.Config.Policies))
		for _, p := range e.Config.Policies {
			out = append(out, domain.WipePolicy{Name: p.Name, Passes: p.Passes, Description: p.Description})
		}
		return &struct {
			Body []domain.WipePolicy `json:"body"`
		}{Body: out}, nil
	})
}

func registerJobs(api huma.API, e *engine.Engine, svc auth.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Create wipe job",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateJobRequest `json:"body"`
	}) (*struct {
		Body domain.WipeJob `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, svc, "job.create"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.JobCreateOptions{
			PolicyName:   input.Body.Policy,
			NotifyEmails: input.Body.NotifyEmails,
			ActorID:      actorID,
		}
		if input.Body.DeviceID != nil {
			opts.DeviceID = *input.Body.DeviceID
		}
		if input.Body.File != nil {
			ft := domain.FileTarget{Name: input.Body.File.Name}
			if input.Body.File.Size != nil {
				ft.Size = *input.Body.File.Size
			}
			if input.Body.File.Type != nil {
				ft.Type = *input.Body.File.Type
			}
			opts.File = &ft
		}
		j, err := e.CreateJob(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WipeJob `json:"body"`
		}{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
	}, func(ctx context.Context, input *struct {
		Status          string `query:"status" enum:"Queued,Running,Verifying,Completed,Failed,Cancelled"`
		DeviceID        string `query:"device_id"`
		Kind            string `query:"kind" enum:"device,file"`
		Limit           int    `query:"limit" minimum:"1" maximum:"500"`
		CursorCreatedAt string `query:"cursor_created_at"`
		CursorID        string `query:"cursor_id"`
	}) (*struct {
		Body []domain.WipeJob `json:"body"`
	}, error) {
		if err := requirePermission(ctx, svc, "job.read"); err != nil {
			return nil, handleError(err)
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 100
		}
		items, err := e.Repo.ListJobs(ctx, repo.JobFilters{
			Status:          input.Status,
			DeviceID:        input.DeviceID,
			Kind:            input.Kind,
			Limit:           limit,
			CursorCreatedAt: input.CursorCreatedAt,
			CursorID:        input.CursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.WipeJob{}
		}
		return &struct {
			Body []domain.WipeJob `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Get job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body domain.WipeJob `json:"body"`
	}, error) {
		if err := requirePermission(ctx, svc, "job.read"); err != nil {
			return nil, handleError(err)
		}
		j, err := e.Repo.GetJob(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WipeJob `json:"body"`
		}{Body: j}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job-logs",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/logs",
		Summary:     "Get job log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body []domain.LogLine `json:"body"`
	}, error) {
		if err := requirePermission(ctx, svc, "job.read"); err != nil {
			return nil, handleError(err)
		}
		j, err := e.Repo.GetJob(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		logs, err := e.Repo.ListJobLogs(ctx, j.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if logs == nil {
			logs = []domain.LogLine{}
		}
		return &struct {
			Body []domain.LogLine `json:"body"`
		}{Body: logs}, nil
	})

	type jobAction struct {
		name    string
		summary string
		perm    string
		action  func(ctx context.Context, e *engine.Engine, jobID, actorID string) (domain.WipeJob, error)
	}
	actions := []jobAction{
		{"start", "Start job", "job.start", func(ctx context.Context, e *engine.Engine, jobID, actorID string) (domain.WipeJob, error) {
			return e.StartJob(ctx, jobID, actorID)
		}},
		{"cancel", "Cancel job", "job.cancel", func(ctx context.Context, e *engine.Engine, jobID, actorID string) (domain.WipeJob, error) {
			return e.CancelJob(ctx, jobID, actorID)
		}},
		{"retry", "Retry job", "job.retry", func(ctx context.Context, e *engine.Engine, jobID, actorID string) (domain.WipeJob, error) {
			return e.RetryJob(ctx, jobID, actorID)
		}},
	}
	for _, act := range actions {
		act := act
		huma.Register(api, huma.Operation{
			OperationID: act.name + "-job",
			Method:      http.MethodPost,
			Path:        "/jobs/{job_id}/" + act.name,
			Summary:     act.summary,
			Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *struct {
			JobID string `path:"job_id"`
		}) (*struct {
			Body domain.WipeJob `json:"body"`
		}, error) {
			if err := requirePermission(ctx, svc, act.perm); err != nil {
				return nil, handleError(err)
			}
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			j, err := act.action(ctx, e, input.JobID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.WipeJob `json:"body"`
			}{Body: j}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "fail-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/fail",
		Summary:     "Report job failure",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		JobID string         `path:"job_id"`
		Body  FailJobRequest `json:"body"`
	}) (*struct {
		Body domain.WipeJob `json:"body"`
	}, error) {
		if err := requirePermission(ctx, svc, "job.cancel"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.FailJob(ctx, input.JobID, input.Body.Message, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WipeJob `json:"body"`
		}{Body: j}, nil
	})
}

func registerCertificates(api huma.API, e *engine.Engine, svc auth.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-certificates",
		Method:      http.MethodGet,
		Path:        "/certificates",
		Summary:     "List certificates",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" minimum:"1" maximum:"500"`
	}) (*struct {
		Body []domain.Certificate `json:"body"`
	}, error) {
		if err := requirePermission(ctx, svc, "certificate.read"); err != nil {
			return nil, handleError(err)
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 100
		}
		items, err := e.Repo.ListCertificates(ctx, limit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Certificate{}
		}
		return &struct {
			Body []domain.Certificate `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-certificate",
		Method:      http.MethodGet,
		Path:        "/certificates/{certificate_id}",
		Summary:     "Get certificate",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CertificateID string `path:"certificate_id"`
	}) (*struct {
		Body domain.Certificate `json:"body"`
	}, error) {
		if err := requirePermission(ctx, svc, "certificate.read"); err != nil {
			return nil, handleError(err)
		}
		c, err := e.Repo.GetCertificate(ctx, input.CertificateID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Certificate `json:"body"`
		}{Body: c}, nil
	})
}

// verifyMissError is the public 404 body: just {"valid":false}. A failed
// lookup must not reveal whether the id is near a real one.
type verifyMissError struct {
	Valid bool `json:"valid"`
}

func (e *verifyMissError) GetStatus() int { return http.StatusNotFound }
func (e *verifyMissError) Error() string  { return "certificate not found" }

func registerVerify(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "verify-certificate",
		Method:      http.MethodGet,
		Path:        "/verify/{certificate_id}",
		Summary:     "Publicly verify a certificate",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CertificateID string `path:"certificate_id"`
	}) (*struct {
		Body engine.VerificationFacts `json:"body"`
	}, error) {
		facts, err := e.VerifyCertificate(ctx, input.CertificateID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, &verifyMissError{Valid: false}
			}
			return nil, handleError(err)
		}
		return &struct {
			Body engine.VerificationFacts `json:"body"`
		}{Body: facts}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine, svc auth.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" minimum:"1" maximum:"500"`
		Cursor     int64  `query:"cursor"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if err := requirePermission(ctx, svc, "event.read"); err != nil {
			return nil, handleError(err)
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 100
		}
		items, err := e.Repo.LatestEvents(ctx, limit, input.Cursor, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerSuggest(api huma.API, e *engine.Engine, svc auth.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "suggest-policy",
		Method:      http.MethodPost,
		Path:        "/suggest-policy",
		Summary:     "Suggest a wipe policy",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body SuggestPolicyRequest `json:"body"`
	}) (*struct {
		Body advisor.Suggestion `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, svc, "job.create"); err != nil {
			return nil, handleError(err)
		}
		if input.Body.DeviceType == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "device_type is required", nil)
		}
		s := advisor.Suggest(input.Body.DeviceType, input.Body.SecurityRequirements)
		return &struct {
			Body advisor.Suggestion `json:"body"`
		}{Body: s}, nil
	})
}

func registerKeys(api huma.API, e *engine.Engine, svc auth.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body CreateAPIKeyResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requirePermission(ctx, svc, "key.manage"); err != nil {
			return nil, handleError(err)
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		for _, role := range input.Body.Roles {
			if _, ok := e.Config.RBAC.Roles[role]; !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown role %q", role), nil)
			}
		}
		k, raw, err := mintAPIKey(ctx, e, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateAPIKeyResponse `json:"body"`
		}{Body: CreateAPIKeyResponse{
			ID:        k.ID,
			ActorID:   k.ActorID,
			Name:      k.Name,
			Key:       raw,
			CreatedAt: k.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, svc, "key.manage"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListAPIKeys(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(items))
		for _, k := range items {
			out = append(out, APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/keys/{key_id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, svc, "key.manage"); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func mintAPIKey(ctx context.Context, e *engine.Engine, req CreateAPIKeyRequest) (domain.APIKey, string, error) {
	raw := "wlk_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	now := e.Now().UTC().Format("2006-01-02T15:04:05Z07:00")
	k := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   req.ActorID,
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: now,
	}
	if req.Name != nil {
		k.Name = *req.Name
	}
	if err := e.Repo.EnsureActor(ctx, k.ActorID, now); err != nil {
		return domain.APIKey{}, "", err
	}
	for _, role := range req.Roles {
		if err := e.Repo.AssignRole(ctx, k.ActorID, role); err != nil {
			return domain.APIKey{}, "", err
		}
	}
	if err := e.Repo.InsertAPIKey(ctx, k); err != nil {
		return domain.APIKey{}, "", err
	}
	return k, raw, nil
}

func registerMe(api huma.API, svc auth.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles := principal.Roles
		perms := principal.Permissions
		if len(roles) == 0 {
			if dbRoles, err := svc.ActorRoles(ctx, principal.ActorID); err == nil {
				roles = dbRoles
			}
		}
		if len(perms) == 0 {
			if dbPerms, err := svc.ActorPermissions(ctx, principal.ActorID); err == nil {
				perms = dbPerms
			}
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			Roles:       nonNilSlice(roles),
			Permissions: nonNilSlice(perms),
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}
