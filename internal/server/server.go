package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/engine/auth"
	"stageline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Message   string `json:"message" example:"value must be \"Yes\" or \"No\""`
	Code      string `json:"code" example:"validation_failed"`
	Retryable bool   `json:"retryable"`
}

// apiError models the failure envelope.
type apiError struct {
	status  int
	Success bool         `json:"success"`
	Err     apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Err.Message }

// New returns an HTTP handler exposing the Stageline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope shape.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, false)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema validation errors map to the validation taxonomy.
			status = http.StatusBadRequest
		}
		return newAPIError(status, "", msg, false)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Stageline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTenants(group, cfg.Engine)
	registerStages(group, cfg.Engine)
	registerQuestions(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerTaskTemplates(group, cfg.Engine)
	registerJobs(group, cfg.Engine)
	registerMembers(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, retryable bool) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Err: apiErrorBody{
			Message:   message,
			Code:      code,
			Retryable: retryable,
		},
	}
}

// handleError maps engine errors onto the stable error code taxonomy.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), false)
	}
	var qe engine.InvalidQuestionForStageError
	if errors.As(err, &qe) {
		return newAPIError(http.StatusBadRequest, "invalid_question_for_stage", err.Error(), false)
	}
	var ambig engine.AmbiguousTransitionError
	if errors.As(err, &ambig) {
		return newAPIError(http.StatusConflict, "ambiguous_transition", err.Error(), false)
	}
	var ue engine.UploadRequiredError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusBadRequest, "upload_required", err.Error(), false)
	}
	var spawn engine.SpawnError
	if errors.As(err, &spawn) {
		return newAPIError(http.StatusInternalServerError, "spawn_error", err.Error(), true)
	}
	var ad auth.AccessDeniedError
	if errors.As(err, &ad) {
		return newAPIError(http.StatusForbidden, "access_denied", err.Error(), false)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), false)
	}
	if errors.Is(err, engine.ErrNoPipelineStage) {
		return newAPIError(http.StatusConflict, "no_pipeline_stage", err.Error(), false)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "required") || strings.Contains(lowered, "invalid") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, false)
	}
	return newAPIError(http.StatusInternalServerError, "storage_error", "internal error", true)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "validation_failed"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "access_denied"
	case http.StatusInternalServerError:
		return "storage_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requireTenant resolves the tenant a request acts on and enforces scope
// and role. Tenant-bound credentials always act on their own tenant; an
// unscoped credential supplies the tenant explicitly.
func requireTenant(ctx context.Context, override, role string) (string, auth.Principal, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return "", principal, authErr
	}
	tenantID := principal.TenantID
	if tenantID == "" {
		tenantID = override
	} else if override != "" && override != tenantID {
		return "", principal, auth.AccessDeniedError{Action: "cross-tenant request"}
	}
	if tenantID == "" {
		return "", principal, newAPIError(http.StatusBadRequest, "validation_failed", "tenant_id is required", false)
	}
	if role != "" {
		if principal.TenantID == "" && principal.Role == "" {
			// unscoped operator credential
			return tenantID, principal, nil
		}
		if err := auth.EnsureRole(principal, role, "tenant "+tenantID); err != nil {
			return "", principal, err
		}
	}
	return tenantID, principal, nil
}

// stageTenant loads a stage and enforces the caller's scope against the
// stage's tenant. Global template stages are readable by anyone but only
// mutable through unscoped credentials.
func stageTenant(ctx context.Context, e engine.Engine, stageID string) (domain.Stage, string, error) {
	s, err := e.Repo.GetStage(ctx, stageID)
	if err != nil {
		return s, "", err
	}
	tenantID := ""
	if s.TenantID != nil {
		tenantID = *s.TenantID
	}
	return s, tenantID, nil
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
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <title>Stageline API Docs</title>
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

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body Envelope[map[string]string] `json:"body"`
	}, error) {
		return &struct {
			Body Envelope[map[string]string] `json:"body"`
		}{Body: envelope(ctx, map[string]string{"status": "ok"})}, nil
	})
}

func registerTenants(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-tenant",
		Method:        http.MethodPost,
		Path:          "/tenants",
		Summary:       "Create tenant with default pipeline",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateTenantRequest `json:"body"`
	}) (*struct {
		Body Envelope[domain.Tenant] `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if principal.TenantID != "" {
			return nil, handleError(auth.AccessDeniedError{Action: "create tenant"})
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "validation_failed", "name is required", false)
		}
		t, err := e.InitTenant(ctx, domain.Tenant{ID: input.Body.ID, Name: input.Body.Name}, nil)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[domain.Tenant] `json:"body"`
		}{Body: envelope(ctx, t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-tenant",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}",
		Summary:     "Get tenant",
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
	}) (*struct {
		Body Envelope[domain.Tenant] `json:"body"`
	}, error) {
		if _, _, err := requireTenant(ctx, input.TenantID, ""); err != nil {
			return nil, handleError(err)
		}
		t, err := e.Repo.GetTenant(ctx, input.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[domain.Tenant] `json:"body"`
		}{Body: envelope(ctx, t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "copy-templates",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/copy-templates",
		Summary:     "Copy global template stages into the tenant",
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
	}) (*struct {
		Body Envelope[map[string]int] `json:"body"`
	}, error) {
		tenantID, _, err := requireTenant(ctx, input.TenantID, auth.RoleAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		copied, err := e.CopyTemplates(ctx, tenantID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[map[string]int] `json:"body"`
		}{Body: envelope(ctx, map[string]int{"stages_copied": copied})}, nil
	})
}

func registerStages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/stages",
		Summary:     "List pipeline stages in sequence order",
	}, func(ctx context.Context, input *struct {
		TenantID   string `query:"tenant_id"`
		ActiveOnly bool   `query:"active_only"`
	}) (*struct {
		Body Envelope[[]domain.Stage] `json:"body"`
	}, error) {
		tenantID, _, err := requireTenant(ctx, input.TenantID, "")
		if err != nil {
			return nil, handleError(err)
		}
		stages, err := e.Repo.ListStages(ctx, tenantID, input.ActiveOnly)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[[]domain.Stage] `json:"body"`
		}{Body: envelope(ctx, nonNilSlice(stages))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-stage",
		Method:        http.MethodPost,
		Path:          "/stages",
		Summary:       "Append a stage to the tenant's pipeline",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		TenantID string             `query:"tenant_id"`
		Body     CreateStageRequest `json:"body"`
	}) (*struct {
		Body Envelope[domain.Stage] `json:"body"`
	}, error) {
		tenantID, _, err := requireTenant(ctx, input.TenantID, auth.RoleAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "validation_failed", "name is required", false)
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		order, err := e.Repo.NextSequenceOrderTx(ctx, tx, tenantID)
		if err != nil {
			return nil, handleError(err)
		}
		s := domain.Stage{
			ID:               uuid.New().String(),
			TenantID:         &tenantID,
			Name:             input.Body.Name,
			SequenceOrder:    order,
			StatusBucket:     input.Body.StatusBucket,
			StageType:        input.Body.StageType,
			MinDurationHours: input.Body.MinDurationHours,
			MaxDurationHours: input.Body.MaxDurationHours,
			RequiresApproval: input.Body.RequiresApproval,
			IsActive:         true,
			CreatedAt:        time.Now().UTC().Format(time.RFC3339),
		}
		if s.StageType == "" {
			s.StageType = "standard"
		}
		if s.StatusBucket == "" {
			s.StatusBucket = "open"
		}
		if err := e.Repo.InsertStageTx(ctx, tx, s); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[domain.Stage] `json:"body"`
		}{Body: envelope(ctx, s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-stage",
		Method:      http.MethodGet,
		Path:        "/stages/{stage_id}",
		Summary:     "Get stage",
	}, func(ctx context.Context, input *struct {
		StageID string `path:"stage_id"`
	}) (*struct {
		Body Envelope[domain.Stage] `json:"body"`
	}, error) {
		s, tenantID, err := stageTenant(ctx, e, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		if tenantID != "" {
			if _, _, err := requireTenant(ctx, tenantID, ""); err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body Envelope[domain.Stage] `json:"body"`
		}{Body: envelope(ctx, s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-stage",
		Method:      http.MethodPatch,
		Path:        "/stages/{stage_id}",
		Summary:     "Update stage attributes",
	}, func(ctx context.Context, input *struct {
		StageID string             `path:"stage_id"`
		Body    UpdateStageRequest `json:"body"`
	}) (*struct {
		Body Envelope[domain.Stage] `json:"body"`
	}, error) {
		s, tenantID, err := stageTenant(ctx, e, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		if tenantID == "" {
			// global template stages are never mutated by tenant operations
			return nil, handleError(auth.AccessDeniedError{Action: "update template stage"})
		}
		if _, _, err := requireTenant(ctx, tenantID, auth.RoleAdmin); err != nil {
			return nil, handleError(err)
		}
		if input.Body.Name != nil {
			s.Name = *input.Body.Name
		}
		if input.Body.StatusBucket != nil {
			s.StatusBucket = *input.Body.StatusBucket
		}
		if input.Body.StageType != nil {
			s.StageType = *input.Body.StageType
		}
		if input.Body.MinDurationHours != nil {
			s.MinDurationHours = *input.Body.MinDurationHours
		}
		if input.Body.MaxDurationHours != nil {
			s.MaxDurationHours = input.Body.MaxDurationHours
		}
		if input.Body.RequiresApproval != nil {
			s.RequiresApproval = *input.Body.RequiresApproval
		}
		if input.Body.IsActive != nil {
			s.IsActive = *input.Body.IsActive
		}
		if err := e.Repo.UpdateStage(ctx, s); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[domain.Stage] `json:"body"`
		}{Body: envelope(ctx, s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "disable-stage",
		Method:      http.MethodDelete,
		Path:        "/stages/{stage_id}",
		Summary:     "Soft-disable a stage",
	}, func(ctx context.Context, input *struct {
		StageID string `path:"stage_id"`
	}) (*struct {
		Body Envelope[map[string]any] `json:"body"`
	}, error) {
		_, tenantID, err := stageTenant(ctx, e, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		if tenantID == "" {
			return nil, handleError(auth.AccessDeniedError{Action: "disable template stage"})
		}
		if _, _, err := requireTenant(ctx, tenantID, auth.RoleAdmin); err != nil {
			return nil, handleError(err)
		}
		inUse, err := e.Repo.CountJobsOnStage(ctx, input.StageID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.DisableStage(ctx, input.StageID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Envelope[map[string]any] `json:"body"`
		}{Body: envelope(ctx, map[string]any{"disabled": true, "jobs_still_on_stage": inUse})}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reorder-stages",
		Method:      http.MethodPost,
		Path:        "/stages/reorder",
		Summary:     "Renumber the tenant's stage sequence",
	}, func(ctx context.Context, input *struct {
		TenantID string         `query:"tenant_id"`
		Body     ReorderRequest `json:"body"`
	}) (*struct {
		Status int
		Body   Envelope[engine.ReorderResult] `json:"body"`
	}, error) {
		tenantID, _, err := requireTenant(ctx, input.TenantID, auth.RoleAdmin)
		if err != nil {
			return nil, handleError(err)
		}
		atomic := true
		if input.Body.Atomic != nil {
			atomic = *input.Body.Atomic
		}
		result, err := e.ReorderStages(ctx, tenantID, input.Body.Items, atomic)
		if err != nil {
			return nil, handleError(err)
		}
		status := http.StatusOK
		if len(result.Failures) > 0 {
			status = http.StatusMultiStatus
		}
		return &struct {
			Status int
			Body   Envelope[engine.ReorderResult] `json:"body"`
		}{Status: status, Body: envelope(ctx, result)}, nil
	})
}
