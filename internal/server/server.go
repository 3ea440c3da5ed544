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
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/adrianstier/ProfDash-sub000/internal/domain"
	"github.com/adrianstier/ProfDash-sub000/internal/engine"
	"github.com/adrianstier/ProfDash-sub000/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"phase_blocked"`
	Message string         `json:"message" example:"phase has unfinished blockers"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"blockers\":[\"p1\"]}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the ProfDash API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("ProfDash API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerPhases(group, cfg.Engine)
	registerWorkstreams(group, cfg.Engine)
	registerDeliverables(group, cfg.Engine)
	registerTemplates(group, cfg.Engine)
	registerRoles(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

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
	var blocked engine.PhaseBlockedError
	if errors.As(err, &blocked) {
		return newAPIError(http.StatusConflict, "phase_blocked", err.Error(), map[string]any{"blockers": blocked.Blockers})
	}
	var transition engine.InvalidTransitionError
	if errors.As(err, &transition) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"entity": transition.Entity,
			"from":   transition.From,
			"to":     transition.To,
		})
	}
	var dependents engine.HasDependentsError
	if errors.As(err, &dependents) {
		return newAPIError(http.StatusConflict, "has_dependents", err.Error(), map[string]any{"dependents": dependents.Dependents})
	}
	var template engine.InvalidTemplateError
	if errors.As(err, &template) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_template", err.Error(), map[string]any{"template_id": template.TemplateID})
	}
	var partial engine.PartialApplicationError
	if errors.As(err, &partial) {
		return newAPIError(http.StatusInternalServerError, "template_apply_failed", err.Error(), map[string]any{
			"step":        partial.Step,
			"rollback_ok": partial.RollbackOK,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") ||
		strings.Contains(lowered, "missing") ||
		strings.Contains(lowered, "required") ||
		strings.Contains(lowered, "not allowed") ||
		strings.Contains(lowered, "not in palette") ||
		strings.Contains(lowered, "not in project"):
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
		return "validation_failed"
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
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
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
	devLoginPath := path.Join(basePath, "auth/dev/login")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	if !strings.HasPrefix(devLoginPath, "/") {
		devLoginPath = "/" + devLoginPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
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
    <title>ProfDash API Docs</title>
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
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	type projectPath struct {
		ProjectID string `path:"project_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Project status",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountPhasesByStatus(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		progress, err := e.ProjectProgress(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"project_id":   p.ID,
			"status":       p.Status,
			"phase_counts": counts,
			"progress":     ProgressResponse(progress),
		}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.InitProject(ctx, input.Body.ID, stringOrEmpty(input.Body.WorkspaceID), stringOrEmpty(input.Body.Title), stringOrEmpty(input.Body.Description), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ProjectResponse, 0, len(items))
		for _, p := range items {
			res = append(res, projectResponse(p))
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-project",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}",
		Summary:     "Update project",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      struct {
			Status      string  `json:"status,omitempty"`
			Description *string `json:"description,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.UpdateProject(ctx, input.ProjectID, input.Body.Status, input.Body.Description); err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-project",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}",
		Summary:     "Delete project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project-config",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/config",
		Summary:     "Get project config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectConfigResponse `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetProjectConfig(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-progress",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/progress",
		Summary:     "Project deliverable progress",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProgressResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		progress, err := e.ProjectProgress(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProgressResponse `json:"body"`
		}{Body: ProgressResponse(progress)}, nil
	})
}

func registerPhases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-phase",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/phases",
		Summary:       "Append phase",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		Body      CreatePhaseRequest `json:"body"`
	}) (*struct {
		Body PhaseResponse `json:"body"`
	}, error) {
		bodyMap := rawBodyMap(ctx)
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		if isNullRaw(bodyMap["blocked_by"]) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "blocked_by must be array", map[string]any{"field": "blocked_by", "reason": "must be array"})
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		_, blockedBySet := bodyMap["blocked_by"]
		opts := engine.PhaseCreateOptions{
			ProjectID:    input.ProjectID,
			Title:        input.Body.Title,
			Description:  stringOrEmpty(input.Body.Description),
			BlockedBy:    input.Body.BlockedBy,
			BlockedBySet: blockedBySet,
			AssignedRole: stringOrEmpty(input.Body.AssignedRole),
			DueDate:      stringOrEmpty(input.Body.DueDate),
			Metadata:     input.Body.Metadata,
			ActorID:      actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		p, err := e.CreatePhase(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return phaseResult(ctx, e, p)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-phases",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phases",
		Summary:     "List phases",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status" enum:",pending,in_progress,blocked,completed"`
	}) (*struct {
		Body []PhaseResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		phases, err := e.Repo.ListPhases(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		byID := make(map[string]domain.Phase, len(phases))
		for _, p := range phases {
			byID[p.ID] = p
		}
		res := make([]PhaseResponse, 0, len(phases))
		for _, p := range phases {
			if input.Status != "" && p.Status != input.Status {
				continue
			}
			blockers, _ := engine.ActiveBlockers(p, byID)
			progress, err := e.PhaseProgress(ctx, p.ID)
			if err != nil {
				return nil, handleError(err)
			}
			res = append(res, phaseResponse(p, blockers, progress))
		}
		return &struct {
			Body []PhaseResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-phase",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phases/{id}",
		Summary:     "Get phase",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body PhaseResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetPhase(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if p.ProjectID != input.ProjectID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "phase not found in project", nil)
		}
		return phaseResult(ctx, e, p)
	})

	huma.Register(api, huma.Operation{
		OperationID: "phase-blockers",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phases/{id}/blockers",
		Summary:     "Active blockers for a phase",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		p, err := e.Repo.GetPhase(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if p.ProjectID != input.ProjectID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "phase not found in project", nil)
		}
		blockers, err := e.PhaseBlockers(ctx, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"phase_id":        p.ID,
			"active_blockers": nonNilSlice(blockers),
			"blocked":         len(blockers) > 0,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-phase",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/phases/{id}/start",
		Summary:     "Start phase",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body PhaseResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		existing, err := e.Repo.GetPhase(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if existing.ProjectID != input.ProjectID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "phase not found in project", nil)
		}
		p, err := e.StartPhase(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return phaseResult(ctx, e, p)
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-phase",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/phases/{id}/complete",
		Summary:     "Complete phase",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body PhaseResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		existing, err := e.Repo.GetPhase(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if existing.ProjectID != input.ProjectID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "phase not found in project", nil)
		}
		p, err := e.CompletePhase(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return phaseResult(ctx, e, p)
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-phase",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/phases/{id}",
		Summary:     "Delete phase",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
		Force     bool   `query:"force"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Repo.GetPhase(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if p.ProjectID != input.ProjectID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "phase not found in project", nil)
		}
		if err := e.DeletePhase(ctx, input.ID, input.Force, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func phaseResult(ctx context.Context, e engine.Engine, p domain.Phase) (*struct {
	Body PhaseResponse `json:"body"`
}, error) {
	blockers, err := e.PhaseBlockers(ctx, p)
	if err != nil {
		return nil, handleError(err)
	}
	progress, err := e.PhaseProgress(ctx, p.ID)
	if err != nil {
		return nil, handleError(err)
	}
	return &struct {
		Body PhaseResponse `json:"body"`
	}{Body: phaseResponse(p, blockers, progress)}, nil
}

func registerWorkstreams(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-workstream",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/workstreams",
		Summary:       "Create workstream",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string                  `path:"project_id"`
		Body      CreateWorkstreamRequest `json:"body"`
	}) (*struct {
		Body WorkstreamResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.WorkstreamCreateOptions{
			ProjectID: input.ProjectID,
			Title:     input.Body.Title,
			Color:     stringOrEmpty(input.Body.Color),
			OwnerID:   stringOrEmpty(input.Body.OwnerID),
			ActorID:   actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		w, err := e.CreateWorkstream(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkstreamResponse `json:"body"`
		}{Body: workstreamResponse(w, domain.WorkstreamCounts{})}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workstreams",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/workstreams",
		Summary:     "List workstreams",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID       string `path:"project_id"`
		IncludeArchived bool   `query:"include_archived"`
	}) (*struct {
		Body []WorkstreamResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListWorkstreams(ctx, input.ProjectID, input.IncludeArchived)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]WorkstreamResponse, 0, len(items))
		for _, w := range items {
			counts, err := e.WorkstreamCounts(ctx, w.ID)
			if err != nil {
				return nil, handleError(err)
			}
			res = append(res, workstreamResponse(w, counts))
		}
		return &struct {
			Body []WorkstreamResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workstream",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/workstreams/{id}",
		Summary:     "Get workstream",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body WorkstreamResponse `json:"body"`
	}, error) {
		w, err := e.Repo.GetWorkstream(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if w.ProjectID != input.ProjectID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "workstream not found in project", nil)
		}
		counts, err := e.WorkstreamCounts(ctx, w.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkstreamResponse `json:"body"`
		}{Body: workstreamResponse(w, counts)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-workstream",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/workstreams/{id}",
		Summary:     "Update workstream",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string                  `path:"project_id"`
		ID        string                  `path:"id"`
		Body      UpdateWorkstreamRequest `json:"body"`
	}) (*struct {
		Body WorkstreamResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		existing, err := e.Repo.GetWorkstream(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if existing.ProjectID != input.ProjectID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "workstream not found in project", nil)
		}
		w, err := e.UpdateWorkstream(ctx, input.ID, engine.WorkstreamUpdateOptions{
			Title:   input.Body.Title,
			Color:   input.Body.Color,
			OwnerID: input.Body.OwnerID,
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.WorkstreamCounts(ctx, w.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkstreamResponse `json:"body"`
		}{Body: workstreamResponse(w, counts)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-workstream",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/workstreams/{id}/archive",
		Summary:     "Archive workstream",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body WorkstreamResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.ArchiveWorkstream(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if w.ProjectID != input.ProjectID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "workstream not found in project", nil)
		}
		counts, err := e.WorkstreamCounts(ctx, w.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkstreamResponse `json:"body"`
		}{Body: workstreamResponse(w, counts)}, nil
	})
}

func registerDeliverables(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-deliverable",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/deliverables",
		Summary:       "Create deliverable",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string                   `path:"project_id"`
		Body      CreateDeliverableRequest `json:"body"`
	}) (*struct {
		Body DeliverableResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		if input.Body.PhaseID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "phase_id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.DeliverableCreateOptions{
			PhaseID:      input.Body.PhaseID,
			Title:        input.Body.Title,
			ArtifactType: stringOrEmpty(input.Body.ArtifactType),
			WorkstreamID: stringOrEmpty(input.Body.WorkstreamID),
			DocumentID:   stringOrEmpty(input.Body.DocumentID),
			DueDate:      stringOrEmpty(input.Body.DueDate),
			ActorID:      actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		d, err := e.CreateDeliverable(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		if d.ProjectID != input.ProjectID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "phase not found in project", nil)
		}
		return &struct {
			Body DeliverableResponse `json:"body"`
		}{Body: deliverableResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deliverables",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/deliverables",
		Summary:     "List deliverables",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID    string `path:"project_id"`
		PhaseID      string `query:"phase_id"`
		WorkstreamID string `query:"workstream_id"`
		Status       string `query:"status" enum:",pending,in_progress,completed"`
	}) (*struct {
		Body []DeliverableResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListDeliverables(ctx, repo.DeliverableFilters{
			ProjectID:    input.ProjectID,
			PhaseID:      input.PhaseID,
			WorkstreamID: input.WorkstreamID,
			Status:       input.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]DeliverableResponse, 0, len(items))
		for _, d := range items {
			res = append(res, deliverableResponse(d))
		}
		return &struct {
			Body []DeliverableResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-deliverable",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/deliverables/{id}/complete",
		Summary:     "Complete deliverable",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body DeliverableResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		existing, err := e.Repo.GetDeliverable(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if existing.ProjectID != input.ProjectID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "deliverable not found in project", nil)
		}
		d, err := e.CompleteDeliverable(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeliverableResponse `json:"body"`
		}{Body: deliverableResponse(d)}, nil
	})
}

func registerTemplates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List templates",
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `query:"workspace_id"`
	}) (*struct {
		Body []TemplateResponse `json:"body"`
	}, error) {
		items, err := e.ListTemplates(ctx, workspaceOr(e, input.WorkspaceID))
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]TemplateResponse, 0, len(items))
		for _, t := range items {
			res = append(res, templateResponse(t))
		}
		return &struct {
			Body []TemplateResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/templates/{id}",
		Summary:     "Get template",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TemplateResponse `json:"body"`
	}, error) {
		t, err := e.GetTemplate(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TemplateResponse `json:"body"`
		}{Body: templateResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "import-template",
		Method:        http.MethodPost,
		Path:          "/templates/import",
		Summary:       "Import template from YAML",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ImportTemplateRequest `json:"body"`
	}) (*struct {
		Body TemplateResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.YAML) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "yaml is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ImportTemplate(ctx, workspaceOr(e, stringOrEmpty(input.Body.WorkspaceID)), []byte(input.Body.YAML), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TemplateResponse `json:"body"`
		}{Body: templateResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-template",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/templates/{id}/apply",
		Summary:     "Apply template to project",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body ApplyTemplateResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ApplyTemplate(ctx, input.ProjectID, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApplyTemplateResponse `json:"body"`
		}{Body: ApplyTemplateResponse{
			PhaseIDs:       nonNilSlice(res.PhaseIDs),
			DeliverableIDs: nonNilSlice(res.DeliverableIDs),
			RoleIDs:        nonNilSlice(res.RoleIDs),
		}}, nil
	})
}

func registerRoles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-roles",
		Method:      http.MethodGet,
		Path:        "/roles",
		Summary:     "List workspace roles",
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `query:"workspace_id"`
	}) (*struct {
		Body []RoleResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListRoles(ctx, workspaceOr(e, input.WorkspaceID))
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]RoleResponse, 0, len(items))
		for _, r := range items {
			res = append(res, roleResponse(r))
		}
		return &struct {
			Body []RoleResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:",project,phase,workstream,deliverable,template"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.ProjectID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: principal.ActorID,
			Roles:   nonNilSlice(principal.Roles),
			Source:  principal.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
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

func rawBodyMap(ctx context.Context) map[string]json.RawMessage {
	data := bodyBytes(ctx)
	if len(data) == 0 {
		return map[string]json.RawMessage{}
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return map[string]json.RawMessage{}
	}
	if inner, ok := outer["body"]; ok {
		var innerMap map[string]json.RawMessage
		if err := json.Unmarshal(inner, &innerMap); err == nil {
			return innerMap
		}
	}
	return outer
}

func isNullRaw(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && bytes.Equal(trimmed, []byte("null"))
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func workspaceOr(e engine.Engine, v string) string {
	if strings.TrimSpace(v) != "" {
		return v
	}
	if e.Config != nil && e.Config.Project.WorkspaceID != "" {
		return e.Config.Project.WorkspaceID
	}
	return "default-workspace"
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
