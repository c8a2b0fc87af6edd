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
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/events"
	"planline/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"task abc123: not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Planline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope shape.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Store))
	hcfg := huma.DefaultConfig("Planline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerOrganizations(group, cfg.Engine)
	registerWorkspaces(group, cfg.Engine)
	registerTeams(group, cfg.Engine)
	registerPortfolios(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerSections(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
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
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	var fe store.UnknownFilterError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": fe.Field})
	}
	if errors.Is(err, store.ErrForbidden) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusInternalServerError,
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

type idPath struct {
	ID string `path:"id"`
}

type entityBody struct {
	Body any `json:"body"`
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

func registerOrganizations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-organization",
		Method:        http.MethodPost,
		Path:          "/organizations",
		Summary:       "Create organization",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateOrganizationRequest `json:"body"`
	}) (*struct {
		Body domain.Organization `json:"body"`
	}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		org, err := e.CreateOrganization(ctx, ownerID, engine.OrganizationCreateOptions{Name: input.Body.Name})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Organization `json:"body"`
		}{Body: org}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-organizations",
		Method:      http.MethodGet,
		Path:        "/organizations",
		Summary:     "List organizations",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Organization `json:"body"`
	}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListOrganizations(ctx, ownerID, nil)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Organization `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-organization",
		Method:      http.MethodGet,
		Path:        "/organizations/{id}",
		Summary:     "Get organization",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.Organization `json:"body"`
	}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		org, err := e.GetOrganization(ctx, ownerID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Organization `json:"body"`
		}{Body: org}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-organization",
		Method:      http.MethodPatch,
		Path:        "/organizations/{id}",
		Summary:     "Update organization",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                    `path:"id"`
		Body UpdateOrganizationRequest `json:"body"`
	}) (*struct {
		Body domain.Organization `json:"body"`
	}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		org, err := e.UpdateOrganization(ctx, ownerID, input.ID, engine.OrganizationUpdateOptions{Name: input.Body.Name})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Organization `json:"body"`
		}{Body: org}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-organization",
		Method:      http.MethodDelete,
		Path:        "/organizations/{id}",
		Summary:     "Delete organization",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteOrganization(ctx, ownerID, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerWorkspaces(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-workspace",
		Method:        http.MethodPost,
		Path:          "/workspaces",
		Summary:       "Create workspace",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateWorkspaceRequest `json:"body"`
	}) (*struct {
		Body domain.Workspace `json:"body"`
	}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ws, err := e.CreateWorkspace(ctx, ownerID, engine.WorkspaceCreateOptions{
			OrganizationID: input.Body.OrganizationID,
			Name:           input.Body.Name,
			Description:    stringOrEmpty(input.Body.Description),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Workspace `json:"body"`
		}{Body: ws}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workspaces",
		Method:      http.MethodGet,
		Path:        "/workspaces",
		Summary:     "List workspaces",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		OrganizationID string `query:"organization_id"`
	}) (*struct {
		Body []domain.Workspace `json:"body"`
	}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f := store.Filter{}
		if input.OrganizationID != "" {
			f["organization_id"] = input.OrganizationID
		}
		items, err := e.ListWorkspaces(ctx, ownerID, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Workspace `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workspace",
		Method:      http.MethodGet,
		Path:        "/workspaces/{id}",
		Summary:     "Get workspace",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.Workspace `json:"body"`
	}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ws, err := e.GetWorkspace(ctx, ownerID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Workspace `json:"body"`
		}{Body: ws}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-workspace",
		Method:      http.MethodPatch,
		Path:        "/workspaces/{id}",
		Summary:     "Update workspace",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body UpdateWorkspaceRequest `json:"body"`
	}) (*struct {
		Body domain.Workspace `json:"body"`
	}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ws, err := e.UpdateWorkspace(ctx, ownerID, input.ID, engine.WorkspaceUpdateOptions{
			Name:        input.Body.Name,
			Description: input.Body.Description,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Workspace `json:"body"`
		}{Body: ws}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-workspace",
		Method:      http.MethodDelete,
		Path:        "/workspaces/{id}",
		Summary:     "Delete workspace",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteWorkspace(ctx, ownerID, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerTeams(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-team",
		Method:        http.MethodPost,
		Path:          "/teams",
		Summary:       "Create team",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTeamRequest `json:"body"`
	}) (*struct {
		Body domain.Team `json:"body"`
	}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		team, err := e.CreateTeam(ctx, ownerID, engine.TeamCreateOptions{
			WorkspaceID: input.Body.WorkspaceID,
			Name:        input.Body.Name,
			Description: stringOrEmpty(input.Body.Description),
			MemberIDs:   input.Body.MemberIDs,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Team `json:"body"`
		}{Body: team}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-teams",
		Method:      http.MethodGet,
		Path:        "/teams",
		Summary:     "List teams",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `query:"workspace_id"`
	}) (*struct {
		Body []domain.Team `json:"body"`
	}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f := store.Filter{}
		if input.WorkspaceID != "" {
			f["workspace_id"] = input.WorkspaceID
		}
		items, err := e.ListTeams(ctx, ownerID, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Team `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-team",
		Method:      http.MethodGet,
		Path:        "/teams/{id}",
		Summary:     "Get team",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.Team `json:"body"`
	}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		team, err := e.GetTeam(ctx, ownerID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Team `json:"body"`
		}{Body: team}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-team",
		Method:      http.MethodPatch,
		Path:        "/teams/{id}",
		Summary:     "Update team",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateTeamRequest `json:"body"`
	}) (*struct {
		Body domain.Team `json:"body"`
	}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		team, err := e.UpdateTeam(ctx, ownerID, input.ID, engine.TeamUpdateOptions{
			Name:        input.Body.Name,
			Description: input.Body.Description,
			MemberIDs:   input.Body.MemberIDs,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Team `json:"body"`
		}{Body: team}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-team",
		Method:      http.MethodDelete,
		Path:        "/teams/{id}",
		Summary:     "Delete team",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteTeam(ctx, ownerID, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerPortfolios(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-portfolio",
		Method:        http.MethodPost,
		Path:          "/portfolios",
		Summary:       "Create portfolio",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreatePortfolioRequest `json:"body"`
	}) (*struct {
		Body domain.Portfolio `json:"body"`
	}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreatePortfolio(ctx, ownerID, engine.PortfolioCreateOptions{
			WorkspaceID: input.Body.WorkspaceID,
			Name:        input.Body.Name,
			Description: stringOrEmpty(input.Body.Description),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Portfolio `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-portfolios",
		Method:      http.MethodGet,
		Path:        "/portfolios",
		Summary:     "List portfolios",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `query:"workspace_id"`
	}) (*struct {
		Body []domain.Portfolio `json:"body"`
	}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f := store.Filter{}
		if input.WorkspaceID != "" {
			f["workspace_id"] = input.WorkspaceID
		}
		items, err := e.ListPortfolios(ctx, ownerID, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Portfolio `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-portfolio",
		Method:      http.MethodGet,
		Path:        "/portfolios/{id}",
		Summary:     "Get portfolio",
		Description: "Optionally expands the portfolio's projects with ?expand=projects.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Expand string `query:"expand" enum:"projects"`
	}) (*entityBody, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		switch input.Expand {
		case "":
			p, err := e.GetPortfolio(ctx, ownerID, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			return &entityBody{Body: p}, nil
		case "projects":
			p, err := e.GetPortfolioWithProjects(ctx, ownerID, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			return &entityBody{Body: p}, nil
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown expand %q", input.Expand), nil)
		}
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-portfolio",
		Method:      http.MethodPatch,
		Path:        "/portfolios/{id}",
		Summary:     "Update portfolio",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body UpdatePortfolioRequest `json:"body"`
	}) (*struct {
		Body domain.Portfolio `json:"body"`
	}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.UpdatePortfolio(ctx, ownerID, input.ID, engine.PortfolioUpdateOptions{
			Name:        input.Body.Name,
			Description: input.Body.Description,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Portfolio `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-portfolio",
		Method:      http.MethodDelete,
		Path:        "/portfolios/{id}",
		Summary:     "Delete portfolio",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeletePortfolio(ctx, ownerID, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rollup-portfolio",
		Method:      http.MethodPost,
		Path:        "/portfolios/{id}/rollup",
		Summary:     "Recompute portfolio status",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.PortfolioStatus `json:"body"`
	}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		status, err := e.CalculatePortfolioStatus(ctx, ownerID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PortfolioStatus `json:"body"`
		}{Body: status}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProject(ctx, ownerID, engine.ProjectCreateOptions{
			PortfolioID: input.Body.PortfolioID,
			TeamID:      stringOrEmpty(input.Body.TeamID),
			Name:        input.Body.Name,
			Description: stringOrEmpty(input.Body.Description),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		PortfolioID string `query:"portfolio_id"`
		TeamID      string `query:"team_id"`
		Status      string `query:"status" enum:"not_started,in_progress,completed"`
	}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f := store.Filter{}
		if input.PortfolioID != "" {
			f["portfolio_id"] = input.PortfolioID
		}
		if input.TeamID != "" {
			f["team_id"] = input.TeamID
		}
		if input.Status != "" {
			f["status"] = input.Status
		}
		items, err := e.ListProjects(ctx, ownerID, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{id}",
		Summary:     "Get project",
		Description: "Optionally expands sections (?expand=sections) or the full section and task tree (?expand=full).",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Expand string `query:"expand" enum:"sections,full"`
	}) (*entityBody, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		switch input.Expand {
		case "":
			p, err := e.GetProject(ctx, ownerID, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			return &entityBody{Body: p}, nil
		case "sections":
			p, err := e.GetProjectWithSections(ctx, ownerID, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			return &entityBody{Body: p}, nil
		case "full":
			p, err := e.GetProjectWithFullHierarchy(ctx, ownerID, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			return &entityBody{Body: p}, nil
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown expand %q", input.Expand), nil)
		}
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-project",
		Method:      http.MethodPatch,
		Path:        "/projects/{id}",
		Summary:     "Update project",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body UpdateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.UpdateProject(ctx, ownerID, input.ID, engine.ProjectUpdateOptions{
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Status:      input.Body.Status,
			TeamID:      input.Body.TeamID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-project",
		Method:      http.MethodDelete,
		Path:        "/projects/{id}",
		Summary:     "Delete project",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteProject(ctx, ownerID, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "calculate-project-completion",
		Method:      http.MethodPost,
		Path:        "/projects/{id}/calculate-completion",
		Summary:     "Recompute project completion",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *idPath) (*struct {
		Body CompletionResponse `json:"body"`
	}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		pct, err := e.CalculateProjectCompletion(ctx, ownerID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CompletionResponse `json:"body"`
		}{Body: CompletionResponse{ProjectID: input.ID, CompletionPercentage: pct}}, nil
	})
}

func registerSections(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-section",
		Method:        http.MethodPost,
		Path:          "/sections",
		Summary:       "Create section",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateSectionRequest `json:"body"`
	}) (*struct {
		Body domain.Section `json:"body"`
	}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.CreateSection(ctx, ownerID, engine.SectionCreateOptions{
			ProjectID: input.Body.ProjectID,
			Name:      input.Body.Name,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Section `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sections",
		Method:      http.MethodGet,
		Path:        "/sections",
		Summary:     "List sections",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
	}) (*struct {
		Body []domain.Section `json:"body"`
	}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f := store.Filter{}
		if input.ProjectID != "" {
			f["project_id"] = input.ProjectID
		}
		items, err := e.ListSections(ctx, ownerID, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Section `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-section",
		Method:      http.MethodGet,
		Path:        "/sections/{id}",
		Summary:     "Get section",
		Description: "Optionally expands the section's tasks with ?expand=tasks.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Expand string `query:"expand" enum:"tasks"`
	}) (*entityBody, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		switch input.Expand {
		case "":
			s, err := e.GetSection(ctx, ownerID, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			return &entityBody{Body: s}, nil
		case "tasks":
			s, err := e.GetSectionWithTasks(ctx, ownerID, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			return &entityBody{Body: s}, nil
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown expand %q", input.Expand), nil)
		}
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-section",
		Method:      http.MethodPatch,
		Path:        "/sections/{id}",
		Summary:     "Update section",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body UpdateSectionRequest `json:"body"`
	}) (*struct {
		Body domain.Section `json:"body"`
	}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.UpdateSection(ctx, ownerID, input.ID, engine.SectionUpdateOptions{Name: input.Body.Name})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Section `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-section",
		Method:      http.MethodDelete,
		Path:        "/sections/{id}",
		Summary:     "Delete section",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteSection(ctx, ownerID, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateTask(ctx, ownerID, engine.TaskCreateOptions{
			SectionID:    input.Body.SectionID,
			ProjectID:    input.Body.ProjectID,
			Title:        input.Body.Title,
			Description:  stringOrEmpty(input.Body.Description),
			AssigneeID:   stringOrEmpty(input.Body.AssigneeID),
			Tags:         input.Body.Tags,
			CustomFields: input.Body.CustomFields,
			Dependencies: input.Body.Dependencies,
			Status:       stringOrEmpty(input.Body.Status),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID    string `query:"project_id"`
		SectionID    string `query:"section_id"`
		AssigneeID   string `query:"assignee_id"`
		Status       string `query:"status" enum:"not_started,in_progress,completed"`
		ParentTaskID string `query:"parent_task_id"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f := store.Filter{}
		if input.ProjectID != "" {
			f["project_id"] = input.ProjectID
		}
		if input.SectionID != "" {
			f["section_id"] = input.SectionID
		}
		if input.AssigneeID != "" {
			f["assignee_id"] = input.AssigneeID
		}
		if input.Status != "" {
			f["status"] = input.Status
		}
		if input.ParentTaskID != "" {
			f["parent_task_id"] = input.ParentTaskID
		}
		items, err := e.ListTasks(ctx, ownerID, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Description: "Optionally expands the task's subtasks with ?expand=subtasks.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Expand string `query:"expand" enum:"subtasks"`
	}) (*entityBody, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		switch input.Expand {
		case "":
			t, err := e.GetTask(ctx, ownerID, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			return &entityBody{Body: t}, nil
		case "subtasks":
			t, err := e.GetTaskWithSubtasks(ctx, ownerID, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			return &entityBody{Body: t}, nil
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown expand %q", input.Expand), nil)
		}
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Update task",
		Description: "Section, project and parent links are fixed here; reparent through the subtask link/unlink endpoints.",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.UpdateTask(ctx, ownerID, input.ID, engine.TaskUpdateOptions{
			Title:        input.Body.Title,
			Description:  input.Body.Description,
			AssigneeID:   input.Body.AssigneeID,
			Tags:         input.Body.Tags,
			CustomFields: input.Body.CustomFields,
			Dependencies: input.Body.Dependencies,
			Status:       input.Body.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{id}",
		Summary:     "Delete task and its subtask subtree",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteTaskCascade(ctx, ownerID, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "link-subtask",
		Method:      http.MethodPost,
		Path:        "/tasks/{parent_id}/subtasks/{subtask_id}",
		Summary:     "Link subtask",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ParentID  string `path:"parent_id"`
		SubtaskID string `path:"subtask_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.AddSubtask(ctx, ownerID, input.ParentID, input.SubtaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unlink-subtask",
		Method:      http.MethodDelete,
		Path:        "/tasks/{parent_id}/subtasks/{subtask_id}",
		Summary:     "Unlink subtask",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ParentID  string `path:"parent_id"`
		SubtaskID string `path:"subtask_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.RemoveSubtask(ctx, ownerID, input.ParentID, input.SubtaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Type       string `query:"type"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     int64  `query:"cursor"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListEvents(ctx, ownerID, events.LatestFilters{
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Type:       input.Type,
			Limit:      input.Limit,
			Cursor:     input.Cursor,
		})
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

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/auth/api-keys",
		Summary:       "Create API key",
		Description:   "Returns the plaintext key once; only its hash is stored.",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body CreateAPIKeyResponse `json:"body"`
	}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		plaintext := "pl_" + strings.ReplaceAll(uuid.New().String(), "-", "")
		key := domain.APIKey{
			ID:      uuid.New().String(),
			OwnerID: ownerID,
			Name:    input.Body.Name,
			KeyHash: store.HashAPIKey(plaintext),
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Store.InsertAPIKey(ctx, tx, key); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		stored, err := e.Store.GetAPIKeyByHash(ctx, key.KeyHash)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateAPIKeyResponse `json:"body"`
		}{Body: CreateAPIKeyResponse{
			ID:        stored.ID,
			Name:      stored.Name,
			Key:       plaintext,
			CreatedAt: stored.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/auth/api-keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeySummary `json:"body"`
	}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.Store.ListAPIKeys(ctx, ownerID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]APIKeySummary, 0, len(keys))
		for _, k := range keys {
			res = append(res, APIKeySummary{ID: k.ID, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &struct {
			Body []APIKeySummary `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/auth/api-keys/{id}",
		Summary:     "Delete API key",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Store.DeleteAPIKey(ctx, input.ID, ownerID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

// registerDevAuth mints short-lived HS256 tokens for local development.
// The route refuses to work without a configured secret.
func registerDevAuth(api huma.API, cfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Mint a development token",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body struct {
			OwnerID string `json:"owner_id"`
		} `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if strings.TrimSpace(cfg.JWTSecret) == "" {
			return nil, newAPIError(http.StatusConflict, "conflict", "jwt secret not configured", nil)
		}
		if input.Body.OwnerID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "owner_id is required", nil)
		}
		now := time.Now()
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   input.Body.OwnerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(24 * time.Hour)),
		})
		signed, err := token.SignedString([]byte(cfg.JWTSecret))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"token": signed}}, nil
	})
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
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
    <title>Planline API Docs</title>
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
