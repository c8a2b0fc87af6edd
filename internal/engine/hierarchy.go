package engine

import (
	"context"
	"database/sql"

	"planline/internal/domain"
	"planline/internal/events"
	"planline/internal/store"
)

// --- Portfolios ---

type PortfolioCreateOptions struct {
	WorkspaceID string
	Name        string
	Description string
}

func (e Engine) CreatePortfolio(ctx context.Context, ownerID string, opts PortfolioCreateOptions) (domain.Portfolio, error) {
	if err := required("name", opts.Name); err != nil {
		return domain.Portfolio{}, err
	}
	if err := e.requireParent(ctx, store.KindWorkspace, "workspace_id", opts.WorkspaceID, ownerID); err != nil {
		return domain.Portfolio{}, err
	}
	var p domain.Portfolio
	err := e.mutate(ctx, ownerID, "portfolio.created", "portfolio", func(tx *sql.Tx) (string, events.EventPayload, error) {
		doc, err := e.Store.Create(ctx, tx, store.KindPortfolio, ownerID, domain.Portfolio{
			WorkspaceID: opts.WorkspaceID,
			Name:        opts.Name,
			Description: opts.Description,
		})
		if err != nil {
			return "", nil, err
		}
		if err := doc.Decode(&p); err != nil {
			return "", nil, err
		}
		return doc.ID, events.EventPayload{"name": p.Name}, nil
	})
	return p, err
}

func (e Engine) GetPortfolio(ctx context.Context, ownerID, id string) (domain.Portfolio, error) {
	doc, err := e.Store.Get(ctx, store.KindPortfolio, id, ownerID)
	if err != nil {
		return domain.Portfolio{}, err
	}
	var p domain.Portfolio
	return p, doc.Decode(&p)
}

func (e Engine) ListPortfolios(ctx context.Context, ownerID string, f store.Filter) ([]domain.Portfolio, error) {
	docs, err := e.Store.List(ctx, store.KindPortfolio, ownerID, f)
	if err != nil {
		return nil, err
	}
	res := make([]domain.Portfolio, 0, len(docs))
	for _, doc := range docs {
		var p domain.Portfolio
		if err := doc.Decode(&p); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

type PortfolioUpdateOptions struct {
	Name        *string
	Description *string
}

func (e Engine) UpdatePortfolio(ctx context.Context, ownerID, id string, opts PortfolioUpdateOptions) (domain.Portfolio, error) {
	fields := map[string]any{}
	if opts.Name != nil {
		if err := required("name", *opts.Name); err != nil {
			return domain.Portfolio{}, err
		}
		fields["name"] = *opts.Name
	}
	if opts.Description != nil {
		fields["description"] = patchText(*opts.Description)
	}
	var p domain.Portfolio
	err := e.mutate(ctx, ownerID, "portfolio.updated", "portfolio", func(tx *sql.Tx) (string, events.EventPayload, error) {
		doc, err := e.Store.Patch(ctx, tx, store.KindPortfolio, id, ownerID, fields)
		if err != nil {
			return "", nil, err
		}
		return doc.ID, nil, doc.Decode(&p)
	})
	return p, err
}

func (e Engine) DeletePortfolio(ctx context.Context, ownerID, id string) error {
	return e.mutate(ctx, ownerID, "portfolio.deleted", "portfolio", func(tx *sql.Tx) (string, events.EventPayload, error) {
		return id, nil, e.Store.Delete(ctx, tx, store.KindPortfolio, id, ownerID)
	})
}

// --- Projects ---

type ProjectCreateOptions struct {
	PortfolioID string
	TeamID      string
	Name        string
	Description string
}

func (e Engine) CreateProject(ctx context.Context, ownerID string, opts ProjectCreateOptions) (domain.Project, error) {
	if err := required("name", opts.Name); err != nil {
		return domain.Project{}, err
	}
	if err := e.requireParent(ctx, store.KindPortfolio, "portfolio_id", opts.PortfolioID, ownerID); err != nil {
		return domain.Project{}, err
	}
	if opts.TeamID != "" {
		if err := e.requireParent(ctx, store.KindTeam, "team_id", opts.TeamID, ownerID); err != nil {
			return domain.Project{}, err
		}
	}
	var p domain.Project
	err := e.mutate(ctx, ownerID, "project.created", "project", func(tx *sql.Tx) (string, events.EventPayload, error) {
		doc, err := e.Store.Create(ctx, tx, store.KindProject, ownerID, domain.Project{
			PortfolioID:          opts.PortfolioID,
			TeamID:               optionalString(opts.TeamID),
			Name:                 opts.Name,
			Description:          opts.Description,
			Status:               domain.StatusNotStarted,
			CompletionPercentage: 0,
		})
		if err != nil {
			return "", nil, err
		}
		if err := doc.Decode(&p); err != nil {
			return "", nil, err
		}
		return doc.ID, events.EventPayload{"name": p.Name}, nil
	})
	return p, err
}

func (e Engine) GetProject(ctx context.Context, ownerID, id string) (domain.Project, error) {
	doc, err := e.Store.Get(ctx, store.KindProject, id, ownerID)
	if err != nil {
		return domain.Project{}, err
	}
	var p domain.Project
	return p, doc.Decode(&p)
}

func (e Engine) ListProjects(ctx context.Context, ownerID string, f store.Filter) ([]domain.Project, error) {
	docs, err := e.Store.List(ctx, store.KindProject, ownerID, f)
	if err != nil {
		return nil, err
	}
	res := make([]domain.Project, 0, len(docs))
	for _, doc := range docs {
		var p domain.Project
		if err := doc.Decode(&p); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

type ProjectUpdateOptions struct {
	Name        *string
	Description *string
	Status      *string
	TeamID      *string
}

func (e Engine) UpdateProject(ctx context.Context, ownerID, id string, opts ProjectUpdateOptions) (domain.Project, error) {
	fields := map[string]any{}
	if opts.Name != nil {
		if err := required("name", *opts.Name); err != nil {
			return domain.Project{}, err
		}
		fields["name"] = *opts.Name
	}
	if opts.Description != nil {
		fields["description"] = patchText(*opts.Description)
	}
	if opts.Status != nil {
		if !domain.ValidStatus(*opts.Status) {
			return domain.Project{}, ValidationError{Field: "status", Reason: "must be one of not_started, in_progress, completed"}
		}
		fields["status"] = *opts.Status
	}
	if opts.TeamID != nil {
		if *opts.TeamID == "" {
			fields["team_id"] = nil
		} else {
			if err := e.requireParent(ctx, store.KindTeam, "team_id", *opts.TeamID, ownerID); err != nil {
				return domain.Project{}, err
			}
			fields["team_id"] = *opts.TeamID
		}
	}
	var p domain.Project
	err := e.mutate(ctx, ownerID, "project.updated", "project", func(tx *sql.Tx) (string, events.EventPayload, error) {
		doc, err := e.Store.Patch(ctx, tx, store.KindProject, id, ownerID, fields)
		if err != nil {
			return "", nil, err
		}
		return doc.ID, nil, doc.Decode(&p)
	})
	return p, err
}

func (e Engine) DeleteProject(ctx context.Context, ownerID, id string) error {
	return e.mutate(ctx, ownerID, "project.deleted", "project", func(tx *sql.Tx) (string, events.EventPayload, error) {
		return id, nil, e.Store.Delete(ctx, tx, store.KindProject, id, ownerID)
	})
}

// --- Sections ---

type SectionCreateOptions struct {
	ProjectID string
	Name      string
}

func (e Engine) CreateSection(ctx context.Context, ownerID string, opts SectionCreateOptions) (domain.Section, error) {
	if err := required("name", opts.Name); err != nil {
		return domain.Section{}, err
	}
	if err := e.requireParent(ctx, store.KindProject, "project_id", opts.ProjectID, ownerID); err != nil {
		return domain.Section{}, err
	}
	var s domain.Section
	err := e.mutate(ctx, ownerID, "section.created", "section", func(tx *sql.Tx) (string, events.EventPayload, error) {
		doc, err := e.Store.Create(ctx, tx, store.KindSection, ownerID, domain.Section{
			ProjectID: opts.ProjectID,
			Name:      opts.Name,
		})
		if err != nil {
			return "", nil, err
		}
		if err := doc.Decode(&s); err != nil {
			return "", nil, err
		}
		return doc.ID, events.EventPayload{"name": s.Name}, nil
	})
	return s, err
}

func (e Engine) GetSection(ctx context.Context, ownerID, id string) (domain.Section, error) {
	doc, err := e.Store.Get(ctx, store.KindSection, id, ownerID)
	if err != nil {
		return domain.Section{}, err
	}
	var s domain.Section
	return s, doc.Decode(&s)
}

func (e Engine) ListSections(ctx context.Context, ownerID string, f store.Filter) ([]domain.Section, error) {
	docs, err := e.Store.List(ctx, store.KindSection, ownerID, f)
	if err != nil {
		return nil, err
	}
	res := make([]domain.Section, 0, len(docs))
	for _, doc := range docs {
		var s domain.Section
		if err := doc.Decode(&s); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}

type SectionUpdateOptions struct {
	Name *string
}

func (e Engine) UpdateSection(ctx context.Context, ownerID, id string, opts SectionUpdateOptions) (domain.Section, error) {
	fields := map[string]any{}
	if opts.Name != nil {
		if err := required("name", *opts.Name); err != nil {
			return domain.Section{}, err
		}
		fields["name"] = *opts.Name
	}
	var s domain.Section
	err := e.mutate(ctx, ownerID, "section.updated", "section", func(tx *sql.Tx) (string, events.EventPayload, error) {
		doc, err := e.Store.Patch(ctx, tx, store.KindSection, id, ownerID, fields)
		if err != nil {
			return "", nil, err
		}
		return doc.ID, nil, doc.Decode(&s)
	})
	return s, err
}

func (e Engine) DeleteSection(ctx context.Context, ownerID, id string) error {
	return e.mutate(ctx, ownerID, "section.deleted", "section", func(tx *sql.Tx) (string, events.EventPayload, error) {
		return id, nil, e.Store.Delete(ctx, tx, store.KindSection, id, ownerID)
	})
}
