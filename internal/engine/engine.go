package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"planline/internal/domain"
	"planline/internal/events"
	"planline/internal/store"
)

// Engine implements the hierarchy operations over the entity store.
// Every operation takes the owning identity explicitly; there is no
// ambient current-user state.
type Engine struct {
	DB     *sql.DB
	Store  store.Store
	Events events.Log
	Now    func() time.Time
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:     db,
		Store:  store.New(db),
		Events: events.Log{DB: db},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ValidationError reports a missing or malformed field. It is raised
// before any store write happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("%s is required", e.Field)
}

func required(field, value string) error {
	if value == "" {
		return ValidationError{Field: field}
	}
	return nil
}

// requireParent verifies that a foreign key resolves to an entity
// owned by the same identity. Cross-owner references surface as
// not-found, never as a hint that the entity exists.
func (e Engine) requireParent(ctx context.Context, kind store.Kind, field, id, ownerID string) error {
	if id == "" {
		return ValidationError{Field: field}
	}
	if _, err := e.Store.Get(ctx, kind, id, ownerID); err != nil {
		return fmt.Errorf("%s %s: %w", field, id, err)
	}
	return nil
}

// mutate runs fn inside one transaction and appends the given event
// after it succeeds.
func (e Engine) mutate(ctx context.Context, ownerID, evtType, entityKind string, fn func(tx *sql.Tx) (string, events.EventPayload, error)) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	entityID, payload, err := fn(tx)
	if err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, evtType, ownerID, entityKind, entityID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func dedupeSorted(in []string) []string {
	seen := map[string]bool{}
	res := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		res = append(res, v)
	}
	sort.Strings(res)
	return res
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ListEvents returns the owner's mutation log, newest first.
func (e Engine) ListEvents(ctx context.Context, ownerID string, f events.LatestFilters) ([]domain.Event, error) {
	return e.Events.Latest(ctx, ownerID, f)
}

// --- Organizations ---

type OrganizationCreateOptions struct {
	Name string
}

func (e Engine) CreateOrganization(ctx context.Context, ownerID string, opts OrganizationCreateOptions) (domain.Organization, error) {
	if err := required("name", opts.Name); err != nil {
		return domain.Organization{}, err
	}
	var org domain.Organization
	err := e.mutate(ctx, ownerID, "organization.created", "organization", func(tx *sql.Tx) (string, events.EventPayload, error) {
		doc, err := e.Store.Create(ctx, tx, store.KindOrganization, ownerID, domain.Organization{Name: opts.Name})
		if err != nil {
			return "", nil, err
		}
		if err := doc.Decode(&org); err != nil {
			return "", nil, err
		}
		return doc.ID, events.EventPayload{"name": org.Name}, nil
	})
	return org, err
}

func (e Engine) GetOrganization(ctx context.Context, ownerID, id string) (domain.Organization, error) {
	doc, err := e.Store.Get(ctx, store.KindOrganization, id, ownerID)
	if err != nil {
		return domain.Organization{}, err
	}
	var org domain.Organization
	return org, doc.Decode(&org)
}

func (e Engine) ListOrganizations(ctx context.Context, ownerID string, f store.Filter) ([]domain.Organization, error) {
	docs, err := e.Store.List(ctx, store.KindOrganization, ownerID, f)
	if err != nil {
		return nil, err
	}
	res := make([]domain.Organization, 0, len(docs))
	for _, doc := range docs {
		var org domain.Organization
		if err := doc.Decode(&org); err != nil {
			return nil, err
		}
		res = append(res, org)
	}
	return res, nil
}

type OrganizationUpdateOptions struct {
	Name *string
}

func (e Engine) UpdateOrganization(ctx context.Context, ownerID, id string, opts OrganizationUpdateOptions) (domain.Organization, error) {
	fields := map[string]any{}
	if opts.Name != nil {
		if err := required("name", *opts.Name); err != nil {
			return domain.Organization{}, err
		}
		fields["name"] = *opts.Name
	}
	var org domain.Organization
	err := e.mutate(ctx, ownerID, "organization.updated", "organization", func(tx *sql.Tx) (string, events.EventPayload, error) {
		doc, err := e.Store.Patch(ctx, tx, store.KindOrganization, id, ownerID, fields)
		if err != nil {
			return "", nil, err
		}
		return doc.ID, nil, doc.Decode(&org)
	})
	return org, err
}

func (e Engine) DeleteOrganization(ctx context.Context, ownerID, id string) error {
	return e.mutate(ctx, ownerID, "organization.deleted", "organization", func(tx *sql.Tx) (string, events.EventPayload, error) {
		return id, nil, e.Store.Delete(ctx, tx, store.KindOrganization, id, ownerID)
	})
}

// --- Workspaces ---

type WorkspaceCreateOptions struct {
	OrganizationID string
	Name           string
	Description    string
}

func (e Engine) CreateWorkspace(ctx context.Context, ownerID string, opts WorkspaceCreateOptions) (domain.Workspace, error) {
	if err := required("name", opts.Name); err != nil {
		return domain.Workspace{}, err
	}
	if err := e.requireParent(ctx, store.KindOrganization, "organization_id", opts.OrganizationID, ownerID); err != nil {
		return domain.Workspace{}, err
	}
	var ws domain.Workspace
	err := e.mutate(ctx, ownerID, "workspace.created", "workspace", func(tx *sql.Tx) (string, events.EventPayload, error) {
		doc, err := e.Store.Create(ctx, tx, store.KindWorkspace, ownerID, domain.Workspace{
			OrganizationID: opts.OrganizationID,
			Name:           opts.Name,
			Description:    opts.Description,
		})
		if err != nil {
			return "", nil, err
		}
		if err := doc.Decode(&ws); err != nil {
			return "", nil, err
		}
		return doc.ID, events.EventPayload{"name": ws.Name}, nil
	})
	return ws, err
}

func (e Engine) GetWorkspace(ctx context.Context, ownerID, id string) (domain.Workspace, error) {
	doc, err := e.Store.Get(ctx, store.KindWorkspace, id, ownerID)
	if err != nil {
		return domain.Workspace{}, err
	}
	var ws domain.Workspace
	return ws, doc.Decode(&ws)
}

func (e Engine) ListWorkspaces(ctx context.Context, ownerID string, f store.Filter) ([]domain.Workspace, error) {
	docs, err := e.Store.List(ctx, store.KindWorkspace, ownerID, f)
	if err != nil {
		return nil, err
	}
	res := make([]domain.Workspace, 0, len(docs))
	for _, doc := range docs {
		var ws domain.Workspace
		if err := doc.Decode(&ws); err != nil {
			return nil, err
		}
		res = append(res, ws)
	}
	return res, nil
}

type WorkspaceUpdateOptions struct {
	Name        *string
	Description *string
}

func (e Engine) UpdateWorkspace(ctx context.Context, ownerID, id string, opts WorkspaceUpdateOptions) (domain.Workspace, error) {
	fields := map[string]any{}
	if opts.Name != nil {
		if err := required("name", *opts.Name); err != nil {
			return domain.Workspace{}, err
		}
		fields["name"] = *opts.Name
	}
	if opts.Description != nil {
		fields["description"] = patchText(*opts.Description)
	}
	var ws domain.Workspace
	err := e.mutate(ctx, ownerID, "workspace.updated", "workspace", func(tx *sql.Tx) (string, events.EventPayload, error) {
		doc, err := e.Store.Patch(ctx, tx, store.KindWorkspace, id, ownerID, fields)
		if err != nil {
			return "", nil, err
		}
		return doc.ID, nil, doc.Decode(&ws)
	})
	return ws, err
}

func (e Engine) DeleteWorkspace(ctx context.Context, ownerID, id string) error {
	return e.mutate(ctx, ownerID, "workspace.deleted", "workspace", func(tx *sql.Tx) (string, events.EventPayload, error) {
		return id, nil, e.Store.Delete(ctx, tx, store.KindWorkspace, id, ownerID)
	})
}

// patchText maps an empty string to a key removal so cleared optional
// text fields drop out of the document instead of storing "".
func patchText(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// --- Teams ---

type TeamCreateOptions struct {
	WorkspaceID string
	Name        string
	Description string
	MemberIDs   []string
}

func (e Engine) CreateTeam(ctx context.Context, ownerID string, opts TeamCreateOptions) (domain.Team, error) {
	if err := required("name", opts.Name); err != nil {
		return domain.Team{}, err
	}
	if err := e.requireParent(ctx, store.KindWorkspace, "workspace_id", opts.WorkspaceID, ownerID); err != nil {
		return domain.Team{}, err
	}
	var team domain.Team
	err := e.mutate(ctx, ownerID, "team.created", "team", func(tx *sql.Tx) (string, events.EventPayload, error) {
		doc, err := e.Store.Create(ctx, tx, store.KindTeam, ownerID, domain.Team{
			WorkspaceID: opts.WorkspaceID,
			Name:        opts.Name,
			Description: opts.Description,
			MemberIDs:   dedupeSorted(opts.MemberIDs),
		})
		if err != nil {
			return "", nil, err
		}
		if err := doc.Decode(&team); err != nil {
			return "", nil, err
		}
		return doc.ID, events.EventPayload{"name": team.Name}, nil
	})
	return team, err
}

func (e Engine) GetTeam(ctx context.Context, ownerID, id string) (domain.Team, error) {
	doc, err := e.Store.Get(ctx, store.KindTeam, id, ownerID)
	if err != nil {
		return domain.Team{}, err
	}
	var team domain.Team
	return team, doc.Decode(&team)
}

func (e Engine) ListTeams(ctx context.Context, ownerID string, f store.Filter) ([]domain.Team, error) {
	docs, err := e.Store.List(ctx, store.KindTeam, ownerID, f)
	if err != nil {
		return nil, err
	}
	res := make([]domain.Team, 0, len(docs))
	for _, doc := range docs {
		var team domain.Team
		if err := doc.Decode(&team); err != nil {
			return nil, err
		}
		res = append(res, team)
	}
	return res, nil
}

type TeamUpdateOptions struct {
	Name        *string
	Description *string
	MemberIDs   *[]string
}

func (e Engine) UpdateTeam(ctx context.Context, ownerID, id string, opts TeamUpdateOptions) (domain.Team, error) {
	fields := map[string]any{}
	if opts.Name != nil {
		if err := required("name", *opts.Name); err != nil {
			return domain.Team{}, err
		}
		fields["name"] = *opts.Name
	}
	if opts.Description != nil {
		fields["description"] = patchText(*opts.Description)
	}
	if opts.MemberIDs != nil {
		fields["member_ids"] = dedupeSorted(*opts.MemberIDs)
	}
	var team domain.Team
	err := e.mutate(ctx, ownerID, "team.updated", "team", func(tx *sql.Tx) (string, events.EventPayload, error) {
		doc, err := e.Store.Patch(ctx, tx, store.KindTeam, id, ownerID, fields)
		if err != nil {
			return "", nil, err
		}
		return doc.ID, nil, doc.Decode(&team)
	})
	return team, err
}

func (e Engine) DeleteTeam(ctx context.Context, ownerID, id string) error {
	return e.mutate(ctx, ownerID, "team.deleted", "team", func(tx *sql.Tx) (string, events.EventPayload, error) {
		return id, nil, e.Store.Delete(ctx, tx, store.KindTeam, id, ownerID)
	})
}
