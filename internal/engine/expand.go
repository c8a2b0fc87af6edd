package engine

import (
	"context"

	"planline/internal/domain"
	"planline/internal/store"
)

// Expansion variants fetch the root entity first and only then fan out
// to its children, so an unowned or missing root is plain not-found
// and never yields a partially expanded result.

type PortfolioWithProjects struct {
	domain.Portfolio
	Projects []domain.Project `json:"projects"`
}

func (e Engine) GetPortfolioWithProjects(ctx context.Context, ownerID, id string) (PortfolioWithProjects, error) {
	p, err := e.GetPortfolio(ctx, ownerID, id)
	if err != nil {
		return PortfolioWithProjects{}, err
	}
	projects, err := e.ListProjects(ctx, ownerID, store.Filter{"portfolio_id": id})
	if err != nil {
		return PortfolioWithProjects{}, err
	}
	return PortfolioWithProjects{Portfolio: p, Projects: projects}, nil
}

type ProjectWithSections struct {
	domain.Project
	Sections []domain.Section `json:"sections"`
}

func (e Engine) GetProjectWithSections(ctx context.Context, ownerID, id string) (ProjectWithSections, error) {
	p, err := e.GetProject(ctx, ownerID, id)
	if err != nil {
		return ProjectWithSections{}, err
	}
	sections, err := e.ListSections(ctx, ownerID, store.Filter{"project_id": id})
	if err != nil {
		return ProjectWithSections{}, err
	}
	return ProjectWithSections{Project: p, Sections: sections}, nil
}

type SectionWithTasks struct {
	domain.Section
	Tasks []domain.Task `json:"tasks"`
}

func (e Engine) GetSectionWithTasks(ctx context.Context, ownerID, id string) (SectionWithTasks, error) {
	s, err := e.GetSection(ctx, ownerID, id)
	if err != nil {
		return SectionWithTasks{}, err
	}
	tasks, err := e.ListTasks(ctx, ownerID, store.Filter{"section_id": id})
	if err != nil {
		return SectionWithTasks{}, err
	}
	return SectionWithTasks{Section: s, Tasks: tasks}, nil
}

// ProjectHierarchy is a project expanded two levels deep. Building it
// costs one list query per section.
type ProjectHierarchy struct {
	domain.Project
	Sections []SectionWithTasks `json:"sections"`
}

func (e Engine) GetProjectWithFullHierarchy(ctx context.Context, ownerID, id string) (ProjectHierarchy, error) {
	p, err := e.GetProject(ctx, ownerID, id)
	if err != nil {
		return ProjectHierarchy{}, err
	}
	sections, err := e.ListSections(ctx, ownerID, store.Filter{"project_id": id})
	if err != nil {
		return ProjectHierarchy{}, err
	}
	res := ProjectHierarchy{Project: p, Sections: make([]SectionWithTasks, 0, len(sections))}
	for _, s := range sections {
		tasks, err := e.ListTasks(ctx, ownerID, store.Filter{"section_id": s.ID})
		if err != nil {
			return ProjectHierarchy{}, err
		}
		res.Sections = append(res.Sections, SectionWithTasks{Section: s, Tasks: tasks})
	}
	return res, nil
}

type TaskWithSubtasks struct {
	domain.Task
	Subtasks []domain.Task `json:"subtasks"`
}

func (e Engine) GetTaskWithSubtasks(ctx context.Context, ownerID, id string) (TaskWithSubtasks, error) {
	t, err := e.GetTask(ctx, ownerID, id)
	if err != nil {
		return TaskWithSubtasks{}, err
	}
	subtasks, err := e.ListTasks(ctx, ownerID, store.Filter{"parent_task_id": id})
	if err != nil {
		return TaskWithSubtasks{}, err
	}
	return TaskWithSubtasks{Task: t, Subtasks: subtasks}, nil
}
