package engine

import (
	"context"
	"database/sql"
	"time"

	"planline/internal/domain"
	"planline/internal/events"
	"planline/internal/store"
)

// Roll-ups are pull-based. Nothing recomputes when a task changes
// status; callers invoke these after the mutations they care about.

func completionPercentage(completed, total int) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(completed) / float64(total)
}

func countCompleted(tasks []domain.Task) int {
	n := 0
	for _, t := range tasks {
		if t.Status == domain.StatusCompleted {
			n++
		}
	}
	return n
}

// CalculateProjectCompletion recomputes a project's completion
// percentage from its tasks, persists it on the project and returns
// it. A project with no tasks is 0.
func (e Engine) CalculateProjectCompletion(ctx context.Context, ownerID, projectID string) (float64, error) {
	if _, err := e.GetProject(ctx, ownerID, projectID); err != nil {
		return 0, err
	}
	tasks, err := e.ListTasks(ctx, ownerID, store.Filter{"project_id": projectID})
	if err != nil {
		return 0, err
	}
	pct := completionPercentage(countCompleted(tasks), len(tasks))
	err = e.mutate(ctx, ownerID, "rollup.calculated", "project", func(tx *sql.Tx) (string, events.EventPayload, error) {
		_, err := e.Store.Patch(ctx, tx, store.KindProject, projectID, ownerID, map[string]any{"completion_percentage": pct})
		if err != nil {
			return "", nil, err
		}
		return projectID, events.EventPayload{"completion_percentage": pct, "total_tasks": len(tasks)}, nil
	})
	return pct, err
}

// CalculatePortfolioStatus aggregates task counts across every project
// in the portfolio, persists the snapshot on the portfolio and returns
// it. Cost is one task listing per project.
func (e Engine) CalculatePortfolioStatus(ctx context.Context, ownerID, portfolioID string) (domain.PortfolioStatus, error) {
	if _, err := e.GetPortfolio(ctx, ownerID, portfolioID); err != nil {
		return domain.PortfolioStatus{}, err
	}
	projects, err := e.ListProjects(ctx, ownerID, store.Filter{"portfolio_id": portfolioID})
	if err != nil {
		return domain.PortfolioStatus{}, err
	}
	status := domain.PortfolioStatus{
		Projects:     make([]domain.ProjectSummary, 0, len(projects)),
		CalculatedAt: e.now().UTC().Format(time.RFC3339),
	}
	for _, p := range projects {
		tasks, err := e.ListTasks(ctx, ownerID, store.Filter{"project_id": p.ID})
		if err != nil {
			return domain.PortfolioStatus{}, err
		}
		completed := countCompleted(tasks)
		status.TotalTasks += len(tasks)
		status.CompletedTasks += completed
		status.Projects = append(status.Projects, domain.ProjectSummary{
			ID:                   p.ID,
			Name:                 p.Name,
			CompletionPercentage: completionPercentage(completed, len(tasks)),
		})
	}
	status.CompletionPercentage = completionPercentage(status.CompletedTasks, status.TotalTasks)
	err = e.mutate(ctx, ownerID, "rollup.calculated", "portfolio", func(tx *sql.Tx) (string, events.EventPayload, error) {
		_, err := e.Store.Patch(ctx, tx, store.KindPortfolio, portfolioID, ownerID, map[string]any{"status": status})
		if err != nil {
			return "", nil, err
		}
		return portfolioID, events.EventPayload{
			"completion_percentage": status.CompletionPercentage,
			"total_tasks":           status.TotalTasks,
			"completed_tasks":       status.CompletedTasks,
		}, nil
	})
	return status, err
}
