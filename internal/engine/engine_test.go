package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"planline/internal/db"
	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/events"
	"planline/internal/migrate"
	"planline/internal/store"
)

const owner = "owner-1"

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn)
	eng.Now = func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

// seedProject builds org -> workspace -> portfolio -> project -> section
// for ownerID and returns the project and section ids.
func seedProject(t *testing.T, env testEnv, ownerID string) (projectID, sectionID, portfolioID string) {
	t.Helper()
	org, err := env.Engine.CreateOrganization(env.Ctx, ownerID, engine.OrganizationCreateOptions{Name: "Acme"})
	if err != nil {
		t.Fatalf("create org: %v", err)
	}
	ws, err := env.Engine.CreateWorkspace(env.Ctx, ownerID, engine.WorkspaceCreateOptions{OrganizationID: org.ID, Name: "Engineering"})
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	pf, err := env.Engine.CreatePortfolio(env.Ctx, ownerID, engine.PortfolioCreateOptions{WorkspaceID: ws.ID, Name: "Q4 Launch"})
	if err != nil {
		t.Fatalf("create portfolio: %v", err)
	}
	prj, err := env.Engine.CreateProject(env.Ctx, ownerID, engine.ProjectCreateOptions{PortfolioID: pf.ID, Name: "Website Redesign"})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	sec, err := env.Engine.CreateSection(env.Ctx, ownerID, engine.SectionCreateOptions{ProjectID: prj.ID, Name: "Planning"})
	if err != nil {
		t.Fatalf("create section: %v", err)
	}
	return prj.ID, sec.ID, pf.ID
}

func mustCreateTask(t *testing.T, env testEnv, ownerID string, opts engine.TaskCreateOptions) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, ownerID, opts)
	if err != nil {
		t.Fatalf("create task %q: %v", opts.Title, err)
	}
	return task
}

func TestCreateRequiresName(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateOrganization(env.Ctx, owner, engine.OrganizationCreateOptions{})
	var ve engine.ValidationError
	if !errors.As(err, &ve) || ve.Field != "name" {
		t.Fatalf("expected name validation error, got %v", err)
	}
	projectID, sectionID, _ := seedProject(t, env, owner)
	_, err = env.Engine.CreateTask(env.Ctx, owner, engine.TaskCreateOptions{ProjectID: projectID, SectionID: sectionID})
	if !errors.As(err, &ve) || ve.Field != "title" {
		t.Fatalf("expected title validation error, got %v", err)
	}
}

func TestCreateRequiresOwnedParent(t *testing.T) {
	env := newTestEnv(t)
	org, err := env.Engine.CreateOrganization(env.Ctx, owner, engine.OrganizationCreateOptions{Name: "Acme"})
	if err != nil {
		t.Fatal(err)
	}
	// another owner cannot hang a workspace off it
	_, err = env.Engine.CreateWorkspace(env.Ctx, "intruder", engine.WorkspaceCreateOptions{OrganizationID: org.ID, Name: "Stolen"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for cross-owner parent, got %v", err)
	}
	// missing parent id is a validation error, not a lookup
	_, err = env.Engine.CreateWorkspace(env.Ctx, owner, engine.WorkspaceCreateOptions{Name: "Orphan"})
	var ve engine.ValidationError
	if !errors.As(err, &ve) || ve.Field != "organization_id" {
		t.Fatalf("expected organization_id validation error, got %v", err)
	}
}

func TestOwnershipIsolation(t *testing.T) {
	env := newTestEnv(t)
	projectID, sectionID, _ := seedProject(t, env, owner)
	task := mustCreateTask(t, env, owner, engine.TaskCreateOptions{ProjectID: projectID, SectionID: sectionID, Title: "secret"})

	// reads by another owner hide existence
	if _, err := env.Engine.GetTask(env.Ctx, "intruder", task.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	// lists never cross owners
	tasks, err := env.Engine.ListTasks(env.Ctx, "intruder", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected empty list, got %d", len(tasks))
	}
	// writes surface forbidden
	title := "hijacked"
	if _, err := env.Engine.UpdateTask(env.Ctx, "intruder", task.ID, engine.TaskUpdateOptions{Title: &title}); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if err := env.Engine.DeleteSection(env.Ctx, "intruder", sectionID); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected forbidden delete, got %v", err)
	}
}

func TestListUnknownFilterRejected(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ListTasks(env.Ctx, owner, store.Filter{"priority": "high"})
	var ufe store.UnknownFilterError
	if !errors.As(err, &ufe) || ufe.Field != "priority" {
		t.Fatalf("expected unknown filter error, got %v", err)
	}
}

func TestTaskDefaultsAndPatch(t *testing.T) {
	env := newTestEnv(t)
	projectID, sectionID, _ := seedProject(t, env, owner)
	task := mustCreateTask(t, env, owner, engine.TaskCreateOptions{ProjectID: projectID, SectionID: sectionID, Title: "write docs"})
	if task.Status != domain.StatusNotStarted {
		t.Fatalf("expected default status, got %s", task.Status)
	}
	if task.Tags == nil || task.CustomFields == nil || task.Dependencies == nil {
		t.Fatalf("expected empty collections, got %+v", task)
	}

	assignee := "user-9"
	status := domain.StatusInProgress
	task, err := env.Engine.UpdateTask(env.Ctx, owner, task.ID, engine.TaskUpdateOptions{AssigneeID: &assignee, Status: &status})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if task.AssigneeID == nil || *task.AssigneeID != "user-9" || task.Status != domain.StatusInProgress {
		t.Fatalf("patch not applied: %+v", task)
	}

	// empty assignee clears the field
	clear := ""
	task, err = env.Engine.UpdateTask(env.Ctx, owner, task.ID, engine.TaskUpdateOptions{AssigneeID: &clear})
	if err != nil {
		t.Fatalf("clear assignee: %v", err)
	}
	if task.AssigneeID != nil {
		t.Fatalf("expected assignee cleared, got %v", *task.AssigneeID)
	}

	bad := "blocked"
	_, err = env.Engine.UpdateTask(env.Ctx, owner, task.ID, engine.TaskUpdateOptions{Status: &bad})
	var ve engine.ValidationError
	if !errors.As(err, &ve) || ve.Field != "status" {
		t.Fatalf("expected status validation error, got %v", err)
	}
}

func TestDeleteTaskCascade(t *testing.T) {
	env := newTestEnv(t)
	projectID, sectionID, _ := seedProject(t, env, owner)
	root := mustCreateTask(t, env, owner, engine.TaskCreateOptions{ProjectID: projectID, SectionID: sectionID, Title: "root"})
	s1 := mustCreateTask(t, env, owner, engine.TaskCreateOptions{ProjectID: projectID, SectionID: sectionID, Title: "s1"})
	s2 := mustCreateTask(t, env, owner, engine.TaskCreateOptions{ProjectID: projectID, SectionID: sectionID, Title: "s2"})
	s1a := mustCreateTask(t, env, owner, engine.TaskCreateOptions{ProjectID: projectID, SectionID: sectionID, Title: "s1a"})
	survivor := mustCreateTask(t, env, owner, engine.TaskCreateOptions{ProjectID: projectID, SectionID: sectionID, Title: "survivor"})
	for _, link := range [][2]string{{root.ID, s1.ID}, {root.ID, s2.ID}, {s1.ID, s1a.ID}} {
		if _, err := env.Engine.AddSubtask(env.Ctx, owner, link[0], link[1]); err != nil {
			t.Fatalf("link %v: %v", link, err)
		}
	}

	if err := env.Engine.DeleteTaskCascade(env.Ctx, owner, root.ID); err != nil {
		t.Fatalf("cascade: %v", err)
	}
	for _, id := range []string{root.ID, s1.ID, s2.ID, s1a.ID} {
		if _, err := env.Engine.GetTask(env.Ctx, owner, id); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected %s deleted, got %v", id, err)
		}
	}
	if _, err := env.Engine.GetTask(env.Ctx, owner, survivor.ID); err != nil {
		t.Fatalf("unrelated task deleted: %v", err)
	}

	// second delete of the same id is a no-op
	if err := env.Engine.DeleteTaskCascade(env.Ctx, owner, root.ID); err != nil {
		t.Fatalf("expected idempotent delete, got %v", err)
	}
}

func TestSubtaskLinkUnlink(t *testing.T) {
	env := newTestEnv(t)
	projectID, sectionID, _ := seedProject(t, env, owner)
	parent := mustCreateTask(t, env, owner, engine.TaskCreateOptions{ProjectID: projectID, SectionID: sectionID, Title: "parent"})
	child := mustCreateTask(t, env, owner, engine.TaskCreateOptions{ProjectID: projectID, SectionID: sectionID, Title: "child"})

	linked, err := env.Engine.AddSubtask(env.Ctx, owner, parent.ID, child.ID)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if linked.ParentTaskID == nil || *linked.ParentTaskID != parent.ID {
		t.Fatalf("expected parent set, got %+v", linked)
	}

	// linking again changes nothing
	again, err := env.Engine.AddSubtask(env.Ctx, owner, parent.ID, child.ID)
	if err != nil || again.ParentTaskID == nil || *again.ParentTaskID != parent.ID {
		t.Fatalf("expected idempotent link, got %+v %v", again, err)
	}

	unlinked, err := env.Engine.RemoveSubtask(env.Ctx, owner, parent.ID, child.ID)
	if err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if unlinked.ParentTaskID != nil {
		t.Fatalf("expected parent cleared, got %v", *unlinked.ParentTaskID)
	}
	// the child survives as a top-level task
	if _, err := env.Engine.GetTask(env.Ctx, owner, child.ID); err != nil {
		t.Fatalf("child gone after unlink: %v", err)
	}
	// unlinking an unlinked pair changes nothing
	if _, err := env.Engine.RemoveSubtask(env.Ctx, owner, parent.ID, child.ID); err != nil {
		t.Fatalf("expected idempotent unlink, got %v", err)
	}
}

func TestSubtaskCycleRejected(t *testing.T) {
	env := newTestEnv(t)
	projectID, sectionID, _ := seedProject(t, env, owner)
	a := mustCreateTask(t, env, owner, engine.TaskCreateOptions{ProjectID: projectID, SectionID: sectionID, Title: "a"})
	b := mustCreateTask(t, env, owner, engine.TaskCreateOptions{ProjectID: projectID, SectionID: sectionID, Title: "b"})
	c := mustCreateTask(t, env, owner, engine.TaskCreateOptions{ProjectID: projectID, SectionID: sectionID, Title: "c"})
	if _, err := env.Engine.AddSubtask(env.Ctx, owner, a.ID, b.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddSubtask(env.Ctx, owner, b.ID, c.ID); err != nil {
		t.Fatal(err)
	}

	var ve engine.ValidationError
	if _, err := env.Engine.AddSubtask(env.Ctx, owner, c.ID, a.ID); !errors.As(err, &ve) {
		t.Fatalf("expected cycle rejection, got %v", err)
	}
	if _, err := env.Engine.AddSubtask(env.Ctx, owner, a.ID, a.ID); !errors.As(err, &ve) {
		t.Fatalf("expected self-link rejection, got %v", err)
	}
}

func TestProjectCompletion(t *testing.T) {
	env := newTestEnv(t)
	projectID, sectionID, _ := seedProject(t, env, owner)
	done := domain.StatusCompleted
	t1 := mustCreateTask(t, env, owner, engine.TaskCreateOptions{ProjectID: projectID, SectionID: sectionID, Title: "t1"})
	mustCreateTask(t, env, owner, engine.TaskCreateOptions{ProjectID: projectID, SectionID: sectionID, Title: "t2"})
	if _, err := env.Engine.UpdateTask(env.Ctx, owner, t1.ID, engine.TaskUpdateOptions{Status: &done}); err != nil {
		t.Fatal(err)
	}

	pct, err := env.Engine.CalculateProjectCompletion(env.Ctx, owner, projectID)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if pct != 50 {
		t.Fatalf("expected 50, got %v", pct)
	}
	prj, err := env.Engine.GetProject(env.Ctx, owner, projectID)
	if err != nil {
		t.Fatal(err)
	}
	if prj.CompletionPercentage != 50 {
		t.Fatalf("expected persisted 50, got %v", prj.CompletionPercentage)
	}
}

func TestProjectCompletionEmptyProject(t *testing.T) {
	env := newTestEnv(t)
	projectID, _, _ := seedProject(t, env, owner)
	pct, err := env.Engine.CalculateProjectCompletion(env.Ctx, owner, projectID)
	if err != nil {
		t.Fatal(err)
	}
	if pct != 0 {
		t.Fatalf("expected 0 for empty project, got %v", pct)
	}
}

func TestPortfolioRollup(t *testing.T) {
	env := newTestEnv(t)
	_, _, portfolioID := seedProject(t, env, owner)

	pa, err := env.Engine.CreateProject(env.Ctx, owner, engine.ProjectCreateOptions{PortfolioID: portfolioID, Name: "alpha"})
	if err != nil {
		t.Fatal(err)
	}
	sa, err := env.Engine.CreateSection(env.Ctx, owner, engine.SectionCreateOptions{ProjectID: pa.ID, Name: "work"})
	if err != nil {
		t.Fatal(err)
	}
	pb, err := env.Engine.CreateProject(env.Ctx, owner, engine.ProjectCreateOptions{PortfolioID: portfolioID, Name: "beta"})
	if err != nil {
		t.Fatal(err)
	}
	sb, err := env.Engine.CreateSection(env.Ctx, owner, engine.SectionCreateOptions{ProjectID: pb.ID, Name: "work"})
	if err != nil {
		t.Fatal(err)
	}

	// alpha: 2/2 completed, beta: 1/3 completed
	mustCreateTask(t, env, owner, engine.TaskCreateOptions{ProjectID: pa.ID, SectionID: sa.ID, Title: "a1", Status: domain.StatusCompleted})
	mustCreateTask(t, env, owner, engine.TaskCreateOptions{ProjectID: pa.ID, SectionID: sa.ID, Title: "a2", Status: domain.StatusCompleted})
	mustCreateTask(t, env, owner, engine.TaskCreateOptions{ProjectID: pb.ID, SectionID: sb.ID, Title: "b1", Status: domain.StatusCompleted})
	mustCreateTask(t, env, owner, engine.TaskCreateOptions{ProjectID: pb.ID, SectionID: sb.ID, Title: "b2"})
	mustCreateTask(t, env, owner, engine.TaskCreateOptions{ProjectID: pb.ID, SectionID: sb.ID, Title: "b3"})

	status, err := env.Engine.CalculatePortfolioStatus(env.Ctx, owner, portfolioID)
	if err != nil {
		t.Fatalf("rollup: %v", err)
	}
	if status.TotalTasks != 5 || status.CompletedTasks != 3 {
		t.Fatalf("expected 3/5 tasks, got %d/%d", status.CompletedTasks, status.TotalTasks)
	}
	if status.CompletionPercentage != 60 {
		t.Fatalf("expected 60, got %v", status.CompletionPercentage)
	}
	byName := map[string]float64{}
	for _, p := range status.Projects {
		byName[p.Name] = p.CompletionPercentage
	}
	if byName["alpha"] != 100 {
		t.Fatalf("expected alpha 100, got %v", byName["alpha"])
	}
	if byName["beta"] < 33.3 || byName["beta"] > 33.4 {
		t.Fatalf("expected beta ~33.33, got %v", byName["beta"])
	}
	if status.CalculatedAt == "" {
		t.Fatalf("expected calculated_at set")
	}

	// snapshot is persisted on the portfolio
	pf, err := env.Engine.GetPortfolio(env.Ctx, owner, portfolioID)
	if err != nil {
		t.Fatal(err)
	}
	if pf.Status == nil || pf.Status.CompletionPercentage != 60 {
		t.Fatalf("expected persisted snapshot, got %+v", pf.Status)
	}
}

func TestExpansionScopedToOwner(t *testing.T) {
	env := newTestEnv(t)
	projectID, sectionID, portfolioID := seedProject(t, env, owner)
	mustCreateTask(t, env, owner, engine.TaskCreateOptions{ProjectID: projectID, SectionID: sectionID, Title: "t"})

	full, err := env.Engine.GetProjectWithFullHierarchy(env.Ctx, owner, projectID)
	if err != nil {
		t.Fatalf("full hierarchy: %v", err)
	}
	if len(full.Sections) != 1 || len(full.Sections[0].Tasks) != 1 {
		t.Fatalf("unexpected hierarchy shape: %+v", full)
	}

	if _, err := env.Engine.GetPortfolioWithProjects(env.Ctx, "intruder", portfolioID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for cross-owner expand, got %v", err)
	}
	if _, err := env.Engine.GetSectionWithTasks(env.Ctx, "intruder", sectionID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for cross-owner section expand, got %v", err)
	}
}

func TestEventsAppendedOnMutations(t *testing.T) {
	env := newTestEnv(t)
	projectID, sectionID, _ := seedProject(t, env, owner)
	task := mustCreateTask(t, env, owner, engine.TaskCreateOptions{ProjectID: projectID, SectionID: sectionID, Title: "evented"})
	done := domain.StatusCompleted
	if _, err := env.Engine.UpdateTask(env.Ctx, owner, task.ID, engine.TaskUpdateOptions{Status: &done}); err != nil {
		t.Fatal(err)
	}

	evts, err := env.Engine.ListEvents(env.Ctx, owner, events.LatestFilters{EntityID: task.ID})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(evts) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evts))
	}
	// newest first
	if evts[0].Type != "task.updated" || evts[1].Type != "task.created" {
		t.Fatalf("unexpected event order: %s, %s", evts[0].Type, evts[1].Type)
	}
	// events are owner scoped too
	other, err := env.Engine.ListEvents(env.Ctx, "intruder", events.LatestFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Fatalf("expected no events for other owner, got %d", len(other))
	}
}

func TestEndToEndScenario(t *testing.T) {
	env := newTestEnv(t)
	projectID, planning, portfolioID := seedProject(t, env, owner)
	research, err := env.Engine.CreateSection(env.Ctx, owner, engine.SectionCreateOptions{ProjectID: projectID, Name: "Research"})
	if err != nil {
		t.Fatal(err)
	}

	t1 := mustCreateTask(t, env, owner, engine.TaskCreateOptions{ProjectID: projectID, SectionID: planning, Title: "define scope"})
	t2 := mustCreateTask(t, env, owner, engine.TaskCreateOptions{ProjectID: projectID, SectionID: research.ID, Title: "interview users"})
	sub := mustCreateTask(t, env, owner, engine.TaskCreateOptions{ProjectID: projectID, SectionID: research.ID, Title: "draft questions"})
	if _, err := env.Engine.AddSubtask(env.Ctx, owner, t2.ID, sub.ID); err != nil {
		t.Fatal(err)
	}

	done := domain.StatusCompleted
	for _, id := range []string{t1.ID, t2.ID, sub.ID} {
		if _, err := env.Engine.UpdateTask(env.Ctx, owner, id, engine.TaskUpdateOptions{Status: &done}); err != nil {
			t.Fatalf("complete %s: %v", id, err)
		}
	}

	pct, err := env.Engine.CalculateProjectCompletion(env.Ctx, owner, projectID)
	if err != nil {
		t.Fatal(err)
	}
	if pct != 100 {
		t.Fatalf("expected 100, got %v", pct)
	}
	status, err := env.Engine.CalculatePortfolioStatus(env.Ctx, owner, portfolioID)
	if err != nil {
		t.Fatal(err)
	}
	if status.CompletionPercentage != 100 {
		t.Fatalf("expected portfolio 100, got %v", status.CompletionPercentage)
	}
}
