package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"planline/internal/db"
	"planline/internal/domain"
	"planline/internal/migrate"
	"planline/internal/store"
)

func newTestStore(t *testing.T) store.Store {
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
	s := store.New(conn)
	s.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestCreateAssignsEnvelope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc, err := s.Create(ctx, nil, store.KindOrganization, "owner-1", domain.Organization{Name: "Acme"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if doc.ID == "" || doc.OwnerID != "owner-1" {
		t.Fatalf("unexpected envelope: %+v", doc)
	}
	if doc.CreatedAt != "2025-06-01T12:00:00Z" || doc.UpdatedAt != doc.CreatedAt {
		t.Fatalf("unexpected timestamps: %s / %s", doc.CreatedAt, doc.UpdatedAt)
	}
	var org domain.Organization
	if err := doc.Decode(&org); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if org.ID != doc.ID || org.Name != "Acme" {
		t.Fatalf("payload mismatch: %+v", org)
	}
}

func TestGetHidesOtherOwners(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc, err := s.Create(ctx, nil, store.KindOrganization, "owner-1", domain.Organization{Name: "Acme"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, store.KindOrganization, doc.ID, "owner-2"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := s.Get(ctx, store.KindOrganization, "missing", "owner-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for missing id, got %v", err)
	}
}

func TestListFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mk := func(projectID, status string) {
		t.Helper()
		_, err := s.Create(ctx, nil, store.KindTask, "owner-1", domain.Task{ProjectID: projectID, Title: "t", Status: status})
		if err != nil {
			t.Fatalf("create task: %v", err)
		}
	}
	mk("p1", domain.StatusCompleted)
	mk("p1", domain.StatusNotStarted)
	mk("p2", domain.StatusCompleted)

	docs, err := s.List(ctx, store.KindTask, "owner-1", store.Filter{"project_id": "p1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2, got %d", len(docs))
	}
	docs, err = s.List(ctx, store.KindTask, "owner-1", store.Filter{"project_id": "p1", "status": domain.StatusCompleted})
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected 1, got %d", len(docs))
	}

	_, err = s.List(ctx, store.KindTask, "owner-1", store.Filter{"priority": "high"})
	var ufe store.UnknownFilterError
	if !errors.As(err, &ufe) || ufe.Field != "priority" || ufe.Kind != store.KindTask {
		t.Fatalf("expected unknown filter error, got %v", err)
	}
}

func TestListOrderStableWithinSameSecond(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	// the fixed clock gives every row the same created_at
	var ids []string
	for _, name := range []string{"first", "second", "third"} {
		doc, err := s.Create(ctx, nil, store.KindOrganization, "owner-1", domain.Organization{Name: name})
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		ids = append(ids, doc.ID)
	}
	docs, err := s.List(ctx, store.KindOrganization, "owner-1", nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("expected 3, got %d", len(docs))
	}
	for i, doc := range docs {
		want := ids[len(ids)-1-i]
		if doc.ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, doc.ID)
		}
	}
}

func TestPatchMergeAndRemove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	assignee := "user-1"
	doc, err := s.Create(ctx, nil, store.KindTask, "owner-1", domain.Task{ProjectID: "p1", Title: "t", AssigneeID: &assignee, Status: domain.StatusNotStarted})
	if err != nil {
		t.Fatal(err)
	}

	patched, err := s.Patch(ctx, nil, store.KindTask, doc.ID, "owner-1", map[string]any{
		"title":       "renamed",
		"assignee_id": nil,
	})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	var task domain.Task
	if err := patched.Decode(&task); err != nil {
		t.Fatal(err)
	}
	if task.Title != "renamed" {
		t.Fatalf("expected title renamed, got %s", task.Title)
	}
	if task.AssigneeID != nil {
		t.Fatalf("expected assignee removed, got %v", *task.AssigneeID)
	}
	if task.Status != domain.StatusNotStarted {
		t.Fatalf("untouched field changed: %s", task.Status)
	}

	if _, err := s.Patch(ctx, nil, store.KindTask, doc.ID, "owner-1", map[string]any{"id": "forged"}); err == nil {
		t.Fatalf("expected immutable field rejection")
	}
	if _, err := s.Patch(ctx, nil, store.KindTask, doc.ID, "owner-2", map[string]any{"title": "x"}); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := s.Patch(ctx, nil, store.KindTask, "missing", "owner-1", map[string]any{"title": "x"}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteOwnership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc, err := s.Create(ctx, nil, store.KindSection, "owner-1", domain.Section{ProjectID: "p1", Name: "todo"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, nil, store.KindSection, doc.ID, "owner-2"); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if err := s.Delete(ctx, nil, store.KindSection, doc.ID, "owner-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, nil, store.KindSection, doc.ID, "owner-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hash := store.HashAPIKey("pl_secret")
	err := s.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k1", OwnerID: "owner-1", Name: "ci", KeyHash: hash})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	key, err := s.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		t.Fatalf("get by hash: %v", err)
	}
	if key.OwnerID != "owner-1" || key.Name != "ci" {
		t.Fatalf("unexpected key: %+v", key)
	}
	if _, err := s.GetAPIKeyByHash(ctx, store.HashAPIKey("wrong")); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for wrong hash, got %v", err)
	}
	keys, err := s.ListAPIKeys(ctx, "owner-1")
	if err != nil || len(keys) != 1 {
		t.Fatalf("list keys: %v %d", err, len(keys))
	}
	if err := s.DeleteAPIKey(ctx, "k1", "owner-2"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for other owner, got %v", err)
	}
	if err := s.DeleteAPIKey(ctx, "k1", "owner-1"); err != nil {
		t.Fatalf("delete key: %v", err)
	}
}
