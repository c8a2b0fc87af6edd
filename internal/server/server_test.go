package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"planline/internal/db"
	"planline/internal/domain"
	"planline/internal/engine"
	"planline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret", AllowOwnerHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

var asOwner = map[string]string{"X-Owner-Id": "owner-1"}

// seedHierarchy creates org -> workspace -> portfolio -> project ->
// section over HTTP and returns the project and section ids.
func seedHierarchy(t *testing.T, srv *testServer) (projectID, sectionID, portfolioID string) {
	t.Helper()
	client := srv.Client()
	create := func(path string, body map[string]any) map[string]any {
		t.Helper()
		res, data := doJSON(t, client, http.MethodPost, srv.URL+path, body, asOwner)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create %s status %d: %s", path, res.StatusCode, string(data))
		}
		var out map[string]any
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("unmarshal %s: %v", path, err)
		}
		return out
	}
	org := create("/v0/organizations", map[string]any{"name": "Acme"})
	ws := create("/v0/workspaces", map[string]any{"organization_id": org["id"], "name": "Engineering"})
	pf := create("/v0/portfolios", map[string]any{"workspace_id": ws["id"], "name": "Q4"})
	prj := create("/v0/projects", map[string]any{"portfolio_id": pf["id"], "name": "Redesign"})
	sec := create("/v0/sections", map[string]any{"project_id": prj["id"], "name": "Planning"})
	return prj["id"].(string), sec["id"].(string), pf["id"].(string)
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/organizations", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected open health endpoint, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/organizations", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
}

func TestOpenRoutesSkipAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected open openapi.json, got %d: %s", res.StatusCode, string(data))
	}

	// dev login must work without credentials; it is the bootstrap
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"owner_id": "dev-1",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login map[string]string
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if login["token"] == "" {
		t.Fatalf("expected token in response")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/organizations", map[string]any{"name": "Tokened"}, map[string]string{
		"Authorization": "Bearer " + login["token"],
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create with minted token status %d: %s", res.StatusCode, string(data))
	}
	var org domain.Organization
	_ = json.Unmarshal(data, &org)
	if org.OwnerID != "dev-1" {
		t.Fatalf("expected token subject as owner, got %s", org.OwnerID)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	projectID, sectionID, portfolioID := seedHierarchy(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"project_id": projectID,
		"section_id": sectionID,
		"title":      "Ship it",
		"tags":       []string{"launch"},
	}, asOwner)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var created domain.Task
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if created.Status != domain.StatusNotStarted {
		t.Fatalf("expected default status, got %s", created.Status)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/tasks/"+created.ID, map[string]any{
		"status": "completed",
	}, asOwner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("patch status %d: %s", res.StatusCode, string(data))
	}
	var patched domain.Task
	_ = json.Unmarshal(data, &patched)
	if patched.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", patched.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks?project_id="+projectID+"&status=completed", nil, asOwner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var listed []domain.Task
	_ = json.Unmarshal(data, &listed)
	if len(listed) != 1 {
		t.Fatalf("expected 1 completed task, got %d", len(listed))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+projectID+"/calculate-completion", nil, asOwner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("completion status %d: %s", res.StatusCode, string(data))
	}
	var completion CompletionResponse
	_ = json.Unmarshal(data, &completion)
	if completion.CompletionPercentage != 100 {
		t.Fatalf("expected 100, got %v", completion.CompletionPercentage)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/portfolios/"+portfolioID+"/rollup", nil, asOwner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rollup status %d: %s", res.StatusCode, string(data))
	}
	var status domain.PortfolioStatus
	_ = json.Unmarshal(data, &status)
	if status.TotalTasks != 1 || status.CompletedTasks != 1 {
		t.Fatalf("unexpected rollup: %+v", status)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/tasks/"+created.ID, nil, asOwner)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+created.ID, nil, asOwner)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", res.StatusCode)
	}
}

func TestSubtaskEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	projectID, sectionID, _ := seedHierarchy(t, srv)

	mkTask := func(title string) domain.Task {
		t.Helper()
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
			"project_id": projectID, "section_id": sectionID, "title": title,
		}, asOwner)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create %s: %d %s", title, res.StatusCode, string(data))
		}
		var task domain.Task
		_ = json.Unmarshal(data, &task)
		return task
	}
	parent := mkTask("parent")
	child := mkTask("child")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+parent.ID+"/subtasks/"+child.ID, nil, asOwner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("link status %d: %s", res.StatusCode, string(data))
	}
	var linked domain.Task
	_ = json.Unmarshal(data, &linked)
	if linked.ParentTaskID == nil || *linked.ParentTaskID != parent.ID {
		t.Fatalf("expected parent set, got %+v", linked)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+parent.ID+"?expand=subtasks", nil, asOwner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expand status %d: %s", res.StatusCode, string(data))
	}
	var expanded struct {
		domain.Task
		Subtasks []domain.Task `json:"subtasks"`
	}
	_ = json.Unmarshal(data, &expanded)
	if len(expanded.Subtasks) != 1 || expanded.Subtasks[0].ID != child.ID {
		t.Fatalf("unexpected subtasks: %+v", expanded.Subtasks)
	}

	// linking the other way round would make a cycle
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+child.ID+"/subtasks/"+parent.ID, nil, asOwner)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for cycle, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/tasks/"+parent.ID+"/subtasks/"+child.ID, nil, asOwner)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unlink status %d: %s", res.StatusCode, string(data))
	}
	var unlinked domain.Task
	_ = json.Unmarshal(data, &unlinked)
	if unlinked.ParentTaskID != nil {
		t.Fatalf("expected parent cleared, got %v", *unlinked.ParentTaskID)
	}
}

func TestOwnerIsolationOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	projectID, _, _ := seedHierarchy(t, srv)

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+projectID, nil, map[string]string{"X-Owner-Id": "owner-2"})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for other owner, got %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{"X-Owner-Id": "owner-2"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d", res.StatusCode)
	}
	var listed []domain.Project
	_ = json.Unmarshal(data, &listed)
	if len(listed) != 0 {
		t.Fatalf("expected empty list for other owner, got %d", len(listed))
	}
}

func TestAPIKeyFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/api-keys", map[string]any{"name": "ci"}, asOwner)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	var minted CreateAPIKeyResponse
	if err := json.Unmarshal(data, &minted); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if minted.Key == "" {
		t.Fatalf("expected plaintext key in response")
	}

	// the minted key authenticates as its owner
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/organizations", map[string]any{"name": "Keyed"}, map[string]string{
		"X-Api-Key": minted.Key,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create with api key status %d: %s", res.StatusCode, string(data))
	}
	var org domain.Organization
	_ = json.Unmarshal(data, &org)
	if org.OwnerID != "owner-1" {
		t.Fatalf("expected key owner, got %s", org.OwnerID)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/organizations", nil, map[string]string{"X-Api-Key": "pl_bogus"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d", res.StatusCode)
	}
}

func TestValidationErrorsOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/organizations", map[string]any{}, asOwner)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
	var body struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if body.Error.Code != "bad_request" {
		t.Fatalf("expected bad_request, got %q", body.Error.Code)
	}
}
