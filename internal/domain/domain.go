package domain

// Status values shared by projects and tasks.
const (
	StatusNotStarted = "not_started"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// ValidStatus reports whether s is a recognized project/task status.
func ValidStatus(s string) bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Meta is the envelope shared by every persisted entity. IDs and
// timestamps are assigned by the store, never by callers; owner_id is
// fixed for the lifetime of the entity.
type Meta struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Organization struct {
	Meta
	Name string `json:"name"`
}

type Workspace struct {
	Meta
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
}

type Team struct {
	Meta
	WorkspaceID string   `json:"workspace_id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	MemberIDs   []string `json:"member_ids"`
}

type Portfolio struct {
	Meta
	WorkspaceID string           `json:"workspace_id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Status      *PortfolioStatus `json:"status,omitempty"`
}

type Project struct {
	Meta
	PortfolioID          string  `json:"portfolio_id"`
	TeamID               *string `json:"team_id,omitempty"`
	Name                 string  `json:"name"`
	Description          string  `json:"description,omitempty"`
	Status               string  `json:"status" enum:"not_started,in_progress,completed"`
	CompletionPercentage float64 `json:"completion_percentage"`
}

type Section struct {
	Meta
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
}

// Task is a work item; a task with ParentTaskID set is a subtask.
// ProjectID is denormalized alongside SectionID for query efficiency.
type Task struct {
	Meta
	SectionID    string            `json:"section_id"`
	ProjectID    string            `json:"project_id"`
	ParentTaskID *string           `json:"parent_task_id,omitempty"`
	Title        string            `json:"title"`
	Description  string            `json:"description,omitempty"`
	AssigneeID   *string           `json:"assignee_id,omitempty"`
	Tags         []string          `json:"tags"`
	CustomFields map[string]string `json:"custom_fields"`
	Dependencies []string          `json:"dependencies"`
	Status       string            `json:"status" enum:"not_started,in_progress,completed"`
}

// PortfolioStatus is the roll-up snapshot persisted on a portfolio.
// It is recomputed only on explicit request and may be stale.
type PortfolioStatus struct {
	CompletionPercentage float64          `json:"completion_percentage"`
	TotalTasks           int              `json:"total_tasks"`
	CompletedTasks       int              `json:"completed_tasks"`
	Projects             []ProjectSummary `json:"projects"`
	CalculatedAt         string           `json:"calculated_at" format:"date-time"`
}

type ProjectSummary struct {
	ID                   string  `json:"id"`
	Name                 string  `json:"name"`
	CompletionPercentage float64 `json:"completion_percentage"`
}

type APIKey struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	OwnerID    string `json:"owner_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
