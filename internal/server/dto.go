package server

// Request payloads

type CreateOrganizationRequest struct {
	Name string `json:"name"`
}

type UpdateOrganizationRequest struct {
	Name *string `json:"name,omitempty"`
}

type CreateWorkspaceRequest struct {
	OrganizationID string  `json:"organization_id"`
	Name           string  `json:"name"`
	Description    *string `json:"description,omitempty"`
}

type UpdateWorkspaceRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type CreateTeamRequest struct {
	WorkspaceID string   `json:"workspace_id"`
	Name        string   `json:"name"`
	Description *string  `json:"description,omitempty"`
	MemberIDs   []string `json:"member_ids,omitempty"`
}

type UpdateTeamRequest struct {
	Name        *string   `json:"name,omitempty"`
	Description *string   `json:"description,omitempty"`
	MemberIDs   *[]string `json:"member_ids,omitempty"`
}

type CreatePortfolioRequest struct {
	WorkspaceID string  `json:"workspace_id"`
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}

type UpdatePortfolioRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type CreateProjectRequest struct {
	PortfolioID string  `json:"portfolio_id"`
	TeamID      *string `json:"team_id,omitempty"`
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}

type UpdateProjectRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty" enum:"not_started,in_progress,completed"`
	TeamID      *string `json:"team_id,omitempty"`
}

type CreateSectionRequest struct {
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
}

type UpdateSectionRequest struct {
	Name *string `json:"name,omitempty"`
}

type CreateTaskRequest struct {
	SectionID    string            `json:"section_id"`
	ProjectID    string            `json:"project_id"`
	Title        string            `json:"title"`
	Description  *string           `json:"description,omitempty"`
	AssigneeID   *string           `json:"assignee_id,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	CustomFields map[string]string `json:"custom_fields,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Status       *string           `json:"status,omitempty" enum:"not_started,in_progress,completed"`
}

type UpdateTaskRequest struct {
	Title        *string            `json:"title,omitempty"`
	Description  *string            `json:"description,omitempty"`
	AssigneeID   *string            `json:"assignee_id,omitempty"`
	Tags         *[]string          `json:"tags,omitempty"`
	CustomFields *map[string]string `json:"custom_fields,omitempty"`
	Dependencies *[]string          `json:"dependencies,omitempty"`
	Status       *string            `json:"status,omitempty" enum:"not_started,in_progress,completed"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// Response payloads. Entity responses reuse the domain types directly;
// only shapes with no domain counterpart live here.

type CreateAPIKeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKeySummary struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type CompletionResponse struct {
	ProjectID            string  `json:"project_id"`
	CompletionPercentage float64 `json:"completion_percentage"`
}
