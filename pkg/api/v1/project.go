package v1

import "time"

// Project owns the target URL that sessions test
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	TargetURL   string    `json:"target_url"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CreateProjectRequest for creating a project
type CreateProjectRequest struct {
	Name        string `json:"name" binding:"required,max=200"`
	TargetURL   string `json:"target_url" binding:"required,url"`
	Description string `json:"description,omitempty"`
}

// UpdateProjectRequest for updating a project
type UpdateProjectRequest struct {
	Name        *string `json:"name,omitempty" binding:"omitempty,max=200"`
	TargetURL   *string `json:"target_url,omitempty" binding:"omitempty,url"`
	Description *string `json:"description,omitempty"`
}

// ListProjectsResponse wraps projects
type ListProjectsResponse struct {
	Projects []*Project `json:"projects"`
	Total    int        `json:"total"`
}
