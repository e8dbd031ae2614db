package models

import "time"

// Project is a namespace grouping zero or more branches
type Project struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateProjectRequest is the payload for creating a project
type CreateProjectRequest struct {
	Name string `json:"name"`
}
