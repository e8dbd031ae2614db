package models

import (
	"fmt"
	"time"
)

// BranchStatus represents the lifecycle state of a branch
type BranchStatus string

const (
	StatusRunning BranchStatus = "running"
	StatusStopped BranchStatus = "stopped"
)

// Branch represents an independently runnable copy of a project's database
type Branch struct {
	Name        string       `json:"name"`
	Project     string       `json:"project"`
	Port        int          `json:"port"`
	ContainerID string       `json:"-"`
	SnapshotKey string       `json:"snapshotKey"`
	Status      BranchStatus `json:"status"`
	LastActive  time.Time    `json:"lastActive"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// ConnectionString returns the mongodb:// endpoint for a running branch.
func (b *Branch) ConnectionString() string {
	return fmt.Sprintf("mongodb://localhost:%d/", b.Port)
}

// SnapshotKey derives the store key that holds a branch's archive versions.
func SnapshotKey(project, branch string) string {
	return fmt.Sprintf("branches/%s/%s/dump.archive", project, branch)
}

// CreateBranchRequest is the payload for creating a new branch
type CreateBranchRequest struct {
	Name        string `json:"name"`
	FromBranch  string `json:"fromBranch,omitempty"`
	FromVersion string `json:"fromVersion,omitempty"`
}

// TimeTravelRequest is the payload for creating a branch from a
// point-in-time snapshot of the branch named in the request path
type TimeTravelRequest struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
}
