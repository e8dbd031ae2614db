package models

import "time"

// SnapshotVersion records one immutable archive version of a branch.
// The version ID is assigned by the snapshot store at upload time; the
// creation timestamp is assigned by us and drives time-travel lookups.
type SnapshotVersion struct {
	Branch      string    `json:"branch"`
	Project     string    `json:"project"`
	SnapshotKey string    `json:"snapshotKey"`
	VersionID   string    `json:"versionId"`
	CreatedAt   time.Time `json:"createdAt"`
}
