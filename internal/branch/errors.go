package branch

import "errors"

// Lifecycle errors reported to callers. These are non-fatal results, not
// crashes: API and CLI layers map them to user-facing messages.
var (
	ErrNotFound        = errors.New("branch not found")
	ErrExists          = errors.New("branch already exists")
	ErrAlreadyRunning  = errors.New("branch is already running")
	ErrAlreadyStopped  = errors.New("branch is already stopped")
	ErrNotRunning      = errors.New("branch is not running")
	ErrNoVersionFound  = errors.New("no snapshot version at or before the requested time")
	ErrTimeout         = errors.New("operation timed out")
	ErrProjectNotFound = errors.New("project not found")
	ErrProjectExists   = errors.New("project already exists")
	ErrProjectNotEmpty = errors.New("project still has branches")
)
