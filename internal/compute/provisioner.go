// Package compute manages ephemeral MongoDB instances. Instances are
// always rebuilt from an archive rather than paused in place: an idle
// branch must cost zero compute between resumes, so the archive is the
// only thing that survives a suspend.
package compute

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable indicates the provisioner backend (the Docker daemon)
// could not be reached. Callers must not conflate this with a confirmed
// "not running" answer.
var ErrUnavailable = errors.New("compute: provisioner unreachable")

// ProvisionError indicates that loading an archive into a fresh instance
// failed. It carries the restore tool's diagnostic output for operators.
type ProvisionError struct {
	Op     string
	Output string
	Err    error
}

func (e *ProvisionError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("compute: %s failed: %v: %s", e.Op, e.Err, e.Output)
	}
	return fmt.Sprintf("compute: %s failed: %v", e.Op, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// Provisioner manages running database instances. Handles are opaque;
// only the provisioner may interpret them.
type Provisioner interface {
	// Start provisions an instance named name bound to port, loads the
	// archive at archivePath into it, and returns its handle. Any instance
	// previously provisioned under the same name is replaced, which makes
	// a retried start idempotent.
	Start(ctx context.Context, name, archivePath string, port int) (string, error)

	// Stop stops and reclaims an instance. Stopping a handle that is
	// already gone succeeds.
	Stop(ctx context.Context, handle string) error

	// IsRunning reports instance liveness. It returns ErrUnavailable when
	// the backend cannot be queried.
	IsRunning(ctx context.Context, handle string) (bool, error)

	// Dump runs the engine's native dump tool inside the instance and
	// copies the resulting archive to a local temporary file.
	Dump(ctx context.Context, handle string) (string, error)

	// Purge removes any instance provisioned under name, running or not.
	Purge(ctx context.Context, name string) error
}
