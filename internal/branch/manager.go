// Package branch implements the branch lifecycle: create, suspend,
// resume, delete and time travel. The manager sequences the snapshot
// store, the compute provisioner and the metadata catalog so that the
// catalog always describes the last confirmed physical state.
package branch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/semaphore"

	"github.com/tahirm/mongobranch/internal/catalog"
	"github.com/tahirm/mongobranch/internal/compute"
	"github.com/tahirm/mongobranch/internal/ports"
	"github.com/tahirm/mongobranch/internal/store"
	"github.com/tahirm/mongobranch/pkg/models"
)

// Options tunes the lifecycle manager.
type Options struct {
	// BaseSnapshotKey is the well-known archive new branches start from
	// when no source branch is given.
	BaseSnapshotKey string

	// OperationTimeout bounds one lifecycle operation end to end. A hung
	// store or provisioner must not wedge a branch lock forever.
	OperationTimeout time.Duration

	// RetryAttempts and RetryBackoff govern retries of transient
	// store/provisioner unavailability.
	RetryAttempts int
	RetryBackoff  time.Duration

	// PurgeOnDelete removes all store versions when a branch is deleted.
	PurgeOnDelete bool

	// MaxConcurrentCreates caps concurrent creates per project.
	MaxConcurrentCreates int64
}

func (o *Options) applyDefaults() {
	if o.BaseSnapshotKey == "" {
		o.BaseSnapshotKey = "base/dump.archive"
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = 5 * time.Minute
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 2 * time.Second
	}
	if o.MaxConcurrentCreates <= 0 {
		o.MaxConcurrentCreates = 10
	}
}

// Manager orchestrates branch lifecycle operations. All collaborators are
// injected at construction; the manager owns no hidden global state.
type Manager struct {
	catalog *catalog.Catalog
	store   store.Store
	prov    compute.Provisioner
	ports   *ports.Allocator
	opts    Options

	// Per-branch mutexes serialize operations on the same branch while
	// operations on different branches proceed fully in parallel.
	locks *xsync.MapOf[string, *sync.Mutex]

	sems  map[string]*semaphore.Weighted
	semMu sync.Mutex

	bus *eventBus
}

// NewManager wires the lifecycle manager to its collaborators.
func NewManager(cat *catalog.Catalog, st store.Store, prov compute.Provisioner, alloc *ports.Allocator, opts Options) *Manager {
	opts.applyDefaults()
	return &Manager{
		catalog: cat,
		store:   st,
		prov:    prov,
		ports:   alloc,
		opts:    opts,
		locks:   xsync.NewMapOf[string, *sync.Mutex](),
		sems:    make(map[string]*semaphore.Weighted),
		bus:     newEventBus(),
	}
}

// Subscribe returns a channel of lifecycle events and a cancel function.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.bus.subscribe()
}

// Provisioner exposes the injected compute provisioner.
func (m *Manager) Provisioner() compute.Provisioner {
	return m.prov
}

// RestoreState re-seeds in-memory state from the catalog after a process
// restart: port reservations for every record, and self-healing of
// running records whose compute is gone.
func (m *Manager) RestoreState(ctx context.Context) error {
	branches, err := m.catalog.ListBranches("")
	if err != nil {
		return err
	}

	for _, b := range branches {
		m.ports.Reserve(b.Port)

		if b.Status != models.StatusRunning {
			continue
		}
		live, err := m.prov.IsRunning(ctx, b.ContainerID)
		if err != nil {
			log.Printf("cannot verify compute for %s/%s, leaving record as-is: %v", b.Project, b.Name, err)
			continue
		}
		if !live {
			log.Printf("branch %s/%s marked running but compute is gone, marking stopped", b.Project, b.Name)
			if err := m.catalog.UpdateStatus(b.Name, b.Project, models.StatusStopped); err != nil {
				return err
			}
		}
	}
	return nil
}

// Create builds a new branch from a base archive: allocate a port, fetch
// the archive, start compute, then write the catalog record. Nothing is
// persisted to the catalog until every physical step has succeeded.
func (m *Manager) Create(ctx context.Context, name, project, baseKey, versionID string) (*models.Branch, error) {
	if name == "" || project == "" {
		return nil, fmt.Errorf("branch and project names are required")
	}

	unlock := m.lockBranch(project, name)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, m.opts.OperationTimeout)
	defer cancel()

	if _, err := m.catalog.GetBranch(name, project); err == nil {
		opCounter("create", "rejected").Inc()
		return nil, fmt.Errorf("branch %s/%s: %w", project, name, ErrExists)
	} else if !errors.Is(err, catalog.ErrNotFound) {
		return nil, err
	}

	release, err := m.acquireCreateSlot(project)
	if err != nil {
		return nil, err
	}
	defer release()

	port, err := m.ports.Allocate()
	if err != nil {
		opCounter("create", "error").Inc()
		return nil, err
	}

	branch, err := m.createOnPort(ctx, name, project, baseKey, versionID, port)
	if err != nil {
		m.ports.Release(port)
		opCounter("create", "error").Inc()
		return nil, m.mapTimeout(ctx, err)
	}

	opCounter("create", "ok").Inc()
	m.bus.publish(EventCreated, name, project, "")
	return branch, nil
}

func (m *Manager) createOnPort(ctx context.Context, name, project, baseKey, versionID string, port int) (*models.Branch, error) {
	tmpDir, err := os.MkdirTemp("", "mongobranch-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)

	srcKey := baseKey
	if srcKey == "" {
		srcKey = m.opts.BaseSnapshotKey
	}

	archive := filepath.Join(tmpDir, "dump.archive")
	if err := m.download(ctx, srcKey, versionID, archive); err != nil {
		return nil, err
	}

	handle, err := m.startCompute(ctx, instanceName(project, name), archive, port)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	branch := &models.Branch{
		Name:        name,
		Project:     project,
		Port:        port,
		ContainerID: handle,
		SnapshotKey: models.SnapshotKey(project, name),
		Status:      models.StatusRunning,
		LastActive:  now,
		CreatedAt:   now,
	}

	if err := m.catalog.EnsureProject(project, now); err != nil {
		m.stopBestEffort(handle)
		return nil, err
	}
	if err := m.catalog.CreateBranch(branch); err != nil {
		m.stopBestEffort(handle)
		return nil, err
	}
	return branch, nil
}

// Suspend snapshots a running branch to the store, stops its compute and
// marks it stopped. Status only flips after the snapshot and stop are
// confirmed; a failure mid-way leaves the branch running in the catalog.
func (m *Manager) Suspend(ctx context.Context, name, project string) error {
	unlock := m.lockBranch(project, name)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, m.opts.OperationTimeout)
	defer cancel()

	rec, err := m.catalog.GetBranch(name, project)
	if errors.Is(err, catalog.ErrNotFound) {
		return fmt.Errorf("branch %s/%s: %w", project, name, ErrAlreadyStopped)
	}
	if err != nil {
		return err
	}
	if rec.Status == models.StatusStopped {
		return fmt.Errorf("branch %s/%s: %w", project, name, ErrAlreadyStopped)
	}

	live, err := m.isRunning(ctx, rec.ContainerID)
	if err != nil {
		opCounter("suspend", "error").Inc()
		return m.mapTimeout(ctx, err)
	}

	if live {
		if _, err := m.snapshot(ctx, rec); err != nil {
			opCounter("suspend", "error").Inc()
			return m.mapTimeout(ctx, err)
		}
		if err := m.prov.Stop(ctx, rec.ContainerID); err != nil {
			opCounter("suspend", "error").Inc()
			return m.mapTimeout(ctx, err)
		}
	} else {
		// The instance died out from under us: there is nothing to dump.
		// Writes since the last snapshot, if any, are gone with it.
		log.Printf("compute for %s/%s already gone, suspending without snapshot", project, name)
	}

	if err := m.catalog.UpdateStatus(name, project, models.StatusStopped); err != nil {
		opCounter("suspend", "error").Inc()
		return err
	}

	if !live {
		m.bus.publish(EventSnapshotSkipped, name, project, "compute not running at suspend time")
	}

	opCounter("suspend", "ok").Inc()
	m.bus.publish(EventSuspended, name, project, "")
	return nil
}

// Resume cold-starts a stopped branch from its latest store snapshot on
// its previously assigned port. It never trusts a previous compute
// handle, so it is safe across restarts of this process.
func (m *Manager) Resume(ctx context.Context, name, project string) (*models.Branch, error) {
	unlock := m.lockBranch(project, name)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, m.opts.OperationTimeout)
	defer cancel()

	rec, err := m.catalog.GetBranch(name, project)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, fmt.Errorf("branch %s/%s: %w", project, name, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if rec.Status == models.StatusRunning {
		return nil, fmt.Errorf("branch %s/%s: %w", project, name, ErrAlreadyRunning)
	}

	tmpDir, err := os.MkdirTemp("", "mongobranch-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmpDir)

	archive := filepath.Join(tmpDir, "dump.archive")
	if err := m.download(ctx, rec.SnapshotKey, "", archive); err != nil {
		opCounter("resume", "error").Inc()
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("branch %s/%s has no snapshot to resume from: %w", project, name, err)
		}
		return nil, m.mapTimeout(ctx, err)
	}

	handle, err := m.startCompute(ctx, instanceName(project, name), archive, rec.Port)
	if err != nil {
		opCounter("resume", "error").Inc()
		return nil, m.mapTimeout(ctx, err)
	}

	now := time.Now().UTC()
	if err := m.catalog.SetRunning(name, project, handle, now); err != nil {
		m.stopBestEffort(handle)
		opCounter("resume", "error").Inc()
		return nil, err
	}

	rec.ContainerID = handle
	rec.Status = models.StatusRunning
	rec.LastActive = now

	opCounter("resume", "ok").Inc()
	m.bus.publish(EventResumed, name, project, "")
	return rec, nil
}

// Delete removes a branch. A final snapshot is attempted for a running
// branch, but any failure there is logged and ignored: deletion must make
// forward progress, and the catalog record always goes away.
func (m *Manager) Delete(ctx context.Context, name, project string) error {
	unlock := m.lockBranch(project, name)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, m.opts.OperationTimeout)
	defer cancel()

	rec, err := m.catalog.GetBranch(name, project)
	if errors.Is(err, catalog.ErrNotFound) {
		return fmt.Errorf("branch %s/%s: %w", project, name, ErrNotFound)
	}
	if err != nil {
		return err
	}

	if rec.Status == models.StatusRunning {
		live, err := m.prov.IsRunning(ctx, rec.ContainerID)
		if err != nil {
			log.Printf("cannot verify compute for %s/%s before delete, skipping final snapshot: %v", project, name, err)
		} else if live {
			if _, err := m.snapshot(ctx, rec); err != nil {
				log.Printf("final snapshot of %s/%s failed, deleting anyway: %v", project, name, err)
			}
		}
		if err := m.prov.Stop(ctx, rec.ContainerID); err != nil {
			log.Printf("failed to stop compute for %s/%s: %v", project, name, err)
		}
	}

	// Catch instances left behind by interrupted operations too.
	if err := m.prov.Purge(ctx, instanceName(project, name)); err != nil {
		log.Printf("failed to purge instance for %s/%s: %v", project, name, err)
	}

	if m.opts.PurgeOnDelete {
		if err := m.store.DeleteAll(ctx, rec.SnapshotKey); err != nil {
			log.Printf("failed to purge store versions for %s/%s: %v", project, name, err)
		}
	}

	if err := m.catalog.DeleteBranch(name, project); err != nil {
		opCounter("delete", "error").Inc()
		return err
	}
	m.ports.Release(rec.Port)

	opCounter("delete", "ok").Inc()
	m.bus.publish(EventDeleted, name, project, "")
	return nil
}

// TimeTravel creates a new branch from a source branch's most recent
// snapshot at or before the given time.
func (m *Manager) TimeTravel(ctx context.Context, newName, project, sourceBranch string, at time.Time) (*models.Branch, error) {
	version, err := m.catalog.VersionAt(sourceBranch, project, at)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, fmt.Errorf("branch %s/%s at %s: %w",
			project, sourceBranch, at.UTC().Format(time.RFC3339), ErrNoVersionFound)
	}
	if err != nil {
		return nil, err
	}

	branch, err := m.Create(ctx, newName, project, version.SnapshotKey, version.VersionID)
	if err != nil {
		return nil, err
	}

	m.bus.publish(EventRestored, newName, project,
		fmt.Sprintf("from %s@%s", sourceBranch, version.VersionID))
	return branch, nil
}

// Get fetches one branch record.
func (m *Manager) Get(name, project string) (*models.Branch, error) {
	rec, err := m.catalog.GetBranch(name, project)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, fmt.Errorf("branch %s/%s: %w", project, name, ErrNotFound)
	}
	return rec, err
}

// List returns all branches of a project.
func (m *Manager) List(project string) ([]*models.Branch, error) {
	return m.catalog.ListBranches(project)
}

// Versions returns a branch's snapshot history, newest first.
func (m *Manager) Versions(name, project string) ([]models.SnapshotVersion, error) {
	if _, err := m.Get(name, project); err != nil {
		return nil, err
	}
	return m.catalog.ListVersions(name, project)
}

// ConnectionString returns the endpoint of a running branch and refreshes
// its last-active timestamp, since handing out the endpoint means someone
// intends to use it.
func (m *Manager) ConnectionString(name, project string) (string, error) {
	rec, err := m.Get(name, project)
	if err != nil {
		return "", err
	}
	if rec.Status != models.StatusRunning {
		return "", fmt.Errorf("branch %s/%s: %w", project, name, ErrNotRunning)
	}

	if err := m.catalog.TouchLastActive(name, project, time.Now().UTC()); err != nil {
		log.Printf("failed to refresh last-active for %s/%s: %v", project, name, err)
	}
	return rec.ConnectionString(), nil
}

// CreateProject explicitly creates a project namespace.
func (m *Manager) CreateProject(name string) (*models.Project, error) {
	if name == "" {
		return nil, fmt.Errorf("project name is required")
	}
	now := time.Now().UTC()
	err := m.catalog.CreateProject(name, now)
	if errors.Is(err, catalog.ErrExists) {
		return nil, fmt.Errorf("project %s: %w", name, ErrProjectExists)
	}
	if err != nil {
		return nil, err
	}
	return &models.Project{Name: name, CreatedAt: now}, nil
}

// ListProjects returns all project namespaces.
func (m *Manager) ListProjects() ([]models.Project, error) {
	return m.catalog.ListProjects()
}

// DeleteProject removes an empty project namespace.
func (m *Manager) DeleteProject(name string) error {
	err := m.catalog.DeleteProject(name)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return fmt.Errorf("project %s: %w", name, ErrProjectNotFound)
	case errors.Is(err, catalog.ErrNotEmpty):
		return fmt.Errorf("project %s: %w", name, ErrProjectNotEmpty)
	}
	return err
}

// snapshot dumps a live instance, uploads the archive as a new store
// version and records the version in the catalog.
func (m *Manager) snapshot(ctx context.Context, rec *models.Branch) (*models.SnapshotVersion, error) {
	dumpPath, err := m.prov.Dump(ctx, rec.ContainerID)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(filepath.Dir(dumpPath))

	versionID, err := m.upload(ctx, rec.SnapshotKey, dumpPath)
	if err != nil {
		return nil, err
	}

	version := &models.SnapshotVersion{
		Branch:      rec.Name,
		Project:     rec.Project,
		SnapshotKey: rec.SnapshotKey,
		VersionID:   versionID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.catalog.AddVersion(version); err != nil {
		return nil, err
	}
	return version, nil
}

// upload sends a local file to the store, reopening it on each retry
// attempt since the reader is consumed.
func (m *Manager) upload(ctx context.Context, key, path string) (string, error) {
	var versionID string

	err := m.withRetry(ctx, func() error {
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()

		info, err := file.Stat()
		if err != nil {
			return err
		}

		versionID, err = m.store.Put(ctx, key, file, info.Size())
		return err
	})
	return versionID, err
}

func (m *Manager) download(ctx context.Context, key, versionID, dest string) error {
	return m.withRetry(ctx, func() error {
		var rc io.ReadCloser
		var err error
		if versionID != "" {
			rc, err = m.store.GetVersion(ctx, key, versionID)
		} else {
			rc, err = m.store.Get(ctx, key)
		}
		if err != nil {
			return err
		}
		defer rc.Close()

		out, err := os.Create(dest)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, rc); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
}

func (m *Manager) startCompute(ctx context.Context, name, archive string, port int) (string, error) {
	var handle string
	err := m.withRetry(ctx, func() error {
		var err error
		handle, err = m.prov.Start(ctx, name, archive, port)
		return err
	})
	return handle, err
}

func (m *Manager) isRunning(ctx context.Context, handle string) (bool, error) {
	var live bool
	err := m.withRetry(ctx, func() error {
		var err error
		live, err = m.prov.IsRunning(ctx, handle)
		return err
	})
	return live, err
}

// withRetry retries transient unavailability with linear backoff.
// Verification and provision failures are never retried: those indicate a
// defect, not a hiccup.
func (m *Manager) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < m.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.opts.RetryBackoff * time.Duration(attempt)):
			}
		}

		err = fn()
		if err == nil || !isTransient(err) {
			return err
		}
		log.Printf("transient failure (attempt %d/%d): %v", attempt+1, m.opts.RetryAttempts, err)
	}
	return err
}

func isTransient(err error) bool {
	return errors.Is(err, store.ErrUnavailable) || errors.Is(err, compute.ErrUnavailable)
}

// mapTimeout converts a deadline expiry into the Timeout result. The
// catalog was not touched, so the caller may safely retry.
func (m *Manager) mapTimeout(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func (m *Manager) lockBranch(project, name string) func() {
	mu, _ := m.locks.LoadOrCompute(project+"/"+name, func() *sync.Mutex {
		return &sync.Mutex{}
	})
	mu.Lock()
	return mu.Unlock
}

func (m *Manager) acquireCreateSlot(project string) (func(), error) {
	m.semMu.Lock()
	sem, ok := m.sems[project]
	if !ok {
		sem = semaphore.NewWeighted(m.opts.MaxConcurrentCreates)
		m.sems[project] = sem
	}
	m.semMu.Unlock()

	if !sem.TryAcquire(1) {
		return nil, fmt.Errorf("create concurrency limit reached for project %s", project)
	}
	return func() { sem.Release(1) }, nil
}

func (m *Manager) stopBestEffort(handle string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.prov.Stop(ctx, handle); err != nil {
		log.Printf("failed to stop orphaned compute %s: %v", handle, err)
	}
}

func instanceName(project, name string) string {
	return project + "-" + name
}

func opCounter(op, result string) *metrics.Counter {
	return metrics.GetOrCreateCounter(
		fmt.Sprintf(`mongobranch_operations_total{op=%q, result=%q}`, op, result))
}
