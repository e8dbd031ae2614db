package branch

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tahirm/mongobranch/internal/catalog"
	"github.com/tahirm/mongobranch/internal/compute"
	"github.com/tahirm/mongobranch/internal/ports"
	"github.com/tahirm/mongobranch/internal/store"
	"github.com/tahirm/mongobranch/pkg/models"
)

const baseKey = "base/dump.archive"

type testEnv struct {
	mgr  *Manager
	cat  *catalog.Catalog
	st   *store.MemoryStore
	prov *compute.FakeProvisioner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	st := store.NewMemoryStore()
	prov := compute.NewFakeProvisioner()
	alloc := ports.NewAllocator(41000, 42000)

	mgr := NewManager(cat, st, prov, alloc, Options{
		BaseSnapshotKey:  baseKey,
		OperationTimeout: 30 * time.Second,
		RetryAttempts:    2,
		RetryBackoff:     time.Millisecond,
		PurgeOnDelete:    true,
	})

	// Seed the base archive every new branch starts from.
	_, err = st.Put(context.Background(), baseKey, strings.NewReader("base-data"), 9)
	require.NoError(t, err)

	return &testEnv{mgr: mgr, cat: cat, st: st, prov: prov}
}

func (e *testEnv) instanceData(t *testing.T, b *models.Branch) string {
	t.Helper()
	data, ok := e.prov.Data(b.ContainerID)
	require.True(t, ok, "instance %s not running", b.ContainerID)
	return string(data)
}

func TestCreateFromBase(t *testing.T) {
	ctx := t.Context()
	e := newTestEnv(t)

	b, err := e.mgr.Create(ctx, "dev", "acme", "", "")
	require.NoError(t, err)
	require.Equal(t, models.StatusRunning, b.Status)
	require.Equal(t, "branches/acme/dev/dump.archive", b.SnapshotKey)
	require.NotZero(t, b.Port)
	require.Equal(t, "base-data", e.instanceData(t, b))

	// The project namespace comes into being implicitly.
	projects, err := e.mgr.ListProjects()
	require.NoError(t, err)
	require.Len(t, projects, 1)
	require.Equal(t, "acme", projects[0].Name)
}

func TestCreateDuplicateRejected(t *testing.T) {
	ctx := t.Context()
	e := newTestEnv(t)

	_, err := e.mgr.Create(ctx, "dev", "acme", "", "")
	require.NoError(t, err)

	_, err = e.mgr.Create(ctx, "dev", "acme", "", "")
	require.ErrorIs(t, err, ErrExists)
	require.Equal(t, 1, e.prov.RunningCount())
}

func TestCreateMissingBaseRollsBack(t *testing.T) {
	ctx := t.Context()
	e := newTestEnv(t)

	_, err := e.mgr.Create(ctx, "dev", "acme", "no/such/key", "")
	require.ErrorIs(t, err, store.ErrNotFound)

	// Nothing was provisioned and nothing was recorded.
	require.Equal(t, 0, e.prov.RunningCount())
	_, err = e.mgr.Get("dev", "acme")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateStartFailureReleasesPort(t *testing.T) {
	ctx := t.Context()
	e := newTestEnv(t)
	e.prov.StartErr = &compute.ProvisionError{Op: "restore", Err: fmt.Errorf("boom")}

	_, err := e.mgr.Create(ctx, "dev", "acme", "", "")
	require.Error(t, err)

	e.prov.StartErr = nil
	b, err := e.mgr.Create(ctx, "dev", "acme", "", "")
	require.NoError(t, err)
	require.NotZero(t, b.Port)
}

func TestSuspendResumeRoundTrip(t *testing.T) {
	ctx := t.Context()
	e := newTestEnv(t)

	b, err := e.mgr.Create(ctx, "dev", "acme", "", "")
	require.NoError(t, err)
	port := b.Port

	// Client writes since create must survive the suspend/resume cycle.
	require.True(t, e.prov.SetData(b.ContainerID, []byte("modified-data")))

	require.NoError(t, e.mgr.Suspend(ctx, "dev", "acme"))
	require.Equal(t, 0, e.prov.RunningCount())

	got, err := e.mgr.Get("dev", "acme")
	require.NoError(t, err)
	require.Equal(t, models.StatusStopped, got.Status)

	resumed, err := e.mgr.Resume(ctx, "dev", "acme")
	require.NoError(t, err)
	require.Equal(t, models.StatusRunning, resumed.Status)
	require.Equal(t, port, resumed.Port)
	require.Equal(t, "modified-data", e.instanceData(t, resumed))
}

func TestSuspendIdempotent(t *testing.T) {
	ctx := t.Context()
	e := newTestEnv(t)

	_, err := e.mgr.Create(ctx, "dev", "acme", "", "")
	require.NoError(t, err)

	require.NoError(t, e.mgr.Suspend(ctx, "dev", "acme"))
	require.ErrorIs(t, e.mgr.Suspend(ctx, "dev", "acme"), ErrAlreadyStopped)

	// Suspending a branch that never existed reads as already stopped.
	require.ErrorIs(t, e.mgr.Suspend(ctx, "ghost", "acme"), ErrAlreadyStopped)
}

func TestResumeAlreadyRunning(t *testing.T) {
	ctx := t.Context()
	e := newTestEnv(t)

	_, err := e.mgr.Create(ctx, "dev", "acme", "", "")
	require.NoError(t, err)

	_, err = e.mgr.Resume(ctx, "dev", "acme")
	require.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestResumeUnknownBranch(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.mgr.Resume(t.Context(), "ghost", "acme")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSuspendSkipsSnapshotWhenComputeDied(t *testing.T) {
	ctx := t.Context()
	e := newTestEnv(t)

	b, err := e.mgr.Create(ctx, "dev", "acme", "", "")
	require.NoError(t, err)

	events, cancel := e.mgr.Subscribe()
	defer cancel()

	// The instance dies out from under the manager. Suspend still makes
	// progress, but no snapshot version appears.
	e.prov.Kill(b.ContainerID)
	require.NoError(t, e.mgr.Suspend(ctx, "dev", "acme"))

	got, err := e.mgr.Get("dev", "acme")
	require.NoError(t, err)
	require.Equal(t, models.StatusStopped, got.Status)

	versions, err := e.mgr.Versions("dev", "acme")
	require.NoError(t, err)
	require.Empty(t, versions)

	ev := <-events
	require.Equal(t, EventSnapshotSkipped, ev.Type)
}

func TestResumeWithoutSnapshot(t *testing.T) {
	ctx := t.Context()
	e := newTestEnv(t)

	b, err := e.mgr.Create(ctx, "dev", "acme", "", "")
	require.NoError(t, err)

	// Suspend with dead compute leaves the branch with no version of its
	// own key in the store.
	e.prov.Kill(b.ContainerID)
	require.NoError(t, e.mgr.Suspend(ctx, "dev", "acme"))

	_, err = e.mgr.Resume(ctx, "dev", "acme")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSuspendFailureKeepsBranchRunning(t *testing.T) {
	ctx := t.Context()
	e := newTestEnv(t)

	_, err := e.mgr.Create(ctx, "dev", "acme", "", "")
	require.NoError(t, err)

	e.prov.DumpErr = &compute.ProvisionError{Op: "dump", Err: fmt.Errorf("disk full")}
	require.Error(t, e.mgr.Suspend(ctx, "dev", "acme"))

	// Status only flips after snapshot and stop are confirmed.
	got, err := e.mgr.Get("dev", "acme")
	require.NoError(t, err)
	require.Equal(t, models.StatusRunning, got.Status)
	require.Equal(t, 1, e.prov.RunningCount())
}

func TestBranchFromBranch(t *testing.T) {
	ctx := t.Context()
	e := newTestEnv(t)

	src, err := e.mgr.Create(ctx, "main", "acme", "", "")
	require.NoError(t, err)
	require.True(t, e.prov.SetData(src.ContainerID, []byte("main-state")))
	require.NoError(t, e.mgr.Suspend(ctx, "main", "acme"))

	// A clone starts from the source's latest snapshot and is fully
	// independent afterwards.
	clone, err := e.mgr.Create(ctx, "feature", "acme", src.SnapshotKey, "")
	require.NoError(t, err)
	require.Equal(t, "main-state", e.instanceData(t, clone))
	require.NotEqual(t, src.Port, clone.Port)

	require.True(t, e.prov.SetData(clone.ContainerID, []byte("diverged")))
	resumedSrc, err := e.mgr.Resume(ctx, "main", "acme")
	require.NoError(t, err)
	require.Equal(t, "main-state", e.instanceData(t, resumedSrc))
}

func TestDelete(t *testing.T) {
	ctx := t.Context()
	e := newTestEnv(t)

	b, err := e.mgr.Create(ctx, "dev", "acme", "", "")
	require.NoError(t, err)
	require.NoError(t, e.mgr.Suspend(ctx, "dev", "acme"))
	_, err = e.mgr.Resume(ctx, "dev", "acme")
	require.NoError(t, err)

	require.NoError(t, e.mgr.Delete(ctx, "dev", "acme"))

	_, err = e.mgr.Get("dev", "acme")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 0, e.prov.RunningCount())

	// Store versions are purged with the branch.
	_, err = e.st.Get(ctx, b.SnapshotKey)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.ErrorIs(t, e.mgr.Delete(ctx, "dev", "acme"), ErrNotFound)
}

func TestDeleteMakesProgressDespiteFailures(t *testing.T) {
	ctx := t.Context()
	e := newTestEnv(t)

	_, err := e.mgr.Create(ctx, "dev", "acme", "", "")
	require.NoError(t, err)

	// Final snapshot and stop both fail; the record must go away anyway.
	e.prov.DumpErr = &compute.ProvisionError{Op: "dump", Err: fmt.Errorf("boom")}
	e.prov.StopErr = fmt.Errorf("docker daemon gone")

	require.NoError(t, e.mgr.Delete(ctx, "dev", "acme"))

	_, err = e.mgr.Get("dev", "acme")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteFreesPort(t *testing.T) {
	ctx := t.Context()
	e := newTestEnv(t)

	b, err := e.mgr.Create(ctx, "dev", "acme", "", "")
	require.NoError(t, err)
	port := b.Port

	require.NoError(t, e.mgr.Delete(ctx, "dev", "acme"))

	// The port goes back to the pool once the record is gone.
	usedPorts, err := e.cat.UsedPorts()
	require.NoError(t, err)
	require.NotContains(t, usedPorts, port)
}

func TestTimeTravel(t *testing.T) {
	ctx := t.Context()
	e := newTestEnv(t)

	src, err := e.mgr.Create(ctx, "main", "acme", "", "")
	require.NoError(t, err)
	require.True(t, e.prov.SetData(src.ContainerID, []byte("state-v1")))
	require.NoError(t, e.mgr.Suspend(ctx, "main", "acme"))

	between := time.Now().UTC()
	time.Sleep(10 * time.Millisecond)

	resumed, err := e.mgr.Resume(ctx, "main", "acme")
	require.NoError(t, err)
	require.True(t, e.prov.SetData(resumed.ContainerID, []byte("state-v2")))
	require.NoError(t, e.mgr.Suspend(ctx, "main", "acme"))

	// A timestamp between the two snapshots resolves to the older one.
	tt, err := e.mgr.TimeTravel(ctx, "debug", "acme", "main", between)
	require.NoError(t, err)
	require.Equal(t, "state-v1", e.instanceData(t, tt))

	// A timestamp after both resolves to the newest.
	tt2, err := e.mgr.TimeTravel(ctx, "debug2", "acme", "main", time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, "state-v2", e.instanceData(t, tt2))
}

func TestTimeTravelNoVersion(t *testing.T) {
	ctx := t.Context()
	e := newTestEnv(t)

	_, err := e.mgr.Create(ctx, "main", "acme", "", "")
	require.NoError(t, err)

	// No snapshot exists yet; nothing to travel to.
	_, err = e.mgr.TimeTravel(ctx, "debug", "acme", "main", time.Now().UTC())
	require.ErrorIs(t, err, ErrNoVersionFound)
}

func TestVersionsNewestFirst(t *testing.T) {
	ctx := t.Context()
	e := newTestEnv(t)

	_, err := e.mgr.Create(ctx, "dev", "acme", "", "")
	require.NoError(t, err)

	require.NoError(t, e.mgr.Suspend(ctx, "dev", "acme"))
	_, err = e.mgr.Resume(ctx, "dev", "acme")
	require.NoError(t, err)
	require.NoError(t, e.mgr.Suspend(ctx, "dev", "acme"))

	versions, err := e.mgr.Versions("dev", "acme")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	require.True(t, !versions[0].CreatedAt.Before(versions[1].CreatedAt))

	_, err = e.mgr.Versions("ghost", "acme")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConnectionString(t *testing.T) {
	ctx := t.Context()
	e := newTestEnv(t)

	b, err := e.mgr.Create(ctx, "dev", "acme", "", "")
	require.NoError(t, err)

	before, err := e.mgr.Get("dev", "acme")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	uri, err := e.mgr.ConnectionString("dev", "acme")
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("mongodb://localhost:%d/", b.Port), uri)

	// Handing out the endpoint counts as activity.
	after, err := e.mgr.Get("dev", "acme")
	require.NoError(t, err)
	require.True(t, after.LastActive.After(before.LastActive))

	require.NoError(t, e.mgr.Suspend(ctx, "dev", "acme"))
	_, err = e.mgr.ConnectionString("dev", "acme")
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestProjectLifecycle(t *testing.T) {
	ctx := t.Context()
	e := newTestEnv(t)

	p, err := e.mgr.CreateProject("acme")
	require.NoError(t, err)
	require.Equal(t, "acme", p.Name)

	_, err = e.mgr.CreateProject("acme")
	require.ErrorIs(t, err, ErrProjectExists)

	_, err = e.mgr.Create(ctx, "dev", "acme", "", "")
	require.NoError(t, err)

	require.ErrorIs(t, e.mgr.DeleteProject("acme"), ErrProjectNotEmpty)
	require.NoError(t, e.mgr.Delete(ctx, "dev", "acme"))
	require.NoError(t, e.mgr.DeleteProject("acme"))
	require.ErrorIs(t, e.mgr.DeleteProject("acme"), ErrProjectNotFound)
}

func TestLifecycleEvents(t *testing.T) {
	ctx := t.Context()
	e := newTestEnv(t)

	events, cancel := e.mgr.Subscribe()
	defer cancel()

	_, err := e.mgr.Create(ctx, "dev", "acme", "", "")
	require.NoError(t, err)
	require.NoError(t, e.mgr.Suspend(ctx, "dev", "acme"))
	_, err = e.mgr.Resume(ctx, "dev", "acme")
	require.NoError(t, err)
	require.NoError(t, e.mgr.Delete(ctx, "dev", "acme"))

	want := []EventType{EventCreated, EventSuspended, EventResumed, EventDeleted}
	for _, w := range want {
		select {
		case ev := <-events:
			require.Equal(t, w, ev.Type)
			require.Equal(t, "dev", ev.Branch)
			require.Equal(t, "acme", ev.Project)
			require.NotEmpty(t, ev.ID)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s event", w)
		}
	}
}

func TestRestoreStateHealsDeadCompute(t *testing.T) {
	ctx := t.Context()
	e := newTestEnv(t)

	b, err := e.mgr.Create(ctx, "dev", "acme", "", "")
	require.NoError(t, err)
	b2, err := e.mgr.Create(ctx, "dev2", "acme", "", "")
	require.NoError(t, err)

	// Simulate a process restart where dev's compute died in between.
	e.prov.Kill(b.ContainerID)

	alloc := ports.NewAllocator(41000, 42000)
	mgr2 := NewManager(e.cat, e.st, e.prov, alloc, Options{BaseSnapshotKey: baseKey})
	require.NoError(t, mgr2.RestoreState(ctx))

	got, err := mgr2.Get("dev", "acme")
	require.NoError(t, err)
	require.Equal(t, models.StatusStopped, got.Status)

	still, err := mgr2.Get("dev2", "acme")
	require.NoError(t, err)
	require.Equal(t, models.StatusRunning, still.Status)

	// Ports of both records are reserved again.
	require.True(t, alloc.Reserved(b.Port))
	require.True(t, alloc.Reserved(b2.Port))
}

func TestConcurrentOperationsOnSameBranch(t *testing.T) {
	ctx := t.Context()
	e := newTestEnv(t)

	_, err := e.mgr.Create(ctx, "dev", "acme", "", "")
	require.NoError(t, err)

	// Hammer suspend and resume concurrently. Every call must return one
	// of the defined results and the final record must be consistent.
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			err := e.mgr.Suspend(ctx, "dev", "acme")
			if err != nil {
				require.ErrorIs(t, err, ErrAlreadyStopped)
			}
		}()
		go func() {
			defer wg.Done()
			_, err := e.mgr.Resume(ctx, "dev", "acme")
			if err != nil {
				require.ErrorIs(t, err, ErrAlreadyRunning)
			}
		}()
	}
	wg.Wait()

	got, err := e.mgr.Get("dev", "acme")
	require.NoError(t, err)

	running, rerr := e.prov.IsRunning(ctx, got.ContainerID)
	require.NoError(t, rerr)
	if got.Status == models.StatusRunning {
		require.True(t, running)
	} else {
		require.Equal(t, 0, e.prov.RunningCount())
	}
}

func TestConcurrentCreates(t *testing.T) {
	ctx := t.Context()
	e := newTestEnv(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.mgr.Create(ctx, fmt.Sprintf("dev-%d", i), "acme", "", "")
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	branches, err := e.mgr.List("acme")
	require.NoError(t, err)
	require.Len(t, branches, 8)

	seen := make(map[int]bool)
	for _, b := range branches {
		require.False(t, seen[b.Port], "port %d assigned twice", b.Port)
		seen[b.Port] = true
	}
}

// flakyStore fails the first n calls of each operation with the
// transient error, then delegates.
type flakyStore struct {
	store.Store
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, fmt.Errorf("get %s: %w", key, store.ErrUnavailable)
	}
	f.mu.Unlock()
	return f.Store.Get(ctx, key)
}

// hangingStore blocks Get until the caller's context expires, simulating
// a store that accepts connections but never answers.
type hangingStore struct {
	store.Store
}

func (h *hangingStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestResumeTimeoutLeavesCatalogUntouched(t *testing.T) {
	ctx := t.Context()
	e := newTestEnv(t)

	_, err := e.mgr.Create(ctx, "dev", "acme", "", "")
	require.NoError(t, err)
	require.NoError(t, e.mgr.Suspend(ctx, "dev", "acme"))

	// Same catalog and provisioner, but every download now hangs until
	// the operation deadline fires.
	hung := NewManager(e.cat, &hangingStore{Store: e.st}, e.prov,
		ports.NewAllocator(41000, 42000), Options{
			BaseSnapshotKey:  baseKey,
			OperationTimeout: 200 * time.Millisecond,
			RetryAttempts:    1,
		})

	start := time.Now()
	_, err = hung.Resume(ctx, "dev", "acme")
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), 5*time.Second)

	// The deadline fired before any catalog write, so the record still
	// describes the pre-operation state and a retry is safe.
	rec, err := e.mgr.Get("dev", "acme")
	require.NoError(t, err)
	require.Equal(t, models.StatusStopped, rec.Status)
	require.Equal(t, 0, e.prov.RunningCount())

	// The per-branch lock was released with the failed operation.
	done := make(chan error, 1)
	go func() { done <- hung.Suspend(ctx, "dev", "acme") }()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrAlreadyStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("branch lock still held after timed-out operation")
	}

	// And the branch is still resumable through a healthy store.
	resumed, err := e.mgr.Resume(ctx, "dev", "acme")
	require.NoError(t, err)
	require.Equal(t, models.StatusRunning, resumed.Status)
}

func TestCreateTimeout(t *testing.T) {
	ctx := t.Context()
	e := newTestEnv(t)

	hung := NewManager(e.cat, &hangingStore{Store: e.st}, e.prov,
		ports.NewAllocator(41000, 42000), Options{
			BaseSnapshotKey:  baseKey,
			OperationTimeout: 200 * time.Millisecond,
			RetryAttempts:    1,
		})

	_, err := hung.Create(ctx, "dev", "acme", "", "")
	require.ErrorIs(t, err, ErrTimeout)

	_, err = e.mgr.Get("dev", "acme")
	require.ErrorIs(t, err, ErrNotFound)
}

// verifyFailStore fails every Put with the verification error and counts
// the attempts.
type verifyFailStore struct {
	store.Store
	mu   sync.Mutex
	puts int
}

func (v *verifyFailStore) Put(ctx context.Context, key string, r io.Reader, size int64) (string, error) {
	v.mu.Lock()
	v.puts++
	v.mu.Unlock()
	return "", fmt.Errorf("put %s: %w", key, store.ErrVerificationFailed)
}

func (v *verifyFailStore) attempts() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.puts
}

func TestVerificationFailureIsNotRetried(t *testing.T) {
	ctx := t.Context()

	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	defer cat.Close()

	mem := store.NewMemoryStore()
	_, err = mem.Put(ctx, baseKey, strings.NewReader("base-data"), 9)
	require.NoError(t, err)

	failing := &verifyFailStore{Store: mem}
	prov := compute.NewFakeProvisioner()
	mgr := NewManager(cat, failing, prov, ports.NewAllocator(41000, 42000), Options{
		BaseSnapshotKey: baseKey,
		RetryAttempts:   3,
		RetryBackoff:    time.Millisecond,
	})

	_, err = mgr.Create(ctx, "dev", "acme", "", "")
	require.NoError(t, err)

	// A corrupt upload means a defect, not a hiccup: exactly one attempt.
	err = mgr.Suspend(ctx, "dev", "acme")
	require.ErrorIs(t, err, store.ErrVerificationFailed)
	require.Equal(t, 1, failing.attempts())

	// And the branch stayed running, snapshot-first ordering held.
	rec, err := mgr.Get("dev", "acme")
	require.NoError(t, err)
	require.Equal(t, models.StatusRunning, rec.Status)
}

func TestTransientStoreErrorsAreRetried(t *testing.T) {
	ctx := t.Context()

	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	defer cat.Close()

	mem := store.NewMemoryStore()
	_, err = mem.Put(ctx, baseKey, strings.NewReader("base-data"), 9)
	require.NoError(t, err)

	flaky := &flakyStore{Store: mem, failures: 2}
	prov := compute.NewFakeProvisioner()
	mgr := NewManager(cat, flaky, prov, ports.NewAllocator(41000, 42000), Options{
		BaseSnapshotKey: baseKey,
		RetryAttempts:   3,
		RetryBackoff:    time.Millisecond,
	})

	b, err := mgr.Create(ctx, "dev", "acme", "", "")
	require.NoError(t, err)
	require.Equal(t, models.StatusRunning, b.Status)
}
