package branch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tahirm/mongobranch/pkg/models"
)

func TestScanOnceSuspendsIdleBranches(t *testing.T) {
	ctx := t.Context()
	e := newTestEnv(t)

	_, err := e.mgr.Create(ctx, "idle", "acme", "", "")
	require.NoError(t, err)
	_, err = e.mgr.Create(ctx, "busy", "acme", "", "")
	require.NoError(t, err)

	// Age the idle branch past the threshold; the busy one stays fresh.
	stale := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, e.cat.TouchLastActive("idle", "acme", stale))

	e.mgr.scanOnce(ctx, ScannerOptions{Threshold: 10 * time.Minute, Parallelism: 2})

	idle, err := e.mgr.Get("idle", "acme")
	require.NoError(t, err)
	require.Equal(t, models.StatusStopped, idle.Status)

	busy, err := e.mgr.Get("busy", "acme")
	require.NoError(t, err)
	require.Equal(t, models.StatusRunning, busy.Status)

	// The suspend went through the normal path, so a snapshot exists.
	versions, err := e.mgr.Versions("idle", "acme")
	require.NoError(t, err)
	require.Len(t, versions, 1)
}

func TestScanOnceIgnoresStoppedRecords(t *testing.T) {
	ctx := t.Context()
	e := newTestEnv(t)

	_, err := e.mgr.Create(ctx, "dev", "acme", "", "")
	require.NoError(t, err)
	require.NoError(t, e.mgr.Suspend(ctx, "dev", "acme"))

	stale := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, e.cat.TouchLastActive("dev", "acme", stale))

	// A second pass over an already stopped branch must not add versions.
	e.mgr.scanOnce(ctx, ScannerOptions{Threshold: 10 * time.Minute, Parallelism: 2})

	versions, err := e.mgr.Versions("dev", "acme")
	require.NoError(t, err)
	require.Len(t, versions, 1)
}

func TestIdleScannerStopsOnCancel(t *testing.T) {
	e := newTestEnv(t)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	done := make(chan struct{})
	go func() {
		e.mgr.RunIdleScanner(ctx, ScannerOptions{
			Threshold: time.Minute,
			Interval:  10 * time.Millisecond,
		})
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scanner did not stop after context cancellation")
	}
}
