package compute

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTarFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "dump.archive")
	require.NoError(t, os.WriteFile(src, []byte("mongodump bytes"), 0644))

	r, err := tarFile(src, "dump.archive")
	require.NoError(t, err)

	dest := filepath.Join(dir, "out.archive")
	require.NoError(t, untarFile(r, dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "mongodump bytes", string(data))
}

func TestUntarFileSkipsDirectories(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "dir/", Mode: 0755, Typeflag: tar.TypeDir,
	}))
	content := []byte("payload")
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "dir/file", Mode: 0644, Size: int64(len(content)), Typeflag: tar.TypeReg,
	}))
	_, err := tw.Write(content)
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, untarFile(&buf, dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))
}

func TestUntarFileEmptyStream(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.Close())

	err := untarFile(&buf, filepath.Join(t.TempDir(), "out"))
	require.Error(t, err)
}

func TestFakeProvisionerLifecycle(t *testing.T) {
	ctx := t.Context()
	f := NewFakeProvisioner()

	dir := t.TempDir()
	archive := filepath.Join(dir, "dump.archive")
	require.NoError(t, os.WriteFile(archive, []byte("state-v1"), 0644))

	handle, err := f.Start(ctx, "acme-dev", archive, 30001)
	require.NoError(t, err)

	live, err := f.IsRunning(ctx, handle)
	require.NoError(t, err)
	require.True(t, live)

	dumpPath, err := f.Dump(ctx, handle)
	require.NoError(t, err)
	defer os.RemoveAll(filepath.Dir(dumpPath))
	data, err := os.ReadFile(dumpPath)
	require.NoError(t, err)
	require.Equal(t, "state-v1", string(data))

	require.NoError(t, f.Stop(ctx, handle))
	live, err = f.IsRunning(ctx, handle)
	require.NoError(t, err)
	require.False(t, live)

	// Stop is idempotent.
	require.NoError(t, f.Stop(ctx, handle))
}

func TestFakeProvisionerSameNameReplaces(t *testing.T) {
	ctx := t.Context()
	f := NewFakeProvisioner()

	dir := t.TempDir()
	archive := filepath.Join(dir, "dump.archive")
	require.NoError(t, os.WriteFile(archive, []byte("state"), 0644))

	h1, err := f.Start(ctx, "acme-dev", archive, 30001)
	require.NoError(t, err)
	h2, err := f.Start(ctx, "acme-dev", archive, 30001)
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)

	live, err := f.IsRunning(ctx, h1)
	require.NoError(t, err)
	require.False(t, live)
	require.Equal(t, 1, f.RunningCount())
}
