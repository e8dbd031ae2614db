package compute

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

const (
	mongoPort   = "27017/tcp"
	archivePath = "/dump.archive"
	namePrefix  = "mongobranch-"
)

// DockerProvisioner runs MongoDB instances as Docker containers. The
// handle it returns is the container ID.
type DockerProvisioner struct {
	client *client.Client
	image  string
}

// DockerOptions configures the Docker provisioner.
type DockerOptions struct {
	// Host overrides the daemon endpoint. Empty means the standard
	// environment resolution (DOCKER_HOST, platform default socket).
	Host  string
	Image string
}

// NewDockerProvisioner connects to the Docker daemon. The endpoint is
// resolved once here, never per call.
func NewDockerProvisioner(opts DockerOptions) (*DockerProvisioner, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}

	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("compute: failed to create docker client: %w", err)
	}

	img := opts.Image
	if img == "" {
		img = "mongo:7"
	}

	return &DockerProvisioner{client: cli, image: img}, nil
}

// EnsureImage pulls the MongoDB image if it is not present locally.
func (p *DockerProvisioner) EnsureImage(ctx context.Context) error {
	images, err := p.client.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", p.image)),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(images) > 0 {
		return nil
	}

	reader, err := p.client.ImagePull(ctx, p.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("compute: failed to pull %s: %w", p.image, err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (p *DockerProvisioner) Start(ctx context.Context, name, localArchive string, port int) (string, error) {
	// Replace any leftover instance from a failed earlier attempt so that
	// retrying a create or resume is idempotent.
	if err := p.Purge(ctx, name); err != nil {
		return "", err
	}

	containerConfig := &container.Config{
		Image: p.image,
		Labels: map[string]string{
			"managed-by":  "mongobranch",
			"branch-name": name,
		},
		ExposedPorts: nat.PortSet{
			mongoPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			mongoPort: []nat.PortBinding{
				{HostIP: "0.0.0.0", HostPort: strconv.Itoa(port)},
			},
		},
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, namePrefix+name)
	if err != nil {
		return "", fmt.Errorf("compute: failed to create container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("compute: failed to start container: %w", err)
	}

	if err := p.waitForMongo(ctx, resp.ID); err != nil {
		return "", err
	}

	if err := p.copyIn(ctx, resp.ID, localArchive); err != nil {
		return "", err
	}

	// Restore must match how the dump was produced: --archive with --gzip.
	out, exitCode, err := p.exec(ctx, resp.ID, []string{
		"mongorestore", "--drop", "--gzip", "--archive=" + archivePath,
	})
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return "", &ProvisionError{
			Op:     "mongorestore",
			Output: out,
			Err:    fmt.Errorf("exit code %d", exitCode),
		}
	}

	return resp.ID, nil
}

func (p *DockerProvisioner) Stop(ctx context.Context, handle string) error {
	timeout := 10
	err := p.client.ContainerStop(ctx, handle, container.StopOptions{Timeout: &timeout})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("compute: failed to stop container: %w", err)
	}

	err = p.client.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("compute: failed to remove container: %w", err)
	}
	return nil
}

func (p *DockerProvisioner) IsRunning(ctx context.Context, handle string) (bool, error) {
	inspect, err := p.client.ContainerInspect(ctx, handle)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return inspect.State.Running, nil
}

func (p *DockerProvisioner) Dump(ctx context.Context, handle string) (string, error) {
	out, exitCode, err := p.exec(ctx, handle, []string{
		"mongodump", "--archive=" + archivePath, "--gzip",
	})
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return "", &ProvisionError{
			Op:     "mongodump",
			Output: out,
			Err:    fmt.Errorf("exit code %d", exitCode),
		}
	}

	local, err := p.copyOut(ctx, handle, archivePath)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(local)
	if err != nil {
		return "", fmt.Errorf("compute: dump archive missing after copy: %w", err)
	}
	if info.Size() == 0 {
		return "", &ProvisionError{Op: "mongodump", Err: fmt.Errorf("dump produced an empty archive")}
	}

	return local, nil
}

func (p *DockerProvisioner) Purge(ctx context.Context, name string) error {
	inspect, err := p.client.ContainerInspect(ctx, namePrefix+name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return p.Stop(ctx, inspect.ID)
}

// Close releases the Docker client.
func (p *DockerProvisioner) Close() error {
	return p.client.Close()
}

// waitForMongo polls until mongod answers a ping inside the container.
func (p *DockerProvisioner) waitForMongo(ctx context.Context, containerID string) error {
	maxRetries := 30

	for i := 0; i < maxRetries; i++ {
		_, exitCode, err := p.exec(ctx, containerID, []string{
			"mongosh", "--quiet", "--eval", "db.runCommand({ping: 1}).ok",
		})
		if err == nil && exitCode == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}

	return fmt.Errorf("compute: mongod did not become ready after %d retries", maxRetries)
}

// exec runs a command inside the container and captures its combined
// output and exit code.
func (p *DockerProvisioner) exec(ctx context.Context, containerID string, cmd []string) (string, int, error) {
	execResp, err := p.client.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	attach, err := p.client.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return "", 0, fmt.Errorf("compute: failed to read exec output: %w", err)
	}

	inspect, err := p.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	output := stdout.String()
	if stderr.Len() > 0 {
		output += stderr.String()
	}
	return output, inspect.ExitCode, nil
}

// copyIn places the local archive at /dump.archive inside the container.
func (p *DockerProvisioner) copyIn(ctx context.Context, containerID, localPath string) error {
	tarball, err := tarFile(localPath, filepath.Base(archivePath))
	if err != nil {
		return fmt.Errorf("compute: failed to package archive: %w", err)
	}

	err = p.client.CopyToContainer(ctx, containerID, "/", tarball, container.CopyToContainerOptions{})
	if err != nil {
		return fmt.Errorf("compute: failed to copy archive into container: %w", err)
	}
	return nil
}

// copyOut copies a file out of the container into a fresh temp directory
// and returns the local path.
func (p *DockerProvisioner) copyOut(ctx context.Context, containerID, remotePath string) (string, error) {
	reader, _, err := p.client.CopyFromContainer(ctx, containerID, remotePath)
	if err != nil {
		return "", fmt.Errorf("compute: failed to copy archive out of container: %w", err)
	}
	defer reader.Close()

	dir, err := os.MkdirTemp("", "mongobranch-dump-*")
	if err != nil {
		return "", err
	}

	local := filepath.Join(dir, filepath.Base(remotePath))
	if err := untarFile(reader, local); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("compute: failed to unpack archive: %w", err)
	}
	return local, nil
}

var _ Provisioner = (*DockerProvisioner)(nil)
