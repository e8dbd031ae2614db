package compute

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FakeProvisioner is an in-memory Provisioner for tests and dry runs. An
// instance's "database state" is the raw bytes of the archive it was
// started from; Dump writes those bytes back out, so a dump/restore round
// trip is lossless exactly like the real thing.
type FakeProvisioner struct {
	mu        sync.Mutex
	instances map[string]*fakeInstance
	byName    map[string]string
	nextID    int

	// Failure injection for exercising error paths.
	StartErr     error
	StopErr      error
	DumpErr      error
	IsRunningErr error
}

type fakeInstance struct {
	name string
	port int
	data []byte
}

// NewFakeProvisioner creates an empty fake.
func NewFakeProvisioner() *FakeProvisioner {
	return &FakeProvisioner{
		instances: make(map[string]*fakeInstance),
		byName:    make(map[string]string),
	}
}

func (f *FakeProvisioner) Start(_ context.Context, name, archivePath string, port int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.StartErr != nil {
		return "", f.StartErr
	}

	data, err := os.ReadFile(archivePath)
	if err != nil {
		return "", &ProvisionError{Op: "restore", Err: err}
	}

	// Same-name replacement, mirroring the Docker provisioner.
	if handle, ok := f.byName[name]; ok {
		delete(f.instances, handle)
	}

	f.nextID++
	handle := fmt.Sprintf("fake-%06d", f.nextID)
	f.instances[handle] = &fakeInstance{name: name, port: port, data: append([]byte(nil), data...)}
	f.byName[name] = handle
	return handle, nil
}

func (f *FakeProvisioner) Stop(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.StopErr != nil {
		return f.StopErr
	}

	inst, ok := f.instances[handle]
	if !ok {
		return nil
	}
	delete(f.instances, handle)
	delete(f.byName, inst.name)
	return nil
}

func (f *FakeProvisioner) IsRunning(_ context.Context, handle string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.IsRunningErr != nil {
		return false, f.IsRunningErr
	}
	_, ok := f.instances[handle]
	return ok, nil
}

func (f *FakeProvisioner) Dump(_ context.Context, handle string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.DumpErr != nil {
		return "", f.DumpErr
	}

	inst, ok := f.instances[handle]
	if !ok {
		return "", &ProvisionError{Op: "dump", Err: fmt.Errorf("instance %s not running", handle)}
	}

	dir, err := os.MkdirTemp("", "mongobranch-fakedump-*")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "dump.archive")
	if err := os.WriteFile(path, inst.data, 0644); err != nil {
		return "", err
	}
	return path, nil
}

func (f *FakeProvisioner) Purge(_ context.Context, name string) error {
	f.mu.Lock()
	handle, ok := f.byName[name]
	f.mu.Unlock()
	if !ok {
		return nil
	}
	return f.Stop(context.Background(), handle)
}

// HandleFor resolves an instance name to its current handle.
func (f *FakeProvisioner) HandleFor(name string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	handle, ok := f.byName[name]
	return handle, ok
}

// Data returns the current state bytes of an instance.
func (f *FakeProvisioner) Data(handle string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	inst, ok := f.instances[handle]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), inst.data...), true
}

// SetData overwrites an instance's state bytes, simulating client writes.
func (f *FakeProvisioner) SetData(handle string, data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	inst, ok := f.instances[handle]
	if !ok {
		return false
	}
	inst.data = append([]byte(nil), data...)
	return true
}

// RunningCount reports how many instances are currently provisioned.
func (f *FakeProvisioner) RunningCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.instances)
}

// Kill removes an instance without going through Stop, simulating an
// instance that died out from under the manager.
func (f *FakeProvisioner) Kill(handle string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if inst, ok := f.instances[handle]; ok {
		delete(f.byName, inst.name)
		delete(f.instances, handle)
	}
}

var _ Provisioner = (*FakeProvisioner)(nil)
