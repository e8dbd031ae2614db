package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// MemoryStore is a volatile versioned store. It backs local development
// (MONGOBRANCH_STORE_BACKEND=memory) and serves as the test double for the
// S3 store; it implements the same immutability guarantees, including
// byte-copy isolation so a reported version can never change afterwards.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]memVersion
	nextID  int
}

type memVersion struct {
	id      string
	data    []byte
	created time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string][]memVersion),
	}
}

func (m *MemoryStore) Put(_ context.Context, key string, r io.Reader, size int64) (string, error) {
	if size == 0 {
		return "", ErrEmptyContent
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("put: %w", err)
	}
	if int64(len(data)) != size {
		return "", fmt.Errorf("%w: wrote %d bytes, readback reports %d",
			ErrVerificationFailed, size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	v := memVersion{
		id:      fmt.Sprintf("mem-%06d", m.nextID),
		data:    data,
		created: time.Now().UTC(),
	}
	m.objects[key] = append(m.objects[key], v)
	return v.id, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions := m.objects[key]
	if len(versions) == 0 {
		return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	latest := versions[len(versions)-1]
	return io.NopCloser(bytes.NewReader(append([]byte(nil), latest.data...))), nil
}

func (m *MemoryStore) GetVersion(_ context.Context, key, versionID string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, v := range m.objects[key] {
		if v.id == versionID {
			return io.NopCloser(bytes.NewReader(append([]byte(nil), v.data...))), nil
		}
	}
	return nil, fmt.Errorf("get %s@%s: %w", key, versionID, ErrNotFound)
}

func (m *MemoryStore) ListVersions(_ context.Context, key string) ([]Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := m.objects[key]
	versions := make([]Version, 0, len(stored))
	// newest first, matching the S3 listing order
	for i := len(stored) - 1; i >= 0; i-- {
		versions = append(versions, Version{ID: stored[i].id, CreatedAt: stored[i].created})
	}
	return versions, nil
}

func (m *MemoryStore) DeleteAll(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.objects, key)
	return nil
}

var _ Store = (*MemoryStore)(nil)
