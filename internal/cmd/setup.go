package cmd

import (
	"context"
	"fmt"

	"github.com/tahirm/mongobranch/internal/branch"
	"github.com/tahirm/mongobranch/internal/catalog"
	"github.com/tahirm/mongobranch/internal/compute"
	"github.com/tahirm/mongobranch/internal/config"
	"github.com/tahirm/mongobranch/internal/ports"
	"github.com/tahirm/mongobranch/internal/store"
)

// newManager wires the full stack from configuration: catalog, snapshot
// store, provisioner, port allocator and lifecycle manager. The returned
// cleanup closes everything.
func newManager(ctx context.Context) (*branch.Manager, *config.Config, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}

	cat, err := catalog.Open(cfg.CatalogPath)
	if err != nil {
		return nil, nil, nil, err
	}

	st, err := newStore(ctx, cfg)
	if err != nil {
		_ = cat.Close()
		return nil, nil, nil, err
	}

	prov, err := compute.NewDockerProvisioner(compute.DockerOptions{
		Host:  cfg.DockerHost,
		Image: cfg.MongoImage,
	})
	if err != nil {
		_ = cat.Close()
		return nil, nil, nil, err
	}

	alloc := ports.NewAllocator(cfg.PortRangeStart, cfg.PortRangeEnd)

	mgr := branch.NewManager(cat, st, prov, alloc, branch.Options{
		BaseSnapshotKey:      cfg.BaseSnapshotKey,
		OperationTimeout:     cfg.OperationTimeout,
		RetryAttempts:        cfg.RetryAttempts,
		RetryBackoff:         cfg.RetryBackoff,
		PurgeOnDelete:        cfg.PurgeOnDelete,
		MaxConcurrentCreates: cfg.MaxConcurrentCreates,
	})

	if err := mgr.RestoreState(ctx); err != nil {
		_ = prov.Close()
		_ = cat.Close()
		return nil, nil, nil, fmt.Errorf("failed to restore state from catalog: %w", err)
	}

	cleanup := func() {
		_ = prov.Close()
		_ = cat.Close()
	}
	return mgr, cfg, cleanup, nil
}

func newStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendS3:
		return store.NewS3Store(ctx, store.S3Options{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.AWSRegion,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
	case config.BackendMemory:
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
