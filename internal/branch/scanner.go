package branch

import (
	"context"
	"errors"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
)

// ScannerOptions tunes the idle scanner.
type ScannerOptions struct {
	// Threshold is how long a branch may sit idle before being suspended.
	Threshold time.Duration

	// Interval is how often the catalog is scanned.
	Interval time.Duration

	// Parallelism bounds concurrent suspends per scan.
	Parallelism int
}

// RunIdleScanner periodically suspends running branches whose last
// activity is older than the threshold. It runs until ctx is cancelled.
// Suspends go through the regular per-branch lock, so the scanner can
// never race a user-initiated resume.
func (m *Manager) RunIdleScanner(ctx context.Context, opts ScannerOptions) {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}

	log.Printf("idle scanner started (threshold %s, interval %s)", opts.Threshold, opts.Interval)

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("idle scanner stopped")
			return
		case <-ticker.C:
			m.scanOnce(ctx, opts)
		}
	}
}

func (m *Manager) scanOnce(ctx context.Context, opts ScannerOptions) {
	running, err := m.catalog.ListRunning()
	if err != nil {
		log.Printf("idle scan failed to list running branches: %v", err)
		return
	}

	cutoff := time.Now().UTC().Add(-opts.Threshold)

	var g errgroup.Group
	g.SetLimit(opts.Parallelism)

	for _, b := range running {
		if b.LastActive.After(cutoff) {
			continue
		}
		b := b
		g.Go(func() error {
			log.Printf("suspending idle branch %s/%s (last active %s)",
				b.Project, b.Name, b.LastActive.Format(time.RFC3339))
			err := m.Suspend(ctx, b.Name, b.Project)
			if err != nil && !errors.Is(err, ErrAlreadyStopped) {
				log.Printf("idle suspend of %s/%s failed: %v", b.Project, b.Name, err)
			}
			return nil
		})
	}

	_ = g.Wait()
}
