package cmd

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tahirm/mongobranch/internal/api"
	"github.com/tahirm/mongobranch/internal/branch"
	"github.com/tahirm/mongobranch/internal/compute"
	"github.com/tahirm/mongobranch/internal/ratelimit"
)

// NewServeCmd creates the serve command
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the branch lifecycle API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	log.Println("Starting mongobranch...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr, cfg, cleanup, err := newManager(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	log.Println("lifecycle manager initialized")

	// Pull the MongoDB image up front so the first create does not pay
	// for it.
	if prov, ok := managerProvisioner(mgr); ok {
		pullCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		if err := prov.EnsureImage(pullCtx); err != nil {
			cancel()
			return err
		}
		cancel()
		log.Printf("mongodb image ready (%s)", cfg.MongoImage)
	}

	if cfg.IdleSuspend {
		go mgr.RunIdleScanner(ctx, branch.ScannerOptions{
			Threshold: cfg.IdleThreshold,
			Interval:  cfg.ScanInterval,
		})
	} else {
		log.Println("idle suspend disabled")
	}

	handler := api.NewHandler(mgr)
	events := api.NewEventStream(mgr)
	limiter := ratelimit.NewLimiter(cfg.RateLimitPerHour, time.Hour, cfg.RateLimitBurst)
	router := handler.SetupRoutes(events, limiter, cfg.RateLimitPerHour)
	log.Println("HTTP routes configured")

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // lifecycle operations can take minutes
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("server listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	log.Println("server stopped")
	return nil
}

// managerProvisioner exposes the Docker provisioner when the manager is
// backed by one, for the image pre-pull.
func managerProvisioner(mgr *branch.Manager) (*compute.DockerProvisioner, bool) {
	prov, ok := mgr.Provisioner().(*compute.DockerProvisioner)
	return prov, ok
}
