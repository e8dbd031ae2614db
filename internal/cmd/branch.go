package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tahirm/mongobranch/pkg/models"
)

// NewBranchCmd creates the branch command group
func NewBranchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branch",
		Short: "Manage database branches",
	}

	cmd.AddCommand(newBranchCreateCmd())
	cmd.AddCommand(newBranchListCmd())
	cmd.AddCommand(newBranchSuspendCmd())
	cmd.AddCommand(newBranchResumeCmd())
	cmd.AddCommand(newBranchDeleteCmd())
	cmd.AddCommand(newBranchVersionsCmd())
	cmd.AddCommand(newBranchTimeTravelCmd())

	return cmd
}

func newBranchCreateCmd() *cobra.Command {
	var project, from string

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new branch",
		Long:  `Creates a branch from the base snapshot, or from another branch's latest snapshot with --from.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, cleanup, err := newManager(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			var baseKey string
			if from != "" {
				baseKey = models.SnapshotKey(project, from)
			}

			b, err := mgr.Create(cmd.Context(), args[0], project, baseKey, "")
			if err != nil {
				return err
			}

			fmt.Printf("Branch created: %s/%s (port %d)\n", b.Project, b.Name, b.Port)
			fmt.Printf("Connect: %s\n", b.ConnectionString())
			return nil
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "Project name (required)")
	cmd.Flags().StringVar(&from, "from", "", "Source branch to clone from (default: base snapshot)")
	_ = cmd.MarkFlagRequired("project")

	return cmd
}

func newBranchListCmd() *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List branches in a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, cleanup, err := newManager(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			branches, err := mgr.List(project)
			if err != nil {
				return err
			}
			if len(branches) == 0 {
				fmt.Printf("No branches found in project %s\n", project)
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "BRANCH\tSTATUS\tPORT\tLAST ACTIVE")
			for _, b := range branches {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
					b.Name, b.Status, b.Port, b.LastActive.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "Project name (required)")
	_ = cmd.MarkFlagRequired("project")

	return cmd
}

func newBranchSuspendCmd() *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "suspend <name>",
		Short: "Snapshot a branch and stop its compute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, cleanup, err := newManager(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			if err := mgr.Suspend(cmd.Context(), args[0], project); err != nil {
				return err
			}
			fmt.Printf("Branch suspended: %s/%s\n", project, args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "Project name (required)")
	_ = cmd.MarkFlagRequired("project")

	return cmd
}

func newBranchResumeCmd() *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "resume <name>",
		Short: "Restore a suspended branch from its latest snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, cleanup, err := newManager(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			b, err := mgr.Resume(cmd.Context(), args[0], project)
			if err != nil {
				return err
			}
			fmt.Printf("Branch resumed: %s/%s (port %d)\n", b.Project, b.Name, b.Port)
			fmt.Printf("Connect: %s\n", b.ConnectionString())
			return nil
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "Project name (required)")
	_ = cmd.MarkFlagRequired("project")

	return cmd
}

func newBranchDeleteCmd() *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, cleanup, err := newManager(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			if err := mgr.Delete(cmd.Context(), args[0], project); err != nil {
				return err
			}
			fmt.Printf("Branch deleted: %s/%s\n", project, args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "Project name (required)")
	_ = cmd.MarkFlagRequired("project")

	return cmd
}

func newBranchVersionsCmd() *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "versions <name>",
		Short: "List a branch's snapshot versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, cleanup, err := newManager(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			versions, err := mgr.Versions(args[0], project)
			if err != nil {
				return err
			}
			if len(versions) == 0 {
				fmt.Printf("No snapshots recorded for %s/%s\n", project, args[0])
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CREATED (UTC)\tVERSION ID")
			for _, v := range versions {
				fmt.Fprintf(w, "%s\t%s\n", v.CreatedAt.Format("2006-01-02 15:04:05"), v.VersionID)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "Project name (required)")
	_ = cmd.MarkFlagRequired("project")

	return cmd
}

func newBranchTimeTravelCmd() *cobra.Command {
	var project, from, timestamp string

	cmd := &cobra.Command{
		Use:   "time-travel <name>",
		Short: "Create a branch from a point-in-time snapshot of another branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := time.Parse(time.RFC3339, timestamp)
			if err != nil {
				return fmt.Errorf("invalid timestamp %q (expected RFC 3339, e.g. 2026-01-02T15:04:05Z): %w", timestamp, err)
			}

			mgr, _, cleanup, err := newManager(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			b, err := mgr.TimeTravel(cmd.Context(), args[0], project, from, at)
			if err != nil {
				return err
			}
			fmt.Printf("Branch created from %s/%s as of %s: %s (port %d)\n",
				project, from, timestamp, b.Name, b.Port)
			return nil
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "Project name (required)")
	cmd.Flags().StringVar(&from, "from", "", "Source branch (required)")
	cmd.Flags().StringVar(&timestamp, "at", "", "RFC 3339 timestamp to restore from (required)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("at")

	return cmd
}
