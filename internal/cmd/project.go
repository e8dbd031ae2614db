package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// NewProjectCmd creates the project command group
func NewProjectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage project namespaces",
	}

	cmd.AddCommand(newProjectCreateCmd())
	cmd.AddCommand(newProjectListCmd())
	cmd.AddCommand(newProjectDeleteCmd())

	return cmd
}

func newProjectCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Create a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, cleanup, err := newManager(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			p, err := mgr.CreateProject(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Project created: %s\n", p.Name)
			return nil
		},
	}
}

func newProjectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, cleanup, err := newManager(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			projects, err := mgr.ListProjects()
			if err != nil {
				return err
			}
			if len(projects) == 0 {
				fmt.Println("No projects found")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROJECT\tCREATED (UTC)")
			for _, p := range projects {
				fmt.Fprintf(w, "%s\t%s\n", p.Name, p.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
}

func newProjectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete an empty project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, cleanup, err := newManager(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			if err := mgr.DeleteProject(args[0]); err != nil {
				return err
			}
			fmt.Printf("Project deleted: %s\n", args[0])
			return nil
		},
	}
}
