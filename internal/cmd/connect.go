package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewConnectCmd creates the connect command
func NewConnectCmd() *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "connect <branch>",
		Short: "Print the connection string of a running branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, cleanup, err := newManager(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			uri, err := mgr.ConnectionString(args[0], project)
			if err != nil {
				return err
			}
			fmt.Println(uri)
			return nil
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "Project name (required)")
	_ = cmd.MarkFlagRequired("project")

	return cmd
}
