package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "0.3.0"

// Execute builds the command tree and runs it.
func Execute() {
	// Settings come from the environment; a .env file is a convenience
	// for local development.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "branchd",
		Short: "Branchable MongoDB databases",
		Long: `branchd manages cheap, independent, resumable copies of MongoDB
databases. Branches run as local containers, persist as versioned
archives in object storage, and suspend automatically when idle.`,
		Version: version,
	}

	rootCmd.AddCommand(NewServeCmd())
	rootCmd.AddCommand(NewProjectCmd())
	rootCmd.AddCommand(NewBranchCmd())
	rootCmd.AddCommand(NewConnectCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
