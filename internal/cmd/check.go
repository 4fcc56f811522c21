package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TechnicallyShaun/callscribe/internal/transcribe"
)

// NewCheckCmd creates the check command
func NewCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and environment",
		Long: `Validate the configuration and run the startup checks without starting
the daemon: the watch directory is readable, the output and scratch
directories are writable, the engine is executable and the tracker,
directory and mail settings can be opened.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := transcribe.Check(cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: OK\n", path)
			return nil
		},
	}
}
