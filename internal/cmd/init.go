package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/TechnicallyShaun/callscribe/internal/transcribe"
)

// NewInitCmd creates the init command
func NewInitCmd() *cobra.Command {
	var watchDir string

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a commented example configuration",
		Long: `Write a commented configuration file holding every default value.

The file is written to ./` + transcribe.ConfigFileName + ` unless a path is given.
An existing file is never replaced.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := transcribe.ConfigFileName
			if len(args) == 1 {
				path = args[0]
			}

			cfg := transcribe.DefaultConfig()
			cfg.WatchDir = watchDir
			if err := cfg.ApplyDefaults(); err != nil {
				return err
			}

			if err := transcribe.WriteExampleConfig(path, cfg); err != nil {
				return err
			}

			abs, err := filepath.Abs(path)
			if err != nil {
				abs = path
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", abs)
			if watchDir == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "Set watch_dir before starting the daemon")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&watchDir, "watch-dir", "", "recording spool to watch")
	return cmd
}
