package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TechnicallyShaun/callscribe/internal/transcribe"
)

// NewStartCmd creates the start command
func NewStartCmd() *cobra.Command {
	var console bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the transcription daemon",
		Long: `Run the transcription daemon in the foreground.

The daemon watches watch_dir, transcribes each finished recording with the
configured engine and delivers the result. It runs until SIGINT or SIGTERM;
a job in progress at that point is left unmarked and retried on the next start.

Use a service manager such as systemd to run it in the background.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			var opts []transcribe.Option
			if console {
				logger, err := transcribe.NewConsoleLogger(cfg, cmd.ErrOrStderr())
				if err != nil {
					return fmt.Errorf("create logger: %w", err)
				}
				defer logger.Close()
				opts = append(opts, transcribe.WithLogger(logger))
			}

			svc, err := transcribe.NewService(cfg, opts...)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config:   %s\n", path)
			fmt.Fprintf(out, "Watching: %s\n", cfg.WatchDir)
			if cfg.OutputDir != "" {
				fmt.Fprintf(out, "Output:   %s\n", cfg.OutputDir)
			}
			fmt.Fprintf(out, "Delivery: %s\n", cfg.Delivery.Mode)

			return svc.Run(context.Background())
		},
	}
	cmd.Flags().BoolVarP(&console, "foreground", "f", false, "mirror the log to stderr")
	return cmd
}
