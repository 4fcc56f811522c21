package cmd

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/TechnicallyShaun/callscribe/internal/transcribe"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/tracker"
)

// NewResetCmd creates the reset command
func NewResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <recording>...",
		Short: "Clear completion markers so recordings are transcribed again",
		Long: `Clear the completion marker of each recording. The daemon picks the
recordings up again on its next rescan or restart.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			tr, err := transcribe.OpenTracker(cfg)
			if err != nil {
				return err
			}
			defer tr.Close()

			out := cmd.OutOrStdout()
			var failed error
			for _, arg := range args {
				path, err := filepath.Abs(arg)
				if err != nil {
					return err
				}
				err = tr.Clear(cmd.Context(), path)
				switch {
				case errors.Is(err, tracker.ErrNotMarked):
					fmt.Fprintf(out, "%s: not marked\n", path)
				case err != nil:
					fmt.Fprintf(out, "%s: %v\n", path, err)
					failed = errors.Join(failed, err)
				default:
					fmt.Fprintf(out, "%s: cleared\n", path)
				}
			}
			return failed
		},
	}
}
