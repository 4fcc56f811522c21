package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TechnicallyShaun/callscribe/internal/transcribe"
)

// NewRootCmd creates the root command for the callscribe CLI
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "callscribe",
		Short:        "Transcribe call recordings as they land",
		Long:         "callscribe watches a call-recording spool, transcribes each finished recording once and delivers the transcript",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default: $"+transcribe.EnvConfig+", ./"+transcribe.ConfigFileName+" or a parent, /etc/callscribe)")

	rootCmd.AddCommand(NewInitCmd())
	rootCmd.AddCommand(NewStartCmd())
	rootCmd.AddCommand(NewStopCmd())
	rootCmd.AddCommand(NewStatusCmd())
	rootCmd.AddCommand(NewCheckCmd())
	rootCmd.AddCommand(NewResetCmd())
	rootCmd.AddCommand(NewVersionCmd())

	return rootCmd
}

// loadConfig resolves and loads the configuration named by --config.
func loadConfig(cmd *cobra.Command) (*transcribe.Config, string, error) {
	explicit, _ := cmd.Flags().GetString("config")
	path, err := transcribe.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := transcribe.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("load config: %w", err)
	}
	return cfg, path, nil
}
