package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/TechnicallyShaun/callscribe/internal/transcribe"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/pidfile"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/status"
)

// NewStatusCmd creates the status command
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the daemon is running and today's activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runStatus(cmd.OutOrStdout(), cfg, time.Now())
		},
	}
}

func runStatus(out io.Writer, cfg *transcribe.Config, now time.Time) error {
	running, pid, err := pidfile.IsRunning(cfg.PIDFile)
	switch {
	case err != nil:
		fmt.Fprintf(out, "Daemon:   unknown (%v)\n", err)
	case running:
		fmt.Fprintf(out, "Daemon:   running (PID %d)\n", pid)
	case pid != 0:
		fmt.Fprintf(out, "Daemon:   not running (stale PID file for %d)\n", pid)
	default:
		fmt.Fprintln(out, "Daemon:   not running")
	}
	fmt.Fprintf(out, "Watching: %s\n", cfg.WatchDir)

	stats, err := status.ParseDay(cfg.LoggingConfig(), now)
	if err != nil {
		return fmt.Errorf("read log: %w", err)
	}

	fmt.Fprintf(out, "Today:    %d job(s)%s, %d skipped, %d delivery failure(s), %d error(s)\n",
		stats.Jobs, formatOutcomes(stats.Outcomes), stats.Skipped, stats.DeliveryFailures, stats.Errors)

	if last := stats.LastJob; last != nil {
		fmt.Fprintf(out, "Last job: %s  %s  %s\n", status.FormatTimestamp(last.Timestamp), status.BaseName(last.Path), last.Outcome)
	}
	return nil
}

func formatOutcomes(outcomes map[string]int) string {
	if len(outcomes) == 0 {
		return ""
	}
	keys := make([]string, 0, len(outcomes))
	for k := range outcomes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%d %s", outcomes[k], k))
	}
	return " (" + strings.Join(parts, ", ") + ")"
}
