package transcribe

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/google/renameio/v2"
)

// ErrConfigExists is returned by WriteExampleConfig when the target exists.
var ErrConfigExists = errors.New("config file already exists")

var exampleTmpl = template.Must(template.New("example").Funcs(template.FuncMap{
	"join": strings.Join,
}).Parse(`# callscribe configuration

# Root of the call-recording spool. Watched recursively.
watch_dir: {{.WatchDir}}
recording_suffix: {{.RecordingSuffix}}
# Recordings smaller than this are skipped.
min_size_bytes: {{.MinSizeBytes}}
# Set to true to skip the audio content sniff.
skip_audio_check: {{.SkipAudioCheck}}
# Where transcripts are written. Empty writes next to each recording.
output_dir: "{{.OutputDir}}"
scratch_dir: {{.ScratchDir}}
workers: {{.Workers}}
queue_size: {{.QueueSize}}
# robfig/cron schedule for the recovery sweep, or "off".
rescan_schedule: "{{.RescanSchedule}}"
pid_file: {{.PIDFile}}
# host:port for /metrics and /healthz. Empty disables.
metrics_addr: "{{.MetricsAddr}}"

settle:
  # Write-free period before a rescanned file counts as complete. On Linux the
  # watcher waits for the recorder to close the file instead.
  quiet: {{.Settle.Quiet}}
  interval: {{.Settle.Interval}}
  checks: {{.Settle.Checks}}
  timeout: {{.Settle.Timeout}}

engine:
  command: {{.Engine.Command}}
  model: {{.Engine.Model}}
  # ISO language hint, or "auto" to let the engine detect it.
  language: {{.Engine.Language}}
  # all, txt, vtt, srt, tsv or json
  output_format: {{.Engine.OutputFormat}}
  required_artifacts: [{{join .Engine.RequiredArtifacts ", "}}]
  verbose: {{.Engine.Verbose}}
  timeout: {{.Engine.Timeout}}

tracker:
  # marker writes <recording>.done files; sqlite keeps a completions table.
  backend: {{.Tracker.Backend}}
  dir: "{{.Tracker.Dir}}"
  path: {{.Tracker.Path}}

delivery:
  # local or notify
  mode: {{.Delivery.Mode}}
  from: {{.Delivery.From}}
  archive_address: "{{.Delivery.ArchiveAddress}}"
  subject: "{{.Delivery.Subject}}"
  # Hyphen-delimited field of the file name holding the extension.
  extension_field: {{.Delivery.ExtensionField}}
  attach: [{{join .Delivery.Attach ", "}}]
  notify_failures: {{.Delivery.FailureNotices}}
  rate_per_minute: {{.Delivery.RatePerMinute}}
  timeout: {{.Delivery.Timeout}}
  retry:
    attempts: {{.Delivery.Retry.Attempts}}
    backoff: {{.Delivery.Retry.Backoff}}
  smtp:
    host: {{.Delivery.SMTP.Host}}
    port: {{.Delivery.SMTP.Port}}
    # opportunistic, mandatory or none
    tls: {{.Delivery.SMTP.TLS}}
    timeout: {{.Delivery.SMTP.Timeout}}

directory:
  static: {}
  sql:
    driver: {{.Directory.SQL.Driver}}
    dsn: ""
    query: ""

log:
  dir: {{.Log.Dir}}
  prefix: {{.Log.Prefix}}
  retention_days: {{.Log.RetentionDays}}
  level: {{.Log.Level}}
`))

// RenderExampleConfig renders a commented configuration file for cfg.
func RenderExampleConfig(cfg Config) ([]byte, error) {
	var buf bytes.Buffer
	if err := exampleTmpl.Execute(&buf, cfg); err != nil {
		return nil, fmt.Errorf("render example config: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteExampleConfig atomically writes a commented configuration file to
// path. It refuses to replace an existing file.
func WriteExampleConfig(path string, cfg Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrConfigExists, path)
	}

	data, err := RenderExampleConfig(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return renameio.WriteFile(path, data, 0644)
}
