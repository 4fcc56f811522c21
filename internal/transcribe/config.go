// Package transcribe wires the watch-transcribe-dispatch pipeline: configuration,
// job lifecycle, the worker pool and the service orchestrator.
package transcribe

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/TechnicallyShaun/callscribe/internal/transcribe/engine"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/logging"
)

// Delivery modes
const (
	DeliveryLocal  = "local"
	DeliveryNotify = "notify"
)

// Tracker backends
const (
	TrackerMarker = "marker"
	TrackerSQLite = "sqlite"
)

// RescanOff disables the periodic rescan when used as rescan_schedule.
const RescanOff = "off"

// Config is the daemon configuration. It is loaded once at startup and passed
// explicitly to every component.
type Config struct {
	WatchDir        string          `yaml:"watch_dir"`
	RecordingSuffix string          `yaml:"recording_suffix"`
	MinSizeBytes    int64           `yaml:"min_size_bytes"`
	SkipAudioCheck  bool            `yaml:"skip_audio_check"`
	OutputDir       string          `yaml:"output_dir"`
	ScratchDir      string          `yaml:"scratch_dir"`
	Workers         int             `yaml:"workers"`
	QueueSize       int             `yaml:"queue_size"`
	RescanSchedule  string          `yaml:"rescan_schedule"`
	PIDFile         string          `yaml:"pid_file"`
	MetricsAddr     string          `yaml:"metrics_addr"`
	Settle          SettleConfig    `yaml:"settle"`
	Engine          EngineConfig    `yaml:"engine"`
	Tracker         TrackerConfig   `yaml:"tracker"`
	Delivery        DeliveryConfig  `yaml:"delivery"`
	Directory       DirectoryConfig `yaml:"directory"`
	Log             LogConfig       `yaml:"log"`
}

// SettleConfig controls write-complete detection.
type SettleConfig struct {
	// Quiet is how long a file must go untouched before a rescan offers it
	// directly. Off Linux the watcher uses it too, having no close event.
	Quiet time.Duration `yaml:"quiet"`
	// Interval and Checks drive the size poll used by rescans.
	Interval time.Duration `yaml:"interval"`
	Checks   int           `yaml:"checks"`
	Timeout  time.Duration `yaml:"timeout"`
}

// EngineConfig describes the external speech-to-text command.
type EngineConfig struct {
	Command           string        `yaml:"command"`
	Model             string        `yaml:"model"`
	Language          string        `yaml:"language"`
	OutputFormat      string        `yaml:"output_format"`
	RequiredArtifacts []string      `yaml:"required_artifacts"`
	Verbose           bool          `yaml:"verbose"`
	ExtraArgs         []string      `yaml:"extra_args"`
	Timeout           time.Duration `yaml:"timeout"`
}

// TrackerConfig selects where completion markers live.
type TrackerConfig struct {
	Backend string `yaml:"backend"`
	// Dir mirrors marker files under a separate tree instead of next to recordings.
	Dir string `yaml:"dir"`
	// Path is the database file for the sqlite backend.
	Path string `yaml:"path"`
}

// DeliveryConfig controls the dispatcher.
type DeliveryConfig struct {
	Mode           string        `yaml:"mode"`
	From           string        `yaml:"from"`
	ArchiveAddress string        `yaml:"archive_address"`
	Subject        string        `yaml:"subject"`
	ExtensionField int           `yaml:"extension_field"`
	Attach         []string      `yaml:"attach"`
	NotifyFailures *bool         `yaml:"notify_failures"`
	RatePerMinute  int           `yaml:"rate_per_minute"`
	Retry          RetryConfig   `yaml:"retry"`
	SMTP           SMTPConfig    `yaml:"smtp"`
	Timeout        time.Duration `yaml:"timeout"`
}

// FailureNotices reports whether failed and inconsistent jobs are sent to
// the archive address. Unset means yes.
func (d DeliveryConfig) FailureNotices() bool {
	return d.NotifyFailures == nil || *d.NotifyFailures
}

// RetryConfig bounds connection-level mail retries.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Backoff  time.Duration `yaml:"backoff"`
}

// SMTPConfig points at the mail relay.
type SMTPConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	TLS      string        `yaml:"tls"`
	Timeout  time.Duration `yaml:"timeout"`
}

// DirectoryConfig configures extension to address lookup.
type DirectoryConfig struct {
	Static map[string]string `yaml:"static"`
	SQL    SQLConfig         `yaml:"sql"`
}

// SQLConfig is an optional relational directory source.
type SQLConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Query  string `yaml:"query"`
}

// LogConfig configures the daemon log.
type LogConfig struct {
	Dir           string `yaml:"dir"`
	Prefix        string `yaml:"prefix"`
	RetentionDays int    `yaml:"retention_days"`
	Level         string `yaml:"level"`
}

// Validation errors
var (
	ErrWatchDirRequired       = errors.New("watch_dir is required")
	ErrEngineCommandRequired  = errors.New("engine.command is required")
	ErrInvalidOutputFormat    = errors.New("invalid engine.output_format")
	ErrInvalidRequired        = errors.New("invalid engine.required_artifacts")
	ErrInvalidDeliveryMode    = errors.New("invalid delivery.mode")
	ErrArchiveAddressRequired = errors.New("delivery.archive_address is required in notify mode")
	ErrInvalidTrackerBackend  = errors.New("invalid tracker.backend")
	ErrInvalidWorkers         = errors.New("workers must be at least 1")
	ErrInvalidSMTPTLS         = errors.New("invalid delivery.smtp.tls")
	ErrSQLQueryRequired       = errors.New("directory.sql.query is required when directory.sql.dsn is set")
)

// DefaultConfig returns a configuration holding every default value. WatchDir
// is left empty; it has no sensible default.
func DefaultConfig() Config {
	return Config{
		RecordingSuffix: ".wav",
		MinSizeBytes:    5120,
		ScratchDir:      filepath.Join(os.TempDir(), "callscribe"),
		Workers:         1,
		QueueSize:       256,
		RescanSchedule:  "@every 30m",
		PIDFile:         "~/.callscribe/callscribe.pid",
		Settle: SettleConfig{
			Quiet:    2 * time.Second,
			Interval: time.Second,
			Checks:   3,
			Timeout:  5 * time.Minute,
		},
		Engine: EngineConfig{
			Command:      "whisper",
			Model:        "base",
			Language:     "en",
			OutputFormat: engine.FormatAll,
			Timeout:      30 * time.Minute,
		},
		Tracker: TrackerConfig{
			Backend: TrackerMarker,
			Path:    "~/.callscribe/completions.db",
		},
		Delivery: DeliveryConfig{
			Mode:           DeliveryLocal,
			From:           "callscribe@localhost",
			Subject:        "Call recording transcript: {{.Recording}}",
			ExtensionField: 1,
			Attach:         []string{"srt"},
			NotifyFailures: ptr(true),
			RatePerMinute:  30,
			Timeout:        time.Minute,
			Retry: RetryConfig{
				Attempts: 3,
				Backoff:  2 * time.Second,
			},
			SMTP: SMTPConfig{
				Host:    "localhost",
				Port:    25,
				TLS:     "opportunistic",
				Timeout: 30 * time.Second,
			},
		},
		Directory: DirectoryConfig{
			SQL: SQLConfig{Driver: "sqlite"},
		},
		Log: LogConfig{
			Dir:           "~/.callscribe/logs",
			Prefix:        "callscribe",
			RetentionDays: 30,
			Level:         "info",
		},
	}
}

// Load reads a YAML configuration file, applies defaults and expands ~ in
// path fields. Relative paths are taken relative to the file's directory, so
// recordings are always keyed by absolute path. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	cfg.expandPaths()
	if err := cfg.resolvePaths(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills every empty or zero field from DefaultConfig. Required
// artifacts default to txt and srt for "all", otherwise the requested format.
func (c *Config) ApplyDefaults() error {
	if err := mergo.Merge(c, DefaultConfig()); err != nil {
		return fmt.Errorf("apply defaults: %w", err)
	}
	if len(c.Engine.RequiredArtifacts) == 0 {
		if c.Engine.OutputFormat == engine.FormatAll {
			c.Engine.RequiredArtifacts = []string{"txt", "srt"}
		} else {
			c.Engine.RequiredArtifacts = []string{c.Engine.OutputFormat}
		}
	}
	if !strings.HasPrefix(c.RecordingSuffix, ".") {
		c.RecordingSuffix = "." + c.RecordingSuffix
	}
	return nil
}

// Validate checks that required fields are present and enumerations hold
// known values.
func (c *Config) Validate() error {
	if c.WatchDir == "" {
		return ErrWatchDirRequired
	}
	if c.Workers < 1 {
		return ErrInvalidWorkers
	}
	if c.Engine.Command == "" {
		return ErrEngineCommandRequired
	}

	formats, err := engine.Formats(c.Engine.OutputFormat)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidOutputFormat, c.Engine.OutputFormat)
	}
	for _, req := range c.Engine.RequiredArtifacts {
		if !contains(formats, req) {
			return fmt.Errorf("%w: %q is not produced by output_format %q", ErrInvalidRequired, req, c.Engine.OutputFormat)
		}
	}

	switch c.Delivery.Mode {
	case DeliveryLocal:
	case DeliveryNotify:
		if c.Delivery.ArchiveAddress == "" {
			return ErrArchiveAddressRequired
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidDeliveryMode, c.Delivery.Mode)
	}

	switch c.Delivery.SMTP.TLS {
	case "opportunistic", "mandatory", "none":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSMTPTLS, c.Delivery.SMTP.TLS)
	}

	switch c.Tracker.Backend {
	case TrackerMarker, TrackerSQLite:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTrackerBackend, c.Tracker.Backend)
	}

	if c.Directory.SQL.DSN != "" && c.Directory.SQL.Query == "" {
		return ErrSQLQueryRequired
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// LoggingConfig converts the log section into a logging.Config.
func (c *Config) LoggingConfig() logging.Config {
	level, _ := logging.ParseLevel(c.Log.Level)
	return logging.Config{
		LogDir:        c.Log.Dir,
		Prefix:        c.Log.Prefix,
		RetentionDays: c.Log.RetentionDays,
	}.WithMinLevel(level)
}

// expandPaths expands ~ to the user's home directory in path fields.
func (c *Config) expandPaths() {
	c.WatchDir = expandTilde(c.WatchDir)
	c.OutputDir = expandTilde(c.OutputDir)
	c.ScratchDir = expandTilde(c.ScratchDir)
	c.PIDFile = expandTilde(c.PIDFile)
	c.Tracker.Dir = expandTilde(c.Tracker.Dir)
	c.Tracker.Path = expandTilde(c.Tracker.Path)
	c.Log.Dir = expandTilde(c.Log.Dir)
}

// resolvePaths makes relative path fields absolute against base.
func (c *Config) resolvePaths(base string) error {
	base, err := filepath.Abs(base)
	if err != nil {
		return fmt.Errorf("resolve config directory: %w", err)
	}
	for _, p := range []*string{
		&c.WatchDir, &c.OutputDir, &c.ScratchDir, &c.PIDFile,
		&c.Tracker.Dir, &c.Tracker.Path, &c.Log.Dir,
	} {
		if *p == "" || filepath.IsAbs(*p) || strings.HasPrefix(*p, "~") {
			continue
		}
		*p = filepath.Join(base, *p)
	}
	return nil
}

// expandTilde expands ~ at the beginning of a path to the user's home directory.
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func ptr[T any](v T) *T { return &v }
