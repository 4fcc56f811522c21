package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
)

// Level represents a log severity level
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a config string ("debug", "info", "warn", "error") to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value any
}

// String creates a string field
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Strings creates a string list field
func Strings(key string, value []string) Field {
	return Field{Key: key, Value: value}
}

// Int creates an integer field
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Int64 creates an int64 field
func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

// Bool creates a boolean field
func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

// Duration creates a duration field
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

// Logger handles structured logging
type Logger interface {
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, err error, fields ...Field)
	Debug(msg string, fields ...Field)
}

// Config configures the logger
type Config struct {
	// LogDir is the directory where log files are stored (default: ~/.callscribe/logs)
	LogDir string
	// Prefix is the log file prefix (e.g., "callscribe" produces callscribe-YYYY-MM-DD.log)
	Prefix string
	// RetentionDays is the number of days to retain old log files (default: 30)
	RetentionDays int
	// Component is attached to every line as the "component" field
	Component string
	// MinLevel is the minimum log level to write (default: LevelInfo)
	MinLevel Level
	// Console, when set, receives a human-readable copy of every line
	Console io.Writer
	// minLevelSet tracks whether MinLevel was explicitly configured
	minLevelSet bool
}

// WithMinLevel returns a copy of Config with the specified minimum log level
func (c Config) WithMinLevel(level Level) Config {
	c.MinLevel = level
	c.minLevelSet = true
	return c
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	homeDir, _ := os.UserHomeDir()
	return Config{
		LogDir:        filepath.Join(homeDir, ".callscribe", "logs"),
		Prefix:        "callscribe",
		RetentionDays: 30,
		MinLevel:      LevelInfo,
	}
}

var utcOnce sync.Once

// FileLogger writes JSON lines to a daily log file. Writes are handed to a
// diode buffer so a slow disk never stalls the caller.
type FileLogger struct {
	config Config
	zl     zerolog.Logger
	sink   io.Closer
	file   *rotatingFile
	root   bool
}

// New creates a new FileLogger with the given configuration
func New(config Config) (*FileLogger, error) {
	if config.LogDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		config.LogDir = filepath.Join(homeDir, ".callscribe", "logs")
	}
	if config.Prefix == "" {
		config.Prefix = "callscribe"
	}
	if config.RetentionDays <= 0 {
		config.RetentionDays = 30
	}
	if !config.minLevelSet {
		config.MinLevel = LevelInfo
	}

	if err := os.MkdirAll(config.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	utcOnce.Do(func() {
		zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
	})

	rf := &rotatingFile{dir: config.LogDir, prefix: config.Prefix}
	if err := rf.rotateIfNeeded(); err != nil {
		return nil, err
	}

	sink := diode.NewWriter(rf, 4096, 10*time.Millisecond, func(missed int) {
		fmt.Fprintf(os.Stderr, "callscribe: logger dropped %d messages\n", missed)
	})

	var out io.Writer = sink
	if config.Console != nil {
		out = zerolog.MultiLevelWriter(sink, zerolog.ConsoleWriter{Out: config.Console, TimeFormat: "15:04:05"})
	}

	zctx := zerolog.New(out).Level(config.MinLevel.zerolog()).With().Timestamp()
	if config.Component != "" {
		zctx = zctx.Str("component", config.Component)
	}

	logger := &FileLogger{
		config: config,
		zl:     zctx.Logger(),
		sink:   sink,
		file:   rf,
		root:   true,
	}

	if err := cleanOldLogs(config.LogDir, config.Prefix, config.RetentionDays); err != nil {
		logger.Error("failed to clean old logs", err)
	}

	return logger, nil
}

// Info logs an informational message
func (l *FileLogger) Info(msg string, fields ...Field) {
	addFields(l.zl.Info(), fields).Msg(msg)
}

// Warn logs a warning
func (l *FileLogger) Warn(msg string, fields ...Field) {
	addFields(l.zl.Warn(), fields).Msg(msg)
}

// Error logs an error message
func (l *FileLogger) Error(msg string, err error, fields ...Field) {
	e := l.zl.Error()
	if err != nil {
		e = e.Err(err)
	}
	addFields(e, fields).Msg(msg)
}

// Debug logs a debug message
func (l *FileLogger) Debug(msg string, fields ...Field) {
	addFields(l.zl.Debug(), fields).Msg(msg)
}

// Close flushes pending lines and closes the log file. Loggers derived with
// WithComponent share the file; closing them is a no-op.
func (l *FileLogger) Close() error {
	if !l.root {
		return nil
	}
	return l.sink.Close()
}

// WithComponent returns a logger that tags every line with the component name
func (l *FileLogger) WithComponent(component string) *FileLogger {
	newConfig := l.config
	newConfig.Component = component
	return &FileLogger{
		config: newConfig,
		zl:     l.zl.With().Str("component", component).Logger(),
		sink:   l.sink,
		file:   l.file,
	}
}

// LogPath returns the path to the current log file
func (l *FileLogger) LogPath() string {
	return l.file.path()
}

func addFields(e *zerolog.Event, fields []Field) *zerolog.Event {
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			e = e.Str(f.Key, v)
		case []string:
			e = e.Strs(f.Key, v)
		case int:
			e = e.Int(f.Key, v)
		case int64:
			e = e.Int64(f.Key, v)
		case float64:
			e = e.Float64(f.Key, v)
		case bool:
			e = e.Bool(f.Key, v)
		case time.Duration:
			e = e.Str(f.Key, v.String())
		case time.Time:
			e = e.Time(f.Key, v)
		case error:
			e = e.AnErr(f.Key, v)
		default:
			e = e.Interface(f.Key, v)
		}
	}
	return e
}

// rotatingFile is an append-only writer that switches to a new file when the
// UTC date changes.
type rotatingFile struct {
	dir         string
	prefix      string
	mu          sync.Mutex
	file        *os.File
	currentDate string
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.rotateIfNeeded(); err != nil {
		fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
		return 0, err
	}
	return r.file.Write(p)
}

func (r *rotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func (r *rotatingFile) path() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		return r.file.Name()
	}
	return FilePath(r.dir, r.prefix, time.Now())
}

func (r *rotatingFile) rotateIfNeeded() error {
	today := time.Now().UTC().Format("2006-01-02")

	if r.currentDate == today && r.file != nil {
		return nil
	}

	if r.file != nil {
		r.file.Close()
		r.file = nil
	}

	file, err := os.OpenFile(FilePath(r.dir, r.prefix, time.Now()), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	r.file = file
	r.currentDate = today
	return nil
}

// FilePath returns the log file path for the given day.
func FilePath(dir, prefix string, day time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%s.log", prefix, day.UTC().Format("2006-01-02")))
}

func cleanOldLogs(dir, prefix string, retentionDays int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read log directory: %w", err)
	}

	prefix += "-"
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	var toDelete []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".log") {
			continue
		}

		// prefix-YYYY-MM-DD.log
		dateStr := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".log")

		logDate, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			continue
		}

		if logDate.Before(cutoff) {
			toDelete = append(toDelete, filepath.Join(dir, name))
		}
	}

	sort.Strings(toDelete)

	for _, path := range toDelete {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove old log file %s: %w", path, err)
		}
	}

	return nil
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Info(string, ...Field)         {}
func (nopLogger) Warn(string, ...Field)         {}
func (nopLogger) Error(string, error, ...Field) {}
func (nopLogger) Debug(string, ...Field)        {}
