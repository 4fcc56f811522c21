package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// FormatAll requests every artifact the engine can produce.
const FormatAll = "all"

// LanguageAuto leaves language detection to the engine.
const LanguageAuto = "auto"

// AllFormats lists the artifact extensions produced by FormatAll.
var AllFormats = []string{"txt", "vtt", "srt", "tsv", "json"}

// ErrUnknownFormat is returned by Formats for an unsupported output format.
var ErrUnknownFormat = errors.New("unknown output format")

// Formats expands an output_format value into artifact extensions.
func Formats(format string) ([]string, error) {
	if format == FormatAll {
		return append([]string(nil), AllFormats...), nil
	}
	for _, f := range AllFormats {
		if f == format {
			return []string{f}, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

// WhisperConfig holds the engine options passed on every invocation.
type WhisperConfig struct {
	Command      string
	Model        string
	Language     string
	OutputFormat string
	Verbose      bool
	ExtraArgs    []string
	Timeout      time.Duration
}

// Whisper invokes a whisper-compatible CLI:
//
//	<command> <input> --model M --output_dir D --output_format F --verbose True|False [--language L] [extra...]
type Whisper struct {
	config WhisperConfig
	runner Runner
}

// NewWhisper creates a Whisper invoker that runs through runner.
func NewWhisper(config WhisperConfig, runner Runner) *Whisper {
	if config.OutputFormat == "" {
		config.OutputFormat = FormatAll
	}
	return &Whisper{config: config, runner: runner}
}

// Args returns the argument vector for one recording.
func (w *Whisper) Args(input, outputDir string) []string {
	verbose := "False"
	if w.config.Verbose {
		verbose = "True"
	}

	args := []string{
		input,
		"--model", w.config.Model,
		"--output_dir", outputDir,
		"--output_format", w.config.OutputFormat,
		"--verbose", verbose,
	}
	if lang := strings.TrimSpace(w.config.Language); lang != "" && lang != LanguageAuto {
		args = append(args, "--language", lang)
	}
	return append(args, w.config.ExtraArgs...)
}

// Transcribe runs the engine once for input. Output goes to logPath; the
// process runs in outputDir so stray files land next to the artifacts.
func (w *Whisper) Transcribe(ctx context.Context, input, outputDir, logPath string) Result {
	return w.runner.Run(ctx, Command{
		Path:    w.config.Command,
		Args:    w.Args(input, outputDir),
		Dir:     outputDir,
		LogPath: logPath,
		Timeout: w.config.Timeout,
	})
}

// Formats returns the artifact extensions this invoker requests.
func (w *Whisper) Formats() []string {
	formats, err := Formats(w.config.OutputFormat)
	if err != nil {
		return nil
	}
	return formats
}

// ArtifactPath is where the engine writes the artifact with extension ext.
func ArtifactPath(outputDir, baseName, ext string) string {
	return filepath.Join(outputDir, baseName+"."+ext)
}
