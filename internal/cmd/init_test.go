package cmd

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/TechnicallyShaun/callscribe/internal/transcribe"
)

func TestInitCmd_RejectsExtraArguments(t *testing.T) {
	cmd := NewInitCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"a.yaml", "b.yaml"})
	if err := cmd.Execute(); err == nil {
		t.Error("expected error with two path arguments")
	}
}

func TestInitCmd_WritesDefaultFileInWorkingDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	originalWd, _ := os.Getwd()
	defer os.Chdir(originalWd)
	os.Chdir(tmpDir)

	var buf bytes.Buffer
	cmd := NewInitCmd()
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if _, err := os.Stat(filepath.Join(tmpDir, transcribe.ConfigFileName)); err != nil {
		t.Errorf("expected %s to be created: %v", transcribe.ConfigFileName, err)
	}
	if !strings.Contains(buf.String(), "Set watch_dir") {
		t.Errorf("expected a reminder to set watch_dir, got: %q", buf.String())
	}
}

func TestInitCmd_WatchDirFlagProducesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "callscribe.yaml")

	var buf bytes.Buffer
	cmd := NewInitCmd()
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"--watch-dir", "/var/spool/asterisk/monitor", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	cfg, err := transcribe.Load(path)
	if err != nil {
		t.Fatalf("expected written config to load, got: %v", err)
	}
	if cfg.WatchDir != "/var/spool/asterisk/monitor" {
		t.Errorf("expected watch dir to be set, got %q", cfg.WatchDir)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected written config to validate, got: %v", err)
	}
	if strings.Contains(buf.String(), "Set watch_dir") {
		t.Errorf("did not expect a watch_dir reminder, got: %q", buf.String())
	}
}

func TestInitCmd_ReturnsErrorWhenFileExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "callscribe.yaml")
	os.WriteFile(path, []byte("watch_dir: /keep\n"), 0644)

	cmd := NewInitCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{path})
	err := cmd.Execute()
	if !errors.Is(err, transcribe.ErrConfigExists) {
		t.Errorf("expected ErrConfigExists, got: %v", err)
	}

	data, _ := os.ReadFile(path)
	if string(data) != "watch_dir: /keep\n" {
		t.Errorf("existing file was modified: %q", data)
	}
}
