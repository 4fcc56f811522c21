package metadata

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/TechnicallyShaun/callscribe/internal/testutil"
)

func TestReadWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exten-123-20240101.wav")
	testutil.WriteWAV(t, path, 8000, 3*time.Second)

	info, err := ReadWAV(path)
	if err != nil {
		t.Fatalf("ReadWAV failed: %v", err)
	}

	if info.SampleRate != 8000 {
		t.Errorf("expected sample rate 8000, got %d", info.SampleRate)
	}
	if info.Channels != 1 {
		t.Errorf("expected mono, got %d channels", info.Channels)
	}
	if info.BitDepth != 16 {
		t.Errorf("expected 16-bit, got %d", info.BitDepth)
	}
	if info.Duration != 3*time.Second {
		t.Errorf("expected 3s, got %v", info.Duration)
	}
}

func TestReadWAV_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-audio.wav")
	if err := os.WriteFile(path, []byte("this is not a wav file at all"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	_, err := ReadWAV(path)
	if !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("expected ErrInvalidFormat, got %v", err)
	}
}

func TestReadWAV_MissingFile(t *testing.T) {
	_, err := ReadWAV(filepath.Join(t.TempDir(), "missing.wav"))
	if !os.IsNotExist(err) {
		t.Errorf("expected not exist error, got %v", err)
	}
}
