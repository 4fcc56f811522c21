package status

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/TechnicallyShaun/callscribe/internal/transcribe/logging"
)

func TestParseLogFile_Empty(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "callscribe-test.log")
	os.WriteFile(logPath, []byte(""), 0644)

	stats, err := ParseLogFile(logPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Jobs != 0 {
		t.Errorf("expected 0 jobs, got %d", stats.Jobs)
	}
	if stats.Errors != 0 {
		t.Errorf("expected 0 errors, got %d", stats.Errors)
	}
	if stats.LastJob != nil {
		t.Error("expected LastJob to be nil")
	}
}

func TestParseLogFile_NonExistent(t *testing.T) {
	stats, err := ParseLogFile("/nonexistent/path/callscribe.log")
	if err != nil {
		t.Fatalf("unexpected error for nonexistent file: %v", err)
	}
	if stats.Jobs != 0 {
		t.Errorf("expected 0 jobs, got %d", stats.Jobs)
	}
}

func TestParseLogFile_WithJobs(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "callscribe-test.log")

	logContent := `{"level":"info","component":"service","watch_dir":"/var/spool/calls","time":"2026-01-22T10:00:00Z","message":"service started"}
{"level":"info","component":"pipeline","job_id":"a1","path":"/var/spool/calls/exten-123-1.wav","time":"2026-01-22T10:00:01Z","message":"job started"}
{"level":"info","component":"pipeline","job_id":"a1","path":"/var/spool/calls/exten-123-1.wav","outcome":"verified","output_dir":"/srv/transcripts","time":"2026-01-22T10:00:06Z","message":"job complete"}
{"level":"info","component":"filter","path":"/var/spool/calls/tiny.wav","reason":"too-small","time":"2026-01-22T10:30:00Z","message":"recording skipped"}
{"level":"error","component":"pipeline","job_id":"b2","path":"/var/spool/calls/exten-200-2.wav","stage":"transcribe","error":"exit status 1","time":"2026-01-22T11:00:05Z","message":"job failed"}
{"level":"info","component":"pipeline","job_id":"b2","path":"/var/spool/calls/exten-200-2.wav","outcome":"failed","output_dir":"/srv/transcripts/b","time":"2026-01-22T11:00:10Z","message":"job complete"}
not json at all
`
	os.WriteFile(logPath, []byte(logContent), 0644)

	stats, err := ParseLogFile(logPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stats.Jobs != 2 {
		t.Errorf("expected 2 jobs, got %d", stats.Jobs)
	}
	if stats.Outcomes["verified"] != 1 || stats.Outcomes["failed"] != 1 {
		t.Errorf("unexpected outcomes %v", stats.Outcomes)
	}
	if stats.Skipped != 1 {
		t.Errorf("expected 1 skipped, got %d", stats.Skipped)
	}
	if stats.Errors != 1 {
		t.Errorf("expected 1 error, got %d", stats.Errors)
	}

	if stats.LastJob == nil {
		t.Fatal("expected LastJob to be non-nil")
	}
	expectedTime, _ := time.Parse(time.RFC3339, "2026-01-22T11:00:10Z")
	if !stats.LastJob.Timestamp.Equal(expectedTime) {
		t.Errorf("expected timestamp %v, got %v", expectedTime, stats.LastJob.Timestamp)
	}
	if stats.LastJob.Path != "/var/spool/calls/exten-200-2.wav" {
		t.Errorf("unexpected path %s", stats.LastJob.Path)
	}
	if stats.LastJob.Outcome != "failed" || stats.LastJob.JobID != "b2" {
		t.Errorf("unexpected last job %+v", stats.LastJob)
	}
	if stats.LastJob.Output != "/srv/transcripts/b" {
		t.Errorf("unexpected output %s", stats.LastJob.Output)
	}
}

func TestParseLogFile_DeliveryFailures(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "callscribe-test.log")
	logContent := `{"level":"error","component":"dispatch","error":"dial tcp: connection refused","path":"/a.wav","time":"2026-01-22T10:00:00Z","message":"delivery failed"}
{"level":"error","component":"dispatch","error":"550 rejected","path":"/b.wav","time":"2026-01-22T10:01:00Z","message":"delivery failed"}
`
	os.WriteFile(logPath, []byte(logContent), 0644)

	stats, err := ParseLogFile(logPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.DeliveryFailures != 2 {
		t.Errorf("expected 2 delivery failures, got %d", stats.DeliveryFailures)
	}
	if stats.Errors != 2 {
		t.Errorf("expected 2 errors, got %d", stats.Errors)
	}
}

func TestParseDay_ReadsLoggerOutput(t *testing.T) {
	cfg := logging.Config{LogDir: t.TempDir(), Prefix: "callscribe"}
	logger, err := logging.New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.WithComponent("pipeline").Info(MsgJobComplete,
		logging.String("job_id", "c3"),
		logging.String("path", "/var/spool/calls/exten-1-1.wav"),
		logging.String("outcome", "verified"),
	)
	logger.Error("boom", nil)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	stats, err := ParseDay(cfg, time.Now())
	if err != nil {
		t.Fatalf("ParseDay failed: %v", err)
	}
	if stats.Jobs != 1 || stats.Errors != 1 {
		t.Errorf("expected 1 job and 1 error, got %d and %d", stats.Jobs, stats.Errors)
	}
	if stats.LastJob == nil || stats.LastJob.JobID != "c3" {
		t.Errorf("unexpected last job %+v", stats.LastJob)
	}
}

func TestBaseName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"/path/to/file.wav", "file.wav"},
		{"/path/to/file", "file"},
		{"file.wav", "file.wav"},
		{"/path/to/dir/", "dir"},
	}

	for _, tc := range tests {
		result := BaseName(tc.input)
		if result != tc.expected {
			t.Errorf("BaseName(%q) = %q, expected %q", tc.input, result, tc.expected)
		}
	}
}

func TestFormatTimestamp(t *testing.T) {
	ts, _ := time.Parse(time.RFC3339, "2026-01-22T14:30:00Z")
	if FormatTimestamp(ts) == "" {
		t.Error("expected non-empty formatted timestamp")
	}
}
