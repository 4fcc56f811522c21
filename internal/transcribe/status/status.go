// Package status summarizes daemon activity from its JSON log files.
package status

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/TechnicallyShaun/callscribe/internal/transcribe/logging"
)

// Log messages the summary is built from.
const (
	MsgJobComplete      = "job complete"
	MsgRecordingSkipped = "recording skipped"
	MsgDeliveryFailed   = "delivery failed"
)

// Stats holds parsed statistics from the log file.
type Stats struct {
	Jobs             int
	Outcomes         map[string]int
	Skipped          int
	DeliveryFailures int
	Errors           int
	LastJob          *JobRecord
}

// JobRecord describes the most recent finished job.
type JobRecord struct {
	Timestamp time.Time
	JobID     string
	Path      string
	Outcome   string
	Output    string
}

// line is the subset of a zerolog JSON line we care about.
type line struct {
	Level     string    `json:"level"`
	Time      time.Time `json:"time"`
	Message   string    `json:"message"`
	JobID     string    `json:"job_id"`
	Path      string    `json:"path"`
	Outcome   string    `json:"outcome"`
	OutputDir string    `json:"output_dir"`
}

// ParseDay parses the log file the daemon wrote on day.
func ParseDay(cfg logging.Config, day time.Time) (*Stats, error) {
	return ParseLogFile(logging.FilePath(cfg.LogDir, cfg.Prefix, day))
}

// ParseLogFile parses a log file and returns statistics.
// Returns empty stats if the file doesn't exist. Lines that are not JSON
// are ignored.
func ParseLogFile(path string) (*Stats, error) {
	stats := &Stats{Outcomes: map[string]int{}}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var l line
		if err := json.Unmarshal(scanner.Bytes(), &l); err != nil {
			continue
		}

		if l.Level == "error" {
			stats.Errors++
		}

		switch l.Message {
		case MsgJobComplete:
			stats.Jobs++
			stats.Outcomes[l.Outcome]++
			stats.LastJob = &JobRecord{
				Timestamp: l.Time,
				JobID:     l.JobID,
				Path:      l.Path,
				Outcome:   l.Outcome,
				Output:    l.OutputDir,
			}
		case MsgRecordingSkipped:
			stats.Skipped++
		case MsgDeliveryFailed:
			stats.DeliveryFailures++
		}
	}

	return stats, scanner.Err()
}

// FormatTimestamp formats a timestamp for display.
func FormatTimestamp(t time.Time) string {
	return t.Local().Format("2006-01-02T15:04:05")
}

// BaseName returns just the filename from a path.
func BaseName(path string) string {
	return filepath.Base(strings.TrimSuffix(path, "/"))
}
