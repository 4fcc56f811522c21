package transcribe

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/TechnicallyShaun/callscribe/internal/transcribe/dispatch"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/engine"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/verify"
)

// Pipeline stages, used in logs to say where a job stopped.
const (
	StageQueue      = "queue"
	StageTranscribe = "transcribe"
	StageVerify     = "verify"
	StageDispatch   = "dispatch"
	StageMark       = "mark"
	StageCleanup    = "cleanup"
)

// Job is one recording moving through the pipeline. It is owned by a single
// worker from dequeue to release.
type Job struct {
	ID         string
	SourcePath string
	// BaseName is the recording file name without its extension; the engine
	// names artifacts after it.
	BaseName   string
	OutputDir  string
	ScratchLog string
	Detected   time.Time

	Stage    string
	Result   *engine.Result
	Expected []string
	Outcome  verify.Outcome
	Missing  []string
	Delivery dispatch.Delivery
	Err      error
}

// NewJob derives the paths for a recording accepted by the filter.
func NewJob(path string, cfg *Config, detected time.Time) *Job {
	id := uuid.New().String()
	name := filepath.Base(path)
	base := strings.TrimSuffix(name, filepath.Ext(name))

	return &Job{
		ID:         id,
		SourcePath: path,
		BaseName:   base,
		OutputDir:  OutputDirFor(path, cfg.WatchDir, cfg.OutputDir),
		ScratchLog: filepath.Join(cfg.ScratchDir, base+"-"+id[:8]+".log"),
		Detected:   detected,
		Stage:      StageQueue,
	}
}

// OutputDirFor returns where artifacts for path are written. With no output
// directory they go next to the recording; otherwise the recording's
// position under the watch root is mirrored.
func OutputDirFor(path, watchDir, outputDir string) string {
	if outputDir == "" {
		return filepath.Dir(path)
	}
	rel, err := filepath.Rel(watchDir, filepath.Dir(path))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return outputDir
	}
	return filepath.Join(outputDir, rel)
}

func jobKey(j *Job) string {
	return j.SourcePath
}
