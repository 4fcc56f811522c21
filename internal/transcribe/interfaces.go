package transcribe

import (
	"context"

	"github.com/TechnicallyShaun/callscribe/internal/transcribe/dispatch"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/engine"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/verify"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/watcher"
)

// FileWatcher emits write-complete events for recordings under a root.
type FileWatcher interface {
	Watch(ctx context.Context, root string) (<-chan watcher.Event, error)
	Stop() error
}

// Transcriber runs the speech-to-text engine for one recording.
type Transcriber interface {
	// Transcribe blocks until the engine exits, writing its output to logPath.
	Transcribe(ctx context.Context, input, outputDir, logPath string) engine.Result
	// Formats lists the artifact extensions requested from the engine.
	Formats() []string
}

// Verifier classifies a finished engine run.
type Verifier interface {
	Verify(result engine.Result, outputDir, baseName string) verify.Report
}

// Dispatcher delivers a job that reached a terminal state.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Delivery, error)
}
