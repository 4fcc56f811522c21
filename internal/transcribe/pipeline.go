package transcribe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/TechnicallyShaun/callscribe/internal/transcribe/dispatch"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/engine"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/logging"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/metrics"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/status"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/tracker"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/verify"
)

// diagnosticBytes is how much of the engine output is copied into the log
// for a failed job.
const diagnosticBytes = 2048

// worker drains the queue until it is closed.
func (s *Service) worker(ctx context.Context, id int) {
	log := s.component("worker")
	log.Debug("worker started", logging.Int("worker", id))
	for job := range s.queue.Items() {
		s.process(ctx, job)
	}
	log.Debug("worker stopped", logging.Int("worker", id))
}

// process runs one job to a terminal state. Nothing escapes it: errors and
// panics are logged and the worker moves on.
func (s *Service) process(ctx context.Context, job *Job) {
	log := s.component("pipeline")
	defer s.publishQueue()
	defer s.queue.Release(jobKey(job))
	defer func() {
		if r := recover(); r != nil {
			job.Err = fmt.Errorf("panic: %v", r)
			log.Error("job panicked", job.Err,
				logging.String("job_id", job.ID),
				logging.String("path", job.SourcePath),
				logging.String("stage", job.Stage),
				logging.String("stack", string(debug.Stack())),
			)
			s.abort(ctx, job)
		}
	}()

	if ctx.Err() != nil {
		log.Info("job abandoned at shutdown",
			logging.String("job_id", job.ID),
			logging.String("path", job.SourcePath),
		)
		return
	}

	// A rescan may have queued the path just before another job marked it.
	if done, err := s.tracker.Done(ctx, job.SourcePath); err == nil && done {
		log.Info("recording already complete",
			logging.String("job_id", job.ID),
			logging.String("path", job.SourcePath),
		)
		return
	}

	start := time.Now()
	log.Info("job started",
		logging.String("job_id", job.ID),
		logging.String("path", job.SourcePath),
		logging.String("output_dir", job.OutputDir),
		logging.Duration("waited", start.Sub(job.Detected)),
	)

	job.Stage = StageTranscribe
	result := s.transcribe(ctx, job)
	job.Result = &result

	if result.Canceled {
		// No marker: the recording is picked up again after restart.
		log.Info("job interrupted by shutdown",
			logging.String("job_id", job.ID),
			logging.String("path", job.SourcePath),
		)
		s.removeScratch(job)
		return
	}

	// From here on the job finishes even if shutdown begins.
	ctx = context.WithoutCancel(ctx)

	job.Stage = StageVerify
	report := s.verifier.Verify(result, job.OutputDir, job.BaseName)
	job.Expected = report.Expected
	job.Outcome = report.Outcome
	job.Missing = report.Missing

	var diagnostic string
	if job.Outcome != verify.Verified {
		diagnostic = s.reportFailure(job)
	}

	job.Stage = StageDispatch
	delivery, err := s.dispatcher.Dispatch(ctx, dispatch.Request{
		JobID:      job.ID,
		SourcePath: job.SourcePath,
		BaseName:   job.BaseName,
		OutputDir:  job.OutputDir,
		Outcome:    job.Outcome,
		Missing:    job.Missing,
		Diagnostic: diagnostic,
	})
	job.Delivery = delivery
	metrics.RecordDelivery(deliveryResult(delivery, err))
	if err != nil {
		// At most once: a failed delivery does not hold back the marker.
		job.Err = errors.Join(job.Err, err)
	}

	job.Stage = StageMark
	s.mark(ctx, job, delivery.Sent)

	job.Stage = StageCleanup
	s.removeScratch(job)

	metrics.RecordJob(string(job.Outcome), result.Duration)
	log.Info(status.MsgJobComplete,
		logging.String("job_id", job.ID),
		logging.String("path", job.SourcePath),
		logging.String("outcome", string(job.Outcome)),
		logging.String("output_dir", job.OutputDir),
		logging.Bool("delivered", delivery.Sent),
		logging.Duration("engine", result.Duration),
		logging.Duration("elapsed", time.Since(start)),
	)
}

// mark writes the completion marker. A marker that already exists is only
// logged.
func (s *Service) mark(ctx context.Context, job *Job, delivered bool) {
	log := s.component("pipeline")
	marker := tracker.Marker{
		Path:        job.SourcePath,
		JobID:       job.ID,
		Outcome:     string(job.Outcome),
		Delivered:   delivered,
		CompletedAt: time.Now().UTC(),
	}
	if err := s.tracker.Mark(ctx, marker); err != nil {
		if errors.Is(err, tracker.ErrAlreadyMarked) {
			log.Warn("completion marker already present",
				logging.String("job_id", job.ID),
				logging.String("path", job.SourcePath),
			)
			return
		}
		job.Err = errors.Join(job.Err, err)
		log.Error("failed to write completion marker", err,
			logging.String("job_id", job.ID),
			logging.String("path", job.SourcePath),
			logging.String("stage", job.Stage),
		)
	}
}

// abort ends a job whose stage panicked as failed. The marker is written so a
// recording that panics on every attempt is not picked up by each rescan.
func (s *Service) abort(ctx context.Context, job *Job) {
	defer func() {
		if r := recover(); r != nil {
			s.component("pipeline").Error("cannot finish panicked job", fmt.Errorf("panic: %v", r),
				logging.String("job_id", job.ID),
				logging.String("path", job.SourcePath),
			)
		}
	}()

	job.Outcome = verify.Failed
	s.mark(context.WithoutCancel(ctx), job, job.Delivery.Sent)
	s.removeScratch(job)

	var engineTime time.Duration
	if job.Result != nil {
		engineTime = job.Result.Duration
	}
	metrics.RecordJob(string(verify.Failed), engineTime)
}

// transcribe prepares the output directory and runs the engine. A directory
// that cannot be created fails the job without starting the engine.
func (s *Service) transcribe(ctx context.Context, job *Job) engine.Result {
	if err := os.MkdirAll(job.OutputDir, 0755); err != nil {
		return engine.Result{ExitCode: -1, Err: fmt.Errorf("create output directory: %w", err)}
	}
	return s.transcriber.Transcribe(ctx, job.SourcePath, job.OutputDir, job.ScratchLog)
}

// reportFailure logs a failed or inconsistent job with the tail of the
// engine output and returns that tail.
func (s *Service) reportFailure(job *Job) string {
	diagnostic, _ := engine.Tail(job.ScratchLog, diagnosticBytes)

	stage := StageTranscribe
	err := job.Result.Err
	if job.Outcome == verify.Inconsistent {
		stage = StageVerify
		err = fmt.Errorf("engine exited 0 but %d artifact(s) missing", len(job.Missing))
	} else if err == nil {
		err = fmt.Errorf("engine exit status %d", job.Result.ExitCode)
	}
	job.Err = err

	s.component("pipeline").Error("job failed", err,
		logging.String("job_id", job.ID),
		logging.String("path", job.SourcePath),
		logging.String("stage", stage),
		logging.String("outcome", string(job.Outcome)),
		logging.Int("exit_code", job.Result.ExitCode),
		logging.Bool("timed_out", job.Result.TimedOut),
		logging.Strings("missing", job.Missing),
		logging.String("scratch_log", job.ScratchLog),
		logging.String("diagnostic", diagnostic),
	)
	return diagnostic
}

func (s *Service) removeScratch(job *Job) {
	if err := os.Remove(job.ScratchLog); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.component("pipeline").Warn("failed to remove scratch log",
			logging.String("job_id", job.ID),
			logging.String("scratch_log", job.ScratchLog),
			logging.String("error", err.Error()),
		)
	}
}

func deliveryResult(d dispatch.Delivery, err error) string {
	switch {
	case err != nil:
		return metrics.DeliveryFailed
	case d.Mode == dispatch.ModeLocal:
		return metrics.DeliveryLocal
	case d.Sent:
		return metrics.DeliverySent
	default:
		return metrics.DeliverySkipped
	}
}
