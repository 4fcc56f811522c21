package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TechnicallyShaun/callscribe/internal/transcribe/directory"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/dispatch"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/engine"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/filter"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/logging"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/mailer"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/metrics"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/pidfile"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/queue"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/rescan"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/stabilizer"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/tracker"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/verify"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/watcher"
)

// shutdownTimeout bounds the metrics server shutdown.
const shutdownTimeout = 5 * time.Second

// Service orchestrates the watch-transcribe-dispatch pipeline.
type Service struct {
	config     *Config
	logger     *logging.FileLogger
	ownsLogger bool

	watcher     FileWatcher
	filter      *filter.Filter
	queue       *queue.Queue[*Job]
	transcriber Transcriber
	verifier    Verifier
	dispatcher  Dispatcher
	tracker     tracker.Tracker
	directory   directory.Directory
	scanner     *rescan.Scanner
	sender      mailer.Sender

	started time.Time
}

// Option overrides a collaborator, mostly for tests.
type Option func(*Service)

// WithLogger uses logger instead of opening the configured log. The caller
// keeps ownership and closes it.
func WithLogger(logger *logging.FileLogger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithTranscriber replaces the engine invoker.
func WithTranscriber(t Transcriber) Option {
	return func(s *Service) { s.transcriber = t }
}

// WithDispatcher replaces the dispatcher.
func WithDispatcher(d Dispatcher) Option {
	return func(s *Service) { s.dispatcher = d }
}

// WithSender replaces the SMTP transport used by the dispatcher.
func WithSender(sender mailer.Sender) Option {
	return func(s *Service) { s.sender = sender }
}

// WithWatcher replaces the filesystem watcher.
func WithWatcher(w FileWatcher) Option {
	return func(s *Service) { s.watcher = w }
}

// NewService validates cfg and builds every component. Backends opened here
// are released by Close, or by Run when it returns.
func NewService(cfg *Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if _, err := rescan.ParseSchedule(cfg.RescanSchedule); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Service{config: cfg}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		logger, err := logging.New(cfg.LoggingConfig())
		if err != nil {
			return nil, fmt.Errorf("create logger: %w", err)
		}
		s.logger = logger
		s.ownsLogger = true
	}

	if err := s.build(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// NewConsoleLogger opens the configured log with a human-readable mirror on
// console, for foreground runs.
func NewConsoleLogger(cfg *Config, console io.Writer) (*logging.FileLogger, error) {
	lc := cfg.LoggingConfig()
	lc.Console = console
	return logging.New(lc)
}

func (s *Service) build() error {
	cfg := s.config

	tr, err := OpenTracker(cfg)
	if err != nil {
		return err
	}
	s.tracker = tr

	dir, err := openDirectory(cfg)
	if err != nil {
		return err
	}
	s.directory = dir

	if s.transcriber == nil {
		s.transcriber = engine.NewWhisper(engine.WhisperConfig{
			Command:      cfg.Engine.Command,
			Model:        cfg.Engine.Model,
			Language:     cfg.Engine.Language,
			OutputFormat: cfg.Engine.OutputFormat,
			Verbose:      cfg.Engine.Verbose,
			ExtraArgs:    cfg.Engine.ExtraArgs,
			Timeout:      cfg.Engine.Timeout,
		}, engine.NewExecRunner())
	}
	s.verifier = verify.New(s.transcriber.Formats(), cfg.Engine.RequiredArtifacts)

	if s.dispatcher == nil {
		if s.sender == nil {
			s.sender = newSender(cfg, s.component("mailer"))
		}
		d, err := dispatch.New(dispatchConfig(cfg), dir, s.sender, s.component("dispatch"))
		if err != nil {
			return fmt.Errorf("create dispatcher: %w", err)
		}
		s.dispatcher = d
	}

	s.filter = filter.New(filter.Options{
		Suffix:     cfg.RecordingSuffix,
		MinSize:    cfg.MinSizeBytes,
		SniffAudio: !cfg.SkipAudioCheck,
		ScratchDir: cfg.ScratchDir,
		Logger:     s.component("filter"),
	}, s.tracker)

	s.queue = queue.New(cfg.QueueSize, jobKey)

	s.scanner = rescan.New(rescan.Options{
		Root:   cfg.WatchDir,
		Suffix: cfg.RecordingSuffix,
		Quiet:  cfg.Settle.Quiet,
		Poller: stabilizer.NewPoller(cfg.Settle.Interval, cfg.Settle.Checks, cfg.Settle.Timeout),
		Offer: func(ctx context.Context, path string) {
			s.intake(ctx, path, metrics.SourceRescan)
		},
		Logger: s.component("rescan"),
	})

	if s.watcher == nil {
		s.watcher = watcher.New(watcher.Options{
			Suffix: cfg.RecordingSuffix,
			Quiet:  cfg.Settle.Quiet,
			Logger: s.component("watcher"),
			OnOverflow: func() {
				metrics.WatchOverflowsTotal.Inc()
				s.scanner.Trigger()
			},
		})
	}
	return nil
}

// Run starts the service and blocks until ctx is canceled or SIGINT/SIGTERM
// arrives. Startup failures are returned before any recording is touched.
func (s *Service) Run(ctx context.Context) error {
	defer s.Close()

	if err := Preflight(s.config); err != nil {
		s.logger.Error("preflight failed", err)
		return err
	}

	if err := pidfile.Acquire(s.config.PIDFile); err != nil {
		s.logger.Error("cannot acquire PID file", err, logging.String("pid_file", s.config.PIDFile))
		return err
	}
	defer func() {
		if err := pidfile.Remove(s.config.PIDFile); err != nil {
			s.logger.Error("failed to remove PID file", err)
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.started = time.Now()
	s.logger.Info("service starting",
		logging.String("watch_dir", s.config.WatchDir),
		logging.String("output_dir", s.config.OutputDir),
		logging.String("engine", s.config.Engine.Command),
		logging.String("model", s.config.Engine.Model),
		logging.String("delivery", s.config.Delivery.Mode),
		logging.String("tracker", s.config.Tracker.Backend),
		logging.Int("workers", s.config.Workers),
	)

	events, err := s.watcher.Watch(ctx, s.config.WatchDir)
	if err != nil {
		s.logger.Error("cannot establish watch", err, logging.String("watch_dir", s.config.WatchDir))
		return fmt.Errorf("%w: %v", ErrWatchDirUnreachable, err)
	}

	var srv *metrics.Server
	if s.config.MetricsAddr != "" {
		srv, err = metrics.Listen(s.config.MetricsAddr, metrics.NewRouter(s.health), s.component("metrics"))
		if err != nil {
			s.watcher.Stop()
			s.logger.Error("cannot start metrics server", err)
			return err
		}
	}

	var g errgroup.Group
	for i := 0; i < s.config.Workers; i++ {
		id := i
		g.Go(func() error {
			s.worker(ctx, id)
			return nil
		})
	}
	g.Go(func() error {
		return s.scanner.Run(ctx, s.config.RescanSchedule)
	})
	if srv != nil {
		g.Go(srv.Serve)
	}

	// Recover recordings that arrived while the daemon was down.
	s.scanner.Trigger()

	loopErr := s.watchLoop(ctx, events)

	s.logger.Info("service stopping")
	if err := s.watcher.Stop(); err != nil {
		s.logger.Error("error stopping watcher", err)
	}
	s.queue.Close()
	cancel()

	if srv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("metrics server shutdown", err)
		}
		done()
	}

	s.logger.Info("waiting for workers", logging.Int("in_flight", s.queue.InFlight()))
	if err := g.Wait(); err != nil {
		s.logger.Error("background task failed", err)
		loopErr = errors.Join(loopErr, err)
	}

	s.logger.Info("service stopped", logging.Duration("uptime", time.Since(s.started)))
	return loopErr
}

// watchLoop feeds write-complete events through the filter into the queue.
// It never waits on job work.
func (s *Service) watchLoop(ctx context.Context, events <-chan watcher.Event) error {
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("shutdown requested")
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				err := errors.New("watcher stopped unexpectedly")
				s.logger.Error("watch ended", err)
				return err
			}
			s.intake(ctx, ev.Path, metrics.SourceWatch)
		}
	}
}

// intake filters path and enqueues a job for it. It is called from the watch
// loop and from rescans, and never blocks on the queue.
func (s *Service) intake(ctx context.Context, path, source string) {
	metrics.RecordEvent(source)
	log := s.component("intake")

	d, err := s.filter.Check(ctx, path)
	if err != nil {
		log.Warn("filter check failed, left for rescan",
			logging.String("path", path),
			logging.String("error", err.Error()),
		)
		return
	}
	if !d.Accept {
		metrics.RecordRejection(string(d.Reason))
		return
	}

	job := NewJob(path, s.config, time.Now())
	err = s.queue.Offer(job)
	switch {
	case err == nil:
		log.Info("job queued",
			logging.String("job_id", job.ID),
			logging.String("path", path),
			logging.String("source", source),
			logging.Int64("size", d.Size),
		)
	case errors.Is(err, queue.ErrDuplicate):
		metrics.RecordQueueDrop("duplicate")
		log.Debug("recording already queued", logging.String("path", path))
	case errors.Is(err, queue.ErrFull):
		metrics.RecordQueueDrop("full")
		log.Warn("queue full, left for rescan",
			logging.String("path", path),
			logging.Int("queue_size", s.config.QueueSize),
		)
	default:
		log.Debug("recording not queued", logging.String("path", path), logging.String("error", err.Error()))
	}
	s.publishQueue()
}

func (s *Service) publishQueue() {
	metrics.SetQueue(s.queue.Len(), s.queue.InFlight())
}

func (s *Service) health() metrics.Health {
	return metrics.Health{
		Status:     "ok",
		QueueDepth: s.queue.Len(),
		InFlight:   s.queue.InFlight(),
		Workers:    s.config.Workers,
		Uptime:     time.Since(s.started).Round(time.Second).String(),
	}
}

// Close releases the tracker, directory and, if opened here, the logger.
// It is safe to call more than once.
func (s *Service) Close() error {
	var errs []error
	if s.tracker != nil {
		errs = append(errs, s.tracker.Close())
		s.tracker = nil
	}
	if s.directory != nil {
		errs = append(errs, s.directory.Close())
		s.directory = nil
	}
	if s.ownsLogger && s.logger != nil {
		errs = append(errs, s.logger.Close())
		s.ownsLogger = false
	}
	return errors.Join(errs...)
}

func (s *Service) component(name string) logging.Logger {
	if s.logger == nil {
		return logging.Nop()
	}
	return s.logger.WithComponent(name)
}

// OpenTracker opens the completion-marker backend selected by cfg.
func OpenTracker(cfg *Config) (tracker.Tracker, error) {
	switch cfg.Tracker.Backend {
	case TrackerSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Tracker.Path), 0755); err != nil {
			return nil, fmt.Errorf("create tracker directory: %w", err)
		}
		return tracker.OpenSQLite(cfg.Tracker.Path)
	default:
		return tracker.NewMarkerStore(cfg.WatchDir, cfg.Tracker.Dir), nil
	}
}

// openDirectory chains the static map ahead of the SQL source. It returns a
// nil Directory when neither is configured.
func openDirectory(cfg *Config) (directory.Directory, error) {
	var chain directory.Chain
	if len(cfg.Directory.Static) > 0 {
		chain = append(chain, directory.Static(cfg.Directory.Static))
	}
	if cfg.Directory.SQL.DSN != "" {
		sql, err := directory.OpenSQL(cfg.Directory.SQL.Driver, cfg.Directory.SQL.DSN, cfg.Directory.SQL.Query)
		if err != nil {
			return nil, fmt.Errorf("open directory: %w", err)
		}
		chain = append(chain, sql)
	}
	if len(chain) == 0 {
		return nil, nil
	}
	return chain, nil
}

func dispatchConfig(cfg *Config) dispatch.Config {
	return dispatch.Config{
		Mode:           cfg.Delivery.Mode,
		From:           cfg.Delivery.From,
		Archive:        cfg.Delivery.ArchiveAddress,
		Subject:        cfg.Delivery.Subject,
		ExtensionField: cfg.Delivery.ExtensionField,
		Attach:         cfg.Delivery.Attach,
		NotifyFailures: cfg.Delivery.FailureNotices(),
		Timeout:        cfg.Delivery.Timeout,
	}
}

// newSender stacks rate limiting over connection retries over SMTP.
func newSender(cfg *Config, logger logging.Logger) mailer.Sender {
	d := cfg.Delivery
	var sender mailer.Sender = mailer.NewSMTPSender(mailer.SMTPConfig{
		Host:     d.SMTP.Host,
		Port:     d.SMTP.Port,
		Username: d.SMTP.Username,
		Password: d.SMTP.Password,
		TLS:      d.SMTP.TLS,
		Timeout:  d.SMTP.Timeout,
	})
	opts := []mailer.RetryOption{
		mailer.WithAttempts(d.Retry.Attempts),
		mailer.WithBaseDelay(d.Retry.Backoff),
	}
	if logger != nil {
		opts = append(opts, mailer.WithLogger(logger))
	}
	sender = mailer.NewRetrySender(sender, opts...)
	return mailer.NewLimitedSender(sender, d.RatePerMinute)
}
