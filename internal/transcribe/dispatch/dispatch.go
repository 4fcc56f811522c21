// Package dispatch routes a finished job: leave artifacts in place, or mail
// the transcript to the extension owner and the archive mailbox.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/TechnicallyShaun/callscribe/internal/transcribe/directory"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/engine"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/logging"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/mailer"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/metadata"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/verify"
)

// Delivery modes
const (
	ModeLocal  = "local"
	ModeNotify = "notify"
)

// AttachNone disables attachments when listed in Config.Attach.
const AttachNone = "none"

// ErrNoArchiveAddress is returned by New in notify mode without an archive.
var ErrNoArchiveAddress = errors.New("notify mode requires an archive address")

// Config controls routing.
type Config struct {
	Mode    string
	From    string
	Archive string
	// Subject is a text/template rendered with the recording name,
	// extension, outcome and job id.
	Subject string
	// ExtensionField is the index of the hyphen-delimited name segment
	// holding the extension: exten-123-20240101 -> 123 for index 1.
	ExtensionField int
	Attach         []string
	NotifyFailures bool
	Timeout        time.Duration
}

// Request describes a job that reached a terminal state.
type Request struct {
	JobID      string
	SourcePath string
	BaseName   string
	OutputDir  string
	Outcome    verify.Outcome
	Missing    []string
	// Diagnostic is a tail of the engine output for failed jobs.
	Diagnostic string
}

// Delivery reports what the dispatcher did.
type Delivery struct {
	Mode       string
	Extension  string
	Personal   string
	Recipients []string
	Sent       bool
	// Skipped explains why nothing was sent in notify mode.
	Skipped string
}

// Dispatcher delivers finished jobs.
type Dispatcher struct {
	config    Config
	subject   *template.Template
	directory directory.Directory
	sender    mailer.Sender
	logger    logging.Logger
}

// New creates a Dispatcher. dir may be nil when no directory is configured.
func New(config Config, dir directory.Directory, sender mailer.Sender, logger logging.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if config.Mode == "" {
		config.Mode = ModeLocal
	}
	if config.ExtensionField == 0 {
		config.ExtensionField = 1
	}
	if config.Timeout == 0 {
		config.Timeout = time.Minute
	}

	d := &Dispatcher{config: config, directory: dir, sender: sender, logger: logger}
	if config.Mode != ModeNotify {
		return d, nil
	}

	if config.Archive == "" {
		return nil, ErrNoArchiveAddress
	}
	if sender == nil {
		return nil, errors.New("notify mode requires a mail sender")
	}
	subject := config.Subject
	if subject == "" {
		subject = "Call recording transcript: {{.Recording}}"
	}
	tmpl, err := template.New("subject").Option("missingkey=error").Parse(subject)
	if err != nil {
		return nil, fmt.Errorf("parse subject template: %w", err)
	}
	d.subject = tmpl
	return d, nil
}

// Dispatch routes req. In notify mode a delivery error is returned after
// being logged; callers still treat the job as terminal.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Delivery, error) {
	if d.config.Mode != ModeNotify {
		d.logger.Info("transcript stored",
			logging.String("path", req.SourcePath),
			logging.String("output_dir", req.OutputDir),
			logging.String("outcome", string(req.Outcome)),
		)
		return Delivery{Mode: ModeLocal}, nil
	}

	delivery := Delivery{Mode: ModeNotify}
	ext, ok := ParseExtension(req.BaseName, d.config.ExtensionField)
	if ok {
		delivery.Extension = ext
	}

	var (
		msg mailer.Message
		err error
	)
	if req.Outcome == verify.Verified {
		delivery.Personal = d.lookup(ctx, req, ext, ok)
		delivery.Recipients = Recipients(delivery.Personal, d.config.Archive)
		msg, err = d.transcriptMessage(req, delivery)
	} else {
		if !d.config.NotifyFailures {
			delivery.Skipped = "failure notifications disabled"
			d.logger.Info("no notification for unsuccessful job",
				logging.String("path", req.SourcePath),
				logging.String("outcome", string(req.Outcome)),
			)
			return delivery, nil
		}
		delivery.Recipients = []string{d.config.Archive}
		msg, err = d.failureMessage(req, delivery)
	}
	if err != nil {
		return delivery, fmt.Errorf("build message: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	start := time.Now()
	if err := d.sender.Send(sendCtx, msg); err != nil {
		d.logger.Error("delivery failed", err,
			logging.String("path", req.SourcePath),
			logging.Strings("to", delivery.Recipients),
		)
		return delivery, fmt.Errorf("deliver %s: %w", req.BaseName, err)
	}

	delivery.Sent = true
	d.logger.Info("notification sent",
		logging.String("path", req.SourcePath),
		logging.Strings("to", delivery.Recipients),
		logging.Int("attachments", len(msg.Attachments)),
		logging.Duration("elapsed", time.Since(start)),
	)
	return delivery, nil
}

// lookup resolves the personal address. Failures fall back to archive-only.
func (d *Dispatcher) lookup(ctx context.Context, req Request, ext string, ok bool) string {
	if !ok {
		d.logger.Info("no extension in recording name", logging.String("path", req.SourcePath))
		return ""
	}
	if d.directory == nil {
		return ""
	}

	addr, found, err := d.directory.Lookup(ctx, ext)
	if err != nil {
		d.logger.Warn("directory lookup failed, sending to archive only",
			logging.String("extension", ext),
			logging.String("error", err.Error()),
		)
		return ""
	}
	if !found {
		d.logger.Info("no address for extension", logging.String("extension", ext))
		return ""
	}
	return addr
}

func (d *Dispatcher) transcriptMessage(req Request, delivery Delivery) (mailer.Message, error) {
	view := d.view(req, delivery)

	transcript, err := os.ReadFile(engine.ArtifactPath(req.OutputDir, req.BaseName, "txt"))
	switch {
	case err == nil:
		view.Transcript = strings.TrimRight(string(transcript), "\n")
	case errors.Is(err, os.ErrNotExist):
		view.Transcript = "(no plain-text transcript was produced; see attachments)"
	default:
		return mailer.Message{}, fmt.Errorf("read transcript: %w", err)
	}

	if info, err := metadata.ReadWAV(req.SourcePath); err == nil {
		view.Duration = info.Duration.Round(time.Second).String()
	}

	body, err := render(transcriptBody, view)
	if err != nil {
		return mailer.Message{}, err
	}
	subject, err := render(d.subject, view)
	if err != nil {
		return mailer.Message{}, err
	}

	return mailer.Message{
		From:        d.config.From,
		To:          delivery.Recipients,
		Subject:     subject,
		Body:        body,
		Attachments: d.attachments(req),
	}, nil
}

func (d *Dispatcher) failureMessage(req Request, delivery Delivery) (mailer.Message, error) {
	view := d.view(req, delivery)
	body, err := render(failureBody, view)
	if err != nil {
		return mailer.Message{}, err
	}
	return mailer.Message{
		From:    d.config.From,
		To:      delivery.Recipients,
		Subject: "Transcription failed: " + view.Recording,
		Body:    body,
	}, nil
}

func (d *Dispatcher) view(req Request, delivery Delivery) messageView {
	return messageView{
		Recording:  filepath.Base(req.SourcePath),
		BaseName:   req.BaseName,
		Extension:  delivery.Extension,
		Outcome:    string(req.Outcome),
		JobID:      req.JobID,
		Missing:    req.Missing,
		Diagnostic: strings.TrimRight(req.Diagnostic, "\n"),
	}
}

func (d *Dispatcher) attachments(req Request) []string {
	var paths []string
	for _, ext := range d.config.Attach {
		if ext == AttachNone {
			return nil
		}
		path := engine.ArtifactPath(req.OutputDir, req.BaseName, ext)
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			paths = append(paths, path)
		}
	}
	return paths
}

// ParseExtension returns the hyphen-delimited segment at index field of
// baseName, if present and non-empty.
func ParseExtension(baseName string, field int) (string, bool) {
	parts := strings.Split(baseName, "-")
	if field < 0 || field >= len(parts) {
		return "", false
	}
	ext := strings.TrimSpace(parts[field])
	return ext, ext != ""
}

// Recipients returns the personal address (if any) followed by the archive
// address, without duplicates. The archive address is always present.
func Recipients(personal, archive string) []string {
	if personal == "" || strings.EqualFold(personal, archive) {
		return []string{archive}
	}
	return []string{personal, archive}
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}
