package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TechnicallyShaun/callscribe/internal/testutil"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/directory"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/mailer"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/verify"
)

const archive = "calls@example.com"

type captureSender struct {
	mu   sync.Mutex
	sent []mailer.Message
	err  error
}

func (s *captureSender) Send(_ context.Context, msg mailer.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

type brokenDirectory struct{}

func (brokenDirectory) Lookup(context.Context, string) (string, bool, error) {
	return "", false, errors.New("database is locked")
}

func (brokenDirectory) Close() error { return nil }

func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

// finishedJob lays out a recording and its artifacts the way a verified job
// leaves them.
func finishedJob(t *testing.T, artifacts ...string) Request {
	t.Helper()
	dir := t.TempDir()
	base := "exten-123-20240101"
	src := filepath.Join(dir, base+".wav")
	testutil.WriteWAV(t, src, 8000, 3*time.Second)

	for _, ext := range artifacts {
		content := "1\n00:00:00,000 --> 00:00:03,000\nHello\n"
		if ext == "txt" {
			content = "Hello, this is Alice calling about the invoice.\n"
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, base+"."+ext), []byte(content), 0644))
	}

	return Request{
		JobID:      "job-1",
		SourcePath: src,
		BaseName:   base,
		OutputDir:  dir,
		Outcome:    verify.Verified,
	}
}

func notifyConfig() Config {
	return Config{
		Mode:           ModeNotify,
		From:           "callscribe@example.com",
		Archive:        archive,
		Subject:        "Transcript {{.Recording}} ({{.Extension}})",
		ExtensionField: 1,
		Attach:         []string{"srt"},
	}
}

func TestParseExtension(t *testing.T) {
	tests := []struct {
		name  string
		base  string
		field int
		want  string
		ok    bool
	}{
		{"second field", "exten-123-20240101", 1, "123", true},
		{"first field", "123-20240101", 0, "123", true},
		{"no hyphen", "recording", 1, "", false},
		{"empty field", "exten--20240101", 1, "", false},
		{"out of range", "exten-123", 4, "", false},
		{"negative", "exten-123", -1, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseExtension(tt.base, tt.field)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestRecipients(t *testing.T) {
	assert.Equal(t, []string{"ann@example.com", archive}, Recipients("ann@example.com", archive))
	assert.Equal(t, []string{archive}, Recipients("", archive))
	assert.Equal(t, []string{archive}, Recipients("Calls@Example.com", archive))
}

func TestNew_RequiresArchive(t *testing.T) {
	cfg := notifyConfig()
	cfg.Archive = ""
	_, err := New(cfg, nil, &captureSender{}, nil)
	require.ErrorIs(t, err, ErrNoArchiveAddress)
}

func TestNew_BadSubject(t *testing.T) {
	cfg := notifyConfig()
	cfg.Subject = "{{.Recording"
	_, err := New(cfg, nil, &captureSender{}, nil)
	require.Error(t, err)
}

func TestDispatch_LocalSendsNothing(t *testing.T) {
	sender := &captureSender{}
	d, err := New(Config{Mode: ModeLocal}, nil, sender, nil)
	require.NoError(t, err)

	got, err := d.Dispatch(context.Background(), finishedJob(t, "txt"))
	require.NoError(t, err)
	assert.Equal(t, ModeLocal, got.Mode)
	assert.False(t, got.Sent)
	assert.Empty(t, sender.sent)
}

func TestDispatch_NotifyPersonalAndArchive(t *testing.T) {
	sender := &captureSender{}
	dir := directory.Static{"123": "ann@example.com"}
	d, err := New(notifyConfig(), dir, sender, nil)
	require.NoError(t, err)

	req := finishedJob(t, "txt", "srt", "vtt")
	got, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)

	want := Delivery{
		Mode:       ModeNotify,
		Extension:  "123",
		Personal:   "ann@example.com",
		Recipients: []string{"ann@example.com", archive},
		Sent:       true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("delivery mismatch (-want +got):\n%s", diff)
	}

	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	assert.Equal(t, "callscribe@example.com", msg.From)
	assert.Equal(t, []string{"ann@example.com", archive}, msg.To)
	assert.Equal(t, "Transcript exten-123-20240101.wav (123)", msg.Subject)
	assert.Equal(t, []string{filepath.Join(req.OutputDir, "exten-123-20240101.srt")}, msg.Attachments)

	newGoldie(t).Assert(t, "transcript_body", []byte(msg.Body))
}

func TestDispatch_UnknownExtensionGoesToArchive(t *testing.T) {
	tests := []struct {
		name string
		dir  directory.Directory
	}{
		{"not in directory", directory.Static{"999": "bob@example.com"}},
		{"no directory", nil},
		{"lookup error", brokenDirectory{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &captureSender{}
			d, err := New(notifyConfig(), tt.dir, sender, nil)
			require.NoError(t, err)

			got, err := d.Dispatch(context.Background(), finishedJob(t, "txt", "srt"))
			require.NoError(t, err)
			assert.Empty(t, got.Personal)
			require.Len(t, sender.sent, 1)
			assert.Equal(t, []string{archive}, sender.sent[0].To)
		})
	}
}

func TestDispatch_NoExtensionInName(t *testing.T) {
	sender := &captureSender{}
	d, err := New(notifyConfig(), directory.Static{"123": "ann@example.com"}, sender, nil)
	require.NoError(t, err)

	req := finishedJob(t, "txt")
	req.BaseName = "recording"
	require.NoError(t, os.WriteFile(filepath.Join(req.OutputDir, "recording.txt"), []byte("hi\n"), 0644))

	got, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, got.Extension)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, []string{archive}, sender.sent[0].To)
}

func TestDispatch_AttachNone(t *testing.T) {
	cfg := notifyConfig()
	cfg.Attach = []string{AttachNone}
	sender := &captureSender{}
	d, err := New(cfg, nil, sender, nil)
	require.NoError(t, err)

	_, err = d.Dispatch(context.Background(), finishedJob(t, "txt", "srt"))
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Empty(t, sender.sent[0].Attachments)
}

func TestDispatch_SkipsMissingAttachments(t *testing.T) {
	cfg := notifyConfig()
	cfg.Attach = []string{"srt", "vtt"}
	sender := &captureSender{}
	d, err := New(cfg, nil, sender, nil)
	require.NoError(t, err)

	req := finishedJob(t, "txt", "srt")
	_, err = d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, []string{filepath.Join(req.OutputDir, "exten-123-20240101.srt")}, sender.sent[0].Attachments)
}

func TestDispatch_FailureSilentByDefault(t *testing.T) {
	sender := &captureSender{}
	d, err := New(notifyConfig(), nil, sender, nil)
	require.NoError(t, err)

	req := finishedJob(t, "txt")
	req.Outcome = verify.Failed
	got, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, got.Sent)
	assert.NotEmpty(t, got.Skipped)
	assert.Empty(t, sender.sent)
}

func TestDispatch_FailureNotice(t *testing.T) {
	cfg := notifyConfig()
	cfg.NotifyFailures = true
	sender := &captureSender{}
	d, err := New(cfg, directory.Static{"123": "ann@example.com"}, sender, nil)
	require.NoError(t, err)

	req := finishedJob(t, "txt")
	req.Outcome = verify.Inconsistent
	req.Missing = []string{"srt"}
	req.Diagnostic = "whisper: wrote txt\nexit status 0\n"

	got, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, got.Sent)

	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	assert.Equal(t, []string{archive}, msg.To)
	assert.Equal(t, "Transcription failed: exten-123-20240101.wav", msg.Subject)
	assert.Empty(t, msg.Attachments)

	newGoldie(t).Assert(t, "failure_body", []byte(msg.Body))
}

func TestDispatch_SendErrorReturned(t *testing.T) {
	sender := &captureSender{err: errors.New("550 mailbox unavailable")}
	d, err := New(notifyConfig(), nil, sender, nil)
	require.NoError(t, err)

	got, err := d.Dispatch(context.Background(), finishedJob(t, "txt"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "550")
	assert.False(t, got.Sent)
	assert.Equal(t, []string{archive}, got.Recipients)
}

func TestDispatch_MissingTranscriptStillSends(t *testing.T) {
	sender := &captureSender{}
	d, err := New(notifyConfig(), nil, sender, nil)
	require.NoError(t, err)

	_, err = d.Dispatch(context.Background(), finishedJob(t, "srt"))
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Contains(t, sender.sent[0].Body, "no plain-text transcript")
	assert.Len(t, sender.sent[0].Attachments, 1)
}
