//go:build linux

package transcribe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/TechnicallyShaun/callscribe/internal/testutil"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/mailer"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/pidfile"
	"github.com/TechnicallyShaun/callscribe/internal/transcribe/tracker"
)

// engineScript is a stand-in for the whisper CLI. It records each call in
// calls.log next to itself, then runs body with $in, $out and $base set.
const engineScript = `#!/bin/sh
here=$(dirname "$0")
in="$1"; shift
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    --output_dir) out="$2"; shift 2 ;;
    *) shift ;;
  esac
done
base=$(basename "$in"); base="${base%%.*}"
echo "$in" >> "$here/calls.log"
echo "transcribing $in"
%s
`

const writeAll = `printf 'Hello, this is Alice.\n' > "$out/$base.txt"
printf '1\n00:00:00,000 --> 00:00:01,000\nHello\n' > "$out/$base.srt"`

func fakeEngine(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "whisper")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(engineScript, body)), 0755))
	return path
}

func engineCalls(engine string) int {
	data, err := os.ReadFile(filepath.Join(filepath.Dir(engine), "calls.log"))
	if err != nil {
		return 0
	}
	return strings.Count(string(data), "\n")
}

func integrationConfig(t *testing.T, engine string) *Config {
	t.Helper()
	root := t.TempDir()
	cfg := &Config{
		WatchDir:       filepath.Join(root, "spool"),
		OutputDir:      filepath.Join(root, "out"),
		ScratchDir:     filepath.Join(root, "scratch"),
		PIDFile:        filepath.Join(root, "run", "callscribe.pid"),
		RescanSchedule: RescanOff,
		Settle: SettleConfig{
			Quiet:    100 * time.Millisecond,
			Interval: 20 * time.Millisecond,
			Checks:   2,
			Timeout:  5 * time.Second,
		},
		Engine: EngineConfig{Command: engine, Timeout: 10 * time.Second},
		Log:    LogConfig{Dir: filepath.Join(root, "logs")},
	}
	require.NoError(t, cfg.ApplyDefaults())
	require.NoError(t, os.MkdirAll(cfg.WatchDir, 0755))
	return cfg
}

type running struct {
	svc    *Service
	cancel context.CancelFunc
	done   chan error
}

func (r *running) stop(t *testing.T) error {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		return err
	case <-time.After(15 * time.Second):
		t.Fatal("service did not stop")
		return nil
	}
}

func start(t *testing.T, cfg *Config, opts ...Option) *running {
	t.Helper()
	svc, err := NewService(cfg, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{svc: svc, cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(cfg.PIDFile)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "service never wrote its PID file")
	// Let the watch settle in before files are dropped.
	time.Sleep(100 * time.Millisecond)
	return r
}

// drop writes a recording outside the spool and renames it in, the way a
// recorder finishing a call would.
func drop(t *testing.T, cfg *Config, name string) string {
	t.Helper()
	tmp := filepath.Join(t.TempDir(), name)
	testutil.WriteWAV(t, tmp, 8000, time.Second)
	dst := filepath.Join(cfg.WatchDir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0755))
	require.NoError(t, os.Rename(tmp, dst))
	return dst
}

func waitForMarker(t *testing.T, path string) tracker.Marker {
	t.Helper()
	store := tracker.NewMarkerStore("", "")
	var m tracker.Marker
	require.Eventually(t, func() bool {
		var err error
		m, err = store.Get(context.Background(), path)
		return err == nil
	}, 10*time.Second, 20*time.Millisecond, "no completion marker for %s", path)
	return m
}

func readLog(t *testing.T, cfg *Config) string {
	t.Helper()
	entries, err := os.ReadDir(cfg.Log.Dir)
	require.NoError(t, err)
	var b strings.Builder
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(cfg.Log.Dir, e.Name()))
		require.NoError(t, err)
		b.Write(data)
	}
	return b.String()
}

func scratchEmpty(t *testing.T, cfg *Config) {
	t.Helper()
	entries, err := os.ReadDir(cfg.ScratchDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch logs left behind")
}

func TestService_TranscribesRecordingOnce(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	engine := fakeEngine(t, writeAll)
	cfg := integrationConfig(t, engine)
	r := start(t, cfg)

	path := drop(t, cfg, filepath.Join("2024", "01", "exten-123-20240101.wav"))
	m := waitForMarker(t, path)
	assert.Equal(t, "verified", m.Outcome)
	assert.NotEmpty(t, m.JobID)

	outDir := filepath.Join(cfg.OutputDir, "2024", "01")
	assert.FileExists(t, filepath.Join(outDir, "exten-123-20240101.txt"))
	assert.FileExists(t, filepath.Join(outDir, "exten-123-20240101.srt"))

	// Another write-complete event for a marked recording is rejected.
	testutil.WriteWAV(t, path, 8000, time.Second)
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 1, engineCalls(engine))

	require.NoError(t, r.stop(t))
	assert.NoFileExists(t, cfg.PIDFile)
	scratchEmpty(t, cfg)
	r.svc.Close()

	log := readLog(t, cfg)
	assert.Contains(t, log, `"message":"job complete"`)
	assert.Contains(t, log, `"outcome":"verified"`)
}

func TestService_SmallRecordingNeverTranscribed(t *testing.T) {
	engine := fakeEngine(t, writeAll)
	cfg := integrationConfig(t, engine)
	r := start(t, cfg)

	path := filepath.Join(cfg.WatchDir, "exten-123-short.wav")
	require.NoError(t, os.WriteFile(path, make([]byte, 2048), 0644))
	time.Sleep(600 * time.Millisecond)

	require.NoError(t, r.stop(t))
	assert.Zero(t, engineCalls(engine))
	assert.NoFileExists(t, path+tracker.MarkerSuffix)

	log := readLog(t, cfg)
	assert.Contains(t, log, `"message":"recording skipped"`)
	assert.Contains(t, log, `"reason":"too-small"`)
}

func TestService_EngineFailureMarkedNotRetried(t *testing.T) {
	engine := fakeEngine(t, `echo "model file not found" >&2; exit 3`)
	cfg := integrationConfig(t, engine)
	r := start(t, cfg)

	path := drop(t, cfg, "exten-200-20240101.wav")
	m := waitForMarker(t, path)
	assert.Equal(t, "failed", m.Outcome)

	require.NoError(t, r.stop(t))
	assert.Equal(t, 1, engineCalls(engine))
	scratchEmpty(t, cfg)

	log := readLog(t, cfg)
	assert.Contains(t, log, `"message":"job failed"`)
	assert.Contains(t, log, "model file not found")
	assert.Contains(t, log, `"stage":"transcribe"`)
}

func TestService_MissingArtifactIsInconsistent(t *testing.T) {
	engine := fakeEngine(t, `printf 'Hello\n' > "$out/$base.txt"`)
	cfg := integrationConfig(t, engine)
	r := start(t, cfg)

	path := drop(t, cfg, "exten-123-20240101.wav")
	m := waitForMarker(t, path)
	assert.Equal(t, "inconsistent", m.Outcome)

	require.NoError(t, r.stop(t))
	log := readLog(t, cfg)
	assert.Contains(t, log, `"stage":"verify"`)
	assert.Contains(t, log, `"scratch_log"`)
}

func TestService_EngineTimeout(t *testing.T) {
	engine := fakeEngine(t, `sleep 30`)
	cfg := integrationConfig(t, engine)
	cfg.Engine.Timeout = 300 * time.Millisecond
	r := start(t, cfg)

	path := drop(t, cfg, "exten-123-20240101.wav")
	m := waitForMarker(t, path)
	assert.Equal(t, "failed", m.Outcome)

	require.NoError(t, r.stop(t))
	assert.Equal(t, 1, engineCalls(engine))
	assert.Contains(t, readLog(t, cfg), `"timed_out":true`)
}

func TestService_StartupSweepRecoversBacklog(t *testing.T) {
	engine := fakeEngine(t, writeAll)
	cfg := integrationConfig(t, engine)

	// Arrived while the daemon was down.
	backlog := filepath.Join(cfg.WatchDir, "exten-300-20231231.wav")
	testutil.WriteWAV(t, backlog, 8000, time.Second)
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(backlog, old, old))

	r := start(t, cfg)
	m := waitForMarker(t, backlog)
	assert.Equal(t, "verified", m.Outcome)
	require.NoError(t, r.stop(t))
}

func TestService_ShutdownMidJobLeavesNoMarker(t *testing.T) {
	engine := fakeEngine(t, `sleep 30`)
	cfg := integrationConfig(t, engine)
	r := start(t, cfg)

	path := drop(t, cfg, "exten-123-20240101.wav")
	require.Eventually(t, func() bool { return engineCalls(engine) == 1 }, 5*time.Second, 20*time.Millisecond)

	stopped := time.Now()
	require.NoError(t, r.stop(t))
	assert.Less(t, time.Since(stopped), 10*time.Second)

	assert.NoFileExists(t, path+tracker.MarkerSuffix)
	scratchEmpty(t, cfg)
	assert.Contains(t, readLog(t, cfg), `"message":"job interrupted by shutdown"`)
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []mailer.Message
}

func (s *recordingSender) Send(_ context.Context, msg mailer.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSender) sent() []mailer.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mailer.Message(nil), s.msgs...)
}

func TestService_NotifyPersonalAndArchive(t *testing.T) {
	engine := fakeEngine(t, writeAll)
	cfg := integrationConfig(t, engine)
	cfg.Delivery.Mode = DeliveryNotify
	cfg.Delivery.ArchiveAddress = "archive@technetne.com"
	cfg.Directory.Static = map[string]string{"123": "alice@example.com"}

	sender := &recordingSender{}
	r := start(t, cfg, WithSender(sender))

	path := drop(t, cfg, "exten-123-20240101.wav")
	m := waitForMarker(t, path)
	assert.True(t, m.Delivered)
	require.NoError(t, r.stop(t))

	msgs := sender.sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"alice@example.com", "archive@technetne.com"}, msgs[0].To)
	assert.Contains(t, msgs[0].Body, "Hello, this is Alice.")
	assert.Len(t, msgs[0].Attachments, 1)
}

func TestRun_StartupFailures(t *testing.T) {
	engine := fakeEngine(t, writeAll)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"watch dir missing", func(c *Config) { c.WatchDir = filepath.Join(c.WatchDir, "gone") }, ErrWatchDirUnreachable},
		{"watch dir is a file", func(c *Config) {
			f := filepath.Join(c.WatchDir, "file")
			os.WriteFile(f, nil, 0644)
			c.WatchDir = f
		}, ErrWatchDirUnreachable},
		{"engine missing", func(c *Config) { c.Engine.Command = filepath.Join(c.WatchDir, "no-such-engine") }, ErrEngineNotExecutable},
		{"output dir blocked", func(c *Config) {
			f := filepath.Join(c.WatchDir, "blocker")
			os.WriteFile(f, nil, 0644)
			c.OutputDir = filepath.Join(f, "out")
		}, ErrOutputDirUnwritable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := integrationConfig(t, engine)
			tt.mutate(cfg)

			svc, err := NewService(cfg)
			require.NoError(t, err)
			err = svc.Run(context.Background())
			require.ErrorIs(t, err, tt.want)
			assert.NoFileExists(t, cfg.PIDFile)
		})
	}
}

func TestRun_RefusesSecondInstance(t *testing.T) {
	cmd := exec.Command("sleep", "10")
	require.NoError(t, cmd.Start())
	defer func() {
		cmd.Process.Kill()
		cmd.Wait()
	}()

	cfg := integrationConfig(t, fakeEngine(t, writeAll))
	require.NoError(t, pidfile.Write(cfg.PIDFile, cmd.Process.Pid))

	svc, err := NewService(cfg)
	require.NoError(t, err)
	err = svc.Run(context.Background())
	require.True(t, errors.Is(err, pidfile.ErrAlreadyRunning), "got %v", err)
}

func TestCheck(t *testing.T) {
	cfg := integrationConfig(t, fakeEngine(t, writeAll))
	require.NoError(t, Check(cfg))

	cfg.Engine.Command = "/nonexistent/whisper"
	require.ErrorIs(t, Check(cfg), ErrEngineNotExecutable)
}
