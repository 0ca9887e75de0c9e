package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/watzon/hookrelay/internal/routing"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{name: "days", input: "30d", expected: 30 * 24 * time.Hour},
		{name: "weeks", input: "2w", expected: 2 * 7 * 24 * time.Hour},
		{name: "months", input: "3m", expected: 3 * 30 * 24 * time.Hour},
		{name: "years", input: "1y", expected: 365 * 24 * time.Hour},
		{name: "standard duration", input: "1h", expected: time.Hour},
		{name: "milliseconds", input: "250ms", expected: 250 * time.Millisecond},
		{name: "empty string", input: "", wantErr: true},
		{name: "invalid format", input: "abc", wantErr: true},
		{name: "invalid number", input: "xd", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDuration(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		hashKeyStdin = false
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "routes.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
webhooks:
  - id: wh_1
    org: acme
    name: payments
    to:
      - name: local
    forward:
      - to: local
`), 0o644))

	out, err := execute(t, "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "ok (1 webhooks)")
	assert.Contains(t, out, "acme/payments")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`
webhooks:
  - id: wh_1
    forward:
      - to: missing
`), 0o644))

	out, err = execute(t, "validate", bad)
	require.Error(t, err)
	assert.Contains(t, out, `unknown destination "missing"`)
}

func TestHashKeyCommand(t *testing.T) {
	out, err := execute(t, "hash-key", "hr_known")
	require.NoError(t, err)

	hash := strings.TrimSpace(out)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("hr_known")))

	out, err = execute(t, "hash-key")
	require.NoError(t, err)
	assert.Contains(t, out, "Key:  hr_")
	assert.Contains(t, out, "Hash: $2")
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "hookrelay version")
}

func TestRoutingWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte("webhooks: []\n"), 0o644))

	var reloads atomic.Int32
	w, err := NewRoutingWatcher(path, 20*time.Millisecond, func() error {
		reloads.Add(1)
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("webhooks: []\n# edited\n"), 0o644))

	require.Eventually(t, func() bool { return reloads.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestRoutingWatcher_Relevant(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.yaml")

	w, err := NewRoutingWatcher(path, 0, func() error { return nil })
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	tests := []struct {
		name  string
		event fsnotify.Event
		want  bool
	}{
		{"write", fsnotify.Event{Name: path, Op: fsnotify.Write}, true},
		{"create after rename", fsnotify.Event{Name: path, Op: fsnotify.Create}, true},
		{"chmod", fsnotify.Event{Name: path, Op: fsnotify.Chmod}, false},
		{"remove", fsnotify.Event{Name: path, Op: fsnotify.Remove}, false},
		{"sibling", fsnotify.Event{Name: filepath.Join(dir, "other.yaml"), Op: fsnotify.Write}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, w.relevant(tt.event))
		})
	}
}

func TestRoutingWatcher_DebouncesBursts(t *testing.T) {
	dir := t.TempDir()

	var reloads atomic.Int32
	w, err := NewRoutingWatcher(filepath.Join(dir, "routes.yaml"), 30*time.Millisecond, func() error {
		reloads.Add(1)
		return errors.New("bad document")
	})
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	for range 5 {
		w.schedule()
	}

	require.Eventually(t, func() bool { return reloads.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), reloads.Load())
}

func TestRoutingWatcher_StopIsIdempotent(t *testing.T) {
	w, err := NewRoutingWatcher(filepath.Join(t.TempDir(), "routes.yaml"), 0, func() error { return nil })
	require.NoError(t, err)

	w.Start(context.Background())
	assert.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}

func TestRoutingWatcher_FailedReloadLoggedOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte("webhooks: []\n"), 0o644))

	resolver := routing.NewResolver(routing.FileSource{Path: path})
	require.NoError(t, resolver.Reload())

	var buf safeBuffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	w, err := NewRoutingWatcher(path, 10*time.Millisecond, resolver.Reload)
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(path, []byte("webhooks: ["), 0o644))
	w.schedule()

	require.Eventually(t, func() bool {
		return strings.Contains(buf.String(), "Routing reload failed")
	}, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, strings.Count(buf.String(), "Routing reload failed"))
}

// safeBuffer is a bytes.Buffer safe for a logger writing from a timer
// goroutine while the test reads.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
