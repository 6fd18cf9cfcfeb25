package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recording-upload-queue/internal/queue"
	"recording-upload-queue/internal/upload"
)

type cliEnv struct {
	recordingsDir string
	uploads       *atomic.Int32
}

func setupCLI(t *testing.T) cliEnv {
	t.Helper()
	uploads := &atomic.Int32{}
	r := chi.NewRouter()
	r.Post("/recordings", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		n := uploads.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(upload.DirectResponse{DreamID: "dream-" + r.Header.Get("X-Session-ID"), FinalURL: fmt.Sprintf("https://cdn/%d", n)})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	recDir := filepath.Join(dir, "recordings")
	require.NoError(t, os.MkdirAll(recDir, 0o755))

	t.Setenv("UPLOADQ_CONFIG", "")
	t.Setenv("STATE_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(dir, "state.db"))
	t.Setenv("RECORDINGS_DIR", recDir)
	t.Setenv("UPLOAD_TRANSPORT", "http")
	t.Setenv("UPLOAD_BASE_URL", srv.URL)
	t.Setenv("UPLOAD_TOKEN", "")
	t.Setenv("AUTO_RETRY_ENABLED", "false")
	t.Setenv("NETWORK_PROBE_URL", "")
	t.Setenv("NETWORK_TYPE", "wifi")
	t.Setenv("POSTGRES_DSN", "")
	return cliEnv{recordingsDir: recDir, uploads: uploads}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := runCLI(t, args...)
	require.NoError(t, err, "uploadq %v", args)
	return out
}

func TestCLI_EnqueueProcessLifecycle(t *testing.T) {
	env := setupCLI(t)
	file := filepath.Join(env.recordingsDir, "dream.m4a")
	require.NoError(t, os.WriteFile(file, bytes.Repeat([]byte{1}, 2048), 0o600))

	out := mustRun(t, "enqueue", "dream.m4a", "--session", "s1", "--duration", "12")
	assert.Contains(t, out, "queued")
	assert.Contains(t, out, "2.0 KiB")
	assert.Contains(t, out, "high priority")

	out = mustRun(t, "list", "--status", "pending")
	assert.Contains(t, out, "pending")
	assert.Contains(t, out, "0/3")

	out = mustRun(t, "process")
	assert.Contains(t, out, "completed 1")
	assert.EqualValues(t, 1, env.uploads.Load())
	_, err := os.Stat(file)
	assert.True(t, os.IsNotExist(err), "uploaded file should be deleted")

	out = mustRun(t, "history")
	assert.Contains(t, out, "ok")

	out = mustRun(t, "stats")
	assert.Contains(t, out, "success rate 100%")

	out = mustRun(t, "clear", "--completed")
	assert.Contains(t, out, "removed 1 recording(s)")
	out = mustRun(t, "list")
	assert.Contains(t, out, "No recordings queued")
}

func TestCLI_SettingsPersist(t *testing.T) {
	setupCLI(t)

	out := mustRun(t, "settings", "--max-retries", "5", "--wifi-only")
	assert.Contains(t, out, "max retries:  5")
	assert.Contains(t, out, "wifi only:    true")

	out = mustRun(t, "settings")
	assert.Contains(t, out, "max retries:  5")
	assert.Contains(t, out, "batch size:   3")

	_, err := runCLI(t, "settings", "--batch-size", "0")
	require.ErrorIs(t, err, queue.ErrInvalidSettings)
}

func TestCLI_Errors(t *testing.T) {
	setupCLI(t)

	_, err := runCLI(t, "remove", "does-not-exist")
	require.ErrorIs(t, err, queue.ErrNotFound)

	_, err = runCLI(t, "enqueue", "missing.m4a", "--session", "s1")
	require.Error(t, err)

	_, err = runCLI(t, "list", "--status", "lost")
	require.ErrorContains(t, err, "unknown status")

	_, err = runCLI(t, "audit", "r1")
	require.ErrorContains(t, err, "POSTGRES_DSN")

	t.Setenv("STATE_BACKEND", "etcd")
	_, err = runCLI(t, "stats")
	require.ErrorContains(t, err, "unknown state backend")
}

func TestLocalURI(t *testing.T) {
	dir := t.TempDir()
	abs := filepath.Join(dir, "a.m4a")
	assert.Equal(t, abs, localURI(abs))
	assert.Equal(t, "file:///x/a.m4a", localURI("file:///x/a.m4a"))
	assert.Equal(t, "not-here.m4a", localURI("not-here.m4a"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc...", truncate("abcdef", 3))
	// Multi-byte runes are never split.
	out := truncate("échec réseau", 3)
	assert.Equal(t, "éch...", out)
	assert.True(t, utf8.ValidString(out))
}
