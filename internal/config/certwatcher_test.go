package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startCertWatcher(t *testing.T, cw *CertWatcher) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- cw.Start(context.Background()) }()
	t.Cleanup(func() {
		cw.Stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("cert watcher did not stop")
		}
	})
}

func TestCertWatcher(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "tls.crt")
	keyFile := filepath.Join(dir, "tls.key")
	require.NoError(t, os.WriteFile(certFile, []byte("cert-1"), 0o600))
	require.NoError(t, os.WriteFile(keyFile, []byte("key-1"), 0o600))

	var calls atomic.Int32
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cw := NewCertWatcher(certFile, keyFile, func() { calls.Add(1) }, logger)
	cw.debounce = 20 * time.Millisecond
	cw.pollInterval = 50 * time.Millisecond
	startCertWatcher(t, cw)

	// Let the initial snapshot happen before changing the files.
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, calls.Load())

	require.NoError(t, os.WriteFile(certFile, []byte("cert-2"), 0o600))
	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 3*time.Second, 10*time.Millisecond)

	// An unrelated file in the same directory is ignored.
	before := calls.Load()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other"), []byte("x"), 0o600))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, before, calls.Load())
}

func TestCertWatcherStopBeforeStart(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cw := NewCertWatcher("/nonexistent/tls.crt", "/nonexistent/tls.key", func() {}, logger)
	cw.Stop()
	cw.Stop()
	assert.NoError(t, cw.Start(context.Background()))
}

func TestCertWatcherMissingDirectory(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cw := NewCertWatcher("/nonexistent/tls.crt", "/nonexistent/tls.key", func() {}, logger)
	assert.Error(t, cw.Start(context.Background()))
}
