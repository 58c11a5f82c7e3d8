package config

import (
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// CertCallback is called after the TLS key pair changes on disk.
type CertCallback func()

// CertWatcher reports changes to the TLS certificate and key files. The
// configuration itself is read once at startup; only the key pair rotates.
//
// fsnotify on the parent directory gives fast reaction to editors and
// rename-into-place updates. Content-hash polling catches Kubernetes Secret
// volume updates, where kubelet swaps the "..data" symlink and inotify often
// stays silent.
type CertWatcher struct {
	certFile     string
	keyFile      string
	callback     CertCallback
	logger       *slog.Logger
	debounce     time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
}

// NewCertWatcher creates a watcher. Nothing is watched until Start.
func NewCertWatcher(certFile, keyFile string, callback CertCallback, logger *slog.Logger) *CertWatcher {
	return &CertWatcher{
		certFile:     certFile,
		keyFile:      keyFile,
		callback:     callback,
		logger:       logger.With("component", "cert-watcher"),
		debounce:     300 * time.Millisecond,
		pollInterval: 2 * time.Second,
	}
}

// certState is the last observed key pair fingerprint.
type certState struct {
	dataLink string
	certHash string
	keyHash  string
	target   string
}

func (s *certState) snapshot(certFile, keyFile string) {
	s.certHash = hashFile(certFile)
	s.keyHash = hashFile(keyFile)
	s.target = readlink(s.dataLink)
}

func (s *certState) changed(certFile, keyFile string) bool {
	if t := readlink(s.dataLink); t != "" && t != s.target {
		return true
	}
	return hashFile(certFile) != s.certHash || hashFile(keyFile) != s.keyHash
}

// Start watches until ctx is canceled or Stop is called.
func (cw *CertWatcher) Start(ctx context.Context) error {
	cw.mu.Lock()
	if cw.stopped {
		cw.mu.Unlock()
		return nil
	}
	ctx, cw.cancel = context.WithCancel(ctx)
	cw.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dirs := map[string]struct{}{
		filepath.Dir(cw.certFile): {},
		filepath.Dir(cw.keyFile):  {},
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return err
		}
	}

	cw.logger.Info("TLS cert watcher started", "cert", cw.certFile, "key", cw.keyFile)

	state := &certState{dataLink: filepath.Join(filepath.Dir(cw.certFile), "..data")}
	state.snapshot(cw.certFile, cw.keyFile)

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	pollTicker := time.NewTicker(cw.pollInterval)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			cw.logger.Info("TLS cert watcher stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !cw.relevant(event) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(cw.debounce)
			debounceCh = debounceTimer.C

		case <-debounceCh:
			debounceCh = nil
			if state.changed(cw.certFile, cw.keyFile) {
				state.snapshot(cw.certFile, cw.keyFile)
				cw.fire("fsnotify")
			}

		case <-pollTicker.C:
			if state.changed(cw.certFile, cw.keyFile) {
				state.snapshot(cw.certFile, cw.keyFile)
				cw.fire("poll")
			}

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			cw.logger.Error("cert watcher error", "error", watchErr)
		}
	}
}

// relevant reports whether an event may have touched the key pair. Events
// on "..data" cover Kubernetes symlink swaps.
func (cw *CertWatcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Clean(event.Name)
	return name == filepath.Clean(cw.certFile) ||
		name == filepath.Clean(cw.keyFile) ||
		filepath.Base(name) == "..data"
}

func (cw *CertWatcher) fire(source string) {
	cw.logger.Info("TLS certificate change detected", "cert", cw.certFile, "source", source)
	cw.callback()
}

// Stop terminates the watcher. Safe to call more than once or before Start.
func (cw *CertWatcher) Stop() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.stopped {
		return
	}
	cw.stopped = true
	if cw.cancel != nil {
		cw.cancel()
	}
}

// hashFile returns the SHA-256 digest of the file at path, or "" when it
// cannot be read. Symlinks are followed.
func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return string(h.Sum(nil))
}

// readlink returns the target of a symlink, or "" if path is not one.
func readlink(path string) string {
	target, err := os.Readlink(path)
	if err != nil {
		return ""
	}
	return target
}
