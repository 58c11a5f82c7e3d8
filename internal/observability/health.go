package observability

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Pre-serialized JSON responses for the fixed probe states.
var (
	jsonAlive      = []byte(`{"status":"alive"}`)
	jsonReady      = []byte(`{"status":"ready"}`)
	jsonNotReady   = []byte(`{"status":"not_ready"}`)
	jsonStarted    = []byte(`{"status":"started"}`)
	jsonNotStarted = []byte(`{"status":"not_started"}`)
)

const deepCheckTimeout = 2 * time.Second

// Pinger is implemented by any dependency that can check connectivity
// (e.g. the Redis-backed repository).
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker provides startup, liveness, and readiness check endpoints.
type HealthChecker struct {
	started atomic.Bool
	ready   atomic.Bool

	mu    sync.RWMutex
	deps  map[string]Pinger
	stats MonitorStats
}

// NewHealthChecker creates a new health checker (starts in not-ready state).
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{deps: make(map[string]Pinger)}
}

// SetStarted marks the service as having completed startup.
func (h *HealthChecker) SetStarted() { h.started.Store(true) }

// IsStarted returns whether the service has completed startup.
func (h *HealthChecker) IsStarted() bool { return h.started.Load() }

// SetReady marks the service as ready to receive traffic.
func (h *HealthChecker) SetReady() { h.ready.Store(true) }

// SetNotReady marks the service as not ready (draining).
func (h *HealthChecker) SetNotReady() { h.ready.Store(false) }

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool { return h.ready.Load() }

// AddDependency registers a named dependency for deep readiness checks.
// Passing a nil pinger removes it.
func (h *HealthChecker) AddDependency(name string, p Pinger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p == nil {
		delete(h.deps, name)
		return
	}
	h.deps[name] = p
}

// SetMonitorStats attaches the request monitor so deep checks report its size.
func (h *HealthChecker) SetMonitorStats(s MonitorStats) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats = s
}

// StartzHandler returns 200 once the service has completed startup, 503 otherwise.
func (h *HealthChecker) StartzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if h.IsStarted() {
			writeProbe(w, http.StatusOK, jsonStarted)
			return
		}
		writeProbe(w, http.StatusServiceUnavailable, jsonNotStarted)
	}
}

// HealthzHandler returns 200 if the process is alive.
func (h *HealthChecker) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeProbe(w, http.StatusOK, jsonAlive)
	}
}

// deepStatus is the body of a deep readiness probe.
type deepStatus struct {
	Status         string            `json:"status"`
	Dependencies   map[string]string `json:"dependencies,omitempty"`
	TrackedClients *int              `json:"tracked_clients,omitempty"`
	BannedClients  *int              `json:"banned_clients,omitempty"`
}

// ReadyzHandler returns 200 if the service is ready, 503 otherwise.
// With `deep=true` every registered dependency is pinged and any failure
// turns the probe into a 503.
func (h *HealthChecker) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.IsReady() {
			writeProbe(w, http.StatusServiceUnavailable, jsonNotReady)
			return
		}
		if r.URL.Query().Get("deep") != "true" {
			writeProbe(w, http.StatusOK, jsonReady)
			return
		}

		status, body := h.deepCheck(r.Context())
		writeProbe(w, status, body)
	}
}

func (h *HealthChecker) deepCheck(ctx context.Context) (int, []byte) {
	h.mu.RLock()
	deps := maps.Clone(h.deps)
	stats := h.stats
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, deepCheckTimeout)
	defer cancel()

	out := deepStatus{Status: "ready"}
	code := http.StatusOK
	if len(deps) > 0 {
		out.Dependencies = make(map[string]string, len(deps))
	}
	for name, p := range deps {
		if err := p.Ping(ctx); err != nil {
			out.Dependencies[name] = "unreachable"
			out.Status = "not_ready"
			code = http.StatusServiceUnavailable
			continue
		}
		out.Dependencies[name] = "ok"
	}
	if stats != nil {
		tracked, banned := stats.TrackedClients(), stats.BannedClients()
		out.TrackedClients = &tracked
		out.BannedClients = &banned
	}

	body, err := json.Marshal(out)
	if err != nil {
		return http.StatusInternalServerError, jsonNotReady
	}
	return code, body
}

func writeProbe(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
