// Package ddos tracks per-client request rates for protected calls and keeps
// a ban list of clients that exceeded the configured threshold.
//
// A Monitor owns two pieces of shared state behind one mutex: the hit table
// (client id → hit count) and the ban list. Two background tickers mutate
// them independently of request flow: decay lowers every hit count by one,
// release lifts one ban. Nothing is persisted; a restart starts empty.
package ddos

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/applicenseserver/licenseserver/internal/config"
	"github.com/applicenseserver/licenseserver/internal/observability"
)

// EventKind distinguishes ban list transitions.
type EventKind string

const (
	EventBan     EventKind = "ban"
	EventRelease EventKind = "release"
)

// Event describes a client entering or leaving the ban list.
type Event struct {
	Kind     EventKind
	ClientID string
	At       time.Time
}

// Listener receives ban list transitions. It is called outside the monitor
// lock and must not block.
type Listener func(Event)

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger used for ban, release and tick failure records.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithMetrics attaches counters for hits, bans, releases and tick panics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Monitor) { m.metrics = metrics }
}

// WithListener registers a callback for ban list transitions.
func WithListener(fn Listener) Option {
	return func(m *Monitor) { m.listeners = append(m.listeners, fn) }
}

// Monitor is the hit counter and ban list for one process.
type Monitor struct {
	maxHits      int
	decayEvery   time.Duration
	releaseEvery time.Duration
	order        config.ReleaseOrder
	intervalMs   int
	releaseMs    int

	logger    *slog.Logger
	metrics   *observability.Metrics
	listeners []Listener

	mu     sync.Mutex
	hits   map[string]int
	banned []string // push order; the newest ban is last

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewMonitor creates a monitor from the protection settings. Background
// tickers do not run until Start is called.
func NewMonitor(cfg config.DDoSProtectionConfig, opts ...Option) *Monitor {
	order := cfg.ReleaseOrder
	if order == "" {
		order = config.ReleaseOrderLIFO
	}

	m := &Monitor{
		maxHits:      cfg.MaxHitsPerOrigin,
		decayEvery:   cfg.DecayInterval(),
		releaseEvery: cfg.ReleaseInterval(),
		order:        order,
		intervalMs:   cfg.MaxHitsPerOriginIntervalMs,
		releaseMs:    cfg.ReleaseIntervalMs,
		logger:       slog.Default(),
		hits:         make(map[string]int),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "ddos")
	return m
}

// Check records a hit for clientID and reports whether the client is banned
// afterwards. The hit that triggers a ban is itself rejected.
func (m *Monitor) Check(clientID string) bool {
	m.mu.Lock()
	newlyBanned := m.recordLocked(clientID)
	banned := slices.Contains(m.banned, clientID)
	m.mu.Unlock()

	m.afterHit(clientID, newlyBanned)
	return banned
}

// RecordHit counts one monitored request for clientID. A client whose count
// already sits at the threshold is moved to the ban list instead.
func (m *Monitor) RecordHit(clientID string) {
	m.mu.Lock()
	newlyBanned := m.recordLocked(clientID)
	m.mu.Unlock()

	m.afterHit(clientID, newlyBanned)
}

// recordLocked reports whether clientID was pushed onto the ban list.
func (m *Monitor) recordLocked(clientID string) bool {
	count, ok := m.hits[clientID]
	switch {
	case !ok:
		m.hits[clientID] = 1
		return false
	case count >= m.maxHits:
		delete(m.hits, clientID)
		if slices.Contains(m.banned, clientID) {
			return false
		}
		m.banned = append(m.banned, clientID)
		return true
	default:
		m.hits[clientID] = count + 1
		return false
	}
}

func (m *Monitor) afterHit(clientID string, newlyBanned bool) {
	if m.metrics != nil {
		m.metrics.IncHits()
	}
	if !newlyBanned {
		return
	}

	m.logger.Warn(fmt.Sprintf("banned client %s after %d hits in %d ms", clientID, m.maxHits, m.intervalMs),
		"client_id", clientID,
		"max_hits_per_origin", m.maxHits,
		"max_hits_per_origin_interval_ms", m.intervalMs,
		"release_interval_ms", m.releaseMs)
	if m.metrics != nil {
		m.metrics.IncBans()
	}
	m.notify(Event{Kind: EventBan, ClientID: clientID, At: time.Now()})
}

// IsBanned reports whether clientID is on the ban list.
func (m *Monitor) IsBanned(clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Contains(m.banned, clientID)
}

// Decay lowers every hit count by one and forgets clients that reach zero.
func (m *Monitor) Decay() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, count := range m.hits {
		if count <= 1 {
			delete(m.hits, id)
			continue
		}
		m.hits[id] = count - 1
	}
}

// ReleaseOne lifts a single ban, choosing the most recent ban under LIFO
// order and the oldest under FIFO. It reports the released client, if any.
func (m *Monitor) ReleaseOne() (string, bool) {
	m.mu.Lock()
	if len(m.banned) == 0 {
		m.mu.Unlock()
		return "", false
	}
	var clientID string
	if m.order == config.ReleaseOrderFIFO {
		clientID = m.banned[0]
		m.banned = slices.Delete(m.banned, 0, 1)
	} else {
		last := len(m.banned) - 1
		clientID = m.banned[last]
		m.banned = m.banned[:last]
	}
	m.mu.Unlock()

	m.logger.Warn(fmt.Sprintf("released client %s after %d ms", clientID, m.releaseMs),
		"client_id", clientID,
		"max_hits_per_origin", m.maxHits,
		"max_hits_per_origin_interval_ms", m.intervalMs,
		"release_interval_ms", m.releaseMs)
	if m.metrics != nil {
		m.metrics.IncReleases()
	}
	m.notify(Event{Kind: EventRelease, ClientID: clientID, At: time.Now()})
	return clientID, true
}

func (m *Monitor) notify(ev Event) {
	for _, fn := range m.listeners {
		fn(ev)
	}
}

// HitCount returns the current count for clientID.
func (m *Monitor) HitCount(clientID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.hits[clientID]
	return c, ok
}

// BannedClients returns the number of banned clients.
func (m *Monitor) BannedClients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.banned)
}

// TrackedClients returns the number of clients holding a hit count.
func (m *Monitor) TrackedClients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hits)
}

// Banned returns the ban list in ban order, oldest first.
func (m *Monitor) Banned() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.banned)
}

// Start launches the decay and release tickers. Calling it more than once
// has no effect.
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		m.wg.Add(2)
		go m.loop("decay", m.decayEvery, m.Decay)
		go m.loop("release", m.releaseEvery, func() { m.ReleaseOne() })
	})
}

// Close stops the tickers and waits for an in-flight tick to finish.
func (m *Monitor) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	m.wg.Wait()
	return nil
}

func (m *Monitor) loop(name string, every time.Duration, fn func()) {
	defer m.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.tick(name, fn)
		}
	}
}

// tick runs fn and contains any panic so the ticker keeps running.
func (m *Monitor) tick(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("ddos tick panicked", "ticker", name, "panic", r)
			if m.metrics != nil {
				m.metrics.IncTickPanics(name)
			}
		}
	}()
	fn()
}
