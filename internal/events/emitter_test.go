package events

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/applicenseserver/licenseserver/internal/config"
	"github.com/applicenseserver/licenseserver/internal/ddos"
	"github.com/applicenseserver/licenseserver/internal/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMetrics() *observability.Metrics {
	return observability.NewMetrics(prometheus.NewRegistry())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// receiver collects every event posted to it.
type receiver struct {
	mu      sync.Mutex
	events  []BanEvent
	headers http.Header
	status  int
	calls   int
}

func (rc *receiver) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Events []BanEvent `json:"events"`
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("unmarshal error: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		rc.mu.Lock()
		defer rc.mu.Unlock()
		rc.calls++
		rc.headers = r.Header.Clone()
		if rc.status != 0 {
			w.WriteHeader(rc.status)
			return
		}
		rc.events = append(rc.events, payload.Events...)
		w.WriteHeader(http.StatusOK)
	}
}

func (rc *receiver) snapshot() ([]BanEvent, int) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]BanEvent(nil), rc.events...), rc.calls
}

func TestEmitter_DisabledReturnsNil(t *testing.T) {
	e := NewEmitter(config.EventsConfig{Enabled: false}, testLogger(), testMetrics())
	assert.Nil(t, e)

	// A nil emitter swallows events and closes cleanly.
	e.Emit(BanEvent{ClientID: "10.0.0.1"})
	assert.NoError(t, e.Close())
}

func TestEmitter_BatchFlushing(t *testing.T) {
	rc := &receiver{}
	srv := httptest.NewServer(rc.handler(t))
	defer srv.Close()

	e := NewEmitter(config.EventsConfig{
		Enabled:       true,
		HTTP:          config.EventsHTTPConfig{URL: srv.URL},
		BatchSize:     5,
		FlushInterval: "50ms",
		BufferSize:    100,
	}, testLogger(), testMetrics())

	for range 12 {
		e.Emit(BanEvent{Type: "ban", ClientID: "10.0.0.1"})
	}

	assert.Eventually(t, func() bool {
		got, _ := rc.snapshot()
		return len(got) == 12
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, e.Close())
}

func TestEmitter_BufferOverflow(t *testing.T) {
	metrics := testMetrics()
	e := NewEmitter(config.EventsConfig{
		Enabled:       true,
		HTTP:          config.EventsHTTPConfig{URL: "http://127.0.0.1:1/noop"},
		BatchSize:     1000,
		FlushInterval: "1h",
		BufferSize:    5,
	}, testLogger(), metrics)

	for i := range 10 {
		e.Emit(BanEvent{ClientID: string(rune('a' + i))})
	}

	e.ringMu.Lock()
	length := e.ringLen
	oldest := e.ring[e.ringHead].ClientID
	e.ringMu.Unlock()

	assert.Equal(t, 5, length)
	assert.Equal(t, "f", oldest)
	assert.Equal(t, int64(5), metrics.Snapshot().EventsDropped)

	close(e.done)
	e.wg.Wait()
}

func TestEmitter_Headers(t *testing.T) {
	rc := &receiver{}
	srv := httptest.NewServer(rc.handler(t))
	defer srv.Close()

	e := NewEmitter(config.EventsConfig{
		Enabled: true,
		HTTP: config.EventsHTTPConfig{
			URL: srv.URL,
			Headers: map[string]config.RedactedString{
				"Authorization": "Bearer my-token",
				"Content-Type":  "text/plain",
			},
		},
		BatchSize: 1, FlushInterval: "1h", BufferSize: 10,
	}, testLogger(), testMetrics())

	e.Emit(BanEvent{ClientID: "10.0.0.1"})
	require.NoError(t, e.Close())

	rc.mu.Lock()
	defer rc.mu.Unlock()
	assert.Equal(t, "Bearer my-token", rc.headers.Get("Authorization"))
	assert.Equal(t, "application/json", rc.headers.Get("Content-Type"))
}

func TestEmitter_RetriesOnServerError(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		attempts++
		a := attempts
		mu.Unlock()
		if a < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	metrics := testMetrics()
	e := NewEmitter(config.EventsConfig{
		Enabled:       true,
		HTTP:          config.EventsHTTPConfig{URL: srv.URL},
		BatchSize:     1,
		FlushInterval: "1h",
		BufferSize:    10,
		MaxRetries:    5,
		RetryBackoff:  "1ms",
	}, testLogger(), metrics)

	e.Emit(BanEvent{ClientID: "retry"})
	require.NoError(t, e.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts)
	assert.Equal(t, int64(0), metrics.Snapshot().EventsFailed)
}

func TestEmitter_NoRetryOnClientError(t *testing.T) {
	rc := &receiver{status: http.StatusUnauthorized}
	srv := httptest.NewServer(rc.handler(t))
	defer srv.Close()

	metrics := testMetrics()
	e := NewEmitter(config.EventsConfig{
		Enabled:       true,
		HTTP:          config.EventsHTTPConfig{URL: srv.URL},
		BatchSize:     1,
		FlushInterval: "1h",
		BufferSize:    10,
		MaxRetries:    5,
		RetryBackoff:  "1ms",
	}, testLogger(), metrics)

	e.Emit(BanEvent{ClientID: "denied"})
	require.NoError(t, e.Close())

	_, calls := rc.snapshot()
	assert.Equal(t, 1, calls)
	assert.Equal(t, int64(1), metrics.Snapshot().EventsFailed)
}

func TestEmitter_GracefulShutdownDrain(t *testing.T) {
	rc := &receiver{}
	srv := httptest.NewServer(rc.handler(t))
	defer srv.Close()

	e := NewEmitter(config.EventsConfig{
		Enabled:       true,
		HTTP:          config.EventsHTTPConfig{URL: srv.URL},
		BatchSize:     100,
		FlushInterval: "1h",
		BufferSize:    100,
	}, testLogger(), testMetrics())

	for range 7 {
		e.Emit(BanEvent{ClientID: "drain"})
	}
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	got, _ := rc.snapshot()
	assert.Len(t, got, 7)
}

func TestEmitter_MonitorListener(t *testing.T) {
	rc := &receiver{}
	srv := httptest.NewServer(rc.handler(t))
	defer srv.Close()

	e := NewEmitter(config.EventsConfig{
		Enabled:       true,
		HTTP:          config.EventsHTTPConfig{URL: srv.URL},
		BatchSize:     10,
		FlushInterval: "1h",
		BufferSize:    10,
	}, testLogger(), testMetrics())

	protection := config.DDoSProtectionConfig{
		Enabled:                    true,
		MaxHitsPerOrigin:           2,
		MaxHitsPerOriginIntervalMs: 1000,
		ReleaseIntervalMs:          60000,
	}
	monitor := ddos.NewMonitor(protection, ddos.WithLogger(testLogger()), ddos.WithListener(e.Listener(protection)))
	for range 3 {
		monitor.Check("203.0.113.7")
	}
	monitor.ReleaseOne()
	require.NoError(t, e.Close())

	got, _ := rc.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "ban", got[0].Type)
	assert.Equal(t, "release", got[1].Type)
	for _, ev := range got {
		assert.Equal(t, "203.0.113.7", ev.ClientID)
		assert.Equal(t, 2, ev.MaxHitsPerOrigin)
		assert.Equal(t, 1000, ev.IntervalMs)
		assert.Equal(t, 60000, ev.ReleaseIntervalMs)
		_, err := time.Parse(time.RFC3339, ev.Timestamp)
		assert.NoError(t, err)
	}
}
