// Package events implements an async, buffered emitter that posts ban list
// transitions to an external HTTP receiver (webhook pattern). Events are
// batched and flushed at configurable intervals. The emitter is optional and
// fire-and-forget: it never blocks the request path.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/applicenseserver/licenseserver/internal/config"
	"github.com/applicenseserver/licenseserver/internal/ddos"
	"github.com/applicenseserver/licenseserver/internal/observability"
)

const (
	defaultBatchSize     = 100
	defaultBufferSize    = 10000
	defaultFlushInterval = 5 * time.Second
	defaultRetryBackoff  = 100 * time.Millisecond
	maxRetryBackoff      = 5 * time.Second
	sendTimeout          = 10 * time.Second
)

// BanEvent is one ban or release decision as sent to the receiver.
type BanEvent struct {
	Type              string `json:"type"` // "ban" or "release"
	ClientID          string `json:"client_id"`
	MaxHitsPerOrigin  int    `json:"max_hits_per_origin"`
	IntervalMs        int    `json:"interval_ms"`
	ReleaseIntervalMs int    `json:"release_interval_ms"`
	Timestamp         string `json:"timestamp"` // RFC 3339
}

// Emitter batches ban events and flushes them to an HTTP receiver.
type Emitter struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	httpURL     string
	httpHeaders map[string]string
	httpClient  *http.Client

	batchSize     int
	flushInterval time.Duration
	bufferSize    int
	maxRetries    int
	retryBackoff  time.Duration

	ring     []BanEvent
	ringMu   sync.Mutex
	ringHead int
	ringTail int
	ringLen  int

	flushCh   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewEmitter creates a new ban event emitter. Returns nil if events are not
// enabled in the config; a nil *Emitter is safe to Emit to and Close.
func NewEmitter(cfg config.EventsConfig, logger *slog.Logger, metrics *observability.Metrics) *Emitter {
	if !cfg.Enabled {
		return nil
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	flushInterval := defaultFlushInterval
	if d, err := time.ParseDuration(cfg.FlushInterval); err == nil && d > 0 {
		flushInterval = d
	}
	retryBackoff := defaultRetryBackoff
	if d, err := time.ParseDuration(cfg.RetryBackoff); err == nil && d > 0 {
		retryBackoff = d
	}

	headers := make(map[string]string, len(cfg.HTTP.Headers))
	for k, v := range cfg.HTTP.Headers {
		headers[k] = v.Value()
	}

	e := &Emitter{
		logger:        logger.With("component", "events"),
		metrics:       metrics,
		httpURL:       cfg.HTTP.URL,
		httpHeaders:   headers,
		httpClient:    &http.Client{Timeout: sendTimeout},
		batchSize:     batchSize,
		flushInterval: flushInterval,
		bufferSize:    bufferSize,
		maxRetries:    cfg.MaxRetries,
		retryBackoff:  retryBackoff,
		ring:          make([]BanEvent, bufferSize),
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	e.wg.Add(1)
	go e.flushLoop()

	return e
}

// Listener adapts the emitter to monitor ban list transitions, stamping each
// event with the configured thresholds.
func (e *Emitter) Listener(cfg config.DDoSProtectionConfig) ddos.Listener {
	return func(ev ddos.Event) {
		e.Emit(BanEvent{
			Type:              string(ev.Kind),
			ClientID:          ev.ClientID,
			MaxHitsPerOrigin:  cfg.MaxHitsPerOrigin,
			IntervalMs:        cfg.MaxHitsPerOriginIntervalMs,
			ReleaseIntervalMs: cfg.ReleaseIntervalMs,
			Timestamp:         ev.At.UTC().Format(time.RFC3339),
		})
	}
}

// Emit enqueues an event into the ring buffer. It never blocks. When the
// buffer is full, the oldest event is dropped.
func (e *Emitter) Emit(ev BanEvent) {
	if e == nil {
		return
	}

	e.ringMu.Lock()
	e.ring[e.ringTail] = ev
	e.ringTail = (e.ringTail + 1) % e.bufferSize
	if e.ringLen == e.bufferSize {
		e.ringHead = (e.ringHead + 1) % e.bufferSize
		if e.metrics != nil {
			e.metrics.IncEventsDropped()
		}
	} else {
		e.ringLen++
	}
	shouldFlush := e.ringLen >= e.batchSize
	e.ringMu.Unlock()

	if shouldFlush {
		select {
		case e.flushCh <- struct{}{}:
		default:
		}
	}
}

// Close stops the flush loop and sends whatever is still buffered.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}
	e.closeOnce.Do(func() {
		close(e.done)
		e.wg.Wait()
		e.flush()
	})
	return nil
}

func (e *Emitter) flushLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.flush()
		case <-e.flushCh:
			e.flush()
		}
	}
}

func (e *Emitter) flush() {
	for {
		batch := e.drain()
		if len(batch) == 0 {
			return
		}
		e.send(batch)
	}
}

func (e *Emitter) drain() []BanEvent {
	e.ringMu.Lock()
	defer e.ringMu.Unlock()

	if e.ringLen == 0 {
		return nil
	}

	n := min(e.ringLen, e.batchSize)
	batch := make([]BanEvent, n)
	for i := range n {
		batch[i] = e.ring[(e.ringHead+i)%e.bufferSize]
	}
	e.ringHead = (e.ringHead + n) % e.bufferSize
	e.ringLen -= n
	return batch
}

func (e *Emitter) send(batch []BanEvent) {
	body, err := json.Marshal(struct {
		Events []BanEvent `json:"events"`
	}{Events: batch})
	if err != nil {
		e.logger.Error("failed to marshal events batch", "error", err)
		return
	}

	backoff := e.retryBackoff
	for attempt := 0; ; attempt++ {
		retryable, err := e.post(body)
		if err == nil {
			return
		}
		if !retryable || attempt >= e.maxRetries {
			e.logger.Warn("failed to send events batch",
				"error", err, "count", len(batch), "attempts", attempt+1)
			if e.metrics != nil {
				e.metrics.IncEventsFailed()
			}
			return
		}
		time.Sleep(backoff)
		backoff = min(backoff*2, maxRetryBackoff)
	}
}

// post sends one payload. The bool reports whether a failure is worth
// retrying (transport errors and 5xx responses).
func (e *Emitter) post(body []byte) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.httpURL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("create events request: %w", err)
	}
	for k, v := range e.httpHeaders {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return true, fmt.Errorf("post events: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("events receiver returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return false, fmt.Errorf("events receiver returned %d", resp.StatusCode)
	}
	return false, nil
}

// String implements fmt.Stringer for debug logging.
func (e *Emitter) String() string {
	return fmt.Sprintf("Emitter(http=%s, batch=%d, flush=%s, buf=%d, retries=%d)",
		e.httpURL, e.batchSize, e.flushInterval, e.bufferSize, e.maxRetries)
}
