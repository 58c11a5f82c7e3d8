// Package middleware implements the request gate that sits in front of the
// licensing API. The gate assigns a request id, records request latency and,
// for monitored calls, counts the hit against the caller's address and
// rejects clients on the ban list.
package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/applicenseserver/licenseserver/internal/config"
	"github.com/applicenseserver/licenseserver/internal/ddos"
	"github.com/applicenseserver/licenseserver/internal/observability"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("licenseserver.middleware")

// RequestIDHeader is the canonical HTTP header for request correlation.
const RequestIDHeader = "X-Request-Id"

// maxRequestIDLen is the maximum allowed length for a client-supplied X-Request-Id.
const maxRequestIDLen = 128

// TooManyHitsBody is the fixed body returned to banned clients.
const TooManyHitsBody = "TooManyHits"

// validRequestID checks that a client-supplied request ID is safe to propagate.
// Allowed characters: alphanumeric, hyphens, underscores, dots, colons.
func validRequestID(s string) bool {
	if len(s) == 0 || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

// jsonErrorResponse is the structured error body returned by the service.
type jsonErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteJSONError writes a structured JSON error response carrying the
// request id already set on w.
func WriteJSONError(w http.ResponseWriter, code int, errType, message string) {
	resp := jsonErrorResponse{
		Error:     errType,
		Message:   message,
		RequestID: w.Header().Get(RequestIDHeader),
	}
	body, _ := json.Marshal(resp)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// statusWriter captures the HTTP status code written by downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// Flush implements http.Flusher for handlers that assert it directly.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// statusWriterPool amortizes statusWriter allocations on the hot path.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// Gate is the request-rate protection middleware. Configuration, registry
// and monitor are fixed at construction.
type Gate struct {
	next     http.Handler
	cfg      config.DDoSProtectionConfig
	registry *ddos.Registry
	monitor  *ddos.Monitor
	resolver *ddos.ClientResolver
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewGate wraps next. registry and monitor may be nil only when protection
// is disabled.
func NewGate(next http.Handler, cfg config.DDoSProtectionConfig, registry *ddos.Registry, monitor *ddos.Monitor, logger *slog.Logger, metrics *observability.Metrics) (*Gate, error) {
	if cfg.Enabled && (registry == nil || monitor == nil) {
		return nil, errors.New("ddos protection enabled without registry or monitor")
	}
	trusted, err := cfg.ParseTrustedProxies()
	if err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		next:     next,
		cfg:      cfg,
		registry: registry,
		monitor:  monitor,
		resolver: ddos.NewClientResolver(trusted),
		logger:   logger.With("component", "gate"),
		metrics:  metrics,
	}, nil
}

// ServeHTTP applies the gate to one request.
func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := statusWriterPool.Get().(*statusWriter)
	sw.ResponseWriter = w
	sw.code = http.StatusOK
	sw.written = false

	// Client-supplied ids are validated to keep CRLF and junk out of logs.
	reqID := r.Header.Get(RequestIDHeader)
	if !validRequestID(reqID) {
		reqID = uuid.NewString()
		r.Header.Set(RequestIDHeader, reqID)
	}
	sw.Header().Set(RequestIDHeader, reqID)

	defer func() {
		if g.metrics != nil {
			g.metrics.PromRequestDuration.WithLabelValues(
				r.Method,
				strconv.Itoa(sw.code),
			).Observe(time.Since(start).Seconds())
		}
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
	}()

	if !g.monitored(r) {
		g.next.ServeHTTP(sw, r)
		return
	}

	// The span stays open until the downstream handler returns, so its
	// spans nest under it.
	ctx, span := tracer.Start(r.Context(), "licenseserver.ddos_gate")
	defer span.End()
	r = r.WithContext(ctx)

	clientID, err := g.resolver.Resolve(r)
	if err != nil {
		if g.metrics != nil {
			g.metrics.IncInvalidAddresses()
		}
		g.logger.Warn("rejecting request with unparseable client address",
			"error", err, "remote_addr", r.RemoteAddr, "request_id", reqID)
		span.SetStatus(codes.Error, "invalid client address")
		WriteJSONError(sw, http.StatusBadRequest, "invalid_client_address", "X-Forwarded-For does not contain a valid address")
		return
	}

	banned := g.monitor.Check(clientID)
	span.SetAttributes(
		attribute.String("licenseserver.client_id", clientID),
		attribute.Bool("licenseserver.banned", banned),
	)

	if banned {
		if g.metrics != nil {
			g.metrics.IncRejected()
		}
		sw.Header().Set("Content-Type", "text/plain")
		sw.WriteHeader(http.StatusForbidden)
		_, _ = sw.Write([]byte(TooManyHitsBody))
		return
	}

	g.next.ServeHTTP(sw, r)
}

// monitored reports whether the request is subject to hit counting.
func (g *Gate) monitored(r *http.Request) bool {
	if !g.cfg.Enabled {
		return false
	}
	if g.cfg.FullServiceLevelProtection {
		return true
	}
	return g.registry.Matches(ddos.CallSignature(r.Method, r.URL.Path))
}
