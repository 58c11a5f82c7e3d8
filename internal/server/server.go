// Package server wires the licensing API behind the request gate and runs it
// next to the admin server. The main server handles API traffic over HTTP/1.1,
// h2c, TLS and optionally HTTP/3; the admin server exposes health probes and
// Prometheus metrics, plus a gRPC health service when configured.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/applicenseserver/licenseserver/internal/api"
	"github.com/applicenseserver/licenseserver/internal/config"
	"github.com/applicenseserver/licenseserver/internal/ddos"
	"github.com/applicenseserver/licenseserver/internal/events"
	"github.com/applicenseserver/licenseserver/internal/middleware"
	"github.com/applicenseserver/licenseserver/internal/observability"
	iredis "github.com/applicenseserver/licenseserver/internal/redis"
	"github.com/applicenseserver/licenseserver/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server is the licenseserver process: API, gate, monitor and admin surfaces.
type Server struct {
	cfg             *config.Config
	logger          *slog.Logger
	version         string
	mainServer      *http.Server
	http3Server     *http3.Server // nil when HTTP/3 is disabled.
	adminServer     *http.Server
	grpcServer      *grpc.Server // nil when admin.grpc_address is empty.
	grpcHealth      *health.Server
	gate            *middleware.Gate
	monitor         *ddos.Monitor
	emitter         *events.Emitter
	store           *store.Store
	health          *observability.HealthChecker
	metrics         *observability.Metrics
	tracingShutdown func(context.Context) error
	certs           *certHolder // non-nil once TLS is serving.
}

// New builds every component from cfg. The store is connected here, so a
// Redis outage fails startup instead of the first request.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	healthChecker := observability.NewHealthChecker()

	iredis.InitLogger(logger)
	st, err := store.New(ctx, cfg.Store, logger, metrics)
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}
	if p := st.Pinger(); p != nil {
		healthChecker.AddDependency("redis", p)
	}

	emitter := events.NewEmitter(cfg.Events, logger, metrics)

	monitorOpts := []ddos.Option{ddos.WithLogger(logger), ddos.WithMetrics(metrics)}
	if emitter != nil {
		monitorOpts = append(monitorOpts, ddos.WithListener(emitter.Listener(cfg.DDoSProtection)))
	}
	monitor := ddos.NewMonitor(cfg.DDoSProtection, monitorOpts...)
	metrics.RegisterMonitorGauges(monitor)
	healthChecker.SetMonitorStats(monitor)

	licensing := api.New(st, cfg, logger, version)
	gate, err := middleware.NewGate(licensing.Handler(), cfg.DDoSProtection, licensing.Registry(), monitor, logger, metrics)
	if err != nil {
		_ = emitter.Close()
		_ = st.Close()
		return nil, fmt.Errorf("create request gate: %w", err)
	}
	if cfg.DDoSProtection.Enabled {
		logger.Info("ddos protection enabled",
			"full_service_level_protection", cfg.DDoSProtection.FullServiceLevelProtection,
			"protected_calls", licensing.Registry().Entries(),
			"path_match", cfg.DDoSProtection.PathMatch,
			"release_order", cfg.DDoSProtection.ReleaseOrder)
	}

	mainServer, h3srv := buildMainServer(cfg, gate, logger)
	adminServer := buildAdminServer(cfg, healthChecker, reg, logger)

	s := &Server{
		cfg:         cfg,
		logger:      logger,
		version:     version,
		mainServer:  mainServer,
		http3Server: h3srv,
		adminServer: adminServer,
		gate:        gate,
		monitor:     monitor,
		emitter:     emitter,
		store:       st,
		health:      healthChecker,
		metrics:     metrics,
	}
	if cfg.Admin.GRPCAddress != "" {
		s.grpcServer, s.grpcHealth = buildGRPCServer()
	}
	return s, nil
}

func buildMainServer(cfg *config.Config, handler http.Handler, logger *slog.Logger) (*http.Server, *http3.Server) {
	readTimeout := config.MustParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout := config.MustParseDuration(cfg.Server.WriteTimeout, 30*time.Second)
	idleTimeout := config.MustParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	h2s := &http2.Server{}
	mainHandler := h2c.NewHandler(handler, h2s)

	var h3srv *http3.Server
	if cfg.Server.TLS.Enabled && cfg.Server.TLS.HTTP3Enabled {
		h3srv = &http3.Server{
			Addr:           cfg.Server.Address,
			Handler:        handler,
			MaxHeaderBytes: 1 << 20,
			IdleTimeout:    idleTimeout,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: idleTimeout,
				Allow0RTT:      false, // 0-RTT requests are replayable.
			},
		}

		tcpHandler := mainHandler
		mainHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ProtoMajor < 3 {
				if setErr := h3srv.SetQUICHeaders(w.Header()); setErr != nil {
					logger.Debug("failed to set Alt-Svc header", "error", setErr)
				}
			}
			tcpHandler.ServeHTTP(w, r)
		})
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mainHandler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}

	return srv, h3srv
}

func buildAdminServer(cfg *config.Config, hc *observability.HealthChecker, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	adminReadTimeout := config.MustParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	adminWriteTimeout := config.MustParseDuration(cfg.Admin.WriteTimeout, 10*time.Second)
	adminIdleTimeout := config.MustParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	adminMux := http.NewServeMux()
	adminMux.Handle("/startz", hc.StartzHandler())
	adminMux.Handle("/healthz", hc.HealthzHandler())
	adminMux.Handle("/readyz", hc.ReadyzHandler())
	adminMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           adminMux,
		ReadTimeout:       adminReadTimeout,
		WriteTimeout:      adminWriteTimeout,
		IdleTimeout:       adminIdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}
}

// buildGRPCServer registers the standard gRPC health service. Both the
// overall ("") and "licenseserver" services start NOT_SERVING.
func buildGRPCServer() (*grpc.Server, *health.Server) {
	gs := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(grpcServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs, hs
}

const grpcServiceName = "licenseserver"

// certHolder serves the current TLS certificate and allows it to be swapped
// without restarting listeners.
type certHolder struct {
	cert atomic.Pointer[tls.Certificate]
}

func newCertHolder(certFile, keyFile string) (*certHolder, error) {
	ch := &certHolder{}
	if err := ch.Reload(certFile, keyFile); err != nil {
		return nil, err
	}
	return ch, nil
}

// Reload loads a new certificate from disk and atomically swaps it.
func (ch *certHolder) Reload(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	ch.cert.Store(&cert)
	return nil
}

// GetCertificate implements the tls.Config.GetCertificate callback.
func (ch *certHolder) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return ch.cert.Load(), nil
}

// tlsMinVersion returns the tls.Config MinVersion from config, defaulting to TLS 1.2.
func tlsMinVersion(cfg *config.Config) uint16 {
	if cfg.Server.TLS.MinVersion == config.TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// Run starts the monitor tickers and every listener, then blocks until ctx
// is canceled and performs a graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	if s.cfg.Server.TLS.Enabled {
		ch, certErr := newCertHolder(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
		if certErr != nil {
			_ = s.shutdown()
			return certErr
		}
		s.certs = ch
	}

	if s.cfg.DDoSProtection.Enabled {
		s.monitor.Start()
	}

	errCh := make(chan error, 4)

	// readyCh is closed once the main listener has bound.
	readyCh := make(chan struct{})

	go s.startAdminServer(errCh)
	go s.startMainServerWithReady(errCh, readyCh)

	if s.http3Server != nil {
		go s.startHTTP3Server(errCh)
	}
	if s.grpcServer != nil {
		go s.startGRPCServer(errCh)
	}

	s.health.SetStarted()

	select {
	case <-readyCh:
		s.health.SetReady()
		s.setGRPCServing(healthpb.HealthCheckResponse_SERVING)
		s.logger.Info("licenseserver is ready", "version", s.version)
	case srvErr := <-errCh:
		_ = s.shutdown()
		return srvErr
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		_ = s.shutdown()
		return srvErr
	}

	return s.shutdown()
}

func (s *Server) startAdminServer(errCh chan<- error) {
	s.logger.Info("admin server starting", "address", s.cfg.Admin.Address)
	if err := s.adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) startMainServerWithReady(errCh chan<- error, readyCh chan struct{}) {
	s.logger.Info("api server starting",
		"address", s.cfg.Server.Address,
		"store", s.store.Backend(),
		"tls", s.cfg.Server.TLS.Enabled,
		"http3", s.http3Server != nil)

	ln, listenErr := net.Listen("tcp", s.cfg.Server.Address)
	if listenErr != nil {
		errCh <- fmt.Errorf("api server listen: %w", listenErr)
		return
	}
	close(readyCh)

	var err error
	if s.certs != nil {
		tlsCfg := &tls.Config{
			MinVersion:     max(tlsMinVersion(s.cfg), tls.VersionTLS12),
			GetCertificate: s.certs.GetCertificate,
			NextProtos:     []string{"h2", "http/1.1"},
		}
		s.mainServer.TLSConfig = tlsCfg
		err = s.mainServer.Serve(tls.NewListener(ln, tlsCfg))
	} else {
		err = s.mainServer.Serve(ln)
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("api server: %w", err)
	}
}

func (s *Server) startHTTP3Server(errCh chan<- error) {
	s.logger.Info("HTTP/3 (QUIC) server starting", "address", s.cfg.Server.Address)
	s.http3Server.TLSConfig = http3.ConfigureTLSConfig(&tls.Config{
		MinVersion:     tls.VersionTLS13,
		GetCertificate: s.certs.GetCertificate,
	})
	if err := s.http3Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("HTTP/3 server: %w", err)
	}
}

func (s *Server) startGRPCServer(errCh chan<- error) {
	s.logger.Info("gRPC health server starting", "address", s.cfg.Admin.GRPCAddress)
	ln, err := net.Listen("tcp", s.cfg.Admin.GRPCAddress)
	if err != nil {
		errCh <- fmt.Errorf("grpc health listen: %w", err)
		return
	}
	if err := s.grpcServer.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		errCh <- fmt.Errorf("grpc health server: %w", err)
	}
}

func (s *Server) setGRPCServing(status healthpb.HealthCheckResponse_ServingStatus) {
	if s.grpcHealth == nil {
		return
	}
	s.grpcHealth.SetServingStatus("", status)
	s.grpcHealth.SetServingStatus(grpcServiceName, status)
}

// ReloadCertificates re-reads the configured TLS key pair. The previous
// certificate stays in use when loading fails.
func (s *Server) ReloadCertificates() error {
	if s.certs == nil {
		return nil
	}
	if err := s.certs.Reload(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile); err != nil {
		s.logger.Error("TLS certificate reload failed, keeping old certificate", "error", err)
		return err
	}
	s.logger.Info("TLS certificates reloaded")
	return nil
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()
	s.setGRPCServing(healthpb.HealthCheckResponse_NOT_SERVING)

	drainTimeout := config.MustParseDuration(s.cfg.Server.DrainTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if s.http3Server != nil {
		if err := s.http3Server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP/3 server shutdown error", "error", err)
		}
	}

	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("api server shutdown error", "error", err)
	}

	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}

	if err := s.monitor.Close(); err != nil {
		s.logger.Error("monitor close error", "error", err)
	}

	if err := s.emitter.Close(); err != nil {
		s.logger.Error("events emitter close error", "error", err)
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("store close error", "error", err)
	}

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
