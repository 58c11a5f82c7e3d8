package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/applicenseserver/licenseserver/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// freeAddr returns a "host:port" string with a port the OS has confirmed is
// available. The listener is closed immediately so the port can be reused.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// startServer runs srv until the test ends and waits for /healthz.
func startServer(t *testing.T, cfg *config.Config) {
	t.Helper()
	srv, err := New(context.Background(), cfg, testLogger(), "test")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("server did not shut down within timeout")
		}
	})

	require.Eventually(t, func() bool {
		resp, httpErr := http.Get("http://" + cfg.Admin.Address + "/readyz")
		if httpErr != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond, "server did not become ready")
}

func testServerConfig(t *testing.T) *config.Config {
	cfg := config.Defaults()
	cfg.Server.Address = freeAddr(t)
	cfg.Admin.Address = freeAddr(t)
	cfg.DDoSProtection.Enabled = true
	cfg.DDoSProtection.MaxHitsPerOrigin = 3
	cfg.DDoSProtection.MaxHitsPerOriginIntervalMs = 60000
	return cfg
}

func TestServerRejectsFloodingClient(t *testing.T) {
	cfg := testServerConfig(t)
	startServer(t, cfg)

	client := &http.Client{Timeout: 5 * time.Second}
	for i := range 3 {
		resp, err := client.Get("http://" + cfg.Server.Address + "/api/info")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, "request %d", i+1)
	}

	resp, err := client.Get("http://" + cfg.Server.Address + "/api/info")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "TooManyHits", string(body))

	t.Run("unprotected calls still pass", func(t *testing.T) {
		resp, err := client.Get("http://" + cfg.Server.Address + "/api/license/getall")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("metrics expose the rejection", func(t *testing.T) {
		resp, err := client.Get("http://" + cfg.Admin.Address + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		assert.Contains(t, string(raw), "licenseserver_ddos_rejected_total 1")
		assert.Contains(t, string(raw), "licenseserver_ddos_banned_clients 1")
	})

	t.Run("deep readiness reports monitor size", func(t *testing.T) {
		resp, err := client.Get("http://" + cfg.Admin.Address + "/readyz?deep=true")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var out map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		assert.Equal(t, float64(1), out["banned_clients"])
	})
}

func TestServerHealthEndpoints(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testServerConfig(t)
	cfg.Store.Backend = config.StoreBackendRedis
	cfg.Store.Redis.Endpoints = []string{mr.Addr()}
	startServer(t, cfg)

	client := &http.Client{Timeout: 5 * time.Second}
	for _, path := range []string{"/startz", "/healthz", "/readyz"} {
		resp, err := client.Get("http://" + cfg.Admin.Address + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	resp, err := client.Get("http://" + cfg.Admin.Address + "/readyz?deep=true")
	require.NoError(t, err)
	defer resp.Body.Close()
	var out struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "ready", out.Status)
	assert.Equal(t, "ok", out.Dependencies["redis"])
}

func TestServerGRPCHealth(t *testing.T) {
	cfg := testServerConfig(t)
	cfg.Admin.GRPCAddress = freeAddr(t)
	startServer(t, cfg)

	conn, err := grpc.NewClient(cfg.Admin.GRPCAddress, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	hc := healthpb.NewHealthClient(conn)
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: "licenseserver"})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, 5*time.Second, 50*time.Millisecond)
}

func TestServerTLSHTTP2(t *testing.T) {
	dir := t.TempDir()
	certFile := dir + "/tls.crt"
	keyFile := dir + "/tls.key"
	require.NoError(t, generateSelfSignedCert(certFile, keyFile))

	cfg := testServerConfig(t)
	cfg.Server.TLS.Enabled = true
	cfg.Server.TLS.CertFile = certFile
	cfg.Server.TLS.KeyFile = keyFile
	startServer(t, cfg)

	tr := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	require.NoError(t, http2.ConfigureTransport(tr))
	client := &http.Client{Timeout: 5 * time.Second, Transport: tr}

	resp, err := client.Get("https://" + cfg.Server.Address + "/api/product/getall")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "HTTP/2.0", resp.Proto)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}

func TestServerCleartextH2C(t *testing.T) {
	cfg := testServerConfig(t)
	startServer(t, cfg)

	tr := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
	client := &http.Client{Timeout: 5 * time.Second, Transport: tr}

	resp, err := client.Get("http://" + cfg.Server.Address + "/api/user/getall")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "HTTP/2.0", resp.Proto)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
