// Package config handles loading and validation of licenseserver configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// LICENSESERVER_ prefix:
//
//	server.address → LICENSESERVER_SERVER_ADDRESS
//	ddos_protection.max_hits_per_origin → LICENSESERVER_DDOS_PROTECTION_MAX_HITS_PER_ORIGIN
//
// The configuration is read once at startup and never mutated afterwards.
package config

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via LICENSESERVER_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/licenseserver/config.yaml"

// envPrefix is prepended to every environment variable name.
const envPrefix = "LICENSESERVER_"

// ---------------------------------------------------------------------------
// Enum types. All canonical forms are lowercase; Load() normalizes before
// validation.
// ---------------------------------------------------------------------------

// ReleaseOrder selects which banned client is released on each release tick.
type ReleaseOrder string

const (
	// ReleaseOrderLIFO releases the most recently banned client first.
	ReleaseOrderLIFO ReleaseOrder = "lifo"
	// ReleaseOrderFIFO releases the longest banned client first.
	ReleaseOrderFIFO ReleaseOrder = "fifo"
)

func (o ReleaseOrder) Valid() bool {
	switch o {
	case ReleaseOrderLIFO, ReleaseOrderFIFO:
		return true
	}
	return false
}

// PathMatch selects how a request's "METHOD path" is compared against the
// protected-call registry.
type PathMatch string

const (
	// PathMatchPrefix requires a registry entry to be a prefix of the request
	// that ends on a path segment boundary.
	PathMatchPrefix PathMatch = "prefix"
	// PathMatchSubstring accepts any registry entry contained in the request.
	PathMatchSubstring PathMatch = "substring"
)

func (m PathMatch) Valid() bool {
	switch m {
	case PathMatchPrefix, PathMatchSubstring:
		return true
	}
	return false
}

// StoreBackend selects the repository implementation for licensing entities.
type StoreBackend string

const (
	StoreBackendMemory StoreBackend = "memory"
	StoreBackendRedis  StoreBackend = "redis"
)

func (b StoreBackend) Valid() bool {
	switch b {
	case StoreBackendMemory, StoreBackendRedis:
		return true
	}
	return false
}

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// TLSVersion selects the minimum TLS protocol version.
type TLSVersion string

const (
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

func (v TLSVersion) Valid() bool {
	switch v {
	case TLSVersion12, TLSVersion13, "":
		return true
	}
	return false
}

// Config is the top-level licenseserver configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"          envPrefix:"SERVER_"`
	Admin          AdminConfig          `yaml:"admin"           envPrefix:"ADMIN_"`
	DDoSProtection DDoSProtectionConfig `yaml:"ddos_protection" envPrefix:"DDOS_PROTECTION_"`
	Store          StoreConfig          `yaml:"store"           envPrefix:"STORE_"`
	Events         EventsConfig         `yaml:"events"          envPrefix:"EVENTS_"`
	Logging        LoggingConfig        `yaml:"logging"         envPrefix:"LOGGING_"`
	Tracing        TracingConfig        `yaml:"tracing"         envPrefix:"TRACING_"`
}

// ServerConfig holds the public API server settings.
type ServerConfig struct {
	Address      string          `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string          `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string          `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string          `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string          `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
	TLS          ServerTLSConfig `yaml:"tls"           envPrefix:"TLS_"`
}

// ServerTLSConfig holds optional TLS termination settings.
type ServerTLSConfig struct {
	Enabled      bool       `yaml:"enabled"       env:"ENABLED"`
	CertFile     string     `yaml:"cert_file"     env:"CERT_FILE"`
	KeyFile      string     `yaml:"key_file"      env:"KEY_FILE"`
	HTTP3Enabled bool       `yaml:"http3_enabled" env:"HTTP3_ENABLED"`
	MinVersion   TLSVersion `yaml:"min_version"   env:"MIN_VERSION"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`

	// GRPCAddress enables the gRPC health service when non-empty.
	GRPCAddress string `yaml:"grpc_address" env:"GRPC_ADDRESS"`
}

// DDoSProtectionConfig holds the request-rate monitoring settings.
type DDoSProtectionConfig struct {
	Enabled                    bool `yaml:"enabled"                         env:"ENABLED"`
	FullServiceLevelProtection bool `yaml:"full_service_level_protection"   env:"FULL_SERVICE_LEVEL_PROTECTION"`
	MaxHitsPerOrigin           int  `yaml:"max_hits_per_origin"             env:"MAX_HITS_PER_ORIGIN"`
	MaxHitsPerOriginIntervalMs int  `yaml:"max_hits_per_origin_interval_ms" env:"MAX_HITS_PER_ORIGIN_INTERVAL_MS"`
	ReleaseIntervalMs          int  `yaml:"release_interval_ms"             env:"RELEASE_INTERVAL_MS"`

	ReleaseOrder ReleaseOrder `yaml:"release_order" env:"RELEASE_ORDER"`
	PathMatch    PathMatch    `yaml:"path_match"    env:"PATH_MATCH"`

	// TrustedProxies is a list of CIDR ranges whose X-Forwarded-For header
	// is trusted. When empty, the header is always honored.
	TrustedProxies []string `yaml:"trusted_proxies" env:"TRUSTED_PROXIES" envSeparator:","`
}

// DecayInterval returns the hit-counter decay period.
func (d DDoSProtectionConfig) DecayInterval() time.Duration {
	return time.Duration(d.MaxHitsPerOriginIntervalMs) * time.Millisecond
}

// ReleaseInterval returns the ban-list release period.
func (d DDoSProtectionConfig) ReleaseInterval() time.Duration {
	return time.Duration(d.ReleaseIntervalMs) * time.Millisecond
}

// ParseTrustedProxies converts TrustedProxies into prefixes. Bare addresses
// are accepted as single-host prefixes.
func (d DDoSProtectionConfig) ParseTrustedProxies() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(d.TrustedProxies))
	for _, raw := range d.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// StoreConfig selects where licensing entities live.
type StoreConfig struct {
	Backend StoreBackend `yaml:"backend" env:"BACKEND"`

	// CacheTTL bounds how long a Redis read stays in the local cache.
	CacheTTL string      `yaml:"cache_ttl" env:"CACHE_TTL"`
	Redis    RedisConfig `yaml:"redis"     envPrefix:"REDIS_"`
}

// EventsConfig holds optional ban/release event emission settings.
// When enabled, ban and release decisions are posted in batches to an
// external HTTP receiver (webhook pattern).
type EventsConfig struct {
	Enabled       bool             `yaml:"enabled"        env:"ENABLED"`
	HTTP          EventsHTTPConfig `yaml:"http"           envPrefix:"HTTP_"`
	BatchSize     int              `yaml:"batch_size"     env:"BATCH_SIZE"`
	FlushInterval string           `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	BufferSize    int              `yaml:"buffer_size"    env:"BUFFER_SIZE"`
	MaxRetries    int              `yaml:"max_retries"    env:"MAX_RETRIES"`
	RetryBackoff  string           `yaml:"retry_backoff"  env:"RETRY_BACKOFF"`
}

// EventsHTTPConfig holds HTTP event receiver settings.
type EventsHTTPConfig struct {
	URL string `yaml:"url" env:"URL"`

	// Headers are sent with every batch, typically for receiver auth.
	Headers map[string]RedactedString `yaml:"headers"`
}

// RedisConfig holds Redis connection and topology settings.
type RedisConfig struct {
	Endpoints    []string       `yaml:"endpoints"     env:"ENDPOINTS" envSeparator:","`
	Mode         RedisMode      `yaml:"mode"          env:"MODE"`
	MasterName   string         `yaml:"master_name"   env:"MASTER_NAME"`
	Username     string         `yaml:"username"      env:"USERNAME"`
	Password     RedactedString `yaml:"password"      env:"PASSWORD"`
	DB           int            `yaml:"db"            env:"DB"`
	PoolSize     int            `yaml:"pool_size"     env:"POOL_SIZE"`
	DialTimeout  string         `yaml:"dial_timeout"  env:"DIAL_TIMEOUT"`
	ReadTimeout  string         `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string         `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	TLS          RedisTLSConfig `yaml:"tls"           envPrefix:"TLS_"`
}

// RedactedString is a string that masks its value in String(), GoString(), and
// MarshalJSON() to prevent accidental leakage in logs or serialized output.
// Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer and always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  "30s",
			WriteTimeout: "30s",
			IdleTimeout:  "120s",
			DrainTimeout: "30s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		DDoSProtection: DDoSProtectionConfig{
			MaxHitsPerOrigin:           100,
			MaxHitsPerOriginIntervalMs: 1000,
			ReleaseIntervalMs:          600000,
			ReleaseOrder:               ReleaseOrderLIFO,
			PathMatch:                  PathMatchPrefix,
		},
		Store: StoreConfig{
			Backend:  StoreBackendMemory,
			CacheTTL: "30s",
			Redis: RedisConfig{
				Endpoints:    []string{"localhost:6379"},
				Mode:         RedisModeSingle,
				PoolSize:     10,
				DialTimeout:  "5s",
				ReadTimeout:  "3s",
				WriteTimeout: "3s",
			},
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "licenseserver",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv(envPrefix + "CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides. The config file path defaults to /etc/licenseserver/config.yaml
// and can be overridden via LICENSESERVER_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. A missing file is not an error.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that YAML values like "LIFO"
// or env values like "Redis" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.DDoSProtection.ReleaseOrder = ReleaseOrder(strings.ToLower(string(cfg.DDoSProtection.ReleaseOrder)))
	cfg.DDoSProtection.PathMatch = PathMatch(strings.ToLower(string(cfg.DDoSProtection.PathMatch)))
	cfg.Store.Backend = StoreBackend(strings.ToLower(string(cfg.Store.Backend)))
	cfg.Store.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Store.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	cfg.Server.TLS.MinVersion = TLSVersion(normalizeTLSVersion(string(cfg.Server.TLS.MinVersion)))
}

// normalizeTLSVersion maps the various accepted spellings to canonical "1.2" / "1.3".
func normalizeTLSVersion(v string) string {
	switch strings.ToLower(v) {
	case "1.3", "tls13", "tls1.3":
		return string(TLSVersion13)
	case "1.2", "tls12", "tls1.2":
		return string(TLSVersion12)
	default:
		return v
	}
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateTLS(cfg); err != nil {
		return err
	}
	if err := validateDDoSProtection(cfg); err != nil {
		return err
	}
	if err := validateStore(cfg); err != nil {
		return err
	}
	if err := validateEvents(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"store.cache_ttl", cfg.Store.CacheTTL},
		{"store.redis.dial_timeout", cfg.Store.Redis.DialTimeout},
		{"store.redis.read_timeout", cfg.Store.Redis.ReadTimeout},
		{"store.redis.write_timeout", cfg.Store.Redis.WriteTimeout},
		{"events.flush_interval", cfg.Events.FlushInterval},
		{"events.retry_backoff", cfg.Events.RetryBackoff},
	}

	for _, d := range durations {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}
	return nil
}

func validateTLS(cfg *Config) error {
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
		}
	}
	if cfg.Server.TLS.HTTP3Enabled && !cfg.Server.TLS.Enabled {
		return fmt.Errorf("server.tls.http3_enabled requires server.tls.enabled to be true (QUIC mandates TLS)")
	}
	if v := cfg.Server.TLS.MinVersion; v != "" && !v.Valid() {
		return fmt.Errorf("invalid server.tls.min_version %q: must be 1.2 or 1.3", v)
	}
	return nil
}

func validateDDoSProtection(cfg *Config) error {
	d := cfg.DDoSProtection
	if ro := d.ReleaseOrder; ro != "" && !ro.Valid() {
		return fmt.Errorf("invalid ddos_protection.release_order %q: must be lifo or fifo", ro)
	}
	if pm := d.PathMatch; pm != "" && !pm.Valid() {
		return fmt.Errorf("invalid ddos_protection.path_match %q: must be prefix or substring", pm)
	}
	if _, err := d.ParseTrustedProxies(); err != nil {
		return fmt.Errorf("ddos_protection.trusted_proxies: %w", err)
	}
	if !d.Enabled {
		return nil
	}
	if d.MaxHitsPerOrigin < 1 {
		return fmt.Errorf("ddos_protection.max_hits_per_origin must be >= 1, got %d", d.MaxHitsPerOrigin)
	}
	if d.MaxHitsPerOriginIntervalMs < 1 {
		return fmt.Errorf("ddos_protection.max_hits_per_origin_interval_ms must be >= 1, got %d", d.MaxHitsPerOriginIntervalMs)
	}
	if d.ReleaseIntervalMs < 1 {
		return fmt.Errorf("ddos_protection.release_interval_ms must be >= 1, got %d", d.ReleaseIntervalMs)
	}
	return nil
}

func validateStore(cfg *Config) error {
	if !cfg.Store.Backend.Valid() {
		return fmt.Errorf("invalid store.backend %q: must be memory or redis", cfg.Store.Backend)
	}
	if cfg.Store.Backend != StoreBackendRedis {
		return nil
	}
	return validateRedisConfig(cfg.Store.Redis, "store.redis")
}

func validateRedisConfig(rc RedisConfig, prefix string) error {
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid %s.mode %q", prefix, rc.Mode)
	}
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("%s.endpoints: at least one endpoint is required", prefix)
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("%s.endpoints: single mode requires exactly one endpoint, got %d", prefix, len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("%s.master_name is required for sentinel mode", prefix)
	}
	return nil
}

func validateEvents(cfg *Config) error {
	if !cfg.Events.Enabled {
		return nil
	}
	if cfg.Events.HTTP.URL == "" {
		return fmt.Errorf("events.http.url is required when events are enabled")
	}
	u, err := url.Parse(cfg.Events.HTTP.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid events.http.url %q: scheme and host are required", cfg.Events.HTTP.URL)
	}
	if cfg.Events.MaxRetries < 0 {
		return fmt.Errorf("events.max_retries must be >= 0, got %d", cfg.Events.MaxRetries)
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}
