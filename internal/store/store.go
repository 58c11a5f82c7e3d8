package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/applicenseserver/licenseserver/internal/config"
	"github.com/applicenseserver/licenseserver/internal/observability"
	"github.com/applicenseserver/licenseserver/internal/redis"
)

const defaultCacheTTL = 30 * time.Second

// Store bundles one repository per entity kind on a single backend.
type Store struct {
	Accounts  Repository[Account]
	Users     Repository[User]
	Products  Repository[Product]
	Licenses  Repository[License]
	Telemetry Repository[Telemetry]

	backend config.StoreBackend
	client  redis.Client
	closers []func()
}

// New builds the store for the configured backend. For Redis the client is
// created and pinged here, so an unreachable Redis fails startup.
func New(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger, metrics *observability.Metrics) (*Store, error) {
	logger = logger.With("component", "store")

	switch cfg.Backend {
	case config.StoreBackendMemory, "":
		return NewMemory(), nil
	case config.StoreBackendRedis:
		client, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		redis.WarnInsecureRedis(cfg.Redis.TLS, logger)
		ttl, err := config.ParseDuration(cfg.CacheTTL, defaultCacheTTL)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("store: invalid cache_ttl: %w", err)
		}
		logger.Info("using redis store", "mode", cfg.Redis.Mode, "endpoints", cfg.Redis.Endpoints, "cache_ttl", ttl)
		return NewRedis(client, ttl, logger, metrics), nil
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
}

// NewMemory returns a store whose repositories live in process memory.
func NewMemory() *Store {
	return &Store{
		Accounts:  NewMemoryRepository[Account](),
		Users:     NewMemoryRepository[User](),
		Products:  NewMemoryRepository[Product](),
		Licenses:  NewMemoryRepository[License](),
		Telemetry: NewMemoryRepository[Telemetry](),
		backend:   config.StoreBackendMemory,
	}
}

// NewRedis returns a store on an existing Redis client. The store takes
// ownership of the client and closes it in Close.
func NewRedis(client redis.Client, ttl time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Store {
	accounts := NewRedisRepository[Account](client, ttl, logger, metrics)
	users := NewRedisRepository[User](client, ttl, logger, metrics)
	products := NewRedisRepository[Product](client, ttl, logger, metrics)
	licenses := NewRedisRepository[License](client, ttl, logger, metrics)
	telemetry := NewRedisRepository[Telemetry](client, ttl, logger, metrics)

	return &Store{
		Accounts:  accounts,
		Users:     users,
		Products:  products,
		Licenses:  licenses,
		Telemetry: telemetry,
		backend:   config.StoreBackendRedis,
		client:    client,
		closers:   []func(){accounts.Close, users.Close, products.Close, licenses.Close, telemetry.Close},
	}
}

// Backend reports which backend the store runs on.
func (s *Store) Backend() config.StoreBackend { return s.backend }

// Pinger returns the readiness dependency for the store, or nil when the
// backend has nothing external to check.
func (s *Store) Pinger() observability.Pinger {
	if s.client == nil {
		return nil
	}
	return s
}

// Ping checks connectivity to the backing Redis. Always nil for memory.
func (s *Store) Ping(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Ping(ctx).Err()
}

// Close releases caches and the Redis connection.
func (s *Store) Close() error {
	for _, c := range s.closers {
		c()
	}
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
