package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/applicenseserver/licenseserver/internal/observability"
	"github.com/applicenseserver/licenseserver/internal/redis"
	"github.com/dgraph-io/ristretto/v2"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	keyPrefix = "ls:"

	// cacheMaxCost bounds the number of cached entities per kind.
	cacheMaxCost = 1 << 16

	// maxUpdateAttempts bounds the retries of an update whose record keeps
	// changing between the read and the compare-and-set.
	maxUpdateAttempts = 5
)

// compareAndSetLua replaces a hash field only while it still holds the value
// the caller read. Returns 0 when the field is gone, -1 when it changed and
// 1 when the write was applied.
const compareAndSetLua = `
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if not cur then
  return 0
end
if cur ~= ARGV[2] then
  return -1
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
return 1
`

var compareAndSetScript = goredis.NewScript(compareAndSetLua)

const (
	casMissing int64 = 0
	casChanged int64 = -1
	casApplied int64 = 1
)

// RedisRepository stores one entity kind as a Redis hash keyed by id with
// JSON values. Reads go through a ristretto cache with a short TTL and
// concurrent misses for the same id share one Redis round-trip. Writes
// invalidate the cached entry, so another replica's writes become visible
// within the TTL. Updates are a compare-and-set against the value read, so a
// concurrent delete is never undone.
type RedisRepository[T Entity[T]] struct {
	client  redis.Client
	key     string
	kind    string
	ttl     time.Duration
	cache   *ristretto.Cache[string, T]
	group   singleflight.Group
	logger  *slog.Logger
	metrics *observability.Metrics

	// gen is bumped by every local write. A load only fills the cache if no
	// write happened since it started.
	mu  sync.Mutex
	gen uint64
}

// NewRedisRepository creates a repository for T on the given client.
// A ttl of zero disables the read cache.
func NewRedisRepository[T Entity[T]](client redis.Client, ttl time.Duration, logger *slog.Logger, metrics *observability.Metrics) *RedisRepository[T] {
	var zero T
	kind := zero.Kind()

	r := &RedisRepository[T]{
		client:  client,
		key:     keyPrefix + kind,
		kind:    kind,
		ttl:     ttl,
		logger:  logger.With("entity", kind),
		metrics: metrics,
	}
	if ttl > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[string, T]{
			NumCounters:        cacheMaxCost * 10,
			MaxCost:            cacheMaxCost,
			BufferItems:        64,
			IgnoreInternalCost: true,
		})
		if err != nil {
			// Only fails with invalid config; the values above are always valid.
			panic("ristretto: " + err.Error())
		}
		r.cache = cache
	}
	return r
}

func (r *RedisRepository[T]) List(ctx context.Context) ([]T, error) {
	raw, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, r.fail("list", err)
	}

	out := make([]T, 0, len(raw))
	for id, data := range raw {
		var v T
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			// One corrupt record must not hide the rest.
			r.logger.Warn("skipping undecodable entity", "id", id, "error", err)
			r.countError()
			continue
		}
		out = append(out, v)
	}
	sortByCreation(out)
	return out, nil
}

func (r *RedisRepository[T]) Get(ctx context.Context, id string) (T, error) {
	id = normalizeID(id)
	if r.cache != nil {
		if v, ok := r.cache.Get(id); ok {
			return v, nil
		}
	}

	// Keying the flight by generation keeps a caller that arrives after a
	// write from sharing a load that started before it.
	gen := r.generation()
	res, err, _ := r.group.Do(id+"@"+strconv.FormatUint(gen, 10), func() (any, error) {
		_, v, err := r.load(ctx, id)
		if err != nil {
			return v, err
		}
		r.fill(id, v, gen)
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return res.(T), nil
}

// load returns the raw record alongside the decoded entity.
func (r *RedisRepository[T]) load(ctx context.Context, id string) (string, T, error) {
	var v T
	data, err := r.client.HGet(ctx, r.key, id).Result()
	if err != nil {
		if redis.IsNil(err) {
			return "", v, ErrNotFound
		}
		return "", v, r.fail("get", err)
	}
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return "", v, r.fail("decode", err)
	}
	return data, v, nil
}

func (r *RedisRepository[T]) Find(ctx context.Context, match func(T) bool) ([]T, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	return filter(all, match), nil
}

func (r *RedisRepository[T]) Create(ctx context.Context, v T) (T, error) {
	var zero T
	v = stamp(v)
	id := v.Meta().ID

	data, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("encoding %s: %w", r.kind, err)
	}
	created, err := r.client.HSetNX(ctx, r.key, id, data).Result()
	if err != nil {
		return zero, r.fail("create", err)
	}
	if !created {
		return zero, ErrConflict
	}
	r.invalidate(id)
	return v, nil
}

func (r *RedisRepository[T]) Update(ctx context.Context, id string, v T) (T, error) {
	var zero T
	id = normalizeID(id)

	for range maxUpdateAttempts {
		raw, prev, err := r.load(ctx, id)
		if err != nil {
			return zero, err
		}
		next := restamp(prev, v)

		data, err := json.Marshal(next)
		if err != nil {
			return zero, fmt.Errorf("encoding %s: %w", r.kind, err)
		}
		outcome, err := r.compareAndSet(ctx, id, raw, data)
		if err != nil {
			return zero, r.fail("update", err)
		}
		switch outcome {
		case casApplied:
			r.invalidate(id)
			return next, nil
		case casMissing:
			r.invalidate(id)
			return zero, ErrNotFound
		}
	}

	r.logger.Warn("update lost every compare-and-set attempt", "id", id, "attempts", maxUpdateAttempts)
	return zero, ErrConflict
}

// compareAndSet runs the script via EVALSHA, falling back to EVAL when the
// server has not cached it yet.
func (r *RedisRepository[T]) compareAndSet(ctx context.Context, id, prev string, next []byte) (int64, error) {
	keys := []string{r.key}
	cmd := r.client.EvalSha(ctx, compareAndSetScript.Hash(), keys, id, prev, next)
	if redis.IsNoScriptErr(cmd.Err()) {
		cmd = r.client.Eval(ctx, compareAndSetLua, keys, id, prev, next)
	}
	n, err := cmd.Int64()
	if err != nil {
		return 0, err
	}
	switch n {
	case casMissing, casChanged, casApplied:
		return n, nil
	default:
		return 0, fmt.Errorf("unexpected compare-and-set result %d", n)
	}
}

func (r *RedisRepository[T]) Delete(ctx context.Context, id string) error {
	id = normalizeID(id)
	n, err := r.client.HDel(ctx, r.key, id).Result()
	if err != nil {
		return r.fail("delete", err)
	}
	r.invalidate(id)
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close releases the read cache. Safe to call multiple times.
func (r *RedisRepository[T]) Close() {
	if r.cache != nil {
		r.cache.Close()
	}
}

func (r *RedisRepository[T]) generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen
}

// fill caches v unless a write landed after the load that produced it began.
func (r *RedisRepository[T]) fill(id string, v T, gen uint64) {
	if r.cache == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen {
		return
	}
	r.cache.SetWithTTL(id, v, 1, r.ttl)
	r.cache.Wait()
}

func (r *RedisRepository[T]) invalidate(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	if r.cache != nil {
		r.cache.Del(id)
	}
}

func (r *RedisRepository[T]) fail(op string, err error) error {
	r.countError()
	if redis.IsConnectivityErr(err) {
		r.logger.Error("redis unreachable", "op", op, "error", err)
	}
	return fmt.Errorf("%s %s: %w", op, r.kind, err)
}

func (r *RedisRepository[T]) countError() {
	if r.metrics != nil {
		r.metrics.IncStoreErrors(r.kind)
	}
}
