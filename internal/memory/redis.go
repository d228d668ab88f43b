package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock key only if the caller still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Store backed by a Redis server, for sharing coordination
// state across processes. TTL and lock leases map directly onto Redis
// key expiry; lock acquisition uses SET NX PX, which gives the required
// compare-and-set semantics. Last-writer-wins ordering is the server's
// own command order.
type Redis struct {
	client *redis.Client
	// prefix namespaces all keys so one server can host several fleets.
	prefix string
}

// RedisOptions configures the Redis store.
type RedisOptions struct {
	// Addr is the host:port of the Redis server.
	Addr string
	// Password is optional server auth.
	Password string
	// DB selects the Redis logical database.
	DB int
	// KeyPrefix prepends all keys. Defaults to "qefleet".
	KeyPrefix string
}

// NewRedis connects to Redis and verifies the connection with a ping.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("%w: connect to redis at %s: %v", ErrUnavailable, opts.Addr, err)
	}

	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "qefleet"
	}

	return &Redis{client: client, prefix: prefix}, nil
}

// NewRedisFromClient wraps an existing client. Used by tests with miniredis.
func NewRedisFromClient(client *redis.Client, keyPrefix string) *Redis {
	if keyPrefix == "" {
		keyPrefix = "qefleet"
	}
	return &Redis{client: client, prefix: keyPrefix}
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) entryKey(namespace, key, partition string) string {
	return fmt.Sprintf("%s:%s:%s:%s", r.prefix, partition, namespace, key)
}

func (r *Redis) lockKey(fingerprint string) string {
	return fmt.Sprintf("%s:lock:%s", r.prefix, fingerprint)
}

// Put stores value with the given TTL. Zero TTL means no expiry.
func (r *Redis) Put(ctx context.Context, namespace, key string, value []byte, ttl time.Duration, partition string) error {
	err := r.client.Set(ctx, r.entryKey(namespace, key, partition), value, ttl).Err()
	if err != nil {
		return fmt.Errorf("%w: put %s/%s: %v", ErrUnavailable, namespace, key, err)
	}
	return nil
}

// Get returns the stored value, or ErrNotFound for missing or expired keys.
func (r *Redis) Get(ctx context.Context, namespace, key, partition string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.entryKey(namespace, key, partition)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s/%s: %v", ErrUnavailable, namespace, key, err)
	}
	return data, nil
}

// TryAcquireLock acquires the fingerprint lock with SET NX PX semantics.
func (r *Redis) TryAcquireLock(ctx context.Context, fingerprint, holder string, lease time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.lockKey(fingerprint), holder, lease).Result()
	if err != nil {
		return false, fmt.Errorf("%w: acquire lock %s: %v", ErrUnavailable, fingerprint, err)
	}
	return ok, nil
}

// ReleaseLock releases the lock if holder still owns it. The check and
// delete run atomically server-side.
func (r *Redis) ReleaseLock(ctx context.Context, fingerprint, holder string) error {
	err := releaseScript.Run(ctx, r.client, []string{r.lockKey(fingerprint)}, holder).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: release lock %s: %v", ErrUnavailable, fingerprint, err)
	}
	return nil
}

var _ Store = (*Redis)(nil)
