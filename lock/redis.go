package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/warp/settlement-engine/generic"
)

const keyNamespace = "settlement:lock"

// releaseScript deletes the key only while it still holds our token.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

type cmdable interface {
	Ping(context.Context) *redis.StatusCmd
	SetNX(context.Context, string, any, time.Duration) *redis.BoolCmd
	Eval(context.Context, string, []string, ...any) *redis.Cmd
}

// Redis is a distributed try-lock built on SET NX with a per-holder token.
type Redis struct {
	store   cmdable
	onError func(error)
}

// NewRedis connects to url and verifies connectivity.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	if url == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	raw := redis.NewClient(opts)
	if err := raw.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{store: raw}, nil
}

// OnReleaseError registers a callback for failed releases. The key still
// expires after its ttl.
func (r *Redis) OnReleaseError(fn func(error)) {
	r.onError = fn
}

func (r *Redis) key(key string) string {
	return keyNamespace + ":" + key
}

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if r.store == nil {
		return nil, errors.New("redis client not initialized")
	}
	token := uuid.NewString()
	ok, err := r.store.SetNX(ctx, r.key(key), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, generic.ErrLocked
	}
	return func() {
		// Release on a fresh context so a cancelled request still frees the key.
		relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.store.Eval(relCtx, releaseScript, []string{r.key(key)}, token).Err(); err != nil && r.onError != nil {
			r.onError(fmt.Errorf("release lock %s: %w", key, err))
		}
	}, nil
}
