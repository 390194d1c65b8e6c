package keylock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrBusy is returned when another holder owns the key.
var ErrBusy = errors.New("key is locked")

// Locker serializes mutations per key (order id, rating scope) across
// any number of API workers using Redis SET NX with a TTL. The TTL
// bounds how long a crashed holder can block others.
type Locker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New builds a locker. ttl must exceed the longest critical section.
func New(client *redis.Client, prefix string, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Locker{client: client, prefix: prefix, ttl: ttl}
}

// Lock represents one acquired key; only the acquiring token can
// release it.
type Lock struct {
	locker *Locker
	key    string
	token  string
}

func (l *Locker) redisKey(key string) string {
	return l.prefix + key
}

// Acquire takes the key or fails immediately with ErrBusy.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lock, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, l.redisKey(key), token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBusy
	}
	return &Lock{locker: l, key: key, token: token}, nil
}

// AcquireWait retries acquisition until the context expires.
func (l *Locker) AcquireWait(ctx context.Context, key string, retry time.Duration) (*Lock, error) {
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	for {
		lock, err := l.Acquire(ctx, key)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, ErrBusy) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retry):
		}
	}
}

// Release frees the key if this lock still owns it. Releasing an
// expired or stolen lock is a no-op.
func (lk *Lock) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, lk.locker.client, []string{lk.locker.redisKey(lk.key)}, lk.token).Result()
	if err == redis.Nil {
		return nil
	}
	return err
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
