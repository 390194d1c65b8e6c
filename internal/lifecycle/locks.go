package lifecycle

import (
	"context"
	"time"

	"player-order-service/internal/keylock"
)

// RedisLocks adapts a keylock.Locker to the Locks interface.
type RedisLocks struct {
	Locker *keylock.Locker
}

func (r RedisLocks) AcquireWait(ctx context.Context, key string, retry time.Duration) (Unlocker, error) {
	lock, err := r.Locker.AcquireWait(ctx, key, retry)
	if err != nil {
		return nil, err
	}
	return lock, nil
}
