package locking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/lily/pkg/redis"
)

// Redis is a Locker shared by every replica of the service.
type Redis struct {
	locker  *redis.Locker
	ttl     time.Duration
	timeout time.Duration
	logger  ectologger.Logger
}

var _ Locker = (*Redis)(nil)

// NewRedis builds a distributed Locker. ttl bounds how long a crashed holder can block
// others; a live holder keeps its locks alive for as long as it holds them.
func NewRedis(locker *redis.Locker, ttl, timeout time.Duration, logger ectologger.Logger) *Redis {
	return &Redis{locker: locker, ttl: ttl, timeout: timeout, logger: logger}
}

// heldLock is a lock whose expiry must be pushed back while it is held.
type heldLock interface {
	Key() string
	Release(ctx context.Context) error
	Extend(ctx context.Context, ttl time.Duration) error
}

func (r *Redis) Lock(ctx context.Context, keys ...string) (Unlock, error) {
	deadline := time.Now().Add(r.timeout)

	held := make([]heldLock, 0, len(keys))
	for _, key := range sortedKeys(keys) {
		lock, err := r.locker.TryAcquire(ctx, key, r.ttl, max(time.Until(deadline), 0))
		if err != nil {
			r.release(ctx, held)
			if errors.Is(err, redis.ErrLockNotAcquired) {
				return nil, ErrTimeout
			}
			return nil, err
		}
		held = append(held, lock)
	}

	stop := keepAlive(held, r.ttl, r.ttl/3, r.logger.WithContext(ctx))
	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			r.release(ctx, held)
		})
	}, nil
}

func (r *Redis) release(ctx context.Context, held []heldLock) {
	// ctx may already be cancelled
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(held) - 1; i >= 0; i-- {
		if err := held[i].Release(releaseCtx); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"key": held[i].Key(),
			}).Warn("failed to release lock")
		}
	}
}

// keepAlive extends every lock to ttl each interval until the returned stop is called.
// stop waits for an in-flight extension to finish.
func keepAlive(locks []heldLock, ttl, interval time.Duration, logger ectologger.Logger) func() {
	if len(locks) == 0 || interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				for _, lock := range locks {
					if err := lock.Extend(ctx, ttl); err != nil {
						logger.WithError(err).WithFields(map[string]any{
							"key": lock.Key(),
						}).Warn("failed to extend lock")
					}
				}
				cancel()
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}
