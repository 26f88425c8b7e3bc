package caching

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld means another replica holds the lock.
var ErrLockHeld = errors.New("lock is held by another process")

// Unlock releases a lock obtained from a CycleLocker.
type Unlock func(ctx context.Context) error

// CycleLocker serializes settlement cycles across replicas.
type CycleLocker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (Unlock, error)
}

type redsyncLocker struct {
	rs *redsync.Redsync
}

func NewRedsyncLocker(client *redis.Client) CycleLocker {
	return &redsyncLocker{rs: redsync.New(goredis.NewPool(client))}
}

// TryLock makes a single attempt. A lock held elsewhere is reported as
// ErrLockHeld; any other error means redis could not be asked.
func (l *redsyncLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (Unlock, error) {
	mutex := l.rs.NewMutex(keyPrefix+"lock:"+name,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
	)

	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return nil, ErrLockHeld
		}
		return nil, err
	}

	return func(ctx context.Context) error {
		_, err := mutex.UnlockContext(ctx)
		return err
	}, nil
}

// localLocker is an in-process CycleLocker for single-replica deployments
// without redis.
type localLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalLocker() CycleLocker {
	return &localLocker{held: make(map[string]bool)}
}

func (l *localLocker) TryLock(_ context.Context, name string, _ time.Duration) (Unlock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] {
		return nil, ErrLockHeld
	}
	l.held[name] = true
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, name)
		return nil
	}, nil
}
