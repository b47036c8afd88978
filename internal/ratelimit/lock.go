package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "tallybill:lock:"

// Compare-and-delete so an expired holder cannot drop a lease taken over by another replica.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var (
	ErrLockHeld     = errors.New("lock held by another owner")
	ErrInvalidLease = errors.New("lock key and ttl are required")
)

// Locker hands out redis leases for jobs that must run on one replica at a time.
type Locker struct {
	client *redis.Client
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{client: client}
}

// Lease is an acquired lock. It expires on its own after the ttl.
type Lease struct {
	key    string
	token  string
	client *redis.Client
}

// Acquire takes key for ttl or returns ErrLockHeld.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if key == "" || ttl <= 0 {
		return nil, ErrInvalidLease
	}
	lease := &Lease{key: lockKeyPrefix + key, token: uuid.NewString(), client: l.client}
	acquired, err := l.client.SetNX(ctx, lease.key, lease.token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrLockHeld
	}
	return lease, nil
}

// Release is a no-op once the lease has expired or moved to another owner.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}

// RunExclusive runs fn under key and reports whether it ran. A nil Locker
// means a single replica, so fn always runs.
func (l *Locker) RunExclusive(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) (bool, error) {
	if l == nil {
		return true, fn(ctx)
	}
	lease, err := l.Acquire(ctx, key, ttl)
	if errors.Is(err, ErrLockHeld) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer func() { _ = lease.Release(context.WithoutCancel(ctx)) }()
	return true, fn(ctx)
}
