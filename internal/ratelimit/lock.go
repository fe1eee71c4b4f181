package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var ErrLockerUnavailable = errors.New("locker_unavailable")

// Deletes the key only while it still carries the caller's token.
const releaseOwnedScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Lease is ownership of a redis key until TTL elapses or it is released.
// The zero Lease owns nothing.
type Lease struct {
	Key   string
	Token string
}

func (l Lease) Held() bool {
	return l.Key != "" && l.Token != ""
}

// Locker hands out leases on redis keys shared by every instance of the service.
type Locker struct {
	client  *redis.Client
	release *redis.Script
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client:  client,
		release: redis.NewScript(releaseOwnedScript),
	}
}

// Acquire claims key for ttl. When another holder owns it the returned Lease is
// not held and err is nil.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	switch {
	case l == nil || l.client == nil:
		return Lease{}, ErrLockerUnavailable
	case key == "":
		return Lease{}, errors.New("lease key is empty")
	case ttl <= 0:
		return Lease{}, errors.New("lease ttl must be positive")
	}

	lease := Lease{Key: key, Token: uuid.NewString()}
	ok, err := l.client.SetNX(ctx, key, lease.Token, ttl).Result()
	if err != nil {
		return Lease{}, err
	}
	if !ok {
		return Lease{}, nil
	}
	return lease, nil
}

// Release gives the key back if the lease still owns it. Releasing an
// unheld lease is a no-op.
func (l *Locker) Release(ctx context.Context, lease Lease) error {
	if l == nil || l.client == nil || !lease.Held() {
		return nil
	}
	return l.release.Run(ctx, l.client, []string{lease.Key}, lease.Token).Err()
}
