package scopelock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease only when it is still ours; an expired
// lease taken over by another process is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker backed by a shared redis instance: SET NX PX leases,
// so multiple ledgerd processes serialize scopes against each other. The
// in-process Keyed locker is layered underneath to keep local contention
// off the network.
type Redis struct {
	client    *redis.Client
	local     *Keyed
	lease     time.Duration
	retryWait time.Duration
	prefix    string
}

// NewRedis builds a distributed locker. A zero lease defaults to 30s.
func NewRedis(client *redis.Client, lease time.Duration) *Redis {
	if lease <= 0 {
		lease = 30 * time.Second
	}
	return &Redis{
		client:    client,
		local:     NewKeyed(),
		lease:     lease,
		retryWait: 25 * time.Millisecond,
		prefix:    "ledgerd:scope:",
	}
}

// Acquire takes the local lock first, then polls for the shared lease
// until it wins or ctx is done.
func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	localRelease, err := r.local.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}

	redisKey := r.prefix + key
	token := uuid.NewString()
	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.lease).Result()
		if err != nil {
			localRelease()
			return nil, fmt.Errorf("scope lease %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-time.After(r.retryWait):
		case <-ctx.Done():
			localRelease()
			return nil, ctx.Err()
		}
	}

	release := func() {
		// Release outlives the request context; bound it separately.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = releaseScript.Run(ctx, r.client, []string{redisKey}, token).Result()
		localRelease()
	}
	return release, nil
}
