package lease

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	leaseTTL       = 30 * time.Second
	acquireBackoff = 50 * time.Millisecond
)

// releaseScript deletes the lease only when still held by this owner.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisManager serializes executions across worker processes with a Redis
// lock per execution. The TTL bounds how long a crashed worker can hold an
// execution hostage.
type RedisManager struct {
	client *redis.Client
}

func NewRedisManager(client *redis.Client) *RedisManager {
	return &RedisManager{client: client}
}

func (m *RedisManager) Acquire(ctx context.Context, executionID string) (Releaser, error) {
	key := "periscope:lease:" + executionID
	owner := uuid.New().String()

	for {
		ok, err := m.client.SetNX(ctx, key, owner, leaseTTL).Result()
		if err != nil {
			return nil, err
		}

		if ok {
			return func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()

				_ = releaseScript.Run(releaseCtx, m.client, []string{key}, owner).Err()
			}, nil
		}

		select {
		case <-time.After(acquireBackoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
