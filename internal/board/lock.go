package board

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrSyncInProgress indicates another run currently holds the board lock.
var ErrSyncInProgress = errors.New("board: sync already in progress")

const defaultLockTTL = 5 * time.Minute

// releaseScript deletes the lock key only when this run still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker provides per-board advisory locking so that two sync runs for
// the same board cannot interleave their snapshot writes. The TTL bounds how
// long a crashed run can wedge a board.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLocker connects to redis and verifies the connection.
func NewRedisLocker(redisURL string, ttl time.Duration) (*RedisLocker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisLockerWithClient(client, ttl), nil
}

// NewRedisLockerWithClient builds a locker from an existing redis client.
func NewRedisLockerWithClient(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLocker{
		client: client,
		prefix: "board-sync-lock:",
		ttl:    ttl,
	}
}

func (l *RedisLocker) key(boardID BoardID) string {
	return l.prefix + boardID.String()
}

// Acquire takes the board lock or fails with ErrSyncInProgress when another
// run holds it. The returned release function is safe to call after the TTL
// elapsed; it only deletes a lock this run still owns.
func (l *RedisLocker) Acquire(ctx context.Context, boardID BoardID) (func(), error) {
	token := uuid.NewString()
	key := l.key(boardID)

	acquired, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire board lock: %w", err)
	}
	if !acquired {
		return nil, ErrSyncInProgress
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
	}
	return release, nil
}

// Close releases the underlying redis connection.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
