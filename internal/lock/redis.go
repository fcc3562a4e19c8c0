package lock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultKey = "cronhook:scheduler:tick"
	DefaultTTL = 50 * time.Second
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)

// Redis is a single-key mutex shared by scheduler replicas, so that only one
// of them fires due tasks in a given tick.
type Redis struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedis(redisURL, key string, ttl time.Duration) (*Redis, error) {
	url := strings.TrimSpace(redisURL)
	if url == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	if key == "" {
		key = DefaultKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, key: key, ttl: ttl}, nil
}

// TryLock attempts to take the lock without waiting. When acquired, the
// returned release func must be called once the tick is done.
func (r *Redis) TryLock(ctx context.Context) (func(context.Context), bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	release := func(ctx context.Context) {
		_ = releaseScript.Run(ctx, r.client, []string{r.key}, token).Err()
	}
	return release, true, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
