package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weiawesome/ephemeral-chat/internal/config"
	"github.com/weiawesome/ephemeral-chat/internal/domain"
)

// RedisRoomCache stores each room as a hash under {prefix}:id:{roomID}.
type RedisRoomCache struct {
	client *redis.Client
	prefix string
}

func NewRedisRoomCache(cfg config.RedisConfig, prefix string) (*RedisRoomCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if prefix == "" {
		prefix = "chat:room"
	}
	return &RedisRoomCache{client: client, prefix: prefix}, nil
}

func (c *RedisRoomCache) key(roomID string) string {
	return fmt.Sprintf("%s:id:%s", c.prefix, roomID)
}

func (c *RedisRoomCache) Get(ctx context.Context, roomID string) (*domain.Room, error) {
	fields, err := c.client.HGetAll(ctx, c.key(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}
	return roomFromFields(fields)
}

// setRoomScript replaces the room hash and its TTL unless the cached entry
// already carries newer activity. Returns 1 if written, 0 if skipped.
var setRoomScript = redis.NewScript(`
local key = KEYS[1]
local current = redis.call("HGET", key, "last_activity")
if current and tonumber(current) > tonumber(ARGV[4]) then
  return 0
end
redis.call("DEL", key)
redis.call("HSET", key, "id", ARGV[1], "security_code", ARGV[2], "created_at", ARGV[3], "last_activity", ARGV[4])
redis.call("PEXPIRE", key, ARGV[5])
return 1
`)

// Set writes the room and its TTL atomically so a reader never sees an entry
// without expiry, and a late fill never rolls last activity back.
func (c *RedisRoomCache) Set(ctx context.Context, room *domain.Room, ttl time.Duration) error {
	f := roomFields(room)
	args := []any{f[fieldID], f[fieldSecurityCode], f[fieldCreatedAt], f[fieldLastActivity], ttl.Milliseconds()}
	err := setRoomScript.Run(ctx, c.client, []string{c.key(room.ID)}, args...).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to set in redis: %w", err)
	}
	return nil
}

func (c *RedisRoomCache) Invalidate(ctx context.Context, roomIDs ...string) error {
	if len(roomIDs) == 0 {
		return nil
	}
	keys := make([]string, len(roomIDs))
	for i, id := range roomIDs {
		keys[i] = c.key(id)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete from redis: %w", err)
	}
	return nil
}

func (c *RedisRoomCache) Close() error {
	return c.client.Close()
}
