package presence

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store keeps who is currently in each room. Entries expire at their
// deadline unless touched again.
type Store interface {
	// Touch adds or refreshes name in roomID until deadline.
	Touch(ctx context.Context, roomID, name string, deadline time.Time) error

	// Remove drops name from roomID.
	Remove(ctx context.Context, roomID, name string) error

	// Members returns the names whose deadline is after now, sorted.
	Members(ctx context.Context, roomID string, now time.Time) ([]string, error)

	Close() error
}

// Redis key pattern:
// presence:room:{room_id}:members   ZSET<name> scored by deadline (unix ms)

func roomMembersKey(roomID string) string {
	return fmt.Sprintf("presence:room:%s:members", roomID)
}

type redisStore struct {
	client *redis.Client
	owned  bool
}

// NewRedisStore wraps an existing client; Close leaves the client open.
func NewRedisStore(client *redis.Client) Store {
	return &redisStore{client: client}
}

// DialRedisStore connects to addr and owns the connection.
func DialRedisStore(addr, password string, db int) (Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &redisStore{client: client, owned: true}, nil
}

func (s *redisStore) Touch(ctx context.Context, roomID, name string, deadline time.Time) error {
	key := roomMembersKey(roomID)
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(deadline.UnixMilli()), Member: name})
	pipe.ExpireAt(ctx, key, deadline)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *redisStore) Remove(ctx context.Context, roomID, name string) error {
	return s.client.ZRem(ctx, roomMembersKey(roomID), name).Err()
}

func (s *redisStore) Members(ctx context.Context, roomID string, now time.Time) ([]string, error) {
	key := roomMembersKey(roomID)
	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.UnixMilli(), 10))
	members := pipe.ZRange(ctx, key, 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	names := members.Val()
	sort.Strings(names)
	return names, nil
}

func (s *redisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

type memoryStore struct {
	mu    sync.Mutex
	rooms map[string]map[string]time.Time
}

// NewMemoryStore returns a single-process Store.
func NewMemoryStore() Store {
	return &memoryStore{rooms: make(map[string]map[string]time.Time)}
}

func (s *memoryStore) Touch(_ context.Context, roomID, name string, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		room = make(map[string]time.Time)
		s.rooms[roomID] = room
	}
	room[name] = deadline
	return nil
}

func (s *memoryStore) Remove(_ context.Context, roomID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if room, ok := s.rooms[roomID]; ok {
		delete(room, name)
		if len(room) == 0 {
			delete(s.rooms, roomID)
		}
	}
	return nil
}

func (s *memoryStore) Members(_ context.Context, roomID string, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := []string{}
	for name, deadline := range s.rooms[roomID] {
		if deadline.After(now) {
			names = append(names, name)
		} else {
			delete(s.rooms[roomID], name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStore) Close() error { return nil }
