// Package cache holds the cache-aside layer for room lookups.
package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/weiawesome/ephemeral-chat/internal/domain"
)

var ErrCacheMiss = errors.New("cache miss")

// RoomCache caches live rooms by ID. Entries include the security code, so
// the cache must not be shared with untrusted readers.
type RoomCache interface {
	Get(ctx context.Context, roomID string) (*domain.Room, error)
	Set(ctx context.Context, room *domain.Room, ttl time.Duration) error
	Invalidate(ctx context.Context, roomIDs ...string) error
	Close() error
}

// Hash fields of a cached room.
const (
	fieldID           = "id"
	fieldSecurityCode = "security_code"
	fieldCreatedAt    = "created_at"
	fieldLastActivity = "last_activity"
)

// roomFields flattens a room into hash fields. Times are unix milliseconds.
func roomFields(r *domain.Room) map[string]any {
	return map[string]any{
		fieldID:           r.ID,
		fieldSecurityCode: r.SecurityCode,
		fieldCreatedAt:    r.CreatedAt.UnixMilli(),
		fieldLastActivity: r.LastActivity.UnixMilli(),
	}
}

// roomFromFields rebuilds a room from hash fields. An empty or partial hash
// counts as a miss.
func roomFromFields(fields map[string]string) (*domain.Room, error) {
	id := fields[fieldID]
	if id == "" {
		return nil, ErrCacheMiss
	}
	created, err := strconv.ParseInt(fields[fieldCreatedAt], 10, 64)
	if err != nil {
		return nil, ErrCacheMiss
	}
	active, err := strconv.ParseInt(fields[fieldLastActivity], 10, 64)
	if err != nil {
		return nil, ErrCacheMiss
	}
	return &domain.Room{
		ID:           id,
		SecurityCode: fields[fieldSecurityCode],
		CreatedAt:    time.UnixMilli(created).UTC(),
		LastActivity: time.UnixMilli(active).UTC(),
	}, nil
}
