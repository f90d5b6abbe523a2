package domain

import (
	"time"
)

// DefaultRoomTTL is how long a room stays live after its last activity.
const DefaultRoomTTL = 24 * time.Hour

// Room is a chat conversation scoped by a short ID.
type Room struct {
	ID           string    `json:"id"`
	SecurityCode string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// RequiresCode reports whether joining needs a security code.
func (r *Room) RequiresCode() bool {
	return r.SecurityCode != ""
}

// IsLive reports whether the room has seen activity within ttl of now.
func (r *Room) IsLive(now time.Time, ttl time.Duration) bool {
	return now.Sub(r.LastActivity) < ttl
}

// ExpiresAt returns the instant the room stops being live.
func (r *Room) ExpiresAt(ttl time.Duration) time.Time {
	return r.LastActivity.Add(ttl)
}

// RoomCredentials is what a creator needs to share a room.
type RoomCredentials struct {
	RoomID       string `json:"room_id"`
	SecurityCode string `json:"security_code"`
}

// RoomStatusResponse describes a room in API responses.
type RoomStatusResponse struct {
	ID           string    `json:"id"`
	RequiresCode bool      `json:"requires_code"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ToStatus converts Room to RoomStatusResponse.
func (r *Room) ToStatus(ttl time.Duration) RoomStatusResponse {
	return RoomStatusResponse{
		ID:           r.ID,
		RequiresCode: r.RequiresCode(),
		CreatedAt:    r.CreatedAt,
		LastActivity: r.LastActivity,
		ExpiresAt:    r.ExpiresAt(ttl),
	}
}
