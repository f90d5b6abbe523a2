// Package store is the room store client: rooms and messages persisted in a
// relational database.
package store

import (
	"context"

	"github.com/weiawesome/ephemeral-chat/internal/domain"
)

// Store defines room and message persistence. Every error returned wraps
// one of the domain sentinels.
type Store interface {
	CreateRoom(ctx context.Context, securityCode string) (*domain.Room, error)
	GetRoom(ctx context.Context, roomID string) (*domain.Room, error)
	// VerifySecurityCode compares code exactly. Callers upper-case and trim
	// user input first; generated codes are always [A-Z0-9].
	VerifySecurityCode(ctx context.Context, roomID, code string) (bool, error)
	LoadMessages(ctx context.Context, roomID string) ([]domain.Message, error)
	AppendMessage(ctx context.Context, roomID string, msg *domain.Message) (*domain.Message, error)
	DeleteExpiredRooms(ctx context.Context) (int, error)
}
