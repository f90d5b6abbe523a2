// Package presence tracks which display names are currently in a room and
// announces joins and leaves on the room channel.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/weiawesome/ephemeral-chat/internal/domain"
	"github.com/weiawesome/ephemeral-chat/pkg/log"
	"github.com/weiawesome/ephemeral-chat/pkg/pubsub"
)

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultEntryTTL          = 45 * time.Second
)

type Config struct {
	HeartbeatInterval time.Duration
	EntryTTL          time.Duration
}

// Tracker holds the presence of one session. At most one room is tracked
// at a time.
type Tracker struct {
	store     Store
	publisher pubsub.Publisher
	heartbeat time.Duration
	ttl       time.Duration
	now       func() time.Time
	logger    zerolog.Logger

	mu     sync.Mutex
	roomID string
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTracker creates a Tracker. publisher may be nil.
func NewTracker(store Store, publisher pubsub.Publisher, cfg Config) *Tracker {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.EntryTTL <= cfg.HeartbeatInterval {
		cfg.EntryTTL = 3 * cfg.HeartbeatInterval
	}
	return &Tracker{
		store:     store,
		publisher: publisher,
		heartbeat: cfg.HeartbeatInterval,
		ttl:       cfg.EntryTTL,
		now:       time.Now,
		logger:    log.Component("presence"),
	}
}

// Join starts tracking name in roomID, leaving any previously tracked room.
func (t *Tracker) Join(ctx context.Context, roomID, name string) error {
	if err := t.Leave(ctx); err != nil {
		t.logger.Warn().Err(err).Msg("failed to leave previous room")
	}

	if err := t.store.Touch(ctx, roomID, name, t.now().Add(t.ttl)); err != nil {
		return err
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	t.mu.Lock()
	t.roomID, t.name = roomID, name
	t.cancel, t.done = cancel, done
	t.mu.Unlock()

	go t.beat(hbCtx, roomID, name, done)

	t.announce(ctx, pubsub.EventPresenceJoined, roomID, name)
	return nil
}

// Leave stops tracking the current room. No-op when nothing is tracked.
func (t *Tracker) Leave(ctx context.Context) error {
	t.mu.Lock()
	roomID, name := t.roomID, t.name
	cancel, done := t.cancel, t.done
	t.roomID, t.name = "", ""
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	err := t.store.Remove(ctx, roomID, name)
	t.announce(ctx, pubsub.EventPresenceLeft, roomID, name)
	return err
}

// Rename re-registers the session under a new name in the same room.
func (t *Tracker) Rename(ctx context.Context, name string) error {
	t.mu.Lock()
	roomID, old := t.roomID, t.name
	t.mu.Unlock()

	if roomID == "" || old == name {
		return nil
	}
	if err := t.Leave(ctx); err != nil {
		t.logger.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to drop old presence entry")
	}
	return t.Join(ctx, roomID, name)
}

// Members lists who is currently in roomID.
func (t *Tracker) Members(ctx context.Context, roomID string) ([]string, error) {
	return t.store.Members(ctx, roomID, t.now())
}

func (t *Tracker) beat(ctx context.Context, roomID, name string, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.store.Touch(ctx, roomID, name, t.now().Add(t.ttl)); err != nil && ctx.Err() == nil {
				t.logger.Debug().Err(err).Str(log.FieldRoomID, roomID).Msg("presence heartbeat failed")
			}
		}
	}
}

func (t *Tracker) announce(ctx context.Context, eventType, roomID, name string) {
	if t.publisher == nil {
		return
	}
	event, err := pubsub.NewEvent(eventType, roomID, domain.PresencePayload{Name: name})
	if err != nil {
		return
	}
	if err := t.publisher.Publish(ctx, pubsub.RoomMessagesChannel(roomID), event); err != nil {
		t.logger.Warn().Err(err).Str(log.FieldRoomID, roomID).Str("type", eventType).Msg("failed to publish presence event")
	}
}
