package store

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/weiawesome/ephemeral-chat/internal/domain"
	"github.com/weiawesome/ephemeral-chat/internal/idgen"
	"github.com/weiawesome/ephemeral-chat/internal/store/cache"
	"github.com/weiawesome/ephemeral-chat/pkg/database"
	"github.com/weiawesome/ephemeral-chat/pkg/log"
	"github.com/weiawesome/ephemeral-chat/pkg/pubsub"
)

const (
	DefaultMaxCreateAttempts = 5
	defaultCacheTTL          = 5 * time.Minute
	backgroundTimeout        = 5 * time.Second
	loadTimeout              = 10 * time.Second
	deleteBatchSize          = 500
)

// GormStore implements Store using GORM.
type GormStore struct {
	db                *gorm.DB
	roomIDs           idgen.Generator
	messageIDs        idgen.Generator
	cache             cache.RoomCache
	cacheTTL          time.Duration
	publisher         pubsub.Publisher
	ttl               time.Duration
	maxCreateAttempts int
	now               func() time.Time

	sf singleflight.Group
	bg sync.WaitGroup

	// writes counts room mutations; a cache fill that raced one is dropped.
	writes atomic.Uint64
}

// Option configures a GormStore.
type Option func(*GormStore)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *GormStore) { s.now = now }
}

// WithRoomTTL sets the inactivity window after which rooms expire.
func WithRoomTTL(ttl time.Duration) Option {
	return func(s *GormStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithRoomIDGenerator replaces the room ID generator.
func WithRoomIDGenerator(g idgen.Generator) Option {
	return func(s *GormStore) { s.roomIDs = g }
}

// WithMessageIDGenerator sets the generator for messages stored without an ID.
func WithMessageIDGenerator(g idgen.Generator) Option {
	return func(s *GormStore) { s.messageIDs = g }
}

// WithMaxCreateAttempts bounds room ID regeneration on collision.
func WithMaxCreateAttempts(n int) Option {
	return func(s *GormStore) {
		if n > 0 {
			s.maxCreateAttempts = n
		}
	}
}

// WithCache enables the cache-aside room lookup.
func WithCache(c cache.RoomCache, ttl time.Duration) Option {
	return func(s *GormStore) {
		s.cache = c
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

// WithPublisher enables message_inserted push events.
func WithPublisher(p pubsub.Publisher) Option {
	return func(s *GormStore) { s.publisher = p }
}

// NewGormStore creates a store over db. Tables must exist; see Migrate.
func NewGormStore(db *gorm.DB, opts ...Option) (*GormStore, error) {
	s := &GormStore{
		db:                db,
		ttl:               domain.DefaultRoomTTL,
		cacheTTL:          defaultCacheTTL,
		maxCreateAttempts: DefaultMaxCreateAttempts,
		now:               time.Now,
		messageIDs:        idgen.NewUUIDGenerator(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.roomIDs == nil {
		g, err := idgen.NewRoomIDGenerator(idgen.DefaultRoomIDLength)
		if err != nil {
			return nil, err
		}
		s.roomIDs = g
	}

	return s, nil
}

// Migrate creates or updates the chat tables.
func Migrate(db *gorm.DB) error {
	return database.AutoMigrate(db, &domain.RoomModel{}, &domain.MessageModel{})
}

// TTL returns the room inactivity window.
func (s *GormStore) TTL() time.Duration {
	return s.ttl
}

// Wait blocks until background cleanup and cache writes finish.
func (s *GormStore) Wait() {
	s.bg.Wait()
}

func (s *GormStore) clock() time.Time {
	return domain.MessageTime(s.now())
}

// CreateRoom inserts a new room, regenerating the ID on collision.
func (s *GormStore) CreateRoom(ctx context.Context, securityCode string) (*domain.Room, error) {
	l := log.Ctx(ctx)

	for attempt := 1; attempt <= s.maxCreateAttempts; attempt++ {
		id, err := s.roomIDs.Generate()
		if err != nil {
			return nil, fmt.Errorf("%w: generate room id: %v", domain.ErrUnavailable, err)
		}

		now := s.clock()
		room := &domain.Room{
			ID:           id,
			SecurityCode: securityCode,
			CreatedAt:    now,
			LastActivity: now,
		}

		err = s.db.WithContext(ctx).Create(domain.RoomToModel(room)).Error
		if err == nil {
			l.Debug().Str(log.FieldRoomID, id).Int("attempt", attempt).Msg("room created in db")
			return room, nil
		}
		if !isDuplicateKey(err) {
			l.Error().Err(err).Msg("failed to create room in db")
			return nil, translateError(err, "create room")
		}
		l.Warn().Str(log.FieldRoomID, id).Int("attempt", attempt).Msg("room id collision, regenerating")
	}

	return nil, fmt.Errorf("%w: no unique room id after %d attempts", domain.ErrConflict, s.maxCreateAttempts)
}

// GetRoom returns a live room. Expired rooms are reported as not found and
// scheduled for deletion. A cached entry that looks expired is checked
// against the database first, since activity may have moved on.
func (s *GormStore) GetRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	room, cached, err := s.lookupRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	if !room.IsLive(s.now(), s.ttl) && cached {
		s.invalidate(ctx, roomID)
		if room, err = s.loadRoom(ctx, roomID); err != nil {
			return nil, err
		}
	}

	if !room.IsLive(s.now(), s.ttl) {
		s.expireAsync(room.ID)
		return nil, fmt.Errorf("%w: room %s expired", domain.ErrNotFound, roomID)
	}
	return room, nil
}

// lookupRoom reads through the cache and reports whether the room came from it.
func (s *GormStore) lookupRoom(ctx context.Context, roomID string) (*domain.Room, bool, error) {
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, roomID)
		if err == nil {
			return cached, true, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("cache get error")
		}
	}

	room, err := s.loadRoom(ctx, roomID)
	return room, false, err
}

// loadRoom reads the room from the database and fills the cache in the
// background unless a write landed in between.
func (s *GormStore) loadRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	writes := s.writes.Load()

	var model domain.RoomModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", roomID).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			l := log.Ctx(ctx)
			l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to get room by id")
		}
		return nil, translateError(err, "room "+roomID)
	}
	room := model.ToDomain()

	if s.cache != nil && room.IsLive(s.now(), s.ttl) {
		entry := *room
		s.background(func(bgCtx context.Context) {
			if s.writes.Load() != writes {
				return
			}
			if err := s.cache.Set(bgCtx, &entry, s.cacheTTL); err != nil {
				l := log.L()
				l.Warn().Err(err).Msg("cache set error")
			}
		})
	}

	return room, nil
}

// VerifySecurityCode reports whether code opens the room. Rooms without a
// code never verify; callers check RequiresCode separately. The comparison
// is exact, so callers normalize case and whitespace before calling.
func (s *GormStore) VerifySecurityCode(ctx context.Context, roomID, code string) (bool, error) {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return false, err
	}
	if !room.RequiresCode() || code == "" {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(room.SecurityCode), []byte(code)) == 1, nil
}

// LoadMessages returns the room's history ordered by (timestamp, id).
// Concurrent loads of one room share a single query. The shared query runs
// detached from any one caller's cancellation; each caller still stops
// waiting when its own ctx ends.
func (s *GormStore) LoadMessages(ctx context.Context, roomID string) ([]domain.Message, error) {
	ch := s.sf.DoChan(roomID, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		return s.loadMessages(loadCtx, roomID)
	})

	var result singleflight.Result
	select {
	case result = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: load messages: %v", domain.ErrUnavailable, ctx.Err())
	}
	if result.Err != nil {
		return nil, result.Err
	}

	shared, ok := result.Val.([]domain.Message)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected result type from singleflight", domain.ErrUnavailable)
	}
	return append([]domain.Message(nil), shared...), nil
}

func (s *GormStore) loadMessages(ctx context.Context, roomID string) ([]domain.Message, error) {
	l := log.Ctx(ctx)

	if _, err := s.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}

	var models []domain.MessageModel
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order(clause.OrderBy{Columns: []clause.OrderByColumn{
			{Column: clause.Column{Name: "timestamp"}},
			{Column: clause.Column{Name: "id"}},
		}}).
		Find(&models).Error
	if err != nil {
		l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to load messages")
		return nil, translateError(err, "load messages")
	}

	messages := make([]domain.Message, len(models))
	for i := range models {
		messages[i] = models[i].ToDomain()
	}
	return messages, nil
}

// AppendMessage persists msg and bumps the room's last activity in one
// transaction, then announces it on the room channel.
func (s *GormStore) AppendMessage(ctx context.Context, roomID string, msg *domain.Message) (*domain.Message, error) {
	l := log.Ctx(ctx)

	content, err := domain.NormalizeContent(msg.Content)
	if err != nil {
		return nil, err
	}
	if msg.Sender == "" {
		return nil, fmt.Errorf("%w: message sender is empty", domain.ErrValidation)
	}

	stored := *msg
	stored.RoomID = roomID
	stored.Content = content
	if stored.ID == "" {
		if stored.ID, err = s.messageIDs.Generate(); err != nil {
			return nil, fmt.Errorf("%w: generate message id: %v", domain.ErrUnavailable, err)
		}
	}
	now := s.clock()
	if stored.Timestamp.IsZero() {
		stored.Timestamp = now
	}
	stored.Timestamp = domain.MessageTime(stored.Timestamp)
	stored.CreatedAt = now

	var room domain.RoomModel
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&room, "id = ?", roomID).Error; err != nil {
			return translateError(err, "room "+roomID)
		}
		if !room.ToDomain().IsLive(s.now(), s.ttl) {
			return fmt.Errorf("%w: room %s expired", domain.ErrNotFound, roomID)
		}

		if err := tx.Create(domain.MessageToModel(&stored)).Error; err != nil {
			if isDuplicateKey(err) {
				return fmt.Errorf("%w: message %s already exists", domain.ErrConflict, stored.ID)
			}
			return translateError(err, "insert message")
		}

		return tx.Model(&domain.RoomModel{}).
			Where("id = ?", roomID).
			Update("last_activity", now).Error
	})
	if err != nil {
		err = translateError(err, "append message")
		if errors.Is(err, domain.ErrUnavailable) {
			l.Error().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to append message")
		}
		return nil, err
	}

	s.writes.Add(1)
	updated := room.ToDomain()
	updated.LastActivity = now
	s.writeThrough(ctx, updated)
	s.publishInserted(ctx, &stored)

	l.Debug().Str(log.FieldRoomID, roomID).Str(log.FieldMessageID, stored.ID).Msg("message appended")
	return &stored, nil
}

// DeleteExpiredRooms removes expired rooms and their messages.
func (s *GormStore) DeleteExpiredRooms(ctx context.Context) (int, error) {
	l := log.Ctx(ctx)

	cutoff := s.now().UTC().Add(-s.ttl)

	var ids []string
	if err := s.db.WithContext(ctx).
		Model(&domain.RoomModel{}).
		Where("last_activity <= ?", cutoff).
		Pluck("id", &ids).Error; err != nil {
		l.Error().Err(err).Msg("failed to list expired rooms")
		return 0, translateError(err, "list expired rooms")
	}

	deleted := 0
	for start := 0; start < len(ids); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(ids))
		n, err := s.deleteRooms(ctx, ids[start:end], cutoff)
		deleted += n
		if err != nil {
			l.Error().Err(err).Msg("failed to delete expired rooms")
			return deleted, translateError(err, "delete expired rooms")
		}
	}

	if deleted > 0 {
		l.Info().Int("count", deleted).Msg("expired rooms deleted")
	}
	return deleted, nil
}

// deleteRooms deletes the given rooms if they are still past cutoff.
func (s *GormStore) deleteRooms(ctx context.Context, ids []string, cutoff time.Time) (int, error) {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stillExpired []string
		if err := tx.Model(&domain.RoomModel{}).
			Where("id IN ? AND last_activity <= ?", ids, cutoff).
			Pluck("id", &stillExpired).Error; err != nil {
			return err
		}
		if len(stillExpired) == 0 {
			return nil
		}

		if err := tx.Where("room_id IN ?", stillExpired).Delete(&domain.MessageModel{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", stillExpired).Delete(&domain.RoomModel{})
		deleted = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, err
	}

	s.writes.Add(1)
	s.invalidate(ctx, ids...)
	return int(deleted), nil
}

// expireAsync deletes one expired room in the background. Failure is
// harmless: reads keep treating the room as not found.
func (s *GormStore) expireAsync(roomID string) {
	s.background(func(ctx context.Context) {
		if _, err := s.deleteRooms(ctx, []string{roomID}, s.now().UTC().Add(-s.ttl)); err != nil {
			l := log.L()
			l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("lazy expiry delete failed")
		}
	})
}

func (s *GormStore) invalidate(ctx context.Context, roomIDs ...string) {
	if s.cache == nil || len(roomIDs) == 0 {
		return
	}
	if err := s.cache.Invalidate(ctx, roomIDs...); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Msg("cache invalidation error")
	}
}

// writeThrough replaces the cached room after a write. If that fails the
// entry is dropped so readers fall back to the database.
func (s *GormStore) writeThrough(ctx context.Context, room *domain.Room) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, room, s.cacheTTL); err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldRoomID, room.ID).Msg("cache write-through error")
		s.invalidate(ctx, room.ID)
	}
}

func (s *GormStore) publishInserted(ctx context.Context, msg *domain.Message) {
	if s.publisher == nil {
		return
	}
	l := log.Ctx(ctx)

	event, err := pubsub.NewEvent(pubsub.EventMessageInserted, msg.RoomID, msg.ToRecord())
	if err != nil {
		l.Error().Err(err).Msg("failed to build message event")
		return
	}
	if err := s.publisher.Publish(ctx, pubsub.RoomMessagesChannel(msg.RoomID), event); err != nil {
		l.Warn().Err(err).Str(log.FieldRoomID, msg.RoomID).Str(log.FieldMessageID, msg.ID).Msg("failed to publish message event")
	}
}

func (s *GormStore) background(fn func(ctx context.Context)) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundTimeout)
		defer cancel()
		fn(ctx)
	}()
}
