// Package chatsync keeps a room's message list in sync from three sources:
// the initial history load, push events and a periodic poll.
package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/weiawesome/ephemeral-chat/internal/domain"
	"github.com/weiawesome/ephemeral-chat/internal/idgen"
	"github.com/weiawesome/ephemeral-chat/pkg/log"
	"github.com/weiawesome/ephemeral-chat/pkg/pubsub"
)

const (
	DefaultPollInterval = 3 * time.Second
	DefaultSendTimeout  = 10 * time.Second

	// consecutive not-found polls before the room counts as expired
	expiryConfirmations = 3
)

// MessageStore is the part of the room store the synchronizer needs.
type MessageStore interface {
	LoadMessages(ctx context.Context, roomID string) ([]domain.Message, error)
	AppendMessage(ctx context.Context, roomID string, msg *domain.Message) (*domain.Message, error)
}

// Config tunes the synchronizer.
type Config struct {
	PollInterval time.Duration
	SendTimeout  time.Duration
}

// Synchronizer holds the ordered, deduplicated message list of one room.
//
// Every async result is stamped with the generation it started in; a
// teardown bumps the generation so late results are discarded.
type Synchronizer struct {
	store    MessageStore
	sub      pubsub.Subscriber
	ids      idgen.Generator
	notifier Notifier
	now      func() time.Time
	logger   zerolog.Logger

	pollInterval time.Duration
	sendTimeout  time.Duration

	// lifecycle serializes Initialize and Teardown.
	lifecycle sync.Mutex
	// owned tracks the push consumer and poll loop of the current room.
	owned sync.WaitGroup
	// pending tracks in-flight persists, which outlive teardown.
	pending sync.WaitGroup

	mu          sync.Mutex
	gen         uint64
	roomID      string
	displayName string
	messages    []domain.Message
	known       map[string]struct{}
	cancel      context.CancelFunc
}

// New creates a Synchronizer. sub may be nil, in which case only the poll
// path delivers remote messages.
func New(store MessageStore, sub pubsub.Subscriber, ids idgen.Generator, notifier Notifier, cfg Config) *Synchronizer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if ids == nil {
		ids = idgen.NewUUIDGenerator()
	}
	if notifier == nil {
		notifier = NotifierFunc(func(Notification) {})
	}

	return &Synchronizer{
		store:        store,
		sub:          sub,
		ids:          ids,
		notifier:     notifier,
		now:          time.Now,
		logger:       log.Component("chatsync"),
		pollInterval: cfg.PollInterval,
		sendTimeout:  cfg.SendTimeout,
		known:        make(map[string]struct{}),
	}
}

// SetClock overrides the time source used to stamp sent messages.
func (s *Synchronizer) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Initialize tears down any previous room, subscribes to roomID, loads its
// history and starts the push consumer and poll loop.
func (s *Synchronizer) Initialize(ctx context.Context, roomID, displayName string) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.teardownLocked()

	runCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.roomID = roomID
	s.displayName = displayName
	s.messages = nil
	s.known = make(map[string]struct{})
	s.cancel = cancel
	s.mu.Unlock()

	l := s.logger.With().Str(log.FieldRoomID, roomID).Uint64(log.FieldGeneration, gen).Logger()

	// Subscribe before loading so nothing inserted in between is missed.
	var events <-chan *pubsub.Event
	if s.sub != nil {
		ch, err := s.sub.Subscribe(runCtx, pubsub.RoomMessagesChannel(roomID))
		if err != nil {
			l.Warn().Err(err).Msg("push subscription failed, relying on poll")
			s.notifier.Notify(Notification{Kind: KindStatus, RoomID: roomID, Status: StatusError, Err: err})
		} else {
			events = ch
			s.notifier.Notify(Notification{Kind: KindStatus, RoomID: roomID, Status: StatusSubscribed})
		}
	}

	history, err := s.store.LoadMessages(ctx, roomID)
	if err != nil {
		l.Warn().Err(err).Msg("failed to load history")
		s.teardownLocked()
		return err
	}
	s.merge(gen, history)

	if events != nil {
		s.owned.Add(1)
		go s.consume(runCtx, gen, events)
	}
	s.owned.Add(1)
	go s.poll(runCtx, gen)

	l.Debug().Int("history", len(history)).Msg("synchronizer initialized")
	return nil
}

// Teardown stops the push consumer and poll loop and clears the list.
// In-flight sends keep running but their results are discarded. Safe to
// call repeatedly.
func (s *Synchronizer) Teardown() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.teardownLocked()
}

// teardownLocked must be called with s.lifecycle held.
func (s *Synchronizer) teardownLocked() {
	s.mu.Lock()
	if s.cancel == nil && s.roomID == "" {
		s.mu.Unlock()
		return
	}
	s.gen++
	cancel := s.cancel
	roomID := s.roomID
	s.cancel = nil
	s.roomID = ""
	s.messages = nil
	s.known = make(map[string]struct{})
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.owned.Wait()

	s.logger.Debug().Str(log.FieldRoomID, roomID).Msg("synchronizer torn down")
}

// Send validates content, shows it immediately and persists it in the
// background. If persisting fails the message is withdrawn and a single
// KindError notification is emitted.
func (s *Synchronizer) Send(ctx context.Context, content string) (domain.Message, error) {
	content, err := domain.NormalizeContent(content)
	if err != nil {
		return domain.Message{}, err
	}

	id, err := s.ids.Generate()
	if err != nil {
		return domain.Message{}, fmt.Errorf("%w: generate message id: %v", domain.ErrUnavailable, err)
	}

	s.mu.Lock()
	if s.roomID == "" {
		s.mu.Unlock()
		return domain.Message{}, fmt.Errorf("%w: not in a room", domain.ErrValidation)
	}
	name := s.displayName
	msg := domain.Message{
		ID:          id,
		RoomID:      s.roomID,
		Content:     content,
		Sender:      name,
		DisplayName: &name,
		Timestamp:   domain.MessageTime(s.now()),
	}
	gen := s.gen
	s.insertLocked(msg)
	s.mu.Unlock()

	s.notifier.Notify(Notification{Kind: KindMessages, RoomID: msg.RoomID, MessageID: msg.ID})

	s.pending.Add(1)
	go s.persist(gen, msg)

	return msg, nil
}

func (s *Synchronizer) persist(gen uint64, msg domain.Message) {
	defer s.pending.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	l := s.logger.With().Str(log.FieldRoomID, msg.RoomID).Str(log.FieldMessageID, msg.ID).Logger()

	_, err := s.store.AppendMessage(ctx, msg.RoomID, &msg)
	if err == nil || errors.Is(err, domain.ErrConflict) {
		// Conflict means this ID is already stored.
		return
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		l.Debug().Err(err).Msg("send failed after teardown, discarding")
		return
	}
	removed := s.removeLocked(msg.ID)
	s.mu.Unlock()

	if !removed {
		return
	}

	l.Warn().Err(err).Msg("send failed, message withdrawn")
	s.notifier.Notify(Notification{Kind: KindError, RoomID: msg.RoomID, MessageID: msg.ID, Err: err})
	s.notifier.Notify(Notification{Kind: KindMessages, RoomID: msg.RoomID})
}

// OnPushEvent applies a push event to the current room. Events for any
// other room are dropped.
func (s *Synchronizer) OnPushEvent(event *pubsub.Event) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	s.handleEvent(gen, event)
}

func (s *Synchronizer) handleEvent(gen uint64, event *pubsub.Event) {
	if event == nil {
		return
	}

	s.mu.Lock()
	current := s.roomID
	stale := gen != s.gen || current == "" || event.RoomID != current
	s.mu.Unlock()
	if stale {
		return
	}

	switch event.Type {
	case pubsub.EventMessageInserted:
		var rec domain.MessageRecord
		if err := event.UnmarshalPayload(&rec); err != nil {
			s.logger.Warn().Err(err).Msg("undecodable message event")
			return
		}
		if err := rec.Validate(); err != nil {
			s.logger.Warn().Err(err).Msg("invalid message event")
			return
		}
		s.merge(gen, []domain.Message{rec.ToMessage()})

	case pubsub.EventPresenceJoined, pubsub.EventPresenceLeft:
		var p domain.PresencePayload
		if err := event.UnmarshalPayload(&p); err != nil || p.Name == "" {
			return
		}
		s.notifier.Notify(Notification{
			Kind:   KindPresence,
			RoomID: current,
			Name:   p.Name,
			Joined: event.Type == pubsub.EventPresenceJoined,
		})
	}
}

// Reconcile reloads the history and merges it with the same dedup rule as
// push delivery.
func (s *Synchronizer) Reconcile(ctx context.Context) error {
	s.mu.Lock()
	gen, roomID := s.gen, s.roomID
	s.mu.Unlock()

	if roomID == "" {
		return nil
	}
	return s.reconcile(ctx, gen, roomID)
}

func (s *Synchronizer) reconcile(ctx context.Context, gen uint64, roomID string) error {
	msgs, err := s.store.LoadMessages(ctx, roomID)
	if err != nil {
		return err
	}
	s.merge(gen, msgs)
	return nil
}

func (s *Synchronizer) consume(ctx context.Context, gen uint64, events <-chan *pubsub.Event) {
	defer s.owned.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					s.mu.Lock()
					roomID := s.roomID
					s.mu.Unlock()
					s.logger.Warn().Str(log.FieldRoomID, roomID).Msg("push subscription closed, relying on poll")
					s.notifier.Notify(Notification{Kind: KindStatus, RoomID: roomID, Status: StatusClosed})
				}
				return
			}
			s.handleEvent(gen, ev)
		}
	}
}

func (s *Synchronizer) poll(ctx context.Context, gen uint64) {
	defer s.owned.Done()

	s.mu.Lock()
	roomID := s.roomID
	s.mu.Unlock()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	missing := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pollCtx, cancel := context.WithTimeout(ctx, s.pollInterval)
			err := s.reconcile(pollCtx, gen, roomID)
			cancel()

			switch {
			case ctx.Err() != nil:
			case err == nil:
				missing = 0
			case errors.Is(err, domain.ErrNotFound):
				// A single miss may be a stale read; stop only once it repeats.
				if missing++; missing < expiryConfirmations {
					s.logger.Debug().Str(log.FieldRoomID, roomID).Int("misses", missing).Msg("room not found, confirming")
					continue
				}
				s.logger.Info().Str(log.FieldRoomID, roomID).Msg("room expired, stopping poll")
				s.notifier.Notify(Notification{Kind: KindError, RoomID: roomID, Err: err})
				return
			default:
				s.logger.Debug().Err(err).Str(log.FieldRoomID, roomID).Msg("poll failed")
			}
		}
	}
}

// merge inserts msgs that belong to the current generation's room.
func (s *Synchronizer) merge(gen uint64, msgs []domain.Message) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	roomID := s.roomID
	changed := false
	for _, m := range msgs {
		if m.RoomID != "" && m.RoomID != roomID {
			continue
		}
		if s.insertLocked(m) {
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		s.notifier.Notify(Notification{Kind: KindMessages, RoomID: roomID})
	}
}

// insertLocked places m by (timestamp, id) unless its ID is already known.
func (s *Synchronizer) insertLocked(m domain.Message) bool {
	if _, ok := s.known[m.ID]; ok {
		return false
	}
	s.known[m.ID] = struct{}{}

	i := sort.Search(len(s.messages), func(i int) bool { return m.Less(&s.messages[i]) })
	s.messages = append(s.messages, domain.Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = m
	return true
}

func (s *Synchronizer) removeLocked(id string) bool {
	if _, ok := s.known[id]; !ok {
		return false
	}
	delete(s.known, id)
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return true
		}
	}
	return false
}

// Messages returns a snapshot of the list as seen by the local display name.
func (s *Synchronizer) Messages() []domain.MessageView {
	s.mu.Lock()
	defer s.mu.Unlock()

	views := make([]domain.MessageView, len(s.messages))
	for i, m := range s.messages {
		views[i] = m.View(s.displayName)
	}
	return views
}

// RoomID returns the active room, or "" when torn down.
func (s *Synchronizer) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// SetDisplayName changes the sender of future messages.
func (s *Synchronizer) SetDisplayName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.displayName = name
}

// WaitPending blocks until in-flight sends settle.
func (s *Synchronizer) WaitPending() {
	s.pending.Wait()
}
