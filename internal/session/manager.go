// Package session owns a participant's membership in at most one room and
// drives the message synchronizer through join, leave and rename.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/weiawesome/ephemeral-chat/internal/audit"
	"github.com/weiawesome/ephemeral-chat/internal/domain"
	"github.com/weiawesome/ephemeral-chat/internal/idgen"
	"github.com/weiawesome/ephemeral-chat/pkg/log"
)

// RoomStore is the part of the room store the session manager needs.
type RoomStore interface {
	CreateRoom(ctx context.Context, securityCode string) (*domain.Room, error)
	GetRoom(ctx context.Context, roomID string) (*domain.Room, error)
	VerifySecurityCode(ctx context.Context, roomID, code string) (bool, error)
	AppendMessage(ctx context.Context, roomID string, msg *domain.Message) (*domain.Message, error)
}

// Synchronizer is the message list of the joined room.
type Synchronizer interface {
	Initialize(ctx context.Context, roomID, displayName string) error
	Teardown()
	Send(ctx context.Context, content string) (domain.Message, error)
	Messages() []domain.MessageView
	SetDisplayName(name string)
}

// Presence announces and lists participants.
type Presence interface {
	Join(ctx context.Context, roomID, name string) error
	Leave(ctx context.Context) error
	Rename(ctx context.Context, name string) error
	Members(ctx context.Context, roomID string) ([]string, error)
}

// Prefs caches the display name between sessions.
type Prefs interface {
	DisplayName(ctx context.Context) (string, error)
	SetDisplayName(ctx context.Context, name string) error
}

type State int

const (
	NoRoom State = iota
	InRoom
)

func (s State) String() string {
	if s == InRoom {
		return "in_room"
	}
	return "no_room"
}

const defaultCodeLength = 6

type Option func(*Manager)

func WithPresence(p Presence) Option {
	return func(m *Manager) { m.presence = p }
}

func WithPrefs(p Prefs) Option {
	return func(m *Manager) { m.prefs = p }
}

// WithCodeGenerator sets the security code generator used by CreateRoom.
func WithCodeGenerator(g idgen.Generator) Option {
	return func(m *Manager) { m.codes = g }
}

// WithMessageIDGenerator sets the generator for system message IDs.
func WithMessageIDGenerator(g idgen.Generator) Option {
	return func(m *Manager) { m.ids = g }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager is the session state machine. Transitions are serialized.
type Manager struct {
	store    RoomStore
	sync     Synchronizer
	presence Presence
	prefs    Prefs
	codes    idgen.Generator
	ids      idgen.Generator
	now      func() time.Time
	logger   zerolog.Logger

	mu           sync.Mutex
	state        State
	roomID       string
	securityCode string
	displayName  string
}

// NewManager creates a Manager in the NoRoom state.
func NewManager(store RoomStore, synchronizer Synchronizer, opts ...Option) (*Manager, error) {
	m := &Manager{
		store:  store,
		sync:   synchronizer,
		ids:    idgen.NewUUIDGenerator(),
		now:    time.Now,
		logger: log.Component("session"),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.codes == nil {
		codes, err := idgen.NewSecurityCodeGenerator(defaultCodeLength)
		if err != nil {
			return nil, err
		}
		m.codes = codes
	}

	return m, nil
}

// LoadPreferences restores the cached display name.
func (m *Manager) LoadPreferences(ctx context.Context) error {
	if m.prefs == nil {
		return nil
	}
	name, err := m.prefs.DisplayName(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.displayName == "" {
		m.displayName = name
	}
	return nil
}

// CreateRoom creates a room protected by a fresh security code. The session
// does not join it.
func (m *Manager) CreateRoom(ctx context.Context) (domain.RoomCredentials, error) {
	code, err := m.codes.Generate()
	if err != nil {
		return domain.RoomCredentials{}, fmt.Errorf("%w: generate security code: %v", domain.ErrUnavailable, err)
	}

	room, err := m.store.CreateRoom(ctx, code)
	if err != nil {
		return domain.RoomCredentials{}, err
	}

	audit.Log(ctx, audit.ActionCreateRoom, room.ID, "room created")
	return domain.RoomCredentials{RoomID: room.ID, SecurityCode: room.SecurityCode}, nil
}

// JoinRoom verifies access to roomID and makes it the current room,
// leaving any previous one first.
func (m *Manager) JoinRoom(ctx context.Context, roomID, code, name string) error {
	name, err := domain.NormalizeDisplayName(name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joinLocked(ctx, normalizeRoomID(roomID), normalizeCode(code), name)
}

func (m *Manager) joinLocked(ctx context.Context, roomID, code, name string) error {
	if !idgen.ValidRoomID(roomID) {
		return fmt.Errorf("%w: invalid room id %q", domain.ErrValidation, roomID)
	}

	room, err := m.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}

	if room.RequiresCode() {
		if code == "" {
			return domain.ErrCodeRequired
		}
		ok, err := m.store.VerifySecurityCode(ctx, roomID, code)
		if err != nil {
			return err
		}
		if !ok {
			audit.Log(ctx, audit.ActionJoinDenied, roomID, "invalid security code")
			return fmt.Errorf("%w: invalid security code", domain.ErrUnauthorized)
		}
	}

	m.leaveLocked(ctx)

	if err := m.sync.Initialize(ctx, roomID, name); err != nil {
		return err
	}

	m.state = InRoom
	m.roomID = roomID
	m.securityCode = code
	m.displayName = name

	m.savePrefs(ctx, name)
	if m.presence != nil {
		if err := m.presence.Join(ctx, roomID, name); err != nil {
			m.logger.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to track presence")
		}
	}

	audit.LogWithDetail(ctx, audit.ActionJoinRoom, roomID, name, "joined room")
	return nil
}

// LeaveRoom returns to NoRoom. No-op when not in a room.
func (m *Manager) LeaveRoom(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveLocked(ctx)
}

func (m *Manager) leaveLocked(ctx context.Context) {
	if m.state == NoRoom {
		return
	}
	roomID := m.roomID

	m.sync.Teardown()
	if m.presence != nil {
		if err := m.presence.Leave(ctx); err != nil {
			m.logger.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("failed to clear presence")
		}
	}

	m.state = NoRoom
	m.roomID = ""
	m.securityCode = ""

	audit.Log(ctx, audit.ActionLeaveRoom, roomID, "left room")
}

// UpdateDisplayName changes the local display name. Inside a room, a
// rename is announced with a system message; failing to post it is only
// logged.
func (m *Manager) UpdateDisplayName(ctx context.Context, name string) error {
	name, err := domain.NormalizeDisplayName(name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.displayName
	if old == name {
		return nil
	}
	m.displayName = name
	m.savePrefs(ctx, name)
	m.sync.SetDisplayName(name)

	if m.state != InRoom {
		return nil
	}

	if m.presence != nil {
		if err := m.presence.Rename(ctx, name); err != nil {
			m.logger.Warn().Err(err).Str(log.FieldRoomID, m.roomID).Msg("failed to rename presence")
		}
	}

	if old != "" {
		m.announceRename(ctx, old, name)
	}
	return nil
}

func (m *Manager) announceRename(ctx context.Context, old, name string) {
	l := m.logger.With().Str(log.FieldRoomID, m.roomID).Str(log.FieldDisplayName, name).Logger()

	id, err := m.ids.Generate()
	if err != nil {
		l.Warn().Err(err).Msg("failed to generate system message id")
		return
	}

	msg := domain.NewSystemMessage(id, m.roomID, domain.NameChangeContent(old, name), domain.MessageTime(m.now()))
	if _, err := m.store.AppendMessage(ctx, m.roomID, msg); err != nil {
		l.Warn().Err(err).Msg("failed to post name change")
		return
	}
	audit.LogWithDetail(ctx, audit.ActionRename, m.roomID, old+" -> "+name, "display name changed")
}

// Navigate applies the transition from the current room to link's room.
// An empty link.RoomID leaves. name falls back to the current display name.
func (m *Manager) Navigate(ctx context.Context, link RoomLink, name string) (Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := normalizeRoomID(link.RoomID)
	tr := Resolve(m.roomID, target)

	switch tr {
	case TransitionLeave:
		m.leaveLocked(ctx)
	case TransitionJoin, TransitionRejoin:
		if strings.TrimSpace(name) == "" {
			name = m.displayName
		}
		normalized, err := domain.NormalizeDisplayName(name)
		if err != nil {
			return tr, err
		}
		if err := m.joinLocked(ctx, target, normalizeCode(link.Code), normalized); err != nil {
			return tr, err
		}
	}
	return tr, nil
}

// SendMessage sends content to the current room.
func (m *Manager) SendMessage(ctx context.Context, content string) (domain.Message, error) {
	return m.sync.Send(ctx, content)
}

// Messages returns the current room's messages.
func (m *Manager) Messages() []domain.MessageView {
	return m.sync.Messages()
}

// Members lists who is in the current room. Empty when not in a room or
// presence is disabled.
func (m *Manager) Members(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	roomID := m.roomID
	m.mu.Unlock()

	if roomID == "" || m.presence == nil {
		return nil, nil
	}
	return m.presence.Members(ctx, roomID)
}

// Close leaves the current room.
func (m *Manager) Close(ctx context.Context) {
	m.LeaveRoom(ctx)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) RoomID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomID
}

func (m *Manager) SecurityCode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.securityCode
}

func (m *Manager) DisplayName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.displayName
}

func (m *Manager) savePrefs(ctx context.Context, name string) {
	if m.prefs == nil {
		return
	}
	if err := m.prefs.SetDisplayName(ctx, name); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Warn().Err(err).Msg("failed to cache display name")
	}
}

func normalizeRoomID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
