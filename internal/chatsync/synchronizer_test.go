package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/ephemeral-chat/internal/domain"
	"github.com/weiawesome/ephemeral-chat/pkg/pubsub"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// memStore is an in-memory MessageStore that optionally echoes appends on a
// publisher and can hold or fail appends.
type memStore struct {
	mu        sync.Mutex
	rooms     map[string][]domain.Message
	appendErr error
	gate      chan struct{}
	loadErr   error
	misses    int
	bus       pubsub.Publisher
}

func newMemStore(roomIDs ...string) *memStore {
	s := &memStore{rooms: make(map[string][]domain.Message)}
	for _, id := range roomIDs {
		s.rooms[id] = nil
	}
	return s
}

func (s *memStore) put(m domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[m.RoomID] = append(s.rooms[m.RoomID], m)
}

func (s *memStore) LoadMessages(_ context.Context, roomID string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.misses > 0 {
		s.misses--
		return nil, fmt.Errorf("%w: room %s expired", domain.ErrNotFound, roomID)
	}
	msgs, ok := s.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("%w: room %s", domain.ErrNotFound, roomID)
	}
	out := append([]domain.Message(nil), msgs...)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(&out[j]) })
	return out, nil
}

func (s *memStore) AppendMessage(ctx context.Context, roomID string, msg *domain.Message) (*domain.Message, error) {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	appendErr := s.appendErr
	s.mu.Unlock()
	if appendErr != nil {
		return nil, appendErr
	}

	stored := *msg
	stored.RoomID = roomID
	s.put(stored)

	if s.bus != nil {
		ev, err := pubsub.NewEvent(pubsub.EventMessageInserted, roomID, stored.ToRecord())
		if err != nil {
			return nil, err
		}
		_ = s.bus.Publish(ctx, pubsub.RoomMessagesChannel(roomID), ev)
	}
	return &stored, nil
}

type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, note := range r.notes {
		if note.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) last(kind Kind) (Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.notes) - 1; i >= 0; i-- {
		if r.notes[i].Kind == kind {
			return r.notes[i], true
		}
	}
	return Notification{}, false
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) Generate() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("local-%03d", g.n), nil
}

func (g *seqIDs) Validate(string) (bool, string) { return true, "" }

func msg(id, roomID, content string, at time.Time) domain.Message {
	return domain.Message{ID: id, RoomID: roomID, Content: content, Sender: "bob", Timestamp: at}
}

func record(t *testing.T, m domain.Message) *pubsub.Event {
	t.Helper()
	ev, err := pubsub.NewEvent(pubsub.EventMessageInserted, m.RoomID, m.ToRecord())
	require.NoError(t, err)
	return ev
}

func contents(views []domain.MessageView) []string {
	out := make([]string, len(views))
	for i, v := range views {
		out[i] = v.Content
	}
	return out
}

func newSync(t *testing.T, st MessageStore, sub pubsub.Subscriber, cfg Config) (*Synchronizer, *recorder) {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Hour
	}
	rec := &recorder{}
	s := New(st, sub, &seqIDs{}, rec, cfg)
	s.SetClock(func() time.Time { return t0.Add(time.Minute) })
	t.Cleanup(func() {
		s.Teardown()
		s.WaitPending()
	})
	return s, rec
}

func TestInitializeLoadsOrderedHistory(t *testing.T) {
	st := newMemStore("ROOM0001")
	st.put(msg("b", "ROOM0001", "second", t0.Add(time.Second)))
	st.put(msg("a", "ROOM0001", "first", t0))
	st.put(msg("c", "ROOM0001", "tie", t0.Add(time.Second)))

	s, _ := newSync(t, st, nil, Config{})
	require.NoError(t, s.Initialize(context.Background(), "ROOM0001", "alice"))

	assert.Equal(t, []string{"first", "second", "tie"}, contents(s.Messages()))
	assert.Equal(t, "ROOM0001", s.RoomID())
}

func TestInitializeFailureLeavesNoRoom(t *testing.T) {
	st := newMemStore()
	s, _ := newSync(t, st, nil, Config{})

	err := s.Initialize(context.Background(), "MISSING1", "alice")
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, s.RoomID())
	assert.Empty(t, s.Messages())
}

func TestSendIsVisibleBeforePersist(t *testing.T) {
	st := newMemStore("ROOM0001")
	st.gate = make(chan struct{})

	s, rec := newSync(t, st, nil, Config{})
	require.NoError(t, s.Initialize(context.Background(), "ROOM0001", "alice"))

	sent, err := s.Send(context.Background(), "  hello  ")
	require.NoError(t, err)
	assert.Equal(t, "hello", sent.Content)
	assert.Equal(t, "alice", sent.Sender)
	assert.True(t, sent.Timestamp.Equal(t0.Add(time.Minute)))

	views := s.Messages()
	require.Len(t, views, 1)
	assert.Equal(t, sent.ID, views[0].ID)
	assert.True(t, views[0].IsMine)
	assert.Equal(t, 1, rec.count(KindMessages))

	close(st.gate)
	s.WaitPending()

	assert.Len(t, s.Messages(), 1)
	assert.Zero(t, rec.count(KindError))
}

func TestSendFailureRollsBackWithOneError(t *testing.T) {
	st := newMemStore("ROOM0001")
	st.put(msg("a", "ROOM0001", "existing", t0))
	st.appendErr = fmt.Errorf("%w: store offline", domain.ErrUnavailable)

	s, rec := newSync(t, st, nil, Config{})
	require.NoError(t, s.Initialize(context.Background(), "ROOM0001", "alice"))

	sent, err := s.Send(context.Background(), "doomed")
	require.NoError(t, err)
	s.WaitPending()

	assert.Equal(t, []string{"existing"}, contents(s.Messages()))
	assert.Equal(t, 1, rec.count(KindError))

	note, ok := rec.last(KindError)
	require.True(t, ok)
	assert.Equal(t, sent.ID, note.MessageID)
	assert.ErrorIs(t, note.Err, domain.ErrUnavailable)
}

func TestSendConflictKeepsMessage(t *testing.T) {
	st := newMemStore("ROOM0001")
	st.appendErr = fmt.Errorf("%w: duplicate", domain.ErrConflict)

	s, rec := newSync(t, st, nil, Config{})
	require.NoError(t, s.Initialize(context.Background(), "ROOM0001", "alice"))

	_, err := s.Send(context.Background(), "again")
	require.NoError(t, err)
	s.WaitPending()

	assert.Len(t, s.Messages(), 1)
	assert.Zero(t, rec.count(KindError))
}

func TestSendValidation(t *testing.T) {
	st := newMemStore("ROOM0001")
	s, _ := newSync(t, st, nil, Config{})

	_, err := s.Send(context.Background(), "hello")
	assert.ErrorIs(t, err, domain.ErrValidation, "no active room")

	require.NoError(t, s.Initialize(context.Background(), "ROOM0001", "alice"))
	_, err = s.Send(context.Background(), "   ")
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Empty(t, s.Messages())
}

func TestPushAndPollDeduplicate(t *testing.T) {
	bus := pubsub.NewMemoryPubSub()
	t.Cleanup(func() { _ = bus.Close() })

	st := newMemStore("ROOM0001")
	s, _ := newSync(t, st, bus, Config{})
	require.NoError(t, s.Initialize(context.Background(), "ROOM0001", "alice"))

	remote := msg("r1", "ROOM0001", "from bob", t0.Add(time.Second))
	st.put(remote)
	require.NoError(t, bus.Publish(context.Background(), pubsub.RoomMessagesChannel("ROOM0001"), record(t, remote)))

	require.Eventually(t, func() bool { return len(s.Messages()) == 1 }, time.Second, 5*time.Millisecond)

	s.OnPushEvent(record(t, remote))
	require.NoError(t, s.Reconcile(context.Background()))

	views := s.Messages()
	require.Len(t, views, 1)
	assert.Equal(t, "r1", views[0].ID)
	assert.False(t, views[0].IsMine)
}

func TestOwnEchoIsNotDuplicated(t *testing.T) {
	bus := pubsub.NewMemoryPubSub()
	t.Cleanup(func() { _ = bus.Close() })

	st := newMemStore("ROOM0001")
	st.bus = bus

	s, _ := newSync(t, st, bus, Config{})
	require.NoError(t, s.Initialize(context.Background(), "ROOM0001", "alice"))

	_, err := s.Send(context.Background(), "hello")
	require.NoError(t, err)
	s.WaitPending()
	require.NoError(t, s.Reconcile(context.Background()))

	// Give the echo time to arrive through the push consumer.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"hello"}, contents(s.Messages()))
}

func TestPushEventsForOtherRoomsAreDropped(t *testing.T) {
	st := newMemStore("ROOM0001", "ROOM0002")
	s, rec := newSync(t, st, nil, Config{})
	require.NoError(t, s.Initialize(context.Background(), "ROOM0001", "alice"))

	s.OnPushEvent(record(t, msg("x", "ROOM0002", "elsewhere", t0)))
	s.OnPushEvent(nil)

	assert.Empty(t, s.Messages())
	assert.Zero(t, rec.count(KindMessages))
}

func TestSwitchingRoomsIsolatesLateDeliveries(t *testing.T) {
	bus := pubsub.NewMemoryPubSub()
	t.Cleanup(func() { _ = bus.Close() })

	st := newMemStore("ROOMAAAA", "ROOMBBBB")
	st.put(msg("a1", "ROOMAAAA", "in A", t0))
	st.put(msg("b1", "ROOMBBBB", "in B", t0))
	st.gate = make(chan struct{})

	s, rec := newSync(t, st, bus, Config{})
	require.NoError(t, s.Initialize(context.Background(), "ROOMAAAA", "alice"))

	_, err := s.Send(context.Background(), "late in A")
	require.NoError(t, err)

	s.Teardown()
	assert.Empty(t, s.Messages())
	assert.Empty(t, s.RoomID())

	require.NoError(t, s.Initialize(context.Background(), "ROOMBBBB", "alice"))

	// A's pending write resolves after the switch, and A keeps producing.
	st.mu.Lock()
	st.appendErr = errors.New("boom")
	st.mu.Unlock()
	close(st.gate)
	s.WaitPending()

	lateA := msg("a2", "ROOMAAAA", "A again", t0.Add(time.Second))
	require.NoError(t, bus.Publish(context.Background(), pubsub.RoomMessagesChannel("ROOMAAAA"), record(t, lateA)))
	s.OnPushEvent(record(t, lateA))

	assert.Equal(t, []string{"in B"}, contents(s.Messages()))
	assert.Zero(t, rec.count(KindError))
}

func TestTeardownIsIdempotent(t *testing.T) {
	st := newMemStore("ROOM0001")
	s, _ := newSync(t, st, pubsub.NewMemoryPubSub(), Config{})

	s.Teardown()
	require.NoError(t, s.Initialize(context.Background(), "ROOM0001", "alice"))
	s.Teardown()
	s.Teardown()

	assert.Empty(t, s.RoomID())
	require.NoError(t, s.Reconcile(context.Background()))
}

func TestPollFallbackWithoutSubscriber(t *testing.T) {
	st := newMemStore("ROOM0001")
	s, _ := newSync(t, st, nil, Config{PollInterval: 10 * time.Millisecond})
	require.NoError(t, s.Initialize(context.Background(), "ROOM0001", "alice"))

	st.put(msg("r1", "ROOM0001", "polled", t0))

	require.Eventually(t, func() bool {
		return len(s.Messages()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPollStopsWhenRoomExpires(t *testing.T) {
	st := newMemStore("ROOM0001")
	s, rec := newSync(t, st, nil, Config{PollInterval: 10 * time.Millisecond})
	require.NoError(t, s.Initialize(context.Background(), "ROOM0001", "alice"))

	st.mu.Lock()
	delete(st.rooms, "ROOM0001")
	st.mu.Unlock()

	require.Eventually(t, func() bool { return rec.count(KindError) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count(KindError))

	note, _ := rec.last(KindError)
	assert.ErrorIs(t, note.Err, domain.ErrNotFound)
}

func TestPollKeepsGoingAfterTransientNotFound(t *testing.T) {
	st := newMemStore("ROOM0001")
	s, rec := newSync(t, st, nil, Config{PollInterval: 10 * time.Millisecond})
	require.NoError(t, s.Initialize(context.Background(), "ROOM0001", "alice"))

	st.mu.Lock()
	st.misses = expiryConfirmations - 1
	st.mu.Unlock()
	st.put(msg("r1", "ROOM0001", "after stale read", t0))

	require.Eventually(t, func() bool {
		return len(s.Messages()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, rec.count(KindError))
}

type failingSubscriber struct{}

func (failingSubscriber) Subscribe(context.Context, string) (<-chan *pubsub.Event, error) {
	return nil, errors.New("redis down")
}

func TestSubscribeFailureFallsBackToPoll(t *testing.T) {
	st := newMemStore("ROOM0001")
	s, rec := newSync(t, st, failingSubscriber{}, Config{PollInterval: 10 * time.Millisecond})
	require.NoError(t, s.Initialize(context.Background(), "ROOM0001", "alice"))

	note, ok := rec.last(KindStatus)
	require.True(t, ok)
	assert.Equal(t, StatusError, note.Status)

	st.put(msg("r1", "ROOM0001", "polled", t0))
	require.Eventually(t, func() bool { return len(s.Messages()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestPresenceEventsAreForwarded(t *testing.T) {
	st := newMemStore("ROOM0001")
	s, rec := newSync(t, st, nil, Config{})
	require.NoError(t, s.Initialize(context.Background(), "ROOM0001", "alice"))

	ev, err := pubsub.NewEvent(pubsub.EventPresenceJoined, "ROOM0001", domain.PresencePayload{Name: "bob"})
	require.NoError(t, err)
	s.OnPushEvent(ev)

	note, ok := rec.last(KindPresence)
	require.True(t, ok)
	assert.Equal(t, "bob", note.Name)
	assert.True(t, note.Joined)
}

func TestSetDisplayNameChangesOwnership(t *testing.T) {
	st := newMemStore("ROOM0001")
	st.put(msg("a", "ROOM0001", "hi", t0))

	s, _ := newSync(t, st, nil, Config{})
	require.NoError(t, s.Initialize(context.Background(), "ROOM0001", "alice"))
	assert.False(t, s.Messages()[0].IsMine)

	s.SetDisplayName("bob")
	assert.True(t, s.Messages()[0].IsMine)
}
