package remote

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/weiawesome/ephemeral-chat/internal/chatsync"
	"github.com/weiawesome/ephemeral-chat/internal/config"
	"github.com/weiawesome/ephemeral-chat/internal/domain"
	"github.com/weiawesome/ephemeral-chat/internal/handler"
	"github.com/weiawesome/ephemeral-chat/internal/idgen"
	"github.com/weiawesome/ephemeral-chat/internal/session"
	"github.com/weiawesome/ephemeral-chat/internal/store"
	"github.com/weiawesome/ephemeral-chat/pkg/pubsub"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, store.Migrate(db))

	bus := pubsub.NewMemoryPubSub()
	t.Cleanup(func() { _ = bus.Close() })

	st, err := store.NewGormStore(db, store.WithPublisher(bus))
	require.NoError(t, err)
	t.Cleanup(st.Wait)

	codes, err := idgen.NewSecurityCodeGenerator(6)
	require.NoError(t, err)

	r := gin.New()
	handler.NewHandler(st, bus, codes, st.TTL(), "http://chat.local", config.WebSocketConfig{}).RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientRoomLifecycle(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t)

	owner := NewClient(srv.URL, 0)
	room, err := owner.CreateRoom(ctx, "ABC123")
	require.NoError(t, err)
	assert.Len(t, room.ID, 8)
	assert.Equal(t, "ABC123", room.SecurityCode)

	guest := NewClient(srv.URL+"/", 0)
	seen, err := guest.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.True(t, seen.RequiresCode())

	_, err = guest.LoadMessages(ctx, room.ID)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	ok, err := guest.VerifySecurityCode(ctx, room.ID, "ZZZ999")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = guest.VerifySecurityCode(ctx, room.ID, "ABC123")
	require.NoError(t, err)
	assert.True(t, ok)

	ts := time.Now().UTC().Truncate(time.Millisecond)
	stored, err := guest.AppendMessage(ctx, room.ID, &domain.Message{ID: "m-1", Content: "hello", Sender: "bob", Timestamp: ts})
	require.NoError(t, err)
	assert.Equal(t, "m-1", stored.ID)
	assert.True(t, stored.Timestamp.Equal(ts))

	_, err = guest.AppendMessage(ctx, room.ID, &domain.Message{ID: "m-1", Content: "hello", Sender: "bob", Timestamp: ts})
	assert.ErrorIs(t, err, domain.ErrConflict)

	msgs, err := owner.LoadMessages(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)

	_, err = guest.GetRoom(ctx, "NOPE0000")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClientUnavailableServer(t *testing.T) {
	srv := newServer(t)
	c := NewClient(srv.URL, time.Second)
	srv.Close()

	_, err := c.GetRoom(context.Background(), "ABCD1234")
	assert.ErrorIs(t, err, domain.ErrUnavailable)
}

func TestSubscribeStreamsEvents(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t)
	c := NewClient(srv.URL, 0)

	room, err := c.CreateRoom(ctx, "")
	require.NoError(t, err)
	require.NotEmpty(t, room.SecurityCode)

	_, err = NewClient(srv.URL, 0).Subscribe(ctx, pubsub.RoomMessagesChannel(room.ID))
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = c.Subscribe(ctx, "not-a-channel")
	assert.Error(t, err)

	subCtx, cancel := context.WithCancel(ctx)
	events, err := c.Subscribe(subCtx, pubsub.RoomMessagesChannel(room.ID))
	require.NoError(t, err)

	// Let the server finish wiring its subscription.
	time.Sleep(20 * time.Millisecond)

	_, err = c.AppendMessage(ctx, room.ID, &domain.Message{Content: "hello", Sender: "alice"})
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, pubsub.EventMessageInserted, ev.Type)
		var rec domain.MessageRecord
		require.NoError(t, ev.UnmarshalPayload(&rec))
		assert.Equal(t, "hello", rec.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSessionsConvergeOverAPI(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t)
	t0 := time.Now().UTC()

	newParticipant := func(at time.Time) (*session.Manager, *chatsync.Synchronizer) {
		c := NewClient(srv.URL, 0)
		sy := chatsync.New(c, c, nil, nil, chatsync.Config{PollInterval: time.Hour})
		sy.SetClock(func() time.Time { return at })
		m, err := session.NewManager(c, sy)
		require.NoError(t, err)
		t.Cleanup(func() {
			m.Close(ctx)
			sy.WaitPending()
		})
		return m, sy
	}

	alice, aliceSync := newParticipant(t0)
	bob, bobSync := newParticipant(t0.Add(time.Second))

	creds, err := alice.CreateRoom(ctx)
	require.NoError(t, err)

	require.NoError(t, alice.JoinRoom(ctx, creds.RoomID, creds.SecurityCode, "alice"))
	_, err = alice.SendMessage(ctx, "hello")
	require.NoError(t, err)
	aliceSync.WaitPending()

	require.NoError(t, bob.JoinRoom(ctx, creds.RoomID, creds.SecurityCode, "bob"))
	_, err = bob.SendMessage(ctx, "hi")
	require.NoError(t, err)
	bobSync.WaitPending()

	want := []string{"hello", "hi"}
	contents := func(views []domain.MessageView) []string {
		out := make([]string, len(views))
		for i, v := range views {
			out[i] = v.Content
		}
		return out
	}
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, contents(alice.Messages()))
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, contents(bob.Messages()))

	require.ErrorIs(t, bob.JoinRoom(ctx, creds.RoomID, "ZZZZZZ", "bob"), domain.ErrUnauthorized)
}
