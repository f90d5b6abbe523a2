package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/weiawesome/ephemeral-chat/internal/config"
	"github.com/weiawesome/ephemeral-chat/internal/domain"
	"github.com/weiawesome/ephemeral-chat/internal/idgen"
	"github.com/weiawesome/ephemeral-chat/internal/store"
	"github.com/weiawesome/ephemeral-chat/pkg/pubsub"
	"github.com/weiawesome/ephemeral-chat/pkg/response"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type envelope = response.Envelope[json.RawMessage]

type testServer struct {
	router *gin.Engine
	clock  *fakeClock
	bus    *pubsub.MemoryPubSub
}

func newTestServer(t *testing.T) *testServer {
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

	clock := &fakeClock{now: time.Now().UTC()}
	st, err := store.NewGormStore(db, store.WithClock(clock.Now), store.WithPublisher(bus))
	require.NoError(t, err)
	t.Cleanup(st.Wait)

	codes, err := idgen.NewSecurityCodeGenerator(6)
	require.NoError(t, err)

	r := gin.New()
	NewHandler(st, bus, codes, st.TTL(), "http://chat.local", config.WebSocketConfig{}).RegisterRoutes(r)

	return &testServer{router: r, clock: clock, bus: bus}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (int, envelope) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func (s *testServer) createRoom(t *testing.T) domain.CreateRoomResponse {
	t.Helper()
	status, env := s.do(t, http.MethodPost, "/api/v1/rooms", nil)
	require.Equal(t, http.StatusCreated, status)

	var created domain.CreateRoomResponse
	require.NoError(t, json.Unmarshal(env.Data, &created))
	return created
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	status, env := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, env.Success)
}

func TestCreateAndGetRoom(t *testing.T) {
	s := newTestServer(t)
	created := s.createRoom(t)

	assert.Len(t, created.RoomID, 8)
	assert.Len(t, created.SecurityCode, 6)
	assert.Equal(t, "http://chat.local/chat/"+created.RoomID+"?code="+created.SecurityCode, created.URL)

	status, env := s.do(t, http.MethodGet, "/api/v1/rooms/"+strings.ToLower(created.RoomID), nil)
	require.Equal(t, http.StatusOK, status)

	var room domain.RoomStatusResponse
	require.NoError(t, json.Unmarshal(env.Data, &room))
	assert.Equal(t, created.RoomID, room.ID)
	assert.True(t, room.RequiresCode)
	assert.NotContains(t, string(env.Data), created.SecurityCode)

	status, env = s.do(t, http.MethodGet, "/api/v1/rooms/NOPE0000", nil)
	assert.Equal(t, http.StatusNotFound, status)
	require.NotNil(t, env.Error)
	assert.Equal(t, domain.CodeNotFound, env.Error.Code)
}

func TestCreateRoomWithCode(t *testing.T) {
	s := newTestServer(t)

	status, env := s.do(t, http.MethodPost, "/api/v1/rooms", domain.CreateRoomRequest{SecurityCode: " abc234 "})
	require.Equal(t, http.StatusCreated, status)
	var created domain.CreateRoomResponse
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.Equal(t, "ABC234", created.SecurityCode)

	status, _ = s.do(t, http.MethodPost, "/api/v1/rooms/"+created.RoomID+"/verify", domain.VerifyCodeRequest{Code: "ABC234"})
	assert.Equal(t, http.StatusOK, status)

	for _, code := range []string{"ABC", "ABC-23"} {
		status, env = s.do(t, http.MethodPost, "/api/v1/rooms", domain.CreateRoomRequest{SecurityCode: code})
		assert.Equal(t, http.StatusBadRequest, status, code)
		require.NotNil(t, env.Error)
		assert.Contains(t, env.Error.Message, "invalid security code")
	}
}

func TestVerifyCode(t *testing.T) {
	s := newTestServer(t)
	created := s.createRoom(t)
	path := "/api/v1/rooms/" + created.RoomID + "/verify"

	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"valid", path, domain.VerifyCodeRequest{Code: created.SecurityCode}, http.StatusOK},
		{"lowercase", path, domain.VerifyCodeRequest{Code: strings.ToLower(created.SecurityCode)}, http.StatusOK},
		{"wrong", path, domain.VerifyCodeRequest{Code: "ZZZZZZ"}, http.StatusUnauthorized},
		{"unknown room", "/api/v1/rooms/NOPE0000/verify", domain.VerifyCodeRequest{Code: "ZZZZZZ"}, http.StatusNotFound},
		{"no body", path, nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := s.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, status)
		})
	}
}

func TestPostAndListMessages(t *testing.T) {
	s := newTestServer(t)
	created := s.createRoom(t)
	base := "/api/v1/rooms/" + created.RoomID + "/messages"

	status, env := s.do(t, http.MethodPost, base, domain.PostMessageRequest{Content: "hello", Sender: "alice"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, domain.CodeUnauthorized, env.Error.Code)

	status, _ = s.do(t, http.MethodPost, base, domain.PostMessageRequest{Sender: "alice", Code: created.SecurityCode})
	assert.Equal(t, http.StatusBadRequest, status)

	ts := s.clock.Now().UnixMilli()
	status, env = s.do(t, http.MethodPost, base, domain.PostMessageRequest{
		ID: "m-2", Content: "hi", Sender: "bob", Code: created.SecurityCode, Timestamp: ts + 1,
	})
	require.Equal(t, http.StatusCreated, status)
	var stored domain.MessageRecord
	require.NoError(t, json.Unmarshal(env.Data, &stored))
	assert.Equal(t, "m-2", stored.ID)
	assert.Equal(t, ts+1, stored.Timestamp)

	status, _ = s.do(t, http.MethodPost, base, domain.PostMessageRequest{
		ID: "m-1", Content: "hello", Sender: "alice", Code: created.SecurityCode, Timestamp: ts,
	})
	require.Equal(t, http.StatusCreated, status)

	status, _ = s.do(t, http.MethodPost, base, domain.PostMessageRequest{
		ID: "m-1", Content: "dup", Sender: "alice", Code: created.SecurityCode, Timestamp: ts,
	})
	assert.Equal(t, http.StatusConflict, status)

	status, env = s.do(t, http.MethodGet, base+"?code="+created.SecurityCode, nil)
	require.Equal(t, http.StatusOK, status)
	var records []domain.MessageRecord
	require.NoError(t, json.Unmarshal(env.Data, &records))
	require.Len(t, records, 2)
	assert.Equal(t, "hello", records[0].Content)
	assert.Equal(t, "hi", records[1].Content)

	status, _ = s.do(t, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestExpiredRoomIsNotFound(t *testing.T) {
	s := newTestServer(t)
	created := s.createRoom(t)

	s.clock.Advance(domain.DefaultRoomTTL)

	status, _ := s.do(t, http.MethodGet, "/api/v1/rooms/"+created.RoomID, nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = s.do(t, http.MethodGet, "/api/v1/rooms/"+created.RoomID+"/messages?code="+created.SecurityCode, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestStreamRelaysRoomEvents(t *testing.T) {
	s := newTestServer(t)
	created := s.createRoom(t)

	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/rooms/" + created.RoomID + "/stream"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?code="+created.SecurityCode, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// The subscription is registered before the upgrade completes, but give
	// the handler goroutine a moment to reach the write loop.
	time.Sleep(20 * time.Millisecond)

	status, _ := s.do(t, http.MethodPost, "/api/v1/rooms/"+created.RoomID+"/messages", domain.PostMessageRequest{
		ID: "m-1", Content: "hello", Sender: "alice", Code: created.SecurityCode,
	})
	require.Equal(t, http.StatusCreated, status)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev pubsub.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, pubsub.EventMessageInserted, ev.Type)
	assert.Equal(t, created.RoomID, ev.RoomID)

	var rec domain.MessageRecord
	require.NoError(t, ev.UnmarshalPayload(&rec))
	assert.Equal(t, "m-1", rec.ID)
	assert.Equal(t, "hello", rec.Content)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
}
