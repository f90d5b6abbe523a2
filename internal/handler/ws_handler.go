package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/weiawesome/ephemeral-chat/internal/config"
	"github.com/weiawesome/ephemeral-chat/pkg/log"
	"github.com/weiawesome/ephemeral-chat/pkg/pubsub"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Stream upgrades to a websocket and relays the room's push events until
// either side goes away.
func (h *Handler) Stream(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)
	roomID := roomParam(c)

	if err := h.authorize(ctx, roomID, c.Query("code")); err != nil {
		writeError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	channel := pubsub.RoomMessagesChannel(roomID)
	events, err := h.subscriber.Subscribe(streamCtx, channel)
	if err != nil {
		l.Error().Err(err).Str(log.FieldChannel, channel).Msg("failed to subscribe for stream")
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscription failed"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	s := newStream(conn, h.wsCfg)
	go s.readPump(cancel)
	s.writePump(streamCtx, events)

	l.Debug().Str(log.FieldRoomID, roomID).Msg("stream closed")
}

type stream struct {
	conn *websocket.Conn
	cfg  config.WebSocketConfig
}

func newStream(conn *websocket.Conn, cfg config.WebSocketConfig) *stream {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = 2 * cfg.PingInterval
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}
	return &stream{conn: conn, cfg: cfg}
}

// readPump discards inbound frames; it exists to process control frames
// and notice the peer closing.
func (s *stream) readPump(cancel context.CancelFunc) {
	defer cancel()

	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l := log.L()
				l.Debug().Err(err).Msg("stream read error")
			}
			return
		}
	}
}

func (s *stream) writePump(ctx context.Context, events <-chan *pubsub.Event) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.cfg.WriteWait))
			return

		case ev, ok := <-events:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
