package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/ephemeral-chat/internal/audit"
	"github.com/weiawesome/ephemeral-chat/internal/config"
	"github.com/weiawesome/ephemeral-chat/internal/domain"
	"github.com/weiawesome/ephemeral-chat/internal/idgen"
	"github.com/weiawesome/ephemeral-chat/internal/session"
	"github.com/weiawesome/ephemeral-chat/internal/store"
	"github.com/weiawesome/ephemeral-chat/pkg/log"
	"github.com/weiawesome/ephemeral-chat/pkg/pubsub"
	"github.com/weiawesome/ephemeral-chat/pkg/response"
)

// Handler serves the room store and push stream over HTTP.
type Handler struct {
	store      store.Store
	subscriber pubsub.Subscriber
	codes      idgen.Generator
	ttl        time.Duration
	publicURL  string
	wsCfg      config.WebSocketConfig
}

// NewHandler creates a new HTTP handler.
func NewHandler(st store.Store, sub pubsub.Subscriber, codes idgen.Generator, ttl time.Duration, publicURL string, wsCfg config.WebSocketConfig) *Handler {
	return &Handler{
		store:      st,
		subscriber: sub,
		codes:      codes,
		ttl:        ttl,
		publicURL:  publicURL,
		wsCfg:      wsCfg,
	}
}

// RegisterRoutes registers all routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)

	api := r.Group("/api/v1")
	{
		rooms := api.Group("/rooms", roomScope)
		{
			rooms.POST("", h.CreateRoom)
			rooms.GET("/:id", h.GetRoom)
			rooms.POST("/:id/verify", h.VerifyCode)
			rooms.GET("/:id/messages", h.ListMessages)
			rooms.POST("/:id/messages", h.PostMessage)
			rooms.GET("/:id/stream", h.Stream)
		}
	}
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	response.Success(c, gin.H{"status": "ok"})
}

// CreateRoom creates a room with a fresh security code.
func (h *Handler) CreateRoom(c *gin.Context) {
	ctx := c.Request.Context()

	var req domain.CreateRoomRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
	}

	code := strings.ToUpper(strings.TrimSpace(req.SecurityCode))
	if code != "" {
		if ok, reason := h.codes.Validate(code); !ok {
			response.BadRequest(c, "invalid security code: "+reason)
			return
		}
	} else {
		var err error
		if code, err = h.codes.Generate(); err != nil {
			writeError(c, fmt.Errorf("%w: generate security code: %v", domain.ErrUnavailable, err))
			return
		}
	}

	room, err := h.store.CreateRoom(ctx, code)
	if err != nil {
		writeError(c, err)
		return
	}

	audit.Log(ctx, audit.ActionCreateRoom, room.ID, "room created via api")
	response.Created(c, domain.CreateRoomResponse{
		RoomID:       room.ID,
		SecurityCode: room.SecurityCode,
		URL:          session.BuildRoomURL(h.publicURL, room.ID, room.SecurityCode),
	})
}

// GetRoom reports whether a room is live and needs a code.
func (h *Handler) GetRoom(c *gin.Context) {
	room, err := h.store.GetRoom(c.Request.Context(), roomParam(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, room.ToStatus(h.ttl))
}

// VerifyCode checks a security code without joining.
func (h *Handler) VerifyCode(c *gin.Context) {
	ctx := c.Request.Context()
	roomID := roomParam(c)

	var req domain.VerifyCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	ok, err := h.store.VerifySecurityCode(ctx, roomID, strings.ToUpper(strings.TrimSpace(req.Code)))
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		audit.Log(ctx, audit.ActionVerifyFailed, roomID, "security code rejected")
		writeError(c, fmt.Errorf("%w: invalid security code", domain.ErrUnauthorized))
		return
	}
	response.Success(c, domain.VerifyCodeResponse{Valid: true})
}

// ListMessages returns the room history in display order.
func (h *Handler) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	roomID := roomParam(c)

	if err := h.authorize(ctx, roomID, c.Query("code")); err != nil {
		writeError(c, err)
		return
	}

	msgs, err := h.store.LoadMessages(ctx, roomID)
	if err != nil {
		writeError(c, err)
		return
	}

	records := make([]domain.MessageRecord, len(msgs))
	for i := range msgs {
		records[i] = msgs[i].ToRecord()
	}
	response.Success(c, records)
}

// PostMessage appends a message to the room.
func (h *Handler) PostMessage(c *gin.Context) {
	ctx := c.Request.Context()
	roomID := roomParam(c)

	var req domain.PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	if err := h.authorize(ctx, roomID, req.Code); err != nil {
		writeError(c, err)
		return
	}

	msg := &domain.Message{
		ID:       req.ID,
		RoomID:   roomID,
		Content:  req.Content,
		Sender:   req.Sender,
		IsSystem: req.IsSystemMessage,
	}
	if !req.IsSystemMessage {
		name := req.Sender
		msg.DisplayName = &name
	}
	if req.Timestamp > 0 {
		msg.Timestamp = time.UnixMilli(req.Timestamp).UTC()
	}

	stored, err := h.store.AppendMessage(ctx, roomID, msg)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Created(c, stored.ToRecord())
}

// authorize checks that roomID is live and code opens it.
func (h *Handler) authorize(ctx context.Context, roomID, code string) error {
	room, err := h.store.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if !room.RequiresCode() {
		return nil
	}

	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return domain.ErrCodeRequired
	}
	ok, err := h.store.VerifySecurityCode(ctx, roomID, code)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: invalid security code", domain.ErrUnauthorized)
	}
	return nil
}

func roomParam(c *gin.Context) string {
	return strings.ToUpper(strings.TrimSpace(c.Param("id")))
}

// roomScope tags the request logger with the room in the path.
func roomScope(c *gin.Context) {
	if roomID := roomParam(c); roomID != "" {
		c.Request = c.Request.WithContext(log.WithRoom(c.Request.Context(), roomID))
	}
	c.Next()
}

// writeError maps err onto the response envelope.
func writeError(c *gin.Context, err error) {
	status := domain.HTTPStatus(err)
	if status >= 500 {
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Str(log.FieldPath, c.FullPath()).Msg("request failed")
	}
	response.Error(c, status, domain.ErrorCode(err), domain.UserMessage(err))
}
