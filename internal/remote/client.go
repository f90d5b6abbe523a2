// Package remote talks to a hosted chat server over its HTTP API and
// websocket stream. Client satisfies the room store and subscriber
// contracts used by the session manager and the synchronizer.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/weiawesome/ephemeral-chat/internal/domain"
	"github.com/weiawesome/ephemeral-chat/pkg/response"
)

// codePlaceholder stands in for a security code the API does not reveal,
// so Room.RequiresCode stays accurate.
const codePlaceholder = "******"

// Client wraps the chat server HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client

	// codes remembers verified security codes per room; message endpoints
	// need them on every call.
	mu    sync.RWMutex
	codes map[string]string
}

// NewClient creates a new chat server client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		codes: make(map[string]string),
	}
}

// CreateRoom creates a room protected by securityCode.
func (c *Client) CreateRoom(ctx context.Context, securityCode string) (*domain.Room, error) {
	var created domain.CreateRoomResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/rooms", nil, domain.CreateRoomRequest{SecurityCode: securityCode}, &created); err != nil {
		return nil, err
	}
	c.remember(created.RoomID, created.SecurityCode)

	room, err := c.GetRoom(ctx, created.RoomID)
	if err != nil {
		return nil, err
	}
	room.SecurityCode = created.SecurityCode
	return room, nil
}

// GetRoom retrieves a live room by ID.
func (c *Client) GetRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	var status domain.RoomStatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/rooms/"+url.PathEscape(roomID), nil, nil, &status); err != nil {
		return nil, err
	}

	room := &domain.Room{
		ID:           status.ID,
		CreatedAt:    status.CreatedAt,
		LastActivity: status.LastActivity,
	}
	if status.RequiresCode {
		room.SecurityCode = c.codeFor(roomID)
		if room.SecurityCode == "" {
			room.SecurityCode = codePlaceholder
		}
	}
	return room, nil
}

// VerifySecurityCode checks code with the server and remembers it on success.
func (c *Client) VerifySecurityCode(ctx context.Context, roomID, code string) (bool, error) {
	var out domain.VerifyCodeResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/rooms/"+url.PathEscape(roomID)+"/verify", nil, domain.VerifyCodeRequest{Code: code}, &out)
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return false, nil
	case err != nil:
		return false, err
	}

	c.remember(roomID, code)
	return out.Valid, nil
}

// LoadMessages returns the room history in display order.
func (c *Client) LoadMessages(ctx context.Context, roomID string) ([]domain.Message, error) {
	var records []domain.MessageRecord
	if err := c.do(ctx, http.MethodGet, "/api/v1/rooms/"+url.PathEscape(roomID)+"/messages", c.codeQuery(roomID), nil, &records); err != nil {
		return nil, err
	}

	msgs := make([]domain.Message, len(records))
	for i, r := range records {
		msgs[i] = r.ToMessage()
	}
	return msgs, nil
}

// AppendMessage posts msg, keeping its ID and timestamp.
func (c *Client) AppendMessage(ctx context.Context, roomID string, msg *domain.Message) (*domain.Message, error) {
	req := domain.PostMessageRequest{
		ID:              msg.ID,
		Content:         msg.Content,
		Sender:          msg.Sender,
		IsSystemMessage: msg.IsSystem,
		Code:            c.codeFor(roomID),
	}
	if !msg.Timestamp.IsZero() {
		req.Timestamp = msg.Timestamp.UnixMilli()
	}

	var rec domain.MessageRecord
	if err := c.do(ctx, http.MethodPost, "/api/v1/rooms/"+url.PathEscape(roomID)+"/messages", nil, req, &rec); err != nil {
		return nil, err
	}
	stored := rec.ToMessage()
	return &stored, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", domain.ErrValidation, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %v", domain.ErrUnavailable, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", domain.ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	var envelope response.Envelope[json.RawMessage]
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%w: %s %s returned status %d", domain.ErrUnavailable, method, path, resp.StatusCode)
	}

	if !envelope.Success {
		if envelope.Error != nil {
			return domain.ErrorFromCode(envelope.Error.Code, envelope.Error.Message)
		}
		return fmt.Errorf("%w: %s %s returned status %d", domain.ErrUnavailable, method, path, resp.StatusCode)
	}

	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", domain.ErrUnavailable, err)
	}
	return nil
}

func (c *Client) remember(roomID, code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes[roomID] = code
}

func (c *Client) codeFor(roomID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.codes[roomID]
}

func (c *Client) codeQuery(roomID string) url.Values {
	code := c.codeFor(roomID)
	if code == "" {
		return nil
	}
	return url.Values{"code": []string{code}}
}
