package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// SystemSender is the sender of synthetic notifications.
	SystemSender = "System"

	MaxContentLength     = 4000
	MaxDisplayNameLength = 50
)

// Message is a single chat line.
type Message struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"room_id"`
	Content     string    `json:"content"`
	Sender      string    `json:"sender"`
	DisplayName *string   `json:"display_name,omitempty"`
	IsSystem    bool      `json:"is_system_message"`
	Timestamp   time.Time `json:"timestamp"`
	CreatedAt   time.Time `json:"created_at"`
}

// Less orders messages by (Timestamp, ID).
func (m *Message) Less(other *Message) bool {
	if !m.Timestamp.Equal(other.Timestamp) {
		return m.Timestamp.Before(other.Timestamp)
	}
	return m.ID < other.ID
}

// View derives the render-time ownership flag for the given display name.
func (m Message) View(displayName string) MessageView {
	return MessageView{
		Message: m,
		IsMine:  !m.IsSystem && displayName != "" && m.Sender == displayName,
	}
}

// MessageView is a Message as seen by one session.
type MessageView struct {
	Message
	IsMine bool `json:"is_mine"`
}

// NewSystemMessage builds a synthetic announcement.
func NewSystemMessage(id, roomID, content string, ts time.Time) *Message {
	return &Message{
		ID:        id,
		RoomID:    roomID,
		Content:   content,
		Sender:    SystemSender,
		IsSystem:  true,
		Timestamp: ts,
	}
}

// NameChangeContent is the announcement posted when a participant renames.
func NameChangeContent(oldName, newName string) string {
	return fmt.Sprintf("**%s** changed their name to **%s**", oldName, newName)
}

// MessageTime truncates t to the millisecond precision stored remotely.
func MessageTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// NormalizeContent trims content and rejects empty or oversized text.
func NormalizeContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", fmt.Errorf("%w: message content is empty", ErrValidation)
	}
	if utf8.RuneCountInString(content) > MaxContentLength {
		return "", fmt.Errorf("%w: message content exceeds %d characters", ErrValidation, MaxContentLength)
	}
	return content, nil
}

// NormalizeDisplayName trims a display name and rejects empty or oversized names.
func NormalizeDisplayName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: display name is empty", ErrValidation)
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return "", fmt.Errorf("%w: display name exceeds %d characters", ErrValidation, MaxDisplayNameLength)
	}
	return name, nil
}

// MessageRecord is the row shape of chat_messages as carried by push events
// and the HTTP API.
type MessageRecord struct {
	ID              string  `json:"id"`
	RoomID          string  `json:"room_id"`
	Content         string  `json:"content"`
	Sender          string  `json:"sender"`
	DisplayName     *string `json:"display_name,omitempty"`
	IsSystemMessage bool    `json:"is_system_message"`
	Timestamp       int64   `json:"timestamp"` // unix ms
	CreatedAt       int64   `json:"created_at"`
}

// ToRecord converts Message to its row shape.
func (m *Message) ToRecord() MessageRecord {
	return MessageRecord{
		ID:              m.ID,
		RoomID:          m.RoomID,
		Content:         m.Content,
		Sender:          m.Sender,
		DisplayName:     m.DisplayName,
		IsSystemMessage: m.IsSystem,
		Timestamp:       m.Timestamp.UnixMilli(),
		CreatedAt:       m.CreatedAt.UnixMilli(),
	}
}

// ToMessage converts a row back into a Message.
func (r MessageRecord) ToMessage() Message {
	return Message{
		ID:          r.ID,
		RoomID:      r.RoomID,
		Content:     r.Content,
		Sender:      r.Sender,
		DisplayName: r.DisplayName,
		IsSystem:    r.IsSystemMessage,
		Timestamp:   time.UnixMilli(r.Timestamp).UTC(),
		CreatedAt:   time.UnixMilli(r.CreatedAt).UTC(),
	}
}

// Validate rejects rows that can never be shown.
func (r MessageRecord) Validate() error {
	if r.ID == "" || r.RoomID == "" {
		return fmt.Errorf("%w: message record missing id or room_id", ErrValidation)
	}
	if strings.TrimSpace(r.Content) == "" {
		return fmt.Errorf("%w: message record has empty content", ErrValidation)
	}
	return nil
}

// PresencePayload is carried by presence events.
type PresencePayload struct {
	Name string `json:"name"`
}
