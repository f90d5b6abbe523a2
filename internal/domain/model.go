package domain

import (
	"time"
)

// RoomModel is the GORM model for the chat_rooms table.
type RoomModel struct {
	ID           string    `gorm:"type:varchar(16);primaryKey"`
	SecurityCode *string   `gorm:"type:varchar(32)"`
	CreatedAt    time.Time `gorm:"not null"`
	LastActivity time.Time `gorm:"index;not null"`
}

// TableName specifies the table name for RoomModel.
func (RoomModel) TableName() string {
	return "chat_rooms"
}

// ToDomain converts RoomModel to domain Room.
func (m *RoomModel) ToDomain() *Room {
	r := &Room{
		ID:           m.ID,
		CreatedAt:    m.CreatedAt.UTC(),
		LastActivity: m.LastActivity.UTC(),
	}
	if m.SecurityCode != nil {
		r.SecurityCode = *m.SecurityCode
	}
	return r
}

// RoomToModel converts domain Room to RoomModel.
func RoomToModel(r *Room) *RoomModel {
	m := &RoomModel{
		ID:           r.ID,
		CreatedAt:    r.CreatedAt,
		LastActivity: r.LastActivity,
	}
	if r.SecurityCode != "" {
		code := r.SecurityCode
		m.SecurityCode = &code
	}
	return m
}

// MessageModel is the GORM model for the chat_messages table.
type MessageModel struct {
	ID              string  `gorm:"type:varchar(64);primaryKey"`
	RoomID          string  `gorm:"type:varchar(16);index:idx_chat_messages_room_ts,priority:1;not null"`
	Content         string  `gorm:"type:text;not null"`
	Sender          string  `gorm:"type:varchar(64);not null"`
	DisplayName     *string `gorm:"type:varchar(64)"`
	IsSystemMessage bool    `gorm:"not null;default:false"`
	Timestamp       int64   `gorm:"index:idx_chat_messages_room_ts,priority:2;not null"` // unix ms
	CreatedAt       time.Time
}

// TableName specifies the table name for MessageModel.
func (MessageModel) TableName() string {
	return "chat_messages"
}

// ToDomain converts MessageModel to domain Message.
func (m *MessageModel) ToDomain() Message {
	return Message{
		ID:          m.ID,
		RoomID:      m.RoomID,
		Content:     m.Content,
		Sender:      m.Sender,
		DisplayName: m.DisplayName,
		IsSystem:    m.IsSystemMessage,
		Timestamp:   time.UnixMilli(m.Timestamp).UTC(),
		CreatedAt:   m.CreatedAt.UTC(),
	}
}

// MessageToModel converts domain Message to MessageModel.
func MessageToModel(msg *Message) *MessageModel {
	return &MessageModel{
		ID:              msg.ID,
		RoomID:          msg.RoomID,
		Content:         msg.Content,
		Sender:          msg.Sender,
		DisplayName:     msg.DisplayName,
		IsSystemMessage: msg.IsSystem,
		Timestamp:       msg.Timestamp.UnixMilli(),
		CreatedAt:       msg.CreatedAt,
	}
}
