package pubsub

import (
	"fmt"
	"strings"
)

// Channel naming: {prefix}:room:{roomID}:{suffix}.
const (
	ChannelRoomMessages = "chat:room:%s:messages"
)

// Event types published on a room channel.
const (
	EventMessageInserted = "message_inserted"
	EventPresenceJoined  = "presence_joined"
	EventPresenceLeft    = "presence_left"
)

// RoomMessagesChannel returns the channel carrying a room's message and
// presence events.
func RoomMessagesChannel(roomID string) string {
	return fmt.Sprintf(ChannelRoomMessages, roomID)
}

// RoomIDFromChannel extracts the room ID from a room channel name.
func RoomIDFromChannel(channel string) (string, error) {
	parts := strings.Split(channel, ":")
	if len(parts) != 4 || parts[1] != "room" || parts[2] == "" {
		return "", fmt.Errorf("invalid channel format: %s", channel)
	}
	return parts[2], nil
}
