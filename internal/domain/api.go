package domain

// CreateRoomResponse is returned by POST /rooms.
type CreateRoomResponse struct {
	RoomID       string `json:"room_id"`
	SecurityCode string `json:"security_code"`
	URL          string `json:"url"`
}

// VerifyCodeRequest is the body of POST /rooms/:id/verify.
type VerifyCodeRequest struct {
	Code string `json:"code"`
}

// VerifyCodeResponse reports whether the code matched.
type VerifyCodeResponse struct {
	Valid bool `json:"valid"`
}

// PostMessageRequest is the body of POST /rooms/:id/messages. ID and
// Timestamp are optional; clients doing optimistic sends set both.
type PostMessageRequest struct {
	ID              string `json:"id"`
	Content         string `json:"content" binding:"required"`
	Sender          string `json:"sender" binding:"required"`
	IsSystemMessage bool   `json:"is_system_message"`
	Timestamp       int64  `json:"timestamp"` // unix ms
	Code            string `json:"code"`
}

// CreateRoomRequest is the optional body of POST /rooms. An empty
// SecurityCode lets the server generate one.
type CreateRoomRequest struct {
	SecurityCode string `json:"security_code"`
}
