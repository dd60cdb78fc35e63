package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Frame type constants. These tags are the server's wire contract and must
// match it exactly.
const (
	// Connection lifecycle
	TypeAuth = "auth"
	TypePing = "ping"
	TypePong = "pong"

	// Client-initiated message mutations
	TypeChat        = "chat"
	TypeChatEdit    = "chat_edit"
	TypeChatDelete  = "chat_delete"
	TypeChatRemove  = "chat_remove"
	TypeChatReact   = "chat_react"
	TypeChatUnreact = "chat_unreact"

	// Server-broadcast message events
	TypeServerChat            = "server_chat"
	TypeServerChatDelete      = "server_chat_delete"
	TypeServerSessionMessages = "server_session_messages"

	// Presence
	TypeUserJoinedSession = "user_joined_session"
	TypeUserDisconnected  = "user_disconnected"

	// Typing indicators
	TypeTypingStart = "typing_start"
	TypeTypingStop  = "typing_stop"

	// Join-request moderation flow
	TypeRequestToJoin     = "request_to_join_session"
	TypeAcceptJoinRequest = "accept_join_request"
	TypeRejectJoinRequest = "reject_join_request"
)

var (
	// ErrMissingType indicates an inbound frame without a type tag.
	ErrMissingType = errors.New("frame has no type field")
	// ErrMissingTimestamp indicates an inbound frame that carries neither
	// createdAt nor timestamp.
	ErrMissingTimestamp = errors.New("frame has no createdAt or timestamp field")
)

// FrameError attaches the offending frame type to a protocol violation.
type FrameError struct {
	FrameType string
	Err       error
}

func (e *FrameError) Error() string {
	if e.FrameType == "" {
		return fmt.Sprintf("invalid frame: %v", e.Err)
	}
	return fmt.Sprintf("invalid %s frame: %v", e.FrameType, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// Frame is a single structured message exchanged over the socket. The wire
// format is a flat JSON object; fields not relevant to a given frame type are
// omitted.
type Frame struct {
	Type      string `json:"type"`
	CreatedAt int64  `json:"createdAt,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`

	SessionID string `json:"sessionId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	FullName  string `json:"fullName,omitempty"`

	MessageID       string `json:"messageId,omitempty"`
	ServerMessageID string `json:"serverMessageId,omitempty"`
	Content         string `json:"content,omitempty"`
	Emoji           string `json:"emoji,omitempty"`
	Status          string `json:"status,omitempty"`

	// Snapshot and moderation payloads
	Message  *Message      `json:"message,omitempty"`
	Messages []Message     `json:"messages,omitempty"`
	Guests   []JoinRequest `json:"guests,omitempty"`
	GuestID  string        `json:"guestId,omitempty"`
}

// NewFrame creates a frame of the given type stamped with the current time.
func NewFrame(frameType string) Frame {
	return Frame{
		Type:      frameType,
		CreatedAt: NowMillis(),
	}
}

// When returns the frame's effective timestamp, preferring createdAt.
func (f *Frame) When() int64 {
	if f.CreatedAt != 0 {
		return f.CreatedAt
	}
	return f.Timestamp
}

// Validate checks the inbound validity contract: a frame must carry a type
// and at least one of createdAt/timestamp.
func (f *Frame) Validate() error {
	if f.Type == "" {
		return &FrameError{Err: ErrMissingType}
	}
	if f.CreatedAt == 0 && f.Timestamp == 0 {
		return &FrameError{FrameType: f.Type, Err: ErrMissingTimestamp}
	}
	return nil
}

// Parse decodes and validates an inbound frame payload.
func Parse(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// NowMillis returns the current time as epoch milliseconds, the timestamp
// representation used on the wire.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
