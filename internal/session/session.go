// Package session implements the reconciliation engine: the single source of
// truth for a session's message list. It merges local optimistic sends, full
// server snapshots and individual server-pushed message events, and persists
// the merged state to the durable store.
package session

import (
	"encoding/json"
	"fmt"

	"github.com/codefionn/collabchat/internal/protocol"
	"github.com/codefionn/collabchat/internal/router"
	"github.com/codefionn/collabchat/internal/store"
)

// Status is the local user's membership status in the session.
type Status string

const (
	// StatusJoined means the user participates in the session.
	StatusJoined Status = "joined"
	// StatusRequestReceived means the server acknowledged the user's request
	// to join a moderated session and an admin decision is pending.
	StatusRequestReceived Status = "requestReceivedToJoin"
)

// Join-request moderation actions.
const (
	ActionAccept = "accept"
	ActionReject = "reject"
)

// Session identifies a chat/editor room together with the local user's
// identity and editor preferences.
type Session struct {
	ID             string `json:"sessionId"`
	CreatedAt      int64  `json:"createdAt"`
	UserID         string `json:"userId"`
	FullName       string `json:"fullName"`
	EditorLanguage string `json:"editorLanguage,omitempty"`
	Theme          string `json:"theme,omitempty"`
	Status         Status `json:"status"`
}

// Sender is the capability handle the engine holds on the connection
// manager. The engine never touches the socket directly.
type Sender interface {
	Send(protocol.Frame) error
	Subscribe(frameType string, handler router.Handler) func()
}

// storeKey is the key the session record is persisted under within the
// session's namespace.
const storeKey = "session"

// Record is the persisted shape of a session: the owning user and the
// reconciled message list.
type Record struct {
	UserIdentifier string             `json:"userIdentifier"`
	FullName       string             `json:"fullName,omitempty"`
	CreatedAt      int64              `json:"createdAt,omitempty"`
	EditorLanguage string             `json:"editorLanguage,omitempty"`
	Theme          string             `json:"theme,omitempty"`
	Status         Status             `json:"status,omitempty"`
	Messages       []protocol.Message `json:"messages"`
}

// loadRecord reads the persisted session record, if any.
func loadRecord(st store.Store, sessionID string) (*Record, error) {
	data, ok, err := st.Get(sessionID, storeKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if !ok {
		return nil, nil
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode session record %s: %w", sessionID, err)
	}
	return &rec, nil
}

// saveRecord writes the session record into the session's namespace.
func saveRecord(st store.Store, sessionID string, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode session record: %w", err)
	}
	if err := st.Set(sessionID, storeKey, data); err != nil {
		return fmt.Errorf("failed to persist session %s: %w", sessionID, err)
	}
	return nil
}
