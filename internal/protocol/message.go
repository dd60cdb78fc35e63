package protocol

import "strings"

// DeliveryState is the per-user delivery state of a message.
type DeliveryState string

const (
	// StateSending is the initial optimistic state before server acknowledgement.
	StateSending DeliveryState = "sending"
	// StateSent indicates the server acknowledged the message.
	StateSent DeliveryState = "sent"
	// StateDelivered indicates a peer confirmed delivery.
	StateDelivered DeliveryState = "delivered"
	// StateFailed indicates the transmit attempt failed.
	StateFailed DeliveryState = "failed"
	// StateDeleted marks a soft-deleted message whose content is redacted.
	StateDeleted DeliveryState = "deleted"
	// StateRemoved marks a hard-removed message; the entry vanishes from the list.
	StateRemoved DeliveryState = "removed"
)

// RedactedContent replaces the content of soft-deleted messages.
const RedactedContent = "This message was deleted"

// ValidTransition reports whether a delivery-state transition is allowed:
// sending may become sent or failed, sent may become delivered, and any state
// may be soft-deleted or hard-removed. Removed is terminal.
func ValidTransition(from, to DeliveryState) bool {
	if from == StateRemoved {
		return false
	}
	switch to {
	case StateDeleted, StateRemoved:
		return true
	case StateSent, StateFailed:
		return from == StateSending
	case StateDelivered:
		return from == StateSent
	default:
		return false
	}
}

// StateEntry records one user's delivery state for a message.
type StateEntry struct {
	State           DeliveryState `json:"state"`
	UserID          string        `json:"userId"`
	ServerMessageID string        `json:"serverMessageId,omitempty"`
}

// Message is a single chat message as held in a session's message list.
type Message struct {
	MessageID string       `json:"messageId"`
	SessionID string       `json:"sessionId"`
	UserID    string       `json:"userId"`
	FullName  string       `json:"fullName"`
	Content   string       `json:"content"`
	CreatedAt int64        `json:"createdAt"`
	States    []StateEntry `json:"state"`
}

// WithContent returns a copy of the message with its content replaced.
func (m Message) WithContent(content string) Message {
	m.Content = content
	m.States = append([]StateEntry(nil), m.States...)
	return m
}

// WithState returns a copy of the message with the given user's delivery
// state updated, inserting an entry if the user has none. Transitions that
// violate the state machine leave the entry unchanged.
func (m Message) WithState(userID string, state DeliveryState, serverMessageID string) Message {
	states := append([]StateEntry(nil), m.States...)
	found := false
	for i, entry := range states {
		if entry.UserID != userID {
			continue
		}
		found = true
		if !ValidTransition(entry.State, state) {
			break
		}
		states[i].State = state
		if serverMessageID != "" {
			states[i].ServerMessageID = serverMessageID
		}
		break
	}
	if !found {
		states = append(states, StateEntry{State: state, UserID: userID, ServerMessageID: serverMessageID})
	}
	m.States = states
	return m
}

// StateFor returns the delivery state recorded for the given user.
func (m Message) StateFor(userID string) (StateEntry, bool) {
	for _, entry := range m.States {
		if entry.UserID == userID {
			return entry, true
		}
	}
	return StateEntry{}, false
}

// ServerID returns the server-assigned id for the message, if any state
// entry carries one.
func (m Message) ServerID() string {
	for _, entry := range m.States {
		if entry.ServerMessageID != "" {
			return entry.ServerMessageID
		}
	}
	return ""
}

// PresenceRecord is one user's online/offline history entry for a session.
type PresenceRecord struct {
	UserID      string `json:"userId"`
	FullName    string `json:"fullName"`
	Initials    string `json:"initials"`
	IsOnline    bool   `json:"isOnline"`
	ConnectedAt int64  `json:"connectedAt"`
	LastSeenAt  int64  `json:"lastSeenAt"`
}

// JoinRequest is an ephemeral request from a guest to join a moderated
// session.
type JoinRequest struct {
	UserID      string `json:"userId"`
	FullName    string `json:"fullName"`
	RequestedAt int64  `json:"requestedAt,omitempty"`
}

// Initials derives up to two initials from a full name for avatar display.
func Initials(fullName string) string {
	var initials []rune
	for _, part := range strings.Fields(fullName) {
		initials = append(initials, []rune(strings.ToUpper(part))[0])
		if len(initials) == 2 {
			break
		}
	}
	return string(initials)
}
