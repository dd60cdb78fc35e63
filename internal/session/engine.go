package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/codefionn/collabchat/internal/logger"
	"github.com/codefionn/collabchat/internal/protocol"
	"github.com/codefionn/collabchat/internal/store"
)

// Pending join requests are memory-only and expire if never moderated.
const (
	joinRequestTTL       = 10 * time.Minute
	joinRequestSweepTick = time.Minute
)

// ErrNoIdentity is returned when an operation requires a signed-in user.
var ErrNoIdentity = errors.New("session has no user identity")

// Engine reconciles a session's message list. It is the sole mutator of the
// list; consumers read through Messages and mutate through the documented
// operations only.
type Engine struct {
	mu       sync.Mutex
	sess     Session
	messages []protocol.Message

	sender  Sender
	store   store.Store
	pending *gocache.Cache

	unsubscribes []func()

	// Persistence coalescing
	coalesce   time.Duration
	flushTimer *time.Timer
	dirty      bool
}

// NewEngine creates a reconciliation engine for the given session, restoring
// any persisted message list from the store. Coalesce bounds how often store
// writes happen; zero writes on every mutation.
func NewEngine(sess Session, sender Sender, st store.Store, coalesce time.Duration) (*Engine, error) {
	e := &Engine{
		sess:     sess,
		sender:   sender,
		store:    st,
		pending:  gocache.New(joinRequestTTL, joinRequestSweepTick),
		coalesce: coalesce,
	}
	if e.sess.Status == "" {
		e.sess.Status = StatusJoined
	}

	rec, err := loadRecord(st, sess.ID)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		e.messages = DeduplicateMessages(rec.Messages)
	}

	e.subscribe()
	return e, nil
}

// subscribe registers the engine's inbound frame handlers.
func (e *Engine) subscribe() {
	e.unsubscribes = append(e.unsubscribes,
		e.sender.Subscribe(protocol.TypeServerChat, e.handleServerChat),
		e.sender.Subscribe(protocol.TypeServerChatDelete, e.handleServerChatDelete),
		e.sender.Subscribe(protocol.TypeServerSessionMessages, e.handleSnapshot),
		e.sender.Subscribe(protocol.TypeRequestToJoin, e.handleJoinRequest),
	)
}

// Close unsubscribes every frame handler and flushes pending writes.
func (e *Engine) Close() {
	for _, unsub := range e.unsubscribes {
		unsub()
	}
	e.unsubscribes = nil

	e.mu.Lock()
	if e.flushTimer != nil {
		e.flushTimer.Stop()
		e.flushTimer = nil
	}
	if e.dirty {
		e.writeLocked()
	}
	e.mu.Unlock()
}

// Session returns a copy of the session descriptor.
func (e *Engine) Session() Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess
}

// Messages returns a copy of the current message list.
func (e *Engine) Messages() []protocol.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]protocol.Message(nil), e.messages...)
}

// SendMessage appends an optimistic message in sending state and transmits
// the chat frame. The local append happens before any network confirmation;
// a transmit failure is recorded on the message, not surfaced globally.
func (e *Engine) SendMessage(content string) (protocol.Message, error) {
	e.mu.Lock()
	if e.sess.UserID == "" || e.sess.ID == "" {
		e.mu.Unlock()
		return protocol.Message{}, ErrNoIdentity
	}

	msg := protocol.Message{
		MessageID: uuid.New().String(),
		SessionID: e.sess.ID,
		UserID:    e.sess.UserID,
		FullName:  e.sess.FullName,
		Content:   content,
		CreatedAt: protocol.NowMillis(),
		States: []protocol.StateEntry{
			{State: protocol.StateSending, UserID: e.sess.UserID},
		},
	}
	e.messages = append(e.messages, msg)
	e.persistLocked()
	e.mu.Unlock()

	frame := protocol.NewFrame(protocol.TypeChat)
	frame.SessionID = msg.SessionID
	frame.UserID = msg.UserID
	frame.FullName = msg.FullName
	frame.MessageID = msg.MessageID
	frame.Content = content

	if err := e.sender.Send(frame); err != nil {
		e.mu.Lock()
		e.patchLocked(msg.MessageID, func(m protocol.Message) protocol.Message {
			return m.WithState(e.sess.UserID, protocol.StateFailed, "")
		})
		e.persistLocked()
		failed := e.findLocked(msg.MessageID)
		e.mu.Unlock()
		return failed, nil
	}
	return msg, nil
}

// EditMessage transmits an edit frame. Local state is not mutated ahead of
// the server echo.
func (e *Engine) EditMessage(messageID, newContent string) error {
	frame := e.messageFrame(protocol.TypeChatEdit, messageID)
	frame.Content = newContent
	return e.sender.Send(frame)
}

// ReactToMessage transmits a reaction frame.
func (e *Engine) ReactToMessage(messageID, emoji string) error {
	frame := e.messageFrame(protocol.TypeChatReact, messageID)
	frame.Emoji = emoji
	return e.sender.Send(frame)
}

// RemoveReaction transmits an un-react frame.
func (e *Engine) RemoveReaction(messageID, emoji string) error {
	frame := e.messageFrame(protocol.TypeChatUnreact, messageID)
	frame.Emoji = emoji
	return e.sender.Send(frame)
}

// DeleteMessage soft-deletes a message: content is redacted locally right
// away, then a delete frame carrying the server-assigned id is transmitted.
func (e *Engine) DeleteMessage(messageID string) error {
	e.mu.Lock()
	var serverID string
	e.patchLocked(messageID, func(m protocol.Message) protocol.Message {
		serverID = m.ServerID()
		return m.WithContent(protocol.RedactedContent).
			WithState(e.sess.UserID, protocol.StateDeleted, "")
	})
	e.persistLocked()
	e.mu.Unlock()

	frame := e.messageFrame(protocol.TypeChatDelete, messageID)
	frame.ServerMessageID = serverID
	return e.sender.Send(frame)
}

// RemoveMessage hard-removes a message from the local list and transmits a
// remove frame. This is irreversible client-side.
func (e *Engine) RemoveMessage(messageID string) error {
	e.mu.Lock()
	kept := e.messages[:0]
	for _, m := range e.messages {
		if m.MessageID != messageID {
			kept = append(kept, m)
		}
	}
	e.messages = kept
	e.persistLocked()
	e.mu.Unlock()

	return e.sender.Send(e.messageFrame(protocol.TypeChatRemove, messageID))
}

// TypingStart announces that the local user started typing.
func (e *Engine) TypingStart() error {
	return e.sender.Send(e.messageFrame(protocol.TypeTypingStart, ""))
}

// TypingStop announces that the local user stopped typing.
func (e *Engine) TypingStop() error {
	return e.sender.Send(e.messageFrame(protocol.TypeTypingStop, ""))
}

// UpdateSessionMessages bulk-patches content and delivery state of existing
// messages by messageId. Messages belonging to another session are ignored.
// The list is re-deduplicated after patching.
func (e *Engine) UpdateSessionMessages(updates []protocol.Message) {
	e.mu.Lock()
	for _, upd := range updates {
		if upd.SessionID != e.sess.ID {
			continue
		}
		e.patchLocked(upd.MessageID, func(m protocol.Message) protocol.Message {
			m.Content = upd.Content
			m.States = append([]protocol.StateEntry(nil), upd.States...)
			return m
		})
	}
	e.messages = DeduplicateMessages(e.messages)
	e.persistLocked()
	e.mu.Unlock()
}

// Delivered reports whether the message has a delivered (or later) state
// entry for every listed active user other than the sender. Note this
// derives delivery from session activity, not per-recipient acks.
func (e *Engine) Delivered(messageID string, activeUsers []string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	msg := e.findLocked(messageID)
	if msg.MessageID == "" {
		return false
	}
	for _, userID := range activeUsers {
		if userID == msg.UserID {
			continue
		}
		entry, ok := msg.StateFor(userID)
		if !ok || entry.State != protocol.StateDelivered {
			return false
		}
	}
	return true
}

// PendingJoinRequests lists the guests currently awaiting moderation.
func (e *Engine) PendingJoinRequests() []protocol.JoinRequest {
	items := e.pending.Items()
	reqs := make([]protocol.JoinRequest, 0, len(items))
	for _, item := range items {
		if req, ok := item.Object.(protocol.JoinRequest); ok {
			reqs = append(reqs, req)
		}
	}
	return reqs
}

// SessionHandler resolves a pending join request: it clears the guest from
// the pending list, resets the local status to joined, and transmits the
// accept or reject frame. This is the admin-side moderation path.
func (e *Engine) SessionHandler(action, guestID string) error {
	frameType := protocol.TypeRejectJoinRequest
	if action == ActionAccept {
		frameType = protocol.TypeAcceptJoinRequest
	}

	e.pending.Delete(guestID)

	e.mu.Lock()
	e.sess.Status = StatusJoined
	userID := e.sess.UserID
	sessionID := e.sess.ID
	e.mu.Unlock()

	frame := protocol.NewFrame(frameType)
	frame.Timestamp = frame.CreatedAt
	frame.SessionID = sessionID
	frame.UserID = userID
	frame.GuestID = guestID
	return e.sender.Send(frame)
}

// DeduplicateMessages removes repeated messageIds, retaining for each id the
// occurrence positioned last in the input. Relative order of the retained
// entries is preserved.
func DeduplicateMessages(messages []protocol.Message) []protocol.Message {
	seen := make(map[string]struct{}, len(messages))
	kept := make([]protocol.Message, 0, len(messages))

	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if _, dup := seen[msg.MessageID]; dup {
			continue
		}
		seen[msg.MessageID] = struct{}{}
		kept = append(kept, msg)
	}

	// Restore original order
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}

// handleServerChat merges one server-pushed message: an existing messageId
// is replaced in place, a new one is appended.
func (e *Engine) handleServerChat(frame *protocol.Frame) {
	if frame.Message == nil || frame.Message.SessionID != e.sessionID() {
		return
	}
	msg := *frame.Message

	e.mu.Lock()
	replaced := false
	for i, existing := range e.messages {
		if existing.MessageID == msg.MessageID {
			e.messages[i] = msg
			replaced = true
			break
		}
	}
	if !replaced {
		e.messages = append(e.messages, msg)
	}
	e.persistLocked()
	e.mu.Unlock()
}

// handleServerChatDelete replaces the matching message wholesale with the
// server-provided authoritative version.
func (e *Engine) handleServerChatDelete(frame *protocol.Frame) {
	if frame.Message == nil || frame.Message.SessionID != e.sessionID() {
		return
	}
	msg := *frame.Message

	e.mu.Lock()
	for i, existing := range e.messages {
		if existing.MessageID == msg.MessageID {
			e.messages[i] = msg
			break
		}
	}
	e.persistLocked()
	e.mu.Unlock()
}

// handleSnapshot replaces the in-memory list with the deduplicated server
// snapshot filtered to the current session.
func (e *Engine) handleSnapshot(frame *protocol.Frame) {
	sessionID := e.sessionID()
	filtered := make([]protocol.Message, 0, len(frame.Messages))
	for _, msg := range frame.Messages {
		if msg.SessionID == sessionID {
			filtered = append(filtered, msg)
		}
	}

	e.mu.Lock()
	e.messages = DeduplicateMessages(filtered)
	e.persistLocked()
	e.mu.Unlock()
	logger.Debug("Session %s reloaded from snapshot: %d messages", sessionID, len(filtered))
}

// handleJoinRequest processes the join-request flow. A frame naming the
// local user is the server's acknowledgement of the user's own request;
// otherwise the announced guests are queued for admin moderation.
func (e *Engine) handleJoinRequest(frame *protocol.Frame) {
	if frame.SessionID != e.sessionID() {
		return
	}

	e.mu.Lock()
	localUser := e.sess.UserID
	e.mu.Unlock()

	for _, guest := range frame.Guests {
		if guest.UserID == localUser {
			e.mu.Lock()
			e.sess.Status = StatusRequestReceived
			e.mu.Unlock()
			continue
		}
		if guest.RequestedAt == 0 {
			guest.RequestedAt = frame.When()
		}
		e.pending.SetDefault(guest.UserID, guest)
	}
}

// Flush forces any coalesced store write out immediately.
func (e *Engine) Flush() {
	e.mu.Lock()
	if e.flushTimer != nil {
		e.flushTimer.Stop()
		e.flushTimer = nil
	}
	e.writeLocked()
	e.mu.Unlock()
}

func (e *Engine) sessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.ID
}

// messageFrame builds an outbound frame stamped with the session identity.
func (e *Engine) messageFrame(frameType, messageID string) protocol.Frame {
	e.mu.Lock()
	defer e.mu.Unlock()

	frame := protocol.NewFrame(frameType)
	frame.SessionID = e.sess.ID
	frame.UserID = e.sess.UserID
	frame.FullName = e.sess.FullName
	frame.MessageID = messageID
	return frame
}

// patchLocked applies an immutable-update function to the message with the
// given id, if present. Caller holds e.mu.
func (e *Engine) patchLocked(messageID string, fn func(protocol.Message) protocol.Message) {
	for i, msg := range e.messages {
		if msg.MessageID == messageID {
			e.messages[i] = fn(msg)
			return
		}
	}
}

// findLocked returns the message with the given id, or a zero message.
// Caller holds e.mu.
func (e *Engine) findLocked(messageID string) protocol.Message {
	for _, msg := range e.messages {
		if msg.MessageID == messageID {
			return msg
		}
	}
	return protocol.Message{}
}

// persistLocked flushes state to the store, honoring the coalescing window.
// Caller holds e.mu.
func (e *Engine) persistLocked() {
	if e.coalesce <= 0 {
		e.writeLocked()
		return
	}

	e.dirty = true
	if e.flushTimer == nil {
		e.flushTimer = time.AfterFunc(e.coalesce, func() {
			e.mu.Lock()
			e.flushTimer = nil
			e.writeLocked()
			e.mu.Unlock()
		})
	}
}

// writeLocked persists the session record unconditionally. Caller holds e.mu.
func (e *Engine) writeLocked() {
	rec := &Record{
		UserIdentifier: e.sess.UserID,
		FullName:       e.sess.FullName,
		CreatedAt:      e.sess.CreatedAt,
		EditorLanguage: e.sess.EditorLanguage,
		Theme:          e.sess.Theme,
		Status:         e.sess.Status,
		Messages:       e.messages,
	}
	if err := saveRecord(e.store, e.sess.ID, rec); err != nil {
		logger.Error("Failed to persist session %s: %v", e.sess.ID, err)
	}
	e.dirty = false
}
