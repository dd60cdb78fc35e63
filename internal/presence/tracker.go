// Package presence tracks per-session online/last-seen history. History is
// durable: records are merged on join/leave events and never deleted, and
// the active-user set is derived from recency.
package presence

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/codefionn/collabchat/internal/logger"
	"github.com/codefionn/collabchat/internal/protocol"
	"github.com/codefionn/collabchat/internal/router"
	"github.com/codefionn/collabchat/internal/store"
)

// storeKey is the per-session key the presence history is persisted under.
const storeKey = "online_users"

// Subscriber registers inbound frame handlers; satisfied by the connection
// manager.
type Subscriber interface {
	Subscribe(frameType string, handler router.Handler) func()
}

// Tracker maintains the presence history for one session. It is the sole
// mutator of its records.
type Tracker struct {
	mu        sync.Mutex
	sessionID string
	history   []protocol.PresenceRecord
	connected bool

	store  store.Store
	window time.Duration
	now    func() time.Time

	unsubscribes []func()
}

// NewTracker creates a presence tracker for the session, restoring persisted
// history and subscribing to join/leave events. The window bounds how recent
// a record's lastSeenAt must be to count as active.
func NewTracker(sessionID string, sub Subscriber, st store.Store, window time.Duration) (*Tracker, error) {
	t := &Tracker{
		sessionID: sessionID,
		store:     st,
		window:    window,
		now:       time.Now,
	}

	data, ok, err := st.Get(sessionID, storeKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load presence history for %s: %w", sessionID, err)
	}
	if ok {
		if err := json.Unmarshal(data, &t.history); err != nil {
			return nil, fmt.Errorf("failed to decode presence history for %s: %w", sessionID, err)
		}
	}

	if sub != nil {
		t.unsubscribes = append(t.unsubscribes,
			sub.Subscribe(protocol.TypeUserJoinedSession, t.handleJoined),
			sub.Subscribe(protocol.TypeUserDisconnected, t.handleDisconnected),
		)
	}
	return t, nil
}

// Close unsubscribes the tracker's frame handlers.
func (t *Tracker) Close() {
	for _, unsub := range t.unsubscribes {
		unsub()
	}
	t.unsubscribes = nil
}

// SetConnected records whether the transport is up. The active-user set is
// empty while disconnected.
func (t *Tracker) SetConnected(connected bool) {
	t.mu.Lock()
	t.connected = connected
	t.mu.Unlock()
}

// History returns a copy of the presence history, online users first.
func (t *Tracker) History() []protocol.PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.PresenceRecord(nil), t.history...)
}

// ActiveUsers returns the users whose lastSeenAt falls within the activity
// window. It returns nil while disconnected.
func (t *Tracker) ActiveUsers() []protocol.PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil
	}

	cutoff := t.now().Add(-t.window).UnixMilli()
	var active []protocol.PresenceRecord
	for _, rec := range t.history {
		if rec.LastSeenAt > cutoff {
			active = append(active, rec)
		}
	}
	return active
}

// handleJoined merges every announced guest into the history.
func (t *Tracker) handleJoined(frame *protocol.Frame) {
	if frame.SessionID != t.sessionID {
		return
	}

	guests := frame.Guests
	if len(guests) == 0 && frame.UserID != "" {
		// Single-user announce variant
		guests = []protocol.JoinRequest{{UserID: frame.UserID, FullName: frame.FullName}}
	}

	t.mu.Lock()
	when := frame.When()
	for _, guest := range guests {
		t.mergeLocked(protocol.PresenceRecord{
			UserID:      guest.UserID,
			FullName:    guest.FullName,
			Initials:    protocol.Initials(guest.FullName),
			IsOnline:    true,
			ConnectedAt: when,
			LastSeenAt:  when,
		})
	}
	t.sortLocked()
	t.persistLocked()
	t.mu.Unlock()
}

// handleDisconnected marks the user offline and stamps lastSeenAt.
func (t *Tracker) handleDisconnected(frame *protocol.Frame) {
	if frame.SessionID != t.sessionID && frame.SessionID != "" {
		return
	}

	t.mu.Lock()
	for i := range t.history {
		if t.history[i].UserID == frame.UserID {
			t.history[i].IsOnline = false
			t.history[i].LastSeenAt = frame.When()
			break
		}
	}
	t.sortLocked()
	t.persistLocked()
	t.mu.Unlock()
}

// mergeLocked updates the record for the user or inserts a new one. Caller
// holds t.mu.
func (t *Tracker) mergeLocked(rec protocol.PresenceRecord) {
	for i := range t.history {
		if t.history[i].UserID != rec.UserID {
			continue
		}
		t.history[i].IsOnline = rec.IsOnline
		t.history[i].ConnectedAt = rec.ConnectedAt
		t.history[i].LastSeenAt = rec.LastSeenAt
		if rec.FullName != "" {
			t.history[i].FullName = rec.FullName
			t.history[i].Initials = rec.Initials
		}
		return
	}
	t.history = append(t.history, rec)
}

// sortLocked keeps online users before offline ones, ties keeping their
// relative order. Caller holds t.mu.
func (t *Tracker) sortLocked() {
	sort.SliceStable(t.history, func(i, j int) bool {
		return t.history[i].IsOnline && !t.history[j].IsOnline
	})
}

// persistLocked writes the full history back to the store. Caller holds t.mu.
func (t *Tracker) persistLocked() {
	data, err := json.Marshal(t.history)
	if err != nil {
		logger.Error("Failed to encode presence history for %s: %v", t.sessionID, err)
		return
	}
	if err := t.store.Set(t.sessionID, storeKey, data); err != nil {
		logger.Error("Failed to persist presence history for %s: %v", t.sessionID, err)
	}
}
