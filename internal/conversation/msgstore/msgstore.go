// Package msgstore is the normalized per-message cache the UI reads during
// streaming. Exactly one session, the active one, may write into it; a sync
// from any other session is silently dropped. That single-writer rule is what
// prevents cross-tab message bleed-through.
package msgstore

import (
	"context"
	"reflect"
	"sync"

	"github.com/zjrosen/strand/internal/conversation/message"
	"github.com/zjrosen/strand/internal/conversation/status"
	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/internal/pubsub"
)

// ChangeKind identifies which entity a change touched.
type ChangeKind string

const (
	// MessageChanged means one message's content changed, appeared, or was
	// removed. Subscribers watching other messages can ignore it.
	MessageChanged ChangeKind = "message"
	// GroupChanged means the assistant-ids list under one user message
	// changed membership.
	GroupChanged ChangeKind = "group"
	// LastUserChanged means the "is last user message" flag moved.
	LastUserChanged ChangeKind = "last_user"
	// FlagsChanged means isStreaming or isStreamingIdle flipped.
	FlagsChanged ChangeKind = "flags"
	// ActiveChanged means a different session became the writer.
	ActiveChanged ChangeKind = "active"
	// Purged means a session's cached entities were dropped on disposal.
	Purged ChangeKind = "purged"
)

// Change is one fine-grained store update.
type Change struct {
	Kind      ChangeKind
	SessionID string

	// MessageID is set for message changes; for last-user changes it is the
	// new holder and PrevMessageID the old one.
	MessageID     string
	PrevMessageID string

	// UserMessageID is set for group changes.
	UserMessageID string
}

// Store holds the active session's messages normalized by id plus the
// derived indices the UI subscribes to.
type Store struct {
	mu sync.Mutex

	activeID string // the only session allowed to sync
	cachedID string // the session whose data is currently cached

	order            []string
	byID             map[string]message.Message
	assistantsByUser map[string][]string
	lastUserID       string

	streaming     bool
	streamingIdle bool

	broker *pubsub.Broker[Change]
}

// NewStore creates an empty store with no active session.
func NewStore() *Store {
	return &Store{
		byID:             make(map[string]message.Message),
		assistantsByUser: make(map[string][]string),
		broker:           pubsub.NewBroker[Change](),
	}
}

// Subscribe returns a channel of store changes scoped to ctx.
func (s *Store) Subscribe(ctx context.Context) <-chan pubsub.Event[Change] {
	return s.broker.Subscribe(ctx)
}

// SetActive hands the write token to sessionID and clears any cached content
// from the previous session, so a switch never shows stale messages. Passing
// the current active id is a no-op.
func (s *Store) SetActive(sessionID string) {
	s.mu.Lock()
	if s.activeID == sessionID {
		s.mu.Unlock()
		return
	}
	s.activeID = sessionID
	s.clearLocked()
	s.mu.Unlock()

	log.Debug(log.CatStore, "active session changed", "session", sessionID)
	s.broker.Publish(pubsub.UpdatedEvent, Change{Kind: ActiveChanged, SessionID: sessionID})
}

// ActiveSessionID returns the current writer's id, empty when none.
func (s *Store) ActiveSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// Sync folds a session snapshot into the store. The only write entry point.
// A call from any session other than the active one leaves the store
// unchanged; rejected, not queued, because applying it later would resurrect
// stale content.
func (s *Store) Sync(sessionID string, msgs []message.Message, st status.Status) {
	s.mu.Lock()
	if sessionID != s.activeID {
		s.mu.Unlock()
		log.Debug(log.CatStore, "sync from inactive session dropped", "session", sessionID, "active", s.activeID)
		return
	}
	s.cachedID = sessionID

	var changes []Change
	changes = append(changes, s.diffMessagesLocked(sessionID, msgs)...)
	changes = append(changes, s.diffGroupsLocked(sessionID)...)
	changes = append(changes, s.diffLastUserLocked(sessionID)...)
	changes = append(changes, s.diffFlagsLocked(sessionID, st)...)
	s.mu.Unlock()

	for _, c := range changes {
		s.broker.Publish(pubsub.UpdatedEvent, c)
	}
}

// diffMessagesLocked updates per-id entries whose content actually changed.
func (s *Store) diffMessagesLocked(sessionID string, msgs []message.Message) []Change {
	var changes []Change

	newOrder := make([]string, len(msgs))
	seen := make(map[string]struct{}, len(msgs))
	for i, m := range msgs {
		newOrder[i] = m.ID
		seen[m.ID] = struct{}{}
		old, ok := s.byID[m.ID]
		if ok && messagesEqual(old, m) {
			continue
		}
		s.byID[m.ID] = m.Clone()
		changes = append(changes, Change{Kind: MessageChanged, SessionID: sessionID, MessageID: m.ID})
	}
	for _, id := range s.order {
		if _, ok := seen[id]; !ok {
			delete(s.byID, id)
			changes = append(changes, Change{Kind: MessageChanged, SessionID: sessionID, MessageID: id})
		}
	}
	s.order = newOrder
	return changes
}

// diffGroupsLocked recomputes assistant-id groupings, publishing only groups
// whose membership changed.
func (s *Store) diffGroupsLocked(sessionID string) []Change {
	var changes []Change

	fresh := make(map[string][]string)
	currentUser := ""
	for _, id := range s.order {
		m, ok := s.byID[id]
		if !ok {
			continue
		}
		if m.IsUser() {
			currentUser = id
			fresh[id] = nil
			continue
		}
		if currentUser != "" {
			fresh[currentUser] = append(fresh[currentUser], id)
		}
	}

	for userID, ids := range fresh {
		if !reflect.DeepEqual(s.assistantsByUser[userID], ids) {
			changes = append(changes, Change{Kind: GroupChanged, SessionID: sessionID, UserMessageID: userID})
		}
	}
	for userID := range s.assistantsByUser {
		if _, ok := fresh[userID]; !ok {
			changes = append(changes, Change{Kind: GroupChanged, SessionID: sessionID, UserMessageID: userID})
		}
	}
	s.assistantsByUser = fresh
	return changes
}

// diffLastUserLocked flips the single last-user flag pair instead of
// recomputing over the whole list.
func (s *Store) diffLastUserLocked(sessionID string) []Change {
	newLast := ""
	for i := len(s.order) - 1; i >= 0; i-- {
		if m, ok := s.byID[s.order[i]]; ok && m.IsUser() {
			newLast = m.ID
			break
		}
	}
	if newLast == s.lastUserID {
		return nil
	}
	prev := s.lastUserID
	s.lastUserID = newLast
	return []Change{{Kind: LastUserChanged, SessionID: sessionID, MessageID: newLast, PrevMessageID: prev}}
}

func (s *Store) diffFlagsLocked(sessionID string, st status.Status) []Change {
	streaming := st.Busy()
	idle := streaming && !s.pendingToolVisibleLocked()
	if streaming == s.streaming && idle == s.streamingIdle {
		return nil
	}
	s.streaming = streaming
	s.streamingIdle = idle
	return []Change{{Kind: FlagsChanged, SessionID: sessionID}}
}

// pendingToolVisibleLocked reports whether the trailing assistant message
// shows an in-progress tool call.
func (s *Store) pendingToolVisibleLocked() bool {
	for i := len(s.order) - 1; i >= 0; i-- {
		m, ok := s.byID[s.order[i]]
		if !ok {
			continue
		}
		if m.IsUser() {
			return false
		}
		return m.HasPendingTool()
	}
	return false
}

// Message returns one message by id.
func (s *Store) Message(id string) (message.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return message.Message{}, false
	}
	return m.Clone(), true
}

// MessageIDs returns the ordered id list.
func (s *Store) MessageIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// AssistantIDs returns the assistant message ids grouped under a user
// message.
func (s *Store) AssistantIDs(userMessageID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.assistantsByUser[userMessageID]...)
}

// IsLastUser reports whether id is the final user message.
func (s *Store) IsLastUser(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return id != "" && id == s.lastUserID
}

// IsStreaming reports whether the active session holds a live turn.
func (s *Store) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// IsStreamingIdle reports streaming with no visible tool activity, the cue
// for a generic "working" indicator.
func (s *Store) IsStreamingIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamingIdle
}

// CachedSessionID returns the session whose content is cached, which can lag
// the active id between a switch and the first sync.
func (s *Store) CachedSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cachedID
}

// Purge drops all cached entities for sessionID. Called on session disposal;
// purging a session that is not cached is a no-op.
func (s *Store) Purge(sessionID string) {
	s.mu.Lock()
	if s.cachedID != sessionID {
		s.mu.Unlock()
		return
	}
	s.clearLocked()
	s.mu.Unlock()

	log.Debug(log.CatStore, "store purged", "session", sessionID)
	s.broker.Publish(pubsub.DeletedEvent, Change{Kind: Purged, SessionID: sessionID})
}

// clearLocked resets all cached entities. Caller holds s.mu.
func (s *Store) clearLocked() {
	s.cachedID = ""
	s.order = nil
	s.byID = make(map[string]message.Message)
	s.assistantsByUser = make(map[string][]string)
	s.lastUserID = ""
	s.streaming = false
	s.streamingIdle = false
}

// Close shuts down the change broker.
func (s *Store) Close() {
	s.broker.Close()
}

func messagesEqual(a, b message.Message) bool {
	return reflect.DeepEqual(a, b)
}
