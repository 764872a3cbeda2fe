// Package queue holds per-session FIFO queues of user inputs captured while
// their session was busy streaming. Items are drained in arrival order by the
// processor once the session returns to ready.
package queue

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/zjrosen/strand/internal/conversation/message"
	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/internal/pubsub"
)

// Item is one queued user input, kept rich enough to fully reconstruct the
// editor state if the user restores it to a draft.
type Item struct {
	ID               string                    `json:"id"`
	Text             string                    `json:"text"`
	Images           []message.ImageAttachment `json:"images,omitempty"`
	Files            []string                  `json:"files,omitempty"`
	TextContexts     []message.TextContext     `json:"text_contexts,omitempty"`
	DiffTextContexts []message.DiffTextContext `json:"diff_text_contexts,omitempty"`
}

// NewItem builds a queue item with a fresh id from editor content.
func NewItem(text string, att message.Attachment) Item {
	return Item{
		ID:               uuid.NewString(),
		Text:             text,
		Images:           att.Images,
		Files:            att.Files,
		TextContexts:     att.TextContexts,
		DiffTextContexts: att.DiffTextContexts,
	}
}

// Attachment reassembles the item's attachment bundle.
func (i Item) Attachment() message.Attachment {
	return message.Attachment{
		Images:           i.Images,
		Files:            i.Files,
		TextContexts:     i.TextContexts,
		DiffTextContexts: i.DiffTextContexts,
	}
}

// Change describes a queue mutation for one session.
type Change struct {
	SessionID string
	Items     []Item
}

// Store maps session ids to their pending input queues. All operations are
// safe for concurrent use; operations on different sessions are independent.
type Store struct {
	mu     sync.Mutex
	queues map[string][]Item
	broker *pubsub.Broker[Change]
}

// NewStore creates an empty queue store.
func NewStore() *Store {
	return &Store{
		queues: make(map[string][]Item),
		broker: pubsub.NewBroker[Change](),
	}
}

// Subscribe returns a channel of queue changes scoped to ctx.
func (s *Store) Subscribe(ctx context.Context) <-chan pubsub.Event[Change] {
	return s.broker.Subscribe(ctx)
}

// Enqueue appends an item to the session's queue and returns its id.
func (s *Store) Enqueue(sessionID string, item Item) string {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	s.mu.Lock()
	s.queues[sessionID] = append(s.queues[sessionID], item)
	items := s.snapshot(sessionID)
	s.mu.Unlock()

	log.Debug(log.CatQueue, "item enqueued", "session", sessionID, "item", item.ID, "depth", len(items))
	s.broker.Publish(pubsub.CreatedEvent, Change{SessionID: sessionID, Items: items})
	return item.ID
}

// PopFirst removes and returns the head of the session's queue. The second
// return is false when the queue is empty.
func (s *Store) PopFirst(sessionID string) (Item, bool) {
	s.mu.Lock()
	q := s.queues[sessionID]
	if len(q) == 0 {
		s.mu.Unlock()
		return Item{}, false
	}
	head := q[0]
	s.queues[sessionID] = q[1:]
	items := s.snapshot(sessionID)
	s.mu.Unlock()

	log.Debug(log.CatQueue, "item popped", "session", sessionID, "item", head.ID, "depth", len(items))
	s.broker.Publish(pubsub.DeletedEvent, Change{SessionID: sessionID, Items: items})
	return head, true
}

// Remove deletes a specific item. Unknown ids are a no-op.
func (s *Store) Remove(sessionID, itemID string) {
	s.mu.Lock()
	q := s.queues[sessionID]
	idx := indexOf(q, itemID)
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	s.queues[sessionID] = append(q[:idx:idx], q[idx+1:]...)
	items := s.snapshot(sessionID)
	s.mu.Unlock()

	s.broker.Publish(pubsub.DeletedEvent, Change{SessionID: sessionID, Items: items})
}

// Prepend reinserts an item at the head, used when a dequeued item's send
// failed so it retries before anything newer.
func (s *Store) Prepend(sessionID string, item Item) {
	s.mu.Lock()
	s.queues[sessionID] = append([]Item{item}, s.queues[sessionID]...)
	items := s.snapshot(sessionID)
	s.mu.Unlock()

	log.Debug(log.CatQueue, "item prepended", "session", sessionID, "item", item.ID)
	s.broker.Publish(pubsub.CreatedEvent, Change{SessionID: sessionID, Items: items})
}

// RestoreToDraft removes the item and returns it so the caller can repopulate
// the input editor with exactly what was queued.
func (s *Store) RestoreToDraft(sessionID, itemID string) (Item, bool) {
	s.mu.Lock()
	q := s.queues[sessionID]
	idx := indexOf(q, itemID)
	if idx < 0 {
		s.mu.Unlock()
		return Item{}, false
	}
	item := q[idx]
	s.queues[sessionID] = append(q[:idx:idx], q[idx+1:]...)
	items := s.snapshot(sessionID)
	s.mu.Unlock()

	s.broker.Publish(pubsub.DeletedEvent, Change{SessionID: sessionID, Items: items})
	return item, true
}

// Items returns a copy of the session's queue in order.
func (s *Store) Items(sessionID string) []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(sessionID)
}

// Len returns the session's queue depth.
func (s *Store) Len(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[sessionID])
}

// Sessions returns the ids of all sessions with a non-empty queue.
func (s *Store) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.queues))
	for id, q := range s.queues {
		if len(q) > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// Clear drops the session's entire queue.
func (s *Store) Clear(sessionID string) {
	s.mu.Lock()
	if len(s.queues[sessionID]) == 0 {
		s.mu.Unlock()
		return
	}
	delete(s.queues, sessionID)
	s.mu.Unlock()

	s.broker.Publish(pubsub.DeletedEvent, Change{SessionID: sessionID})
}

// Close shuts down the change broker.
func (s *Store) Close() {
	s.broker.Close()
}

func (s *Store) snapshot(sessionID string) []Item {
	q := s.queues[sessionID]
	if len(q) == 0 {
		return nil
	}
	out := make([]Item, len(q))
	copy(out, q)
	return out
}

func indexOf(q []Item, itemID string) int {
	for i, it := range q {
		if it.ID == itemID {
			return i
		}
	}
	return -1
}
