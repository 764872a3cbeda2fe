// Package status tracks each session's coarse streaming state in a flat
// process-wide map, decoupled from the Session objects so the queue processor
// can observe every session without mounting it.
package status

import (
	"context"
	"sync"

	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/internal/pubsub"
)

// Status is a session's coarse busy state.
type Status string

const (
	// Ready means the session can accept a send immediately.
	Ready Status = "ready"
	// Submitted covers the gap between send and the first received chunk.
	Submitted Status = "submitted"
	// Streaming persists until the turn completes or is aborted.
	Streaming Status = "streaming"
	// Error marks a turn that settled with a transport failure.
	Error Status = "error"
)

// Busy reports whether the session holds an active turn.
func (s Status) Busy() bool {
	return s == Submitted || s == Streaming
}

// Change is one status transition, published to subscribers.
type Change struct {
	SessionID string
	Status    Status
}

// Store is a last-write-wins map of session id to status.
type Store struct {
	mu       sync.Mutex
	statuses map[string]Status
	broker   *pubsub.Broker[Change]
}

// NewStore creates an empty status store.
func NewStore() *Store {
	return &Store{
		statuses: make(map[string]Status),
		broker:   pubsub.NewBroker[Change](),
	}
}

// Subscribe returns a channel of status transitions scoped to ctx.
func (s *Store) Subscribe(ctx context.Context) <-chan pubsub.Event[Change] {
	return s.broker.Subscribe(ctx)
}

// Set records the session's status and notifies subscribers. Setting the
// value it already holds is a no-op so subscribers never see spurious wakeups.
func (s *Store) Set(sessionID string, st Status) {
	s.mu.Lock()
	if s.statuses[sessionID] == st {
		s.mu.Unlock()
		return
	}
	s.statuses[sessionID] = st
	s.mu.Unlock()

	log.Debug(log.CatQueue, "status changed", "session", sessionID, "status", string(st))
	s.broker.Publish(pubsub.UpdatedEvent, Change{SessionID: sessionID, Status: st})
}

// Get returns the session's status, defaulting to Ready for unknown ids.
func (s *Store) Get(sessionID string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.statuses[sessionID]; ok {
		return st
	}
	return Ready
}

// Delete removes the session's entry. Idempotent.
func (s *Store) Delete(sessionID string) {
	s.mu.Lock()
	_, ok := s.statuses[sessionID]
	delete(s.statuses, sessionID)
	s.mu.Unlock()

	if ok {
		s.broker.Publish(pubsub.DeletedEvent, Change{SessionID: sessionID, Status: Ready})
	}
}

// Snapshot returns a copy of the full map, for diagnostics.
func (s *Store) Snapshot() map[string]Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Status, len(s.statuses))
	for id, st := range s.statuses {
		out[id] = st
	}
	return out
}

// Close shuts down the change broker.
func (s *Store) Close() {
	s.broker.Close()
}
